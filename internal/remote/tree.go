package remote

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"xccmsync/internal/editctx"
)

//go:embed tree.schema.json
var treeSchemaJSON []byte

const treeSchemaURL = "tree.schema.json"

var (
	treeSchemaOnce sync.Once
	treeSchema     *jsonschema.Schema
	treeSchemaErr  error
)

func compiledTreeSchema() (*jsonschema.Schema, error) {
	treeSchemaOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource(treeSchemaURL, bytes.NewReader(treeSchemaJSON)); err != nil {
			treeSchemaErr = fmt.Errorf("add schema resource: %w", err)
			return
		}
		treeSchema, treeSchemaErr = compiler.Compile(treeSchemaURL)
	})
	return treeSchema, treeSchemaErr
}

// Tree is a project's structure: parts containing chapters containing
// paragraphs containing notions.
type Tree struct {
	Project string `json:"project"`
	Parts   []Node `json:"parts"`
}

// Node is one granule in the tree.
type Node struct {
	Kind     editctx.Kind `json:"kind"`
	Title    string       `json:"title"`
	EntityID string       `json:"entityId"`
	Children []Node       `json:"children,omitempty"`
}

// DecodeTree parses and validates a structure document.
func DecodeTree(data []byte) (*Tree, error) {
	var instance any
	if err := json.Unmarshal(data, &instance); err != nil {
		return nil, fmt.Errorf("%w: decode tree: %v", ErrInvalidTree, err)
	}
	schema, err := compiledTreeSchema()
	if err != nil {
		return nil, err
	}
	if err := schema.Validate(instance); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTree, err)
	}

	var t Tree
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("%w: decode tree: %v", ErrInvalidTree, err)
	}
	if err := t.checkNesting(); err != nil {
		return nil, err
	}
	return &t, nil
}

// checkNesting enforces part > chapter > paragraph > notion, which the
// schema cannot express.
func (t *Tree) checkNesting() error {
	var walk func(nodes []Node, want int) error
	walk = func(nodes []Node, want int) error {
		for _, n := range nodes {
			if want >= len(editctx.Kinds) || n.Kind != editctx.Kinds[want] {
				return fmt.Errorf("%w: %s %q nested at level %d", ErrInvalidTree, n.Kind, n.Title, want)
			}
			if err := walk(n.Children, want+1); err != nil {
				return err
			}
		}
		return nil
	}
	return walk(t.Parts, 0)
}

// located is a node with its context and the siblings it sits among.
type located struct {
	ctx      editctx.EditContext
	siblings []editctx.EditContext
	index    int
	parent   *editctx.EditContext
}

// Contexts flattens the tree into edit contexts in document order.
func (t *Tree) Contexts() []editctx.EditContext {
	var out []editctx.EditContext
	t.walk(func(l located) bool {
		out = append(out, l.ctx)
		return true
	})
	return out
}

// Find returns the context for the granule of the given kind and entity.
func (t *Tree) Find(kind editctx.Kind, entityID string) (editctx.EditContext, bool) {
	var found editctx.EditContext
	ok := false
	t.walk(func(l located) bool {
		if l.ctx.Kind == kind && l.ctx.EntityID == entityID {
			found, ok = l.ctx, true
			return false
		}
		return true
	})
	return found, ok
}

// Neighbors returns the granules a reader of ec is likely to open next:
// the previous and next sibling, then the parent.
func (t *Tree) Neighbors(ec editctx.EditContext) []editctx.EditContext {
	var out []editctx.EditContext
	t.walk(func(l located) bool {
		if l.ctx.Kind != ec.Kind || l.ctx.EntityID != ec.EntityID {
			return true
		}
		if l.index > 0 {
			out = append(out, l.siblings[l.index-1])
		}
		if l.index+1 < len(l.siblings) {
			out = append(out, l.siblings[l.index+1])
		}
		if l.parent != nil {
			out = append(out, *l.parent)
		}
		return false
	})
	return out
}

func (t *Tree) walk(visit func(located) bool) {
	var rec func(nodes []Node, base editctx.EditContext, parent *editctx.EditContext) bool
	rec = func(nodes []Node, base editctx.EditContext, parent *editctx.EditContext) bool {
		ctxs := make([]editctx.EditContext, len(nodes))
		for i, n := range nodes {
			ctxs[i] = childContext(base, n)
		}
		for i, n := range nodes {
			if !visit(located{ctx: ctxs[i], siblings: ctxs, index: i, parent: parent}) {
				return false
			}
			self := ctxs[i]
			if !rec(n.Children, self, &self) {
				return false
			}
		}
		return true
	}
	rec(t.Parts, editctx.EditContext{ProjectName: t.Project}, nil)
}

func childContext(base editctx.EditContext, n Node) editctx.EditContext {
	ec := base
	ec.Kind = n.Kind
	ec.EntityID = n.EntityID
	switch n.Kind {
	case editctx.KindPart:
		ec.PartTitle = n.Title
	case editctx.KindChapter:
		ec.ChapterTitle = n.Title
	case editctx.KindParagraph:
		ec.ParaName = n.Title
	case editctx.KindNotion:
		ec.NotionName = n.Title
	}
	return ec
}
