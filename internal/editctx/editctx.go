// Package editctx identifies the granule being edited.
//
// An EditContext is a value: once captured it never changes, so a save
// queued for chapter A keeps pointing at chapter A even after the editor
// has moved on.
package editctx

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Kind is the structural level of a granule.
type Kind string

const (
	KindPart      Kind = "part"
	KindChapter   Kind = "chapter"
	KindParagraph Kind = "paragraph"
	KindNotion    Kind = "notion"
)

// Kinds lists the valid kinds from outermost to innermost.
var Kinds = []Kind{KindPart, KindChapter, KindParagraph, KindNotion}

// depth returns the nesting level of k, or -1.
func (k Kind) depth() int {
	for i, kk := range Kinds {
		if kk == k {
			return i
		}
	}
	return -1
}

// Valid reports whether k is one of the four kinds.
func (k Kind) Valid() bool { return k.depth() >= 0 }

// EditContext identifies what is being edited.
type EditContext struct {
	Kind         Kind   `json:"kind" validate:"required,oneof=part chapter paragraph notion"`
	ProjectName  string `json:"projectName" validate:"required,nopathsep,max=256"`
	PartTitle    string `json:"partTitle" validate:"required,nopathsep,max=256"`
	ChapterTitle string `json:"chapterTitle,omitempty" validate:"nopathsep,max=256"`
	ParaName     string `json:"paraName,omitempty" validate:"nopathsep,max=256"`
	NotionName   string `json:"notionName,omitempty" validate:"nopathsep,max=256"`
	EntityID     string `json:"entityId" validate:"required,max=128"`
}

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("editctx: invalid context")

// validate is shared; validator.Validate caches struct metadata and is safe
// for concurrent use.
var validate *validator.Validate

func init() {
	validate = validator.New()
	_ = validate.RegisterValidation("nopathsep", func(fl validator.FieldLevel) bool {
		return !strings.Contains(fl.Field().String(), PathSep)
	})
	validate.RegisterStructValidation(hierarchyLevel, EditContext{})
}

// hierarchyLevel requires every title above the context's kind and forbids
// titles below it.
func hierarchyLevel(sl validator.StructLevel) {
	ec := sl.Current().Interface().(EditContext)
	d := ec.Kind.depth()
	if d < 0 {
		return
	}
	fields := []struct {
		name, value string
	}{
		{"ChapterTitle", ec.ChapterTitle},
		{"ParaName", ec.ParaName},
		{"NotionName", ec.NotionName},
	}
	for i, f := range fields {
		level := i + 1
		switch {
		case level <= d && f.value == "":
			sl.ReportError(f.value, f.name, f.name, "required_for_kind", string(ec.Kind))
		case level > d && f.value != "":
			sl.ReportError(f.value, f.name, f.name, "excluded_for_kind", string(ec.Kind))
		}
	}
}

// Validate checks field constraints and the part/chapter/paragraph/notion
// hierarchy.
func (ec EditContext) Validate() error {
	if err := validate.Struct(ec); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s: %s", fe.Field(), fe.Tag()))
			}
			return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(msgs, ", "))
		}
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return nil
}

// Freeze returns a snapshot. EditContext holds only strings, so the copy
// made by the value receiver is already independent of the caller.
func (ec EditContext) Freeze() EditContext { return ec }

// DocID is the active-document identity, "<kind>-<entityId>".
func (ec EditContext) DocID() string {
	return string(ec.Kind) + "-" + ec.EntityID
}

// IsZero reports whether no document is identified.
func (ec EditContext) IsZero() bool { return ec.Kind == "" && ec.EntityID == "" }

// PathSep separates segments of a PathKey.
const PathSep = ":"

// PathKey is the composite cache key project:part:chapter:para:notion.
// Segments below the context's kind are empty, so a chapter key ends in "::".
func (ec EditContext) PathKey() string {
	return strings.Join([]string{
		ec.ProjectName, ec.PartTitle, ec.ChapterTitle, ec.ParaName, ec.NotionName,
	}, PathSep)
}

// Parent returns the enclosing context without an entity id. A part has
// no parent and returns false.
func (ec EditContext) Parent() (EditContext, bool) {
	d := ec.Kind.depth()
	if d <= 0 {
		return EditContext{}, false
	}
	p := EditContext{
		Kind:        Kinds[d-1],
		ProjectName: ec.ProjectName,
		PartTitle:   ec.PartTitle,
	}
	if d-1 >= 1 {
		p.ChapterTitle = ec.ChapterTitle
	}
	if d-1 >= 2 {
		p.ParaName = ec.ParaName
	}
	return p, true
}

// String is used in log lines.
func (ec EditContext) String() string {
	return fmt.Sprintf("%s(%s)", ec.DocID(), ec.PathKey())
}

// Parse rebuilds a context from a kind, a PathKey and an entity id.
func Parse(kind Kind, pathKey, entityID string) (EditContext, error) {
	parts := strings.Split(pathKey, PathSep)
	if len(parts) != 5 {
		return EditContext{}, fmt.Errorf("%w: path key %q must have 5 segments", ErrInvalid, pathKey)
	}
	ec := EditContext{
		Kind:         kind,
		ProjectName:  parts[0],
		PartTitle:    parts[1],
		ChapterTitle: parts[2],
		ParaName:     parts[3],
		NotionName:   parts[4],
		EntityID:     entityID,
	}
	if err := ec.Validate(); err != nil {
		return EditContext{}, err
	}
	return ec, nil
}
