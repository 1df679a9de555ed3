package remote

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"xccmsync/internal/editctx"
)

const pgSchema = `
CREATE TABLE IF NOT EXISTS granules (
    project      TEXT NOT NULL,
    kind         TEXT NOT NULL,
    entity_id    TEXT NOT NULL,
    path_key     TEXT NOT NULL,
    position     INTEGER NOT NULL DEFAULT 0,
    content      TEXT NOT NULL DEFAULT '',
    updated_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
    PRIMARY KEY (kind, entity_id)
);

CREATE INDEX IF NOT EXISTS idx_granules_project ON granules(project, path_key);
`

// PGStore reads and writes granules directly in Postgres.
type PGStore struct {
	db *sql.DB
}

// OpenPG connects to databaseURL and ensures the schema exists.
func OpenPG(ctx context.Context, databaseURL string) (*PGStore, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetConnMaxIdleTime(5 * time.Minute)
	db.SetConnMaxLifetime(30 * time.Minute)
	db.SetMaxIdleConns(4)
	db.SetMaxOpenConns(8)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	if _, err := db.ExecContext(ctx, pgSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &PGStore{db: db}, nil
}

// SaveContent upserts the granule's content. A context carrying only kind
// and entity id, as rebuilt from a WAL entry, updates an existing row.
func (s *PGStore) SaveContent(ctx context.Context, ec editctx.EditContext, content string) error {
	if ec.ProjectName == "" {
		res, err := s.db.ExecContext(ctx,
			"UPDATE granules SET content = $1, updated_at = now() WHERE kind = $2 AND entity_id = $3",
			content, string(ec.Kind), ec.EntityID,
		)
		if err != nil {
			return fmt.Errorf("save content: %w", err)
		}
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			return fmt.Errorf("%w: %s", ErrNotFound, ec.DocID())
		}
		return nil
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO granules (project, kind, entity_id, path_key, content, updated_at)
		VALUES ($1, $2, $3, $4, $5, now())
		ON CONFLICT (kind, entity_id) DO UPDATE SET
			path_key = EXCLUDED.path_key,
			content = EXCLUDED.content,
			updated_at = now()`,
		ec.ProjectName, string(ec.Kind), ec.EntityID, ec.PathKey(), content,
	)
	if err != nil {
		return fmt.Errorf("save content: %w", err)
	}
	return nil
}

// FetchContent returns the stored content of ec.
func (s *PGStore) FetchContent(ctx context.Context, ec editctx.EditContext) (string, error) {
	var content string
	err := s.db.QueryRowContext(ctx,
		"SELECT content FROM granules WHERE kind = $1 AND entity_id = $2",
		string(ec.Kind), ec.EntityID,
	).Scan(&content)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("%w: %s", ErrNotFound, ec.DocID())
	}
	if err != nil {
		return "", fmt.Errorf("fetch content: %w", err)
	}
	return content, nil
}

// FetchStructure rebuilds the project tree from the stored path keys.
func (s *PGStore) FetchStructure(ctx context.Context, project string) (*Tree, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT kind, entity_id, path_key
		FROM granules WHERE project = $1
		ORDER BY position, path_key`, project)
	if err != nil {
		return nil, fmt.Errorf("fetch structure: %w", err)
	}
	defer rows.Close()

	var ctxs []editctx.EditContext
	for rows.Next() {
		var kind, entityID, pathKey string
		if err := rows.Scan(&kind, &entityID, &pathKey); err != nil {
			return nil, fmt.Errorf("scan granule: %w", err)
		}
		ec, err := editctx.Parse(editctx.Kind(kind), pathKey, entityID)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidTree, err)
		}
		ctxs = append(ctxs, ec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("fetch structure: %w", err)
	}
	return BuildTree(project, ctxs)
}

// Ping reports whether the database answers.
func (s *PGStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PGStore) Close() error {
	return s.db.Close()
}

// BuildTree assembles a tree from flat contexts. Every context's parent
// must be present; order among siblings follows the input order.
func BuildTree(project string, ctxs []editctx.EditContext) (*Tree, error) {
	t := &Tree{Project: project}
	// index maps a context's title path to its node's child slice owner.
	type ref struct {
		list *[]Node
		i    int
	}
	index := make(map[string]ref)
	pathOf := func(ec editctx.EditContext) string {
		return strings.Join([]string{ec.PartTitle, ec.ChapterTitle, ec.ParaName, ec.NotionName}, editctx.PathSep)
	}

	// Parents before children.
	for _, kind := range editctx.Kinds {
		for _, ec := range ctxs {
			if ec.Kind != kind {
				continue
			}
			siblings := &t.Parts
			if parent, ok := ec.Parent(); ok {
				r, found := index[pathOf(parent)]
				if !found {
					return nil, fmt.Errorf("%w: %s has no parent in %q", ErrInvalidTree, ec.DocID(), project)
				}
				siblings = &(*r.list)[r.i].Children
			}
			*siblings = append(*siblings, Node{Kind: ec.Kind, Title: titleOf(ec), EntityID: ec.EntityID})
			index[pathOf(ec)] = ref{list: siblings, i: len(*siblings) - 1}
		}
	}
	return t, nil
}

func titleOf(ec editctx.EditContext) string {
	switch ec.Kind {
	case editctx.KindPart:
		return ec.PartTitle
	case editctx.KindChapter:
		return ec.ChapterTitle
	case editctx.KindParagraph:
		return ec.ParaName
	default:
		return ec.NotionName
	}
}
