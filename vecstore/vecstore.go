// Package vecstore reads chunk text from the upstream SQLite vector index.
// The graph keeps only a 200-character preview per chunk; when the vector
// database file is reachable, search responses can be hydrated with the full
// text addressed by vector rowid. The file is opened read-only and is never
// written.
package vecstore

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	_ "github.com/mattn/go-sqlite3"
)

// Resolver looks up chunk text by vector rowid.
type Resolver struct {
	db *sql.DB
}

// Open opens the vector database read-only and query-only. The file belongs
// to the upstream crawler; this connection never writes to it.
func Open(path string) (*Resolver, error) {
	dsn := fmt.Sprintf("file:%s?mode=ro&_query_only=1", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("vecstore: open %s: %w", path, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("vecstore: ping %s: %w", path, err)
	}

	slog.Info("vecstore: opened vector database", "path", path)
	return &Resolver{db: db}, nil
}

// Close releases the database handle.
func (r *Resolver) Close() error {
	return r.db.Close()
}

// ChunkText returns the stored text for one chunk, or "" when the rowid is
// unknown.
func (r *Resolver) ChunkText(ctx context.Context, rowid int64) (string, error) {
	var text string
	err := r.db.QueryRowContext(ctx,
		`SELECT chunk_text FROM content_vectors WHERE rowid = ?`, rowid,
	).Scan(&text)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("vecstore: chunk text %d: %w", rowid, err)
	}
	return text, nil
}

// ChunkTexts resolves a batch of rowids. Missing rows are simply absent from
// the result; a lookup failure aborts the batch.
func (r *Resolver) ChunkTexts(ctx context.Context, rowids []int64) (map[int64]string, error) {
	texts := make(map[int64]string, len(rowids))
	for _, rowid := range rowids {
		text, err := r.ChunkText(ctx, rowid)
		if err != nil {
			return nil, err
		}
		if text != "" {
			texts[rowid] = text
		}
	}
	return texts, nil
}
