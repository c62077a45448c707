// Package datasvc is the built-in JSON document store: a small CRUD
// service whose collections double as notification channels, so every
// mutation pushes fresh results to subscribed listings.
package datasvc

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/magfest/sideboard/pkg/rpc"
)

// ChannelData is the channel notified on every document mutation.
const ChannelData = "data"

var (
	// ErrNotFound means the document id does not exist.
	ErrNotFound = errors.New("document not found")

	// ErrBadRequest means the arguments failed validation.
	ErrBadRequest = errors.New("invalid document request")
)

// Document is one stored JSON object.
type Document struct {
	ID         string         `json:"id"`
	Collection string         `json:"collection"`
	Data       map[string]any `json:"data"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

// Service is the document store exposed remotely as "data".
type Service struct {
	db *sql.DB
}

func New(db *sql.DB) *Service {
	return &Service{db: db}
}

// RPC builds the remotely callable service with its channel annotations:
// listings subscribe the data channel, mutations notify it.
func (s *Service) RPC() *rpc.Service {
	return rpc.MustService(s,
		rpc.Subscribes("list", ChannelData),
		rpc.Subscribes("get", ChannelData),
		rpc.Subscribes("count", ChannelData),
		rpc.Notifies("insert", 0, ChannelData),
		rpc.Notifies("update", 0, ChannelData),
		rpc.Notifies("delete", 0, ChannelData),
	)
}

// InsertParams names a collection and the object to store.
type InsertParams struct {
	Collection string         `json:"collection"`
	Data       map[string]any `json:"data"`
}

// Insert stores a new document and returns its id.
func (s *Service) Insert(ctx context.Context, p InsertParams) (string, error) {
	if p.Collection == "" {
		return "", fmt.Errorf("%w: collection is required", ErrBadRequest)
	}
	if p.Data == nil {
		p.Data = map[string]any{}
	}

	data, err := json.Marshal(p.Data)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrBadRequest, err)
	}

	id := uuid.New().String()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO documents (id, collection, data) VALUES ($1, $2, $3)`,
		id, p.Collection, data)
	if err != nil {
		return "", fmt.Errorf("insert document: %w", err)
	}
	return id, nil
}

// Get returns one document by id.
func (s *Service) Get(ctx context.Context, id string) (*Document, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("%w: bad id %q", ErrBadRequest, id)
	}

	row := s.db.QueryRowContext(ctx,
		`SELECT id, collection, data, created_at, updated_at FROM documents WHERE id = $1`, id)
	doc, err := scanDocument(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return doc, err
}

// List returns every document in a collection, oldest first.
func (s *Service) List(ctx context.Context, collection string) ([]*Document, error) {
	if collection == "" {
		return nil, fmt.Errorf("%w: collection is required", ErrBadRequest)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, collection, data, created_at, updated_at
		 FROM documents WHERE collection = $1 ORDER BY created_at, id`, collection)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()

	docs := []*Document{}
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

// Count returns the number of documents in a collection.
func (s *Service) Count(ctx context.Context, collection string) (int, error) {
	if collection == "" {
		return 0, fmt.Errorf("%w: collection is required", ErrBadRequest)
	}

	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT count(*) FROM documents WHERE collection = $1`, collection).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count documents: %w", err)
	}
	return n, nil
}

// UpdateParams replaces a document's data.
type UpdateParams struct {
	ID   string         `json:"id"`
	Data map[string]any `json:"data"`
}

// Update replaces the stored object for an existing document.
func (s *Service) Update(ctx context.Context, p UpdateParams) error {
	if _, err := uuid.Parse(p.ID); err != nil {
		return fmt.Errorf("%w: bad id %q", ErrBadRequest, p.ID)
	}

	data, err := json.Marshal(p.Data)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadRequest, err)
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE documents SET data = $2, updated_at = now() WHERE id = $1`, p.ID, data)
	if err != nil {
		return fmt.Errorf("update document: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, p.ID)
	}
	return nil
}

// Delete removes a document.
func (s *Service) Delete(ctx context.Context, id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return fmt.Errorf("%w: bad id %q", ErrBadRequest, id)
	}

	res, err := s.db.ExecContext(ctx, `DELETE FROM documents WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete document: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDocument(row rowScanner) (*Document, error) {
	var doc Document
	var raw []byte
	if err := row.Scan(&doc.ID, &doc.Collection, &raw, &doc.CreatedAt, &doc.UpdatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(raw, &doc.Data); err != nil {
		return nil, fmt.Errorf("decode document %s: %w", doc.ID, err)
	}
	return &doc, nil
}
