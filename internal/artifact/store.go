// Package artifact persists binary outputs (screenshots and PDFs) behind a
// permanent URL.
//
// A write is split in two: Reserve mints the file id, object key and public
// URL synchronously, and Persist uploads the bytes and records the index
// row. Callers that cannot wait for Persist may hand out the reserved URL.
package artifact

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/shehryarbajwa/webgrab/internal/logging"
	"github.com/shehryarbajwa/webgrab/internal/workspace"
	"github.com/shehryarbajwa/webgrab/pkg/models"
)

var ErrNotFound = errors.New("artifact: not found")

// Input is one binary output to persist.
type Input struct {
	UserID      string
	Data        []byte
	SourceURL   string
	Kind        models.Kind
	ContentType string
	Format      string
	Metadata    map[string]any
}

// Reservation is an artifact whose id and URL exist but whose bytes may not
// be stored yet.
type Reservation struct {
	ID  string
	Key string
	URL string

	input Input
}

type Store struct {
	db      *sql.DB
	objects ObjectStore
	baseURL string
	logger  *zap.Logger
	now     func() time.Time
}

// NewStore creates a store whose permanent URLs are baseURL + "/" + id.
func NewStore(db *sql.DB, objects ObjectStore, baseURL string, logger *zap.Logger) *Store {
	return &Store{
		db:      db,
		objects: objects,
		baseURL: baseURL,
		logger:  logging.OrNop(logger),
		now:     time.Now,
	}
}

// Reserve mints identifiers for in without touching storage.
func (s *Store) Reserve(in Input) *Reservation {
	id := uuid.NewString()
	format := in.Format
	if format == "" {
		format = string(in.Kind)
	}
	return &Reservation{
		ID:    id,
		Key:   fmt.Sprintf("%s/%s/%s.%s", workspace.SafeName(in.UserID), in.Kind, id, format),
		URL:   s.baseURL + "/" + id,
		input: in,
	}
}

// Persist uploads the reserved bytes and indexes them.
func (s *Store) Persist(ctx context.Context, r *Reservation) (*models.Artifact, error) {
	in := r.input
	location, err := s.objects.PutObject(ctx, r.Key, in.ContentType, in.Data)
	if err != nil {
		return nil, fmt.Errorf("put object %s: %w", r.Key, err)
	}

	a := &models.Artifact{
		ID:          r.ID,
		UserID:      in.UserID,
		Key:         r.Key,
		URL:         r.URL,
		SourceURL:   in.SourceURL,
		Kind:        in.Kind,
		ContentType: in.ContentType,
		Size:        int64(len(in.Data)),
		Metadata:    in.Metadata,
		CreatedAt:   s.now().UTC(),
	}
	if err := s.insert(ctx, a); err != nil {
		if delErr := s.objects.DeleteObject(context.WithoutCancel(ctx), r.Key); delErr != nil {
			s.logger.Warn("failed to remove orphaned object", zap.String("key", r.Key), zap.Error(delErr))
		}
		return nil, err
	}

	s.logger.Debug("artifact stored",
		zap.String("file_id", a.ID),
		zap.String("user_id", a.UserID),
		zap.String("location", location),
		zap.Int64("size", a.Size))
	return a, nil
}

// Store is Reserve followed by Persist.
func (s *Store) Store(ctx context.Context, in Input) (*models.Artifact, error) {
	return s.Persist(ctx, s.Reserve(in))
}

func (s *Store) insert(ctx context.Context, a *models.Artifact) error {
	var meta sql.NullString
	if len(a.Metadata) > 0 {
		raw, err := json.Marshal(a.Metadata)
		if err != nil {
			return fmt.Errorf("encode artifact metadata: %w", err)
		}
		meta = sql.NullString{String: string(raw), Valid: true}
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO artifacts (id, user_id, object_key, url, source_url, kind, content_type, size, metadata, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.UserID, a.Key, a.URL, a.SourceURL, string(a.Kind), a.ContentType, a.Size, meta, a.CreatedAt)
	if err != nil {
		return fmt.Errorf("index artifact: %w", err)
	}
	return nil
}

// Get returns the index row for id.
func (s *Store) Get(ctx context.Context, id string) (*models.Artifact, error) {
	var (
		a    models.Artifact
		kind string
		meta sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, object_key, url, source_url, kind, content_type, size, metadata, created_at
		 FROM artifacts WHERE id = ?`, id).
		Scan(&a.ID, &a.UserID, &a.Key, &a.URL, &a.SourceURL, &kind, &a.ContentType, &a.Size, &meta, &a.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read artifact: %w", err)
	}
	a.Kind = models.Kind(kind)
	if meta.Valid {
		if err := json.Unmarshal([]byte(meta.String), &a.Metadata); err != nil {
			return nil, fmt.Errorf("decode artifact metadata: %w", err)
		}
	}
	return &a, nil
}

// Open returns the artifact and a reader over its bytes.
func (s *Store) Open(ctx context.Context, id string) (*models.Artifact, io.ReadCloser, error) {
	a, err := s.Get(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	body, err := s.objects.GetObject(ctx, a.Key)
	if err != nil {
		return nil, nil, err
	}
	return a, body, nil
}

// Delete removes the object and its index row.
func (s *Store) Delete(ctx context.Context, id string) error {
	a, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := s.objects.DeleteObject(ctx, a.Key); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM artifacts WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete artifact: %w", err)
	}
	return nil
}
