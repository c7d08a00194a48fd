// Package cache is the advisory result cache in front of the user actors.
//
// Entries are keyed by (operation kind, user id, hash of normalized
// parameters). Binary payloads are stored base64-encoded with an explicit
// encoding tag and restored to raw bytes on read. A missing, stale or corrupt
// entry is always reported as a miss, never as an error.
package cache

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/shehryarbajwa/webgrab/internal/logging"
	"github.com/shehryarbajwa/webgrab/internal/metrics"
	"github.com/shehryarbajwa/webgrab/pkg/models"
)

// Store is the injected cache capability. Implementations provide atomic
// put and match per (namespace, key).
type Store interface {
	Match(ctx context.Context, namespace, key string) ([]byte, bool, error)
	Put(ctx context.Context, namespace, key string, value []byte, ttl time.Duration) error
}

// EncodingBase64 tags a binary field stored as standard base64.
const EncodingBase64 = "base64"

// Entry is the stored form of a successful output.
type Entry struct {
	Kind           models.Kind     `json:"kind"`
	Output         json.RawMessage `json:"output"`
	Binary         string          `json:"binary,omitempty"`
	BinaryEncoding string          `json:"binaryEncoding,omitempty"`
	CachedAt       time.Time       `json:"cachedAt"`
	TTLSeconds     int64           `json:"ttlSeconds"`
}

var (
	errStale   = errors.New("cache entry expired")
	errCorrupt = errors.New("cache entry corrupt")
)

// Encode serializes out into an entry. This is the only place raw bytes are
// turned into their stored representation.
func Encode(out models.Output, cachedAt time.Time, ttl time.Duration) ([]byte, error) {
	meta, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("encode output: %w", err)
	}
	entry := Entry{
		Kind:       out.Kind(),
		Output:     meta,
		CachedAt:   cachedAt.UTC(),
		TTLSeconds: int64(ttl / time.Second),
	}
	if c, ok := out.(*models.Capture); ok {
		entry.Binary = base64.StdEncoding.EncodeToString(c.Data)
		entry.BinaryEncoding = EncodingBase64
	}
	return json.Marshal(entry)
}

// Decode restores an output from its stored form, rejecting entries that
// are stale at now or do not match kind.
func Decode(kind models.Kind, raw []byte, now time.Time) (models.Output, error) {
	var entry Entry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return nil, fmt.Errorf("%w: %v", errCorrupt, err)
	}
	if entry.Kind != kind {
		return nil, fmt.Errorf("%w: kind %q, want %q", errCorrupt, entry.Kind, kind)
	}
	if entry.TTLSeconds > 0 && now.After(entry.CachedAt.Add(time.Duration(entry.TTLSeconds)*time.Second)) {
		return nil, errStale
	}

	out, ok := models.NewOutput(kind)
	if !ok {
		return nil, fmt.Errorf("%w: unknown kind %q", errCorrupt, kind)
	}
	if err := json.Unmarshal(entry.Output, out); err != nil {
		return nil, fmt.Errorf("%w: %v", errCorrupt, err)
	}

	if c, ok := out.(*models.Capture); ok {
		switch entry.BinaryEncoding {
		case EncodingBase64:
			data, err := base64.StdEncoding.DecodeString(entry.Binary)
			if err != nil {
				return nil, fmt.Errorf("%w: binary: %v", errCorrupt, err)
			}
			c.Data = data
		default:
			return nil, fmt.Errorf("%w: binary encoding %q", errCorrupt, entry.BinaryEncoding)
		}
		c.Op = kind
	}
	return out, nil
}

// Cache couples a Store with the entry codec.
type Cache struct {
	store  Store
	logger *zap.Logger
	now    func() time.Time
}

func New(store Store, logger *zap.Logger) *Cache {
	return &Cache{store: store, logger: logging.OrNop(logger), now: time.Now}
}

// Lookup returns the cached output for key. Any failure is a miss.
func (c *Cache) Lookup(ctx context.Context, kind models.Kind, key string) (models.Output, bool) {
	raw, ok, err := c.store.Match(ctx, string(kind), key)
	if err != nil {
		metrics.CacheLookups.WithLabelValues(string(kind), "error").Inc()
		c.logger.Warn("cache lookup failed",
			zap.String("code", string(models.CodeCacheUnavailable)),
			zap.String("cache_key", key), zap.Error(err))
		return nil, false
	}
	if !ok {
		metrics.CacheLookups.WithLabelValues(string(kind), "miss").Inc()
		return nil, false
	}

	out, err := Decode(kind, raw, c.now())
	if err != nil {
		metrics.CacheLookups.WithLabelValues(string(kind), "miss").Inc()
		if !errors.Is(err, errStale) {
			c.logger.Warn("discarding unreadable cache entry", zap.String("cache_key", key), zap.Error(err))
		}
		return nil, false
	}
	metrics.CacheLookups.WithLabelValues(string(kind), "hit").Inc()
	return out, true
}

// Save writes out under key with the given TTL.
func (c *Cache) Save(ctx context.Context, key string, out models.Output, ttl time.Duration) error {
	raw, err := Encode(out, c.now(), ttl)
	if err != nil {
		return err
	}
	if err := c.store.Put(ctx, string(out.Kind()), key, raw, ttl); err != nil {
		return fmt.Errorf("cache put %s: %w", key, err)
	}
	return nil
}
