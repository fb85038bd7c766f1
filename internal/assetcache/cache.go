package assetcache

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/voxdeck/voxdeck-audio/internal/config"
	_ "modernc.org/sqlite"
)

// Stats describes the current cache contents for the status surface.
type Stats struct {
	Entries     int
	ApproxBytes int64
	Hits        uint64
	Misses      uint64
}

// Cache is a key->audio-payload store. Lookups are served from memory;
// every write is mirrored best-effort into SQLite so payloads survive a
// restart. Persistence failures are logged and swallowed: the in-memory
// entry is kept and the cache stays usable for the rest of the process
// lifetime.
type Cache struct {
	db    *sql.DB
	cfg   config.CacheConfig
	log   *slog.Logger
	clock func() time.Time

	mu      sync.RWMutex
	entries map[string][]byte
	bytes   int64
	hits    uint64
	misses  uint64
}

// Key derives the deterministic cache key for a text+voice pair.
// Whitespace is trimmed so "gato" and " gato " share one entry.
func Key(text, voice string) string {
	return strings.TrimSpace(text) + "_" + strings.TrimSpace(voice)
}

// Open initializes the cache and restores the durable mirror. A durable
// store that cannot be opened or read leaves the cache empty and
// memory-only; Open never fails because of it.
func Open(ctx context.Context, cfg config.CacheConfig, log *slog.Logger) *Cache {
	c := &Cache{
		cfg:     cfg,
		log:     log.With(slog.String("component", "asset-cache")),
		clock:   time.Now,
		entries: make(map[string][]byte),
	}

	if cfg.Path == "" {
		return c
	}

	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			c.log.Warn("cache persistence disabled", slog.String("error", err.Error()))
			return c
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		c.log.Warn("cache persistence disabled", slog.String("error", err.Error()))
		return c
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		c.log.Warn("cache persistence disabled", slog.String("error", err.Error()))
		return c
	}
	c.db = db

	if err := c.initSchema(ctx); err != nil {
		db.Close()
		c.db = nil
		c.log.Warn("cache persistence disabled", slog.String("error", err.Error()))
		return c
	}

	if cfg.VacuumOnStart {
		if _, err := db.ExecContext(ctx, "VACUUM"); err != nil {
			c.log.Warn("cache vacuum failed", slog.String("error", err.Error()))
		}
	}

	c.restore(ctx)
	return c
}

func (c *Cache) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS audio_assets (
    key TEXT PRIMARY KEY,
    payload BLOB NOT NULL,
    created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audio_assets_created ON audio_assets(created_at);
`
	_, err := c.db.ExecContext(ctx, ddl)
	return err
}

// restore repopulates the in-memory map from the durable mirror.
// Unreadable rows are discarded; the cache simply starts with less.
func (c *Cache) restore(ctx context.Context) {
	rows, err := c.db.QueryContext(ctx, `SELECT key, payload FROM audio_assets`)
	if err != nil {
		c.log.Warn("cache restore failed", slog.String("error", err.Error()))
		return
	}
	defer rows.Close()

	restored := 0
	c.mu.Lock()
	for rows.Next() {
		var key string
		var payload []byte
		if err := rows.Scan(&key, &payload); err != nil {
			continue
		}
		if key == "" || len(payload) == 0 {
			continue
		}
		c.entries[key] = payload
		c.bytes += int64(len(payload))
		restored++
	}
	c.mu.Unlock()

	if err := rows.Err(); err != nil {
		c.log.Warn("cache restore incomplete", slog.String("error", err.Error()))
	}
	if restored > 0 {
		c.log.Info("cache restored", slog.Int("entries", restored))
	}
}

// Close releases the durable store. In-memory contents are dropped with
// the process.
func (c *Cache) Close() error {
	if c.db == nil {
		return nil
	}
	return c.db.Close()
}

// Get returns the payload for key, if present.
func (c *Cache) Get(key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	payload, ok := c.entries[key]
	if ok {
		c.hits++
	} else {
		c.misses++
	}
	return payload, ok
}

// Has reports whether key is cached without counting a hit or miss.
func (c *Cache) Has(key string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.entries[key]
	return ok
}

// Put stores the payload under key and flushes it to the durable mirror.
// Never returns an error: a failed flush leaves the memory entry intact.
func (c *Cache) Put(key string, payload []byte) {
	if key == "" || len(payload) == 0 {
		return
	}

	c.mu.Lock()
	if prev, ok := c.entries[key]; ok {
		c.bytes -= int64(len(prev))
	}
	c.entries[key] = payload
	c.bytes += int64(len(payload))
	c.mu.Unlock()

	c.persist(key, payload)
	c.pruneIfNeeded()
}

func (c *Cache) persist(key string, payload []byte) {
	if c.db == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := c.db.ExecContext(ctx,
		`INSERT INTO audio_assets(key, payload, created_at) VALUES(?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET payload=excluded.payload`,
		key, payload, c.clock().UTC())
	if err != nil {
		c.log.Warn("cache flush failed", slog.String("key", key), slog.String("error", err.Error()))
	}
}

// pruneIfNeeded evicts the oldest durable rows above the configured cap.
// The in-memory map is left alone; it only grows within one page session
// and the cap bounds what the next restore brings back.
func (c *Cache) pruneIfNeeded() {
	if c.db == nil || c.cfg.MaxEntries <= 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := c.db.ExecContext(ctx, `DELETE FROM audio_assets WHERE key IN (
		SELECT key FROM audio_assets ORDER BY created_at DESC LIMIT -1 OFFSET ?
	)`, c.cfg.MaxEntries)
	if err != nil {
		c.log.Warn("cache prune failed", slog.String("error", err.Error()))
	}
}

// Stats returns a snapshot of cache size and hit counters.
func (c *Cache) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Stats{
		Entries:     len(c.entries),
		ApproxBytes: c.bytes,
		Hits:        c.hits,
		Misses:      c.misses,
	}
}
