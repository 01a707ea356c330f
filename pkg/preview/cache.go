// Package preview turns stored report artifacts into browsable static
// sites under a scratch directory.
package preview

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/reportoor/pkg/fsutil"
)

const (
	dirPrefix     = "report-"
	stagingPrefix = ".staging-"
	trashPrefix   = ".trash-"
)

// Cache owns the per-report extraction directories under a scratch root.
// Materializations of the same report are serialized and every successful
// one bumps the report's generation.
type Cache struct {
	log   logrus.FieldLogger
	root  string
	owner *fsutil.OwnerConfig

	mu      sync.Mutex
	entries map[string]*entry
}

type entry struct {
	mu         sync.Mutex
	generation uint64
}

// NewCache creates a Cache rooted at root.
func NewCache(log logrus.FieldLogger, root string, owner *fsutil.OwnerConfig) *Cache {
	return &Cache{
		log:     log.WithField("component", "preview-cache"),
		root:    filepath.Clean(root),
		owner:   owner,
		entries: make(map[string]*entry, 16),
	}
}

// Init creates the scratch root and clears leftovers of interrupted swaps.
// Only the process that owns the scratch root may call it; another process
// sharing the root uses EnsureRoot instead so in-flight swaps survive.
func (c *Cache) Init() error {
	if err := c.EnsureRoot(); err != nil {
		return err
	}

	entries, err := os.ReadDir(c.root)
	if err != nil {
		return fmt.Errorf("reading scratch root %s: %w", c.root, err)
	}

	for _, e := range entries {
		if strings.HasPrefix(e.Name(), stagingPrefix) || strings.HasPrefix(e.Name(), trashPrefix) {
			_ = os.RemoveAll(filepath.Join(c.root, e.Name()))
		}
	}

	return nil
}

// EnsureRoot creates the scratch root if needed and touches nothing in it.
func (c *Cache) EnsureRoot() error {
	if err := fsutil.MkdirAll(c.root, 0o755, c.owner); err != nil {
		return fmt.Errorf("creating scratch root %s: %w", c.root, err)
	}

	return nil
}

// Root returns the scratch root directory.
func (c *Cache) Root() string {
	return c.root
}

// DirName returns the directory name, relative to Root, holding id's
// extraction.
func DirName(id string) string {
	return dirPrefix + id
}

// Dir returns the absolute directory holding id's extraction.
func (c *Cache) Dir(id string) string {
	return filepath.Join(c.root, DirName(id))
}

// Generation returns how many times id has been materialized by this
// process.
func (c *Cache) Generation(id string) uint64 {
	c.mu.Lock()
	e, ok := c.entries[id]
	c.mu.Unlock()

	if !ok {
		return 0
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	return e.generation
}

// Replace builds a fresh extraction for id by calling fill with an empty
// staging directory, then swaps it in for any previous extraction. Calls
// for the same id are serialized. Returns the new generation.
func (c *Cache) Replace(id string, fill func(dir string) error) (uint64, error) {
	e := c.lock(id)
	defer e.mu.Unlock()

	next := e.generation + 1
	suffix := DirName(id) + "-" + strconv.FormatUint(next, 10)
	staging := filepath.Join(c.root, stagingPrefix+suffix)

	if err := fsutil.ResetDir(staging, c.owner); err != nil {
		return 0, fmt.Errorf("preparing staging dir: %w", err)
	}

	if err := fill(staging); err != nil {
		_ = os.RemoveAll(staging)

		return 0, err
	}

	// Touch the staging dir so cleanup ages it from now, not from when
	// the extracted entries were created.
	now := time.Now()
	_ = os.Chtimes(staging, now, now)

	final := c.Dir(id)
	trash := filepath.Join(c.root, trashPrefix+suffix)

	if err := os.Rename(final, trash); err != nil && !os.IsNotExist(err) {
		_ = os.RemoveAll(staging)

		return 0, fmt.Errorf("moving previous extraction aside: %w", err)
	}

	if err := os.Rename(staging, final); err != nil {
		_ = os.RemoveAll(staging)

		return 0, fmt.Errorf("activating extraction: %w", err)
	}

	if err := os.RemoveAll(trash); err != nil {
		c.log.WithError(err).WithField("report_id", id).Warn("Failed to remove previous extraction")
	}

	e.generation = next

	return next, nil
}

// Invalidate removes id's extraction, waiting for an in-flight
// materialization of the same id to finish first. The report's generation
// is forgotten along with it.
func (c *Cache) Invalidate(id string) error {
	e := c.lock(id)
	defer e.mu.Unlock()

	if err := os.RemoveAll(c.Dir(id)); err != nil {
		return fmt.Errorf("removing extraction for %s: %w", id, err)
	}

	c.forget(id, e)

	return nil
}

// Prune removes extractions whose directory is older than maxAge. Reports
// that are being materialized are skipped. Returns the number of
// directories removed.
func (c *Cache) Prune(maxAge time.Duration) (int, error) {
	dirs, err := os.ReadDir(c.root)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}

		return 0, fmt.Errorf("reading scratch root %s: %w", c.root, err)
	}

	cutoff := time.Now().Add(-maxAge)
	removed := 0

	for _, d := range dirs {
		if !d.IsDir() || !strings.HasPrefix(d.Name(), dirPrefix) {
			continue
		}

		info, err := d.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}

		id := strings.TrimPrefix(d.Name(), dirPrefix)
		if c.pruneOne(id, cutoff) {
			removed++
		}
	}

	return removed, nil
}

func (c *Cache) pruneOne(id string, cutoff time.Time) bool {
	e := c.entry(id)

	if !e.mu.TryLock() {
		return false
	}
	defer e.mu.Unlock()

	if !c.current(id, e) {
		return false
	}

	dir := c.Dir(id)

	// Re-check under the lock, a materialization may have just finished.
	info, err := os.Stat(dir)
	if err != nil {
		if os.IsNotExist(err) {
			c.forget(id, e)
		}

		return false
	}

	if info.ModTime().After(cutoff) {
		return false
	}

	if err := os.RemoveAll(dir); err != nil {
		c.log.WithError(err).WithField("report_id", id).Warn("Failed to prune extraction")

		return false
	}

	c.forget(id, e)

	return true
}

// lock returns id's entry with its mutex held. An entry dropped from the
// map while we waited for it is stale, so the lookup is retried.
func (c *Cache) lock(id string) *entry {
	for {
		e := c.entry(id)
		e.mu.Lock()

		if c.current(id, e) {
			return e
		}

		e.mu.Unlock()
	}
}

func (c *Cache) current(id string, e *entry) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.entries[id] == e
}

// forget drops id's entry. The caller holds e.mu.
func (c *Cache) forget(id string, e *entry) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.entries[id] == e {
		delete(c.entries, id)
	}
}

func (c *Cache) entry(id string) *entry {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[id]
	if !ok {
		e = &entry{}
		c.entries[id] = e
	}

	return e
}
