package preview_test

import (
	"archive/zip"
	"bytes"
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethpandaops/reportoor/pkg/config"
	"github.com/ethpandaops/reportoor/pkg/preview"
	"github.com/ethpandaops/reportoor/pkg/storage"
	"github.com/ethpandaops/reportoor/pkg/store"
)

const publicURL = "file:///blobs"

type fixture struct {
	blobs   storage.Store
	reports store.Store
	cache   *preview.Cache
	m       *preview.Materializer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	log := logrus.New()
	log.SetLevel(logrus.WarnLevel)

	blobs := storage.NewLocalStore(log, "artes-reports", &config.LocalStorageConfig{
		Enabled: true,
		Root:    t.TempDir(),
	})
	require.NoError(t, blobs.Start(context.Background()))

	reports := store.NewStore(log, &config.DatabaseConfig{
		Driver: "sqlite",
		SQLite: config.SQLiteDatabaseConfig{Path: ":memory:"},
	})
	require.NoError(t, reports.Start(context.Background()))
	t.Cleanup(func() { _ = reports.Stop() })

	cache := preview.NewCache(log, filepath.Join(t.TempDir(), "scratch"), nil)
	require.NoError(t, cache.Init())

	return &fixture{
		blobs:   blobs,
		reports: reports,
		cache:   cache,
		m:       preview.NewMaterializer(log, reports, blobs, cache, publicURL),
	}
}

func (f *fixture) addReport(t *testing.T, id, key string, data []byte) {
	t.Helper()

	ctx := context.Background()

	require.NoError(t, f.blobs.Put(ctx, key, data, storage.DetectContentType(key)))
	require.NoError(t, f.reports.CreateReport(ctx, &store.Report{
		ID:         id,
		Type:       "t",
		Name:       "n",
		Project:    "p",
		MinioURL:   storage.ObjectURL(publicURL, f.blobs.Bucket(), key),
		ReportURL:  "http://localhost/api/reports/" + id,
		UploadDate: time.Now(),
		Status:     &store.Status{},
	}))
}

type zipEntry struct {
	name string
	body string
}

func buildZip(t *testing.T, entries ...zipEntry) []byte {
	t.Helper()

	var buf bytes.Buffer

	zw := zip.NewWriter(&buf)

	for _, e := range entries {
		w, err := zw.Create(e.name)
		require.NoError(t, err)

		_, err = w.Write([]byte(e.body))
		require.NoError(t, err)
	}

	require.NoError(t, zw.Close())

	return buf.Bytes()
}

func readIndex(t *testing.T, f *fixture, res *preview.Result) []byte {
	t.Helper()

	b, err := os.ReadFile(filepath.Join(f.cache.Root(), filepath.FromSlash(res.Path)))
	require.NoError(t, err)

	return b
}

func TestMaterializeZipFlattensWrapper(t *testing.T) {
	f := newFixture(t)

	f.addReport(t, "z1", "t/p/n-2024-01-01T00:00:00.000Z.zip", buildZip(t,
		zipEntry{"run123/index.html", "<html>run</html>"},
		zipEntry{"run123/assets/app.js", "console.log(1)"},
	))

	res, err := f.m.Materialize(context.Background(), "z1")
	require.NoError(t, err)
	assert.Equal(t, preview.KindRedirect, res.Kind)
	assert.Equal(t, "report-z1/index.html", res.Path)
	assert.Equal(t, uint64(1), res.Generation)

	assert.Equal(t, []byte("<html>run</html>"), readIndex(t, f, res))
	assert.FileExists(t, filepath.Join(f.cache.Dir("z1"), "assets", "app.js"))
	assert.NoDirExists(t, filepath.Join(f.cache.Dir("z1"), "run123"))
}

func TestMaterializeZipWrapperCollisionStillRedirects(t *testing.T) {
	f := newFixture(t)

	f.addReport(t, "c1", "t/p/n-2024-01-01T00:00:00.000Z.zip", buildZip(t,
		zipEntry{"README.txt", "outer"},
		zipEntry{"run123/README.txt", "inner"},
		zipEntry{"run123/index.html", "<html>run</html>"},
	))

	res, err := f.m.Materialize(context.Background(), "c1")
	require.NoError(t, err)
	assert.Equal(t, preview.KindRedirect, res.Kind)
	assert.Equal(t, "report-c1/index.html", res.Path)
	assert.Equal(t, uint64(1), res.Generation)

	dir := f.cache.Dir("c1")
	assert.FileExists(t, filepath.Join(dir, "README.txt"))
	assert.FileExists(t, filepath.Join(dir, "run123", "index.html"))
	assert.FileExists(t, filepath.Join(dir, "run123", "README.txt"))
}

func TestMaterializeIsIdempotent(t *testing.T) {
	f := newFixture(t)

	f.addReport(t, "z2", "t/p/n-2024-01-01T00:00:00.000Z.zip", buildZip(t,
		zipEntry{"index.html", "<html>top</html>"},
		zipEntry{"data/a.json", "{}"},
	))

	first, err := f.m.Materialize(context.Background(), "z2")
	require.NoError(t, err)

	firstBody := readIndex(t, f, first)

	// Leave junk behind; the next materialization must not carry it over.
	require.NoError(t, os.WriteFile(filepath.Join(f.cache.Dir("z2"), "stale.txt"), []byte("x"), 0o644))

	second, err := f.m.Materialize(context.Background(), "z2")
	require.NoError(t, err)

	assert.Equal(t, first.Path, second.Path)
	assert.Equal(t, firstBody, readIndex(t, f, second))
	assert.Equal(t, first.Generation+1, second.Generation)
	assert.NoFileExists(t, filepath.Join(f.cache.Dir("z2"), "stale.txt"))
	assert.Equal(t, second.Generation, f.cache.Generation("z2"))
}

func TestMaterializeHTML(t *testing.T) {
	f := newFixture(t)

	f.addReport(t, "h1", "t/p/page-2024-01-01T00:00:00.000Z.HTML", []byte("<p>hi</p>"))

	res, err := f.m.Materialize(context.Background(), "h1")
	require.NoError(t, err)
	assert.Equal(t, preview.KindRedirect, res.Kind)
	assert.Equal(t, []byte("<p>hi</p>"), readIndex(t, f, res))
}

func TestMaterializeRaw(t *testing.T) {
	f := newFixture(t)

	f.addReport(t, "r1", "t/p/log-2024-01-01T00:00:00.000Z.pdf", []byte("%PDF-1.4"))
	f.addReport(t, "r2", "t/p/bad-2024-01-01T00:00:00.000Z.zip", []byte("not a zip"))

	res, err := f.m.Materialize(context.Background(), "r1")
	require.NoError(t, err)
	assert.Equal(t, preview.KindRaw, res.Kind)
	assert.Equal(t, []byte("%PDF-1.4"), res.Data)
	assert.Equal(t, "application/pdf", res.ContentType)
	assert.Equal(t, "log-2024-01-01T00:00:00.000Z.pdf", res.Filename)
	assert.NoDirExists(t, f.cache.Dir("r1"))

	res, err = f.m.Materialize(context.Background(), "r2")
	require.NoError(t, err)
	assert.Equal(t, preview.KindRaw, res.Kind)
	assert.Equal(t, []byte("not a zip"), res.Data)
}

func TestMaterializeNotFound(t *testing.T) {
	f := newFixture(t)

	_, err := f.m.Materialize(context.Background(), "nope")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestMaterializeMissingBlob(t *testing.T) {
	f := newFixture(t)

	key := "t/p/gone-2024-01-01T00:00:00.000Z.html"
	f.addReport(t, "g1", key, []byte("x"))
	require.NoError(t, f.blobs.Delete(context.Background(), key))

	_, err := f.m.Materialize(context.Background(), "g1")
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestConcurrentMaterializeSameID(t *testing.T) {
	f := newFixture(t)

	f.addReport(t, "c1", "t/p/n-2024-01-01T00:00:00.000Z.zip", buildZip(t,
		zipEntry{"wrap/index.html", "<html>same</html>"},
		zipEntry{"wrap/a/b/c.txt", "deep"},
	))

	const workers = 8

	var wg sync.WaitGroup

	errs := make(chan error, workers)

	for range workers {
		wg.Add(1)

		go func() {
			defer wg.Done()

			_, err := f.m.Materialize(context.Background(), "c1")
			errs <- err
		}()
	}

	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}

	assert.Equal(t, uint64(workers), f.cache.Generation("c1"))

	b, err := os.ReadFile(filepath.Join(f.cache.Dir("c1"), "index.html"))
	require.NoError(t, err)
	assert.Equal(t, []byte("<html>same</html>"), b)

	entries, err := os.ReadDir(f.cache.Root())
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "report-c1", entries[0].Name())
}

func TestCachePrune(t *testing.T) {
	log := logrus.New()
	log.SetLevel(logrus.WarnLevel)

	cache := preview.NewCache(log, t.TempDir(), nil)
	require.NoError(t, cache.Init())

	write := func(dir string) error {
		return os.WriteFile(filepath.Join(dir, "index.html"), []byte("x"), 0o644)
	}

	_, err := cache.Replace("old", write)
	require.NoError(t, err)
	_, err = cache.Replace("fresh", write)
	require.NoError(t, err)

	past := time.Now().Add(-48 * time.Hour)
	require.NoError(t, os.Chtimes(cache.Dir("old"), past, past))

	// Unrelated directories in the scratch root are left alone.
	other := filepath.Join(cache.Root(), "keep-me")
	require.NoError(t, os.Mkdir(other, 0o755))
	require.NoError(t, os.Chtimes(other, past, past))

	cleaner := preview.NewCleaner(log, cache, "@every 1h", 24*time.Hour)

	removed, err := cleaner.RunOnce()
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	assert.NoDirExists(t, cache.Dir("old"))
	assert.DirExists(t, cache.Dir("fresh"))
	assert.DirExists(t, other)
}

func TestCachePruneSkipsBusyEntries(t *testing.T) {
	log := logrus.New()
	log.SetLevel(logrus.WarnLevel)

	cache := preview.NewCache(log, t.TempDir(), nil)

	past := time.Now().Add(-48 * time.Hour)
	started := make(chan struct{})
	release := make(chan struct{})
	done := make(chan struct{})

	_, err := cache.Replace("busy", func(dir string) error { return nil })
	require.NoError(t, err)
	require.NoError(t, os.Chtimes(cache.Dir("busy"), past, past))

	go func() {
		defer close(done)

		_, _ = cache.Replace("busy", func(dir string) error {
			close(started)
			<-release

			return nil
		})
	}()

	<-started

	removed, err := cache.Prune(time.Hour)
	require.NoError(t, err)
	assert.Zero(t, removed)
	assert.DirExists(t, cache.Dir("busy"))

	close(release)
	<-done
}

func TestCacheInvalidate(t *testing.T) {
	log := logrus.New()
	log.SetLevel(logrus.WarnLevel)

	cache := preview.NewCache(log, t.TempDir(), nil)

	_, err := cache.Replace("x", func(string) error { return nil })
	require.NoError(t, err)
	require.DirExists(t, cache.Dir("x"))

	require.NoError(t, cache.Invalidate("x"))
	assert.NoDirExists(t, cache.Dir("x"))

	// Invalidating something that was never materialized is fine.
	require.NoError(t, cache.Invalidate("never"))
}

func TestCleanerStartRejectsBadSchedule(t *testing.T) {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)

	cleaner := preview.NewCleaner(log, preview.NewCache(log, t.TempDir(), nil), "not a schedule", time.Hour)
	require.Error(t, cleaner.Start(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cleaner = preview.NewCleaner(log, preview.NewCache(log, t.TempDir(), nil), "@every 1h", time.Hour)
	require.NoError(t, cleaner.Start(ctx))
	cleaner.Stop()
}
