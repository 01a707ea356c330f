package archive_test

import (
	"archive/zip"
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethpandaops/reportoor/pkg/archive"
	"github.com/ethpandaops/reportoor/pkg/fsutil"
)

type entry struct {
	name string
	body string
}

func buildZip(t *testing.T, entries ...entry) []byte {
	t.Helper()

	var buf bytes.Buffer

	zw := zip.NewWriter(&buf)

	for _, e := range entries {
		w, err := zw.Create(e.name)
		require.NoError(t, err)

		if e.body != "" {
			_, err = w.Write([]byte(e.body))
			require.NoError(t, err)
		}
	}

	require.NoError(t, zw.Close())

	return buf.Bytes()
}

func TestInspect(t *testing.T) {
	tests := []struct {
		name         string
		entries      []entry
		wantMetrics  *string
		wantExecutor *string
	}{
		{
			name: "both files under a single top-level folder",
			entries: []entry{
				{name: "allure-report/index.html", body: "<html>"},
				{name: "allure-report/export/prometheusData.txt", body: "launch_status_passed 7\n"},
				{name: "allure-report/widgets/executors.json", body: `[{"buildName":"nightly"}]`},
			},
			wantMetrics:  ptr("launch_status_passed 7\n"),
			wantExecutor: ptr(`[{"buildName":"nightly"}]`),
		},
		{
			name: "no status files",
			entries: []entry{
				{name: "report/index.html", body: "<html>"},
			},
		},
		{
			name: "files at archive root do not match",
			entries: []entry{
				{name: "export/prometheusData.txt", body: "launch_status_passed 1"},
				{name: "widgets/executors.json", body: "{}"},
			},
		},
		{
			name: "files nested two folders deep match",
			entries: []entry{
				{name: "a/b/export/prometheusData.txt", body: "launch_status_passed 1"},
			},
			wantMetrics: ptr("launch_status_passed 1"),
		},
		{
			name: "ci folder wrapping the report folder",
			entries: []entry{
				{name: "ci-run/allure-report/index.html", body: "<html>"},
				{name: "ci-run/allure-report/export/prometheusData.txt", body: "launch_status_passed 7\n"},
				{name: "ci-run/allure-report/widgets/executors.json", body: "[]"},
			},
			wantMetrics:  ptr("launch_status_passed 7\n"),
			wantExecutor: ptr("[]"),
		},
		{
			name: "similar names do not match",
			entries: []entry{
				{name: "run/myexport/prometheusData.txt.bak", body: "x"},
				{name: "run/widgets/executors.json.orig", body: "x"},
			},
		},
		{
			name: "first match wins",
			entries: []entry{
				{name: "one/export/prometheusData.txt", body: "first"},
				{name: "two/export/prometheusData.txt", body: "second"},
			},
			wantMetrics: ptr("first"),
		},
		{
			name: "windows separators are normalized",
			entries: []entry{
				{name: `run\widgets\executors.json`, body: "{}"},
			},
			wantExecutor: ptr("{}"),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := archive.Inspect(buildZip(t, tt.entries...))
			require.NoError(t, err)

			assert.Equal(t, tt.wantMetrics, got.Metrics)
			assert.Equal(t, tt.wantExecutor, got.Executor)
		})
	}
}

// corruptEntry stores body under name with a CRC that does not match, so
// reading it back fails with zip.ErrChecksum.
func corruptEntry(t *testing.T, zw *zip.Writer, name, body string) {
	t.Helper()

	w, err := zw.CreateRaw(&zip.FileHeader{
		Name:               name,
		Method:             zip.Store,
		CRC32:              0xdeadbeef,
		CompressedSize64:   uint64(len(body)),
		UncompressedSize64: uint64(len(body)),
	})
	require.NoError(t, err)

	_, err = w.Write([]byte(body))
	require.NoError(t, err)
}

func TestInspect_UnreadableEntryKeepsTheOther(t *testing.T) {
	var buf bytes.Buffer

	zw := zip.NewWriter(&buf)
	corruptEntry(t, zw, "run/widgets/executors.json", `[{"buildName":"nightly"}]`)

	w, err := zw.Create("run/export/prometheusData.txt")
	require.NoError(t, err)
	_, err = w.Write([]byte("launch_status_passed 7\n"))
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	got, err := archive.Inspect(buf.Bytes())
	require.Error(t, err)
	assert.ErrorIs(t, err, zip.ErrChecksum)
	assert.NotErrorIs(t, err, archive.ErrNotArchive)
	assert.Contains(t, err.Error(), "run/widgets/executors.json")

	require.NotNil(t, got)
	assert.Nil(t, got.Executor)
	assert.Equal(t, ptr("launch_status_passed 7\n"), got.Metrics)
}

func TestInspect_NotArchive(t *testing.T) {
	_, err := archive.Inspect([]byte("<html>definitely not a zip</html>"))
	require.Error(t, err)
	assert.ErrorIs(t, err, archive.ErrNotArchive)
}

func TestExtract(t *testing.T) {
	dir := t.TempDir()

	data := buildZip(t,
		entry{name: "index.html", body: "<html>root</html>"},
		entry{name: "assets/"},
		entry{name: "assets/app.js", body: "console.log(1)"},
		entry{name: "../escape.txt", body: "nope"},
		entry{name: "/abs.txt", body: "nope"},
		entry{name: "data/../../escape2.txt", body: "nope"},
	)

	n, err := archive.Extract(data, dir, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	index, err := os.ReadFile(filepath.Join(dir, "index.html"))
	require.NoError(t, err)
	assert.Equal(t, "<html>root</html>", string(index))

	assert.FileExists(t, filepath.Join(dir, "assets", "app.js"))
	assert.NoFileExists(t, filepath.Join(filepath.Dir(dir), "escape.txt"))
	assert.NoFileExists(t, filepath.Join(filepath.Dir(dir), "escape2.txt"))
	assert.NoFileExists(t, filepath.Join(dir, "abs.txt"))
}

func TestExtract_NotArchive(t *testing.T) {
	_, err := archive.Extract([]byte("garbage"), t.TempDir(), nil)
	assert.ErrorIs(t, err, archive.ErrNotArchive)
}

func TestFlatten(t *testing.T) {
	t.Run("unwraps single wrapping folder", func(t *testing.T) {
		dir := t.TempDir()

		_, err := archive.Extract(buildZip(t,
			entry{name: "run123/index.html", body: "<html>wrapped</html>"},
			entry{name: "run123/assets/style.css", body: "body{}"},
		), dir, nil)
		require.NoError(t, err)

		flattened, err := archive.Flatten(dir)
		require.NoError(t, err)
		assert.True(t, flattened)

		index, err := os.ReadFile(filepath.Join(dir, archive.IndexFile))
		require.NoError(t, err)
		assert.Equal(t, "<html>wrapped</html>", string(index))
		assert.FileExists(t, filepath.Join(dir, "assets", "style.css"))
		assert.NoDirExists(t, filepath.Join(dir, "run123"))
	})

	t.Run("index at top level is left alone", func(t *testing.T) {
		dir := t.TempDir()
		require.NoError(t, os.WriteFile(filepath.Join(dir, "index.html"), []byte("x"), 0o644))
		require.NoError(t, os.MkdirAll(filepath.Join(dir, "data"), 0o755))

		flattened, err := archive.Flatten(dir)
		require.NoError(t, err)
		assert.False(t, flattened)
		assert.DirExists(t, filepath.Join(dir, "data"))
	})

	t.Run("multiple top-level folders are left alone", func(t *testing.T) {
		dir := t.TempDir()
		require.NoError(t, os.MkdirAll(filepath.Join(dir, "a"), 0o755))
		require.NoError(t, os.MkdirAll(filepath.Join(dir, "b"), 0o755))

		flattened, err := archive.Flatten(dir)
		require.NoError(t, err)
		assert.False(t, flattened)
	})

	t.Run("macos metadata folder is ignored", func(t *testing.T) {
		dir := t.TempDir()
		require.NoError(t, os.MkdirAll(filepath.Join(dir, "__MACOSX"), 0o755))
		require.NoError(t, os.MkdirAll(filepath.Join(dir, "site"), 0o755))
		require.NoError(t, os.WriteFile(filepath.Join(dir, "site", "index.html"), []byte("x"), 0o644))

		flattened, err := archive.Flatten(dir)
		require.NoError(t, err)
		assert.True(t, flattened)
		assert.FileExists(t, filepath.Join(dir, "index.html"))
	})

	t.Run("name collision leaves the tree as extracted", func(t *testing.T) {
		dir := t.TempDir()

		_, err := archive.Extract(buildZip(t,
			entry{name: "README.txt", body: "outer"},
			entry{name: "run123/README.txt", body: "inner"},
			entry{name: "run123/index.html", body: "<html>wrapped</html>"},
		), dir, nil)
		require.NoError(t, err)

		flattened, err := archive.Flatten(dir)
		require.ErrorIs(t, err, fsutil.ErrHoistConflict)
		assert.False(t, flattened)

		assert.FileExists(t, filepath.Join(dir, "run123", "index.html"))
		assert.FileExists(t, filepath.Join(dir, "run123", "README.txt"))
		assert.NoFileExists(t, filepath.Join(dir, archive.IndexFile))

		readme, err := os.ReadFile(filepath.Join(dir, "README.txt"))
		require.NoError(t, err)
		assert.Equal(t, "outer", string(readme))
	})

	t.Run("only one level is unwrapped", func(t *testing.T) {
		dir := t.TempDir()
		require.NoError(t, os.MkdirAll(filepath.Join(dir, "outer", "inner"), 0o755))
		require.NoError(t, os.WriteFile(filepath.Join(dir, "outer", "inner", "index.html"), []byte("x"), 0o644))

		flattened, err := archive.Flatten(dir)
		require.NoError(t, err)
		assert.True(t, flattened)
		assert.FileExists(t, filepath.Join(dir, "inner", "index.html"))
		assert.NoFileExists(t, filepath.Join(dir, "index.html"))
	})
}

func ptr(s string) *string {
	return &s
}

func TestExtension(t *testing.T) {
	tests := map[string]string{
		"report.html":         "html",
		"bundle.tar.zip":      "zip",
		"noext":               "",
		"trailing.":           "",
		`C:\dir.d\report.ZIP`: "ZIP",
		"dir.d/file":          "",
	}

	for in, want := range tests {
		t.Run(in, func(t *testing.T) {
			assert.Equal(t, want, archive.Extension(in))
		})
	}

	assert.True(t, archive.IsZip("ZIP"))
	assert.False(t, archive.IsZip("zipx"))
}
