package backup

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kebairia/safedeploy/internal/executor"
)

// stepClock advances one second per call so every record gets a distinct id.
type stepClock struct{ t time.Time }

func (c *stepClock) Now() time.Time {
	c.t = c.t.Add(time.Second)
	return c.t
}

type fixture struct {
	project string
	root    string
	dataDir string
	exec    *executor.Fake
	store   *Store
}

func newFixture(t *testing.T, codec Codec) *fixture {
	t.Helper()
	project := t.TempDir()
	f := &fixture{
		project: project,
		root:    filepath.Join(project, "backups"),
		dataDir: filepath.Join(project, "data"),
		exec: &executor.Fake{RunFunc: func(_ context.Context, cmd executor.Command) executor.Result {
			switch {
			case strings.Contains(cmd.String(), "ps"):
				return executor.Result{Stdout: "web\ndb\n"}
			case strings.Contains(cmd.String(), "images"):
				return executor.Result{Stdout: "sha256:aaa\nsha256:bbb"}
			}
			return executor.Result{}
		}},
	}
	writeFile(t, filepath.Join(project, ".env"), "TOKEN=one\n")
	writeFile(t, filepath.Join(project, "docker-compose.yml"), "services: {}\n")
	writeFile(t, filepath.Join(f.dataDir, "db", "pg.dat"), "rows-v1")
	writeFile(t, filepath.Join(f.dataDir, "uploads", "a.txt"), "upload")

	clock := &stepClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	f.store = NewStore(Options{
		Root: f.root,
		Files: []string{
			filepath.Join(project, ".env"),
			filepath.Join(project, "docker-compose.yml"),
			filepath.Join(project, "docker-compose.prod.yml"), // absent
		},
		DataDir:         f.dataDir,
		Codec:           codec,
		ServicesCommand: []string{"docker", "compose", "ps", "--services"},
		ImagesCommand:   []string{"docker", "compose", "images", "--quiet"},
		Timeout:         time.Second,
	}, f.exec, WithClock(clock.Now))
	return f
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(data)
}

func TestStore_Create(t *testing.T) {
	f := newFixture(t, CodecZstd)

	rec, err := f.store.Create(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "20260301T120001.000000000Z", rec.ID)
	assert.Equal(t, filepath.Join(f.root, rec.ID), rec.Dir())
	assert.Equal(t, []string{"web", "db"}, rec.Services.Items)
	assert.True(t, rec.Services.Available)
	assert.Equal(t, []string{"sha256:aaa", "sha256:bbb"}, rec.Images.Items)
	assert.Empty(t, rec.Warnings)

	require.Len(t, rec.Files, 2, "absent files are not copied")
	assert.Equal(t, []string{filepath.Join(f.project, "docker-compose.prod.yml")}, rec.Absent)
	assert.Equal(t, ".env", rec.Files[0].Name)
	assert.Equal(t, "TOKEN=one\n", readFile(t, filepath.Join(rec.Dir(), FilesDirname, ".env")))

	require.NotNil(t, rec.Archive)
	assert.Equal(t, "data.tar.zst", rec.Archive.Name)
	assert.Equal(t, f.dataDir, rec.Archive.Source)
	assert.FileExists(t, filepath.Join(rec.Dir(), "data.tar.zst"))

	assert.Equal(t, "web\ndb\n", readFile(t, filepath.Join(rec.Dir(), ServicesFilename)))
	assert.Equal(t, rec.ID+"\n", readFile(t, filepath.Join(f.root, LatestFilename)))

	loaded, err := f.store.Get(rec.ID)
	require.NoError(t, err)
	assert.Equal(t, rec.Files, loaded.Files)
	assert.Equal(t, rec.Archive, loaded.Archive)
	require.NoError(t, f.store.Verify(loaded))
}

func TestStore_Create_DuplicateBasenames(t *testing.T) {
	f := newFixture(t, CodecNone)
	sources := []string{
		filepath.Join(f.project, "a", "x"),
		filepath.Join(f.project, "b", "x"),
		filepath.Join(f.project, "c", "x.1"),
	}
	for _, src := range sources {
		writeFile(t, src, src)
	}
	f.store.opts.Files = sources

	rec, err := f.store.Create(context.Background())
	require.NoError(t, err)
	assert.Empty(t, rec.Warnings)
	require.Len(t, rec.Files, 3)
	names := map[string]bool{}
	for _, cf := range rec.Files {
		names[cf.Name] = true
		assert.Equal(t, cf.Source, readFile(t, filepath.Join(rec.Dir(), FilesDirname, cf.Name)))
	}
	assert.Len(t, names, 3)
}

func TestStore_Create_InventoryUnavailableIsNotEmpty(t *testing.T) {
	f := newFixture(t, CodecNone)
	f.exec.RunFunc = func(_ context.Context, cmd executor.Command) executor.Result {
		if strings.Contains(cmd.String(), "ps") {
			return executor.Failed(cmd, 1, "Cannot connect to the Docker daemon")
		}
		return executor.Result{} // images: ran fine, nothing listed
	}

	rec, err := f.store.Create(context.Background())
	require.NoError(t, err, "inventory failures never abort the backup")

	assert.False(t, rec.Services.Available)
	assert.Empty(t, rec.Services.Items)
	assert.NotEmpty(t, rec.Services.Error)
	assert.True(t, rec.Images.Available)
	assert.Empty(t, rec.Images.Items)
	assert.Len(t, rec.Warnings, 1)

	assert.True(t, strings.HasPrefix(readFile(t, filepath.Join(rec.Dir(), ServicesFilename)), "# unavailable"))
	assert.Equal(t, "", readFile(t, filepath.Join(rec.Dir(), ImagesFilename)))
}

func TestStore_Create_NoDataDirectory(t *testing.T) {
	f := newFixture(t, CodecZstd)
	require.NoError(t, os.RemoveAll(f.dataDir))

	rec, err := f.store.Create(context.Background())
	require.NoError(t, err)
	assert.Nil(t, rec.Archive)
	assert.Empty(t, rec.Warnings)
}

func TestStore_Create_RootNotCreatable(t *testing.T) {
	f := newFixture(t, CodecZstd)
	blocker := filepath.Join(f.project, "not-a-dir")
	writeFile(t, blocker, "x")
	f.store.opts.Root = filepath.Join(blocker, "backups")

	_, err := f.store.Create(context.Background())
	require.ErrorIs(t, err, ErrCreateRoot)
}

func TestStore_IDCollision(t *testing.T) {
	f := newFixture(t, CodecNone)
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	f.store.now = func() time.Time { return fixed }

	a, err := f.store.Create(context.Background())
	require.NoError(t, err)
	b, err := f.store.Create(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "20260301T120000.000000000Z", a.ID)
	assert.Equal(t, "20260301T120000.000000000Z-001", b.ID)

	ids, err := f.store.List()
	require.NoError(t, err)
	assert.Equal(t, []string{b.ID, a.ID}, ids)
}

func TestStore_List(t *testing.T) {
	f := newFixture(t, CodecNone)

	ids, err := f.store.List()
	require.NoError(t, err)
	assert.Empty(t, ids, "missing root lists nothing")

	var created []string
	for i := 0; i < 3; i++ {
		rec, err := f.store.Create(context.Background())
		require.NoError(t, err)
		created = append(created, rec.ID)
	}
	// noise that must not be listed
	require.NoError(t, os.MkdirAll(filepath.Join(f.root, stagingPrefix+"20990101T000000.000000000Z"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(f.root, "20990101T000000.000000000Z"), 0o755))
	writeFile(t, filepath.Join(f.root, ".safedeploy.lock"), "pid=1\n")

	ids, err = f.store.List()
	require.NoError(t, err)
	assert.Equal(t, []string{created[2], created[1], created[0]}, ids)

	recs, err := f.store.Records()
	require.NoError(t, err)
	require.Len(t, recs, 3)
	assert.Equal(t, created[2], recs[0].ID)
}

func TestStore_Latest(t *testing.T) {
	f := newFixture(t, CodecNone)

	_, err := f.store.Latest()
	require.ErrorIs(t, err, ErrNotFound)

	first, err := f.store.Create(context.Background())
	require.NoError(t, err)
	second, err := f.store.Create(context.Background())
	require.NoError(t, err)

	got, err := f.store.Latest()
	require.NoError(t, err)
	assert.Equal(t, second.ID, got.ID)

	t.Run("stale pointer falls back to newest record", func(t *testing.T) {
		require.NoError(t, os.RemoveAll(second.Dir()))
		got, err := f.store.Latest()
		require.NoError(t, err)
		assert.Equal(t, first.ID, got.ID)
	})

	t.Run("missing pointer falls back to newest record", func(t *testing.T) {
		require.NoError(t, os.Remove(filepath.Join(f.root, LatestFilename)))
		got, err := f.store.Latest()
		require.NoError(t, err)
		assert.Equal(t, first.ID, got.ID)
	})
}

func TestStore_Get_RejectsPathLikeIDs(t *testing.T) {
	f := newFixture(t, CodecNone)
	_, err := f.store.Create(context.Background())
	require.NoError(t, err)

	for _, id := range []string{"", "..", "../backups", ".staging-x", "a/b"} {
		_, err := f.store.Get(id)
		assert.ErrorIs(t, err, ErrNotFound, id)
	}
}

func TestStore_Cleanup(t *testing.T) {
	f := newFixture(t, CodecNone)

	_, err := f.store.Cleanup(0)
	require.ErrorIs(t, err, ErrInvalidKeepCount)

	removed, err := f.store.Cleanup(3)
	require.NoError(t, err)
	assert.Empty(t, removed, "cleanup of an empty store is a no-op")

	for total := 1; total <= 7; total++ {
		_, err := f.store.Create(context.Background())
		require.NoError(t, err)
	}
	before, err := f.store.List()
	require.NoError(t, err)
	require.Len(t, before, 7)

	for _, keep := range []int{10, 7, 5, 3, 3, 1} {
		_, err := f.store.Cleanup(keep)
		require.NoError(t, err)
		after, err := f.store.List()
		require.NoError(t, err)
		want := before[:min(len(before), keep)]
		assert.Equal(t, want, after, "keep=%d retains exactly the newest records", keep)
		before = after
	}

	latest, err := f.store.Latest()
	require.NoError(t, err)
	assert.Equal(t, before[0], latest.ID)
}

func TestStore_Cleanup_RemovesStaging(t *testing.T) {
	f := newFixture(t, CodecNone)
	_, err := f.store.Create(context.Background())
	require.NoError(t, err)
	staging := filepath.Join(f.root, stagingPrefix+"leftover")
	require.NoError(t, os.MkdirAll(staging, 0o755))

	_, err = f.store.Cleanup(5)
	require.NoError(t, err)
	assert.NoDirExists(t, staging)
}

type recordingStopper struct {
	calls int
	err   error
}

func (s *recordingStopper) Stop(context.Context) error {
	s.calls++
	return s.err
}

func TestStore_Restore(t *testing.T) {
	for _, codec := range []Codec{CodecZstd, CodecLZ4, CodecNone} {
		t.Run(string(codec), func(t *testing.T) {
			f := newFixture(t, codec)
			stopper := &recordingStopper{err: errors.New("nothing running")}
			WithStopper(stopper)(f.store)

			rec, err := f.store.Create(context.Background())
			require.NoError(t, err)
			manifestBefore := readFile(t, filepath.Join(rec.Dir(), MetadataFilename))

			// drift the live state
			writeFile(t, filepath.Join(f.project, ".env"), "TOKEN=two\n")
			require.NoError(t, os.Remove(filepath.Join(f.project, "docker-compose.yml")))
			writeFile(t, filepath.Join(f.dataDir, "db", "pg.dat"), "rows-v2-corrupted")
			require.NoError(t, os.RemoveAll(filepath.Join(f.dataDir, "uploads")))

			require.NoError(t, f.store.Restore(context.Background(), rec.ID))
			assert.Equal(t, 1, stopper.calls, "stop failure is only a warning")

			assert.Equal(t, "TOKEN=one\n", readFile(t, filepath.Join(f.project, ".env")))
			assert.Equal(t, "services: {}\n", readFile(t, filepath.Join(f.project, "docker-compose.yml")))
			assert.Equal(t, "rows-v1", readFile(t, filepath.Join(f.dataDir, "db", "pg.dat")))
			assert.Equal(t, "upload", readFile(t, filepath.Join(f.dataDir, "uploads", "a.txt")))

			// a second restore converges on the same state
			require.NoError(t, f.store.Restore(context.Background(), rec.ID))
			assert.Equal(t, "TOKEN=one\n", readFile(t, filepath.Join(f.project, ".env")))
			assert.Equal(t, "rows-v1", readFile(t, filepath.Join(f.dataDir, "db", "pg.dat")))

			assert.Equal(t, manifestBefore, readFile(t, filepath.Join(rec.Dir(), MetadataFilename)))
			require.NoError(t, f.store.Verify(rec), "restore never mutates the record")
		})
	}
}

func TestStore_Restore_RemovesFilesAbsentFromBackup(t *testing.T) {
	f := newFixture(t, CodecNone)
	rec, err := f.store.Create(context.Background())
	require.NoError(t, err)

	prod := filepath.Join(f.project, "docker-compose.prod.yml")
	writeFile(t, prod, "services: {broken: {}}\n")

	require.NoError(t, f.store.Restore(context.Background(), rec.ID))
	assert.NoFileExists(t, prod)
	require.NoError(t, f.store.Restore(context.Background(), rec.ID), "already absent is fine")
}

func TestStore_Restore_NotFound(t *testing.T) {
	f := newFixture(t, CodecNone)
	err := f.store.Restore(context.Background(), "20000101T000000.000000000Z")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestStore_Restore_ChecksumMismatch(t *testing.T) {
	f := newFixture(t, CodecNone)
	stopper := &recordingStopper{}
	WithStopper(stopper)(f.store)

	rec, err := f.store.Create(context.Background())
	require.NoError(t, err)
	writeFile(t, filepath.Join(rec.Dir(), FilesDirname, ".env"), "TOKEN=tampered\n")
	writeFile(t, filepath.Join(f.project, ".env"), "TOKEN=live\n")

	err = f.store.Restore(context.Background(), rec.ID)
	require.ErrorIs(t, err, ErrRestore)
	require.ErrorIs(t, err, ErrChecksumMismatch)
	assert.Equal(t, 0, stopper.calls, "nothing is stopped when the record is unusable")
	assert.Equal(t, "TOKEN=live\n", readFile(t, filepath.Join(f.project, ".env")))
}

func TestExtractArchive_RejectsTraversal(t *testing.T) {
	dir := t.TempDir()
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	body := []byte("owned")
	require.NoError(t, tw.WriteHeader(&tar.Header{Name: "../escape.txt", Mode: 0o644, Size: int64(len(body)), Typeflag: tar.TypeReg}))
	_, err := tw.Write(body)
	require.NoError(t, err)
	require.NoError(t, tw.Close())

	archive := filepath.Join(dir, "evil.tar")
	require.NoError(t, os.WriteFile(archive, buf.Bytes(), 0o644))

	target := filepath.Join(dir, "data")
	err = extractArchive(archive, target, CodecNone)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "escapes")
	assert.NoFileExists(t, filepath.Join(dir, "escape.txt"))
}

func TestExtractArchive_RejectsSymlinkedParent(t *testing.T) {
	dir := t.TempDir()
	outside := filepath.Join(dir, "outside")
	require.NoError(t, os.MkdirAll(outside, 0o755))

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	require.NoError(t, tw.WriteHeader(&tar.Header{Name: "a", Linkname: outside, Typeflag: tar.TypeSymlink}))
	body := []byte("owned")
	require.NoError(t, tw.WriteHeader(&tar.Header{Name: "a/passwd", Mode: 0o644, Size: int64(len(body)), Typeflag: tar.TypeReg}))
	_, err := tw.Write(body)
	require.NoError(t, err)
	require.NoError(t, tw.Close())

	archive := filepath.Join(dir, "evil.tar")
	require.NoError(t, os.WriteFile(archive, buf.Bytes(), 0o644))

	err = extractArchive(archive, filepath.Join(dir, "data"), CodecNone)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "symlink")
	assert.NoFileExists(t, filepath.Join(outside, "passwd"))
}

func TestParseCodec(t *testing.T) {
	c, err := ParseCodec("")
	require.NoError(t, err)
	assert.Equal(t, CodecZstd, c)

	c, err = ParseCodec("lz4")
	require.NoError(t, err)
	assert.Equal(t, "data.tar.lz4", c.ArchiveName())

	_, err = ParseCodec("gzip")
	assert.Error(t, err)
}
