// Package backup implements the on-disk store of pre-deployment backup records.
//
// Layout under the backup root:
//
//	<root>/<id>/metadata.json   manifest (see Record)
//	<root>/<id>/services.txt    running services at capture time
//	<root>/<id>/images.txt      container images at capture time
//	<root>/<id>/files/<name>    copies of the live configuration files
//	<root>/<id>/data.tar.zst    archive of the data directory (codec dependent)
//	<root>/latest               id of the newest record
//
// A record is assembled in a hidden staging directory and renamed into place,
// so a record directory that is visible is always complete.
package backup

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/kebairia/safedeploy/internal/executor"
	"github.com/kebairia/safedeploy/internal/logger"
)

var (
	// ErrNotFound is returned when no record matches the requested id, or none exist.
	ErrNotFound = errors.New("backup not found")
	// ErrCreateRoot means the backup root could not be created. It is the only fatal capture error.
	ErrCreateRoot = errors.New("cannot create backup directory")
	// ErrWriteRecord means the manifest or final record directory could not be written.
	ErrWriteRecord = errors.New("cannot write backup record")
	// ErrChecksumMismatch means a captured file no longer matches its manifest.
	ErrChecksumMismatch = errors.New("backup content does not match its checksum")
	// ErrInvalidKeepCount is returned by Cleanup when keep < 1.
	ErrInvalidKeepCount = errors.New("keep count must be at least 1")
	// ErrRestore wraps failures while writing restored content.
	ErrRestore = errors.New("restore failed")
)

const stagingPrefix = ".staging-"

// Stopper stops the running deployment before live content is overwritten.
type Stopper interface {
	Stop(ctx context.Context) error
}

// Options configures a Store.
type Options struct {
	// Root is the backup directory.
	Root string
	// Files are the absolute live paths of the configuration files to capture.
	Files []string
	// DataDir is archived when it exists and is non-empty.
	DataDir string
	Codec   Codec
	// ServicesCommand and ImagesCommand are argv lists queried best-effort.
	ServicesCommand []string
	ImagesCommand   []string
	// Timeout bounds each inventory query.
	Timeout time.Duration
	// Host and ToolVersion are recorded in the manifest for reference.
	Host        string
	ToolVersion string
}

// Store manages backup records under a single root.
type Store struct {
	opts    Options
	exec    executor.Executor
	stopper Stopper
	log     logger.Logger
	now     func() time.Time
}

// Option customises a Store.
type Option func(*Store)

// WithLogger sets the logger.
func WithLogger(l logger.Logger) Option {
	return func(s *Store) { s.log = logger.OrNop(l) }
}

// WithStopper sets what Restore calls to stop the running deployment.
func WithStopper(st Stopper) Option {
	return func(s *Store) { s.stopper = st }
}

// WithClock overrides time.Now, for deterministic ids in tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// NewStore returns a Store. The root is not created until the first Create.
func NewStore(opts Options, exec executor.Executor, options ...Option) *Store {
	if opts.Codec == "" {
		opts.Codec = CodecZstd
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 2 * time.Minute
	}
	s := &Store{
		opts: opts,
		exec: exec,
		log:  logger.Nop(),
		now:  time.Now,
	}
	for _, o := range options {
		o(s)
	}
	return s
}

// Root returns the backup directory.
func (s *Store) Root() string { return s.opts.Root }

// Create captures a new record of the current deployment state and marks it
// as latest. Only failing to create the root (or to persist the record
// itself) is an error; everything else is captured best-effort and noted in
// Record.Warnings.
func (s *Store) Create(ctx context.Context) (*Record, error) {
	start := s.now()
	if err := ensureDirectoryExist(s.opts.Root); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCreateRoot, err)
	}

	id, err := s.nextID(start)
	if err != nil {
		return nil, err
	}
	staging := filepath.Join(s.opts.Root, stagingPrefix+id)
	if err := ensureDirectoryExist(filepath.Join(staging, FilesDirname)); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCreateRoot, err)
	}
	committed := false
	defer func() {
		if !committed {
			os.RemoveAll(staging)
		}
	}()

	log := s.log.With("backup_id", id)
	log.Info("backup started", "root", s.opts.Root)

	rec := &Record{
		ID:          id,
		CreatedAt:   start.UTC(),
		Host:        s.opts.Host,
		ToolVersion: s.opts.ToolVersion,
		Files:       []CapturedFile{},
	}
	warn := func(format string, args ...any) {
		msg := fmt.Sprintf(format, args...)
		rec.Warnings = append(rec.Warnings, msg)
		log.Warn("backup step skipped", "reason", msg)
	}

	rec.Services = s.inventory(ctx, s.opts.ServicesCommand)
	if !rec.Services.Available {
		warn("services inventory unavailable: %s", rec.Services.Error)
	}
	rec.Images = s.inventory(ctx, s.opts.ImagesCommand)
	if !rec.Images.Available {
		warn("images inventory unavailable: %s", rec.Images.Error)
	}
	for _, item := range []struct {
		name string
		inv  Inventory
	}{{ServicesFilename, rec.Services}, {ImagesFilename, rec.Images}} {
		if err := os.WriteFile(filepath.Join(staging, item.name), []byte(inventoryText(item.inv)), 0o644); err != nil {
			warn("write %s: %v", item.name, err)
		}
	}

	s.captureFiles(rec, staging, warn)

	if s.opts.DataDir != "" {
		info, err := writeArchive(s.opts.DataDir, filepath.Join(staging, s.opts.Codec.ArchiveName()), s.opts.Codec)
		switch {
		case errors.Is(err, errEmptyDir):
			log.Debug("data directory empty or missing, no archive", "data_dir", s.opts.DataDir)
		case err != nil:
			os.Remove(filepath.Join(staging, s.opts.Codec.ArchiveName()))
			warn("archive data directory: %v", err)
		default:
			rec.Archive = info
		}
	}

	rec.Duration = s.now().Sub(start)
	if err := rec.Write(staging); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrWriteRecord, err)
	}
	final := filepath.Join(s.opts.Root, id)
	if err := os.Rename(staging, final); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrWriteRecord, err)
	}
	committed = true
	rec.dir = final

	if err := s.setLatest(id); err != nil {
		// Latest falls back to the newest listed record, so this is not fatal.
		log.Warn("update latest pointer", "error", err)
	}

	log.Info("backup completed",
		"files", len(rec.Files),
		"archived", rec.Archive != nil,
		"warnings", len(rec.Warnings),
		"duration", rec.Duration,
	)
	return rec, nil
}

func (s *Store) captureFiles(rec *Record, staging string, warn func(string, ...any)) {
	used := make(map[string]bool)
	for _, src := range s.opts.Files {
		info, err := os.Stat(src)
		if errors.Is(err, fs.ErrNotExist) {
			s.log.Debug("configuration file absent", "path", src)
			rec.Absent = append(rec.Absent, src)
			continue
		}
		if err != nil {
			warn("stat %s: %v", src, err)
			continue
		}
		if !info.Mode().IsRegular() {
			warn("%s is not a regular file", src)
			continue
		}

		name := filepath.Base(src)
		for n := 1; used[name]; n++ {
			name = fmt.Sprintf("%s.%d", filepath.Base(src), n)
		}
		used[name] = true

		size, sum, err := copyFile(src, filepath.Join(staging, FilesDirname, name), info.Mode())
		if err != nil {
			warn("copy %s: %v", src, err)
			continue
		}
		rec.Files = append(rec.Files, CapturedFile{
			Name:     name,
			Source:   src,
			Mode:     info.Mode().Perm(),
			Size:     size,
			Checksum: sum,
		})
	}
}

func (s *Store) inventory(ctx context.Context, argv []string) Inventory {
	if len(argv) == 0 {
		return Inventory{Items: []string{}, Error: "no command configured"}
	}
	cmd, err := executor.FromArgv(argv, s.opts.Timeout)
	if err != nil {
		return Inventory{Items: []string{}, Error: err.Error()}
	}
	res := s.exec.Run(ctx, cmd)
	if !res.OK() {
		msg := "command failed"
		if res.Err != nil {
			msg = res.Err.Error()
		}
		return Inventory{Items: []string{}, Error: msg}
	}
	items := []string{}
	for _, line := range strings.Split(res.Stdout, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			items = append(items, line)
		}
	}
	return Inventory{Available: true, Items: items}
}

// inventoryText renders an inventory for services.txt and images.txt. An
// unavailable query is recorded as a comment so it cannot be read as "none".
func inventoryText(inv Inventory) string {
	if !inv.Available {
		return "# unavailable: " + inv.Error + "\n"
	}
	if len(inv.Items) == 0 {
		return ""
	}
	return strings.Join(inv.Items, "\n") + "\n"
}

// nextID derives a record id from t, adding a numeric suffix if a record with
// the same timestamp already exists.
func (s *Store) nextID(t time.Time) (string, error) {
	base := t.UTC().Format(idFormat)
	for i := 0; i < 1000; i++ {
		id := base
		if i > 0 {
			id = fmt.Sprintf("%s-%03d", base, i)
		}
		_, errFinal := os.Lstat(filepath.Join(s.opts.Root, id))
		_, errStaging := os.Lstat(filepath.Join(s.opts.Root, stagingPrefix+id))
		if errors.Is(errFinal, fs.ErrNotExist) && errors.Is(errStaging, fs.ErrNotExist) {
			return id, nil
		}
	}
	return "", fmt.Errorf("%w: no free id for %s", ErrWriteRecord, base)
}

func (s *Store) setLatest(id string) error {
	return writeFileAtomic(filepath.Join(s.opts.Root, LatestFilename), strings.NewReader(id+"\n"), 0o644)
}

// List returns the ids of all complete records, newest first. A missing root
// yields an empty list.
func (s *Store) List() ([]string, error) {
	entries, err := os.ReadDir(s.opts.Root)
	if errors.Is(err, fs.ErrNotExist) {
		return []string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read backup directory %q: %w", s.opts.Root, err)
	}
	ids := []string{}
	for _, e := range entries {
		if !e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		if _, err := os.Stat(filepath.Join(s.opts.Root, e.Name(), MetadataFilename)); err != nil {
			continue
		}
		ids = append(ids, e.Name())
	}
	sort.Sort(sort.Reverse(sort.StringSlice(ids)))
	return ids, nil
}

// Records loads every record, newest first. Records whose manifest cannot be
// decoded are skipped with a warning.
func (s *Store) Records() ([]*Record, error) {
	ids, err := s.List()
	if err != nil {
		return nil, err
	}
	out := make([]*Record, 0, len(ids))
	for _, id := range ids {
		rec, err := s.Get(id)
		if err != nil {
			s.log.Warn("skipping unreadable backup", "backup_id", id, "error", err)
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

// Get loads one record by id.
func (s *Store) Get(id string) (*Record, error) {
	if id == "" || strings.ContainsAny(id, `/\`) || strings.HasPrefix(id, ".") {
		return nil, fmt.Errorf("%w: invalid id %q", ErrNotFound, id)
	}
	dir := filepath.Join(s.opts.Root, id)
	if _, err := os.Stat(filepath.Join(dir, MetadataFilename)); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	rec := &Record{}
	if err := rec.Load(dir); err != nil {
		return nil, err
	}
	return rec, nil
}

// Latest returns the record named by the latest pointer. When the pointer is
// missing or names a record that no longer exists, the newest listed record
// is returned instead.
func (s *Store) Latest() (*Record, error) {
	data, err := os.ReadFile(filepath.Join(s.opts.Root, LatestFilename))
	if err == nil {
		if id := strings.TrimSpace(string(data)); id != "" {
			rec, err := s.Get(id)
			if err == nil {
				return rec, nil
			}
			s.log.Warn("latest pointer is stale, using newest record", "pointer", id, "error", err)
		}
	}

	ids, err := s.List()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, ErrNotFound
	}
	return s.Get(ids[0])
}
