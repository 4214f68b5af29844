package backup

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"
)

// Verify checks every captured file and the data archive against the
// checksums in the manifest.
func (s *Store) Verify(rec *Record) error {
	var errs []error
	for _, f := range rec.Files {
		sum, err := fileChecksum(filepath.Join(rec.dir, FilesDirname, f.Name))
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", f.Name, err))
			continue
		}
		if sum != f.Checksum {
			errs = append(errs, fmt.Errorf("%w: %s", ErrChecksumMismatch, f.Name))
		}
	}
	if rec.Archive != nil {
		sum, err := fileChecksum(filepath.Join(rec.dir, rec.Archive.Name))
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", rec.Archive.Name, err))
		} else if sum != rec.Archive.Checksum {
			errs = append(errs, fmt.Errorf("%w: %s", ErrChecksumMismatch, rec.Archive.Name))
		}
	}
	return errors.Join(errs...)
}

// Restore puts the live configuration files and data directory back to the
// state captured in record id. The running deployment is stopped first,
// best-effort. Restore does not redeploy and never modifies the record.
func (s *Store) Restore(ctx context.Context, id string) error {
	start := s.now()
	rec, err := s.Get(id)
	if err != nil {
		return err
	}
	log := s.log.With("backup_id", rec.ID)
	log.Info("restore started", "files", len(rec.Files), "archive", rec.Archive != nil)

	if err := s.Verify(rec); err != nil {
		return fmt.Errorf("%w: %w", ErrRestore, err)
	}

	if s.stopper != nil {
		if err := s.stopper.Stop(ctx); err != nil {
			log.Warn("stop running deployment", "error", err)
		}
	}

	var errs []error
	for _, f := range rec.Files {
		if err := restoreFile(rec, f); err != nil {
			log.Error("restore file", "path", f.Source, "error", err)
			errs = append(errs, err)
			continue
		}
		log.Debug("file restored", "path", f.Source)
	}
	for _, path := range rec.Absent {
		err := os.Remove(path)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			log.Error("remove file absent from backup", "path", path, "error", err)
			errs = append(errs, fmt.Errorf("remove %s: %w", path, err))
			continue
		}
		log.Debug("file absent from backup removed", "path", path)
	}

	if rec.Archive != nil {
		src := filepath.Join(rec.dir, rec.Archive.Name)
		if err := extractArchive(src, rec.Archive.Source, rec.Archive.Codec); err != nil {
			log.Error("restore data directory", "data_dir", rec.Archive.Source, "error", err)
			errs = append(errs, err)
		}
	}

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("%w: %w", ErrRestore, err)
	}
	log.Info("restore completed", "duration", s.now().Sub(start).Round(time.Millisecond))
	return nil
}

func restoreFile(rec *Record, f CapturedFile) error {
	in, err := os.Open(filepath.Join(rec.dir, FilesDirname, f.Name))
	if err != nil {
		return err
	}
	defer in.Close()
	if err := ensureDirectoryExist(filepath.Dir(f.Source)); err != nil {
		return err
	}
	mode := f.Mode
	if mode == 0 {
		mode = 0o644
	}
	return writeFileAtomic(f.Source, in, mode)
}
