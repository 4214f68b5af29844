package backup

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Cleanup deletes all but the keep newest records and returns the ids it
// removed, oldest last. Leftover staging directories from interrupted runs
// are removed too. Calling it with fewer than keep records is a no-op.
func (s *Store) Cleanup(keep int) ([]string, error) {
	if keep < 1 {
		return nil, fmt.Errorf("%w, got %d", ErrInvalidKeepCount, keep)
	}
	ids, err := s.List()
	if err != nil {
		return nil, err
	}

	var (
		removed = []string{}
		errs    []error
	)
	if len(ids) > keep {
		for _, id := range ids[keep:] {
			if err := os.RemoveAll(filepath.Join(s.opts.Root, id)); err != nil {
				errs = append(errs, fmt.Errorf("remove backup %s: %w", id, err))
				continue
			}
			removed = append(removed, id)
			s.log.Info("backup removed", "backup_id", id)
		}
	}

	if entries, err := os.ReadDir(s.opts.Root); err == nil {
		for _, e := range entries {
			if e.IsDir() && strings.HasPrefix(e.Name(), stagingPrefix) {
				if err := os.RemoveAll(filepath.Join(s.opts.Root, e.Name())); err != nil {
					errs = append(errs, fmt.Errorf("remove staging %s: %w", e.Name(), err))
				}
			}
		}
	}

	s.log.Info("cleanup completed", "kept", min(len(ids), keep), "removed", len(removed))
	return removed, errors.Join(errs...)
}
