package trash

import (
	"io/fs"
	"path/filepath"

	apperrors "prefixlock/internal/errors"
)

// CleanTrashFiles deletes tombstones and returns how many were deleted. By
// default the journal lists the tombstones; a journaled tombstone that no
// longer exists counts as deleted. With deep set, the whole prefix is
// scanned for tombstone names instead. Tombstones that still cannot be
// deleted are written back to the journal; the journal is removed when none
// remain. The caller is expected to hold the lock on the journal directory.
func (r *Reclaimer) CleanTrashFiles(deep bool) (int, error) {
	journal := r.JournalPath()
	mu := journalLock(journal)
	mu.Lock()
	defer mu.Unlock()

	var deleted int
	var remaining []string
	var err error
	if deep {
		deleted, remaining, err = r.cleanDeep()
	} else {
		deleted, remaining, err = r.cleanJournal(journal)
	}
	if err != nil {
		return deleted, err
	}

	if len(remaining) == 0 {
		if _, err := r.fs.Remove(journal); err != nil {
			if exists, _ := r.fs.Lexists(journal); exists {
				r.log.Warn("failed to remove trash journal", "journal", journal, "error", err)
			}
		}
	} else if err := r.fs.WriteLinesAtomic(journal, remaining, 0644); err != nil {
		return deleted, apperrors.NewFileSystemError(journal, "rewrite trash journal", err)
	}

	r.log.Info("cleaned trash files", "deleted", deleted, "remaining", len(remaining), "prefix", r.prefix)
	return deleted, nil
}

func (r *Reclaimer) cleanJournal(journal string) (int, []string, error) {
	exists, err := r.fs.FileExists(journal)
	if err != nil {
		return 0, nil, apperrors.NewFileSystemError(journal, "check existence", err)
	}
	if !exists {
		return 0, nil, nil
	}
	entries, err := r.fs.ReadLines(journal)
	if err != nil {
		return 0, nil, apperrors.NewFileSystemError(journal, "read trash journal", err)
	}

	deleted := 0
	var remaining []string
	for _, entry := range entries {
		path := r.resolveEntry(entry)
		r.log.Info("trash: removing", "path", path)
		if r.deleteTombstone(path) {
			deleted++
			continue
		}
		r.log.Info("trash: could not remove", "path", path)
		remaining = append(remaining, entry)
	}
	return deleted, remaining, nil
}

func (r *Reclaimer) cleanDeep() (int, []string, error) {
	var found []string
	err := r.fs.WalkDir(r.prefix, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == r.prefix {
				return err
			}
			r.log.Warn("trash: cannot scan", "path", path, "error", err)
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if !IsTombstone(d.Name()) {
			return nil
		}
		found = append(found, path)
		if d.IsDir() {
			return filepath.SkipDir
		}
		return nil
	})
	if err != nil {
		return 0, nil, apperrors.NewFileSystemError(r.prefix, "scan prefix", err)
	}

	deleted := 0
	var remaining []string
	for _, path := range found {
		r.log.Info("trash: removing", "path", path)
		if r.deleteTombstone(path) {
			deleted++
			continue
		}
		r.log.Info("trash: could not remove", "path", path)
		remaining = append(remaining, r.journalEntry(path))
	}
	return deleted, remaining, nil
}

// deleteTombstone reports whether path is gone afterwards.
func (r *Reclaimer) deleteTombstone(path string) bool {
	exists, err := r.fs.Lexists(path)
	if err != nil {
		return false
	}
	if !exists {
		return true
	}
	_, err = r.remove(path)
	return err == nil
}
