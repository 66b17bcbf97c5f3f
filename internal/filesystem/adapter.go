package filesystem

import (
	"bytes"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// FileStats holds basic statistics about a file.
type FileStats struct {
	Size      int64
	IsDir     bool
	IsSymlink bool
	ModTime   time.Time
	Mode      os.FileMode
}

// FileSystemAdapter defines the file system operations the lock and trash
// layers depend on. Ordinary "not found" conditions are reported as values,
// not errors, wherever the method returns a bool.
type FileSystemAdapter interface {
	// Lexists reports whether path exists without following a final symbolic
	// link, so broken links count as existing.
	Lexists(path string) (bool, error)
	FileExists(path string) (bool, error)
	GetFileStats(path string) (*FileStats, error)
	// Remove deletes a file or an empty directory and returns the number of
	// entries removed.
	Remove(path string) (int, error)
	// RemoveAll deletes path recursively and returns the number of entries
	// removed.
	RemoveAll(path string) (int, error)
	Rename(oldPath, newPath string) error
	ReadLines(path string) ([]string, error)
	AppendLine(path, line string) error
	WriteLinesAtomic(path string, lines []string, perm os.FileMode) error
	WalkDir(root string, fn fs.WalkDirFunc) error
	EvalSymlinks(path string) (string, error)
}

// DefaultFileSystemAdapter is the standard implementation of FileSystemAdapter using the os package.
type DefaultFileSystemAdapter struct{}

// NewDefaultFileSystemAdapter creates a new DefaultFileSystemAdapter.
func NewDefaultFileSystemAdapter() *DefaultFileSystemAdapter {
	return &DefaultFileSystemAdapter{}
}

// Ensure DefaultFileSystemAdapter implements FileSystemAdapter
var _ FileSystemAdapter = (*DefaultFileSystemAdapter)(nil)

// Lexists checks existence with os.Lstat.
func (a *DefaultFileSystemAdapter) Lexists(path string) (bool, error) {
	_, err := os.Lstat(path)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, fmt.Errorf("error checking if path exists %s: %w", path, err)
}

// FileExists checks if a file exists, following symbolic links.
func (a *DefaultFileSystemAdapter) FileExists(filePath string) (bool, error) {
	_, err := os.Stat(filePath)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	// Some other error occurred (e.g., permission denied)
	return false, fmt.Errorf("error checking if file exists %s: %w", filePath, err)
}

// GetFileStats retrieves statistics for a given path without following a
// final symbolic link.
func (a *DefaultFileSystemAdapter) GetFileStats(filePath string) (*FileStats, error) {
	info, err := os.Lstat(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("file not found for stats: %s: %w", filePath, err)
		}
		if os.IsPermission(err) {
			return nil, fmt.Errorf("permission denied getting stats for file: %s: %w", filePath, err)
		}
		return nil, fmt.Errorf("failed to get file stats for %s: %w", filePath, err)
	}

	return &FileStats{
		Size:      info.Size(),
		IsDir:     info.IsDir(),
		IsSymlink: info.Mode()&os.ModeSymlink != 0,
		ModTime:   info.ModTime(),
		Mode:      info.Mode().Perm(),
	}, nil
}

// Remove deletes a single file, symbolic link or empty directory.
func (a *DefaultFileSystemAdapter) Remove(path string) (int, error) {
	if err := os.Remove(path); err != nil {
		return 0, fmt.Errorf("failed to remove %s: %w", path, err)
	}
	return 1, nil
}

// RemoveAll counts the entries under path and then removes them. On failure
// the count is 0 even if part of the tree was already deleted.
func (a *DefaultFileSystemAdapter) RemoveAll(path string) (int, error) {
	count := 0
	walkErr := filepath.WalkDir(path, func(_ string, _ fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		count++
		return nil
	})
	if walkErr != nil && !os.IsNotExist(walkErr) {
		return 0, fmt.Errorf("failed to scan %s: %w", path, walkErr)
	}
	if err := os.RemoveAll(path); err != nil {
		return 0, fmt.Errorf("failed to remove %s: %w", path, err)
	}
	return count, nil
}

// Rename atomically renames oldPath to newPath.
func (a *DefaultFileSystemAdapter) Rename(oldPath, newPath string) error {
	if err := os.Rename(oldPath, newPath); err != nil {
		return fmt.Errorf("failed to rename %s to %s: %w", oldPath, newPath, err)
	}
	return nil
}

// ReadLines reads a text file and returns its lines with newlines
// normalized. Empty lines are dropped.
func (a *DefaultFileSystemAdapter) ReadLines(path string) ([]string, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("file not found: %s: %w", path, err)
		}
		if os.IsPermission(err) {
			return nil, fmt.Errorf("permission denied reading file: %s: %w", path, err)
		}
		return nil, fmt.Errorf("failed to read file: %s: %w", path, err)
	}

	var lines []string
	for _, line := range SplitLines(content) {
		if strings.TrimSpace(line) != "" {
			lines = append(lines, line)
		}
	}
	return lines, nil
}

// AppendLine appends line and a trailing newline to path, creating the file
// and its parent directory if needed.
func (a *DefaultFileSystemAdapter) AppendLine(path, line string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", path, err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open %s for append: %w", path, err)
	}
	if _, err := f.WriteString(line + "\n"); err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to append to %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", path, err)
	}
	return nil
}

// WriteLinesAtomic replaces path with lines, each terminated by a newline.
func (a *DefaultFileSystemAdapter) WriteLinesAtomic(path string, lines []string, perm os.FileMode) error {
	content := JoinLinesWithNewlines(lines)
	if len(lines) > 0 {
		content = append(content, '\n')
	}
	return WriteFileBytesAtomic(path, content, perm)
}

// WalkDir walks the tree rooted at root.
func (a *DefaultFileSystemAdapter) WalkDir(root string, fn fs.WalkDirFunc) error {
	return filepath.WalkDir(root, fn)
}

// EvalSymlinks evaluates symbolic links for the given path.
func (a *DefaultFileSystemAdapter) EvalSymlinks(path string) (string, error) {
	resolvedPath, err := filepath.EvalSymlinks(path)
	if err != nil {
		return "", fmt.Errorf("failed to evaluate symlinks for %s: %w", path, err)
	}
	return resolvedPath, nil
}

// WriteFileBytesAtomic writes content to a temporary file in the target
// directory, renames it over filePath and then sets finalPerm.
func WriteFileBytesAtomic(filePath string, content []byte, finalPerm os.FileMode) error {
	dir := filepath.Dir(filePath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	tempFile, err := os.CreateTemp(dir, filepath.Base(filePath)+".tmp.*")
	if err != nil {
		return fmt.Errorf("failed to create temporary file in %s: %w", dir, err)
	}
	// Harmless once the rename succeeded.
	defer os.Remove(tempFile.Name())

	if _, errWrite := tempFile.Write(content); errWrite != nil {
		tempFile.Close()
		return fmt.Errorf("failed to write to temporary file %s: %w", tempFile.Name(), errWrite)
	}
	if errClose := tempFile.Close(); errClose != nil {
		return fmt.Errorf("failed to close temporary file %s: %w", tempFile.Name(), errClose)
	}
	if errRename := os.Rename(tempFile.Name(), filePath); errRename != nil {
		return fmt.Errorf("failed to rename temporary file %s to %s: %w", tempFile.Name(), filePath, errRename)
	}
	if errChmodFinal := os.Chmod(filePath, finalPerm); errChmodFinal != nil {
		return fmt.Errorf("file written to %s, but failed to set final permissions to %o: %w", filePath, finalPerm, errChmodFinal)
	}
	return nil
}

// NormalizeNewlines converts all newline variations (\r\n and \r) to a single \n.
func NormalizeNewlines(content []byte) []byte {
	if len(content) == 0 {
		return []byte{}
	}
	normalized := bytes.ReplaceAll(content, []byte("\r\n"), []byte("\n"))
	normalized = bytes.ReplaceAll(normalized, []byte("\r"), []byte("\n"))
	return normalized
}

// SplitLines splits the content by \n after normalizing newlines. A trailing
// newline does not produce a trailing empty line.
func SplitLines(content []byte) []string {
	if len(content) == 0 {
		return []string{}
	}
	sContent := string(NormalizeNewlines(content))
	if sContent == "\n" {
		return []string{""}
	}
	lines := strings.Split(sContent, "\n")
	if strings.HasSuffix(sContent, "\n") && lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}

// JoinLinesWithNewlines joins lines with \n and no trailing separator.
func JoinLinesWithNewlines(lines []string) []byte {
	if len(lines) == 0 {
		return []byte{}
	}
	return []byte(strings.Join(lines, "\n"))
}
