package persist

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"time"
)

// BackupDir is the local export directory for backup bundles.
// It only ever reads and writes plain files.
type BackupDir struct {
	path string
	ext  string
}

// BackupFileInfo describes an exported bundle file
type BackupFileInfo struct {
	Filename string    `json:"filename" yaml:"filename"`
	Path     string    `json:"path" yaml:"path"`
	Size     int64     `json:"size" yaml:"size"`
	ModTime  time.Time `json:"mod_time" yaml:"mod_time"`
}

// NewBackupDir creates the directory if needed. Only files with ext are listed and pruned.
func NewBackupDir(path, ext string) (*BackupDir, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("backup directory cannot be empty")
	}
	path = filepath.Clean(path)
	if err := validateBackupPath(path); err != nil {
		return nil, fmt.Errorf("invalid backup directory: %w", err)
	}
	if err := os.MkdirAll(path, DirPermissions); err != nil {
		return nil, fmt.Errorf("failed to create backup directory %s: %w", path, err)
	}
	return &BackupDir{path: path, ext: ext}, nil
}

// Path returns the directory location
func (bd *BackupDir) Path() string {
	return bd.path
}

// Save writes data atomically to filename and returns the full path
func (bd *BackupDir) Save(filename string, data []byte) (string, error) {
	fullPath, err := bd.resolve(filename)
	if err != nil {
		return "", err
	}

	if stat, err := os.Stat(fullPath); err == nil && stat.IsDir() {
		return "", fmt.Errorf("cannot create backup file %s: path is an existing directory", fullPath)
	}

	if err = writeSecureFile(fullPath, data, FilePermissions); err != nil {
		return "", fmt.Errorf("failed to write backup file: %w", err)
	}
	return fullPath, nil
}

// Open opens filename for reading
func (bd *BackupDir) Open(filename string) (io.ReadCloser, error) {
	fullPath, err := bd.resolve(filename)
	if err != nil {
		return nil, err
	}
	file, err := os.Open(fullPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("backup file %s does not exist", filename)
		}
		return nil, fmt.Errorf("failed to open backup file: %w", err)
	}
	return file, nil
}

// Delete removes filename
func (bd *BackupDir) Delete(filename string) error {
	fullPath, err := bd.resolve(filename)
	if err != nil {
		return err
	}
	if err = os.Remove(fullPath); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("backup file %s does not exist", filename)
		}
		return fmt.Errorf("failed to delete backup file %s: %w", filename, err)
	}
	return nil
}

// List returns exported bundles, newest first
func (bd *BackupDir) List() ([]BackupFileInfo, error) {
	entries, err := os.ReadDir(bd.path)
	if err != nil {
		if os.IsNotExist(err) {
			return []BackupFileInfo{}, nil
		}
		return nil, fmt.Errorf("failed to read backups directory: %w", err)
	}

	backups := []BackupFileInfo{}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), bd.ext) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		backups = append(backups, BackupFileInfo{
			Filename: entry.Name(),
			Path:     filepath.Join(bd.path, entry.Name()),
			Size:     info.Size(),
			ModTime:  info.ModTime().UTC(),
		})
	}

	sort.Slice(backups, func(i, j int) bool {
		if backups[i].ModTime.Equal(backups[j].ModTime) {
			return backups[i].Filename > backups[j].Filename
		}
		return backups[i].ModTime.After(backups[j].ModTime)
	})
	return backups, nil
}

// Prune deletes bundles last modified before cutoff and returns their names
func (bd *BackupDir) Prune(cutoff time.Time) ([]string, error) {
	backups, err := bd.List()
	if err != nil {
		return nil, err
	}

	var removed []string
	for _, backup := range backups {
		if !backup.ModTime.Before(cutoff) {
			continue
		}
		if err = os.Remove(backup.Path); err != nil && !os.IsNotExist(err) {
			return removed, fmt.Errorf("failed to prune backup %s: %w", backup.Filename, err)
		}
		removed = append(removed, backup.Filename)
	}
	return removed, nil
}

// resolve maps a bare filename into the directory
func (bd *BackupDir) resolve(filename string) (string, error) {
	filename = strings.TrimSpace(filename)
	if filename == "" {
		return "", fmt.Errorf("backup filename cannot be empty or whitespace-only")
	}
	if strings.ContainsAny(filename, "\x00") {
		return "", fmt.Errorf("backup filename contains invalid characters")
	}
	if filename != filepath.Base(filename) || filename == "." || filename == ".." {
		return "", fmt.Errorf("backup filename must not contain a path: %s", filename)
	}
	return filepath.Join(bd.path, filename), nil
}

// validateBackupPath performs additional validation on the backup path
func validateBackupPath(backupPath string) error {
	if len(backupPath) > 4096 {
		return fmt.Errorf("path too long (max 4096 characters)")
	}

	cleanPath := filepath.Clean(backupPath)
	for _, part := range strings.Split(filepath.ToSlash(cleanPath), "/") {
		if part == ".." {
			return fmt.Errorf("path contains directory traversal")
		}
	}

	if runtime.GOOS != "windows" {
		systemPaths := []string{"/etc/", "/bin/", "/sbin/", "/usr/bin/", "/usr/sbin/", "/boot/"}
		for _, sysPath := range systemPaths {
			if strings.HasPrefix(cleanPath+"/", sysPath) {
				return fmt.Errorf("cannot create backup in system directory")
			}
		}
	}

	if runtime.GOOS == "windows" {
		upperPath := strings.ToUpper(cleanPath)
		windowsSystemPaths := []string{"C:\\WINDOWS\\", "C:\\PROGRAM FILES\\", "C:\\PROGRAM FILES (X86)\\"}
		for _, sysPath := range windowsSystemPaths {
			if strings.HasPrefix(upperPath, sysPath) {
				return fmt.Errorf("cannot create backup in system directory")
			}
		}
	}

	return nil
}
