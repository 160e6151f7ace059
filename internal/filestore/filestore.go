// Package filestore archives processed documents on the local filesystem
// under a dated tree and prunes them after the retention window.
package filestore

import (
	"compress/gzip"
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Options configures the archive root and its housekeeping.
type Options struct {
	BasePath           string
	RetentionDays      int
	MaxFileSize        int64
	AllowedExtensions  []string // e.g. [".xml"], empty allows everything
	CompressionEnabled bool
	CompressionLevel   int // gzip level, 0 picks the default
	CleanupInterval    time.Duration
}

// Store writes archive copies and runs the retention sweep. Safe for
// concurrent use; every write lands in its own file.
type Store struct {
	opts Options
	now  func() time.Time
}

// New builds a store and creates the base directory.
func New(opts Options) (*Store, error) {
	if opts.BasePath == "" {
		return nil, fmt.Errorf("file store needs a base path")
	}
	if opts.CleanupInterval <= 0 {
		opts.CleanupInterval = 24 * time.Hour
	}
	if err := os.MkdirAll(opts.BasePath, 0o755); err != nil {
		return nil, fmt.Errorf("create archive root %s: %w", opts.BasePath, err)
	}
	return &Store{opts: opts, now: time.Now}, nil
}

// Archive writes content to
// {base}/{clientCode}/{ifaceName}/{yyyy}/{MM}/{dd}/{fileName}, appending
// .gz when compression is on. Returns the path written.
func (s *Store) Archive(ctx context.Context, clientCode, ifaceName, fileName string, content []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := s.check(fileName, int64(len(content))); err != nil {
		return "", err
	}

	day := s.now().UTC()
	dir := filepath.Join(s.opts.BasePath,
		sanitize(clientCode), sanitize(ifaceName),
		day.Format("2006"), day.Format("01"), day.Format("02"))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create archive dir: %w", err)
	}

	path := filepath.Join(dir, filepath.Base(fileName))
	if !s.opts.CompressionEnabled {
		if err := os.WriteFile(path, content, 0o644); err != nil {
			return "", fmt.Errorf("write archive %s: %w", path, err)
		}
		return path, nil
	}

	path += ".gz"
	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("create archive %s: %w", path, err)
	}
	level := s.opts.CompressionLevel
	if level == 0 {
		level = gzip.DefaultCompression
	}
	zw, err := gzip.NewWriterLevel(f, level)
	if err != nil {
		f.Close()
		return "", err
	}
	if _, err := zw.Write(content); err != nil {
		zw.Close()
		f.Close()
		return "", fmt.Errorf("write archive %s: %w", path, err)
	}
	if err := zw.Close(); err != nil {
		f.Close()
		return "", err
	}
	return path, f.Close()
}

// check enforces the size ceiling and the extension allow-list.
func (s *Store) check(fileName string, size int64) error {
	if s.opts.MaxFileSize > 0 && size > s.opts.MaxFileSize {
		return fmt.Errorf("file %s exceeds max size %d", fileName, s.opts.MaxFileSize)
	}
	if len(s.opts.AllowedExtensions) == 0 {
		return nil
	}
	ext := strings.ToLower(filepath.Ext(fileName))
	for _, allowed := range s.opts.AllowedExtensions {
		if ext == strings.ToLower(allowed) {
			return nil
		}
	}
	return fmt.Errorf("file %s has disallowed extension %q", fileName, ext)
}

// sanitize keeps path segments from escaping the archive root.
func sanitize(segment string) string {
	segment = strings.ReplaceAll(segment, string(os.PathSeparator), "_")
	segment = strings.ReplaceAll(segment, "..", "_")
	if segment == "" {
		return "_"
	}
	return segment
}

// Sweep deletes archived files older than the retention window and prunes
// directories left empty. A zero retention disables deletion.
func (s *Store) Sweep(ctx context.Context) (removed int, err error) {
	if s.opts.RetentionDays <= 0 {
		return 0, nil
	}
	cutoff := s.now().Add(-time.Duration(s.opts.RetentionDays) * 24 * time.Hour)
	err = filepath.WalkDir(s.opts.BasePath, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		if info.ModTime().Before(cutoff) {
			if err := os.Remove(path); err != nil {
				return err
			}
			removed++
		}
		return nil
	})
	if err != nil {
		return removed, err
	}
	s.pruneEmptyDirs()
	return removed, nil
}

// pruneEmptyDirs removes empty date directories bottom-up, best effort.
func (s *Store) pruneEmptyDirs() {
	var dirs []string
	_ = filepath.WalkDir(s.opts.BasePath, func(path string, d fs.DirEntry, err error) error {
		if err == nil && d.IsDir() && path != s.opts.BasePath {
			dirs = append(dirs, path)
		}
		return nil
	})
	for i := len(dirs) - 1; i >= 0; i-- {
		// Remove fails on non-empty directories, which is the point.
		_ = os.Remove(dirs[i])
	}
}

// Run sweeps on the cleanup interval until ctx is cancelled.
func (s *Store) Run(ctx context.Context) {
	ticker := time.NewTicker(s.opts.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.Sweep(ctx)
			if err != nil {
				slog.Warn("archive sweep failed", "error", err)
				continue
			}
			if n > 0 {
				slog.Info("archive sweep removed expired files", "removed", n)
			}
		}
	}
}
