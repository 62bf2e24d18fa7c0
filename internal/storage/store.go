// Package storage is the transient on-disk area for artifacts in flight to
// the chat. Every file is removed right after use; Sweep catches leftovers.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

// DefaultMaxBytes matches the largest document a bot may upload.
const DefaultMaxBytes = 50 << 20

// ErrTooLarge is returned when a download exceeds MaxBytes.
var ErrTooLarge = errors.New("file too large")

type Store struct {
	dir    string
	http   *http.Client
	logger *slog.Logger
	Now    func() time.Time
	// MaxBytes caps a single download.
	MaxBytes int64
}

func New(dir string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create storage dir: %w", err)
	}
	return &Store{
		dir:      dir,
		http:     &http.Client{Timeout: 5 * time.Minute},
		logger:   logger,
		Now:      time.Now,
		MaxBytes: DefaultMaxBytes,
	}, nil
}

func (s *Store) Dir() string { return s.dir }

var unsafeName = regexp.MustCompile(`[\\/:*?"<>|\s]+`)

// fileName keeps the human part of hint and makes it unique.
func fileName(hint, ext string) string {
	base := strings.Trim(unsafeName.ReplaceAllString(hint, "_"), "_.")
	if base == "" {
		base = "file"
	}
	if r := []rune(base); len(r) > 60 {
		base = string(r[:60])
	}
	return base + "-" + uuid.NewString()[:8] + ext
}

// Download fetches url into the store and returns the local path.
func (s *Store) Download(ctx context.Context, url, hint string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	resp, err := s.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("download: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("download: status %d", resp.StatusCode)
	}
	if resp.ContentLength > s.MaxBytes {
		return "", fmt.Errorf("download: %w: %d bytes", ErrTooLarge, resp.ContentLength)
	}

	path := filepath.Join(s.dir, fileName(hint, ".mp3"))
	f, err := os.CreateTemp(s.dir, ".part-*")
	if err != nil {
		return "", err
	}
	tmp := f.Name()
	n, copyErr := io.Copy(f, io.LimitReader(resp.Body, s.MaxBytes+1))
	if copyErr == nil && n > s.MaxBytes {
		copyErr = fmt.Errorf("%w: over %d bytes", ErrTooLarge, s.MaxBytes)
	}
	closeErr := f.Close()
	if err := errors.Join(copyErr, closeErr); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("download: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return "", err
	}
	return path, nil
}

// WriteTemp stores data under a unique name derived from hint.
func (s *Store) WriteTemp(hint, ext string, data []byte) (string, error) {
	path := filepath.Join(s.dir, fileName(hint, ext))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", err
	}
	return path, nil
}

// Remove deletes path. A missing file is not an error.
func (s *Store) Remove(path string) error {
	if path == "" {
		return nil
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		s.logger.Warn("remove artifact failed", "path", path, "error", err)
		return err
	}
	return nil
}

// Sweep removes files whose modification time is older than retention and
// returns how many were deleted.
func (s *Store) Sweep(retention time.Duration) (int, error) {
	cutoff := s.Now().Add(-retention)
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			if err := s.Remove(filepath.Join(s.dir, e.Name())); err == nil {
				removed++
			}
		}
	}
	if removed > 0 {
		s.logger.Info("storage swept", "removed", removed, "dir", s.dir)
	}
	return removed, nil
}
