package objstore

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"
)

const (
	// DefaultMinPartSize is the smallest accepted part size; the final part
	// of an upload is exempt.
	DefaultMinPartSize int64 = 5 << 20

	// DefaultSweepInterval and DefaultUploadTimeout govern abandoned-upload
	// cleanup.
	DefaultSweepInterval = 10 * time.Minute
	DefaultUploadTimeout = time.Hour

	multipartDir  = ".multipart"
	uploadKeyFile = "upload-key"
)

var (
	ErrUploadNotFound = errors.New("upload not found")
	ErrPartTooSmall   = errors.New("part below minimum size")
	ErrPartTooLarge   = errors.New("part above maximum size")
	ErrNoParts        = errors.New("no parts to complete")
)

// PartInfo describes one uploaded part.
type PartInfo struct {
	Number int    `json:"partNumber"`
	ETag   string `json:"etag"`
	Length int64  `json:"length"`
}

func (s *Store) uploadDir(tenantID, bucket, uploadID string) (string, error) {
	bd, err := s.bucketDir(tenantID, bucket)
	if err != nil {
		return "", err
	}
	if len(uploadID) != 24 {
		return "", fmt.Errorf("%w: %s", ErrUploadNotFound, uploadID)
	}
	if _, err := hex.DecodeString(uploadID); err != nil {
		return "", fmt.Errorf("%w: %s", ErrUploadNotFound, uploadID)
	}
	return filepath.Join(bd, multipartDir, uploadID), nil
}

// openUpload resolves an upload directory and checks that the upload was
// initiated for the given key. An id presented under a different key is
// treated as unknown.
func (s *Store) openUpload(tenantID, bucket, key, uploadID string) (string, error) {
	if _, err := s.objectPath(tenantID, bucket, key); err != nil {
		return "", err
	}
	dir, err := s.uploadDir(tenantID, bucket, uploadID)
	if err != nil {
		return "", err
	}
	stored, err := os.ReadFile(filepath.Join(dir, uploadKeyFile))
	if errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("%w: %s", ErrUploadNotFound, uploadID)
	}
	if err != nil {
		return "", fmt.Errorf("failed to read upload key: %w", err)
	}
	if string(stored) != key {
		return "", fmt.Errorf("%w: upload %s was not initiated for %q", ErrUploadNotFound, uploadID, key)
	}
	return dir, nil
}

// InitiateMultipart starts a multipart upload and returns its identifier,
// 12 random bytes in hex.
func (s *Store) InitiateMultipart(tenantID, bucket, key string) (string, error) {
	if _, err := s.objectPath(tenantID, bucket, key); err != nil {
		return "", err
	}
	buf := make([]byte, 12)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate upload id: %w", err)
	}
	uploadID := hex.EncodeToString(buf)

	dir, err := s.uploadDir(tenantID, bucket, uploadID)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create upload directory: %w", err)
	}
	// The key file pins the upload to the object it was initiated for;
	// later calls must present the same key.
	if err := os.WriteFile(filepath.Join(dir, uploadKeyFile), []byte(key), 0o644); err != nil {
		os.RemoveAll(dir)
		return "", fmt.Errorf("failed to record upload key: %w", err)
	}
	return uploadID, nil
}

// UploadPart stores one part of a multipart upload. The upload must have
// been initiated for the same key; part numbers start at 1.
func (s *Store) UploadPart(tenantID, bucket, key, uploadID string, partNumber int, body io.Reader) (*PartInfo, error) {
	if partNumber < 1 {
		return nil, fmt.Errorf("%w: part number %d", ErrInvalidName, partNumber)
	}
	dir, err := s.openUpload(tenantID, bucket, key, uploadID)
	if err != nil {
		return nil, err
	}

	p := filepath.Join(dir, fmt.Sprintf("part-%06d", partNumber))
	f, err := os.Create(p)
	if err != nil {
		return nil, fmt.Errorf("failed to create part file: %w", err)
	}
	h := sha256.New()
	n, err := io.Copy(io.MultiWriter(f, h), body)
	if cerr := f.Close(); cerr != nil && err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(p)
		return nil, fmt.Errorf("failed to write part: %w", err)
	}
	if s.maxPartSize > 0 && n > s.maxPartSize {
		os.Remove(p)
		return nil, fmt.Errorf("%w: %d bytes", ErrPartTooLarge, n)
	}

	// Refresh the upload dir mtime so active uploads survive the sweeper.
	now := time.Now()
	_ = os.Chtimes(dir, now, now)

	return &PartInfo{Number: partNumber, ETag: weakETag(h.Sum(nil)), Length: n}, nil
}

// ListParts returns the parts uploaded so far, in ascending part order.
func (s *Store) ListParts(tenantID, bucket, key, uploadID string) ([]PartInfo, error) {
	dir, err := s.openUpload(tenantID, bucket, key, uploadID)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list parts: %w", err)
	}

	var parts []PartInfo
	for _, e := range entries {
		var n int
		if _, err := fmt.Sscanf(e.Name(), "part-%06d", &n); err != nil {
			continue
		}
		st, err := e.Info()
		if err != nil {
			return nil, fmt.Errorf("failed to stat part: %w", err)
		}
		parts = append(parts, PartInfo{Number: n, Length: st.Size()})
	}
	sort.Slice(parts, func(i, j int) bool { return parts[i].Number < parts[j].Number })
	return parts, nil
}

// CompleteMultipart concatenates the named parts in ascending numeric order
// (regardless of the order given), writes the final object with a fresh weak
// ETag, and removes the upload directory. The upload must have been
// initiated for the same key, and all parts except the last must meet the
// minimum part size.
func (s *Store) CompleteMultipart(tenantID, bucket, key, uploadID string, partNumbers []int, contentType string, metadata map[string]string) (*ObjectInfo, error) {
	if len(partNumbers) == 0 {
		return nil, ErrNoParts
	}
	dir, err := s.openUpload(tenantID, bucket, key, uploadID)
	if err != nil {
		return nil, err
	}

	ordered := append([]int(nil), partNumbers...)
	sort.Ints(ordered)

	type partFile struct {
		number int
		path   string
		size   int64
	}
	files := make([]partFile, 0, len(ordered))
	for _, n := range ordered {
		p := filepath.Join(dir, fmt.Sprintf("part-%06d", n))
		st, err := os.Stat(p)
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: part %d", ErrNotFound, n)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to stat part: %w", err)
		}
		files = append(files, partFile{number: n, path: p, size: st.Size()})
	}
	for i, pf := range files {
		if i < len(files)-1 && pf.size < s.minPartSize {
			return nil, fmt.Errorf("%w: part %d is %d bytes", ErrPartTooSmall, pf.number, pf.size)
		}
	}

	readers := make([]io.Reader, 0, len(files))
	closers := make([]io.Closer, 0, len(files))
	defer func() {
		for _, c := range closers {
			c.Close()
		}
	}()
	for _, pf := range files {
		f, err := os.Open(pf.path)
		if err != nil {
			return nil, fmt.Errorf("failed to open part: %w", err)
		}
		readers = append(readers, f)
		closers = append(closers, f)
	}

	info, err := s.Put(tenantID, bucket, key, io.MultiReader(readers...), contentType, metadata)
	if err != nil {
		return nil, err
	}
	if err := os.RemoveAll(dir); err != nil {
		return nil, fmt.Errorf("failed to remove upload directory: %w", err)
	}
	return info, nil
}

// AbortMultipart removes an upload directory. Aborting an unknown upload,
// or one initiated for a different key, succeeds without removing anything.
func (s *Store) AbortMultipart(tenantID, bucket, key, uploadID string) error {
	dir, err := s.openUpload(tenantID, bucket, key, uploadID)
	if err != nil {
		if errors.Is(err, ErrUploadNotFound) {
			return nil
		}
		return err
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("failed to abort upload: %w", err)
	}
	return nil
}

// SweepMultipart removes upload directories untouched for longer than
// maxAge and returns how many were removed.
func (s *Store) SweepMultipart(maxAge time.Duration) (int, error) {
	tenants, err := s.Tenants()
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, nil
		}
		return 0, err
	}

	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for _, t := range tenants {
		buckets, err := s.ListBuckets(t)
		if err != nil {
			return removed, err
		}
		for _, b := range buckets {
			bd, err := s.bucketDir(t, b)
			if err != nil {
				return removed, err
			}
			uploads, err := os.ReadDir(filepath.Join(bd, multipartDir))
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			if err != nil {
				return removed, fmt.Errorf("failed to list uploads: %w", err)
			}
			for _, u := range uploads {
				st, err := u.Info()
				if err != nil {
					continue
				}
				if st.ModTime().Before(cutoff) {
					if err := os.RemoveAll(filepath.Join(bd, multipartDir, u.Name())); err == nil {
						removed++
					}
				}
			}
		}
	}
	return removed, nil
}

// RunSweeper deletes abandoned multipart uploads on a fixed interval until
// the context is cancelled.
func (s *Store) RunSweeper(ctx context.Context, interval, maxAge time.Duration) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	if maxAge <= 0 {
		maxAge = DefaultUploadTimeout
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := s.SweepMultipart(maxAge)
			if err != nil {
				s.logger.Error().Err(err).Msg("multipart sweep failed")
				continue
			}
			if removed > 0 {
				s.logger.Info().Int("removed", removed).Msg("swept abandoned multipart uploads")
			}
		}
	}
}
