package objstore

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/tansucloud/tansucloud/pkg/log"
)

const metaSuffix = ".meta.json"

var (
	ErrNotFound       = errors.New("object not found")
	ErrBucketNotFound = errors.New("bucket not found")
	ErrInvalidName    = errors.New("invalid name")
	ErrInvalidRange   = errors.New("invalid range")
)

// ObjectInfo is the sidecar metadata for a stored object.
type ObjectInfo struct {
	ContentType  string            `json:"contentType"`
	ETag         string            `json:"etag"`
	LastModified time.Time         `json:"lastModified"`
	Length       int64             `json:"length"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// Store is a filesystem-backed object store rooted at a single directory.
// Tenants and buckets are directories; keys may contain "/" which maps to
// nested directories on disk.
type Store struct {
	root        string
	minPartSize int64
	maxPartSize int64
	logger      zerolog.Logger
}

// Option customizes a Store.
type Option func(*Store)

// WithMinPartSize overrides the minimum multipart part size.
func WithMinPartSize(n int64) Option {
	return func(s *Store) { s.minPartSize = n }
}

// WithMaxPartSize sets an upper bound on multipart part size. Zero disables.
func WithMaxPartSize(n int64) Option {
	return func(s *Store) { s.maxPartSize = n }
}

// NewStore opens (creating if needed) an object store rooted at dir.
func NewStore(dir string, opts ...Option) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create storage root: %w", err)
	}
	s := &Store{
		root:        dir,
		minPartSize: DefaultMinPartSize,
		logger:      log.WithComponent("objstore"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// weakETag formats the weak ETag for a SHA-256 digest.
func weakETag(sum []byte) string {
	return `W/"` + base64.StdEncoding.EncodeToString(sum) + `"`
}

// validName rejects path components that could escape the storage root.
func validName(name string) bool {
	if name == "" || name == "." || name == ".." {
		return false
	}
	if strings.ContainsAny(name, `/\`) {
		return false
	}
	return !strings.HasPrefix(name, ".")
}

// cleanKey normalizes a logical object key and rejects traversal attempts.
func cleanKey(key string) (string, error) {
	key = strings.Trim(key, "/")
	if key == "" {
		return "", fmt.Errorf("%w: empty key", ErrInvalidName)
	}
	cleaned := path.Clean(key)
	if cleaned != key || strings.HasPrefix(cleaned, "..") {
		return "", fmt.Errorf("%w: %s", ErrInvalidName, key)
	}
	for _, seg := range strings.Split(cleaned, "/") {
		if strings.HasPrefix(seg, ".") {
			return "", fmt.Errorf("%w: %s", ErrInvalidName, key)
		}
	}
	return cleaned, nil
}

func (s *Store) tenantDir(tenantID string) (string, error) {
	if !validName(tenantID) {
		return "", fmt.Errorf("%w: tenant %q", ErrInvalidName, tenantID)
	}
	return filepath.Join(s.root, tenantID), nil
}

func (s *Store) bucketDir(tenantID, bucket string) (string, error) {
	td, err := s.tenantDir(tenantID)
	if err != nil {
		return "", err
	}
	if !validName(bucket) {
		return "", fmt.Errorf("%w: bucket %q", ErrInvalidName, bucket)
	}
	return filepath.Join(td, bucket), nil
}

func (s *Store) objectPath(tenantID, bucket, key string) (string, error) {
	bd, err := s.bucketDir(tenantID, bucket)
	if err != nil {
		return "", err
	}
	cleaned, err := cleanKey(key)
	if err != nil {
		return "", err
	}
	return filepath.Join(bd, filepath.FromSlash(cleaned)), nil
}

// CreateBucket creates a bucket directory. Creating an existing bucket is a
// no-op.
func (s *Store) CreateBucket(tenantID, bucket string) error {
	bd, err := s.bucketDir(tenantID, bucket)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(bd, 0o755); err != nil {
		return fmt.Errorf("failed to create bucket: %w", err)
	}
	return nil
}

// DeleteBucket removes a bucket. A missing bucket deletes successfully; a
// bucket still holding user files (meta sidecars ignored) returns false.
func (s *Store) DeleteBucket(tenantID, bucket string) (bool, error) {
	bd, err := s.bucketDir(tenantID, bucket)
	if err != nil {
		return false, err
	}
	if _, err := os.Stat(bd); errors.Is(err, fs.ErrNotExist) {
		return true, nil
	}

	empty := true
	err = filepath.WalkDir(bd, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if strings.HasPrefix(d.Name(), ".") && p != bd {
				return fs.SkipDir
			}
			return nil
		}
		if !strings.HasSuffix(d.Name(), metaSuffix) {
			empty = false
			return fs.SkipAll
		}
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("failed to inspect bucket: %w", err)
	}
	if !empty {
		return false, nil
	}
	if err := os.RemoveAll(bd); err != nil {
		return false, fmt.Errorf("failed to remove bucket: %w", err)
	}
	return true, nil
}

// ListBuckets returns the bucket names under a tenant, sorted.
func (s *Store) ListBuckets(tenantID string) ([]string, error) {
	td, err := s.tenantDir(tenantID)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(td)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list buckets: %w", err)
	}
	var buckets []string
	for _, e := range entries {
		if e.IsDir() && !strings.HasPrefix(e.Name(), ".") {
			buckets = append(buckets, e.Name())
		}
	}
	sort.Strings(buckets)
	return buckets, nil
}

// Put stores an object and its metadata sidecar, returning the recorded
// info. Concurrent writers to the same key are last-writer-wins.
func (s *Store) Put(tenantID, bucket, key string, body io.Reader, contentType string, metadata map[string]string) (*ObjectInfo, error) {
	p, err := s.objectPath(tenantID, bucket, key)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create object directory: %w", err)
	}

	f, err := os.Create(p)
	if err != nil {
		return nil, fmt.Errorf("failed to create object file: %w", err)
	}
	h := sha256.New()
	n, err := io.Copy(io.MultiWriter(f, h), body)
	if cerr := f.Close(); cerr != nil && err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(p)
		return nil, fmt.Errorf("failed to write object: %w", err)
	}

	if contentType == "" {
		contentType = "application/octet-stream"
	}
	info := &ObjectInfo{
		ContentType:  contentType,
		ETag:         weakETag(h.Sum(nil)),
		LastModified: time.Now().UTC(),
		Length:       n,
		Metadata:     metadata,
	}
	if err := s.writeMeta(p, info); err != nil {
		return nil, err
	}
	return info, nil
}

func (s *Store) writeMeta(objectPath string, info *ObjectInfo) error {
	data, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("failed to marshal object metadata: %w", err)
	}
	if err := os.WriteFile(objectPath+metaSuffix, data, 0o644); err != nil {
		return fmt.Errorf("failed to write object metadata: %w", err)
	}
	return nil
}

// Head returns object metadata without opening the body. The sidecar is the
// source of truth; if it is missing but the data file exists the info is
// synthesized from the file itself.
func (s *Store) Head(tenantID, bucket, key string) (*ObjectInfo, error) {
	p, err := s.objectPath(tenantID, bucket, key)
	if err != nil {
		return nil, err
	}
	st, err := os.Stat(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, bucket, key)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to stat object: %w", err)
	}

	data, err := os.ReadFile(p + metaSuffix)
	if errors.Is(err, fs.ErrNotExist) {
		raw, rerr := os.ReadFile(p)
		if rerr != nil {
			return nil, fmt.Errorf("failed to read object: %w", rerr)
		}
		sum := sha256.Sum256(raw)
		return &ObjectInfo{
			ContentType:  "application/octet-stream",
			ETag:         weakETag(sum[:]),
			LastModified: st.ModTime().UTC(),
			Length:       st.Size(),
		}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read object metadata: %w", err)
	}
	var info ObjectInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("failed to parse object metadata: %w", err)
	}
	return &info, nil
}

// Get opens an object for streaming. The caller closes the reader.
func (s *Store) Get(tenantID, bucket, key string) (io.ReadCloser, *ObjectInfo, error) {
	info, err := s.Head(tenantID, bucket, key)
	if err != nil {
		return nil, nil, err
	}
	p, err := s.objectPath(tenantID, bucket, key)
	if err != nil {
		return nil, nil, err
	}
	f, err := os.Open(p)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open object: %w", err)
	}
	return f, info, nil
}

// GetRange opens an inclusive byte range of an object. The upper bound is
// clamped to the object length; start beyond the object is invalid.
func (s *Store) GetRange(tenantID, bucket, key string, start, end int64) (io.ReadCloser, *ObjectInfo, error) {
	info, err := s.Head(tenantID, bucket, key)
	if err != nil {
		return nil, nil, err
	}
	if start < 0 || end < start || start >= info.Length {
		return nil, nil, fmt.Errorf("%w: %d-%d of %d", ErrInvalidRange, start, end, info.Length)
	}
	if end >= info.Length {
		end = info.Length - 1
	}

	p, err := s.objectPath(tenantID, bucket, key)
	if err != nil {
		return nil, nil, err
	}
	f, err := os.Open(p)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open object: %w", err)
	}
	if _, err := f.Seek(start, io.SeekStart); err != nil {
		f.Close()
		return nil, nil, fmt.Errorf("failed to seek object: %w", err)
	}

	ranged := *info
	ranged.Length = end - start + 1
	return &rangeReader{f: f, remaining: ranged.Length}, &ranged, nil
}

type rangeReader struct {
	f         *os.File
	remaining int64
}

func (r *rangeReader) Read(p []byte) (int, error) {
	if r.remaining <= 0 {
		return 0, io.EOF
	}
	if int64(len(p)) > r.remaining {
		p = p[:r.remaining]
	}
	n, err := r.f.Read(p)
	r.remaining -= int64(n)
	return n, err
}

func (r *rangeReader) Close() error { return r.f.Close() }

// Delete removes an object and its sidecar, reporting whether it existed.
func (s *Store) Delete(tenantID, bucket, key string) (bool, error) {
	p, err := s.objectPath(tenantID, bucket, key)
	if err != nil {
		return false, err
	}
	err = os.Remove(p)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to delete object: %w", err)
	}
	if err := os.Remove(p + metaSuffix); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return true, fmt.Errorf("failed to delete object metadata: %w", err)
	}
	return true, nil
}

// List enumerates object keys under a bucket, optionally restricted to a
// key prefix, skipping metadata sidecars. Keys come back sorted with "/"
// separators regardless of platform.
func (s *Store) List(tenantID, bucket, prefix string) ([]string, error) {
	bd, err := s.bucketDir(tenantID, bucket)
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(bd); errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrBucketNotFound, bucket)
	}

	var keys []string
	err = filepath.WalkDir(bd, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if strings.HasPrefix(d.Name(), ".") && p != bd {
				return fs.SkipDir
			}
			return nil
		}
		if strings.HasSuffix(d.Name(), metaSuffix) {
			return nil
		}
		rel, err := filepath.Rel(bd, p)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if prefix == "" || strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list objects: %w", err)
	}
	sort.Strings(keys)
	return keys, nil
}

// Tenants returns the tenant directories currently present under the root.
func (s *Store) Tenants() ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("failed to list tenants: %w", err)
	}
	var tenants []string
	for _, e := range entries {
		if e.IsDir() && !strings.HasPrefix(e.Name(), ".") {
			tenants = append(tenants, e.Name())
		}
	}
	sort.Strings(tenants)
	return tenants, nil
}
