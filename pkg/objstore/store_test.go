package objstore

import (
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tansucloud/tansucloud/pkg/etag"
)

func newTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	s, err := NewStore(t.TempDir(), opts...)
	require.NoError(t, err)
	return s
}

func TestPutHeadGetRoundTrip(t *testing.T) {
	s := newTestStore(t)

	put, err := s.Put("acme", "docs", "readme.txt", strings.NewReader("hello"), "text/plain", map[string]string{"owner": "ops"})
	require.NoError(t, err)
	assert.Equal(t, etag.WeakString("hello"), put.ETag)
	assert.Equal(t, int64(5), put.Length)

	head, err := s.Head("acme", "docs", "readme.txt")
	require.NoError(t, err)
	assert.Equal(t, put.ETag, head.ETag)
	assert.Equal(t, "text/plain", head.ContentType)
	assert.Equal(t, "ops", head.Metadata["owner"])

	body, info, err := s.Get("acme", "docs", "readme.txt")
	require.NoError(t, err)
	defer body.Close()
	data, err := io.ReadAll(body)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))
	assert.Equal(t, put.ETag, info.ETag)
}

func TestPutOverwriteIsLastWriterWins(t *testing.T) {
	s := newTestStore(t)

	_, err := s.Put("acme", "docs", "a.txt", strings.NewReader("first"), "text/plain", nil)
	require.NoError(t, err)
	second, err := s.Put("acme", "docs", "a.txt", strings.NewReader("second"), "text/plain", nil)
	require.NoError(t, err)

	head, err := s.Head("acme", "docs", "a.txt")
	require.NoError(t, err)
	assert.Equal(t, second.ETag, head.ETag)
	assert.Equal(t, int64(6), head.Length)
}

func TestHeadMissingObject(t *testing.T) {
	s := newTestStore(t)

	_, err := s.Head("acme", "docs", "nope.txt")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGetRange(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Put("acme", "docs", "a.txt", strings.NewReader("0123456789"), "text/plain", nil)
	require.NoError(t, err)

	t.Run("interior range", func(t *testing.T) {
		body, info, err := s.GetRange("acme", "docs", "a.txt", 2, 5)
		require.NoError(t, err)
		defer body.Close()
		data, _ := io.ReadAll(body)
		assert.Equal(t, "2345", string(data))
		assert.Equal(t, int64(4), info.Length)
	})

	t.Run("upper bound clamped", func(t *testing.T) {
		body, info, err := s.GetRange("acme", "docs", "a.txt", 8, 100)
		require.NoError(t, err)
		defer body.Close()
		data, _ := io.ReadAll(body)
		assert.Equal(t, "89", string(data))
		assert.Equal(t, int64(2), info.Length)
	})

	t.Run("start past end rejected", func(t *testing.T) {
		_, _, err := s.GetRange("acme", "docs", "a.txt", 10, 12)
		assert.ErrorIs(t, err, ErrInvalidRange)
	})

	t.Run("inverted range rejected", func(t *testing.T) {
		_, _, err := s.GetRange("acme", "docs", "a.txt", 5, 2)
		assert.ErrorIs(t, err, ErrInvalidRange)
	})
}

func TestDeleteReportsExistence(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Put("acme", "docs", "a.txt", strings.NewReader("x"), "", nil)
	require.NoError(t, err)

	deleted, err := s.Delete("acme", "docs", "a.txt")
	require.NoError(t, err)
	assert.True(t, deleted)

	deleted, err = s.Delete("acme", "docs", "a.txt")
	require.NoError(t, err)
	assert.False(t, deleted)
}

func TestListSkipsSidecarsAndHonorsPrefix(t *testing.T) {
	s := newTestStore(t)
	for _, key := range []string{"logs/2026/01.txt", "logs/2026/02.txt", "img/cat.png"} {
		_, err := s.Put("acme", "data", key, strings.NewReader("x"), "", nil)
		require.NoError(t, err)
	}

	all, err := s.List("acme", "data", "")
	require.NoError(t, err)
	assert.Equal(t, []string{"img/cat.png", "logs/2026/01.txt", "logs/2026/02.txt"}, all)

	logs, err := s.List("acme", "data", "logs/")
	require.NoError(t, err)
	assert.Equal(t, []string{"logs/2026/01.txt", "logs/2026/02.txt"}, logs)
}

func TestListMissingBucket(t *testing.T) {
	s := newTestStore(t)
	_, err := s.List("acme", "nope", "")
	assert.ErrorIs(t, err, ErrBucketNotFound)
}

func TestBucketLifecycle(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.CreateBucket("acme", "docs"))
	require.NoError(t, s.CreateBucket("acme", "docs"))

	buckets, err := s.ListBuckets("acme")
	require.NoError(t, err)
	assert.Equal(t, []string{"docs"}, buckets)

	// Occupied buckets refuse deletion.
	_, err = s.Put("acme", "docs", "a.txt", strings.NewReader("x"), "", nil)
	require.NoError(t, err)
	deleted, err := s.DeleteBucket("acme", "docs")
	require.NoError(t, err)
	assert.False(t, deleted)

	_, err = s.Delete("acme", "docs", "a.txt")
	require.NoError(t, err)
	deleted, err = s.DeleteBucket("acme", "docs")
	require.NoError(t, err)
	assert.True(t, deleted)

	// Deleting again is still success.
	deleted, err = s.DeleteBucket("acme", "docs")
	require.NoError(t, err)
	assert.True(t, deleted)
}

func TestInvalidNamesRejected(t *testing.T) {
	s := newTestStore(t)

	cases := []struct {
		name   string
		tenant string
		bucket string
		key    string
	}{
		{"traversal key", "acme", "docs", "../../etc/passwd"},
		{"dotted key segment", "acme", "docs", ".hidden/a.txt"},
		{"empty key", "acme", "docs", ""},
		{"slash in bucket", "acme", "a/b", "x.txt"},
		{"dotted tenant", "..", "docs", "x.txt"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := s.Put(tc.tenant, tc.bucket, tc.key, strings.NewReader("x"), "", nil)
			assert.ErrorIs(t, err, ErrInvalidName)
		})
	}
}
