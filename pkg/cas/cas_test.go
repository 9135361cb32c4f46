package cas

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rinsane/distbuild/pkg/distbuilderr"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(t.TempDir())
	require.NoError(t, err)
	return s
}

// S1: put(b"hello world") returns the expected SHA-256 digest.
func TestPut_HelloWorldDigest(t *testing.T) {
	s := newTestStore(t)

	digest, err := s.Put([]byte("hello world"))
	require.NoError(t, err)
	assert.Equal(t, "b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9", digest)
}

// P1: get(put(b)) == b for any bytes.
func TestPutThenGet_RoundTrips(t *testing.T) {
	s := newTestStore(t)

	cases := [][]byte{
		[]byte(""),
		[]byte("hello world"),
		bytes.Repeat([]byte{0xAB}, 4096),
		[]byte("the quick brown fox jumps over the lazy dog"),
	}

	for _, b := range cases {
		digest, err := s.Put(b)
		require.NoError(t, err)

		got, err := s.Get(digest)
		require.NoError(t, err)
		assert.Equal(t, b, got)
	}
}

// P2: put is idempotent — putting identical bytes twice yields the same
// digest and does not error.
func TestPut_IsIdempotent(t *testing.T) {
	s := newTestStore(t)

	b := []byte("repeated payload")
	d1, err := s.Put(b)
	require.NoError(t, err)
	d2, err := s.Put(b)
	require.NoError(t, err)

	assert.Equal(t, d1, d2)

	exists, err := s.Exists(d1)
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestGet_UnknownDigestIsNotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.Get("0000000000000000000000000000000000000000000000000000000000000000")
	assert.Error(t, err)
	assert.True(t, distbuilderr.IsNotFound(err))
}

func TestExists_FalseForUnknownDigest(t *testing.T) {
	s := newTestStore(t)

	ok, err := s.Exists("deadbeef00000000000000000000000000000000000000000000000000000000")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPutReader_MatchesPutDigest(t *testing.T) {
	s := newTestStore(t)

	b := []byte("streamed content for the content-addressable store")
	wantDigest, err := s.Put(b)
	require.NoError(t, err)

	gotDigest, err := s.PutReader(bytes.NewReader(b))
	require.NoError(t, err)

	assert.Equal(t, wantDigest, gotDigest)
}

func TestListAll_ContainsPutDigests(t *testing.T) {
	s := newTestStore(t)

	d1, err := s.Put([]byte("one"))
	require.NoError(t, err)
	d2, err := s.Put([]byte("two"))
	require.NoError(t, err)

	all, err := s.ListAll()
	require.NoError(t, err)
	assert.Contains(t, all, d1)
	assert.Contains(t, all, d2)
}
