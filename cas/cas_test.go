package cas

import (
	"crypto/sha512"
	"encoding/hex"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	dir := t.TempDir()
	s, err := New(Config{
		Logger:    slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelWarn})),
		Directory: dir,
	})
	require.NoError(t, err)
	return s, dir
}

func sum(data []byte) string {
	h := sha512.Sum512(data)
	return hex.EncodeToString(h[:])
}

func put(t *testing.T, s *Store, data []byte) (Asset, bool) {
	t.Helper()
	st, err := s.Stage()
	require.NoError(t, err)
	_, err = st.Write(data)
	require.NoError(t, err)
	asset, deduped, err := s.Commit(st, "")
	require.NoError(t, err)
	return asset, deduped
}

func stagingEntries(t *testing.T, dir string) []os.DirEntry {
	t.Helper()
	entries, err := os.ReadDir(filepath.Join(dir, stagingDirName))
	require.NoError(t, err)
	return entries
}

func TestCommitAndRead(t *testing.T) {
	s, dir := newTestStore(t)
	data := []byte("hull I: 1000hp, kinetic resist 0.5")

	asset, deduped, err := func() (Asset, bool, error) {
		st, err := s.Stage()
		require.NoError(t, err)
		// written in pieces, hashed in the same pass
		_, _ = st.Write(data[:7])
		_, _ = st.Write(data[7:])
		assert.Equal(t, sum(data), st.Sum())
		return s.Commit(st, sum(data))
	}()
	require.NoError(t, err)
	assert.False(t, deduped)
	assert.Equal(t, sum(data), asset.Hash)
	assert.Equal(t, int64(len(data)), asset.Size)

	rc, got, err := s.Open(asset.Hash)
	require.NoError(t, err)
	defer rc.Close()
	body, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, data, body)
	assert.Equal(t, asset.Hash, got.Hash)

	// one file per hash, named by the lowercase hex digest
	_, err = os.Stat(filepath.Join(dir, blobsDirName, sum(data)))
	require.NoError(t, err)
	assert.Empty(t, stagingEntries(t, dir))
}

func TestDedup(t *testing.T) {
	s, dir := newTestStore(t)
	data := []byte("identical bytes")

	first, deduped := put(t, s, data)
	assert.False(t, deduped)

	second, deduped := put(t, s, data)
	assert.True(t, deduped)
	assert.Equal(t, first, second)

	blobs, err := os.ReadDir(filepath.Join(dir, blobsDirName))
	require.NoError(t, err)
	assert.Len(t, blobs, 1)
	assert.Empty(t, stagingEntries(t, dir))
}

func TestConcurrentCommitSameHash(t *testing.T) {
	s, dir := newTestStore(t)
	data := []byte("raced content")

	const writers = 16
	var wg sync.WaitGroup
	results := make([]bool, writers)
	errs := make([]error, writers)

	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			st, err := s.Stage()
			if err != nil {
				errs[i] = err
				return
			}
			if _, err := st.Write(data); err != nil {
				errs[i] = err
				return
			}
			_, results[i], errs[i] = s.Commit(st, "")
		}(i)
	}
	wg.Wait()

	canonical := 0
	for i := 0; i < writers; i++ {
		require.NoError(t, errs[i])
		if !results[i] {
			canonical++
		}
	}
	assert.Equal(t, 1, canonical, "exactly one writer should publish the blob")

	blobs, err := os.ReadDir(filepath.Join(dir, blobsDirName))
	require.NoError(t, err)
	assert.Len(t, blobs, 1)
	assert.Empty(t, stagingEntries(t, dir))
}

func TestHashIdentity(t *testing.T) {
	s, _ := newTestStore(t)
	data := []byte("reactor I")
	flipped := append([]byte(nil), data...)
	flipped[3] ^= 0x01

	a, _ := put(t, s, data)
	b, _ := put(t, s, flipped)
	assert.NotEqual(t, a.Hash, b.Hash)

	rc, _, err := s.Open(b.Hash)
	require.NoError(t, err)
	body, _ := io.ReadAll(rc)
	rc.Close()
	assert.Equal(t, flipped, body)
}

func TestHashMismatchRefused(t *testing.T) {
	s, dir := newTestStore(t)
	data := []byte("drive I")

	st, err := s.Stage()
	require.NoError(t, err)
	_, err = st.Write(data)
	require.NoError(t, err)

	wrong := sum([]byte("something else"))
	_, _, err = s.Commit(st, wrong)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrHashMismatch))

	var mismatch *HashMismatchError
	require.True(t, errors.As(err, &mismatch))
	assert.Equal(t, wrong, mismatch.Expected)
	assert.Equal(t, sum(data), mismatch.Actual)

	assert.False(t, s.Has(sum(data)))
	assert.False(t, s.Has(wrong))
	assert.Empty(t, stagingEntries(t, dir))
}

func TestNotAddressableBeforeCommit(t *testing.T) {
	s, dir := newTestStore(t)
	data := []byte("staged but never committed")

	st, err := s.Stage()
	require.NoError(t, err)
	_, err = st.Write(data)
	require.NoError(t, err)

	// interrupted between staging and commit
	_, _, err = s.Open(sum(data))
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.Len(t, stagingEntries(t, dir), 1)

	require.NoError(t, s.Abort(st))
	require.NoError(t, s.Abort(st), "abort is idempotent")
	assert.Empty(t, stagingEntries(t, dir))

	_, _, err = s.Open(sum(data))
	assert.True(t, errors.Is(err, ErrNotFound))

	put(t, s, data)
	assert.True(t, s.Has(sum(data)))
}

func TestStagingClosedAfterCommit(t *testing.T) {
	s, _ := newTestStore(t)
	st, err := s.Stage()
	require.NoError(t, err)
	_, _, err = s.Commit(st, "")
	require.NoError(t, err)

	_, err = st.Write([]byte("late"))
	assert.True(t, errors.Is(err, ErrStagingClosed))
	_, _, err = s.Commit(st, "")
	assert.True(t, errors.Is(err, ErrStagingClosed))
}

func TestInvalidHash(t *testing.T) {
	s, _ := newTestStore(t)
	for _, h := range []string{"", "abc", "../../etc/passwd", sum(nil)[:HashLength-1] + "G"} {
		_, _, err := s.Open(h)
		assert.True(t, errors.Is(err, ErrInvalidHash), h)
	}
	assert.True(t, ValidHash(sum(nil)))
}

func TestSweepStaging(t *testing.T) {
	s, dir := newTestStore(t)

	st, err := s.Stage()
	require.NoError(t, err)
	_, _ = st.Write([]byte("orphan"))

	removed, err := s.SweepStaging(time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 0, removed, "fresh staging files are kept")

	old := time.Now().Add(-2 * time.Hour)
	require.NoError(t, os.Chtimes(filepath.Join(dir, stagingDirName, st.ID()+stagingSuffix), old, old))

	removed, err = s.SweepStaging(time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	assert.Empty(t, stagingEntries(t, dir))
}
