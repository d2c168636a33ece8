package cas

import (
	"crypto/sha512"
	"encoding/hex"
	"hash"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

const (
	blobsDirName   = "blobs"
	stagingDirName = "staging"
	stagingSuffix  = ".staging"

	// HashLength is the length of a content address: hex encoded SHA-512.
	HashLength = sha512.Size * 2
)

// Asset is a committed, immutable blob.
type Asset struct {
	Hash      string
	Size      int64
	CreatedAt time.Time
}

type Config struct {
	Logger    *slog.Logger
	Directory string
}

// Store is a content-addressed blob store on the local filesystem. Blobs
// live at <dir>/blobs/<hash>; in-flight uploads live in <dir>/staging until
// they are published with Commit.
type Store struct {
	logger     *slog.Logger
	blobDir    string
	stagingDir string
}

func New(cfg Config) (*Store, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	s := &Store{
		logger:     cfg.Logger.WithGroup("cas"),
		blobDir:    filepath.Join(cfg.Directory, blobsDirName),
		stagingDir: filepath.Join(cfg.Directory, stagingDirName),
	}
	for _, dir := range []string{s.blobDir, s.stagingDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, classify(err, "could not create directory %s", dir)
		}
	}
	return s, nil
}

// NewHash returns the hash function used for content addresses.
func NewHash() hash.Hash {
	return sha512.New()
}

// ValidHash reports whether h is a well formed content address.
func ValidHash(h string) bool {
	if len(h) != HashLength {
		return false
	}
	for i := 0; i < len(h); i++ {
		c := h[i]
		if !(c >= '0' && c <= '9' || c >= 'a' && c <= 'f') {
			return false
		}
	}
	return true
}

func (s *Store) blobPath(h string) string {
	return filepath.Join(s.blobDir, h)
}

// Staging is a write target with no content identity yet. It hashes every
// byte written to it so Commit never has to re-read the file.
type Staging struct {
	mu     sync.Mutex
	id     string
	path   string
	file   *os.File
	hasher hash.Hash
	size   int64
	err    error
	closed bool
}

// Stage opens a fresh staging target.
func (s *Store) Stage() (*Staging, error) {
	id := uuid.New().String()
	path := filepath.Join(s.stagingDir, id+stagingSuffix)
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return nil, classify(err, "could not create staging file")
	}
	return &Staging{
		id:     id,
		path:   path,
		file:   f,
		hasher: NewHash(),
	}, nil
}

func (st *Staging) ID() string {
	return st.id
}

// Write appends p to the staging file. After the first failure every
// further write returns the same error.
func (st *Staging) Write(p []byte) (int, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.closed {
		return 0, ErrStagingClosed
	}
	if st.err != nil {
		return 0, st.err
	}
	n, err := st.file.Write(p)
	st.hasher.Write(p[:n])
	st.size += int64(n)
	if err != nil {
		st.err = classify(err, "could not write staging file %s", st.id)
		return n, st.err
	}
	return n, nil
}

// Sum is the hex digest of everything written so far.
func (st *Staging) Sum() string {
	st.mu.Lock()
	defer st.mu.Unlock()
	return hex.EncodeToString(st.hasher.Sum(nil))
}

func (st *Staging) Size() int64 {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.size
}

// release closes the file and marks the handle closed. The caller holds mu.
func (st *Staging) release() error {
	if st.closed {
		return nil
	}
	st.closed = true
	return st.file.Close()
}

// Abort discards a staging target. It is safe to call on every exit path,
// including after a successful Commit.
func (s *Store) Abort(st *Staging) error {
	if st == nil {
		return nil
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	_ = st.release()
	if err := os.Remove(st.path); err != nil && !os.IsNotExist(err) {
		s.logger.Error("could not remove staging file", "staging", st.id, "error", err)
		return classify(err, "could not remove staging file %s", st.id)
	}
	return nil
}

// Commit publishes the staged bytes under their content hash. When
// assertedHash is set it must equal the computed hash or the commit is
// refused. If the hash is already present the staged copy is discarded and
// the existing asset is returned with deduped set. The staging handle is
// consumed in every case.
func (s *Store) Commit(st *Staging, assertedHash string) (Asset, bool, error) {
	st.mu.Lock()
	if st.closed {
		st.mu.Unlock()
		return Asset{}, false, ErrStagingClosed
	}
	if st.err != nil {
		err := st.err
		st.mu.Unlock()
		s.Abort(st)
		return Asset{}, false, err
	}
	computed := hex.EncodeToString(st.hasher.Sum(nil))
	syncErr := st.file.Sync()
	closeErr := st.release()
	st.mu.Unlock()

	if err := firstErr(syncErr, closeErr); err != nil {
		s.Abort(st)
		return Asset{}, false, classify(err, "could not flush staging file %s", st.id)
	}

	if assertedHash != "" && !strings.EqualFold(assertedHash, computed) {
		s.Abort(st)
		return Asset{}, false, &HashMismatchError{Expected: strings.ToLower(assertedHash), Actual: computed}
	}

	// Blobs are immutable once published.
	if err := os.Chmod(st.path, 0444); err != nil {
		s.Abort(st)
		return Asset{}, false, classify(err, "could not seal staging file %s", st.id)
	}

	// link(2) fails with EEXIST when the name is taken, which makes it the
	// per-hash compare-and-swap: exactly one concurrent committer wins and
	// the final name never points at a partial file.
	linkErr := os.Link(st.path, s.blobPath(computed))
	deduped := false
	if linkErr != nil {
		if !os.IsExist(linkErr) {
			s.Abort(st)
			return Asset{}, false, classify(linkErr, "could not publish %s", computed)
		}
		deduped = true
	}

	if err := s.Abort(st); err != nil {
		// The blob is published; a leftover staging file is swept later.
		s.logger.Warn("staging file left behind after commit", "staging", st.id, "hash", computed)
	}

	asset, err := s.Stat(computed)
	if err != nil {
		return Asset{}, false, err
	}

	if deduped {
		s.logger.Debug("content already present, staged copy discarded", "hash", computed)
	} else {
		s.logger.Debug("committed blob", "hash", computed, "size", asset.Size)
	}
	return asset, deduped, nil
}

// Stat returns the committed asset for h.
func (s *Store) Stat(h string) (Asset, error) {
	if !ValidHash(h) {
		return Asset{}, ErrInvalidHash
	}
	info, err := os.Stat(s.blobPath(h))
	if err != nil {
		if os.IsNotExist(err) {
			return Asset{}, ErrNotFound
		}
		return Asset{}, classify(err, "could not stat %s", h)
	}
	return Asset{Hash: h, Size: info.Size(), CreatedAt: info.ModTime().UTC()}, nil
}

func (s *Store) Has(h string) bool {
	_, err := s.Stat(h)
	return err == nil
}

// Open returns a reader over the committed blob h.
func (s *Store) Open(h string) (io.ReadCloser, Asset, error) {
	if !ValidHash(h) {
		return nil, Asset{}, ErrInvalidHash
	}
	f, err := os.Open(s.blobPath(h))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, Asset{}, ErrNotFound
		}
		return nil, Asset{}, classify(err, "could not open %s", h)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, Asset{}, classify(err, "could not stat %s", h)
	}
	return f, Asset{Hash: h, Size: info.Size(), CreatedAt: info.ModTime().UTC()}, nil
}

// SweepStaging removes staging files older than olderThan. These are only
// ever left behind by a crash between Stage and Commit/Abort.
func (s *Store) SweepStaging(olderThan time.Duration) (int, error) {
	entries, err := os.ReadDir(s.stagingDir)
	if err != nil {
		return 0, classify(err, "could not list staging directory")
	}
	cutoff := time.Now().Add(-olderThan)
	removed := 0
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), stagingSuffix) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(s.stagingDir, entry.Name())); err != nil && !os.IsNotExist(err) {
			s.logger.Warn("could not sweep staging file", "file", entry.Name(), "error", err)
			continue
		}
		removed++
	}
	if removed > 0 {
		s.logger.Info("swept orphaned staging files", "count", removed)
	}
	return removed, nil
}

func firstErr(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return errors.WithStack(err)
		}
	}
	return nil
}
