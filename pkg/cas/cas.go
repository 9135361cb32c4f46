// Package cas implements the content-addressable blob store: every blob is
// keyed by the SHA-256 digest of its bytes and stored under a two-level hex
// shard so no single directory ever holds more than a few thousand entries
// (spec §3/§4.1). Writes go through a temp-file-then-rename so a reader can
// never observe a partially written blob, and a put of bytes already present
// is a cheap no-op rather than a second write.
package cas

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/rinsane/distbuild/pkg/distbuilderr"
	"github.com/rinsane/distbuild/pkg/log"
	"github.com/rinsane/distbuild/pkg/metrics"
)

// Store is a filesystem-backed content-addressable store rooted at a single
// directory.
type Store struct {
	root string
}

// New creates a Store rooted at root, creating the directory if necessary.
func New(root string) (*Store, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, distbuilderr.IOf(err, "creating CAS root %s", root)
	}
	return &Store{root: root}, nil
}

// Digest returns the hex-encoded SHA-256 digest of b.
func Digest(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// pathFor returns the on-disk path for a digest, sharded two levels deep:
// <root>/<hex[0:2]>/<hex[2:4]>/<hex>.
func (s *Store) pathFor(digest string) (string, error) {
	if len(digest) < 4 {
		return "", distbuilderr.InvalidStatef("digest %q too short to address", digest)
	}
	return filepath.Join(s.root, digest[0:2], digest[2:4], digest), nil
}

// Put stores b and returns its digest. Idempotent: putting the same bytes
// twice is safe and the second call does no disk write beyond a stat.
func (s *Store) Put(b []byte) (string, error) {
	digest := Digest(b)
	dst, err := s.pathFor(digest)
	if err != nil {
		return "", err
	}

	if _, err := os.Stat(dst); err == nil {
		metrics.CASPutsTotal.Inc()
		return digest, nil
	} else if !os.IsNotExist(err) {
		return "", distbuilderr.IOf(err, "stat %s", dst)
	}

	dir := filepath.Dir(dst)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", distbuilderr.IOf(err, "creating shard dir %s", dir)
	}

	tmp, err := os.CreateTemp(dir, ".tmp-"+digest[:8]+"-*")
	if err != nil {
		return "", distbuilderr.IOf(err, "creating temp file in %s", dir)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op once renamed

	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		return "", distbuilderr.IOf(err, "writing %s", tmpName)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return "", distbuilderr.IOf(err, "syncing %s", tmpName)
	}
	if err := tmp.Close(); err != nil {
		return "", distbuilderr.IOf(err, "closing %s", tmpName)
	}
	if err := os.Rename(tmpName, dst); err != nil {
		return "", distbuilderr.IOf(err, "renaming %s to %s", tmpName, dst)
	}

	metrics.CASPutsTotal.Inc()
	metrics.CASBytesWritten.Observe(float64(len(b)))
	log.Logger.Debug().Str("digest", digest).Int("bytes", len(b)).Msg("cas: put")
	return digest, nil
}

// PutReader streams r into the store without buffering the whole payload in
// memory: it hashes and writes concurrently via io.TeeReader into the temp
// file, then renames into place once the digest is known.
func (s *Store) PutReader(r io.Reader) (string, error) {
	tmp, err := os.CreateTemp(s.root, ".tmp-stream-*")
	if err != nil {
		return "", distbuilderr.IOf(err, "creating temp file in %s", s.root)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	h := sha256.New()
	if _, err := io.Copy(tmp, io.TeeReader(r, h)); err != nil {
		tmp.Close()
		return "", distbuilderr.IOf(err, "streaming into %s", tmpName)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return "", distbuilderr.IOf(err, "syncing %s", tmpName)
	}
	if err := tmp.Close(); err != nil {
		return "", distbuilderr.IOf(err, "closing %s", tmpName)
	}

	digest := hex.EncodeToString(h.Sum(nil))
	dst, err := s.pathFor(digest)
	if err != nil {
		return "", err
	}

	if _, err := os.Stat(dst); err == nil {
		metrics.CASPutsTotal.Inc()
		return digest, nil
	}

	dir := filepath.Dir(dst)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", distbuilderr.IOf(err, "creating shard dir %s", dir)
	}
	if err := os.Rename(tmpName, dst); err != nil {
		return "", distbuilderr.IOf(err, "renaming %s to %s", tmpName, dst)
	}

	metrics.CASPutsTotal.Inc()
	log.Logger.Debug().Str("digest", digest).Msg("cas: put (streamed)")
	return digest, nil
}

// Get returns the bytes stored under digest. Returns a NotFound error if the
// digest is not present.
func (s *Store) Get(digest string) ([]byte, error) {
	path, err := s.pathFor(digest)
	if err != nil {
		return nil, err
	}
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, distbuilderr.NotFoundf("blob %s not found", digest)
		}
		return nil, distbuilderr.IOf(err, "reading %s", path)
	}
	metrics.CASGetsTotal.Inc()
	return b, nil
}

// Exists reports whether digest is present in the store.
func (s *Store) Exists(digest string) (bool, error) {
	path, err := s.pathFor(digest)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(path)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, distbuilderr.IOf(err, "stat %s", path)
}

// ListAll walks the store and returns every digest present. This is a
// diagnostics operation, not something the scheduler or worker calls on any
// hot path: it exists for the "cas list" CLI command.
func (s *Store) ListAll() ([]string, error) {
	var digests []string
	err := filepath.WalkDir(s.root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		name := d.Name()
		if len(name) == 64 && !isTempName(name) {
			digests = append(digests, name)
		}
		return nil
	})
	if err != nil {
		return nil, distbuilderr.IOf(err, "walking %s", s.root)
	}
	return digests, nil
}

func isTempName(name string) bool {
	return len(name) > 0 && name[0] == '.'
}

// Root returns the filesystem root this store is backed by.
func (s *Store) Root() string { return s.root }

// String implements fmt.Stringer for diagnostics.
func (s *Store) String() string { return fmt.Sprintf("cas.Store{root: %s}", s.root) }
