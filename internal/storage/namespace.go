package storage

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/fnv"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// IDLength is the number of hex characters in a generated upload id.
const IDLength = 6

var (
	ErrForbidden = errors.New("path is not allowed")
	ErrNotFound  = errors.New("upload not found")
)

// Upload is a freshly allocated upload directory.
type Upload struct {
	ID  string
	Dir string
}

// Namespace maps upload ids to directories directly beneath root. Every
// upload lives in its own directory, <root>/<id>, holding a single file
// named after the client-supplied path.
type Namespace struct {
	root  string
	locks *Locks
	now   func() time.Time
}

// NewNamespace creates a Namespace rooted at root.
func NewNamespace(root string) *Namespace {
	return &Namespace{
		root:  filepath.Clean(root),
		locks: NewLocks(),
		now:   time.Now,
	}
}

// Root returns the storage root directory.
func (n *Namespace) Root() string {
	return n.root
}

// Locks returns the per-id locks guarding this namespace.
func (n *Namespace) Locks() *Locks {
	return n.locks
}

// GenerateID derives an id from t by hashing its nanosecond timestamp and
// rendering the hash in hex. Short hashes are repeated to fill IDLength.
// Two calls with the same timestamp yield the same id; uniqueness is not
// checked here.
func GenerateID(t time.Time) string {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(t.UnixNano()))

	h := fnv.New64a()
	_, _ = h.Write(buf[:])
	digits := strconv.FormatUint(h.Sum64(), 16)

	id := make([]byte, IDLength)
	for i := range id {
		id[i] = digits[i%len(digits)]
	}
	return string(id)
}

// Allocate creates the directory for a new upload. A collision with an
// existing directory is reported as an error; there is no retry.
func (n *Namespace) Allocate() (Upload, error) {
	id := GenerateID(n.now())
	dir := filepath.Join(n.root, id)
	if err := os.Mkdir(dir, 0o755); err != nil {
		return Upload{}, fmt.Errorf("create upload directory %s: %w", dir, err)
	}
	return Upload{ID: id, Dir: dir}, nil
}

// Sanitize rejects client-supplied relative paths that contain a parent
// directory component, start with a path separator, or contain "~", "*"
// or NUL. Everything else is accepted as-is.
func Sanitize(rel string) error {
	if strings.HasPrefix(rel, "/") || strings.HasPrefix(rel, `\`) {
		return fmt.Errorf("%w: %q is absolute", ErrForbidden, rel)
	}
	if strings.ContainsAny(rel, "~*\x00") {
		return fmt.Errorf("%w: %q contains a reserved character", ErrForbidden, rel)
	}
	parts := strings.FieldsFunc(rel, func(r rune) bool { return r == '/' || r == '\\' })
	for _, part := range parts {
		if part == ".." {
			return fmt.Errorf("%w: %q escapes its directory", ErrForbidden, rel)
		}
	}
	return nil
}

// SplitLocation splits "<id>/<name>" into its parts. Both must be non-empty.
func SplitLocation(p string) (id string, rel string, ok bool) {
	id, rel, ok = strings.Cut(p, "/")
	if !ok || id == "" || rel == "" {
		return "", "", false
	}
	return id, rel, true
}

func validID(id string) bool {
	return id != "" && id != "." && id != ".." && !strings.ContainsAny(id, `/\`)
}

// Dir returns the directory for id.
func (n *Namespace) Dir(id string) (string, error) {
	if !validID(id) {
		return "", fmt.Errorf("%w: invalid id %q", ErrForbidden, id)
	}
	return JoinWithinRoot(n.root, id)
}

// Resolve returns the on-disk location of rel inside upload id. It does not
// repeat the Sanitize checks, but it does verify that the result stays
// inside the storage root.
func (n *Namespace) Resolve(id string, rel string) (string, error) {
	if !validID(id) {
		return "", fmt.Errorf("%w: invalid id %q", ErrForbidden, id)
	}
	if rel == "" {
		return "", fmt.Errorf("%w: empty file name", ErrForbidden)
	}
	return JoinWithinRoot(n.root, filepath.Join(id, filepath.FromSlash(rel)))
}

// Open opens the stored file rel of upload id for reading. Missing files
// and directories are reported as ErrNotFound.
func (n *Namespace) Open(id string, rel string) (*os.File, fs.FileInfo, error) {
	p, err := n.Resolve(id, rel)
	if err != nil {
		return nil, nil, err
	}

	f, err := os.Open(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil, fmt.Errorf("%w: %s", ErrNotFound, p)
		}
		return nil, nil, err
	}

	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, nil, err
	}
	if !info.Mode().IsRegular() {
		_ = f.Close()
		return nil, nil, fmt.Errorf("%w: %s is not a regular file", ErrNotFound, p)
	}
	return f, info, nil
}

// Remove deletes the whole directory of upload id. ErrNotFound is returned
// when the directory is already gone.
func (n *Namespace) Remove(id string) error {
	dir, err := n.Dir(id)
	if err != nil {
		return err
	}
	if _, err := os.Lstat(dir); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return err
	}
	return os.RemoveAll(dir)
}
