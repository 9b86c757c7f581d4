package layer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"genomed/internal/common/fsutil"
)

// ErrNotFound is returned by stores when a layer id has no artifact.
var ErrNotFound = errors.New("layer: not found")

// Store is the backing store contract: given a layer id, return its sidecar
// metadata document and its stored payload, or ErrNotFound.
type Store interface {
	ReadMetadata(ctx context.Context, id string) ([]byte, error)
	OpenPayload(ctx context.Context, id string) (io.ReadCloser, error)
	Exists(ctx context.Context, id string) (bool, error)
}

const (
	metadataFile = "layer.yaml"
	payloadFile  = "payload.bin"
)

// DirStore keeps each layer under <root>/<id>/ with the stored payload in
// payload.bin and the metadata sidecar in layer.yaml.
type DirStore struct {
	root string
}

// NewDirStore returns a store rooted at dir. A leading '~' is expanded.
func NewDirStore(dir string) (*DirStore, error) {
	base, err := fsutil.ExpandHome(dir)
	if err != nil {
		return nil, err
	}
	abs, err := filepath.Abs(base)
	if err != nil {
		return nil, fmt.Errorf("abs path: %w", err)
	}
	return &DirStore{root: abs}, nil
}

// Root returns the absolute store directory.
func (s *DirStore) Root() string { return s.root }

func (s *DirStore) layerDir(id string) (string, error) {
	if err := validateID(id); err != nil {
		return "", err
	}
	return filepath.Join(s.root, id), nil
}

func (s *DirStore) ReadMetadata(ctx context.Context, id string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dir, err := s.layerDir(id)
	if err != nil {
		return nil, err
	}
	b, err := os.ReadFile(filepath.Join(dir, metadataFile))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	return b, err
}

func (s *DirStore) OpenPayload(ctx context.Context, id string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dir, err := s.layerDir(id)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(filepath.Join(dir, payloadFile))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	return f, err
}

func (s *DirStore) Exists(ctx context.Context, id string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	dir, err := s.layerDir(id)
	if err != nil {
		return false, nil
	}
	return fsutil.FileExists(filepath.Join(dir, metadataFile)) && fsutil.FileExists(filepath.Join(dir, payloadFile)), nil
}

// Put writes a layer's stored payload and metadata. The payload is written
// first and the sidecar last, each via rename, so readers never observe
// metadata that points at a partial payload.
func (s *DirStore) Put(ctx context.Context, meta Metadata, stored []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	dir, err := s.layerDir(meta.ID)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create layer dir: %w", err)
	}
	doc, err := marshalMeta(meta)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	if err := writeFileAtomic(filepath.Join(dir, payloadFile), stored); err != nil {
		return err
	}
	return writeFileAtomic(filepath.Join(dir, metadataFile), doc)
}

// List returns the ids of every layer with a metadata sidecar, sorted.
func (s *DirStore) List(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(s.root)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read dir: %w", err)
	}
	var ids []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if fsutil.FileExists(filepath.Join(s.root, e.Name(), metadataFile)) {
			ids = append(ids, e.Name())
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func marshalMeta(m Metadata) ([]byte, error) { return yaml.Marshal(m) }

func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("create temp: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}

var errInvalidID = errors.New("layer: invalid id")

func validateID(id string) error {
	if id == "" || id == "." || id == ".." || strings.ContainsAny(id, `/\`) {
		return fmt.Errorf("%w: %q", errInvalidID, id)
	}
	return nil
}
