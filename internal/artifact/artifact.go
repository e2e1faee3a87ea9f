// Package artifact stores device dumps on disk under content-addressed names.
package artifact

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/opencontainers/go-digest"
)

// Artifact is a dump written to disk.
type Artifact struct {
	Kind   string        `json:"kind"`
	Path   string        `json:"path"`
	Size   int           `json:"size"`
	Digest digest.Digest `json:"digest"`
}

const digestPrefixLen = 12

// Name returns the file name for data of the given kind.
func Name(kind string, d digest.Digest) string {
	enc := d.Encoded()
	if len(enc) > digestPrefixLen {
		enc = enc[:digestPrefixLen]
	}
	return fmt.Sprintf("%s-%s.bin", kind, enc)
}

// Save writes data into dir as <kind>-<digest prefix>.bin.
func Save(dir, kind string, data []byte) (Artifact, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Artifact{}, fmt.Errorf("artifact: create dir: %w", err)
	}
	d := digest.FromBytes(data)
	path := filepath.Join(dir, Name(kind, d))
	if err := WriteFileAtomic(path, data, 0o644); err != nil {
		return Artifact{}, fmt.Errorf("artifact: write %s: %w", path, err)
	}
	return Artifact{Kind: kind, Path: path, Size: len(data), Digest: d}, nil
}

// Open resolves a bare artifact file name inside dir. Names containing path
// separators are rejected.
func Open(dir, name string) (*os.File, error) {
	if name == "" || strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
		return nil, fmt.Errorf("artifact: invalid name %q", name)
	}
	return os.Open(filepath.Join(dir, name))
}

// List returns the dumps in dir, newest first. A missing dir is empty.
// Digest is not computed.
func List(dir string) ([]Artifact, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("artifact: list %s: %w", dir, err)
	}

	type entry struct {
		a   Artifact
		mod int64
	}
	var found []entry
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, ".bin") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		kind, _, _ := strings.Cut(strings.TrimSuffix(name, ".bin"), "-")
		found = append(found, entry{
			a:   Artifact{Kind: kind, Path: filepath.Join(dir, name), Size: int(info.Size())},
			mod: info.ModTime().UnixNano(),
		})
	}
	sort.Slice(found, func(i, j int) bool { return found[i].mod > found[j].mod })

	out := make([]Artifact, len(found))
	for i, f := range found {
		out[i] = f.a
	}
	return out, nil
}

// WriteFileAtomic writes via a temp file and rename so readers never see a
// partial dump. Atomicity only holds within one filesystem.
func WriteFileAtomic(filePath string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(filePath)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(filePath)+".*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if err := tmp.Chmod(perm); err != nil {
		_ = tmp.Close()
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, filePath); err != nil {
		return err
	}

	// fsync dir so the rename survives power loss
	dfd, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer dfd.Close()
	return dfd.Sync()
}
