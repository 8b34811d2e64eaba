// Package modelcache resolves, downloads, verifies, and enumerates on-disk
// tensor VM models (spec.md component A). The root layout, manifest shape,
// and verification algorithm follow spec.md §4.A and §6 exactly; the HTTP
// client and checksum plumbing are grounded on the teacher's object-store
// Get/Put pattern (internal/objectstore/store.go), adapted from a swappable
// backend interface to a single fixed HTTPS GET-with-Range client, since the
// spec's wire protocol is a flat file layout rather than a bucket API.
package modelcache

import (
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"ailoy/internal/llm"
)

// FileEntry is one (path, sha1) pair named by a Manifest.
type FileEntry struct {
	Path string
	SHA1 string
}

// Manifest is the per-target file list described in spec.md §3 "Manifest".
type Manifest struct {
	Lib   string      `json:"lib"`
	Files []FileEntry `json:"files"`
}

// UnmarshalJSON decodes the wire shape `{lib, files: [[path, sha1], ...]}`.
func (m *Manifest) UnmarshalJSON(data []byte) error {
	var wire struct {
		Lib   string     `json:"lib"`
		Files [][]string `json:"files"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	m.Lib = wire.Lib
	m.Files = make([]FileEntry, 0, len(wire.Files))
	for _, pair := range wire.Files {
		if len(pair) != 2 {
			return fmt.Errorf("modelcache: malformed manifest file entry %v", pair)
		}
		m.Files = append(m.Files, FileEntry{Path: pair[0], SHA1: pair[1]})
	}
	return nil
}

// MarshalJSON re-encodes to the same wire shape, mainly for tests.
func (m Manifest) MarshalJSON() ([]byte, error) {
	wire := struct {
		Lib   string     `json:"lib"`
		Files [][]string `json:"files"`
	}{Lib: m.Lib}
	for _, f := range m.Files {
		wire.Files = append(wire.Files, []string{f.Path, f.SHA1})
	}
	return json.Marshal(wire)
}

// Validate checks the manifest invariants from spec.md §3: lib must appear
// among the named files.
func (m Manifest) Validate() error {
	if m.Lib == "" {
		return llm.New(llm.KindNoSuchModel, "manifest names no library")
	}
	for _, f := range m.Files {
		if f.Path == m.Lib {
			return nil
		}
	}
	return llm.New(llm.KindNoSuchModel, "manifest lib entry not present in files list")
}

// TensorRecord is one parameter tensor packed into a shard.
type TensorRecord struct {
	Name       string `json:"name"`
	Shape      []int  `json:"shape"`
	DType      string `json:"dtype"`
	Format     string `json:"format"`
	ByteOffset int64  `json:"byteOffset"`
	NBytes     int64  `json:"nbytes"`
}

// ShardRecord names one on-disk shard and the tensors packed into it.
type ShardRecord struct {
	DataPath string         `json:"dataPath"`
	Format   string         `json:"format"`
	NBytes   int64          `json:"nbytes"`
	Records  []TensorRecord `json:"records"`
}

// TensorCacheIndex is the parsed `tensor-cache.json` (or legacy
// `ndarray-cache.json`) index described in spec.md §3.
type TensorCacheIndex struct {
	Records []ShardRecord `json:"records"`
}

// tensorCacheFilenames lists the accepted index filenames in preference
// order, resolving spec.md §9's open question: prefer the new name, fall
// back to the legacy one.
var tensorCacheFilenames = []string{"tensor-cache.json", "ndarray-cache.json"}

// LoadTensorCacheIndex reads whichever of tensor-cache.json/ndarray-cache.json
// is present in dir, preferring the former.
func LoadTensorCacheIndex(dir string) (TensorCacheIndex, string, error) {
	for _, name := range tensorCacheFilenames {
		path := filepath.Join(dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return TensorCacheIndex{}, "", err
		}
		var idx TensorCacheIndex
		if err := json.Unmarshal(data, &idx); err != nil {
			return TensorCacheIndex{}, "", fmt.Errorf("modelcache: parse %s: %w", name, err)
		}
		return idx, name, nil
	}
	return TensorCacheIndex{}, "", llm.New(llm.KindNoSuchModel, "no tensor-cache.json or ndarray-cache.json in "+dir)
}

// sha1Hex computes the lowercase hex SHA-1 digest of a file, matching the
// manifest's checksum encoding.
func sha1Hex(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha1.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// escapeModelID turns "/" in a model id into "--" for the on-disk path
// component, per spec.md §3 "Model record".
func escapeModelID(modelID string) string {
	return strings.ReplaceAll(modelID, "/", "--")
}
