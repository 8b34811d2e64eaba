package modelcache

import (
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"ailoy/internal/config"
	"ailoy/internal/llm"
)

func sha1OfString(s string) string {
	sum := sha1.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}

func newTestServer(t *testing.T, files map[string]string) *httptest.Server {
	t.Helper()
	manifest := Manifest{Lib: "rt.so"}
	for name, content := range files {
		manifest.Files = append(manifest.Files, FileEntry{Path: name, SHA1: sha1OfString(content)})
	}
	manifestJSON, err := json.Marshal(manifest)
	require.NoError(t, err)

	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		parts := filepath.Base(r.URL.Path)
		if filepath.Ext(parts) == ".json" && parts != "" && len(parts) > 8 && parts[:9] == "manifest-" {
			w.Write(manifestJSON)
			return
		}
		content, ok := files[parts]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Write([]byte(content))
	}))
}

func TestResolveDownloadsAndVerifies(t *testing.T) {
	files := map[string]string{"rt.so": "library-bytes", "tokenizer.json": "{}"}
	srv := newTestServer(t, files)
	defer srv.Close()

	dir := t.TempDir()
	store, err := New(config.CacheConfig{RootDir: dir, ModelsURL: srv.URL}, srv.Client())
	require.NoError(t, err)

	rec, err := store.Resolve(t.Context(), "org/model", "q4", config.DeviceConfig{Kind: config.DeviceCPU}, nil)
	require.NoError(t, err)
	require.Equal(t, "org/model", rec.ModelID)
	require.FileExists(t, filepath.Join(rec.RootDir, "rt.so"))
	require.FileExists(t, filepath.Join(rec.RootDir, "tokenizer.json"))
}

func TestResolveIsIdempotent(t *testing.T) {
	files := map[string]string{"rt.so": "library-bytes"}
	srv := newTestServer(t, files)
	defer srv.Close()

	dir := t.TempDir()
	store, err := New(config.CacheConfig{RootDir: dir, ModelsURL: srv.URL}, srv.Client())
	require.NoError(t, err)

	_, err = store.Resolve(t.Context(), "org/model", "q4", config.DeviceConfig{Kind: config.DeviceCPU}, nil)
	require.NoError(t, err)

	libPath := filepath.Join(dir, "tvm-models", "org--model", "q4", "rt.so")
	info1, err := os.Stat(libPath)
	require.NoError(t, err)

	_, err = store.Resolve(t.Context(), "org/model", "q4", config.DeviceConfig{Kind: config.DeviceCPU}, nil)
	require.NoError(t, err)

	info2, err := os.Stat(libPath)
	require.NoError(t, err)
	require.Equal(t, info1.ModTime(), info2.ModTime(), "idempotent resolve must not rewrite an already-verified file")
}

func TestResolveDeletesOnChecksumMismatch(t *testing.T) {
	dir := t.TempDir()
	modelDir := filepath.Join(dir, "tvm-models", "org--model", "q4")
	require.NoError(t, os.MkdirAll(modelDir, 0o755))

	manifest := Manifest{Lib: "rt.so", Files: []FileEntry{{Path: "rt.so", SHA1: sha1OfString("correct-bytes")}}}
	manifestJSON, err := json.Marshal(manifest)
	require.NoError(t, err)

	var requestCount int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		name := filepath.Base(r.URL.Path)
		if name == fmt.Sprintf("manifest-%s-%s-cpu.json", "x", "y") || filepath.Ext(name) == ".json" {
			w.Write(manifestJSON)
			return
		}
		requestCount++
		w.Write([]byte("wrong-bytes"))
	}))
	defer srv.Close()

	store, err := New(config.CacheConfig{RootDir: dir, ModelsURL: srv.URL}, srv.Client())
	require.NoError(t, err)

	_, err = store.Resolve(t.Context(), "org/model", "q4", config.DeviceConfig{Kind: config.DeviceCPU}, nil)
	require.Error(t, err)
	require.True(t, llm.Is(err, llm.KindChecksumMismatch))
	require.NoFileExists(t, filepath.Join(modelDir, "rt.so"))
}

func TestListLocalAndRemove(t *testing.T) {
	files := map[string]string{"rt.so": "library-bytes"}
	srv := newTestServer(t, files)
	defer srv.Close()

	dir := t.TempDir()
	store, err := New(config.CacheConfig{RootDir: dir, ModelsURL: srv.URL}, srv.Client())
	require.NoError(t, err)

	_, err = store.Resolve(t.Context(), "org/model", "q4", config.DeviceConfig{Kind: config.DeviceCPU}, nil)
	require.NoError(t, err)

	records, err := store.ListLocal()
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, "org/model", records[0].ModelID)

	ok, err := store.Remove("org/model", "")
	require.NoError(t, err)
	require.True(t, ok)

	records, err = store.ListLocal()
	require.NoError(t, err)
	require.Empty(t, records)
}
