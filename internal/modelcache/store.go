package modelcache

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"ailoy/internal/config"
	"ailoy/internal/hostinfo"
	"ailoy/internal/llm"
	"ailoy/internal/observability"
	"ailoy/internal/validation"
)

// Record is the cache entry described in spec.md §3 "Model record".
type Record struct {
	ModelID      string
	Quantization string
	Device       config.DeviceKind
	RootDir      string
	ManifestPath string
	LibPath      string
	TotalBytes   int64
}

// Progress is invoked from the download goroutine as each file completes a
// chunk; spec.md §4.A requires it be re-entrant-safe and non-blocking, so
// implementations must not perform blocking I/O here.
type Progress func(fileIdx, fileTotal int, filename string, percent float64)

// Store resolves, lists, and removes on-disk models under one cache root.
type Store struct {
	rootDir   string
	modelsURL string
	client    *http.Client

	cancelled atomic.Bool

	inflight singleflight.Group

	coord Coordinator
}

// Coordinator deduplicates concurrent resolves for the same manifest across
// processes sharing one cache root. The default is in-process only; Redis
// backs a distributed variant (see coordinator_redis.go).
type Coordinator interface {
	// TryLock returns true if the caller may proceed with the download, and
	// a release function to call when done.
	TryLock(ctx context.Context, key string) (acquired bool, release func(), err error)
}

// localCoordinator is the default in-memory Coordinator: one process, one
// mutex per key, always granted (since singleflight already dedupes
// in-process callers before Coordinator is consulted).
type localCoordinator struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newLocalCoordinator() *localCoordinator {
	return &localCoordinator{locks: map[string]*sync.Mutex{}}
}

func (c *localCoordinator) TryLock(_ context.Context, key string) (bool, func(), error) {
	c.mu.Lock()
	l, ok := c.locks[key]
	if !ok {
		l = &sync.Mutex{}
		c.locks[key] = l
	}
	c.mu.Unlock()
	l.Lock()
	return true, l.Unlock, nil
}

// New builds a Store from cache configuration, resolving the root directory
// through ResolveRootDir: AILOY_CACHE_ROOT, else cfg.RootDir, else the
// platform default from spec.md §4.A step 1.
func New(cfg config.CacheConfig, httpClient *http.Client) (*Store, error) {
	root := ResolveRootDir(cfg)
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("modelcache: create root dir: %w", err)
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	modelsURL := strings.TrimSuffix(cfg.ModelsURL, "/")
	if modelsURL == "" {
		modelsURL = "https://models.download.ailoy.co"
	}
	return &Store{
		rootDir:   root,
		modelsURL: modelsURL,
		client:    httpClient,
		coord:     newLocalCoordinator(),
	}, nil
}

// WithCoordinator swaps in a distributed Coordinator (e.g. RedisCoordinator).
func (s *Store) WithCoordinator(c Coordinator) *Store {
	s.coord = c
	return s
}

// ResolveRootDir is a pure function of environment and config, injectable
// for tests per spec.md §9 design notes ("cache-root discovery is a pure
// function of environment; inject it for tests").
func ResolveRootDir(cfg config.CacheConfig) string {
	if v := os.Getenv("AILOY_CACHE_ROOT"); v != "" {
		return v
	}
	if cfg.RootDir != "" {
		return cfg.RootDir
	}
	if runtime.GOOS == "windows" {
		if local := os.Getenv("LOCALAPPDATA"); local != "" {
			return filepath.Join(local, "ailoy")
		}
	}
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, ".cache", "ailoy")
}

// Cancel sets the process-wide stop flag polled by in-flight downloads.
func (s *Store) Cancel() { s.cancelled.Store(true) }

// manifestFilename builds `manifest-<arch>-<os>-<device>.json` per spec.md §4.A step 2,
// using hostinfo's uname-equivalent arch/os strings rather than Go's own
// GOARCH/GOOS spellings (they disagree on amd64/arm64 vs x86_64/aarch64).
func manifestFilename(device config.DeviceKind) string {
	return fmt.Sprintf("manifest-%s-%s-%s.json", hostinfo.MachineArch(), hostinfo.OS(), device)
}

// modelDir builds the cache directory for (modelID, quantization), rejecting
// any value that would escape tvm-models/ via ".." once escaped (spec.md §3
// "Model record" names the escaping rule; path-traversal rejection is an
// ambient hardening the spec leaves implicit for caller-supplied ids).
func (s *Store) modelDir(modelID, quantization string) (string, error) {
	modelSeg, err := validation.PathSegment(escapeModelID(modelID))
	if err != nil {
		return "", llm.Wrap(llm.KindNoSuchModel, fmt.Errorf("invalid model id %q: %w", modelID, err))
	}
	quantSeg, err := validation.PathSegment(quantization)
	if err != nil {
		return "", llm.Wrap(llm.KindNoSuchModel, fmt.Errorf("invalid quantization %q: %w", quantization, err))
	}
	return filepath.Join(s.rootDir, "tvm-models", modelSeg, quantSeg), nil
}

// Resolve ensures every file named by the applicable manifest exists locally
// and passes checksum, downloading what's missing (spec.md §4.A).
func (s *Store) Resolve(ctx context.Context, modelID, quantization string, device config.DeviceConfig, progress Progress) (Record, error) {
	key := modelID + "|" + quantization + "|" + string(device.Kind)
	v, err, _ := s.inflight.Do(key, func() (any, error) {
		return s.resolveOnce(ctx, modelID, quantization, device, progress)
	})
	if err != nil {
		return Record{}, err
	}
	return v.(Record), nil
}

func (s *Store) resolveOnce(ctx context.Context, modelID, quantization string, device config.DeviceConfig, progress Progress) (Record, error) {
	log := observability.LoggerWithTrace(ctx)
	dir, err := s.modelDir(modelID, quantization)
	if err != nil {
		return Record{}, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Record{}, llm.Wrap(llm.KindNetwork, err)
	}

	acquired, release, err := s.coord.TryLock(ctx, dir)
	if err != nil {
		return Record{}, llm.Wrap(llm.KindNetwork, err)
	}
	if acquired {
		defer release()
	}

	manifestName := manifestFilename(device.Kind)
	manifestPath := filepath.Join(dir, manifestName)
	if _, err := os.Stat(manifestPath); err != nil {
		if err := s.downloadFile(ctx, modelID, quantization, manifestName, manifestPath, nil); err != nil {
			return Record{}, err
		}
	}

	data, err := os.ReadFile(manifestPath)
	if err != nil {
		return Record{}, llm.Wrap(llm.KindNetwork, err)
	}
	var manifest Manifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return Record{}, llm.Wrap(llm.KindNoSuchModel, err)
	}
	if err := manifest.Validate(); err != nil {
		return Record{}, err
	}

	pending := make([]FileEntry, 0, len(manifest.Files))
	var totalBytes int64
	for _, f := range manifest.Files {
		full := filepath.Join(dir, f.Path)
		if info, statErr := os.Stat(full); statErr == nil {
			totalBytes += info.Size()
			if sum, sumErr := sha1Hex(full); sumErr == nil && strings.EqualFold(sum, f.SHA1) {
				continue
			}
		}
		pending = append(pending, f)
	}

	if len(pending) > 0 {
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(4)
		for i, f := range pending {
			i, f := i, f
			g.Go(func() error {
				full := filepath.Join(dir, f.Path)
				var cb func(written, total int64)
				if progress != nil {
					cb = func(written, total int64) {
						pct := 0.0
						if total > 0 {
							pct = float64(written) / float64(total) * 100
						}
						progress(i, len(pending), f.Path, pct)
					}
				}
				if err := s.downloadFile(gctx, modelID, quantization, f.Path, full, cb); err != nil {
					return err
				}
				sum, err := sha1Hex(full)
				if err != nil {
					return llm.Wrap(llm.KindNetwork, err)
				}
				if !strings.EqualFold(sum, f.SHA1) {
					_ = os.Remove(full)
					return llm.New(llm.KindChecksumMismatch, "checksum mismatch for "+f.Path)
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			log.Error().Err(err).Str("model_id", modelID).Msg("modelcache_resolve_failed")
			return Record{}, err
		}
	}

	totalBytes = 0
	for _, f := range manifest.Files {
		if info, err := os.Stat(filepath.Join(dir, f.Path)); err == nil {
			totalBytes += info.Size()
		}
	}

	return Record{
		ModelID:      modelID,
		Quantization: quantization,
		Device:       device.Kind,
		RootDir:      dir,
		ManifestPath: manifestPath,
		LibPath:      filepath.Join(dir, manifest.Lib),
		TotalBytes:   totalBytes,
	}, nil
}

// downloadFile GETs <models_url>/<escaped_id>/<quantization>/<name> into dst,
// resuming from dst's current size via Range, per spec.md §4.A steps 4-5.
func (s *Store) downloadFile(ctx context.Context, modelID, quantization, name, dst string, onChunk func(written, total int64)) error {
	if s.cancelled.Load() {
		return llm.New(llm.KindInterrupted, "download cancelled before start")
	}

	url := fmt.Sprintf("%s/%s/%s/%s", s.modelsURL, escapeModelID(modelID), quantization, name)

	var resumeFrom int64
	if info, err := os.Stat(dst); err == nil {
		resumeFrom = info.Size()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return llm.Wrap(llm.KindNetwork, err)
	}
	if resumeFrom > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", resumeFrom))
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return llm.Wrap(llm.KindNetwork, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		resumeFrom = 0
	case http.StatusPartialContent:
		// server honored the Range request; keep resumeFrom as-is.
	default:
		return llm.New(llm.KindNetwork, fmt.Sprintf("download %s: status %d", name, resp.StatusCode))
	}

	flags := os.O_CREATE | os.O_WRONLY
	if resumeFrom > 0 {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}
	f, err := os.OpenFile(dst, flags, 0o644)
	if err != nil {
		return llm.Wrap(llm.KindNetwork, err)
	}
	defer f.Close()

	total := resumeFrom + resp.ContentLength
	written := resumeFrom
	buf := make([]byte, 256*1024)
	for {
		if s.cancelled.Load() {
			return llm.New(llm.KindInterrupted, "download cancelled: "+name)
		}
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := f.Write(buf[:n]); werr != nil {
				return llm.Wrap(llm.KindNetwork, werr)
			}
			written += int64(n)
			if onChunk != nil {
				onChunk(written, total)
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return llm.Wrap(llm.KindNetwork, readErr)
		}
	}
	return nil
}

// ListLocal enumerates usable on-disk models, supplementing spec.md §6's
// public API surface with a concrete implementation (SPEC_FULL.md
// SUPPLEMENTED FEATURES).
func (s *Store) ListLocal() ([]Record, error) {
	base := filepath.Join(s.rootDir, "tvm-models")
	entries, err := os.ReadDir(base)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var out []Record
	for _, modelEntry := range entries {
		if !modelEntry.IsDir() {
			continue
		}
		modelDir := filepath.Join(base, modelEntry.Name())
		quantEntries, err := os.ReadDir(modelDir)
		if err != nil {
			continue
		}
		for _, q := range quantEntries {
			if !q.IsDir() {
				continue
			}
			quantDir := filepath.Join(modelDir, q.Name())
			manifests, _ := filepath.Glob(filepath.Join(quantDir, "manifest-*.json"))
			for _, mp := range manifests {
				data, err := os.ReadFile(mp)
				if err != nil {
					continue
				}
				var manifest Manifest
				if err := json.Unmarshal(data, &manifest); err != nil {
					continue
				}
				if manifest.Validate() != nil {
					continue
				}
				ready := true
				var totalBytes int64
				for _, f := range manifest.Files {
					full := filepath.Join(quantDir, f.Path)
					info, statErr := os.Stat(full)
					if statErr != nil {
						ready = false
						break
					}
					totalBytes += info.Size()
				}
				if !ready {
					continue
				}
				out = append(out, Record{
					ModelID:      strings.ReplaceAll(modelEntry.Name(), "--", "/"),
					Quantization: q.Name(),
					RootDir:      quantDir,
					ManifestPath: mp,
					LibPath:      filepath.Join(quantDir, manifest.Lib),
					TotalBytes:   totalBytes,
				})
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ModelID < out[j].ModelID })
	return out, nil
}

// Remove deletes a model directory, optionally scoped to one quantization.
func (s *Store) Remove(modelID string, quantization string) (bool, error) {
	var target string
	if quantization != "" {
		dir, err := s.modelDir(modelID, quantization)
		if err != nil {
			return false, err
		}
		target = dir
	} else {
		modelSeg, err := validation.PathSegment(escapeModelID(modelID))
		if err != nil {
			return false, llm.Wrap(llm.KindNoSuchModel, fmt.Errorf("invalid model id %q: %w", modelID, err))
		}
		target = filepath.Join(s.rootDir, "tvm-models", modelSeg)
	}
	if _, err := os.Stat(target); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	if err := os.RemoveAll(target); err != nil {
		return false, err
	}
	return true, nil
}
