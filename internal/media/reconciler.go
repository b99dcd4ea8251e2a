package media

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/spf13/afero"

	"github.com/kalambet/twinsync/internal/codec"
	"github.com/kalambet/twinsync/internal/storage"
)

const (
	DefaultContentLimit = 5 << 20
	// DefaultRefreshAge is how old a manifest may get before a manifest
	// request triggers a rescan.
	DefaultRefreshAge = 30 * time.Second
)

type Options struct {
	Root         string
	NodeID       string
	Backend      string
	BaseURL      string
	ContentLimit int64
	Logger       *slog.Logger
}

// Reconciler maintains the manifest for one media root.
type Reconciler struct {
	fs           afero.Fs
	store        *storage.Store
	root         string
	nodeID       string
	backend      string
	baseURL      string
	contentLimit int64
	logger       *slog.Logger
	now          func() time.Time

	mu          sync.Mutex
	lastRefresh time.Time
	lastStamp   time.Time
}

func NewReconciler(fs afero.Fs, store *storage.Store, opts Options) *Reconciler {
	if opts.Backend == "" {
		opts.Backend = BackendLocal
	}
	if opts.ContentLimit <= 0 {
		opts.ContentLimit = DefaultContentLimit
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Reconciler{
		fs:           fs,
		store:        store,
		root:         filepath.Clean(opts.Root),
		nodeID:       opts.NodeID,
		backend:      opts.Backend,
		baseURL:      strings.TrimRight(opts.BaseURL, "/"),
		contentLimit: opts.ContentLimit,
		logger:       opts.Logger,
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// ContentLimit is the largest file this node will inline in a fetch.
func (r *Reconciler) ContentLimit() int64 { return r.contentLimit }

type RefreshStats struct {
	Scanned int `json:"scanned"`
	Updated int `json:"updated"`
}

// Refresh walks the media root and upserts manifest entries whose tracked
// attributes changed. Unchanged files are left alone.
func (r *Reconciler) Refresh(ctx context.Context) (RefreshStats, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var stats RefreshStats
	exists, err := afero.DirExists(r.fs, r.root)
	if err != nil {
		return stats, fmt.Errorf("checking media root: %w", err)
	}
	if !exists {
		r.lastRefresh = r.now()
		return stats, nil
	}

	err = afero.Walk(r.fs, r.root, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(r.root, p)
		if err != nil {
			return err
		}
		stats.Scanned++
		updated, err := r.refreshFile(ctx, filepath.ToSlash(rel), p, info)
		if err != nil {
			return err
		}
		if updated {
			stats.Updated++
		}
		return nil
	})
	if err != nil {
		return stats, fmt.Errorf("scanning media root: %w", err)
	}
	r.lastRefresh = r.now()
	if stats.Updated > 0 {
		r.logger.Info("media manifest refreshed", "scanned", stats.Scanned, "updated", stats.Updated)
	}
	return stats, nil
}

// RefreshIfStale refreshes when the last scan is older than maxAge and
// reports whether it did.
func (r *Reconciler) RefreshIfStale(ctx context.Context, maxAge time.Duration) (bool, error) {
	r.mu.Lock()
	fresh := !r.lastRefresh.IsZero() && r.now().Sub(r.lastRefresh) < maxAge
	r.mu.Unlock()
	if fresh {
		return false, nil
	}
	if _, err := r.Refresh(ctx); err != nil {
		return false, err
	}
	return true, nil
}

func (r *Reconciler) refreshFile(ctx context.Context, rel, full string, info os.FileInfo) (bool, error) {
	sum, err := r.checksumFile(full)
	if err != nil {
		return false, err
	}
	entry := storage.MediaEntry{
		Path:           rel,
		Checksum:       sum,
		Size:           info.Size(),
		ModifiedAt:     info.ModTime().UTC(),
		Encrypted:      strings.HasSuffix(rel, EncryptedSuffix),
		StorageBackend: r.backend,
		SourceNode:     r.nodeID,
	}

	existing, err := r.store.GetMediaEntry(ctx, rel)
	switch {
	case errors.Is(err, storage.ErrNotFound):
	case err != nil:
		return false, err
	default:
		if existing.Checksum == entry.Checksum {
			entry.SourceNode = existing.SourceNode
		}
		if sameEntry(existing, entry) {
			return false, nil
		}
	}
	entry.UpdatedAt = r.stamp()
	return true, r.store.UpsertMediaEntry(ctx, entry)
}

func sameEntry(a, b storage.MediaEntry) bool {
	return a.Checksum == b.Checksum &&
		a.Size == b.Size &&
		a.ModifiedAt.Equal(b.ModifiedAt) &&
		a.Encrypted == b.Encrypted &&
		a.StorageBackend == b.StorageBackend &&
		a.SourceNode == b.SourceNode
}

// stamp returns a strictly increasing updated_at so that paging by
// watermark never splits entries sharing a timestamp. Caller holds mu.
func (r *Reconciler) stamp() time.Time {
	t := r.now()
	if !t.After(r.lastStamp) {
		t = r.lastStamp.Add(time.Microsecond)
	}
	r.lastStamp = t
	return t
}

func (r *Reconciler) checksumFile(full string) (string, error) {
	f, err := r.fs.Open(full)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hashing %s: %w", full, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Manifest returns entries updated after the watermark, oldest first.
func (r *Reconciler) Manifest(ctx context.Context, after time.Time, limit int) ([]ManifestItem, error) {
	entries, err := r.store.MediaEntriesAfter(ctx, after, limit)
	if err != nil {
		return nil, err
	}
	items := make([]ManifestItem, len(entries))
	for i, e := range entries {
		items[i] = ManifestItem{
			Path:           e.Path,
			Checksum:       e.Checksum,
			Size:           e.Size,
			ModifiedAt:     codec.FormatTime(e.ModifiedAt),
			Encrypted:      e.Encrypted,
			StorageBackend: e.StorageBackend,
			SourceNode:     e.SourceNode,
			UpdatedAt:      codec.FormatTime(e.UpdatedAt),
			URL:            r.url(e.Path),
		}
	}
	return items, nil
}

func (r *Reconciler) url(rel string) string {
	if r.baseURL == "" {
		return ""
	}
	return r.baseURL + "/" + rel
}

// Clean validates a manifest path and returns its normalized form.
func Clean(p string) (string, error) {
	p = strings.ReplaceAll(p, "\\", "/")
	if p == "" || strings.HasPrefix(p, "/") {
		return "", ErrInvalidPath
	}
	clean := path.Clean(p)
	if clean == "." || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", ErrInvalidPath
	}
	return clean, nil
}

func (r *Reconciler) fullPath(rel string) string {
	return filepath.Join(r.root, filepath.FromSlash(rel))
}

// Fetch reports existence and size for each path. Content is included
// only when requested and the file fits under both the requested limit
// and this node's ceiling.
func (r *Reconciler) Fetch(ctx context.Context, req FetchRequest) ([]FetchItem, error) {
	limit := r.contentLimit
	if req.ContentSizeLimit > 0 && req.ContentSizeLimit < limit {
		limit = req.ContentSizeLimit
	}

	items := make([]FetchItem, 0, len(req.Paths))
	for _, p := range req.Paths {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rel, err := Clean(p)
		if err != nil {
			items = append(items, FetchItem{Path: p, Error: err.Error()})
			continue
		}
		item := FetchItem{Path: rel}
		info, err := r.fs.Stat(r.fullPath(rel))
		if err != nil || info.IsDir() {
			items = append(items, item)
			continue
		}
		item.Exists = true
		item.Size = info.Size()
		item.URL = r.url(rel)
		if e, err := r.store.GetMediaEntry(ctx, rel); err == nil {
			item.Checksum = e.Checksum
		}

		if req.IncludeContent {
			if info.Size() > limit {
				item.ContentOmitted = true
			} else {
				data, err := afero.ReadFile(r.fs, r.fullPath(rel))
				if err != nil {
					return nil, fmt.Errorf("reading %s: %w", rel, err)
				}
				sum := sha256.Sum256(data)
				item.Checksum = hex.EncodeToString(sum[:])
				item.Content = base64.StdEncoding.EncodeToString(data)
			}
		}
		items = append(items, item)
	}
	return items, nil
}

// storeFile writes a file received from a peer and records it in the manifest
// with the peer's source node, so the next local scan leaves it alone.
func (r *Reconciler) storeFile(ctx context.Context, item ManifestItem, data []byte) error {
	rel, err := Clean(item.Path)
	if err != nil {
		return err
	}
	full := r.fullPath(rel)
	if err := r.fs.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return err
	}
	if err := afero.WriteFile(r.fs, full, data, 0o644); err != nil {
		return err
	}
	modified, err := codec.ParseTime(item.ModifiedAt)
	if err == nil {
		if err := r.fs.Chtimes(full, modified, modified); err != nil {
			r.logger.Debug("preserving media mtime failed", "path", rel, "error", err)
		}
	}
	info, err := r.fs.Stat(full)
	if err != nil {
		return err
	}
	sum := sha256.Sum256(data)

	r.mu.Lock()
	defer r.mu.Unlock()
	return r.store.UpsertMediaEntry(ctx, storage.MediaEntry{
		Path:           rel,
		Checksum:       hex.EncodeToString(sum[:]),
		Size:           info.Size(),
		ModifiedAt:     info.ModTime().UTC(),
		Encrypted:      strings.HasSuffix(rel, EncryptedSuffix),
		StorageBackend: r.backend,
		SourceNode:     item.SourceNode,
		UpdatedAt:      r.stamp(),
	})
}
