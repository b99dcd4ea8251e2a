package media

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kalambet/twinsync/internal/codec"
	"github.com/kalambet/twinsync/internal/storage"
)

// Source is a peer's media endpoint; replication.Client implements it.
type Source interface {
	MediaManifest(ctx context.Context, after time.Time, limit int, refresh bool) (ManifestResponse, error)
	MediaFetch(ctx context.Context, req FetchRequest) (FetchResponse, error)
}

// PeerResolver yields the peer's node id, which keys the media watermark.
type PeerResolver interface {
	PeerID(ctx context.Context) (string, error)
}

// Puller copies files listed in the peer's manifest that are missing or
// different locally.
type Puller struct {
	rec    *Reconciler
	store  *storage.Store
	source Source
	peer   PeerResolver
	batch  int
	logger *slog.Logger
}

func NewPuller(rec *Reconciler, store *storage.Store, source Source, peer PeerResolver, batch int, logger *slog.Logger) *Puller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Puller{rec: rec, store: store, source: source, peer: peer, batch: storage.ClampLimit(batch), logger: logger}
}

type PullStats struct {
	Listed  int `json:"listed"`
	Copied  int `json:"copied"`
	Skipped int `json:"skipped"`
	Failed  int `json:"failed"`
}

// PullOnce reads one page of the peer's manifest past the stored
// watermark, copies what is missing, then advances the watermark to the
// newest entry listed. Files that fail to copy are logged, not retried.
func (p *Puller) PullOnce(ctx context.Context) (PullStats, error) {
	var stats PullStats
	peerID, err := p.peer.PeerID(ctx)
	if err != nil {
		return stats, err
	}
	cur, err := p.store.GetCursor(ctx, peerID)
	if err != nil {
		return stats, fmt.Errorf("loading cursor: %w", err)
	}

	manifest, err := p.source.MediaManifest(ctx, cur.LastMediaAt, p.batch, true)
	if err != nil {
		return stats, fmt.Errorf("fetching manifest from %s: %w", peerID, err)
	}
	stats.Listed = len(manifest.Items)
	if len(manifest.Items) == 0 {
		return stats, nil
	}

	want := make(map[string]ManifestItem)
	var paths []string
	watermark := cur.LastMediaAt
	for _, item := range manifest.Items {
		if ts, err := codec.ParseTime(item.UpdatedAt); err == nil && ts.After(watermark) {
			watermark = ts
		}
		local, err := p.store.GetMediaEntry(ctx, item.Path)
		if err == nil && local.Checksum == item.Checksum {
			stats.Skipped++
			continue
		}
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return stats, err
		}
		if item.Size > p.rec.ContentLimit() {
			p.logger.Warn("media file too large to copy inline", "path", item.Path, "size", item.Size)
			stats.Skipped++
			continue
		}
		want[item.Path] = item
		paths = append(paths, item.Path)
	}

	if len(paths) > 0 {
		resp, err := p.source.MediaFetch(ctx, FetchRequest{Paths: paths, IncludeContent: true, ContentSizeLimit: p.rec.ContentLimit()})
		if err != nil {
			return stats, fmt.Errorf("fetching media from %s: %w", peerID, err)
		}
		for _, fi := range resp.Items {
			item, ok := want[fi.Path]
			if !ok {
				continue
			}
			if err := p.copy(ctx, item, fi); err != nil {
				p.logger.Warn("media copy failed", "path", fi.Path, "error", err)
				stats.Failed++
				continue
			}
			stats.Copied++
		}
	}

	if err := p.store.MarkMediaPulled(ctx, peerID, watermark); err != nil {
		return stats, fmt.Errorf("advancing media cursor: %w", err)
	}
	return stats, nil
}

func (p *Puller) copy(ctx context.Context, item ManifestItem, fi FetchItem) error {
	if !fi.Exists {
		return errors.New("missing on peer")
	}
	if fi.ContentOmitted || fi.Content == "" && fi.Size > 0 {
		return errors.New("peer omitted content")
	}
	data, err := base64.StdEncoding.DecodeString(fi.Content)
	if err != nil {
		return fmt.Errorf("decoding content: %w", err)
	}
	sum := sha256.Sum256(data)
	if got := hex.EncodeToString(sum[:]); got != item.Checksum {
		return fmt.Errorf("checksum mismatch: got %s, manifest %s", got, item.Checksum)
	}
	return p.rec.storeFile(ctx, item, data)
}
