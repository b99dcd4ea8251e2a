// Package settings manages the replicated resilience settings singleton:
// the sync toggle, the desktop mode and the vault epoch.
package settings

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kalambet/twinsync/internal/capture"
	"github.com/kalambet/twinsync/internal/entity"
	"github.com/kalambet/twinsync/internal/storage"
)

const (
	Label = "resilience.settings"
	rowPK = "1"

	ModeLocalPrimary  = "local-primary"
	ModeRemotePrimary = "remote-primary"
)

type Settings struct {
	Enabled     bool      `json:"enabled"`
	DesktopMode string    `json:"desktop_mode"`
	VaultEpoch  int64     `json:"vault_epoch"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Entity describes the settings table.
func Entity() *entity.Entity {
	return entity.Table(Label, "resilience_settings", "id", "updated_at",
		entity.Field{Name: "id", Kind: entity.KindInt},
		entity.Field{Name: "enabled", Kind: entity.KindBool},
		entity.Field{Name: "desktop_mode", Kind: entity.KindString},
		entity.Field{Name: "vault_epoch", Kind: entity.KindInt},
		entity.Field{Name: "updated_at", Kind: entity.KindDateTime},
	)
}

// Register adds the settings entity to r.
func Register(r *entity.Registry) error {
	return r.Register(Entity())
}

// ValidMode reports whether mode is a known desktop mode.
func ValidMode(mode string) bool {
	return mode == ModeLocalPrimary || mode == ModeRemotePrimary
}

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Manager gives cached access to the settings row. Writes go through the
// capture gateway, so they replicate like any other entity.
type Manager struct {
	store    *storage.Store
	gateway  *capture.Gateway
	ent      *entity.Entity
	defaults Settings
	clock    Clock
	ttl      time.Duration
	logger   *slog.Logger

	mu       sync.RWMutex
	cached   *Settings
	cachedAt time.Time
}

// NewManager creates a Manager with a 5-second cache TTL. defaults apply
// until the row is first written.
func NewManager(store *storage.Store, gateway *capture.Gateway, defaults Settings, logger *slog.Logger) (*Manager, error) {
	return NewManagerWithClock(store, gateway, defaults, realClock{}, 5*time.Second, logger)
}

// NewManagerWithClock creates a Manager with a custom clock (for testing).
func NewManagerWithClock(store *storage.Store, gateway *capture.Gateway, defaults Settings, clock Clock, ttl time.Duration, logger *slog.Logger) (*Manager, error) {
	ent, ok := gateway.Registry().Lookup(Label)
	if !ok {
		ent = Entity()
		if err := gateway.Registry().Register(ent); err != nil {
			return nil, err
		}
	}
	if defaults.DesktopMode == "" {
		defaults.DesktopMode = ModeLocalPrimary
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:    store,
		gateway:  gateway,
		ent:      ent,
		defaults: defaults,
		clock:    clock,
		ttl:      ttl,
		logger:   logger,
	}, nil
}

// Get returns the current settings.
func (m *Manager) Get(ctx context.Context) (Settings, error) {
	m.mu.RLock()
	if m.cached != nil && m.clock.Now().Before(m.cachedAt.Add(m.ttl)) {
		s := *m.cached
		m.mu.RUnlock()
		return s, nil
	}
	m.mu.RUnlock()

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cached != nil && m.clock.Now().Before(m.cachedAt.Add(m.ttl)) {
		return *m.cached, nil
	}

	s, err := m.load(ctx)
	if err != nil {
		return Settings{}, err
	}
	m.cached = &s
	m.cachedAt = m.clock.Now()
	return s, nil
}

// Enabled reports the sync toggle.
func (m *Manager) Enabled(ctx context.Context) (bool, error) {
	s, err := m.Get(ctx)
	return s.Enabled, err
}

// Invalidate drops the cached value.
func (m *Manager) Invalidate() {
	m.mu.Lock()
	m.cached = nil
	m.mu.Unlock()
}

func (m *Manager) load(ctx context.Context) (Settings, error) {
	rec, err := m.ent.Load(ctx, m.store.Querier(), rowPK)
	if errors.Is(err, entity.ErrNotFound) {
		return m.defaults, nil
	}
	if err != nil {
		return Settings{}, fmt.Errorf("loading settings: %w", err)
	}
	return fromRecord(rec, m.defaults), nil
}

func fromRecord(rec entity.Record, defaults Settings) Settings {
	s := defaults
	if v, ok := rec["enabled"].(bool); ok {
		s.Enabled = v
	}
	if v, ok := rec["desktop_mode"].(string); ok && v != "" {
		s.DesktopMode = v
	}
	if v, ok := rec["vault_epoch"].(int64); ok {
		s.VaultEpoch = v
	}
	if v, ok := rec["updated_at"].(time.Time); ok {
		s.UpdatedAt = v
	}
	return s
}

func (m *Manager) update(ctx context.Context, mutate func(*Settings)) (Settings, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, err := m.load(ctx)
	if err != nil {
		return Settings{}, err
	}
	mutate(&s)
	rec, err := m.gateway.Save(ctx, Label, entity.Record{
		"id":           int64(1),
		"enabled":      s.Enabled,
		"desktop_mode": s.DesktopMode,
		"vault_epoch":  s.VaultEpoch,
	})
	if err != nil {
		return Settings{}, fmt.Errorf("saving settings: %w", err)
	}
	s = fromRecord(rec, m.defaults)
	m.cached = nil
	m.logger.Info("sync settings updated", "enabled", s.Enabled, "desktop_mode", s.DesktopMode, "epoch", s.VaultEpoch)
	return s, nil
}

// SetEnabled turns publishing of local writes on or off.
func (m *Manager) SetEnabled(ctx context.Context, enabled bool) (Settings, error) {
	return m.update(ctx, func(s *Settings) { s.Enabled = enabled })
}

// SetDesktopMode records which node the desktop treats as primary.
func (m *Manager) SetDesktopMode(ctx context.Context, mode string) (Settings, error) {
	if !ValidMode(mode) {
		return Settings{}, fmt.Errorf("invalid desktop mode %q", mode)
	}
	return m.update(ctx, func(s *Settings) { s.DesktopMode = mode })
}

// BumpEpoch starts a new vault epoch: every peer cursor is reset, the
// media manifest is cleared, and the changelog is re-seeded from current
// rows so the peer can converge again from scratch.
func (m *Manager) BumpEpoch(ctx context.Context) (Settings, int, error) {
	s, err := m.update(ctx, func(s *Settings) { s.VaultEpoch++ })
	if err != nil {
		return Settings{}, 0, err
	}
	if err := m.store.ResetCursors(ctx); err != nil {
		return s, 0, fmt.Errorf("resetting cursors: %w", err)
	}
	if _, err := m.store.ClearMediaManifest(ctx); err != nil {
		return s, 0, fmt.Errorf("clearing media manifest: %w", err)
	}
	n, err := m.gateway.Bootstrap(ctx, true)
	if err != nil {
		return s, n, fmt.Errorf("bootstrapping changelog: %w", err)
	}
	m.logger.Info("vault epoch bumped", "epoch", s.VaultEpoch, "bootstrapped", n)
	return s, n, nil
}
