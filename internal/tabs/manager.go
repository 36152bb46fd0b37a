package tabs

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/neboloop/tabrelay/internal/db"
	"github.com/neboloop/tabrelay/internal/logging"
)

// Manager keeps the tab snapshot in memory and mirrors it, plus cookies and HTML
// assembly state, into the store.
type Manager struct {
	store *db.Store
	log   *zap.Logger
	now   func() time.Time

	mu     sync.RWMutex
	tabs   []Tab
	active ID
}

// NewManager creates a Manager. Call Load to pick up persisted tabs.
func NewManager(store *db.Store, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = logging.Named("tabs")
	}
	return &Manager{store: store, log: logger, now: time.Now}
}

// Load reads persisted tabs into memory.
func (m *Manager) Load(ctx context.Context) error {
	rows, err := m.store.All(ctx, `SELECT * FROM tabs ORDER BY window_id, position`)
	if err != nil {
		return fmt.Errorf("load tabs: %w", err)
	}
	tabs := make([]Tab, 0, len(rows))
	var active ID
	for _, r := range rows {
		t := Tab{
			ID:         ID(r.String("id")),
			URL:        r.String("url"),
			Title:      r.String("title"),
			Active:     r.Bool("active"),
			WindowID:   ID(r.String("window_id")),
			Position:   r.Int("position"),
			FavIconURL: r.String("favicon"),
			Status:     r.String("status"),
		}
		if t.Active && active == "" {
			active = t.ID
		}
		tabs = append(tabs, t)
	}

	m.mu.Lock()
	m.tabs = tabs
	m.active = active
	m.mu.Unlock()
	return nil
}

// GetTabs returns a copy of the current snapshot.
func (m *Manager) GetTabs() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Tab, len(m.tabs))
	copy(out, m.tabs)
	return Snapshot{Tabs: out, ActiveTabID: m.active}
}

type slot struct {
	window   ID
	position int
}

// UpdateTabs replaces the persisted tab set with tabs. When activeTabID is empty the
// first tab flagged active is used. A tab repeating an earlier id or window slot is
// dropped from both memory and the store.
func (m *Manager) UpdateTabs(ctx context.Context, tabs []Tab, activeTabID ID) error {
	normalized := make([]Tab, 0, len(tabs))
	ids := make(map[ID]struct{}, len(tabs))
	slots := make(map[slot]ID, len(tabs))
	for _, t := range tabs {
		if t.ID == "" {
			m.log.Warn("dropping tab without id", zap.String("url", t.URL))
			continue
		}
		if _, dup := ids[t.ID]; dup {
			m.log.Warn("dropping duplicate tab", zap.String("tab", t.ID.String()))
			continue
		}
		at := slot{window: t.WindowID, position: t.Position}
		if holder, taken := slots[at]; taken {
			m.log.Warn("dropping tab with taken position",
				zap.String("tab", t.ID.String()), zap.String("holder", holder.String()),
				zap.String("window", t.WindowID.String()), zap.Int("position", t.Position))
			continue
		}
		ids[t.ID] = struct{}{}
		slots[at] = t.ID
		normalized = append(normalized, normalizeTab(t))
	}
	if activeTabID == "" {
		for _, t := range normalized {
			if t.Active {
				activeTabID = t.ID
				break
			}
		}
	}
	found := false
	for i := range normalized {
		normalized[i].Active = normalized[i].ID == activeTabID
		found = found || normalized[i].Active
	}
	if !found {
		activeTabID = ""
	}

	now := db.NowMillis(m.now())
	err := m.store.WithTx(ctx, func(tx *db.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM tabs`); err != nil {
			return err
		}
		for _, t := range normalized {
			var favicon any
			if t.FavIconURL != "" {
				favicon = t.FavIconURL
			}
			if _, err := tx.Exec(ctx,
				`INSERT INTO tabs
				     (id, url, title, active, window_id, position, favicon, status, created_at, updated_at)
				 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				string(t.ID), t.URL, t.Title, t.Active, string(t.WindowID), t.Position,
				favicon, t.Status, now, now); err != nil {
				return fmt.Errorf("tab %s: %w", t.ID, err)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("update tabs: %w", err)
	}

	m.mu.Lock()
	m.tabs = normalized
	m.active = activeTabID
	m.mu.Unlock()
	return nil
}

func normalizeTab(t Tab) Tab {
	if strings.TrimSpace(t.URL) == "" {
		t.URL = "about:blank"
	}
	switch t.Status {
	case StatusLoading, StatusComplete, StatusError:
	default:
		t.Status = StatusComplete
	}
	return t
}
