package profile

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"k8s.io/utils/clock"

	"github.com/kalambet/scoutd/internal/storage"
)

// ProfileStore defines the storage operations the Manager needs.
// Implemented by storage.Store.
type ProfileStore interface {
	SaveProfile(p storage.ProfileRow) error
	GetProfile(id string) (*storage.ProfileRow, error)
	ListProfiles(activeOnly bool) ([]storage.ProfileRow, error)
}

type cacheEntry struct {
	profile  Profile
	cachedAt time.Time
}

// Manager provides cached, structured access to the scan profiles stored in
// SQLite.
type Manager struct {
	store ProfileStore
	clock clock.PassiveClock
	ttl   time.Duration

	mu     sync.RWMutex
	cached map[string]cacheEntry
}

// NewManager creates a Manager with a 60-second cache TTL.
func NewManager(store ProfileStore) *Manager {
	return NewManagerWithClock(store, clock.RealClock{}, 60*time.Second)
}

// NewManagerWithClock creates a Manager with a custom clock (for testing).
func NewManagerWithClock(store ProfileStore, clk clock.PassiveClock, ttl time.Duration) *Manager {
	return &Manager{
		store:  store,
		clock:  clk,
		ttl:    ttl,
		cached: make(map[string]cacheEntry),
	}
}

// Get returns the profile with id from the cache or storage. Missing
// profiles surface storage.ErrNotFound.
func (m *Manager) Get(id string) (Profile, error) {
	// Fast path: read lock for cache hit.
	m.mu.RLock()
	if e, ok := m.cached[id]; ok && m.fresh(e) {
		p := deepCopyProfile(&e.profile)
		m.mu.RUnlock()
		return p, nil
	}
	m.mu.RUnlock()

	m.mu.Lock()
	defer m.mu.Unlock()

	// Double-check after acquiring write lock.
	if e, ok := m.cached[id]; ok && m.fresh(e) {
		return deepCopyProfile(&e.profile), nil
	}

	row, err := m.store.GetProfile(id)
	if err != nil {
		return Profile{}, fmt.Errorf("loading profile %s: %w", id, err)
	}
	p, err := decodeRow(*row)
	if err != nil {
		return Profile{}, err
	}
	m.cached[id] = cacheEntry{profile: p, cachedAt: m.clock.Now()}
	return deepCopyProfile(&p), nil
}

// List returns all profiles, or only active ones. It always reads storage
// and refreshes the cache with what it finds.
func (m *Manager) List(activeOnly bool) ([]Profile, error) {
	rows, err := m.store.ListProfiles(activeOnly)
	if err != nil {
		return nil, fmt.Errorf("listing profiles: %w", err)
	}

	now := m.clock.Now()
	out := make([]Profile, 0, len(rows))

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, row := range rows {
		p, err := decodeRow(row)
		if err != nil {
			return nil, err
		}
		m.cached[p.ID] = cacheEntry{profile: p, cachedAt: now}
		out = append(out, deepCopyProfile(&p))
	}
	return out, nil
}

// Put validates and persists a profile, then invalidates its cache entry.
func (m *Manager) Put(p Profile) error {
	if err := p.Validate(); err != nil {
		return err
	}
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshalling profile %s: %w", p.ID, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.store.SaveProfile(storage.ProfileRow{
		ID:        p.ID,
		DataJSON:  string(data),
		IsActive:  p.IsActive,
		UpdatedAt: m.clock.Now(),
	}); err != nil {
		return fmt.Errorf("saving profile %s: %w", p.ID, err)
	}

	delete(m.cached, p.ID)
	return nil
}

// Invalidate drops every cached profile.
func (m *Manager) Invalidate() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cached = make(map[string]cacheEntry)
}

func (m *Manager) fresh(e cacheEntry) bool {
	return m.clock.Now().Before(e.cachedAt.Add(m.ttl))
}

func decodeRow(row storage.ProfileRow) (Profile, error) {
	var p Profile
	if err := json.Unmarshal([]byte(row.DataJSON), &p); err != nil {
		return Profile{}, fmt.Errorf("decoding profile %s: %w", row.ID, err)
	}
	// The row columns are authoritative for identity and activation.
	p.ID = row.ID
	p.IsActive = row.IsActive
	return p, nil
}
