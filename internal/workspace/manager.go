// Package workspace hands out per-user bundles of live stores. A workspace
// is created on first use, shared by every connection of the same user, and
// disposed when the user signs out or goes idle.
package workspace

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/efox/shoplist/internal/docstore"
	"github.com/efox/shoplist/internal/store"
)

// Workspace bundles the live stores keyed to one user identity.
type Workspace struct {
	UID   string
	Lists *store.ListStore
	Items *store.ItemStore

	ctx      context.Context
	refs     int
	lastUsed time.Time
}

// Context returns the workspace's lifecycle context. Subscriptions opened
// on behalf of the workspace must use it rather than a request context:
// net/http cancels the request context when the handler returns, which
// would tear the subscription down while the workspace lives on.
func (w *Workspace) Context() context.Context {
	return w.ctx
}

// Manager owns every active workspace.
type Manager struct {
	docs   docstore.Store
	logger *slog.Logger
	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	workspaces map[string]*Workspace
}

func NewManager(docs docstore.Store, logger *slog.Logger) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		docs:       docs,
		logger:     logger,
		ctx:        ctx,
		cancel:     cancel,
		workspaces: make(map[string]*Workspace),
	}
}

// Get returns the workspace for uid, creating and subscribing it on first
// use. The subscriptions live until the workspace is disposed, not until
// the call that created it returns.
func (m *Manager) Get(uid string) (*Workspace, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if ws, ok := m.workspaces[uid]; ok {
		ws.lastUsed = time.Now()
		return ws, nil
	}

	lists := store.NewListStore(m.docs, m.logger)
	if err := lists.SetIdentity(m.ctx, uid); err != nil {
		lists.Close()
		return nil, err
	}
	items := store.NewItemStore(m.docs, lists, m.logger)

	ws := &Workspace{
		UID:      uid,
		Lists:    lists,
		Items:    items,
		ctx:      m.ctx,
		lastUsed: time.Now(),
	}
	m.workspaces[uid] = ws
	m.logger.Info("workspace created", "uid", uid)
	return ws, nil
}

// Attach pins a workspace against idle eviction while a long-lived
// connection uses it.
func (m *Manager) Attach(uid string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ws, ok := m.workspaces[uid]; ok {
		ws.refs++
		ws.lastUsed = time.Now()
	}
}

// Detach releases a pin taken by Attach.
func (m *Manager) Detach(uid string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ws, ok := m.workspaces[uid]; ok && ws.refs > 0 {
		ws.refs--
		ws.lastUsed = time.Now()
	}
}

// Dispose tears down a user's workspace. Pinned workspaces are left alone;
// their connections are about to be closed by the caller anyway and the
// idle sweep collects the remains.
func (m *Manager) Dispose(uid string) {
	m.mu.Lock()
	ws, ok := m.workspaces[uid]
	if !ok || ws.refs > 0 {
		m.mu.Unlock()
		return
	}
	delete(m.workspaces, uid)
	m.mu.Unlock()

	ws.Items.Close()
	ws.Lists.Close()
	m.logger.Info("workspace disposed", "uid", uid)
}

// EvictIdle disposes unpinned workspaces untouched for longer than maxIdle.
// Returns the number evicted.
func (m *Manager) EvictIdle(maxIdle time.Duration) int {
	cutoff := time.Now().Add(-maxIdle)

	m.mu.Lock()
	var evicted []*Workspace
	for uid, ws := range m.workspaces {
		if ws.refs == 0 && ws.lastUsed.Before(cutoff) {
			delete(m.workspaces, uid)
			evicted = append(evicted, ws)
		}
	}
	m.mu.Unlock()

	for _, ws := range evicted {
		ws.Items.Close()
		ws.Lists.Close()
		m.logger.Info("workspace evicted", "uid", ws.UID)
	}
	return len(evicted)
}

// Count reports the number of active workspaces.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.workspaces)
}

// Close disposes every workspace.
func (m *Manager) Close() {
	m.cancel()

	m.mu.Lock()
	all := make([]*Workspace, 0, len(m.workspaces))
	for _, ws := range m.workspaces {
		all = append(all, ws)
	}
	m.workspaces = make(map[string]*Workspace)
	m.mu.Unlock()

	for _, ws := range all {
		ws.Items.Close()
		ws.Lists.Close()
	}
}
