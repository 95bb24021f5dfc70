// Package store holds the live aggregate stores: ListStore mirrors the
// signed-in user's shopping lists, ItemStore mirrors the items of the one
// active list and writes derived aggregates back to the owning list. Both
// are fed by filtered docstore subscriptions that replace local state
// wholesale on every snapshot.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/efox/shoplist/internal/docstore"
	"github.com/efox/shoplist/internal/model"
)

const listCollection = "shoppingLists"

// Fixed domain errors surfaced to callers. The underlying cause is logged
// but deliberately not wrapped; callers treat every remote failure the same.
var (
	ErrNoIdentity = errors.New("no signed-in user")
	ErrCreateList = errors.New("failed to create shopping list")
	ErrUpdateList = errors.New("failed to update shopping list")
	ErrDeleteList = errors.New("failed to delete shopping list")
)

// ListStore keeps the set of lists owned by one user identity live.
type ListStore struct {
	docs   docstore.Store
	logger *slog.Logger

	mu          sync.RWMutex
	uid         string
	lists       []model.ShoppingList
	loading     bool
	gen         int
	cancel      func()
	watchers    map[int]func([]model.ShoppingList)
	nextWatcher int
}

func NewListStore(docs docstore.Store, logger *slog.Logger) *ListStore {
	return &ListStore{
		docs:     docs,
		logger:   logger,
		watchers: make(map[int]func([]model.ShoppingList)),
	}
}

// SetIdentity re-keys the live subscription. Any prior subscription is torn
// down first; uid == "" leaves the store empty and unsubscribed.
func (s *ListStore) SetIdentity(ctx context.Context, uid string) error {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.gen++
	gen := s.gen
	s.uid = uid
	s.lists = nil
	s.loading = uid != ""
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if uid == "" {
		s.notifyWatchers(nil)
		return nil
	}

	cancelFn, err := s.docs.Subscribe(ctx, listCollection, docstore.Where("userId", uid),
		func(docs []docstore.Document) { s.applySnapshot(gen, docs) },
		func(err error) { s.logger.Error("lists subscription", "uid", uid, "error", err) },
	)
	if err != nil {
		s.mu.Lock()
		s.loading = false
		s.mu.Unlock()
		return fmt.Errorf("subscribe lists: %w", err)
	}

	s.mu.Lock()
	if s.gen != gen {
		// Identity changed while subscribing.
		s.mu.Unlock()
		cancelFn()
		return nil
	}
	s.cancel = cancelFn
	s.mu.Unlock()
	return nil
}

// Close tears down the subscription. The store is unusable afterwards.
func (s *ListStore) Close() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.gen++
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (s *ListStore) applySnapshot(gen int, docs []docstore.Document) {
	lists := make([]model.ShoppingList, 0, len(docs))
	for _, doc := range docs {
		l, err := scanListDoc(doc)
		if err != nil {
			s.logger.Error("scan list document", "error", err)
			continue
		}
		lists = append(lists, *l)
	}
	sort.Slice(lists, func(i, j int) bool {
		if !lists[i].CreatedAt.Equal(lists[j].CreatedAt) {
			return lists[i].CreatedAt.Before(lists[j].CreatedAt)
		}
		return lists[i].ID < lists[j].ID
	})

	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return
	}
	s.lists = lists
	s.loading = false
	s.mu.Unlock()

	s.notifyWatchers(lists)
}

// Lists returns the current snapshot.
func (s *ListStore) Lists() []model.ShoppingList {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.ShoppingList, len(s.lists))
	copy(out, s.lists)
	return out
}

// Get returns one list by id, or nil.
func (s *ListStore) Get(id string) *model.ShoppingList {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, l := range s.lists {
		if l.ID == id {
			out := l
			return &out
		}
	}
	return nil
}

// Loading reports whether the first snapshot for the current identity is
// still outstanding.
func (s *ListStore) Loading() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.loading
}

// UID returns the identity the store is keyed by.
func (s *ListStore) UID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.uid
}

// Watch registers an observer called with every applied snapshot. The
// returned function unregisters it.
func (s *ListStore) Watch(fn func([]model.ShoppingList)) func() {
	s.mu.Lock()
	id := s.nextWatcher
	s.nextWatcher++
	s.watchers[id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.watchers, id)
		s.mu.Unlock()
	}
}

func (s *ListStore) notifyWatchers(lists []model.ShoppingList) {
	s.mu.RLock()
	fns := make([]func([]model.ShoppingList), 0, len(s.watchers))
	for _, fn := range s.watchers {
		fns = append(fns, fn)
	}
	s.mu.RUnlock()

	for _, fn := range fns {
		fn(lists)
	}
}

// Create writes a new list owned by the current identity and returns its id.
// A non-positive budget means untracked: the budget field is omitted from
// the document entirely, not stored as zero.
func (s *ListStore) Create(ctx context.Context, name, color, icon string, budget float64, collaborators []string) (string, error) {
	s.mu.RLock()
	uid := s.uid
	s.mu.RUnlock()
	if uid == "" {
		return "", ErrNoIdentity
	}

	if collaborators == nil {
		collaborators = []string{}
	}
	doc := docstore.Document{
		"userId":         uid,
		"name":           name,
		"color":          color,
		"icon":           icon,
		"spent":          0.0,
		"itemCount":      0,
		"completedCount": 0,
		"status":         string(model.StatusNoBudget),
		"collaborators":  collaborators,
		"createdAt":      docstore.ServerTimestamp,
		"updatedAt":      docstore.ServerTimestamp,
	}
	if budget > 0 {
		doc["budget"] = budget
		doc["status"] = string(model.StatusOnBudget)
	}

	id, err := s.docs.Create(ctx, listCollection, doc)
	if err != nil {
		s.logger.Error("create list", "uid", uid, "error", err)
		return "", ErrCreateList
	}
	return id, nil
}

// Update merges partial fields into a list and stamps updatedAt.
func (s *ListStore) Update(ctx context.Context, id string, fields docstore.Document) error {
	merged := make(docstore.Document, len(fields)+1)
	for k, v := range fields {
		merged[k] = v
	}
	merged["updatedAt"] = docstore.ServerTimestamp

	if err := s.docs.Update(ctx, listCollection, id, merged); err != nil {
		s.logger.Error("update list", "list_id", id, "error", err)
		return ErrUpdateList
	}
	return nil
}

// Delete removes the list record. Items referencing it are not cascaded;
// they become orphans until PurgeOrphanedItems sweeps them.
func (s *ListStore) Delete(ctx context.Context, id string) error {
	if err := s.docs.Delete(ctx, listCollection, id); err != nil {
		s.logger.Error("delete list", "list_id", id, "error", err)
		return ErrDeleteList
	}
	return nil
}

func scanListDoc(doc docstore.Document) (*model.ShoppingList, error) {
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encode list doc: %w", err)
	}
	var l model.ShoppingList
	if err := json.Unmarshal(data, &l); err != nil {
		return nil, fmt.Errorf("decode list doc: %w", err)
	}
	return &l, nil
}
