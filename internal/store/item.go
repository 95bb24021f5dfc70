package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/efox/shoplist/internal/budget"
	"github.com/efox/shoplist/internal/docstore"
	"github.com/efox/shoplist/internal/model"
)

const itemCollection = "listItems"

var (
	ErrNoActiveList   = errors.New("no active list selected")
	ErrAddItem        = errors.New("failed to add item")
	ErrUpdateItem     = errors.New("failed to update item")
	ErrToggleItem     = errors.New("failed to toggle item")
	ErrDeleteItem     = errors.New("failed to delete item")
	ErrClearCompleted = errors.New("failed to clear completed items")
)

// NewItem carries the caller-supplied fields of an item to add. Quantity
// and Price are optional; absent values are omitted from the document.
type NewItem struct {
	Name     string
	Quantity *float64
	Unit     string
	Category string
	Note     string
	Price    *float64
}

// ItemStore mirrors the items of the one active list. A single mutex
// serializes every mutation together with its aggregate recomputation, so
// concurrent writers on the same list are queued rather than racing the
// derived counters.
type ItemStore struct {
	docs   docstore.Store
	lists  *ListStore
	logger *slog.Logger
	recon  *reconciler

	mu           sync.Mutex
	activeListID string
	items        []model.ListItem
	loading      bool
	gen          int
	cancel       func()
	watchers     map[int]func([]model.ListItem)
	nextWatcher  int
}

func NewItemStore(docs docstore.Store, lists *ListStore, logger *slog.Logger) *ItemStore {
	s := &ItemStore{
		docs:     docs,
		lists:    lists,
		logger:   logger,
		watchers: make(map[int]func([]model.ListItem)),
	}
	s.recon = newReconciler(s.repairAggregates, logger)
	return s
}

// SetActiveList switches the live item subscription to another list. Any
// prior subscription is torn down first; id == "" clears the selection.
func (s *ItemStore) SetActiveList(ctx context.Context, id string) error {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.gen++
	gen := s.gen
	s.activeListID = id
	s.items = nil
	s.loading = id != ""
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if id == "" {
		s.notifyWatchers(nil)
		return nil
	}

	cancelFn, err := s.docs.Subscribe(ctx, itemCollection, docstore.Where("listId", id),
		func(docs []docstore.Document) { s.applySnapshot(gen, docs) },
		func(err error) { s.logger.Error("items subscription", "list_id", id, "error", err) },
	)
	if err != nil {
		s.mu.Lock()
		s.loading = false
		s.mu.Unlock()
		return fmt.Errorf("subscribe items: %w", err)
	}

	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		cancelFn()
		return nil
	}
	s.cancel = cancelFn
	s.mu.Unlock()
	return nil
}

// Close tears down the subscription and the repair worker.
func (s *ItemStore) Close() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.gen++
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	s.recon.Close()
}

func (s *ItemStore) applySnapshot(gen int, docs []docstore.Document) {
	items := make([]model.ListItem, 0, len(docs))
	for _, doc := range docs {
		it, err := scanItemDoc(doc)
		if err != nil {
			s.logger.Error("scan item document", "error", err)
			continue
		}
		items = append(items, *it)
	}
	sortItems(items)

	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return
	}
	s.items = items
	s.loading = false
	s.mu.Unlock()

	s.notifyWatchers(items)
}

// Items returns the current snapshot, uncompleted items first.
func (s *ItemStore) Items() []model.ListItem {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.ListItem, len(s.items))
	copy(out, s.items)
	return out
}

// ActiveListID returns the currently selected list id, or "".
func (s *ItemStore) ActiveListID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeListID
}

// Loading reports whether the first snapshot for the current selection is
// still outstanding.
func (s *ItemStore) Loading() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loading
}

// Watch registers an observer called with every applied snapshot. The
// returned function unregisters it.
func (s *ItemStore) Watch(fn func([]model.ListItem)) func() {
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

func (s *ItemStore) notifyWatchers(items []model.ListItem) {
	s.mu.Lock()
	fns := make([]func([]model.ListItem), 0, len(s.watchers))
	for _, fn := range s.watchers {
		fns = append(fns, fn)
	}
	s.mu.Unlock()

	for _, fn := range fns {
		fn(items)
	}
}

// PendingRepairs reports how many aggregate repairs are queued.
func (s *ItemStore) PendingRepairs() int {
	return s.recon.Pending()
}

// AddItem writes a new uncompleted item to the active list and returns its
// id. The list aggregates are recomputed from a local projection of the set.
func (s *ItemStore) AddItem(ctx context.Context, item NewItem) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.activeListID == "" {
		return "", ErrNoActiveList
	}

	doc := docstore.Document{
		"listId":      s.activeListID,
		"name":        item.Name,
		"isCompleted": false,
		"createdAt":   docstore.ServerTimestamp,
	}
	if item.Quantity != nil {
		doc["quantity"] = *item.Quantity
	}
	if item.Price != nil {
		doc["price"] = *item.Price
	}
	if item.Unit != "" {
		doc["unit"] = item.Unit
	}
	if item.Category != "" {
		doc["category"] = item.Category
	}
	if item.Note != "" {
		doc["note"] = item.Note
	}

	id, err := s.docs.Create(ctx, itemCollection, doc)
	if err != nil {
		s.logger.Error("add item", "list_id", s.activeListID, "error", err)
		return "", ErrAddItem
	}

	projected := append(s.cloneItemsLocked(), model.ListItem{
		ID:        id,
		ListID:    s.activeListID,
		Name:      item.Name,
		Quantity:  item.Quantity,
		Unit:      item.Unit,
		Category:  item.Category,
		Note:      item.Note,
		Price:     item.Price,
		CreatedAt: time.Now().UTC(),
	})
	sortItems(projected)
	s.items = projected
	s.recomputeLocked(ctx, projected)
	return id, nil
}

// UpdateItem merges partial fields into an item. Aggregates are not
// recomputed here; structural paths (add, toggle, delete, clear) own that.
func (s *ItemStore) UpdateItem(ctx context.Context, id string, fields docstore.Document) error {
	if err := s.docs.Update(ctx, itemCollection, id, fields); err != nil {
		s.logger.Error("update item", "item_id", id, "error", err)
		return ErrUpdateItem
	}
	return nil
}

// ToggleItem sets the completion state of an item. Completion stamps
// completedAt server-side; un-completing removes the field entirely.
func (s *ItemStore) ToggleItem(ctx context.Context, id string, completed bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.activeListID == "" {
		return ErrNoActiveList
	}

	fields := docstore.Document{"isCompleted": completed}
	if completed {
		fields["completedAt"] = docstore.ServerTimestamp
	} else {
		fields["completedAt"] = docstore.DeleteField
	}
	if err := s.docs.Update(ctx, itemCollection, id, fields); err != nil {
		s.logger.Error("toggle item", "item_id", id, "error", err)
		return ErrToggleItem
	}

	projected := s.cloneItemsLocked()
	now := time.Now().UTC()
	for i := range projected {
		if projected[i].ID != id {
			continue
		}
		projected[i].Completed = completed
		if completed {
			projected[i].CompletedAt = &now
		} else {
			projected[i].CompletedAt = nil
		}
	}
	sortItems(projected)
	s.items = projected
	s.recomputeLocked(ctx, projected)
	return nil
}

// DeleteItem removes one item from the active list.
func (s *ItemStore) DeleteItem(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.activeListID == "" {
		return ErrNoActiveList
	}

	if err := s.docs.Delete(ctx, itemCollection, id); err != nil {
		s.logger.Error("delete item", "item_id", id, "error", err)
		return ErrDeleteItem
	}

	projected := s.cloneItemsLocked()
	for i := range projected {
		if projected[i].ID == id {
			projected = append(projected[:i], projected[i+1:]...)
			break
		}
	}
	s.items = projected
	s.recomputeLocked(ctx, projected)
	return nil
}

// ClearCompleted deletes every completed item of the active list in a
// single batch. Clearing an already-clear list is a no-op, not an error.
func (s *ItemStore) ClearCompleted(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.activeListID == "" {
		return ErrNoActiveList
	}

	var ids []string
	for _, it := range s.items {
		if it.Completed {
			ids = append(ids, it.ID)
		}
	}
	if err := s.docs.BatchDelete(ctx, itemCollection, ids); err != nil {
		s.logger.Error("clear completed", "list_id", s.activeListID, "error", err)
		return ErrClearCompleted
	}
	if len(ids) == 0 {
		return nil
	}

	projected := make([]model.ListItem, 0, len(s.items))
	for _, it := range s.items {
		if !it.Completed {
			projected = append(projected, it)
		}
	}
	s.items = projected
	s.recomputeLocked(ctx, projected)
	return nil
}

func (s *ItemStore) cloneItemsLocked() []model.ListItem {
	out := make([]model.ListItem, len(s.items))
	copy(out, s.items)
	return out
}

// recomputeLocked writes the derived aggregates of the active list from a
// local projection of the item set. A failed write-through is logged and
// queued for repair against a fresh query rather than surfaced to the
// caller, whose item mutation already succeeded.
func (s *ItemStore) recomputeLocked(ctx context.Context, items []model.ListItem) {
	listID := s.activeListID
	count, completed, spent := aggregate(items)

	var ceiling *float64
	if l := s.lists.Get(listID); l != nil {
		ceiling = l.Budget
	}
	fields := docstore.Document{
		"itemCount":      count,
		"completedCount": completed,
		"spent":          spent,
		"status":         string(budget.Classify(spent, ceiling)),
	}
	if err := s.lists.Update(ctx, listID, fields); err != nil {
		s.logger.Warn("aggregate write-through failed, queueing repair", "list_id", listID, "error", err)
		s.recon.enqueue(listID)
	}
}

// repairAggregates recomputes a list's aggregates from a fresh query of its
// items, independent of the local projection that produced the failed write.
func (s *ItemStore) repairAggregates(ctx context.Context, listID string) error {
	docs, err := s.docs.Query(ctx, itemCollection, docstore.Where("listId", listID))
	if err != nil {
		return fmt.Errorf("query items for repair: %w", err)
	}
	items := make([]model.ListItem, 0, len(docs))
	for _, doc := range docs {
		it, err := scanItemDoc(doc)
		if err != nil {
			return fmt.Errorf("scan item for repair: %w", err)
		}
		items = append(items, *it)
	}

	count, completed, spent := aggregate(items)
	var ceiling *float64
	if l := s.lists.Get(listID); l != nil {
		ceiling = l.Budget
	}
	return s.lists.Update(ctx, listID, docstore.Document{
		"itemCount":      count,
		"completedCount": completed,
		"spent":          spent,
		"status":         string(budget.Classify(spent, ceiling)),
	})
}

// aggregate derives the list counters from an item set. A missing price
// contributes nothing; a priced item with no quantity counts as one unit.
func aggregate(items []model.ListItem) (count, completed int, spent float64) {
	count = len(items)
	for _, it := range items {
		if it.Completed {
			completed++
		}
		if it.Price == nil {
			continue
		}
		qty := 1.0
		if it.Quantity != nil {
			qty = *it.Quantity
		}
		spent += *it.Price * qty
	}
	return count, completed, spent
}

// sortItems orders uncompleted items before completed ones, preserving the
// relative order within each group.
func sortItems(items []model.ListItem) {
	sort.SliceStable(items, func(i, j int) bool {
		return !items[i].Completed && items[j].Completed
	})
}

func scanItemDoc(doc docstore.Document) (*model.ListItem, error) {
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encode item doc: %w", err)
	}
	var it model.ListItem
	if err := json.Unmarshal(data, &it); err != nil {
		return nil, fmt.Errorf("decode item doc: %w", err)
	}
	return &it, nil
}
