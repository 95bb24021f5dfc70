package store

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/efox/shoplist/internal/docstore"
	"github.com/efox/shoplist/internal/model"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func setupStores(t *testing.T, docs docstore.Store) (*ListStore, *ItemStore) {
	t.Helper()
	logger := discardLogger()
	lists := NewListStore(docs, logger)
	items := NewItemStore(docs, lists, logger)
	t.Cleanup(func() {
		items.Close()
		lists.Close()
	})
	return lists, items
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func ptr(v float64) *float64 { return &v }

func TestCreateRequiresIdentity(t *testing.T) {
	lists, _ := setupStores(t, docstore.NewMemory())

	if _, err := lists.Create(context.Background(), "Groceries", "#fff", "cart", 0, nil); !errors.Is(err, ErrNoIdentity) {
		t.Fatalf("Create without identity: got %v, want ErrNoIdentity", err)
	}
}

func TestCreateListDefaults(t *testing.T) {
	ctx := context.Background()
	docs := docstore.NewMemory()
	lists, _ := setupStores(t, docs)
	if err := lists.SetIdentity(ctx, "u1"); err != nil {
		t.Fatal(err)
	}

	id, err := lists.Create(ctx, "Groceries", "#2ecc71", "cart", 0, nil)
	if err != nil {
		t.Fatal(err)
	}

	got, err := docs.Query(ctx, listCollection, docstore.Where("userId", "u1"))
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Fatalf("got %d lists, want 1", len(got))
	}
	doc := got[0]
	if doc["id"] != id {
		t.Errorf("id = %v, want %s", doc["id"], id)
	}
	if _, ok := doc["budget"]; ok {
		t.Error("untracked list stored a budget field")
	}
	if doc["status"] != string(model.StatusNoBudget) {
		t.Errorf("status = %v, want %q", doc["status"], model.StatusNoBudget)
	}
	if doc["spent"] != 0.0 {
		t.Errorf("spent = %v, want 0", doc["spent"])
	}
	collab, ok := doc["collaborators"].([]any)
	if !ok || len(collab) != 0 {
		t.Errorf("collaborators = %v, want empty array", doc["collaborators"])
	}
	if _, ok := doc["createdAt"].(string); !ok {
		t.Errorf("createdAt = %v, want timestamp string", doc["createdAt"])
	}
}

func TestCreateListWithBudget(t *testing.T) {
	ctx := context.Background()
	docs := docstore.NewMemory()
	lists, _ := setupStores(t, docs)
	if err := lists.SetIdentity(ctx, "u1"); err != nil {
		t.Fatal(err)
	}

	if _, err := lists.Create(ctx, "Party", "#e74c3c", "gift", 150, []string{"friend@example.com"}); err != nil {
		t.Fatal(err)
	}

	got, err := docs.Query(ctx, listCollection, docstore.Where("userId", "u1"))
	if err != nil {
		t.Fatal(err)
	}
	doc := got[0]
	if doc["budget"] != 150.0 {
		t.Errorf("budget = %v, want 150", doc["budget"])
	}
	if doc["status"] != string(model.StatusOnBudget) {
		t.Errorf("status = %v, want %q", doc["status"], model.StatusOnBudget)
	}
}

func TestIdentitySwitchReplacesLists(t *testing.T) {
	ctx := context.Background()
	docs := docstore.NewMemory()
	lists, _ := setupStores(t, docs)

	if err := lists.SetIdentity(ctx, "alice"); err != nil {
		t.Fatal(err)
	}
	if _, err := lists.Create(ctx, "Alice's", "", "", 0, nil); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return len(lists.Lists()) == 1 })

	if err := lists.SetIdentity(ctx, "bob"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return !lists.Loading() })
	if got := lists.Lists(); len(got) != 0 {
		t.Fatalf("bob sees %d lists, want 0", len(got))
	}

	if err := lists.SetIdentity(ctx, ""); err != nil {
		t.Fatal(err)
	}
	if lists.Loading() {
		t.Error("signed-out store reports loading")
	}
	if got := lists.Lists(); len(got) != 0 {
		t.Fatalf("signed-out store holds %d lists", len(got))
	}
}

func TestItemMutationsRequireActiveList(t *testing.T) {
	ctx := context.Background()
	_, items := setupStores(t, docstore.NewMemory())

	if _, err := items.AddItem(ctx, NewItem{Name: "Milk"}); !errors.Is(err, ErrNoActiveList) {
		t.Errorf("AddItem: got %v, want ErrNoActiveList", err)
	}
	if err := items.ToggleItem(ctx, "x", true); !errors.Is(err, ErrNoActiveList) {
		t.Errorf("ToggleItem: got %v, want ErrNoActiveList", err)
	}
	if err := items.DeleteItem(ctx, "x"); !errors.Is(err, ErrNoActiveList) {
		t.Errorf("DeleteItem: got %v, want ErrNoActiveList", err)
	}
	if err := items.ClearCompleted(ctx); !errors.Is(err, ErrNoActiveList) {
		t.Errorf("ClearCompleted: got %v, want ErrNoActiveList", err)
	}
}

func TestAggregatesAndBudgetStatus(t *testing.T) {
	ctx := context.Background()
	docs := docstore.NewMemory()
	lists, items := setupStores(t, docs)
	if err := lists.SetIdentity(ctx, "u1"); err != nil {
		t.Fatal(err)
	}

	listID, err := lists.Create(ctx, "Groceries", "", "", 100, nil)
	if err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return lists.Get(listID) != nil })
	if err := items.SetActiveList(ctx, listID); err != nil {
		t.Fatal(err)
	}

	// 3 * 20 = 60, plus an unquantified 25, plus one with no price.
	if _, err := items.AddItem(ctx, NewItem{Name: "Steak", Price: ptr(20), Quantity: ptr(3)}); err != nil {
		t.Fatal(err)
	}
	if _, err := items.AddItem(ctx, NewItem{Name: "Wine", Price: ptr(25)}); err != nil {
		t.Fatal(err)
	}
	if _, err := items.AddItem(ctx, NewItem{Name: "Napkins"}); err != nil {
		t.Fatal(err)
	}

	waitFor(t, func() bool {
		l := lists.Get(listID)
		return l != nil && l.ItemCount == 3 && l.Spent == 85
	})
	l := lists.Get(listID)
	if l.CompletedCount != 0 {
		t.Errorf("completedCount = %d, want 0", l.CompletedCount)
	}
	if l.Status != model.StatusTightBudget {
		t.Errorf("status = %q, want %q", l.Status, model.StatusTightBudget)
	}

	// Push past the budget.
	if _, err := items.AddItem(ctx, NewItem{Name: "Cake", Price: ptr(30)}); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool {
		l := lists.Get(listID)
		return l != nil && l.Spent == 115 && l.Status == model.StatusOverBudget
	})
}

func TestToggleOrdersCompletedLast(t *testing.T) {
	ctx := context.Background()
	docs := docstore.NewMemory()
	lists, items := setupStores(t, docs)
	if err := lists.SetIdentity(ctx, "u1"); err != nil {
		t.Fatal(err)
	}
	listID, err := lists.Create(ctx, "Groceries", "", "", 0, nil)
	if err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return lists.Get(listID) != nil })
	if err := items.SetActiveList(ctx, listID); err != nil {
		t.Fatal(err)
	}

	milkID, err := items.AddItem(ctx, NewItem{Name: "Milk"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := items.AddItem(ctx, NewItem{Name: "Eggs"}); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return len(items.Items()) == 2 })

	if err := items.ToggleItem(ctx, milkID, true); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool {
		got := items.Items()
		return len(got) == 2 && got[1].ID == milkID && got[1].Completed
	})
	got := items.Items()
	if got[1].CompletedAt == nil {
		t.Error("completed item has no completedAt")
	}
	if got[0].Completed {
		t.Error("uncompleted item sorted after completed one")
	}
	waitFor(t, func() bool {
		l := lists.Get(listID)
		return l != nil && l.CompletedCount == 1
	})

	// Un-complete removes the timestamp entirely.
	if err := items.ToggleItem(ctx, milkID, false); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool {
		for _, it := range items.Items() {
			if it.ID == milkID {
				return !it.Completed && it.CompletedAt == nil
			}
		}
		return false
	})
	raw, err := docs.Query(ctx, itemCollection, docstore.Where("listId", listID))
	if err != nil {
		t.Fatal(err)
	}
	for _, doc := range raw {
		if doc["id"] != milkID {
			continue
		}
		if _, ok := doc["completedAt"]; ok {
			t.Error("un-completed item still carries completedAt")
		}
	}
}

func TestClearCompleted(t *testing.T) {
	ctx := context.Background()
	docs := docstore.NewMemory()
	lists, items := setupStores(t, docs)
	if err := lists.SetIdentity(ctx, "u1"); err != nil {
		t.Fatal(err)
	}
	listID, err := lists.Create(ctx, "Groceries", "", "", 0, nil)
	if err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return lists.Get(listID) != nil })
	if err := items.SetActiveList(ctx, listID); err != nil {
		t.Fatal(err)
	}

	// Nothing completed yet: a clear is a no-op.
	if err := items.ClearCompleted(ctx); err != nil {
		t.Fatalf("clear on empty list: %v", err)
	}

	doneID, err := items.AddItem(ctx, NewItem{Name: "Milk", Price: ptr(4)})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := items.AddItem(ctx, NewItem{Name: "Eggs", Price: ptr(3)}); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return len(items.Items()) == 2 })
	if err := items.ToggleItem(ctx, doneID, true); err != nil {
		t.Fatal(err)
	}

	if err := items.ClearCompleted(ctx); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool {
		got := items.Items()
		return len(got) == 1 && got[0].Name == "Eggs"
	})
	waitFor(t, func() bool {
		l := lists.Get(listID)
		return l != nil && l.ItemCount == 1 && l.CompletedCount == 0 && l.Spent == 3
	})
}

func TestDeleteListLeavesOrphansForSweep(t *testing.T) {
	ctx := context.Background()
	docs := docstore.NewMemory()
	lists, items := setupStores(t, docs)
	if err := lists.SetIdentity(ctx, "u1"); err != nil {
		t.Fatal(err)
	}
	listID, err := lists.Create(ctx, "Doomed", "", "", 0, nil)
	if err != nil {
		t.Fatal(err)
	}
	keptID, err := lists.Create(ctx, "Kept", "", "", 0, nil)
	if err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return lists.Get(listID) != nil && lists.Get(keptID) != nil })

	if err := items.SetActiveList(ctx, listID); err != nil {
		t.Fatal(err)
	}
	if _, err := items.AddItem(ctx, NewItem{Name: "Orphan"}); err != nil {
		t.Fatal(err)
	}
	if err := items.SetActiveList(ctx, keptID); err != nil {
		t.Fatal(err)
	}
	if _, err := items.AddItem(ctx, NewItem{Name: "Survivor"}); err != nil {
		t.Fatal(err)
	}

	if err := lists.Delete(ctx, listID); err != nil {
		t.Fatal(err)
	}
	// The item outlives its list until the sweep runs.
	orphaned, err := docs.Query(ctx, itemCollection, docstore.Where("listId", listID))
	if err != nil {
		t.Fatal(err)
	}
	if len(orphaned) != 1 {
		t.Fatalf("got %d orphans before sweep, want 1", len(orphaned))
	}

	n, err := PurgeOrphanedItems(ctx, docs, discardLogger())
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("purged %d items, want 1", n)
	}
	remaining, err := docs.Query(ctx, itemCollection, docstore.Filter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(remaining) != 1 || remaining[0]["name"] != "Survivor" {
		t.Fatalf("remaining items = %v, want only Survivor", remaining)
	}
}

// flakyStore fails a fixed number of list updates, then recovers.
type flakyStore struct {
	docstore.Store

	mu        sync.Mutex
	failsLeft int
}

func (f *flakyStore) Update(ctx context.Context, collection, id string, fields docstore.Document) error {
	if collection == listCollection {
		f.mu.Lock()
		if f.failsLeft > 0 {
			f.failsLeft--
			f.mu.Unlock()
			return errors.New("backend unavailable")
		}
		f.mu.Unlock()
	}
	return f.Store.Update(ctx, collection, id, fields)
}

func TestAggregateWriteFailureIsRepaired(t *testing.T) {
	ctx := context.Background()
	mem := docstore.NewMemory()
	flaky := &flakyStore{Store: mem, failsLeft: 2}
	lists, items := setupStores(t, flaky)
	if err := lists.SetIdentity(ctx, "u1"); err != nil {
		t.Fatal(err)
	}
	listID, err := lists.Create(ctx, "Groceries", "", "", 0, nil)
	if err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return lists.Get(listID) != nil })
	if err := items.SetActiveList(ctx, listID); err != nil {
		t.Fatal(err)
	}

	// The item write succeeds even though the aggregate write-through fails.
	if _, err := items.AddItem(ctx, NewItem{Name: "Milk", Price: ptr(4)}); err != nil {
		t.Fatalf("AddItem surfaced aggregate failure: %v", err)
	}

	// The repair worker retries until the backend recovers.
	waitFor(t, func() bool {
		l := lists.Get(listID)
		return l != nil && l.ItemCount == 1 && l.Spent == 4
	})
	if n := items.PendingRepairs(); n != 0 {
		t.Errorf("pending repairs = %d, want 0", n)
	}
}

func TestItemWatchTeardownOnListSwitch(t *testing.T) {
	ctx := context.Background()
	docs := docstore.NewMemory()
	lists, items := setupStores(t, docs)
	if err := lists.SetIdentity(ctx, "u1"); err != nil {
		t.Fatal(err)
	}
	aID, err := lists.Create(ctx, "A", "", "", 0, nil)
	if err != nil {
		t.Fatal(err)
	}
	bID, err := lists.Create(ctx, "B", "", "", 0, nil)
	if err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return lists.Get(aID) != nil && lists.Get(bID) != nil })

	if err := items.SetActiveList(ctx, aID); err != nil {
		t.Fatal(err)
	}
	if _, err := items.AddItem(ctx, NewItem{Name: "OnlyInA"}); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return len(items.Items()) == 1 })

	if err := items.SetActiveList(ctx, bID); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return !items.Loading() })
	if got := items.Items(); len(got) != 0 {
		t.Fatalf("list B shows %d items, want 0", len(got))
	}

	if err := items.SetActiveList(ctx, ""); err != nil {
		t.Fatal(err)
	}
	if items.ActiveListID() != "" {
		t.Error("active list id not cleared")
	}
}

func TestAggregateInvariantAcrossSequences(t *testing.T) {
	ctx := context.Background()
	docs := docstore.NewMemory()
	lists, items := setupStores(t, docs)
	if err := lists.SetIdentity(ctx, "u1"); err != nil {
		t.Fatal(err)
	}
	listID, err := lists.Create(ctx, "Errands", "#f39c12", "cart", 50, nil)
	if err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return lists.Get(listID) != nil })
	if err := items.SetActiveList(ctx, listID); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return !items.Loading() })

	readAggregates := func(step string) (itemCount, completedCount int, spent float64) {
		t.Helper()
		got, err := docs.Query(ctx, listCollection, docstore.Where("userId", "u1"))
		if err != nil {
			t.Fatalf("%s: %v", step, err)
		}
		doc := got[0]
		return int(doc["itemCount"].(float64)), int(doc["completedCount"].(float64)), doc["spent"].(float64)
	}

	var ids []string
	add := func(item NewItem) func() error {
		return func() error {
			id, err := items.AddItem(ctx, item)
			ids = append(ids, id)
			return err
		}
	}
	steps := []struct {
		name string
		op   func() error
	}{
		{"add milk", add(NewItem{Name: "Milk", Price: ptr(2.5), Quantity: ptr(3)})},
		{"add bread", add(NewItem{Name: "Bread", Price: ptr(1)})},
		{"complete milk", func() error { return items.ToggleItem(ctx, ids[0], true) }},
		{"complete bread", func() error { return items.ToggleItem(ctx, ids[1], true) }},
		{"uncomplete milk", func() error { return items.ToggleItem(ctx, ids[0], false) }},
		{"delete completed bread", func() error { return items.DeleteItem(ctx, ids[1]) }},
		{"add eggs", add(NewItem{Name: "Eggs", Price: ptr(4)})},
		{"complete eggs", func() error { return items.ToggleItem(ctx, ids[2], true) }},
		{"clear completed", func() error { return items.ClearCompleted(ctx) }},
		{"clear completed again", func() error { return items.ClearCompleted(ctx) }},
	}
	for _, s := range steps {
		if err := s.op(); err != nil {
			t.Fatalf("%s: %v", s.name, err)
		}
		itemCount, completedCount, _ := readAggregates(s.name)
		if completedCount > itemCount {
			t.Fatalf("%s: completedCount %d > itemCount %d", s.name, completedCount, itemCount)
		}
	}

	// Milk is all that survives: 2.5 x 3.
	itemCount, completedCount, spent := readAggregates("final")
	if itemCount != 1 || completedCount != 0 {
		t.Errorf("final counts = %d/%d, want 1/0", completedCount, itemCount)
	}
	if spent != 7.5 {
		t.Errorf("final spent = %v, want 7.5", spent)
	}
}
