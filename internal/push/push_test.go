package push

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/efox/shoplist/internal/docstore"
	"github.com/efox/shoplist/internal/model"
)

func TestGenerateVAPIDKeys(t *testing.T) {
	pub, priv, err := GenerateVAPIDKeys()
	if err != nil {
		t.Fatal(err)
	}
	if pub == "" || priv == "" {
		t.Fatal("expected non-empty keys")
	}
	pub2, _, err := GenerateVAPIDKeys()
	if err != nil {
		t.Fatal(err)
	}
	if pub == pub2 {
		t.Error("expected distinct keys per generation")
	}
}

func TestServiceEnabled(t *testing.T) {
	if NewService("", "").Enabled() {
		t.Error("service with no keys reports enabled")
	}
	if !NewService("pub", "priv").Enabled() {
		t.Error("configured service reports disabled")
	}
	var nilSvc *Service
	if nilSvc.Enabled() {
		t.Error("nil service reports enabled")
	}
}

// fakeSender records sends and fails or expires chosen endpoints.
type fakeSender struct {
	mu       sync.Mutex
	sent     []string
	expired  map[string]bool
	failWith error
}

func (f *fakeSender) Enabled() bool { return true }

func (f *fakeSender) Send(sub *Subscription, payload Payload) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.expired[sub.Endpoint] {
		return ErrExpired
	}
	if f.failWith != nil {
		return f.failWith
	}
	f.sent = append(f.sent, sub.Endpoint)
	return nil
}

func setupNotifier(t *testing.T, svc sender) (*Notifier, *docstore.Memory) {
	t.Helper()
	docs := docstore.NewMemory()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return &Notifier{docs: docs, svc: svc, logger: logger}, docs
}

func TestSaveSubscriptionReplacesByEndpoint(t *testing.T) {
	ctx := context.Background()
	n, docs := setupNotifier(t, &fakeSender{})

	id1, err := n.SaveSubscription(ctx, Subscription{Email: "a@example.com", Endpoint: "https://push/1", P256dh: "k", Auth: "a"})
	if err != nil {
		t.Fatal(err)
	}
	id2, err := n.SaveSubscription(ctx, Subscription{Email: "a@example.com", Endpoint: "https://push/1", P256dh: "k2", Auth: "a2"})
	if err != nil {
		t.Fatal(err)
	}
	if id1 != id2 {
		t.Errorf("re-registration created a new document: %s vs %s", id1, id2)
	}

	got, err := docs.Query(ctx, subscriptionCollection, docstore.Filter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Fatalf("got %d subscriptions, want 1", len(got))
	}
	if got[0]["p256dh"] != "k2" {
		t.Errorf("p256dh = %v, want k2", got[0]["p256dh"])
	}
}

func TestNotifyCollaborators(t *testing.T) {
	ctx := context.Background()
	sender := &fakeSender{}
	n, _ := setupNotifier(t, sender)

	for _, sub := range []Subscription{
		{Email: "a@example.com", Endpoint: "https://push/a1", P256dh: "k", Auth: "s"},
		{Email: "a@example.com", Endpoint: "https://push/a2", P256dh: "k", Auth: "s"},
		{Email: "b@example.com", Endpoint: "https://push/b1", P256dh: "k", Auth: "s"},
		{Email: "other@example.com", Endpoint: "https://push/x", P256dh: "k", Auth: "s"},
	} {
		if _, err := n.SaveSubscription(ctx, sub); err != nil {
			t.Fatal(err)
		}
	}

	list := &model.ShoppingList{Name: "Groceries", Collaborators: []string{"a@example.com", "b@example.com", "nobody@example.com"}}
	if err := n.NotifyCollaborators(ctx, list, Payload{Title: "Groceries", Body: "Milk added"}); err != nil {
		t.Fatal(err)
	}

	sender.mu.Lock()
	defer sender.mu.Unlock()
	if len(sender.sent) != 3 {
		t.Fatalf("sent to %d endpoints, want 3: %v", len(sender.sent), sender.sent)
	}
	for _, ep := range sender.sent {
		if ep == "https://push/x" {
			t.Error("notified a non-collaborator endpoint")
		}
	}
}

func TestNotifyPrunesExpired(t *testing.T) {
	ctx := context.Background()
	sender := &fakeSender{expired: map[string]bool{"https://push/dead": true}}
	n, docs := setupNotifier(t, sender)

	if _, err := n.SaveSubscription(ctx, Subscription{Email: "a@example.com", Endpoint: "https://push/dead", P256dh: "k", Auth: "s"}); err != nil {
		t.Fatal(err)
	}
	if _, err := n.SaveSubscription(ctx, Subscription{Email: "a@example.com", Endpoint: "https://push/live", P256dh: "k", Auth: "s"}); err != nil {
		t.Fatal(err)
	}

	list := &model.ShoppingList{Collaborators: []string{"a@example.com"}}
	if err := n.NotifyCollaborators(ctx, list, Payload{Title: "t"}); err != nil {
		t.Fatal(err)
	}

	got, err := docs.Query(ctx, subscriptionCollection, docstore.Where("email", "a@example.com"))
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0]["endpoint"] != "https://push/live" {
		t.Fatalf("expired subscription not pruned: %v", got)
	}
}

func TestNotifyAggregatesFailures(t *testing.T) {
	ctx := context.Background()
	sender := &fakeSender{failWith: errors.New("push service down")}
	n, _ := setupNotifier(t, sender)

	if _, err := n.SaveSubscription(ctx, Subscription{Email: "a@example.com", Endpoint: "https://push/1", P256dh: "k", Auth: "s"}); err != nil {
		t.Fatal(err)
	}
	if _, err := n.SaveSubscription(ctx, Subscription{Email: "b@example.com", Endpoint: "https://push/2", P256dh: "k", Auth: "s"}); err != nil {
		t.Fatal(err)
	}

	list := &model.ShoppingList{Collaborators: []string{"a@example.com", "b@example.com"}}
	err := n.NotifyCollaborators(ctx, list, Payload{Title: "t"})
	if err == nil {
		t.Fatal("expected aggregated error")
	}
}
