package push

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"go.uber.org/multierr"

	"github.com/efox/shoplist/internal/docstore"
	"github.com/efox/shoplist/internal/model"
)

const subscriptionCollection = "pushSubscriptions"

// sender is satisfied by *Service; tests substitute it.
type sender interface {
	Enabled() bool
	Send(sub *Subscription, payload Payload) error
}

// Notifier fans a payload out to the devices of a list's collaborators.
// Subscriptions are keyed by collaborator email, so a collaborator who has
// never signed in simply has no devices to reach.
type Notifier struct {
	docs   docstore.Store
	svc    sender
	logger *slog.Logger
}

func NewNotifier(docs docstore.Store, svc *Service, logger *slog.Logger) *Notifier {
	return &Notifier{docs: docs, svc: svc, logger: logger}
}

// SaveSubscription registers a device endpoint for an email, replacing any
// prior registration of the same endpoint.
func (n *Notifier) SaveSubscription(ctx context.Context, sub Subscription) (string, error) {
	existing, err := n.docs.Query(ctx, subscriptionCollection, docstore.Where("endpoint", sub.Endpoint))
	if err != nil {
		return "", fmt.Errorf("query subscriptions: %w", err)
	}

	fields := docstore.Document{
		"email":    sub.Email,
		"endpoint": sub.Endpoint,
		"p256dh":   sub.P256dh,
		"auth":     sub.Auth,
	}
	if len(existing) > 0 {
		id, _ := existing[0]["id"].(string)
		if err := n.docs.Update(ctx, subscriptionCollection, id, fields); err != nil {
			return "", fmt.Errorf("update subscription: %w", err)
		}
		return id, nil
	}

	fields["createdAt"] = docstore.ServerTimestamp
	id, err := n.docs.Create(ctx, subscriptionCollection, fields)
	if err != nil {
		return "", fmt.Errorf("create subscription: %w", err)
	}
	return id, nil
}

// DeleteSubscription removes a device registration by endpoint.
func (n *Notifier) DeleteSubscription(ctx context.Context, endpoint string) error {
	existing, err := n.docs.Query(ctx, subscriptionCollection, docstore.Where("endpoint", endpoint))
	if err != nil {
		return fmt.Errorf("query subscriptions: %w", err)
	}
	for _, doc := range existing {
		id, _ := doc["id"].(string)
		if err := n.docs.Delete(ctx, subscriptionCollection, id); err != nil {
			return fmt.Errorf("delete subscription: %w", err)
		}
	}
	return nil
}

// NotifyCollaborators sends payload to every device of every collaborator
// on the list. Expired subscriptions are pruned as they surface; remaining
// failures are aggregated so one dead endpoint does not hide another.
func (n *Notifier) NotifyCollaborators(ctx context.Context, list *model.ShoppingList, payload Payload) error {
	if !n.svc.Enabled() {
		return nil
	}

	var errs error
	for _, email := range list.Collaborators {
		docs, err := n.docs.Query(ctx, subscriptionCollection, docstore.Where("email", email))
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("query subscriptions for %s: %w", email, err))
			continue
		}
		for _, doc := range docs {
			sub, err := scanSubscription(doc)
			if err != nil {
				errs = multierr.Append(errs, err)
				continue
			}
			switch err := n.svc.Send(sub, payload); {
			case err == nil:
			case err == ErrExpired:
				if derr := n.docs.Delete(ctx, subscriptionCollection, sub.ID); derr != nil {
					n.logger.Warn("prune expired subscription", "endpoint", sub.Endpoint, "error", derr)
				} else {
					n.logger.Info("pruned expired subscription", "email", sub.Email)
				}
			default:
				errs = multierr.Append(errs, fmt.Errorf("push to %s: %w", sub.Email, err))
			}
		}
	}
	return errs
}

func scanSubscription(doc docstore.Document) (*Subscription, error) {
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encode subscription doc: %w", err)
	}
	var sub Subscription
	if err := json.Unmarshal(data, &sub); err != nil {
		return nil, fmt.Errorf("decode subscription doc: %w", err)
	}
	return &sub, nil
}
