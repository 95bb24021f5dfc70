package store

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/efox/shoplist/internal/docstore"
)

// PurgeOrphanedItems deletes items whose owning list no longer exists.
// Deleting a list does not cascade to its items, so a periodic sweep keeps
// the item collection from accumulating unreachable documents. Returns the
// number of items removed.
func PurgeOrphanedItems(ctx context.Context, docs docstore.Store, logger *slog.Logger) (int, error) {
	lists, err := docs.Query(ctx, listCollection, docstore.Filter{})
	if err != nil {
		return 0, fmt.Errorf("query lists: %w", err)
	}
	known := make(map[string]struct{}, len(lists))
	for _, l := range lists {
		if id, ok := l["id"].(string); ok {
			known[id] = struct{}{}
		}
	}

	items, err := docs.Query(ctx, itemCollection, docstore.Filter{})
	if err != nil {
		return 0, fmt.Errorf("query items: %w", err)
	}
	var orphans []string
	for _, it := range items {
		listID, _ := it["listId"].(string)
		if _, ok := known[listID]; ok {
			continue
		}
		if id, ok := it["id"].(string); ok {
			orphans = append(orphans, id)
		}
	}
	if len(orphans) == 0 {
		return 0, nil
	}

	if err := docs.BatchDelete(ctx, itemCollection, orphans); err != nil {
		return 0, fmt.Errorf("delete orphaned items: %w", err)
	}
	logger.Info("purged orphaned items", "count", len(orphans))
	return len(orphans), nil
}
