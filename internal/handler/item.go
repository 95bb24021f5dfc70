package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/efox/shoplist/internal/docstore"
	"github.com/efox/shoplist/internal/identity"
	"github.com/efox/shoplist/internal/model"
	"github.com/efox/shoplist/internal/push"
	"github.com/efox/shoplist/internal/store"
	"github.com/efox/shoplist/internal/workspace"
)

type ItemHandler struct {
	manager  *workspace.Manager
	notifier *push.Notifier
	logger   *slog.Logger
}

func NewItemHandler(manager *workspace.Manager, notifier *push.Notifier, logger *slog.Logger) *ItemHandler {
	return &ItemHandler{manager: manager, notifier: notifier, logger: logger}
}

func (h *ItemHandler) workspace(w http.ResponseWriter, r *http.Request) *workspace.Workspace {
	ws, err := h.manager.Get(identity.UID(r.Context()))
	if err != nil {
		h.logger.Error("get workspace", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return nil
	}
	return ws
}

type setActiveRequest struct {
	ListID string `json:"listId"`
}

// SetActive handles PUT /api/active-list. An empty listId clears the
// selection.
func (h *ItemHandler) SetActive(w http.ResponseWriter, r *http.Request) {
	ws := h.workspace(w, r)
	if ws == nil {
		return
	}

	var req setActiveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	// The items subscription must outlive this request.
	if err := ws.Items.SetActiveList(ws.Context(), req.ListID); err != nil {
		h.logger.Error("set active list", "list_id", req.ListID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"listId": req.ListID})
}

// List handles GET /api/items
func (h *ItemHandler) List(w http.ResponseWriter, r *http.Request) {
	ws := h.workspace(w, r)
	if ws == nil {
		return
	}
	items := ws.Items.Items()
	if items == nil {
		items = []model.ListItem{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"listId":  ws.Items.ActiveListID(),
		"items":   items,
		"loading": ws.Items.Loading(),
	})
}

type itemRequest struct {
	Name     string   `json:"name"`
	Quantity *float64 `json:"quantity"`
	Price    *float64 `json:"price"`
	Unit     *string  `json:"unit"`
	Category *string  `json:"category"`
	Note     *string  `json:"note"`
}

// Add handles POST /api/items
func (h *ItemHandler) Add(w http.ResponseWriter, r *http.Request) {
	ws := h.workspace(w, r)
	if ws == nil {
		return
	}

	var req itemRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}

	item := store.NewItem{Name: req.Name, Quantity: req.Quantity, Price: req.Price}
	if req.Unit != nil {
		item.Unit = *req.Unit
	}
	if req.Category != nil {
		item.Category = *req.Category
	}
	if req.Note != nil {
		item.Note = *req.Note
	}

	id, err := ws.Items.AddItem(r.Context(), item)
	if err != nil {
		writeStoreError(w, err)
		return
	}

	h.notifyCollaborators(ws, req.Name)
	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

// notifyCollaborators pushes an item-added note to the active list's
// collaborators. Failures are logged only; the mutation already succeeded.
func (h *ItemHandler) notifyCollaborators(ws *workspace.Workspace, itemName string) {
	list := ws.Lists.Get(ws.Items.ActiveListID())
	if list == nil || len(list.Collaborators) == 0 {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		payload := push.Payload{
			Title: list.Name,
			Body:  fmt.Sprintf("%s was added to the list", itemName),
			Tag:   "item-added-" + list.ID,
		}
		if err := h.notifier.NotifyCollaborators(ctx, list, payload); err != nil {
			h.logger.Warn("notify collaborators", "list_id", list.ID, "error", err)
		}
	}()
}

// Update handles PUT /api/items/{id}. Quantity or price of zero or less
// clears the field.
func (h *ItemHandler) Update(w http.ResponseWriter, r *http.Request) {
	ws := h.workspace(w, r)
	if ws == nil {
		return
	}
	id := r.PathValue("id")

	var req itemRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	fields := docstore.Document{}
	if req.Name != "" {
		fields["name"] = req.Name
	}
	if req.Quantity != nil {
		if *req.Quantity > 0 {
			fields["quantity"] = *req.Quantity
		} else {
			fields["quantity"] = docstore.DeleteField
		}
	}
	if req.Price != nil {
		if *req.Price > 0 {
			fields["price"] = *req.Price
		} else {
			fields["price"] = docstore.DeleteField
		}
	}
	if req.Unit != nil {
		fields["unit"] = *req.Unit
	}
	if req.Category != nil {
		fields["category"] = *req.Category
	}
	if req.Note != nil {
		fields["note"] = *req.Note
	}
	if len(fields) == 0 {
		writeError(w, http.StatusBadRequest, "no fields to update")
		return
	}

	if err := ws.Items.UpdateItem(r.Context(), id, fields); err != nil {
		writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type toggleRequest struct {
	Completed bool `json:"completed"`
}

// Toggle handles POST /api/items/{id}/toggle
func (h *ItemHandler) Toggle(w http.ResponseWriter, r *http.Request) {
	ws := h.workspace(w, r)
	if ws == nil {
		return
	}

	var req toggleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if err := ws.Items.ToggleItem(r.Context(), r.PathValue("id"), req.Completed); err != nil {
		writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Delete handles DELETE /api/items/{id}
func (h *ItemHandler) Delete(w http.ResponseWriter, r *http.Request) {
	ws := h.workspace(w, r)
	if ws == nil {
		return
	}
	if err := ws.Items.DeleteItem(r.Context(), r.PathValue("id")); err != nil {
		writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ClearCompleted handles POST /api/items/clear-completed
func (h *ItemHandler) ClearCompleted(w http.ResponseWriter, r *http.Request) {
	ws := h.workspace(w, r)
	if ws == nil {
		return
	}
	if err := ws.Items.ClearCompleted(r.Context()); err != nil {
		writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
