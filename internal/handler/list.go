package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/efox/shoplist/internal/budget"
	"github.com/efox/shoplist/internal/docstore"
	"github.com/efox/shoplist/internal/identity"
	"github.com/efox/shoplist/internal/model"
	"github.com/efox/shoplist/internal/workspace"
)

type ListHandler struct {
	manager *workspace.Manager
	logger  *slog.Logger
}

func NewListHandler(manager *workspace.Manager, logger *slog.Logger) *ListHandler {
	return &ListHandler{manager: manager, logger: logger}
}

func (h *ListHandler) workspace(w http.ResponseWriter, r *http.Request) *workspace.Workspace {
	ws, err := h.manager.Get(identity.UID(r.Context()))
	if err != nil {
		h.logger.Error("get workspace", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return nil
	}
	return ws
}

// List handles GET /api/lists
func (h *ListHandler) List(w http.ResponseWriter, r *http.Request) {
	ws := h.workspace(w, r)
	if ws == nil {
		return
	}
	lists := ws.Lists.Lists()
	if lists == nil {
		lists = []model.ShoppingList{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"lists":   lists,
		"loading": ws.Lists.Loading(),
	})
}

type createListRequest struct {
	Name          string   `json:"name"`
	Color         string   `json:"color"`
	Icon          string   `json:"icon"`
	Budget        float64  `json:"budget"`
	Collaborators []string `json:"collaborators"`
}

// Create handles POST /api/lists
func (h *ListHandler) Create(w http.ResponseWriter, r *http.Request) {
	ws := h.workspace(w, r)
	if ws == nil {
		return
	}

	var req createListRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}

	id, err := ws.Lists.Create(r.Context(), req.Name, req.Color, req.Icon, req.Budget, req.Collaborators)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

type updateListRequest struct {
	Name          *string   `json:"name"`
	Description   *string   `json:"description"`
	Icon          *string   `json:"icon"`
	Color         *string   `json:"color"`
	Category      *string   `json:"category"`
	Budget        *float64  `json:"budget"`
	Collaborators *[]string `json:"collaborators"`
}

// Update handles PUT /api/lists/{id}. Only the caller-editable fields are
// accepted; the derived aggregates stay owned by the item store. A budget
// of zero or less clears budget tracking.
func (h *ListHandler) Update(w http.ResponseWriter, r *http.Request) {
	ws := h.workspace(w, r)
	if ws == nil {
		return
	}
	id := r.PathValue("id")

	var req updateListRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	fields := docstore.Document{}
	if req.Name != nil {
		fields["name"] = *req.Name
	}
	if req.Description != nil {
		fields["description"] = *req.Description
	}
	if req.Icon != nil {
		fields["icon"] = *req.Icon
	}
	if req.Color != nil {
		fields["color"] = *req.Color
	}
	if req.Category != nil {
		fields["category"] = *req.Category
	}
	if req.Collaborators != nil {
		fields["collaborators"] = *req.Collaborators
	}
	if req.Budget != nil {
		var spent float64
		if l := ws.Lists.Get(id); l != nil {
			spent = l.Spent
		}
		if *req.Budget > 0 {
			fields["budget"] = *req.Budget
			fields["status"] = string(budget.Classify(spent, req.Budget))
		} else {
			fields["budget"] = docstore.DeleteField
			fields["status"] = string(model.StatusNoBudget)
		}
	}
	if len(fields) == 0 {
		writeError(w, http.StatusBadRequest, "no fields to update")
		return
	}

	if err := ws.Lists.Update(r.Context(), id, fields); err != nil {
		writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Delete handles DELETE /api/lists/{id}
func (h *ListHandler) Delete(w http.ResponseWriter, r *http.Request) {
	ws := h.workspace(w, r)
	if ws == nil {
		return
	}
	if err := ws.Lists.Delete(r.Context(), r.PathValue("id")); err != nil {
		writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
