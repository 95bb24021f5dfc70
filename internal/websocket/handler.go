package websocket

import (
	"log/slog"
	"net/http"

	ws "github.com/coder/websocket"

	"github.com/efox/shoplist/internal/identity"
	"github.com/efox/shoplist/internal/workspace"
)

// Handle returns an HTTP handler that upgrades authenticated connections
// to WebSocket and runs them against the caller's workspace. The workspace
// stays pinned against idle eviction for the life of the connection.
func Handle(hub *Hub, manager *workspace.Manager, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		uid := identity.UID(r.Context())
		if uid == "" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}

		wsp, err := manager.Get(uid)
		if err != nil {
			logger.Error("websocket workspace", "uid", uid, "error", err)
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}

		conn, err := ws.Accept(w, r, &ws.AcceptOptions{
			InsecureSkipVerify: true, // self-hosted, clients connect from any origin
		})
		if err != nil {
			logger.Error("websocket accept", "error", err)
			return
		}

		manager.Attach(uid)
		defer manager.Detach(uid)

		client := NewClient(hub, conn, wsp)
		client.Run(r.Context())
	}
}
