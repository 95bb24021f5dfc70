// Package server wires the stores, identity provider and handlers into one
// HTTP surface.
package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/efox/shoplist/internal/backup"
	"github.com/efox/shoplist/internal/config"
	"github.com/efox/shoplist/internal/docstore"
	"github.com/efox/shoplist/internal/email"
	"github.com/efox/shoplist/internal/handler"
	"github.com/efox/shoplist/internal/identity"
	"github.com/efox/shoplist/internal/middleware"
	"github.com/efox/shoplist/internal/model"
	"github.com/efox/shoplist/internal/push"
	"github.com/efox/shoplist/internal/store"
	"github.com/efox/shoplist/internal/workspace"
	ws "github.com/efox/shoplist/internal/websocket"
)

type Server struct {
	db       *sql.DB
	docs     docstore.Store
	provider *identity.LocalProvider
	manager  *workspace.Manager
	hub      *ws.Hub

	authH   *handler.AuthHandler
	listH   *handler.ListHandler
	itemH   *handler.ItemHandler
	pushH   *handler.PushHandler
	backupH *handler.BackupHandler

	rateLimiter   *middleware.RateLimiter
	backupManager *backup.Manager
	unsubIdentity func()
	logger        *slog.Logger
}

func New(db *sql.DB, cfg *config.Config, logger *slog.Logger) *Server {
	docs := docstore.NewSQLite(db)

	emailClient := email.NewClient(cfg.PostmarkToken, cfg.EmailFrom)
	provider := identity.NewLocalProvider(db, docs, emailClient, logger.With("component", "identity"))

	manager := workspace.NewManager(docs, logger.With("component", "workspace"))
	hub := ws.NewHub(logger.With("component", "websocket"))

	pushSvc := push.NewService(cfg.VAPIDPublicKey, cfg.VAPIDPrivateKey)
	notifier := push.NewNotifier(docs, pushSvc, logger.With("component", "push"))

	backupMgr := backup.NewManager(backup.Config{
		S3: backup.S3Config{
			Endpoint:  cfg.S3Endpoint,
			Bucket:    cfg.S3Bucket,
			Region:    cfg.S3Region,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
		},
		Passphrase: cfg.BackupPassphrase,
		Interval:   cfg.BackupInterval,
	}, docs, logger.With("component", "backup"))

	s := &Server{
		db:            db,
		docs:          docs,
		provider:      provider,
		manager:       manager,
		hub:           hub,
		authH:         handler.NewAuthHandler(provider, logger.With("component", "auth")),
		listH:         handler.NewListHandler(manager, logger.With("component", "lists")),
		itemH:         handler.NewItemHandler(manager, notifier, logger.With("component", "items")),
		pushH:         handler.NewPushHandler(pushSvc, notifier, logger.With("component", "push_handler")),
		backupH:       handler.NewBackupHandler(backupMgr, logger.With("component", "backup_handler")),
		rateLimiter:   middleware.NewRateLimiter(),
		backupManager: backupMgr,
		logger:        logger,
	}

	// A sign-out closes the user's connections and disposes their live
	// stores; a sign-in warms nothing, workspaces are created on demand.
	s.unsubIdentity = provider.Subscribe(func(uid string, user *model.User) {
		if user == nil {
			hub.DisconnectUser(uid)
			manager.Dispose(uid)
		}
	})

	return s
}

const (
	sessionSweepInterval   = time.Hour
	workspaceSweepInterval = 10 * time.Minute
	workspaceMaxIdle       = 30 * time.Minute
	orphanSweepInterval    = 6 * time.Hour
)

// StartMaintenance launches the periodic backup and the background sweeps:
// expired sessions and rate-limit entries, idle workspaces, orphaned items.
// All of them stop when ctx is canceled.
func (s *Server) StartMaintenance(ctx context.Context) {
	s.backupManager.Start(ctx)
	go s.sessionJanitor(ctx)
	go s.workspaceJanitor(ctx)
	go s.orphanJanitor(ctx)
}

func (s *Server) sessionJanitor(ctx context.Context) {
	ticker := time.NewTicker(sessionSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := s.provider.DeleteExpired(ctx); err != nil {
				s.logger.Error("session cleanup", "error", err)
			} else if n > 0 {
				s.logger.Info("expired sessions removed", "count", n)
			}
			s.rateLimiter.Cleanup()
		}
	}
}

func (s *Server) workspaceJanitor(ctx context.Context) {
	ticker := time.NewTicker(workspaceSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.manager.EvictIdle(workspaceMaxIdle)
		}
	}
}

func (s *Server) orphanJanitor(ctx context.Context) {
	ticker := time.NewTicker(orphanSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := store.PurgeOrphanedItems(ctx, s.docs, s.logger); err != nil {
				s.logger.Error("orphan sweep", "error", err)
			}
		}
	}
}

// Close stops the backup loop and tears down live subscriptions and
// workspaces.
func (s *Server) Close() {
	s.backupManager.Stop()
	if s.unsubIdentity != nil {
		s.unsubIdentity()
	}
	s.manager.Close()
}

func (s *Server) Router() http.Handler {
	outerMux := http.NewServeMux()

	// Public routes (no auth required)
	outerMux.HandleFunc("POST /auth/signup", s.rateLimitedHandler(s.authH.SignUp))
	outerMux.HandleFunc("POST /auth/login", s.rateLimitedHandler(s.authH.SignIn))
	outerMux.HandleFunc("POST /auth/reset-password", s.rateLimitedHandler(s.authH.ResetPassword))
	outerMux.HandleFunc("POST /auth/reset-password/confirm", s.rateLimitedHandler(s.authH.ConfirmReset))
	outerMux.HandleFunc("GET /health", s.healthHandler)

	// Protected routes, wrapped with RequireAuth
	protectedMux := http.NewServeMux()
	s.registerProtectedRoutes(protectedMux)

	authMiddleware := middleware.RequireAuth(s.provider)
	outerMux.Handle("/", authMiddleware(protectedMux))

	return middleware.RequestLogger(s.logger.With("component", "http"))(outerMux)
}

func (s *Server) registerProtectedRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /auth/logout", s.authH.SignOut)
	mux.HandleFunc("GET /api/me", s.authH.Me)

	// List API routes
	mux.HandleFunc("GET /api/lists", s.listH.List)
	mux.HandleFunc("POST /api/lists", s.listH.Create)
	mux.HandleFunc("PUT /api/lists/{id}", s.listH.Update)
	mux.HandleFunc("DELETE /api/lists/{id}", s.listH.Delete)

	// Item API routes
	mux.HandleFunc("PUT /api/active-list", s.itemH.SetActive)
	mux.HandleFunc("GET /api/items", s.itemH.List)
	mux.HandleFunc("POST /api/items", s.itemH.Add)
	mux.HandleFunc("PUT /api/items/{id}", s.itemH.Update)
	mux.HandleFunc("POST /api/items/{id}/toggle", s.itemH.Toggle)
	mux.HandleFunc("DELETE /api/items/{id}", s.itemH.Delete)
	mux.HandleFunc("POST /api/items/clear-completed", s.itemH.ClearCompleted)

	// Push notification API routes
	mux.HandleFunc("GET /api/push/vapid-key", s.pushH.VAPIDKey)
	mux.HandleFunc("POST /api/push/subscribe", s.pushH.Subscribe)
	mux.HandleFunc("POST /api/push/unsubscribe", s.pushH.Unsubscribe)

	// Backup API routes
	mux.HandleFunc("GET /api/backup/status", s.backupH.Status)
	mux.HandleFunc("POST /api/backup/run", s.backupH.Run)

	// Live sync
	mux.HandleFunc("GET /ws", ws.Handle(s.hub, s.manager, s.logger.With("component", "websocket")))
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) rateLimitedHandler(h http.HandlerFunc) http.HandlerFunc {
	keyFunc := func(r *http.Request) string {
		return middleware.RealIP(r)
	}
	rl := middleware.RateLimit(s.rateLimiter, keyFunc, 10, time.Minute)
	return func(w http.ResponseWriter, r *http.Request) {
		rl(http.HandlerFunc(h)).ServeHTTP(w, r)
	}
}
