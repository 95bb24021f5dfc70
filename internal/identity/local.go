package identity

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/efox/shoplist/internal/docstore"
	"github.com/efox/shoplist/internal/email"
	"github.com/efox/shoplist/internal/model"
)

const (
	usersCollection = "users"

	sessionTTL     = 30 * 24 * time.Hour
	resetTTL       = time.Hour
	minPasswordLen = 8
)

var defaultPreferences = model.UserPreferences{Theme: "dark", Notifications: true}

// LocalProvider implements Provider with bcrypt password hashes and sessions
// in SQLite. Profile documents live in the users docstore collection; the
// auth tables remain usable when the docstore is degraded.
type LocalProvider struct {
	db          *sql.DB
	docs        docstore.Store
	emailClient *email.Client
	logger      *slog.Logger

	mu      sync.Mutex
	subs    map[int]func(string, *model.User)
	nextSub int
}

func NewLocalProvider(db *sql.DB, docs docstore.Store, emailClient *email.Client, logger *slog.Logger) *LocalProvider {
	return &LocalProvider{
		db:          db,
		docs:        docs,
		emailClient: emailClient,
		logger:      logger,
		subs:        make(map[int]func(string, *model.User)),
	}
}

// authRow is the minimal identity stored in the users table.
type authRow struct {
	id          string
	email       string
	displayName string
	createdAt   time.Time
}

func (p *LocalProvider) SignUp(ctx context.Context, emailAddr, password, displayName string) (*model.User, string, error) {
	emailAddr = strings.ToLower(strings.TrimSpace(emailAddr))
	if !strings.Contains(emailAddr, "@") {
		return nil, "", ErrInvalidEmail
	}
	if len(password) < minPasswordLen {
		return nil, "", ErrWeakPassword
	}
	displayName = strings.TrimSpace(displayName)
	if displayName == "" {
		displayName = "User"
	}

	var exists int
	err := p.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM users WHERE email = ?`, emailAddr).Scan(&exists)
	if err != nil {
		return nil, "", fmt.Errorf("check email: %w", err)
	}
	if exists > 0 {
		return nil, "", ErrEmailTaken
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, "", fmt.Errorf("hash password: %w", err)
	}

	id := uuid.NewString()
	_, err = p.db.ExecContext(ctx,
		`INSERT INTO users (id, email, display_name, password_hash) VALUES (?, ?, ?, ?)`,
		id, emailAddr, displayName, string(hash),
	)
	if err != nil {
		return nil, "", fmt.Errorf("insert user: %w", err)
	}

	// Profile storage is best-effort: sign-up must not fail because the
	// docstore is unreachable.
	_, err = p.docs.Create(ctx, usersCollection, docstore.Document{
		"uid":         id,
		"email":       emailAddr,
		"displayName": displayName,
		"preferences": defaultPreferences,
		"createdAt":   docstore.ServerTimestamp,
		"updatedAt":   docstore.ServerTimestamp,
	})
	if err != nil {
		p.logger.Warn("profile create failed, continuing with auth record", "uid", id, "error", err)
	}

	user := p.loadUser(ctx, authRow{id: id, email: emailAddr, displayName: displayName, createdAt: time.Now().UTC()})

	token, err := p.createSession(ctx, id)
	if err != nil {
		return nil, "", err
	}

	p.notify(id, user)
	return user, token, nil
}

func (p *LocalProvider) SignIn(ctx context.Context, emailAddr, password string) (*model.User, string, error) {
	emailAddr = strings.ToLower(strings.TrimSpace(emailAddr))

	var row authRow
	var hash string
	err := p.db.QueryRowContext(ctx,
		`SELECT id, email, display_name, password_hash, created_at FROM users WHERE email = ?`,
		emailAddr,
	).Scan(&row.id, &row.email, &row.displayName, &hash, &row.createdAt)
	if err == sql.ErrNoRows {
		return nil, "", ErrInvalidCredentials
	}
	if err != nil {
		return nil, "", fmt.Errorf("lookup user: %w", err)
	}

	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)); err != nil {
		return nil, "", ErrInvalidCredentials
	}

	user := p.loadUser(ctx, row)

	token, err := p.createSession(ctx, row.id)
	if err != nil {
		return nil, "", err
	}

	p.notify(row.id, user)
	return user, token, nil
}

func (p *LocalProvider) SignOut(ctx context.Context, token string) error {
	var uid string
	err := p.db.QueryRowContext(ctx, `SELECT user_id FROM sessions WHERE token = ?`, token).Scan(&uid)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		return fmt.Errorf("lookup session: %w", err)
	}

	if _, err := p.db.ExecContext(ctx, `DELETE FROM sessions WHERE token = ?`, token); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}

	p.notify(uid, nil)
	return nil
}

func (p *LocalProvider) ResetPassword(ctx context.Context, emailAddr string) error {
	emailAddr = strings.ToLower(strings.TrimSpace(emailAddr))

	var exists int
	if err := p.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM users WHERE email = ?`, emailAddr).Scan(&exists); err != nil {
		return fmt.Errorf("lookup user: %w", err)
	}
	if exists == 0 {
		// Succeed silently to prevent account enumeration.
		p.logger.Debug("reset requested for unknown email", "email", emailAddr)
		return nil
	}

	code, err := newResetCode()
	if err != nil {
		return fmt.Errorf("generate reset code: %w", err)
	}

	_, err = p.db.ExecContext(ctx,
		`INSERT INTO password_resets (token, email, expires_at) VALUES (?, ?, ?)`,
		code, emailAddr, time.Now().UTC().Add(resetTTL),
	)
	if err != nil {
		return fmt.Errorf("insert reset: %w", err)
	}

	if p.emailClient.Configured() {
		if err := p.emailClient.SendPasswordReset(emailAddr, code); err != nil {
			p.logger.Error("send reset email", "email", emailAddr, "error", err)
		}
	} else {
		p.logger.Info("password reset code issued (no email configured)", "email", emailAddr, "code", code)
	}
	return nil
}

func (p *LocalProvider) ConfirmReset(ctx context.Context, emailAddr, code, newPassword string) error {
	emailAddr = strings.ToLower(strings.TrimSpace(emailAddr))
	if len(newPassword) < minPasswordLen {
		return ErrWeakPassword
	}

	var resetID int64
	err := p.db.QueryRowContext(ctx,
		`SELECT id FROM password_resets WHERE email = ? AND token = ? AND expires_at > ? AND used_at IS NULL`,
		emailAddr, code, time.Now().UTC(),
	).Scan(&resetID)
	if err == sql.ErrNoRows {
		return ErrInvalidResetCode
	}
	if err != nil {
		return fmt.Errorf("lookup reset: %w", err)
	}

	var uid string
	err = p.db.QueryRowContext(ctx, `SELECT id FROM users WHERE email = ?`, emailAddr).Scan(&uid)
	if err != nil {
		return fmt.Errorf("lookup user: %w", err)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(newPassword), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin reset: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `UPDATE users SET password_hash = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`, string(hash), uid); err != nil {
		return fmt.Errorf("update password: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE password_resets SET used_at = CURRENT_TIMESTAMP WHERE id = ?`, resetID); err != nil {
		return fmt.Errorf("mark reset used: %w", err)
	}
	// A reset signs the account out everywhere.
	if _, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE user_id = ?`, uid); err != nil {
		return fmt.Errorf("revoke sessions: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit reset: %w", err)
	}

	p.notify(uid, nil)
	return nil
}

func (p *LocalProvider) Verify(ctx context.Context, token string) (*model.User, error) {
	var row authRow
	err := p.db.QueryRowContext(ctx,
		`SELECT u.id, u.email, u.display_name, u.created_at
		 FROM sessions s JOIN users u ON u.id = s.user_id
		 WHERE s.token = ? AND s.expires_at > ?`,
		token, time.Now().UTC(),
	).Scan(&row.id, &row.email, &row.displayName, &row.createdAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("verify session: %w", err)
	}
	return p.loadUser(ctx, row), nil
}

func (p *LocalProvider) Subscribe(fn func(uid string, user *model.User)) func() {
	p.mu.Lock()
	id := p.nextSub
	p.nextSub++
	p.subs[id] = fn
	p.mu.Unlock()

	return func() {
		p.mu.Lock()
		delete(p.subs, id)
		p.mu.Unlock()
	}
}

// DeleteExpired removes expired sessions and reset codes. Run periodically.
func (p *LocalProvider) DeleteExpired(ctx context.Context) (int64, error) {
	now := time.Now().UTC()
	res, err := p.db.ExecContext(ctx, `DELETE FROM sessions WHERE expires_at <= ?`, now)
	if err != nil {
		return 0, fmt.Errorf("delete expired sessions: %w", err)
	}
	sessions, _ := res.RowsAffected()

	res, err = p.db.ExecContext(ctx, `DELETE FROM password_resets WHERE expires_at <= ?`, now)
	if err != nil {
		return sessions, fmt.Errorf("delete expired resets: %w", err)
	}
	resets, _ := res.RowsAffected()

	return sessions + resets, nil
}

// profileDoc mirrors the users collection document layout.
type profileDoc struct {
	UID         string                `json:"uid"`
	Email       string                `json:"email"`
	DisplayName string                `json:"displayName"`
	PhotoURL    string                `json:"photoURL"`
	Preferences model.UserPreferences `json:"preferences"`
	CreatedAt   time.Time             `json:"createdAt"`
	UpdatedAt   time.Time             `json:"updatedAt"`
}

// loadUser resolves the full profile for an auth row. A failed or missing
// profile read degrades to a minimal record synthesized from the auth row so
// sign-in is never blocked on profile storage.
func (p *LocalProvider) loadUser(ctx context.Context, row authRow) *model.User {
	docs, err := p.docs.Query(ctx, usersCollection, docstore.Where("uid", row.id))
	if err != nil {
		p.logger.Warn("profile read failed, using auth record", "uid", row.id, "error", err)
	} else if len(docs) > 0 {
		var prof profileDoc
		data, merr := json.Marshal(docs[0])
		if merr == nil && json.Unmarshal(data, &prof) == nil {
			return &model.User{
				ID:          row.id,
				Email:       prof.Email,
				DisplayName: prof.DisplayName,
				PhotoURL:    prof.PhotoURL,
				CreatedAt:   prof.CreatedAt,
				UpdatedAt:   prof.UpdatedAt,
				Preferences: prof.Preferences,
			}
		}
		p.logger.Warn("profile decode failed, using auth record", "uid", row.id)
	}

	name := row.displayName
	if name == "" {
		name = "User"
	}
	return &model.User{
		ID:          row.id,
		Email:       row.email,
		DisplayName: name,
		CreatedAt:   row.createdAt,
		Preferences: defaultPreferences,
	}
}

func (p *LocalProvider) createSession(ctx context.Context, uid string) (string, error) {
	token, err := newSessionToken()
	if err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	_, err = p.db.ExecContext(ctx,
		`INSERT INTO sessions (token, user_id, expires_at) VALUES (?, ?, ?)`,
		token, uid, time.Now().UTC().Add(sessionTTL),
	)
	if err != nil {
		return "", fmt.Errorf("insert session: %w", err)
	}
	return token, nil
}

func (p *LocalProvider) notify(uid string, user *model.User) {
	p.mu.Lock()
	fns := make([]func(string, *model.User), 0, len(p.subs))
	for _, fn := range p.subs {
		fns = append(fns, fn)
	}
	p.mu.Unlock()

	for _, fn := range fns {
		fn(uid, user)
	}
}

func newSessionToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

func newResetCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(900000))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%06d", n.Int64()+100000), nil
}
