// Package backup exports the document collections as an encrypted archive
// and ships it to S3-compatible storage on a schedule.
package backup

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/efox/shoplist/internal/docstore"
)

// collections included in every archive.
var backupCollections = []string{"shoppingLists", "listItems", "users", "pushSubscriptions"}

// s3Client is an interface for testability.
type s3Client interface {
	PutObject(ctx context.Context, input *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, input *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3Config holds S3-compatible storage configuration.
type S3Config struct {
	Endpoint  string
	Bucket    string
	Region    string
	AccessKey string
	SecretKey string
}

// Config holds backup manager configuration.
type Config struct {
	S3         S3Config
	Passphrase string
	Interval   time.Duration
}

// State represents the backup manager state.
type State string

const (
	StateIdle     State = "idle"
	StateRunning  State = "running"
	StateDisabled State = "disabled"
	StateError    State = "error"
)

// Status holds the current backup manager status.
type Status struct {
	State      State      `json:"state"`
	LastBackup *time.Time `json:"last_backup,omitempty"`
	LastKey    string     `json:"last_key,omitempty"`
	Error      string     `json:"error,omitempty"`
}

// Archive is the decrypted backup payload.
type Archive struct {
	CreatedAt   time.Time                      `json:"createdAt"`
	Collections map[string][]docstore.Document `json:"collections"`
}

// Manager runs scheduled encrypted exports of the document store.
type Manager struct {
	docs   docstore.Store
	logger *slog.Logger
	cfg    Config
	client s3Client

	mu     sync.RWMutex
	status Status

	cancel context.CancelFunc
	done   chan struct{}
}

// NewManager creates a backup manager. Missing S3 credentials or an empty
// passphrase leave it disabled; Start and RunNow become no-ops.
func NewManager(cfg Config, docs docstore.Store, logger *slog.Logger) *Manager {
	m := &Manager{
		docs:   docs,
		logger: logger,
		cfg:    cfg,
		status: Status{State: StateDisabled},
	}
	if cfg.Interval <= 0 {
		m.cfg.Interval = 24 * time.Hour
	}
	if cfg.S3.Bucket != "" && cfg.S3.AccessKey != "" && cfg.S3.SecretKey != "" && cfg.Passphrase != "" {
		m.client = newS3Client(cfg.S3)
		m.status.State = StateIdle
	}
	return m
}

func newS3Client(cfg S3Config) *s3.Client {
	opts := s3.Options{
		Region:       cfg.Region,
		Credentials:  credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		UsePathStyle: true,
	}
	if cfg.Endpoint != "" {
		opts.BaseEndpoint = aws.String(cfg.Endpoint)
	}
	return s3.New(opts)
}

// Enabled reports whether the manager has everything it needs to run.
func (m *Manager) Enabled() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.client != nil
}

// Status returns the current backup status.
func (m *Manager) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status
}

func (m *Manager) setStatus(s Status) {
	m.mu.Lock()
	m.status = s
	m.mu.Unlock()
}

// Start begins the scheduled backup loop.
func (m *Manager) Start(ctx context.Context) {
	if !m.Enabled() {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	m.mu.Lock()
	m.cancel = cancel
	m.done = make(chan struct{})
	done := m.done
	m.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(m.cfg.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := m.RunNow(ctx); err != nil {
					m.logger.Error("scheduled backup failed", "error", err)
				}
			}
		}
	}()
}

// Stop gracefully stops the backup loop.
func (m *Manager) Stop() {
	m.mu.RLock()
	cancel := m.cancel
	done := m.done
	m.mu.RUnlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

// RunNow exports the collections, encrypts the archive and uploads it.
// Returns the object key.
func (m *Manager) RunNow(ctx context.Context) (string, error) {
	if !m.Enabled() {
		return "", fmt.Errorf("backup not configured")
	}
	m.setStatus(Status{State: StateRunning})

	archive := Archive{
		CreatedAt:   time.Now().UTC(),
		Collections: make(map[string][]docstore.Document, len(backupCollections)),
	}
	for _, coll := range backupCollections {
		docs, err := m.docs.Query(ctx, coll, docstore.Filter{})
		if err != nil {
			m.setStatus(Status{State: StateError, Error: err.Error()})
			return "", fmt.Errorf("export %s: %w", coll, err)
		}
		archive.Collections[coll] = docs
	}

	plaintext, err := json.Marshal(archive)
	if err != nil {
		m.setStatus(Status{State: StateError, Error: err.Error()})
		return "", fmt.Errorf("encode archive: %w", err)
	}

	salt, err := GenerateSalt()
	if err != nil {
		m.setStatus(Status{State: StateError, Error: err.Error()})
		return "", err
	}
	sealed, err := Encrypt(plaintext, m.cfg.Passphrase, salt)
	if err != nil {
		m.setStatus(Status{State: StateError, Error: err.Error()})
		return "", fmt.Errorf("encrypt archive: %w", err)
	}

	key := fmt.Sprintf("backups/%s.json.enc", archive.CreatedAt.Format("2006-01-02T150405Z"))
	_, err = m.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(m.cfg.S3.Bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(sealed),
		ContentLength: aws.Int64(int64(len(sealed))),
	})
	if err != nil {
		m.setStatus(Status{State: StateError, Error: err.Error()})
		return "", fmt.Errorf("upload to s3: %w", err)
	}

	now := time.Now().UTC()
	m.setStatus(Status{State: StateIdle, LastBackup: &now, LastKey: key})
	m.logger.Info("backup uploaded", "key", key, "bytes", len(sealed))
	return key, nil
}

// Fetch downloads and decrypts an archive by object key.
func (m *Manager) Fetch(ctx context.Context, key string) (*Archive, error) {
	if !m.Enabled() {
		return nil, fmt.Errorf("backup not configured")
	}

	result, err := m.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(m.cfg.S3.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("download from s3: %w", err)
	}
	defer result.Body.Close()

	sealed, err := io.ReadAll(result.Body)
	if err != nil {
		return nil, fmt.Errorf("read archive: %w", err)
	}
	plaintext, err := Decrypt(sealed, m.cfg.Passphrase)
	if err != nil {
		return nil, fmt.Errorf("decrypt archive: %w", err)
	}

	var archive Archive
	if err := json.Unmarshal(plaintext, &archive); err != nil {
		return nil, fmt.Errorf("decode archive: %w", err)
	}
	return &archive, nil
}

// Restore writes an archive's documents back into the store under their
// original ids. Existing documents with the same ids are overwritten;
// nothing is deleted first.
func (m *Manager) Restore(ctx context.Context, archive *Archive) error {
	for coll, docs := range archive.Collections {
		for _, doc := range docs {
			id, _ := doc["id"].(string)
			fields := make(docstore.Document, len(doc))
			for k, v := range doc {
				if k == "id" {
					continue
				}
				fields[k] = v
			}
			if id == "" {
				if _, err := m.docs.Create(ctx, coll, fields); err != nil {
					return fmt.Errorf("restore %s: %w", coll, err)
				}
				continue
			}
			if err := m.docs.Put(ctx, coll, id, fields); err != nil {
				return fmt.Errorf("restore %s/%s: %w", coll, id, err)
			}
		}
	}
	return nil
}
