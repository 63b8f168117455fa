package chatconfig

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// Identity is the durable visitor record. VisitorID is created once per
// device and correlates every request; LastSessionID lets a restarted
// widget resume its chat.
type Identity struct {
	VisitorID     string    `yaml:"visitor_id" json:"visitorId"`
	LastSessionID string    `yaml:"last_session_id,omitempty" json:"lastSessionId,omitempty"`
	CreatedAt     time.Time `yaml:"created_at" json:"createdAt"`
}

// IdentityStore persists a single Identity. Load returns nil, nil when none
// has been saved.
type IdentityStore interface {
	Load(ctx context.Context) (*Identity, error)
	Save(ctx context.Context, id *Identity) error
}

// OpenIdentityStore returns the backend selected by cfg. The returned close
// function releases backend connections.
func OpenIdentityStore(cfg *GlobalConfig, configPath string) (IdentityStore, func() error, error) {
	if cfg == nil {
		cfg = &GlobalConfig{}
	}
	switch backend := strings.TrimSpace(cfg.Identity.Backend); backend {
	case "", IdentityBackendFile:
		return NewFileIdentityStore(cfg.IdentityPath(configPath)), func() error { return nil }, nil
	case IdentityBackendRedis:
		s, err := OpenRedisIdentityStore(cfg.Identity.RedisURL, cfg.Identity.RedisKey)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown identity backend %q", backend)
	}
}

// EnsureVisitor loads the identity, creating and saving a new visitor id on
// first use.
func EnsureVisitor(ctx context.Context, store IdentityStore, now time.Time) (*Identity, error) {
	id, err := store.Load(ctx)
	if err != nil {
		return nil, err
	}
	if id != nil && strings.TrimSpace(id.VisitorID) != "" {
		return id, nil
	}
	id = &Identity{VisitorID: uuid.NewString(), CreatedAt: now.UTC()}
	if err := store.Save(ctx, id); err != nil {
		return nil, fmt.Errorf("save visitor identity: %w", err)
	}
	return id, nil
}

// Recorder remembers the visitor's last session id in an IdentityStore.
type Recorder struct {
	Store IdentityStore
}

func (r Recorder) RecordSession(ctx context.Context, sessionID string) error {
	id, err := r.Store.Load(ctx)
	if err != nil {
		return err
	}
	if id == nil {
		return errors.New("no visitor identity")
	}
	if id.LastSessionID == sessionID {
		return nil
	}
	id.LastSessionID = sessionID
	return r.Store.Save(ctx, id)
}

// FileIdentityStore keeps the identity in a YAML file.
type FileIdentityStore struct {
	path string
}

func NewFileIdentityStore(path string) *FileIdentityStore {
	return &FileIdentityStore{path: path}
}

func (s *FileIdentityStore) Path() string {
	return s.path
}

func (s *FileIdentityStore) Load(context.Context) (*Identity, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var id Identity
	if err := yaml.Unmarshal(data, &id); err != nil {
		return nil, fmt.Errorf("parse %s: %w", s.path, err)
	}
	return &id, nil
}

func (s *FileIdentityStore) Save(_ context.Context, id *Identity) error {
	if id == nil {
		return errors.New("nil identity")
	}
	lock, err := LockExclusive(s.path + ".lock")
	if err != nil {
		return fmt.Errorf("lock identity: %w", err)
	}
	defer func() { _ = lock.Close() }()

	data, err := yaml.Marshal(id)
	if err != nil {
		return err
	}
	return writeFileAtomic(s.path, data)
}
