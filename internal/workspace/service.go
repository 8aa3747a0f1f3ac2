// Package workspace holds open workspace sessions: the per-workspace state
// (sandbox mode, auto-run) and the operations that change a workspace's
// tables, columns, rows and cells.
package workspace

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rendis/gridflow/internal/autorun"
	"github.com/rendis/gridflow/internal/engine"
	"github.com/rendis/gridflow/internal/logging"
	"github.com/rendis/gridflow/internal/store"
	"github.com/rendis/gridflow/internal/validation"
	"github.com/rendis/gridflow/pkg/schema"
)

// Config configures sessions opened by a Service.
type Config struct {
	AutoRun autorun.Config `mapstructure:"auto_run"`
}

// Deps are the collaborators shared by every session. Store, Executor and
// Validator are required.
type Deps struct {
	Store     store.Store
	Executor  engine.Executor
	Validator validation.Validator
	Events    engine.EventSink
	Logger    *slog.Logger
}

// Service opens workspaces and keeps one session per open workspace.
type Service struct {
	deps   Deps
	config Config
	logger *slog.Logger

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewService creates a Service.
func NewService(deps Deps, cfg Config) (*Service, error) {
	if deps.Store == nil || deps.Executor == nil || deps.Validator == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "workspace service requires a store, an executor and a validator")
	}
	return &Service{
		deps:     deps,
		config:   cfg,
		logger:   logging.OrDefault(deps.Logger),
		sessions: make(map[string]*Session),
	}, nil
}

// Create stores a new workspace and opens it.
func (s *Service) Create(ctx context.Context, name string, autoRun bool) (*Session, error) {
	if strings.TrimSpace(name) == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "workspace name is required")
	}
	now := time.Now().UTC()
	ws := &schema.Workspace{
		ID:        uuid.New().String(),
		Name:      name,
		AutoRun:   autoRun,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.deps.Store.CreateWorkspace(ctx, ws); err != nil {
		return nil, err
	}
	return s.Open(ctx, ws.ID)
}

// Open returns the session of a workspace, starting it on first use.
func (s *Service) Open(ctx context.Context, id string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[id]; ok {
		return sess, nil
	}

	if _, err := s.deps.Store.GetWorkspace(ctx, id); err != nil {
		return nil, err
	}
	logger := s.logger.With(slog.String("workspace_id", id))
	sess := &Session{
		id:        id,
		store:     s.deps.Store,
		executor:  s.deps.Executor,
		validator: s.deps.Validator,
		events:    s.deps.Events,
		logger:    logger,
	}
	sched, err := autorun.New(id, autorun.Deps{
		Store:  s.deps.Store,
		Runner: sess,
		Events: s.deps.Events,
		Logger: s.deps.Logger,
	}, s.config.AutoRun)
	if err != nil {
		return nil, err
	}
	if err := sched.Start(ctx); err != nil {
		return nil, err
	}
	sess.scheduler = sched

	s.sessions[id] = sess
	logger.Info("workspace opened")
	return sess, nil
}

// List returns every stored workspace.
func (s *Service) List(ctx context.Context) ([]*schema.Workspace, error) {
	return s.deps.Store.ListWorkspaces(ctx)
}

// OpenIDs returns the IDs of the open sessions, sorted.
func (s *Service) OpenIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Close stops a workspace's session. Closing a workspace that is not open
// is a no-op.
func (s *Service) Close(id string) {
	s.mu.Lock()
	sess, ok := s.sessions[id]
	delete(s.sessions, id)
	s.mu.Unlock()
	if ok {
		sess.Close()
	}
}

// Shutdown closes every open session.
func (s *Service) Shutdown() {
	for _, id := range s.OpenIDs() {
		s.Close(id)
	}
}
