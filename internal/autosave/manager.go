package autosave

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/draftsafe/internal/drafts"
	"github.com/MarcoPoloResearchLab/draftsafe/internal/metrics"
	"go.uber.org/zap"
)

const opManagerNew = "autosave.manager.new"

// ManagerConfig describes the shared dependencies of every session.
type ManagerConfig struct {
	Coordinator        *Coordinator
	Delay              time.Duration
	ForcedFlushTimeout time.Duration
	Lifecycle          *LifecycleHub
	Status             *StatusDispatcher
	Logger             *zap.Logger
	Metrics            *metrics.Collector
}

// Manager keeps at most one live session per draft identity.
type Manager struct {
	config   ManagerConfig
	logger   *zap.Logger
	mu       sync.Mutex
	sessions map[string]*Session
}

func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.Coordinator == nil {
		return nil, drafts.NewServiceError(opManagerNew, reasonMissingCoordinator, errMissingCoordinator)
	}
	if cfg.Delay < 0 {
		return nil, drafts.NewServiceError(opManagerNew, reasonInvalidDelay, errInvalidDelay)
	}
	if cfg.Lifecycle == nil {
		cfg.Lifecycle = NewLifecycleHub()
	}
	if cfg.Status == nil {
		cfg.Status = NewStatusDispatcher()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Manager{
		config:   cfg,
		logger:   logger,
		sessions: make(map[string]*Session),
	}, nil
}

// Coordinator returns the shared flush coordinator.
func (m *Manager) Coordinator() *Coordinator {
	return m.config.Coordinator
}

// Lifecycle returns the hub that delivers host signals to sessions.
func (m *Manager) Lifecycle() *LifecycleHub {
	return m.config.Lifecycle
}

// Status returns the dispatcher that carries saving and error events.
func (m *Manager) Status() *StatusDispatcher {
	return m.config.Status
}

// Session returns the live session of draftID, opening one if needed.
func (m *Manager) Session(draftID drafts.DraftID) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if session, ok := m.sessions[draftID.String()]; ok && !session.Closed() {
		return session, nil
	}
	session, err := NewSession(SessionConfig{
		DraftID:            draftID,
		Coordinator:        m.config.Coordinator,
		Delay:              m.config.Delay,
		ForcedFlushTimeout: m.config.ForcedFlushTimeout,
		Lifecycle:          m.config.Lifecycle.Source(draftID.String()),
		Status:             m.config.Status,
		Logger:             m.logger,
		Metrics:            m.config.Metrics,
		OnClose:            m.forget,
	})
	if err != nil {
		return nil, err
	}
	m.sessions[draftID.String()] = session
	return session, nil
}

// Lookup returns the live session of draftID without opening one.
func (m *Manager) Lookup(draftID drafts.DraftID) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	session, ok := m.sessions[draftID.String()]
	if !ok || session.Closed() {
		return nil, false
	}
	return session, true
}

// Merge buffers update in the session of draftID.
func (m *Manager) Merge(draftID drafts.DraftID, update drafts.Fields) error {
	for {
		session, err := m.Session(draftID)
		if err != nil {
			return err
		}
		err = session.Merge(update)
		if errors.Is(err, ErrSessionClosed) {
			continue
		}
		return err
	}
}

// Restore restores draftID to snapshotID through its session.
func (m *Manager) Restore(ctx context.Context, draftID drafts.DraftID, snapshotID drafts.SnapshotID) (drafts.Draft, error) {
	session, err := m.Session(draftID)
	if err != nil {
		return drafts.Draft{}, err
	}
	return session.Restore(ctx, snapshotID)
}

// Draft returns the persisted state of draftID.
func (m *Manager) Draft(ctx context.Context, draftID drafts.DraftID) (drafts.Draft, error) {
	return m.config.Coordinator.Draft(ctx, draftID)
}

// Snapshots lists the retained history of draftID, newest first.
func (m *Manager) Snapshots(ctx context.Context, draftID drafts.DraftID) ([]drafts.Snapshot, error) {
	return m.config.Coordinator.Snapshots(ctx, draftID)
}

// Signal delivers a lifecycle signal to the session of draftID, if one is live.
func (m *Manager) Signal(draftID drafts.DraftID, signal Signal) int {
	return m.config.Lifecycle.Emit(draftID.String(), signal)
}

// ActiveSessions returns the number of live sessions.
func (m *Manager) ActiveSessions() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Shutdown closes every session, flushing buffered edits, and waits at most until ctx ends.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, session := range m.sessions {
		sessions = append(sessions, session)
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	errs := make([]error, len(sessions))
	for index, session := range sessions {
		wg.Add(1)
		go func(index int, session *Session) {
			defer wg.Done()
			errs[index] = session.Close(ctx)
		}(index, session)
	}
	wg.Wait()
	if err := errors.Join(errs...); err != nil {
		m.logger.Warn("autosave shutdown incomplete", zap.Error(err))
		return err
	}
	m.logger.Info("autosave sessions closed", zap.Int("sessions", len(sessions)))
	return nil
}

func (m *Manager) forget(session *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if current, ok := m.sessions[session.DraftID().String()]; ok && current == session {
		delete(m.sessions, session.DraftID().String())
	}
}
