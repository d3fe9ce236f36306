package autosave

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MarcoPoloResearchLab/draftsafe/internal/drafts"
	"github.com/MarcoPoloResearchLab/draftsafe/internal/metrics"
	"go.uber.org/zap"
)

const (
	opSessionNew              = "autosave.session.new"
	opSessionFlush            = "autosave.session.flush"
	reasonMissingCoordinator  = "missing_coordinator"
	reasonInvalidDelay        = "invalid_delay"
	triggerTimer              = "timer"
	triggerForced             = "forced"
	triggerClose              = "close"
	defaultDelay              = time.Second
	defaultForcedFlushTimeout = 2 * time.Second
)

var (
	// ErrSessionClosed indicates an edit was offered to a session that has been torn down.
	ErrSessionClosed = errors.New("autosave: session closed")

	errMissingCoordinator = errors.New("flush coordinator is required")
	errInvalidDelay       = errors.New("debounce delay must be positive")
)

// SessionConfig describes one draft's autosave session.
type SessionConfig struct {
	DraftID            drafts.DraftID
	Coordinator        *Coordinator
	Delay              time.Duration
	ForcedFlushTimeout time.Duration
	Lifecycle          LifecycleSource
	Status             *StatusDispatcher
	Logger             *zap.Logger
	Metrics            *metrics.Collector
	OnClose            func(*Session)
}

// Session owns the update buffer of one draft and flushes it on quiet periods and
// lifecycle signals.
type Session struct {
	draftID       drafts.DraftID
	coordinator   *Coordinator
	buffer        *UpdateBuffer
	status        *StatusDispatcher
	logger        *zap.Logger
	metrics       *metrics.Collector
	forcedTimeout time.Duration
	onClose       func(*Session)

	flushMu     sync.Mutex
	saving      atomic.Bool
	closed      atomic.Bool
	errMu       sync.RWMutex
	lastErr     error
	unsubscribe func()
	closeOnce   sync.Once
	closeErr    error
}

func NewSession(cfg SessionConfig) (*Session, error) {
	if cfg.Coordinator == nil {
		return nil, drafts.NewServiceError(opSessionNew, reasonMissingCoordinator, errMissingCoordinator)
	}
	if _, err := drafts.NewDraftID(cfg.DraftID.String()); err != nil {
		return nil, err
	}
	delay := cfg.Delay
	if delay == 0 {
		delay = defaultDelay
	}
	if delay < 0 {
		return nil, drafts.NewServiceError(opSessionNew, reasonInvalidDelay, errInvalidDelay)
	}
	forcedTimeout := cfg.ForcedFlushTimeout
	if forcedTimeout <= 0 {
		forcedTimeout = defaultForcedFlushTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	session := &Session{
		draftID:       cfg.DraftID,
		coordinator:   cfg.Coordinator,
		status:        cfg.Status,
		logger:        logger.With(zap.String(fieldDraftID, cfg.DraftID.String())),
		metrics:       cfg.Metrics,
		forcedTimeout: forcedTimeout,
		onClose:       cfg.OnClose,
		unsubscribe:   func() {},
	}
	session.buffer = NewUpdateBuffer(cfg.Coordinator.Clock(), delay, session.onTimerExpired)
	if cfg.Lifecycle != nil {
		session.unsubscribe = cfg.Lifecycle.OnBecomingUnreachable(session.handleSignal)
	}
	session.metrics.SessionOpened()
	return session, nil
}

// DraftID returns the identity this session buffers edits for.
func (s *Session) DraftID() drafts.DraftID {
	return s.draftID
}

// Merge buffers update and restarts the debounce delay.
func (s *Session) Merge(update drafts.Fields) error {
	if !s.buffer.Merge(update) {
		return ErrSessionClosed
	}
	return nil
}

// Flush cancels the pending delay and persists whatever is buffered now.
// Once the edits are taken the write runs to completion even if ctx ends.
func (s *Session) Flush(ctx context.Context) (drafts.FlushResult, error) {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()
	if err := ctx.Err(); err != nil {
		return drafts.FlushResult{}, err
	}
	return s.flushLocked(context.WithoutCancel(ctx), triggerForced)
}

// Restore makes snapshotID's content the next version. Pending content edits are
// discarded; pending naming edits are written with the restored row. History is not
// touched. If the restore fails the pending edits stay buffered.
func (s *Session) Restore(ctx context.Context, snapshotID drafts.SnapshotID) (drafts.Draft, error) {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()
	if err := ctx.Err(); err != nil {
		return drafts.Draft{}, err
	}

	pending := s.buffer.Take()
	restored, err := s.coordinator.Restore(context.WithoutCancel(ctx), s.draftID, snapshotID, pending.Naming())
	if err != nil {
		s.buffer.Requeue(pending)
		if !errors.Is(err, drafts.ErrSnapshotNotFound) {
			s.recordError(err)
		}
		return drafts.Draft{}, err
	}
	s.recordError(nil)
	s.publish(StatusEvent{
		Kind:       StatusRestored,
		Version:    restored.Version,
		SnapshotID: snapshotID.Int64(),
	})
	return restored, nil
}

// Saving reports whether a flush transaction is in flight.
func (s *Session) Saving() bool {
	return s.saving.Load()
}

// HasPending reports whether edits are waiting to be flushed.
func (s *Session) HasPending() bool {
	return s.buffer.HasPending()
}

// LastError returns the error of the most recent failed flush or restore, cleared on success.
func (s *Session) LastError() error {
	s.errMu.RLock()
	defer s.errMu.RUnlock()
	return s.lastErr
}

// Closed reports whether the session has been torn down.
func (s *Session) Closed() bool {
	return s.closed.Load()
}

// Close stops listening for lifecycle signals, refuses further edits and flushes
// any buffered ones. The flush keeps running if ctx ends first; Close then returns
// ctx's error.
func (s *Session) Close(ctx context.Context) error {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		s.buffer.Seal()
		s.unsubscribe()
		s.closeErr = s.awaitFlush(ctx, triggerClose)
		s.metrics.SessionClosed()
		if s.onClose != nil {
			s.onClose(s)
		}
	})
	return s.closeErr
}

func (s *Session) handleSignal(signal Signal) {
	s.metrics.ObserveForcedFlush(string(signal))
	ctx, cancel := context.WithTimeout(context.Background(), s.forcedTimeout)
	defer cancel()

	if signal == SignalTeardown {
		_ = s.Close(ctx)
		return
	}
	_ = s.awaitFlush(ctx, triggerForced)
}

// awaitFlush runs a flush that is never cancelled mid-transaction and waits for it
// at most until ctx ends.
func (s *Session) awaitFlush(ctx context.Context, trigger string) error {
	done := make(chan error, 1)
	go func() {
		s.flushMu.Lock()
		defer s.flushMu.Unlock()
		_, err := s.flushLocked(context.Background(), trigger)
		done <- err
	}()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		s.logger.Warn("forced flush did not finish before deadline",
			zap.String("trigger", trigger),
			zap.Error(ctx.Err()))
		return ctx.Err()
	}
}

func (s *Session) onTimerExpired() {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()
	_, _ = s.flushLocked(context.Background(), triggerTimer)
}

func (s *Session) flushLocked(ctx context.Context, trigger string) (drafts.FlushResult, error) {
	update := s.buffer.Take()
	if update.IsEmpty() {
		return drafts.FlushResult{Skipped: true}, nil
	}

	s.saving.Store(true)
	s.publish(StatusEvent{Kind: StatusSaving, Saving: true})
	result, err := s.coordinator.Flush(ctx, s.draftID, update)
	s.saving.Store(false)
	if err != nil {
		s.recordError(err)
		s.logger.Error("draft flush failed",
			zap.String("operation", opSessionFlush),
			zap.String("trigger", trigger),
			zap.Error(err))
		s.publish(StatusEvent{Kind: StatusError, Err: err})
		return drafts.FlushResult{}, err
	}
	s.recordError(nil)
	s.publish(StatusEvent{
		Kind:       StatusSaved,
		Version:    result.Draft.Version,
		SnapshotID: result.Snapshot.SnapshotID,
	})
	return result, nil
}

func (s *Session) recordError(err error) {
	s.errMu.Lock()
	s.lastErr = err
	s.errMu.Unlock()
}

func (s *Session) publish(event StatusEvent) {
	if s.status == nil {
		return
	}
	event.DraftID = s.draftID.String()
	event.Timestamp = s.coordinator.Clock().Now().UTC()
	s.status.Publish(event)
}
