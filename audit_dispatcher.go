package privacyidea

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// auditDispatcher decouples the authentication paths from sink latency
// and finalizes every event before it leaves the engine: correlation
// id, timestamp and the stable error code are stamped here so all
// sinks see the same record regardless of which operation emitted it.
type auditDispatcher struct {
	cfg     AuditConfig
	sink    AuditSink
	queue   chan AuditEvent
	quit    chan struct{}
	wg      sync.WaitGroup
	dropped atomic.Uint64
	closed  atomic.Bool
	stop    sync.Once
}

func newAuditDispatcher(cfg AuditConfig, sink AuditSink) *auditDispatcher {
	if !cfg.Enabled {
		return nil
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 1
	}
	if sink == nil {
		sink = NoOpSink{}
	}

	d := &auditDispatcher{
		cfg:   cfg,
		sink:  sink,
		queue: make(chan AuditEvent, cfg.BufferSize),
		quit:  make(chan struct{}),
	}

	d.wg.Add(1)
	go d.run()

	return d
}

func (d *auditDispatcher) run() {
	defer d.wg.Done()

	for {
		select {
		case event := <-d.queue:
			d.sink.Emit(context.Background(), event)
		case <-d.quit:
			d.drain()
			return
		}
	}
}

// drain flushes whatever is still buffered after Close. New emits are
// already refused at this point, so the loop terminates.
func (d *auditDispatcher) drain() {
	for {
		select {
		case event := <-d.queue:
			d.sink.Emit(context.Background(), event)
		default:
			return
		}
	}
}

// finalize stamps the fields no emitter fills by hand.
func (d *auditDispatcher) finalize(event *AuditEvent, cause error) {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if event.Error == "" {
		if code := auditErrorCode(cause); code != "" {
			event.Error = string(code)
		}
	}
}

// Emit describes the emit operation and its observable behavior.
//
// Emit may return an error when input validation, dependency calls, or security checks fail.
// Emit does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func (d *auditDispatcher) Emit(ctx context.Context, event AuditEvent, cause error) {
	if d == nil || d.closed.Load() {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	d.finalize(&event, cause)

	if d.cfg.DropIfFull {
		select {
		case d.queue <- event:
		case <-d.quit:
		default:
			d.dropped.Add(1)
		}
		return
	}

	select {
	case d.queue <- event:
	case <-ctx.Done():
	case <-d.quit:
	}
}

// Close describes the close operation and its observable behavior.
//
// Close may return an error when input validation, dependency calls, or security checks fail.
// Close does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func (d *auditDispatcher) Close() {
	if d == nil {
		return
	}
	d.stop.Do(func() {
		d.closed.Store(true)
		close(d.quit)
		d.wg.Wait()
	})
}

// Dropped describes the dropped operation and its observable behavior.
//
// Dropped may return an error when input validation, dependency calls, or security checks fail.
// Dropped does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func (d *auditDispatcher) Dropped() uint64 {
	if d == nil {
		return 0
	}
	return d.dropped.Load()
}

// auditErrorCode collapses the engine's sentinel errors into the stable
// code vocabulary written into audit records. Unrecognized errors are
// reported as internal rather than leaking their text.
func auditErrorCode(err error) AuditErrorCode {
	if err == nil {
		return ""
	}

	switch {
	case errors.Is(err, ErrTokenNotFound):
		return auditErrTokenNotFound
	case errors.Is(err, ErrUserNotFound):
		return auditErrUserNotFound
	case errors.Is(err, ErrAmbiguousMatch),
		errors.Is(err, ErrMultipleChallenges):
		return auditErrAmbiguous
	case errors.Is(err, ErrReplayRejected):
		return auditErrReplay
	case errors.Is(err, ErrChallengeNotFound),
		errors.Is(err, ErrChallengeExpired):
		return auditErrChallengeInvalid
	case errors.Is(err, ErrChallengeAttempts):
		return auditErrChallengeAttempts
	case errors.Is(err, ErrPolicyConflict):
		return auditErrPolicyConflict
	case errors.Is(err, ErrPolicyCondition),
		errors.Is(err, ErrPolicyInvalid):
		return auditErrPolicy
	case errors.Is(err, ErrChallengeBackend),
		errors.Is(err, ErrTokenStoreUnavailable),
		errors.Is(err, ErrDirectoryUnavailable),
		errors.Is(err, ErrAssertionUnavailable):
		return auditErrUnavailable
	default:
		return auditErrInternal
	}
}
