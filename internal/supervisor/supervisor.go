package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/ent0n29/envo/internal/chat"
	"github.com/ent0n29/envo/internal/observability"
)

var (
	ErrNotRunning     = errors.New("chat runtime is not running")
	ErrAlreadyStarted = errors.New("chat runtime already started")
)

const defaultStopTimeout = 10 * time.Second

// drainer is implemented by handlers that track in-flight work.
type drainer interface {
	Wait(ctx context.Context) error
}

type Options struct {
	// StopTimeout bounds the teardown performed by Go.
	StopTimeout time.Duration
}

// Supervisor owns the chat connection on a dedicated goroutine. HTTP
// handlers only ever read Status.
type Supervisor struct {
	client  chat.Client
	handler chat.Handler
	logger  *zap.Logger
	metrics *observability.Metrics

	status   atomic.Pointer[Status]
	shutdown *ShutdownSignal

	handlerCtx     context.Context
	cancelHandlers context.CancelFunc

	stopMu  sync.Mutex
	stopped bool
	stopErr error

	goOnce      sync.Once
	done        chan struct{}
	stopTimeout time.Duration
}

func New(client chat.Client, handler chat.Handler, opts Options, logger *zap.Logger, metrics *observability.Metrics) *Supervisor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = defaultStopTimeout
	}
	handlerCtx, cancel := context.WithCancel(context.Background())
	s := &Supervisor{
		client:         client,
		handler:        handler,
		logger:         logger.Named("supervisor"),
		metrics:        metrics,
		shutdown:       NewShutdownSignal(),
		handlerCtx:     handlerCtx,
		cancelHandlers: cancel,
		done:           make(chan struct{}),
		stopTimeout:    opts.StopTimeout,
	}
	s.setStatus(Status{State: StateCreated})
	return s
}

// Status returns the current lifecycle snapshot without locking.
func (s *Supervisor) Status() Status {
	return *s.status.Load()
}

func (s *Supervisor) setStatus(st Status) {
	st.Since = time.Now().UTC()
	s.status.Store(&st)
	s.metrics.SetRuntimeState(string(st.State), AllStates)
}

func (s *Supervisor) crash(reason string) {
	s.setStatus(Status{State: StateCrashed, Reason: reason})
	s.logger.Error("chat runtime crashed", zap.String("reason", reason))
}

// Start connects and resolves the runtime identity.
func (s *Supervisor) Start(ctx context.Context) error {
	cur := s.status.Load()
	if cur.State != StateCreated {
		return ErrAlreadyStarted
	}
	next := &Status{State: StateStarting, Since: time.Now().UTC()}
	if !s.status.CompareAndSwap(cur, next) {
		return ErrAlreadyStarted
	}
	s.metrics.SetRuntimeState(string(StateStarting), AllStates)

	ident, err := s.client.Connect(ctx)
	if err != nil {
		if s.advance(next, Status{State: StateCrashed, Reason: err.Error()}) {
			s.logger.Error("chat runtime crashed", zap.String("reason", err.Error()))
		}
		return fmt.Errorf("start chat runtime: %w", err)
	}
	// A Stop that ran during Connect owns the status from here on.
	if !s.advance(next, Status{State: StateRunning, Identity: ident}) {
		return fmt.Errorf("start chat runtime: %w", ErrNotRunning)
	}
	s.logger.Info("chat runtime running", zap.String("identity", ident.String()))
	return nil
}

// advance moves to st only if the status is still from.
func (s *Supervisor) advance(from *Status, st Status) bool {
	st.Since = time.Now().UTC()
	if !s.status.CompareAndSwap(from, &st) {
		return false
	}
	s.metrics.SetRuntimeState(string(st.State), AllStates)
	return true
}

// RunUntilShutdown dispatches inbound messages until the shutdown signal
// fires, ctx ends, or the connection terminates. A requested stop returns
// nil; an abnormal termination marks the runtime crashed and returns the
// cause.
func (s *Supervisor) RunUntilShutdown(ctx context.Context) error {
	if !s.Status().Ready() {
		return ErrNotRunning
	}
	msgs := s.client.Messages()
	for {
		select {
		case <-s.shutdown.Done():
			return nil
		case <-ctx.Done():
			return nil
		case <-s.client.Done():
			if s.shutdown.Triggered() {
				return nil
			}
			err := s.client.Err()
			if err == nil {
				err = chat.ErrClosed
			}
			s.crash(err.Error())
			return err
		case msg, ok := <-msgs:
			if !ok {
				msgs = nil
				continue
			}
			s.handler.HandleMessage(s.handlerCtx, s.client, msg)
		}
	}
}

// TriggerShutdown asks the supervisor goroutine to tear down.
func (s *Supervisor) TriggerShutdown() {
	s.shutdown.Trigger()
}

// Stop drains in-flight handlers and performs the connection close handshake
// within ctx. It is a no-op before Start and after a previous Stop.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.stopMu.Lock()
	defer s.stopMu.Unlock()
	if s.stopped {
		return s.stopErr
	}
	st := s.Status()
	if st.State == StateCreated {
		return nil
	}
	s.stopped = true
	s.shutdown.Trigger()

	crashed := st.State == StateCrashed
	if !crashed {
		s.setStatus(Status{State: StateStopping, Identity: st.Identity})
	}

	var errs []error
	if d, ok := s.handler.(drainer); ok {
		if err := d.Wait(ctx); err != nil {
			errs = append(errs, fmt.Errorf("drain handlers: %w", err))
		}
	}
	s.cancelHandlers()
	if err := s.client.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("close chat connection: %w", err))
	}

	if !crashed {
		s.setStatus(Status{State: StateStopped})
	}
	s.stopErr = errors.Join(errs...)
	s.logger.Info("chat runtime stopped", zap.Bool("after_crash", crashed), zap.Error(s.stopErr))
	return s.stopErr
}

// Go runs Start, RunUntilShutdown and Stop on a dedicated goroutine. Panics
// are recovered into the crashed state. Only the first call has effect.
func (s *Supervisor) Go(ctx context.Context) {
	s.goOnce.Do(func() {
		go s.run(ctx)
	})
}

func (s *Supervisor) run(ctx context.Context) {
	defer close(s.done)
	defer func() {
		if r := recover(); r != nil {
			s.crash(fmt.Sprintf("panic: %v", r))
			s.teardown(ctx)
		}
	}()

	if err := s.Start(ctx); err != nil {
		s.teardown(ctx)
		return
	}
	if err := s.RunUntilShutdown(ctx); err != nil {
		s.logger.Warn("chat runtime terminated", zap.Error(err))
	}
	s.teardown(ctx)
}

func (s *Supervisor) teardown(ctx context.Context) {
	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.stopTimeout)
	defer cancel()
	if err := s.Stop(stopCtx); err != nil {
		s.logger.Warn("chat runtime stop incomplete", zap.Error(err))
	}
}

// Done is closed when the goroutine started by Go exits.
func (s *Supervisor) Done() <-chan struct{} { return s.done }

// Wait blocks until the supervisor goroutine exits or ctx expires.
func (s *Supervisor) Wait(ctx context.Context) error {
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
