// Package supervisor restarts a conversation after recoverable session
// failures, backing off exponentially between attempts.
package supervisor

import (
	"context"
	"fmt"
	"math/rand"
	"sync"

	"go.uber.org/zap"
	"k8s.io/utils/clock"

	"github.com/chriscow/realtime-voice-go/pkg/ai"
	"github.com/chriscow/realtime-voice-go/pkg/turn"
)

// Conversation is the part of turn.Controller the supervisor drives.
type Conversation interface {
	StartConversation(ctx context.Context)
}

type Config struct {
	Retry  ai.RetryConfig
	Logger *zap.Logger
	Clock  clock.Clock
	// Seed for backoff jitter. Zero disables jitter.
	Seed int64
}

// Supervisor is a turn.Observer. Register it with the controller it supervises.
type Supervisor struct {
	retry  ai.RetryConfig
	logger *zap.Logger
	clock  clock.Clock
	rng    *rand.Rand

	errs chan error

	mu      sync.Mutex
	attempt int
	state   turn.State
}

var _ turn.Observer = (*Supervisor)(nil)

func New(cfg Config) *Supervisor {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.RealClock{}
	}

	s := &Supervisor{
		retry:  cfg.Retry,
		logger: cfg.Logger,
		clock:  cfg.Clock,
		errs:   make(chan error, 1),
	}
	if cfg.Seed != 0 {
		s.rng = rand.New(rand.NewSource(cfg.Seed))
	}
	return s
}

// Run starts the conversation and keeps it running until ctx is cancelled,
// a fatal error is reported, or retries are exhausted.
func (s *Supervisor) Run(ctx context.Context, conv Conversation) error {
	s.logger.Info("starting conversation")
	conv.StartConversation(ctx)

	for {
		var err error
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err = <-s.errs:
		}

		if !ai.IsRecoverable(err) {
			s.logger.Error("conversation failed", zap.Error(err))
			return err
		}

		attempt := s.nextAttempt()
		if attempt > s.retry.MaxRetries {
			return fmt.Errorf("giving up after %d reconnect attempts: %w", attempt-1, err)
		}

		delay := s.retry.Backoff(attempt, s.rng)
		s.logger.Info("reconnecting with backoff",
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.clock.After(delay):
		}

		conv.StartConversation(ctx)
	}
}

// Attempt returns the number of reconnects since the last successful session.
func (s *Supervisor) Attempt() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempt
}

func (s *Supervisor) nextAttempt() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempt++
	return s.attempt
}

// OnStateChanged resets the backoff once a session is established.
func (s *Supervisor) OnStateChanged(state turn.State) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if state.Connected() && !s.state.Connected() {
		s.attempt = 0
	}
	s.state = state
}

// OnError queues a session-ending error for Run. Errors reported while the
// session is still up, such as a failed commit, are left to the controller.
// Only the first error of a session is kept.
func (s *Supervisor) OnError(err error) {
	s.mu.Lock()
	state := s.state
	s.mu.Unlock()
	if state != turn.StateIdle {
		s.logger.Debug("ignoring error on live session", zap.Stringer("state", state), zap.Error(err))
		return
	}

	select {
	case s.errs <- err:
	default:
		s.logger.Debug("dropping session error, one already pending", zap.Error(err))
	}
}

func (s *Supervisor) OnUserTranscript(string)      {}
func (s *Supervisor) OnAssistantTranscript(string) {}
