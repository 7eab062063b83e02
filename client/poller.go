package client

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	schema "github.com/taskdeck/taskdeck/shared/tasks/schema"
)

const (
	// DefaultPollInterval is the sole-source polling cadence.
	DefaultPollInterval = 2 * time.Second
	// DefaultBackstopInterval is the slower cadence used while a live event
	// stream is active, when polling only guards against stream gaps.
	DefaultBackstopInterval = 10 * time.Second
	// DefaultMaxPollAttempts bounds sole-source polling (~2 minutes at the
	// default interval). Backstop polling has no attempt cap.
	DefaultMaxPollAttempts = 60
)

// PollResult is one poller emission: either an authoritative task snapshot or
// a terminal polling error (sole-source timeout).
type PollResult struct {
	Task *schema.Task
	Err  error
}

// Poller periodically fetches snapshots of one task and feeds them to the
// watcher. A single failed fetch is not fatal; it is retried on the next
// tick. In sole-source mode the attempt count is bounded and exceeding it
// surfaces a TimeoutError and halts the poller.
type Poller struct {
	client           *Client
	logger           *zap.Logger
	taskID           string
	interval         time.Duration
	backstopInterval time.Duration
	maxAttempts      int

	mu       sync.Mutex
	backstop bool
	attempts int
	started  time.Time

	results chan PollResult
}

// PollerOption configures a Poller.
type PollerOption func(*Poller)

// WithPollInterval overrides the sole-source cadence.
func WithPollInterval(d time.Duration) PollerOption {
	return func(p *Poller) {
		if d > 0 {
			p.interval = d
		}
	}
}

// WithBackstopInterval overrides the cadence used while a stream is active.
func WithBackstopInterval(d time.Duration) PollerOption {
	return func(p *Poller) {
		if d > 0 {
			p.backstopInterval = d
		}
	}
}

// WithMaxPollAttempts overrides the sole-source attempt ceiling.
func WithMaxPollAttempts(n int) PollerOption {
	return func(p *Poller) {
		if n > 0 {
			p.maxAttempts = n
		}
	}
}

// NewPoller creates a poller for one task. The caller must stop it (by
// cancelling ctx passed to Run) once the task reaches a terminal status.
func NewPoller(client *Client, taskID string, options ...PollerOption) *Poller {
	p := &Poller{
		client:           client,
		logger:           client.logger.Named("poller").With(zap.String("taskID", taskID)),
		taskID:           taskID,
		interval:         DefaultPollInterval,
		backstopInterval: DefaultBackstopInterval,
		maxAttempts:      DefaultMaxPollAttempts,
		results:          make(chan PollResult, 4),
	}
	for _, option := range options {
		option(p)
	}
	return p
}

// Results returns the channel of poll emissions. It is closed when the
// poller stops.
func (p *Poller) Results() <-chan PollResult {
	return p.results
}

// SetBackstop switches between sole-source cadence (false) and the slower
// uncapped backstop cadence used while a live stream is healthy (true).
// Entering sole-source mode restarts the attempt count.
func (p *Poller) SetBackstop(backstop bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.backstop == backstop {
		return
	}
	p.backstop = backstop
	p.attempts = 0
	p.started = time.Time{}
}

func (p *Poller) currentInterval() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.backstop {
		return p.backstopInterval
	}
	return p.interval
}

// countAttempt records one sole-source tick and reports whether the ceiling
// was exceeded.
func (p *Poller) countAttempt() (int, time.Duration, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.backstop {
		return 0, 0, false
	}
	if p.started.IsZero() {
		p.started = time.Now()
	}
	p.attempts++
	return p.attempts, time.Since(p.started), p.attempts > p.maxAttempts
}

// Run polls until ctx is cancelled or the sole-source ceiling is exceeded.
// It closes the results channel on exit.
func (p *Poller) Run(ctx context.Context) {
	defer close(p.results)
	timer := time.NewTimer(0) // first fetch immediately
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			p.logger.Debug("Poller stopped", zap.Error(ctx.Err()))
			return
		case <-timer.C:
		}

		attempts, elapsed, exceeded := p.countAttempt()
		if exceeded {
			p.logger.Warn("Sole-source polling exceeded attempt ceiling",
				zap.Int("attempts", attempts-1), zap.Duration("elapsed", elapsed))
			p.emit(ctx, PollResult{Err: &TimeoutError{TaskID: p.taskID, Attempts: attempts - 1, Elapsed: elapsed}})
			return
		}

		task, err := p.client.GetTask(ctx, p.taskID)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			// Transient fetch failure, retried on the next tick.
			p.logger.Warn("Poll fetch failed", zap.Error(err))
		} else if !p.emit(ctx, PollResult{Task: task}) {
			return
		}

		timer.Reset(p.currentInterval())
	}
}

func (p *Poller) emit(ctx context.Context, res PollResult) bool {
	select {
	case p.results <- res:
		return true
	case <-ctx.Done():
		return false
	}
}
