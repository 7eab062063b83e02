package client

import (
	"context"
	"strings"
	"sync"

	"go.uber.org/zap"

	schema "github.com/taskdeck/taskdeck/shared/tasks/schema"
)

// defaultRecentLimit bounds the activity log of recent stream events kept
// for display.
const defaultRecentLimit = 100

// Watcher owns the merged model of one task. It reconciles the status poller
// and the event stream reader into a single consistent view, applies patches
// in local arrival order, and exposes the lifecycle operations validated
// against the merged state.
//
// Observation runs in episodes: an episode starts when watching begins and
// ends exactly once when the merged status becomes terminal, the watch is
// closed, or sole-source polling times out. Appending a turn to a completed
// task reopens the task and starts a new episode.
type Watcher struct {
	client *Client
	logger *zap.Logger
	taskID string

	parentCtx context.Context
	closeOnce sync.Once
	closeFn   context.CancelFunc

	mu          sync.RWMutex
	task        schema.Task
	merger      *merger
	recent      []schema.Event
	err         error
	closed      bool
	watching    bool
	episodeDone chan struct{}
	runCancel   context.CancelFunc
	poller      *Poller

	updates chan schema.Task

	withStream  bool
	recentLimit int
	pollerOpts  []PollerOption
	streamOpts  []StreamReaderOption
}

// WatchOption configures a Watcher.
type WatchOption func(*Watcher)

// WatchWithoutStream disables the event stream subscription, running the
// watcher in sole-source polling mode.
func WatchWithoutStream() WatchOption {
	return func(w *Watcher) {
		w.withStream = false
	}
}

// WatchPollerOptions forwards options to the watcher's poller.
func WatchPollerOptions(options ...PollerOption) WatchOption {
	return func(w *Watcher) {
		w.pollerOpts = append(w.pollerOpts, options...)
	}
}

// WatchStreamOptions forwards options to the watcher's stream reader.
func WatchStreamOptions(options ...StreamReaderOption) WatchOption {
	return func(w *Watcher) {
		w.streamOpts = append(w.streamOpts, options...)
	}
}

// WatchRecentLimit overrides how many recent stream events are retained for
// display.
func WatchRecentLimit(n int) WatchOption {
	return func(w *Watcher) {
		if n > 0 {
			w.recentLimit = n
		}
	}
}

// Watch starts observing a task from the given snapshot. Cancelling ctx or
// calling Close tears down the poller and stream subscription without any
// server-side effect; it does not cancel the task itself.
func (c *Client) Watch(ctx context.Context, task *schema.Task, options ...WatchOption) *Watcher {
	watchCtx, closeFn := context.WithCancel(ctx)
	w := &Watcher{
		client:      c,
		logger:      c.logger.Named("watcher").With(zap.String("taskID", task.ID)),
		taskID:      task.ID,
		parentCtx:   watchCtx,
		closeFn:     closeFn,
		task:        task.Clone(),
		updates:     make(chan schema.Task, 16),
		withStream:  true,
		recentLimit: defaultRecentLimit,
	}
	w.merger = newMerger(w.logger)
	for _, option := range options {
		option(w)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.task.Status.Terminal() {
		// Nothing to observe; the model is already final.
		done := make(chan struct{})
		close(done)
		w.episodeDone = done
		return w
	}
	w.startEpisodeLocked()
	return w
}

// startEpisodeLocked spins up a poller (and stream reader, unless disabled)
// plus the reconciliation loop. Caller holds w.mu.
func (w *Watcher) startEpisodeLocked() {
	runCtx, runCancel := context.WithCancel(w.parentCtx)
	w.runCancel = runCancel
	w.episodeDone = make(chan struct{})
	w.watching = true

	poller := NewPoller(w.client, w.taskID, w.pollerOpts...)
	poller.SetBackstop(w.withStream)
	w.poller = poller
	go poller.Run(runCtx)

	var streamCh <-chan StreamItem
	if w.withStream {
		reader := w.client.NewStreamReader(w.taskID, w.streamOpts...)
		go reader.Run(runCtx)
		streamCh = reader.Items()
	}

	go w.loop(runCtx, runCancel, poller, poller.Results(), streamCh, w.episodeDone)
}

// loop is the single consumer of both sources. Patches are applied in the
// order they arrive locally; the merge keeps duplicates and stale deliveries
// harmless. The deferred teardown runs exactly once per episode regardless of
// which source observed the terminal transition.
func (w *Watcher) loop(runCtx context.Context, runCancel context.CancelFunc, poller *Poller, pollCh <-chan PollResult, streamCh <-chan StreamItem, done chan struct{}) {
	defer func() {
		runCancel()
		w.mu.Lock()
		w.watching = false
		w.mu.Unlock()
		close(done)
		w.logger.Debug("Watch episode ended")
	}()

	for {
		select {
		case <-runCtx.Done():
			return

		case res, ok := <-pollCh:
			if !ok {
				pollCh = nil
				if streamCh == nil {
					return
				}
				continue
			}
			if res.Err != nil {
				w.setErr(res.Err)
				return
			}
			w.applyPatch(*res.Task, sourcePoll)
			if w.terminal() {
				return
			}

		case item, ok := <-streamCh:
			if !ok {
				streamCh = nil
				continue
			}
			switch {
			case item.Err != nil:
				w.logger.Warn("Stream unavailable, continuing with polling only", zap.Error(item.Err))
				poller.SetBackstop(false)
			case item.End:
				// Terminal event already merged; the status check below
				// (or the next poll) finishes the episode.
			case item.Event != nil:
				w.applyEvent(item.Event)
			}
			if w.terminal() {
				return
			}
		}
	}
}

// Snapshot returns a copy of the current merged task model.
func (w *Watcher) Snapshot() schema.Task {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.task.Clone()
}

// Recent returns the retained recent stream events, oldest first.
func (w *Watcher) Recent() []schema.Event {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make([]schema.Event, len(w.recent))
	copy(out, w.recent)
	return out
}

// Err returns the watch-level error, if any. A sole-source polling timeout
// surfaces here; a server-reported failed status does not (it lives in the
// task model).
func (w *Watcher) Err() error {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.err
}

// Updates returns a channel of model snapshots emitted after each effective
// merge. When the consumer lags, the oldest pending snapshot is dropped in
// favour of the newest. The channel is closed by Close; an episode ending on
// its own (terminal status, polling timeout) leaves it open, since reopening
// the task resumes emissions. Consumers tracking episode end should select
// against Done.
func (w *Watcher) Updates() <-chan schema.Task {
	return w.updates
}

// Done returns a channel closed when the current observation episode has
// ended: terminal status, watch closed, or polling timeout. Reopening a
// completed task starts a new episode with a new Done channel.
func (w *Watcher) Done() <-chan struct{} {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.episodeDone
}

// Close stops observing the task. It is safe to call multiple times and has
// no server-side effect; cancelling the task is the explicit Cancel
// operation.
func (w *Watcher) Close() {
	w.closeOnce.Do(func() {
		w.mu.Lock()
		w.closed = true
		// Senders hold w.mu and check closed first, so closing here cannot
		// race a send.
		close(w.updates)
		w.mu.Unlock()
		w.closeFn()
	})
}

func (w *Watcher) terminal() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.task.Status.Terminal()
}

func (w *Watcher) setErr(err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err == nil {
		w.err = err
	}
}

func (w *Watcher) applyPatch(patch schema.Task, src patchSource) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.applyPatchLocked(patch, src)
}

func (w *Watcher) applyPatchLocked(patch schema.Task, src patchSource) bool {
	next, changed := w.merger.merge(w.task, patch, src)
	if !changed {
		return false
	}
	w.task = next
	w.notifyLocked()
	return true
}

// applyEvent records the event in the activity log and projects it onto the
// model. An agent.message without a turn id resolves to the currently-open
// turn.
func (w *Watcher) applyEvent(ev *schema.Event) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.recent = append(w.recent, *ev)
	if len(w.recent) > w.recentLimit {
		w.recent = w.recent[len(w.recent)-w.recentLimit:]
	}

	resolved := *ev
	if resolved.Type == schema.EventAgentMessage && resolved.TurnID == "" {
		open := w.task.OpenTurn()
		if open == nil {
			w.logger.Debug("Dropping agent message with no open turn")
			return
		}
		resolved.TurnID = open.ID
	}
	// A completed event's result belongs to the turn it answered. Only a
	// server-assigned open turn qualifies; a local placeholder stays
	// unresolved until its server turn is known.
	if resolved.Type == schema.EventTaskCompleted && resolved.TurnID == "" && resolved.Result != nil {
		if open := w.task.OpenTurn(); open != nil && !strings.HasPrefix(open.ID, localTurnPrefix) {
			resolved.TurnID = open.ID
		}
	}

	patch, ok := eventPatch(&resolved)
	if !ok {
		w.notifyLocked()
		return
	}
	w.applyPatchLocked(patch, sourceStream)
}

// notifyLocked emits a snapshot without blocking the reconciliation loop.
// Caller holds w.mu, which also serializes senders so the drain below cannot
// race another send.
func (w *Watcher) notifyLocked() {
	if w.closed {
		return
	}
	snapshot := w.task.Clone()
	select {
	case w.updates <- snapshot:
	default:
		select {
		case <-w.updates:
		default:
		}
		select {
		case w.updates <- snapshot:
		default:
		}
	}
}
