// Package simulator implements the task API surface consumed by the client
// package: task creation, snapshots, turn appends, cancel/delete dual
// semantics, and the per-task SSE event stream. It exists so the client can
// be exercised end-to-end without a real agent platform; the scripted agent
// keys its behaviour off the turn prompt.
package simulator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/taskdeck/taskdeck/shared"
	schema "github.com/taskdeck/taskdeck/shared/tasks/schema"
)

// errAppendConflict rejects a turn append against a task whose status does
// not allow one.
var errAppendConflict = errors.New("append conflict")

// Simulator serves the task API backed by a TaskStore and a scripted agent.
type Simulator struct {
	logger *zap.Logger
	store  TaskStore
	broker *broker

	stepDelay time.Duration
	rps       int

	mu        sync.Mutex
	running   map[string]context.CancelFunc
	limiters  map[string]*rate.Limiter
	taskLocks map[string]*sync.Mutex

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// SimOption configures a Simulator.
type SimOption func(*Simulator)

// WithLogger sets the simulator logger.
func WithLogger(logger *zap.Logger) SimOption {
	return func(s *Simulator) {
		if logger != nil {
			s.logger = logger.Named("simulator")
		}
	}
}

// WithStepDelay sets the pause between scripted agent steps. Tests use a
// small value to keep runs fast.
func WithStepDelay(d time.Duration) SimOption {
	return func(s *Simulator) {
		if d > 0 {
			s.stepDelay = d
		}
	}
}

// WithRateLimit caps API requests per second per remote host.
func WithRateLimit(rps int) SimOption {
	return func(s *Simulator) {
		if rps > 0 {
			s.rps = rps
		}
	}
}

// New creates a simulator over the given store.
func New(store TaskStore, options ...SimOption) *Simulator {
	baseCtx, cancel := context.WithCancel(context.Background())
	s := &Simulator{
		logger:    zap.NewNop(),
		store:     store,
		stepDelay: 200 * time.Millisecond,
		rps:       50,
		running:   make(map[string]context.CancelFunc),
		limiters:  make(map[string]*rate.Limiter),
		taskLocks: make(map[string]*sync.Mutex),
		baseCtx:   baseCtx,
		cancel:    cancel,
	}
	for _, option := range options {
		option(s)
	}
	s.broker = newBroker(s.logger)
	return s
}

// Close stops all scripted agents and waits for them to finish.
func (s *Simulator) Close() {
	s.cancel()
	s.wg.Wait()
}

// Handler returns the HTTP handler serving the task API.
func (s *Simulator) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /tasks", s.withLimit(s.handleCreateTask))
	mux.HandleFunc("GET /tasks/{id}", s.withLimit(s.handleGetTask))
	mux.HandleFunc("POST /tasks/{id}", s.withLimit(s.handleAppendTurn))
	mux.HandleFunc("DELETE /tasks/{id}", s.withLimit(s.handleDeleteTask))
	mux.HandleFunc("GET /tasks/{id}/events", s.handleEvents)
	return mux
}

// withLimit applies the per-host rate limit to an API handler.
func (s *Simulator) withLimit(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			host = r.RemoteAddr
		}
		s.mu.Lock()
		limiter, ok := s.limiters[host]
		if !ok {
			limiter = rate.NewLimiter(rate.Limit(s.rps), s.rps*2)
			s.limiters[host] = limiter
		}
		s.mu.Unlock()
		if !limiter.Allow() {
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next(w, r)
	}
}

func (s *Simulator) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var params schema.CreateTaskParams
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		http.Error(w, "invalid body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if params.Prompt == "" {
		http.Error(w, "prompt is required", http.StatusBadRequest)
		return
	}

	now := time.Now().UTC()
	task := &schema.Task{
		ID:        uuid.NewString(),
		SessionID: params.SessionID,
		ProfileID: params.ProfileID,
		Status:    schema.TaskStatusPending,
		Turns: []schema.Turn{{
			ID:        uuid.NewString(),
			Prompt:    params.Prompt,
			CreatedAt: now,
		}},
		CreatedAt: now,
	}
	if err := s.store.Save(r.Context(), task); err != nil {
		s.logger.Error("Failed to save new task", zap.Error(err))
		http.Error(w, "storage failure", http.StatusInternalServerError)
		return
	}
	s.logger.Info("Task created", zap.String("taskID", task.ID))
	s.startRunner(task.ID)
	s.writeJSON(w, http.StatusCreated, task)
}

func (s *Simulator) handleGetTask(w http.ResponseWriter, r *http.Request) {
	task, ok := s.loadTask(w, r)
	if !ok {
		return
	}
	s.writeJSON(w, http.StatusOK, task)
}

func (s *Simulator) handleAppendTurn(w http.ResponseWriter, r *http.Request) {
	var params schema.AppendTurnParams
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		http.Error(w, "invalid body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if params.Prompt == "" {
		http.Error(w, "prompt is required", http.StatusBadRequest)
		return
	}
	taskID := r.PathValue("id")
	task, err := s.updateTask(r.Context(), taskID, func(task *schema.Task) error {
		if task.Status != schema.TaskStatusRunning && task.Status != schema.TaskStatusCompleted {
			return fmt.Errorf("%w: cannot append turn while status is %q", errAppendConflict, task.Status)
		}
		if task.Status == schema.TaskStatusCompleted {
			// Reopening: the new turn sends the task back through the queue.
			task.Status = schema.TaskStatusQueued
			task.CompletedAt = nil
		}
		// The new turn has no result, so the mirrored task result goes away
		// until the agent answers it.
		task.Result = nil
		task.Turns = append(task.Turns, schema.Turn{
			ID:        uuid.NewString(),
			Prompt:    params.Prompt,
			CreatedAt: time.Now().UTC(),
		})
		return nil
	})
	if err != nil {
		switch {
		case errors.Is(err, ErrTaskNotFound):
			http.Error(w, "task not found", http.StatusNotFound)
		case errors.Is(err, errAppendConflict):
			http.Error(w, err.Error(), http.StatusConflict)
		default:
			s.logger.Error("Failed to save appended turn", zap.Error(err))
			http.Error(w, "storage failure", http.StatusInternalServerError)
		}
		return
	}
	s.logger.Info("Turn appended", zap.String("taskID", task.ID), zap.Int("turns", task.TurnCount()))
	s.startRunner(task.ID)
	s.writeJSON(w, http.StatusOK, task)
}

// handleDeleteTask carries the dual DELETE semantics: cancel a non-terminal
// task, delete a terminal one.
func (s *Simulator) handleDeleteTask(w http.ResponseWriter, r *http.Request) {
	task, ok := s.loadTask(w, r)
	if !ok {
		return
	}
	if task.Status.Terminal() {
		if err := s.store.Delete(r.Context(), task.ID); err != nil {
			http.Error(w, "storage failure", http.StatusInternalServerError)
			return
		}
		s.broker.forget(task.ID)
		s.logger.Info("Task deleted", zap.String("taskID", task.ID))
		w.WriteHeader(http.StatusNoContent)
		return
	}

	if s.cancelRunner(task.ID) {
		// The runner observes the cancellation and records the terminal state.
		s.logger.Info("Task cancellation requested", zap.String("taskID", task.ID))
	} else {
		// No live runner (e.g. a task restored from persistent storage);
		// record the cancellation directly.
		s.finishTask(task.ID, schema.TaskStatusCancelled, "")
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Simulator) handleEvents(w http.ResponseWriter, r *http.Request) {
	task, ok := s.loadTask(w, r)
	if !ok {
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	replay, ch := s.broker.subscribe(task.ID)
	defer s.broker.unsubscribe(task.ID, ch)

	// A subscriber to an already-terminal task whose buffer no longer holds
	// the terminal event still gets one immediately.
	if task.Status.Terminal() && !containsTerminal(replay) {
		replay = append(replay, terminalEvent(task))
	}
	for _, event := range replay {
		if !s.writeEvent(w, flusher, event) {
			return
		}
		if event.Type.Terminal() {
			return
		}
	}

	heartbeat := time.NewTicker(30 * time.Second)
	defer heartbeat.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-s.baseCtx.Done():
			return
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": heartbeat\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case event := <-ch:
			if !s.writeEvent(w, flusher, event) {
				return
			}
			if event.Type.Terminal() {
				return
			}
		}
	}
}

func (s *Simulator) writeEvent(w http.ResponseWriter, flusher http.Flusher, event *schema.Event) bool {
	data, err := json.Marshal(event)
	if err != nil {
		s.logger.Error("Failed to marshal event", zap.Error(err))
		return true
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return false
	}
	flusher.Flush()
	return true
}

func containsTerminal(events []*schema.Event) bool {
	for _, event := range events {
		if event.Type.Terminal() {
			return true
		}
	}
	return false
}

func terminalEvent(task *schema.Task) *schema.Event {
	event := &schema.Event{TaskID: task.ID, Timestamp: time.Now().UTC()}
	switch task.Status {
	case schema.TaskStatusFailed:
		event.Type = schema.EventTaskFailed
		event.Error = task.Error
	case schema.TaskStatusCancelled:
		event.Type = schema.EventTaskCancelled
	default:
		event.Type = schema.EventTaskCompleted
		event.Result = task.Result
	}
	return event
}

func (s *Simulator) loadTask(w http.ResponseWriter, r *http.Request) (*schema.Task, bool) {
	taskID := r.PathValue("id")
	task, err := s.store.Load(r.Context(), taskID)
	if err != nil {
		if errors.Is(err, ErrTaskNotFound) {
			http.Error(w, "task not found", http.StatusNotFound)
		} else {
			s.logger.Error("Failed to load task", zap.String("taskID", taskID), zap.Error(err))
			http.Error(w, "storage failure", http.StatusInternalServerError)
		}
		return nil, false
	}
	return task, true
}

// lockTask returns the unlock func of the task's write lock. Every
// load-mutate-save runs under it: the runner and the HTTP handlers both write
// the task record, and an unserialized save from a stale copy would erase
// turns appended in between.
func (s *Simulator) lockTask(taskID string) func() {
	s.mu.Lock()
	lock, ok := s.taskLocks[taskID]
	if !ok {
		lock = &sync.Mutex{}
		s.taskLocks[taskID] = lock
	}
	s.mu.Unlock()
	lock.Lock()
	return lock.Unlock
}

// updateTask applies mutate to a freshly loaded copy of the task and saves it,
// all under the task's write lock. It returns the saved state.
func (s *Simulator) updateTask(ctx context.Context, taskID string, mutate func(*schema.Task) error) (*schema.Task, error) {
	unlock := s.lockTask(taskID)
	defer unlock()
	task, err := s.store.Load(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if err := mutate(task); err != nil {
		return nil, err
	}
	if err := s.store.Save(ctx, task); err != nil {
		return nil, err
	}
	return task, nil
}

func (s *Simulator) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("Failed to encode response", zap.Error(err))
	}
}

// --- scripted agent ---

// startRunner launches the agent goroutine for a task unless one is already
// processing it.
func (s *Simulator) startRunner(taskID string) {
	runCtx, cancel := context.WithCancel(s.baseCtx)
	s.mu.Lock()
	if _, exists := s.running[taskID]; exists {
		s.mu.Unlock()
		cancel()
		return
	}
	s.running[taskID] = cancel
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			s.mu.Lock()
			delete(s.running, taskID)
			s.mu.Unlock()
			cancel()
			s.resumeIfPending(taskID)
		}()
		s.runTask(runCtx, taskID)
	}()
}

// resumeIfPending restarts the runner for a task left non-terminal with
// unresolved turns: an append can land in the window between the exiting
// runner's last check and its deregistration, where its startRunner call was
// still a no-op.
func (s *Simulator) resumeIfPending(taskID string) {
	if s.baseCtx.Err() != nil {
		return
	}
	task, err := s.store.Load(context.Background(), taskID)
	if err != nil {
		return
	}
	if !task.Status.Terminal() && firstUnresolved(task) != nil {
		s.startRunner(taskID)
	}
}

// cancelRunner cancels the live runner for a task, if any.
func (s *Simulator) cancelRunner(taskID string) bool {
	s.mu.Lock()
	cancel, exists := s.running[taskID]
	s.mu.Unlock()
	if exists {
		cancel()
	}
	return exists
}

// runTask drives one task through the lifecycle, resolving unresolved turns
// in order. Prompt directives steer the script: a prompt containing "fail"
// fails the task, "echo <text>" answers with <text>, anything else answers
// "ok".
func (s *Simulator) runTask(ctx context.Context, taskID string) {
	logger := s.logger.With(zap.String("taskID", taskID))

	task, err := s.updateTask(ctx, taskID, func(task *schema.Task) error {
		if task.Status == schema.TaskStatusPending {
			task.Status = schema.TaskStatusQueued
		}
		return nil
	})
	if err != nil {
		logger.Error("Runner could not queue task", zap.Error(err))
		return
	}
	if task.Status == schema.TaskStatusQueued && !s.pause(ctx, taskID) {
		return
	}

	started := false
	task, err = s.updateTask(ctx, taskID, func(task *schema.Task) error {
		if !task.Status.Terminal() && task.Status != schema.TaskStatusRunning {
			task.Status = schema.TaskStatusRunning
			task.StartedAt = shared.PointerTo(time.Now().UTC())
			started = true
		}
		return nil
	})
	if err != nil {
		logger.Error("Runner could not start task", zap.Error(err))
		return
	}
	if started {
		s.broker.publish(taskID, &schema.Event{
			Type: schema.EventTaskStarted, TaskID: taskID, Timestamp: *task.StartedAt,
		})
	}

	for {
		// Reload on each iteration so turns appended mid-run are picked up.
		task, err = s.store.Load(ctx, taskID)
		if err != nil {
			logger.Error("Runner could not reload task", zap.Error(err))
			return
		}
		if task.Status.Terminal() {
			return
		}
		turn := firstUnresolved(task)
		if turn == nil {
			if s.finishTask(taskID, schema.TaskStatusCompleted, "") {
				return
			}
			// A turn landed between the reload and the completion write;
			// keep processing.
			continue
		}
		if !s.processTurn(ctx, taskID, turn) {
			return
		}
	}
}

func firstUnresolved(task *schema.Task) *schema.Turn {
	for i := range task.Turns {
		if !task.Turns[i].Resolved() {
			return &task.Turns[i]
		}
	}
	return nil
}

// processTurn emits the turn's event sequence and attaches its result.
// It returns false when the task reached a terminal state (failure or
// cancellation).
func (s *Simulator) processTurn(ctx context.Context, taskID string, turn *schema.Turn) bool {
	s.broker.publish(taskID, &schema.Event{
		Type:      schema.EventTurnStarted,
		TaskID:    taskID,
		TurnID:    turn.ID,
		Prompt:    turn.Prompt,
		Timestamp: time.Now().UTC(),
	})
	if !s.pause(ctx, taskID) {
		return false
	}

	s.broker.publish(taskID, &schema.Event{
		Type:      schema.EventAgentThinking,
		TaskID:    taskID,
		Text:      "considering " + turn.Prompt,
		Timestamp: time.Now().UTC(),
	})
	if !s.pause(ctx, taskID) {
		return false
	}

	prompt := strings.ToLower(turn.Prompt)
	if strings.Contains(prompt, "fail") {
		s.finishTask(taskID, schema.TaskStatusFailed, "simulated agent failure")
		return false
	}

	text := "ok"
	if rest, found := strings.CutPrefix(turn.Prompt, "echo "); found {
		text = rest
	}
	// Resolve the turn on a fresh copy: turns may have been appended since
	// the runner loaded its snapshot.
	_, err := s.updateTask(ctx, taskID, func(task *schema.Task) error {
		for i := range task.Turns {
			if task.Turns[i].ID == turn.ID {
				task.Turns[i].Result = &schema.Result{Text: text}
				if i == len(task.Turns)-1 {
					task.Result = task.Turns[i].Result
				}
				return nil
			}
		}
		return fmt.Errorf("turn %s no longer present", turn.ID)
	})
	if err != nil {
		s.logger.Error("Runner could not save turn result", zap.Error(err))
		return false
	}
	s.broker.publish(taskID, &schema.Event{
		Type:      schema.EventAgentMessage,
		TaskID:    taskID,
		TurnID:    turn.ID,
		Text:      text,
		Timestamp: time.Now().UTC(),
	})
	return true
}

// pause sleeps one scripted step, converting cancellation into the cancelled
// terminal state.
func (s *Simulator) pause(ctx context.Context, taskID string) bool {
	select {
	case <-time.After(s.stepDelay):
		return true
	case <-ctx.Done():
		s.finishTask(taskID, schema.TaskStatusCancelled, "")
		return false
	}
}

// finishTask records a terminal status and publishes the matching terminal
// event. It works on a fresh copy under the task lock and is a no-op for a
// task that already reached a terminal state, so a cancel racing the runner's
// own completion settles on a single terminal event. A completion is
// withdrawn (returns false) when an appended turn is still unresolved at
// write time. The store write uses the background context so cancellation
// still persists.
func (s *Simulator) finishTask(taskID string, status schema.TaskStatus, errText string) bool {
	alreadyTerminal := false
	withdrawn := false
	task, err := s.updateTask(context.Background(), taskID, func(task *schema.Task) error {
		if task.Status.Terminal() {
			alreadyTerminal = true
			return nil
		}
		if status == schema.TaskStatusCompleted && firstUnresolved(task) != nil {
			withdrawn = true
			return nil
		}
		task.Status = status
		task.CompletedAt = shared.PointerTo(time.Now().UTC())
		task.Error = errText
		if status == schema.TaskStatusCompleted {
			if last := task.LastTurn(); last != nil {
				task.Result = last.Result
			}
		}
		return nil
	})
	if err != nil {
		s.logger.Error("Failed to save terminal task state", zap.Error(err))
		return true
	}
	if withdrawn {
		return false
	}
	if alreadyTerminal {
		return true
	}
	event := &schema.Event{TaskID: taskID, Timestamp: *task.CompletedAt}
	switch status {
	case schema.TaskStatusFailed:
		event.Type = schema.EventTaskFailed
		event.Error = errText
	case schema.TaskStatusCancelled:
		event.Type = schema.EventTaskCancelled
	default:
		event.Type = schema.EventTaskCompleted
		event.Result = task.Result
	}
	s.broker.publish(taskID, event)
	s.logger.Info("Task finished", zap.String("taskID", taskID), zap.String("status", string(status)))
	return true
}
