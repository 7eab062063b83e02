package simulator

import (
	"sync"

	"go.uber.org/zap"

	schema "github.com/taskdeck/taskdeck/shared/tasks/schema"
)

// historyLimit bounds the per-task replay buffer so a subscriber joining (or
// reconnecting) mid-task still sees recent progress events.
const historyLimit = 100

// broker fans task events out to SSE subscribers and keeps the bounded
// replay buffer per task.
type broker struct {
	logger *zap.Logger

	mu      sync.RWMutex
	clients map[string][]chan *schema.Event
	history map[string][]*schema.Event
}

func newBroker(logger *zap.Logger) *broker {
	return &broker{
		logger:  logger.Named("broker"),
		clients: make(map[string][]chan *schema.Event),
		history: make(map[string][]*schema.Event),
	}
}

// publish records the event in the replay buffer and delivers it to all
// current subscribers. A subscriber whose buffer is full loses the event; the
// replay buffer and status polling cover the gap.
func (b *broker) publish(taskID string, event *schema.Event) {
	b.mu.Lock()
	events := append(b.history[taskID], event)
	if len(events) > historyLimit {
		events = events[len(events)-historyLimit:]
	}
	b.history[taskID] = events
	subscribers := append([]chan *schema.Event(nil), b.clients[taskID]...)
	b.mu.Unlock()

	for _, ch := range subscribers {
		select {
		case ch <- event:
		default:
			b.logger.Warn("Subscriber buffer full, dropping event",
				zap.String("taskID", taskID), zap.String("type", string(event.Type)))
		}
	}
}

// subscribe registers a new subscriber and returns the replay of buffered
// events alongside its live channel.
func (b *broker) subscribe(taskID string) (replay []*schema.Event, ch chan *schema.Event) {
	ch = make(chan *schema.Event, historyLimit)
	b.mu.Lock()
	defer b.mu.Unlock()
	replay = append([]*schema.Event(nil), b.history[taskID]...)
	b.clients[taskID] = append(b.clients[taskID], ch)
	return replay, ch
}

// unsubscribe removes a subscriber registered with subscribe.
func (b *broker) unsubscribe(taskID string, ch chan *schema.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subscribers := b.clients[taskID]
	for i, subscriber := range subscribers {
		if subscriber == ch {
			b.clients[taskID] = append(subscribers[:i], subscribers[i+1:]...)
			break
		}
	}
	if len(b.clients[taskID]) == 0 {
		delete(b.clients, taskID)
	}
}

// forget drops the replay buffer of a deleted task.
func (b *broker) forget(taskID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.history, taskID)
}
