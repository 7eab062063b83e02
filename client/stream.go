package client

import (
	"context"
	"time"

	"github.com/r3labs/sse/v2"
	"go.uber.org/zap"
	backoff "gopkg.in/cenkalti/backoff.v1"

	schema "github.com/taskdeck/taskdeck/shared/tasks/schema"
)

// streamEventBuffer matches the server-side event buffer bound; the client
// keeps no further buffering beyond the most recent events held for display.
const streamEventBuffer = 100

// StreamItem is one emission from the stream reader: a decoded event, an
// end-of-stream marker after a terminal event, or a StreamUnavailableError
// when the subscription is lost for good.
type StreamItem struct {
	Event *schema.Event
	End   bool
	Err   error
}

// StreamReader maintains the SSE subscription to one task's live event
// channel. On a terminal event it signals end-of-stream and closes. If the
// task was already terminal at subscribe time the server delivers the
// terminal event immediately, so a zero-length live window terminates
// normally.
type StreamReader struct {
	logger    *zap.Logger
	taskID    string
	sseClient *sse.Client
	sseCh     chan *sse.Event
	items     chan StreamItem

	reconnectCeiling time.Duration
}

// StreamReaderOption configures a StreamReader.
type StreamReaderOption func(*StreamReader)

// WithReconnectCeiling bounds how long the reader keeps trying to reconnect
// before declaring the stream unavailable.
func WithReconnectCeiling(d time.Duration) StreamReaderOption {
	return func(r *StreamReader) {
		if d > 0 {
			r.reconnectCeiling = d
		}
	}
}

// NewStreamReader creates a stream reader for one task. The subscription is
// established by Run.
func (c *Client) NewStreamReader(taskID string, options ...StreamReaderOption) *StreamReader {
	sseClient := sse.NewClient(c.EventsURL(taskID))
	sseClient.Connection = c.httpClient
	sseClient.Headers = map[string]string{
		"Accept":        "text/event-stream",
		"Cache-Control": "no-cache",
	}
	for key, value := range c.headers {
		sseClient.Headers[key] = value
	}

	r := &StreamReader{
		logger:           c.logger.Named("stream").With(zap.String("taskID", taskID)),
		taskID:           taskID,
		sseClient:        sseClient,
		sseCh:            make(chan *sse.Event, streamEventBuffer),
		items:            make(chan StreamItem, streamEventBuffer),
		reconnectCeiling: 30 * time.Second,
	}
	for _, option := range options {
		option(r)
	}
	return r
}

// Items returns the channel of stream emissions. It is closed when the
// reader stops.
func (r *StreamReader) Items() <-chan StreamItem {
	return r.items
}

// Run subscribes and decodes events until a terminal event arrives, the
// subscription is lost, or ctx is cancelled. Cancelling ctx tears down the
// connection without side effects on the task itself.
func (r *StreamReader) Run(ctx context.Context) {
	defer close(r.items)

	sseCtx, sseCancel := context.WithCancel(ctx)
	defer sseCancel()

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.MaxElapsedTime = r.reconnectCeiling
	r.sseClient.ReconnectStrategy = backoff.WithContext(expBackoff, sseCtx)
	r.sseClient.ReconnectNotify = func(err error, delay time.Duration) {
		r.logger.Warn("Stream connection error, reconnecting", zap.Error(err), zap.Duration("delay", delay))
	}

	if err := r.sseClient.SubscribeChanWithContext(sseCtx, "", r.sseCh); err != nil {
		r.logger.Warn("Stream subscription failed", zap.Error(err))
		r.emit(ctx, StreamItem{Err: &StreamUnavailableError{TaskID: r.taskID, Err: err}})
		return
	}
	defer r.sseClient.Unsubscribe(r.sseCh)
	r.logger.Debug("Stream subscription established")

	for {
		select {
		case <-ctx.Done():
			r.logger.Debug("Stream reader stopped", zap.Error(ctx.Err()))
			return
		case sseEvent, ok := <-r.sseCh:
			if !ok {
				// The SSE client gave up reconnecting and closed the channel.
				r.logger.Warn("Stream channel closed, falling back to poll-only mode")
				r.emit(ctx, StreamItem{Err: &StreamUnavailableError{TaskID: r.taskID}})
				return
			}
			if sseEvent == nil || len(sseEvent.Data) == 0 {
				continue
			}
			event, err := schema.ParseEvent(sseEvent.Data)
			if err != nil {
				r.logger.Warn("Skipping undecodable stream event", zap.Error(err), zap.ByteString("data", sseEvent.Data))
				continue
			}
			if !event.Type.Known() {
				r.logger.Debug("Skipping unknown event type", zap.String("type", string(event.Type)))
				continue
			}
			if !r.emit(ctx, StreamItem{Event: event}) {
				return
			}
			if event.Type.Terminal() {
				r.logger.Debug("Terminal event received, closing stream", zap.String("type", string(event.Type)))
				r.emit(ctx, StreamItem{End: true})
				return
			}
		}
	}
}

func (r *StreamReader) emit(ctx context.Context, item StreamItem) bool {
	select {
	case r.items <- item:
		return true
	case <-ctx.Done():
		return false
	}
}
