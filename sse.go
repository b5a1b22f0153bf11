package mcpconn

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"strings"
	"sync"

	"github.com/tmaxmax/go-sse"
)

const (
	eventNameMessage  = "message"
	eventNameEndpoint = "endpoint"
)

// streamEvent is one decoded Server-Sent-Events frame. A read failure is
// delivered as the final event with err set.
type streamEvent struct {
	id   string
	name string
	data string
	err  error
}

// eventReader consumes a single SSE response body in a background goroutine
// and delivers decoded events over a channel. The channel is closed when the
// stream ends, either cleanly or after a terminal read error.
type eventReader struct {
	body         io.ReadCloser
	logger       *slog.Logger
	maxEventSize int

	events chan streamEvent
	done   chan struct{}
	once   sync.Once
}

func newEventReader(body io.ReadCloser, maxEventSize int, logger *slog.Logger) *eventReader {
	if logger == nil {
		logger = slog.Default()
	}
	r := &eventReader{
		body:         body,
		logger:       logger,
		maxEventSize: maxEventSize,
		events:       make(chan streamEvent),
		done:         make(chan struct{}),
	}
	go r.run()
	return r
}

// Events yields decoded frames in arrival order until the stream ends.
func (r *eventReader) Events() <-chan streamEvent {
	return r.events
}

// Close tears the stream down. It is safe to call more than once and safe to
// call concurrently with Events consumption.
func (r *eventReader) Close() {
	r.once.Do(func() {
		close(r.done)
		r.body.Close()
	})
}

func (r *eventReader) run() {
	defer func() {
		r.Close()
		close(r.events)
	}()

	var config *sse.ReadConfig
	if r.maxEventSize > 0 {
		config = &sse.ReadConfig{MaxEventSize: r.maxEventSize}
	}

	for ev, err := range sse.Read(r.body, config) {
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, io.ErrClosedPipe) || isClosedFile(err) {
				return
			}
			select {
			case r.events <- streamEvent{err: fmt.Errorf("failed to read SSE event: %w", err)}:
			case <-r.done:
			}
			return
		}

		name := ev.Type
		if name == "" {
			name = eventNameMessage
		}

		select {
		case r.events <- streamEvent{id: ev.LastEventID, name: name, data: ev.Data}:
		case <-r.done:
			return
		}
	}
}

// parseEndpointPayload extracts the endpoint target from an "endpoint" event.
// Servers emit either a bare URL/path string or a JSON object with a uri field.
func parseEndpointPayload(data string) (string, error) {
	payload := strings.TrimSpace(data)
	if payload == "" {
		return "", errors.New("empty endpoint event payload")
	}

	if strings.HasPrefix(payload, "{") {
		var obj struct {
			URI string `json:"uri"`
		}
		if err := json.Unmarshal([]byte(payload), &obj); err != nil {
			return "", fmt.Errorf("failed to parse endpoint event payload: %w", err)
		}
		if obj.URI == "" {
			return "", errors.New("endpoint event payload is missing uri")
		}
		return obj.URI, nil
	}

	return payload, nil
}

// resolveEndpointURL resolves an endpoint target against the stream's base
// URL. Absolute URLs pass through, scheme-relative targets adopt the base
// scheme, and host- or path-relative targets resolve against the base path.
func resolveEndpointURL(base *url.URL, target string) (string, error) {
	ref, err := url.Parse(target)
	if err != nil {
		return "", fmt.Errorf("failed to parse endpoint URL %q: %w", target, err)
	}

	resolved := base.ResolveReference(ref)
	if resolved.Scheme == "" || resolved.Host == "" {
		return "", fmt.Errorf("endpoint URL %q did not resolve to an absolute URL", target)
	}
	return resolved.String(), nil
}
