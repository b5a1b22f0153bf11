package mcpconn

import (
	"io"
	"net/url"
	"strings"
	"testing"
	"time"
)

func TestParseEndpointPayload(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		want    string
		wantErr bool
	}{
		{name: "bare path", data: "/messages?session=abc", want: "/messages?session=abc"},
		{name: "absolute URL", data: "https://example.com/messages", want: "https://example.com/messages"},
		{name: "surrounding whitespace", data: "  /messages \n", want: "/messages"},
		{name: "json object", data: `{"uri":"/messages"}`, want: "/messages"},
		{name: "json missing uri", data: `{"url":"/messages"}`, wantErr: true},
		{name: "invalid json", data: `{"uri":`, wantErr: true},
		{name: "empty", data: "   ", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseEndpointPayload(tt.data)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("parseEndpointPayload(%q) expected error, got %q", tt.data, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("parseEndpointPayload(%q) error = %v", tt.data, err)
			}
			if got != tt.want {
				t.Errorf("parseEndpointPayload(%q) = %q, want %q", tt.data, got, tt.want)
			}
		})
	}
}

func TestResolveEndpointURL(t *testing.T) {
	base, err := url.Parse("https://example.com/mcp/sse")
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name    string
		target  string
		want    string
		wantErr bool
	}{
		{name: "absolute", target: "https://other.example.com/messages", want: "https://other.example.com/messages"},
		{name: "host relative", target: "/messages?s=1", want: "https://example.com/messages?s=1"},
		{name: "path relative", target: "messages", want: "https://example.com/mcp/messages"},
		{name: "scheme relative", target: "//cdn.example.com/messages", want: "https://cdn.example.com/messages"},
		{name: "unparsable", target: "://nope", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := resolveEndpointURL(base, tt.target)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("resolveEndpointURL(%q) expected error, got %q", tt.target, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("resolveEndpointURL(%q) error = %v", tt.target, err)
			}
			if got != tt.want {
				t.Errorf("resolveEndpointURL(%q) = %q, want %q", tt.target, got, tt.want)
			}
		})
	}
}

func TestEventReader_DeliversEvents(t *testing.T) {
	stream := "event: endpoint\ndata: /messages\n\n" +
		"id: 7\nevent: message\ndata: {\"jsonrpc\":\"2.0\",\"method\":\"ping\"}\n\n" +
		"data: bare default event\n\n"

	reader := newEventReader(io.NopCloser(strings.NewReader(stream)), 0, nil)
	defer reader.Close()

	var got []streamEvent
	for ev := range reader.Events() {
		if ev.err != nil {
			t.Fatalf("unexpected stream error: %v", ev.err)
		}
		got = append(got, ev)
	}

	if len(got) != 3 {
		t.Fatalf("received %d events, want 3", len(got))
	}
	if got[0].name != eventNameEndpoint || got[0].data != "/messages" {
		t.Errorf("event 0 = %+v, want endpoint event", got[0])
	}
	if got[1].name != eventNameMessage || got[1].id != "7" {
		t.Errorf("event 1 = %+v, want message with id 7", got[1])
	}
	// An event without an explicit type defaults to "message".
	if got[2].name != eventNameMessage || got[2].data != "bare default event" {
		t.Errorf("event 2 = %+v, want default-typed message", got[2])
	}
}

func TestEventReader_CloseStopsDelivery(t *testing.T) {
	pr, pw := io.Pipe()
	reader := newEventReader(pr, 0, nil)

	go pw.Write([]byte("data: one\n\n"))

	select {
	case ev := <-reader.Events():
		if ev.data != "one" {
			t.Fatalf("event = %+v, want data \"one\"", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for first event")
	}

	reader.Close()

	select {
	case _, ok := <-reader.Events():
		if ok {
			t.Fatal("received event after Close")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("events channel not closed after Close")
	}
}
