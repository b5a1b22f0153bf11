package mcpconn_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/birchwood-labs/mcpconn"
)

// streamableServer is a minimal streamable-protocol endpoint for tests. It
// answers every POSTed request with an immediate JSON response and records
// the methods and headers it saw.
type streamableServer struct {
	sessionID string

	mu       sync.Mutex
	requests []string
	deletes  []string
}

func (s *streamableServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		var msg mcpconn.JSONRPCMessage
		if err := readJSONBody(r, &msg); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		s.mu.Lock()
		s.requests = append(s.requests, msg.Method)
		s.mu.Unlock()

		if msg.ID == "" {
			w.WriteHeader(http.StatusAccepted)
			return
		}
		if s.sessionID != "" {
			w.Header().Set("Mcp-Session-Id", s.sessionID)
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"jsonrpc":"2.0","id":%q,"result":{"protocolVersion":%q,"capabilities":{},"serverInfo":{"name":"test","version":"1.0"}}}`,
			string(msg.ID), mcpconn.ProtocolVersionStreamable)
	case http.MethodGet:
		w.WriteHeader(http.StatusMethodNotAllowed)
	case http.MethodDelete:
		s.mu.Lock()
		s.deletes = append(s.deletes, r.Header.Get("Mcp-Session-Id"))
		s.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func readJSONBody(r *http.Request, v any) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}

func TestStreamableHTTP_AutoDetectStreamable(t *testing.T) {
	backend := &streamableServer{sessionID: "sess-42"}
	srv := httptest.NewServer(backend)
	defer srv.Close()

	transport := mcpconn.NewStreamableHTTP(srv.URL)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := transport.Connect(ctx); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer transport.Close(ctx)

	if !transport.Connected() {
		t.Fatal("Connected() = false after Connect")
	}

	// A 200 on the probe selects the streamable revision; the next request
	// still posts to the original endpoint.
	err := transport.Send(ctx, mcpconn.JSONRPCMessage{
		JSONRPC: mcpconn.JSONRPCVersion,
		ID:      mcpconn.MustString("init-1"),
		Method:  "initialize",
	})
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	msg, err := transport.Receive(ctx)
	if err != nil {
		t.Fatalf("Receive() error = %v", err)
	}
	if msg == nil || string(msg.ID) != "init-1" {
		t.Fatalf("Receive() = %v, want response to init-1", msg)
	}

	if got := transport.SessionID(); got != "sess-42" {
		t.Errorf("SessionID() = %q, want %q", got, "sess-42")
	}
}

func TestStreamableHTTP_CloseSendsDelete(t *testing.T) {
	backend := &streamableServer{sessionID: "sess-9"}
	srv := httptest.NewServer(backend)
	defer srv.Close()

	transport := mcpconn.NewStreamableHTTP(srv.URL,
		mcpconn.WithHTTPProtocolVersion(mcpconn.ProtocolVersionStreamable))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := transport.Connect(ctx); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	// Adopt the session id from a response first.
	if err := transport.Send(ctx, mcpconn.JSONRPCMessage{
		JSONRPC: mcpconn.JSONRPCVersion,
		ID:      mcpconn.MustString("1"),
		Method:  "initialize",
	}); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	if err := transport.Close(ctx); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if transport.Connected() {
		t.Error("Connected() = true after Close")
	}

	backend.mu.Lock()
	defer backend.mu.Unlock()
	if len(backend.deletes) != 1 || backend.deletes[0] != "sess-9" {
		t.Errorf("server saw DELETE sessions %v, want [sess-9]", backend.deletes)
	}
}

func TestStreamableHTTP_SessionlessTolerated(t *testing.T) {
	backend := &streamableServer{}
	srv := httptest.NewServer(backend)
	defer srv.Close()

	transport := mcpconn.NewStreamableHTTP(srv.URL,
		mcpconn.WithHTTPProtocolVersion(mcpconn.ProtocolVersionStreamable))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := transport.Connect(ctx); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	if err := transport.Send(ctx, mcpconn.JSONRPCMessage{
		JSONRPC: mcpconn.JSONRPCVersion,
		ID:      mcpconn.MustString("1"),
		Method:  "initialize",
	}); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if got := transport.SessionID(); got != "" {
		t.Errorf("SessionID() = %q, want empty in session-less mode", got)
	}

	if err := transport.Close(ctx); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	// No session id means nothing to terminate.
	backend.mu.Lock()
	defer backend.mu.Unlock()
	if len(backend.deletes) != 0 {
		t.Errorf("server saw %d DELETE calls, want 0", len(backend.deletes))
	}
}

func TestStreamableHTTP_AutoDetectLegacy(t *testing.T) {
	var postPaths []string
	var mu sync.Mutex

	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	defer srv.Close()

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			// The detection probe lands here and is rejected.
			w.WriteHeader(http.StatusMethodNotAllowed)
		case http.MethodGet:
			flusher, ok := w.(http.Flusher)
			if !ok {
				t.Error("response writer is not a flusher")
				return
			}
			w.Header().Set("Content-Type", "text/event-stream")
			w.WriteHeader(http.StatusOK)
			fmt.Fprint(w, "event: endpoint\ndata: /messages?session=abc\n\n")
			flusher.Flush()
			fmt.Fprint(w, "id: 1\nevent: message\ndata: {\"jsonrpc\":\"2.0\",\"method\":\"notifications/tools/list_changed\"}\n\n")
			flusher.Flush()
			<-r.Context().Done()
		}
	})
	mux.HandleFunc("/messages", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		postPaths = append(postPaths, r.URL.RequestURI())
		mu.Unlock()
		w.WriteHeader(http.StatusAccepted)
	})

	transport := mcpconn.NewStreamableHTTP(srv.URL)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := transport.Connect(ctx); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer transport.Close(ctx)

	// Sends must target the endpoint the stream announced.
	if err := transport.Send(ctx, mcpconn.JSONRPCMessage{
		JSONRPC: mcpconn.JSONRPCVersion,
		Method:  "notifications/initialized",
	}); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	mu.Lock()
	if len(postPaths) != 1 || !strings.HasPrefix(postPaths[0], "/messages") {
		t.Errorf("POST paths = %v, want /messages target", postPaths)
	}
	mu.Unlock()

	msg, err := transport.Receive(ctx)
	if err != nil {
		t.Fatalf("Receive() error = %v", err)
	}
	if msg == nil || msg.Method != "notifications/tools/list_changed" {
		t.Fatalf("Receive() = %v, want the streamed notification", msg)
	}
}

func TestStreamableHTTP_LegacyEndpointTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		w.(http.Flusher).Flush()
		// Never send the endpoint event.
		<-r.Context().Done()
	}))
	defer srv.Close()

	transport := mcpconn.NewStreamableHTTP(srv.URL,
		mcpconn.WithHTTPProtocolVersion(mcpconn.ProtocolVersionLegacy),
		mcpconn.WithHTTPStreamTimeout(100*time.Millisecond))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := transport.Connect(ctx)
	if err == nil {
		transport.Close(ctx)
		t.Fatal("Connect() expected error when the endpoint event never arrives")
	}
	if transport.Connected() {
		t.Error("Connected() = true after failed Connect")
	}
}

func TestStreamableHTTP_EventStoreRecordsStreamEvents(t *testing.T) {
	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	defer srv.Close()

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			w.WriteHeader(http.StatusAccepted)
		case http.MethodGet:
			flusher := w.(http.Flusher)
			w.Header().Set("Content-Type", "text/event-stream")
			w.WriteHeader(http.StatusOK)
			for i := 1; i <= 3; i++ {
				fmt.Fprintf(w, "id: %d\nevent: message\ndata: {\"jsonrpc\":\"2.0\",\"method\":\"notifications/progress\",\"params\":{\"progressToken\":\"t\",\"progress\":%d}}\n\n", i, i)
				flusher.Flush()
			}
			<-r.Context().Done()
		}
	})

	store := mcpconn.NewMemoryEventStore()
	transport := mcpconn.NewStreamableHTTP(srv.URL,
		mcpconn.WithHTTPProtocolVersion(mcpconn.ProtocolVersionStreamable),
		mcpconn.WithHTTPEventStore(store))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := transport.Connect(ctx); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer transport.Close(ctx)

	for i := 0; i < 3; i++ {
		msg, err := transport.Receive(ctx)
		if err != nil {
			t.Fatalf("Receive() error = %v", err)
		}
		if msg == nil || msg.Method != "notifications/progress" {
			t.Fatalf("Receive() = %v, want progress notification", msg)
		}
	}

	if got := store.EventCount(srv.URL); got != 3 {
		t.Errorf("EventCount() = %d, want 3", got)
	}
}

func TestStreamableHTTP_ResumesAfterReconnect(t *testing.T) {
	var mu sync.Mutex
	var lastEventIDs []string

	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	defer srv.Close()

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			w.WriteHeader(http.StatusAccepted)
		case http.MethodGet:
			mu.Lock()
			lastEventIDs = append(lastEventIDs, r.Header.Get("Last-Event-ID"))
			n := len(lastEventIDs)
			mu.Unlock()

			flusher := w.(http.Flusher)
			w.Header().Set("Content-Type", "text/event-stream")
			w.WriteHeader(http.StatusOK)
			fmt.Fprintf(w, "id: %d\nevent: message\ndata: {\"jsonrpc\":\"2.0\",\"method\":\"notifications/progress\",\"params\":{\"progressToken\":\"t\",\"progress\":%d}}\n\n", n*10, n)
			flusher.Flush()
			<-r.Context().Done()
		}
	})

	transport := mcpconn.NewStreamableHTTP(srv.URL,
		mcpconn.WithHTTPProtocolVersion(mcpconn.ProtocolVersionStreamable))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := transport.Connect(ctx); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	msg, err := transport.Receive(ctx)
	if err != nil || msg == nil {
		t.Fatalf("Receive() = %v, %v, want streamed message", msg, err)
	}
	if err := transport.Close(ctx); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	// The reconnect must ask the server to replay from the last delivered id.
	if err := transport.Connect(ctx); err != nil {
		t.Fatalf("second Connect() error = %v", err)
	}
	defer transport.Close(ctx)
	msg, err = transport.Receive(ctx)
	if err != nil || msg == nil {
		t.Fatalf("Receive() after reconnect = %v, %v, want streamed message", msg, err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(lastEventIDs) != 2 || lastEventIDs[0] != "" || lastEventIDs[1] != "10" {
		t.Errorf("Last-Event-ID headers = %v, want [\"\" \"10\"]", lastEventIDs)
	}
}

func TestStreamableHTTP_ResumptionFallback(t *testing.T) {
	var mu sync.Mutex
	var lastEventIDs []string

	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	defer srv.Close()

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			w.WriteHeader(http.StatusAccepted)
		case http.MethodGet:
			id := r.Header.Get("Last-Event-ID")
			mu.Lock()
			lastEventIDs = append(lastEventIDs, id)
			mu.Unlock()

			// This server cannot replay; any resumption attempt is rejected
			// and the client must fall back to one fresh connect.
			if id != "" {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			flusher := w.(http.Flusher)
			w.Header().Set("Content-Type", "text/event-stream")
			w.WriteHeader(http.StatusOK)
			fmt.Fprint(w, "id: 1\nevent: message\ndata: {\"jsonrpc\":\"2.0\",\"method\":\"notifications/tools/list_changed\"}\n\n")
			flusher.Flush()
			<-r.Context().Done()
		}
	})

	transport := mcpconn.NewStreamableHTTP(srv.URL,
		mcpconn.WithHTTPProtocolVersion(mcpconn.ProtocolVersionStreamable))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := transport.Connect(ctx); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if msg, err := transport.Receive(ctx); err != nil || msg == nil {
		t.Fatalf("Receive() = %v, %v, want streamed message", msg, err)
	}
	if err := transport.Close(ctx); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	if err := transport.Connect(ctx); err != nil {
		t.Fatalf("second Connect() error = %v", err)
	}
	defer transport.Close(ctx)
	if msg, err := transport.Receive(ctx); err != nil || msg == nil {
		t.Fatalf("Receive() after fallback = %v, %v, want streamed message", msg, err)
	}

	mu.Lock()
	defer mu.Unlock()
	want := []string{"", "1", ""}
	if len(lastEventIDs) != 3 || lastEventIDs[1] != "1" || lastEventIDs[2] != "" {
		t.Errorf("Last-Event-ID headers = %v, want %v", lastEventIDs, want)
	}
}

func TestStreamableHTTP_SendBeforeConnect(t *testing.T) {
	transport := mcpconn.NewStreamableHTTP("http://127.0.0.1:0")

	err := transport.Send(context.Background(), mcpconn.JSONRPCMessage{
		JSONRPC: mcpconn.JSONRPCVersion,
		Method:  "ping",
	})
	if err == nil {
		t.Fatal("Send() expected error before Connect")
	}
}
