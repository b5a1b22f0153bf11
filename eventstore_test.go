package mcpconn_test

import (
	"encoding/json"
	"fmt"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/birchwood-labs/mcpconn"
)

func storeEvents(t *testing.T, store *mcpconn.MemoryEventStore, streamID string, n int) []string {
	t.Helper()

	ids := make([]string, 0, n)
	for i := 0; i < n; i++ {
		msg := mcpconn.JSONRPCMessage{
			JSONRPC: mcpconn.JSONRPCVersion,
			Method:  "notifications/progress",
			Params:  json.RawMessage(fmt.Sprintf(`{"progressToken":"tok","progress":%d}`, i)),
		}
		id, err := store.StoreEvent(streamID, msg)
		require.NoError(t, err)
		ids = append(ids, id)
	}
	return ids
}

func TestMemoryEventStore_MonotonicIDs(t *testing.T) {
	store := mcpconn.NewMemoryEventStore()

	ids := storeEvents(t, store, "s1", 10)

	prev := uint64(0)
	for _, id := range ids {
		seq, err := strconv.ParseUint(id, 10, 64)
		require.NoError(t, err)
		require.Greater(t, seq, prev, "event ids must be strictly increasing")
		prev = seq
	}
}

func TestMemoryEventStore_ReplayEventsAfter(t *testing.T) {
	store := mcpconn.NewMemoryEventStore()
	ids := storeEvents(t, store, "s1", 5)

	var replayed []string
	count, err := store.ReplayEventsAfter("s1", ids[1], func(eventID string, _ mcpconn.JSONRPCMessage) error {
		replayed = append(replayed, eventID)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 3, count)
	require.Equal(t, ids[2:], replayed, "replay must be the strict suffix in storage order")
}

func TestMemoryEventStore_ReplayFromStart(t *testing.T) {
	store := mcpconn.NewMemoryEventStore()
	ids := storeEvents(t, store, "s1", 3)

	var replayed []string
	count, err := store.ReplayEventsAfter("s1", "", func(eventID string, _ mcpconn.JSONRPCMessage) error {
		replayed = append(replayed, eventID)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 3, count)
	require.Equal(t, ids, replayed)
}

func TestMemoryEventStore_ReplayUnknownStream(t *testing.T) {
	store := mcpconn.NewMemoryEventStore()

	count, err := store.ReplayEventsAfter("nope", "", func(string, mcpconn.JSONRPCMessage) error {
		t.Fatal("callback must not run for an unknown stream")
		return nil
	})
	require.NoError(t, err)
	require.Zero(t, count)
}

func TestMemoryEventStore_FIFOEviction(t *testing.T) {
	store := mcpconn.NewMemoryEventStore(mcpconn.WithMaxEventsPerStream(3))
	ids := storeEvents(t, store, "s1", 5)

	require.Equal(t, 3, store.EventCount("s1"))
	require.False(t, store.HasEvent("s1", ids[0]))
	require.False(t, store.HasEvent("s1", ids[1]))
	for _, id := range ids[2:] {
		require.True(t, store.HasEvent("s1", id))
	}
	require.Equal(t, ids[4], store.LatestEventID("s1"))

	var replayed []string
	count, err := store.ReplayEventsAfter("s1", "", func(eventID string, _ mcpconn.JSONRPCMessage) error {
		replayed = append(replayed, eventID)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 3, count)
	require.Equal(t, ids[2:], replayed, "only the newest events survive eviction")
}

func TestMemoryEventStore_StreamIsolation(t *testing.T) {
	store := mcpconn.NewMemoryEventStore()
	storeEvents(t, store, "s1", 4)
	storeEvents(t, store, "s2", 2)

	require.Equal(t, 4, store.EventCount("s1"))
	require.Equal(t, 2, store.EventCount("s2"))
	require.Equal(t, "2", store.LatestEventID("s2"), "each stream numbers its own events")
}

func TestMemoryEventStore_Cleanup(t *testing.T) {
	store := mcpconn.NewMemoryEventStore(mcpconn.WithMaxEventAge(time.Nanosecond))
	storeEvents(t, store, "s1", 3)

	time.Sleep(time.Millisecond)

	removed := store.Cleanup()
	require.Equal(t, 3, removed)
	require.Zero(t, store.EventCount("s1"))
	require.Empty(t, store.LatestEventID("s1"))

	// New events after a sweep keep increasing from where the stream left off.
	id, err := store.StoreEvent("s1", mcpconn.JSONRPCMessage{JSONRPC: mcpconn.JSONRPCVersion, Method: "ping"})
	require.NoError(t, err)
	require.Equal(t, "4", id)
}
