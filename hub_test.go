package main

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Seednode/namebox/store"
)

type testServer struct {
	srv *httptest.Server
	hub *Hub
}

// newTestServer runs the full web surface against an in-memory store, or
// fully degraded when withStore is false.
func newTestServer(t *testing.T, withStore bool) *testServer {
	t.Helper()

	cfg := &Config{
		port:       8080,
		deployment: "test",
	}

	var docs store.DocumentStore
	if withStore {
		st, err := store.Open("")
		require.NoError(t, err)
		t.Cleanup(func() {
			_ = st.Close()
		})
		docs = st
	}

	hub := newHub(cfg, docs)
	go hub.run()
	t.Cleanup(hub.closeAll)

	srv := httptest.NewServer(newMux(cfg, hub, make(chan error, 64)))
	t.Cleanup(srv.Close)

	return &testServer{srv: srv, hub: hub}
}

func (ts *testServer) dial(t *testing.T) *websocket.Conn {
	t.Helper()

	url := strings.Replace(ts.srv.URL, "http", "ws", 1) + "/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}

	t.Cleanup(func() {
		_ = conn.Close()
	})

	return conn
}

// await reads messages until one of the given type satisfies match, failing
// after the deadline. Other message types are skipped.
func await(t *testing.T, conn *websocket.Conn, msgType string, match func(map[string]any) bool) map[string]any {
	t.Helper()

	deadline := time.Now().Add(3 * time.Second)
	require.NoError(t, conn.SetReadDeadline(deadline))

	for {
		var msg map[string]any
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("waiting for %q: %v", msgType, err)
		}

		if msg["type"] != msgType {
			continue
		}
		if match == nil || match(msg) {
			return msg
		}
	}
}

func send(t *testing.T, conn *websocket.Conn, msg ClientMessage) {
	t.Helper()

	data, err := json.Marshal(msg)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))
}

func tallyFor(msg map[string]any, candidate string) int {
	tally, ok := msg["tally"].(map[string]any)
	if !ok {
		return -1
	}
	n, ok := tally[candidate].(float64)
	if !ok {
		return -1
	}
	return int(n)
}

func TestLiveVotingEndToEnd(t *testing.T) {
	ts := newTestServer(t, true)
	conn := ts.dial(t)

	info := await(t, conn, "session_info", nil)
	assert.Equal(t, true, info["ready"])
	assert.Equal(t, true, info["store_enabled"])

	// Voting before choosing a role is rejected.
	send(t, conn, ClientMessage{Type: "vote", Candidate: "يامن"})
	await(t, conn, "notice", func(m map[string]any) bool {
		return m["severity"] == "error"
	})

	send(t, conn, ClientMessage{Type: "set_role", Role: "father"})
	await(t, conn, "session_info", func(m map[string]any) bool {
		return m["role"] == "father"
	})

	send(t, conn, ClientMessage{Type: "vote", Candidate: "يامن"})
	await(t, conn, "tally", func(m map[string]any) bool {
		return tallyFor(m, "يامن") == 1
	})

	// A duplicate vote is idempotent: informative notice, tally unchanged.
	send(t, conn, ClientMessage{Type: "vote", Candidate: "يامن"})
	notice := await(t, conn, "notice", func(m map[string]any) bool {
		return m["severity"] == "info"
	})
	assert.Contains(t, notice["message"], "already voted")

	send(t, conn, ClientMessage{Type: "comment", Text: "حلو"})
	await(t, conn, "comments", func(m map[string]any) bool {
		comments, ok := m["comments"].([]any)
		if !ok || len(comments) != 1 {
			return false
		}
		c, ok := comments[0].(map[string]any)
		return ok && c["text"] == "حلو"
	})
}

func TestSecondSessionSeesExistingState(t *testing.T) {
	ts := newTestServer(t, true)

	first := ts.dial(t)
	await(t, first, "session_info", nil)
	send(t, first, ClientMessage{Type: "set_role", Role: "mother"})
	await(t, first, "session_info", func(m map[string]any) bool {
		return m["role"] == "mother"
	})
	send(t, first, ClientMessage{Type: "vote", Candidate: "غوث"})
	await(t, first, "tally", func(m map[string]any) bool {
		return tallyFor(m, "غوث") == 1
	})

	// A later connection starts from the current ledger state.
	second := ts.dial(t)
	await(t, second, "tally", func(m map[string]any) bool {
		return tallyFor(m, "غوث") == 1
	})
}

func TestDegradedModeEndToEnd(t *testing.T) {
	ts := newTestServer(t, false)
	conn := ts.dial(t)

	// A usable guest session still resolves and the page still renders.
	info := await(t, conn, "session_info", nil)
	assert.Equal(t, true, info["ready"])
	assert.Equal(t, false, info["store_enabled"])

	await(t, conn, "banner", nil)

	tally := await(t, conn, "tally", nil)
	for _, candidate := range []string{"يامن", "غوث", "غياث"} {
		assert.Equal(t, 0, tallyFor(tally, candidate))
	}

	await(t, conn, "comments", func(m map[string]any) bool {
		comments, ok := m["comments"].([]any)
		return ok && len(comments) == 0
	})

	// Writes are rejected with a user-visible error, not a crash.
	send(t, conn, ClientMessage{Type: "vote", Candidate: "يامن"})
	await(t, conn, "notice", func(m map[string]any) bool {
		return m["severity"] == "error"
	})
}

func TestHTTPPages(t *testing.T) {
	ts := newTestServer(t, true)

	for _, path := range []string{"/", "/healthz", "/version", "/robots.txt", "/candidates", "/qr"} {
		resp, err := ts.srv.Client().Get(ts.srv.URL + path)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equalf(t, 200, resp.StatusCode, "GET %s", path)
	}
}
