package web

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"slam3d-go/monitoring"
)

func startServer(t *testing.T, configDir string, tags func() any) (*Server, *httptest.Server) {
	t.Helper()
	monitoring.SetLogger(nil)
	s := NewServer()
	s.Tags = tags
	go s.Hub.Run()
	ts := httptest.NewServer(s.Handler("", configDir))
	t.Cleanup(func() {
		ts.Close()
		s.Hub.Close()
	})
	return s, ts
}

func TestHubBroadcastReachesClient(t *testing.T) {
	s, ts := startServer(t, "", nil)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	// Registration is asynchronous; keep broadcasting until one arrives.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		tick := time.NewTicker(10 * time.Millisecond)
		defer tick.Stop()
		for {
			select {
			case <-stop:
				return
			case <-tick.C:
				s.Hub.Broadcast([]byte(`{"id":1}`))
			}
		}
	}()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	typ, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.TextMessage, typ)
	assert.JSONEq(t, `{"id":1}`, string(msg))
}

func TestBroadcastNeverBlocks(t *testing.T) {
	h := NewHub()
	done := make(chan struct{})
	go func() {
		for i := 0; i < 10*sendBuffer; i++ {
			h.Broadcast([]byte("x"))
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Broadcast blocked without a running hub")
	}
}

func TestTagsEndpoint(t *testing.T) {
	_, bare := startServer(t, "", nil)
	resp, err := http.Get(bare.URL + "/tags")
	require.NoError(t, err)
	var empty []any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&empty))
	resp.Body.Close()
	assert.Empty(t, empty)

	_, ts := startServer(t, "", func() any { return []map[string]float64{{"x": 1.5}} })
	resp, err = http.Get(ts.URL + "/tags")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	var got []map[string]float64
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	assert.Equal(t, []map[string]float64{{"x": 1.5}}, got)

	post, err := http.Post(ts.URL+"/tags", "text/plain", nil)
	require.NoError(t, err)
	post.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, post.StatusCode)
}

func TestProjectFileServed(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "project.xml"), []byte("<project/>"), 0o644))
	_, ts := startServer(t, dir, nil)

	resp, err := http.Get(ts.URL + "/project.xml")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
