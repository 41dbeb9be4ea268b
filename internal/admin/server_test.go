package admin

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/danmuck/erlnode/internal/dist"
	"github.com/danmuck/erlnode/internal/etf"
	"github.com/danmuck/erlnode/internal/testutil/testlog"
	"github.com/stretchr/testify/require"
)

type stubNode struct {
	registered bool
	peers      []dist.PeerInfo
	dropped    []etf.Atom
}

func (s *stubNode) Name() etf.Atom         { return "a@host" }
func (s *stubNode) Creation() uint32       { return 7 }
func (s *stubNode) Registered() bool       { return s.registered }
func (s *stubNode) Peers() []dist.PeerInfo { return s.peers }

func (s *stubNode) Disconnect(node etf.Atom) bool {
	for _, p := range s.peers {
		if p.Name == string(node) {
			s.dropped = append(s.dropped, node)
			return true
		}
	}
	return false
}

func do(t *testing.T, s *Server, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, httptest.NewRequest(method, path, nil))
	return w
}

func TestHealthAndReady(t *testing.T) {
	testlog.Start(t)
	node := &stubNode{}
	s := New(Config{}, node)

	w := do(t, s, http.MethodGet, "/health")
	require.Equal(t, http.StatusOK, w.Code)
	var health map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &health))
	require.Equal(t, "a@host", health["node"])

	require.Equal(t, http.StatusServiceUnavailable, do(t, s, http.MethodGet, "/ready").Code)
	node.registered = true
	require.Equal(t, http.StatusOK, do(t, s, http.MethodGet, "/ready").Code)
}

func TestPeersListAndDisconnect(t *testing.T) {
	testlog.Start(t)
	node := &stubNode{peers: []dist.PeerInfo{{Name: "b@host", Role: dist.RoleAccepted, Phase: "established"}}}
	s := New(Config{}, node)

	w := do(t, s, http.MethodGet, "/peers")
	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Peers []dist.PeerInfo `json:"peers"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Len(t, body.Peers, 1)
	require.Equal(t, dist.RoleAccepted, body.Peers[0].Role)

	require.Equal(t, http.StatusOK, do(t, s, http.MethodDelete, "/peers/b@host").Code)
	require.Equal(t, []etf.Atom{"b@host"}, node.dropped)
	require.Equal(t, http.StatusNotFound, do(t, s, http.MethodDelete, "/peers/c@host").Code)
}

func TestDisconnectRequiresToken(t *testing.T) {
	testlog.Start(t)
	node := &stubNode{peers: []dist.PeerInfo{{Name: "b@host"}}}
	s := New(Config{Token: "s3cret"}, node)

	require.Equal(t, http.StatusUnauthorized, do(t, s, http.MethodDelete, "/peers/b@host").Code)
	require.Empty(t, node.dropped)
	require.Equal(t, http.StatusOK, do(t, s, http.MethodGet, "/peers").Code)

	req := httptest.NewRequest(http.MethodDelete, "/peers/b@host", nil)
	req.Header.Set("Authorization", "Bearer s3cret")
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, []etf.Atom{"b@host"}, node.dropped)
}

func TestMetricsEndpoint(t *testing.T) {
	testlog.Start(t)
	s := New(Config{}, &stubNode{})
	do(t, s, http.MethodGet, "/health")
	w := do(t, s, http.MethodGet, "/metrics")
	require.Equal(t, http.StatusOK, w.Code)
	require.True(t, strings.Contains(w.Body.String(), "erlnode_http_requests_total"))
}

func TestCORSOrigins(t *testing.T) {
	testlog.Start(t)
	s := New(Config{CORSOrigins: []string{"http://localhost:3000"}}, &stubNode{})
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	require.Equal(t, "http://localhost:3000", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestServeStopsOnCancel(t *testing.T) {
	testlog.Start(t)
	s := New(Config{}, &stubNode{})
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, ln) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + ln.Addr().String() + "/health")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("serve did not stop")
	}
}
