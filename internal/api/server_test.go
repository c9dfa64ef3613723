package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/halo-p2p/halo/internal/chord"
	"github.com/halo-p2p/halo/internal/config"
	"github.com/halo-p2p/halo/internal/dispatch"
	"github.com/halo-p2p/halo/internal/peer"
	"github.com/halo-p2p/halo/internal/swarm"
	"github.com/halo-p2p/halo/internal/transport"
	"github.com/halo-p2p/halo/pkg"
)

// testServer is a single-node stack fronted by an httptest server.
type testServer struct {
	srv  *Server
	http *httptest.Server
	d    *dispatch.Dispatcher
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.StabilizeInterval = time.Hour
	cfg.FixFingersInterval = time.Hour
	cfg.RPCTimeout = 2 * time.Second

	logger, err := pkg.NewLogger(&pkg.LogConfig{Level: "error"})
	require.NoError(t, err)

	network := transport.NewMemoryNetwork()
	self := peer.New(big.NewInt(42), "mem-42")

	sw := swarm.New(self, network.Broker("mem-42"), cfg, logger)
	node, err := chord.NewNode(self, cfg, logger)
	require.NoError(t, err)

	d := dispatch.New(sw, node, cfg, logger)
	node.SetRemote(dispatch.NewChordClient(d))
	d.Start()
	require.NoError(t, node.Create())

	srv := NewServer(sw, node, d, cfg, logger)
	go srv.hub.Run()

	mux := http.NewServeMux()
	mux.HandleFunc("/rpc", srv.handleRPC)
	mux.HandleFunc("/ws", srv.hub.HandleWebSocket)
	mux.HandleFunc("/health", srv.handleHealth)
	ts := httptest.NewServer(corsMiddleware(mux))

	t.Cleanup(func() {
		ts.Close()
		node.Stop()
		d.Stop()
		sw.Shutdown()
		srv.hub.Stop()
	})
	return &testServer{srv: srv, http: ts, d: d}
}

func (ts *testServer) call(t *testing.T, method string, params any) *rpcResponse {
	t.Helper()

	body := map[string]any{"jsonrpc": "2.0", "method": method, "id": 1}
	if params != nil {
		body["params"] = params
	}
	data, err := json.Marshal(body)
	require.NoError(t, err)

	resp, err := http.Post(ts.http.URL+"/rpc", "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	defer resp.Body.Close()

	var out rpcResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return &out
}

func TestHealthEndpoint(t *testing.T) {
	ts := newTestServer(t)

	resp, err := http.Get(ts.http.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Status     string `json:"status"`
		Membership string `json:"membership"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body.Status)
	assert.Equal(t, "stable", body.Membership)
}

func TestRPCNodeInfo(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.call(t, "nodeInfo", nil)
	require.Nil(t, resp.Error)

	result := resp.Result.(map[string]any)
	self := result["self"].(map[string]any)
	assert.Equal(t, "2a", self["id"], "42 in hex")
	assert.Equal(t, "stable", result["membership"])
}

func TestRPCFindSuccessor(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.call(t, "findSuccessor", map[string]any{"id": "ff"})
	require.Nil(t, resp.Error)

	result := resp.Result.(map[string]any)
	succ := result["successor"].(map[string]any)
	assert.Equal(t, "2a", succ["id"], "a lone node owns everything")
}

func TestRPCSendMessage(t *testing.T) {
	ts := newTestServer(t)

	ts.d.OnRequest(func(ctx context.Context, from *peer.Peer, payload json.RawMessage) (json.RawMessage, error) {
		return json.RawMessage(`{"echo":true}`), nil
	})

	resp := ts.call(t, "sendMessage", map[string]any{
		"target":  "2a",
		"payload": map[string]any{"hello": "world"},
	})
	require.Nil(t, resp.Error)

	result := resp.Result.(map[string]any)
	data, err := json.Marshal(result["response"])
	require.NoError(t, err)
	assert.JSONEq(t, `{"echo":true}`, string(data))
}

func TestRPCErrors(t *testing.T) {
	ts := newTestServer(t)

	t.Run("unknown method", func(t *testing.T) {
		resp := ts.call(t, "noSuchMethod", nil)
		require.NotNil(t, resp.Error)
		assert.Equal(t, codeMethodNotFound, resp.Error.Code)
	})

	t.Run("invalid params", func(t *testing.T) {
		resp := ts.call(t, "findSuccessor", map[string]any{})
		require.NotNil(t, resp.Error)
		assert.Equal(t, codeInvalidParams, resp.Error.Code)
	})

	t.Run("parse error", func(t *testing.T) {
		resp, err := http.Post(ts.http.URL+"/rpc", "application/json", strings.NewReader("{broken"))
		require.NoError(t, err)
		defer resp.Body.Close()

		var out rpcResponse
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
		require.NotNil(t, out.Error)
		assert.Equal(t, codeParseError, out.Error.Code)
	})

	t.Run("get rejected", func(t *testing.T) {
		resp, err := http.Get(ts.http.URL + "/rpc")
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
	})
}

func TestSubscribePublishOverWebSocket(t *testing.T) {
	ts := newTestServer(t)

	wsURL := "ws" + strings.TrimPrefix(ts.http.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	resp := ts.call(t, "subscribe", map[string]any{"topic": "alerts"})
	require.Nil(t, resp.Error)
	subID := resp.Result.(map[string]any)["subscriptionId"].(string)
	require.NotEmpty(t, subID)

	resp = ts.call(t, "publish", map[string]any{
		"topic":   "alerts",
		"payload": map[string]any{"level": "red"},
	})
	require.Nil(t, resp.Error)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)

	var event struct {
		Type           string          `json:"type"`
		Topic          string          `json:"topic"`
		SubscriptionID string          `json:"subscriptionId"`
		Payload        json.RawMessage `json:"payload"`
	}
	require.NoError(t, json.Unmarshal(msg, &event))
	assert.Equal(t, "event", event.Type)
	assert.Equal(t, "alerts", event.Topic)
	assert.Equal(t, subID, event.SubscriptionID)
	assert.JSONEq(t, `{"level":"red"}`, string(event.Payload))

	t.Run("unsubscribe", func(t *testing.T) {
		resp := ts.call(t, "unsubscribe", map[string]any{"subscriptionId": subID})
		require.Nil(t, resp.Error)

		resp = ts.call(t, "unsubscribe", map[string]any{"subscriptionId": subID})
		require.NotNil(t, resp.Error, "double unsubscribe is an error")
	})
}

func TestRPCListPeersEmpty(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.call(t, "listPeers", nil)
	require.Nil(t, resp.Error)

	result := resp.Result.(map[string]any)
	peers, ok := result["peers"].([]any)
	if ok {
		assert.Empty(t, peers)
	}
}

func TestRPCConnectPeerInvalid(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.call(t, "connectPeer", map[string]any{"id": "zz!!", "addrs": []string{"x"}})
	require.NotNil(t, resp.Error)
	assert.Equal(t, codeInvalidParams, resp.Error.Code)

	resp = ts.call(t, "connectPeer", map[string]any{"id": fmt.Sprintf("%x", 7)})
	require.NotNil(t, resp.Error)
	assert.Equal(t, codeInvalidParams, resp.Error.Code)
}
