// Package api exposes the node over HTTP: a JSON-RPC endpoint for control
// and queries, a WebSocket stream for subscription events and ring updates,
// and a health check.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/halo-p2p/halo/internal/chord"
	"github.com/halo-p2p/halo/internal/config"
	"github.com/halo-p2p/halo/internal/dispatch"
	"github.com/halo-p2p/halo/internal/peer"
	"github.com/halo-p2p/halo/internal/swarm"
	"github.com/halo-p2p/halo/pkg"
	"github.com/halo-p2p/halo/pkg/ring"
)

// JSON-RPC 2.0 error codes.
const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeServerError    = -32000
)

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      json.RawMessage `json:"id,omitempty"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  any             `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
	ID      json.RawMessage `json:"id,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// wirePeer is the JSON form of a peer descriptor on the RPC surface.
type wirePeer struct {
	ID    string   `json:"id"`
	Addrs []string `json:"addrs,omitempty"`
}

func toWirePeer(p *peer.Peer) *wirePeer {
	if p == nil {
		return nil
	}
	return &wirePeer{ID: p.Key(), Addrs: p.Addrs}
}

func toWirePeers(peers []*peer.Peer) []*wirePeer {
	out := make([]*wirePeer, len(peers))
	for i, p := range peers {
		out[i] = toWirePeer(p)
	}
	return out
}

// Server is the HTTP front of one node.
type Server struct {
	sw     *swarm.Swarm
	node   *chord.Node
	d      *dispatch.Dispatcher
	cfg    *config.Config
	logger *pkg.Logger

	hub        *WebSocketHub
	httpServer *http.Server

	subMu sync.Mutex
	subs  map[string]*dispatch.Subscription

	wg sync.WaitGroup
}

// NewServer creates the HTTP API server for a node.
func NewServer(sw *swarm.Swarm, node *chord.Node, d *dispatch.Dispatcher, cfg *config.Config, logger *pkg.Logger) *Server {
	return &Server{
		sw:     sw,
		node:   node,
		d:      d,
		cfg:    cfg,
		logger: logger.WithComponent("api"),
		hub:    NewWebSocketHub(logger),
		subs:   make(map[string]*dispatch.Subscription),
	}
}

// Hub returns the WebSocket hub for event broadcasting.
func (s *Server) Hub() *WebSocketHub {
	return s.hub
}

// Start listens on the configured API address.
func (s *Server) Start() error {
	go s.hub.Run()

	mux := http.NewServeMux()
	mux.HandleFunc("/rpc", s.handleRPC)
	mux.HandleFunc("/ws", s.hub.HandleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)

	s.httpServer = &http.Server{
		Addr:         s.cfg.APIAddr,
		Handler:      corsMiddleware(mux),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info().Str("addr", s.cfg.APIAddr).Msg("Starting API server")

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("API server error")
		}
	}()

	return nil
}

// Stop drains subscriptions and shuts the server down.
func (s *Server) Stop() error {
	s.subMu.Lock()
	for id, sub := range s.subs {
		sub.Cancel()
		delete(s.subs, id)
	}
	s.subMu.Unlock()
	s.wg.Wait()

	s.hub.Stop()

	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(ctx); err != nil {
			return fmt.Errorf("shutting down API server: %w", err)
		}
	}

	s.logger.Info().Msg("API server stopped")
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, `{"status":"ok","membership":%q}`, s.node.Membership())
}

func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req rpcRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeRPC(w, &rpcResponse{JSONRPC: "2.0", Error: &rpcError{Code: codeParseError, Message: "parse error"}})
		return
	}
	if req.JSONRPC != "2.0" || req.Method == "" {
		s.writeRPC(w, &rpcResponse{JSONRPC: "2.0", ID: req.ID, Error: &rpcError{Code: codeInvalidRequest, Message: "invalid request"}})
		return
	}

	result, rpcErr := s.dispatchMethod(r.Context(), &req)

	resp := &rpcResponse{JSONRPC: "2.0", ID: req.ID}
	if rpcErr != nil {
		resp.Error = rpcErr
	} else {
		resp.Result = result
	}
	s.writeRPC(w, resp)
}

func (s *Server) writeRPC(w http.ResponseWriter, resp *rpcResponse) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Debug().Err(err).Msg("Failed to write RPC response")
	}
}

func (s *Server) dispatchMethod(ctx context.Context, req *rpcRequest) (any, *rpcError) {
	switch req.Method {
	case "connectPeer":
		return s.rpcConnectPeer(ctx, req.Params)
	case "disconnect":
		return s.rpcDisconnect(req.Params)
	case "listPeers":
		return s.rpcListPeers()
	case "nodeInfo":
		return s.rpcNodeInfo()
	case "findSuccessor":
		return s.rpcFindSuccessor(ctx, req.Params)
	case "sendMessage":
		return s.rpcSendMessage(ctx, req.Params)
	case "publish":
		return s.rpcPublish(ctx, req.Params)
	case "subscribe":
		return s.rpcSubscribe(ctx, req.Params)
	case "unsubscribe":
		return s.rpcUnsubscribe(req.Params)
	default:
		return nil, &rpcError{Code: codeMethodNotFound, Message: fmt.Sprintf("unknown method %q", req.Method)}
	}
}

func (s *Server) rpcConnectPeer(ctx context.Context, params json.RawMessage) (any, *rpcError) {
	var p struct {
		ID    string   `json:"id"`
		Addrs []string `json:"addrs"`
	}
	if err := json.Unmarshal(params, &p); err != nil || p.ID == "" || len(p.Addrs) == 0 {
		return nil, &rpcError{Code: codeInvalidParams, Message: "expected {id, addrs}"}
	}

	id, err := ring.ParseKey(p.ID)
	if err != nil {
		return nil, &rpcError{Code: codeInvalidParams, Message: err.Error()}
	}

	target := peer.New(id, p.Addrs...)
	if _, err := s.sw.GetOrConnect(ctx, target); err != nil {
		return nil, &rpcError{Code: codeServerError, Message: err.Error()}
	}
	return map[string]any{"connected": true, "peer": toWirePeer(target)}, nil
}

func (s *Server) rpcDisconnect(params json.RawMessage) (any, *rpcError) {
	var p struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(params, &p); err != nil || p.ID == "" {
		return nil, &rpcError{Code: codeInvalidParams, Message: "expected {id}"}
	}

	id, err := ring.ParseKey(p.ID)
	if err != nil {
		return nil, &rpcError{Code: codeInvalidParams, Message: err.Error()}
	}

	s.sw.Close(ring.Key(id))
	return map[string]any{"disconnected": true}, nil
}

func (s *Server) rpcListPeers() (any, *rpcError) {
	return map[string]any{"peers": toWirePeers(s.sw.Peers())}, nil
}

func (s *Server) rpcNodeInfo() (any, *rpcError) {
	info := s.node.Snapshot()
	return map[string]any{
		"self":        toWirePeer(info.Self),
		"predecessor": toWirePeer(info.Predecessor),
		"successors":  toWirePeers(info.Successors),
		"fingerPeers": toWirePeers(info.FingerPeers),
		"membership":  info.Membership.String(),
	}, nil
}

func (s *Server) rpcFindSuccessor(ctx context.Context, params json.RawMessage) (any, *rpcError) {
	var p struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(params, &p); err != nil || p.ID == "" {
		return nil, &rpcError{Code: codeInvalidParams, Message: "expected {id}"}
	}

	id, err := ring.ParseKey(p.ID)
	if err != nil {
		return nil, &rpcError{Code: codeInvalidParams, Message: err.Error()}
	}

	owner, err := s.node.FindSuccessor(ctx, id, s.cfg.MaxHops)
	if err != nil {
		return nil, &rpcError{Code: codeServerError, Message: err.Error()}
	}
	return map[string]any{"successor": toWirePeer(owner)}, nil
}

func (s *Server) rpcSendMessage(ctx context.Context, params json.RawMessage) (any, *rpcError) {
	var p struct {
		Target  string          `json:"target"`
		Payload json.RawMessage `json:"payload"`
		Notify  bool            `json:"notify,omitempty"`
	}
	if err := json.Unmarshal(params, &p); err != nil || p.Target == "" {
		return nil, &rpcError{Code: codeInvalidParams, Message: "expected {target, payload}"}
	}

	target, err := ring.ParseKey(p.Target)
	if err != nil {
		return nil, &rpcError{Code: codeInvalidParams, Message: err.Error()}
	}

	if p.Notify {
		if err := s.d.SendNotification(ctx, target, p.Payload); err != nil {
			return nil, &rpcError{Code: codeServerError, Message: err.Error()}
		}
		return map[string]any{"sent": true}, nil
	}

	resp, err := s.d.SendRequest(ctx, target, p.Payload)
	if err != nil {
		return nil, &rpcError{Code: codeServerError, Message: err.Error()}
	}
	return map[string]any{"response": resp}, nil
}

func (s *Server) rpcPublish(ctx context.Context, params json.RawMessage) (any, *rpcError) {
	var p struct {
		Topic   string          `json:"topic"`
		Payload json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(params, &p); err != nil || p.Topic == "" {
		return nil, &rpcError{Code: codeInvalidParams, Message: "expected {topic, payload}"}
	}

	if err := s.d.Publish(ctx, p.Topic, p.Payload); err != nil {
		return nil, &rpcError{Code: codeServerError, Message: err.Error()}
	}
	return map[string]any{"published": true}, nil
}

// rpcSubscribe registers a topic subscription. Events stream to WebSocket
// clients tagged with the returned subscription id.
func (s *Server) rpcSubscribe(ctx context.Context, params json.RawMessage) (any, *rpcError) {
	var p struct {
		Topic string `json:"topic"`
	}
	if err := json.Unmarshal(params, &p); err != nil || p.Topic == "" {
		return nil, &rpcError{Code: codeInvalidParams, Message: "expected {topic}"}
	}

	sub, err := s.d.Subscribe(ctx, p.Topic)
	if err != nil {
		return nil, &rpcError{Code: codeServerError, Message: err.Error()}
	}

	s.subMu.Lock()
	s.subs[sub.ID] = sub
	s.subMu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for payload := range sub.C {
			_ = s.hub.Broadcast(map[string]any{
				"type":           "event",
				"topic":          sub.Topic,
				"subscriptionId": sub.ID,
				"payload":        payload,
			})
		}
	}()

	return map[string]any{"subscriptionId": sub.ID}, nil
}

func (s *Server) rpcUnsubscribe(params json.RawMessage) (any, *rpcError) {
	var p struct {
		SubscriptionID string `json:"subscriptionId"`
	}
	if err := json.Unmarshal(params, &p); err != nil || p.SubscriptionID == "" {
		return nil, &rpcError{Code: codeInvalidParams, Message: "expected {subscriptionId}"}
	}

	s.subMu.Lock()
	sub, ok := s.subs[p.SubscriptionID]
	if ok {
		delete(s.subs, p.SubscriptionID)
	}
	s.subMu.Unlock()

	if !ok {
		return nil, &rpcError{Code: codeInvalidParams, Message: "unknown subscription"}
	}
	sub.Cancel()
	return map[string]any{"unsubscribed": true}, nil
}

// corsMiddleware adds CORS headers to responses.
func corsMiddleware(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		h.ServeHTTP(w, r)
	})
}
