package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/log"
	"github.com/gorilla/websocket"

	nodeTypes "github.com/thy3368/ethnode/pkg/types"
)

// Subscription kinds accepted by eth_subscribe.
const (
	subNewHeads   = "newHeads"
	subLogs       = "logs"
	subPendingTxs = "newPendingTransactions"
)

const (
	wsWriteWait  = 10 * time.Second
	wsSendBuffer = 256
)

// WSSubscriptionManager serves JSON-RPC over WebSocket and pushes
// eth_subscription notifications for new blocks, their logs and pending
// transactions. Each connection has its own bounded send queue; a
// subscriber whose queue is full is disconnected so publishers never wait
// on a slow reader.
type WSSubscriptionManager struct {
	mu       sync.RWMutex
	subs     map[string]*wsSubscription
	conns    map[*wsConn]struct{}
	nextID   atomic.Uint64
	handler  *Handler
	upgrader websocket.Upgrader
	logger   log.Logger

	writeWait  time.Duration
	sendBuffer int
}

// wsConn owns the single writer goroutine of a connection.
type wsConn struct {
	conn      *websocket.Conn
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
	writeWait time.Duration
}

func newWSConn(raw *websocket.Conn, buffer int, writeWait time.Duration) *wsConn {
	return &wsConn{
		conn:      raw,
		send:      make(chan []byte, buffer),
		done:      make(chan struct{}),
		writeWait: writeWait,
	}
}

// writeLoop drains the send queue until the connection closes or a write
// fails or times out.
func (c *wsConn) writeLoop() {
	defer c.close()
	for {
		select {
		case data := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeWait)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

// reply queues a response, waiting for room. It returns false once the
// connection is closed.
func (c *wsConn) reply(v interface{}) bool {
	data, err := json.Marshal(v)
	if err != nil {
		return false
	}
	select {
	case c.send <- data:
		return true
	case <-c.done:
		return false
	}
}

// offer queues data without waiting. It returns false when the connection
// is closed or its queue is full.
func (c *wsConn) offer(data []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

func (c *wsConn) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

type wsSubscription struct {
	id   string
	kind string
	conn *wsConn
}

// NewWSSubscriptionManager creates a WebSocket endpoint backed by handler.
func NewWSSubscriptionManager(handler *Handler, origins []string) *WSSubscriptionManager {
	return &WSSubscriptionManager{
		subs:    make(map[string]*wsSubscription),
		conns:   make(map[*wsConn]struct{}),
		handler: handler,
		logger:  log.New("module", "ws"),

		writeWait:  wsWriteWait,
		sendBuffer: wsSendBuffer,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     originChecker(origins),
		},
	}
}

func originChecker(origins []string) func(*http.Request) bool {
	allowed := make(map[string]bool, len(origins))
	for _, o := range origins {
		allowed[o] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || allowed["*"] || allowed[origin]
	}
}

// ServeHTTP upgrades the connection and runs its read loop.
func (s *WSSubscriptionManager) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	raw, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("WebSocket upgrade failed", "err", err)
		return
	}
	conn := newWSConn(raw, s.sendBuffer, s.writeWait)
	s.mu.Lock()
	s.conns[conn] = struct{}{}
	s.mu.Unlock()
	defer s.drop(conn)
	go conn.writeLoop()

	s.logger.Debug("WebSocket connection established", "remote", r.RemoteAddr)
	for {
		_, message, err := raw.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debug("WebSocket read error", "err", err)
			}
			return
		}
		var resp *JSONRPCResponse
		var req JSONRPCRequest
		if err := json.Unmarshal(message, &req); err != nil {
			resp = newErrorResponse(nil, codeParseError, "parse error")
		} else {
			resp = s.handle(r.Context(), conn, &req)
		}
		if !conn.reply(resp) {
			return
		}
	}
}

func (s *WSSubscriptionManager) handle(ctx context.Context, conn *wsConn, req *JSONRPCRequest) *JSONRPCResponse {
	switch req.Method {
	case "eth_subscribe":
		var kind string
		if err := parseParams(req.Params, 1, &kind); err != nil {
			return newErrorResponse(req.ID, codeInvalidParams, err.Error())
		}
		switch kind {
		case subNewHeads, subLogs, subPendingTxs:
		default:
			return newErrorResponse(req.ID, codeInvalidParams, fmt.Sprintf("unsupported subscription type: %s", kind))
		}
		return newResponse(req.ID, s.subscribe(conn, kind))
	case "eth_unsubscribe":
		var id string
		if err := parseParams(req.Params, 1, &id); err != nil {
			return newErrorResponse(req.ID, codeInvalidParams, err.Error())
		}
		return newResponse(req.ID, s.unsubscribe(conn, id))
	default:
		return s.handler.Handle(ctx, req)
	}
}

func (s *WSSubscriptionManager) subscribe(conn *wsConn, kind string) string {
	id := fmt.Sprintf("0x%x", s.nextID.Add(1))
	s.mu.Lock()
	s.subs[id] = &wsSubscription{id: id, kind: kind, conn: conn}
	s.mu.Unlock()
	s.logger.Debug("New subscription", "id", id, "type", kind)
	return id
}

// unsubscribe removes id if it belongs to conn.
func (s *WSSubscriptionManager) unsubscribe(conn *wsConn, id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subs[id]
	if !ok || sub.conn != conn {
		return false
	}
	delete(s.subs, id)
	return true
}

func (s *WSSubscriptionManager) drop(conn *wsConn) {
	s.mu.Lock()
	for id, sub := range s.subs {
		if sub.conn == conn {
			delete(s.subs, id)
		}
	}
	delete(s.conns, conn)
	s.mu.Unlock()
	conn.close()
}

// SubscriberCount returns the number of active subscriptions.
func (s *WSSubscriptionManager) SubscriberCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subs)
}

// BroadcastBlock notifies newHeads and logs subscribers about an inserted
// block.
func (s *WSSubscriptionManager) BroadcastBlock(block *nodeTypes.Block) {
	head := marshalHeader(block.Header)
	var logs []*types.Log
	for _, r := range block.Receipts {
		logs = append(logs, r.Logs...)
	}
	s.publish(subNewHeads, head)
	for _, l := range logs {
		s.publish(subLogs, l)
	}
}

// NotifyPendingTx notifies newPendingTransactions subscribers.
func (s *WSSubscriptionManager) NotifyPendingTx(hash common.Hash) {
	s.publish(subPendingTxs, hash)
}

func (s *WSSubscriptionManager) publish(kind string, result interface{}) {
	s.mu.RLock()
	var targets []*wsSubscription
	for _, sub := range s.subs {
		if sub.kind == kind {
			targets = append(targets, sub)
		}
	}
	s.mu.RUnlock()
	if len(targets) == 0 {
		return
	}

	encoded, err := json.Marshal(result)
	if err != nil {
		s.logger.Warn("Failed to encode notification", "type", kind, "err", err)
		return
	}
	for _, sub := range targets {
		data, err := json.Marshal(subscriptionNotification{
			JSONRPC: "2.0",
			Method:  "eth_subscription",
			Params:  subscriptionResult{Subscription: sub.id, Result: json.RawMessage(encoded)},
		})
		if err != nil {
			continue
		}
		if !sub.conn.offer(data) {
			s.logger.Debug("Dropping slow subscriber", "id", sub.id, "type", kind)
			s.drop(sub.conn)
		}
	}
}

// Close terminates every open connection.
func (s *WSSubscriptionManager) Close() {
	s.mu.RLock()
	conns := make([]*wsConn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.RUnlock()
	for _, c := range conns {
		c.close()
	}
}
