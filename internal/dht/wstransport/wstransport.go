// Package wstransport is a reference, socket-level stand-in for the
// externally owned DHT overlay's push-listen primitive, used only by
// this module's own conformance harness so a dht.Store can be
// exercised across process boundaries instead of only in-process via
// internal/dht/memdht. Production callers bring their own overlay;
// this package is never meant to back a real deployment.
package wstransport

import (
	"context"
	"encoding/hex"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kindlyrobotics/dnaclient/internal/corectx"
	"github.com/kindlyrobotics/dnaclient/internal/dht"
	"github.com/kindlyrobotics/dnaclient/internal/dht/memdht"
)

// frame is the wire message exchanged between Client and Server. Only
// the fields relevant to msgType are populated.
type frame struct {
	ReqID    string   `json:"req_id,omitempty"`
	Type     string   `json:"type"`
	Key      string   `json:"key,omitempty"`
	Value    []byte   `json:"value,omitempty"`
	Values   [][]byte `json:"values,omitempty"`
	ValueID  uint64   `json:"value_id,omitempty"`
	KindTag  string   `json:"kind_tag,omitempty"`
	TTLMs    int64    `json:"ttl_ms,omitempty"`
	OK       bool     `json:"ok"`
	ErrorMsg string   `json:"error,omitempty"`
}

const (
	msgPut          = "put"
	msgPutSigned    = "put_signed"
	msgGet          = "get"
	msgGetAll       = "get_all"
	msgListen       = "listen"
	msgCancelListen = "cancel_listen"
	msgOwnerValueID = "owner_value_id"
	msgReply        = "reply"
	msgPush         = "push"
)

// Server hosts one in-memory dht.Store (internal/dht/memdht) and
// exposes it to remote Clients over websocket connections, forwarding
// Listen pushes to whichever connection subscribed.
type Server struct {
	store *memdht.Store
	log   corectx.Logger

	upgrader websocket.Upgrader
}

// NewServer builds a Server fronting a fresh in-memory store.
func NewServer(ownerValueID uint64) *Server {
	return &Server{
		store:    memdht.New(ownerValueID),
		log:      corectx.NewTaggedLogger("WSTransport"),
		upgrader: websocket.Upgrader{ReadBufferSize: 64 * 1024, WriteBufferSize: 64 * 1024},
	}
}

// ServeHTTP upgrades the connection and serves DHT requests on it
// until the client disconnects.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Printf("upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	conn2 := &conn2{conn: conn}
	var subscriptions []dht.ListenToken
	defer func() {
		for _, tok := range subscriptions {
			s.store.CancelListen(context.Background(), tok)
		}
	}()

	for {
		var req frame
		if err := conn.ReadJSON(&req); err != nil {
			return
		}
		resp := s.handle(conn2, &req, &subscriptions)
		resp.ReqID = req.ReqID
		if err := conn2.writeJSON(resp); err != nil {
			return
		}
	}
}

func (s *Server) handle(conn *conn2, req *frame, subscriptions *[]dht.ListenToken) frame {
	ctx := context.Background()
	key, err := parseKey(req.Key)
	if err != nil && req.Type != msgOwnerValueID && req.Type != msgCancelListen {
		return errorFrame(err)
	}

	switch req.Type {
	case msgPut:
		if err := s.store.Put(ctx, key, req.Value, time.Duration(req.TTLMs)*time.Millisecond); err != nil {
			return errorFrame(err)
		}
		return frame{Type: msgReply, OK: true}

	case msgPutSigned:
		if err := s.store.PutSigned(ctx, key, req.Value, req.ValueID, time.Duration(req.TTLMs)*time.Millisecond, req.KindTag); err != nil {
			return errorFrame(err)
		}
		return frame{Type: msgReply, OK: true}

	case msgGet:
		value, ok, err := s.store.Get(ctx, key)
		if err != nil {
			return errorFrame(err)
		}
		return frame{Type: msgReply, OK: ok, Value: value}

	case msgGetAll:
		values, err := s.store.GetAll(ctx, key)
		if err != nil {
			return errorFrame(err)
		}
		return frame{Type: msgReply, OK: true, Values: values}

	case msgListen:
		token, err := s.store.Listen(ctx, key, func(value []byte) {
			conn.writeJSON(frame{Type: msgPush, Key: req.Key, Value: value})
		})
		if err != nil {
			return errorFrame(err)
		}
		*subscriptions = append(*subscriptions, token)
		return frame{Type: msgReply, OK: true, ValueID: uint64(token)}

	case msgCancelListen:
		if err := s.store.CancelListen(ctx, dht.ListenToken(req.ValueID)); err != nil {
			return errorFrame(err)
		}
		return frame{Type: msgReply, OK: true}

	case msgOwnerValueID:
		return frame{Type: msgReply, OK: true, ValueID: s.store.OwnerValueID()}

	default:
		return errorFrame(fmt.Errorf("wstransport: unknown message type %q", req.Type))
	}
}

func errorFrame(err error) frame {
	return frame{Type: msgReply, OK: false, ErrorMsg: err.Error()}
}

// conn2 serializes writes to a *websocket.Conn, which is not safe for
// concurrent use from multiple goroutines (the read loop and any
// in-flight Listen push callbacks both write).
type conn2 struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (c *conn2) writeJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteJSON(v)
}

func parseKey(hexKey string) (dht.Key, error) {
	var key dht.Key
	decoded, err := hex.DecodeString(hexKey)
	if err != nil || len(decoded) != dht.KeySize {
		return key, fmt.Errorf("wstransport: decoding key %q: %w", hexKey, err)
	}
	copy(key[:], decoded)
	return key, nil
}

func keyString(key dht.Key) string { return hex.EncodeToString(key[:]) }
