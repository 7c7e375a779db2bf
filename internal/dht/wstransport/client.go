package wstransport

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/kindlyrobotics/dnaclient/internal/corectx"
	"github.com/kindlyrobotics/dnaclient/internal/dht"
)

// Client implements dht.Store over a single websocket connection to a
// Server, for the conformance harness only (see package doc).
type Client struct {
	conn *conn2
	log  corectx.Logger

	mu      sync.Mutex
	pending map[string]chan frame

	listenMu       sync.Mutex
	nextLocalToken dht.ListenToken
	listeners      map[dht.ListenToken]dht.Callback
	listenKeys     map[dht.ListenToken]dht.Key
	// remoteTokens maps this Client's locally minted ListenToken to the
	// token the Server assigned, since CancelListen addresses the
	// server-side subscription.
	remoteTokens map[dht.ListenToken]uint64
}

var _ dht.Store = (*Client)(nil)

// Dial connects to a Server's ServeHTTP endpoint at url
// ("ws://host:port/path") and returns a ready Client.
func Dial(url string) (*Client, error) {
	conn, _, err := websocket.DefaultDialer.Dial(url, http.Header{})
	if err != nil {
		return nil, fmt.Errorf("wstransport: dialing %s: %w", url, err)
	}

	c := &Client{
		conn:         &conn2{conn: conn},
		log:          corectx.NewTaggedLogger("WSTransport"),
		pending:      make(map[string]chan frame),
		listeners:    make(map[dht.ListenToken]dht.Callback),
		listenKeys:   make(map[dht.ListenToken]dht.Key),
		remoteTokens: make(map[dht.ListenToken]uint64),
	}
	go c.readLoop()
	return c, nil
}

func (c *Client) readLoop() {
	for {
		var resp frame
		if err := c.conn.conn.ReadJSON(&resp); err != nil {
			c.log.Printf("read loop exiting: %v", err)
			return
		}

		if resp.Type == msgPush {
			c.dispatchPush(resp)
			continue
		}

		c.mu.Lock()
		ch, ok := c.pending[resp.ReqID]
		if ok {
			delete(c.pending, resp.ReqID)
		}
		c.mu.Unlock()
		if ok {
			ch <- resp
		}
	}
}

func (c *Client) dispatchPush(resp frame) {
	key, err := parseKey(resp.Key)
	if err != nil {
		return
	}
	c.listenMu.Lock()
	var matches []dht.Callback
	for token, cb := range c.listeners {
		if c.listenKeyLocked(token) == key {
			matches = append(matches, cb)
		}
	}
	c.listenMu.Unlock()
	for _, cb := range matches {
		cb(resp.Value)
	}
}

// listenKeyLocked returns the dht.Key a local token was registered
// against. Callers must hold c.listenMu.
func (c *Client) listenKeyLocked(token dht.ListenToken) dht.Key {
	return c.listenKeys[token]
}

func (c *Client) call(ctx context.Context, req frame) (frame, error) {
	req.ReqID = uuid.New().String()
	ch := make(chan frame, 1)

	c.mu.Lock()
	c.pending[req.ReqID] = ch
	c.mu.Unlock()

	if err := c.conn.writeJSON(req); err != nil {
		c.mu.Lock()
		delete(c.pending, req.ReqID)
		c.mu.Unlock()
		return frame{}, fmt.Errorf("wstransport: sending request: %w", err)
	}

	select {
	case resp := <-ch:
		if !resp.OK && resp.ErrorMsg != "" {
			return resp, fmt.Errorf("wstransport: %s", resp.ErrorMsg)
		}
		return resp, nil
	case <-ctx.Done():
		return frame{}, ctx.Err()
	}
}

func (c *Client) Put(ctx context.Context, key dht.Key, value []byte, ttl time.Duration) error {
	_, err := c.call(ctx, frame{Type: msgPut, Key: keyString(key), Value: value, TTLMs: ttl.Milliseconds()})
	return err
}

func (c *Client) PutSigned(ctx context.Context, key dht.Key, value []byte, valueID uint64, ttl time.Duration, kindTag string) error {
	_, err := c.call(ctx, frame{Type: msgPutSigned, Key: keyString(key), Value: value, ValueID: valueID, TTLMs: ttl.Milliseconds(), KindTag: kindTag})
	return err
}

func (c *Client) Get(ctx context.Context, key dht.Key) ([]byte, bool, error) {
	resp, err := c.call(ctx, frame{Type: msgGet, Key: keyString(key)})
	if err != nil {
		return nil, false, err
	}
	return resp.Value, resp.OK, nil
}

func (c *Client) GetAll(ctx context.Context, key dht.Key) ([][]byte, error) {
	resp, err := c.call(ctx, frame{Type: msgGetAll, Key: keyString(key)})
	if err != nil {
		return nil, err
	}
	return resp.Values, nil
}

func (c *Client) Listen(ctx context.Context, key dht.Key, callback dht.Callback) (dht.ListenToken, error) {
	resp, err := c.call(ctx, frame{Type: msgListen, Key: keyString(key)})
	if err != nil {
		return 0, err
	}
	remoteToken := resp.ValueID

	c.listenMu.Lock()
	c.nextLocalToken++
	local := c.nextLocalToken
	c.listeners[local] = callback
	c.listenKeys[local] = key
	c.remoteTokens[local] = remoteToken
	c.listenMu.Unlock()

	return local, nil
}

func (c *Client) CancelListen(ctx context.Context, token dht.ListenToken) error {
	c.listenMu.Lock()
	remoteToken, ok := c.remoteTokens[token]
	delete(c.listeners, token)
	delete(c.remoteTokens, token)
	delete(c.listenKeys, token)
	c.listenMu.Unlock()
	if !ok {
		return nil
	}

	_, err := c.call(ctx, frame{Type: msgCancelListen, ValueID: remoteToken})
	return err
}

func (c *Client) OwnerValueID() uint64 {
	resp, err := c.call(context.Background(), frame{Type: msgOwnerValueID})
	if err != nil {
		return 0
	}
	return resp.ValueID
}

// Close closes the underlying websocket connection.
func (c *Client) Close() error {
	return c.conn.conn.Close()
}
