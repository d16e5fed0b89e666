package blockchain

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// SignatureNotification is the payload delivered when a subscribed
// signature reaches the requested commitment.
type SignatureNotification struct {
	Slot uint64
	Err  interface{} // nil = success
}

// SignatureHandler receives exactly one notification per subscription.
type SignatureHandler func(n SignatureNotification)

// WSClient is a push-subscription client over the Solana websocket RPC.
// Subscriptions are re-armed by callers on reconnect; the monitor holds a
// subscription only for the lifetime of one transaction.
type WSClient struct {
	url            string
	reconnectDelay time.Duration
	pingInterval   time.Duration

	mu      sync.Mutex
	conn    *websocket.Conn
	nextID  int
	pending map[int]chan json.RawMessage  // request id -> result
	subs    map[uint64]func(json.RawMessage) // subscription id -> handler
	closed  bool

	onConnect    func()
	onDisconnect func(error)
}

// NewWSClient creates a websocket subscription client.
func NewWSClient(url string, reconnectDelay, pingInterval time.Duration) *WSClient {
	if reconnectDelay <= 0 {
		reconnectDelay = 3 * time.Second
	}
	if pingInterval <= 0 {
		pingInterval = 30 * time.Second
	}
	return &WSClient{
		url:            url,
		reconnectDelay: reconnectDelay,
		pingInterval:   pingInterval,
		pending:        make(map[int]chan json.RawMessage),
		subs:           make(map[uint64]func(json.RawMessage)),
	}
}

// SetCallbacks registers connect/disconnect hooks.
func (c *WSClient) SetCallbacks(onConnect func(), onDisconnect func(error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onConnect = onConnect
	c.onDisconnect = onDisconnect
}

// Connect dials the websocket endpoint and starts the read/ping loops.
func (c *WSClient) Connect() error {
	conn, _, err := websocket.DefaultDialer.Dial(c.url, nil)
	if err != nil {
		return fmt.Errorf("ws dial: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.closed = false
	onConnect := c.onConnect
	c.mu.Unlock()

	go c.readLoop(conn)
	go c.pingLoop(conn)

	if onConnect != nil {
		onConnect()
	}
	return nil
}

// Connected reports whether the socket is up.
func (c *WSClient) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil && !c.closed
}

// SignatureSubscribe arms a one-shot push subscription for txid. The
// handler fires on the first notification; the subscription is removed
// by the server after delivery.
func (c *WSClient) SignatureSubscribe(txid string, handler SignatureHandler) (uint64, error) {
	subID, err := c.subscribe("signatureSubscribe", []interface{}{
		txid,
		map[string]string{"commitment": "confirmed"},
	}, func(data json.RawMessage) {
		var note struct {
			Context struct {
				Slot uint64 `json:"slot"`
			} `json:"context"`
			Value struct {
				Err interface{} `json:"err"`
			} `json:"value"`
		}
		if err := json.Unmarshal(data, &note); err != nil {
			log.Warn().Err(err).Msg("failed to parse signature notification")
			return
		}
		handler(SignatureNotification{Slot: note.Context.Slot, Err: note.Value.Err})
	})
	if err != nil {
		return 0, err
	}
	return subID, nil
}

// LogsSubscribe arms a logs filter mentioning the given address. Used as
// a fallback when the signature subscription cannot be established.
func (c *WSClient) LogsSubscribe(mentions string, handler func(signature string, errVal interface{}, slot uint64)) (uint64, error) {
	return c.subscribe("logsSubscribe", []interface{}{
		map[string][]string{"mentions": {mentions}},
		map[string]string{"commitment": "confirmed"},
	}, func(data json.RawMessage) {
		var note struct {
			Context struct {
				Slot uint64 `json:"slot"`
			} `json:"context"`
			Value struct {
				Signature string      `json:"signature"`
				Err       interface{} `json:"err"`
			} `json:"value"`
		}
		if err := json.Unmarshal(data, &note); err != nil {
			log.Warn().Err(err).Msg("failed to parse logs notification")
			return
		}
		handler(note.Value.Signature, note.Value.Err, note.Context.Slot)
	})
}

// Unsubscribe tears down a subscription by id.
func (c *WSClient) Unsubscribe(method string, subID uint64) {
	c.mu.Lock()
	delete(c.subs, subID)
	conn := c.conn
	id := c.nextRequestID()
	c.mu.Unlock()

	if conn == nil {
		return
	}
	req := RPCRequest{JSONRPC: "2.0", ID: id, Method: method, Params: []interface{}{subID}}
	c.mu.Lock()
	_ = conn.WriteJSON(req)
	c.mu.Unlock()
}

// Close shuts the connection down.
func (c *WSClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
}

func (c *WSClient) nextRequestID() int {
	c.nextID++
	return c.nextID
}

func (c *WSClient) subscribe(method string, params []interface{}, handler func(json.RawMessage)) (uint64, error) {
	c.mu.Lock()
	conn := c.conn
	if conn == nil || c.closed {
		c.mu.Unlock()
		return 0, fmt.Errorf("ws not connected")
	}
	id := c.nextRequestID()
	resCh := make(chan json.RawMessage, 1)
	c.pending[id] = resCh
	req := RPCRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params}
	err := conn.WriteJSON(req)
	c.mu.Unlock()

	if err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return 0, fmt.Errorf("ws write: %w", err)
	}

	select {
	case raw := <-resCh:
		var subID uint64
		if err := json.Unmarshal(raw, &subID); err != nil {
			return 0, fmt.Errorf("parse subscription id: %w", err)
		}
		c.mu.Lock()
		c.subs[subID] = handler
		c.mu.Unlock()
		return subID, nil
	case <-time.After(10 * time.Second):
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return 0, fmt.Errorf("%s: timed out waiting for subscription id", method)
	}
}

func (c *WSClient) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			closed := c.closed
			onDisconnect := c.onDisconnect
			if c.conn == conn {
				c.conn = nil
			}
			c.mu.Unlock()

			if !closed {
				if onDisconnect != nil {
					onDisconnect(err)
				}
				time.Sleep(c.reconnectDelay)
				if err := c.Connect(); err != nil {
					log.Warn().Err(err).Msg("ws reconnect failed")
				}
			}
			return
		}

		var msg struct {
			ID     int             `json:"id"`
			Result json.RawMessage `json:"result"`
			Method string          `json:"method"`
			Params struct {
				Subscription uint64          `json:"subscription"`
				Result       json.RawMessage `json:"result"`
			} `json:"params"`
			Error *RPCError `json:"error"`
		}
		if err := json.Unmarshal(data, &msg); err != nil {
			log.Warn().Err(err).Msg("ws: unparseable frame")
			continue
		}

		switch {
		case msg.ID != 0:
			c.mu.Lock()
			ch, ok := c.pending[msg.ID]
			delete(c.pending, msg.ID)
			c.mu.Unlock()
			if ok {
				if msg.Error != nil {
					// Leave the channel empty; the subscriber times out
					// and falls back to polling.
					log.Warn().Err(msg.Error).Msg("ws subscription rejected")
					continue
				}
				ch <- msg.Result
			}
		case msg.Method != "":
			c.mu.Lock()
			handler, ok := c.subs[msg.Params.Subscription]
			c.mu.Unlock()
			if ok {
				go handler(msg.Params.Result)
			}
		}
	}
}

func (c *WSClient) pingLoop(conn *websocket.Conn) {
	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()

	for range ticker.C {
		c.mu.Lock()
		current := c.conn
		closed := c.closed
		if current == conn && !closed {
			_ = conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
		}
		c.mu.Unlock()
		if current != conn || closed {
			return
		}
	}
}
