package rendezvous

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// DefaultRequestTimeout bounds one request round-trip when the caller's
	// ctx carries no sooner deadline.
	DefaultRequestTimeout = 10 * time.Second

	defaultHandshakeTimeout = 10 * time.Second
)

// Client is a Store backed by a rendezvous server over a single WebSocket
// connection. The connection multiplexes request/ack pairs with server-push
// snapshot frames.
//
// A Client does not reconnect: any transport failure permanently fails it and
// every in-flight and future call returns ErrUnavailable. Callers that want
// another attempt dial a fresh Client.
type Client struct {
	log            *slog.Logger
	requestTimeout time.Duration

	conn    *websocket.Conn
	writeMu sync.Mutex

	mu      sync.Mutex
	nextSeq uint64
	pending map[uint64]chan serverReply
	subs    map[string]*clientSubscription

	failOnce sync.Once
	done     chan struct{}
}

type clientSubscription struct {
	ch chan Snapshot
}

type serverReply struct {
	code    string
	message string
}

type ClientOptions struct {
	// RequestTimeout bounds each request round-trip. 0 means
	// DefaultRequestTimeout.
	RequestTimeout time.Duration
	// HandshakeTimeout bounds the WebSocket handshake during Dial.
	HandshakeTimeout time.Duration
	Logger           *slog.Logger
}

// Dial connects to a rendezvous server at a ws:// or wss:// URL.
func Dial(ctx context.Context, url string, opts ClientOptions) (*Client, error) {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = DefaultRequestTimeout
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = defaultHandshakeTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: opts.HandshakeTimeout,
	}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", ErrUnavailable, url, err)
	}

	c := &Client{
		log:            opts.Logger,
		requestTimeout: opts.RequestTimeout,
		conn:           conn,
		pending:        make(map[uint64]chan serverReply),
		subs:           make(map[string]*clientSubscription),
		done:           make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

var _ Store = (*Client)(nil)

func (c *Client) CreateSession(ctx context.Context, id string, offer SessionDescription) error {
	return c.request(ctx, clientMessage{Type: clientMessageCreate, SessionID: id, Offer: &offer})
}

func (c *Client) SetAnswer(ctx context.Context, id string, answer SessionDescription) error {
	return c.request(ctx, clientMessage{Type: clientMessageAnswer, SessionID: id, Answer: &answer})
}

func (c *Client) AppendCandidate(ctx context.Context, id string, role Role, cand Candidate) error {
	return c.request(ctx, clientMessage{Type: clientMessageCandidate, SessionID: id, Role: role, Candidate: &cand})
}

func (c *Client) DeleteSession(ctx context.Context, id string) error {
	return c.request(ctx, clientMessage{Type: clientMessageDelete, SessionID: id})
}

func (c *Client) Subscribe(ctx context.Context, id string) (<-chan Snapshot, error) {
	sub := &clientSubscription{ch: make(chan Snapshot, 1)}

	// Register before sending the subscribe so the server's initial snapshot
	// push cannot slip past us.
	c.mu.Lock()
	if _, exists := c.subs[id]; exists {
		c.mu.Unlock()
		return nil, fmt.Errorf("already subscribed to session %s", id)
	}
	c.subs[id] = sub
	c.mu.Unlock()

	if err := c.request(ctx, clientMessage{Type: clientMessageSubscribe, SessionID: id}); err != nil {
		c.removeSub(id, sub)
		return nil, err
	}

	go func() {
		select {
		case <-ctx.Done():
			// Best-effort: the connection may already be gone.
			unsubCtx, cancel := context.WithTimeout(context.Background(), c.requestTimeout)
			_ = c.request(unsubCtx, clientMessage{Type: clientMessageUnsubscribe, SessionID: id})
			cancel()
			c.removeSub(id, sub)
		case <-c.done:
			// fail already closed the channel.
		}
	}()

	return sub.ch, nil
}

// Close tears the connection down. It is safe to call more than once and
// concurrently with in-flight requests, which fail with ErrUnavailable.
func (c *Client) Close() error {
	c.writeMu.Lock()
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	c.writeMu.Unlock()
	c.fail()
	return nil
}

func (c *Client) readLoop() {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.fail()
			return
		}

		msg, err := parseServerMessage(data)
		if err != nil {
			c.log.Warn("rendezvous: dropping malformed server frame", "error", err)
			continue
		}

		switch msg.Type {
		case serverMessageAck:
			c.resolve(msg.Seq, serverReply{})
		case serverMessageError:
			if msg.Seq == 0 {
				c.log.Warn("rendezvous: server error", "code", msg.Code, "message", msg.Message)
				continue
			}
			c.resolve(msg.Seq, serverReply{code: msg.Code, message: msg.Message})
		case serverMessageSnapshot:
			c.deliverSnapshot(msg.SessionID, snapshotFromWire(msg.Snapshot))
		}
	}
}

func (c *Client) resolve(seq uint64, reply serverReply) {
	c.mu.Lock()
	ch, ok := c.pending[seq]
	if ok {
		delete(c.pending, seq)
	}
	c.mu.Unlock()
	if ok {
		ch <- reply
	}
}

// deliverSnapshot hands a pushed snapshot to the session's subscription,
// coalescing like the store does: latest wins. Sends happen under c.mu so
// they cannot race removeSub closing the channel.
func (c *Client) deliverSnapshot(id string, snap Snapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()

	sub, ok := c.subs[id]
	if !ok {
		return
	}
	select {
	case sub.ch <- snap:
	default:
		select {
		case <-sub.ch:
		default:
		}
		sub.ch <- snap
	}
}

func (c *Client) removeSub(id string, sub *clientSubscription) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cur, ok := c.subs[id]; ok && cur == sub {
		delete(c.subs, id)
		close(sub.ch)
	}
}

// fail marks the client unavailable: the connection is closed, in-flight
// requests unblock via done, and subscription channels close.
func (c *Client) fail() {
	c.failOnce.Do(func() {
		close(c.done)
		_ = c.conn.Close()

		c.mu.Lock()
		for id, sub := range c.subs {
			delete(c.subs, id)
			close(sub.ch)
		}
		c.mu.Unlock()
	})
}

func (c *Client) request(ctx context.Context, msg clientMessage) error {
	select {
	case <-c.done:
		return fmt.Errorf("%w: connection closed", ErrUnavailable)
	default:
	}

	c.mu.Lock()
	c.nextSeq++
	seq := c.nextSeq
	ch := make(chan serverReply, 1)
	c.pending[seq] = ch
	c.mu.Unlock()
	msg.Seq = seq

	defer func() {
		c.mu.Lock()
		delete(c.pending, seq)
		c.mu.Unlock()
	}()

	if err := c.writeMessage(msg); err != nil {
		return err
	}

	timer := time.NewTimer(c.requestTimeout)
	defer timer.Stop()

	select {
	case reply := <-ch:
		return replyToError(reply)
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return fmt.Errorf("%w: connection closed", ErrUnavailable)
	case <-timer.C:
		return fmt.Errorf("%w: request timed out after %v", ErrUnavailable, c.requestTimeout)
	}
}

func (c *Client) writeMessage(msg clientMessage) error {
	data, err := marshalMessage(msg)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	_ = c.conn.SetWriteDeadline(time.Now().Add(c.requestTimeout))
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		c.fail()
		return fmt.Errorf("%w: write: %v", ErrUnavailable, err)
	}
	return nil
}

func replyToError(reply serverReply) error {
	switch reply.code {
	case "":
		return nil
	case errorCodeInvalidSessionID:
		return ErrInvalidSessionID
	case errorCodeNotFound:
		return ErrNotFound
	case errorCodeTooManySessions:
		return ErrTooManySessions
	default:
		return fmt.Errorf("rendezvous: %s: %s", reply.code, reply.message)
	}
}
