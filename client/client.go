// Package client is the user-side half of the relay protocol: one long-lived
// authenticated connection with acknowledged sends, a key-exchange
// coordinator, and a sync pass that reconciles the server backlog into the
// local cache on every (re)connect.
package client

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"chatrelay/cache"
	"chatrelay/models"
	"chatrelay/wire"
)

const (
	// DefaultAckTimeout bounds one wait for a correlated acknowledgment.
	DefaultAckTimeout = 5 * time.Second

	// maxSendAttempts and retryBackoffStep shape the timeout retry policy:
	// three attempts, backoff growing linearly with the attempt number.
	maxSendAttempts  = 3
	retryBackoffStep = 300 * time.Millisecond

	reconnectMinDelay = time.Second
	reconnectMaxDelay = 30 * time.Second
)

var (
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("client: closed")
	// ErrNotConnected signals there is currently no live channel.
	ErrNotConnected = errors.New("client: not connected")
	// ErrAckTimeout signals the server did not acknowledge within the retry
	// budget.
	ErrAckTimeout = errors.New("client: ack timeout")
	// ErrKeyConflict signals a different public key is already queued for
	// the peer. Never resolved automatically.
	ErrKeyConflict = errors.New("client: conflicting key already queued for peer")
	// ErrHandshakeFailed signals the peer could not complete the exchange.
	ErrHandshakeFailed = errors.New("client: peer could not complete key exchange")
)

// Options configures a relay client.
type Options struct {
	ServerAddr string
	Token      string
	Cache      *cache.Store
	Log        *logrus.Logger

	AckTimeout time.Duration

	// OnMessage, when set, is invoked after an inbound message lands in the
	// cache for the first time.
	OnMessage func(cache.Message)
}

// Client wraps one live connection to the relay.
type Client struct {
	opts      Options
	log       *logrus.Logger
	cache     *cache.Store
	exchanger *KeyExchanger
	syncer    *Syncer

	connMu   sync.Mutex
	conn     net.Conn
	identity string

	sendMu sync.Mutex

	ackMu   sync.Mutex
	pending map[string]chan wire.Ack

	backlogMu      sync.Mutex
	backlogWaiters map[string]chan models.Backlog

	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Dial connects, authenticates, and starts the read and reconnect loops.
// The first sync pass runs in the background once the connection is up.
func Dial(options Options) (*Client, error) {
	if options.ServerAddr == "" {
		return nil, errors.New("client: server address is required")
	}
	if options.Token == "" {
		return nil, errors.New("client: auth token is required")
	}
	if options.Cache == nil {
		return nil, errors.New("client: cache store is required")
	}
	if options.Log == nil {
		options.Log = logrus.StandardLogger()
	}
	if options.AckTimeout <= 0 {
		options.AckTimeout = DefaultAckTimeout
	}

	client := &Client{
		opts:           options,
		log:            options.Log,
		cache:          options.Cache,
		pending:        make(map[string]chan wire.Ack),
		backlogWaiters: make(map[string]chan models.Backlog),
		closed:         make(chan struct{}),
	}
	client.exchanger = newKeyExchanger(client)
	client.syncer = newSyncer(client)

	conn, err := client.connect()
	if err != nil {
		return nil, err
	}

	client.wg.Add(1)
	go client.run(conn)

	return client, nil
}

// Identity returns the identity the server resolved for this connection.
func (c *Client) Identity() string {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	return c.identity
}

// Exchanger returns the key-exchange coordinator bound to this client.
func (c *Client) Exchanger() *KeyExchanger {
	return c.exchanger
}

// Sync runs one backlog reconciliation pass.
func (c *Client) Sync() error {
	return c.syncer.SyncBacklog()
}

// Close tears the connection down and stops the reconnect loop.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.connMu.Lock()
		if c.conn != nil {
			_ = c.conn.Close()
		}
		c.connMu.Unlock()
	})
	c.wg.Wait()
	return nil
}

// connect dials and authenticates one connection, then installs it as the
// live channel and kicks off a sync pass.
func (c *Client) connect() (net.Conn, error) {
	conn, err := net.Dial("tcp", c.opts.ServerAddr)
	if err != nil {
		return nil, fmt.Errorf("dial relay: %w", err)
	}

	authID := uuid.NewString()
	payload, err := wire.EncodeJSON(wire.Auth{
		Type:            wire.TypeAuth,
		RequestID:       authID,
		Token:           c.opts.Token,
		ProtocolVersion: wire.ProtocolVersion,
	})
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	if err := wire.WriteFrame(conn, payload); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("send auth: %w", err)
	}

	reply, err := wire.ReadFrameWithTimeout(conn, c.opts.AckTimeout)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("read auth reply: %w", err)
	}
	envelope, err := wire.DecodeEnvelope(reply)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("decode auth reply: %w", err)
	}
	if envelope.Type != wire.TypeAuthOK {
		_ = conn.Close()
		var frame wire.ErrorFrame
		if json.Unmarshal(reply, &frame) == nil && frame.Code != "" {
			return nil, fmt.Errorf("authentication rejected: %s", frame.Code)
		}
		return nil, fmt.Errorf("unexpected auth reply %q", envelope.Type)
	}

	var authOK wire.AuthOK
	if err := json.Unmarshal(reply, &authOK); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("decode auth_ok: %w", err)
	}

	c.connMu.Lock()
	c.conn = conn
	c.identity = authOK.Identity
	c.connMu.Unlock()

	c.log.WithFields(logrus.Fields{
		"identity": authOK.Identity,
		"server":   c.opts.ServerAddr,
	}).Info("connected to relay")

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if err := c.syncer.SyncBacklog(); err != nil {
			c.log.WithError(err).Warn("backlog sync failed")
		}
	}()

	return conn, nil
}

// run serves the current connection and reconnects with capped backoff when
// it drops. The cache is never touched on channel loss.
func (c *Client) run(conn net.Conn) {
	defer c.wg.Done()

	for {
		c.readLoop(conn)

		c.connMu.Lock()
		if c.conn == conn {
			c.conn = nil
		}
		c.connMu.Unlock()

		select {
		case <-c.closed:
			return
		default:
		}

		delay := reconnectMinDelay
		for {
			c.log.WithField("delay", delay.String()).Info("reconnecting to relay")
			select {
			case <-c.closed:
				return
			case <-time.After(delay):
			}

			next, err := c.connect()
			if err == nil {
				conn = next
				break
			}
			c.log.WithError(err).Warn("reconnect failed")
			delay *= 2
			if delay > reconnectMaxDelay {
				delay = reconnectMaxDelay
			}
		}
	}
}

func (c *Client) readLoop(conn net.Conn) {
	defer conn.Close()

	for {
		payload, err := wire.ReadFrame(conn)
		if err != nil {
			select {
			case <-c.closed:
			default:
				c.log.WithError(err).Debug("relay channel lost")
			}
			return
		}
		if len(payload) == 0 {
			continue
		}

		envelope, err := wire.DecodeEnvelope(payload)
		if err != nil {
			c.log.WithError(err).Debug("dropping malformed frame")
			continue
		}

		switch envelope.Type {
		case wire.TypeAck:
			c.resolveAck(payload)
		case wire.TypeError:
			c.resolveError(payload)
		case wire.TypeBacklog:
			c.resolveBacklog(payload)
		case wire.TypeMessageDeliver:
			go c.handleMessageDeliver(payload)
		case wire.TypeHandshakeDeliver:
			go c.handleHandshakeDeliver(payload)
		case wire.TypePing:
			_ = c.sendFrame(wire.Pong{Type: wire.TypePong})
		default:
			c.log.WithField("type", envelope.Type).Debug("dropping unexpected frame")
		}
	}
}

// SendWithAck sends a correlated frame and waits for its acknowledgment,
// retrying on timeout only. A protocol rejection comes back as an ack with
// an error status and is never retried.
func (c *Client) SendWithAck(requestID string, frame any) (wire.Ack, error) {
	for attempt := 1; attempt <= maxSendAttempts; attempt++ {
		ack, err := c.sendAndWait(requestID, frame)
		if err == nil {
			return ack, nil
		}
		if !errors.Is(err, ErrAckTimeout) {
			return wire.Ack{}, err
		}
		if attempt == maxSendAttempts {
			break
		}
		select {
		case <-time.After(retryBackoffStep * time.Duration(attempt)):
		case <-c.closed:
			return wire.Ack{}, ErrClosed
		}
	}
	return wire.Ack{}, ErrAckTimeout
}

func (c *Client) sendAndWait(requestID string, frame any) (wire.Ack, error) {
	ackCh := make(chan wire.Ack, 1)

	c.ackMu.Lock()
	c.pending[requestID] = ackCh
	c.ackMu.Unlock()

	defer func() {
		c.ackMu.Lock()
		delete(c.pending, requestID)
		c.ackMu.Unlock()
	}()

	if err := c.sendFrame(frame); err != nil {
		return wire.Ack{}, err
	}

	timer := time.NewTimer(c.opts.AckTimeout)
	defer timer.Stop()

	select {
	case ack := <-ackCh:
		return ack, nil
	case <-timer.C:
		return wire.Ack{}, ErrAckTimeout
	case <-c.closed:
		return wire.Ack{}, ErrClosed
	}
}

func (c *Client) sendFrame(frame any) error {
	c.connMu.Lock()
	conn := c.conn
	c.connMu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	payload, err := wire.EncodeJSON(frame)
	if err != nil {
		return err
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if err := wire.WriteFrame(conn, payload); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

func (c *Client) resolveAck(payload []byte) {
	var ack wire.Ack
	if err := json.Unmarshal(payload, &ack); err != nil || ack.RequestID == "" {
		return
	}

	c.ackMu.Lock()
	ackCh, ok := c.pending[ack.RequestID]
	c.ackMu.Unlock()
	if !ok {
		return
	}
	select {
	case ackCh <- ack:
	default:
	}
}

// resolveError surfaces a correlated rejection to whoever is waiting on the
// request, as an ack with the error status so it is never retried.
func (c *Client) resolveError(payload []byte) {
	var frame wire.ErrorFrame
	if err := json.Unmarshal(payload, &frame); err != nil {
		return
	}
	if frame.RequestID == "" {
		c.log.WithFields(logrus.Fields{
			"code":    frame.Code,
			"message": frame.Message,
		}).Warn("relay error")
		return
	}

	c.ackMu.Lock()
	ackCh, ok := c.pending[frame.RequestID]
	c.ackMu.Unlock()
	if ok {
		select {
		case ackCh <- wire.Ack{
			RequestID: frame.RequestID,
			Status:    wire.StatusError,
			Reason:    frame.Code + ": " + frame.Message,
		}:
		default:
		}
		return
	}

	c.backlogMu.Lock()
	waiter, ok := c.backlogWaiters[frame.RequestID]
	if ok {
		delete(c.backlogWaiters, frame.RequestID)
	}
	c.backlogMu.Unlock()
	if ok {
		close(waiter)
	}
}

func (c *Client) resolveBacklog(payload []byte) {
	var response wire.BacklogResponse
	if err := json.Unmarshal(payload, &response); err != nil || response.RequestID == "" {
		return
	}

	c.backlogMu.Lock()
	waiter, ok := c.backlogWaiters[response.RequestID]
	c.backlogMu.Unlock()
	if !ok {
		return
	}
	select {
	case waiter <- response.Backlog:
	default:
	}
}

// PullBacklog requests everything queued for this identity. The server
// marks returned messages delivered as a side effect, so the caller must
// persist them.
func (c *Client) PullBacklog() (models.Backlog, error) {
	requestID := uuid.NewString()
	waiter := make(chan models.Backlog, 1)

	c.backlogMu.Lock()
	c.backlogWaiters[requestID] = waiter
	c.backlogMu.Unlock()

	defer func() {
		c.backlogMu.Lock()
		delete(c.backlogWaiters, requestID)
		c.backlogMu.Unlock()
	}()

	if err := c.sendFrame(wire.BacklogPull{Type: wire.TypeBacklogPull, RequestID: requestID}); err != nil {
		return models.Backlog{}, err
	}

	timer := time.NewTimer(c.opts.AckTimeout)
	defer timer.Stop()

	select {
	case backlog, ok := <-waiter:
		if !ok {
			return models.Backlog{}, errors.New("client: backlog pull rejected")
		}
		return backlog, nil
	case <-timer.C:
		return models.Backlog{}, ErrAckTimeout
	case <-c.closed:
		return models.Backlog{}, ErrClosed
	}
}

// SendReceipt confirms durable local storage of one message. Fire and
// forget; the server-side transition is idempotent.
func (c *Client) SendReceipt(messageID string) error {
	return c.sendFrame(wire.Receipt{
		Type:       wire.TypeReceipt,
		RequestID:  uuid.NewString(),
		MessageID:  messageID,
		ReceivedAt: time.Now().UnixMilli(),
	})
}

func (c *Client) handleMessageDeliver(payload []byte) {
	var deliver wire.MessageDeliver
	if err := json.Unmarshal(payload, &deliver); err != nil {
		return
	}

	if _, err := c.ingest(deliver.Message); err != nil {
		c.log.WithError(err).WithField("message_id", deliver.Message.MessageID).Error("store delivered message failed")
		_ = c.sendFrame(wire.Ack{
			Type:      wire.TypeAck,
			RequestID: deliver.RequestID,
			Status:    wire.StatusError,
			Reason:    "local store failure",
		})
		return
	}

	_ = c.sendFrame(wire.Ack{
		Type:      wire.TypeAck,
		RequestID: deliver.RequestID,
		Status:    wire.StatusReceived,
	})
	if err := c.SendReceipt(deliver.Message.MessageID); err != nil {
		c.log.WithError(err).Debug("receipt send failed")
	}
}

func (c *Client) handleHandshakeDeliver(payload []byte) {
	var deliver wire.HandshakeDeliver
	if err := json.Unmarshal(payload, &deliver); err != nil {
		return
	}

	status := c.exchanger.HandlePeerKey(deliver.From, deliver.PublicKey)
	_ = c.sendFrame(wire.Ack{
		Type:      wire.TypeAck,
		RequestID: deliver.RequestID,
		Status:    status,
	})
}
