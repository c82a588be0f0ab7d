package server

import (
	"encoding/json"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"chatrelay/wire"
)

// session is one authenticated connection. Frame writes are serialized;
// handler work runs off the read loop so an acknowledgment wait only ever
// blocks the request that issued it.
type session struct {
	conn     net.Conn
	identity string
	server   *Server
	log      *logrus.Entry

	sendMu sync.Mutex

	ackMu   sync.Mutex
	pending map[string]chan wire.Ack

	closeOnce sync.Once
	closed    chan struct{}
}

// RemoteAddr implements presence.Channel.
func (sess *session) RemoteAddr() net.Addr {
	return sess.conn.RemoteAddr()
}

func (s *Server) handleConn(conn net.Conn) {
	sess, ok := s.authenticate(conn)
	if !ok {
		_ = conn.Close()
		return
	}

	if displaced, had := s.opts.Registry.Register(sess.identity, sess); had && displaced != nil {
		// Single active session policy: the newer connection wins.
		sess.log.WithField("displaced", displaced.RemoteAddr().String()).
			Info("displaced previous session")
	}
	sess.log.Info("session registered")

	// Server shutdown must unblock the session's reads.
	watcherDone := make(chan struct{})
	go func() {
		select {
		case <-s.closed:
			sess.close()
		case <-watcherDone:
		}
	}()

	sess.readLoop()
	close(watcherDone)

	if s.opts.Registry.Unregister(sess.identity, sess) {
		sess.log.Info("session unregistered")
	}
	sess.close()
}

// authenticate reads the mandatory first frame and resolves its token to an
// identity through the external resolver.
func (s *Server) authenticate(conn net.Conn) (*session, bool) {
	payload, err := wire.ReadFrameWithTimeout(conn, s.opts.AuthTimeout)
	if err != nil {
		s.log.WithError(err).Debug("auth frame read failed")
		return nil, false
	}

	envelope, err := wire.DecodeEnvelope(payload)
	if err != nil || envelope.Type != wire.TypeAuth {
		writeErrorFrame(conn, "", wire.CodeAuthRequired, "first frame must be auth")
		return nil, false
	}

	var auth wire.Auth
	if err := json.Unmarshal(payload, &auth); err != nil {
		writeErrorFrame(conn, envelope.RequestID, wire.CodeBadRequest, "malformed auth frame")
		return nil, false
	}
	if auth.ProtocolVersion != wire.ProtocolVersion {
		writeErrorFrame(conn, auth.RequestID, wire.CodeVersionUnsupported, "unsupported protocol version")
		return nil, false
	}

	identity, err := s.opts.Resolver.Resolve(auth.Token)
	if err != nil {
		s.log.WithError(err).WithField("remote", conn.RemoteAddr().String()).Info("auth rejected")
		writeErrorFrame(conn, auth.RequestID, wire.CodeAuthFailed, "authentication failed")
		return nil, false
	}

	sess := &session{
		conn:     conn,
		identity: identity,
		server:   s,
		log: s.log.WithFields(logrus.Fields{
			"identity": identity,
			"remote":   conn.RemoteAddr().String(),
		}),
		pending: make(map[string]chan wire.Ack),
		closed:  make(chan struct{}),
	}

	if err := sess.send(wire.AuthOK{
		Type:      wire.TypeAuthOK,
		RequestID: auth.RequestID,
		Identity:  identity,
	}); err != nil {
		return nil, false
	}

	return sess, true
}

func (sess *session) readLoop() {
	for {
		select {
		case <-sess.closed:
			return
		default:
		}

		payload, err := wire.ReadFrameWithTimeout(sess.conn, sess.server.opts.FrameReadTimeout)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				sess.log.WithError(err).Debug("session read failed")
			}
			return
		}
		if len(payload) == 0 {
			continue
		}

		envelope, err := wire.DecodeEnvelope(payload)
		if err != nil {
			sess.sendError(wire.ErrorFrame{Code: wire.CodeBadRequest, Message: "malformed frame"})
			continue
		}

		switch envelope.Type {
		case wire.TypeAck:
			sess.resolveAck(payload)
		case wire.TypePing:
			_ = sess.send(wire.Pong{Type: wire.TypePong})
		case wire.TypeHandshakePublish, wire.TypeMessagePublish, wire.TypeReceipt, wire.TypeBacklogPull:
			// Handlers may wait on a receiver's acknowledgment; that wait
			// must not stall this session's reads.
			go sess.dispatch(envelope, payload)
		default:
			sess.sendError(wire.ErrorFrame{
				RequestID: envelope.RequestID,
				Code:      wire.CodeUnknownType,
				Message:   "unknown frame type " + envelope.Type,
			})
		}
	}
}

func (sess *session) dispatch(envelope wire.Envelope, payload []byte) {
	switch envelope.Type {
	case wire.TypeHandshakePublish:
		sess.handleHandshakePublish(envelope, payload)
	case wire.TypeMessagePublish:
		sess.handleMessagePublish(envelope, payload)
	case wire.TypeReceipt:
		sess.handleReceipt(payload)
	case wire.TypeBacklogPull:
		sess.handleBacklogPull(envelope)
	}
}

// send marshals and writes one frame, serialized against concurrent senders.
func (sess *session) send(frame any) error {
	payload, err := wire.EncodeJSON(frame)
	if err != nil {
		return err
	}

	sess.sendMu.Lock()
	defer sess.sendMu.Unlock()
	if err := wire.WriteFrame(sess.conn, payload); err != nil {
		sess.close()
		return err
	}
	return nil
}

func (sess *session) sendError(frame wire.ErrorFrame) {
	frame.Type = wire.TypeError
	_ = sess.send(frame)
}

// pushWithAck writes a frame carrying requestID and waits up to timeout for
// the client's correlated acknowledgment.
func (sess *session) pushWithAck(requestID string, frame any, timeout time.Duration) (wire.Ack, error) {
	ackCh := make(chan wire.Ack, 1)

	sess.ackMu.Lock()
	sess.pending[requestID] = ackCh
	sess.ackMu.Unlock()

	defer func() {
		sess.ackMu.Lock()
		delete(sess.pending, requestID)
		sess.ackMu.Unlock()
	}()

	if err := sess.send(frame); err != nil {
		return wire.Ack{}, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case ack := <-ackCh:
		return ack, nil
	case <-timer.C:
		return wire.Ack{}, ErrAckTimeout
	case <-sess.closed:
		return wire.Ack{}, ErrOffline
	}
}

func (sess *session) resolveAck(payload []byte) {
	var ack wire.Ack
	if err := json.Unmarshal(payload, &ack); err != nil || ack.RequestID == "" {
		return
	}

	sess.ackMu.Lock()
	ackCh, ok := sess.pending[ack.RequestID]
	sess.ackMu.Unlock()
	if !ok {
		// The push that issued this request already gave up; the late ack
		// is simply unobserved.
		return
	}

	select {
	case ackCh <- ack:
	default:
	}
}

func (sess *session) close() {
	sess.closeOnce.Do(func() {
		_ = sess.conn.Close()
		close(sess.closed)
	})
}

func writeErrorFrame(conn net.Conn, requestID, code, message string) {
	payload, err := wire.EncodeJSON(wire.ErrorFrame{
		Type:      wire.TypeError,
		RequestID: requestID,
		Code:      code,
		Message:   message,
	})
	if err != nil {
		return
	}
	_ = wire.WriteFrame(conn, payload)
}
