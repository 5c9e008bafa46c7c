package services

import (
	"context"
	"crypto/rsa"
	"math"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/amine-amaach/uasc/internal/chunk"
	"github.com/amine-amaach/uasc/internal/model"
	"github.com/amine-amaach/uasc/internal/policy"
	"github.com/amine-amaach/uasc/internal/token"
	"github.com/amine-amaach/uasc/internal/transport"
	"github.com/amine-amaach/uasc/ports"
	"github.com/awcullen/opcua/ua"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// ServerState is the state of a server secure channel.
type ServerState int

const (
	ServerStateInit ServerState = iota
	ServerStateAckSent
	ServerStateOpen
	ServerStateClosed
)

func (s ServerState) String() string {
	switch s {
	case ServerStateInit:
		return "Init"
	case ServerStateAckSent:
		return "AckSent"
	case ServerStateOpen:
		return "Open"
	case ServerStateClosed:
		return "Closed"
	}
	return "Unknown"
}

// ServerOptions configure a ServerChannelSvc.
type ServerOptions struct {
	// SecurityPolicies lists the policies a client may open a channel with.
	// An empty list only accepts None.
	SecurityPolicies []policy.Policy
	Certificate      []byte
	PrivateKey       *rsa.PrivateKey
	Limits           transport.Limits
	HelloTimeout     time.Duration
	OpenTimeout      time.Duration
	MinTokenLifetime time.Duration
	MaxTokenLifetime time.Duration

	ObjectFactory ports.ObjectFactoryPort
	Logger        *zap.SugaredLogger
	Metrics       *MonitoringSvc
	// OnEvent receives message and abort events. Without a handler every
	// request is answered with a ServiceFault.
	OnEvent model.ChannelEventHandler
}

// DefaultServerOptions returns options for an unsecured endpoint.
func DefaultServerOptions() ServerOptions {
	return ServerOptions{
		SecurityPolicies: []policy.Policy{policy.None},
		Limits:           transport.DefaultLimits(),
		HelloTimeout:     10 * time.Second,
		OpenTimeout:      10 * time.Second,
		MinTokenLifetime: 10 * time.Second,
		MaxTokenLifetime: time.Hour,
	}
}

var lastChannelID uint32

// nextChannelID hands out process-wide channel ids, skipping 0.
func nextChannelID() uint32 {
	for {
		old := atomic.LoadUint32(&lastChannelID)
		next := old + 1
		if old == math.MaxUint32 {
			next = 1
		}
		if atomic.CompareAndSwapUint32(&lastChannelID, old, next) {
			return next
		}
	}
}

// ServerChannelSvc is the server side of one secure channel.
type ServerChannelSvc struct {
	opts ServerOptions
	log  *zap.SugaredLogger
	sc   *secureChannel

	mu          sync.Mutex
	state       ServerState
	lastTokenID uint32
	openResult  chan error
	closeOnce   sync.Once
}

// NewServerChannelSvc returns a channel waiting for Init.
func NewServerChannelSvc(opts ServerOptions) (*ServerChannelSvc, error) {
	defaults := DefaultServerOptions()
	if opts.Logger == nil {
		opts.Logger = zap.NewNop().Sugar()
	}
	if opts.ObjectFactory == nil {
		opts.ObjectFactory = NewEncoderSvc()
	}
	if opts.Limits == (transport.Limits{}) {
		opts.Limits = defaults.Limits
	}
	if opts.HelloTimeout <= 0 {
		opts.HelloTimeout = defaults.HelloTimeout
	}
	if opts.OpenTimeout <= 0 {
		opts.OpenTimeout = defaults.OpenTimeout
	}
	if opts.MinTokenLifetime <= 0 {
		opts.MinTokenLifetime = defaults.MinTokenLifetime
	}
	if opts.MaxTokenLifetime < opts.MinTokenLifetime {
		opts.MaxTokenLifetime = defaults.MaxTokenLifetime
	}
	for _, p := range opts.SecurityPolicies {
		if !p.Valid() {
			return nil, errors.Wrap(model.BadSecurityPolicyRejected, "invalid security policy")
		}
		if p != policy.None && (opts.PrivateKey == nil || len(opts.Certificate) == 0) {
			return nil, errors.Wrapf(model.BadSecurityChecksFailed, "%s requires a server key pair", p)
		}
	}

	sc := newSecureChannel(opts.Logger, opts.ObjectFactory, opts.Metrics, true)
	sc.allowed = opts.SecurityPolicies
	sc.localCert = opts.Certificate
	sc.localKey = opts.PrivateKey
	return &ServerChannelSvc{
		opts:       opts,
		log:        opts.Logger,
		sc:         sc,
		openResult: make(chan error, 1),
	}, nil
}

// ChannelID returns the id issued to the client, 0 before the channel is open.
func (s *ServerChannelSvc) ChannelID() uint32 { return s.sc.ChannelID() }

// State returns the current state.
func (s *ServerChannelSvc) State() ServerState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// SecurityPolicy returns the policy negotiated by the client.
func (s *ServerChannelSvc) SecurityPolicy() (policy.Policy, ua.MessageSecurityMode) {
	return s.sc.security()
}

// TokenIDs lists the tokens the channel accepts.
func (s *ServerChannelSvc) TokenIDs() []uint32 { return s.sc.tokens.TokenIDs() }

// RemoteAddr returns the address of the client.
func (s *ServerChannelSvc) RemoteAddr() net.Addr {
	if s.sc.conn == nil {
		return nil
	}
	return s.sc.conn.RemoteAddr()
}

func (s *ServerChannelSvc) emit(ev model.ChannelEvent) {
	ev.ChannelID = s.sc.ChannelID()
	if s.opts.OnEvent != nil {
		s.opts.OnEvent(ev)
	}
}

// Init runs the handshake on conn: it waits for HEL, acknowledges it and waits
// for the OpenSecureChannelRequest. It returns once the channel is open. Any
// failure aborts the channel.
func (s *ServerChannelSvc) Init(ctx context.Context, conn net.Conn) error {
	s.sc.conn = conn
	if err := s.receiveHello(conn); err != nil {
		s.abort(err)
		return err
	}

	s.sc.startBuilder(s.onBuilderEvent)
	s.setState(ServerStateAckSent)
	go s.sc.readLoop(s.onConnectionClosed)

	timer := time.NewTimer(s.opts.OpenTimeout)
	defer timer.Stop()
	select {
	case err := <-s.openResult:
		return err
	case <-timer.C:
		err := errors.Wrap(model.BadTimeout, "Timeout waiting for OpenSecureChannelRequest")
		s.abort(err)
		return err
	case <-ctx.Done():
		err := errors.Wrap(ctx.Err(), "channel initialisation cancelled")
		s.abort(err)
		return err
	}
}

func (s *ServerChannelSvc) receiveHello(conn net.Conn) error {
	if err := conn.SetReadDeadline(time.Now().Add(s.opts.HelloTimeout)); err != nil {
		return errors.Wrap(model.BadCommunicationError, err.Error())
	}
	h, b, err := transport.ReadFrame(conn, transport.MaxHandshakeFrameSize)
	if err != nil {
		if isTimeout(err) {
			return errors.Wrap(model.BadTimeout, "Timeout waiting for HEL")
		}
		if model.StatusOf(err) == model.BadTCPMessageTooLarge {
			transport.WriteError(conn, err, "HEL is too large")
		}
		return errors.Wrap(err, "cannot read HEL")
	}
	if h.MessageType != chunk.MessageTypeHello {
		err := errors.Wrapf(model.BadTCPMessageTypeInvalid, "expected HEL, received %s", h.MessageType)
		transport.WriteError(conn, err, err.Error())
		return err
	}
	hel, err := transport.DecodeHello(b)
	if err != nil {
		transport.WriteError(conn, err, "invalid HEL")
		return err
	}
	ack, limits, err := s.opts.Limits.AcceptHello(hel)
	if err != nil {
		transport.WriteError(conn, err, err.Error())
		return err
	}
	if err := conn.SetReadDeadline(time.Time{}); err != nil {
		return errors.Wrap(model.BadCommunicationError, err.Error())
	}
	if _, err := conn.Write(ack.Encode()); err != nil {
		return errors.Wrap(model.BadCommunicationError, err.Error())
	}
	s.sc.limits = limits
	s.log.Debugf("HEL from %s accepted, buffers %d/%d", hel.EndpointURL, limits.ReceiveBufferSize, limits.SendBufferSize)
	return nil
}

func (s *ServerChannelSvc) onBuilderEvent(ev chunk.Event) {
	if s.State() == ServerStateClosed {
		return
	}
	switch ev.Kind {
	case chunk.EventChunk:
		s.sc.metrics.chunkReceived(ev.MessageType)
		if s.State() == ServerStateAckSent && ev.MessageType != chunk.MessageTypeOpenSecureChannel {
			s.abort(errors.Wrapf(model.BadTCPMessageTypeInvalid, "expected OpenSecureChannelRequest, received %s", ev.MessageType))
		}
	case chunk.EventInvalidSequenceNumber:
		s.sc.metrics.invalidSequenceNumber()
		s.log.Warnf("Invalid sequence number: expected %d, found %d", ev.Expected, ev.Found)
	case chunk.EventError:
		s.abort(ev.Err)
	case chunk.EventInvalidMessage:
		s.abort(errors.Wrap(ev.Err, "cannot decode request"))
	case chunk.EventMessage:
		s.onMessage(ev)
	}
}

func (s *ServerChannelSvc) onMessage(ev chunk.Event) {
	switch ev.MessageType {
	case chunk.MessageTypeCloseSecureChannel:
		s.log.Infof("Client closed secure channel %d", s.sc.ChannelID())
		s.abort(nil)
		return
	case chunk.MessageTypeOpenSecureChannel:
		req, ok := ev.Message.(*ua.OpenSecureChannelRequest)
		if !ok {
			s.abort(errors.Wrapf(model.BadTCPMessageTypeInvalid, "expected OpenSecureChannelRequest, received %T", ev.Message))
			return
		}
		if err := s.handleOpen(ev, req); err != nil {
			s.abort(err)
		}
		return
	}

	if ev.ChannelID != s.sc.ChannelID() {
		s.abort(errors.Wrapf(model.BadTCPSecureChannelUnknown, "message for channel %d on channel %d", ev.ChannelID, s.sc.ChannelID()))
		return
	}
	req, ok := ev.Message.(ua.ServiceRequest)
	if !ok {
		s.abort(errors.Wrapf(model.BadDecodingError, "%T is not a service request", ev.Message))
		return
	}
	p, mode := s.sc.security()
	reqCtx := &model.RequestContext{
		ChannelID:         s.sc.ChannelID(),
		RequestID:         ev.RequestID,
		RequestHandle:     req.Header().RequestHandle,
		SecurityPolicyURI: p.URI(),
		SecurityMode:      mode,
		ReceivedAt:        time.Now(),
	}
	if sym, ok := ev.SecurityHeader.(*chunk.SymmetricSecurityHeader); ok {
		reqCtx.TokenID = sym.TokenID
	}
	if s.opts.OnEvent == nil {
		fault := &ua.ServiceFault{ResponseHeader: ua.ResponseHeader{ServiceResult: model.BadServiceUnsupported}}
		if err := s.SendResponse(chunk.MessageTypeMessage, fault, reqCtx); err != nil {
			s.log.Errorf("Cannot send ServiceFault: %v", err)
		}
		return
	}
	s.emit(model.ChannelEvent{Kind: model.EventMessage, Request: req, Context: reqCtx})
}

// handleOpen issues or renews a token and answers the OpenSecureChannelRequest.
func (s *ServerChannelSvc) handleOpen(ev chunk.Event, req *ua.OpenSecureChannelRequest) error {
	state := s.State()
	switch req.RequestType {
	case ua.SecurityTokenRequestTypeIssue:
		if state != ServerStateAckSent {
			return errors.Wrapf(model.BadInvalidState, "cannot issue a token in state %s", state)
		}
	case ua.SecurityTokenRequestTypeRenew:
		if state != ServerStateOpen {
			return errors.Wrapf(model.BadInvalidState, "cannot renew a token in state %s", state)
		}
		if ev.ChannelID != s.sc.ChannelID() {
			return errors.Wrapf(model.BadTCPSecureChannelUnknown, "renew for channel %d on channel %d", ev.ChannelID, s.sc.ChannelID())
		}
	default:
		return errors.Wrapf(model.BadDecodingError, "unknown token request type %v", req.RequestType)
	}
	if req.ClientProtocolVersion < transport.ProtocolVersion {
		return errors.Wrapf(model.BadProtocolVersionUnsupported, "client protocol version %d", req.ClientProtocolVersion)
	}

	p, mode := s.sc.security()
	if (p == policy.None) != (req.SecurityMode == ua.MessageSecurityModeNone) || req.SecurityMode > ua.MessageSecurityModeSignAndEncrypt {
		return errors.Wrapf(model.BadSecurityModeRejected, "security mode %v cannot be used with policy %s", req.SecurityMode, p)
	}
	if state == ServerStateOpen && req.SecurityMode != mode {
		return errors.Wrap(model.BadSecurityModeRejected, "security mode cannot change on renew")
	}
	clientNonce := []byte(req.ClientNonce)
	if err := policy.ValidateNonce(p, clientNonce); err != nil {
		return errors.Wrap(model.BadNonceInvalid, err.Error())
	}
	serverNonce, err := policy.NewNonce(p)
	if err != nil {
		return errors.Wrap(model.BadTCPInternalError, err.Error())
	}
	clientKeys, serverKeys, err := deriveKeys(p, clientNonce, serverNonce)
	if err != nil {
		return errors.Wrap(model.BadSecurityChecksFailed, err.Error())
	}

	channelID := s.sc.ChannelID()
	if req.RequestType == ua.SecurityTokenRequestTypeIssue {
		channelID = nextChannelID()
		s.sc.secMu.Lock()
		s.sc.mode = req.SecurityMode
		s.sc.secMu.Unlock()
	}
	s.mu.Lock()
	s.lastTokenID++
	if s.lastTokenID == 0 {
		s.lastTokenID = 1
	}
	tok := token.ChannelSecurityToken{
		ChannelID:       channelID,
		TokenID:         s.lastTokenID,
		CreatedAt:       time.Now(),
		RevisedLifetime: s.reviseLifetime(req.RequestedLifetime),
	}
	s.mu.Unlock()

	if req.RequestType == ua.SecurityTokenRequestTypeIssue {
		s.sc.setChannelID(channelID)
		s.sc.tokens.Push(tok, clientKeys, serverKeys)
	} else {
		s.sc.tokens.Add(tok, clientKeys, serverKeys)
	}

	res := &ua.OpenSecureChannelResponse{
		ResponseHeader: ua.ResponseHeader{
			Timestamp:     time.Now(),
			RequestHandle: req.RequestHandle,
		},
		ServerProtocolVersion: transport.ProtocolVersion,
		SecurityToken:         tok.ToUA(),
		ServerNonce:           ua.ByteString(serverNonce),
	}
	if err := s.sc.sendMessage(chunk.MessageTypeOpenSecureChannel, ev.RequestID, res); err != nil {
		return errors.Wrap(err, "cannot send OpenSecureChannelResponse")
	}

	if req.RequestType == ua.SecurityTokenRequestTypeRenew {
		s.sc.metrics.tokenRenewed()
		s.log.Infof("Secure channel %d renewed token %d 🔑", channelID, tok.TokenID)
		return nil
	}
	s.setState(ServerStateOpen)
	s.sc.metrics.channelOpened()
	s.log.Infof("Secure channel %d open with %s/%v, token %d valid for %s ✅", channelID, p, req.SecurityMode, tok.TokenID, tok.RevisedLifetime)
	select {
	case s.openResult <- nil:
	default:
	}
	return nil
}

func (s *ServerChannelSvc) reviseLifetime(requestedMs uint32) time.Duration {
	d := time.Duration(requestedMs) * time.Millisecond
	if d < s.opts.MinTokenLifetime {
		return s.opts.MinTokenLifetime
	}
	if d > s.opts.MaxTokenLifetime {
		return s.opts.MaxTokenLifetime
	}
	return d
}

// SendResponse answers the request identified by reqCtx with the current token.
func (s *ServerChannelSvc) SendResponse(msgType chunk.MessageType, res ua.ServiceResponse, reqCtx *model.RequestContext) error {
	if state := s.State(); state != ServerStateOpen {
		return errors.Wrapf(model.BadSecureChannelClosed, "cannot send %T: channel is %s", res, state)
	}
	if reqCtx == nil {
		return errors.New("missing request context")
	}
	hdr := res.Header()
	hdr.RequestHandle = reqCtx.RequestHandle
	if hdr.Timestamp.IsZero() {
		hdr.Timestamp = time.Now()
	}
	return s.sc.sendMessage(msgType, reqCtx.RequestID, res)
}

func (s *ServerChannelSvc) onConnectionClosed(err error) {
	if s.State() == ServerStateClosed {
		return
	}
	s.abort(errors.Wrapf(model.BadConnectionClosed, "connection lost: %v", err))
}

// abort tears the channel down and emits the abort event exactly once. A nil
// cause means the client closed the channel.
func (s *ServerChannelSvc) abort(cause error) {
	s.closeOnce.Do(func() {
		wasOpen := s.State() == ServerStateOpen
		s.setState(ServerStateClosed)
		if s.sc.conn != nil {
			s.sc.conn.Close()
		}
		s.sc.tokens.Clear()
		if wasOpen {
			s.sc.metrics.channelClosed()
		}
		if cause != nil {
			s.sc.metrics.channelAborted()
			s.log.Errorf("Secure channel %d aborted: %v", s.sc.ChannelID(), cause)
		}
		select {
		case s.openResult <- cause:
		default:
		}
		s.emit(model.ChannelEvent{Kind: model.EventAbort, Err: cause})
	})
}

// Close tears the channel down without an abort event.
func (s *ServerChannelSvc) Close() error {
	var err error
	s.closeOnce.Do(func() {
		wasOpen := s.State() == ServerStateOpen
		s.setState(ServerStateClosed)
		if s.sc.conn != nil {
			err = s.sc.conn.Close()
		}
		s.sc.tokens.Clear()
		if wasOpen {
			s.sc.metrics.channelClosed()
		}
		select {
		case s.openResult <- errors.Wrap(model.BadSecureChannelClosed, "channel closed"):
		default:
		}
		s.log.Infof("Secure channel %d closed 👋", s.sc.ChannelID())
	})
	return err
}

// Dispose closes the channel and releases its resources.
func (s *ServerChannelSvc) Dispose() {
	s.Close()
	s.sc.tokens.Clear()
}

func (s *ServerChannelSvc) setState(st ServerState) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}
