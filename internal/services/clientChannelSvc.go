package services

import (
	"context"
	"crypto/rsa"
	"fmt"
	"math"
	"net"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/amine-amaach/uasc/internal/chunk"
	"github.com/amine-amaach/uasc/internal/model"
	"github.com/amine-amaach/uasc/internal/pki"
	"github.com/amine-amaach/uasc/internal/policy"
	"github.com/amine-amaach/uasc/internal/token"
	"github.com/amine-amaach/uasc/internal/transport"
	"github.com/amine-amaach/uasc/ports"
	"github.com/awcullen/opcua/ua"
	"github.com/cenkalti/backoff/v4"
	"github.com/gammazero/deque"
	nanoid "github.com/matoous/go-nanoid/v2"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// ChannelState is the state of a client secure channel.
type ChannelState int

const (
	StateIdle ChannelState = iota
	StateConnecting
	StateOpening
	StateOpen
	StateClosing
	StateClosed
)

func (s ChannelState) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateConnecting:
		return "Connecting"
	case StateOpening:
		return "OpeningChannel"
	case StateOpen:
		return "Open"
	case StateClosing:
		return "Closing"
	case StateClosed:
		return "Closed"
	}
	return "Unknown"
}

const defaultOPCUAPort = "4840"

// ClientOptions configure a ClientChannelSvc. Start from DefaultClientOptions.
type ClientOptions struct {
	Name              string
	SecurityPolicy    policy.Policy
	SecurityMode      ua.MessageSecurityMode
	Certificate       []byte
	PrivateKey        *rsa.PrivateKey
	ServerCertificate []byte
	Limits            transport.Limits
	TokenLifetime     time.Duration
	ConnectTimeout    time.Duration
	// TransportTimeout fails a transaction that gets no response in time.
	TransportTimeout time.Duration

	// MaxRetry is the number of reconnection attempts after the first failed dial.
	MaxRetry            int
	InitialDelay        time.Duration
	MaxDelay            time.Duration
	RandomisationFactor float64

	Dialer        func(ctx context.Context, address string) (net.Conn, error)
	ObjectFactory ports.ObjectFactoryPort
	Logger        *zap.SugaredLogger
	Metrics       *MonitoringSvc
	OnEvent       model.ChannelEventHandler
}

// DefaultClientOptions returns options for an unsecured channel.
func DefaultClientOptions() ClientOptions {
	return ClientOptions{
		SecurityPolicy:      policy.None,
		SecurityMode:        ua.MessageSecurityModeNone,
		Limits:              transport.DefaultLimits(),
		TokenLifetime:       time.Hour,
		ConnectTimeout:      5 * time.Second,
		TransportTimeout:    60 * time.Second,
		MaxRetry:            100,
		InitialDelay:        time.Second,
		MaxDelay:            20 * time.Second,
		RandomisationFactor: 0.1,
	}
}

type transactionResult struct {
	res ua.ServiceResponse
	err error
}

type transaction struct {
	msgType   chunk.MessageType
	req       ua.ServiceRequest
	requestID uint32
	started   time.Time
	timer     *time.Timer
	done      chan transactionResult
	once      sync.Once
	completed int32
}

func (tx *transaction) complete(res ua.ServiceResponse, err error) bool {
	completed := false
	tx.once.Do(func() {
		if tx.timer != nil {
			tx.timer.Stop()
		}
		atomic.StoreInt32(&tx.completed, 1)
		tx.done <- transactionResult{res: res, err: err}
		completed = true
	})
	return completed
}

func (tx *transaction) finished() bool {
	return atomic.LoadInt32(&tx.completed) == 1
}

// ClientChannelSvc is the client side of a secure channel. One transaction is
// in flight at a time; further transactions wait in a FIFO queue.
type ClientChannelSvc struct {
	opts ClientOptions
	log  *zap.SugaredLogger
	sc   *secureChannel

	mu          sync.Mutex
	state       ChannelState
	endpointURL string
	queue       *deque.Deque[*transaction]
	inflight    *transaction
	requestID   uint32
	renewTimer  *time.Timer
	expiryTimer *time.Timer

	requestHandle uint32
	abortOnce     sync.Once
	abortCh       chan struct{}
	closeOnce     sync.Once
}

// NewClientChannelSvc validates the options and returns an idle channel.
func NewClientChannelSvc(opts ClientOptions) (*ClientChannelSvc, error) {
	if opts.Name == "" {
		id, err := nanoid.New(10)
		if err != nil {
			return nil, errors.Wrap(err, "cannot generate channel name")
		}
		opts.Name = "client-" + id
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop().Sugar()
	}
	if opts.ObjectFactory == nil {
		opts.ObjectFactory = NewEncoderSvc()
	}
	if opts.Limits == (transport.Limits{}) {
		opts.Limits = transport.DefaultLimits()
	}
	if opts.TransportTimeout <= 0 {
		opts.TransportTimeout = 60 * time.Second
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 5 * time.Second
	}
	if opts.TokenLifetime <= 0 {
		opts.TokenLifetime = time.Hour
	}
	if !opts.SecurityPolicy.Valid() {
		return nil, errors.Wrap(model.BadSecurityPolicyRejected, "invalid security policy")
	}
	if (opts.SecurityPolicy == policy.None) != (opts.SecurityMode == ua.MessageSecurityModeNone) {
		return nil, errors.Wrapf(model.BadSecurityModeRejected, "security mode %v cannot be used with policy %s", opts.SecurityMode, opts.SecurityPolicy)
	}
	if opts.SecurityPolicy != policy.None {
		if opts.PrivateKey == nil || len(opts.Certificate) == 0 || len(opts.ServerCertificate) == 0 {
			return nil, errors.Wrapf(model.BadSecurityChecksFailed, "%s requires a client key pair and the server certificate", opts.SecurityPolicy)
		}
	}

	log := opts.Logger.With("channel", opts.Name)
	sc := newSecureChannel(log, opts.ObjectFactory, opts.Metrics, false)
	sc.policy = opts.SecurityPolicy
	sc.mode = opts.SecurityMode
	sc.localCert = opts.Certificate
	sc.localKey = opts.PrivateKey
	if len(opts.ServerCertificate) > 0 {
		key, err := pki.PublicKey(opts.ServerCertificate)
		if err != nil {
			return nil, errors.Wrap(model.BadCertificateInvalid, err.Error())
		}
		sc.remoteCert = opts.ServerCertificate
		sc.remoteKey = key
	}

	return &ClientChannelSvc{
		opts:    opts,
		log:     log,
		sc:      sc,
		queue:   deque.New[*transaction](),
		abortCh: make(chan struct{}),
	}, nil
}

// Name identifies the channel in logs.
func (c *ClientChannelSvc) Name() string { return c.opts.Name }

// State returns the current state.
func (c *ClientChannelSvc) State() ChannelState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ChannelID returns the id assigned by the server, 0 before the channel is open.
func (c *ClientChannelSvc) ChannelID() uint32 { return c.sc.ChannelID() }

// SecurityToken returns the token used for sending.
func (c *ClientChannelSvc) SecurityToken() (token.ChannelSecurityToken, error) {
	ks, err := c.sc.tokens.Current()
	if err != nil {
		return token.ChannelSecurityToken{}, err
	}
	return ks.Token, nil
}

func (c *ClientChannelSvc) emit(ev model.ChannelEvent) {
	ev.ChannelID = c.sc.ChannelID()
	if c.opts.OnEvent != nil {
		c.opts.OnEvent(ev)
	}
}

// Create connects to endpointURL, retrying with exponential backoff, and opens
// the secure channel. It returns once the channel is open or failed for good.
func (c *ClientChannelSvc) Create(ctx context.Context, endpointURL string) error {
	address, err := parseEndpointURL(endpointURL)
	if err != nil {
		return err
	}
	c.mu.Lock()
	if c.state != StateIdle {
		state := c.state
		c.mu.Unlock()
		return errors.Wrapf(model.BadInvalidState, "cannot create a channel in state %s", state)
	}
	c.state = StateConnecting
	c.endpointURL = endpointURL
	c.mu.Unlock()

	conn, err := c.connectWithBackoff(ctx, address)
	if err != nil {
		c.setState(StateClosed)
		return err
	}
	c.sc.conn = conn

	if err := c.handshake(conn); err != nil {
		conn.Close()
		c.setState(StateClosed)
		return err
	}
	c.log.Infof("Connected to %s 🔌", endpointURL)

	c.sc.startBuilder(c.onBuilderEvent)
	c.setState(StateOpening)
	go c.sc.readLoop(c.onConnectionClosed)

	if _, err := c.openSecureChannel(ctx, ua.SecurityTokenRequestTypeIssue); err != nil {
		c.teardown(err, false)
		return err
	}

	c.mu.Lock()
	if c.state != StateOpening {
		c.mu.Unlock()
		return errors.Wrap(model.BadSecureChannelClosed, "channel closed while opening")
	}
	c.state = StateOpen
	c.mu.Unlock()
	c.sc.metrics.channelOpened()
	c.log.Infof("Secure channel %d open with %s/%v ✅", c.sc.ChannelID(), c.opts.SecurityPolicy, c.opts.SecurityMode)
	return nil
}

func parseEndpointURL(endpointURL string) (string, error) {
	if len(endpointURL) > transport.MaxEndpointURLLength {
		return "", errors.Wrap(model.BadTCPEndpointURLInvalid, "endpoint url is too long")
	}
	u, err := url.Parse(endpointURL)
	if err != nil {
		return "", errors.Wrap(model.BadTCPEndpointURLInvalid, err.Error())
	}
	if u.Scheme != "opc.tcp" || u.Hostname() == "" {
		return "", errors.Wrapf(model.BadTCPEndpointURLInvalid, "invalid endpoint url %q", endpointURL)
	}
	port := u.Port()
	if port == "" {
		port = defaultOPCUAPort
	}
	return net.JoinHostPort(u.Hostname(), port), nil
}

func (c *ClientChannelSvc) dial(ctx context.Context, address string) (net.Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.ConnectTimeout)
	defer cancel()
	if c.opts.Dialer != nil {
		return c.opts.Dialer(ctx, address)
	}
	var d net.Dialer
	return d.DialContext(ctx, "tcp", address)
}

// connectWithBackoff dials until it succeeds or MaxRetry retries failed. A
// backoff event precedes every retry.
func (c *ClientChannelSvc) connectWithBackoff(ctx context.Context, address string) (net.Conn, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.opts.InitialDelay
	bo.MaxInterval = c.opts.MaxDelay
	bo.RandomizationFactor = c.opts.RandomisationFactor
	bo.Multiplier = 2
	bo.MaxElapsedTime = 0
	bo.Reset()

	for attempt := 0; ; attempt++ {
		select {
		case <-c.abortCh:
			return nil, errors.Wrap(model.BadRequestInterrupted, "connection aborted")
		default:
		}
		conn, err := c.dial(ctx, address)
		if err == nil {
			return conn, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if attempt >= c.opts.MaxRetry {
			return nil, errors.Wrapf(model.BadCommunicationError, "cannot connect to %s after %d retries: %v", address, attempt, err)
		}

		delay := bo.NextBackOff()
		if delay == backoff.Stop || (c.opts.MaxDelay > 0 && delay > c.opts.MaxDelay) {
			delay = c.opts.MaxDelay
		}
		c.log.Warnf("Connection to %s failed (%v), retry %d in %s ⏳", address, err, attempt+1, delay)
		c.sc.metrics.backoff()
		c.emit(model.ChannelEvent{Kind: model.EventBackoff, Attempt: attempt + 1, Delay: delay, Err: err})

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-c.abortCh:
			timer.Stop()
			return nil, errors.Wrap(model.BadRequestInterrupted, "connection aborted")
		}
	}
}

// handshake exchanges HEL and ACK.
func (c *ClientChannelSvc) handshake(conn net.Conn) error {
	if err := conn.SetDeadline(time.Now().Add(c.opts.ConnectTimeout)); err != nil {
		return errors.Wrap(model.BadCommunicationError, err.Error())
	}
	defer conn.SetDeadline(time.Time{})

	if _, err := conn.Write(c.opts.Limits.Hello(c.endpointURL).Encode()); err != nil {
		return errors.Wrap(model.BadCommunicationError, err.Error())
	}
	h, b, err := transport.ReadFrame(conn, transport.MaxHandshakeFrameSize)
	if err != nil {
		if isTimeout(err) {
			return errors.Wrap(model.BadTimeout, "Timeout waiting for ACK")
		}
		return errors.Wrap(model.BadCommunicationError, err.Error())
	}
	switch h.MessageType {
	case chunk.MessageTypeAcknowledge:
		ack, err := transport.DecodeAcknowledge(b)
		if err != nil {
			return err
		}
		limits, err := c.opts.Limits.AcceptAcknowledge(ack)
		if err != nil {
			return err
		}
		c.sc.limits = limits
		return nil
	case chunk.MessageTypeError:
		e, err := transport.DecodeError(b)
		if err != nil {
			return err
		}
		return e
	}
	return errors.Wrapf(model.BadTCPMessageTypeInvalid, "expected ACK, received %s", h.MessageType)
}

// openSecureChannel issues or renews the security token.
func (c *ClientChannelSvc) openSecureChannel(ctx context.Context, requestType ua.SecurityTokenRequestType) (*token.ChannelSecurityToken, error) {
	p, mode := c.sc.security()
	clientNonce, err := policy.NewNonce(p)
	if err != nil {
		return nil, err
	}
	req := &ua.OpenSecureChannelRequest{
		ClientProtocolVersion: transport.ProtocolVersion,
		RequestType:           requestType,
		SecurityMode:          mode,
		ClientNonce:           ua.ByteString(clientNonce),
		RequestedLifetime:     uint32(c.opts.TokenLifetime / time.Millisecond),
	}
	res, err := c.transact(ctx, chunk.MessageTypeOpenSecureChannel, req)
	if err != nil {
		return nil, errors.Wrap(err, "OpenSecureChannel failed")
	}
	osr, ok := res.(*ua.OpenSecureChannelResponse)
	if !ok {
		return nil, errors.Wrapf(model.BadDecodingError, "expected OpenSecureChannelResponse, received %T", res)
	}
	if osr.ServerProtocolVersion < transport.ProtocolVersion {
		return nil, errors.Wrapf(model.BadProtocolVersionUnsupported, "server protocol version %d", osr.ServerProtocolVersion)
	}
	serverNonce := []byte(osr.ServerNonce)
	if err := policy.ValidateNonce(p, serverNonce); err != nil {
		return nil, errors.Wrap(model.BadNonceInvalid, err.Error())
	}
	clientKeys, serverKeys, err := deriveKeys(p, clientNonce, serverNonce)
	if err != nil {
		return nil, errors.Wrap(model.BadSecurityChecksFailed, err.Error())
	}

	tok := token.FromUA(osr.SecurityToken)
	// Lifetimes run on the local clock; the server's CreatedAt may be skewed.
	tok.CreatedAt = time.Now()
	if requestType == ua.SecurityTokenRequestTypeRenew && tok.ChannelID != c.sc.ChannelID() {
		return nil, errors.Wrapf(model.BadTCPSecureChannelUnknown, "renewed token belongs to channel %d", tok.ChannelID)
	}
	c.sc.setChannelID(tok.ChannelID)
	c.sc.tokens.Push(tok, clientKeys, serverKeys)
	c.scheduleRenewal(tok)
	c.log.Debugf("Security token %d valid for %s", tok.TokenID, tok.RevisedLifetime)
	return &tok, nil
}

func (c *ClientChannelSvc) scheduleRenewal(tok token.ChannelSecurityToken) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.renewTimer != nil {
		c.renewTimer.Stop()
	}
	if c.expiryTimer != nil {
		c.expiryTimer.Stop()
	}
	now := time.Now()
	c.renewTimer = time.AfterFunc(tok.RenewAt().Sub(now), c.renew)
	c.expiryTimer = time.AfterFunc(tok.ExpiresAt().Sub(now), func() {
		c.teardown(errors.Wrapf(model.BadSecureChannelClosed, "security token %d expired before it was renewed", tok.TokenID), true)
	})
}

func (c *ClientChannelSvc) renew() {
	if c.State() != StateOpen {
		return
	}
	c.emit(model.ChannelEvent{Kind: model.EventLifetime75})
	ctx, cancel := context.WithTimeout(context.Background(), c.opts.TransportTimeout)
	defer cancel()
	tok, err := c.openSecureChannel(ctx, ua.SecurityTokenRequestTypeRenew)
	if err != nil {
		c.log.Errorf("Cannot renew security token: %v", err)
		return
	}
	c.sc.metrics.tokenRenewed()
	c.log.Infof("Security token renewed, token id %d 🔑", tok.TokenID)
	c.emit(model.ChannelEvent{Kind: model.EventSecurityTokenRenewed, Token: tok.ToUA()})
}

// PerformMessageTransaction sends req and waits for its response. It fails
// immediately when the channel is not open.
func (c *ClientChannelSvc) PerformMessageTransaction(ctx context.Context, req ua.ServiceRequest) (ua.ServiceResponse, error) {
	if state := c.State(); state != StateOpen {
		return nil, errors.Wrapf(model.BadSecureChannelClosed, "cannot send %T: channel is %s", req, state)
	}
	return c.transact(ctx, chunk.MessageTypeMessage, req)
}

func (c *ClientChannelSvc) transact(ctx context.Context, msgType chunk.MessageType, req ua.ServiceRequest) (ua.ServiceResponse, error) {
	tx := &transaction{msgType: msgType, req: req, done: make(chan transactionResult, 1)}

	c.mu.Lock()
	if c.state != StateOpen && c.state != StateOpening {
		state := c.state
		c.mu.Unlock()
		return nil, errors.Wrapf(model.BadSecureChannelClosed, "cannot send %T: channel is %s", req, state)
	}
	c.queue.PushBack(tx)
	next := c.nextLocked()
	c.mu.Unlock()
	if next != nil {
		c.send(next)
	}

	select {
	case r := <-tx.done:
		return r.res, r.err
	case <-ctx.Done():
		c.finish(tx, nil, ctx.Err())
		tx.complete(nil, ctx.Err())
		r := <-tx.done
		return r.res, r.err
	}
}

// nextLocked promotes the head of the queue when nothing is in flight.
func (c *ClientChannelSvc) nextLocked() *transaction {
	for c.inflight == nil && c.queue.Len() > 0 {
		tx := c.queue.PopFront()
		if tx.finished() {
			continue
		}
		c.requestID++
		if c.requestID == 0 {
			c.requestID = 1
		}
		tx.requestID = c.requestID
		tx.started = time.Now()
		tx.timer = time.AfterFunc(c.opts.TransportTimeout, func() {
			c.finish(tx, nil, errors.Wrapf(model.BadRequestTimeout, "no response to %T within %s", tx.req, c.opts.TransportTimeout))
		})
		c.inflight = tx
		return tx
	}
	return nil
}

func (c *ClientChannelSvc) nextRequestHandle() uint32 {
	for {
		old := atomic.LoadUint32(&c.requestHandle)
		next := old + 1
		if old == math.MaxUint32 {
			next = 1
		}
		if atomic.CompareAndSwapUint32(&c.requestHandle, old, next) {
			return next
		}
	}
}

func (c *ClientChannelSvc) send(tx *transaction) {
	hdr := tx.req.Header()
	hdr.RequestHandle = c.nextRequestHandle()
	hdr.Timestamp = time.Now()
	if hdr.TimeoutHint == 0 {
		hdr.TimeoutHint = uint32(c.opts.TransportTimeout / time.Millisecond)
	}
	if err := c.sc.sendMessage(tx.msgType, tx.requestID, tx.req); err != nil {
		c.finish(tx, nil, errors.Wrapf(err, "cannot send %T", tx.req))
	}
}

// finish completes tx if it is still in flight and sends the next transaction.
func (c *ClientChannelSvc) finish(tx *transaction, res ua.ServiceResponse, err error) {
	c.mu.Lock()
	if c.inflight != tx {
		c.mu.Unlock()
		return
	}
	c.inflight = nil
	next := c.nextLocked()
	c.mu.Unlock()

	if tx.complete(res, err) {
		c.sc.metrics.transaction(time.Since(tx.started))
	}
	if next != nil {
		go c.send(next)
	}
}

func (c *ClientChannelSvc) onBuilderEvent(ev chunk.Event) {
	switch ev.Kind {
	case chunk.EventChunk:
		c.sc.metrics.chunkReceived(ev.MessageType)
	case chunk.EventInvalidSequenceNumber:
		c.sc.metrics.invalidSequenceNumber()
		c.log.Warnf("Invalid sequence number: expected %d, found %d", ev.Expected, ev.Found)
	case chunk.EventError:
		c.log.Errorf("Receive error: %v", ev.Err)
		c.teardown(ev.Err, true)
	case chunk.EventInvalidMessage:
		c.failRequest(ev.RequestID, errors.Wrap(ev.Err, "cannot decode response"))
	case chunk.EventMessage:
		c.onMessage(ev)
	}
}

func (c *ClientChannelSvc) onMessage(ev chunk.Event) {
	if ev.MessageType == chunk.MessageTypeCloseSecureChannel {
		c.teardown(errors.Wrap(model.BadSecureChannelClosed, "server closed the channel"), true)
		return
	}
	if id := c.sc.ChannelID(); id != 0 && ev.ChannelID != id {
		c.teardown(errors.Wrapf(model.BadTCPSecureChannelUnknown, "response for channel %d on channel %d", ev.ChannelID, id), true)
		return
	}
	res, ok := ev.Message.(ua.ServiceResponse)
	if !ok {
		c.failRequest(ev.RequestID, errors.Wrapf(model.BadDecodingError, "%T is not a service response", ev.Message))
		return
	}
	var err error
	if fault, ok := res.(*ua.ServiceFault); ok {
		err = errors.Wrap(fault.ResponseHeader.ServiceResult, "server returned a ServiceFault")
	} else if code := res.Header().ServiceResult; code.IsBad() {
		err = errors.Wrapf(code, "%T failed", res)
	}
	c.failOrComplete(ev.RequestID, res, err)
}

func (c *ClientChannelSvc) failRequest(requestID uint32, err error) {
	c.failOrComplete(requestID, nil, err)
}

func (c *ClientChannelSvc) failOrComplete(requestID uint32, res ua.ServiceResponse, err error) {
	c.mu.Lock()
	tx := c.inflight
	c.mu.Unlock()
	if tx == nil || tx.requestID != requestID {
		c.log.Warnf("Dropping response to request %d, nothing is waiting for it", requestID)
		return
	}
	c.finish(tx, res, err)
}

func (c *ClientChannelSvc) onConnectionClosed(err error) {
	switch c.State() {
	case StateClosing, StateClosed:
		return
	}
	c.teardown(errors.Wrapf(model.BadConnectionClosed, "connection lost: %v", err), true)
}

// AbortConnection cancels pending connection retries and drops the connection.
func (c *ClientChannelSvc) AbortConnection() {
	c.abortOnce.Do(func() { close(c.abortCh) })
	if c.State() == StateOpen || c.State() == StateOpening {
		c.teardown(errors.Wrap(model.BadConnectionClosed, "connection aborted"), true)
	}
}

// Close sends CloseSecureChannel when the channel is open and releases the
// connection. It is idempotent and fires exactly one close event.
func (c *ClientChannelSvc) Close(ctx context.Context) error {
	c.mu.Lock()
	state := c.state
	if state == StateOpen {
		c.state = StateClosing
	}
	c.mu.Unlock()

	if state == StateOpen {
		c.sendClose()
	}
	c.teardown(nil, true)
	return nil
}

func (c *ClientChannelSvc) sendClose() {
	c.mu.Lock()
	c.requestID++
	requestID := c.requestID
	c.mu.Unlock()
	req := &ua.CloseSecureChannelRequest{
		RequestHeader: ua.RequestHeader{
			Timestamp:     time.Now(),
			RequestHandle: c.nextRequestHandle(),
		},
	}
	if err := c.sc.sendMessage(chunk.MessageTypeCloseSecureChannel, requestID, req); err != nil {
		c.log.Warnf("Cannot send CloseSecureChannel: %v", err)
	}
}

// teardown releases the channel and fails every waiting transaction. The close
// event is emitted once, when notify is set.
func (c *ClientChannelSvc) teardown(cause error, notify bool) {
	c.mu.Lock()
	wasOpen := c.state == StateOpen || c.state == StateClosing
	alreadyClosed := c.state == StateClosed
	c.state = StateClosed
	if c.renewTimer != nil {
		c.renewTimer.Stop()
	}
	if c.expiryTimer != nil {
		c.expiryTimer.Stop()
	}
	pending := make([]*transaction, 0, c.queue.Len()+1)
	if c.inflight != nil {
		pending = append(pending, c.inflight)
		c.inflight = nil
	}
	for c.queue.Len() > 0 {
		pending = append(pending, c.queue.PopFront())
	}
	c.mu.Unlock()

	failure := cause
	if failure == nil {
		failure = errors.Wrap(model.BadSecureChannelClosed, "channel closed")
	}
	for _, tx := range pending {
		tx.complete(nil, errors.Wrap(failure, "transaction interrupted"))
	}
	if !alreadyClosed {
		if c.sc.conn != nil {
			c.sc.conn.Close()
		}
		c.sc.tokens.Clear()
		if wasOpen {
			c.sc.metrics.channelClosed()
		}
		if cause != nil {
			c.log.Errorf("Secure channel closed: %v", cause)
		} else {
			c.log.Infof("Secure channel closed 👋")
		}
	}
	if notify {
		c.closeOnce.Do(func() {
			c.emit(model.ChannelEvent{Kind: model.EventClose, Err: cause})
		})
	}
}

func (c *ClientChannelSvc) setState(s ChannelState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *ClientChannelSvc) String() string {
	return fmt.Sprintf("%s(%s)", c.opts.Name, c.endpointURL)
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
