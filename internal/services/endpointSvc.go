package services

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/amine-amaach/uasc/internal/chunk"
	"github.com/amine-amaach/uasc/internal/model"
	"github.com/amine-amaach/uasc/internal/policy"
	"github.com/amine-amaach/uasc/internal/transport"
	"github.com/amine-amaach/uasc/ports"
	"github.com/awcullen/opcua/ua"
	"github.com/gammazero/workerpool"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// EndpointOptions configure an EndpointSvc.
type EndpointOptions struct {
	// Address is the listen address, e.g. ":4840".
	Address         string
	EndpointURL     string
	ApplicationURI  string
	ProductURI      string
	ApplicationName string
	SecurityModes   []ua.MessageSecurityMode
	MaxConnections  int
	// DispatchWorkers bounds the number of requests answered concurrently
	// across all channels. Handshakes run on their own goroutines.
	DispatchWorkers int
	CleanupInterval  time.Duration
	Server           ServerOptions
	// Handler answers the requests the endpoint does not handle itself.
	Handler ports.ServiceHandlerPort
	Logger  *zap.SugaredLogger
}

// EndpointSvc accepts TCP connections and runs a ServerChannelSvc on each.
// It answers GetEndpoints and FindServers itself.
type EndpointSvc struct {
	opts     EndpointOptions
	log      *zap.SugaredLogger
	listener net.Listener
	pool     *workerpool.WorkerPool
	manager  *ChannelManagerSvc

	mu          sync.Mutex
	conns       map[string]*ServerChannelSvc
	closed      bool
	acceptWg    sync.WaitGroup
	handshakeWg sync.WaitGroup
}

// NewEndpointSvc applies defaults to opts.
func NewEndpointSvc(opts EndpointOptions) *EndpointSvc {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop().Sugar()
	}
	if opts.Address == "" {
		opts.Address = ":4840"
	}
	if opts.MaxConnections <= 0 {
		opts.MaxConnections = 100
	}
	if opts.DispatchWorkers <= 0 {
		opts.DispatchWorkers = 8
	}
	if opts.CleanupInterval <= 0 {
		opts.CleanupInterval = 5 * time.Second
	}
	if opts.ApplicationName == "" {
		opts.ApplicationName = "uasc"
	}
	if opts.Server.ObjectFactory == nil {
		opts.Server.ObjectFactory = NewEncoderSvc()
	}
	if opts.Server.Logger == nil {
		opts.Server.Logger = opts.Logger
	}
	if len(opts.Server.SecurityPolicies) == 0 {
		opts.Server.SecurityPolicies = []policy.Policy{policy.None}
	}
	return &EndpointSvc{
		opts:  opts,
		log:   opts.Logger,
		conns: make(map[string]*ServerChannelSvc),
	}
}

// Listen binds the listen address and starts accepting connections.
func (e *EndpointSvc) Listen(ctx context.Context) error {
	l, err := net.Listen("tcp", e.opts.Address)
	if err != nil {
		return errors.Wrapf(err, "cannot listen on %s", e.opts.Address)
	}
	e.listener = l
	if e.opts.EndpointURL == "" {
		e.opts.EndpointURL = "opc.tcp://" + l.Addr().String()
	}
	e.pool = workerpool.New(e.opts.DispatchWorkers)
	e.manager = NewChannelManagerSvc(e.opts.CleanupInterval)
	e.acceptWg.Add(1)
	go e.acceptLoop(ctx)
	e.log.Infof("Listening on %s 🚀", e.opts.EndpointURL)
	return nil
}

// Addr returns the bound address, nil before Listen.
func (e *EndpointSvc) Addr() net.Addr {
	if e.listener == nil {
		return nil
	}
	return e.listener.Addr()
}

// EndpointURL returns the advertised endpoint url.
func (e *EndpointSvc) EndpointURL() string { return e.opts.EndpointURL }

// Channels lists the ids of the open channels.
func (e *EndpointSvc) Channels() []uint32 {
	if e.manager == nil {
		return nil
	}
	return e.manager.IDs()
}

// Connections returns the number of live connections.
func (e *EndpointSvc) Connections() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.conns)
}

func (e *EndpointSvc) acceptLoop(ctx context.Context) {
	defer e.acceptWg.Done()
	for {
		conn, err := e.listener.Accept()
		if err != nil {
			e.mu.Lock()
			closed := e.closed
			e.mu.Unlock()
			if !closed {
				e.log.Errorf("Accept failed: %v", err)
			}
			return
		}
		id := uuid.New().String()

		e.mu.Lock()
		busy := e.closed || len(e.conns) >= e.opts.MaxConnections
		var ch *ServerChannelSvc
		if !busy {
			ch, err = e.newChannel(id)
			if err == nil {
				e.conns[id] = ch
			}
		}
		e.mu.Unlock()

		if busy {
			e.log.Warnf("Rejecting connection %s from %s: too many connections", id, conn.RemoteAddr())
			transport.WriteError(conn, model.BadTCPServerTooBusy, "too many connections")
			conn.Close()
			continue
		}
		if err != nil {
			e.log.Errorf("Cannot create channel for %s: %v", conn.RemoteAddr(), err)
			conn.Close()
			continue
		}
		e.log.Debugf("Connection %s from %s", id, conn.RemoteAddr())
		// A handshake may wait for the full hello and open timeouts, so each
		// one gets its own goroutine. MaxConnections bounds their number.
		e.handshakeWg.Add(1)
		go func() {
			defer e.handshakeWg.Done()
			if err := ch.Init(ctx, conn); err != nil {
				return
			}
			e.manager.Add(ch)
		}()
	}
}

func (e *EndpointSvc) newChannel(id string) (*ServerChannelSvc, error) {
	opts := e.opts.Server
	opts.Logger = e.log.With("connection", id)
	var ch *ServerChannelSvc
	opts.OnEvent = func(ev model.ChannelEvent) {
		switch ev.Kind {
		case model.EventMessage:
			e.submit(func() { e.dispatch(ch, ev) })
		case model.EventAbort:
			e.release(id, ev.ChannelID)
		}
		if e.opts.Server.OnEvent != nil {
			e.opts.Server.OnEvent(ev)
		}
	}
	var err error
	ch, err = NewServerChannelSvc(opts)
	return ch, err
}

// submit queues a request for the dispatch workers unless the endpoint is closed.
func (e *EndpointSvc) submit(task func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed || e.pool == nil {
		return
	}
	e.pool.Submit(task)
}

func (e *EndpointSvc) release(id string, channelID uint32) {
	e.mu.Lock()
	delete(e.conns, id)
	e.mu.Unlock()
	if e.manager != nil {
		e.manager.Delete(channelID)
	}
}

// dispatch answers one request. Requests nobody handles get a ServiceFault.
func (e *EndpointSvc) dispatch(ch *ServerChannelSvc, ev model.ChannelEvent) {
	var (
		res ua.ServiceResponse
		err error
	)
	switch req := ev.Request.(type) {
	case *ua.GetEndpointsRequest:
		res = &ua.GetEndpointsResponse{Endpoints: e.Endpoints()}
	case *ua.FindServersRequest:
		res = &ua.FindServersResponse{Servers: []ua.ApplicationDescription{e.application()}}
	default:
		if e.opts.Handler != nil {
			res, err = e.opts.Handler.HandleRequest(context.Background(), ev.ChannelID, req)
		}
	}
	if err != nil || res == nil {
		code := model.BadServiceUnsupported
		if err != nil {
			code = model.StatusOf(err)
			e.log.Warnf("Request %T on channel %d failed: %v", ev.Request, ev.ChannelID, err)
		}
		res = &ua.ServiceFault{ResponseHeader: ua.ResponseHeader{ServiceResult: code}}
	}
	if err := ch.SendResponse(chunk.MessageTypeMessage, res, ev.Context); err != nil {
		e.log.Errorf("Cannot answer %T on channel %d: %v", ev.Request, ev.ChannelID, err)
	}
}

func (e *EndpointSvc) application() ua.ApplicationDescription {
	return ua.ApplicationDescription{
		ApplicationURI:  e.opts.ApplicationURI,
		ProductURI:      e.opts.ProductURI,
		ApplicationName: ua.LocalizedText{Text: e.opts.ApplicationName, Locale: "en"},
		ApplicationType: ua.ApplicationTypeServer,
		DiscoveryURLs:   []string{e.opts.EndpointURL},
	}
}

// Endpoints describes every policy and mode combination the endpoint offers.
func (e *EndpointSvc) Endpoints() []ua.EndpointDescription {
	var endpoints []ua.EndpointDescription
	for _, p := range e.opts.Server.SecurityPolicies {
		for _, mode := range e.modesFor(p) {
			ep := ua.EndpointDescription{
				EndpointURL:         e.opts.EndpointURL,
				Server:              e.application(),
				SecurityMode:        mode,
				SecurityPolicyURI:   p.URI(),
				TransportProfileURI: ua.TransportProfileURIUaTcpTransport,
				SecurityLevel:       securityLevel(p, mode),
				UserIdentityTokens: []ua.UserTokenPolicy{
					{PolicyID: "anonymous", TokenType: ua.UserTokenTypeAnonymous},
				},
			}
			if p != policy.None {
				ep.ServerCertificate = ua.ByteString(e.opts.Server.Certificate)
			}
			endpoints = append(endpoints, ep)
		}
	}
	return endpoints
}

func (e *EndpointSvc) modesFor(p policy.Policy) []ua.MessageSecurityMode {
	if p == policy.None {
		return []ua.MessageSecurityMode{ua.MessageSecurityModeNone}
	}
	if len(e.opts.SecurityModes) > 0 {
		var modes []ua.MessageSecurityMode
		for _, m := range e.opts.SecurityModes {
			if m != ua.MessageSecurityModeNone {
				modes = append(modes, m)
			}
		}
		return modes
	}
	return []ua.MessageSecurityMode{ua.MessageSecurityModeSign, ua.MessageSecurityModeSignAndEncrypt}
}

func securityLevel(p policy.Policy, mode ua.MessageSecurityMode) byte {
	level := byte(p) * 2
	if mode == ua.MessageSecurityModeSignAndEncrypt {
		level++
	}
	if p == policy.None {
		return 0
	}
	return level
}

// Close stops accepting connections and closes every channel.
func (e *EndpointSvc) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	conns := make([]*ServerChannelSvc, 0, len(e.conns))
	for _, ch := range e.conns {
		conns = append(conns, ch)
	}
	e.conns = make(map[string]*ServerChannelSvc)
	e.mu.Unlock()

	var err error
	if e.listener != nil {
		err = e.listener.Close()
		e.acceptWg.Wait()
	}
	for _, ch := range conns {
		ch.Close()
	}
	e.handshakeWg.Wait()
	if e.manager != nil {
		e.manager.Close()
	}
	if e.pool != nil {
		e.pool.StopWait()
	}
	e.log.Infof("Endpoint %s closed", e.opts.EndpointURL)
	return err
}
