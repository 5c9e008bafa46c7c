package services

import (
	"bytes"
	"crypto/rsa"
	"net"
	"sync"
	"sync/atomic"

	"github.com/amine-amaach/uasc/internal/chunk"
	"github.com/amine-amaach/uasc/internal/model"
	"github.com/amine-amaach/uasc/internal/pki"
	"github.com/amine-amaach/uasc/internal/policy"
	"github.com/amine-amaach/uasc/internal/token"
	"github.com/amine-amaach/uasc/internal/transport"
	"github.com/amine-amaach/uasc/ports"
	"github.com/awcullen/opcua/ua"
	"github.com/djherbis/buffer"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

var sendPool = buffer.NewMemPoolAt(int64(transport.DefaultBufferSize))

// secureChannel holds what the client and server sides of a channel share:
// the connection, the chunker of the sending direction, the builder of the
// receiving direction and the security context.
type secureChannel struct {
	log      *zap.SugaredLogger
	conn     net.Conn
	factory  ports.ObjectFactoryPort
	metrics  *MonitoringSvc
	isServer bool

	chunker *chunk.MessageChunker
	builder *chunk.MessageBuilder
	tokens  *token.TokenStack
	limits  transport.Negotiated
	// sendKeys and recvKeys resolve the keys of each direction by token id.
	sendKeys token.DerivedKeyProvider
	recvKeys token.DerivedKeyProvider

	sendMu sync.Mutex

	secMu      sync.RWMutex
	policy     policy.Policy
	mode       ua.MessageSecurityMode
	localCert  []byte
	localKey   *rsa.PrivateKey
	remoteCert []byte
	remoteKey  *rsa.PublicKey
	// allowed restricts the policies a server accepts in the first OPN.
	allowed []policy.Policy

	channelID uint32
}

func newSecureChannel(log *zap.SugaredLogger, factory ports.ObjectFactoryPort, metrics *MonitoringSvc, isServer bool) *secureChannel {
	sc := &secureChannel{
		log:      log,
		factory:  factory,
		metrics:  metrics,
		isServer: isServer,
		chunker:  chunk.NewMessageChunker(),
		tokens:   token.NewTokenStack(),
	}
	sc.sendKeys, sc.recvKeys = sc.tokens.ClientKeyProvider(), sc.tokens.ServerKeyProvider()
	if isServer {
		sc.sendKeys, sc.recvKeys = sc.recvKeys, sc.sendKeys
	}
	return sc
}

// startBuilder creates the receiving side once the limits are negotiated.
func (sc *secureChannel) startBuilder(handler chunk.EventHandler) {
	sc.builder = chunk.NewMessageBuilder(chunk.BuilderOptions{
		MaxChunkSize:   int(sc.limits.ReceiveBufferSize),
		MaxMessageSize: int(sc.limits.MaxMessageSize),
		MaxChunkCount:  int(sc.limits.MaxChunkCount),
		Resolver:       sc,
		ObjectFactory:  sc.factory,
	}, handler)
}

func (sc *secureChannel) ChannelID() uint32 {
	return atomic.LoadUint32(&sc.channelID)
}

func (sc *secureChannel) setChannelID(id uint32) {
	atomic.StoreUint32(&sc.channelID, id)
}

func (sc *secureChannel) security() (policy.Policy, ua.MessageSecurityMode) {
	sc.secMu.RLock()
	defer sc.secMu.RUnlock()
	return sc.policy, sc.mode
}

// OpenAsymmetric implements chunk.SecurityResolver for OPN chunks.
func (sc *secureChannel) OpenAsymmetric(h *chunk.AsymmetricSecurityHeader) (chunk.Opener, error) {
	p := policy.FromURI(h.SecurityPolicyURI)
	if p == policy.Invalid {
		return nil, errors.Wrapf(model.BadSecurityPolicyRejected, "unknown security policy %q", h.SecurityPolicyURI)
	}

	sc.secMu.Lock()
	defer sc.secMu.Unlock()
	switch {
	case sc.policy == policy.Invalid && sc.isServer:
		if !sc.accepts(p) {
			return nil, errors.Wrapf(model.BadSecurityPolicyRejected, "security policy %s is not offered", p)
		}
		sc.policy = p
	case p != sc.policy:
		return nil, errors.Wrapf(model.BadSecurityPolicyRejected, "security policy %s does not match %s", p, sc.policy)
	}
	if p == policy.None {
		return nil, nil
	}

	if len(h.SenderCertificate) == 0 {
		return nil, errors.Wrap(model.BadCertificateInvalid, "sender certificate is missing")
	}
	if len(sc.remoteCert) > 0 && !bytes.Equal(sc.remoteCert, h.SenderCertificate) {
		return nil, errors.Wrap(model.BadCertificateInvalid, "sender certificate changed")
	}
	if !bytes.Equal(h.ReceiverCertificateThumbprint, pki.Thumbprint(sc.localCert)) {
		return nil, errors.Wrap(model.BadCertificateInvalid, "receiver certificate thumbprint does not match")
	}
	remoteKey, err := pki.PublicKey(h.SenderCertificate)
	if err != nil {
		return nil, errors.Wrap(model.BadCertificateInvalid, err.Error())
	}
	strategy, err := policy.NewAsymmetricStrategy(p, sc.localKey, remoteKey)
	if err != nil {
		return nil, errors.Wrap(model.BadSecurityChecksFailed, err.Error())
	}
	sc.remoteCert = append([]byte(nil), h.SenderCertificate...)
	sc.remoteKey = remoteKey
	return strategy.Opener(), nil
}

func (sc *secureChannel) accepts(p policy.Policy) bool {
	if len(sc.allowed) == 0 {
		return p == policy.None
	}
	for _, a := range sc.allowed {
		if a == p {
			return true
		}
	}
	return false
}

// OpenSymmetric implements chunk.SecurityResolver for MSG and CLO chunks.
func (sc *secureChannel) OpenSymmetric(tokenID uint32) (chunk.Opener, error) {
	keys, err := sc.recvKeys.DerivedKeys(tokenID)
	if err != nil {
		return nil, err
	}
	if sc.isServer && tokenID > sc.tokens.CurrentID() && sc.tokens.Activate(tokenID) {
		sc.log.Infof("Client switched to security token %d ✅", tokenID)
	}
	_, mode := sc.security()
	if s := policy.NewSymmetricStrategy(keys, mode); s != nil {
		return s, nil
	}
	return nil, nil
}

// sendMessage encodes v and writes it as one secure message.
func (sc *secureChannel) sendMessage(msgType chunk.MessageType, requestID uint32, v interface{}) error {
	body := buffer.NewPartitionAt(sendPool)
	defer body.Reset()
	if err := sc.factory.Encode(body, v); err != nil {
		return err
	}

	opts := chunk.Options{
		ChunkSize:      int(sc.limits.SendBufferSize),
		ChannelID:      sc.ChannelID(),
		RequestID:      requestID,
		MaxChunkCount:  int(sc.limits.PeerMaxChunkCount),
		MaxMessageSize: int(sc.limits.PeerMaxMessageSize),
	}
	if msgType.Asymmetric() {
		if err := sc.asymmetricOptions(&opts); err != nil {
			return err
		}
	} else {
		tokenID := sc.tokens.CurrentID()
		keys, err := sc.sendKeys.DerivedKeys(tokenID)
		if err != nil {
			return err
		}
		opts.SecurityHeader = &chunk.SymmetricSecurityHeader{TokenID: tokenID}
		_, mode := sc.security()
		if s := policy.NewSymmetricStrategy(keys, mode); s != nil {
			opts.Sealer = s
		}
	}

	sc.sendMu.Lock()
	defer sc.sendMu.Unlock()
	var writeErr error
	err := sc.chunker.ChunkSecureMessage(msgType, opts, body, func(c []byte) {
		if writeErr != nil {
			return
		}
		if _, writeErr = sc.conn.Write(c); writeErr == nil {
			sc.metrics.chunkSent(msgType)
			sc.log.Debugf("Sent %s chunk %c of %d bytes", msgType, c[3], len(c))
		}
	})
	if writeErr != nil {
		return errors.Wrap(model.BadConnectionClosed, writeErr.Error())
	}
	return err
}

func (sc *secureChannel) asymmetricOptions(opts *chunk.Options) error {
	sc.secMu.RLock()
	defer sc.secMu.RUnlock()
	h := &chunk.AsymmetricSecurityHeader{SecurityPolicyURI: sc.policy.URI()}
	opts.SecurityHeader = h
	if sc.policy == policy.None {
		return nil
	}
	h.SenderCertificate = sc.localCert
	h.ReceiverCertificateThumbprint = pki.Thumbprint(sc.remoteCert)
	strategy, err := policy.NewAsymmetricStrategy(sc.policy, sc.localKey, sc.remoteKey)
	if err != nil {
		return errors.Wrap(model.BadSecurityChecksFailed, err.Error())
	}
	opts.Sealer = strategy
	return nil
}

// readLoop feeds the builder until the connection fails.
func (sc *secureChannel) readLoop(onClosed func(error)) {
	buf := make([]byte, sc.limits.ReceiveBufferSize)
	for {
		n, err := sc.conn.Read(buf)
		if n > 0 {
			sc.builder.Feed(buf[:n])
		}
		if err != nil {
			sc.builder.Dispose()
			onClosed(err)
			return
		}
	}
}

// deriveKeys computes the keys of both directions. Senders use the peer's
// nonce as secret and their own nonce as seed.
func deriveKeys(p policy.Policy, clientNonce, serverNonce []byte) (clientKeys, serverKeys *policy.DerivedKeys, err error) {
	if clientKeys, err = policy.DeriveKeys(p, serverNonce, clientNonce); err != nil {
		return nil, nil, err
	}
	if serverKeys, err = policy.DeriveKeys(p, clientNonce, serverNonce); err != nil {
		return nil, nil, err
	}
	return clientKeys, serverKeys, nil
}
