package cli

import (
	"fmt"
	"net"
	"os"
	"time"

	"github.com/amine-amaach/uasc/internal/config"
	"github.com/amine-amaach/uasc/internal/pki"
	"github.com/amine-amaach/uasc/internal/policy"
	"github.com/amine-amaach/uasc/internal/services"
	"github.com/amine-amaach/uasc/internal/transport"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

func duration(value string, fallback time.Duration) (time.Duration, error) {
	if value == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid duration %q", value)
	}
	return d, nil
}

func limits(cfg config.Cfg) transport.Limits {
	l := transport.DefaultLimits()
	if cfg.Channel.ReceiveBufferSize > 0 {
		l.ReceiveBufferSize = cfg.Channel.ReceiveBufferSize
	}
	if cfg.Channel.SendBufferSize > 0 {
		l.SendBufferSize = cfg.Channel.SendBufferSize
	}
	l.MaxMessageSize = cfg.Channel.MaxMessageSize
	l.MaxChunkCount = cfg.Channel.MaxChunkCount
	return l
}

func securityPolicies(cfg config.Cfg) ([]policy.Policy, error) {
	var policies []policy.Policy
	for _, name := range cfg.Channel.SecurityPolicies {
		p := policy.FromShortName(name)
		if p == policy.Invalid {
			return nil, errors.Errorf("unknown security policy %q", name)
		}
		policies = append(policies, p)
	}
	if len(policies) == 0 {
		policies = append(policies, policy.None)
	}
	return policies, nil
}

func secured(policies []policy.Policy) bool {
	for _, p := range policies {
		if p != policy.None {
			return true
		}
	}
	return false
}

// loadKeyPair loads the configured instance certificate. When none is
// configured a self-signed one is generated in memory.
func loadKeyPair(cfg config.Cfg, logger *zap.SugaredLogger) (*pki.KeyPair, error) {
	c := cfg.Certificate
	switch {
	case c.PKCS12File != "":
		return pki.LoadPKCS12(c.PKCS12File, c.PKCS12Password)
	case c.CertFile != "" && c.KeyFile != "":
		return pki.LoadPEM(c.CertFile, c.KeyFile)
	}
	host, _ := os.Hostname()
	logger.Warnln("No certificate configured, generating a self-signed one 🔐")
	return pki.Generate(pki.Options{
		AppName:         cfg.Endpoint.ApplicationName,
		Host:            host,
		AdditionalHosts: c.AdditionalHosts,
		AdditionalIPs:   c.AdditionalIPs,
	})
}

func endpointOptions(cfg config.Cfg, logger *zap.SugaredLogger, metrics *services.MonitoringSvc) (services.EndpointOptions, error) {
	var opts services.EndpointOptions
	helloTimeout, err := duration(cfg.Endpoint.HelloTimeout, 10*time.Second)
	if err != nil {
		return opts, err
	}
	openTimeout, err := duration(cfg.Endpoint.OpenTimeout, 10*time.Second)
	if err != nil {
		return opts, err
	}
	policies, err := securityPolicies(cfg)
	if err != nil {
		return opts, err
	}

	server := services.DefaultServerOptions()
	server.SecurityPolicies = policies
	server.Limits = limits(cfg)
	server.HelloTimeout = helloTimeout
	server.OpenTimeout = openTimeout
	server.Metrics = metrics
	server.Logger = logger
	if secured(policies) {
		kp, err := loadKeyPair(cfg, logger)
		if err != nil {
			return opts, errors.Wrap(err, "cannot load the server certificate")
		}
		server.Certificate = kp.Certificate
		server.PrivateKey = kp.PrivateKey
	}

	address := net.JoinHostPort(cfg.Endpoint.Host, fmt.Sprint(cfg.Endpoint.Port))
	opts = services.EndpointOptions{
		Address:         address,
		EndpointURL:     cfg.Endpoint.URL,
		ApplicationURI:  cfg.Endpoint.ApplicationURI,
		ApplicationName: cfg.Endpoint.ApplicationName,
		MaxConnections:  cfg.Endpoint.MaxConnections,
		Server:          server,
		Logger:          logger,
	}
	if mode, err := policy.ParseSecurityMode(cfg.Channel.SecurityMode); err == nil && secured(policies) && mode != 0 {
		opts.SecurityModes = append(opts.SecurityModes, mode)
	}
	return opts, nil
}

func clientOptions(cfg config.Cfg, logger *zap.SugaredLogger, metrics *services.MonitoringSvc) (services.ClientOptions, error) {
	opts := services.DefaultClientOptions()
	var err error
	if opts.TokenLifetime, err = duration(cfg.Channel.TokenLifetime, opts.TokenLifetime); err != nil {
		return opts, err
	}
	if opts.TransportTimeout, err = duration(cfg.Channel.TransportTimeout, opts.TransportTimeout); err != nil {
		return opts, err
	}
	if opts.InitialDelay, err = duration(cfg.Backoff.InitialDelay, opts.InitialDelay); err != nil {
		return opts, err
	}
	if opts.MaxDelay, err = duration(cfg.Backoff.MaxDelay, opts.MaxDelay); err != nil {
		return opts, err
	}
	opts.MaxRetry = cfg.Backoff.MaxRetry
	opts.RandomisationFactor = cfg.Backoff.RandomisationFactor
	opts.Limits = limits(cfg)
	opts.Logger = logger
	opts.Metrics = metrics
	return opts, nil
}
