// Package harness holds the context of one scenario run: its identity, clock,
// logger, ledger, key registry and the broker under test. Every component of
// a run receives it explicitly, so runs share no state and may execute
// concurrently.
package harness

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"streamcheck/internal/broker"
	"streamcheck/internal/config"
	"streamcheck/internal/crypto"
	"streamcheck/internal/keys"
	"streamcheck/internal/ledger"
	"streamcheck/internal/participant"
	"streamcheck/pkg/logging"
)

// Run is the context of one scenario run.
type Run struct {
	ID       string
	StreamID string
	Config   config.Config
	Logger   *logging.Logger
	Now      func() time.Time

	Ledger     *ledger.Ledger
	Keys       *keys.Manager
	Cipher     *crypto.Cipher
	// Broker and Gateway are nil when testing an external gateway.
	Broker     *broker.Broker
	Gateway    *broker.Gateway
	GatewayURL string
	Factory    *participant.Factory
}

// Option customizes a Run.
type Option func(*Run, *broker.Options)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(r *Run, _ *broker.Options) { r.Now = now }
}

// WithInterceptor installs a broker delivery interceptor.
func WithInterceptor(i broker.Interceptor) Option {
	return func(_ *Run, o *broker.Options) { o.Interceptor = i }
}

// New creates the context for a run of scenarioName and starts its broker
// and gateway.
func New(cfg config.Config, scenarioName string, logger *logging.Logger, opts ...Option) (*Run, error) {
	if logger == nil {
		logger = logging.Discard()
	}
	id := uuid.NewString()
	r := &Run{
		ID:       id,
		StreamID: fmt.Sprintf("%s/%s", scenarioName, id[:8]),
		Config:   cfg,
		Now:      time.Now,
		Ledger:   ledger.New(),
	}
	r.Logger = logger.With("run", id[:8], "scenario", scenarioName)

	bopts := broker.Options{Jitter: cfg.Broker.Jitter}
	for _, opt := range opts {
		opt(r, &bopts)
	}
	bopts.Now = r.Now
	bopts.Logger = r.Logger

	cipher, err := crypto.NewCipher(cfg.Crypto.CipherCacheSize)
	if err != nil {
		return nil, err
	}
	r.Cipher = cipher
	r.Keys = keys.NewManagerWithClock(r.Now)

	if cfg.Broker.IsExternal() {
		// the deployment under test is the broker; nothing is embedded
		r.GatewayURL = cfg.Broker.ExternalURL
		r.Logger.Info("Harness", "Testing external gateway %s", r.GatewayURL)
	} else {
		r.Broker = broker.New(bopts)
		r.Gateway = broker.NewGateway(r.Broker, r.Logger)
		r.GatewayURL, err = r.Gateway.Start(cfg.Broker.GatewayAddr)
		if err != nil {
			_ = r.Broker.Close(context.Background())
			return nil, fmt.Errorf("failed to start gateway: %w", err)
		}
	}

	r.Factory = participant.NewFactory(participant.FactoryOptions{
		Broker:             r.Broker,
		GatewayURL:         r.GatewayURL,
		Keys:               r.Keys,
		Cipher:             r.Cipher,
		SignatureScheme:    cfg.Crypto.SignatureScheme,
		KeyExchangeTimeout: cfg.Run.KeyExchangeTimeout,
		Now:                r.Now,
		Logger:             r.Logger,
	})
	return r, nil
}

// Close stops the embedded gateway and broker. It is a no-op against an
// external gateway.
func (r *Run) Close(ctx context.Context) error {
	if r.Broker == nil {
		return nil
	}
	return errors.Join(r.Gateway.Close(ctx), r.Broker.Close(ctx))
}
