package participant

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"streamcheck/internal/broker"
	"streamcheck/internal/client"
	"streamcheck/internal/crypto"
	"streamcheck/internal/keys"
	"streamcheck/pkg/logging"
)

// FactoryOptions is what every participant of a run shares.
type FactoryOptions struct {
	Broker *broker.Broker
	// GatewayURL is where alternate clients connect.
	GatewayURL         string
	Keys               *keys.Manager
	Cipher             *crypto.Cipher
	SignatureScheme    string
	KeyExchangeTimeout time.Duration
	Now                func() time.Time
	Logger             *logging.Logger
}

// Factory builds participants. Every participant gets its own freshly
// generated identity.
type Factory struct {
	opts FactoryOptions

	mu     sync.Mutex
	counts map[string]int
	shared *keys.GroupKey
}

// NewFactory creates a Factory.
func NewFactory(opts FactoryOptions) *Factory {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Keys == nil {
		opts.Keys = keys.NewManagerWithClock(opts.Now)
	}
	return &Factory{opts: opts, counts: make(map[string]int)}
}

// SharedKey returns the group key handed to every participant of a
// shared-key run, generating it on first use.
func (f *Factory) SharedKey() (keys.GroupKey, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.shared == nil {
		k, err := f.opts.Keys.GenerateKey()
		if err != nil {
			return keys.GroupKey{}, fmt.Errorf("failed to generate shared key: %w", err)
		}
		f.shared = &k
	}
	return *f.shared, nil
}

func (f *Factory) name(role Role, v client.Variant) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	prefix := v.String() + "-" + role.String()
	f.counts[prefix]++
	return fmt.Sprintf("%s-%d", prefix, f.counts[prefix])
}

// BuildPublisher creates an unconnected publisher.
func (f *Factory) BuildPublisher(v client.Variant, signing bool, enc Encryption) (*Participant, error) {
	id, err := crypto.NewIdentity(f.opts.SignatureScheme)
	if err != nil {
		return nil, fmt.Errorf("failed to generate publisher identity: %w", err)
	}
	p := &Participant{
		Name:       f.name(RolePublisher, v),
		Role:       RolePublisher,
		Variant:    v,
		Identity:   id,
		Signing:    signing,
		Encryption: enc,
	}

	switch enc {
	case EncryptionShared:
		k, err := f.SharedKey()
		if err != nil {
			return nil, err
		}
		p.Keyset = f.opts.Keys.AddKeyset(id.Address(), k)
	case EncryptionExchanged:
		k, err := f.opts.Keys.GenerateKey()
		if err != nil {
			return nil, fmt.Errorf("failed to generate key for %s: %w", p.Name, err)
		}
		p.Keyset = f.opts.Keys.AddKeyset(id.Address(), k)
	}

	p.Client, err = f.newClient(v, client.Options{
		Identity:    id,
		Sign:        signing,
		Keyset:      p.Keyset,
		Keys:        f.opts.Keys,
		KeyExchange: enc == EncryptionExchanged,
	})
	if err != nil {
		return nil, err
	}
	f.logDebug("Built %s %s (signing=%t, encryption=%s)", p.Name, id.Address(), signing, enc)
	return p, nil
}

// BuildSubscriber creates an unconnected subscriber with an empty recorder.
// Shared-key subscribers start out holding the shared key.
func (f *Factory) BuildSubscriber(v client.Variant, signing bool, enc Encryption) (*Participant, error) {
	id, err := crypto.NewIdentity(f.opts.SignatureScheme)
	if err != nil {
		return nil, fmt.Errorf("failed to generate subscriber identity: %w", err)
	}
	p := &Participant{
		Name:       f.name(RoleSubscriber, v),
		Role:       RoleSubscriber,
		Variant:    v,
		Identity:   id,
		Signing:    signing,
		Encryption: enc,
		Store:      keys.NewStore(f.opts.Now),
		Recorder:   NewRecorder(id.Address()),
	}

	if enc == EncryptionShared {
		k, err := f.SharedKey()
		if err != nil {
			return nil, err
		}
		p.Store.Add("", k, keys.SourceInitial)
	}

	p.Client, err = f.newClient(v, client.Options{
		Identity:    id,
		Sign:        signing,
		Store:       p.Store,
		KeyExchange: enc == EncryptionExchanged,
	})
	if err != nil {
		return nil, err
	}
	f.logDebug("Built %s %s (signing=%t, encryption=%s)", p.Name, id.Address(), signing, enc)
	return p, nil
}

func (f *Factory) newClient(v client.Variant, opts client.Options) (client.Client, error) {
	opts.KeyExchangeTimeout = f.opts.KeyExchangeTimeout
	opts.Cipher = f.opts.Cipher
	opts.Now = f.opts.Now
	opts.Logger = f.opts.Logger

	switch v {
	case client.VariantNative:
		if f.opts.Broker == nil {
			return nil, errors.New("native clients need a broker")
		}
		return client.NewNative(f.opts.Broker, opts)
	case client.VariantAlternate:
		if f.opts.GatewayURL == "" {
			return nil, errors.New("alternate clients need a gateway url")
		}
		return client.NewAlternate(f.opts.GatewayURL, opts)
	default:
		return nil, fmt.Errorf("unknown client variant %d", v)
	}
}

func (f *Factory) logDebug(format string, args ...interface{}) {
	if f.opts.Logger != nil {
		f.opts.Logger.Debug("Factory", format, args...)
	}
}
