package client

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"streamcheck/internal/broker"
	"streamcheck/internal/crypto"
	"streamcheck/internal/keys"
)

type keyFetcher func(ctx context.Context, req broker.KeyRequest) (broker.KeyResponse, error)

// codec turns publish requests into envelopes and envelopes into deliveries.
type codec struct {
	opts Options
	seq  atomic.Uint64
}

func newCodec(opts Options) (*codec, error) {
	if opts.Identity == nil {
		return nil, errors.New("client identity is required")
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.KeyExchangeTimeout <= 0 {
		opts.KeyExchangeTimeout = 5 * time.Second
	}
	if opts.Cipher == nil {
		c, err := crypto.NewCipher(64)
		if err != nil {
			return nil, err
		}
		opts.Cipher = c
	}
	return &codec{opts: opts}, nil
}

func (c *codec) address() string { return c.opts.Identity.Address() }

// servesKeys reports whether this client answers key requests.
func (c *codec) servesKeys() bool { return c.opts.KeyExchange && c.opts.Keyset != nil }

func (c *codec) encode(streamID string, req PublishRequest) (broker.Envelope, Receipt, error) {
	seq := c.seq.Add(1)
	env := broker.Envelope{
		StreamID:  streamID,
		Publisher: c.address(),
		Sequence:  seq,
		Timestamp: c.opts.Now(),
	}

	if req.KeyID == "" {
		env.Content = append([]byte(nil), req.Payload...)
	} else {
		if c.opts.Keyset == nil {
			return broker.Envelope{}, Receipt{}, errors.New("publisher has no keyset")
		}
		key, ok := c.opts.Keyset.Get(req.KeyID)
		if !ok {
			return broker.Envelope{}, Receipt{}, fmt.Errorf("%w: %s", keys.ErrUnknownKey, req.KeyID)
		}
		ct, err := c.opts.Cipher.Seal(key.ID, key.Secret, req.Payload, crypto.AssociatedData(streamID, env.Publisher, seq))
		if err != nil {
			return broker.Envelope{}, Receipt{}, fmt.Errorf("failed to encrypt message %d: %w", seq, err)
		}
		env.KeyID, env.Content = key.ID, ct

		if req.NextKeyID != "" {
			next, ok := c.opts.Keyset.Get(req.NextKeyID)
			if !ok {
				return broker.Envelope{}, Receipt{}, fmt.Errorf("%w: %s", keys.ErrUnknownKey, req.NextKeyID)
			}
			sealed, err := c.opts.Cipher.Seal(key.ID, key.Secret, next.Secret, crypto.NextKeyData(key.ID, next.ID))
			if err != nil {
				return broker.Envelope{}, Receipt{}, fmt.Errorf("failed to seal next key: %w", err)
			}
			env.NextKeyID, env.NextKey = next.ID, sealed
		}
	}

	if c.opts.Sign {
		env.Scheme = c.opts.Identity.SchemeName()
		env.PublicKey = c.opts.Identity.PublicKey()
		env.Signature = c.opts.Identity.Sign(env.SigningBytes())
	}

	return env, Receipt{
		StreamID:  streamID,
		Publisher: env.Publisher,
		Sequence:  seq,
		Timestamp: env.Timestamp,
		KeyID:     env.KeyID,
		NextKeyID: env.NextKeyID,
		Signed:    c.opts.Sign,
	}, nil
}

func (c *codec) decode(ctx context.Context, env broker.Envelope, fetch keyFetcher) Delivery {
	d := Delivery{
		StreamID:   env.StreamID,
		Publisher:  env.Publisher,
		Sequence:   env.Sequence,
		Timestamp:  env.Timestamp,
		KeyID:      env.KeyID,
		Signed:     len(env.Signature) > 0,
		ReceivedAt: c.opts.Now(),
	}

	if d.Signed {
		if err := crypto.Verify(env.Scheme, env.PublicKey, env.SigningBytes(), env.Signature, env.Publisher); err != nil {
			d.Err = fmt.Errorf("%w: %v", ErrInvalidSignature, err)
			return d
		}
	} else if c.opts.Sign {
		d.Err = fmt.Errorf("%w: message is unsigned", ErrInvalidSignature)
		return d
	}

	if env.KeyID == "" {
		d.Payload = env.Content
		return d
	}

	key, err := c.groupKey(ctx, env, fetch)
	if err != nil {
		d.Err = &DecryptionError{KeyID: env.KeyID, Reason: ReasonKeyUnavailable, Err: err}
		return d
	}
	pt, err := c.opts.Cipher.Open(key.ID, key.Secret, env.Content, crypto.AssociatedData(env.StreamID, env.Publisher, env.Sequence))
	if err != nil {
		d.Err = &DecryptionError{KeyID: env.KeyID, Reason: ReasonAuthFailed, Err: err}
		return d
	}
	d.Payload = pt

	if env.NextKeyID != "" && len(env.NextKey) > 0 && c.opts.Store != nil {
		secret, err := c.opts.Cipher.Open(key.ID, key.Secret, env.NextKey, crypto.NextKeyData(key.ID, env.NextKeyID))
		if err != nil {
			c.logWarn("Discarding unreadable next key %s from %s: %v", env.NextKeyID, env.Publisher, err)
		} else {
			c.opts.Store.Add(env.Publisher, keys.GroupKey{ID: env.NextKeyID, Secret: secret, CreatedAt: d.ReceivedAt}, keys.SourceInBand)
		}
	}
	return d
}

// groupKey finds the key env is encrypted under: held keys first, which
// include keys announced in band, then key exchange.
func (c *codec) groupKey(ctx context.Context, env broker.Envelope, fetch keyFetcher) (keys.GroupKey, error) {
	if c.opts.Store == nil {
		return keys.GroupKey{}, ErrKeyUnavailable
	}
	if held, ok := c.opts.Store.Get(env.KeyID); ok {
		return held.Key, nil
	}
	if !c.opts.KeyExchange || fetch == nil {
		return keys.GroupKey{}, ErrKeyUnavailable
	}

	ctx, cancel := context.WithTimeout(ctx, c.opts.KeyExchangeTimeout)
	defer cancel()
	resp, err := fetch(ctx, broker.KeyRequest{
		Subscriber:   c.address(),
		Publisher:    env.Publisher,
		KeyID:        env.KeyID,
		RecipientKey: c.opts.Identity.ExchangeKey(),
	})
	if err != nil {
		return keys.GroupKey{}, fmt.Errorf("%w: %v", ErrKeyUnavailable, err)
	}
	if resp.KeyID != env.KeyID {
		return keys.GroupKey{}, fmt.Errorf("%w: asked for %s, got %s", ErrKeyUnavailable, env.KeyID, resp.KeyID)
	}
	secret, err := c.opts.Identity.OpenKey(resp.KeyID, resp.Sealed)
	if err != nil {
		return keys.GroupKey{}, fmt.Errorf("%w: %v", ErrKeyUnavailable, err)
	}
	key := keys.GroupKey{ID: resp.KeyID, Secret: secret, Order: resp.Order, CreatedAt: c.opts.Now()}
	c.opts.Store.Add(env.Publisher, key, keys.SourceExchange)
	return key, nil
}

// respond answers a key request addressed to this publisher.
func (c *codec) respond(_ context.Context, req broker.KeyRequest) (broker.KeyResponse, error) {
	if req.Publisher != c.address() {
		return broker.KeyResponse{}, fmt.Errorf("key request for %s reached %s", req.Publisher, c.address())
	}

	var key keys.GroupKey
	if c.opts.Keys != nil {
		k, err := c.opts.Keys.Release(req.Subscriber, req.Publisher, req.KeyID)
		if err != nil {
			return broker.KeyResponse{}, err
		}
		key = k
	} else {
		k, ok := c.opts.Keyset.Get(req.KeyID)
		if !ok {
			return broker.KeyResponse{}, fmt.Errorf("%w: %s", keys.ErrUnknownKey, req.KeyID)
		}
		if _, revoked := c.opts.Keyset.Revocation(req.KeyID); revoked {
			return broker.KeyResponse{}, fmt.Errorf("%w: %s", keys.ErrKeyRevoked, req.KeyID)
		}
		key = k
	}

	sealed, err := crypto.SealKey(req.RecipientKey, key.ID, key.Secret)
	if err != nil {
		return broker.KeyResponse{}, fmt.Errorf("failed to seal key %s: %w", key.ID, err)
	}
	return broker.KeyResponse{KeyID: key.ID, Order: key.Order, Sealed: sealed}, nil
}

func (c *codec) logWarn(format string, args ...interface{}) {
	if c.opts.Logger != nil {
		c.opts.Logger.Warn("Client", format, args...)
	}
}
