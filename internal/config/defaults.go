package config

import "time"

// GetDefaultConfig returns the default configuration for streamcheck: one
// publisher and three subscribers per runtime variant, thirty messages each,
// published every 800-2000ms.
func GetDefaultConfig() Config {
	return Config{
		LogLevel: "info",
		Participants: ParticipantCounts{
			NativePublishers:     1,
			AlternatePublishers:  1,
			NativeSubscribers:    3,
			AlternateSubscribers: 3,
		},
		Publish: PublishSettings{
			MinInterval: 800 * time.Millisecond,
			MaxInterval: 2000 * time.Millisecond,
			MaxMessages: 30,
		},
		Verify: true,
		Resend: ResendSettings{
			FromDelay:     8 * time.Second,
			LastDelay:     12 * time.Second,
			LastCount:     1000,
			JoinTolerance: 500 * time.Millisecond,
		},
		Crypto: CryptoSettings{
			SignatureScheme: "Ed25519",
			CipherCacheSize: 256,
		},
		Broker: BrokerSettings{
			GatewayAddr: "127.0.0.1:0",
		},
		Run: RunSettings{
			PollInterval:       time.Second,
			KeyExchangeTimeout: 5 * time.Second,
			DrainTimeout:       10 * time.Second,
		},
	}
}
