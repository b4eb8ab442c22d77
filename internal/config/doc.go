// Package config provides configuration management for streamcheck.
//
// This package implements a layered configuration system. Configuration is
// loaded from multiple sources and merged in a specific order, with later
// sources overriding earlier ones key by key.
//
// # Configuration Layers
//
//  1. Default Configuration (embedded in binary)
//     - One publisher and three subscribers per runtime variant
//     - Thirty messages per publisher, 800-2000ms apart
//
//  2. User Configuration (~/.config/streamcheck/config.yaml)
//     - Personal overrides that apply to every run
//
//  3. Project Configuration (./.streamcheck/config.yaml)
//     - Settings shared by a team through version control
//
// An explicit file passed with --config replaces layers 2 and 3.
//
// # Configuration Structure
//
//	logLevel: info
//	participants:
//	  nativePublishers: 1
//	  alternatePublishers: 1
//	  nativeSubscribers: 3
//	  alternateSubscribers: 3
//	publish:
//	  minInterval: 800ms
//	  maxInterval: 2s
//	  maxMessages: 30       # 0 runs until interrupted
//	verify: true
//	resend:
//	  fromDelay: 8s         # delay of the resend-from subscriber
//	  lastDelay: 12s        # delay of the resend-last subscriber
//	  lastCount: 1000       # N for resend-last
//	  joinTolerance: 500ms
//	crypto:
//	  signatureScheme: Ed25519
//	broker:
//	  gatewayAddr: 127.0.0.1:0
//	  jitter: 0s
//	run:
//	  pollInterval: 1s
//	  keyExchangeTimeout: 5s
//	  drainTimeout: 10s
//	  reportDir: ./reports
//	  ledgerDump: ./ledger.db
//
// Invalid values are reported by Validate as a *ConfigurationError before
// anything is built.
package config
