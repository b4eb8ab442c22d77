// Package orchestrator runs one scenario end to end.
//
// A run moves through fixed stages:
//
//	Idle -> Built -> Running -> Stopped -> Verified -> Done
//
// Build creates the run context (ledger, key manager, embedded broker and
// gateway) and the scenario's participants. Start connects them, attaches
// subscribers according to the scenario's resend policy and starts the
// publishers. Wait returns once every publisher has sent its messages and
// every delayed attach has fired, or when the caller cancels. Stop is the
// barrier after which the ledger is frozen and no delivery is in flight.
// Verify is skipped for unbounded runs.
//
// Stages cannot be repeated or reordered; doing so returns an error wrapping
// ErrInvalidTransition.
package orchestrator
