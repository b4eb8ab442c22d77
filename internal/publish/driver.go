// Package publish drives publishers: one message per random interval, with
// key rotation and revocation scheduled from each publisher's own message
// counter.
package publish

// Step says what a publisher does around its n-th message.
type Step struct {
	// Rotate generates a new key. The n-th message announces it in band, and
	// later messages are encrypted under it.
	Rotate bool
	// Revoke revokes the publisher's oldest key still in use after the n-th
	// message. A key generated on the same step is not announced in band.
	Revoke bool
}

// Func maps a 1-based message number to its Step.
type Func func(n int) Step

// Steady never rotates or revokes.
func Steady() Func {
	return func(int) Step { return Step{} }
}

// Rotating rotates after every `every` messages.
func Rotating(every int) Func {
	return func(n int) Step {
		return Step{Rotate: every > 0 && n%every == 0}
	}
}

// RotatingRevoking rotates after every `rotateEvery` messages and also
// rotates and revokes after every `revokeEvery` messages.
func RotatingRevoking(rotateEvery, revokeEvery int) Func {
	rotate := Rotating(rotateEvery)
	return func(n int) Step {
		s := rotate(n)
		if revokeEvery > 0 && n%revokeEvery == 0 {
			s.Rotate, s.Revoke = true, true
		}
		return s
	}
}
