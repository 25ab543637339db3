package relay

import (
	"encoding/hex"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcec/v2/schnorr"
)

// FutureTolerance bounds how far into the future an event's created_at
// may be before it is rejected. Overridable by config; this is the
// spec-mandated default (900 seconds).
const FutureTolerance = 900 * time.Second

// Rejection describes why an event failed validation. Reason is always
// prefixed "invalid:".
type Rejection struct {
	Reason string
}

func (r Rejection) Error() string { return r.Reason }

func invalidf(format string, args ...any) Rejection {
	return Rejection{Reason: "invalid: " + fmt.Sprintf(format, args...)}
}

// Validator performs structural, identity-hash, signature, and
// timestamp validation. It is pure and free of I/O; construct one per
// process (or per worker) and reuse it.
type Validator struct {
	// FutureTolerance overrides the package default when non-zero.
	FutureTolerance time.Duration
}

// NewValidator returns a Validator using the given future-timestamp
// tolerance. A zero duration falls back to FutureTolerance.
func NewValidator(futureTolerance time.Duration) *Validator {
	return &Validator{FutureTolerance: futureTolerance}
}

func (v *Validator) tolerance() time.Duration {
	if v.FutureTolerance > 0 {
		return v.FutureTolerance
	}
	return FutureTolerance
}

// Validate runs the structural, identity-hash, signature, and timestamp
// checks in order and returns either a usable Event or a Rejection
// explaining the first failure found. now is injected for testability.
func (v *Validator) Validate(e *Event, now time.Time) (*Event, error) {
	if err := validateStructure(e); err != nil {
		return nil, err
	}

	id, err := e.ComputeID()
	if err != nil {
		return nil, invalidf("failed to compute canonical id: %v", err)
	}
	if id != e.ID {
		return nil, invalidf("id does not match sha256 of canonical serialization")
	}

	if err := verifySignature(e); err != nil {
		return nil, err
	}

	bound := now.Add(v.tolerance()).Unix()
	if e.CreatedAt > bound {
		return nil, invalidf("created_at is too far in the future")
	}

	return e, nil
}

func validateStructure(e *Event) error {
	if !isLowerHex(e.ID, 64) {
		return invalidf("id must be 64 lowercase hex characters")
	}
	if !isLowerHex(e.PubKey, 64) {
		return invalidf("pubkey must be 64 lowercase hex characters")
	}
	if !isLowerHex(e.Sig, 128) {
		return invalidf("sig must be 128 lowercase hex characters")
	}
	if e.Kind < 0 || e.Kind > 65535 {
		return invalidf("kind %d out of range [0,65535]", e.Kind)
	}
	for i, tag := range e.Tags {
		if len(tag) < 1 {
			return invalidf("tag %d must have at least one element", i)
		}
	}
	return nil
}

func isLowerHex(s string, length int) bool {
	if len(s) != length {
		return false
	}
	for _, c := range s {
		switch {
		case c >= '0' && c <= '9':
		case c >= 'a' && c <= 'f':
		default:
			return false
		}
	}
	return true
}

// verifySignature checks e.Sig against e.ID under e.PubKey using
// BIP-340 Schnorr verification.
func verifySignature(e *Event) error {
	idBytes, err := hex.DecodeString(e.ID)
	if err != nil || len(idBytes) != 32 {
		return invalidf("malformed id")
	}
	pubBytes, err := hex.DecodeString(e.PubKey)
	if err != nil || len(pubBytes) != 32 {
		return invalidf("malformed pubkey")
	}
	sigBytes, err := hex.DecodeString(e.Sig)
	if err != nil || len(sigBytes) != 64 {
		return invalidf("malformed sig")
	}

	pubKey, err := schnorr.ParsePubKey(pubBytes)
	if err != nil {
		return invalidf("invalid pubkey: %v", err)
	}

	sig, err := schnorr.ParseSignature(sigBytes)
	if err != nil {
		return invalidf("invalid signature encoding: %v", err)
	}

	if !sig.Verify(idBytes, pubKey) {
		return invalidf("signature verification failed")
	}

	return nil
}
