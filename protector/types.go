package protector

import "github.com/attestantio/go-eth2-client/spec/phase0"

// PubKey is the opaque public key a validator signs with. The engine never
// interprets its bytes.
type PubKey = phase0.BLSPubKey

// ValidatorID is the internal numeric identifier assigned to a registered
// public key. Ids are immutable once assigned; callers must never depend on
// specific values, only on stability across calls.
type ValidatorID uint64

// Root is a signing root. The zero value is NOT "the zero hash" - it is
// "absent". Valid distinguishes a concrete 32-byte root from a record whose
// content is unknown ("existence asserted, content unknown").
type Root struct {
	Value phase0.Root
	Valid bool
}

// NewRoot wraps a concrete signing root.
func NewRoot(v phase0.Root) Root {
	return Root{Value: v, Valid: true}
}

// Equal reports whether two roots denote the same signed artifact. Two
// absent roots are never equal to each other or to anything else - an
// absent root forbids any future signing at its coordinate, it never
// authorizes a re-sign.
func (r Root) Equal(other Root) bool {
	if !r.Valid || !other.Valid {
		return false
	}
	return r.Value == other.Value
}

// Validator is a registered signer identity.
type Validator struct {
	ID        ValidatorID
	PublicKey PubKey
}

// SignedBlock is a block proposal this engine has already permitted and
// recorded for a validator.
type SignedBlock struct {
	ValidatorID ValidatorID
	Slot        uint64
	SigningRoot Root
}

// SignedAttestation is an attestation this engine has already permitted and
// recorded for a validator.
type SignedAttestation struct {
	ValidatorID ValidatorID
	Source      uint64
	Target      uint64
	SigningRoot Root
}

// Watermarks holds the per-validator pruning floors. A nil pointer means
// "not yet established"; once set, a watermark never decreases.
type Watermarks struct {
	ValidatorID       ValidatorID
	MinBlockSlot      *uint64
	MinAttSourceEpoch *uint64
	MinAttTargetEpoch *uint64
}

// WatermarkUpdate is the input to SetWatermarks: any nil field leaves the
// corresponding watermark untouched.
type WatermarkUpdate struct {
	BlockSlot    *uint64
	SourceEpoch  *uint64
	TargetEpoch  *uint64
}

// Check is the outcome of a signing decision, returned to callers that want
// a human-readable reason alongside the boolean verdict.
type Check struct {
	Slashable bool   `json:"slashable"`
	Reason    string `json:"reason,omitempty"`
}
