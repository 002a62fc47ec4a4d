// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package node

import "github.com/luxfi/ids"

// ViolationKind classifies a protocol violation observed by this node.
type ViolationKind int

const (
	// ViolationEquivocation means a validator signed two distinct
	// headers for the same round.
	ViolationEquivocation ViolationKind = iota
	// ViolationBadSignature means a message carried a signature that
	// failed to verify against its claimed signer.
	ViolationBadSignature
)

func (k ViolationKind) String() string {
	switch k {
	case ViolationEquivocation:
		return "equivocation"
	case ViolationBadSignature:
		return "bad_signature"
	default:
		return "unknown"
	}
}

// ViolationEvent is emitted whenever this node observes another
// validator misbehave, so an embedding process can alert on repeated
// Byzantine behavior instead of relying solely on log lines.
type ViolationEvent struct {
	Kind      ViolationKind
	Validator ids.NodeID
	Round     uint64
	Detail    string
}
