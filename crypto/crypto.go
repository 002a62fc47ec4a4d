// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package crypto implements the signing/verification primitives used over
// the fixed byte encodings of headers, acks and certificates. Certificates
// keep one signature per signer rather than a single BLS-aggregated
// signature: every signature must verify individually against a known
// committee member, so that equivocation and reputation accounting can
// attribute a failure to a specific validator. True aggregation would
// make that attribution impossible after the fact.
package crypto

import (
	"errors"

	"github.com/luxfi/crypto/bls"
	"github.com/luxfi/ids"
)

// ErrInvalidSignature is returned when a signature fails verification.
var ErrInvalidSignature = errors.New("crypto: signature verification failed")

// Signer signs digests on behalf of one validator identity.
type Signer struct {
	nodeID ids.NodeID
	sk     *bls.SecretKey
}

// NewSigner wraps a secret key for nodeID.
func NewSigner(nodeID ids.NodeID, sk *bls.SecretKey) *Signer {
	return &Signer{nodeID: nodeID, sk: sk}
}

// NodeID is the identity this signer signs on behalf of.
func (s *Signer) NodeID() ids.NodeID { return s.nodeID }

// PublicKey returns the signer's public key.
func (s *Signer) PublicKey() *bls.PublicKey { return s.sk.PublicKey() }

// Sign signs digest and returns the resulting signature.
func (s *Signer) Sign(digest ids.ID) (*bls.Signature, error) {
	return s.sk.Sign(digest[:])
}

// Verify checks that sig is a valid signature by pk over digest.
func Verify(pk *bls.PublicKey, sig *bls.Signature, digest ids.ID) bool {
	if pk == nil || sig == nil {
		return false
	}
	return bls.Verify(pk, sig, digest[:])
}

// VerifyChecked is Verify but returns an error instead of a bool, for call
// sites that want to propagate a sentinel error (e.g. dagstore.AcceptHeader).
func VerifyChecked(pk *bls.PublicKey, sig *bls.Signature, digest ids.ID) error {
	if !Verify(pk, sig, digest) {
		return ErrInvalidSignature
	}
	return nil
}
