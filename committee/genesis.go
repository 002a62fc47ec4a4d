// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package committee

import (
	"crypto/sha256"

	"github.com/luxfi/ids"
	"github.com/luxfi/shoal/types"
)

// Genesis returns one unsigned round-0 header template per committee
// member. Round 0 is not a distinguished special case: it requires a
// quorum of acks exactly like every later round, and round.Driver.Propose
// builds and signs each validator's actual round-0 header the same way
// it would any other header; these templates are not signed or proposed.
// Each template carries a deterministic, non-empty placeholder batch
// digest, since an empty digest is rejected by dagstore; node.Bootstrap
// uses the templates only to confirm committee membership.
func Genesis(c *Committee) []*types.Header {
	headers := make([]*types.Header, 0, len(c.order))
	for _, nodeID := range c.order {
		headers = append(headers, &types.Header{
			Author:      nodeID,
			Round:       0,
			BatchDigest: genesisBatchDigest(nodeID),
		})
	}
	return headers
}

func genesisBatchDigest(nodeID ids.NodeID) ids.ID {
	h := sha256.New()
	h.Write([]byte("shoal/genesis"))
	h.Write(nodeID[:])
	var digest ids.ID
	copy(digest[:], h.Sum(nil))
	return digest
}
