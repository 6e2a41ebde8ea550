package types

import (
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// Hash is the 32-byte digest used for blocks, headers and transactions.
type Hash = chainhash.Hash

// HashSize is the expected size of a hash in bytes
const HashSize = chainhash.HashSize

// NewHash copies a stored 32-byte digest into a Hash
func NewHash(data []byte) (Hash, error) {
	var h Hash
	if len(data) != HashSize {
		return h, fmt.Errorf("hash must be %d bytes, got %d", HashSize, len(data))
	}
	copy(h[:], data)
	return h, nil
}

// HashBytes computes the double SHA-256 digest of data
func HashBytes(data []byte) Hash {
	return chainhash.DoubleHashH(data)
}

// TxHash computes the identifier of an opaque transaction
func TxHash(tx []byte) Hash {
	return chainhash.HashH(tx)
}

// IsHashEmpty reports whether h is nil or the zero hash, which is the
// previous-block hash of genesis
func IsHashEmpty(h *Hash) bool {
	return h == nil || *h == Hash{}
}

// MerkleRoot computes the root of a binary merkle tree over the given
// leaves. Odd levels duplicate their last node. An empty leaf set yields
// the zero hash.
func MerkleRoot(leaves []Hash) Hash {
	if len(leaves) == 0 {
		return Hash{}
	}

	level := make([]Hash, len(leaves))
	copy(level, leaves)

	for len(level) > 1 {
		if len(level)%2 == 1 {
			level = append(level, level[len(level)-1])
		}
		next := make([]Hash, 0, len(level)/2)
		for i := 0; i < len(level); i += 2 {
			var buf [HashSize * 2]byte
			copy(buf[:HashSize], level[i][:])
			copy(buf[HashSize:], level[i+1][:])
			next = append(next, chainhash.DoubleHashH(buf[:]))
		}
		level = next
	}

	return level[0]
}
