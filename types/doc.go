// Package types defines the core data structures shared by the forkberry
// fork-choice engine and its collaborators.
//
// # Core Types
//
// Header: Version, previous block hash, height, production slot, timestamp,
// PoW nonce and the merkle root of the block's transactions.
//
// Block: A header plus opaque transaction payloads. The first transaction
// is always the Coinbase paying the block reward.
//
// Proposal: A block with its content hash and header hash, precomputed by
// the producer. Receivers recompute both before admitting the proposal.
//
// TimeKeeper: The slot clock a block is verified under.
//
// # Serialization
//
// Headers and coinbase payloads are lnd TLV streams. Blocks wrap the header
// and the transactions in Bitcoin-style var-int/var-bytes framing. The
// encoding is deterministic, so hashes are reproducible across nodes.
//
// # Hashing
//
// Blocks and headers are identified by double SHA-256 (chainhash) of their
// canonical encoding. Transactions use single SHA-256.
//
// # Usage Example
//
//	coinbase := &types.Coinbase{Height: 1, Reward: reward}
//	block := types.NewBlock(types.Header{
//	    Version:  types.BlockVersion,
//	    Previous: genesis.Hash(),
//	    Height:   1,
//	    Slot:     1,
//	}, [][]byte{coinbase.Bytes()})
//	proposal := types.NewProposal(block)
package types
