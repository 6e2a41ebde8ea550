package types

// Proposal is a candidate block together with its identity hashes. The
// hashes are computed once at construction and travel with the block;
// receivers must recompute and compare them before trusting either.
type Proposal struct {
	Hash       Hash
	HeaderHash Hash
	Block      *Block
}

// NewProposal creates a proposal for a block
func NewProposal(b *Block) *Proposal {
	return &Proposal{
		Hash:       b.Hash(),
		HeaderHash: b.Header.Hash(),
		Block:      b,
	}
}

