package validator

const (
	// InitialReward is the coinbase reward of the first mined block
	InitialReward uint64 = 20_0000_0000

	// HalvingInterval is the number of blocks between reward halvings
	HalvingInterval uint64 = 500_000
)

// ExpectedReward returns the coinbase reward a block at height must pay.
// Genesis pays nothing.
func ExpectedReward(height uint64) uint64 {
	if height == 0 {
		return 0
	}
	halvings := (height - 1) / HalvingInterval
	if halvings >= 64 {
		return 0
	}
	return InitialReward >> halvings
}
