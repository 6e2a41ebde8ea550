package types

import "time"

// TimeKeeper is the time context a block is verified under. Slots are
// fixed-length windows counted from the genesis timestamp.
type TimeKeeper struct {
	// GenesisTime is the genesis block timestamp in unix seconds
	GenesisTime uint64

	// SlotTime is the slot length in seconds
	SlotTime uint64

	// VerifyingSlot is the slot blocks are currently being verified for
	VerifyingSlot uint64
}

// NewTimeKeeper creates a time keeper whose verifying slot is the slot
// containing now.
func NewTimeKeeper(genesis, slotTime uint64, now time.Time) TimeKeeper {
	tk := TimeKeeper{GenesisTime: genesis, SlotTime: slotTime}
	tk.VerifyingSlot = tk.SlotAt(now)
	return tk
}

// SlotAt returns the slot containing t. Times before genesis map to slot 0.
func (tk TimeKeeper) SlotAt(t time.Time) uint64 {
	if tk.SlotTime == 0 {
		return 0
	}
	unix := t.Unix()
	if unix < 0 || uint64(unix) < tk.GenesisTime {
		return 0
	}
	return (uint64(unix) - tk.GenesisTime) / tk.SlotTime
}

// SlotStart returns the unix timestamp a slot begins at
func (tk TimeKeeper) SlotStart(slot uint64) uint64 {
	return tk.GenesisTime + slot*tk.SlotTime
}

// WithSlot returns a copy of the time keeper verifying the given slot
func (tk TimeKeeper) WithSlot(slot uint64) TimeKeeper {
	tk.VerifyingSlot = slot
	return tk
}
