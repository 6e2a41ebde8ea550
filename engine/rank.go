package engine

// compareRanks orders two forks by targets rank, then hashes rank. It
// returns a positive value when a ranks above b.
func compareRanks(a, b *Fork) int {
	if c := a.targetsRank.Cmp(b.targetsRank); c != 0 {
		return c
	}
	return a.hashesRank.Cmp(b.hashesRank)
}

// bestForkIndex returns the index of the highest ranked fork. Ties go to
// the lowest index.
func bestForkIndex(forks []*Fork) (int, error) {
	if len(forks) == 0 {
		return 0, ErrNoForks
	}

	best := 0
	for i := 1; i < len(forks); i++ {
		if compareRanks(forks[i], forks[best]) > 0 {
			best = i
		}
	}
	return best, nil
}

// worstForkIndex returns the index of the lowest ranked fork. Ties go to
// the lowest index.
func worstForkIndex(forks []*Fork) (int, error) {
	if len(forks) == 0 {
		return 0, ErrNoForks
	}

	worst := 0
	for i := 1; i < len(forks); i++ {
		if compareRanks(forks[i], forks[worst]) < 0 {
			worst = i
		}
	}
	return worst, nil
}

// uniqueBest reports whether the fork at idx strictly outranks every other
func uniqueBest(forks []*Fork, idx int) bool {
	for i, f := range forks {
		if i != idx && compareRanks(f, forks[idx]) == 0 {
			return false
		}
	}
	return true
}
