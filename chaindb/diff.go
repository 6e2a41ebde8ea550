package chaindb

// TreeOp is a single key write or removal within a tree
type TreeOp struct {
	Tree   string
	Key    []byte
	Value  []byte
	Delete bool
}

// StateDiff is the set of changes an overlay made relative to the
// canonical store it was created over.
type StateDiff struct {
	// NewTrees are created before any op is applied
	NewTrees []string

	// Ops are applied in order
	Ops []TreeOp

	// DropTrees are removed after all ops are applied
	DropTrees []string
}

// IsEmpty reports whether applying the diff would change nothing
func (d *StateDiff) IsEmpty() bool {
	return d == nil || (len(d.NewTrees) == 0 && len(d.Ops) == 0 &&
		len(d.DropTrees) == 0)
}

// Trees returns the distinct tree names the diff touches
func (d *StateDiff) Trees() []string {
	seen := make(map[string]struct{})
	var trees []string
	add := func(name string) {
		if _, ok := seen[name]; !ok {
			seen[name] = struct{}{}
			trees = append(trees, name)
		}
	}
	for _, name := range d.NewTrees {
		add(name)
	}
	for _, op := range d.Ops {
		add(op.Tree)
	}
	for _, name := range d.DropTrees {
		add(name)
	}
	return trees
}
