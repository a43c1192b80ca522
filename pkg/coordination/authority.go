package coordination

// Authority designates which node may issue cluster-mutating
// operations. The contract is "exactly one coordinator at a time,
// eventually": brief windows with zero or two believers are tolerated
// because every mutating operation in Grove is idempotent and safe to
// double-issue.
type Authority interface {
	// IsCoordinator reports whether this node currently holds
	// coordination authority.
	IsCoordinator() bool

	// LeaderAddr returns the advertised address of the current
	// coordinator, or "" when unknown.
	LeaderAddr() string
}

// Static is a fixed-answer Authority for tests and single-node runs.
type Static struct {
	Coordinator bool
	Addr        string
}

func (s Static) IsCoordinator() bool { return s.Coordinator }
func (s Static) LeaderAddr() string  { return s.Addr }
