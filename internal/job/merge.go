package job

// mergeVerbs implements the verb×verb merge table: when a new job lands on
// a unit that already has one queued, either the two collapse into a single
// verb or they conflict and the transaction's mode decides the outcome.
func mergeVerbs(old, new Verb) (Verb, bool) {
	if old == new {
		return old, true
	}
	// Nop and Verify are absorbed by anything.
	if old == Nop || old == Verify {
		return new, true
	}
	if new == Nop || new == Verify {
		return old, true
	}
	// Restart subsumes the operations it is composed of.
	switch {
	case old == Restart && (new == Start || new == Reload || new == TryRestart):
		return Restart, true
	case new == Restart && (old == Start || old == Reload || old == TryRestart):
		return Restart, true
	case old == TryRestart && new == Reload, old == Reload && new == TryRestart:
		return TryRestart, true
	case old == Start && new == Reload, old == Reload && new == Start:
		return Start, true
	}
	// Everything else (start vs stop in any combination) conflicts.
	return 0, false
}
