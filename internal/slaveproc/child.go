package slaveproc

import "os"

// child is the slave-side record for one live (or just-died-but-not-yet-
// closed) subprocess. It is the Go realization of the spec's doubly-
// linked child-record list: storage is a map keyed by slave token
// instead of prev/next pointers (see design note in SPEC_FULL.md §3),
// which gives the same O(1) removal on CLOSE_HANDLE without a hand-
// rolled list.
type child struct {
	token  uint64 // slave token; used by master in KILL/CLOSE_HANDLE
	echo   uint64 // master's echo token for this child
	pid    int
	silent bool

	running    bool
	exitStatus int32 // meaningful once running == false

	stdout *os.File // nil once closed or never piped
	stderr *os.File

	// openPipes counts how many of stdout/stderr are still open. DIED is
	// deferred until both running == false and openPipes == 0 (I3).
	openPipes int

	diedSent bool // guards against emitting CHILD_DIED twice
}

// readyToReap reports whether this child still needs a CHILD_DIED
// flushed to the master. notifyDead in engine.go calls this before
// emitting.
func (c *child) readyToReap() bool {
	return !c.running && c.openPipes == 0 && !c.diedSent
}
