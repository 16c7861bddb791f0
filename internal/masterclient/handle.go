// Package masterclient implements the unprivileged master half of the
// control-plane protocol: it talks to one worker process over a stream
// socket, tracks the child handles it has created, and dispatches each
// inbound response to the handle (or signal callback) it belongs to.
package masterclient

import "sync"

// State is a child handle's position in its lifecycle. The transitions
// are STARTING -> STARTED -> TERMINATED; a handle never leaves
// TERMINATED.
type State int

const (
	// StateStarting is set the instant Exec/ExecPipe returns, before the
	// worker has answered with CHILD_CREATED.
	StateStarting State = iota
	// StateStarted means CHILD_CREATED arrived with a non-zero slave
	// token: the child exists and Pid/SlaveToken are valid.
	StateStarted
	// StateTerminated means either CHILD_CREATED arrived with a null
	// slave token (exec failed) or CHILD_DIED arrived for a started
	// child. ExitStatus is valid only in the latter case.
	StateTerminated
)

// DataCallback is invoked once per STDOUT_DATA/STDERR_DATA response,
// with the exact byte chunk the slave forwarded (chunk boundaries are
// not message boundaries).
type DataCallback func(h *Handle, stderr bool, chunk []byte)

// ExitCallback is invoked exactly once, when a handle transitions to
// StateTerminated.
type ExitCallback func(h *Handle)

// Handle is the master-side record for one child the worker was asked
// to start. It is returned by Exec/ExecPipe and stays valid (readable)
// after the child has terminated until the caller passes it to
// Context.Release.
type Handle struct {
	mu sync.Mutex

	echo       uint64 // this handle's own echo token, chosen by the client
	slaveToken uint64 // set once CHILD_CREATED arrives with a non-zero token
	pid        int
	detached   bool

	state      State
	exitStatus int32

	onExit ExitCallback
	data   DataCallback

	userParam any
}

// State returns the handle's current lifecycle state.
func (h *Handle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Pid returns the child's pid. Valid once State() != StateStarting and
// the exec actually succeeded; 0 otherwise.
func (h *Handle) Pid() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.pid
}

// ExitStatus returns the raw wait status the kernel reported (decode
// with syscall.WaitStatus). Valid only once State() == StateTerminated
// and the exec had actually succeeded.
func (h *Handle) ExitStatus() int32 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exitStatus
}

// UserParam returns the opaque value the caller attached to this
// handle at creation time.
func (h *Handle) UserParam() any { return h.userParam }

// Detached reports whether this handle has been detached (see
// Context.Detach): a detached handle's callbacks are never invoked
// again, though PollOnce still reaps and discards its events.
func (h *Handle) Detached() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.detached
}
