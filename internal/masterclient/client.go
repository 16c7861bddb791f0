package masterclient

import (
	"errors"
	"fmt"
	"net"
	"sync"

	"go.uber.org/zap"

	"github.com/zeropid/procsuper/internal/proto"
	"github.com/zeropid/procsuper/internal/tokenalloc"
	"github.com/zeropid/procsuper/internal/wire"
)

// SignalCallback is invoked once per GOT_SIGNAL response — a signal
// delivered to the worker process itself, not to one of its children.
type SignalCallback func(info proto.SigInfo)

// Context is one open connection to a worker process. All of its
// methods are safe for concurrent use; PollOnce is normally driven from
// a single dedicated goroutine (the supervisor's dispatch loop), while
// Exec/ExecPipe/Kill/Release/Quit may be called from anywhere.
type Context struct {
	log  *zap.Logger
	conn *net.UnixConn

	tokens *tokenalloc.Allocator

	writeMu sync.Mutex // serializes writes to conn across Exec/Kill/Release/Quit

	mu      sync.Mutex
	handles map[uint64]*Handle // keyed by our own echo token

	sigCallback SignalCallback
	detached    bool
}

// New wraps conn (the master end of the command socket, already
// connected to a running worker) in a Context.
func New(log *zap.Logger, conn *net.UnixConn, sigCallback SignalCallback) *Context {
	return &Context{
		log:         log,
		conn:        conn,
		tokens:      tokenalloc.New(),
		handles:     make(map[uint64]*Handle),
		sigCallback: sigCallback,
	}
}

// writeCommand serializes hdr and any following payload to the worker,
// using the reentrant write-then-poll trick on EAGAIN: if the socket
// send buffer is full, it drains any response already queued for us
// (so the worker isn't blocked writing back to us while we're blocked
// writing to it) before retrying.
func (c *Context) writeCommand(hdr proto.CommandHeader, program, user string, argv, env []string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	yield := func() error {
		err := c.pollOnceLocked(true)
		if err != nil && !errors.Is(err, wire.ErrWouldBlock) {
			return err
		}
		return nil
	}

	if err := wire.WriteFull(c.conn, hdr.Marshal(), yield); err != nil {
		return fmt.Errorf("masterclient: write command header: %w", err)
	}
	if hdr.Command != proto.CmdExec && hdr.Command != proto.CmdExecPipe {
		return nil
	}
	if err := wire.WriteVariable(c.conn, []byte(program), yield); err != nil {
		return fmt.Errorf("masterclient: write program: %w", err)
	}
	if err := wire.WriteVariable(c.conn, []byte(user), yield); err != nil {
		return fmt.Errorf("masterclient: write user: %w", err)
	}
	if err := wire.WritePack(c.conn, argv, yield); err != nil {
		return fmt.Errorf("masterclient: write argv: %w", err)
	}
	if err := wire.WritePack(c.conn, env, yield); err != nil {
		return fmt.Errorf("masterclient: write env: %w", err)
	}
	return nil
}

// execOpts configures Exec/ExecPipe.
type execOpts struct {
	user      string
	env       []string
	onData    DataCallback
	onExit    ExitCallback
	userParam any
}

// ExecOption customizes a call to Exec/ExecPipe.
type ExecOption func(*execOpts)

// WithUser requests a privilege drop to username before the child's
// execve.
func WithUser(username string) ExecOption { return func(o *execOpts) { o.user = username } }

// WithEnv sets the child's environment (nil means an empty environment,
// not the worker's own).
func WithEnv(env []string) ExecOption { return func(o *execOpts) { o.env = env } }

// WithDataCallback installs the callback invoked for every
// STDOUT_DATA/STDERR_DATA chunk. Only meaningful for ExecPipe.
func WithDataCallback(cb DataCallback) ExecOption { return func(o *execOpts) { o.onData = cb } }

// WithExitCallback installs the callback invoked once when the handle
// transitions to StateTerminated.
func WithExitCallback(cb ExitCallback) ExecOption { return func(o *execOpts) { o.onExit = cb } }

// WithUserParam attaches an opaque value retrievable via Handle.UserParam.
func WithUserParam(v any) ExecOption { return func(o *execOpts) { o.userParam = v } }

// Exec asks the worker to start program with argv, without capturing
// its output (stdout/stderr go to the worker's /dev/null).
func (c *Context) Exec(program string, argv []string, opts ...ExecOption) (*Handle, error) {
	return c.exec(proto.CmdExec, program, argv, opts)
}

// ExecPipe asks the worker to start program with argv, capturing its
// stdout and stderr; each chunk is delivered to the WithDataCallback
// option's callback as PollOnce processes responses.
func (c *Context) ExecPipe(program string, argv []string, opts ...ExecOption) (*Handle, error) {
	return c.exec(proto.CmdExecPipe, program, argv, opts)
}

func (c *Context) exec(cmd proto.Command, program string, argv []string, opts []ExecOption) (*Handle, error) {
	var o execOpts
	for _, fn := range opts {
		fn(&o)
	}

	echo := c.tokens.Alloc()
	h := &Handle{echo: echo, state: StateStarting, onExit: o.onExit, data: o.onData, userParam: o.userParam}

	c.mu.Lock()
	c.handles[echo] = h
	c.mu.Unlock()

	hdr := proto.CommandHeader{Command: cmd, MasterEcho: echo}
	if err := c.writeCommand(hdr, program, o.user, argv, o.env); err != nil {
		c.mu.Lock()
		delete(c.handles, echo)
		c.mu.Unlock()
		c.tokens.Release(echo)
		return nil, err
	}
	return h, nil
}

// Kill sends SIGTERM-or-other signal sig to h's child. A no-op if h has
// already terminated or was never started.
func (c *Context) Kill(h *Handle, sig int) error {
	h.mu.Lock()
	slaveToken := h.slaveToken
	state := h.state
	h.mu.Unlock()
	if state != StateStarted {
		return nil
	}

	hdr := proto.CommandHeader{Command: proto.CmdKill, ParamChild: slaveToken, ParamInt: int32(sig)}
	return c.writeCommand(hdr, "", "", nil, nil)
}

// Release removes h from this Context's table and frees its echo token.
// If the worker hasn't already been told to forget this child (its
// slave token is still nonzero — CHILD_CREATED arrived for a live child
// and CHILD_DIED hasn't arrived yet), it also sends CLOSE_HANDLE. Safe to call on a handle in
// any state; a no-op on the worker side if it's already gone. Callers
// that want to drop a handle before it has terminated (StateStarting or
// StateStarted) must call Release to avoid leaking the worker's
// bookkeeping for it, since CHILD_DIED's automatic CLOSE_HANDLE only
// fires once the child actually dies.
func (c *Context) Release(h *Handle) error {
	h.mu.Lock()
	slaveToken := h.slaveToken
	h.slaveToken = 0
	echo := h.echo
	h.mu.Unlock()

	c.mu.Lock()
	delete(c.handles, echo)
	c.mu.Unlock()
	c.tokens.Release(echo)

	if slaveToken == 0 {
		return nil // already released, or never produced a live child
	}
	hdr := proto.CommandHeader{Command: proto.CmdCloseHandle, ParamChild: slaveToken}
	return c.writeCommand(hdr, "", "", nil, nil)
}

// Detach marks h so future responses about it are drained but its
// callbacks are never invoked. Used when giving up ownership of a
// child without killing it.
func (c *Context) Detach(h *Handle) {
	h.mu.Lock()
	h.detached = true
	h.mu.Unlock()
}

// PollOnce reads and dispatches exactly one response from the worker.
// When probe is true, it first checks non-blockingly whether a full
// response is even available and returns wire.ErrWouldBlock without
// blocking if not — this is how a poll()-driven caller avoids stalling
// on an idle connection. When probe is false, it blocks until one
// response has been fully processed.
func (c *Context) PollOnce(probe bool) error {
	return c.pollOnceLocked(probe)
}

func (c *Context) pollOnceLocked(probe bool) error {
	hdrBuf := make([]byte, proto.ResponseHeaderSize)
	if err := wire.ReadFull(c.conn, hdrBuf, probe); err != nil {
		return err
	}
	hdr, err := proto.UnmarshalResponseHeader(hdrBuf)
	if err != nil {
		return fmt.Errorf("masterclient: decode response: %w", err)
	}

	switch hdr.Result {
	case proto.ResultChildCreated:
		return c.onChildCreated(hdr)
	case proto.ResultChildDied:
		return c.onChildDied(hdr)
	case proto.ResultStdoutData:
		return c.onData(hdr, false)
	case proto.ResultStderrData:
		return c.onData(hdr, true)
	case proto.ResultGotSignal:
		return c.onSignal()
	default:
		return fmt.Errorf("masterclient: unknown result %d", hdr.Result)
	}
}

func (c *Context) lookup(echo uint64) *Handle {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handles[echo]
}

func (c *Context) onChildCreated(hdr proto.ResponseHeader) error {
	h := c.lookup(hdr.MasterEcho)
	if h == nil {
		// Stale echo: the handle was already released locally. If the
		// worker did create a child for it, tell it to drop its record.
		if hdr.ParamChild == 0 {
			return nil
		}
		closeHdr := proto.CommandHeader{Command: proto.CmdCloseHandle, ParamChild: hdr.ParamChild}
		return c.writeCommand(closeHdr, "", "", nil, nil)
	}

	h.mu.Lock()
	h.slaveToken = hdr.ParamChild
	h.pid = int(hdr.ParamInt)
	if hdr.ParamChild == 0 {
		h.state = StateTerminated // exec failed before any child existed
	} else {
		h.state = StateStarted
	}
	terminated := h.state == StateTerminated
	detached := h.detached
	onExit := h.onExit
	h.mu.Unlock()

	if terminated && !detached && onExit != nil {
		onExit(h)
	}
	return nil
}

// onChildDied implements the CHILD_DIED step of the response dispatch
// table: record exit status, clear the slave token, advance to
// TERMINATED, invoke the state-change callback, then immediately send
// CLOSE_HANDLE carrying the slave token that was just cleared — matching
// the original's unconditional CLOSE_HANDLE right after CHILD_DIED.
func (c *Context) onChildDied(hdr proto.ResponseHeader) error {
	h := c.lookup(hdr.MasterEcho)
	if h == nil {
		return nil
	}

	h.mu.Lock()
	h.exitStatus = hdr.ParamInt
	slaveToken := h.slaveToken
	h.slaveToken = 0
	h.state = StateTerminated
	detached := h.detached
	onExit := h.onExit
	h.mu.Unlock()

	if !detached && onExit != nil {
		onExit(h)
	}

	closeHdr := proto.CommandHeader{Command: proto.CmdCloseHandle, ParamChild: slaveToken}
	return c.writeCommand(closeHdr, "", "", nil, nil)
}

func (c *Context) onData(hdr proto.ResponseHeader, stderr bool) error {
	chunk, err := wire.ReadVariable(c.conn, false)
	if err != nil {
		return fmt.Errorf("masterclient: read data chunk: %w", err)
	}
	chunk = chunk[:len(chunk)-1] // strip defensive NUL

	h := c.lookup(hdr.MasterEcho)
	if h == nil {
		return nil
	}
	h.mu.Lock()
	detached := h.detached
	cb := h.data
	h.mu.Unlock()

	if !detached && cb != nil {
		cb(h, stderr, chunk)
	}
	return nil
}

func (c *Context) onSignal() error {
	buf := make([]byte, proto.SigInfoSize)
	if err := wire.ReadFull(c.conn, buf, false); err != nil {
		return fmt.Errorf("masterclient: read siginfo: %w", err)
	}
	info, err := proto.UnmarshalSigInfo(buf)
	if err != nil {
		return err
	}
	if c.sigCallback != nil {
		c.sigCallback(info)
	}
	return nil
}

// Quit sends CmdQuit, asking the worker to kill any remaining children
// and exit. It does not wait for the worker to actually exit; callers
// that spawned the worker themselves should follow this with
// *exec.Cmd.Wait.
func (c *Context) Quit() error {
	hdr := proto.CommandHeader{Command: proto.CmdQuit}
	return c.writeCommand(hdr, "", "", nil, nil)
}

// Close closes the underlying connection. The worker is expected to
// notice and exit; callers that want an orderly worker shutdown should
// send CmdQuit first (see cmd/supervisor).
func (c *Context) Close() error {
	return c.conn.Close()
}
