//go:build linux

// Package slaveproc implements the privileged slave half of the
// control-plane protocol: it owns real child processes, their stdout/
// stderr pipes, reaps them, and forwards signals and exec/kill/quit
// commands exchanged with the master over a stream socket.
//
// The spec models this as a single-threaded poll loop over three fd
// classes (self-pipe, command socket, child pipes). This realizes the
// same externally observable ordering with goroutines fanning data into
// one channel consumed by a single dispatcher goroutine, which is the
// only writer of the response socket and the only mutator of the child
// table — see SPEC_FULL.md §4.2 for the rationale, grounded on this
// codebase's process.supervise() pipeDone fan-in.
package slaveproc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/zeropid/procsuper/internal/privilege"
	"github.com/zeropid/procsuper/internal/proto"
	"github.com/zeropid/procsuper/internal/tokenalloc"
	"github.com/zeropid/procsuper/internal/wire"
)

// Engine is the slave-side control-plane endpoint. One Engine owns one
// command socket and every child it spawns through it.
type Engine struct {
	log      *zap.Logger
	conn     *net.UnixConn
	pid1     bool
	resolver privilege.Resolver

	tokens   *tokenalloc.Allocator
	children map[uint64]*child
	pidIndex map[int]uint64

	devnull *os.File
	events  chan event
}

// New constructs an Engine around conn, the slave end of the command
// socket. pid1 selects the reaping strategy described in SPEC_FULL.md
// §4.2 (subreaper prctl when false; PID 1 is always the reaper of last
// resort when true). resolver resolves the user names named in EXEC
// requests to credentials; pass nil to reject any exec that names one.
func New(log *zap.Logger, conn *net.UnixConn, pid1 bool, resolver privilege.Resolver) (*Engine, error) {
	devnull, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("slaveproc: open %s: %w", os.DevNull, err)
	}

	if err := setCloseOnExec(conn); err != nil {
		devnull.Close()
		return nil, fmt.Errorf("slaveproc: cloexec command socket: %w", err)
	}

	if !pid1 {
		// Become the local subreaper so grandchildren orphaned within our
		// own subtree reparent to us instead of escaping to real PID 1.
		if err := unix.Prctl(unix.PR_SET_CHILD_SUBREAPER, 1, 0, 0, 0); err != nil {
			log.Warn("failed to set child subreaper", zap.Error(err))
		}
	}

	return &Engine{
		log:      log,
		conn:     conn,
		pid1:     pid1,
		resolver: resolver,
		tokens:   tokenalloc.New(),
		children: make(map[uint64]*child),
		pidIndex: make(map[int]uint64),
		devnull:  devnull,
		events:   make(chan event, 256),
	}, nil
}

// setCloseOnExec marks conn's underlying fd close-on-exec. The fd
// arrives deliberately NOT close-on-exec (it has to survive the worker
// re-exec to be usable at all), so this must run before the first user
// child is ever forked — invariant I4.
func setCloseOnExec(conn *net.UnixConn) error {
	raw, err := conn.SyscallConn()
	if err != nil {
		return err
	}
	var ctrlErr error
	err = raw.Control(func(fd uintptr) {
		_, ctrlErr = unix.FcntlInt(fd, unix.F_SETFD, unix.FD_CLOEXEC)
	})
	if err != nil {
		return err
	}
	return ctrlErr
}

// Run drives the dispatcher loop until the socket is torn down, QUIT is
// received, or ctx is cancelled. It always closes conn before returning.
func (e *Engine) Run(ctx context.Context) error {
	defer e.conn.Close()
	defer e.devnull.Close()

	sigCh := make(chan os.Signal, 64)
	signal.Notify(sigCh)
	defer signal.Stop(sigCh)

	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		e.readCommands()
	}()

	go func() {
		for {
			select {
			case s, ok := <-sigCh:
				if !ok {
					return
				}
				sig, ok := s.(syscall.Signal)
				if !ok {
					continue
				}
				select {
				case e.events <- sigEvent{sig: sig}:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case ev := <-e.events:
			if stop := e.dispatch(ev); stop {
				return nil
			}
		case <-readerDone:
			// Command reader hit a fatal transport error or QUIT already
			// drained every queued event; fall through and quiesce.
			e.fatalExit(errors.New("slaveproc: command socket closed"))
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// dispatch handles one event on the single dispatcher goroutine. It
// returns true when the engine should stop (QUIT processed).
func (e *Engine) dispatch(ev event) bool {
	switch v := ev.(type) {
	case cmdEvent:
		return e.dispatchCommand(v)
	case pipeDataEvent:
		e.handlePipeData(v)
	case pipeEOFEvent:
		e.handlePipeEOF(v)
	case sigEvent:
		e.handleSignal(v.sig)
	case commandReadErrEvent:
		e.fatalExit(v.err)
		return true
	}
	return false
}

func (e *Engine) dispatchCommand(ev cmdEvent) bool {
	switch ev.hdr.Command {
	case proto.CmdExec:
		e.handleExec(ev, false)
	case proto.CmdExecPipe:
		e.handleExec(ev, true)
	case proto.CmdCloseHandle:
		e.handleCloseHandle(ev.hdr.ParamChild)
	case proto.CmdKill:
		e.handleKill(ev.hdr.ParamChild, ev.hdr.ParamInt)
	case proto.CmdQuit:
		e.handleQuit()
		return true
	default:
		e.log.Warn("unknown command, treating as fatal", zap.Uint32("command", uint32(ev.hdr.Command)))
		e.fatalExit(fmt.Errorf("slaveproc: unknown command %d", ev.hdr.Command))
		return true
	}
	return false
}

// readCommands is the sole reader of the command socket. It blocks
// reading one CommandHeader at a time (slave reads are always blocking,
// per SPEC_FULL.md §4.1) and, for EXEC/EXEC_PIPE, the four variable/pack
// records that follow, then hands the assembled command to the
// dispatcher over the events channel.
func (e *Engine) readCommands() {
	for {
		hdrBuf := make([]byte, proto.CommandHeaderSize)
		if err := wire.ReadFull(e.conn, hdrBuf, false); err != nil {
			e.events <- commandReadErrEvent{err: err}
			return
		}
		hdr, err := proto.UnmarshalCommandHeader(hdrBuf)
		if err != nil {
			e.events <- commandReadErrEvent{err: err}
			return
		}

		ev := cmdEvent{hdr: hdr}

		if hdr.Command == proto.CmdExec || hdr.Command == proto.CmdExecPipe {
			program, err := wire.ReadVariable(e.conn, false)
			if err != nil {
				e.events <- commandReadErrEvent{err: err}
				return
			}
			user, err := wire.ReadVariable(e.conn, false)
			if err != nil {
				e.events <- commandReadErrEvent{err: err}
				return
			}
			argv, err := wire.ReadPack(e.conn)
			if err != nil {
				e.events <- commandReadErrEvent{err: err}
				return
			}
			env, err := wire.ReadPack(e.conn)
			if err != nil {
				e.events <- commandReadErrEvent{err: err}
				return
			}
			ev.program = string(program[:len(program)-1])
			ev.user = string(user[:len(user)-1])
			ev.argv = argv[:len(argv)-1] // drop pack sentinel
			ev.env = env[:len(env)-1]
		}

		if hdr.Command == proto.CmdQuit {
			e.events <- ev
			return
		}
		e.events <- ev
	}
}

func (e *Engine) writeResponse(h proto.ResponseHeader) error {
	return wire.WriteFull(e.conn, h.Marshal(), nil)
}

func (e *Engine) writeVariable(payload []byte) error {
	return wire.WriteVariable(e.conn, payload, nil)
}

// handleExec implements the exec flow of SPEC_FULL.md §4.2: resolve the
// privilege-drop credential (if a user name was given), wire up pipes or
// /dev/null, start the command, and respond CHILD_CREATED (or a null
// slave token on failure).
func (e *Engine) handleExec(ev cmdEvent, piped bool) {
	if ev.program == "" {
		e.writeResponse(proto.ResponseHeader{MasterEcho: ev.hdr.MasterEcho, Result: proto.ResultChildCreated})
		return
	}
	argv := ev.argv
	if len(argv) == 0 {
		// No explicit argv given: conventional argv[0] is the program path.
		argv = []string{ev.program}
	}

	// Path and Args are set separately (not via exec.Command(argv[0], ...))
	// so argv[0] may differ from the actual executable path, matching
	// execve(path, argv, envp) semantics rather than shell-style lookup.
	cmd := &exec.Cmd{Path: ev.program, Args: argv}
	cmd.Env = ev.env
	cmd.Stdin = e.devnull

	attr := &syscall.SysProcAttr{Pdeathsig: syscall.SIGKILL}

	if ev.user != "" {
		if e.resolver == nil {
			e.log.Warn("exec named a user but no privilege resolver is configured", zap.String("user", ev.user))
			e.writeResponse(proto.ResponseHeader{MasterEcho: ev.hdr.MasterEcho, Result: proto.ResultChildCreated})
			return
		}
		cred, err := e.resolver.Resolve(ev.user)
		if err != nil {
			// Resolution failed before any process exists: no privileged
			// code path runs, and execve is never reached (P5).
			e.log.Warn("privilege drop resolution failed", zap.String("user", ev.user), zap.Error(err))
			e.writeResponse(proto.ResponseHeader{MasterEcho: ev.hdr.MasterEcho, Result: proto.ResultChildCreated})
			return
		}
		attr.Credential = cred
	}
	cmd.SysProcAttr = attr

	var outR, outW, errR, errW *os.File
	if piped {
		var err error
		outR, outW, err = os.Pipe()
		if err != nil {
			e.writeResponse(proto.ResponseHeader{MasterEcho: ev.hdr.MasterEcho, Result: proto.ResultChildCreated})
			return
		}
		errR, errW, err = os.Pipe()
		if err != nil {
			outR.Close()
			outW.Close()
			e.writeResponse(proto.ResponseHeader{MasterEcho: ev.hdr.MasterEcho, Result: proto.ResultChildCreated})
			return
		}
		cmd.Stdout = outW
		cmd.Stderr = errW
	} else {
		cmd.Stdout = e.devnull
		cmd.Stderr = e.devnull
	}

	token := e.tokens.Alloc()

	if err := cmd.Start(); err != nil {
		// Fork/exec failure, or the forked grandchild exited before
		// execve because the credential change was refused by the
		// kernel (the Go-idiomatic equivalent of scenario 6). Either
		// way: null slave token, no child record created.
		e.log.Warn("exec failed", zap.String("program", ev.program), zap.Error(err))
		e.tokens.Release(token)
		if piped {
			outR.Close()
			outW.Close()
			errR.Close()
			errW.Close()
		}
		e.writeResponse(proto.ResponseHeader{MasterEcho: ev.hdr.MasterEcho, Result: proto.ResultChildCreated})
		return
	}

	c := &child{
		token:   token,
		echo:    ev.hdr.MasterEcho,
		pid:     cmd.Process.Pid,
		silent:  !piped,
		running: true,
	}

	if piped {
		// Parent closes its copy of the write ends immediately so EOF
		// propagates to us when the child exits (I4/P6 fd hygiene).
		outW.Close()
		errW.Close()
		c.stdout, c.stderr = outR, errR
		c.openPipes = 2

		var g errgroup.Group
		g.Go(func() error { return e.pumpPipe(token, outR, false) })
		g.Go(func() error { return e.pumpPipe(token, errR, true) })
		go func() {
			if err := g.Wait(); err != nil {
				e.log.Warn("pipe pump failed", zap.Uint64("token", token), zap.Error(err))
			}
		}()
	}

	e.children[token] = c
	e.pidIndex[c.pid] = token
	// Release decouples Go's bookkeeping from the pid without attempting
	// its own wait; reapAll via SIGCHLD is the sole reaper (see below), so
	// cmd.Wait must never be called for this pid.
	cmd.Process.Release()

	e.writeResponse(proto.ResponseHeader{
		MasterEcho: ev.hdr.MasterEcho,
		Result:     proto.ResultChildCreated,
		ParamChild: token,
		ParamInt:   int32(c.pid),
	})
}

// pumpPipe reads up to 512 bytes at a time from f and reports each
// chunk and the terminal EOF/error to the dispatcher. Run as one of a
// child's two errgroup goroutines (stdout/stderr); f is always closed
// before this returns. It returns nil on ordinary EOF and the read
// error otherwise, so g.Wait() in handleExec surfaces anything other
// than the child simply closing its end of the pipe.
func (e *Engine) pumpPipe(token uint64, f *os.File, isErr bool) error {
	buf := make([]byte, 512)
	for {
		n, err := f.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			e.events <- pipeDataEvent{token: token, isErr: isErr, data: chunk}
		}
		if err != nil {
			f.Close()
			e.events <- pipeEOFEvent{token: token, isErr: isErr}
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("slaveproc: read pipe (err=%v, token=%d): %w", isErr, token, err)
		}
	}
}

func (e *Engine) handlePipeData(ev pipeDataEvent) {
	c, ok := e.children[ev.token]
	if !ok {
		return
	}
	result := proto.ResultStdoutData
	if ev.isErr {
		result = proto.ResultStderrData
	}
	if err := e.writeResponse(proto.ResponseHeader{MasterEcho: c.echo, Result: result, ParamChild: c.token}); err != nil {
		return
	}
	e.writeVariable(ev.data)
}

func (e *Engine) handlePipeEOF(ev pipeEOFEvent) {
	c, ok := e.children[ev.token]
	if !ok {
		return
	}
	if ev.isErr {
		c.stderr = nil
	} else {
		c.stdout = nil
	}
	c.openPipes--
	e.notifyDead(c)
}

// notifyDead is the DIED-deferral gate: it fires CHILD_DIED exactly
// once, and only once both the child has been reaped and every capture
// pipe it had has reached EOF (I3).
func (e *Engine) notifyDead(c *child) {
	if !c.readyToReap() {
		return
	}
	c.diedSent = true
	e.writeResponse(proto.ResponseHeader{
		MasterEcho: c.echo,
		Result:     proto.ResultChildDied,
		ParamChild: c.token,
		ParamInt:   c.exitStatus,
	})
}

func (e *Engine) handleCloseHandle(token uint64) {
	c, ok := e.children[token]
	if !ok {
		return // already gone, or never existed: harmless no-op (I2)
	}
	if c.stdout != nil {
		c.stdout.Close()
		c.stdout = nil
	}
	if c.stderr != nil {
		c.stderr.Close()
		c.stderr = nil
	}
	delete(e.children, token)
	if c.pid != 0 {
		delete(e.pidIndex, c.pid)
	}
	e.tokens.Release(token)
}

func (e *Engine) handleKill(token uint64, sig int32) {
	c, ok := e.children[token]
	if !ok || !c.running {
		return // no-op: the master already holds a TERMINATED handle
	}
	if err := syscall.Kill(c.pid, syscall.Signal(sig)); err != nil {
		e.log.Warn("kill failed", zap.Int("pid", c.pid), zap.Int32("signal", sig), zap.Error(err))
	}
}

func (e *Engine) handleSignal(sig syscall.Signal) {
	switch sig {
	case syscall.SIGCHLD:
		e.reapAll()
	case syscall.SIGPIPE:
		// Ignored per SPEC_FULL.md §4.2.
	default:
		info := proto.SigInfo{Signo: int32(sig)}
		if err := e.writeResponse(proto.ResponseHeader{Result: proto.ResultGotSignal}); err != nil {
			return
		}
		wire.WriteFull(e.conn, info.Marshal(), nil)
	}
}

// reapAll drains every reapable child with WNOHANG, exactly mirroring
// the spec's "repeatedly waitpid(..., WNOHANG) until 0 or <=0" loop.
// wait4(-1, ...) is used regardless of PID-1 mode: the only thing PID-1
// mode changes is whether we asked the kernel to make us a subreaper at
// startup (see New).
func (e *Engine) reapAll() {
	for {
		var ws syscall.WaitStatus
		pid, err := syscall.Wait4(-1, &ws, syscall.WNOHANG, nil)
		if err != nil {
			if errors.Is(err, syscall.EINTR) {
				continue
			}
			return // ECHILD or anything else: nothing left to reap
		}
		if pid <= 0 {
			return
		}
		e.onChildReaped(pid, ws)
	}
}

func (e *Engine) onChildReaped(pid int, ws syscall.WaitStatus) {
	token, ok := e.pidIndex[pid]
	if !ok {
		return // a subreaped orphan we never spawned ourselves; nothing to tell the master
	}
	c, ok := e.children[token]
	if !ok {
		delete(e.pidIndex, pid)
		return
	}
	c.running = false
	c.exitStatus = int32(ws)
	delete(e.pidIndex, pid)
	e.notifyDead(c)
}

// handleQuit is the orderly-teardown path (normal QUIT command): best-
// effort SIGKILL every live child and make one non-blocking reap pass,
// then let Run close the socket. It never blocks on a stuck child, and
// it does not wait either: a killed child that has not exited by that
// single pass is not reaped here, and no CHILD_DIED is sent for it or
// for a reaped child whose pipes have not reached EOF yet.
func (e *Engine) handleQuit() {
	e.killAllAndDrain()
}

// fatalExit handles an unrecoverable transport error: the master is
// gone, so there is no one left to answer. Best-effort cleanup only.
func (e *Engine) fatalExit(err error) {
	e.log.Warn("slave exiting after fatal transport error", zap.Error(err))
	e.killAllAndDrain()
}

func (e *Engine) killAllAndDrain() {
	for _, c := range e.children {
		if c.running {
			_ = syscall.Kill(c.pid, syscall.SIGKILL)
		}
	}
	e.reapAll()
}
