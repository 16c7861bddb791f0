package supervisortask

import (
	"context"
	"net"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/zeropid/procsuper/internal/masterclient"
	"github.com/zeropid/procsuper/internal/proto"
	"github.com/zeropid/procsuper/internal/wire"
)

// fakeWorker answers EXEC_PIPE with CHILD_CREATED and otherwise just
// records KILL and CLOSE_HANDLE commands, standing in for
// internal/slaveproc in these protocol-level tests.
type fakeWorker struct {
	t       *testing.T
	conn    *net.UnixConn
	kill    chan proto.CommandHeader
	close   chan proto.CommandHeader
	created chan proto.ResponseHeader
}

func newTaskTestPair(t *testing.T) (*masterclient.Context, *fakeWorker) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)

	f0 := os.NewFile(uintptr(fds[0]), "master")
	f1 := os.NewFile(uintptr(fds[1]), "worker")
	mc, err := net.FileConn(f0)
	require.NoError(t, err)
	f0.Close()
	wc, err := net.FileConn(f1)
	require.NoError(t, err)
	f1.Close()

	ctx := masterclient.New(zap.NewNop(), mc.(*net.UnixConn), nil)
	fw := &fakeWorker{
		t:       t,
		conn:    wc.(*net.UnixConn),
		kill:    make(chan proto.CommandHeader, 8),
		close:   make(chan proto.CommandHeader, 8),
		created: make(chan proto.ResponseHeader, 8),
	}
	t.Cleanup(func() { ctx.Close(); fw.conn.Close() })

	go fw.serve()
	return ctx, fw
}

func (f *fakeWorker) serve() {
	for {
		buf := make([]byte, proto.CommandHeaderSize)
		if err := wire.ReadFull(f.conn, buf, false); err != nil {
			return
		}
		hdr, err := proto.UnmarshalCommandHeader(buf)
		if err != nil {
			return
		}

		switch hdr.Command {
		case proto.CmdExec, proto.CmdExecPipe:
			if _, err := wire.ReadVariable(f.conn, false); err != nil {
				return
			}
			if _, err := wire.ReadVariable(f.conn, false); err != nil {
				return
			}
			if _, err := wire.ReadPack(f.conn); err != nil {
				return
			}
			if _, err := wire.ReadPack(f.conn); err != nil {
				return
			}
			resp := proto.ResponseHeader{MasterEcho: hdr.MasterEcho, Result: proto.ResultChildCreated, ParamChild: hdr.MasterEcho + 1000, ParamInt: 42}
			if err := wire.WriteFull(f.conn, resp.Marshal(), nil); err != nil {
				return
			}
			f.created <- resp
		case proto.CmdKill:
			f.kill <- hdr
		case proto.CmdCloseHandle:
			f.close <- hdr
		case proto.CmdQuit:
			// no response expected
		}
	}
}

// sendDied writes a CHILD_DIED response for the given echo/slave token
// pair, as if the slave had just reaped and drained that child.
func (f *fakeWorker) sendDied(echo, slaveToken uint64, status int32) {
	f.t.Helper()
	resp := proto.ResponseHeader{MasterEcho: echo, Result: proto.ResultChildDied, ParamChild: slaveToken, ParamInt: status}
	require.NoError(f.t, wire.WriteFull(f.conn, resp.Marshal(), nil))
}

func TestSupervisorLaunchesAndShutsDownTasksGracefully(t *testing.T) {
	mc, fw := newTaskTestPair(t)
	log := zap.NewNop()
	sup := New(log, mc)
	sup.AddTask(Spec{Name: "web", Program: "/bin/webd", Argv: []string{"/bin/webd"}, Restart: true})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sup.Run(ctx) }()

	select {
	case hdr := <-fw.kill:
		t.Fatalf("unexpected kill before shutdown: %+v", hdr)
	case <-time.After(100 * time.Millisecond):
	}

	cancel()

	select {
	case hdr := <-fw.kill:
		require.Equal(t, proto.CmdKill, hdr.Command)
	case <-time.After(2 * time.Second):
		t.Fatal("shutdown never sent KILL to running task")
	}

	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(8 * time.Second):
		t.Fatal("Run never returned after Shutdown")
	}
}

// TestTaskDeathReleasesHandleAndRestarts exercises the TERMINATED
// handler end-to-end: a died restart-enabled task must free its old
// handle (CLOSE_HANDLE observed on the wire) and be relaunched.
func TestTaskDeathReleasesHandleAndRestarts(t *testing.T) {
	mc, fw := newTaskTestPair(t)
	log := zap.NewNop()
	sup := New(log, mc)
	sup.AddTask(Spec{Name: "web", Program: "/bin/webd", Argv: []string{"/bin/webd"}, Restart: true})

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	done := make(chan error, 1)
	go func() { done <- sup.Run(ctx) }()

	var first proto.ResponseHeader
	select {
	case first = <-fw.created:
	case <-time.After(2 * time.Second):
		t.Fatal("task was never launched")
	}

	fw.sendDied(first.MasterEcho, first.ParamChild, 0)

	select {
	case hdr := <-fw.close:
		require.Equal(t, first.ParamChild, hdr.ParamChild)
	case <-time.After(2 * time.Second):
		t.Fatal("CHILD_DIED did not trigger CLOSE_HANDLE")
	}

	select {
	case <-fw.created:
		// relaunch observed; it carries a freshly allocated echo token,
		// not necessarily the first one, since Release already returned
		// the old one to the pool.
	case <-time.After(2 * time.Second):
		t.Fatal("restart-enabled task was not relaunched after dying")
	}
}
