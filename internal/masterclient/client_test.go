package masterclient

import (
	"net"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/zeropid/procsuper/internal/proto"
	"github.com/zeropid/procsuper/internal/wire"
)

// fakeSlave is a minimal protocol-level stand-in for the real worker,
// used to exercise Context's dispatch logic in isolation from
// internal/slaveproc.
type fakeSlave struct {
	t    *testing.T
	conn *net.UnixConn
}

func newClientTestPair(t *testing.T) (*Context, *fakeSlave) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)

	f0 := os.NewFile(uintptr(fds[0]), "master")
	f1 := os.NewFile(uintptr(fds[1]), "slave")
	mc, err := net.FileConn(f0)
	require.NoError(t, err)
	f0.Close()
	sc, err := net.FileConn(f1)
	require.NoError(t, err)
	f1.Close()

	ctx := New(zap.NewNop(), mc.(*net.UnixConn), nil)
	fs := &fakeSlave{t: t, conn: sc.(*net.UnixConn)}
	t.Cleanup(func() { ctx.Close(); fs.conn.Close() })
	return ctx, fs
}

func (f *fakeSlave) readCommand() proto.CommandHeader {
	f.t.Helper()
	buf := make([]byte, proto.CommandHeaderSize)
	require.NoError(f.t, wire.ReadFull(f.conn, buf, false))
	hdr, err := proto.UnmarshalCommandHeader(buf)
	require.NoError(f.t, err)
	if hdr.Command == proto.CmdExec || hdr.Command == proto.CmdExecPipe {
		_, err := wire.ReadVariable(f.conn, false) // program
		require.NoError(f.t, err)
		_, err = wire.ReadVariable(f.conn, false) // user
		require.NoError(f.t, err)
		_, err = wire.ReadPack(f.conn) // argv
		require.NoError(f.t, err)
		_, err = wire.ReadPack(f.conn) // env
		require.NoError(f.t, err)
	}
	return hdr
}

func (f *fakeSlave) respond(h proto.ResponseHeader) {
	f.t.Helper()
	require.NoError(f.t, wire.WriteFull(f.conn, h.Marshal(), nil))
}

func (f *fakeSlave) respondData(h proto.ResponseHeader, payload []byte) {
	f.t.Helper()
	f.respond(h)
	require.NoError(f.t, wire.WriteVariable(f.conn, payload, nil))
}

func TestExecSuccessTransitionsStartingToStartedToTerminated(t *testing.T) {
	ctx, fs := newClientTestPair(t)

	exited := make(chan struct{}, 1)
	h, err := ctx.Exec("/bin/true", []string{"/bin/true"}, WithExitCallback(func(h *Handle) { exited <- struct{}{} }))
	require.NoError(t, err)
	require.Equal(t, StateStarting, h.State())

	go func() {
		cmdHdr := fs.readCommand()
		fs.respond(proto.ResponseHeader{MasterEcho: cmdHdr.MasterEcho, Result: proto.ResultChildCreated, ParamChild: 7, ParamInt: 1234})
	}()
	require.NoError(t, ctx.PollOnce(false))
	require.Equal(t, StateStarted, h.State())
	require.Equal(t, 1234, h.Pid())

	go func() {
		fs.respond(proto.ResponseHeader{MasterEcho: h.echo, Result: proto.ResultChildDied, ParamChild: 7, ParamInt: 0})
	}()
	require.NoError(t, ctx.PollOnce(false))
	require.Equal(t, StateTerminated, h.State())

	select {
	case <-exited:
	case <-time.After(time.Second):
		t.Fatal("exit callback never fired")
	}
}

func TestExecFailureReportsTerminatedWithNullToken(t *testing.T) {
	ctx, fs := newClientTestPair(t)

	h, err := ctx.Exec("/no/such/binary", []string{"/no/such/binary"})
	require.NoError(t, err)

	go func() {
		cmdHdr := fs.readCommand()
		fs.respond(proto.ResponseHeader{MasterEcho: cmdHdr.MasterEcho, Result: proto.ResultChildCreated, ParamChild: 0})
	}()
	require.NoError(t, ctx.PollOnce(false))
	require.Equal(t, StateTerminated, h.State())
	require.Zero(t, h.Pid())
}

func TestDataCallbackReceivesChunksAndDetachSuppressesIt(t *testing.T) {
	ctx, fs := newClientTestPair(t)

	var got []byte
	h, err := ctx.ExecPipe("/bin/sh", []string{"/bin/sh", "-c", "echo hi"}, WithDataCallback(func(h *Handle, stderr bool, chunk []byte) {
		got = append(got, chunk...)
	}))
	require.NoError(t, err)

	go func() {
		cmdHdr := fs.readCommand()
		fs.respond(proto.ResponseHeader{MasterEcho: cmdHdr.MasterEcho, Result: proto.ResultChildCreated, ParamChild: 1, ParamInt: 99})
	}()
	require.NoError(t, ctx.PollOnce(false))

	go func() {
		fs.respondData(proto.ResponseHeader{MasterEcho: h.echo, Result: proto.ResultStdoutData, ParamChild: 1}, []byte("hi\n"))
	}()
	require.NoError(t, ctx.PollOnce(false))
	require.Equal(t, "hi\n", string(got))

	ctx.Detach(h)
	got = nil
	go func() {
		fs.respondData(proto.ResponseHeader{MasterEcho: h.echo, Result: proto.ResultStdoutData, ParamChild: 1}, []byte("ignored"))
	}()
	require.NoError(t, ctx.PollOnce(false))
	require.Nil(t, got)
}

func TestKillIsNoOpBeforeStarted(t *testing.T) {
	ctx, _ := newClientTestPair(t)
	h, err := ctx.Exec("/bin/sleep", []string{"/bin/sleep", "60"})
	require.NoError(t, err)
	require.NoError(t, ctx.Kill(h, 15)) // still StateStarting: no command sent, no error
}

func TestSignalCallbackFiresOnGotSignal(t *testing.T) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	f0 := os.NewFile(uintptr(fds[0]), "master")
	f1 := os.NewFile(uintptr(fds[1]), "slave")
	mc, _ := net.FileConn(f0)
	f0.Close()
	sc, _ := net.FileConn(f1)
	f1.Close()

	seen := make(chan proto.SigInfo, 1)
	ctx := New(zap.NewNop(), mc.(*net.UnixConn), func(info proto.SigInfo) { seen <- info })
	fs := &fakeSlave{t: t, conn: sc.(*net.UnixConn)}
	defer ctx.Close()
	defer fs.conn.Close()

	go func() {
		fs.respond(proto.ResponseHeader{Result: proto.ResultGotSignal})
		info := proto.SigInfo{Signo: 15}
		wire.WriteFull(fs.conn, info.Marshal(), nil)
	}()
	require.NoError(t, ctx.PollOnce(false))

	select {
	case info := <-seen:
		require.Equal(t, int32(15), info.Signo)
	case <-time.After(time.Second):
		t.Fatal("signal callback never fired")
	}
}
