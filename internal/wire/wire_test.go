package wire

import (
	"net"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

// unixSocketpair returns two connected *net.UnixConn backed by a real
// AF_UNIX/SOCK_STREAM socketpair, so SyscallConn-based peeking works the
// same way it does against the real control-plane socket.
func unixSocketpair(t *testing.T) (*net.UnixConn, *net.UnixConn) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)

	f1 := os.NewFile(uintptr(fds[0]), "sp0")
	f2 := os.NewFile(uintptr(fds[1]), "sp1")
	defer f1.Close()
	defer f2.Close()

	c1, err := net.FileConn(f1)
	require.NoError(t, err)
	c2, err := net.FileConn(f2)
	require.NoError(t, err)

	return c1.(*net.UnixConn), c2.(*net.UnixConn)
}

func TestVariableRecordRoundTrip(t *testing.T) {
	r, w := unixSocketpair(t)
	defer r.Close()
	defer w.Close()

	cases := [][]byte{
		nil,
		[]byte(""),
		[]byte("hello"),
		make([]byte, 70000),
	}

	for _, payload := range cases {
		errCh := make(chan error, 1)
		go func() { errCh <- WriteVariable(w, payload, nil) }()

		got, err := ReadVariable(r, false)
		require.NoError(t, err)
		require.NoError(t, <-errCh)

		require.Equal(t, len(payload)+1, len(got))
		require.Equal(t, string(payload), string(got[:len(payload)]))
		require.Equal(t, byte(0), got[len(payload)])
	}
}

func TestPackRoundTripPreservesOrder(t *testing.T) {
	r, w := unixSocketpair(t)
	defer r.Close()
	defer w.Close()

	items := []string{"argv0", "-flag", "value", ""}

	errCh := make(chan error, 1)
	go func() { errCh <- WritePack(w, items, nil) }()

	got, err := ReadPack(r)
	require.NoError(t, err)
	require.NoError(t, <-errCh)

	require.Equal(t, append(append([]string{}, items...), ""), got)
}

func TestEmptyPackRoundTrips(t *testing.T) {
	r, w := unixSocketpair(t)
	defer r.Close()
	defer w.Close()

	errCh := make(chan error, 1)
	go func() { errCh <- WritePack(w, nil, nil) }()

	got, err := ReadPack(r)
	require.NoError(t, err)
	require.NoError(t, <-errCh)
	require.Equal(t, []string{""}, got)
}

func TestReadFullProbeWouldBlockDoesNotConsume(t *testing.T) {
	r, w := unixSocketpair(t)
	defer r.Close()
	defer w.Close()

	buf := make([]byte, 4)
	err := ReadFull(r, buf, true)
	require.ErrorIs(t, err, ErrWouldBlock)

	// Now send the bytes and confirm a normal read still sees all of them
	// (i.e. the probe above did not eat anything).
	payload := []byte{1, 2, 3, 4}
	go func() { _, _ = w.Write(payload) }()

	time.Sleep(20 * time.Millisecond)
	err = ReadFull(r, buf, true)
	require.NoError(t, err)
	require.Equal(t, payload, buf)
}

func TestWriteFullTransfersLargePayload(t *testing.T) {
	r, w := unixSocketpair(t)
	defer r.Close()
	defer w.Close()

	payload := make([]byte, 1<<20) // larger than the socket buffer: the write blocks until the reader drains it
	for i := range payload {
		payload[i] = byte(i)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- WriteFull(w, payload, nil) }()

	got := make([]byte, len(payload))
	err := ReadFull(r, got, false)
	require.NoError(t, err)
	require.NoError(t, <-errCh)
	require.Equal(t, payload, got)
}
