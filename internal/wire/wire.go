// Package wire implements the three framing primitives the control-plane
// protocol is built from: fixed records, length-prefixed variable records,
// and packs (vectors of variable records).
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"syscall"

	"golang.org/x/sys/unix"
)

// ErrWouldBlock is returned by ReadFull when probe is true and the very
// first byte of the record is not yet available. No bytes are consumed
// from conn in this case.
var ErrWouldBlock = errors.New("wire: would block")

// byteReaderConn is the subset of net.Conn (really *net.UnixConn) that
// ReadFull needs: a raw-fd escape hatch for the non-blocking probe, plus
// plain io.Reader for the blocking remainder.
type byteReaderConn interface {
	io.Reader
	SyscallConn() (syscall.RawConn, error)
}

// ReadFull transfers exactly len(buf) bytes from conn into buf, or fails.
//
// When probe is true, it first performs a one-shot non-blocking peek at
// the first byte: if that byte is not yet available, it returns
// ErrWouldBlock without consuming any data and without touching buf. If
// the byte is available, the probed byte is left in the kernel socket
// buffer (peeked, not consumed) and the function falls through to an
// ordinary blocking read of the full record. This is how a poll loop can
// test "is a complete message available?" without risking a partial
// read stranding the connection mid-message.
//
// A short read, a zero-byte read, or any error other than EINTR is
// fatal for the connection.
func ReadFull(conn byteReaderConn, buf []byte, probe bool) error {
	if len(buf) == 0 {
		return nil
	}

	if probe {
		blocked, err := peekWouldBlock(conn)
		if err != nil {
			return err
		}
		if blocked {
			return ErrWouldBlock
		}
	}

	n, err := io.ReadFull(conn, buf)
	if err != nil {
		if n == 0 {
			return fmt.Errorf("wire: peer closed connection: %w", io.EOF)
		}
		return fmt.Errorf("wire: short read (%d/%d bytes): %w", n, len(buf), err)
	}
	return nil
}

// peekWouldBlock performs a single non-blocking MSG_PEEK on the
// connection's first byte. It reports true if the read would block
// (nothing queued yet), false if at least one byte is available to be
// read (by a subsequent, ordinary ReadFull). It never consumes data: a
// peek leaves the kernel receive buffer untouched.
func peekWouldBlock(conn byteReaderConn) (bool, error) {
	raw, err := conn.SyscallConn()
	if err != nil {
		return false, fmt.Errorf("wire: raw conn: %w", err)
	}

	var one [1]byte
	var n int
	var peekErr error

	ctrlErr := raw.Read(func(fd uintptr) bool {
		n, _, peekErr = unix.Recvfrom(int(fd), one[:], unix.MSG_PEEK|unix.MSG_DONTWAIT)
		if peekErr == unix.EAGAIN || peekErr == unix.EWOULDBLOCK {
			return true // done polling this fd, report would-block to caller
		}
		return true
	})
	if ctrlErr != nil {
		return false, fmt.Errorf("wire: raw read: %w", ctrlErr)
	}
	if peekErr == unix.EAGAIN || peekErr == unix.EWOULDBLOCK {
		return true, nil
	}
	if peekErr != nil {
		return false, fmt.Errorf("wire: peek: %w", peekErr)
	}
	if n == 0 {
		return false, fmt.Errorf("wire: peer closed connection: %w", io.EOF)
	}
	return false, nil
}

// byteWriterConn is the subset of net.Conn WriteFull needs.
type byteWriterConn interface {
	io.Writer
}

// WriteFull transfers exactly len(buf) bytes to conn, retrying on EINTR.
// If yield is non-nil and a write would block (EAGAIN/EWOULDBLOCK), it
// calls yield once to let the caller drain incoming data (this is the
// reentrant write-then-poll trick described in the protocol's
// concurrency model) and then retries; if yield is nil, EAGAIN is
// treated as fatal, matching the slave side which only ever performs
// blocking writes.
func WriteFull(conn byteWriterConn, buf []byte, yield func() error) error {
	for len(buf) > 0 {
		n, err := conn.Write(buf)
		if n > 0 {
			buf = buf[n:]
		}
		if err == nil {
			continue
		}
		if errors.Is(err, syscall.EINTR) {
			continue
		}
		if yield != nil && (errors.Is(err, syscall.EAGAIN) || errors.Is(err, syscall.EWOULDBLOCK)) {
			if yerr := yield(); yerr != nil {
				return fmt.Errorf("wire: yield during write: %w", yerr)
			}
			continue
		}
		return fmt.Errorf("wire: write error: %w", err)
	}
	return nil
}

// order is the wire byte order for length prefixes, matching proto.
var order = binary.LittleEndian

// WriteVariable writes a 4-byte length prefix followed by payload.
func WriteVariable(conn byteWriterConn, payload []byte, yield func() error) error {
	hdr := make([]byte, 4)
	order.PutUint32(hdr, uint32(len(payload)))
	if err := WriteFull(conn, hdr, yield); err != nil {
		return err
	}
	return WriteFull(conn, payload, yield)
}

// ReadVariable reads a 4-byte length prefix n, then n bytes of payload,
// and returns a buffer of length n+1 with a trailing NUL appended
// (defensive null-termination for string payloads). probe applies only
// to the length prefix, matching the "is a complete message available"
// use case in the master's poll loop.
func ReadVariable(conn byteReaderConn, probe bool) ([]byte, error) {
	hdr := make([]byte, 4)
	if err := ReadFull(conn, hdr, probe); err != nil {
		return nil, err
	}
	n := order.Uint32(hdr)

	buf := make([]byte, n+1)
	if n > 0 {
		if err := ReadFull(conn, buf[:n], false); err != nil {
			return nil, err
		}
	}
	buf[n] = 0
	return buf, nil
}

// WritePack writes a 4-byte count followed by that many variable records.
func WritePack(conn byteWriterConn, items []string, yield func() error) error {
	hdr := make([]byte, 4)
	order.PutUint32(hdr, uint32(len(items)))
	if err := WriteFull(conn, hdr, yield); err != nil {
		return err
	}
	for _, it := range items {
		if err := WriteVariable(conn, []byte(it), yield); err != nil {
			return err
		}
	}
	return nil
}

// ReadPack reads a 4-byte count k followed by k variable records, and
// returns a slice of length k+1 whose last entry is an empty-string
// sentinel marking end-of-list (mirroring the C implementation's
// NULL-terminated array convention).
func ReadPack(conn byteReaderConn) ([]string, error) {
	hdr := make([]byte, 4)
	if err := ReadFull(conn, hdr, false); err != nil {
		return nil, err
	}
	k := order.Uint32(hdr)

	out := make([]string, 0, k+1)
	for i := uint32(0); i < k; i++ {
		rec, err := ReadVariable(conn, false)
		if err != nil {
			return nil, err
		}
		// rec carries a trailing defensive NUL; strip it for the string value.
		out = append(out, string(rec[:len(rec)-1]))
	}
	out = append(out, "") // sentinel
	return out, nil
}
