// Package bootstrap starts the worker process and hands it its end of
// the command socket across the exec boundary.
//
// Grounded on this pack's cs3org/reva grace.Watcher, which passes open
// listener fds to a re-exec'd process via REVA_FD_n-numbered env vars
// and os/exec's ExtraFiles; this package does the same thing for a
// single AF_UNIX command socket instead of a set of network listeners.
package bootstrap

import (
	"fmt"
	"net"
	"os"
	"os/exec"
	"strconv"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/zeropid/procsuper/internal/proto"
)

// Spawn starts selfPath (normally os.Args[0]) with args, handing it the
// slave end of a freshly created socketpair through ExtraFiles. It
// returns the master end, already connected, plus the started command
// so the caller can track its pid and exit. The worker is started in a
// new session (setsid).
func Spawn(selfPath string, args []string, extraEnv []string) (*exec.Cmd, *net.UnixConn, error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("bootstrap: socketpair: %w", err)
	}

	masterFile := os.NewFile(uintptr(fds[0]), "procsuper-master")
	slaveFile := os.NewFile(uintptr(fds[1]), "procsuper-slave")
	defer slaveFile.Close()

	masterConnAny, err := net.FileConn(masterFile)
	masterFile.Close()
	if err != nil {
		slaveFile.Close()
		return nil, nil, fmt.Errorf("bootstrap: wrap master fd: %w", err)
	}
	masterConn := masterConnAny.(*net.UnixConn)

	cmd := exec.Command(selfPath, args...)
	cmd.ExtraFiles = []*os.File{slaveFile}
	// ExtraFiles are inherited starting at fd 3, in the given order.
	fdEnv := fmt.Sprintf("%s=%d", proto.BootstrapFDEnv, 3)
	cmd.Env = append(append([]string{}, os.Environ()...), append(extraEnv, fdEnv)...)
	cmd.Stdin = nil
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := cmd.Start(); err != nil {
		masterConn.Close()
		return nil, nil, fmt.Errorf("bootstrap: start worker: %w", err)
	}

	return cmd, masterConn, nil
}

// InProcess creates a connected socket pair without spawning anything,
// for the PID-1-in-place deployment mode: the caller is itself PID 1,
// so it runs the slave engine directly rather than forking a worker
// (mirroring the original's getpid()==1 in-place branch), and only
// needs two ends of the same socket in one process instead of one end
// handed across an exec boundary.
func InProcess() (master, slave *net.UnixConn, err error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("bootstrap: socketpair: %w", err)
	}

	masterFile := os.NewFile(uintptr(fds[0]), "procsuper-master")
	slaveFile := os.NewFile(uintptr(fds[1]), "procsuper-slave")

	masterConnAny, err := net.FileConn(masterFile)
	masterFile.Close()
	if err != nil {
		slaveFile.Close()
		return nil, nil, fmt.Errorf("bootstrap: wrap master fd: %w", err)
	}
	slaveConnAny, err := net.FileConn(slaveFile)
	slaveFile.Close()
	if err != nil {
		masterConnAny.Close()
		return nil, nil, fmt.Errorf("bootstrap: wrap slave fd: %w", err)
	}

	return masterConnAny.(*net.UnixConn), slaveConnAny.(*net.UnixConn), nil
}

// Accept is called from the worker side after re-exec to recover the
// slave end of the command socket passed in by Spawn. The PID-1
// in-place mode does not use it (see InProcess).
func Accept() (*net.UnixConn, error) {
	raw := os.Getenv(proto.BootstrapFDEnv)
	if raw == "" {
		return nil, fmt.Errorf("bootstrap: %s not set", proto.BootstrapFDEnv)
	}
	fd, err := strconv.Atoi(raw)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: parse %s=%q: %w", proto.BootstrapFDEnv, raw, err)
	}

	f := os.NewFile(uintptr(fd), "procsuper-slave")
	conn, err := net.FileConn(f)
	f.Close()
	if err != nil {
		return nil, fmt.Errorf("bootstrap: wrap slave fd %d: %w", fd, err)
	}
	return conn.(*net.UnixConn), nil
}
