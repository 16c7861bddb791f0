// Package privilege resolves the uid/gid drop the slave applies to a
// child it execs on behalf of a named user.
//
// The C original forks, drops privileges in the child with raw
// setgroups/setgid/setuid calls, then execves — three separate steps a
// caller could get out of order. Go's os/exec has no hook to run code
// between fork and exec, so there is no direct translation of that
// sequence; instead the resolved credential is handed to
// exec.Cmd.SysProcAttr, and the kernel applies it atomically as part of
// the same clone+execve the runtime already performs to start the
// child. A resolution failure here means execve is never reached at
// all, which satisfies the same invariant (P5 in SPEC_FULL.md) by
// construction rather than by careful ordering.
package privilege

import (
	"fmt"
	"os/user"
	"strconv"
	"syscall"
)

// Resolver turns a user name into the credential exec.Cmd should apply
// to a child's process.
type Resolver interface {
	Resolve(username string) (*syscall.Credential, error)
}

// OSResolver resolves credentials using the standard library's user
// lookup (nsswitch-backed via cgo when available, pure-Go fallback
// otherwise).
type OSResolver struct{}

var _ Resolver = OSResolver{}

func (OSResolver) Resolve(username string) (*syscall.Credential, error) {
	u, err := user.Lookup(username)
	if err != nil {
		return nil, fmt.Errorf("privilege: lookup user %q: %w", username, err)
	}

	uid, err := strconv.ParseUint(u.Uid, 10, 32)
	if err != nil {
		return nil, fmt.Errorf("privilege: parse uid %q: %w", u.Uid, err)
	}
	gid, err := strconv.ParseUint(u.Gid, 10, 32)
	if err != nil {
		return nil, fmt.Errorf("privilege: parse gid %q: %w", u.Gid, err)
	}

	groupIDs, err := u.GroupIds()
	if err != nil {
		return nil, fmt.Errorf("privilege: lookup groups for %q: %w", username, err)
	}
	groups := make([]uint32, 0, len(groupIDs))
	for _, g := range groupIDs {
		gid64, err := strconv.ParseUint(g, 10, 32)
		if err != nil {
			continue
		}
		groups = append(groups, uint32(gid64))
	}

	return &syscall.Credential{Uid: uint32(uid), Gid: uint32(gid), Groups: groups}, nil
}
