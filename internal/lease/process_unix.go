//go:build unix

package lease

import (
	"errors"

	"golang.org/x/sys/unix"
)

// OSProcessTable checks liveness with kill(pid, 0).
type OSProcessTable struct{}

// Alive reports whether pid exists. A process owned by another user still
// counts as alive.
func (OSProcessTable) Alive(pid int) (bool, error) {
	if pid <= 0 {
		return false, nil
	}
	err := unix.Kill(pid, 0)
	switch {
	case err == nil, errors.Is(err, unix.EPERM):
		return true, nil
	case errors.Is(err, unix.ESRCH):
		return false, nil
	default:
		return false, err
	}
}
