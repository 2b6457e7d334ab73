//go:build !unix

package lease

import (
	"fmt"
	"runtime"
)

// OSProcessTable is unavailable on this platform.
type OSProcessTable struct{}

func (OSProcessTable) Alive(int) (bool, error) {
	return false, fmt.Errorf("process liveness not supported on %s", runtime.GOOS)
}
