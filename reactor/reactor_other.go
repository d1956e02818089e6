//go:build !linux

// The edge-triggered reactor is epoll-specific; this runtime does not
// implement a kqueue or IOCP backend (see DESIGN.md, "Dropped teacher
// dependencies / modules").

package reactor

import (
	"fmt"
	"runtime"
)

func newBackend() (backend, error) {
	return nil, fmt.Errorf("reactor: no IO backend for GOOS=%s", runtime.GOOS)
}
