//go:build unix

package agent

import (
	"os"
	"syscall"
)

func termSignal() os.Signal {
	return syscall.SIGTERM
}
