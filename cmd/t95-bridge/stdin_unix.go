//go:build unix

package main

import (
	"os"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// hostInput returns stdin registered with the runtime poller, so closing it on
// shutdown unblocks a pending read.
func hostInput(logger *logrus.Logger) *os.File {
	fd := int(os.Stdin.Fd())
	if err := unix.SetNonblock(fd, true); err != nil {
		logger.WithError(err).Warn("stdin stays blocking; shutdown waits for the next host frame")
		return os.Stdin
	}
	return os.NewFile(uintptr(fd), "/dev/stdin")
}
