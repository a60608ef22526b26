//go:build linux

package replbond

import (
	"os"

	"golang.org/x/sys/unix"
)

// disableEcho clears the ECHO flags on the pty line discipline so the
// child's terminal does not reflect protocol frames back at the host.
func disableEcho(ptmx *os.File) error {
	fd := int(ptmx.Fd())
	termios, err := unix.IoctlGetTermios(fd, unix.TCGETS)
	if err != nil {
		return err
	}
	termios.Lflag &^= unix.ECHO | unix.ECHONL
	return unix.IoctlSetTermios(fd, unix.TCSETS, termios)
}
