//go:build !linux

package replbond

import (
	"fmt"
	"os"
	"runtime"
)

func disableEcho(ptmx *os.File) error {
	return fmt.Errorf("pty mode is not supported on %s", runtime.GOOS)
}
