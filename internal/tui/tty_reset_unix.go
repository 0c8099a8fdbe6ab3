//go:build !windows

package tui

import (
	"os"
	"os/exec"

	"github.com/mattn/go-isatty"
)

// restoreTerminal puts the controlling terminal back in cooked mode after the
// dashboard exits, in case bubbletea was interrupted mid-frame.
func restoreTerminal() {
	if !isatty.IsTerminal(os.Stdin.Fd()) {
		return
	}
	_ = exec.Command("sh", "-c", "stty sane < /dev/tty > /dev/null 2>&1").Run()
}
