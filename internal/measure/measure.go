// Package measure prints a plain-text progress line for long-running
// flash/erase operations, standing in for the bubbletea TUI when stdout
// isn't a terminal (piped output, scripted runs).
package measure

import (
	"fmt"
	"time"
)

// Flashing returns a progress callback suitable for device.ProgressFunc: it
// rewrites one line (carriage return, newline once done reaches total) with
// cumulative bytes, percent of total, and elapsed time.
func Flashing(label string, total int64) func(done int64) {
	status := "[" + label + "]"
	start := time.Now()
	return func(done int64) {
		pct := 0.0
		if total > 0 {
			pct = float64(done) / float64(total) * 100
		}
		fmt.Printf("\r%s %d/%d bytes (%.1f%%) in %.2fs", status, done, total, pct, time.Since(start).Seconds())
		if total > 0 && done >= total {
			fmt.Println()
		}
	}
}
