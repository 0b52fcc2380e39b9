package firehose

import (
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// messageDedup forwards "ERROR:"/"INFO:" device log lines to the session
// logger. A line identical to the previous one that arrives within 100ms of
// it is counted instead of logged; the "last message repeated N times" line
// is emitted by flush, which runs when a different line (or the same line
// after the 100ms window) arrives. There is no timer: a count still pending
// when lines stop arriving is not reported until flush is called.
type messageDedup struct {
	log *logrus.Entry

	last    string
	count   int
	lastSet time.Time
}

const dedupDebounce = 100 * time.Millisecond

func newMessageDedup(log *logrus.Entry) *messageDedup {
	return &messageDedup{log: log}
}

// forward processes a batch of log lines in order, emitting the named
// ("ERROR:"/"INFO:") ones through the dedup state machine.
func (d *messageDedup) forward(lines []string) {
	for _, line := range lines {
		if !strings.HasPrefix(line, "ERROR:") && !strings.HasPrefix(line, "INFO:") {
			continue
		}
		d.observe(line)
	}
}

func (d *messageDedup) observe(line string) {
	now := time.Now()
	if line == d.last && now.Sub(d.lastSet) < dedupDebounce {
		d.count++
		d.lastSet = now
		return
	}
	d.flush()
	d.last = line
	d.count = 1
	d.lastSet = now
	d.emit(line)
}

func (d *messageDedup) emit(line string) {
	if strings.HasPrefix(line, "ERROR:") {
		d.log.Error(strings.TrimPrefix(line, "ERROR:"))
	} else {
		d.log.Info(strings.TrimPrefix(line, "INFO:"))
	}
}

// flush emits a "repeated N times" line for the previous message if it
// recurred more than once, then resets dedup state.
func (d *messageDedup) flush() {
	if d.count > 1 {
		d.log.Infof("last message repeated %d times", d.count)
	}
	d.count = 0
}
