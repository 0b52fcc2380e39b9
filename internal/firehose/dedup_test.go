package firehose

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
)

func TestMessageDedupCoalescesRepeatedLine(t *testing.T) {
	logger, hook := test.NewNullLogger()
	d := newMessageDedup(logrus.NewEntry(logger))

	d.forward([]string{"INFO: still busy", "INFO: still busy", "INFO: still busy"})
	d.flush()

	var sawRepeated bool
	for _, e := range hook.AllEntries() {
		if e.Message == "last message repeated 3 times" {
			sawRepeated = true
		}
	}
	if !sawRepeated {
		t.Error("expected a coalesced \"repeated N times\" log entry")
	}
}

func TestMessageDedupIgnoresNonPrefixedLines(t *testing.T) {
	logger, hook := test.NewNullLogger()
	d := newMessageDedup(logrus.NewEntry(logger))

	d.forward([]string{"not a device message"})
	if len(hook.AllEntries()) != 0 {
		t.Errorf("got %d log entries, want 0", len(hook.AllEntries()))
	}
}
