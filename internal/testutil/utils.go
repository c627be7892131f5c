package testutil

import (
	"io"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
)

// TestLogger returns a debug level logger that discards output. Entries are
// kept on the returned hook for assertions.
func TestLogger(t *testing.T) (*logrus.Logger, *test.Hook) {
	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	logger.SetOutput(io.Discard)
	t.Cleanup(hook.Reset)
	return logger, hook
}

// HasEntry reports whether any captured entry contains msg.
func HasEntry(hook *test.Hook, msg string) bool {
	for _, e := range hook.AllEntries() {
		if e.Message == msg {
			return true
		}
	}
	return false
}
