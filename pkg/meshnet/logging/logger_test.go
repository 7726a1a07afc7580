package logging

import (
	"bytes"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
)

func newCapturingLogger() (*DefaultLogger, *bytes.Buffer) {
	buf := &bytes.Buffer{}
	l := logrus.New()
	l.SetOutput(buf)
	l.SetFormatter(&logrus.TextFormatter{DisableTimestamp: true, DisableColors: true})
	return &DefaultLogger{entry: l}, buf
}

func TestInfoWritesToUnderlyingLogger(t *testing.T) {
	l, buf := newCapturingLogger()
	l.Infof("channel established with %s", "peer-1")
	if !strings.Contains(buf.String(), "channel established with peer-1") {
		t.Fatalf("expected the formatted message in the log output, got %q", buf.String())
	}
}

func TestDebugIsSuppressedUntilToggled(t *testing.T) {
	l, buf := newCapturingLogger()
	l.Debugf("frame trace %d", 1)
	if buf.Len() != 0 {
		t.Fatalf("expected Debug output to be suppressed by default, got %q", buf.String())
	}

	l.ToggleDebug(true)
	l.Debugf("frame trace %d", 2)
	if !strings.Contains(buf.String(), "frame trace 2") {
		t.Fatalf("expected Debug output once toggled on, got %q", buf.String())
	}
}

func TestToggleDebugReturnsNewState(t *testing.T) {
	l, _ := newCapturingLogger()
	if got := l.ToggleDebug(true); !got {
		t.Fatalf("expected ToggleDebug(true) to return true, got %v", got)
	}
	if got := l.ToggleDebug(false); got {
		t.Fatalf("expected ToggleDebug(false) to return false, got %v", got)
	}
}

func TestNewDefaultLoggerImplementsLogger(t *testing.T) {
	var _ Logger = NewDefaultLogger()
}

func TestNewConsoleLoggerImplementsLogger(t *testing.T) {
	var _ Logger = NewConsoleLogger()
}
