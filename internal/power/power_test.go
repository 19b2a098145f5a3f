package power

import (
	"io"
	"testing"
	"time"

	"github.com/bryanchriswhite/ClarityLayer/internal/logger"
	"github.com/godbus/dbus/v5"
)

func init() {
	logger.SetOutput(io.Discard)
}

func TestResumed(t *testing.T) {
	name := managerIntf + "." + sleepMember
	tests := []struct {
		sig  *dbus.Signal
		want bool
	}{
		{&dbus.Signal{Name: name, Body: []any{false}}, true},
		{&dbus.Signal{Name: name, Body: []any{true}}, false},
		{&dbus.Signal{Name: "org.freedesktop.login1.Manager.SessionNew", Body: []any{false}}, false},
		{&dbus.Signal{Name: name, Body: []any{"false"}}, false},
		{&dbus.Signal{Name: name}, false},
		{nil, false},
	}
	for i, tt := range tests {
		if got := resumed(tt.sig); got != tt.want {
			t.Errorf("case %d: resumed() = %v, want %v", i, got, tt.want)
		}
	}
}

func TestJumped(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	if jumped(base, base.Add(time.Second), time.Second) {
		t.Error("regular tick reported as jump")
	}
	if !jumped(base, base.Add(time.Minute), time.Second) {
		t.Error("one-minute gap not reported")
	}
}
