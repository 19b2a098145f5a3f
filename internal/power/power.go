// Package power reports system resume so capture sessions can be rebuilt.
package power

import (
	"context"
	"fmt"
	"time"

	"github.com/bryanchriswhite/ClarityLayer/internal/logger"
	"github.com/godbus/dbus/v5"
)

const (
	logindPath  = "/org/freedesktop/login1"
	managerIntf = "org.freedesktop.login1.Manager"
	sleepMember = "PrepareForSleep"
)

// Watch calls onResume after every suspend until ctx is done. It listens to
// logind on the system bus and falls back to detecting wall-clock jumps when
// the bus is unreachable.
func Watch(ctx context.Context, onResume func()) {
	log := logger.WithComponent("power")

	conn, err := dbus.ConnectSystemBus()
	if err == nil {
		err = watchLogind(ctx, conn, onResume)
		conn.Close()
		if err == nil {
			return
		}
	}
	log.Warn().Err(err).Msg("logind unavailable, detecting resume from clock jumps")
	watchClock(ctx, time.Second, onResume)
}

func watchLogind(ctx context.Context, conn *dbus.Conn, onResume func()) error {
	if err := conn.AddMatchSignal(
		dbus.WithMatchObjectPath(logindPath),
		dbus.WithMatchInterface(managerIntf),
		dbus.WithMatchMember(sleepMember),
	); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", sleepMember, err)
	}

	signals := make(chan *dbus.Signal, 4)
	conn.Signal(signals)
	defer conn.RemoveSignal(signals)

	logger.WithComponent("power").Info().Msg("Watching logind for suspend")
	for {
		select {
		case <-ctx.Done():
			return nil
		case sig, ok := <-signals:
			if !ok {
				return nil
			}
			if resumed(sig) {
				logger.WithComponent("power").Info().Msg("System resumed")
				onResume()
			}
		}
	}
}

// resumed reports whether sig is PrepareForSleep(false), sent after wakeup.
func resumed(sig *dbus.Signal) bool {
	if sig == nil || sig.Name != managerIntf+"."+sleepMember || len(sig.Body) != 1 {
		return false
	}
	sleeping, ok := sig.Body[0].(bool)
	return ok && !sleeping
}

// watchClock ticks every interval and treats a wall-clock gap far longer than
// the interval as a resume. The monotonic clock stops during suspend on Linux,
// so the gap is measured on wall time only.
func watchClock(ctx context.Context, interval time.Duration, onResume func()) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	last := time.Now().Round(0)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := time.Now().Round(0)
			if jumped(last, now, interval) {
				logger.WithComponent("power").Info().Dur("gap", now.Sub(last)).Msg("Clock jump, assuming resume")
				onResume()
			}
			last = now
		}
	}
}

func jumped(last, now time.Time, interval time.Duration) bool {
	return now.Sub(last) > 5*interval+2*time.Second
}
