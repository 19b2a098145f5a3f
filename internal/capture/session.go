package capture

import (
	"errors"
	"sync/atomic"

	"github.com/bryanchriswhite/ClarityLayer/internal/display"
	"github.com/google/uuid"
)

// SessionState is the lifecycle of one monitor's capture.
type SessionState int32

const (
	SessionIdle SessionState = iota
	SessionStarting
	SessionRunning
	SessionStopping
)

func (s SessionState) String() string {
	switch s {
	case SessionStarting:
		return "starting"
	case SessionRunning:
		return "running"
	case SessionStopping:
		return "stopping"
	default:
		return "idle"
	}
}

// Session captures one monitor. It is created by Start and discarded by Stop.
type Session struct {
	ID      uuid.UUID
	Monitor display.Monitor

	item     Item
	pool     *FramePool
	producer Producer
	state    atomic.Int32
}

// SessionInfo is a snapshot for status reporting.
type SessionInfo struct {
	ID        string `json:"id"`
	Monitor   string `json:"monitor"`
	State     string `json:"state"`
	Delivered uint64 `json:"delivered"`
	Dropped   uint64 `json:"dropped"`
}

func newSession(m display.Monitor) *Session {
	return &Session{ID: uuid.New(), Monitor: m}
}

func (s *Session) State() SessionState { return SessionState(s.state.Load()) }

func (s *Session) setState(st SessionState) { s.state.Store(int32(st)) }

func (s *Session) info() SessionInfo {
	info := SessionInfo{ID: s.ID.String(), Monitor: s.Monitor.ID, State: s.State().String()}
	if s.pool != nil {
		info.Delivered, info.Dropped = s.pool.Stats()
	}
	return info
}

// stop tears the session down: revoke the handler, close the producer, close
// the pool, release the item. Later steps run even if earlier ones fail.
func (s *Session) stop() error {
	s.setState(SessionStopping)
	var errs []error
	if s.pool != nil {
		s.pool.Revoke()
	}
	if s.producer != nil {
		errs = append(errs, s.producer.Close())
	}
	if s.pool != nil {
		s.pool.Close()
	}
	if s.item != nil {
		s.item.Release()
	}
	s.setState(SessionIdle)
	return errors.Join(errs...)
}
