package display

import (
	"errors"
	"fmt"
	"image"
	"math"
	"slices"
	"sync"
)

// DefaultDPI is assumed when a monitor does not report its physical size.
const DefaultDPI = 96

// Monitor describes one output in virtual-screen coordinates.
type Monitor struct {
	ID      string          `json:"id"`
	Name    string          `json:"name"`
	Bounds  image.Rectangle `json:"bounds"`
	Primary bool            `json:"primary"`
	DPI     int             `json:"dpi"`
}

func (m Monitor) String() string {
	return fmt.Sprintf("%s %dx%d+%d+%d", m.ID, m.Bounds.Dx(), m.Bounds.Dy(), m.Bounds.Min.X, m.Bounds.Min.Y)
}

// Enumerator lists the monitors currently attached.
type Enumerator interface {
	Name() string
	Monitors() ([]Monitor, error)
}

// ErrNoMonitors is returned when enumeration finds nothing usable.
var ErrNoMonitors = errors.New("no monitors found")

// UnionBounds returns the smallest rectangle covering every monitor.
func UnionBounds(monitors []Monitor) image.Rectangle {
	var r image.Rectangle
	for _, m := range monitors {
		r = r.Union(m.Bounds)
	}
	return r
}

// Primary returns the primary monitor, or the first one.
func Primary(monitors []Monitor) (Monitor, bool) {
	for _, m := range monitors {
		if m.Primary {
			return m, true
		}
	}
	if len(monitors) > 0 {
		return monitors[0], true
	}
	return Monitor{}, false
}

// SameLayout reports whether both lists describe the same outputs at the same
// positions, ignoring order and DPI.
func SameLayout(a, b []Monitor) bool {
	if len(a) != len(b) {
		return false
	}
	key := func(m Monitor) string { return m.ID + "@" + m.Bounds.String() }
	ka := make([]string, len(a))
	kb := make([]string, len(b))
	for i := range a {
		ka[i], kb[i] = key(a[i]), key(b[i])
	}
	slices.Sort(ka)
	slices.Sort(kb)
	return slices.Equal(ka, kb)
}

// dpiFromMM derives DPI from a pixel width and physical width in millimetres.
func dpiFromMM(px int, mm uint32) int {
	if mm == 0 || px <= 0 {
		return DefaultDPI
	}
	return int(math.Round(float64(px) * 25.4 / float64(mm)))
}

// StaticEnumerator returns a fixed list, for headless setups and tests.
type StaticEnumerator struct {
	mu   sync.Mutex
	list []Monitor
	err  error
}

// NewStaticEnumerator returns an enumerator reporting list.
func NewStaticEnumerator(list ...Monitor) *StaticEnumerator {
	return &StaticEnumerator{list: slices.Clone(list)}
}

func (s *StaticEnumerator) Name() string { return "static" }

func (s *StaticEnumerator) Monitors() ([]Monitor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	if len(s.list) == 0 {
		return nil, ErrNoMonitors
	}
	return slices.Clone(s.list), nil
}

// Set replaces the reported list.
func (s *StaticEnumerator) Set(list ...Monitor) {
	s.mu.Lock()
	s.list = slices.Clone(list)
	s.mu.Unlock()
}

// Fail makes Monitors return err until cleared with nil.
func (s *StaticEnumerator) Fail(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}
