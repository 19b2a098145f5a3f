package gpu

import (
	"errors"
	"fmt"
)

// Kind classifies failures of the rendering core.
type Kind int

const (
	KindUnknown Kind = iota
	// DeviceUnavailable: no usable device at startup. Fatal to the core only.
	DeviceUnavailable
	// CaptureUnsupported: the capture facility is missing. Disables enhancement only.
	CaptureUnsupported
	// ShaderLoadFailed: a shader module could not be read or compiled.
	ShaderLoadFailed
	// DeviceLost: the device was removed or reset. Recoverable, retried once.
	DeviceLost
	// ResizeFailed: a swap chain or target could not be resized. Handled as DeviceLost.
	ResizeFailed
)

func (k Kind) String() string {
	switch k {
	case DeviceUnavailable:
		return "device_unavailable"
	case CaptureUnsupported:
		return "capture_unsupported"
	case ShaderLoadFailed:
		return "shader_load_failed"
	case DeviceLost:
		return "device_lost"
	case ResizeFailed:
		return "resize_failed"
	default:
		return "unknown"
	}
}

// Error is the typed error carried across package boundaries.
type Error struct {
	Kind     Kind
	Op       string
	Required bool   // ShaderLoadFailed only
	Reason   string // removal reason for DeviceLost
	Err      error
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Kind == ShaderLoadFailed {
		if e.Required {
			msg += " (required)"
		} else {
			msg += " (optional)"
		}
	}
	if e.Reason != "" {
		msg += " [" + e.Reason + "]"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches the kind sentinels below, so errors.Is(err, ErrDeviceLost) works
// for any *Error of that kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || t.Op != "" {
		return false
	}
	return t.Kind == e.Kind
}

var (
	ErrDeviceUnavailable  = &Error{Kind: DeviceUnavailable}
	ErrCaptureUnsupported = &Error{Kind: CaptureUnsupported}
	ErrShaderLoadFailed   = &Error{Kind: ShaderLoadFailed}
	ErrDeviceLost         = &Error{Kind: DeviceLost}
	ErrResizeFailed       = &Error{Kind: ResizeFailed}

	// ErrStale is returned when a resource from an older device generation is used.
	ErrStale = errors.New("gpu: resource belongs to a previous device generation")
	// ErrReleased is returned when a released resource is used.
	ErrReleased = errors.New("gpu: resource released")
	// ErrHazard is returned when a texture would be bound as render target and
	// shader resource at the same time.
	ErrHazard = errors.New("gpu: texture bound as render target and shader resource")
)

// NewError builds a typed error.
func NewError(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Errorf builds a typed error with a formatted cause.
func Errorf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsLost reports whether err requires device recovery. Resize failures count.
func IsLost(err error) bool {
	switch KindOf(err) {
	case DeviceLost, ResizeFailed:
		return true
	}
	return false
}
