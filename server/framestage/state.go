package framestage

import (
	"errors"
	"fmt"
	"strings"
)

// State of the frame stage. A frame moves strictly forward through these states,
// and any state can fall to StateDropped, after which the stage returns to StateIdle.
type State int32

const (
	StateIdle State = iota
	StateAcquired
	StateConverted
	StateTensorReady
	StateInferred
	StateDecoded
	StateRendered
	StateEmitted
	StateDropped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateAcquired:
		return "ACQUIRED"
	case StateConverted:
		return "CONVERTED"
	case StateTensorReady:
		return "TENSOR_READY"
	case StateInferred:
		return "INFERRED"
	case StateDecoded:
		return "DECODED"
	case StateRendered:
		return "RENDERED"
	case StateEmitted:
		return "EMITTED"
	case StateDropped:
		return "DROPPED"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

var (
	ErrNoSample    = errors.New("No sample available")
	ErrBufferMap   = errors.New("Failed to map capture buffer")
	ErrConversion  = errors.New("Image conversion failed")
	ErrResizeAlloc = errors.New("Failed to allocate frame buffer")
	ErrInference   = errors.New("Inference failed")
	ErrBusy        = errors.New("Frame stage is already processing a frame")
)

// DropError is returned by ProcessNext when a frame is abandoned.
// Reason is one of the Err* sentinels above, and Err is the underlying cause (possibly nil).
// Both can be tested with errors.Is.
type DropError struct {
	State  State // The state the frame was in when it was dropped
	Reason error
	Err    error
}

func (e *DropError) Error() string {
	b := strings.Builder{}
	fmt.Fprintf(&b, "Frame dropped in %v: %v", e.State, e.Reason)
	if e.Err != nil && e.Err != e.Reason {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *DropError) Unwrap() []error {
	errs := []error{e.Reason}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

// Short name of a drop reason, for stats
func reasonName(reason error) string {
	switch reason {
	case ErrNoSample:
		return "noSample"
	case ErrBufferMap:
		return "bufferMap"
	case ErrConversion:
		return "conversion"
	case ErrResizeAlloc:
		return "alloc"
	case ErrInference:
		return "inference"
	}
	return "other"
}
