package session

import (
	"errors"
	"fmt"
)

// ErrCode identifies which start step failed
type ErrCode int

const (
	OK                  ErrCode = 0
	NoDevice            ErrCode = -1
	InitFailed          ErrCode = -2
	BufferCreateFailed  ErrCode = -3
	NotifyArmFailed     ErrCode = -4
	HWStartFailed       ErrCode = -5
	ContainerOpenFailed ErrCode = -6
)

var codeNames = map[ErrCode]string{
	OK:                  "OK",
	NoDevice:            "NO_DEVICE",
	InitFailed:          "INIT_FAILED",
	BufferCreateFailed:  "BUFFER_CREATE_FAILED",
	NotifyArmFailed:     "NOTIFY_ARM_FAILED",
	HWStartFailed:       "HW_START_FAILED",
	ContainerOpenFailed: "CONTAINER_OPEN_FAILED",
}

func (c ErrCode) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("ErrCode(%d)", int(c))
}

var (
	ErrNoDevice            = errors.New("no capture device available")
	ErrInitFailed          = errors.New("device initialization failed")
	ErrBufferCreateFailed  = errors.New("capture buffer creation failed")
	ErrNotifyArmFailed     = errors.New("buffer notification setup failed")
	ErrHWStartFailed       = errors.New("hardware capture start failed")
	ErrContainerOpenFailed = errors.New("output file open failed")

	ErrNotRecording     = errors.New("not recording")
	ErrAlreadyRecording = errors.New("already recording")

	// ErrDegraded is returned by Stop when the drain goroutine ended early on
	// a write failure. The file holds whatever was written before it.
	ErrDegraded = errors.New("recording degraded")
)

var codeErrors = map[ErrCode]error{
	NoDevice:            ErrNoDevice,
	InitFailed:          ErrInitFailed,
	BufferCreateFailed:  ErrBufferCreateFailed,
	NotifyArmFailed:     ErrNotifyArmFailed,
	HWStartFailed:       ErrHWStartFailed,
	ContainerOpenFailed: ErrContainerOpenFailed,
}

// Error is a Start failure tagged with the step that failed
type Error struct {
	Code ErrCode
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return codeErrors[e.Code].Error()
	}
	return fmt.Sprintf("%s: %v", codeErrors[e.Code], e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches the sentinel for the error's code
func (e *Error) Is(target error) bool {
	sentinel, ok := codeErrors[e.Code]
	return ok && target == sentinel
}

// CodeOf returns the ErrCode carried by err, OK for nil, or InitFailed for
// errors that carry no code
func CodeOf(err error) ErrCode {
	if err == nil {
		return OK
	}
	var serr *Error
	if errors.As(err, &serr) {
		return serr.Code
	}
	return InitFailed
}
