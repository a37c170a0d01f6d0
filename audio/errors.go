package audio

import (
	"errors"
	"fmt"
	"os"
	"strings"
)

var (
	ErrPermissionDenied = errors.New("microphone permission denied")
	ErrDeviceNotFound   = errors.New("microphone not found")
	ErrDeviceBusy       = errors.New("microphone unavailable")
)

// AcquireError reports why a microphone could not be opened. Kind is one of
// the sentinel errors above so callers can branch with errors.Is.
type AcquireError struct {
	Kind   error
	Device string
	Err    error
}

func (e *AcquireError) Error() string {
	name := e.Device
	if name == "" {
		name = "system default"
	}
	if e.Err == nil {
		return fmt.Sprintf("%v: %s", e.Kind, name)
	}
	return fmt.Sprintf("%v: %s: %v", e.Kind, name, e.Err)
}

func (e *AcquireError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// Classify maps a backend error onto the acquisition taxonomy.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	return classify(err, "")
}

func classify(err error, device string) *AcquireError {
	var ae *AcquireError
	if errors.As(err, &ae) {
		if ae.Device == "" {
			ae.Device = device
		}
		return ae
	}
	msg := strings.ToLower(err.Error())
	switch {
	case errors.Is(err, os.ErrPermission),
		strings.Contains(msg, "permission"),
		strings.Contains(msg, "access denied"),
		strings.Contains(msg, "not authorized"):
		return &AcquireError{Kind: ErrPermissionDenied, Device: device, Err: err}
	case errors.Is(err, os.ErrNotExist),
		strings.Contains(msg, "no such entity"),
		strings.Contains(msg, "no such device"),
		strings.Contains(msg, "not found"),
		strings.Contains(msg, "no capture devices"):
		return &AcquireError{Kind: ErrDeviceNotFound, Device: device, Err: err}
	default:
		return &AcquireError{Kind: ErrDeviceBusy, Device: device, Err: err}
	}
}

// UserMessage renders an acquisition error the way the UI shows it.
func UserMessage(err error) string {
	switch {
	case errors.Is(err, ErrPermissionDenied):
		return "Microphone access was denied. Grant access and restart listening."
	case errors.Is(err, ErrDeviceNotFound):
		return "No microphone found. Connect one and restart listening."
	default:
		return "Could not access the microphone: " + err.Error()
	}
}
