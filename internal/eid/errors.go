package eid

import (
	"errors"
	"fmt"
)

var (
	ErrNoReader       = errors.New("no reader found")
	ErrNoCard         = errors.New("no card found in the reader")
	ErrCardRemoved    = errors.New("card removed")
	ErrWrongPIN       = errors.New("wrong PIN")
	ErrPINBlocked     = errors.New("PIN blocked")
	ErrPINCancelled   = errors.New("PIN entry cancelled")
	ErrInvalidPIN     = errors.New("invalid PIN format")
	ErrUnknownPIN     = errors.New("unknown PIN")
	ErrNotesTooLarge  = errors.New("notes too large")
	ErrNotInitialized = errors.New("driver not initialized")
	ErrReleased       = errors.New("driver released")
)

// WrongPINError reports a failed verification together with the attempts
// the card still allows.
type WrongPINError struct {
	Pin       PinRef
	TriesLeft int
}

func (e *WrongPINError) Error() string {
	return fmt.Sprintf("wrong %s (%d tries left)", e.Pin.Label(), e.TriesLeft)
}

func (e *WrongPINError) Is(target error) bool {
	return target == ErrWrongPIN
}

// TooLargeError reports a payload that does not fit the notes field.
func TooLargeError(size int) error {
	return fmt.Errorf("%w: %d bytes, field holds %d", ErrNotesTooLarge, size, NotesSize)
}
