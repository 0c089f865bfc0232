package session

import (
	"errors"

	"github.com/SimplyPrint/eid-notes/internal/eid"
	"github.com/SimplyPrint/eid-notes/internal/logging"
)

// CardSession is the card selected by a Manager. It is only usable while the
// manager is in the CardSelected state.
type CardSession struct {
	m      *Manager
	reader string
	card   eid.Card
}

// Reader returns the name of the reader holding the card.
func (s *CardSession) Reader() string {
	return s.reader
}

func (s *CardSession) check() error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()

	if err := s.m.checkActive(); err != nil {
		return err
	}
	if s.m.card != s {
		return eid.ErrCardRemoved
	}
	return nil
}

// ReadNotes returns the current notes. An empty buffer is a valid result.
func (s *CardSession) ReadNotes() (eid.ByteArray, error) {
	if err := s.check(); err != nil {
		return eid.ByteArray{}, err
	}
	return s.card.ReadNotes()
}

// AuthenticatePin resolves ref to a PIN handle. The code is checked by the
// driver when the PIN is used for a write.
func (s *CardSession) AuthenticatePin(ref eid.PinRef) (eid.Pin, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	pins, err := s.card.Pins()
	if err != nil {
		return nil, err
	}
	return pins.PinByRef(ref)
}

// Pins returns every PIN on the card.
func (s *CardSession) Pins() ([]eid.Pin, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	set, err := s.card.Pins()
	if err != nil {
		return nil, err
	}
	pins := make([]eid.Pin, 0, set.Count())
	for _, ref := range eid.AllPins {
		pin, err := set.PinByRef(ref)
		if err != nil {
			if errors.Is(err, eid.ErrUnknownPIN) {
				continue
			}
			return nil, err
		}
		pins = append(pins, pin)
	}
	return pins, nil
}

// VerifyPin checks the code of pin without touching the notes and returns
// the attempts left afterwards. On a wrong code the count comes from the
// card's answer; a blocked PIN reports 0.
func (s *CardSession) VerifyPin(pin eid.Pin) (int, error) {
	if err := s.check(); err != nil {
		return -1, err
	}
	if pin == nil {
		return -1, eid.ErrUnknownPIN
	}

	err := s.card.VerifyPin(pin)
	var wrong *eid.WrongPINError
	switch {
	case err == nil:
		return pin.TriesLeft(), nil
	case errors.As(err, &wrong):
		return wrong.TriesLeft, err
	case errors.Is(err, eid.ErrPINBlocked):
		return 0, err
	default:
		return -1, err
	}
}

// TryWriteNotes writes notes authorised by pin and returns the driver's
// error unchanged so callers can classify it.
func (s *CardSession) TryWriteNotes(notes eid.ByteArray, pin eid.Pin) error {
	if err := s.check(); err != nil {
		return err
	}
	if notes.Len() > eid.NotesSize {
		return eid.TooLargeError(notes.Len())
	}
	if pin == nil {
		return eid.ErrUnknownPIN
	}
	return s.card.WriteNotes(notes, pin)
}

// WriteNotes writes notes authorised by pin and reports whether it worked.
// Failures are logged and never retried.
func (s *CardSession) WriteNotes(notes eid.ByteArray, pin eid.Pin) bool {
	if err := s.TryWriteNotes(notes, pin); err != nil {
		logging.Warn(logging.CatCard, "Writing notes failed", map[string]any{
			"reader": s.reader,
			"error":  err.Error(),
		})
		return false
	}
	return true
}
