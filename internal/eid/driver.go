// Package eid defines the boundary to an identity-card driver.
//
// A Driver is initialised once per process and hands out a ReaderSet. Every
// value reachable from that set (readers, cards, PINs) is owned by the driver
// and must not be used after Release.
package eid

// Driver is the process-wide card SDK.
type Driver interface {
	// Init acquires the driver state and returns the reader set.
	Init() (ReaderSet, error)
	// Release frees everything Init acquired.
	Release() error
}

// ReaderSet enumerates the attached card readers.
type ReaderSet interface {
	ReaderCount() int
	ReaderName(index int) (string, error)
	// Reader returns the first reader.
	Reader() (ReaderContext, error)
	ReaderByIndex(index int) (ReaderContext, error)
	ReaderByName(name string) (ReaderContext, error)
}

// ReaderContext is a single reader slot.
type ReaderContext interface {
	Name() string
	IsCardPresent() bool
	// Card connects to the inserted card. Returns ErrNoCard when the slot is empty.
	Card() (Card, error)
}

// Card is a connected identity card.
type Card interface {
	// ReadNotes returns the raw contents of the personal notes field.
	ReadNotes() (ByteArray, error)
	// WriteNotes stores notes in the personal notes field. The PIN is
	// verified as part of the write; the driver asks its PinPrompter for the
	// code.
	WriteNotes(notes ByteArray, pin Pin) error
	// VerifyPin checks the code the PinPrompter supplies for pin without
	// changing any data. A mismatch returns a *WrongPINError.
	VerifyPin(pin Pin) error
	Pins() (PinSet, error)
}

// PinSet holds the PINs available on a card.
type PinSet interface {
	Count() int
	PinByRef(ref PinRef) (Pin, error)
}

// Pin identifies one of the card's PINs.
type Pin interface {
	Ref() PinRef
	Label() string
	// TriesLeft returns the remaining verification attempts, or -1 when the
	// driver cannot tell.
	TriesLeft() int
}

// PinPrompter supplies the PIN code when a driver needs to verify a PIN.
type PinPrompter interface {
	PromptPIN(pin Pin) (string, error)
}

// PromptFunc adapts a function to PinPrompter.
type PromptFunc func(pin Pin) (string, error)

func (f PromptFunc) PromptPIN(pin Pin) (string, error) {
	return f(pin)
}

// StaticPIN returns a prompter that always answers with code.
func StaticPIN(code string) PinPrompter {
	return PromptFunc(func(Pin) (string, error) {
		return code, nil
	})
}
