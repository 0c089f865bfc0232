package session

import (
	"errors"
	"fmt"
	"io"

	"github.com/SimplyPrint/eid-notes/internal/eid"
	"go.uber.org/multierr"
)

// ExampleNotes is the text the example flow writes to the card.
const ExampleNotes = "We wrote successfully to the card!"

// With opens a manager on driver, runs fn and releases the driver on every
// path out of fn, panics included. A release error is merged into the
// returned error.
func With(driver eid.Driver, opts Options, fn func(m *Manager) error) (err error) {
	m, err := Open(driver, opts)
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Append(err, m.Release())
	}()
	return fn(m)
}

// RunExample reads the notes of the card in the selected reader, replaces
// them with ExampleNotes using the authentication PIN and reports the
// outcome on w. A missing reader or card is reported on w and is not an
// error.
func RunExample(w io.Writer, driver eid.Driver, opts Options) error {
	return With(driver, opts, func(m *Manager) error {
		card, err := m.FindCard()
		switch {
		case errors.Is(err, eid.ErrNoReader):
			fmt.Fprintln(w, "No readers found!")
			return nil
		case errors.Is(err, eid.ErrNoCard):
			fmt.Fprintln(w, "No card found in the reader!")
			return nil
		case err != nil:
			return err
		}

		notes, err := card.ReadNotes()
		if err != nil {
			return fmt.Errorf("failed to read notes: %w", err)
		}
		fmt.Fprintf(w, "Current notes: %s\n", notes)

		pin, err := card.AuthenticatePin(eid.AuthPin)
		if err != nil {
			return fmt.Errorf("failed to get authentication PIN: %w", err)
		}

		answer := "No."
		if card.WriteNotes(eid.NotesFromString(ExampleNotes), pin) {
			answer = "Yes!"
		}
		fmt.Fprintf(w, "Was writing successful? %s\n", answer)
		return nil
	})
}
