package virtual

import (
	"fmt"
	"sync"

	"github.com/SimplyPrint/eid-notes/internal/eid"
	"github.com/SimplyPrint/eid-notes/internal/logging"
)

// Reader is a simulated reader slot. Cards can be inserted and ejected
// while the driver is in use.
type Reader struct {
	name string

	mu   sync.Mutex
	card *Card
}

// NewReader creates a reader, optionally with a card inserted.
func NewReader(name string, card *Card) *Reader {
	return &Reader{name: name, card: card}
}

// Name returns the reader name.
func (r *Reader) Name() string {
	return r.name
}

// Card returns the inserted card, or nil.
func (r *Reader) Card() *Card {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.card
}

// Insert places card in the reader, replacing any card already there.
func (r *Reader) Insert(card *Card) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.card = card
}

// Eject removes the card. Handles obtained earlier fail with ErrCardRemoved.
func (r *Reader) Eject() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.card = nil
}

// Card is a simulated identity card.
type Card struct {
	notes []byte
	pins  map[eid.PinRef]*pinState
}

type pinState struct {
	code      string
	triesLeft int
}

// NewCard returns a card with empty notes and every PIN set to pinCode.
func NewCard(pinCode string) *Card {
	c := &Card{pins: make(map[eid.PinRef]*pinState)}
	for _, ref := range eid.AllPins {
		c.pins[ref] = &pinState{code: pinCode, triesLeft: eid.DefaultPinTries}
	}
	return c
}

// WithNotes sets the initial notes content.
func (c *Card) WithNotes(notes []byte) *Card {
	c.notes = append([]byte(nil), notes...)
	return c
}

// WithPin overrides the code of one PIN.
func (c *Card) WithPin(ref eid.PinRef, code string) *Card {
	c.pins[ref] = &pinState{code: code, triesLeft: eid.DefaultPinTries}
	return c
}

// Notes returns a copy of the stored notes.
func (c *Card) Notes() []byte {
	return append([]byte(nil), c.notes...)
}

// TriesLeft returns the remaining attempts for a PIN, or -1 if unknown.
func (c *Card) TriesLeft(ref eid.PinRef) int {
	if p, ok := c.pins[ref]; ok {
		return p.triesLeft
	}
	return -1
}

// cardHandle is the eid.Card handed out for one insertion of a card.
type cardHandle struct {
	d    *Driver
	r    *Reader
	card *Card
}

// check must be called with d.mu held.
func (h *cardHandle) check() error {
	if err := h.d.checkActive(); err != nil {
		return err
	}
	if h.r.Card() != h.card {
		return eid.ErrCardRemoved
	}
	return nil
}

func (h *cardHandle) ReadNotes() (eid.ByteArray, error) {
	h.d.mu.Lock()
	defer h.d.mu.Unlock()
	if err := h.check(); err != nil {
		return eid.ByteArray{}, err
	}
	return eid.NewByteArray(h.card.notes), nil
}

func (h *cardHandle) WriteNotes(notes eid.ByteArray, pin eid.Pin) error {
	if notes.Len() > eid.NotesSize {
		return eid.TooLargeError(notes.Len())
	}
	if err := h.verify(pin); err != nil {
		return err
	}

	h.d.mu.Lock()
	defer h.d.mu.Unlock()
	if err := h.check(); err != nil {
		return err
	}
	h.card.notes = notes.Bytes()
	return nil
}

func (h *cardHandle) VerifyPin(pin eid.Pin) error {
	return h.verify(pin)
}

// verify asks the prompter for the code of pin and checks it against the
// card, counting failed attempts. Malformed codes are rejected before they
// cost an attempt.
func (h *cardHandle) verify(pin eid.Pin) error {
	if pin == nil {
		return fmt.Errorf("%w: no PIN given", eid.ErrUnknownPIN)
	}

	h.d.mu.Lock()
	if err := h.check(); err != nil {
		h.d.mu.Unlock()
		return err
	}
	state, ok := h.card.pins[pin.Ref()]
	if !ok {
		h.d.mu.Unlock()
		return fmt.Errorf("%w: %s", eid.ErrUnknownPIN, pin.Ref())
	}
	if state.triesLeft == 0 {
		h.d.mu.Unlock()
		return eid.ErrPINBlocked
	}
	prompter := h.d.prompter
	h.d.mu.Unlock()

	// The prompt may block on user input; the card can be pulled meanwhile.
	code, err := prompter.PromptPIN(pin)
	if err != nil {
		return err
	}
	if err := eid.ValidatePINCode(code); err != nil {
		return err
	}

	h.d.mu.Lock()
	defer h.d.mu.Unlock()
	if err := h.check(); err != nil {
		return err
	}

	if code != state.code {
		state.triesLeft--
		logging.Warn(logging.CatPIN, "PIN verification failed", map[string]any{
			"pin":       pin.Ref().String(),
			"triesLeft": state.triesLeft,
		})
		if state.triesLeft == 0 {
			return eid.ErrPINBlocked
		}
		return &eid.WrongPINError{Pin: pin.Ref(), TriesLeft: state.triesLeft}
	}
	state.triesLeft = eid.DefaultPinTries
	return nil
}

func (h *cardHandle) Pins() (eid.PinSet, error) {
	h.d.mu.Lock()
	defer h.d.mu.Unlock()
	if err := h.check(); err != nil {
		return nil, err
	}
	return &pinSet{h: h}, nil
}

type pinSet struct {
	h *cardHandle
}

func (s *pinSet) Count() int {
	s.h.d.mu.Lock()
	defer s.h.d.mu.Unlock()
	return len(s.h.card.pins)
}

func (s *pinSet) PinByRef(ref eid.PinRef) (eid.Pin, error) {
	s.h.d.mu.Lock()
	defer s.h.d.mu.Unlock()
	if err := s.h.check(); err != nil {
		return nil, err
	}
	if _, ok := s.h.card.pins[ref]; !ok {
		return nil, fmt.Errorf("%w: %s", eid.ErrUnknownPIN, ref)
	}
	return &pin{h: s.h, ref: ref}, nil
}

type pin struct {
	h   *cardHandle
	ref eid.PinRef
}

func (p *pin) Ref() eid.PinRef {
	return p.ref
}

func (p *pin) Label() string {
	return p.ref.Label()
}

func (p *pin) TriesLeft() int {
	p.h.d.mu.Lock()
	defer p.h.d.mu.Unlock()
	return p.h.card.TriesLeft(p.ref)
}
