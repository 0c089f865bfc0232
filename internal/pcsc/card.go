package pcsc

import (
	"fmt"

	"github.com/SimplyPrint/eid-notes/internal/eid"
	"github.com/SimplyPrint/eid-notes/internal/logging"
	"github.com/status-im/keycard-go/apdu"
)

const (
	claISO = 0x00

	insVerify       = 0x20
	insSelect       = 0xA4
	insReadBinary   = 0xB0
	insUpdateBinary = 0xD6

	// SELECT P1/P2: path from the MF, no FCI in the response
	selectByPath   = 0x08
	selectNoAnswer = 0x0C

	// Bytes per READ/UPDATE BINARY, below the short APDU limit
	chunkSize = 240

	pinBlockLen = 8
	pinPadding  = 0xFF

	swOK           = 0x9000
	swEndOfFile    = 0x6282
	swWrongLength  = 0x6700
	swSecurity     = 0x6982
	swPinBlocked   = 0x6983
	swFileNotFound = 0x6A82
	swWrongOffset  = 0x6B00
)

// Personal notes file, relative to the MF
var notesPath = []byte{0x5F, 0x00, 0xEF, 0x07}

// StatusError is an unexpected status word from the card.
type StatusError struct {
	Op string
	SW uint16
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s failed with status: %02X %02X", e.Op, byte(e.SW>>8), byte(e.SW))
}

type card struct {
	d      *Driver
	sc     SmartCard
	reader string
}

// transmit sends cmd and parses the response. Transport errors caused by the
// card leaving the reader become eid.ErrCardRemoved.
func (c *card) transmit(cmd *apdu.Command) (*apdu.Response, error) {
	c.d.mu.Lock()
	released := c.d.ctx == nil
	c.d.mu.Unlock()
	if released {
		return nil, eid.ErrReleased
	}

	raw, err := cmd.Serialize()
	if err != nil {
		return nil, fmt.Errorf("failed to encode command: %w", err)
	}

	rsp, err := c.sc.Transmit(raw)
	if err != nil {
		if isCardGone(err) {
			return nil, eid.ErrCardRemoved
		}
		return nil, fmt.Errorf("failed to transmit command: %w", err)
	}

	resp, err := apdu.ParseResponse(rsp)
	if err != nil {
		return nil, fmt.Errorf("invalid response length: %d", len(rsp))
	}
	return resp, nil
}

func (c *card) selectNotes() error {
	resp, err := c.transmit(apdu.NewCommand(claISO, insSelect, selectByPath, selectNoAnswer, notesPath))
	if err != nil {
		return err
	}
	if resp.Sw != swOK {
		return &StatusError{Op: "select notes file", SW: resp.Sw}
	}
	return nil
}

// ReadNotes returns the notes up to and including the first NUL. A field
// starting with NUL is empty.
func (c *card) ReadNotes() (eid.ByteArray, error) {
	if err := c.selectNotes(); err != nil {
		return eid.ByteArray{}, err
	}

	data := make([]byte, 0, eid.NotesSize)
	for offset := 0; offset < eid.NotesSize; {
		n := eid.NotesSize - offset
		if n > chunkSize {
			n = chunkSize
		}

		cmd := apdu.NewCommand(claISO, insReadBinary, byte(offset>>8)&0x7F, byte(offset), nil)
		cmd.SetLe(uint8(n))
		resp, err := c.transmit(cmd)
		if err != nil {
			return eid.ByteArray{}, err
		}

		if resp.Sw == swWrongOffset {
			break
		}
		if resp.Sw != swOK && resp.Sw != swEndOfFile {
			return eid.ByteArray{}, &StatusError{Op: "read notes", SW: resp.Sw}
		}

		data = append(data, resp.Data...)
		offset += len(resp.Data)
		if resp.Sw == swEndOfFile || len(resp.Data) < n {
			break
		}
	}

	logging.Debug(logging.CatCard, "Read personal notes", map[string]any{
		"reader": c.reader,
		"bytes":  len(data),
	})

	for i, b := range data {
		if b != 0 {
			continue
		}
		if i == 0 {
			return eid.ByteArray{}, nil
		}
		return eid.NewByteArray(data[:i+1]), nil
	}
	return eid.NewByteArray(data), nil
}

// WriteNotes verifies pin and then overwrites the whole notes field,
// zero-padding notes so that no older content survives.
func (c *card) WriteNotes(notes eid.ByteArray, pin eid.Pin) error {
	if notes.Len() > eid.NotesSize {
		return eid.TooLargeError(notes.Len())
	}
	if pin == nil {
		return fmt.Errorf("%w: no PIN given", eid.ErrUnknownPIN)
	}

	if err := c.verify(pin); err != nil {
		return err
	}

	if err := c.selectNotes(); err != nil {
		return err
	}

	field := make([]byte, eid.NotesSize)
	copy(field, notes.Bytes())

	for offset := 0; offset < len(field); offset += chunkSize {
		end := offset + chunkSize
		if end > len(field) {
			end = len(field)
		}

		resp, err := c.transmit(apdu.NewCommand(claISO, insUpdateBinary, byte(offset>>8)&0x7F, byte(offset), field[offset:end]))
		if err != nil {
			return err
		}
		if resp.Sw == swSecurity {
			return fmt.Errorf("%w: card refused the write", eid.ErrWrongPIN)
		}
		if resp.Sw != swOK {
			return &StatusError{Op: "write notes", SW: resp.Sw}
		}
	}

	logging.Info(logging.CatCard, "Wrote personal notes", map[string]any{
		"reader": c.reader,
		"bytes":  notes.Len(),
	})
	return nil
}

// pinBlock encodes code as ASCII digits padded with 0xFF.
func pinBlock(code string) ([]byte, error) {
	if err := eid.ValidatePINCode(code); err != nil {
		return nil, err
	}
	block := make([]byte, pinBlockLen)
	for i := range block {
		block[i] = pinPadding
	}
	copy(block, code)
	return block, nil
}

// VerifyPin runs VERIFY for pin with the prompted code.
func (c *card) VerifyPin(pin eid.Pin) error {
	if pin == nil {
		return fmt.Errorf("%w: no PIN given", eid.ErrUnknownPIN)
	}
	if err := c.verify(pin); err != nil {
		return err
	}
	logging.Debug(logging.CatPIN, "PIN verified", map[string]any{
		"reader": c.reader,
		"pin":    pin.Ref().String(),
	})
	return nil
}

func (c *card) verify(pin eid.Pin) error {
	code, err := c.d.prompter.PromptPIN(pin)
	if err != nil {
		return err
	}

	block, err := pinBlock(code)
	if err != nil {
		return err
	}

	resp, err := c.transmit(apdu.NewCommand(claISO, insVerify, 0x00, byte(pin.Ref()), block))
	if err != nil {
		return err
	}

	switch {
	case resp.Sw == swOK:
		return nil
	case resp.Sw == swPinBlocked:
		return eid.ErrPINBlocked
	case resp.Sw&0xFFF0 == 0x63C0:
		tries := int(resp.Sw & 0x000F)
		logging.Warn(logging.CatPIN, "PIN verification failed", map[string]any{
			"reader":    c.reader,
			"pin":       pin.Ref().String(),
			"triesLeft": tries,
		})
		if tries == 0 {
			return eid.ErrPINBlocked
		}
		return &eid.WrongPINError{Pin: pin.Ref(), TriesLeft: tries}
	default:
		return &StatusError{Op: "verify PIN", SW: resp.Sw}
	}
}

// triesLeft asks the card for the retry counter with an empty VERIFY.
func (c *card) triesLeft(ref eid.PinRef) int {
	resp, err := c.transmit(apdu.NewCommand(claISO, insVerify, 0x00, byte(ref), nil))
	if err != nil {
		return -1
	}
	switch {
	case resp.Sw == swOK:
		// Already verified in this card session
		return eid.DefaultPinTries
	case resp.Sw == swPinBlocked:
		return 0
	case resp.Sw&0xFFF0 == 0x63C0:
		return int(resp.Sw & 0x000F)
	default:
		return -1
	}
}

func (c *card) Pins() (eid.PinSet, error) {
	c.d.mu.Lock()
	defer c.d.mu.Unlock()
	if c.d.ctx == nil {
		return nil, eid.ErrReleased
	}
	return &pinSet{c: c}, nil
}

type pinSet struct {
	c *card
}

func (s *pinSet) Count() int {
	return len(eid.AllPins)
}

func (s *pinSet) PinByRef(ref eid.PinRef) (eid.Pin, error) {
	for _, known := range eid.AllPins {
		if known == ref {
			return &pin{c: s.c, ref: ref}, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", eid.ErrUnknownPIN, ref)
}

type pin struct {
	c   *card
	ref eid.PinRef
}

func (p *pin) Ref() eid.PinRef {
	return p.ref
}

func (p *pin) Label() string {
	return p.ref.Label()
}

func (p *pin) TriesLeft() int {
	return p.c.triesLeft(p.ref)
}
