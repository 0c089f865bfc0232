package pcsc

import (
	"bytes"
	"encoding/hex"
	"errors"
	"sync"

	"github.com/SimplyPrint/eid-notes/internal/eid"
	"github.com/ebfe/scard"
)

// MockContextFactory hands out a fixed mock context
type MockContextFactory struct {
	ctx         *MockSmartCardContext
	err         error
	established int
}

func (f *MockContextFactory) EstablishContext() (SmartCardContext, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.established++
	return f.ctx, nil
}

// MockSmartCardContext implements SmartCardContext for testing
type MockSmartCardContext struct {
	readers    []string
	cards      map[string]*MockSmartCard
	listErr    error
	releaseErr error
	released   int
}

// MockSmartCard emulates the notes file and PINs of an identity card
type MockSmartCard struct {
	mu           sync.Mutex
	notes        []byte
	pins         map[byte]*mockPin
	selected     bool
	verified     map[byte]bool
	removed      bool
	disconnected int
	commands     []string // hex of every APDU received
	responses    map[string][]byte
}

type mockPin struct {
	block []byte
	tries int
}

// NewMockContext creates a new mock context with predefined readers
func NewMockContext() *MockSmartCardContext {
	return &MockSmartCardContext{
		readers: []string{
			"Gemalto PC Twin Reader 00 00",
			"ACS ACR38U-CCID 01 00",
		},
		cards: make(map[string]*MockSmartCard),
	}
}

// WithReaders sets the readers for the mock context
func (m *MockSmartCardContext) WithReaders(readers []string) *MockSmartCardContext {
	m.readers = readers
	return m
}

// WithCard adds a mock card to a specific reader
func (m *MockSmartCardContext) WithCard(readerName string, card *MockSmartCard) *MockSmartCardContext {
	m.cards[readerName] = card
	return m
}

// WithListError makes ListReaders fail
func (m *MockSmartCardContext) WithListError(err error) *MockSmartCardContext {
	m.listErr = err
	return m
}

func (m *MockSmartCardContext) ListReaders() ([]string, error) {
	if m.listErr != nil {
		return nil, m.listErr
	}
	return m.readers, nil
}

func (m *MockSmartCardContext) CardPresent(reader string) (bool, error) {
	card, ok := m.cards[reader]
	if !ok {
		return false, nil
	}
	card.mu.Lock()
	defer card.mu.Unlock()
	return !card.removed, nil
}

func (m *MockSmartCardContext) Connect(reader string, shareMode uint32, protocol uint32) (SmartCard, error) {
	card, ok := m.cards[reader]
	if !ok {
		return nil, scard.ErrNoSmartcard
	}
	return card, nil
}

func (m *MockSmartCardContext) Release() error {
	m.released++
	return m.releaseErr
}

// NewMockCard creates a card with the given notes and every PIN set to code
func NewMockCard(notes string, code string) *MockSmartCard {
	block, err := pinBlock(code)
	if err != nil {
		panic(err)
	}
	card := &MockSmartCard{
		notes:     make([]byte, eid.NotesSize),
		pins:      make(map[byte]*mockPin),
		verified:  make(map[byte]bool),
		responses: make(map[string][]byte),
	}
	copy(card.notes, notes)
	for _, ref := range eid.AllPins {
		card.pins[byte(ref)] = &mockPin{block: block, tries: eid.DefaultPinTries}
	}
	return card
}

// WithResponse forces the reply to an exact command
func (m *MockSmartCard) WithResponse(cmdHex string, rsp []byte) *MockSmartCard {
	m.responses[cmdHex] = rsp
	return m
}

// Remove simulates pulling the card out of the reader
func (m *MockSmartCard) Remove() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removed = true
}

func (m *MockSmartCard) countCommands(ins byte) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.commands {
		b, _ := hex.DecodeString(c)
		if len(b) > 1 && b[1] == ins {
			n++
		}
	}
	return n
}

func sw(v uint16) []byte {
	return []byte{byte(v >> 8), byte(v)}
}

func (m *MockSmartCard) Transmit(cmd []byte) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.removed {
		return nil, scard.ErrRemovedCard
	}

	cmdHex := hex.EncodeToString(cmd)
	m.commands = append(m.commands, cmdHex)

	if rsp, ok := m.responses[cmdHex]; ok {
		return rsp, nil
	}

	if len(cmd) < 4 {
		return nil, errors.New("short APDU")
	}

	switch cmd[1] {
	case insSelect:
		if len(cmd) >= 5 && bytes.Equal(cmd[5:], notesPath) {
			m.selected = true
			return sw(swOK), nil
		}
		m.selected = false
		return sw(swFileNotFound), nil

	case insReadBinary:
		if !m.selected || len(cmd) != 5 {
			return sw(swWrongLength), nil
		}
		offset := int(cmd[2])<<8 | int(cmd[3])
		le := int(cmd[4])
		if le == 0 {
			le = 256
		}
		if offset >= len(m.notes) {
			return sw(swWrongOffset), nil
		}
		end := offset + le
		if end > len(m.notes) {
			end = len(m.notes)
		}
		return append(append([]byte(nil), m.notes[offset:end]...), sw(swOK)...), nil

	case insUpdateBinary:
		if !m.selected {
			return sw(swWrongLength), nil
		}
		if !m.verified[byte(eid.AuthPin)] {
			return sw(swSecurity), nil
		}
		offset := int(cmd[2])<<8 | int(cmd[3])
		lc := int(cmd[4])
		data := cmd[5 : 5+lc]
		if offset+lc > len(m.notes) {
			return sw(swWrongLength), nil
		}
		copy(m.notes[offset:], data)
		return sw(swOK), nil

	case insVerify:
		ref := cmd[3]
		p, ok := m.pins[ref]
		if !ok {
			return sw(0x6A88), nil
		}
		if len(cmd) == 4 {
			if m.verified[ref] {
				return sw(swOK), nil
			}
			if p.tries == 0 {
				return sw(swPinBlocked), nil
			}
			return sw(0x63C0 | uint16(p.tries)), nil
		}
		if p.tries == 0 {
			return sw(swPinBlocked), nil
		}
		if bytes.Equal(cmd[5:], p.block) {
			p.tries = eid.DefaultPinTries
			m.verified[ref] = true
			return sw(swOK), nil
		}
		p.tries--
		m.verified[ref] = false
		return sw(0x63C0 | uint16(p.tries)), nil
	}

	return sw(0x6D00), nil
}

func (m *MockSmartCard) Disconnect(disposition uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.disconnected++
	m.selected = false
	m.verified = make(map[byte]bool)
	return nil
}
