// Package session manages the lifetime of an eid.Driver and the card
// interactions that happen while it is initialised.
package session

import (
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/SimplyPrint/eid-notes/internal/eid"
	"github.com/SimplyPrint/eid-notes/internal/logging"
)

// State is the lifecycle position of a Manager.
type State int

const (
	StateUninitialized State = iota
	StateInitialized
	StateIdle
	StateCardSelected
	StateReleased
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitialized:
		return "initialized"
	case StateIdle:
		return "idle"
	case StateCardSelected:
		return "card-selected"
	case StateReleased:
		return "released"
	default:
		return "unknown"
	}
}

// Options selects the reader the manager works with.
type Options struct {
	// Reader is a reader index or name. Empty selects the first reader.
	Reader string
}

// Manager owns a driver from Initialize until Release.
type Manager struct {
	driver eid.Driver
	opts   Options

	mu      sync.Mutex
	state   State
	readers eid.ReaderSet
	card    *CardSession
}

// New returns an uninitialised manager for driver.
func New(driver eid.Driver, opts Options) *Manager {
	return &Manager{driver: driver, opts: opts}
}

// Open creates a manager and initialises it. The caller must Release it.
func Open(driver eid.Driver, opts Options) (*Manager, error) {
	m := New(driver, opts)
	if err := m.Initialize(); err != nil {
		return nil, err
	}
	return m, nil
}

// Initialize acquires the driver. A failed initialisation leaves nothing to
// release and is not retried.
func (m *Manager) Initialize() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.state {
	case StateUninitialized:
	case StateReleased:
		return eid.ErrReleased
	default:
		return errors.New("session already initialized")
	}

	readers, err := m.driver.Init()
	if err != nil {
		logging.Error(logging.CatSystem, "Failed to initialize card driver", map[string]any{
			"error": err.Error(),
		})
		return fmt.Errorf("failed to initialize card driver: %w", err)
	}

	m.readers = readers
	m.state = StateInitialized
	logging.Debug(logging.CatSystem, "Card driver initialized", nil)
	return nil
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Manager) checkActive() error {
	switch m.state {
	case StateUninitialized:
		return eid.ErrNotInitialized
	case StateReleased:
		return eid.ErrReleased
	}
	return nil
}

// Readers returns the driver's reader set.
func (m *Manager) Readers() (eid.ReaderSet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkActive(); err != nil {
		return nil, err
	}
	return m.readers, nil
}

// selectReader resolves selector. An empty reader list is eid.ErrNoReader;
// any other enumeration failure is returned as is.
func (m *Manager) selectReader(selector string) (eid.ReaderContext, error) {
	if _, err := m.readers.ReaderName(0); err != nil {
		if errors.Is(err, eid.ErrNoReader) {
			return nil, eid.ErrNoReader
		}
		return nil, err
	}
	if selector == "" {
		return m.readers.Reader()
	}
	if index, err := strconv.Atoi(selector); err == nil {
		return m.readers.ReaderByIndex(index)
	}
	return m.readers.ReaderByName(selector)
}

// FindCard selects the configured reader and connects to its card. It
// returns eid.ErrNoReader or eid.ErrNoCard when the hardware is absent, and
// leaves the manager Idle in that case.
func (m *Manager) FindCard() (*CardSession, error) {
	return m.FindCardIn(m.opts.Reader)
}

// FindCardIn is FindCard for the reader named by selector, which is an
// index, a name, or empty for the first reader. Selecting a card drops any
// previously selected one.
func (m *Manager) FindCardIn(selector string) (*CardSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkActive(); err != nil {
		return nil, err
	}
	m.state = StateIdle
	m.card = nil

	reader, err := m.selectReader(selector)
	if err != nil {
		return nil, err
	}
	if !reader.IsCardPresent() {
		return nil, eid.ErrNoCard
	}

	card, err := reader.Card()
	if err != nil {
		return nil, err
	}

	m.card = &CardSession{m: m, reader: reader.Name(), card: card}
	m.state = StateCardSelected

	logging.Info(logging.CatReader, "Card selected", map[string]any{
		"reader": reader.Name(),
	})
	return m.card, nil
}

// HasUsableCard reports whether a reader with an inserted card is available.
// Absence of either is an expected state and only returns false.
func (m *Manager) HasUsableCard() bool {
	_, err := m.FindCard()
	if err == nil {
		return true
	}
	if !errors.Is(err, eid.ErrNoReader) && !errors.Is(err, eid.ErrNoCard) {
		logging.Warn(logging.CatReader, "Card lookup failed", map[string]any{
			"error": err.Error(),
		})
	}
	return false
}

// Card returns the selected card session.
func (m *Manager) Card() (*CardSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkActive(); err != nil {
		return nil, err
	}
	if m.state != StateCardSelected {
		return nil, eid.ErrNoCard
	}
	return m.card, nil
}

// Release frees the driver. Only the first call reaches the driver; later
// calls return nil.
func (m *Manager) Release() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == StateReleased {
		return nil
	}
	wasInitialized := m.state != StateUninitialized
	m.state = StateReleased
	m.readers = nil
	m.card = nil

	if !wasInitialized {
		return nil
	}

	if err := m.driver.Release(); err != nil {
		logging.Error(logging.CatSystem, "Failed to release card driver", map[string]any{
			"error": err.Error(),
		})
		return fmt.Errorf("failed to release card driver: %w", err)
	}
	logging.Debug(logging.CatSystem, "Card driver released", nil)
	return nil
}
