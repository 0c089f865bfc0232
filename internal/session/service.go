package session

import (
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/SimplyPrint/eid-notes/internal/eid"
	"github.com/SimplyPrint/eid-notes/internal/logging"
)

var ErrServiceClosed = errors.New("card service is not running")

// ReaderInfo describes one attached reader.
type ReaderInfo struct {
	Index       int    `json:"index"`
	Name        string `json:"name"`
	CardPresent bool   `json:"cardPresent"`
}

// PinInfo describes one PIN of a card.
type PinInfo struct {
	Ref       string `json:"ref"`
	Label     string `json:"label"`
	TriesLeft int    `json:"triesLeft"`
}

// Service serialises access to a single long-lived Manager so that it can
// be shared by concurrent API requests. It is also the PIN prompter of the
// driver it runs: the code supplied with a write request is handed to the
// driver when it asks for it.
type Service struct {
	opts Options

	mu sync.Mutex
	m  *Manager

	pinMu   sync.Mutex
	pinCode *string
}

// NewService returns a stopped service. Pass it as the PIN prompter when
// constructing the driver, then call Start.
func NewService(opts Options) *Service {
	return &Service{opts: opts}
}

// Start initialises driver. It is called once per process.
func (s *Service) Start(driver eid.Driver) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.m != nil {
		return errors.New("card service already started")
	}
	m, err := Open(driver, s.opts)
	if err != nil {
		return err
	}
	s.m = m
	return nil
}

// Close releases the driver.
func (s *Service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.m == nil {
		return nil
	}
	return s.m.Release()
}

// PromptPIN answers the driver with the code of the write in progress.
func (s *Service) PromptPIN(pin eid.Pin) (string, error) {
	s.pinMu.Lock()
	defer s.pinMu.Unlock()

	if s.pinCode == nil {
		return "", fmt.Errorf("%w: no code supplied for %s", eid.ErrPINCancelled, pin.Label())
	}
	return *s.pinCode, nil
}

func (s *Service) setPinCode(code *string) {
	s.pinMu.Lock()
	defer s.pinMu.Unlock()
	s.pinCode = code
}

// manager returns the running manager. Caller holds s.mu.
func (s *Service) manager() (*Manager, error) {
	if s.m == nil {
		return nil, ErrServiceClosed
	}
	return s.m, nil
}

func (s *Service) selector(reader string) string {
	if reader == "" {
		return s.opts.Reader
	}
	return reader
}

// ListReaders returns every attached reader with its card presence.
func (s *Service) ListReaders() ([]ReaderInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, err := s.manager()
	if err != nil {
		return nil, err
	}
	set, err := m.Readers()
	if err != nil {
		return nil, err
	}

	count := set.ReaderCount()
	if count == 0 {
		// Tell an empty list apart from a failing enumeration
		if _, err := set.ReaderName(0); err != nil && !errors.Is(err, eid.ErrNoReader) {
			return nil, err
		}
	}
	readers := make([]ReaderInfo, 0, count)
	for i := 0; i < count; i++ {
		rc, err := set.ReaderByIndex(i)
		if err != nil {
			// Reader list changed under us
			if errors.Is(err, eid.ErrNoReader) {
				break
			}
			return nil, err
		}
		readers = append(readers, ReaderInfo{
			Index:       i,
			Name:        rc.Name(),
			CardPresent: rc.IsCardPresent(),
		})
	}
	return readers, nil
}

// CardPresent reports whether the selected reader holds a card.
func (s *Service) CardPresent(reader string) (bool, error) {
	readers, err := s.ListReaders()
	if err != nil {
		return false, err
	}
	sel := s.selector(reader)
	for _, r := range readers {
		if sel == "" || sel == r.Name || sel == strconv.Itoa(r.Index) {
			return r.CardPresent, nil
		}
	}
	return false, eid.ErrNoReader
}

// ReadNotes returns the notes of the card in reader and the reader's name.
func (s *Service) ReadNotes(reader string) (string, eid.ByteArray, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, err := s.manager()
	if err != nil {
		return "", eid.ByteArray{}, err
	}
	card, err := m.FindCardIn(s.selector(reader))
	if err != nil {
		return "", eid.ByteArray{}, err
	}
	notes, err := card.ReadNotes()
	if err != nil {
		return card.Reader(), eid.ByteArray{}, err
	}
	return card.Reader(), notes, nil
}

// WriteNotes writes notes to the card in reader, authorised by the PIN ref
// with code. The classified driver error is returned.
func (s *Service) WriteNotes(reader string, notes eid.ByteArray, ref eid.PinRef, code string) error {
	if notes.Len() > eid.NotesSize {
		return eid.TooLargeError(notes.Len())
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	m, err := s.manager()
	if err != nil {
		return err
	}
	card, err := m.FindCardIn(s.selector(reader))
	if err != nil {
		return err
	}
	pin, err := card.AuthenticatePin(ref)
	if err != nil {
		return err
	}

	s.setPinCode(&code)
	defer s.setPinCode(nil)

	if err := card.TryWriteNotes(notes, pin); err != nil {
		logging.Warn(logging.CatCard, "Writing notes failed", map[string]any{
			"reader": card.Reader(),
			"pin":    ref.String(),
			"error":  err.Error(),
		})
		return err
	}
	logging.Info(logging.CatCard, "Notes written", map[string]any{
		"reader": card.Reader(),
		"bytes":  notes.Len(),
	})
	return nil
}

// VerifyPin checks code against the PIN ref of the card in reader and
// returns the attempts left.
func (s *Service) VerifyPin(reader string, ref eid.PinRef, code string) (int, error) {
	if err := eid.ValidatePINCode(code); err != nil {
		return -1, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	m, err := s.manager()
	if err != nil {
		return -1, err
	}
	card, err := m.FindCardIn(s.selector(reader))
	if err != nil {
		return -1, err
	}
	pin, err := card.AuthenticatePin(ref)
	if err != nil {
		return -1, err
	}

	s.setPinCode(&code)
	defer s.setPinCode(nil)

	tries, err := card.VerifyPin(pin)
	if err != nil {
		logging.Warn(logging.CatPIN, "PIN verification failed", map[string]any{
			"reader":    card.Reader(),
			"pin":       ref.String(),
			"triesLeft": tries,
		})
		return tries, err
	}
	logging.Info(logging.CatPIN, "PIN verified", map[string]any{
		"reader": card.Reader(),
		"pin":    ref.String(),
	})
	return tries, nil
}

// Pins lists the PINs of the card in reader.
func (s *Service) Pins(reader string) ([]PinInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, err := s.manager()
	if err != nil {
		return nil, err
	}
	card, err := m.FindCardIn(s.selector(reader))
	if err != nil {
		return nil, err
	}
	pins, err := card.Pins()
	if err != nil {
		return nil, err
	}

	out := make([]PinInfo, 0, len(pins))
	for _, p := range pins {
		out = append(out, PinInfo{
			Ref:       p.Ref().String(),
			Label:     p.Label(),
			TriesLeft: p.TriesLeft(),
		})
	}
	return out, nil
}
