// Package pcsc implements eid.Driver on top of PC/SC.
package pcsc

import (
	"fmt"
	"sync"

	"github.com/SimplyPrint/eid-notes/internal/eid"
	"github.com/SimplyPrint/eid-notes/internal/logging"
	"go.uber.org/multierr"
)

// Driver talks to identity cards through a PC/SC context.
type Driver struct {
	factory  ContextFactory
	prompter eid.PinPrompter

	mu    sync.Mutex
	ctx   SmartCardContext
	cards map[string]SmartCard // live connection per reader
}

// NewDriver returns a driver using factory for the PC/SC context and
// prompter for PIN codes. A nil factory selects the real PC/SC stack.
func NewDriver(factory ContextFactory, prompter eid.PinPrompter) *Driver {
	if factory == nil {
		factory = DefaultContextFactory{}
	}
	if prompter == nil {
		prompter = eid.PromptFunc(func(eid.Pin) (string, error) {
			return "", eid.ErrPINCancelled
		})
	}
	return &Driver{factory: factory, prompter: prompter}
}

func (d *Driver) Init() (eid.ReaderSet, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.ctx != nil {
		return nil, fmt.Errorf("pcsc driver already initialized")
	}

	ctx, err := d.factory.EstablishContext()
	if err != nil {
		return nil, fmt.Errorf("failed to establish context: %w", err)
	}
	d.ctx = ctx
	d.cards = make(map[string]SmartCard)

	logging.Debug(logging.CatSystem, "PC/SC context established", nil)
	return &readerSet{d: d}, nil
}

// Release disconnects every card handed out and releases the context.
func (d *Driver) Release() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.ctx == nil {
		return nil
	}

	var err error
	for _, card := range d.cards {
		err = multierr.Append(err, card.Disconnect(leaveCard))
	}
	err = multierr.Append(err, d.ctx.Release())

	d.cards = nil
	d.ctx = nil

	if err != nil {
		return fmt.Errorf("failed to release PC/SC resources: %w", err)
	}
	return nil
}

// context returns the live context. Caller holds d.mu.
func (d *Driver) context() (SmartCardContext, error) {
	if d.ctx == nil {
		return nil, eid.ErrReleased
	}
	return d.ctx, nil
}

func (d *Driver) listReaders() ([]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	ctx, err := d.context()
	if err != nil {
		return nil, err
	}

	readers, err := ctx.ListReaders()
	if err != nil {
		if isNoReaders(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list readers: %w", err)
	}
	return readers, nil
}

type readerSet struct {
	d *Driver
}

func (s *readerSet) ReaderCount() int {
	readers, err := s.d.listReaders()
	if err != nil {
		logging.Warn(logging.CatReader, "Reader enumeration failed", map[string]any{
			"error": err.Error(),
		})
		return 0
	}
	return len(readers)
}

func (s *readerSet) ReaderName(index int) (string, error) {
	readers, err := s.d.listReaders()
	if err != nil {
		return "", err
	}
	if index < 0 || index >= len(readers) {
		return "", fmt.Errorf("%w: index %d", eid.ErrNoReader, index)
	}
	return readers[index], nil
}

func (s *readerSet) Reader() (eid.ReaderContext, error) {
	return s.ReaderByIndex(0)
}

func (s *readerSet) ReaderByIndex(index int) (eid.ReaderContext, error) {
	name, err := s.ReaderName(index)
	if err != nil {
		return nil, err
	}
	return &readerContext{d: s.d, name: name}, nil
}

func (s *readerSet) ReaderByName(name string) (eid.ReaderContext, error) {
	readers, err := s.d.listReaders()
	if err != nil {
		return nil, err
	}
	for _, r := range readers {
		if r == name {
			return &readerContext{d: s.d, name: name}, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", eid.ErrNoReader, name)
}

type readerContext struct {
	d    *Driver
	name string
}

func (rc *readerContext) Name() string {
	return rc.name
}

func (rc *readerContext) IsCardPresent() bool {
	rc.d.mu.Lock()
	defer rc.d.mu.Unlock()

	ctx, err := rc.d.context()
	if err != nil {
		return false
	}

	present, err := ctx.CardPresent(rc.name)
	if err != nil {
		logging.Debug(logging.CatReader, "Card presence check failed", map[string]any{
			"reader": rc.name,
			"error":  err.Error(),
		})
		return false
	}
	return present
}

func (rc *readerContext) Card() (eid.Card, error) {
	if !rc.IsCardPresent() {
		return nil, eid.ErrNoCard
	}

	rc.d.mu.Lock()
	defer rc.d.mu.Unlock()

	ctx, err := rc.d.context()
	if err != nil {
		return nil, err
	}

	// One connection per reader; a new Card invalidates the previous one
	if old, ok := rc.d.cards[rc.name]; ok {
		if err := old.Disconnect(leaveCard); err != nil {
			logging.Debug(logging.CatCard, "Disconnect of previous card failed", map[string]any{
				"reader": rc.name,
				"error":  err.Error(),
			})
		}
		delete(rc.d.cards, rc.name)
	}

	sc, err := ctx.Connect(rc.name, shareShared, protocolAny)
	if err != nil {
		if isCardGone(err) {
			return nil, eid.ErrNoCard
		}
		return nil, fmt.Errorf("failed to connect to reader: %w", err)
	}
	rc.d.cards[rc.name] = sc

	logging.Debug(logging.CatCard, "Connected to card", map[string]any{
		"reader": rc.name,
	})
	return &card{d: rc.d, sc: sc, reader: rc.name}, nil
}
