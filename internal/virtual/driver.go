// Package virtual implements eid.Driver with in-memory readers and cards.
// It backs the demo mode of the CLI and the session tests.
package virtual

import (
	"fmt"
	"sync"

	"github.com/SimplyPrint/eid-notes/internal/eid"
	"github.com/SimplyPrint/eid-notes/internal/logging"
)

// Driver is an in-memory card driver. It is safe for concurrent use.
type Driver struct {
	mu        sync.Mutex
	readers   []*Reader
	prompter  eid.PinPrompter
	imagePath string
	active    bool
}

// Option configures a Driver.
type Option func(*Driver)

// WithPrompter sets where PIN codes come from.
func WithPrompter(p eid.PinPrompter) Option {
	return func(d *Driver) {
		d.prompter = p
	}
}

// WithImage makes the driver load the card image at path on Init and store
// it on Release. A missing file starts from the readers given to New.
func WithImage(path string) Option {
	return func(d *Driver) {
		d.imagePath = path
	}
}

// New returns a driver exposing the given readers.
func New(readers []*Reader, opts ...Option) *Driver {
	d := &Driver{readers: readers}
	for _, opt := range opts {
		opt(d)
	}
	if d.prompter == nil {
		d.prompter = eid.PromptFunc(func(eid.Pin) (string, error) {
			return "", eid.ErrPINCancelled
		})
	}
	return d
}

// NewDefault returns a driver with one reader holding a blank card whose
// PINs all use pinCode.
func NewDefault(pinCode string, opts ...Option) *Driver {
	return New([]*Reader{NewReader("Virtual eID Reader 0", NewCard(pinCode))}, opts...)
}

func (d *Driver) Init() (eid.ReaderSet, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.active {
		return nil, fmt.Errorf("virtual driver already initialized")
	}

	if d.imagePath != "" {
		readers, err := loadImage(d.imagePath)
		if err != nil {
			return nil, fmt.Errorf("failed to load card image: %w", err)
		}
		if readers != nil {
			d.readers = readers
		}
	}

	d.active = true
	logging.Debug(logging.CatSystem, "Virtual driver initialized", map[string]any{
		"readers": len(d.readers),
	})
	return &readerSet{d: d}, nil
}

func (d *Driver) Release() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.active {
		return nil
	}
	d.active = false

	if d.imagePath != "" {
		if err := saveImage(d.imagePath, d.readers); err != nil {
			return fmt.Errorf("failed to save card image: %w", err)
		}
	}
	return nil
}

// AddReader attaches a reader at runtime.
func (d *Driver) AddReader(r *Reader) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.readers = append(d.readers, r)
}

// Readers returns the attached readers.
func (d *Driver) Readers() []*Reader {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*Reader, len(d.readers))
	copy(out, d.readers)
	return out
}

func (d *Driver) checkActive() error {
	if !d.active {
		return eid.ErrReleased
	}
	return nil
}

type readerSet struct {
	d *Driver
}

func (s *readerSet) ReaderCount() int {
	s.d.mu.Lock()
	defer s.d.mu.Unlock()
	if !s.d.active {
		return 0
	}
	return len(s.d.readers)
}

func (s *readerSet) ReaderName(index int) (string, error) {
	r, err := s.reader(index)
	if err != nil {
		return "", err
	}
	return r.name, nil
}

func (s *readerSet) Reader() (eid.ReaderContext, error) {
	return s.ReaderByIndex(0)
}

func (s *readerSet) ReaderByIndex(index int) (eid.ReaderContext, error) {
	r, err := s.reader(index)
	if err != nil {
		return nil, err
	}
	return &readerContext{d: s.d, r: r}, nil
}

func (s *readerSet) ReaderByName(name string) (eid.ReaderContext, error) {
	s.d.mu.Lock()
	defer s.d.mu.Unlock()
	if err := s.d.checkActive(); err != nil {
		return nil, err
	}
	for _, r := range s.d.readers {
		if r.name == name {
			return &readerContext{d: s.d, r: r}, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", eid.ErrNoReader, name)
}

func (s *readerSet) reader(index int) (*Reader, error) {
	s.d.mu.Lock()
	defer s.d.mu.Unlock()
	if err := s.d.checkActive(); err != nil {
		return nil, err
	}
	if index < 0 || index >= len(s.d.readers) {
		return nil, fmt.Errorf("%w: index %d", eid.ErrNoReader, index)
	}
	return s.d.readers[index], nil
}

type readerContext struct {
	d *Driver
	r *Reader
}

func (rc *readerContext) Name() string {
	return rc.r.name
}

func (rc *readerContext) IsCardPresent() bool {
	rc.d.mu.Lock()
	defer rc.d.mu.Unlock()
	return rc.d.active && rc.r.Card() != nil
}

func (rc *readerContext) Card() (eid.Card, error) {
	rc.d.mu.Lock()
	defer rc.d.mu.Unlock()
	if err := rc.d.checkActive(); err != nil {
		return nil, err
	}
	card := rc.r.Card()
	if card == nil {
		return nil, eid.ErrNoCard
	}
	return &cardHandle{d: rc.d, r: rc.r, card: card}, nil
}
