package virtual

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/SimplyPrint/eid-notes/internal/eid"
	"github.com/fxamacker/cbor/v2"
)

// imageVersion is bumped when the on-disk layout changes.
const imageVersion = 1

// Card images are CBOR maps keyed by small integers so that the file stays
// compact and field renames don't break old images.
type imageFile struct {
	Version int           `cbor:"1,keyasint"`
	Readers []imageReader `cbor:"2,keyasint"`
}

type imageReader struct {
	Name string     `cbor:"1,keyasint"`
	Card *imageCard `cbor:"2,keyasint,omitempty"`
}

type imageCard struct {
	Notes []byte     `cbor:"1,keyasint"`
	Pins  []imagePin `cbor:"2,keyasint"`
}

type imagePin struct {
	Ref       uint8  `cbor:"1,keyasint"`
	Code      string `cbor:"2,keyasint"`
	TriesLeft int    `cbor:"3,keyasint"`
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error

	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("failed to create CBOR encoder: %v", err))
	}

	decMode, err = cbor.DecOptions{
		DupMapKey: cbor.DupMapKeyEnforcedAPF,
	}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("failed to create CBOR decoder: %v", err))
	}
}

// EncodeImage serialises readers and the cards they hold.
func EncodeImage(readers []*Reader) ([]byte, error) {
	img := imageFile{Version: imageVersion}
	for _, r := range readers {
		ir := imageReader{Name: r.name}
		if card := r.Card(); card != nil {
			ic := &imageCard{Notes: card.notes}
			for _, ref := range eid.AllPins {
				p, ok := card.pins[ref]
				if !ok {
					continue
				}
				ic.Pins = append(ic.Pins, imagePin{Ref: uint8(ref), Code: p.code, TriesLeft: p.triesLeft})
			}
			ir.Card = ic
		}
		img.Readers = append(img.Readers, ir)
	}
	return encMode.Marshal(img)
}

// DecodeImage restores readers from EncodeImage output.
func DecodeImage(data []byte) ([]*Reader, error) {
	var img imageFile
	if err := decMode.Unmarshal(data, &img); err != nil {
		return nil, fmt.Errorf("invalid card image: %w", err)
	}
	if img.Version != imageVersion {
		return nil, fmt.Errorf("unsupported card image version %d", img.Version)
	}

	readers := make([]*Reader, 0, len(img.Readers))
	for _, ir := range img.Readers {
		r := &Reader{name: ir.Name}
		if ir.Card != nil {
			c := &Card{
				notes: ir.Card.Notes,
				pins:  make(map[eid.PinRef]*pinState, len(ir.Card.Pins)),
			}
			for _, p := range ir.Card.Pins {
				c.pins[eid.PinRef(p.Ref)] = &pinState{code: p.Code, triesLeft: p.TriesLeft}
			}
			r.card = c
		}
		readers = append(readers, r)
	}
	return readers, nil
}

// loadImage returns nil readers when the file does not exist yet.
func loadImage(path string) ([]*Reader, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return DecodeImage(data)
}

func saveImage(path string, readers []*Reader) error {
	data, err := EncodeImage(readers)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}
