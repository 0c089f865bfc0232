package eid

import (
	"fmt"
	"strings"
)

// PinRef is the on-card reference of a PIN.
type PinRef byte

const (
	AuthPin    PinRef = 0x81
	SignPin    PinRef = 0x82
	AddressPin PinRef = 0x83
)

// DefaultPinTries is the number of verification attempts a fresh PIN allows.
const DefaultPinTries = 3

// PIN codes are 4 to 8 decimal digits.
const (
	MinPinLength = 4
	MaxPinLength = 8
)

// AllPins lists the PINs an identity card carries, in card order.
var AllPins = []PinRef{AuthPin, SignPin, AddressPin}

// String returns the short name used on the command line and in the API.
func (r PinRef) String() string {
	switch r {
	case AuthPin:
		return "auth"
	case SignPin:
		return "sign"
	case AddressPin:
		return "address"
	default:
		return fmt.Sprintf("pin-%02x", byte(r))
	}
}

// Label returns the human readable PIN name.
func (r PinRef) Label() string {
	switch r {
	case AuthPin:
		return "Authentication PIN"
	case SignPin:
		return "Signature PIN"
	case AddressPin:
		return "Address PIN"
	default:
		return "PIN " + r.String()
	}
}

// ParsePinRef accepts the names returned by String. An empty string selects
// the authentication PIN.
func ParsePinRef(s string) (PinRef, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "auth", "authentication":
		return AuthPin, nil
	case "sign", "signature":
		return SignPin, nil
	case "address":
		return AddressPin, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownPIN, s)
	}
}

// ValidatePINCode checks the format of a PIN code before it reaches a card.
// A malformed code never costs a verification attempt.
func ValidatePINCode(code string) error {
	if len(code) < MinPinLength || len(code) > MaxPinLength {
		return fmt.Errorf("%w: must have %d to %d digits", ErrInvalidPIN, MinPinLength, MaxPinLength)
	}
	for _, r := range code {
		if r < '0' || r > '9' {
			return fmt.Errorf("%w: must contain only digits", ErrInvalidPIN)
		}
	}
	return nil
}
