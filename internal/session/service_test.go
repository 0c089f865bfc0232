package session

import (
	"errors"
	"testing"

	"github.com/SimplyPrint/eid-notes/internal/eid"
	"github.com/SimplyPrint/eid-notes/internal/virtual"
)

func startService(t *testing.T, readers ...*virtual.Reader) (*Service, *countingDriver) {
	t.Helper()
	svc := NewService(Options{})
	d := &countingDriver{Driver: virtual.New(readers, virtual.WithPrompter(svc))}
	if err := svc.Start(d); err != nil {
		t.Fatalf("Start() returned error: %v", err)
	}
	t.Cleanup(func() { svc.Close() })
	return svc, d
}

func TestServiceListReaders(t *testing.T) {
	svc, _ := startService(t,
		virtual.NewReader("Reader A", nil),
		virtual.NewReader("Reader B", virtual.NewCard("1234")),
	)

	readers, err := svc.ListReaders()
	if err != nil {
		t.Fatalf("ListReaders() returned error: %v", err)
	}
	want := []ReaderInfo{
		{Index: 0, Name: "Reader A", CardPresent: false},
		{Index: 1, Name: "Reader B", CardPresent: true},
	}
	if len(readers) != len(want) {
		t.Fatalf("expected %d readers, got %d", len(want), len(readers))
	}
	for i := range want {
		if readers[i] != want[i] {
			t.Errorf("reader %d = %+v, want %+v", i, readers[i], want[i])
		}
	}

	present, err := svc.CardPresent("Reader B")
	if err != nil || !present {
		t.Errorf("CardPresent(Reader B) = %v, %v", present, err)
	}
	present, err = svc.CardPresent("0")
	if err != nil || present {
		t.Errorf("CardPresent(0) = %v, %v", present, err)
	}
	if _, err := svc.CardPresent("7"); !errors.Is(err, eid.ErrNoReader) {
		t.Errorf("expected ErrNoReader, got %v", err)
	}
}

func TestServiceWriteThenRead(t *testing.T) {
	card := virtual.NewCard("1234")
	svc, _ := startService(t, virtual.NewReader("Reader A", card))

	if err := svc.WriteNotes("", eid.NotesFromString("hello"), eid.AuthPin, "1234"); err != nil {
		t.Fatalf("WriteNotes() returned error: %v", err)
	}

	reader, notes, err := svc.ReadNotes("0")
	if err != nil {
		t.Fatalf("ReadNotes() returned error: %v", err)
	}
	if reader != "Reader A" {
		t.Errorf("reader = %q, want Reader A", reader)
	}
	if notes.String() != "hello" {
		t.Errorf("notes = %q, want hello", notes.String())
	}
}

func TestServiceWriteErrors(t *testing.T) {
	card := virtual.NewCard("1234").WithNotes([]byte("old\x00"))
	svc, _ := startService(t,
		virtual.NewReader("Reader A", card),
		virtual.NewReader("Reader B", nil),
	)

	err := svc.WriteNotes("", eid.NotesFromString("new"), eid.AuthPin, "9999")
	var wrong *eid.WrongPINError
	if !errors.As(err, &wrong) || wrong.TriesLeft != 2 {
		t.Errorf("expected WrongPINError with 2 tries, got %v", err)
	}

	if err := svc.WriteNotes("", eid.NewByteArray(make([]byte, eid.NotesSize+1)), eid.AuthPin, "1234"); !errors.Is(err, eid.ErrNotesTooLarge) {
		t.Errorf("expected ErrNotesTooLarge, got %v", err)
	}

	if err := svc.WriteNotes("Reader B", eid.NotesFromString("new"), eid.AuthPin, "1234"); !errors.Is(err, eid.ErrNoCard) {
		t.Errorf("expected ErrNoCard, got %v", err)
	}

	if got := eid.NewByteArray(card.Notes()).String(); got != "old" {
		t.Errorf("notes changed after failed writes: %q", got)
	}
}

func TestServiceVerifyPin(t *testing.T) {
	card := virtual.NewCard("1234").WithNotes([]byte("old\x00"))
	svc, _ := startService(t,
		virtual.NewReader("Reader A", card),
		virtual.NewReader("Reader B", nil),
	)

	tries, err := svc.VerifyPin("", eid.AddressPin, "0000")
	var wrong *eid.WrongPINError
	if !errors.As(err, &wrong) || tries != 2 {
		t.Errorf("VerifyPin(wrong) = %d, %v; want 2 tries and WrongPINError", tries, err)
	}

	tries, err = svc.VerifyPin("", eid.AddressPin, "1234")
	if err != nil || tries != eid.DefaultPinTries {
		t.Errorf("VerifyPin(correct) = %d, %v; want %d tries", tries, err, eid.DefaultPinTries)
	}

	if _, err := svc.VerifyPin("", eid.AuthPin, "12"); !errors.Is(err, eid.ErrInvalidPIN) {
		t.Errorf("expected ErrInvalidPIN, got %v", err)
	}
	if _, err := svc.VerifyPin("Reader B", eid.AuthPin, "1234"); !errors.Is(err, eid.ErrNoCard) {
		t.Errorf("expected ErrNoCard, got %v", err)
	}

	if card.TriesLeft(eid.AuthPin) != eid.DefaultPinTries {
		t.Error("malformed code should not consume a PIN try")
	}
	if got := eid.NewByteArray(card.Notes()).String(); got != "old" {
		t.Errorf("VerifyPin changed the notes: %q", got)
	}
	if _, err := svc.PromptPIN(fakePin(eid.AuthPin)); !errors.Is(err, eid.ErrPINCancelled) {
		t.Errorf("code should be cleared after VerifyPin, got %v", err)
	}
}

func TestServicePromptWithoutWrite(t *testing.T) {
	svc := NewService(Options{})
	pin := fakePin(eid.SignPin)
	if _, err := svc.PromptPIN(pin); !errors.Is(err, eid.ErrPINCancelled) {
		t.Errorf("expected ErrPINCancelled, got %v", err)
	}
}

func TestServicePins(t *testing.T) {
	card := virtual.NewCard("1234")
	svc, _ := startService(t, virtual.NewReader("Reader A", card))

	svc.WriteNotes("", eid.NotesFromString("x"), eid.SignPin, "0000")

	pins, err := svc.Pins("")
	if err != nil {
		t.Fatalf("Pins() returned error: %v", err)
	}
	want := map[string]int{"auth": 3, "sign": 2, "address": 3}
	for _, p := range pins {
		if p.TriesLeft != want[p.Ref] {
			t.Errorf("%s tries = %d, want %d", p.Ref, p.TriesLeft, want[p.Ref])
		}
	}
}

func TestServiceClose(t *testing.T) {
	svc, d := startService(t, virtual.NewReader("Reader A", virtual.NewCard("1234")))

	if err := svc.Close(); err != nil {
		t.Fatalf("Close() returned error: %v", err)
	}
	if err := svc.Close(); err != nil {
		t.Fatalf("second Close() returned error: %v", err)
	}
	if d.releases != 1 {
		t.Errorf("driver released %d times, want 1", d.releases)
	}
	if _, _, err := svc.ReadNotes(""); !errors.Is(err, eid.ErrReleased) {
		t.Errorf("expected ErrReleased, got %v", err)
	}

	stopped := NewService(Options{})
	if _, err := stopped.ListReaders(); !errors.Is(err, ErrServiceClosed) {
		t.Errorf("expected ErrServiceClosed, got %v", err)
	}
}

type fakePin eid.PinRef

func (p fakePin) Ref() eid.PinRef { return eid.PinRef(p) }
func (p fakePin) Label() string   { return eid.PinRef(p).Label() }
func (p fakePin) TriesLeft() int  { return -1 }
