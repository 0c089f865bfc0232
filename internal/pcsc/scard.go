package pcsc

import (
	"errors"

	"github.com/ebfe/scard"
)

const (
	shareShared = uint32(scard.ShareShared)
	protocolAny = uint32(scard.ProtocolAny)
	leaveCard   = uint32(scard.LeaveCard)
)

// EstablishContext opens a PC/SC context through ebfe/scard.
func (DefaultContextFactory) EstablishContext() (SmartCardContext, error) {
	ctx, err := scard.EstablishContext()
	if err != nil {
		return nil, err
	}
	return &scardContext{ctx: ctx}, nil
}

type scardContext struct {
	ctx *scard.Context
}

func (c *scardContext) ListReaders() ([]string, error) {
	return c.ctx.ListReaders()
}

func (c *scardContext) CardPresent(reader string) (bool, error) {
	rs := []scard.ReaderState{
		{
			Reader:       reader,
			CurrentState: scard.StateUnaware,
		},
	}

	// Zero timeout: report the current state without waiting for a change
	if err := c.ctx.GetStatusChange(rs, 0); err != nil {
		return false, err
	}
	return rs[0].EventState&scard.StatePresent != 0, nil
}

func (c *scardContext) Connect(reader string, shareMode uint32, protocol uint32) (SmartCard, error) {
	card, err := c.ctx.Connect(reader, scard.ShareMode(shareMode), scard.Protocol(protocol))
	if err != nil {
		return nil, err
	}
	return &scardCard{card: card}, nil
}

func (c *scardContext) Release() error {
	return c.ctx.Release()
}

type scardCard struct {
	card *scard.Card
}

func (c *scardCard) Transmit(cmd []byte) ([]byte, error) {
	return c.card.Transmit(cmd)
}

func (c *scardCard) Disconnect(disposition uint32) error {
	return c.card.Disconnect(scard.Disposition(disposition))
}

// isNoReaders reports the PC/SC "no readers" condition, which is a normal
// state rather than a failure.
func isNoReaders(err error) bool {
	return errors.Is(err, scard.ErrNoReadersAvailable)
}

// isCardGone reports transport errors caused by the card leaving the reader.
func isCardGone(err error) bool {
	return errors.Is(err, scard.ErrRemovedCard) ||
		errors.Is(err, scard.ErrResetCard) ||
		errors.Is(err, scard.ErrNoSmartcard) ||
		errors.Is(err, scard.ErrUnpoweredCard)
}
