package client

import (
	"log"

	"github.com/evolvablehardware/iCEFARM/internal/eventbus"
	"github.com/evolvablehardware/iCEFARM/internal/model"
)

// AutoExtender renews every one of a client's reservations as soon as
// control warns one of them is ending soon, so a long-running batch run
// never loses a device to lease expiry just because nobody polled for it.
type AutoExtender struct {
	clientID string
	cc       *ControlClient
	logger   *log.Logger
}

// NewAutoExtender constructs an AutoExtender for clientID, issuing its
// renewals through cc.
func NewAutoExtender(clientID string, cc *ControlClient) *AutoExtender {
	return &AutoExtender{
		clientID: clientID,
		cc:       cc,
		logger:   log.New(log.Writer(), "[auto-extend] ", log.LstdFlags),
	}
}

// Register wires reg, a control-bus registry, to call ExtendAll whenever a
// "reservation ending soon" event arrives. One registration covers every
// reservation this client holds, since ExtendAll refreshes all of them in
// one call.
func (a *AutoExtender) Register(reg *eventbus.Registry) {
	reg.Register(model.EventReservationEndSoon, nil, a.handle)
}

func (a *AutoExtender) handle(env model.Envelope) error {
	if err := a.cc.ExtendAll(a.clientID); err != nil {
		a.logger.Printf("extend all on ending-soon for %s: %v", env.Serial, err)
		return err
	}
	return nil
}

var _ eventbus.Handler = (*AutoExtender)(nil).handle
