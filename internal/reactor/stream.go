package reactor

import (
	"context"

	"github.com/bnema/inputmux/internal/event"
)

// Stream drives m on a new goroutine and delivers its output on two
// channels. Both channels are closed after a terminal error or once ctx is
// done, and m is closed with them. m must not be used directly afterwards,
// except for Devices.
func (m *Multiplexer) Stream(ctx context.Context) (<-chan event.Event, <-chan error) {
	events := make(chan event.Event, 64)
	errs := make(chan error, 8)

	go func() {
		defer close(errs)
		defer close(events)
		defer m.Close()

		for {
			ev, err := m.Next(ctx)
			if ctx.Err() != nil {
				return
			}
			if err != nil {
				select {
				case errs <- err:
				case <-ctx.Done():
					return
				}
				if event.IsTerminal(err) {
					return
				}
				continue
			}
			select {
			case events <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return events, errs
}
