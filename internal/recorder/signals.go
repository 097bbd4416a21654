package recorder

import (
	"context"
	"log/slog"
)

// SignalKind tells the coordinator what an external trigger wants.
type SignalKind int

const (
	SignalStart SignalKind = iota
	SignalStop
)

func (k SignalKind) String() string {
	if k == SignalStart {
		return "start"
	}
	return "stop"
}

// Signal is a discrete start or stop request from a call-state detector, the
// CLI or the control server. Result, when set, receives the outcome; it
// should be buffered.
type Signal struct {
	Kind    SignalKind
	Request StartRequest
	Result  chan<- error
}

// Run applies signals until ctx is done or signals is closed, then stops any
// active session.
func (c *Coordinator) Run(ctx context.Context, signals <-chan Signal) error {
	defer func() {
		if err := c.Stop(context.Background()); err != nil {
			slog.Warn("stop on shutdown", "error", err)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case sig, ok := <-signals:
			if !ok {
				return nil
			}
			var err error
			switch sig.Kind {
			case SignalStart:
				err = c.Start(ctx, sig.Request)
			case SignalStop:
				err = c.Stop(ctx)
			}
			if err != nil {
				slog.Warn("signal failed", "signal", sig.Kind.String(), "error", err)
			}
			if sig.Result != nil {
				sig.Result <- err
			}
		}
	}
}
