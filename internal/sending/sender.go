package sending

import (
	"context"
	"fmt"

	"github.com/openkit-go/openkit/common/log"
	"github.com/openkit-go/openkit/internal/metrics"
)

// Sender drives a Context's state machine on a single background
// goroutine until it reaches TerminalState, §4.3.
type Sender struct {
	l   log.Logger
	ctx *Context
}

// NewSender builds a Sender bound to a Context.
func NewSender(l log.Logger, sendingCtx *Context) *Sender {
	return &Sender{l: l, ctx: sendingCtx}
}

// Run executes states.InitState through to Terminal, stopping early (via
// each state's ShutdownState) when ctx is cancelled or the Context's
// shutdown flag is set. It returns once the state machine is Terminal.
func (s *Sender) Run(ctx context.Context) {
	var current State = InitState{}

	for {
		next, err := executeSafely(current, ctx, s.ctx)
		if err != nil {
			s.l.Errorw("sender state exited with error, shutting down", "state", current.Name(), "err", err)
			s.ctx.RequestShutdown()
			next = current.ShutdownState()
		}
		if next != nil {
			current = next
		}

		metrics.SenderState.Set(float64(stateID(current)))

		if current.Terminal() {
			s.l.Infow("sender reached terminal state")
			return
		}
	}
}

// executeSafely runs one state pass, converting a panic into an error so a
// single misbehaving state can't take the whole sender down silently.
func executeSafely(s State, ctx context.Context, sc *Context) (next State, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in state %s: %v", s.Name(), r)
		}
	}()
	return s.Execute(ctx, sc)
}

func stateID(s State) float64 {
	switch s.(type) {
	case InitState:
		return 0
	case CaptureOnState:
		return 1
	case CaptureOffState:
		return 2
	case FlushState:
		return 3
	case TerminalState:
		return 4
	default:
		return -1
	}
}
