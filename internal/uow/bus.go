package uow

import (
	"context"
	"sync"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// ErrNoHandler is returned for a command nobody registered.
var ErrNoHandler = eris.New("uow: no handler registered")

// Command is a request to change state.
type Command interface {
	CommandName() string
}

// Handler executes one command type.
type Handler func(ctx context.Context, cmd Command) (any, error)

// Bus routes commands to their handlers.
type Bus struct {
	units *Manager

	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewBus returns a Bus whose explicit transactions are opened by units.
func NewBus(units *Manager) *Bus {
	return &Bus{units: units, handlers: map[string]Handler{}}
}

// Register binds a handler to a command name, replacing any previous one.
func (b *Bus) Register(name string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[name] = h
}

func (b *Bus) handler(cmd Command) (Handler, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	h, ok := b.handlers[cmd.CommandName()]
	if !ok {
		return nil, eris.Wrapf(ErrNoHandler, "command %q", cmd.CommandName())
	}
	return h, nil
}

// Handle runs the handler, which opens whatever units of work it needs.
func (b *Bus) Handle(ctx context.Context, cmd Command) (any, error) {
	h, err := b.handler(cmd)
	if err != nil {
		return nil, err
	}
	zap.L().Debug("bus: handling command", zap.String("command", cmd.CommandName()))
	return h(ctx, cmd)
}

// HandleWithExplicitTransaction runs the whole handler inside one unit of work.
// Every Run the handler makes joins it, so the command commits or rolls back as a whole.
func (b *Bus) HandleWithExplicitTransaction(ctx context.Context, cmd Command) (any, error) {
	h, err := b.handler(cmd)
	if err != nil {
		return nil, err
	}
	zap.L().Debug("bus: handling command in transaction", zap.String("command", cmd.CommandName()))
	var out any
	err = b.units.Run(ctx, func(ctx context.Context, _ *UnitOfWork) error {
		var herr error
		out, herr = h(ctx, cmd)
		return herr
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
