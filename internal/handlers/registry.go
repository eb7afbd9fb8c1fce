package handlers

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/rs/zerolog/log"
)

var (
	ErrInvalidHandler  = errors.New("handlers: invalid handler")
	ErrDuplicateOpcode = errors.New("handlers: duplicate opcode")
	ErrOpcodeGap       = errors.New("handlers: opcode gap")
)

// Registry is the static opcode table. It is immutable once built.
type Registry struct {
	byOpcode []Handler
}

// NewRegistry validates hs and indexes them by opcode. Opcodes must be
// unique and contiguous from 1.
func NewRegistry(hs ...Handler) (*Registry, error) {
	if len(hs) == 0 {
		return nil, fmt.Errorf("%w: no handlers", ErrInvalidHandler)
	}
	sorted := make([]Handler, 0, len(hs))
	for i, h := range hs {
		if h == nil {
			return nil, fmt.Errorf("%w: nil handler at %d", ErrInvalidHandler, i)
		}
		if h.Opcode() < 1 {
			return nil, fmt.Errorf("%w: %q has opcode %d", ErrInvalidHandler, h.Name(), h.Opcode())
		}
		sorted = append(sorted, h)
	}
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Opcode() < sorted[j].Opcode() })

	for i, h := range sorted {
		want := i + 1
		switch {
		case h.Opcode() == i:
			return nil, fmt.Errorf("%w: %d (%q and %q)", ErrDuplicateOpcode, h.Opcode(), sorted[i-1].Name(), h.Name())
		case h.Opcode() != want:
			return nil, fmt.Errorf("%w: missing opcode %d", ErrOpcodeGap, want)
		}
	}
	return &Registry{byOpcode: sorted}, nil
}

// Handler returns the handler for opcode.
func (r *Registry) Handler(opcode int) (Handler, bool) {
	if opcode < 1 || opcode > len(r.byOpcode) {
		return nil, false
	}
	return r.byOpcode[opcode-1], true
}

// Authenticator returns the opcode-1 handler when it can authenticate.
func (r *Registry) Authenticator() (Authenticator, bool) {
	h, ok := r.Handler(1)
	if !ok {
		return nil, false
	}
	a, ok := h.(Authenticator)
	return a, ok
}

// Len is the highest registered opcode.
func (r *Registry) Len() int { return len(r.byOpcode) }

func (r *Registry) List() []Info {
	out := make([]Info, 0, len(r.byOpcode))
	for _, h := range r.byOpcode {
		out = append(out, Info{Opcode: h.Opcode(), Name: h.Name(), Description: h.Description()})
	}
	return out
}

// Start starts every handler in opcode order. On failure the handlers
// already started are stopped again.
func (r *Registry) Start(ctx context.Context) error {
	for i, h := range r.byOpcode {
		if err := h.Start(ctx, r); err != nil {
			for j := i - 1; j >= 0; j-- {
				_ = r.byOpcode[j].Stop(ctx)
			}
			return fmt.Errorf("handlers: start %q: %w", h.Name(), err)
		}
		log.Debug().Int("opcode", h.Opcode()).Str("handler", h.Name()).Msg("handlers.Registry.Start")
	}
	return nil
}

// Stop stops every handler in reverse order and joins their errors.
func (r *Registry) Stop(ctx context.Context) error {
	var errs []error
	for i := len(r.byOpcode) - 1; i >= 0; i-- {
		h := r.byOpcode[i]
		if err := h.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("handlers: stop %q: %w", h.Name(), err))
		}
	}
	return errors.Join(errs...)
}
