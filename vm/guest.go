package vm

import (
	"context"

	"github.com/govm-net/pagevm/engine"
	"github.com/govm-net/pagevm/pagemap"
)

// guestEngine is the narrow surface of the embedded WebAssembly
// engine the session depends on.
type guestEngine interface {
	Validate(ctx context.Context, bytecode []byte) ([]string, error)
	Instantiate(ctx context.Context, bytecode []byte, mem *pagemap.PageMap,
		env engine.Env, meter *engine.GasMeter, firstInit bool) (guestInstance, error)
	Close(ctx context.Context) error
}

// guestInstance is one instantiation of a contract, alive for a
// single call.
type guestInstance interface {
	ArgBuf() []byte
	MemLen() int
	Call(ctx context.Context, fn string, argLen uint32) (int32, error)
	Close(ctx context.Context) error
}

// wazeroEngine adapts the engine package to guestEngine.
type wazeroEngine struct {
	eng *engine.Engine
}

func (w *wazeroEngine) Validate(ctx context.Context, bytecode []byte) ([]string, error) {
	return w.eng.Validate(ctx, bytecode)
}

func (w *wazeroEngine) Instantiate(ctx context.Context, bytecode []byte, mem *pagemap.PageMap,
	env engine.Env, meter *engine.GasMeter, firstInit bool) (guestInstance, error) {
	return w.eng.Instantiate(ctx, bytecode, mem, env, meter, firstInit)
}

func (w *wazeroEngine) Close(ctx context.Context) error {
	return w.eng.Close(ctx)
}
