package vm

import (
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"syscall"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/govm-net/pagevm/engine"
	"github.com/govm-net/pagevm/pagemap"
	"github.com/govm-net/pagevm/types"
)

// The session tests run guests natively: a fake engine executes Go
// closures against real PageMaps, so the session, store and merkle
// machinery is exercised end to end without wasm fixtures. The wazero
// path is covered by the engine package's own tests.

type guestCtx struct {
	env    engine.Env
	mem    *pagemap.PageMap
	meter  *engine.GasMeter
	argbuf []byte
}

func (g *guestCtx) grow(pages int) {
	if n := pages * types.PageSize; n > g.mem.Len() {
		if err := g.mem.SetLen(n); err != nil {
			panic(err)
		}
	}
}

func (g *guestCtx) readU64(offset int) uint64 {
	g.grow(offset/types.PageSize + 1)
	return binary.LittleEndian.Uint64(g.mem.Bytes()[offset:])
}

func (g *guestCtx) writeU64(offset int, v uint64) {
	g.grow(offset/types.PageSize + 1)
	binary.LittleEndian.PutUint64(g.mem.Bytes()[offset:], v)
}

type nativeGuest func(g *guestCtx, argLen uint32) (int32, error)

type fakeProgram map[string]nativeGuest

type fakeEngine struct {
	programs map[string]fakeProgram
}

func (f *fakeEngine) Validate(_ context.Context, bytecode []byte) ([]string, error) {
	p, ok := f.programs[string(bytecode)]
	if !ok {
		return nil, fmt.Errorf("%w: unknown program", types.ErrInvalidBytecode)
	}
	fns := make([]string, 0, len(p))
	for name := range p {
		fns = append(fns, name)
	}
	return fns, nil
}

func (f *fakeEngine) Instantiate(_ context.Context, bytecode []byte, mem *pagemap.PageMap,
	env engine.Env, meter *engine.GasMeter, _ bool) (guestInstance, error) {
	p, ok := f.programs[string(bytecode)]
	if !ok {
		return nil, fmt.Errorf("%w: unknown program", types.ErrInvalidBytecode)
	}
	return &fakeInstance{
		prog:   p,
		mem:    mem,
		env:    env,
		meter:  meter,
		argbuf: make([]byte, types.ArgbufLen),
	}, nil
}

func (f *fakeEngine) Close(context.Context) error { return nil }

type fakeInstance struct {
	prog   fakeProgram
	mem    *pagemap.PageMap
	env    engine.Env
	meter  *engine.GasMeter
	argbuf []byte
}

func (i *fakeInstance) ArgBuf() []byte { return i.argbuf }
func (i *fakeInstance) MemLen() int    { return i.mem.Len() }

func (i *fakeInstance) Call(_ context.Context, fn string, argLen uint32) (int32, error) {
	g, ok := i.prog[fn]
	if !ok {
		return 0, fmt.Errorf("%w: %q", types.ErrInvalidFunction, fn)
	}
	return g(&guestCtx{env: i.env, mem: i.mem, meter: i.meter, argbuf: i.argbuf}, argLen)
}

func (i *fakeInstance) Close(context.Context) error { return nil }

// counterProgram keeps a u64 at offset 0, initialised to 0xfc.
func counterProgram() fakeProgram {
	return fakeProgram{
		"init": func(g *guestCtx, argLen uint32) (int32, error) {
			if err := g.meter.Charge(20); err != nil {
				return 0, err
			}
			g.writeU64(0, 0xfc)
			return 0, nil
		},
		"read_value": func(g *guestCtx, argLen uint32) (int32, error) {
			if err := g.meter.Charge(10); err != nil {
				return 0, err
			}
			binary.LittleEndian.PutUint64(g.argbuf, g.readU64(0))
			return 8, nil
		},
		"increment": func(g *guestCtx, argLen uint32) (int32, error) {
			if err := g.meter.Charge(10); err != nil {
				return 0, err
			}
			g.writeU64(0, g.readU64(0)+1)
			return 0, nil
		},
		"set_value": func(g *guestCtx, argLen uint32) (int32, error) {
			if err := g.meter.Charge(10); err != nil {
				return 0, err
			}
			g.writeU64(0, binary.LittleEndian.Uint64(g.argbuf[:argLen]))
			return 0, nil
		},
		"bump_then_panic": func(g *guestCtx, argLen uint32) (int32, error) {
			g.writeU64(0, g.readU64(0)+1)
			return 0, fmt.Errorf("%w: bumped too far", types.ErrPanic)
		},
		"spin": func(g *guestCtx, argLen uint32) (int32, error) {
			for {
				if err := g.meter.Charge(1000); err != nil {
					return 0, err
				}
			}
		},
	}
}

// doubleCounterProgram is the counter with a doubled step, used by
// migration tests.
func doubleCounterProgram() fakeProgram {
	p := counterProgram()
	p["increment"] = func(g *guestCtx, argLen uint32) (int32, error) {
		if err := g.meter.Charge(10); err != nil {
			return 0, err
		}
		g.writeU64(0, g.readU64(0)+2)
		return 0, nil
	}
	delete(p, "init")
	return p
}

// callerProgram drives a counter contract whose id arrives as the
// call argument.
func callerProgram() fakeProgram {
	target := func(g *guestCtx) types.ContractId {
		var id types.ContractId
		copy(id[:], g.argbuf[:32])
		return id
	}
	return fakeProgram{
		"bump_other": func(g *guestCtx, argLen uint32) (int32, error) {
			if err := g.meter.Charge(10); err != nil {
				return 0, err
			}
			id := target(g)
			if ret := g.env.InterCall(id, "increment", 0, 0); ret < 0 {
				return 0, types.ContractError(ret)
			}
			copy(g.argbuf, []byte("done"))
			if err := g.env.Emit("called-b", 4); err != nil {
				return 0, err
			}
			return 0, nil
		},
		"bump_self_and_other_panics": func(g *guestCtx, argLen uint32) (int32, error) {
			if err := g.meter.Charge(10); err != nil {
				return 0, err
			}
			g.writeU64(0, g.readU64(0)+1)
			id := target(g)
			// The nested failure is observed and swallowed.
			if ret := g.env.InterCall(id, "bump_then_panic", 0, 0); ret != types.CodePanic {
				return 0, fmt.Errorf("%w: expected panic code, got %d", types.ErrRuntime, ret)
			}
			return 0, nil
		},
		"bump_other_then_panic": func(g *guestCtx, argLen uint32) (int32, error) {
			id := target(g)
			if ret := g.env.InterCall(id, "increment", 0, 0); ret < 0 {
				return 0, types.ContractError(ret)
			}
			return 0, fmt.Errorf("%w: after the bump", types.ErrPanic)
		},
	}
}

// feederProgram streams three chunks through the feed import.
func feederProgram() fakeProgram {
	return fakeProgram{
		"stream": func(g *guestCtx, argLen uint32) (int32, error) {
			for _, chunk := range []string{"one", "two", "three"} {
				copy(g.argbuf, chunk)
				if err := g.env.Feed(uint32(len(chunk))); err != nil {
					return 0, err
				}
			}
			return 0, nil
		},
	}
}

// tripageProgram spreads state over three pages.
func tripageProgram() fakeProgram {
	return fakeProgram{
		"init": func(g *guestCtx, argLen uint32) (int32, error) {
			g.grow(3)
			for p := 0; p < 3; p++ {
				g.mem.Bytes()[p*types.PageSize] = byte(p + 1)
			}
			return 0, nil
		},
		"poke": func(g *guestCtx, argLen uint32) (int32, error) {
			page, val := int(g.argbuf[0]), g.argbuf[1]
			g.grow(page + 1)
			g.mem.Bytes()[page*types.PageSize] = val
			return 0, nil
		},
	}
}

func testPrograms() map[string]fakeProgram {
	return map[string]fakeProgram{
		"counter":        counterProgram(),
		"double-counter": doubleCounterProgram(),
		"caller":         callerProgram(),
		"feeder":         feederProgram(),
		"tripage":        tripageProgram(),
	}
}

func inode(t *testing.T, path string) uint64 {
	t.Helper()
	info, err := os.Stat(path)
	require.NoError(t, err)
	st, ok := info.Sys().(*syscall.Stat_t)
	require.True(t, ok)
	return st.Ino
}

// newTestVM returns an ephemeral VM whose engine runs the native test
// programs.
func newTestVM(t *testing.T) *VM {
	t.Helper()
	machine, err := Ephemeral()
	require.NoError(t, err)
	t.Cleanup(func() { machine.Close() })
	machine.engine = &fakeEngine{programs: testPrograms()}
	return machine
}
