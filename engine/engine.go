// Package engine adapts the embedded WebAssembly engine (wazero) to
// the virtual machine.
//
// It compiles bytecode with an on-disk compilation cache, instantiates
// guests whose linear memory is backed by a session-owned PageMap,
// binds the host imports, and enforces the gas budget: host imports
// charge fixed prices, and guest instruction runaway is preempted by a
// deadline derived from the remaining gas. Instances are torn down
// immediately after every call, so the engine never pins a memory
// between calls.
package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/experimental"
	"github.com/tetratelabs/wazero/sys"

	"github.com/govm-net/pagevm/pagemap"
	"github.com/govm-net/pagevm/types"
)

// Config holds the engine configuration.
type Config struct {
	// CacheDir is the directory of the compiled-artifact cache. When
	// empty, compilation results are cached in memory only.
	CacheDir string
}

// Engine compiles and runs contract bytecode.
type Engine struct {
	cache    wazero.CompilationCache
	rtConfig wazero.RuntimeConfig
}

// New creates an engine.
func New(cfg Config) (*Engine, error) {
	var cache wazero.CompilationCache
	if cfg.CacheDir != "" {
		var err error
		cache, err = wazero.NewCompilationCacheWithDir(cfg.CacheDir)
		if err != nil {
			return nil, fmt.Errorf("opening compilation cache: %w", err)
		}
	} else {
		cache = wazero.NewCompilationCache()
	}

	rtConfig := wazero.NewRuntimeConfig().
		WithCompilationCache(cache).
		WithCloseOnContextDone(true).
		WithMemoryLimitPages(types.MaxPages)

	return &Engine{cache: cache, rtConfig: rtConfig}, nil
}

// Close releases the compilation cache.
func (e *Engine) Close(ctx context.Context) error {
	return e.cache.Close(ctx)
}

// Validate compiles the bytecode and checks that it satisfies the
// guest calling convention: a single exported memory named "memory",
// and every exported function of type (i32) -> i32. It returns the
// names of the exported functions.
func (e *Engine) Validate(ctx context.Context, bytecode []byte) ([]string, error) {
	r := wazero.NewRuntimeWithConfig(ctx, e.rtConfig)
	defer r.Close(ctx)

	cm, err := r.CompileModule(ctx, bytecode)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrInvalidBytecode, err)
	}
	defer cm.Close(ctx)

	if err := checkExports(cm); err != nil {
		return nil, err
	}
	fns := make([]string, 0, len(cm.ExportedFunctions()))
	for name := range cm.ExportedFunctions() {
		fns = append(fns, name)
	}
	return fns, nil
}

func checkExports(cm wazero.CompiledModule) error {
	mems := cm.ExportedMemories()
	if len(mems) != 1 {
		return fmt.Errorf("%w: %d exported memories", types.ErrInvalidBytecode, len(mems))
	}
	if _, ok := mems["memory"]; !ok {
		return fmt.Errorf("%w: memory export must be named \"memory\"", types.ErrInvalidBytecode)
	}

	for name, def := range cm.ExportedFunctions() {
		params, results := def.ParamTypes(), def.ResultTypes()
		if len(params) != 1 || params[0] != api.ValueTypeI32 ||
			len(results) != 1 || results[0] != api.ValueTypeI32 {
			return fmt.Errorf("%w: %q", types.ErrInvalidFunction, name)
		}
	}
	return nil
}

// Instance is one instantiation of a contract, alive for a single
// call.
type Instance struct {
	runtime   wazero.Runtime
	module    api.Module
	pm        *pagemap.PageMap
	env       Env
	meter     *GasMeter
	argbufOfs uint32

	// pendingFault is set by fail before aborting the guest, so the
	// original error kind survives however wazero surfaces the abort.
	pendingFault error
}

// Instantiate compiles (through the cache) and instantiates the
// bytecode with the given PageMap as its linear memory. When the
// memory has been instantiated before, the module's data segments are
// prevented from clobbering the persisted state: segments initialise
// a memory exactly once, on its first instantiation.
func (e *Engine) Instantiate(ctx context.Context, bytecode []byte, pm *pagemap.PageMap, env Env, meter *GasMeter, firstInit bool) (*Instance, error) {
	r := wazero.NewRuntimeWithConfig(ctx, e.rtConfig)

	cm, err := r.CompileModule(ctx, bytecode)
	if err != nil {
		r.Close(ctx)
		return nil, fmt.Errorf("%w: %v", types.ErrInvalidBytecode, err)
	}
	if err := checkExports(cm); err != nil {
		r.Close(ctx)
		return nil, err
	}

	inst := &Instance{runtime: r, pm: pm, env: env, meter: meter}
	if err := instantiateHostModule(ctx, r, inst); err != nil {
		r.Close(ctx)
		return nil, fmt.Errorf("%w: instantiating host module: %v", types.ErrRuntime, err)
	}

	if !firstInit {
		pm.Snap()
	}
	mctx := experimental.WithMemoryAllocator(ctx, allocatorFor(pm))
	mod, err := r.InstantiateModule(mctx, cm, wazero.NewModuleConfig().
		WithName("contract").
		WithStartFunctions())
	if !firstInit {
		declared := 0
		if mod != nil && mod.Memory() != nil {
			declared = int(mod.Memory().Size())
		}
		pm.Revert()
		// A migration may install a module whose declared memory is
		// larger than the persisted one; the grown tail reads zero.
		if declared > pm.Len() {
			if lerr := pm.SetLen(declared); lerr != nil && err == nil {
				err = lerr
			}
		}
	}
	if err != nil {
		r.Close(ctx)
		return nil, fmt.Errorf("%w: %v", types.ErrInvalidBytecode, err)
	}

	global := mod.ExportedGlobal("A")
	if global == nil {
		mod.Close(ctx)
		r.Close(ctx)
		return nil, fmt.Errorf("%w: missing argument buffer global", types.ErrInvalidBytecode)
	}
	inst.argbufOfs = uint32(global.Get())
	if int(inst.argbufOfs)+types.ArgbufLen > pm.Len() {
		mod.Close(ctx)
		r.Close(ctx)
		return nil, fmt.Errorf("%w: argument buffer outside memory", types.ErrInvalidBytecode)
	}

	inst.module = mod
	if err := inst.growToPersisted(); err != nil {
		inst.Close(ctx)
		return nil, err
	}
	return inst, nil
}

// growToPersisted grows the instance memory to the persisted length,
// so a module whose declared minimum is smaller than the state it
// left behind still sees all of it.
func (i *Instance) growToPersisted() error {
	mem := i.module.Memory()
	cur := int(mem.Size())
	if i.pm.Len() <= cur {
		return nil
	}
	delta := uint32((i.pm.Len() - cur + types.PageSize - 1) / types.PageSize)
	if _, ok := mem.Grow(delta); !ok {
		return fmt.Errorf("%w: growing memory to %d", types.ErrInvalidMemory, i.pm.Len())
	}
	return nil
}

// ArgBuf returns the instance's argument buffer window into the
// memory.
func (i *Instance) ArgBuf() []byte {
	return i.pm.Region()[i.argbufOfs : int(i.argbufOfs)+types.ArgbufLen]
}

// MemLen returns the current memory length in bytes.
func (i *Instance) MemLen() int {
	return i.pm.Len()
}

// Meter returns the instance's gas meter.
func (i *Instance) Meter() *GasMeter {
	return i.meter
}

// Call invokes the exported guest function with the given argument
// length and returns the guest's result (the return length). The
// remaining gas bounds the wall clock the guest may burn; preemption
// exhausts the meter and fails with ErrOutOfGas.
func (i *Instance) Call(ctx context.Context, fn string, argLen uint32) (ret int32, err error) {
	f := i.module.ExportedFunction(fn)
	if f == nil {
		return 0, fmt.Errorf("%w: %q", types.ErrInvalidFunction, fn)
	}
	i.pendingFault = nil

	defer func() {
		if r := recover(); r != nil {
			gf, ok := r.(guestFault)
			if !ok {
				panic(r)
			}
			err = gf.err
		}
	}()

	cctx, cancel := context.WithTimeout(ctx, i.meter.timeBudget())
	defer cancel()

	res, callErr := f.Call(cctx, uint64(argLen))
	if callErr != nil {
		return 0, i.mapCallError(callErr)
	}
	return int32(uint32(res[0])), nil
}

func (i *Instance) mapCallError(err error) error {
	if i.pendingFault != nil {
		return i.pendingFault
	}
	var gf guestFault
	if errors.As(err, &gf) {
		return gf.err
	}
	var exitErr *sys.ExitError
	if errors.As(err, &exitErr) {
		switch exitErr.ExitCode() {
		case sys.ExitCodeDeadlineExceeded, sys.ExitCodeContextCanceled:
			i.meter.Exhaust()
			return fmt.Errorf("%w: preempted at limit %d", types.ErrOutOfGas, i.meter.Limit())
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		i.meter.Exhaust()
		return fmt.Errorf("%w: preempted at limit %d", types.ErrOutOfGas, i.meter.Limit())
	}
	return fmt.Errorf("%w: %v", types.ErrRuntime, err)
}

// Close tears the instance down, releasing the wazero module and
// runtime. The PageMap stays with the session.
func (i *Instance) Close(ctx context.Context) error {
	if i.module != nil {
		_ = i.module.Close(ctx)
		i.module = nil
	}
	return i.runtime.Close(ctx)
}
