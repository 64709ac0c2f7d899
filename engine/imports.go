package engine

import (
	"context"
	"fmt"
	"unicode/utf8"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"

	"github.com/govm-net/pagevm/types"
)

// Env is the session-side surface the host imports call back into.
// The implementation is bound to the call frame the instance belongs
// to, and performs its own argument-buffer IO on the current
// instance.
type Env interface {
	// InterCall runs a nested inter-contract call. The callee's
	// argument buffer is fed from the caller's, and the return data is
	// copied back into it. A negative result packs a contract error
	// code.
	InterCall(target types.ContractId, fn string, argLen uint32, gasLimit uint64) int32
	// HostQuery dispatches a registered host query by name, returning
	// the length of the result written to the argument buffer.
	HostQuery(name string, argLen uint32) (uint32, error)
	// HostData resolves a metadata item by name into the argument
	// buffer.
	HostData(name string) (uint32, error)
	Emit(topic string, argLen uint32) error
	Feed(argLen uint32) error
	Debug(msg string)
	SelfID() types.ContractId
	OwnerOf(id types.ContractId) ([]byte, bool)
	Caller() types.ContractId
	Callstack() []types.ContractId
}

// guestFault aborts guest execution from inside a host import. The
// abort is surfaced at the call boundary whether wazero propagates
// the panic or converts it into an error; fail additionally records
// it on the instance so the original kind survives any wrapping.
type guestFault struct {
	err error
}

func (g guestFault) Error() string { return g.err.Error() }
func (g guestFault) Unwrap() error { return g.err }

func (i *Instance) fail(err error) {
	i.pendingFault = err
	panic(guestFault{err: err})
}

func (i *Instance) charge(amount uint64) {
	if err := i.meter.Charge(amount); err != nil {
		i.fail(err)
	}
}

// argSlice bounds-checks a (offset, length) pair against the argument
// buffer and returns the window.
func (i *Instance) argSlice(ofs, n uint32) []byte {
	buf := i.ArgBuf()
	if uint64(ofs)+uint64(n) > uint64(len(buf)) {
		i.fail(fmt.Errorf("%w: argbuf offset %d len %d",
			types.ErrMemoryAccessOutOfBounds, ofs, n))
	}
	return buf[ofs : ofs+n]
}

func (i *Instance) checkArg(argLen uint32) {
	if argLen > types.ArgbufLen {
		i.fail(fmt.Errorf("%w: %d bytes", types.ErrArgBufferOverflow, argLen))
	}
}

func (i *Instance) contractIdArg(ofs uint32) types.ContractId {
	var id types.ContractId
	copy(id[:], i.argSlice(ofs, 32))
	return id
}

// instantiateHostModule builds and instantiates the "env" module
// binding the host imports to the given instance. The closures late-
// bind through inst: the guest module is instantiated afterwards, and
// no import can run before that.
func instantiateHostModule(ctx context.Context, r wazero.Runtime, inst *Instance) error {
	b := r.NewHostModuleBuilder("env")

	b.NewFunctionBuilder().
		WithFunc(func(_ context.Context, _ api.Module, modIDOfs, nameOfs, nameLen, argLen uint32, gasLimit uint64) int32 {
			inst.charge(CostCallBase + uint64(argLen)*CostPerByte)
			inst.checkArg(argLen)
			target := inst.contractIdArg(modIDOfs)
			name := string(inst.argSlice(nameOfs, nameLen))
			return inst.env.InterCall(target, name, argLen, gasLimit)
		}).Export("c")

	b.NewFunctionBuilder().
		WithFunc(func(_ context.Context, _ api.Module, nameOfs, nameLen, argLen uint32) uint32 {
			inst.charge(CostQueryBase + uint64(argLen)*CostPerByte)
			inst.checkArg(argLen)
			name := string(inst.argSlice(nameOfs, nameLen))
			n, err := inst.env.HostQuery(name, argLen)
			if err != nil {
				inst.fail(err)
			}
			return n
		}).Export("hq")

	b.NewFunctionBuilder().
		WithFunc(func(_ context.Context, _ api.Module, nameOfs, nameLen uint32) uint32 {
			inst.charge(CostQueryBase)
			name := string(inst.argSlice(nameOfs, nameLen))
			n, err := inst.env.HostData(name)
			if err != nil {
				inst.fail(err)
			}
			return n
		}).Export("hd")

	b.NewFunctionBuilder().
		WithFunc(func(_ context.Context, _ api.Module, topicOfs, topicLen, argLen uint32) {
			inst.charge(CostEmitBase + uint64(topicLen+argLen)*CostPerByte)
			inst.checkArg(argLen)
			topic := string(inst.argSlice(topicOfs, topicLen))
			if err := inst.env.Emit(topic, argLen); err != nil {
				inst.fail(err)
			}
		}).Export("emit")

	b.NewFunctionBuilder().
		WithFunc(func(_ context.Context, _ api.Module, argLen uint32) {
			inst.charge(uint64(argLen) * CostFeedPerByte)
			inst.checkArg(argLen)
			if err := inst.env.Feed(argLen); err != nil {
				inst.fail(err)
			}
		}).Export("feed")

	b.NewFunctionBuilder().
		WithFunc(func(_ context.Context, _ api.Module, argLen uint32) {
			inst.charge(CostDebug)
			inst.checkArg(argLen)
			msg := inst.argSlice(0, argLen)
			if !utf8.Valid(msg) {
				inst.fail(fmt.Errorf("%w: debug message is not utf-8", types.ErrRuntime))
			}
			inst.env.Debug(string(msg))
		}).Export("hdebug")

	b.NewFunctionBuilder().
		WithFunc(func(_ context.Context, _ api.Module, argLen uint32) {
			inst.checkArg(argLen)
			msg := inst.argSlice(0, argLen)
			if !utf8.Valid(msg) {
				inst.fail(fmt.Errorf("%w: panic message is not utf-8", types.ErrPanic))
			}
			inst.fail(fmt.Errorf("%w: %s", types.ErrPanic, string(msg)))
		}).Export("panic")

	b.NewFunctionBuilder().
		WithFunc(func(_ context.Context, _ api.Module, modIDOfs uint32) int32 {
			inst.charge(CostOwner)
			id := inst.contractIdArg(modIDOfs)
			owner, ok := inst.env.OwnerOf(id)
			if !ok {
				return -1
			}
			copy(inst.ArgBuf(), owner)
			return int32(len(owner))
		}).Export("owner")

	b.NewFunctionBuilder().
		WithFunc(func(_ context.Context, _ api.Module) int32 {
			id := inst.env.SelfID()
			copy(inst.ArgBuf(), id[:])
			return int32(len(id))
		}).Export("self_id")

	b.NewFunctionBuilder().
		WithFunc(func(_ context.Context, _ api.Module) int32 {
			id := inst.env.Caller()
			copy(inst.ArgBuf(), id[:])
			return int32(len(id))
		}).Export("caller")

	b.NewFunctionBuilder().
		WithFunc(func(_ context.Context, _ api.Module) int32 {
			stack := inst.env.Callstack()
			buf := inst.ArgBuf()
			for n, id := range stack {
				copy(buf[n*len(id):], id[:])
			}
			return int32(len(stack))
		}).Export("callstack")

	b.NewFunctionBuilder().
		WithFunc(func(_ context.Context, _ api.Module) uint64 {
			return inst.meter.Limit()
		}).Export("limit")

	b.NewFunctionBuilder().
		WithFunc(func(_ context.Context, _ api.Module) uint64 {
			return inst.meter.Spent()
		}).Export("spent")

	_, err := b.Instantiate(ctx)
	return err
}
