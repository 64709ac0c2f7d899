package vm

import (
	"fmt"
	"log/slog"

	"github.com/govm-net/pagevm/engine"
	"github.com/govm-net/pagevm/types"
)

// sessionEnv routes the host imports of one instance back into its
// session. Imports only ever run on the top frame of the call stack,
// which the instance belongs to.
type sessionEnv struct {
	s    *Session
	self *Contract
}

var _ engine.Env = (*sessionEnv)(nil)

// InterCall runs a nested inter-contract call. Every memory in the
// working set is snapshotted first; a failing callee is rolled back
// and its error packed into a negative return code for the caller to
// react to.
func (e *sessionEnv) InterCall(target types.ContractId, fn string, argLen uint32, gasLimit uint64) int32 {
	s := e.s
	caller := s.top()

	callee, err := s.contract(target)
	if err != nil {
		return types.CodeFor(err)
	}

	// The callee gets a bounded slice of the caller's remaining gas.
	pass := caller.meter.Remaining() * engine.PointPassPct / 100
	if gasLimit > 0 && gasLimit < pass {
		pass = gasLimit
	}

	arg := make([]byte, argLen)
	copy(arg, caller.inst.ArgBuf()[:argLen])

	node := &types.CallTreeNode{Elem: types.CallTreeElem{
		ContractId: target,
		Fn:         fn,
		Limit:      pass,
		MemLen:     uint64(callee.mem.Len()),
	}}
	caller.node.Children = append(caller.node.Children, node)

	evMark := len(s.events)
	s.snapAll()

	meter := engine.NewGasMeter(pass)
	data, err := s.execute(callee, fn, arg, meter, node)
	node.Elem.Spent = meter.Spent()

	// The callee's spending comes out of the caller's budget whether
	// the call succeeded or not. pass never exceeds the caller's
	// remainder, so this cannot fail.
	_ = caller.meter.Charge(meter.Spent())

	if err != nil {
		s.revertAll()
		s.events = s.events[:evMark]
		return types.CodeFor(err)
	}
	s.applyAll()

	copy(caller.inst.ArgBuf(), data)
	return int32(len(data))
}

// HostQuery dispatches a registered host query against the calling
// instance's argument buffer.
func (e *sessionEnv) HostQuery(name string, argLen uint32) (uint32, error) {
	q, ok := e.s.vm.hostQuery(name)
	if !ok {
		return 0, fmt.Errorf("%w: %q", types.ErrMissingHostQuery, name)
	}
	fr := e.s.top()
	if err := fr.meter.Charge(q.gasPrice); err != nil {
		return 0, err
	}
	return q.fn(fr.inst.ArgBuf(), argLen)
}

// HostData resolves session metadata into the argument buffer.
func (e *sessionEnv) HostData(name string) (uint32, error) {
	v, ok := e.s.meta[name]
	if !ok {
		return 0, fmt.Errorf("%w: %q", types.ErrMissingHostData, name)
	}
	if len(v) > types.ArgbufLen {
		return 0, fmt.Errorf("%w: metadata %q", types.ErrArgBufferOverflow, name)
	}
	copy(e.s.top().inst.ArgBuf(), v)
	return uint32(len(v)), nil
}

// Emit records an event sourced at the calling contract.
func (e *sessionEnv) Emit(topic string, argLen uint32) error {
	data := make([]byte, argLen)
	copy(data, e.s.top().inst.ArgBuf()[:argLen])
	e.s.events = append(e.s.events, types.Event{
		Source: e.self.id,
		Topic:  topic,
		Data:   data,
	})
	return nil
}

// Feed pushes bytes from the argument buffer into the session's
// feeder channel. The send blocks until the consumer reads; a closed
// channel surfaces ErrFeederClosed.
func (e *sessionEnv) Feed(argLen uint32) (err error) {
	if e.s.feeder == nil {
		return types.ErrFeederClosed
	}
	defer func() {
		if recover() != nil {
			err = types.ErrFeederClosed
		}
	}()
	data := make([]byte, argLen)
	copy(data, e.s.top().inst.ArgBuf()[:argLen])
	e.s.feeder <- data
	return nil
}

// Debug logs a guest debug message.
func (e *sessionEnv) Debug(msg string) {
	slog.Debug("contract debug", "contract", e.self.id, "msg", msg)
}

// SelfID returns the id of the contract being executed.
func (e *sessionEnv) SelfID() types.ContractId {
	return e.self.id
}

// OwnerOf returns a contract's owner.
func (e *sessionEnv) OwnerOf(id types.ContractId) ([]byte, bool) {
	if c, ok := e.s.contracts[id]; ok {
		return c.meta.Owner, true
	}
	if e.s.base != nil {
		if m, ok := e.s.base.Metadata(id); ok {
			return m.Owner, true
		}
	}
	return nil, false
}

// Caller returns the id of the calling contract, or the zero id at
// the root of the call stack.
func (e *sessionEnv) Caller() types.ContractId {
	if len(e.s.stack) < 2 {
		return types.ContractId{}
	}
	return e.s.stack[len(e.s.stack)-2].contract.id
}

// Callstack returns the ids of the call stack, innermost first.
func (e *sessionEnv) Callstack() []types.ContractId {
	ids := make([]types.ContractId, 0, len(e.s.stack))
	for i := len(e.s.stack) - 1; i >= 0; i-- {
		ids = append(ids, e.s.stack[i].contract.id)
	}
	return ids
}
