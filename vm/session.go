package vm

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"lukechampine.com/blake3"

	"github.com/govm-net/pagevm/engine"
	"github.com/govm-net/pagevm/merkle"
	"github.com/govm-net/pagevm/pagemap"
	"github.com/govm-net/pagevm/store"
	"github.com/govm-net/pagevm/types"
)

// initFn is the reserved export invoked exactly once at deploy time.
const initFn = "init"

type sessionState int

const (
	sessionOpen sessionState = iota
	sessionCommitted
	sessionDiscarded
)

// Contract is one entry of a session's working set.
type Contract struct {
	id       types.ContractId
	bytecode []byte
	mem      *pagemap.PageMap
	meta     types.ContractMetadata
	bitness  types.Bitness

	// firstInit is true until the memory's first instantiation, when
	// the module's data segments are allowed to initialise it.
	firstInit       bool
	bytecodeChanged bool
}

// ID returns the contract's id.
func (c *Contract) ID() types.ContractId { return c.id }

// Owner returns the contract's owner.
func (c *Contract) Owner() []byte { return c.meta.Owner }

type frame struct {
	contract *Contract
	inst     guestInstance
	meter    *engine.GasMeter
	node     *types.CallTreeNode
}

// Session is the unit of mutation: it is rooted at a base commit,
// accumulates deploys and calls against a working set of contracts,
// and either produces a new commit or is discarded.
//
// A session is single-threaded and not safe for concurrent use.
type Session struct {
	vm   *VM
	ctx  context.Context
	base *store.CommitView

	contracts map[types.ContractId]*Contract
	stack     []*frame
	events    []types.Event
	meta      map[string][]byte
	receipts  []*types.CallReceipt
	feeder    chan<- []byte

	state sessionState
	err   error
}

func newSession(vm *VM, base *store.CommitView) *Session {
	return &Session{
		vm:        vm,
		ctx:       context.Background(),
		base:      base,
		contracts: make(map[types.ContractId]*Contract),
		meta:      make(map[string][]byte),
	}
}

// Base returns the root of the base commit, or the zero hash for a
// genesis session.
func (s *Session) Base() types.Hash {
	if s.base == nil {
		return types.Hash{}
	}
	return s.base.Root()
}

func (s *Session) usable() error {
	if s.state != sessionOpen {
		return types.ErrSessionConsumed
	}
	return s.err
}

// poison marks the session unusable after a VM-level failure. The
// original error is returned by every subsequent operation.
func (s *Session) poison(err error) {
	if s.err == nil && !contractLevel(err) {
		s.err = err
	}
}

// contractLevel reports whether an error is survivable: the failed
// call was rolled back and the session may continue.
func contractLevel(err error) bool {
	var ce types.ContractError
	if errors.As(err, &ce) {
		return true
	}
	for _, kind := range []error{
		types.ErrPanic, types.ErrOutOfGas, types.ErrMemoryAccessOutOfBounds,
		types.ErrArgBufferOverflow, types.ErrInvalidFunction,
		types.ErrContractDoesNotExist, types.ErrMissingHostQuery,
		types.ErrMissingHostData, types.ErrRuntime, types.ErrFeederClosed,
		types.ErrInvalidBytecode, types.ErrContractAlreadyExists,
	} {
		if errors.Is(err, kind) {
			return true
		}
	}
	return false
}

// DeployOption customises a deploy.
type DeployOption func(*deployParams)

type deployParams struct {
	id      *types.ContractId
	initArg []byte
	nonce   uint64
}

// WithID fixes the deployed contract's id instead of deriving it.
func WithID(id types.ContractId) DeployOption {
	return func(p *deployParams) { p.id = &id }
}

// WithInitArg passes an argument to the contract's init function.
func WithInitArg(arg []byte) DeployOption {
	return func(p *deployParams) { p.initArg = arg }
}

// WithNonce salts the derived contract id.
func WithNonce(nonce uint64) DeployOption {
	return func(p *deployParams) { p.nonce = nonce }
}

// genContractId derives a contract id from its bytecode, owner and
// nonce.
func genContractId(bytecode, owner []byte, nonce uint64) types.ContractId {
	h := blake3.New(32, nil)
	h.Write(bytecode)
	h.Write(owner)
	var n [8]byte
	binary.LittleEndian.PutUint64(n[:], nonce)
	h.Write(n[:])
	var id types.ContractId
	copy(id[:], h.Sum(nil))
	return id
}

// Deploy adds a contract to the working set and runs its init
// function, when it exports one, exactly once. The returned receipt
// covers the init call.
func (s *Session) Deploy(bytecode, owner []byte, gasLimit uint64, opts ...DeployOption) (types.ContractId, *types.CallReceipt, error) {
	if err := s.usable(); err != nil {
		return types.ContractId{}, nil, err
	}
	var p deployParams
	for _, opt := range opts {
		opt(&p)
	}

	id := genContractId(bytecode, owner, p.nonce)
	if p.id != nil {
		id = *p.id
	}
	if err := s.checkFresh(id); err != nil {
		return types.ContractId{}, nil, err
	}

	fns, err := s.vm.engine.Validate(s.ctx, bytecode)
	if err != nil {
		return types.ContractId{}, nil, err
	}

	mem, err := pagemap.New(nil, 0)
	if err != nil {
		s.poison(err)
		return types.ContractId{}, nil, err
	}
	c := &Contract{
		id:              id,
		bytecode:        bytecode,
		mem:             mem,
		meta:            types.ContractMetadata{ID: id, Owner: owner},
		bitness:         types.Mem32,
		firstInit:       true,
		bytecodeChanged: true,
	}
	s.contracts[id] = c

	receipt, err := s.initialise(c, fns, p.initArg, gasLimit)
	if err != nil {
		delete(s.contracts, id)
		mem.Close()
		return types.ContractId{}, receipt, err
	}
	return id, receipt, nil
}

// initialise applies a fresh contract's data segments and runs init
// when exported.
func (s *Session) initialise(c *Contract, fns []string, initArg []byte, gasLimit uint64) (*types.CallReceipt, error) {
	hasInit := false
	for _, fn := range fns {
		if fn == initFn {
			hasInit = true
			break
		}
	}
	if hasInit {
		receipt := s.rootCall(c, initFn, initArg, gasLimit)
		return receipt, receipt.Err
	}

	// No init: instantiate once so the data segments initialise the
	// memory before it is committed.
	meter := engine.NewGasMeter(gasLimit)
	inst, err := s.vm.engine.Instantiate(s.ctx, c.bytecode, c.mem, &sessionEnv{s: s, self: c}, meter, c.firstInit)
	if err != nil {
		return nil, err
	}
	c.firstInit = false
	inst.Close(s.ctx)
	return &types.CallReceipt{GasLimit: gasLimit}, nil
}

// checkFresh rejects ids that exist already or whose Merkle slot
// collides with a live contract.
func (s *Session) checkFresh(id types.ContractId) error {
	if s.lookup(id) != nil {
		return fmt.Errorf("%w: %s", types.ErrContractAlreadyExists, id)
	}
	pos := merkle.Position(id)
	for other := range s.contracts {
		if merkle.Position(other) == pos {
			return fmt.Errorf("%w: slot collision with %s", types.ErrContractAlreadyExists, other)
		}
	}
	if s.base != nil {
		for _, other := range s.base.Contracts() {
			if _, inSet := s.contracts[other]; inSet {
				continue
			}
			if merkle.Position(other) == pos {
				return fmt.Errorf("%w: slot collision with %s", types.ErrContractAlreadyExists, other)
			}
		}
	}
	return nil
}

// lookup finds a contract in the working set or the base commit
// without materialising it.
func (s *Session) lookup(id types.ContractId) *Contract {
	if c, ok := s.contracts[id]; ok {
		return c
	}
	if s.base != nil && s.base.Contains(id) {
		c, err := s.materialise(id)
		if err != nil {
			return nil
		}
		return c
	}
	return nil
}

// contract returns the working-set entry for a contract,
// materialising its memory from the base commit on first touch.
func (s *Session) contract(id types.ContractId) (*Contract, error) {
	if c, ok := s.contracts[id]; ok {
		return c, nil
	}
	if s.base == nil || !s.base.Contains(id) {
		return nil, fmt.Errorf("%w: %s", types.ErrContractDoesNotExist, id)
	}
	return s.materialise(id)
}

func (s *Session) materialise(id types.ContractId) (*Contract, error) {
	rec, _ := s.base.Record(id)
	bytecode, err := s.base.Bytecode(id)
	if err != nil {
		s.poison(err)
		return nil, err
	}
	pages, err := s.base.PageFiles(id)
	if err != nil {
		s.poison(err)
		return nil, err
	}
	mem, err := pagemap.New(pages, int(rec.PageCount)*types.PageSize)
	if err != nil {
		s.poison(err)
		return nil, err
	}
	meta, _ := s.base.Metadata(id)
	c := &Contract{
		id:       id,
		bytecode: bytecode,
		mem:      mem,
		meta:     meta,
		bitness:  rec.Bitness,
	}
	s.contracts[id] = c
	return c, nil
}

// Call invokes a guest function with a JSON-serialised argument and
// returns the receipt; decode the raw return with DecodeReturn.
func (s *Session) Call(id types.ContractId, fn string, arg any, gasLimit uint64) (*types.CallReceipt, error) {
	var data []byte
	if arg != nil {
		var err error
		if data, err = json.Marshal(arg); err != nil {
			return nil, fmt.Errorf("serialising argument: %w", err)
		}
	}
	return s.CallRaw(id, fn, data, gasLimit)
}

// DecodeReturn deserialises a receipt's return bytes.
func DecodeReturn[T any](receipt *types.CallReceipt) (T, error) {
	var v T
	if len(receipt.Data) == 0 {
		return v, nil
	}
	if err := json.Unmarshal(receipt.Data, &v); err != nil {
		return v, fmt.Errorf("deserialising return: %w", err)
	}
	return v, nil
}

// CallRaw invokes a guest function with raw argument bytes. A
// contract-level failure is reported in the receipt and as the error;
// the session stays usable and the call's effects are rolled back.
func (s *Session) CallRaw(id types.ContractId, fn string, arg []byte, gasLimit uint64) (*types.CallReceipt, error) {
	if err := s.usable(); err != nil {
		return nil, err
	}
	c, err := s.contract(id)
	if err != nil {
		return nil, err
	}
	receipt := s.rootCall(c, fn, arg, gasLimit)
	return receipt, receipt.Err
}

// FeederCall invokes a guest function that streams data to the given
// channel through the feed import. Sends block the guest until the
// consumer reads; a closed channel ends the call, and that ending is
// swallowed.
func (s *Session) FeederCall(id types.ContractId, fn string, arg []byte, gasLimit uint64, feeder chan<- []byte) (*types.CallReceipt, error) {
	s.feeder = feeder
	defer func() { s.feeder = nil }()

	receipt, err := s.CallRaw(id, fn, arg, gasLimit)
	if receipt != nil && errors.Is(receipt.Err, types.ErrFeederClosed) {
		receipt.Err = nil
		err = nil
	}
	return receipt, err
}

// rootCall runs a root-level guest call transactionally: every memory
// in the working set is snapshotted before, and restored when the
// call fails.
func (s *Session) rootCall(c *Contract, fn string, arg []byte, gasLimit uint64) *types.CallReceipt {
	receipt := &types.CallReceipt{GasLimit: gasLimit}
	if len(arg) > types.ArgbufLen {
		receipt.Err = fmt.Errorf("%w: %d bytes", types.ErrArgBufferOverflow, len(arg))
		return receipt
	}

	meter := engine.NewGasMeter(gasLimit)
	node := &types.CallTreeNode{Elem: types.CallTreeElem{
		ContractId: c.id,
		Fn:         fn,
		Limit:      gasLimit,
		MemLen:     uint64(c.mem.Len()),
	}}

	evMark := len(s.events)
	s.snapAll()
	data, err := s.execute(c, fn, arg, meter, node)
	node.Elem.Spent = meter.Spent()
	if err != nil {
		s.revertAll()
		s.events = s.events[:evMark]
	} else {
		s.applyAll()
	}

	receipt.Data = data
	receipt.GasSpent = meter.Spent()
	receipt.Events = append([]types.Event(nil), s.events[evMark:]...)
	receipt.CallTree = node
	receipt.Err = err
	if err != nil {
		s.poison(err)
	}
	s.receipts = append(s.receipts, receipt)
	return receipt
}

// execute instantiates the contract and runs one guest function,
// pushing a frame for the duration of the call. The instance is torn
// down before returning so the engine never pins the memory.
func (s *Session) execute(c *Contract, fn string, arg []byte, meter *engine.GasMeter, node *types.CallTreeNode) ([]byte, error) {
	inst, err := s.vm.engine.Instantiate(s.ctx, c.bytecode, c.mem, &sessionEnv{s: s, self: c}, meter, c.firstInit)
	if err != nil {
		return nil, err
	}
	c.firstInit = false
	defer inst.Close(s.ctx)

	s.stack = append(s.stack, &frame{contract: c, inst: inst, meter: meter, node: node})
	defer func() { s.stack = s.stack[:len(s.stack)-1] }()

	copy(inst.ArgBuf(), arg)
	ret, err := inst.Call(s.ctx, fn, uint32(len(arg)))
	node.Elem.MemLen = uint64(c.mem.Len())
	if err != nil {
		return nil, err
	}
	if ret < 0 {
		return nil, types.ContractError(ret)
	}
	if int(ret) > types.ArgbufLen {
		return nil, fmt.Errorf("%w: return length %d", types.ErrRuntime, ret)
	}
	data := make([]byte, ret)
	copy(data, inst.ArgBuf()[:ret])
	return data, nil
}

func (s *Session) top() *frame {
	return s.stack[len(s.stack)-1]
}

func (s *Session) snapAll() {
	for _, c := range s.contracts {
		c.mem.Snap()
	}
}

func (s *Session) revertAll() {
	for _, c := range s.contracts {
		c.mem.Revert()
	}
}

func (s *Session) applyAll() {
	for _, c := range s.contracts {
		c.mem.Apply()
	}
}

// MigrateOption customises a migration.
type MigrateOption func(*migrateParams)

type migrateParams struct {
	newOwner    []byte
	freshMemory bool
	initArg     []byte
}

// WithNewOwner hands the contract to a new owner during migration.
func WithNewOwner(owner []byte) MigrateOption {
	return func(p *migrateParams) { p.newOwner = owner }
}

// WithFreshMemory discards the contract's memory during migration
// instead of carrying it over.
func WithFreshMemory() MigrateOption {
	return func(p *migrateParams) { p.freshMemory = true }
}

// WithMigrateInitArg passes an argument to the new bytecode's init.
func WithMigrateInitArg(arg []byte) MigrateOption {
	return func(p *migrateParams) { p.initArg = arg }
}

// Migrate atomically replaces a contract's bytecode while preserving
// its id, running the new bytecode's init when it exports one. The
// migration is rejected, and the contract left untouched, when the
// new bytecode is invalid or its init fails.
func (s *Session) Migrate(id types.ContractId, bytecode []byte, gasLimit uint64, opts ...MigrateOption) (*types.CallReceipt, error) {
	if err := s.usable(); err != nil {
		return nil, err
	}
	var p migrateParams
	for _, opt := range opts {
		opt(&p)
	}

	c, err := s.contract(id)
	if err != nil {
		return nil, err
	}
	fns, err := s.vm.engine.Validate(s.ctx, bytecode)
	if err != nil {
		return nil, err
	}

	prev := *c
	c.bytecode = bytecode
	c.bytecodeChanged = true
	if p.newOwner != nil {
		c.meta.Owner = p.newOwner
	}
	if p.freshMemory {
		mem, err := pagemap.New(nil, 0)
		if err != nil {
			*c = prev
			s.poison(err)
			return nil, err
		}
		c.mem = mem
		c.firstInit = true
	}

	receipt, err := s.initialise(c, fns, p.initArg, gasLimit)
	if err != nil {
		if p.freshMemory {
			c.mem.Close()
		}
		*c = prev
		return receipt, err
	}
	if p.freshMemory {
		prev.mem.Close()
	}
	return receipt, nil
}

// MemoryLen returns a contract's memory length in pages.
func (s *Session) MemoryLen(id types.ContractId) (uint64, bool) {
	if c, ok := s.contracts[id]; ok {
		return uint64((c.mem.Len() + types.PageSize - 1) / types.PageSize), true
	}
	if s.base != nil {
		if rec, ok := s.base.Record(id); ok {
			return rec.PageCount, true
		}
	}
	return 0, false
}

// MemoryPages iterates a contract's resident memory pages in
// ascending offset order.
func (s *Session) MemoryPages(id types.ContractId, fn func(offset int, page []byte) error) error {
	c, err := s.contract(id)
	if err != nil {
		return err
	}
	return c.mem.Pages(fn)
}

// SetMeta sets a session metadata value, visible to guests through
// the hd import. Commit strips metadata.
func (s *Session) SetMeta(key string, value []byte) {
	s.meta[key] = value
}

// Meta returns a session metadata value.
func (s *Session) Meta(key string) ([]byte, bool) {
	v, ok := s.meta[key]
	return v, ok
}

// RemoveMeta removes a session metadata value.
func (s *Session) RemoveMeta(key string) {
	delete(s.meta, key)
}

// Events returns the events emitted so far by successful calls.
func (s *Session) Events() []types.Event {
	return s.events
}

// Commit writes the working set to the store against the base commit,
// publishes the new root, and consumes the session.
func (s *Session) Commit() (types.Hash, error) {
	if err := s.usable(); err != nil {
		return types.Hash{}, err
	}

	ws := make(store.WorkingSet, len(s.contracts))
	for id, c := range s.contracts {
		pages := make(map[int][]byte)
		err := c.mem.DirtyPages(func(offset int, page []byte) error {
			img := make([]byte, types.PageSize)
			copy(img, page)
			pages[offset/types.PageSize] = img
			return nil
		})
		if err != nil {
			s.poison(err)
			return types.Hash{}, err
		}
		var bytecode []byte
		if c.bytecodeChanged {
			bytecode = c.bytecode
		}
		ws[id] = &store.ContractDiff{
			Bytecode:  bytecode,
			Pages:     pages,
			PageCount: uint64((c.mem.Len() + types.PageSize - 1) / types.PageSize),
			Bitness:   c.bitness,
			Metadata:  c.meta,
		}
	}

	root, err := s.vm.store.Write(s.base, ws)
	if err != nil {
		s.poison(err)
		return types.Hash{}, err
	}

	contracts := make([]types.ContractId, 0, len(s.contracts))
	for id := range s.contracts {
		contracts = append(contracts, id)
	}
	if s.base != nil {
		for _, id := range s.base.Contracts() {
			if _, ok := s.contracts[id]; !ok {
				contracts = append(contracts, id)
			}
		}
	}
	if err := s.vm.publish(root, contracts, s.receipts); err != nil {
		slog.Error("publishing commit", "root", root, "error", err)
		s.finish(sessionCommitted)
		return root, err
	}

	s.finish(sessionCommitted)
	return root, nil
}

// Discard drops the session without committing. All memories are
// released and the base commit is unpinned.
func (s *Session) Discard() {
	if s.state != sessionOpen {
		return
	}
	s.finish(sessionDiscarded)
}

func (s *Session) finish(state sessionState) {
	for _, c := range s.contracts {
		c.mem.Close()
	}
	s.contracts = nil
	if s.base != nil {
		s.vm.release(s.base.Root())
	}
	s.state = state
}
