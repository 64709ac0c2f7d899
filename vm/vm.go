// Package vm ties the virtual machine together: the VM owns the
// commit store and registry, spawns sessions rooted at a chosen base
// commit, and serialises destructive operations against live readers.
package vm

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/govm-net/pagevm/archive"
	"github.com/govm-net/pagevm/engine"
	"github.com/govm-net/pagevm/store"
	"github.com/govm-net/pagevm/types"
)

const (
	commitsFile        = "commits"
	commitsFileVersion = 1

	artifactCacheDir = "artifacts"
	stateDir         = "state"
)

// Config holds the VM configuration.
type Config struct {
	// Dir is the base directory: commits live under Dir/state,
	// compiled artifacts under Dir/artifacts.
	Dir string
	// RejectDeleteInUse makes DeleteCommit fail with ErrCommitInUse
	// instead of blocking until the last session on the commit closes.
	RejectDeleteInUse bool
	// Archive, when set, receives the receipts and events of every
	// published commit.
	Archive *archive.Archive
}

// HostQuery is a host-registered function callable by guests. It
// receives the calling contract's argument buffer and the argument
// length, and returns the length of the result it wrote back.
type HostQuery func(argbuf []byte, argLen uint32) (uint32, error)

type hostQueryEntry struct {
	fn       HostQuery
	gasPrice uint64
}

// commitInfo is one entry of the commit registry.
type commitInfo struct {
	contracts []types.ContractId
}

// VM owns the contract store, the commit registry with per-root
// reader counts, the compiled-artifact cache and the host-query
// registry.
type VM struct {
	cfg    Config
	store  *store.Store
	engine guestEngine

	mu       sync.Mutex
	cond     *sync.Cond
	commits  map[types.Hash]*commitInfo
	readers  map[types.Hash]int
	deleting map[types.Hash]bool

	qmu     sync.RWMutex
	queries map[string]hostQueryEntry

	ephemeral bool
	closed    bool
}

// New opens a VM at the given base directory, restoring the commit
// registry from the commits file when present.
func New(cfg Config) (*VM, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("vm directory is empty")
	}
	st, err := store.Open(filepath.Join(cfg.Dir, stateDir))
	if err != nil {
		return nil, err
	}
	eng, err := engine.New(engine.Config{
		CacheDir: filepath.Join(cfg.Dir, artifactCacheDir),
	})
	if err != nil {
		return nil, err
	}

	vm := &VM{
		cfg:      cfg,
		store:    st,
		engine:   &wazeroEngine{eng: eng},
		commits:  make(map[types.Hash]*commitInfo),
		readers:  make(map[types.Hash]int),
		deleting: make(map[types.Hash]bool),
		queries:  make(map[string]hostQueryEntry),
	}
	vm.cond = sync.NewCond(&vm.mu)

	if err := vm.restore(); err != nil {
		return nil, err
	}
	return vm, nil
}

// Ephemeral creates a VM in a temporary directory. Closing it removes
// the directory.
func Ephemeral() (*VM, error) {
	dir, err := os.MkdirTemp("", "pagevm-*")
	if err != nil {
		return nil, err
	}
	vm, err := New(Config{Dir: dir})
	if err != nil {
		os.RemoveAll(dir)
		return nil, err
	}
	vm.ephemeral = true
	return vm, nil
}

// RegisterHostQuery registers a named host query with its gas price.
// Guests reach it through the hq import.
func (vm *VM) RegisterHostQuery(name string, fn HostQuery, gasPrice uint64) {
	vm.qmu.Lock()
	defer vm.qmu.Unlock()
	vm.queries[name] = hostQueryEntry{fn: fn, gasPrice: gasPrice}
}

func (vm *VM) hostQuery(name string) (hostQueryEntry, bool) {
	vm.qmu.RLock()
	defer vm.qmu.RUnlock()
	q, ok := vm.queries[name]
	return q, ok
}

// Session opens a session rooted at the given base commit. With no
// base the session starts from an empty, genesis state.
func (vm *VM) Session(base ...types.Hash) (*Session, error) {
	var view *store.CommitView
	if len(base) > 0 {
		root := base[0]
		vm.mu.Lock()
		if _, ok := vm.commits[root]; !ok || vm.deleting[root] {
			vm.mu.Unlock()
			return nil, fmt.Errorf("%w: %s", types.ErrCommitDoesNotExist, root)
		}
		vm.readers[root]++
		vm.mu.Unlock()

		var err error
		view, err = vm.store.OpenCommit(root)
		if err != nil {
			vm.release(root)
			return nil, err
		}
	}
	return newSession(vm, view), nil
}

// release drops a reader count taken by Session.
func (vm *VM) release(root types.Hash) {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	vm.readers[root]--
	if vm.readers[root] <= 0 {
		delete(vm.readers, root)
		vm.cond.Broadcast()
	}
}

// publish registers a freshly written commit and persists the
// registry.
func (vm *VM) publish(root types.Hash, contracts []types.ContractId, receipts []*types.CallReceipt) error {
	vm.mu.Lock()
	vm.commits[root] = &commitInfo{contracts: contracts}
	vm.mu.Unlock()

	if vm.cfg.Archive != nil {
		if err := vm.cfg.Archive.Record(root, receipts); err != nil {
			return fmt.Errorf("archiving commit %s: %w", root, err)
		}
	}
	return vm.Persist()
}

// Commits returns the roots of the registered commits.
func (vm *VM) Commits() []types.Hash {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	roots := make([]types.Hash, 0, len(vm.commits))
	for root := range vm.commits {
		roots = append(roots, root)
	}
	return roots
}

// DeleteCommit removes a commit. New sessions on the root are blocked
// immediately; the removal itself waits for live readers to drain, or
// fails with ErrCommitInUse when the VM is configured to reject.
func (vm *VM) DeleteCommit(root types.Hash) error {
	vm.mu.Lock()
	if _, ok := vm.commits[root]; !ok {
		vm.mu.Unlock()
		return fmt.Errorf("%w: %s", types.ErrCommitDoesNotExist, root)
	}
	if vm.deleting[root] {
		vm.mu.Unlock()
		return fmt.Errorf("%w: %s", types.ErrCommitDoesNotExist, root)
	}
	if vm.readers[root] > 0 && vm.cfg.RejectDeleteInUse {
		vm.mu.Unlock()
		return fmt.Errorf("%w: %s", types.ErrCommitInUse, root)
	}
	vm.deleting[root] = true
	for vm.readers[root] > 0 {
		vm.cond.Wait()
	}
	delete(vm.commits, root)
	delete(vm.deleting, root)
	vm.mu.Unlock()

	if err := vm.store.Delete(root); err != nil {
		return err
	}
	return vm.Persist()
}

// Store exposes the underlying commit store.
func (vm *VM) Store() *store.Store {
	return vm.store
}

// Close releases the VM. An ephemeral VM removes its directory.
func (vm *VM) Close() error {
	vm.mu.Lock()
	if vm.closed {
		vm.mu.Unlock()
		return nil
	}
	vm.closed = true
	vm.mu.Unlock()

	err := vm.engine.Close(context.Background())
	if vm.cfg.Archive != nil {
		if aerr := vm.cfg.Archive.Close(); err == nil {
			err = aerr
		}
	}
	if vm.ephemeral {
		if rerr := os.RemoveAll(vm.cfg.Dir); err == nil {
			err = rerr
		}
	}
	return err
}

// Persist writes the commit registry to the commits file.
//
// Layout: u32 version, u32 count, then per commit the 32-byte root, a
// u32 reader count and a u32-counted list of contract ids.
func (vm *VM) Persist() error {
	vm.mu.Lock()
	defer vm.mu.Unlock()

	path := filepath.Join(vm.cfg.Dir, commitsFile)
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	defer os.Remove(tmp)

	w := func(v any) error { return binary.Write(f, binary.BigEndian, v) }
	if err := w(uint32(commitsFileVersion)); err != nil {
		return err
	}
	if err := w(uint32(len(vm.commits))); err != nil {
		return err
	}
	for root, info := range vm.commits {
		if _, err := f.Write(root[:]); err != nil {
			return err
		}
		if err := w(uint32(vm.readers[root])); err != nil {
			return err
		}
		if err := w(uint32(len(info.contracts))); err != nil {
			return err
		}
		for _, id := range info.contracts {
			if _, err := f.Write(id[:]); err != nil {
				return err
			}
		}
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// restore loads the commit registry from the commits file, falling
// back to scanning the store directory when the file is missing.
func (vm *VM) restore() error {
	path := filepath.Join(vm.cfg.Dir, commitsFile)
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		roots, err := vm.store.Roots()
		if err != nil {
			return err
		}
		for _, root := range roots {
			vm.commits[root] = &commitInfo{}
		}
		return nil
	}
	if err != nil {
		return err
	}
	defer f.Close()

	r := func(v any) error { return binary.Read(f, binary.BigEndian, v) }
	var version uint32
	if err := r(&version); err != nil {
		return fmt.Errorf("reading commits file: %w", err)
	}
	if version != commitsFileVersion {
		return fmt.Errorf("unsupported commits file version %d", version)
	}
	var count uint32
	if err := r(&count); err != nil {
		return fmt.Errorf("reading commits file: %w", err)
	}
	for i := uint32(0); i < count; i++ {
		var root types.Hash
		if _, err := io.ReadFull(f, root[:]); err != nil {
			return fmt.Errorf("reading commits file: %w", err)
		}
		var readers, nContracts uint32
		if err := r(&readers); err != nil {
			return fmt.Errorf("reading commits file: %w", err)
		}
		if err := r(&nContracts); err != nil {
			return fmt.Errorf("reading commits file: %w", err)
		}
		info := &commitInfo{contracts: make([]types.ContractId, nContracts)}
		for j := range info.contracts {
			if _, err := io.ReadFull(f, info.contracts[j][:]); err != nil {
				return fmt.Errorf("reading commits file: %w", err)
			}
		}
		// Reader counts from a previous process are stale; sessions of
		// this process re-acquire them.
		vm.commits[root] = info
	}
	return nil
}
