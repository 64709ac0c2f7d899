package store

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/govm-net/pagevm/merkle"
	"github.com/govm-net/pagevm/types"
)

const (
	bytecodeDir  = "bytecode"
	memoryDir    = "memory"
	indexFile    = "index"
	merkleFile   = "merkle"
	metadataFile = "metadata"
)

// IndexRecord is one entry of a commit's index: the digest of a
// contract's memory pages, the memory length in pages, and whether
// guest addresses are 64-bit.
type IndexRecord struct {
	MemHash   types.Hash
	PageCount uint64
	Bitness   types.Bitness
}

// CommitView is a read-only handle on a commit directory. It exposes
// the page-file locator used to materialise contract memories, and
// the index and metadata of the commit.
type CommitView struct {
	root  types.Hash
	dir   string
	index map[types.ContractId]IndexRecord
	meta  map[types.ContractId]types.ContractMetadata
}

// Root returns the commit root the view was opened at.
func (v *CommitView) Root() types.Hash {
	return v.root
}

// Contains reports whether the commit holds the given contract.
func (v *CommitView) Contains(id types.ContractId) bool {
	_, ok := v.index[id]
	return ok
}

// Record returns the index record of a contract.
func (v *CommitView) Record(id types.ContractId) (IndexRecord, bool) {
	rec, ok := v.index[id]
	return rec, ok
}

// Contracts returns the ids of all contracts in the commit.
func (v *CommitView) Contracts() []types.ContractId {
	ids := make([]types.ContractId, 0, len(v.index))
	for id := range v.index {
		ids = append(ids, id)
	}
	return ids
}

// Metadata returns the persisted metadata of a contract.
func (v *CommitView) Metadata(id types.ContractId) (types.ContractMetadata, bool) {
	m, ok := v.meta[id]
	return m, ok
}

// BytecodePath returns the path of a contract's bytecode file.
func (v *CommitView) BytecodePath(id types.ContractId) string {
	return filepath.Join(v.dir, bytecodeDir, id.String())
}

// Bytecode reads a contract's bytecode.
func (v *CommitView) Bytecode(id types.ContractId) ([]byte, error) {
	if !v.Contains(id) {
		return nil, fmt.Errorf("%w: %s", types.ErrContractDoesNotExist, id)
	}
	return os.ReadFile(v.BytecodePath(id))
}

// PageFiles returns the page files of a contract's memory, keyed by
// page index. Pages that were never written have no file.
func (v *CommitView) PageFiles(id types.ContractId) (map[int]string, error) {
	dir := filepath.Join(v.dir, memoryDir, id.String())
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return map[int]string{}, nil
	}
	if err != nil {
		return nil, err
	}
	pages := make(map[int]string, len(entries))
	for _, e := range entries {
		offset, err := strconv.ParseUint(e.Name(), 16, 64)
		if err != nil || offset%types.PageSize != 0 {
			return nil, fmt.Errorf("%w: stray page file %q",
				types.ErrInvalidMemory, e.Name())
		}
		pages[int(offset/types.PageSize)] = filepath.Join(dir, e.Name())
	}
	return pages, nil
}

// openCommit reads a commit directory's index and metadata and
// verifies that the index agrees with the Merkle root the directory
// is named by.
func openCommit(baseDir string, root types.Hash) (*CommitView, error) {
	dir := filepath.Join(baseDir, root.String())
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: %s", types.ErrCommitDoesNotExist, root)
	}

	index, err := readIndex(filepath.Join(dir, indexFile))
	if err != nil {
		return nil, fmt.Errorf("commit %s: %w", root, err)
	}
	meta, err := readMetadata(filepath.Join(dir, metadataFile))
	if err != nil {
		return nil, fmt.Errorf("commit %s: %w", root, err)
	}

	tree := merkle.New()
	for id, rec := range index {
		tree.Insert(merkle.Position(id), merkle.LeafHash(id, rec.MemHash, rec.Bitness))
	}
	if got := tree.Root(); got != root {
		return nil, fmt.Errorf("commit %s: index root mismatch: %s", root, got)
	}

	return &CommitView{root: root, dir: dir, index: index, meta: meta}, nil
}

// Index file layout: u32 count, then per record a 32-byte contract
// id, a 32-byte memory hash, a u64 page count and a u32 bitness flag.
// All integers big-endian.

func writeIndex(path string, index map[types.ContractId]IndexRecord) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	if err := binary.Write(f, binary.BigEndian, uint32(len(index))); err != nil {
		return err
	}
	for id, rec := range index {
		if _, err := f.Write(id[:]); err != nil {
			return err
		}
		if _, err := f.Write(rec.MemHash[:]); err != nil {
			return err
		}
		if err := binary.Write(f, binary.BigEndian, rec.PageCount); err != nil {
			return err
		}
		if err := binary.Write(f, binary.BigEndian, uint32(rec.Bitness)); err != nil {
			return err
		}
	}
	return f.Sync()
}

func readIndex(path string) (map[types.ContractId]IndexRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var count uint32
	if err := binary.Read(f, binary.BigEndian, &count); err != nil {
		return nil, fmt.Errorf("reading index count: %w", err)
	}
	index := make(map[types.ContractId]IndexRecord, count)
	for i := uint32(0); i < count; i++ {
		var id types.ContractId
		var rec IndexRecord
		if _, err := io.ReadFull(f, id[:]); err != nil {
			return nil, fmt.Errorf("reading index record: %w", err)
		}
		if _, err := io.ReadFull(f, rec.MemHash[:]); err != nil {
			return nil, fmt.Errorf("reading index record: %w", err)
		}
		if err := binary.Read(f, binary.BigEndian, &rec.PageCount); err != nil {
			return nil, fmt.Errorf("reading index record: %w", err)
		}
		var bitness uint32
		if err := binary.Read(f, binary.BigEndian, &bitness); err != nil {
			return nil, fmt.Errorf("reading index record: %w", err)
		}
		rec.Bitness = types.Bitness(bitness)
		index[id] = rec
	}
	return index, nil
}

// Merkle file layout: u32 count, then per position a u64 slot and a
// 32-byte leaf digest.

func writeMerkle(path string, tree *merkle.Tree) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	if err := binary.Write(f, binary.BigEndian, uint32(tree.Len())); err != nil {
		return err
	}
	var werr error
	tree.Leaves(func(slot uint64, leaf types.Hash) {
		if werr != nil {
			return
		}
		if err := binary.Write(f, binary.BigEndian, slot); err != nil {
			werr = err
			return
		}
		if _, err := f.Write(leaf[:]); err != nil {
			werr = err
		}
	})
	if werr != nil {
		return werr
	}
	return f.Sync()
}

// Metadata file layout: u32 count, then per contract a 32-byte id, a
// u32 owner length and the owner bytes.

func writeMetadata(path string, meta map[types.ContractId]types.ContractMetadata) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	if err := binary.Write(f, binary.BigEndian, uint32(len(meta))); err != nil {
		return err
	}
	for id, m := range meta {
		if _, err := f.Write(id[:]); err != nil {
			return err
		}
		if err := binary.Write(f, binary.BigEndian, uint32(len(m.Owner))); err != nil {
			return err
		}
		if _, err := f.Write(m.Owner); err != nil {
			return err
		}
	}
	return f.Sync()
}

func readMetadata(path string) (map[types.ContractId]types.ContractMetadata, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var count uint32
	if err := binary.Read(f, binary.BigEndian, &count); err != nil {
		return nil, fmt.Errorf("reading metadata count: %w", err)
	}
	meta := make(map[types.ContractId]types.ContractMetadata, count)
	for i := uint32(0); i < count; i++ {
		var id types.ContractId
		if _, err := io.ReadFull(f, id[:]); err != nil {
			return nil, fmt.Errorf("reading metadata record: %w", err)
		}
		var ownerLen uint32
		if err := binary.Read(f, binary.BigEndian, &ownerLen); err != nil {
			return nil, fmt.Errorf("reading metadata record: %w", err)
		}
		owner := make([]byte, ownerLen)
		if _, err := io.ReadFull(f, owner); err != nil {
			return nil, fmt.Errorf("reading metadata record: %w", err)
		}
		meta[id] = types.ContractMetadata{ID: id, Owner: owner}
	}
	return meta, nil
}
