// Package store implements the content-addressed, on-disk repository
// of commits.
//
// A commit is a directory named by its Merkle root, holding per
// contract a bytecode file and a directory of per-page memory files
// named by page offset. Pages and bytecodes that did not change
// relative to the parent commit are hard-linked rather than copied,
// so unmodified data physically aliases across commits and deleting a
// commit never destroys bytes still referenced elsewhere. Commits are
// written to a temporary sibling directory and renamed into place, so
// a crash can leave at most garbage temp directories, never a half
// commit under a valid root name.
package store

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"lukechampine.com/blake3"

	"github.com/govm-net/pagevm/merkle"
	"github.com/govm-net/pagevm/types"
)

// ContractDiff is the per-contract portion of a session's working set
// handed to Write.
type ContractDiff struct {
	// Bytecode is the contract's bytecode when deployed or migrated
	// this session, nil when unchanged from the parent commit.
	Bytecode []byte
	// Pages holds the dirty page images, keyed by page index.
	Pages map[int][]byte
	// PageCount is the current memory length in pages.
	PageCount uint64
	Bitness   types.Bitness
	Metadata  types.ContractMetadata
}

// WorkingSet is the set of contracts touched by a session.
type WorkingSet map[types.ContractId]*ContractDiff

// Store is the on-disk repository of commits.
type Store struct {
	dir string
}

// Open opens a store rooted at the given directory, creating it when
// missing.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating store directory: %w", err)
	}
	return &Store{dir: dir}, nil
}

// Dir returns the store's base directory.
func (s *Store) Dir() string {
	return s.dir
}

// OpenCommit opens a read-only view of the commit with the given
// root.
func (s *Store) OpenCommit(root types.Hash) (*CommitView, error) {
	return openCommit(s.dir, root)
}

// Roots lists the roots of the commits present on disk.
func (s *Store) Roots() ([]types.Hash, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}
	var roots []types.Hash
	for _, e := range entries {
		if !e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		root, err := types.HashFromString(e.Name())
		if err != nil {
			continue
		}
		roots = append(roots, root)
	}
	return roots, nil
}

// Delete removes a commit directory. Pages shared with other commits
// survive through their hard links; only the directory's own links
// are dropped. The caller is responsible for ensuring no session has
// the commit open.
func (s *Store) Delete(root types.Hash) error {
	dir := filepath.Join(s.dir, root.String())
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return fmt.Errorf("%w: %s", types.ErrCommitDoesNotExist, root)
	}
	return os.RemoveAll(dir)
}

// Write materialises a new commit from the parent commit and the
// session's working set, and returns its root. The parent may be nil
// for a genesis commit.
//
// For every contract in the union of parent and diff, unchanged
// bytecode and every clean page are hard-linked from the parent, new
// bytecode and dirty pages are written fresh, and the memory hash is
// recomputed for touched contracts. The index and merkle files are written last, and the
// whole directory is renamed onto its root name in one step.
func (s *Store) Write(parent *CommitView, diff WorkingSet) (types.Hash, error) {
	tmp, err := os.MkdirTemp(s.dir, ".commit-*")
	if err != nil {
		return types.Hash{}, fmt.Errorf("creating commit staging directory: %w", err)
	}
	defer os.RemoveAll(tmp)

	root, err := s.writeInto(tmp, parent, diff)
	if err != nil {
		return types.Hash{}, err
	}

	final := filepath.Join(s.dir, root.String())
	if _, err := os.Stat(final); err == nil {
		// The same state was already committed; the staged copy is
		// redundant.
		return root, nil
	}
	if err := os.Rename(tmp, final); err != nil {
		return types.Hash{}, fmt.Errorf("publishing commit: %w", err)
	}
	return root, nil
}

func (s *Store) writeInto(tmp string, parent *CommitView, diff WorkingSet) (types.Hash, error) {
	if err := os.Mkdir(filepath.Join(tmp, bytecodeDir), 0755); err != nil {
		return types.Hash{}, err
	}
	if err := os.Mkdir(filepath.Join(tmp, memoryDir), 0755); err != nil {
		return types.Hash{}, err
	}

	index := make(map[types.ContractId]IndexRecord)
	meta := make(map[types.ContractId]types.ContractMetadata)

	// Carry every parent contract over, hard-linking everything that
	// the session did not touch.
	if parent != nil {
		for id, rec := range parent.index {
			if _, touched := diff[id]; touched {
				continue
			}
			if err := s.carryContract(tmp, parent, id); err != nil {
				return types.Hash{}, err
			}
			index[id] = rec
			if m, ok := parent.meta[id]; ok {
				meta[id] = m
			}
		}
	}

	for id, d := range diff {
		rec, err := s.writeContract(tmp, parent, id, d)
		if err != nil {
			return types.Hash{}, err
		}
		index[id] = rec
		meta[id] = d.Metadata
	}

	tree := merkle.New()
	for id, rec := range index {
		tree.Insert(merkle.Position(id), merkle.LeafHash(id, rec.MemHash, rec.Bitness))
	}
	root := tree.Root()

	// Index, merkle and metadata are written last: their presence
	// marks the directory complete.
	if err := writeMetadata(filepath.Join(tmp, metadataFile), meta); err != nil {
		return types.Hash{}, fmt.Errorf("writing metadata: %w", err)
	}
	if err := writeMerkle(filepath.Join(tmp, merkleFile), tree); err != nil {
		return types.Hash{}, fmt.Errorf("writing merkle positions: %w", err)
	}
	if err := writeIndex(filepath.Join(tmp, indexFile), index); err != nil {
		return types.Hash{}, fmt.Errorf("writing index: %w", err)
	}
	return root, nil
}

// carryContract hard-links an untouched contract's bytecode and pages
// from the parent commit.
func (s *Store) carryContract(tmp string, parent *CommitView, id types.ContractId) error {
	if err := os.Link(parent.BytecodePath(id), filepath.Join(tmp, bytecodeDir, id.String())); err != nil {
		return fmt.Errorf("linking bytecode of %s: %w", id, err)
	}
	pages, err := parent.PageFiles(id)
	if err != nil {
		return err
	}
	memDir := filepath.Join(tmp, memoryDir, id.String())
	if err := os.Mkdir(memDir, 0755); err != nil {
		return err
	}
	for idx, path := range pages {
		if err := os.Link(path, filepath.Join(memDir, pageName(idx))); err != nil {
			return fmt.Errorf("linking page %#x of %s: %w", idx*types.PageSize, id, err)
		}
	}
	return nil
}

// writeContract materialises a touched contract: fresh files for new
// bytecode and dirty pages, hard links for the rest, and a freshly
// computed memory hash.
func (s *Store) writeContract(tmp string, parent *CommitView, id types.ContractId, d *ContractDiff) (IndexRecord, error) {
	bytecodePath := filepath.Join(tmp, bytecodeDir, id.String())
	switch {
	case d.Bytecode != nil:
		if err := os.WriteFile(bytecodePath, d.Bytecode, 0644); err != nil {
			return IndexRecord{}, fmt.Errorf("writing bytecode of %s: %w", id, err)
		}
	case parent != nil && parent.Contains(id):
		if err := os.Link(parent.BytecodePath(id), bytecodePath); err != nil {
			return IndexRecord{}, fmt.Errorf("linking bytecode of %s: %w", id, err)
		}
	default:
		return IndexRecord{}, fmt.Errorf("%w: no bytecode for %s", types.ErrInvalidBytecode, id)
	}

	memDir := filepath.Join(tmp, memoryDir, id.String())
	if err := os.Mkdir(memDir, 0755); err != nil {
		return IndexRecord{}, err
	}

	var parentPages map[int]string
	if parent != nil && parent.Contains(id) {
		var err error
		if parentPages, err = parent.PageFiles(id); err != nil {
			return IndexRecord{}, err
		}
	}

	// Pages present in the new commit: dirty pages from the diff plus
	// every inherited parent page within the current length.
	pageSet := make(map[int]bool, len(d.Pages)+len(parentPages))
	for idx := range d.Pages {
		if uint64(idx) < d.PageCount {
			pageSet[idx] = true
		}
	}
	for idx := range parentPages {
		if uint64(idx) < d.PageCount {
			pageSet[idx] = true
		}
	}

	indices := make([]int, 0, len(pageSet))
	for idx := range pageSet {
		indices = append(indices, idx)
	}
	sort.Ints(indices)

	hasher := blake3.New(32, nil)
	for _, idx := range indices {
		var offBytes [8]byte
		binary.BigEndian.PutUint64(offBytes[:], uint64(idx)*types.PageSize)
		hasher.Write(offBytes[:])

		path := filepath.Join(memDir, pageName(idx))
		if page, dirty := d.Pages[idx]; dirty {
			if err := os.WriteFile(path, page, 0644); err != nil {
				return IndexRecord{}, fmt.Errorf("writing page %#x of %s: %w",
					idx*types.PageSize, id, err)
			}
			hasher.Write(page)
			continue
		}

		parentPath := parentPages[idx]
		if err := os.Link(parentPath, path); err != nil {
			return IndexRecord{}, fmt.Errorf("linking page %#x of %s: %w",
				idx*types.PageSize, id, err)
		}
		page, err := os.ReadFile(parentPath)
		if err != nil {
			return IndexRecord{}, err
		}
		hasher.Write(page)
	}

	var memHash types.Hash
	copy(memHash[:], hasher.Sum(nil))

	return IndexRecord{
		MemHash:   memHash,
		PageCount: d.PageCount,
		Bitness:   d.Bitness,
	}, nil
}

func pageName(idx int) string {
	return fmt.Sprintf("%x", idx*types.PageSize)
}
