package vm

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/govm-net/pagevm/archive"
	"github.com/govm-net/pagevm/types"
)

func newDirVM(t *testing.T, dir string) *VM {
	t.Helper()
	machine, err := New(Config{Dir: dir})
	require.NoError(t, err)
	t.Cleanup(func() { machine.Close() })
	machine.engine = &fakeEngine{programs: testPrograms()}
	return machine
}

func TestCommitRegistryPersists(t *testing.T) {
	dir := t.TempDir()

	machine := newDirVM(t, dir)
	session, err := machine.Session()
	require.NoError(t, err)
	id := deployCounter(t, session)
	root, err := session.Commit()
	require.NoError(t, err)
	require.NoError(t, machine.Close())

	reopened := newDirVM(t, dir)
	assert.Contains(t, reopened.Commits(), root)

	s2, err := reopened.Session(root)
	require.NoError(t, err)
	defer s2.Discard()
	assert.Equal(t, uint64(0xfc), readCounter(t, s2, id))
}

func TestCommitsFileUnknownVersion(t *testing.T) {
	dir := t.TempDir()

	machine := newDirVM(t, dir)
	session, err := machine.Session()
	require.NoError(t, err)
	deployCounter(t, session)
	_, err = session.Commit()
	require.NoError(t, err)
	require.NoError(t, machine.Close())

	path := filepath.Join(dir, "commits")
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	binary.BigEndian.PutUint32(data[:4], 99)
	require.NoError(t, os.WriteFile(path, data, 0644))

	_, err = New(Config{Dir: dir})
	assert.ErrorContains(t, err, "version")
}

func TestRegistryFallsBackToDiskScan(t *testing.T) {
	dir := t.TempDir()

	machine := newDirVM(t, dir)
	session, err := machine.Session()
	require.NoError(t, err)
	deployCounter(t, session)
	root, err := session.Commit()
	require.NoError(t, err)
	require.NoError(t, machine.Close())

	require.NoError(t, os.Remove(filepath.Join(dir, "commits")))

	reopened := newDirVM(t, dir)
	assert.Contains(t, reopened.Commits(), root)
}

func TestArchiveRecordsCommits(t *testing.T) {
	dir := t.TempDir()
	ar, err := archive.Open(filepath.Join(dir, "archive.db"))
	require.NoError(t, err)

	machine, err := New(Config{Dir: dir, Archive: ar})
	require.NoError(t, err)
	t.Cleanup(func() { machine.Close() })
	machine.engine = &fakeEngine{programs: testPrograms()}

	session, err := machine.Session()
	require.NoError(t, err)
	id := deployCounter(t, session)
	_, err = session.CallRaw(id, "increment", nil, testGas)
	require.NoError(t, err)
	root, err := session.Commit()
	require.NoError(t, err)

	receipts, err := ar.Receipts(root)
	require.NoError(t, err)
	require.NotEmpty(t, receipts)

	var fns []string
	for _, r := range receipts {
		fns = append(fns, r.Function)
	}
	assert.Contains(t, fns, "increment")
}

func TestSessionOnUnknownRoot(t *testing.T) {
	machine := newTestVM(t)
	_, err := machine.Session(types.Hash{5})
	assert.ErrorIs(t, err, types.ErrCommitDoesNotExist)
}

func TestDeleteUnknownCommit(t *testing.T) {
	machine := newTestVM(t)
	err := machine.DeleteCommit(types.Hash{5})
	assert.ErrorIs(t, err, types.ErrCommitDoesNotExist)
}

func TestEphemeralCleansUp(t *testing.T) {
	machine, err := Ephemeral()
	require.NoError(t, err)
	dir := machine.cfg.Dir

	_, err = os.Stat(dir)
	require.NoError(t, err)
	require.NoError(t, machine.Close())

	_, err = os.Stat(dir)
	assert.True(t, os.IsNotExist(err))
}

func TestConcurrentSessionsOnSameBase(t *testing.T) {
	machine := newTestVM(t)
	session, err := machine.Session()
	require.NoError(t, err)
	id := deployCounter(t, session)
	root, err := session.Commit()
	require.NoError(t, err)

	done := make(chan uint64, 2)
	for i := 0; i < 2; i++ {
		go func() {
			s, err := machine.Session(root)
			if err != nil {
				done <- 0
				return
			}
			defer s.Discard()
			receipt, err := s.CallRaw(id, "read_value", nil, testGas)
			if err != nil {
				done <- 0
				return
			}
			done <- binary.LittleEndian.Uint64(receipt.Data)
		}()
	}
	assert.Equal(t, uint64(0xfc), <-done)
	assert.Equal(t, uint64(0xfc), <-done)
}
