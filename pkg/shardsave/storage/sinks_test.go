package storage_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/shardsave/pkg/shardsave"
	"github.com/randalmurphal/shardsave/pkg/shardsave/storage"
)

func saveAlone(t *testing.T, sink shardsave.StorageSink, state shardsave.StateDict) *shardsave.Metadata {
	t.Helper()
	md, err := shardsave.Save(context.Background(), state, sink, shardsave.WithNoDistribution())
	require.NoError(t, err)
	return md
}

func TestMemoryStore_LenAndClose(t *testing.T) {
	store := storage.NewMemoryStore()
	sink := storage.NewMemorySink(store)
	assert.Same(t, store, sink.Store())

	saveAlone(t, sink, shardsave.StateDict{
		"a": []byte("1"),
		"b": []byte("22"),
	})
	assert.Equal(t, 2, store.Len())

	require.NoError(t, store.Close())
	assert.Equal(t, 0, store.Len())

	_, err := store.List()
	assert.ErrorIs(t, err, storage.ErrStoreClosed)
	assert.ErrorIs(t, sink.SetUp(true), storage.ErrStoreClosed)

	_, err = shardsave.Save(context.Background(), shardsave.StateDict{"a": []byte("1")}, sink,
		shardsave.WithNoDistribution())
	assert.ErrorIs(t, err, storage.ErrStoreClosed)
}

func TestMemoryStore_ItemIsCopy(t *testing.T) {
	store := storage.NewMemoryStore()
	md := saveAlone(t, storage.NewMemorySink(store), shardsave.StateDict{"a": []byte("abc")})

	got, err := store.Item(md.ID, md.Storage["a"].Path)
	require.NoError(t, err)
	got[0] = 'x'

	again, err := store.Item(md.ID, md.Storage["a"].Path)
	require.NoError(t, err)
	assert.Equal(t, []byte("abc"), again)
}

func TestFileSystemSink_Layout(t *testing.T) {
	root := t.TempDir()
	sink := storage.NewFileSystemSink(root, storage.WithThreads(2))
	assert.Equal(t, root, sink.Root())

	md := saveAlone(t, sink, shardsave.StateDict{
		"a": []byte("aaaa"),
		"b": []byte("bb"),
		"c": []byte("c"),
	})

	entries, err := os.ReadDir(sink.CheckpointDir(md.ID))
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	assert.ElementsMatch(t, []string{".metadata", "__0_0.data", "__0_1.data"}, names)

	// Round-robin: a and c share the first file.
	assert.Equal(t, "__0_0.data", md.Storage["a"].Path)
	assert.Equal(t, "__0_1.data", md.Storage["b"].Path)
	assert.Equal(t, "__0_0.data", md.Storage["c"].Path)
	assert.Equal(t, int64(4), md.Storage["c"].Offset)
}

func TestFileSystemSink_FailedWriteLeavesNoFiles(t *testing.T) {
	sink := storage.NewFileSystemSink(t.TempDir(), storage.WithThreads(2))
	require.NoError(t, sink.SetUp(true))

	plans, err := sink.PrepareGlobalPlan([]shardsave.SavePlan{{
		Items: []shardsave.WriteItem{
			bytesItem("a", []byte("x")),
			bytesItem("b", []byte("y")),
		},
	}})
	require.NoError(t, err)
	plans[0].CheckpointID = "ckpt-1"

	_, err = sink.Write(context.Background(), plans[0], mapResolver{"a": []byte("x")})
	require.Error(t, err)

	entries, err := os.ReadDir(sink.CheckpointDir("ckpt-1"))
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestFileSystemSink_DetectsTampering(t *testing.T) {
	sink := storage.NewFileSystemSink(t.TempDir())
	md := saveAlone(t, sink, shardsave.StateDict{"a": []byte("original")})

	info := md.Storage["a"]
	path := filepath.Join(sink.CheckpointDir(md.ID), info.Path)
	require.NoError(t, os.WriteFile(path, []byte("tampered"), 0o644))

	_, err := sink.ReadItem(md.ID, info)
	assert.ErrorIs(t, err, storage.ErrChecksumMismatch)
}

func TestFileSystemSink_Missing(t *testing.T) {
	sink := storage.NewFileSystemSink(filepath.Join(t.TempDir(), "never-created"))

	ids, err := sink.List()
	require.NoError(t, err)
	assert.Empty(t, ids)

	_, err = sink.ReadMetadata("nope")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = sink.ReadItem("nope", shardsave.StorageInfo{Path: "__0_0.data", Length: 1})
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

// escapingPlanner hands out a checkpoint ID that climbs out of the root.
type escapingPlanner struct {
	*shardsave.DefaultPlanner
	id string
}

func (p *escapingPlanner) CreateGlobalPlan(plans []shardsave.SavePlan) ([]shardsave.SavePlan, *shardsave.Metadata, error) {
	global, md, err := p.DefaultPlanner.CreateGlobalPlan(plans)
	if md != nil {
		md.ID = p.id
	}
	return global, md, err
}

func TestFileSystemSink_RejectsUnsafeCheckpointIDs(t *testing.T) {
	parent := t.TempDir()
	root := filepath.Join(parent, "root")
	sink := storage.NewFileSystemSink(root)

	for _, id := range []string{"../escaped", "a/b", `a\b`, "..", "."} {
		t.Run(id, func(t *testing.T) {
			planner := &escapingPlanner{DefaultPlanner: shardsave.NewDefaultPlanner(), id: id}
			_, err := shardsave.Save(context.Background(), shardsave.StateDict{"w": []byte("x")}, sink,
				shardsave.WithNoDistribution(), shardsave.WithPlannerInstance(planner))
			require.ErrorIs(t, err, storage.ErrInvalidCheckpointID)

			var saveErr *shardsave.SaveError
			require.ErrorAs(t, err, &saveErr)
			assert.Equal(t, shardsave.StateWrite, saveErr.State)

			_, err = sink.ReadMetadata(id)
			assert.ErrorIs(t, err, storage.ErrInvalidCheckpointID)
		})
	}

	_, err := os.Stat(filepath.Join(parent, "escaped"))
	assert.True(t, os.IsNotExist(err), "nothing written outside the root")

	md := saveAlone(t, sink, shardsave.StateDict{"w": []byte("x")})
	_, err = sink.ReadItem(md.ID, shardsave.StorageInfo{Path: "../../etc/passwd", Length: 1})
	assert.ErrorIs(t, err, storage.ErrInvalidCheckpointID)
}

func TestSQLiteSink_Persistence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "checkpoints.db")

	sink, err := storage.NewSQLiteSink(path)
	require.NoError(t, err)
	md := saveAlone(t, sink, shardsave.StateDict{
		"blob": []byte("persisted"),
		"opt":  map[string]any{"lr": 0.1},
	})
	require.NoError(t, sink.Close())

	reopened, err := storage.NewSQLiteSink(path)
	require.NoError(t, err)
	defer reopened.Close()

	loaded, err := reopened.LoadMetadata(md.ID)
	require.NoError(t, err)
	assert.Equal(t, md.ID, loaded.ID)
	assert.Contains(t, loaded.Entries, "opt.lr")

	data, err := reopened.ReadItem(md.ID, loaded.Storage["blob"])
	require.NoError(t, err)
	assert.Equal(t, []byte("persisted"), data)

	lr, err := reopened.ReadItem(md.ID, loaded.Storage["opt.lr"])
	require.NoError(t, err)
	assert.JSONEq(t, "0.1", string(lr))
}

func TestSQLiteSink_InvalidPath(t *testing.T) {
	_, err := storage.NewSQLiteSink("/nonexistent/path/that/should/not/exist/c.db")
	assert.Error(t, err)
}

func TestSQLiteSink_CloseIdempotent(t *testing.T) {
	sink, err := storage.NewSQLiteSink(filepath.Join(t.TempDir(), "c.db"))
	require.NoError(t, err)

	require.NoError(t, sink.Close())
	require.NoError(t, sink.Close())

	assert.ErrorIs(t, sink.SetUp(true), storage.ErrStoreClosed)
	_, err = sink.List()
	assert.ErrorIs(t, err, storage.ErrStoreClosed)
}

func TestSQLiteSink_ListOrder(t *testing.T) {
	sink, err := storage.NewSQLiteSink(filepath.Join(t.TempDir(), "c.db"))
	require.NoError(t, err)
	defer sink.Close()

	first := saveAlone(t, sink, shardsave.StateDict{"step": 1})
	second := saveAlone(t, sink, shardsave.StateDict{"step": 2})

	ids, err := sink.List()
	require.NoError(t, err)
	assert.Equal(t, []string{first.ID, second.ID}, ids)
}
