package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/pprof/profile"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/willibrandon/memtrack/pkg/recorder"
)

func writeArtifact(t *testing.T, key []byte) string {
	t.Helper()
	tree := recorder.NewFrameTree()
	entry := tree.Push(recorder.RootNode, recorder.Frame{Function: "main.main", File: "main.go", Line: 5})
	work := tree.Push(entry, recorder.Frame{Function: "main.work", File: "main.go", Line: 12})

	path := filepath.Join(t.TempDir(), "trace.bin")
	opts := recorder.DefaultWriterOptions()
	opts.IntegrityKey = key
	w, err := recorder.NewArtifactWriter(path, tree, opts)
	require.NoError(t, err)

	site := func(kind recorder.AllocatorKind) recorder.NodeID {
		return tree.Push(work, recorder.Frame{Function: kind.String(), File: "main.go", Line: 13})
	}
	for _, ev := range []recorder.AllocationEvent{
		{Kind: recorder.Malloc, Address: 0x10, Size: 64, GoroutineID: 1, Stack: site(recorder.Malloc)},
		{Kind: recorder.Valloc, Address: 0x20, Size: 4096, GoroutineID: 1, Stack: site(recorder.Valloc)},
		{Kind: recorder.Free, Address: 0x10, GoroutineID: 2, Stack: site(recorder.Free)},
	} {
		require.NoError(t, w.WriteAllocation(ev))
	}
	require.NoError(t, w.Finalize())
	return path
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root, _ := newRootCommand(&out, false)
	err := root.ParseAndRun(context.Background(), args)
	return out.String(), err
}

func TestStats(t *testing.T) {
	out, err := run(t, "stats", writeArtifact(t, nil))
	require.NoError(t, err)
	assert.Contains(t, out, "events:      3 across 2 goroutines")
	assert.Contains(t, out, "peak:        4160 bytes in 2 blocks")
	assert.Contains(t, out, "malloc\t1\t64\n")
	assert.Contains(t, out, "valloc\t1\t4096\n")
	assert.Contains(t, out, "free\t1\t0\n")
	assert.Less(t, bytes.Index([]byte(out), []byte("malloc\t")), bytes.Index([]byte(out), []byte("free\t")))
}

func TestDump(t *testing.T) {
	path := writeArtifact(t, nil)

	out, err := run(t, "dump", "-kind", "free", "-stacks", path)
	require.NoError(t, err)
	assert.Contains(t, out, "\tfree\t0x10\t0\n")
	assert.NotContains(t, out, "valloc")
	assert.Contains(t, out, "main.work")

	_, err = run(t, "dump", "-kind", "bogus", path)
	assert.Error(t, err)

	_, err = run(t, "dump")
	assert.ErrorIs(t, err, errArtifactArg)
}

func TestLeaks(t *testing.T) {
	path := writeArtifact(t, nil)

	out, err := run(t, "leaks", path)
	require.NoError(t, err)
	assert.Contains(t, out, "4096 bytes in 1 blocks")
	assert.Contains(t, out, "valloc\t0x20\t4096")

	out, err = run(t, "leaks", "-peak", path)
	require.NoError(t, err)
	assert.Contains(t, out, "4160 bytes in 2 blocks")
}

func TestPprof(t *testing.T) {
	output := filepath.Join(t.TempDir(), "heap.pb.gz")
	_, err := run(t, "pprof", "-o", output, writeArtifact(t, nil))
	require.NoError(t, err)

	f, err := os.Open(output)
	require.NoError(t, err)
	defer f.Close()
	prof, err := profile.Parse(f)
	require.NoError(t, err)
	assert.Len(t, prof.Sample, 2)

	_, err = run(t, "pprof", writeArtifact(t, nil))
	assert.Error(t, err)
}

func TestIntegrityKey(t *testing.T) {
	path := writeArtifact(t, []byte("secret"))

	_, err := run(t, "-key", "secret", "stats", path)
	assert.NoError(t, err)

	_, err = run(t, "-key", "wrong", "stats", path)
	var cerr *recorder.CorruptArtifactError
	assert.ErrorAs(t, err, &cerr)

	_, err = run(t, "-key", "secret", "stats", writeArtifact(t, nil))
	assert.ErrorIs(t, err, recorder.ErrNotSigned)
}

func TestVersion(t *testing.T) {
	out, err := run(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "memtrack v")
}

func TestLive(t *testing.T) {
	path := writeArtifact(t, nil)

	out, err := run(t, "live", "-break", "valloc", path)
	require.NoError(t, err)
	assert.Contains(t, out, "stopped at record 2 (valloc 0x20)")
	assert.Contains(t, out, "4160 bytes live in 2 blocks")

	out, err = run(t, "live", path)
	require.NoError(t, err)
	assert.Contains(t, out, "stopped at record 3 (free 0x10)")
	assert.Contains(t, out, "4096 bytes live in 1 blocks")

	_, err = run(t, "live", "-break", "main.go:x", path)
	assert.Error(t, err)
}

func TestSubcommandFlagsFromEnvironment(t *testing.T) {
	path := writeArtifact(t, nil)

	t.Setenv("MEMTRACK_DUMP_KIND", "free")
	out, err := run(t, "dump", path)
	require.NoError(t, err)
	assert.Contains(t, out, "\tfree\t0x10\t0\n")
	assert.NotContains(t, out, "malloc")

	// explicit flags win over the environment
	out, err = run(t, "dump", "-kind", "valloc", path)
	require.NoError(t, err)
	assert.Contains(t, out, "\tvalloc\t0x20\t4096\n")
	assert.NotContains(t, out, "\tfree\t")

	output := filepath.Join(t.TempDir(), "heap.pb.gz")
	t.Setenv("MEMTRACK_PPROF_O", output)
	_, err = run(t, "pprof", path)
	require.NoError(t, err)
	assert.FileExists(t, output)
}
