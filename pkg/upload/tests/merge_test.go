package upload_test

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/chunkr-io/chunkr/pkg/index"
	"github.com/chunkr-io/chunkr/pkg/testutil"
	"github.com/chunkr-io/chunkr/pkg/upload"
)

type mergeFixture struct {
	chunks    *upload.ChunkStore
	registry  *upload.Registry
	artifacts *upload.ArtifactStore
	index     *index.Index
	merger    *upload.Merger

	stagingDir  string
	artifactDir string
}

func setupMerge(t *testing.T) (*mergeFixture, func()) {
	tmpDir, cleanupDir := testutil.CreateTempDir(t, "chunkr-merge-test-*")
	logger := zap.NewNop()

	stagingDir := filepath.Join(tmpDir, "staging")
	artifactDir := filepath.Join(tmpDir, "uploads")

	chunks, err := upload.NewChunkStore(stagingDir, 0, logger)
	require.NoError(t, err)

	artifacts, err := upload.NewArtifactStore(artifactDir, logger)
	require.NoError(t, err)

	idx, err := index.Open(filepath.Join(tmpDir, "index"), logger)
	require.NoError(t, err)

	registry := upload.NewRegistry()

	f := &mergeFixture{
		chunks:      chunks,
		registry:    registry,
		artifacts:   artifacts,
		index:       idx,
		merger:      upload.NewMerger(chunks, registry, artifacts, idx, logger),
		stagingDir:  stagingDir,
		artifactDir: artifactDir,
	}

	cleanup := func() {
		idx.Close()
		cleanupDir()
	}
	return f, cleanup
}

// stage uploads the given chunks in a randomized arrival order.
func (f *mergeFixture) stage(t *testing.T, fileHash string, pieces [][]byte) {
	t.Helper()

	order := rand.Perm(len(pieces))
	for _, ordinal := range order {
		chunkID := fmt.Sprintf("%s-%d", fileHash[:8], ordinal)
		_, err := f.chunks.PutChunk(context.Background(), fileHash, chunkID, ordinal, bytes.NewReader(pieces[ordinal]))
		require.NoError(t, err)
		f.registry.MarkReceived(fileHash, chunkID, ordinal)
	}
}

func (f *mergeFixture) readArtifact(t *testing.T, art *upload.Artifact) []byte {
	t.Helper()

	file, err := f.artifacts.Open(art.StoredName)
	require.NoError(t, err)
	defer file.Close()

	data, err := io.ReadAll(file)
	require.NoError(t, err)
	return data
}

func TestMergeProducesOriginalBytes(t *testing.T) {
	f, cleanup := setupMerge(t)
	defer cleanup()

	// Three chunks submitted out of order must come back byte-identical
	// to the original file.
	original := testutil.RandomBytes(t, 7, 300*1024)
	pieces := testutil.SplitChunks(original, 128*1024)
	require.Len(t, pieces, 3)

	fileHash := testutil.HashOf(original)
	f.stage(t, fileHash, pieces)

	art, err := f.merger.Merge(context.Background(), fileHash, "video.mp4")
	require.NoError(t, err)
	assert.Equal(t, "video.mp4", art.Name)
	assert.Equal(t, fileHash, art.FileHash)
	assert.Equal(t, int64(len(original)), art.Size)

	assert.Equal(t, original, f.readArtifact(t, art))

	// Staging for this hash is gone and the session retired.
	descs, err := f.chunks.ListChunks(fileHash)
	require.NoError(t, err)
	assert.Empty(t, descs)
	_, statErr := os.Stat(filepath.Join(f.stagingDir, fileHash))
	assert.True(t, os.IsNotExist(statErr))
	assert.Empty(t, f.registry.Sessions())
}

func TestMergeNoChunksFound(t *testing.T) {
	f, cleanup := setupMerge(t)
	defer cleanup()

	_, err := f.merger.Merge(context.Background(), testFileHash, "empty.bin")
	require.Error(t, err)
	assert.Equal(t, upload.KindNoChunksFound, upload.KindOf(err))

	// The failed attempt must not hold the merge flag.
	assert.False(t, f.registry.MergeInProgress(testFileHash))
}

func TestFailedMergeForUnstagedHashLeavesNoSession(t *testing.T) {
	f, cleanup := setupMerge(t)
	defer cleanup()

	// Repeated merge attempts for hashes that never had a chunk staged
	// must not accumulate registry sessions.
	hashes := []string{
		testutil.HashOf([]byte("one")),
		testutil.HashOf([]byte("two")),
		testutil.HashOf([]byte("three")),
	}
	for _, fileHash := range hashes {
		_, err := f.merger.Merge(context.Background(), fileHash, "ghost.bin")
		require.Error(t, err)
		assert.Equal(t, upload.KindNoChunksFound, upload.KindOf(err))
	}

	assert.Empty(t, f.registry.Sessions())
}

func TestMergeConflictingOrdinals(t *testing.T) {
	f, cleanup := setupMerge(t)
	defer cleanup()

	// Two chunks claiming the same ordinal under different chunkIDs,
	// as left behind by a retry that changed its chunkID.
	ctx := context.Background()
	_, err := f.chunks.PutChunk(ctx, testFileHash, "retry-a", 0, bytes.NewReader([]byte("first try")))
	require.NoError(t, err)
	_, err = f.chunks.PutChunk(ctx, testFileHash, "retry-b", 0, bytes.NewReader([]byte("second try")))
	require.NoError(t, err)
	_, err = f.chunks.PutChunk(ctx, testFileHash, "tail", 1, bytes.NewReader([]byte("tail")))
	require.NoError(t, err)

	_, err = f.merger.Merge(ctx, testFileHash, "conflict.bin")
	require.Error(t, err)
	assert.Equal(t, upload.KindInvalidParameter, upload.KindOf(err))
	assert.Contains(t, err.Error(), "conflicting chunks")

	// The staged chunks survive for the client to sort out, and the
	// merge flag is released.
	descs, err := f.chunks.ListChunks(testFileHash)
	require.NoError(t, err)
	assert.Len(t, descs, 3)
	assert.False(t, f.registry.MergeInProgress(testFileHash))
}

func TestMergeRejectsUnsafeFileName(t *testing.T) {
	f, cleanup := setupMerge(t)
	defer cleanup()

	for _, name := range []string{"", "..", "a/b.bin", `..\evil.bin`} {
		_, err := f.merger.Merge(context.Background(), testFileHash, name)
		require.Error(t, err, "name %q", name)
		kind := upload.KindOf(err)
		assert.Contains(t, []upload.Kind{upload.KindMissingParameter, upload.KindInvalidParameter}, kind)
	}
}

func TestMergeWhileMergeInProgress(t *testing.T) {
	f, cleanup := setupMerge(t)
	defer cleanup()

	f.stage(t, testFileHash, [][]byte{[]byte("only chunk")})

	// Simulate another request holding the merge flag.
	require.True(t, f.registry.TryBeginMerge(testFileHash))

	_, err := f.merger.Merge(context.Background(), testFileHash, "file.bin")
	require.Error(t, err)
	assert.Equal(t, upload.KindMergeInProgress, upload.KindOf(err))

	// The loser must not have disturbed the staged chunks.
	descs, err := f.chunks.ListChunks(testFileHash)
	require.NoError(t, err)
	assert.Len(t, descs, 1)
}

func TestConcurrentMergesSingleArtifact(t *testing.T) {
	f, cleanup := setupMerge(t)
	defer cleanup()

	original := testutil.RandomBytes(t, 11, 64*1024)
	pieces := testutil.SplitChunks(original, 16*1024)
	fileHash := testutil.HashOf(original)
	f.stage(t, fileHash, pieces)

	const callers = 4
	var wg sync.WaitGroup
	results := make([]error, callers)
	arts := make([]*upload.Artifact, callers)

	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			arts[i], results[i] = f.merger.Merge(context.Background(), fileHash, "race.bin")
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for i, err := range results {
		if err == nil {
			succeeded++
			assert.Equal(t, original, f.readArtifact(t, arts[i]))
			continue
		}
		// A loser either hit the in-progress flag or arrived after the
		// winner had already retired the staging directory.
		kind := upload.KindOf(err)
		assert.Contains(t, []upload.Kind{upload.KindMergeInProgress, upload.KindNoChunksFound}, kind)
	}
	assert.Equal(t, 1, succeeded, "exactly one merge may publish")

	// Exactly one artifact file was published.
	entries, err := os.ReadDir(f.artifactDir)
	require.NoError(t, err)
	published := 0
	for _, e := range entries {
		if !strings.HasPrefix(e.Name(), ".") {
			published++
		}
	}
	assert.Equal(t, 1, published)
}

func TestMergeRetryAfterMissingChunk(t *testing.T) {
	f, cleanup := setupMerge(t)
	defer cleanup()

	original := testutil.RandomBytes(t, 13, 96*1024)
	pieces := testutil.SplitChunks(original, 32*1024)
	require.Len(t, pieces, 3)

	fileHash := testutil.HashOf(original)
	f.stage(t, fileHash, pieces)

	// Lose the middle chunk from staging before the merge runs.
	hashDir := filepath.Join(f.stagingDir, fileHash)
	entries, err := os.ReadDir(hashDir)
	require.NoError(t, err)
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), "000001_") {
			require.NoError(t, os.Remove(filepath.Join(hashDir, e.Name())))
		}
	}

	_, err = f.merger.Merge(context.Background(), fileHash, "retry.bin")
	require.Error(t, err)
	assert.Equal(t, upload.KindPartialChunkMissing, upload.KindOf(err))

	// The surviving chunks are untouched and the flag is released.
	descs, err := f.chunks.ListChunks(fileHash)
	require.NoError(t, err)
	assert.Len(t, descs, 2)
	assert.False(t, f.registry.MergeInProgress(fileHash))

	// Re-uploading the missing chunk makes the retry succeed.
	chunkID := fmt.Sprintf("%s-%d", fileHash[:8], 1)
	_, err = f.chunks.PutChunk(context.Background(), fileHash, chunkID, 1, bytes.NewReader(pieces[1]))
	require.NoError(t, err)

	art, err := f.merger.Merge(context.Background(), fileHash, "retry.bin")
	require.NoError(t, err)
	assert.Equal(t, original, f.readArtifact(t, art))
}

func TestMergeSuffixesTakenNames(t *testing.T) {
	f, cleanup := setupMerge(t)
	defer cleanup()

	first := []byte("first file contents")
	second := []byte("second file, same requested name")

	hashA := testutil.HashOf(first)
	hashB := testutil.HashOf(second)

	f.stage(t, hashA, [][]byte{first})
	f.stage(t, hashB, [][]byte{second})

	artA, err := f.merger.Merge(context.Background(), hashA, "report.pdf")
	require.NoError(t, err)
	artB, err := f.merger.Merge(context.Background(), hashB, "report.pdf")
	require.NoError(t, err)

	assert.Equal(t, "report.pdf", artA.StoredName)
	assert.NotEqual(t, artA.StoredName, artB.StoredName)
	assert.Equal(t, second, f.readArtifact(t, artB))
}

func TestUnpublishedTempNeverVisible(t *testing.T) {
	f, cleanup := setupMerge(t)
	defer cleanup()

	// A crash mid-write leaves only a hidden temp file behind; nothing
	// may report the upload as complete.
	tmp, err := f.artifacts.CreateTemp()
	require.NoError(t, err)
	_, err = tmp.Write([]byte("half-written artifact"))
	require.NoError(t, err)
	require.NoError(t, tmp.Close())

	art, err := f.index.GetByHash(testFileHash)
	require.NoError(t, err)
	assert.Nil(t, art)

	arts, err := f.index.List()
	require.NoError(t, err)
	assert.Empty(t, arts)
}
