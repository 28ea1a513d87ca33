package upload

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"github.com/docker/go-units"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Merger assembles staged chunks into a published artifact. Merge
// attempts for the same fileHash are serialized through the registry's
// merge flag; exactly one caller proceeds at a time.
type Merger struct {
	chunks    *ChunkStore
	registry  *Registry
	artifacts *ArtifactStore
	index     ArtifactIndex
	logger    *zap.Logger
}

// NewMerger creates a merge engine over the given stores.
func NewMerger(chunks *ChunkStore, registry *Registry, artifacts *ArtifactStore, index ArtifactIndex, logger *zap.Logger) *Merger {
	return &Merger{
		chunks:    chunks,
		registry:  registry,
		artifacts: artifacts,
		index:     index,
		logger:    logger,
	}
}

// Merge concatenates the staged chunks for fileHash, in ordinal order,
// into an artifact named after fileName.
//
// On success the artifact is durable, indexed, and the staging
// directory is gone. On failure nothing is published, every staged
// chunk is left intact for retry, and the merge flag is released.
func (m *Merger) Merge(ctx context.Context, fileHash, fileName string) (*Artifact, error) {
	if fileHash == "" {
		return nil, newError(KindMissingParameter, "fileHash is required")
	}
	if !ValidFileHash(fileHash) {
		return nil, newError(KindInvalidParameter, "fileHash %q is not a valid content hash", fileHash)
	}
	cleanName, err := SanitizeFileName(fileName)
	if err != nil {
		return nil, err
	}

	if !m.registry.TryBeginMerge(fileHash) {
		return nil, &Error{Kind: KindMergeInProgress, Message: "a merge for this file is already running", FileHash: fileHash}
	}

	art, err := m.merge(ctx, fileHash, cleanName)
	if err != nil {
		m.registry.AbortMerge(fileHash)
		return nil, err
	}

	if err := m.chunks.DeleteStaging(fileHash); err != nil {
		// The artifact is already published; losing the staging
		// cleanup is not worth failing the merge over.
		m.logger.Warn("failed to clean staging after merge",
			zap.String("file_hash", fileHash), zap.Error(err))
	}
	m.registry.CompleteMerge(fileHash)

	m.logger.Info("merged upload",
		zap.String("file_hash", fileHash),
		zap.String("artifact_id", art.ID),
		zap.String("stored_name", art.StoredName),
		zap.String("size", units.BytesSize(float64(art.Size))))

	return art, nil
}

// merge runs with the merge flag held. Any error return leaves the
// staged chunks untouched and no artifact visible.
func (m *Merger) merge(ctx context.Context, fileHash, fileName string) (*Artifact, error) {
	descs, err := m.chunks.ListChunks(fileHash)
	if err != nil {
		return nil, err
	}
	if len(descs) == 0 {
		return nil, &Error{Kind: KindNoChunksFound, Message: "no staged chunks for this file", FileHash: fileHash}
	}

	// The embedded ordinal is the only ordering key; directory listing
	// order is never stable enough to trust.
	sort.Slice(descs, func(i, j int) bool { return descs[i].Ordinal < descs[j].Ordinal })
	for i, desc := range descs {
		if i > 0 && desc.Ordinal == descs[i-1].Ordinal {
			// A retried upload that changed its chunkID leaves two
			// chunks claiming the same position; refusing is safer
			// than guessing which one the client meant.
			return nil, &Error{
				Kind:     KindInvalidParameter,
				Message:  fmt.Sprintf("conflicting chunks staged for ordinal %d", desc.Ordinal),
				FileHash: fileHash,
				ChunkID:  desc.ChunkID,
			}
		}
		if desc.Ordinal != i {
			return nil, &Error{
				Kind:     KindPartialChunkMissing,
				Message:  fmt.Sprintf("chunk with ordinal %d was never staged", i),
				FileHash: fileHash,
			}
		}
	}

	tmp, err := m.artifacts.CreateTemp()
	if err != nil {
		return nil, err
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	var total int64
	for _, desc := range descs {
		if err := ctx.Err(); err != nil {
			tmp.Close()
			return nil, &Error{Kind: KindIOFailure, Message: "merge cancelled", FileHash: fileHash, Err: err}
		}
		n, err := m.copyChunk(tmp, desc)
		if err != nil {
			tmp.Close()
			return nil, err
		}
		total += n
	}

	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return nil, &Error{Kind: KindIOFailure, Message: "failed to sync artifact", FileHash: fileHash, Err: err}
	}
	if err := tmp.Close(); err != nil {
		return nil, &Error{Kind: KindIOFailure, Message: "failed to close artifact", FileHash: fileHash, Err: err}
	}

	storedName, err := m.artifacts.Publish(tmpPath, fileName)
	if err != nil {
		return nil, err
	}

	art := &Artifact{
		ID:         uuid.New().String(),
		Name:       fileName,
		StoredName: storedName,
		FileHash:   fileHash,
		Size:       total,
		UploadedAt: time.Now().UTC(),
	}
	if err := m.index.Put(art); err != nil {
		// Keep the failure invariant: an errored merge publishes
		// nothing.
		m.artifacts.Remove(storedName)
		return nil, &Error{Kind: KindIOFailure, Message: "failed to index artifact", FileHash: fileHash, Err: err}
	}
	return art, nil
}

func (m *Merger) copyChunk(dst io.Writer, desc ChunkDescriptor) (int64, error) {
	rc, err := m.chunks.OpenChunk(desc)
	if err != nil {
		return 0, err
	}
	defer rc.Close()

	n, err := io.Copy(dst, rc)
	if err != nil {
		return n, &Error{Kind: KindIOFailure, Message: "failed to stream chunk into artifact", FileHash: desc.FileHash, ChunkID: desc.ChunkID, Err: err}
	}
	return n, nil
}
