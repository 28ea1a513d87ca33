package upload

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"time"

	"github.com/docker/go-units"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DefaultMaxUploadSize caps the single-request upload path at 100 MiB.
const DefaultMaxUploadSize = 100 * 1024 * 1024

// BasicUploader is the single-request whole-file path for small files.
// It is independent of chunking and only shares the artifact directory
// and index with the merge path.
type BasicUploader struct {
	artifacts *ArtifactStore
	index     ArtifactIndex
	maxSize   int64
	logger    *zap.Logger
}

// NewBasicUploader wires the whole-file upload path.
func NewBasicUploader(artifacts *ArtifactStore, index ArtifactIndex, maxSize int64, logger *zap.Logger) *BasicUploader {
	if maxSize <= 0 {
		maxSize = DefaultMaxUploadSize
	}
	return &BasicUploader{
		artifacts: artifacts,
		index:     index,
		maxSize:   maxSize,
		logger:    logger,
	}
}

// UploadWhole streams a complete file into the artifact directory,
// hashing it server-side as it lands. The artifact becomes visible
// only after the final rename.
func (u *BasicUploader) UploadWhole(ctx context.Context, originalName, mimeType string, r io.Reader) (*Artifact, error) {
	cleanName, err := SanitizeFileName(originalName)
	if err != nil {
		return nil, err
	}
	if r == nil {
		return nil, newError(KindMissingParameter, "file body is required")
	}
	if err := ctx.Err(); err != nil {
		return nil, &Error{Kind: KindIOFailure, Message: "request cancelled", Err: err}
	}

	tmp, err := u.artifacts.CreateTemp()
	if err != nil {
		return nil, err
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	hasher := sha256.New()
	n, err := io.Copy(io.MultiWriter(tmp, hasher), io.LimitReader(r, u.maxSize+1))
	if err != nil {
		tmp.Close()
		return nil, &Error{Kind: KindIOFailure, Message: "failed to write upload", Err: err}
	}
	if n > u.maxSize {
		tmp.Close()
		return nil, newError(KindFileTooLarge, "file exceeds limit of %s", units.BytesSize(float64(u.maxSize)))
	}
	if n == 0 {
		tmp.Close()
		return nil, newError(KindMissingParameter, "file body is empty")
	}

	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return nil, &Error{Kind: KindIOFailure, Message: "failed to sync upload", Err: err}
	}
	if err := tmp.Close(); err != nil {
		return nil, &Error{Kind: KindIOFailure, Message: "failed to close upload", Err: err}
	}

	// Unlike the chunked path, the hash here is computed from the
	// bytes actually received, not claimed by the client.
	fileHash := hex.EncodeToString(hasher.Sum(nil))

	storedName, err := u.artifacts.Publish(tmpPath, uniqueName(cleanName))
	if err != nil {
		return nil, err
	}

	art := &Artifact{
		ID:         uuid.New().String(),
		Name:       cleanName,
		StoredName: storedName,
		FileHash:   fileHash,
		Size:       n,
		MimeType:   mimeType,
		UploadedAt: time.Now().UTC(),
	}
	if err := u.index.Put(art); err != nil {
		u.artifacts.Remove(storedName)
		return nil, &Error{Kind: KindIOFailure, Message: "failed to index artifact", Err: err}
	}

	u.logger.Info("stored upload",
		zap.String("artifact_id", art.ID),
		zap.String("name", cleanName),
		zap.String("size", units.BytesSize(float64(n))))

	return art, nil
}
