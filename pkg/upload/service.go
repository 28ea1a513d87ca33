package upload

import (
	"context"
	"io"

	"go.uber.org/zap"
)

// ChunkRequest carries one chunk of a resumable upload. Ordinal is the
// chunk's position in the final file and is required; TotalChunks is
// an advisory hint used only for missing-chunk reporting.
type ChunkRequest struct {
	FileHash    string
	ChunkID     string
	Ordinal     int
	TotalChunks int
	Body        io.Reader
}

// ChunkReceipt acknowledges that a chunk was durably staged.
type ChunkReceipt struct {
	FileHash string `json:"file_hash"`
	ChunkID  string `json:"chunk_id"`
	Ordinal  int    `json:"ordinal"`
	Size     int64  `json:"size"`
	Received int    `json:"received"`
	Missing  []int  `json:"missing,omitempty"`
}

// UploadStatus reports which chunks of an in-flight upload have been
// staged so a resuming client knows what to resend.
type UploadStatus struct {
	FileHash string `json:"file_hash"`
	Received []int  `json:"received"`
	Missing  []int  `json:"missing,omitempty"`
	Merging  bool   `json:"merging"`
}

// Service is the facade the API layer talks to: chunk intake,
// existence checks, and status reporting. Assembly lives in Merger and
// the single-request path in BasicUploader.
type Service struct {
	chunks   *ChunkStore
	registry *Registry
	index    ArtifactIndex
	logger   *zap.Logger
}

// NewService wires the chunk intake path.
func NewService(chunks *ChunkStore, registry *Registry, index ArtifactIndex, logger *zap.Logger) *Service {
	return &Service{
		chunks:   chunks,
		registry: registry,
		index:    index,
		logger:   logger,
	}
}

// UploadChunk validates, stages, and records one chunk. Parameter
// problems are rejected before any storage I/O. Chunks may arrive in
// any order; uploading the same (fileHash, chunkID) twice is
// idempotent.
func (s *Service) UploadChunk(ctx context.Context, req ChunkRequest) (ChunkReceipt, error) {
	var receipt ChunkReceipt

	if req.FileHash == "" {
		return receipt, newError(KindMissingParameter, "fileHash is required")
	}
	if !ValidFileHash(req.FileHash) {
		return receipt, newError(KindInvalidParameter, "fileHash %q is not a valid content hash", req.FileHash)
	}
	if req.ChunkID == "" {
		return receipt, newError(KindMissingParameter, "chunkId is required")
	}
	if !ValidChunkID(req.ChunkID) {
		return receipt, newError(KindInvalidParameter, "chunkId %q contains unsafe characters", req.ChunkID)
	}
	if req.Ordinal < 0 {
		return receipt, newError(KindInvalidParameter, "ordinal must not be negative")
	}
	if req.Body == nil {
		return receipt, newError(KindMissingParameter, "chunk body is required")
	}

	desc, err := s.chunks.PutChunk(ctx, req.FileHash, req.ChunkID, req.Ordinal, req.Body)
	if err != nil {
		return receipt, err
	}
	s.registry.MarkReceived(desc.FileHash, desc.ChunkID, desc.Ordinal)

	receipt = ChunkReceipt{
		FileHash: desc.FileHash,
		ChunkID:  desc.ChunkID,
		Ordinal:  desc.Ordinal,
		Size:     desc.Size,
		Received: len(s.registry.ReceivedOrdinals(desc.FileHash)),
	}
	if req.TotalChunks > 0 {
		receipt.Missing = s.registry.MissingChunks(desc.FileHash, req.TotalChunks)
	}
	return receipt, nil
}

// CheckExists answers whether content with this hash has already been
// fully uploaded, letting a client skip the transfer entirely.
// Deduplication is purely content-addressed: fileName is validated for
// the caller's benefit but is not part of the lookup key, so the same
// bytes uploaded under two names still deduplicate.
func (s *Service) CheckExists(fileHash, fileName string) (bool, *Artifact, error) {
	if fileHash == "" {
		return false, nil, newError(KindMissingParameter, "fileHash is required")
	}
	if !ValidFileHash(fileHash) {
		return false, nil, newError(KindInvalidParameter, "fileHash %q is not a valid content hash", fileHash)
	}
	if _, err := SanitizeFileName(fileName); err != nil {
		return false, nil, err
	}

	art, err := s.index.GetByHash(fileHash)
	if err != nil {
		return false, nil, err
	}
	if art != nil {
		s.logger.Debug("dedup hit",
			zap.String("file_hash", fileHash),
			zap.String("artifact_id", art.ID))
	}
	return art != nil, art, nil
}

// Status reports the staged/missing chunk ordinals for an in-flight
// upload. totalExpected may be zero when the client has no hint.
func (s *Service) Status(fileHash string, totalExpected int) (UploadStatus, error) {
	if !ValidFileHash(fileHash) {
		return UploadStatus{}, newError(KindInvalidParameter, "fileHash %q is not a valid content hash", fileHash)
	}

	status := UploadStatus{
		FileHash: fileHash,
		Received: s.registry.ReceivedOrdinals(fileHash),
		Merging:  s.registry.MergeInProgress(fileHash),
	}
	if totalExpected > 0 {
		status.Missing = s.registry.MissingChunks(fileHash, totalExpected)
	}
	return status, nil
}
