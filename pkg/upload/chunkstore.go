package upload

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// DefaultMaxChunkSize caps a single chunk at 5 MiB.
const DefaultMaxChunkSize = 5 * 1024 * 1024

// ChunkStore owns the on-disk staging area: one subdirectory per
// fileHash, one file per chunk. It needs no internal locking — the
// filesystem metadata operations (mkdir, rename) are the
// synchronization point, and concurrent writes of the same chunk are
// idempotent by construction of the client protocol.
type ChunkStore struct {
	basePath     string
	maxChunkSize int64
	logger       *zap.Logger
}

// NewChunkStore creates the staging root if absent.
func NewChunkStore(basePath string, maxChunkSize int64, logger *zap.Logger) (*ChunkStore, error) {
	if maxChunkSize <= 0 {
		maxChunkSize = DefaultMaxChunkSize
	}
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, &Error{Kind: KindIOFailure, Message: "failed to create staging root", Err: err}
	}
	return &ChunkStore{
		basePath:     basePath,
		maxChunkSize: maxChunkSize,
		logger:       logger,
	}, nil
}

// chunkFileName encodes the ordinal into the on-disk name so the
// ordering key survives a process restart. Client-supplied filenames
// never reach the filesystem.
func chunkFileName(ordinal int, chunkID string) string {
	return fmt.Sprintf("%06d_%s", ordinal, chunkID)
}

func parseChunkFileName(name string) (ordinal int, chunkID string, ok bool) {
	prefix, rest, found := strings.Cut(name, "_")
	if !found || rest == "" {
		return 0, "", false
	}
	n, err := strconv.Atoi(prefix)
	if err != nil || n < 0 {
		return 0, "", false
	}
	return n, rest, true
}

// PutChunk durably stages one chunk. The bytes are written to a hidden
// temp name first and renamed into place, so a partially transferred
// chunk is never visible under a name ListChunks would treat as
// complete. Writing the same (fileHash, chunkID) twice simply replaces
// the earlier copy.
func (s *ChunkStore) PutChunk(ctx context.Context, fileHash, chunkID string, ordinal int, r io.Reader) (ChunkDescriptor, error) {
	var desc ChunkDescriptor
	if err := ctx.Err(); err != nil {
		return desc, &Error{Kind: KindIOFailure, Message: "request cancelled", FileHash: fileHash, ChunkID: chunkID, Err: err}
	}

	dir := filepath.Join(s.basePath, fileHash)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return desc, &Error{Kind: KindIOFailure, Message: "failed to create staging directory", FileHash: fileHash, Err: err}
	}

	tmp, err := os.CreateTemp(dir, ".part-*")
	if err != nil {
		return desc, &Error{Kind: KindIOFailure, Message: "failed to create chunk temp file", FileHash: fileHash, ChunkID: chunkID, Err: err}
	}
	tmpPath := tmp.Name()
	discard := func() {
		tmp.Close()
		os.Remove(tmpPath)
	}

	// Copy one byte past the ceiling so oversize input is detected
	// without buffering the whole chunk.
	n, err := io.Copy(tmp, io.LimitReader(r, s.maxChunkSize+1))
	if err != nil {
		discard()
		return desc, &Error{Kind: KindIOFailure, Message: "failed to write chunk", FileHash: fileHash, ChunkID: chunkID, Err: err}
	}
	if n > s.maxChunkSize {
		discard()
		return desc, &Error{
			Kind:     KindChunkTooLarge,
			Message:  fmt.Sprintf("chunk exceeds limit of %d bytes", s.maxChunkSize),
			FileHash: fileHash,
			ChunkID:  chunkID,
		}
	}
	if n == 0 {
		discard()
		return desc, &Error{Kind: KindMissingParameter, Message: "chunk body is empty", FileHash: fileHash, ChunkID: chunkID}
	}

	if err := tmp.Sync(); err != nil {
		discard()
		return desc, &Error{Kind: KindIOFailure, Message: "failed to sync chunk", FileHash: fileHash, ChunkID: chunkID, Err: err}
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return desc, &Error{Kind: KindIOFailure, Message: "failed to close chunk", FileHash: fileHash, ChunkID: chunkID, Err: err}
	}

	finalPath := filepath.Join(dir, chunkFileName(ordinal, chunkID))
	if err := os.Rename(tmpPath, finalPath); err != nil {
		os.Remove(tmpPath)
		return desc, &Error{Kind: KindIOFailure, Message: "failed to publish chunk", FileHash: fileHash, ChunkID: chunkID, Err: err}
	}

	s.logger.Debug("staged chunk",
		zap.String("file_hash", fileHash),
		zap.String("chunk_id", chunkID),
		zap.Int("ordinal", ordinal),
		zap.Int64("size", n))

	return ChunkDescriptor{
		FileHash: fileHash,
		ChunkID:  chunkID,
		Ordinal:  ordinal,
		Size:     n,
	}, nil
}

// ListChunks returns descriptors for every staged chunk of fileHash.
// A missing staging directory yields an empty slice, not an error.
// Entries that don't parse as chunk names (in-flight temp files,
// stray droppings) are skipped.
func (s *ChunkStore) ListChunks(fileHash string) ([]ChunkDescriptor, error) {
	dir := filepath.Join(s.basePath, fileHash)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, &Error{Kind: KindIOFailure, Message: "failed to list staging directory", FileHash: fileHash, Err: err}
	}

	descs := make([]ChunkDescriptor, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		ordinal, chunkID, ok := parseChunkFileName(entry.Name())
		if !ok {
			s.logger.Warn("skipping unparsable staging entry",
				zap.String("file_hash", fileHash),
				zap.String("name", entry.Name()))
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		descs = append(descs, ChunkDescriptor{
			FileHash: fileHash,
			ChunkID:  chunkID,
			Ordinal:  ordinal,
			Size:     info.Size(),
		})
	}
	return descs, nil
}

// OpenChunk opens a staged chunk for reading.
func (s *ChunkStore) OpenChunk(desc ChunkDescriptor) (io.ReadCloser, error) {
	path := filepath.Join(s.basePath, desc.FileHash, chunkFileName(desc.Ordinal, desc.ChunkID))
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &Error{
				Kind:     KindPartialChunkMissing,
				Message:  fmt.Sprintf("chunk with ordinal %d is no longer staged", desc.Ordinal),
				FileHash: desc.FileHash,
				ChunkID:  desc.ChunkID,
			}
		}
		return nil, &Error{Kind: KindIOFailure, Message: "failed to open chunk", FileHash: desc.FileHash, ChunkID: desc.ChunkID, Err: err}
	}
	return f, nil
}

// DeleteStaging removes the per-hash staging subtree. Deleting an
// already-absent directory is not an error.
func (s *ChunkStore) DeleteStaging(fileHash string) error {
	if err := os.RemoveAll(filepath.Join(s.basePath, fileHash)); err != nil {
		return &Error{Kind: KindIOFailure, Message: "failed to delete staging directory", FileHash: fileHash, Err: err}
	}
	return nil
}

// StaleStagingDirs returns the fileHashes whose staging directories
// have not been touched for at least olderThan. Used by the GC sweep.
func (s *ChunkStore) StaleStagingDirs(olderThan time.Duration) ([]string, error) {
	entries, err := os.ReadDir(s.basePath)
	if err != nil {
		return nil, &Error{Kind: KindIOFailure, Message: "failed to scan staging root", Err: err}
	}

	cutoff := time.Now().Add(-olderThan)
	var stale []string
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		newest, err := newestModTime(filepath.Join(s.basePath, entry.Name()))
		if err != nil {
			s.logger.Warn("failed to inspect staging directory",
				zap.String("file_hash", entry.Name()), zap.Error(err))
			continue
		}
		if newest.Before(cutoff) {
			stale = append(stale, entry.Name())
		}
	}
	return stale, nil
}

// newestModTime is the most recent modification time within dir,
// falling back to the directory's own mtime when it is empty.
func newestModTime(dir string) (time.Time, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return time.Time{}, err
	}
	newest := info.ModTime()

	entries, err := os.ReadDir(dir)
	if err != nil {
		return time.Time{}, err
	}
	for _, entry := range entries {
		fi, err := entry.Info()
		if err != nil {
			continue
		}
		if fi.ModTime().After(newest) {
			newest = fi.ModTime()
		}
	}
	return newest, nil
}
