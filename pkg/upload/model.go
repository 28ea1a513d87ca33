package upload

import (
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

// ChunkDescriptor identifies one staged chunk of a larger file. The
// ordinal is the authoritative ordering key during merge; arrival order
// and directory listing order are never trusted.
type ChunkDescriptor struct {
	FileHash string `json:"file_hash"`
	ChunkID  string `json:"chunk_id"`
	Ordinal  int    `json:"ordinal"`
	Size     int64  `json:"size"`
}

// Artifact is a fully assembled file in the public upload directory,
// immutable once published.
type Artifact struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	StoredName string    `json:"stored_name"`
	FileHash   string    `json:"file_hash"`
	Size       int64     `json:"size"`
	MimeType   string    `json:"mime_type,omitempty"`
	UploadedAt time.Time `json:"uploaded_at"`
}

// ArtifactIndex records published artifacts, keyed both by opaque ID
// and by content hash. Implementations must only see an artifact after
// its file is durably in place.
type ArtifactIndex interface {
	Put(a *Artifact) error
	GetByID(id string) (*Artifact, error)
	GetByHash(fileHash string) (*Artifact, error)
	List() ([]*Artifact, error)
	Delete(id string) error
}

var (
	fileHashRe = regexp.MustCompile(`^[0-9a-fA-F]{16,128}$`)
	chunkIDRe  = regexp.MustCompile(`^[0-9a-zA-Z][0-9a-zA-Z._-]{0,127}$`)
)

// ValidFileHash reports whether h looks like a hex content fingerprint.
func ValidFileHash(h string) bool {
	return fileHashRe.MatchString(h)
}

// ValidChunkID reports whether id is safe to use as part of a chunk
// filename. Path separators and leading dots are never allowed.
func ValidChunkID(id string) bool {
	return chunkIDRe.MatchString(id)
}

// SanitizeFileName rejects names that could escape the artifact
// directory. The returned name is always a bare filename.
func SanitizeFileName(name string) (string, error) {
	if name == "" {
		return "", newError(KindMissingParameter, "fileName is required")
	}
	if strings.ContainsAny(name, "/\\\x00") {
		return "", newError(KindInvalidParameter, "fileName must not contain path separators: %q", name)
	}
	if name != filepath.Base(name) || name == "." || name == ".." {
		return "", newError(KindInvalidParameter, "invalid fileName: %q", name)
	}
	return name, nil
}
