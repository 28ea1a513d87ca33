package upload

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ArtifactStore manages the public upload directory. Files only appear
// here through Publish, which renames a fully written temp file into
// place, so a reader can never observe a half-written artifact.
type ArtifactStore struct {
	basePath string
	logger   *zap.Logger
}

// NewArtifactStore creates the artifact directory if absent.
func NewArtifactStore(basePath string, logger *zap.Logger) (*ArtifactStore, error) {
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, &Error{Kind: KindIOFailure, Message: "failed to create artifact directory", Err: err}
	}
	return &ArtifactStore{basePath: basePath, logger: logger}, nil
}

// CreateTemp returns a hidden scratch file inside the artifact
// directory, so the final rename stays on one filesystem.
func (s *ArtifactStore) CreateTemp() (*os.File, error) {
	f, err := os.CreateTemp(s.basePath, ".merge-*")
	if err != nil {
		return nil, &Error{Kind: KindIOFailure, Message: "failed to create artifact temp file", Err: err}
	}
	return f, nil
}

// Publish atomically moves tmpPath into the public directory under a
// name derived from desiredName, suffixing with a short unique token
// when the name is already taken. Returns the stored name.
//
// The final name is claimed with a hard link, which fails when the
// name exists; a plain rename would silently replace an artifact that
// won the same name in a concurrent publish.
func (s *ArtifactStore) Publish(tmpPath, desiredName string) (string, error) {
	name, err := SanitizeFileName(desiredName)
	if err != nil {
		return "", err
	}

	storedName := name
	for {
		err := os.Link(tmpPath, filepath.Join(s.basePath, storedName))
		if err == nil {
			break
		}
		if !os.IsExist(err) {
			return "", &Error{Kind: KindIOFailure, Message: "failed to publish artifact", Err: err}
		}
		storedName = uniqueName(name)
	}

	if err := os.Remove(tmpPath); err != nil {
		s.logger.Warn("failed to remove published temp file",
			zap.String("stored_name", storedName), zap.Error(err))
	}
	return storedName, nil
}

// uniqueName appends a short random token before the extension, the
// same shape the single-request upload path uses for its disk names.
func uniqueName(name string) string {
	ext := filepath.Ext(name)
	base := strings.TrimSuffix(name, ext)
	token := strings.SplitN(uuid.New().String(), "-", 2)[0]
	return fmt.Sprintf("%s-%s%s", base, token, ext)
}

// Path returns the absolute path of a stored artifact file.
func (s *ArtifactStore) Path(storedName string) string {
	return filepath.Join(s.basePath, storedName)
}

// Open opens a stored artifact for reading.
func (s *ArtifactStore) Open(storedName string) (*os.File, error) {
	f, err := os.Open(filepath.Join(s.basePath, storedName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, newError(KindNotFound, "artifact file %q not found", storedName)
		}
		return nil, &Error{Kind: KindIOFailure, Message: "failed to open artifact", Err: err}
	}
	return f, nil
}

// Exists reports whether a file with the stored name is present.
func (s *ArtifactStore) Exists(storedName string) bool {
	_, err := os.Stat(filepath.Join(s.basePath, storedName))
	return err == nil
}

// Remove deletes a stored artifact file. Removing an absent file is
// not an error.
func (s *ArtifactStore) Remove(storedName string) error {
	if err := os.Remove(filepath.Join(s.basePath, storedName)); err != nil && !os.IsNotExist(err) {
		return &Error{Kind: KindIOFailure, Message: "failed to remove artifact", Err: err}
	}
	return nil
}
