// Package index implements the upload.ArtifactIndex interface on top
// of LevelDB. Records are CBOR-encoded and stored twice: once under
// the artifact's opaque ID and once under its content hash, so both
// lookup paths are a single point read.
package index

import (
	"sync"

	"github.com/fxamacker/cbor/v2"
	"github.com/syndtr/goleveldb/leveldb"
	lerrors "github.com/syndtr/goleveldb/leveldb/errors"
	"github.com/syndtr/goleveldb/leveldb/util"
	"go.uber.org/zap"

	"github.com/chunkr-io/chunkr/pkg/upload"
)

const (
	keyPrefixID  = "ID"  // artifact record by opaque ID
	keyPrefixCAS = "CAS" // artifact ID by content hash
)

var _ upload.ArtifactIndex = (*Index)(nil)

// Index is a LevelDB-backed artifact catalogue.
type Index struct {
	mu     sync.Mutex
	path   string
	db     *leveldb.DB
	logger *zap.Logger
}

// Open opens (or creates) the index database at path.
func Open(path string, logger *zap.Logger) (*Index, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, err
	}
	logger.Info("opened artifact index", zap.String("path", path))
	return &Index{path: path, db: db, logger: logger}, nil
}

func idKey(id string) []byte {
	return []byte(keyPrefixID + id)
}

func casKey(fileHash string) []byte {
	return []byte(keyPrefixCAS + fileHash)
}

// Put records a published artifact. The content-hash key points at the
// most recently published artifact for that hash.
func (i *Index) Put(a *upload.Artifact) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	raw, err := cbor.Marshal(a)
	if err != nil {
		return err
	}

	batch := new(leveldb.Batch)
	batch.Put(idKey(a.ID), raw)
	batch.Put(casKey(a.FileHash), []byte(a.ID))
	return i.db.Write(batch, nil)
}

// GetByID returns the artifact with the given opaque ID, or nil when
// it is not recorded.
func (i *Index) GetByID(id string) (*upload.Artifact, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	return i.getByID(id)
}

func (i *Index) getByID(id string) (*upload.Artifact, error) {
	raw, err := i.db.Get(idKey(id), nil)
	if err != nil {
		if err == lerrors.ErrNotFound {
			return nil, nil
		}
		return nil, err
	}

	a := &upload.Artifact{}
	if err := cbor.Unmarshal(raw, a); err != nil {
		return nil, err
	}
	return a, nil
}

// GetByHash returns the artifact published for the given content hash,
// or nil when nothing with that hash has completed.
func (i *Index) GetByHash(fileHash string) (*upload.Artifact, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	id, err := i.db.Get(casKey(fileHash), nil)
	if err != nil {
		if err == lerrors.ErrNotFound {
			return nil, nil
		}
		return nil, err
	}

	a, err := i.getByID(string(id))
	if err != nil {
		return nil, err
	}
	if a == nil {
		// Dangling hash pointer; treat as absent rather than
		// corrupting a caller's dedup decision.
		i.logger.Warn("content-hash key points at missing artifact",
			zap.String("file_hash", fileHash), zap.String("artifact_id", string(id)))
	}
	return a, nil
}

// List returns every recorded artifact.
func (i *Index) List() ([]*upload.Artifact, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	var arts []*upload.Artifact
	iter := i.db.NewIterator(util.BytesPrefix([]byte(keyPrefixID)), nil)
	defer iter.Release()

	for iter.Next() {
		a := &upload.Artifact{}
		if err := cbor.Unmarshal(iter.Value(), a); err != nil {
			return nil, err
		}
		arts = append(arts, a)
	}
	return arts, iter.Error()
}

// Delete removes an artifact record. The content-hash key is only
// dropped when it still points at this artifact.
func (i *Index) Delete(id string) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	a, err := i.getByID(id)
	if err != nil {
		return err
	}
	if a == nil {
		return nil
	}

	batch := new(leveldb.Batch)
	batch.Delete(idKey(id))

	current, err := i.db.Get(casKey(a.FileHash), nil)
	if err == nil && string(current) == id {
		batch.Delete(casKey(a.FileHash))
	} else if err != nil && err != lerrors.ErrNotFound {
		return err
	}

	return i.db.Write(batch, nil)
}

// Close flushes and closes the underlying database.
func (i *Index) Close() error {
	i.mu.Lock()
	defer i.mu.Unlock()

	return i.db.Close()
}
