package testutil

import (
	"crypto/sha256"
	"encoding/hex"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// CreateTempDir creates a temporary directory and returns its path along with a cleanup function
func CreateTempDir(t *testing.T, prefix string) (string, func()) {
	tmpDir, err := os.MkdirTemp("", prefix)
	require.NoError(t, err)

	cleanup := func() {
		os.RemoveAll(tmpDir)
	}

	return tmpDir, cleanup
}

// CreateTestFile creates a temporary file with the given content and returns its path
func CreateTestFile(t *testing.T, dir, name, content string) string {
	path := filepath.Join(dir, name)
	err := os.WriteFile(path, []byte(content), 0644)
	require.NoError(t, err)
	return path
}

// RandomBytes returns n deterministic pseudo-random bytes for the given
// seed, so split/merge tests can reproduce the exact payload.
func RandomBytes(t *testing.T, seed int64, n int) []byte {
	t.Helper()
	buf := make([]byte, n)
	r := rand.New(rand.NewSource(seed))
	_, err := r.Read(buf)
	require.NoError(t, err)
	return buf
}

// HashOf returns the hex sha256 of data, the shape clients use as a
// fileHash.
func HashOf(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// SplitChunks cuts data into chunkSize pieces, last piece short.
func SplitChunks(data []byte, chunkSize int) [][]byte {
	var chunks [][]byte
	for len(data) > 0 {
		n := chunkSize
		if n > len(data) {
			n = len(data)
		}
		chunks = append(chunks, data[:n])
		data = data[n:]
	}
	return chunks
}
