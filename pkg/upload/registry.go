package upload

import (
	"sort"
	"sync"
	"time"
)

// session tracks one in-flight upload. Lost on restart; clients are
// expected to re-probe CheckExists and resend missing chunks.
type session struct {
	fileHash  string
	received  map[int]string // ordinal -> chunkID
	merging   bool
	createdAt time.Time
	updatedAt time.Time
}

// SessionInfo is a point-in-time snapshot of one upload session.
type SessionInfo struct {
	FileHash  string    `json:"file_hash"`
	Received  int       `json:"received"`
	Merging   bool      `json:"merging"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Registry is the process-wide bookkeeping of in-flight uploads, keyed
// by fileHash. All state lives behind a single mutex, so it is safe
// under concurrent calls from multiple request handlers; instantiate
// one per test for isolation rather than sharing a global.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*session
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]*session),
	}
}

func (r *Registry) getOrCreate(fileHash string) *session {
	sess, ok := r.sessions[fileHash]
	if !ok {
		now := time.Now()
		sess = &session{
			fileHash:  fileHash,
			received:  make(map[int]string),
			createdAt: now,
			updatedAt: now,
		}
		r.sessions[fileHash] = sess
	}
	return sess
}

// MarkReceived records that the chunk at ordinal has been durably
// staged, creating the session on first contact for a hash.
func (r *Registry) MarkReceived(fileHash, chunkID string, ordinal int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess := r.getOrCreate(fileHash)
	sess.received[ordinal] = chunkID
	sess.updatedAt = time.Now()
}

// ReceivedOrdinals returns the sorted ordinals recorded for fileHash.
func (r *Registry) ReceivedOrdinals(fileHash string) []int {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess, ok := r.sessions[fileHash]
	if !ok {
		return nil
	}
	ordinals := make([]int, 0, len(sess.received))
	for o := range sess.received {
		ordinals = append(ordinals, o)
	}
	sort.Ints(ordinals)
	return ordinals
}

// MissingChunks returns the ordinals in [0, totalExpected) not yet
// received. totalExpected is advisory, supplied by the client.
func (r *Registry) MissingChunks(fileHash string, totalExpected int) []int {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess := r.sessions[fileHash]
	missing := make([]int, 0)
	for i := 0; i < totalExpected; i++ {
		if sess == nil {
			missing = append(missing, i)
			continue
		}
		if _, ok := sess.received[i]; !ok {
			missing = append(missing, i)
		}
	}
	return missing
}

// TryBeginMerge atomically flips the session's merge flag and reports
// whether the caller won the race. A losing caller must not attempt
// its own merge. The session is created if absent so the flag also
// protects merges resumed after a process restart.
func (r *Registry) TryBeginMerge(fileHash string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess := r.getOrCreate(fileHash)
	if sess.merging {
		return false
	}
	sess.merging = true
	sess.updatedAt = time.Now()
	return true
}

// AbortMerge releases the merge flag after a failed attempt. A session
// that has recorded chunks stays available for retry; one that never
// received a chunk only exists because TryBeginMerge created it, so it
// is dropped outright — otherwise failed merge probes for hashes that
// were never staged would accumulate sessions forever.
func (r *Registry) AbortMerge(fileHash string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess, ok := r.sessions[fileHash]
	if !ok {
		return
	}
	if len(sess.received) == 0 {
		delete(r.sessions, fileHash)
		return
	}
	sess.merging = false
	sess.updatedAt = time.Now()
}

// CompleteMerge clears the session entirely after a successful merge.
func (r *Registry) CompleteMerge(fileHash string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.sessions, fileHash)
}

// MergeInProgress reports whether a merge currently holds the flag.
func (r *Registry) MergeInProgress(fileHash string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess, ok := r.sessions[fileHash]
	return ok && sess.merging
}

// Sessions returns a snapshot of all in-flight uploads.
func (r *Registry) Sessions() []SessionInfo {
	r.mu.Lock()
	defer r.mu.Unlock()

	infos := make([]SessionInfo, 0, len(r.sessions))
	for _, sess := range r.sessions {
		infos = append(infos, SessionInfo{
			FileHash:  sess.fileHash,
			Received:  len(sess.received),
			Merging:   sess.merging,
			CreatedAt: sess.createdAt,
			UpdatedAt: sess.updatedAt,
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].FileHash < infos[j].FileHash })
	return infos
}
