package upload

import (
	"bytes"
	"fmt"
	"io"
	"iter"
	"time"

	"github.com/google/uuid"
)

// Session holds the state of one chunked upload.
//
// A Session is not safe for concurrent use on its own. Every method must be
// called while holding the per-session lock handed out by the Registry.
type Session struct {
	ID             uuid.UUID
	Filename       string
	ExpectedChunks int
	CreatedAt      time.Time

	lastUpdate time.Time
	chunks     map[int][]byte
	assembled  bool
	expired    bool
	now        func() time.Time
}

// SessionInfo is a point-in-time view of a session
type SessionInfo struct {
	ID             uuid.UUID `json:"upload_id"`
	Filename       string    `json:"filename"`
	ExpectedChunks int       `json:"num_chunks"`
	ReceivedChunks int       `json:"received_chunks"`
	MissingChunks  []int     `json:"missing_chunks,omitempty"`
	Complete       bool      `json:"complete"`
	Assembled      bool      `json:"assembled"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// maxReportedMissing bounds MissingChunks in SessionInfo
const maxReportedMissing = 100

func newSession(id uuid.UUID, filename string, expectedChunks int, now func() time.Time) *Session {
	created := now()
	return &Session{
		ID:             id,
		Filename:       filename,
		ExpectedChunks: expectedChunks,
		CreatedAt:      created,
		lastUpdate:     created,
		chunks:         make(map[int][]byte),
		now:            now,
	}
}

// AdmitChunk stores payload under index. Resubmitting an index that is
// already present is a no-op and keeps the first payload. The session takes
// ownership of payload.
//
// Once the artifact has been assembled the session is frozen. A byte-identical
// retransmission is still a no-op, but a differing payload returns
// ErrUploadFinalized since it can no longer reach the artifact.
func (s *Session) AdmitChunk(index int, payload []byte) error {
	if index < 0 || index >= s.ExpectedChunks {
		return fmt.Errorf("%w: %d is outside [0, %d)", ErrInvalidChunkIndex, index, s.ExpectedChunks)
	}

	existing, exists := s.chunks[index]
	if s.assembled {
		if exists && bytes.Equal(existing, payload) {
			return nil
		}
		return fmt.Errorf("%w: session %s no longer accepts chunk %d", ErrUploadFinalized, s.ID, index)
	}

	s.lastUpdate = s.now()
	if exists {
		return nil
	}
	if payload == nil {
		payload = []byte{}
	}
	s.chunks[index] = payload
	return nil
}

// IsComplete reports whether every index in [0, ExpectedChunks) is present.
// Admission rejects out-of-range and duplicate indices, so a count is enough.
func (s *Session) IsComplete() bool {
	return len(s.chunks) == s.ExpectedChunks
}

// Received returns the number of distinct chunks admitted so far
func (s *Session) Received() int {
	return len(s.chunks)
}

// Chunk returns the stored payload for index
func (s *Session) Chunk(index int) ([]byte, bool) {
	payload, ok := s.chunks[index]
	return payload, ok
}

// OrderedPayloads yields chunk payloads in index order. Each call restarts
// from index 0. Only valid once IsComplete is true.
func (s *Session) OrderedPayloads() iter.Seq[[]byte] {
	return func(yield func([]byte) bool) {
		for i := 0; i < s.ExpectedChunks; i++ {
			if !yield(s.chunks[i]) {
				return
			}
		}
	}
}

// Reader streams the ordered payloads without concatenating them
func (s *Session) Reader() io.Reader {
	return &payloadReader{session: s}
}

// Assembled reports whether the artifact for this session has been produced
func (s *Session) Assembled() bool {
	return s.assembled
}

func (s *Session) markAssembled() {
	s.assembled = true
	s.lastUpdate = s.now()
}

// idleSince reports whether the session has seen no activity after cutoff
func (s *Session) idleSince(cutoff time.Time) bool {
	return s.lastUpdate.Before(cutoff)
}

// Info returns a snapshot of the session
func (s *Session) Info() SessionInfo {
	info := SessionInfo{
		ID:             s.ID,
		Filename:       s.Filename,
		ExpectedChunks: s.ExpectedChunks,
		ReceivedChunks: len(s.chunks),
		Complete:       s.IsComplete(),
		Assembled:      s.assembled,
		CreatedAt:      s.CreatedAt,
		UpdatedAt:      s.lastUpdate,
	}
	for i := 0; i < s.ExpectedChunks && len(info.MissingChunks) < maxReportedMissing; i++ {
		if _, ok := s.chunks[i]; !ok {
			info.MissingChunks = append(info.MissingChunks, i)
		}
	}
	return info
}

type payloadReader struct {
	session *Session
	next    int
	current []byte
}

func (r *payloadReader) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	for len(r.current) == 0 {
		if r.next >= r.session.ExpectedChunks {
			return 0, io.EOF
		}
		r.current = r.session.chunks[r.next]
		r.next++
	}
	n := copy(p, r.current)
	r.current = r.current[n:]
	return n, nil
}
