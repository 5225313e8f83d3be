package upload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/lgulliver/splice/internal/events"
	"github.com/lgulliver/splice/internal/storage"
	"github.com/rs/zerolog/log"
)

const artifactContentType = "application/octet-stream"

// Artifact describes an assembled upload
type Artifact struct {
	SessionID uuid.UUID
	Key       string
	Filename  string
	Size      int64
}

// Service owns the session registry and drives sessions through
// start, chunk admission, completion and expiry.
type Service struct {
	registry  *Registry
	storage   storage.BlobStorage
	publisher events.Publisher
	ttl       time.Duration
	now       func() time.Time
}

// Option configures a Service
type Option func(*Service)

// WithSessionTTL sets how long a session may stay idle before the janitor
// reclaims it. Zero disables expiry.
func WithSessionTTL(ttl time.Duration) Option {
	return func(s *Service) { s.ttl = ttl }
}

// WithPublisher sets the lifecycle event publisher
func WithPublisher(p events.Publisher) Option {
	return func(s *Service) { s.publisher = p }
}

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService creates a service writing artifacts to blobs
func NewService(blobs storage.BlobStorage, opts ...Option) *Service {
	s := &Service{
		storage:   blobs,
		publisher: events.NopPublisher{},
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	s.registry = NewRegistry()
	s.registry.now = s.now
	return s
}

// Registry exposes the underlying session registry
func (s *Service) Registry() *Registry {
	return s.registry
}

// ArtifactKey is the storage key of the artifact assembled for id
func ArtifactKey(id uuid.UUID) string {
	return id.String() + ".bin"
}

// Start creates a session expecting numChunks chunks
func (s *Service) Start(ctx context.Context, filename string, numChunks int) (uuid.UUID, error) {
	id, err := s.registry.Create(filename, numChunks)
	if err != nil {
		return uuid.Nil, err
	}

	log.Info().
		Str("session_id", id.String()).
		Str("filename", filename).
		Int("num_chunks", numChunks).
		Msg("started upload session")

	return id, nil
}

// UploadPart admits one chunk into the session. Only the session's own lock
// is held while the chunk is stored.
func (s *Service) UploadPart(ctx context.Context, id uuid.UUID, index int, payload []byte) error {
	session, release, err := s.registry.Acquire(id)
	if err != nil {
		return err
	}
	defer release()

	if err := session.AdmitChunk(index, payload); err != nil {
		log.Debug().
			Err(err).
			Str("session_id", id.String()).
			Int("chunk_index", index).
			Msg("rejected chunk")
		return err
	}

	log.Debug().
		Str("session_id", id.String()).
		Int("chunk_index", index).
		Int("chunk_size", len(payload)).
		Int("received", session.Received()).
		Int("expected", session.ExpectedChunks).
		Msg("admitted chunk")

	return nil
}

// Complete assembles the session's artifact once every chunk is present.
// Repeated calls return the existing artifact without rewriting it.
func (s *Service) Complete(ctx context.Context, id uuid.UUID) (*Artifact, error) {
	artifact, _, err := s.complete(ctx, id, false)
	return artifact, err
}

// CompleteAndOpen is Complete plus an open reader on the artifact. The reader
// is opened before the session lock is released, so expiry cannot remove the
// artifact between assembly and open. The caller must close it.
func (s *Service) CompleteAndOpen(ctx context.Context, id uuid.UUID) (*Artifact, io.ReadCloser, error) {
	return s.complete(ctx, id, true)
}

func (s *Service) complete(ctx context.Context, id uuid.UUID, open bool) (*Artifact, io.ReadCloser, error) {
	artifact, reader, fresh, err := s.assemble(ctx, id, open)
	if err != nil {
		return nil, nil, err
	}

	if fresh {
		s.publish(ctx, events.Event{
			Type:        events.UploadCompleted,
			SessionID:   id.String(),
			Filename:    artifact.Filename,
			Size:        artifact.Size,
			ArtifactKey: artifact.Key,
			OccurredAt:  s.now(),
		})
	}

	return artifact, reader, nil
}

func (s *Service) assemble(ctx context.Context, id uuid.UUID, open bool) (*Artifact, io.ReadCloser, bool, error) {
	session, release, err := s.registry.Acquire(id)
	if err != nil {
		return nil, nil, false, err
	}
	defer release()

	if !session.IsComplete() {
		return nil, nil, false, fmt.Errorf("%w: received %d of %d chunks",
			ErrIncompleteUpload, session.Received(), session.ExpectedChunks)
	}

	key := ArtifactKey(id)
	exists, err := s.storage.Exists(ctx, key)
	if err != nil {
		return nil, nil, false, fmt.Errorf("failed to check artifact: %w", err)
	}

	fresh := false
	if !exists {
		startTime := time.Now()
		if err := s.storage.Store(ctx, key, session.Reader(), artifactContentType); err != nil {
			log.Error().Err(err).Str("session_id", id.String()).Msg("failed to assemble artifact")
			return nil, nil, false, fmt.Errorf("failed to assemble artifact: %w", err)
		}
		fresh = true

		log.Info().
			Str("session_id", id.String()).
			Str("artifact_key", key).
			Int("num_chunks", session.ExpectedChunks).
			Dur("duration", time.Since(startTime)).
			Msg("assembled upload")
	}
	session.markAssembled()

	size, err := s.storage.GetSize(ctx, key)
	if err != nil {
		return nil, nil, false, fmt.Errorf("failed to stat artifact: %w", err)
	}

	artifact := &Artifact{
		SessionID: id,
		Key:       key,
		Filename:  session.Filename,
		Size:      size,
	}
	if !open {
		return artifact, nil, fresh, nil
	}

	reader, err := s.OpenArtifact(ctx, artifact)
	if err != nil {
		return nil, nil, false, err
	}
	return artifact, reader, fresh, nil
}

// OpenArtifact opens a previously assembled artifact for reading
func (s *Service) OpenArtifact(ctx context.Context, artifact *Artifact) (io.ReadCloser, error) {
	reader, err := s.storage.Retrieve(ctx, artifact.Key)
	if err != nil {
		return nil, fmt.Errorf("failed to open artifact: %w", err)
	}
	return reader, nil
}

// Info returns a snapshot of the session registered under id
func (s *Service) Info(ctx context.Context, id uuid.UUID) (*SessionInfo, error) {
	session, release, err := s.registry.Acquire(id)
	if err != nil {
		return nil, err
	}
	defer release()

	info := session.Info()
	return &info, nil
}

// ExpireIdle reclaims sessions idle for longer than the configured TTL,
// deleting their artifacts. Sessions whose lock is held are active and skipped.
func (s *Service) ExpireIdle(ctx context.Context) int {
	if s.ttl <= 0 {
		return 0
	}

	cutoff := s.now().Add(-s.ttl)
	expired := 0

	for _, id := range s.registry.IDs() {
		session, release, ok := s.registry.TryAcquire(id)
		if !ok {
			continue
		}
		if !session.idleSince(cutoff) {
			release()
			continue
		}
		session.expired = true
		filename := session.Filename
		chunkCount := session.ExpectedChunks
		release()

		s.registry.Remove(id)
		if err := s.storage.Delete(ctx, ArtifactKey(id)); err != nil && !errors.Is(err, storage.ErrNotFound) {
			log.Warn().Err(err).Str("session_id", id.String()).Msg("failed to delete expired artifact")
		}

		s.publish(ctx, events.Event{
			Type:       events.UploadExpired,
			SessionID:  id.String(),
			Filename:   filename,
			ChunkCount: chunkCount,
			OccurredAt: s.now(),
		})

		log.Info().Str("session_id", id.String()).Msg("cleaned up expired upload session")
		expired++
	}

	if expired > 0 {
		log.Info().Int("count", expired).Msg("cleaned up expired upload sessions")
	}
	return expired
}

// Run reclaims idle sessions every interval until ctx is cancelled
func (s *Service) Run(ctx context.Context, interval time.Duration) {
	if s.ttl <= 0 || interval <= 0 {
		log.Info().Msg("upload session expiry disabled")
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.ExpireIdle(ctx)
		}
	}
}

func (s *Service) publish(ctx context.Context, event events.Event) {
	if err := s.publisher.Publish(ctx, event); err != nil {
		log.Warn().
			Err(err).
			Str("session_id", event.SessionID).
			Str("event", string(event.Type)).
			Msg("failed to publish upload event")
	}
}
