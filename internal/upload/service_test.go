package upload

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"io"
	mrand "math/rand/v2"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/lgulliver/splice/internal/events"
	"github.com/lgulliver/splice/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countingStorage records how often artifacts are written
type countingStorage struct {
	storage.BlobStorage
	stores atomic.Int32
}

func (c *countingStorage) Store(ctx context.Context, path string, content io.Reader, contentType string) error {
	c.stores.Add(1)
	return c.BlobStorage.Store(ctx, path, content, contentType)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
	err    error
}

func (p *recordingPublisher) Publish(_ context.Context, event events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return p.err
}

func (p *recordingPublisher) Close() error { return nil }

func (p *recordingPublisher) recorded() []events.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]events.Event(nil), p.events...)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func setupTestService(t *testing.T, opts ...Option) (*Service, *countingStorage) {
	t.Helper()
	local, err := storage.NewLocalStorage(t.TempDir())
	require.NoError(t, err)
	blobs := &countingStorage{BlobStorage: local}
	return NewService(blobs, opts...), blobs
}

func readArtifact(t *testing.T, svc *Service, artifact *Artifact) []byte {
	t.Helper()
	reader, err := svc.OpenArtifact(context.Background(), artifact)
	require.NoError(t, err)
	defer reader.Close()
	data, err := io.ReadAll(reader)
	require.NoError(t, err)
	return data
}

func TestService_Example(t *testing.T) {
	svc, _ := setupTestService(t)
	ctx := context.Background()

	id, err := svc.Start(ctx, "a.bin", 3)
	require.NoError(t, err)

	require.NoError(t, svc.UploadPart(ctx, id, 2, []byte("BBB")))
	require.NoError(t, svc.UploadPart(ctx, id, 0, []byte("A")))
	require.NoError(t, svc.UploadPart(ctx, id, 1, []byte("CC")))

	artifact, err := svc.Complete(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, id, artifact.SessionID)
	assert.Equal(t, "a.bin", artifact.Filename)
	assert.Equal(t, ArtifactKey(id), artifact.Key)
	assert.Equal(t, int64(6), artifact.Size)
	assert.Equal(t, "ACCBBB", string(readArtifact(t, svc, artifact)))
}

func TestService_StartInvalidArgument(t *testing.T) {
	svc, _ := setupTestService(t)

	_, err := svc.Start(context.Background(), "a.bin", 0)
	assert.True(t, errors.Is(err, ErrInvalidArgument))
	assert.Equal(t, 0, svc.Registry().Len())
}

func TestService_StartLargeChunkCountIsCheap(t *testing.T) {
	svc, _ := setupTestService(t)
	ctx := context.Background()

	var before, after runtime.MemStats
	runtime.GC()
	runtime.ReadMemStats(&before)

	id, err := svc.Start(ctx, "huge.bin", 20_000_000)
	require.NoError(t, err)

	runtime.GC()
	runtime.ReadMemStats(&after)

	var growth int64
	if after.HeapAlloc > before.HeapAlloc {
		growth = int64(after.HeapAlloc - before.HeapAlloc)
	}
	assert.Less(t, growth, int64(16<<20), "declared chunk count must not reserve memory up front")

	info, err := svc.Info(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 20_000_000, info.ExpectedChunks)
	assert.Len(t, info.MissingChunks, maxReportedMissing)
}

func TestService_RoundTripRandomOrder(t *testing.T) {
	svc, _ := setupTestService(t)
	ctx := context.Background()

	original := make([]byte, 256*1024+123)
	_, err := rand.Read(original)
	require.NoError(t, err)

	const chunkSize = 10 * 1024
	var chunks [][]byte
	for offset := 0; offset < len(original); offset += chunkSize {
		end := min(offset+chunkSize, len(original))
		chunks = append(chunks, original[offset:end])
	}

	id, err := svc.Start(ctx, "random.bin", len(chunks))
	require.NoError(t, err)

	for _, index := range mrand.New(mrand.NewPCG(3, 5)).Perm(len(chunks)) {
		require.NoError(t, svc.UploadPart(ctx, id, index, chunks[index]))
	}

	artifact, err := svc.Complete(ctx, id)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(original, readArtifact(t, svc, artifact)))
}

func TestService_ConcurrentPartsSameSession(t *testing.T) {
	svc, _ := setupTestService(t)
	ctx := context.Background()

	const n = 64
	id, err := svc.Start(ctx, "parallel.bin", n)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(2)
		// every index is sent twice to exercise duplicate handling under contention
		for range 2 {
			go func(index int) {
				defer wg.Done()
				assert.NoError(t, svc.UploadPart(ctx, id, index, []byte{byte(index)}))
			}(i)
		}
	}
	wg.Wait()

	artifact, err := svc.Complete(ctx, id)
	require.NoError(t, err)

	data := readArtifact(t, svc, artifact)
	require.Len(t, data, n)
	for i, b := range data {
		assert.Equal(t, byte(i), b)
	}
}

func TestService_CompleteIsIdempotent(t *testing.T) {
	publisher := &recordingPublisher{}
	svc, blobs := setupTestService(t, WithPublisher(publisher))
	ctx := context.Background()

	id, err := svc.Start(ctx, "twice.bin", 2)
	require.NoError(t, err)
	require.NoError(t, svc.UploadPart(ctx, id, 0, []byte("one")))
	require.NoError(t, svc.UploadPart(ctx, id, 1, []byte("two")))

	first, err := svc.Complete(ctx, id)
	require.NoError(t, err)
	second, err := svc.Complete(ctx, id)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, int32(1), blobs.stores.Load(), "artifact must be written once")
	assert.Equal(t, "onetwo", string(readArtifact(t, svc, second)))

	recorded := publisher.recorded()
	require.Len(t, recorded, 1)
	assert.Equal(t, events.UploadCompleted, recorded[0].Type)
	assert.Equal(t, id.String(), recorded[0].SessionID)
	assert.Equal(t, int64(6), recorded[0].Size)
}

func TestService_CompleteIncomplete(t *testing.T) {
	svc, blobs := setupTestService(t)
	ctx := context.Background()

	id, err := svc.Start(ctx, "partial.bin", 3)
	require.NoError(t, err)
	require.NoError(t, svc.UploadPart(ctx, id, 0, []byte("a")))
	require.NoError(t, svc.UploadPart(ctx, id, 2, []byte("c")))

	artifact, err := svc.Complete(ctx, id)
	assert.Nil(t, artifact)
	assert.True(t, errors.Is(err, ErrIncompleteUpload))
	assert.Contains(t, err.Error(), "received 2 of 3 chunks")

	exists, err := blobs.Exists(ctx, ArtifactKey(id))
	require.NoError(t, err)
	assert.False(t, exists)
	assert.Equal(t, int32(0), blobs.stores.Load())
}

func TestService_UnknownSession(t *testing.T) {
	svc, blobs := setupTestService(t)
	ctx := context.Background()
	id := uuid.New()

	err := svc.UploadPart(ctx, id, 0, []byte("x"))
	assert.True(t, errors.Is(err, ErrSessionNotFound))

	_, err = svc.Complete(ctx, id)
	assert.True(t, errors.Is(err, ErrSessionNotFound))

	_, err = svc.Info(ctx, id)
	assert.True(t, errors.Is(err, ErrSessionNotFound))

	assert.Equal(t, 0, svc.Registry().Len())
	files, err := blobs.List(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, files)
}

func TestService_InvalidChunkIndexLeavesSessionUnchanged(t *testing.T) {
	svc, _ := setupTestService(t)
	ctx := context.Background()

	id, err := svc.Start(ctx, "a.bin", 2)
	require.NoError(t, err)

	for _, index := range []int{-1, 2} {
		err := svc.UploadPart(ctx, id, index, []byte("x"))
		assert.True(t, errors.Is(err, ErrInvalidChunkIndex), "index %d: %v", index, err)
	}

	info, err := svc.Info(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 0, info.ReceivedChunks)
	assert.Equal(t, []int{0, 1}, info.MissingChunks)
}

func TestService_PartAfterCompleteIsRejected(t *testing.T) {
	svc, _ := setupTestService(t)
	ctx := context.Background()

	id, err := svc.Start(ctx, "frozen.bin", 1)
	require.NoError(t, err)
	require.NoError(t, svc.UploadPart(ctx, id, 0, []byte("final")))

	artifact, err := svc.Complete(ctx, id)
	require.NoError(t, err)

	assert.NoError(t, svc.UploadPart(ctx, id, 0, []byte("final")), "identical retransmission is benign")

	err = svc.UploadPart(ctx, id, 0, []byte("late"))
	assert.True(t, errors.Is(err, ErrUploadFinalized))

	assert.Equal(t, "final", string(readArtifact(t, svc, artifact)))

	info, err := svc.Info(ctx, id)
	require.NoError(t, err)
	assert.True(t, info.Assembled)
}

func TestService_SessionsDoNotBlockEachOther(t *testing.T) {
	svc, _ := setupTestService(t)
	ctx := context.Background()

	busy, err := svc.Start(ctx, "busy.bin", 2)
	require.NoError(t, err)
	idle, err := svc.Start(ctx, "idle.bin", 2)
	require.NoError(t, err)

	// Simulate a long-running admission on busy by holding its lock
	lock, err := svc.Registry().Lock(busy)
	require.NoError(t, err)
	lock.Lock()
	defer lock.Unlock()

	done := make(chan error, 1)
	go func() {
		if err := svc.UploadPart(ctx, idle, 0, []byte("a")); err != nil {
			done <- err
			return
		}
		if err := svc.UploadPart(ctx, idle, 1, []byte("b")); err != nil {
			done <- err
			return
		}
		_, err := svc.Complete(ctx, idle)
		done <- err
	}()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("independent session was blocked by another session's lock")
	}

	_, err = svc.Start(ctx, "new.bin", 1)
	assert.NoError(t, err)
}

func TestService_PublishFailureDoesNotFailComplete(t *testing.T) {
	publisher := &recordingPublisher{err: errors.New("broker down")}
	svc, _ := setupTestService(t, WithPublisher(publisher))
	ctx := context.Background()

	id, err := svc.Start(ctx, "a.bin", 1)
	require.NoError(t, err)
	require.NoError(t, svc.UploadPart(ctx, id, 0, []byte("x")))

	artifact, err := svc.Complete(ctx, id)
	require.NoError(t, err)
	assert.NotNil(t, artifact)
	assert.Len(t, publisher.recorded(), 1)
}

func TestService_ExpireIdle(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	publisher := &recordingPublisher{}
	svc, blobs := setupTestService(t,
		WithSessionTTL(time.Hour),
		WithClock(clock.Now),
		WithPublisher(publisher),
	)
	ctx := context.Background()

	stale, err := svc.Start(ctx, "stale.bin", 1)
	require.NoError(t, err)
	require.NoError(t, svc.UploadPart(ctx, stale, 0, []byte("old")))
	_, err = svc.Complete(ctx, stale)
	require.NoError(t, err)

	clock.Advance(45 * time.Minute)
	active, err := svc.Start(ctx, "active.bin", 2)
	require.NoError(t, err)

	clock.Advance(30 * time.Minute)
	require.NoError(t, svc.UploadPart(ctx, active, 0, []byte("new")))

	assert.Equal(t, 1, svc.ExpireIdle(ctx))

	_, err = svc.Info(ctx, stale)
	assert.True(t, errors.Is(err, ErrSessionNotFound))
	exists, err := blobs.Exists(ctx, ArtifactKey(stale))
	require.NoError(t, err)
	assert.False(t, exists, "expired artifact must be deleted")

	_, err = svc.Info(ctx, active)
	assert.NoError(t, err)
	assert.Equal(t, 1, svc.Registry().Len())

	var expiredEvents []events.Event
	for _, event := range publisher.recorded() {
		if event.Type == events.UploadExpired {
			expiredEvents = append(expiredEvents, event)
		}
	}
	require.Len(t, expiredEvents, 1)
	assert.Equal(t, stale.String(), expiredEvents[0].SessionID)
}

func TestService_CompleteAndOpenSurvivesExpiry(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	svc, blobs := setupTestService(t, WithSessionTTL(time.Minute), WithClock(clock.Now))
	ctx := context.Background()

	id, err := svc.Start(ctx, "held.bin", 2)
	require.NoError(t, err)
	require.NoError(t, svc.UploadPart(ctx, id, 1, []byte("world")))
	require.NoError(t, svc.UploadPart(ctx, id, 0, []byte("hello ")))

	artifact, reader, err := svc.CompleteAndOpen(ctx, id)
	require.NoError(t, err)
	defer reader.Close()
	assert.Equal(t, int64(11), artifact.Size)

	clock.Advance(2 * time.Minute)
	assert.Equal(t, 1, svc.ExpireIdle(ctx))

	exists, err := blobs.Exists(ctx, artifact.Key)
	require.NoError(t, err)
	assert.False(t, exists)

	data, err := io.ReadAll(reader)
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(data))

	_, _, err = svc.CompleteAndOpen(ctx, id)
	assert.True(t, errors.Is(err, ErrSessionNotFound))
}

func TestService_CompleteAndOpenMissingArtifact(t *testing.T) {
	svc, blobs := setupTestService(t)
	ctx := context.Background()

	id, err := svc.Start(ctx, "gone.bin", 1)
	require.NoError(t, err)
	require.NoError(t, svc.UploadPart(ctx, id, 0, []byte("x")))

	artifact, err := svc.Complete(ctx, id)
	require.NoError(t, err)
	require.NoError(t, blobs.Delete(ctx, artifact.Key))

	// Complete rebuilds a missing artifact before opening it
	artifact, reader, err := svc.CompleteAndOpen(ctx, id)
	require.NoError(t, err)
	defer reader.Close()
	assert.Equal(t, int64(1), artifact.Size)
	assert.Equal(t, int32(2), blobs.stores.Load())
}

func TestService_ExpireSkipsBusySessions(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	svc, _ := setupTestService(t, WithSessionTTL(time.Minute), WithClock(clock.Now))
	ctx := context.Background()

	id, err := svc.Start(ctx, "busy.bin", 1)
	require.NoError(t, err)
	clock.Advance(time.Hour)

	lock, err := svc.Registry().Lock(id)
	require.NoError(t, err)
	lock.Lock()
	assert.Equal(t, 0, svc.ExpireIdle(ctx))
	lock.Unlock()

	assert.Equal(t, 1, svc.ExpireIdle(ctx))
}

func TestService_ExpiryDisabled(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	svc, _ := setupTestService(t, WithClock(clock.Now))
	ctx := context.Background()

	_, err := svc.Start(ctx, "a.bin", 1)
	require.NoError(t, err)
	clock.Advance(365 * 24 * time.Hour)

	assert.Equal(t, 0, svc.ExpireIdle(ctx))
	assert.Equal(t, 1, svc.Registry().Len())
}

func TestService_RunStopsOnCancel(t *testing.T) {
	svc, _ := setupTestService(t, WithSessionTTL(time.Minute))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		svc.Run(ctx, 10*time.Millisecond)
		close(done)
	}()

	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("janitor did not stop after cancel")
	}
}
