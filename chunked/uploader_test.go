package chunked

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sethvargo/go-retry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-box/box-go/box"
)

type commitCall struct {
	digest string
	parts  []box.UploadedPart
	attrs  *box.FileAttributes
}

// fakeSessionClient records calls and can be programmed with per-offset
// failures and gates to control completion order.
type fakeSessionClient struct {
	mu        sync.Mutex
	uploads   map[int64][]byte
	attempts  map[int64]int
	failures  map[int64]int // transient failures before success
	permanent map[int64]error
	gates     map[int64]chan struct{}
	commits   []commitCall
	commitErr error
	aborts    int
	abortErr  error
	file      *box.File
}

func newFakeSessionClient() *fakeSessionClient {
	return &fakeSessionClient{
		uploads:   map[int64][]byte{},
		attempts:  map[int64]int{},
		failures:  map[int64]int{},
		permanent: map[int64]error{},
		gates:     map[int64]chan struct{}{},
		file:      &box.File{ID: "f-1", Type: "file", Name: "out.bin"},
	}
}

func (f *fakeSessionClient) UploadPart(
	ctx context.Context, _ *box.UploadSession, data []byte, offset, _ int64,
) (*box.UploadedPart, error) {
	f.mu.Lock()
	f.attempts[offset]++
	attempt := f.attempts[offset]
	gate := f.gates[offset]
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.permanent[offset]; err != nil {
		return nil, err
	}

	if attempt <= f.failures[offset] {
		return nil, &box.APIError{StatusCode: 503, Err: box.ErrServerError}
	}

	buf := make([]byte, len(data))
	copy(buf, data)
	f.uploads[offset] = buf

	return &box.UploadedPart{
		PartID: fmt.Sprintf("p-%d", offset),
		Offset: offset,
		Size:   int64(len(data)),
	}, nil
}

func (f *fakeSessionClient) CommitSession(
	_ context.Context, _ *box.UploadSession, digest string, parts []box.UploadedPart, attrs *box.FileAttributes,
) (*box.File, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.commits = append(f.commits, commitCall{digest: digest, parts: parts, attrs: attrs})

	if f.commitErr != nil {
		return nil, f.commitErr
	}

	return f.file, nil
}

func (f *fakeSessionClient) AbortSession(_ context.Context, _ *box.UploadSession) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.aborts++

	return f.abortErr
}

func (f *fakeSessionClient) uploadCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return len(f.uploads)
}

func (f *fakeSessionClient) attemptCount(offset int64) int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.attempts[offset]
}

func (f *fakeSessionClient) totalAttempts() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	var n int
	for _, a := range f.attempts {
		n += a
	}

	return n
}

func (f *fakeSessionClient) commitCalls() []commitCall {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]commitCall(nil), f.commits...)
}

func (f *fakeSessionClient) abortCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.aborts
}

func testSession(partSize int64) *box.UploadSession {
	return &box.UploadSession{ID: "sess-1", Type: "upload_session", PartSize: partSize}
}

// fastOptions keeps retries and polling in the microsecond range so failure
// tests finish instantly.
func fastOptions() *Options {
	return &Options{
		RetryPolicy: func() retry.Backoff {
			return retry.WithMaxRetries(4, retry.NewConstant(time.Millisecond))
		},
		PollInterval: 2 * time.Millisecond,
		Logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

// collectUntil drains the event channel until an event of the wanted type
// arrives, returning everything seen on the way.
func collectUntil(t *testing.T, events <-chan Event, want EventType) []Event {
	t.Helper()

	deadline := time.After(5 * time.Second)

	var got []Event

	for {
		select {
		case ev := <-events:
			got = append(got, ev)
			if ev.Type == want {
				return got
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s (saw %d events)", want, len(got))
		}
	}
}

func testContent(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i * 7 % 251)
	}

	return b
}

func TestUploader_UploadsAndCommits(t *testing.T) {
	content := testContent(36)
	fake := newFakeSessionClient()

	opts := fastOptions()
	opts.FileAttributes = &box.FileAttributes{Name: "out.bin"}

	up, err := NewUploader(fake, testSession(10), content, 36, opts)
	require.NoError(t, err)

	up.Start(context.Background())

	events := collectUntil(t, up.Events(), EventUploadComplete)

	var uploaded int
	for _, ev := range events[:len(events)-1] {
		require.Equal(t, EventPartUploaded, ev.Type)
		uploaded++
	}

	assert.Equal(t, 4, uploaded)

	final := events[len(events)-1]
	require.NotNil(t, final.File)
	assert.Equal(t, "f-1", final.File.ID)
	assert.Equal(t, StateCompleted, up.State())

	// Partition: three full parts and the remainder.
	assert.Equal(t, content[0:10], fake.uploads[0])
	assert.Equal(t, content[10:20], fake.uploads[10])
	assert.Equal(t, content[20:30], fake.uploads[20])
	assert.Equal(t, content[30:36], fake.uploads[30])

	commits := fake.commitCalls()
	require.Len(t, commits, 1)
	assert.Equal(t, contentDigest(content), commits[0].digest)
	require.NotNil(t, commits[0].attrs)
	assert.Equal(t, "out.bin", commits[0].attrs.Name)

	require.Len(t, commits[0].parts, 4)
	for i, part := range commits[0].parts {
		assert.Equal(t, int64(i*10), part.Offset)
	}
}

func TestUploader_SinglePartExactFit(t *testing.T) {
	content := testContent(10)
	fake := newFakeSessionClient()

	up, err := NewUploader(fake, testSession(10), content, 10, fastOptions())
	require.NoError(t, err)

	up.Start(context.Background())
	collectUntil(t, up.Events(), EventUploadComplete)

	assert.Equal(t, 1, fake.uploadCount())
	assert.Equal(t, content, fake.uploads[0])
}

func TestUploader_ZeroBytes(t *testing.T) {
	fake := newFakeSessionClient()

	up, err := NewUploader(fake, testSession(10), []byte{}, 0, fastOptions())
	require.NoError(t, err)

	up.Start(context.Background())
	collectUntil(t, up.Events(), EventUploadComplete)

	assert.Equal(t, StateCompleted, up.State())
	assert.Equal(t, 0, fake.uploadCount())

	commits := fake.commitCalls()
	require.Len(t, commits, 1)
	assert.Empty(t, commits[0].parts)
	assert.Equal(t, contentDigest(nil), commits[0].digest)
}

func TestUploader_OutOfOrderCompletion(t *testing.T) {
	content := testContent(30)
	fake := newFakeSessionClient()

	// Hold the first part back so later parts finish first.
	gate := make(chan struct{})
	fake.gates[0] = gate

	up, err := NewUploader(fake, testSession(10), content, 30, fastOptions())
	require.NoError(t, err)

	up.Start(context.Background())

	require.Eventually(t, func() bool { return fake.uploadCount() == 2 },
		5*time.Second, time.Millisecond)

	close(gate)

	events := collectUntil(t, up.Events(), EventUploadComplete)

	// Completion events arrive out of order, but the commit is sorted and
	// the digest reflects byte order, not completion order.
	require.GreaterOrEqual(t, len(events), 3)
	assert.ElementsMatch(t, []int64{10, 20}, []int64{events[0].Offset, events[1].Offset})

	commits := fake.commitCalls()
	require.Len(t, commits, 1)
	require.Len(t, commits[0].parts, 3)
	for i, part := range commits[0].parts {
		assert.Equal(t, int64(i*10), part.Offset)
	}

	assert.Equal(t, contentDigest(content), commits[0].digest)
}

func TestUploader_StartIdempotent(t *testing.T) {
	content := testContent(30)
	fake := newFakeSessionClient()

	up, err := NewUploader(fake, testSession(10), content, 30, fastOptions())
	require.NoError(t, err)

	ctx := context.Background()
	up.Start(ctx)
	up.Start(ctx)

	collectUntil(t, up.Events(), EventUploadComplete)

	assert.Equal(t, 3, fake.totalAttempts())
	assert.Len(t, fake.commitCalls(), 1)
}

func TestUploader_RetriesTransientFailures(t *testing.T) {
	content := testContent(30)
	fake := newFakeSessionClient()
	fake.failures[10] = 2

	up, err := NewUploader(fake, testSession(10), content, 30, fastOptions())
	require.NoError(t, err)

	up.Start(context.Background())
	collectUntil(t, up.Events(), EventUploadComplete)

	assert.Equal(t, 3, fake.attemptCount(10))
	assert.Equal(t, 1, fake.attemptCount(0))
	assert.Equal(t, contentDigest(content), fake.commitCalls()[0].digest)
}

func TestUploader_PermanentPartFailure(t *testing.T) {
	content := testContent(30)
	fake := newFakeSessionClient()
	fake.permanent[10] = &box.APIError{StatusCode: 409, Err: box.ErrConflict}

	up, err := NewUploader(fake, testSession(10), content, 30, fastOptions())
	require.NoError(t, err)

	up.Start(context.Background())

	events := collectUntil(t, up.Events(), EventPartFailed)
	failed := events[len(events)-1]
	assert.Equal(t, int64(10), failed.Offset)
	assert.ErrorIs(t, failed.Err, box.ErrConflict)

	// Permanent errors are not retried.
	assert.Equal(t, 1, fake.attemptCount(10))

	// The upload does not commit and does not abort on its own.
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, fake.commitCalls())
	assert.Equal(t, StateUploading, up.State())

	require.NoError(t, up.Abort(context.Background()))
	assert.Equal(t, 1, fake.abortCount())
	assert.Equal(t, StateAborted, up.State())
}

func TestUploader_RetriesExhausted(t *testing.T) {
	content := testContent(10)
	fake := newFakeSessionClient()
	fake.failures[0] = 1000 // never succeeds

	up, err := NewUploader(fake, testSession(10), content, 10, fastOptions())
	require.NoError(t, err)

	up.Start(context.Background())

	events := collectUntil(t, up.Events(), EventPartFailed)
	assert.ErrorIs(t, events[len(events)-1].Err, box.ErrServerError)

	// fastOptions allows 5 attempts per part.
	assert.Equal(t, 5, fake.attemptCount(0))
	assert.Empty(t, fake.commitCalls())
}

func TestUploader_Abort(t *testing.T) {
	content := testContent(30)
	fake := newFakeSessionClient()

	gate := make(chan struct{})
	for _, offset := range []int64{0, 10, 20} {
		fake.gates[offset] = gate
	}
	defer close(gate)

	up, err := NewUploader(fake, testSession(10), content, 30, fastOptions())
	require.NoError(t, err)

	up.Start(context.Background())

	require.Eventually(t, func() bool { return fake.totalAttempts() == 3 },
		5*time.Second, time.Millisecond)

	require.NoError(t, up.Abort(context.Background()))

	assert.Equal(t, StateAborted, up.State())
	assert.Equal(t, 1, fake.abortCount())

	events := collectUntil(t, up.Events(), EventAborted)
	for _, ev := range events {
		assert.NotEqual(t, EventUploadComplete, ev.Type)
	}

	// No commit, before or after the in-flight parts unblock.
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, fake.commitCalls())

	// A second abort is rejected.
	err = up.Abort(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cannot abort")
	assert.Equal(t, 1, fake.abortCount())
}

func TestUploader_AbortRemoteFailure(t *testing.T) {
	content := testContent(30)
	fake := newFakeSessionClient()
	fake.abortErr = &box.APIError{StatusCode: 500, Err: box.ErrServerError}

	gate := make(chan struct{})
	for _, offset := range []int64{0, 10, 20} {
		fake.gates[offset] = gate
	}
	defer close(gate)

	up, err := NewUploader(fake, testSession(10), content, 30, fastOptions())
	require.NoError(t, err)

	up.Start(context.Background())

	err = up.Abort(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, box.ErrServerError)
	assert.Equal(t, StateAbortFailed, up.State())

	events := collectUntil(t, up.Events(), EventAbortFailed)
	assert.ErrorIs(t, events[len(events)-1].Err, box.ErrServerError)
}

func TestUploader_AbortBeforeStart(t *testing.T) {
	fake := newFakeSessionClient()

	up, err := NewUploader(fake, testSession(10), testContent(30), 30, fastOptions())
	require.NoError(t, err)

	require.NoError(t, up.Abort(context.Background()))
	assert.Equal(t, StateAborted, up.State())
	assert.Equal(t, 1, fake.abortCount())

	// Start after abort is a no-op.
	up.Start(context.Background())

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, fake.totalAttempts())
	assert.Equal(t, StateAborted, up.State())
}

func TestUploader_CommitFailureThenAbort(t *testing.T) {
	content := testContent(20)
	fake := newFakeSessionClient()
	fake.commitErr = &box.APIError{StatusCode: 502, Err: box.ErrServerError}

	up, err := NewUploader(fake, testSession(10), content, 20, fastOptions())
	require.NoError(t, err)

	up.Start(context.Background())

	events := collectUntil(t, up.Events(), EventUploadFailed)
	assert.ErrorIs(t, events[len(events)-1].Err, box.ErrServerError)
	assert.Equal(t, StateCommitFailed, up.State())

	// Commits are never retried.
	assert.Len(t, fake.commitCalls(), 1)

	// A failed commit still allows cleaning up the session.
	require.NoError(t, up.Abort(context.Background()))
	assert.Equal(t, 1, fake.abortCount())
	assert.Equal(t, StateAborted, up.State())
}

func TestUploader_StreamingSource(t *testing.T) {
	content := testContent(100)
	fake := newFakeSessionClient()

	opts := fastOptions()
	opts.Parallelism = 2

	reader := &trickleReader{data: content, chunk: 7}

	up, err := NewUploader(fake, testSession(16), reader, 100, opts)
	require.NoError(t, err)

	up.Start(context.Background())
	collectUntil(t, up.Events(), EventUploadComplete)

	require.Equal(t, 7, fake.uploadCount())

	var got []byte
	for offset := int64(0); offset < 100; offset += 16 {
		got = append(got, fake.uploads[offset]...)
	}

	assert.Equal(t, content, got)
	assert.Equal(t, contentDigest(content), fake.commitCalls()[0].digest)
}

func TestUploader_StreamEndsEarly(t *testing.T) {
	// The reader delivers 25 bytes but the declared size is 30: the final
	// part comes up short and fails instead of committing a truncated file.
	fake := newFakeSessionClient()

	up, err := NewUploader(fake, testSession(10), strings.NewReader(string(testContent(25))), 30, fastOptions())
	require.NoError(t, err)

	up.Start(context.Background())

	events := collectUntil(t, up.Events(), EventPartFailed)
	failed := events[len(events)-1]
	assert.Equal(t, int64(20), failed.Offset)
	assert.Contains(t, failed.Err.Error(), "source ended early")

	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, fake.commitCalls())
}

func TestNewUploader_Validation(t *testing.T) {
	fake := newFakeSessionClient()
	session := testSession(10)

	_, err := NewUploader(nil, session, []byte("x"), 1, nil)
	assert.Error(t, err)

	_, err = NewUploader(fake, nil, []byte("x"), 1, nil)
	assert.Error(t, err)

	_, err = NewUploader(fake, testSession(0), []byte("x"), 1, nil)
	assert.Error(t, err)

	_, err = NewUploader(fake, session, []byte("x"), -1, nil)
	assert.Error(t, err)

	_, err = NewUploader(fake, session, 42, 1, nil)
	assert.ErrorIs(t, err, ErrInvalidSource)
}

func TestPartitionParts(t *testing.T) {
	tests := []struct {
		totalSize int64
		partSize  int64
		offsets   []int64
		sizes     []int64
	}{
		{0, 10, nil, nil},
		{9, 10, []int64{0}, []int64{9}},
		{10, 10, []int64{0}, []int64{10}},
		{36, 10, []int64{0, 10, 20, 30}, []int64{10, 10, 10, 6}},
		{40, 10, []int64{0, 10, 20, 30}, []int64{10, 10, 10, 10}},
	}

	for _, tt := range tests {
		parts := partitionParts(tt.totalSize, tt.partSize)
		require.Len(t, parts, len(tt.offsets), "totalSize=%d", tt.totalSize)
		assert.Equal(t, len(tt.offsets), partCount(tt.totalSize, tt.partSize))

		var sum int64
		for i, p := range parts {
			assert.Equal(t, tt.offsets[i], p.offset)
			assert.Equal(t, tt.sizes[i], p.size)
			sum += p.size
		}

		assert.Equal(t, tt.totalSize, sum)
	}
}

// trickleReader yields a few bytes per read with a small delay, forcing the
// scheduler through its not-ready polling path.
type trickleReader struct {
	data  []byte
	pos   int
	chunk int
}

func (r *trickleReader) Read(p []byte) (int, error) {
	if r.pos >= len(r.data) {
		return 0, io.EOF
	}

	time.Sleep(200 * time.Microsecond)

	n := min(r.chunk, len(p), len(r.data)-r.pos)
	copy(p, r.data[r.pos:r.pos+n])
	r.pos += n

	return n, nil
}
