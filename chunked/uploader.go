package chunked

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/go-box/box-go/box"
)

// DefaultParallelism is the number of concurrent part uploads when
// Options.Parallelism is unset. Part uploads are I/O bound; the default
// overlaps network latency without fanning out a single session too wide.
const DefaultParallelism = 4

// Default per-part retry policy: 5 attempts, exponential backoff from
// 500ms capped at 10s, ±25% jitter.
const (
	defaultRetryAttempts  = 5
	defaultRetryBase      = 500 * time.Millisecond
	defaultRetryCap       = 10 * time.Second
	defaultRetryJitterPct = 25
)

// defaultPollInterval is how often dispatching re-checks a streaming source
// that reported ErrNotReady.
const defaultPollInterval = 50 * time.Millisecond

// SessionClient is the remote surface the uploader drives. *box.Client
// implements it.
type SessionClient interface {
	UploadPart(ctx context.Context, session *box.UploadSession, data []byte, offset, totalSize int64) (*box.UploadedPart, error)
	CommitSession(ctx context.Context, session *box.UploadSession, digest string, parts []box.UploadedPart, attrs *box.FileAttributes) (*box.File, error)
	AbortSession(ctx context.Context, session *box.UploadSession) error
}

// Options configures an Uploader. The zero value is usable: defaults apply
// to every field.
type Options struct {
	// Parallelism bounds concurrent part uploads. Default DefaultParallelism.
	Parallelism int

	// RetryPolicy constructs the backoff for one part's retry sequence.
	// Called once per part; go-retry backoffs are stateful and cannot be
	// shared. Nil means the default bounded exponential policy.
	RetryPolicy func() retry.Backoff

	// FileAttributes are applied to the file at commit time.
	FileAttributes *box.FileAttributes

	// Logger for upload progress. Default slog.Default().
	Logger *slog.Logger

	// PollInterval is the re-check interval for a not-ready streaming
	// source. Default 50ms.
	PollInterval time.Duration
}

type partStatus uint8

const (
	partPending partStatus = iota
	partInFlight
	partCompleted
	partFailed
)

// partState is one row of the chunk table. The table partitions
// [0, totalSize) exactly once; part sizes always sum to totalSize.
type partState struct {
	offset   int64
	size     int64
	status   partStatus
	uploaded *box.UploadedPart
}

type partOutcome struct {
	index int
	part  *box.UploadedPart
	err   error
}

// Uploader drives a chunked upload of a single file into an existing
// upload session: it partitions the content into parts, uploads up to
// Parallelism parts concurrently with bounded retry, computes the
// full-content digest, and commits once every part is confirmed.
//
// Progress and terminal outcomes are delivered on Events. Start is
// idempotent; Abort cancels cooperatively.
type Uploader struct {
	client    SessionClient
	session   *box.UploadSession
	totalSize int64
	opts      Options
	logger    *slog.Logger

	state atomic.Int32

	// mu guards the chunk table and digest. Mutation happens on the
	// coordinator goroutine; Abort clears the table from the caller's
	// goroutine, hence the lock rather than pure single-writer.
	mu       sync.Mutex
	source   Source
	parts    []partState
	nextIdx  int
	inFlight int
	digest   *digestAccumulator

	partDone  chan partOutcome
	abortCh   chan struct{}
	abortOnce sync.Once
	events    chan Event
}

// NewUploader creates an Uploader for an existing session. content may be a
// []byte, a string, an io.Reader (consumed incrementally, buffered up to
// Parallelism × PartSize bytes), or a prebuilt Source; any other type fails
// with ErrInvalidSource. totalSize is the full content length and must be
// known up front.
func NewUploader(
	client SessionClient, session *box.UploadSession, content any, totalSize int64, opts *Options,
) (*Uploader, error) {
	if client == nil {
		return nil, errors.New("chunked: nil client")
	}

	if session == nil {
		return nil, errors.New("chunked: nil session")
	}

	if session.PartSize <= 0 {
		return nil, fmt.Errorf("chunked: session %s has invalid part size %d", session.ID, session.PartSize)
	}

	if totalSize < 0 {
		return nil, fmt.Errorf("chunked: negative total size %d", totalSize)
	}

	o := Options{}
	if opts != nil {
		o = *opts
	}

	if o.Parallelism <= 0 {
		o.Parallelism = DefaultParallelism
	}

	if o.RetryPolicy == nil {
		o.RetryPolicy = defaultRetryPolicy
	}

	if o.Logger == nil {
		o.Logger = slog.Default()
	}

	if o.PollInterval <= 0 {
		o.PollInterval = defaultPollInterval
	}

	src, err := NewSource(content, int64(o.Parallelism)*session.PartSize)
	if err != nil {
		return nil, err
	}

	numParts := partCount(totalSize, session.PartSize)

	return &Uploader{
		client:    client,
		session:   session,
		totalSize: totalSize,
		opts:      o,
		logger:    o.Logger,
		source:    src,
		partDone:  make(chan partOutcome, numParts),
		abortCh:   make(chan struct{}),
		// One slot per part event plus the terminal event(s): a full
		// channel never blocks the coordinator.
		events: make(chan Event, numParts+2),
	}, nil
}

// Events returns the notification channel. It is buffered to hold every
// event the upload can produce; it is never closed.
func (u *Uploader) Events() <-chan Event {
	return u.events
}

// State returns the current lifecycle state.
func (u *Uploader) State() State {
	return State(u.state.Load())
}

// Start begins dispatching part uploads. It is idempotent: a second call,
// concurrent or sequential, is a no-op rather than a duplicate dispatch.
// Progress is reported on Events; Start does not block on the upload.
func (u *Uploader) Start(ctx context.Context) {
	if !u.state.CompareAndSwap(int32(StateIdle), int32(StateUploading)) {
		u.logger.Debug("start ignored",
			slog.String("session_id", u.session.ID),
			slog.String("state", u.State().String()),
		)

		return
	}

	u.mu.Lock()
	u.parts = partitionParts(u.totalSize, u.session.PartSize)
	u.digest = newDigestAccumulator()
	u.mu.Unlock()

	go u.run(ctx)
}

// Abort cancels the upload: scheduling stops, the chunk table is cleared,
// the source is released, and the remote session is deleted. In-flight part
// requests are not interrupted at the transport level; their completions
// are ignored. Exactly one of EventAborted or EventAbortFailed is emitted.
// Aborting after commit has begun returns an error.
func (u *Uploader) Abort(ctx context.Context) error {
	for {
		s := u.State()

		switch s {
		case StateIdle, StateUploading, StateCommitFailed:
		default:
			return fmt.Errorf("chunked: cannot abort upload in state %s", s)
		}

		if u.state.CompareAndSwap(int32(s), int32(StateAborting)) {
			break
		}
	}

	u.logger.Info("aborting upload", slog.String("session_id", u.session.ID))

	u.abortOnce.Do(func() { close(u.abortCh) })
	u.release()

	if err := u.client.AbortSession(ctx, u.session); err != nil {
		u.state.Store(int32(StateAbortFailed))
		u.logger.Error("abort failed",
			slog.String("session_id", u.session.ID),
			slog.String("error", err.Error()),
		)
		u.emit(Event{Type: EventAbortFailed, Err: err})

		return fmt.Errorf("chunked: aborting session %s: %w", u.session.ID, err)
	}

	u.state.Store(int32(StateAborted))
	u.emit(Event{Type: EventAborted})

	return nil
}

// run is the coordinator: the only goroutine that dispatches parts and
// consumes their outcomes, preserving the single-writer property for the
// chunk table.
func (u *Uploader) run(ctx context.Context) {
	u.logger.Info("chunked upload started",
		slog.String("session_id", u.session.ID),
		slog.Int64("total_size", u.totalSize),
		slog.Int64("part_size", u.session.PartSize),
		slog.Int("parts", partCount(u.totalSize, u.session.PartSize)),
		slog.Int("parallelism", u.opts.Parallelism),
	)

	poll := time.NewTimer(u.opts.PollInterval)
	poll.Stop()
	defer poll.Stop()

	for {
		if u.State() != StateUploading {
			return
		}

		stalled := u.dispatch(ctx)

		if u.readyToCommit() {
			u.commit(ctx)
			return
		}

		if stalled {
			poll.Reset(u.opts.PollInterval)
		}

		select {
		case <-u.abortCh:
			return
		case <-ctx.Done():
			u.logger.Warn("upload canceled",
				slog.String("session_id", u.session.ID),
				slog.String("error", ctx.Err().Error()),
			)

			return
		case o := <-u.partDone:
			u.handleOutcome(o)
		case <-poll.C:
		}
	}
}

// dispatch launches part uploads until the in-flight bound is reached or
// pending parts run out. Returns true if dispatching stalled on a
// not-ready streaming source.
func (u *Uploader) dispatch(ctx context.Context) bool {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.parts == nil {
		return false
	}

	for u.inFlight < u.opts.Parallelism && u.nextIdx < len(u.parts) {
		ps := &u.parts[u.nextIdx]

		data, err := u.source.ReadAt(ps.offset, ps.size)
		if errors.Is(err, ErrNotReady) {
			return true
		}

		if err == nil && int64(len(data)) != ps.size {
			err = fmt.Errorf("chunked: source ended early: got %d bytes at offset %d, want %d",
				len(data), ps.offset, ps.size)
		}

		if err == nil {
			err = u.digest.Add(ps.offset, data)
		}

		if err != nil {
			ps.status = partFailed
			u.nextIdx++
			u.logger.Error("part unreadable",
				slog.Int64("offset", ps.offset),
				slog.String("error", err.Error()),
			)
			u.emit(Event{Type: EventPartFailed, Offset: ps.offset, Err: err})

			continue
		}

		ps.status = partInFlight
		u.inFlight++
		idx := u.nextIdx
		u.nextIdx++

		go u.uploadPart(ctx, idx, ps.offset, data)
	}

	return false
}

// uploadPart uploads one part under the retry policy and reports the
// outcome to the coordinator. Transient failures (network, 408/429/5xx)
// are retried; anything else fails the part immediately.
func (u *Uploader) uploadPart(ctx context.Context, index int, offset int64, data []byte) {
	var (
		part    *box.UploadedPart
		attempt int
	)

	err := retry.Do(ctx, u.opts.RetryPolicy(), func(ctx context.Context) error {
		attempt++

		p, uerr := u.client.UploadPart(ctx, u.session, data, offset, u.totalSize)
		if uerr != nil {
			if box.IsTransient(uerr) {
				u.logger.Warn("part upload failed, retrying",
					slog.Int64("offset", offset),
					slog.Int("attempt", attempt),
					slog.String("error", uerr.Error()),
				)

				return retry.RetryableError(uerr)
			}

			return uerr
		}

		part = p

		return nil
	})

	select {
	case u.partDone <- partOutcome{index: index, part: part, err: err}:
	case <-u.abortCh:
	}
}

// handleOutcome records one part's terminal result in the chunk table.
// Outcomes arriving after abort are ignored.
func (u *Uploader) handleOutcome(o partOutcome) {
	u.mu.Lock()

	if u.parts == nil {
		u.mu.Unlock()
		return
	}

	ps := &u.parts[o.index]
	offset := ps.offset
	u.inFlight--

	if o.err != nil {
		ps.status = partFailed
		u.mu.Unlock()

		u.logger.Error("part failed permanently",
			slog.Int64("offset", offset),
			slog.String("error", o.err.Error()),
		)
		u.emit(Event{Type: EventPartFailed, Offset: offset, Err: o.err})

		return
	}

	ps.status = partCompleted
	ps.uploaded = o.part
	u.mu.Unlock()

	u.logger.Debug("part confirmed",
		slog.Int64("offset", offset),
		slog.String("part_id", o.part.PartID),
	)
	u.emit(Event{Type: EventPartUploaded, Offset: offset, Part: o.part})
}

// readyToCommit reports whether every part is confirmed. A zero-byte
// upload has no parts and commits immediately.
func (u *Uploader) readyToCommit() bool {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.parts == nil {
		return false
	}

	for i := range u.parts {
		if u.parts[i].status != partCompleted {
			return false
		}
	}

	return true
}

// commit finalizes the digest, builds the part list in ascending offset
// order, and invokes the remote commit exactly once. Commit failures are
// terminal; they are never retried here.
func (u *Uploader) commit(ctx context.Context) {
	if !u.state.CompareAndSwap(int32(StateUploading), int32(StateCommitting)) {
		return
	}

	u.mu.Lock()
	parts := make([]box.UploadedPart, 0, len(u.parts))
	for i := range u.parts {
		parts = append(parts, *u.parts[i].uploaded)
	}
	digest := u.digest.Sum()
	u.mu.Unlock()

	// The table is built in offset order, but the commit wire format
	// requires ascending offsets regardless of how the table was filled.
	sort.Slice(parts, func(i, j int) bool { return parts[i].Offset < parts[j].Offset })

	file, err := u.client.CommitSession(ctx, u.session, digest, parts, u.opts.FileAttributes)
	if err != nil {
		u.state.Store(int32(StateCommitFailed))
		u.logger.Error("commit failed",
			slog.String("session_id", u.session.ID),
			slog.String("error", err.Error()),
		)
		u.emit(Event{Type: EventUploadFailed, Err: err})

		return
	}

	u.state.Store(int32(StateCompleted))
	u.release()

	u.logger.Info("upload complete",
		slog.String("session_id", u.session.ID),
		slog.String("file_id", file.ID),
		slog.Int64("size", u.totalSize),
	)
	u.emit(Event{Type: EventUploadComplete, File: file})
}

// release clears the chunk table and drops the source reference.
func (u *Uploader) release() {
	u.mu.Lock()
	defer u.mu.Unlock()

	u.parts = nil
	u.digest = nil

	if u.source != nil {
		if err := u.source.Close(); err != nil {
			u.logger.Warn("closing source", slog.String("error", err.Error()))
		}

		u.source = nil
	}
}

// emit delivers an event without blocking. The channel is sized for every
// event an upload can produce, so a full channel means the same terminal
// event raced twice; dropping is safe.
func (u *Uploader) emit(e Event) {
	select {
	case u.events <- e:
	default:
		u.logger.Warn("event dropped", slog.String("type", e.Type.String()))
	}
}

// defaultRetryPolicy builds the bounded per-part backoff: 5 attempts,
// exponential from 500ms capped at 10s, ±25% jitter.
func defaultRetryPolicy() retry.Backoff {
	b := retry.NewExponential(defaultRetryBase)
	b = retry.WithCappedDuration(defaultRetryCap, b)
	b = retry.WithJitterPercent(defaultRetryJitterPct, b)
	b = retry.WithMaxRetries(defaultRetryAttempts-1, b)

	return b
}

// partCount returns ceil(totalSize / partSize).
func partCount(totalSize, partSize int64) int {
	return int((totalSize + partSize - 1) / partSize)
}

// partitionParts splits [0, totalSize) into contiguous, non-overlapping
// parts. Every part has size partSize except the last, which carries the
// remainder; sizes always sum to totalSize.
func partitionParts(totalSize, partSize int64) []partState {
	n := partCount(totalSize, partSize)
	parts := make([]partState, 0, n)

	for offset := int64(0); offset < totalSize; offset += partSize {
		size := partSize
		if offset+size > totalSize {
			size = totalSize - offset
		}

		parts = append(parts, partState{offset: offset, size: size})
	}

	return parts
}
