package chunked

import (
	"github.com/go-box/box-go/box"
)

// EventType identifies a notification emitted on the Uploader's event
// channel.
type EventType int

const (
	// EventPartUploaded reports a single part confirmed by the server.
	EventPartUploaded EventType = iota + 1
	// EventPartFailed reports a part whose retries are exhausted. The
	// upload is not aborted automatically; the caller decides.
	EventPartFailed
	// EventUploadComplete is terminal: the session committed and File
	// carries the resulting resource.
	EventUploadComplete
	// EventUploadFailed is terminal: the commit call failed. Commits are
	// never retried automatically.
	EventUploadFailed
	// EventAborted is terminal: the remote session was discarded.
	EventAborted
	// EventAbortFailed is terminal: the remote abort call failed and the
	// session may remain dangling until its natural expiry.
	EventAbortFailed
)

func (t EventType) String() string {
	switch t {
	case EventPartUploaded:
		return "part_uploaded"
	case EventPartFailed:
		return "part_failed"
	case EventUploadComplete:
		return "upload_complete"
	case EventUploadFailed:
		return "upload_failed"
	case EventAborted:
		return "aborted"
	case EventAbortFailed:
		return "abort_failed"
	default:
		return "unknown"
	}
}

// Event is a single notification from an Uploader. Offset is set for
// per-part events; Part, File and Err are set depending on Type.
type Event struct {
	Type   EventType
	Offset int64
	Part   *box.UploadedPart
	File   *box.File
	Err    error
}

// State is the lifecycle state of an Uploader.
type State int32

const (
	StateIdle State = iota
	StateUploading
	StateCommitting
	StateCompleted
	StateCommitFailed
	StateAborting
	StateAborted
	StateAbortFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateUploading:
		return "uploading"
	case StateCommitting:
		return "committing"
	case StateCompleted:
		return "completed"
	case StateCommitFailed:
		return "commit_failed"
	case StateAborting:
		return "aborting"
	case StateAborted:
		return "aborted"
	case StateAbortFailed:
		return "abort_failed"
	default:
		return "unknown"
	}
}
