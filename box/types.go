package box

import "time"

// UploadSession is a server-side handle for an in-progress chunked upload.
// The server chooses the part size and the per-operation endpoints; the
// session is immutable for the lifetime of an upload and expires at
// SessionExpiresAt if never committed or aborted.
type UploadSession struct {
	ID                string           `json:"id"`
	Type              string           `json:"type"`
	PartSize          int64            `json:"part_size"`
	TotalParts        int              `json:"total_parts"`
	NumPartsProcessed int              `json:"num_parts_processed"`
	SessionExpiresAt  time.Time        `json:"session_expires_at"`
	Endpoints         SessionEndpoints `json:"session_endpoints"`
}

// SessionEndpoints holds the pre-resolved URLs for upload session operations.
type SessionEndpoints struct {
	UploadPart string `json:"upload_part"`
	Commit     string `json:"commit"`
	Abort      string `json:"abort"`
	ListParts  string `json:"list_parts"`
	Status     string `json:"status"`
}

// UploadedPart is a server-confirmed part of a chunked upload. The SHA1
// field is the hex digest of the part content as computed by the server.
type UploadedPart struct {
	PartID string `json:"part_id"`
	Offset int64  `json:"offset"`
	Size   int64  `json:"size"`
	SHA1   string `json:"sha1"`
}

// PartList is a single page of uploaded parts for a session.
type PartList struct {
	Entries    []UploadedPart `json:"entries"`
	Offset     int            `json:"offset"`
	Limit      int            `json:"limit"`
	TotalCount int            `json:"total_count"`
}

// File is the durable resource produced by committing an upload session.
type File struct {
	ID         string    `json:"id"`
	Type       string    `json:"type"`
	Name       string    `json:"name"`
	Size       int64     `json:"size"`
	Etag       string    `json:"etag"`
	SHA1       string    `json:"sha1"`
	CreatedAt  time.Time `json:"created_at"`
	ModifiedAt time.Time `json:"modified_at"`
}

// FileAttributes are optional metadata applied to the file at commit time.
type FileAttributes struct {
	Name              string     `json:"name,omitempty"`
	ContentCreatedAt  *time.Time `json:"content_created_at,omitempty"`
	ContentModifiedAt *time.Time `json:"content_modified_at,omitempty"`
}
