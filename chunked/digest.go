package chunked

import (
	"crypto/sha1" //nolint:gosec // SHA-1 is mandated by the upload-session wire protocol
	"encoding/base64"
	"fmt"
	"hash"
)

// digestAccumulator computes the full-content SHA-1 fed strictly in
// ascending offset order. Parts complete uploading in arbitrary order under
// parallelism, so the hash is fed when part bytes are carved from the
// source — carving always happens in offset order — never from
// upload-completion callbacks.
type digestAccumulator struct {
	h    hash.Hash
	next int64 // expected offset of the next write
}

func newDigestAccumulator() *digestAccumulator {
	return &digestAccumulator{h: sha1.New()} //nolint:gosec // protocol-mandated digest
}

// Add feeds the bytes at the given offset into the hash. Writes must be
// contiguous and in ascending order; anything else is a scheduling bug.
func (d *digestAccumulator) Add(offset int64, p []byte) error {
	if offset != d.next {
		return fmt.Errorf("chunked: digest fed out of order: offset %d, expected %d", offset, d.next)
	}

	d.h.Write(p) // hash.Hash.Write never returns an error
	d.next += int64(len(p))

	return nil
}

// Sum finalizes the digest as the base64-encoded SHA-1 of all content.
func (d *digestAccumulator) Sum() string {
	return base64.StdEncoding.EncodeToString(d.h.Sum(nil))
}
