package box

import (
	"bytes"
	"context"
	"crypto/sha1" //nolint:gosec // SHA-1 is mandated by the upload-session wire protocol
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
)

type commitRequest struct {
	Parts      []UploadedPart  `json:"parts"`
	Attributes *FileAttributes `json:"attributes,omitempty"`
}

type uploadPartResponse struct {
	Part UploadedPart `json:"part"`
}

type commitResponse struct {
	Entries    []File `json:"entries"`
	TotalCount int    `json:"total_count"`
}

// sha1Base64 returns the base64-encoded SHA-1 of data, the payload format
// of the protocol's Digest header.
func sha1Base64(data []byte) string {
	sum := sha1.Sum(data) //nolint:gosec // protocol-mandated digest

	return base64.StdEncoding.EncodeToString(sum[:])
}

// UploadPart uploads one part of a chunked upload session. offset is the
// byte position of the part within the file, totalSize the full file size.
// Single-shot: the part scheduler owns the retry policy, so this method
// never retries on its own.
func (c *Client) UploadPart(
	ctx context.Context, session *UploadSession, data []byte, offset, totalSize int64,
) (*UploadedPart, error) {
	c.logger.Debug("uploading part",
		slog.String("session_id", session.ID),
		slog.Int64("offset", offset),
		slog.Int("length", len(data)),
		slog.Int64("total", totalSize),
	)

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, session.Endpoints.UploadPart, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("box: creating part upload request: %w", err)
	}

	bearer, err := c.bearer()
	if err != nil {
		return nil, fmt.Errorf("box: %w", err)
	}

	req.Header.Set("Authorization", bearer)
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("Digest", "sha="+sha1Base64(data))
	req.Header.Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", offset, offset+int64(len(data))-1, totalSize))
	req.ContentLength = int64(len(data))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("box: part upload request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		body, _ := io.ReadAll(resp.Body) //nolint:errcheck // best-effort read for error message

		return nil, &APIError{
			StatusCode: resp.StatusCode,
			RequestID:  resp.Header.Get("box-request-id"),
			Message:    string(body),
			Err:        classifyStatus(resp.StatusCode),
		}
	}

	var upr uploadPartResponse
	if decErr := json.NewDecoder(resp.Body).Decode(&upr); decErr != nil {
		return nil, fmt.Errorf("box: decoding part upload response: %w", decErr)
	}

	c.logger.Debug("part uploaded",
		slog.String("part_id", upr.Part.PartID),
		slog.Int64("offset", upr.Part.Offset),
	)

	return &upr.Part, nil
}

// CommitSession assembles the uploaded parts into the final file. digest is
// the base64-encoded SHA-1 of the entire file content; parts must be sorted
// by ascending offset. A 202 response surfaces as ErrPartsProcessing and is
// never retried here — re-committing is the caller's decision.
func (c *Client) CommitSession(
	ctx context.Context, session *UploadSession, digest string, parts []UploadedPart, attrs *FileAttributes,
) (*File, error) {
	c.logger.Info("committing upload session",
		slog.String("session_id", session.ID),
		slog.Int("parts", len(parts)),
	)

	body, err := json.Marshal(commitRequest{Parts: parts, Attributes: attrs})
	if err != nil {
		return nil, fmt.Errorf("box: marshaling commit request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, session.Endpoints.Commit, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("box: creating commit request: %w", err)
	}

	bearer, err := c.bearer()
	if err != nil {
		return nil, fmt.Errorf("box: %w", err)
	}

	req.Header.Set("Authorization", bearer)
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Digest", "sha="+digest)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("box: commit request failed: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusAccepted:
		// Parts are still being assembled server-side.
		if _, drainErr := io.Copy(io.Discard, resp.Body); drainErr != nil {
			return nil, fmt.Errorf("box: draining commit response body: %w", drainErr)
		}

		retryAfter := resp.Header.Get("Retry-After")
		c.logger.Warn("commit deferred: parts still processing",
			slog.String("session_id", session.ID),
			slog.String("retry_after", retryAfter),
		)

		return nil, fmt.Errorf("box: commit of session %s deferred (Retry-After: %s): %w",
			session.ID, retryAfter, ErrPartsProcessing)

	case resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices:
		errBody, _ := io.ReadAll(resp.Body) //nolint:errcheck // best-effort read for error message

		return nil, &APIError{
			StatusCode: resp.StatusCode,
			RequestID:  resp.Header.Get("box-request-id"),
			Message:    string(errBody),
			Err:        classifyStatus(resp.StatusCode),
		}
	}

	var cr commitResponse
	if decErr := json.NewDecoder(resp.Body).Decode(&cr); decErr != nil {
		return nil, fmt.Errorf("box: decoding commit response: %w", decErr)
	}

	if len(cr.Entries) == 0 {
		return nil, fmt.Errorf("box: commit of session %s returned no entries", session.ID)
	}

	file := cr.Entries[0]

	c.logger.Info("upload session committed",
		slog.String("session_id", session.ID),
		slog.String("file_id", file.ID),
		slog.Int64("size", file.Size),
	)

	return &file, nil
}
