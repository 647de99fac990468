package box

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
)

type createSessionRequest struct {
	FolderID string `json:"folder_id"`
	FileName string `json:"file_name"`
	FileSize int64  `json:"file_size"`
}

// CreateUploadSession creates a chunked upload session for a new file in the
// given folder. The server rejects sizes below its chunked-upload minimum
// (currently 20 MiB); use PreflightCheck plus a simple upload for small files.
func (c *Client) CreateUploadSession(ctx context.Context, folderID, name string, size int64) (*UploadSession, error) {
	c.logger.Info("creating upload session",
		slog.String("folder_id", folderID),
		slog.String("name", name),
		slog.Int64("size", size),
	)

	body, err := json.Marshal(createSessionRequest{
		FolderID: folderID,
		FileName: name,
		FileSize: size,
	})
	if err != nil {
		return nil, fmt.Errorf("box: marshaling session request: %w", err)
	}

	resp, err := c.Do(ctx, http.MethodPost, c.uploadBaseURL+"/files/upload_sessions", body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	return c.parseSessionResponse(resp)
}

// SessionStatus fetches the current session counters (parts processed so
// far, expiry). The chunked uploader does not depend on this; it exists for
// callers inspecting a session out of band.
func (c *Client) SessionStatus(ctx context.Context, session *UploadSession) (*UploadSession, error) {
	c.logger.Debug("querying upload session status", slog.String("session_id", session.ID))

	resp, err := c.Do(ctx, http.MethodGet, session.Endpoints.Status, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	return c.parseSessionResponse(resp)
}

// ListParts returns a single page of parts confirmed by the server for the
// session. No pagination iterator is provided; callers page via offset/limit.
func (c *Client) ListParts(ctx context.Context, session *UploadSession, offset, limit int) (*PartList, error) {
	u := fmt.Sprintf("%s?%s", session.Endpoints.ListParts, url.Values{
		"offset": {fmt.Sprint(offset)},
		"limit":  {fmt.Sprint(limit)},
	}.Encode())

	resp, err := c.Do(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var list PartList
	if decErr := json.NewDecoder(resp.Body).Decode(&list); decErr != nil {
		return nil, fmt.Errorf("box: decoding part list: %w", decErr)
	}

	return &list, nil
}

// AbortSession discards an upload session and all parts uploaded to it.
// Single-shot: an abort is never retried automatically — on failure the
// session stays dangling server-side until its natural expiry.
func (c *Client) AbortSession(ctx context.Context, session *UploadSession) error {
	c.logger.Info("aborting upload session", slog.String("session_id", session.ID))

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, session.Endpoints.Abort, http.NoBody)
	if err != nil {
		return fmt.Errorf("box: creating abort request: %w", err)
	}

	bearer, err := c.bearer()
	if err != nil {
		return fmt.Errorf("box: %w", err)
	}

	req.Header.Set("Authorization", bearer)
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("box: abort session request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNoContent {
		body, _ := io.ReadAll(resp.Body) //nolint:errcheck // best-effort read for error message

		return &APIError{
			StatusCode: resp.StatusCode,
			RequestID:  resp.Header.Get("box-request-id"),
			Message:    string(body),
			Err:        classifyStatus(resp.StatusCode),
		}
	}

	// Drain body to reuse connection.
	if _, drainErr := io.Copy(io.Discard, resp.Body); drainErr != nil {
		return fmt.Errorf("box: draining abort response body: %w", drainErr)
	}

	c.logger.Debug("upload session aborted", slog.String("session_id", session.ID))

	return nil
}

// parseSessionResponse decodes an upload session object from a response body.
func (c *Client) parseSessionResponse(resp *http.Response) (*UploadSession, error) {
	var session UploadSession
	if decErr := json.NewDecoder(resp.Body).Decode(&session); decErr != nil {
		return nil, fmt.Errorf("box: decoding upload session response: %w", decErr)
	}

	c.logger.Debug("upload session",
		slog.String("session_id", session.ID),
		slog.Int64("part_size", session.PartSize),
		slog.Int("total_parts", session.TotalParts),
		slog.Time("expires", session.SessionExpiresAt),
	)

	return &session, nil
}
