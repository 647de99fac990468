package box

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
)

type preflightRequest struct {
	Name   string `json:"name"`
	Parent struct {
		ID string `json:"id"`
	} `json:"parent"`
	Size int64 `json:"size"`
}

// GetFile fetches file metadata by ID.
func (c *Client) GetFile(ctx context.Context, fileID string) (*File, error) {
	resp, err := c.Do(ctx, http.MethodGet, c.apiBaseURL+"/files/"+fileID, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var f File
	if decErr := json.NewDecoder(resp.Body).Decode(&f); decErr != nil {
		return nil, fmt.Errorf("box: decoding file response: %w", decErr)
	}

	return &f, nil
}

// PreflightCheck verifies that a file of the given name and size can be
// created in the folder, catching name conflicts and quota errors before
// any bytes are transferred. A name conflict surfaces as ErrConflict.
func (c *Client) PreflightCheck(ctx context.Context, folderID, name string, size int64) error {
	c.logger.Debug("preflight check",
		slog.String("folder_id", folderID),
		slog.String("name", name),
		slog.Int64("size", size),
	)

	pr := preflightRequest{Name: name, Size: size}
	pr.Parent.ID = folderID

	body, err := json.Marshal(pr)
	if err != nil {
		return fmt.Errorf("box: marshaling preflight request: %w", err)
	}

	resp, err := c.Do(ctx, http.MethodOptions, c.apiBaseURL+"/files/content", body)
	if err != nil {
		return err
	}
	resp.Body.Close()

	return nil
}
