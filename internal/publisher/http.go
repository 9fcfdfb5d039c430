package publisher

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

const maxResponseBytes = 1 << 20

type apiError struct {
	Message string `json:"message"`
	Code    int    `json:"code,omitempty"`
}

// postJSON sends body and returns the "id" of the created object.
func postJSON(ctx context.Context, client *http.Client, url string, header http.Header, body any, op string) (string, error) {
	b, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("%s: marshal request: %w", op, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		return "", fmt.Errorf("%s: build request: %w", op, err)
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return "", fmt.Errorf("%s: read response: %w", op, err)
	}

	var result struct {
		ID    string    `json:"id"`
		Error *apiError `json:"error"`
	}
	decodeErr := json.Unmarshal(raw, &result)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := strings.TrimSpace(string(raw))
		if decodeErr == nil && result.Error != nil {
			msg = result.Error.Message
		}
		return "", &RemoteError{Op: op, StatusCode: resp.StatusCode, Message: msg}
	}
	if decodeErr != nil {
		return "", &RemoteError{Op: op, StatusCode: resp.StatusCode, Message: "undecodable response"}
	}
	if result.Error != nil {
		return "", &RemoteError{Op: op, StatusCode: resp.StatusCode, Message: result.Error.Message}
	}
	if result.ID == "" {
		return "", &RemoteError{Op: op, StatusCode: resp.StatusCode, Message: "response carried no id"}
	}
	return result.ID, nil
}
