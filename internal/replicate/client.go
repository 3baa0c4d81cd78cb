// Package replicate runs the background-removal model on Replicate.
package replicate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/digkill/CutoutStore/internal/config"
)

type Client struct {
	token      string
	baseURL    string
	version    string
	httpClient *http.Client
	log        *slog.Logger

	pollInterval time.Duration
	maxAttempts  int
}

type prediction struct {
	ID     string          `json:"id"`
	Status string          `json:"status"`
	Output json.RawMessage `json:"output"`
	Error  any             `json:"error"`
	URLs   struct {
		Get string `json:"get"`
	} `json:"urls"`
}

func NewClient(cfg config.Config, log *slog.Logger) *Client {
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = time.Minute
	}
	return &Client{
		token:        cfg.ReplicateAPIToken,
		baseURL:      strings.TrimRight(cfg.ReplicateBaseURL, "/"),
		version:      cfg.ReplicateVersion,
		httpClient:   &http.Client{Timeout: timeout},
		log:          log,
		pollInterval: 2 * time.Second,
		maxAttempts:  60,
	}
}

// RemoveBackground runs the model on the image at imageURL and returns the URL of the cutout.
func (c *Client) RemoveBackground(ctx context.Context, imageURL string) (string, error) {
	pred, err := c.createPrediction(ctx, imageURL)
	if err != nil {
		return "", fmt.Errorf("create prediction: %w", err)
	}
	return c.poll(ctx, pred)
}

func (c *Client) createPrediction(ctx context.Context, imageURL string) (*prediction, error) {
	body, err := json.Marshal(map[string]any{
		"version": c.version,
		"input":   map[string]string{"image": imageURL},
	})
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/predictions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	var pred prediction
	if err := c.do(req, &pred); err != nil {
		return nil, err
	}
	if pred.ID == "" || pred.URLs.Get == "" {
		return nil, fmt.Errorf("prediction response missing id or urls.get")
	}
	c.log.Info("replicate prediction created", "prediction_id", pred.ID, "status", pred.Status)
	return &pred, nil
}

func (c *Client) poll(ctx context.Context, pred *prediction) (string, error) {
	for attempt := 0; attempt < c.maxAttempts; attempt++ {
		switch pred.Status {
		case "succeeded":
			out, err := outputURL(pred.Output)
			if err != nil {
				return "", err
			}
			c.log.Info("replicate prediction succeeded", "prediction_id", pred.ID, "attempt", attempt+1)
			return out, nil
		case "failed", "canceled":
			c.log.Error("replicate prediction failed", "prediction_id", pred.ID, "status", pred.Status, "error", pred.Error)
			return "", fmt.Errorf("prediction %s %s: %v", pred.ID, pred.Status, pred.Error)
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(c.pollInterval):
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, pred.URLs.Get, nil)
		if err != nil {
			return "", fmt.Errorf("new request: %w", err)
		}
		next := &prediction{}
		if err := c.do(req, next); err != nil {
			return "", fmt.Errorf("get prediction: %w", err)
		}
		if next.URLs.Get == "" {
			next.URLs.Get = pred.URLs.Get
		}
		pred = next
	}
	return "", fmt.Errorf("prediction %s timed out after %d attempts", pred.ID, c.maxAttempts)
}

func (c *Client) do(req *http.Request, out any) error {
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("replicate request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response body: %w", err)
	}
	if resp.StatusCode >= 300 {
		c.log.Error("replicate request failed", "status", resp.StatusCode, "url", req.URL.String(), "body", truncateBody(raw))
		return fmt.Errorf("replicate error: status=%d body=%s", resp.StatusCode, truncateBody(raw))
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode response: %w (body=%s)", err, truncateBody(raw))
	}
	return nil
}

// outputURL accepts both a single URL and a list of URLs.
func outputURL(raw json.RawMessage) (string, error) {
	var single string
	if err := json.Unmarshal(raw, &single); err == nil && single != "" {
		return single, nil
	}
	var list []string
	if err := json.Unmarshal(raw, &list); err == nil && len(list) > 0 && list[0] != "" {
		return list[0], nil
	}
	return "", fmt.Errorf("prediction output has no url: %s", truncateBody(raw))
}

// Fetch downloads a result produced by RemoveBackground.
func (c *Client) Fetch(ctx context.Context, url string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", fmt.Errorf("new request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("fetch output: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, "", fmt.Errorf("fetch output: status=%d", resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("read output: %w", err)
	}
	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = http.DetectContentType(data)
	}
	return data, contentType, nil
}

func truncateBody(body []byte) string {
	const limit = 512
	s := strings.TrimSpace(string(body))
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "…"
}
