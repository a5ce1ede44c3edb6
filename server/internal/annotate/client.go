package annotate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/sony/gobreaker"
)

// Client is the remote annotation store.
type Client interface {
	Create(ctx context.Context, a Annotation) (int64, error)
	SetEnd(ctx context.Context, id int64, end time.Time) error
}

// GrafanaClient talks to a Grafana-compatible annotations API.
type GrafanaClient struct {
	baseURL string
	token   string
	http    *http.Client
	breaker *gobreaker.CircuitBreaker
}

// NewGrafanaClient returns a client for the API rooted at baseURL.
func NewGrafanaClient(baseURL, token string, timeout time.Duration) *GrafanaClient {
	return &GrafanaClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: timeout},
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "annotations",
			MaxRequests: 1,
			Interval:    time.Minute,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.Requests >= 5 && counts.TotalFailures*2 >= counts.Requests
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				slog.Warn("annotate: circuit breaker state change",
					"breaker", name, "from", from.String(), "to", to.String())
			},
		}),
	}
}

type createRequest struct {
	DashboardUID string   `json:"dashboardUID,omitempty"`
	PanelID      int64    `json:"panelId,omitempty"`
	Time         int64    `json:"time"`
	TimeEnd      int64    `json:"timeEnd,omitempty"`
	Tags         []string `json:"tags,omitempty"`
	Text         string   `json:"text"`
}

type createResponse struct {
	ID      int64  `json:"id"`
	Message string `json:"message"`
}

// Create posts a new annotation and returns its remote id.
func (c *GrafanaClient) Create(ctx context.Context, a Annotation) (int64, error) {
	req := createRequest{
		DashboardUID: a.DashboardID,
		PanelID:      a.PanelID,
		Time:         a.StartTime.UnixMilli(),
		Tags:         a.Tags,
		Text:         a.Text,
	}
	if a.EndTime != nil {
		req.TimeEnd = a.EndTime.UnixMilli()
	}

	out, err := c.breaker.Execute(func() (interface{}, error) {
		var resp createResponse
		if err := c.do(ctx, http.MethodPost, "/api/annotations", req, &resp); err != nil {
			return nil, err
		}
		return resp.ID, nil
	})
	if err != nil {
		return 0, fmt.Errorf("annotate: create: %w", err)
	}
	return out.(int64), nil
}

// SetEnd closes the annotation id at end.
func (c *GrafanaClient) SetEnd(ctx context.Context, id int64, end time.Time) error {
	body := map[string]int64{"timeEnd": end.UnixMilli()}
	_, err := c.breaker.Execute(func() (interface{}, error) {
		return nil, c.do(ctx, http.MethodPatch, "/api/annotations/"+strconv.FormatInt(id, 10), body, nil)
	})
	if err != nil {
		return fmt.Errorf("annotate: patch %d: %w", id, err)
	}
	return nil
}

func (c *GrafanaClient) do(ctx context.Context, method, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("http %s: %w", method, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
