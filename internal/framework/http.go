package framework

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"journeyline/internal/domain"
)

const DefaultHTTPTimeout = 180 * time.Second

// HTTPExecutor delegates a framework to a remote service via
// POST {BaseURL}/frameworks/{name}.
type HTTPExecutor struct {
	BaseURL string
	Token   string
	Client  *http.Client
}

func NewHTTPExecutor(baseURL, token string, timeout time.Duration) HTTPExecutor {
	if timeout <= 0 {
		timeout = DefaultHTTPTimeout
	}
	return HTTPExecutor{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Token:   token,
		Client:  &http.Client{Timeout: timeout},
	}
}

type executeRequest struct {
	Framework string                  `json:"framework"`
	Context   domain.StrategicContext `json:"context"`
}

type executeResponse struct {
	Data  map[string]any `json:"data"`
	Error string         `json:"error,omitempty"`
}

func (e HTTPExecutor) Execute(ctx context.Context, name string, c domain.StrategicContext) (map[string]any, error) {
	if e.BaseURL == "" {
		return nil, fmt.Errorf("framework %s: executor base url not configured", name)
	}
	body, err := json.Marshal(executeRequest{Framework: name, Context: c})
	if err != nil {
		return nil, err
	}
	endpoint := e.BaseURL + "/frameworks/" + url.PathEscape(name)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if e.Token != "" {
		req.Header.Set("Authorization", "Bearer "+e.Token)
	}
	client := e.Client
	if client == nil {
		client = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("framework %s: %w", name, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, fmt.Errorf("framework %s: read response: %w", name, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("framework %s: executor returned %d: %s", name, resp.StatusCode, snippet(raw))
	}
	var out executeResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("framework %s: invalid response from executor: %w", name, err)
	}
	if out.Error != "" {
		return nil, fmt.Errorf("framework %s: %s", name, out.Error)
	}
	if out.Data == nil {
		return nil, fmt.Errorf("framework %s: invalid response from executor: missing data", name)
	}
	return out.Data, nil
}

func snippet(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > 200 {
		s = s[:200] + "..."
	}
	return s
}
