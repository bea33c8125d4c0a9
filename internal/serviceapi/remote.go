package serviceapi

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

	"foreman/internal/model"
)

// RemoteCore forwards every operation to the HTTP API of `foreman serve`.
type RemoteCore struct {
	baseURL      string
	client       *http.Client
	pollInterval time.Duration
}

func NewRemoteCore(baseURL string, timeout time.Duration) *RemoteCore {
	baseURL = strings.TrimSpace(baseURL)
	baseURL = strings.TrimRight(baseURL, "/")
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &RemoteCore{
		baseURL:      baseURL,
		client:       &http.Client{Timeout: timeout},
		pollInterval: 2 * time.Second,
	}
}

var _ Core = (*RemoteCore)(nil)

func (r *RemoteCore) Shutdown() {}

func (r *RemoteCore) Health(ctx context.Context) error {
	var response struct {
		Status string `json:"status"`
	}
	if err := r.doJSON(ctx, http.MethodGet, "/api/v1/health", nil, nil, &response); err != nil {
		return err
	}
	if strings.TrimSpace(strings.ToLower(response.Status)) != "ok" {
		return fmt.Errorf("server health is %q", response.Status)
	}
	return nil
}

func (r *RemoteCore) Plan(ctx context.Context, pattern string) (PlanPreview, error) {
	var response struct {
		Plan PlanPreview `json:"plan"`
	}
	payload := map[string]string{"pattern": strings.TrimSpace(pattern)}
	if err := r.doJSON(ctx, http.MethodPost, "/api/v1/plan", nil, payload, &response); err != nil {
		return PlanPreview{}, err
	}
	return response.Plan, nil
}

func (r *RemoteCore) Start(ctx context.Context, options StartOptions) (string, error) {
	var response struct {
		SessionID string `json:"session_id"`
	}
	if err := r.doJSON(ctx, http.MethodPost, "/api/v1/sessions", nil, options, &response); err != nil {
		return "", err
	}
	return response.SessionID, nil
}

func (r *RemoteCore) Status(ctx context.Context, sessionID string) (StatusReport, error) {
	var response struct {
		Status StatusReport `json:"status"`
	}
	if err := r.doJSON(ctx, http.MethodGet, sessionPath(sessionID, ""), nil, nil, &response); err != nil {
		return StatusReport{}, err
	}
	return response.Status, nil
}

func (r *RemoteCore) Sessions(ctx context.Context) ([]model.Session, error) {
	var response struct {
		Sessions []model.Session `json:"sessions"`
	}
	if err := r.doJSON(ctx, http.MethodGet, "/api/v1/sessions", nil, nil, &response); err != nil {
		return nil, err
	}
	return response.Sessions, nil
}

func (r *RemoteCore) Pause(ctx context.Context, sessionID string) error {
	return r.doJSON(ctx, http.MethodPost, sessionPath(sessionID, "pause"), nil, map[string]any{}, nil)
}

func (r *RemoteCore) Resume(ctx context.Context, sessionID string) error {
	return r.doJSON(ctx, http.MethodPost, sessionPath(sessionID, "resume"), nil, map[string]any{}, nil)
}

func (r *RemoteCore) Stop(ctx context.Context, sessionID string) error {
	return r.doJSON(ctx, http.MethodPost, sessionPath(sessionID, "stop"), nil, map[string]any{}, nil)
}

func (r *RemoteCore) Unblock(ctx context.Context, sessionID string, action model.UnblockAction) error {
	payload := map[string]string{"action": string(action)}
	return r.doJSON(ctx, http.MethodPost, sessionPath(sessionID, "unblock"), nil, payload, nil)
}

func (r *RemoteCore) StuckAgents(ctx context.Context, sessionID string) ([]model.StuckAgentDetection, error) {
	var response struct {
		Detections []model.StuckAgentDetection `json:"detections"`
	}
	if err := r.doJSON(ctx, http.MethodGet, sessionPath(sessionID, "stuck"), nil, nil, &response); err != nil {
		return nil, err
	}
	return response.Detections, nil
}

// Wait polls the session status until the server reports no running loop.
func (r *RemoteCore) Wait(ctx context.Context, sessionID string) error {
	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()
	for {
		report, err := r.Status(ctx, sessionID)
		if err != nil {
			return err
		}
		if !report.Running {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func sessionPath(sessionID string, action string) string {
	path := "/api/v1/sessions/" + url.PathEscape(strings.TrimSpace(sessionID))
	if action != "" {
		path += "/" + action
	}
	return path
}

func (r *RemoteCore) doJSON(ctx context.Context, method string, path string, query map[string]string, body any, out any) error {
	if ctx == nil {
		ctx = context.Background()
	}
	fullURL := r.baseURL + path
	parsed, err := url.Parse(fullURL)
	if err != nil {
		return err
	}
	if len(query) > 0 {
		values := parsed.Query()
		for key, value := range query {
			values.Set(key, value)
		}
		parsed.RawQuery = values.Encode()
	}

	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(encoded)
	}
	request, err := http.NewRequestWithContext(ctx, method, parsed.String(), reader)
	if err != nil {
		return err
	}
	request.Header.Set("Accept", "application/json")
	if method == http.MethodPost || method == http.MethodPut || method == http.MethodPatch {
		request.Header.Set("Content-Type", "application/json")
	}
	response, err := r.client.Do(request)
	if err != nil {
		return err
	}
	defer response.Body.Close()
	if response.StatusCode < 200 || response.StatusCode >= 300 {
		payload, _ := io.ReadAll(io.LimitReader(response.Body, 4096))
		return decodeRemoteError(response.StatusCode, payload)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(response.Body).Decode(out)
}

func decodeRemoteError(status int, payload []byte) error {
	var wrapper struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(payload, &wrapper); err == nil && strings.TrimSpace(wrapper.Error.Code) != "" {
		return &RemoteError{Status: status, Code: wrapper.Error.Code, Message: strings.TrimSpace(wrapper.Error.Message)}
	}
	return &RemoteError{Status: status, Message: strings.TrimSpace(string(payload))}
}

type RemoteError struct {
	Status  int
	Code    string
	Message string
}

func (e *RemoteError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("http %d: %s", e.Status, e.Message)
	}
	return fmt.Sprintf("%s (http %d): %s", e.Code, e.Status, e.Message)
}
