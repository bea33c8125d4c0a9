package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"foreman/internal/controller"
	"foreman/internal/eventbus"
	"foreman/internal/model"
	"foreman/internal/planner"
	"foreman/internal/serviceapi"
	"foreman/internal/store"
)

func TestHandleStartSession(t *testing.T) {
	var got serviceapi.StartOptions
	core := &mockCore{
		startFn: func(_ context.Context, options serviceapi.StartOptions) (string, error) {
			got = options
			return "sess-1", nil
		},
	}
	handler := newTestRuntime(core).routes()

	body := `{"pattern":"epics/**/*.md","config":{"max_agents":3,"auto_merge":true}}`
	response := serve(handler, http.MethodPost, "/api/v1/sessions", body)
	if response.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", response.Code, response.Body.String())
	}
	var payload struct {
		SessionID string `json:"session_id"`
	}
	if err := json.Unmarshal(response.Body.Bytes(), &payload); err != nil {
		t.Fatalf("unmarshal start response: %v", err)
	}
	if payload.SessionID != "sess-1" {
		t.Fatalf("expected sess-1, got %q", payload.SessionID)
	}
	if got.Pattern != "epics/**/*.md" || got.Config.MaxAgents != 3 || !got.Config.AutoMerge {
		t.Fatalf("unexpected start options: %+v", got)
	}
	if response.Header().Get("X-Request-ID") == "" {
		t.Fatalf("expected a request id header")
	}
}

func TestHandleStartSessionRejectsBadBodies(t *testing.T) {
	handler := newTestRuntime(&mockCore{}).routes()

	response := serve(handler, http.MethodPost, "/api/v1/sessions", `{"pattern":"epics/*.md","surprise":true}`)
	assertAPIError(t, response, http.StatusBadRequest, "invalid_json")

	response = serve(handler, http.MethodPost, "/api/v1/sessions", `{"pattern":"  "}`)
	assertAPIError(t, response, http.StatusBadRequest, "invalid_pattern")
}

func TestHandleStartSessionReportsBlockedSession(t *testing.T) {
	core := &mockCore{
		startFn: func(context.Context, serviceapi.StartOptions) (string, error) {
			return "sess-7", fmt.Errorf("plan: %w", planner.ErrCyclicDependency)
		},
	}
	response := serve(newTestRuntime(core).routes(), http.MethodPost, "/api/v1/sessions", `{"pattern":"epics/*.md"}`)
	assertAPIError(t, response, http.StatusUnprocessableEntity, "cyclic_dependency")
	if !strings.Contains(response.Body.String(), "sess-7") {
		t.Fatalf("expected the blocked session id in the error, got %s", response.Body.String())
	}
}

func TestHandleSessionStatus(t *testing.T) {
	core := &mockCore{
		statusFn: func(_ context.Context, id string) (serviceapi.StatusReport, error) {
			if id != "sess-2" {
				return serviceapi.StatusReport{}, fmt.Errorf("session %s: %w", id, store.ErrNotFound)
			}
			return serviceapi.StatusReport{
				Session: model.Session{ID: "sess-2", State: model.SessionExecuting},
				Running: true,
			}, nil
		},
	}
	handler := newTestRuntime(core).routes()

	response := serve(handler, http.MethodGet, "/api/v1/sessions/sess-2", "")
	if response.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", response.Code, response.Body.String())
	}
	var payload struct {
		Status serviceapi.StatusReport `json:"status"`
	}
	if err := json.Unmarshal(response.Body.Bytes(), &payload); err != nil {
		t.Fatalf("unmarshal status: %v", err)
	}
	if payload.Status.Session.State != model.SessionExecuting || !payload.Status.Running {
		t.Fatalf("unexpected status: %+v", payload.Status)
	}

	response = serve(handler, http.MethodGet, "/api/v1/sessions/sess-missing", "")
	assertAPIError(t, response, http.StatusNotFound, "not_found")
}

func TestHandleSessionControlRoutes(t *testing.T) {
	var calls []string
	record := func(name string) func(context.Context, string) error {
		return func(_ context.Context, id string) error {
			calls = append(calls, name+":"+id)
			return nil
		}
	}
	core := &mockCore{pauseFn: record("pause"), resumeFn: record("resume"), stopFn: record("stop")}
	handler := newTestRuntime(core).routes()

	for _, action := range []string{"pause", "resume", "stop"} {
		response := serve(handler, http.MethodPost, "/api/v1/sessions/sess-3/"+action, "{}")
		if response.Code != http.StatusOK {
			t.Fatalf("%s: expected 200, got %d: %s", action, response.Code, response.Body.String())
		}
	}
	want := []string{"pause:sess-3", "resume:sess-3", "stop:sess-3"}
	if strings.Join(calls, ",") != strings.Join(want, ",") {
		t.Fatalf("expected %v, got %v", want, calls)
	}
}

func TestHandleSessionControlMapsTerminalSession(t *testing.T) {
	core := &mockCore{
		resumeFn: func(_ context.Context, id string) error {
			return fmt.Errorf("resume session %s: %w", id, controller.ErrSessionTerminal)
		},
	}
	response := serve(newTestRuntime(core).routes(), http.MethodPost, "/api/v1/sessions/sess-4/resume", "{}")
	assertAPIError(t, response, http.StatusConflict, "session_terminal")
}

func TestHandleUnblock(t *testing.T) {
	var got model.UnblockAction
	core := &mockCore{
		unblockFn: func(_ context.Context, id string, action model.UnblockAction) error {
			if id == "sess-clear" {
				return fmt.Errorf("session %s: %w", id, controller.ErrNothingBlocked)
			}
			got = action
			return nil
		},
	}
	handler := newTestRuntime(core).routes()

	response := serve(handler, http.MethodPost, "/api/v1/sessions/sess-5/unblock", `{"action":"escalate-further"}`)
	if response.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", response.Code, response.Body.String())
	}
	if got != model.UnblockEscalateFurther {
		t.Fatalf("expected escalate-further, got %q", got)
	}

	response = serve(handler, http.MethodPost, "/api/v1/sessions/sess-5/unblock", `{"action":"ignore"}`)
	assertAPIError(t, response, http.StatusBadRequest, "invalid_action")

	response = serve(handler, http.MethodPost, "/api/v1/sessions/sess-clear/unblock", `{"action":"retry"}`)
	assertAPIError(t, response, http.StatusConflict, "nothing_blocked")
}

func TestHandleStuckListsPerSessionAndGlobally(t *testing.T) {
	var asked []string
	core := &mockCore{
		stuckFn: func(_ context.Context, id string) ([]model.StuckAgentDetection, error) {
			asked = append(asked, id)
			if id == "" {
				return nil, nil
			}
			return []model.StuckAgentDetection{{ID: "det-1", SessionID: id, Type: model.StuckNoProgress}}, nil
		},
	}
	handler := newTestRuntime(core).routes()

	response := serve(handler, http.MethodGet, "/api/v1/stuck", "")
	if response.Code != http.StatusOK || !strings.Contains(response.Body.String(), `"detections":[]`) {
		t.Fatalf("expected an empty detection list, got %d: %s", response.Code, response.Body.String())
	}
	response = serve(handler, http.MethodGet, "/api/v1/sessions/sess-6/stuck", "")
	if response.Code != http.StatusOK || !strings.Contains(response.Body.String(), "det-1") {
		t.Fatalf("expected det-1, got %d: %s", response.Code, response.Body.String())
	}
	if len(asked) != 2 || asked[0] != "" || asked[1] != "sess-6" {
		t.Fatalf("unexpected stuck queries %v", asked)
	}
}

func TestHandlePlan(t *testing.T) {
	core := &mockCore{
		planFn: func(_ context.Context, pattern string) (serviceapi.PlanPreview, error) {
			return serviceapi.PlanPreview{Pattern: pattern, Digest: "abc"}, nil
		},
	}
	response := serve(newTestRuntime(core).routes(), http.MethodPost, "/api/v1/plan", `{"pattern":"epics/*.yaml"}`)
	if response.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", response.Code, response.Body.String())
	}
	var payload struct {
		Plan serviceapi.PlanPreview `json:"plan"`
	}
	if err := json.Unmarshal(response.Body.Bytes(), &payload); err != nil {
		t.Fatalf("unmarshal plan: %v", err)
	}
	if payload.Plan.Pattern != "epics/*.yaml" || payload.Plan.Digest != "abc" {
		t.Fatalf("unexpected plan: %+v", payload.Plan)
	}
}

func TestHandleHealth(t *testing.T) {
	core := &mockCore{}
	handler := newTestRuntime(core).routes()

	response := serve(handler, http.MethodGet, "/api/v1/health", "")
	if response.Code != http.StatusOK || !strings.Contains(response.Body.String(), `"status":"ok"`) {
		t.Fatalf("expected healthy response, got %d: %s", response.Code, response.Body.String())
	}

	core.healthErr = errors.New("database is locked")
	response = serve(handler, http.MethodGet, "/api/v1/health", "")
	if response.Code != http.StatusServiceUnavailable || !strings.Contains(response.Body.String(), "database is locked") {
		t.Fatalf("expected degraded response, got %d: %s", response.Code, response.Body.String())
	}
}

func TestUnknownRouteReturnsJSONError(t *testing.T) {
	response := serve(newTestRuntime(&mockCore{}).routes(), http.MethodGet, "/nope", "")
	assertAPIError(t, response, http.StatusNotFound, "not_found")
}

func TestRecoveryTurnsPanicIntoServerError(t *testing.T) {
	core := &mockCore{
		sessionsFn: func(context.Context) ([]model.Session, error) {
			panic("boom")
		},
	}
	response := serve(newTestRuntime(core).routes(), http.MethodGet, "/api/v1/sessions", "")
	assertAPIError(t, response, http.StatusInternalServerError, "internal")
}

func TestRemoteCoreTalksToRouter(t *testing.T) {
	core := &mockCore{
		sessionsFn: func(context.Context) ([]model.Session, error) {
			return []model.Session{{ID: "sess-a", State: model.SessionDone}}, nil
		},
		unblockFn: func(_ context.Context, id string, _ model.UnblockAction) error {
			return fmt.Errorf("unblock session %s: %w", id, controller.ErrSessionTerminal)
		},
	}
	server := httptest.NewServer(newTestRuntime(core).routes())
	defer server.Close()

	remote := serviceapi.NewRemoteCore(server.URL, time.Second)
	ctx := context.Background()
	if err := remote.Health(ctx); err != nil {
		t.Fatalf("health: %v", err)
	}
	sessions, err := remote.Sessions(ctx)
	if err != nil {
		t.Fatalf("sessions: %v", err)
	}
	if len(sessions) != 1 || sessions[0].ID != "sess-a" {
		t.Fatalf("unexpected sessions: %+v", sessions)
	}
	err = remote.Unblock(ctx, "sess-a", model.UnblockSkip)
	var remoteErr *serviceapi.RemoteError
	if !errors.As(err, &remoteErr) || remoteErr.Code != "session_terminal" {
		t.Fatalf("expected session_terminal remote error, got %v", err)
	}
}

func TestEventStreamDeliversFilteredEvents(t *testing.T) {
	runtime := newTestRuntime(&mockCore{})
	server := httptest.NewServer(runtime.routes())
	defer server.Close()
	defer runtime.broker.Close()

	remote := serviceapi.NewRemoteCore(server.URL, time.Second)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	events, err := remote.Watch(ctx, serviceapi.EventFilter{SessionID: "sess-1"})
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	runtime.broker.Publish(eventbus.Event{ID: "ev-other", Topic: eventbus.TopicStory, SessionID: "sess-2"})
	runtime.broker.Publish(eventbus.Event{ID: "ev-mine", Topic: eventbus.TopicStory, SessionID: "sess-1", Type: "transition"})

	select {
	case event, ok := <-events:
		if !ok {
			t.Fatalf("stream closed before any event")
		}
		if event.ID != "ev-mine" || event.Type != "transition" {
			t.Fatalf("expected ev-mine, got %+v", event)
		}
	case <-ctx.Done():
		t.Fatalf("timed out waiting for stream event")
	}
}

func TestEventStreamRejectsUnknownTopic(t *testing.T) {
	response := serve(newTestRuntime(&mockCore{}).routes(), http.MethodGet, "/api/v1/events/stream?topic=weather", "")
	assertAPIError(t, response, http.StatusBadRequest, "invalid_topic")
}

func serve(handler http.Handler, method string, path string, body string) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	request := httptest.NewRequest(method, path, reader)
	if body != "" {
		request.Header.Set("Content-Type", "application/json")
	}
	response := httptest.NewRecorder()
	handler.ServeHTTP(response, request)
	return response
}

func assertAPIError(t *testing.T, response *httptest.ResponseRecorder, status int, code string) {
	t.Helper()
	if response.Code != status {
		t.Fatalf("expected %d, got %d: %s", status, response.Code, response.Body.String())
	}
	var payload struct {
		Error apiError `json:"error"`
	}
	if err := json.Unmarshal(response.Body.Bytes(), &payload); err != nil {
		t.Fatalf("unmarshal error payload: %v (%s)", err, response.Body.String())
	}
	if payload.Error.Code != code {
		t.Fatalf("expected error code %q, got %q", code, payload.Error.Code)
	}
}

func newTestRuntime(core Service) *Runtime {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	runtime := newRuntime(Options{Logger: logger}, core)
	runtime.streamBeat = 50 * time.Millisecond
	return runtime
}

type mockCore struct {
	healthErr error

	planFn     func(context.Context, string) (serviceapi.PlanPreview, error)
	startFn    func(context.Context, serviceapi.StartOptions) (string, error)
	statusFn   func(context.Context, string) (serviceapi.StatusReport, error)
	sessionsFn func(context.Context) ([]model.Session, error)
	pauseFn    func(context.Context, string) error
	resumeFn   func(context.Context, string) error
	stopFn     func(context.Context, string) error
	unblockFn  func(context.Context, string, model.UnblockAction) error
	stuckFn    func(context.Context, string) ([]model.StuckAgentDetection, error)
	watchFn    func(context.Context, serviceapi.EventFilter) (<-chan eventbus.Event, error)
}

func (m *mockCore) Shutdown() {}

func (m *mockCore) Health(context.Context) error { return m.healthErr }

func (m *mockCore) ResumeAll(context.Context) error { return nil }

func (m *mockCore) Plan(ctx context.Context, pattern string) (serviceapi.PlanPreview, error) {
	if m.planFn == nil {
		return serviceapi.PlanPreview{}, nil
	}
	return m.planFn(ctx, pattern)
}

func (m *mockCore) Start(ctx context.Context, options serviceapi.StartOptions) (string, error) {
	if m.startFn == nil {
		return "", errors.New("not implemented")
	}
	return m.startFn(ctx, options)
}

func (m *mockCore) Status(ctx context.Context, id string) (serviceapi.StatusReport, error) {
	if m.statusFn == nil {
		return serviceapi.StatusReport{}, store.ErrNotFound
	}
	return m.statusFn(ctx, id)
}

func (m *mockCore) Sessions(ctx context.Context) ([]model.Session, error) {
	if m.sessionsFn == nil {
		return nil, nil
	}
	return m.sessionsFn(ctx)
}

func (m *mockCore) Pause(ctx context.Context, id string) error {
	if m.pauseFn == nil {
		return nil
	}
	return m.pauseFn(ctx, id)
}

func (m *mockCore) Resume(ctx context.Context, id string) error {
	if m.resumeFn == nil {
		return nil
	}
	return m.resumeFn(ctx, id)
}

func (m *mockCore) Stop(ctx context.Context, id string) error {
	if m.stopFn == nil {
		return nil
	}
	return m.stopFn(ctx, id)
}

func (m *mockCore) Unblock(ctx context.Context, id string, action model.UnblockAction) error {
	if m.unblockFn == nil {
		return nil
	}
	return m.unblockFn(ctx, id, action)
}

func (m *mockCore) StuckAgents(ctx context.Context, id string) ([]model.StuckAgentDetection, error) {
	if m.stuckFn == nil {
		return nil, nil
	}
	return m.stuckFn(ctx, id)
}

func (m *mockCore) Wait(context.Context, string) error { return nil }

func (m *mockCore) Watch(ctx context.Context, filter serviceapi.EventFilter) (<-chan eventbus.Event, error) {
	if m.watchFn == nil {
		return nil, errors.New("no event feed")
	}
	return m.watchFn(ctx, filter)
}
