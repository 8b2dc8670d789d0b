package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/scoutcrm/scout/internal/agent"
	"github.com/scoutcrm/scout/internal/intel"
	"github.com/scoutcrm/scout/internal/storage"
)

const testToken = "test-token"

type fakeRunner struct {
	outcome *agent.Outcome
	err     error
}

func (r *fakeRunner) Run(ctx context.Context, req agent.Request, cancelled func() bool, emit agent.EmitFunc) (*agent.Outcome, error) {
	if emit != nil {
		emit(agent.Event{Type: agent.EventThinking, Step: 1, Message: "consulting model"})
	}
	if r.err != nil {
		return &agent.Outcome{Stats: agent.Stats{Iterations: 1}}, r.err
	}
	return r.outcome, nil
}

func successOutcome() *agent.Outcome {
	return &agent.Outcome{
		Result: &agent.Result{
			EntityType: "company",
			Company:    &agent.CompanyResult{Summary: "Acme researched.", Confidence: 0.8},
		},
		Stats:    agent.Stats{Iterations: 2, ToolCalls: 1},
		Finished: true,
	}
}

func newTestHandler(t *testing.T, runner intel.Runner) (http.Handler, *storage.Store) {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	manager := intel.NewManager(store, runner, nil)
	handler := NewAppHandler(AppDeps{Manager: manager, Store: store, Token: testToken})
	return handler, store
}

func doRequest(handler http.Handler, method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	req.Header.Set("Authorization", "Bearer "+testToken)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	return w
}

func TestAuthRequired(t *testing.T) {
	handler, _ := newTestHandler(t, &fakeRunner{outcome: successOutcome()})

	req := httptest.NewRequest(http.MethodGet, "/intelligence", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", w.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/intelligence", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("status with wrong token = %d, want 401", w.Code)
	}
}

func TestHealthzUnauthenticated(t *testing.T) {
	handler, _ := newTestHandler(t, &fakeRunner{})

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200 without auth", w.Code)
	}
}

func TestCreateValidationError(t *testing.T) {
	handler, _ := newTestHandler(t, &fakeRunner{})

	w := doRequest(handler, http.MethodPost, "/intelligence",
		`{"entityType":"widget","entityId":"w-1","entityName":"Widget"}`)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
	var body map[string]map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decoding error body: %v", err)
	}
	if body["error"]["type"] != "invalid_request_error" {
		t.Errorf("error type = %q", body["error"]["type"])
	}
}

func TestCreateAccepted(t *testing.T) {
	handler, _ := newTestHandler(t, &fakeRunner{outcome: successOutcome()})

	w := doRequest(handler, http.MethodPost, "/intelligence",
		`{"entityType":"company","entityId":"c-1","entityName":"Acme"}`)

	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", w.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decoding body: %v", err)
	}
	if body["status"] != storage.StatusPending {
		t.Errorf("status = %v, want pending in the immediate response", body["status"])
	}
	if body["version"] != float64(1) {
		t.Errorf("version = %v, want 1", body["version"])
	}
	if body["isRerun"] != false || body["historyCount"] != float64(0) {
		t.Errorf("summary = %v, want first-run lineage fields", body)
	}
	if _, present := body["history"]; present {
		t.Error("creation summary must not include the history payload")
	}
}

func TestCreateWaitReturnsFinishedJob(t *testing.T) {
	handler, _ := newTestHandler(t, &fakeRunner{outcome: successOutcome()})

	w := doRequest(handler, http.MethodPost, "/intelligence?wait=1",
		`{"entityType":"company","entityId":"c-1","entityName":"Acme"}`)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var body struct {
		Job    map[string]any   `json:"job"`
		Events []map[string]any `json:"events"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decoding body: %v", err)
	}
	if body.Job["status"] != storage.StatusComplete {
		t.Errorf("status = %v, want complete", body.Job["status"])
	}
	result, ok := body.Job["result"].(map[string]any)
	if !ok {
		t.Fatalf("result missing from job: %v", body.Job)
	}
	company, _ := result["company"].(map[string]any)
	if company["summary"] != "Acme researched." {
		t.Errorf("summary = %v", company["summary"])
	}
	if len(body.Events) == 0 {
		t.Error("buffered events missing from wait response")
	}
}

func TestGetJobNotFound(t *testing.T) {
	handler, _ := newTestHandler(t, &fakeRunner{})

	w := doRequest(handler, http.MethodGet, "/intelligence/nope", "")
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

func TestListAttachesFreshDealScore(t *testing.T) {
	handler, store := newTestHandler(t, &fakeRunner{})

	// Seed a completed deal job with a stored snapshot.
	job := storage.Job{
		ID: "deal-job", EntityType: "deal", EntityID: "d-1", EntityName: "Big Deal",
		Status: storage.StatusPending, Version: 1, HistoryJSON: "[]", StartedAt: time.Now().UTC(),
	}
	if err := store.InsertJob(job); err != nil {
		t.Fatalf("InsertJob: %v", err)
	}
	if _, err := store.MarkRunning("deal-job"); err != nil {
		t.Fatalf("MarkRunning: %v", err)
	}
	snap := `{"amount":150000,"dealstage":"negotiation","companyCount":2,"contactCount":4}`
	if err := store.CompleteJob("deal-job", `{"entityType":"deal","deal":{"summary":"x","confidence":0.5}}`, snap, `{"iterations":1}`, "[]"); err != nil {
		t.Fatalf("CompleteJob: %v", err)
	}

	w := doRequest(handler, http.MethodGet, "/intelligence", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}

	var body struct {
		Jobs  []map[string]any `json:"jobs"`
		Count int              `json:"count"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decoding body: %v", err)
	}
	if body.Count != 1 {
		t.Fatalf("count = %d, want 1", body.Count)
	}
	details, ok := body.Jobs[0]["dealDetails"].(map[string]any)
	if !ok {
		t.Fatalf("dealDetails missing: %v", body.Jobs[0])
	}
	score, ok := details["dealScore"].(map[string]any)
	if !ok {
		t.Fatalf("dealScore missing: %v", details)
	}
	if score["grade"] == "" || score["total"] == nil {
		t.Errorf("dealScore = %v, want computed grade and total", score)
	}
	// Listings never include the full result payload.
	if _, present := body.Jobs[0]["result"]; present {
		t.Error("listing must not include result payloads")
	}
}

func TestListBadLimit(t *testing.T) {
	handler, _ := newTestHandler(t, &fakeRunner{})

	w := doRequest(handler, http.MethodGet, "/intelligence?limit=abc", "")
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestCancelAll(t *testing.T) {
	handler, store := newTestHandler(t, &fakeRunner{})

	job := storage.Job{
		ID: "j1", EntityType: "company", EntityID: "c-1", EntityName: "Acme",
		Status: storage.StatusPending, Version: 1, HistoryJSON: "[]", StartedAt: time.Now().UTC(),
	}
	if err := store.InsertJob(job); err != nil {
		t.Fatalf("InsertJob: %v", err)
	}

	w := doRequest(handler, http.MethodDelete, "/intelligence", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var body struct {
		Cancelled int      `json:"cancelled"`
		Total     int      `json:"total"`
		JobIDs    []string `json:"jobIds"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decoding body: %v", err)
	}
	if body.Cancelled != 1 || len(body.JobIDs) != 1 || body.JobIDs[0] != "j1" {
		t.Errorf("body = %+v, want j1 cancelled", body)
	}

	got, err := store.GetJob("j1")
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.Status != storage.StatusCancelled {
		t.Errorf("status = %q, want cancelled", got.Status)
	}
}

func TestStreamEmitsExactlyOneTerminalFrame(t *testing.T) {
	handler, _ := newTestHandler(t, &fakeRunner{outcome: successOutcome()})

	req := httptest.NewRequest(http.MethodPost, "/intelligence",
		strings.NewReader(`{"entityType":"company","entityId":"c-1","entityName":"Acme"}`))
	req.Header.Set("Authorization", "Bearer "+testToken)
	req.Header.Set("Accept", "text/event-stream")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("content type = %q", ct)
	}

	frames := parseFrames(w.Body.String())
	terminals := 0
	for _, f := range frames {
		if f == "complete" || f == "error" {
			terminals++
		}
	}
	if terminals != 1 {
		t.Errorf("terminal frames = %d in %v, want exactly 1", terminals, frames)
	}
	if frames[len(frames)-1] != "complete" {
		t.Errorf("last frame = %q, want complete", frames[len(frames)-1])
	}
}

// burstRunner emits a fixed number of progress events as fast as possible.
type burstRunner struct {
	events int
}

func (r *burstRunner) Run(ctx context.Context, req agent.Request, cancelled func() bool, emit agent.EmitFunc) (*agent.Outcome, error) {
	for i := 0; i < r.events; i++ {
		emit(agent.Event{Type: agent.EventThinking, Step: i + 1, Message: "working"})
	}
	return successOutcome(), nil
}

// slowWriter delays every write so the producer outpaces the stream writer.
type slowWriter struct {
	*httptest.ResponseRecorder
	delay time.Duration
}

func (w *slowWriter) Write(b []byte) (int, error) {
	time.Sleep(w.delay)
	return w.ResponseRecorder.Write(b)
}

func TestStreamSlowClientLosesNoFrames(t *testing.T) {
	const burst = 3 * streamEventBuffer
	handler, _ := newTestHandler(t, &burstRunner{events: burst})

	req := httptest.NewRequest(http.MethodPost, "/intelligence?stream=1",
		strings.NewReader(`{"entityType":"company","entityId":"c-1","entityName":"Acme"}`))
	req.Header.Set("Authorization", "Bearer "+testToken)
	w := &slowWriter{ResponseRecorder: httptest.NewRecorder(), delay: 100 * time.Microsecond}

	handler.ServeHTTP(w, req)

	frames := parseFrames(w.Body.String())
	progress, terminals := 0, 0
	for _, f := range frames {
		switch f {
		case "progress":
			progress++
		case "complete", "error":
			terminals++
		}
	}
	if progress != burst {
		t.Errorf("progress frames = %d, want all %d", progress, burst)
	}
	if terminals != 1 {
		t.Errorf("terminal frames = %d, want exactly 1", terminals)
	}
	if last := frames[len(frames)-1]; last != "complete" {
		t.Errorf("last frame = %q, want complete", last)
	}
}

func TestStreamFailureEndsWithErrorFrame(t *testing.T) {
	handler, _ := newTestHandler(t, &fakeRunner{err: context.DeadlineExceeded})

	w := doRequest(handler, http.MethodPost, "/intelligence?stream=1",
		`{"entityType":"company","entityId":"c-1","entityName":"Acme"}`)

	frames := parseFrames(w.Body.String())
	if len(frames) == 0 || frames[len(frames)-1] != "error" {
		t.Errorf("frames = %v, want trailing error frame", frames)
	}
}

// parseFrames returns the event names in order of appearance.
func parseFrames(body string) []string {
	var names []string
	for _, line := range strings.Split(body, "\n") {
		if strings.HasPrefix(line, "event: ") {
			names = append(names, strings.TrimPrefix(line, "event: "))
		}
	}
	return names
}
