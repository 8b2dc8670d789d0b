package agent

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/scoutcrm/scout/internal/model"
	"github.com/scoutcrm/scout/internal/tools"
)

// scriptedModel replays a fixed sequence of responses, recording every
// request it saw.
type scriptedModel struct {
	responses []*model.Response
	err       error
	requests  []model.Request
}

func (m *scriptedModel) Chat(ctx context.Context, req model.Request) (*model.Response, error) {
	m.requests = append(m.requests, req)
	if m.err != nil && len(m.responses) == 0 {
		return nil, m.err
	}
	if len(m.responses) == 0 {
		return nil, errors.New("script exhausted")
	}
	resp := m.responses[0]
	m.responses = m.responses[1:]
	if resp == nil {
		return nil, m.err
	}
	return resp, nil
}

// stubTool answers with a canned payload or error.
type stubTool struct {
	name   string
	result any
	err    error
	calls  int
}

func (t *stubTool) Name() string        { return t.name }
func (t *stubTool) Description() string { return "stub" }
func (t *stubTool) Parameters() map[string]any {
	return map[string]any{"type": "object", "properties": map[string]any{}}
}
func (t *stubTool) Call(ctx context.Context, args map[string]any) (any, error) {
	t.calls++
	if t.err != nil {
		return nil, t.err
	}
	return t.result, nil
}

const companyAnswer = `{"summary":"Acme builds rockets.","industry":"aerospace","confidence":0.8}`

func newTestEngine(m model.Client, toolSet ...tools.Tool) *Engine {
	return NewEngine(m, tools.NewRegistry(toolSet...), func(o *Options) {
		o.MaxIterations = 5
	})
}

func TestRunToolCallThenFinalAnswer(t *testing.T) {
	lookup := &stubTool{name: "crm_lookup", result: map[string]any{"name": "Acme"}}
	m := &scriptedModel{responses: []*model.Response{
		{ToolCalls: []model.ToolCall{{ID: "t1", Name: "crm_lookup", Arguments: `{"entityId":"c-1"}`}}},
		{Text: companyAnswer},
	}}
	e := newTestEngine(m, lookup)

	var events []Event
	outcome, err := e.Run(context.Background(), Request{EntityType: "company", EntityID: "c-1", EntityName: "Acme"},
		nil, func(ev Event) { events = append(events, ev) })
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if !outcome.Finished {
		t.Error("expected a finished run")
	}
	if outcome.Result == nil || outcome.Result.Company == nil {
		t.Fatalf("result = %+v, want company result", outcome.Result)
	}
	if outcome.Result.Company.Industry != "aerospace" {
		t.Errorf("industry = %q", outcome.Result.Company.Industry)
	}
	if outcome.Stats.Iterations != 2 || outcome.Stats.ToolCalls != 1 {
		t.Errorf("stats = %+v, want 2 iterations and 1 tool call", outcome.Stats)
	}
	if lookup.calls != 1 {
		t.Errorf("tool invoked %d times, want 1", lookup.calls)
	}

	// The second model turn must carry the tool result back.
	if len(m.requests) != 2 {
		t.Fatalf("model saw %d requests, want 2", len(m.requests))
	}
	last := m.requests[1].Messages
	found := false
	for _, msg := range last {
		if msg.Role == model.RoleTool && msg.ToolCallID == "t1" {
			found = true
		}
	}
	if !found {
		t.Error("tool result message missing from followup request")
	}

	// No terminal event from the engine itself.
	for _, ev := range events {
		if ev.Type == EventComplete || ev.Type == EventError {
			t.Errorf("engine emitted terminal event %q", ev.Type)
		}
	}
}

func TestRunToolErrorIsNarratedNotFatal(t *testing.T) {
	broken := &stubTool{name: "crm_lookup", err: errors.New("upstream 500")}
	m := &scriptedModel{responses: []*model.Response{
		{ToolCalls: []model.ToolCall{{ID: "t1", Name: "crm_lookup", Arguments: "{}"}}},
		{Text: companyAnswer},
	}}
	e := newTestEngine(m, broken)

	outcome, err := e.Run(context.Background(), Request{EntityType: "company", EntityID: "c-1", EntityName: "Acme"}, nil, nil)
	if err != nil {
		t.Fatalf("tool failure must not abort the run: %v", err)
	}
	if !outcome.Finished {
		t.Error("run should still finish after a tool error")
	}

	var toolMsg *model.Message
	for i, msg := range m.requests[1].Messages {
		if msg.Role == model.RoleTool {
			toolMsg = &m.requests[1].Messages[i]
		}
	}
	if toolMsg == nil {
		t.Fatal("no tool message in followup request")
	}
	if !toolMsg.IsError || !strings.HasPrefix(toolMsg.Content, "ERROR:") {
		t.Errorf("tool error not narrated: %+v", toolMsg)
	}
}

func TestRunUnknownToolIsNarrated(t *testing.T) {
	m := &scriptedModel{responses: []*model.Response{
		{ToolCalls: []model.ToolCall{{ID: "t1", Name: "no_such_tool", Arguments: "{}"}}},
		{Text: companyAnswer},
	}}
	e := newTestEngine(m)

	outcome, err := e.Run(context.Background(), Request{EntityType: "company", EntityID: "c-1", EntityName: "Acme"}, nil, nil)
	if err != nil {
		t.Fatalf("unknown tool must not abort the run: %v", err)
	}
	if !outcome.Finished {
		t.Error("run should finish after narrating the unknown tool")
	}
}

func TestRunModelFailureIsFatal(t *testing.T) {
	m := &scriptedModel{err: errors.New("connection refused")}
	e := newTestEngine(m)

	outcome, err := e.Run(context.Background(), Request{EntityType: "deal", EntityID: "d-1", EntityName: "Deal"}, nil, nil)
	if err == nil {
		t.Fatal("expected model failure to be fatal")
	}
	if !strings.Contains(err.Error(), "model service") {
		t.Errorf("err = %v, want model service wrap", err)
	}
	if outcome == nil || outcome.Stats.Iterations != 1 {
		t.Errorf("outcome = %+v, want stats preserved", outcome)
	}
}

func TestRunBudgetExhaustion(t *testing.T) {
	lookup := &stubTool{name: "crm_lookup", result: "ok"}
	// The model keeps asking for tools and never produces a final answer.
	responses := make([]*model.Response, 3)
	for i := range responses {
		responses[i] = &model.Response{ToolCalls: []model.ToolCall{{ID: "t", Name: "crm_lookup", Arguments: "{}"}}}
	}
	m := &scriptedModel{responses: responses}
	e := NewEngine(m, tools.NewRegistry(lookup), func(o *Options) {
		o.MaxIterations = 3
	})

	outcome, err := e.Run(context.Background(), Request{EntityType: "company", EntityID: "c-1", EntityName: "Acme"}, nil, nil)
	if err != nil {
		t.Fatalf("budget exhaustion must not be an error: %v", err)
	}
	if outcome.Finished {
		t.Error("exhausted run must not claim to be finished")
	}
	if !outcome.Stats.LimitReached {
		t.Error("LimitReached must be set")
	}
	if outcome.Stats.Iterations != 3 {
		t.Errorf("iterations = %d, want 3", outcome.Stats.Iterations)
	}
}

func TestRunCancellationBetweenIterations(t *testing.T) {
	lookup := &stubTool{name: "crm_lookup", result: "ok"}
	m := &scriptedModel{responses: []*model.Response{
		{ToolCalls: []model.ToolCall{{ID: "t1", Name: "crm_lookup", Arguments: "{}"}}},
		{Text: companyAnswer},
	}}
	e := newTestEngine(m, lookup)

	// Cancel after the first iteration has run.
	calls := 0
	cancelled := func() bool {
		calls++
		return calls > 1
	}

	_, err := e.Run(context.Background(), Request{EntityType: "company", EntityID: "c-1", EntityName: "Acme"}, cancelled, nil)
	if !errors.Is(err, ErrCancelled) {
		t.Fatalf("err = %v, want ErrCancelled", err)
	}
	// The in-flight tool call completed before the probe fired.
	if lookup.calls != 1 {
		t.Errorf("tool calls = %d, want 1", lookup.calls)
	}
}

func TestRunRetriesUnparsableAnswer(t *testing.T) {
	m := &scriptedModel{responses: []*model.Response{
		{Text: "I could not find structured data, sorry."},
		{Text: companyAnswer},
	}}
	e := newTestEngine(m)

	outcome, err := e.Run(context.Background(), Request{EntityType: "company", EntityID: "c-1", EntityName: "Acme"}, nil, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !outcome.Finished {
		t.Error("run should finish after the retry")
	}
	if outcome.Stats.Iterations != 2 {
		t.Errorf("iterations = %d, want 2", outcome.Stats.Iterations)
	}

	// The retry request must contain a corrective user message.
	last := m.requests[1].Messages
	if last[len(last)-1].Role != model.RoleUser {
		t.Errorf("last message role = %q, want corrective user message", last[len(last)-1].Role)
	}
}
