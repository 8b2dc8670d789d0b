// Package agent drives the iterative tool-calling research loop against the
// language-model service. The loop is strictly sequential within one job:
// the model must observe each tool result before deciding its next action.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/scoutcrm/scout/internal/model"
	"github.com/scoutcrm/scout/internal/tools"
)

// ErrCancelled is returned when the cancellation probe fires between
// iterations. Any call already dispatched has been allowed to finish.
var ErrCancelled = errors.New("run cancelled")

// Options configures an Engine.
type Options struct {
	// MaxIterations bounds the loop. Zero means run to natural completion
	// (the loop still exits on a final answer or cancellation).
	MaxIterations int
	// ToolTimeout bounds each individual tool call, separate from the
	// overall request context.
	ToolTimeout time.Duration
	Logger      *slog.Logger
}

// Engine runs research loops. It is stateless across runs and safe for
// concurrent use; each Run owns its conversation.
type Engine struct {
	model         model.Client
	registry      *tools.Registry
	maxIterations int
	toolTimeout   time.Duration
	logger        *slog.Logger
}

// NewEngine creates an Engine over a model client and tool registry.
func NewEngine(client model.Client, registry *tools.Registry, optFns ...func(o *Options)) *Engine {
	opts := Options{
		MaxIterations: 15,
		ToolTimeout:   30 * time.Second,
		Logger:        slog.Default(),
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Engine{
		model:         client,
		registry:      registry,
		maxIterations: opts.MaxIterations,
		toolTimeout:   opts.ToolTimeout,
		logger:        opts.Logger,
	}
}

// Request describes one research run.
type Request struct {
	EntityType string
	EntityID   string
	EntityName string
	// MaxIterations overrides the engine default when > 0. Used by the
	// buffered sync mode, which must bound request latency.
	MaxIterations int
}

// Outcome is what a run produced. Finished is false when the iteration
// budget ran out before a final answer; Result then holds a best-effort
// partial summary (possibly nil) and Stats.LimitReached is set. A budget
// run is never promoted to a full completion.
type Outcome struct {
	Result   *Result
	Stats    Stats
	Finished bool
}

// Run executes the loop until a final structured answer, the iteration
// budget, or cancellation. cancelled is polled at every iteration boundary;
// a model-service failure is fatal and returned as an error (the Outcome
// still carries the stats accumulated so far). Terminal complete/error
// events are the caller's responsibility so a stream sees exactly one.
func (e *Engine) Run(ctx context.Context, req Request, cancelled func() bool, emit EmitFunc) (*Outcome, error) {
	if emit == nil {
		emit = func(Event) {}
	}
	if cancelled == nil {
		cancelled = func() bool { return false }
	}

	maxIterations := e.maxIterations
	if req.MaxIterations > 0 {
		maxIterations = req.MaxIterations
	}

	defs := e.toolDefinitions()
	messages := []model.Message{
		{Role: model.RoleUser, Content: userPrompt(req.EntityType, req.EntityID, req.EntityName)},
	}
	system := systemPrompt(req.EntityType)

	start := time.Now()
	stats := Stats{}
	var lastText string

	for {
		if cancelled() {
			return nil, ErrCancelled
		}
		if maxIterations > 0 && stats.Iterations >= maxIterations {
			stats.LimitReached = true
			stats.DurationMs = time.Since(start).Milliseconds()
			e.logger.Warn("agent budget exhausted",
				"entity_type", req.EntityType, "entity_id", req.EntityID,
				"iterations", stats.Iterations, "tool_calls", stats.ToolCalls)
			return &Outcome{Result: partialResult(req.EntityType, lastText), Stats: stats, Finished: false}, nil
		}

		stats.Iterations++
		emit(newEvent(EventThinking, stats.Iterations, "consulting model", nil))

		resp, err := e.model.Chat(ctx, model.Request{
			System:   system,
			Messages: messages,
			Tools:    defs,
		})
		if err != nil {
			stats.DurationMs = time.Since(start).Milliseconds()
			return &Outcome{Stats: stats}, fmt.Errorf("model service: %w", err)
		}

		if len(resp.ToolCalls) > 0 {
			messages = append(messages, model.Message{
				Role:      model.RoleAssistant,
				Content:   resp.Text,
				ToolCalls: resp.ToolCalls,
			})
			for _, call := range resp.ToolCalls {
				messages = append(messages, e.executeToolCall(ctx, call, stats.Iterations, emit))
				stats.ToolCalls++
			}
			continue
		}

		lastText = resp.Text
		result, parseErr := ParseResult(req.EntityType, resp.Text)
		if parseErr != nil {
			e.logger.Debug("unparsable final answer, retrying",
				"entity_id", req.EntityID, "error", parseErr)
			messages = append(messages,
				model.Message{Role: model.RoleAssistant, Content: resp.Text},
				model.Message{Role: model.RoleUser, Content: retryPrompt(parseErr)},
			)
			continue
		}

		stats.DurationMs = time.Since(start).Milliseconds()
		emit(newEvent(EventResponse, stats.Iterations, "final answer produced", map[string]any{
			"confidence": result.Confidence(),
		}))
		return &Outcome{Result: result, Stats: stats, Finished: true}, nil
	}
}

// executeToolCall runs one tool with its own timeout and narrates the result
// (or the failure) back as a conversation message. Tool failures are
// recoverable: the loop continues and the model sees the error text.
func (e *Engine) executeToolCall(ctx context.Context, call model.ToolCall, step int, emit EmitFunc) model.Message {
	emit(newEvent(EventToolCall, step, "calling "+call.Name, map[string]any{
		"tool":  call.Name,
		"input": json.RawMessage(argsOrEmpty(call.Arguments)),
	}))

	toolCtx, cancel := context.WithTimeout(ctx, e.toolTimeout)
	defer cancel()

	start := time.Now()
	result, err := e.registry.Execute(toolCtx, call.Name, call.Arguments)
	duration := time.Since(start)

	msg := model.Message{
		Role:       model.RoleTool,
		ToolCallID: call.ID,
		ToolName:   call.Name,
	}
	data := map[string]any{
		"tool":        call.Name,
		"duration_ms": duration.Milliseconds(),
	}

	if err != nil {
		e.logger.Warn("tool call failed", "tool", call.Name, "duration_ms", duration.Milliseconds(), "error", err)
		msg.Content = "ERROR: " + err.Error()
		msg.IsError = true
		data["error"] = err.Error()
		emit(newEvent(EventToolResult, step, call.Name+" failed", data))
		return msg
	}

	payload, merr := json.Marshal(result)
	if merr != nil {
		payload = []byte(fmt.Sprintf("%v", result))
	}
	e.logger.Info("tool call succeeded", "tool", call.Name, "duration_ms", duration.Milliseconds())
	msg.Content = string(payload)
	emit(newEvent(EventToolResult, step, call.Name+" returned", data))
	return msg
}

func (e *Engine) toolDefinitions() []model.ToolDefinition {
	list := e.registry.List()
	defs := make([]model.ToolDefinition, len(list))
	for i, t := range list {
		defs[i] = model.ToolDefinition{
			Name:        t.Name(),
			Description: t.Description(),
			Parameters:  t.Parameters(),
		}
	}
	return defs
}

// partialResult wraps whatever free text the model last produced so a
// budget-exhausted run still surfaces its findings.
func partialResult(entityType, lastText string) *Result {
	if lastText == "" {
		return nil
	}
	r := &Result{EntityType: entityType}
	switch entityType {
	case "company":
		r.Company = &CompanyResult{Summary: lastText}
	case "contact":
		r.Contact = &ContactResult{Summary: lastText}
	default:
		r.Deal = &DealResult{Summary: lastText}
	}
	return r
}

func argsOrEmpty(args string) string {
	if args == "" {
		return "{}"
	}
	return args
}
