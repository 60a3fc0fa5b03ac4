package toolcall_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/perchboard/perch-agents/internal/llm"
	"github.com/perchboard/perch-agents/internal/toolcall"
)

const lookupSchema = `{
	"type": "object",
	"properties": {
		"post_id": {"type": "string"},
		"depth": {"type": "integer"},
		"mode": {"type": "string", "enum": ["thread", "flat"]}
	},
	"required": ["post_id"],
	"additionalProperties": false
}`

func newTestRegistry(t *testing.T) *toolcall.Registry {
	t.Helper()
	r := toolcall.NewRegistry(nil)
	err := r.Register("lookup_post", "Fetch a post by id", json.RawMessage(lookupSchema),
		func(ctx context.Context, args map[string]any) (any, error) {
			return map[string]any{"post_id": args["post_id"], "title": "hello"}, nil
		})
	if err != nil {
		t.Fatalf("register lookup_post: %v", err)
	}
	return r
}

func TestRegistry_RegisterRejectsBadSchema(t *testing.T) {
	r := toolcall.NewRegistry(nil)
	err := r.Register("broken", "", json.RawMessage(`{"type": "nope"}`),
		func(ctx context.Context, args map[string]any) (any, error) { return nil, nil })
	if err == nil {
		t.Fatalf("expected schema compile error")
	}
}

func TestRegistry_ValidateArgs(t *testing.T) {
	r := newTestRegistry(t)

	cases := []struct {
		name string
		args string
		ok   bool
	}{
		{"valid", `{"post_id": "p1", "depth": 2, "mode": "thread"}`, true},
		{"missing required", `{"depth": 2}`, false},
		{"wrong type", `{"post_id": 42}`, false},
		{"bad enum", `{"post_id": "p1", "mode": "spiral"}`, false},
		{"unknown key", `{"post_id": "p1", "color": "red"}`, false},
		{"malformed json", `{"post_id": `, false},
	}
	for _, tc := range cases {
		err := r.ValidateArgs("lookup_post", json.RawMessage(tc.args))
		if tc.ok && err != nil {
			t.Fatalf("%s: unexpected error: %v", tc.name, err)
		}
		if !tc.ok && err == nil {
			t.Fatalf("%s: expected validation error", tc.name)
		}
	}
}

func TestRegistry_ExecuteUnknownTool(t *testing.T) {
	r := newTestRegistry(t)
	res := r.Execute(context.Background(), llm.ToolCall{Name: "delete_everything", Args: json.RawMessage(`{}`)}, nil)
	if res.OK || res.ErrorKind != toolcall.ErrKindNotFound {
		t.Fatalf("expected not_found, got %+v", res)
	}
}

func TestRegistry_ExecuteHonorsAllowLists(t *testing.T) {
	r := newTestRegistry(t)
	call := llm.ToolCall{Name: "lookup_post", Args: json.RawMessage(`{"post_id": "p1"}`)}

	if res := r.Execute(context.Background(), call, nil); !res.OK {
		t.Fatalf("unrestricted call must pass, got %+v", res)
	}

	r.SetAllowList([]string{"other_tool"})
	if res := r.Execute(context.Background(), call, nil); res.OK || res.ErrorKind != toolcall.ErrKindNotAllowed {
		t.Fatalf("registry allow-list must block, got %+v", res)
	}

	r.SetAllowList(nil)
	if res := r.Execute(context.Background(), call, []string{"other_tool"}); res.OK || res.ErrorKind != toolcall.ErrKindNotAllowed {
		t.Fatalf("per-call allow-list must block, got %+v", res)
	}
	if res := r.Execute(context.Background(), call, []string{"lookup_post"}); !res.OK {
		t.Fatalf("per-call allow-list listing the tool must pass, got %+v", res)
	}
}

func TestRegistry_ExecuteCapturesHandlerFailure(t *testing.T) {
	r := toolcall.NewRegistry(nil)
	if err := r.Register("flaky", "", json.RawMessage(`{"type": "object"}`),
		func(ctx context.Context, args map[string]any) (any, error) {
			return nil, errors.New("backend unavailable")
		}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := r.Register("bomb", "", json.RawMessage(`{"type": "object"}`),
		func(ctx context.Context, args map[string]any) (any, error) {
			panic("boom")
		}); err != nil {
		t.Fatalf("register: %v", err)
	}

	res := r.Execute(context.Background(), llm.ToolCall{Name: "flaky", Args: json.RawMessage(`{}`)}, nil)
	if res.OK || res.ErrorKind != toolcall.ErrKindHandler || !strings.Contains(res.Error, "backend unavailable") {
		t.Fatalf("expected handler error captured, got %+v", res)
	}

	res = r.Execute(context.Background(), llm.ToolCall{Name: "bomb", Args: json.RawMessage(`{}`)}, nil)
	if res.OK || res.ErrorKind != toolcall.ErrKindHandler || !strings.Contains(res.Error, "boom") {
		t.Fatalf("expected panic captured as handler error, got %+v", res)
	}
}

func TestRegistry_ExecuteValidatesBeforeHandler(t *testing.T) {
	called := false
	r := toolcall.NewRegistry(nil)
	if err := r.Register("strict", "", json.RawMessage(lookupSchema),
		func(ctx context.Context, args map[string]any) (any, error) {
			called = true
			return nil, nil
		}); err != nil {
		t.Fatalf("register: %v", err)
	}

	res := r.Execute(context.Background(), llm.ToolCall{Name: "strict", Args: json.RawMessage(`{}`)}, nil)
	if res.OK || res.ErrorKind != toolcall.ErrKindValidation {
		t.Fatalf("expected validation failure, got %+v", res)
	}
	if called {
		t.Fatalf("handler must not run on invalid arguments")
	}
}

// scriptedModel returns canned results in order; the last entry repeats.
type scriptedModel struct {
	results []llm.Result
	calls   int
	gotReqs []llm.Request
}

func (m *scriptedModel) invoke(ctx context.Context, req llm.Request) llm.Result {
	m.gotReqs = append(m.gotReqs, req)
	i := m.calls
	m.calls++
	if i >= len(m.results) {
		i = len(m.results) - 1
	}
	return m.results[i]
}

func toolCall(name, args string) llm.ToolCall {
	return llm.ToolCall{ID: "c1", Name: name, Args: json.RawMessage(args)}
}

func TestLoop_PlainTextNeedsNoTools(t *testing.T) {
	loop := toolcall.NewLoop(newTestRegistry(t), nil)
	model := &scriptedModel{results: []llm.Result{
		{Text: "direct answer", FinishReason: llm.FinishReasonStop},
	}}

	res := loop.Run(context.Background(), model.invoke, llm.Request{Prompt: "hi"}, toolcall.LoopOptions{})
	if res.Text != "direct answer" || res.Iterations != 1 {
		t.Fatalf("expected single-turn answer, got %+v", res)
	}
	if res.HitMaxIterations || res.TimedOut || len(res.Calls) != 0 {
		t.Fatalf("no budget flags expected, got %+v", res)
	}
	if len(model.gotReqs[0].Tools) != 1 {
		t.Fatalf("registry defs must be offered to the model")
	}
}

func TestLoop_ExecutesToolThenAnswers(t *testing.T) {
	loop := toolcall.NewLoop(newTestRegistry(t), nil)
	model := &scriptedModel{results: []llm.Result{
		{FinishReason: llm.FinishReasonStop, ToolCalls: []llm.ToolCall{toolCall("lookup_post", `{"post_id": "p1"}`)}},
		{Text: "the post says hello", FinishReason: llm.FinishReasonStop},
	}}

	res := loop.Run(context.Background(), model.invoke, llm.Request{Prompt: "hi"}, toolcall.LoopOptions{})
	if res.Text != "the post says hello" || res.Iterations != 2 {
		t.Fatalf("expected two-turn run, got %+v", res)
	}
	if len(res.Calls) != 1 || !res.Calls[0].OK || res.Calls[0].Tool != "lookup_post" {
		t.Fatalf("expected one successful call record, got %+v", res.Calls)
	}

	// The second turn must carry the tool result back to the model.
	last := model.gotReqs[1].Messages
	if len(last) == 0 || last[len(last)-1].Role != "tool" {
		t.Fatalf("tool result message missing, got %+v", last)
	}
	if !strings.Contains(last[len(last)-1].Content, `"ok":true`) {
		t.Fatalf("tool result payload missing, got %q", last[len(last)-1].Content)
	}
}

func TestLoop_HitsIterationBudget(t *testing.T) {
	loop := toolcall.NewLoop(newTestRegistry(t), nil)
	// Always asks for another tool call.
	model := &scriptedModel{results: []llm.Result{
		{FinishReason: llm.FinishReasonStop, ToolCalls: []llm.ToolCall{toolCall("lookup_post", `{"post_id": "p1"}`)}},
	}}

	res := loop.Run(context.Background(), model.invoke, llm.Request{Prompt: "hi"}, toolcall.LoopOptions{MaxIterations: 1})
	if !res.HitMaxIterations {
		t.Fatalf("expected iteration budget hit, got %+v", res)
	}
	if res.Iterations != 1 || len(res.Calls) != 1 {
		t.Fatalf("expected exactly one round executed, got %+v", res)
	}
	if res.TimedOut {
		t.Fatalf("timeout flag must stay clear, got %+v", res)
	}
}

func TestLoop_TimesOut(t *testing.T) {
	loop := toolcall.NewLoop(newTestRegistry(t), nil)
	slowModel := func(ctx context.Context, req llm.Request) llm.Result {
		select {
		case <-time.After(200 * time.Millisecond):
		case <-ctx.Done():
		}
		return llm.Result{
			FinishReason: llm.FinishReasonStop,
			ToolCalls:    []llm.ToolCall{toolCall("lookup_post", `{"post_id": "p1"}`)},
		}
	}

	res := loop.Run(context.Background(), slowModel, llm.Request{Prompt: "hi"}, toolcall.LoopOptions{TimeoutMs: 20, MaxIterations: 10})
	if !res.TimedOut {
		t.Fatalf("expected timeout, got %+v", res)
	}
	if res.HitMaxIterations {
		t.Fatalf("iteration flag must stay clear on timeout, got %+v", res)
	}
}

func TestLoop_StopsOnModelError(t *testing.T) {
	loop := toolcall.NewLoop(newTestRegistry(t), nil)
	model := &scriptedModel{results: []llm.Result{
		{FinishReason: llm.FinishReasonError, Err: &llm.CallError{Class: llm.ErrorClassAuth, Provider: "alpha", Message: "401"}},
	}}

	res := loop.Run(context.Background(), model.invoke, llm.Request{Prompt: "hi"}, toolcall.LoopOptions{})
	if res.Err == nil || res.Err.Class != llm.ErrorClassAuth {
		t.Fatalf("expected model error surfaced, got %+v", res)
	}
	if res.Text != "" {
		t.Fatalf("failed run must not carry text, got %q", res.Text)
	}
}

func TestLoop_FailedToolFeedsErrorBack(t *testing.T) {
	r := toolcall.NewRegistry(nil)
	if err := r.Register("flaky", "", json.RawMessage(`{"type": "object"}`),
		func(ctx context.Context, args map[string]any) (any, error) {
			return nil, fmt.Errorf("no such post")
		}); err != nil {
		t.Fatalf("register: %v", err)
	}
	loop := toolcall.NewLoop(r, nil)
	model := &scriptedModel{results: []llm.Result{
		{FinishReason: llm.FinishReasonStop, ToolCalls: []llm.ToolCall{toolCall("flaky", `{}`)}},
		{Text: "could not find it", FinishReason: llm.FinishReasonStop},
	}}

	res := loop.Run(context.Background(), model.invoke, llm.Request{Prompt: "hi"}, toolcall.LoopOptions{})
	if res.Text != "could not find it" {
		t.Fatalf("loop must continue past failed tool, got %+v", res)
	}
	if len(res.Calls) != 1 || res.Calls[0].OK {
		t.Fatalf("failed call must be recorded, got %+v", res.Calls)
	}
	last := model.gotReqs[1].Messages
	if !strings.Contains(last[len(last)-1].Content, "no such post") {
		t.Fatalf("tool error must reach the model, got %q", last[len(last)-1].Content)
	}
}
