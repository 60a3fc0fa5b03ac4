package toolcall

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/perchboard/perch-agents/internal/llm"
)

const (
	defaultMaxIterations = 4
	defaultLoopTimeout   = 20 * time.Second
)

// ModelFunc produces one model turn. It is typically Invoker.Invoke with the
// task type and entity already bound.
type ModelFunc func(ctx context.Context, req llm.Request) llm.Result

// LoopOptions bound one tool loop run.
type LoopOptions struct {
	MaxIterations int
	TimeoutMs     int
	// AllowedTools is the per-run allow-list. Nil allows every tool the
	// registry allows.
	AllowedTools []string
}

// CallRecord captures one executed tool call for audit.
type CallRecord struct {
	Tool      string `json:"tool"`
	OK        bool   `json:"ok"`
	Error     string `json:"error,omitempty"`
	ErrorKind string `json:"error_kind,omitempty"`
}

// LoopResult is the best-effort outcome of a tool loop. Text holds the last
// model text even when a budget stopped the loop early.
type LoopResult struct {
	Text             string         `json:"text"`
	FinishReason     string         `json:"finish_reason"`
	Iterations       int            `json:"iterations"`
	HitMaxIterations bool           `json:"hit_max_iterations,omitempty"`
	TimedOut         bool           `json:"timed_out,omitempty"`
	Calls            []CallRecord   `json:"calls,omitempty"`
	Usage            llm.Usage      `json:"usage"`
	UsedFallback     bool           `json:"used_fallback,omitempty"`
	Err              *llm.CallError `json:"error,omitempty"`
}

// Loop drives a model through bounded rounds of tool execution.
type Loop struct {
	registry *Registry
	logger   *slog.Logger
}

func NewLoop(registry *Registry, logger *slog.Logger) *Loop {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{registry: registry, logger: logger}
}

// Run calls the model, executes any requested tools and feeds the results
// back until the model answers with plain text or a budget is exhausted.
// Run always returns a well-formed result, never an error.
func (l *Loop) Run(ctx context.Context, model ModelFunc, req llm.Request, opts LoopOptions) LoopResult {
	maxIterations := opts.MaxIterations
	if maxIterations <= 0 {
		maxIterations = defaultMaxIterations
	}
	timeout := defaultLoopTimeout
	if opts.TimeoutMs > 0 {
		timeout = time.Duration(opts.TimeoutMs) * time.Millisecond
	}
	loopCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req.Tools = l.registry.Defs()
	messages := append([]llm.Message(nil), req.Messages...)

	out := LoopResult{FinishReason: llm.FinishReasonError}

	for iter := 0; ; iter++ {
		if iter >= maxIterations {
			out.HitMaxIterations = true
			l.logger.Warn("tool loop hit iteration budget", "iterations", iter)
			return out
		}
		select {
		case <-loopCtx.Done():
			out.TimedOut = true
			l.logger.Warn("tool loop timed out", "iterations", iter)
			return out
		default:
		}

		turn := req
		turn.Messages = messages
		res := model(loopCtx, turn)
		out.Iterations = iter + 1
		out.Usage = sumUsage(out.Usage, res.Usage)
		out.UsedFallback = out.UsedFallback || res.UsedFallback

		if res.Err != nil {
			out.Err = res.Err
			return out
		}
		out.Text = res.Text
		out.FinishReason = res.FinishReason

		if len(res.ToolCalls) == 0 {
			return out
		}

		if res.Text != "" {
			messages = append(messages, llm.Message{Role: "model", Content: res.Text})
		}
		for _, call := range res.ToolCalls {
			exec := l.registry.Execute(loopCtx, call, opts.AllowedTools)
			out.Calls = append(out.Calls, CallRecord{
				Tool:      call.Name,
				OK:        exec.OK,
				Error:     exec.Error,
				ErrorKind: exec.ErrorKind,
			})
			messages = append(messages, llm.Message{Role: "tool", Content: encodeToolResult(call.Name, exec)})
		}
	}
}

// encodeToolResult serializes an execution result for the model's next turn.
// Serialization failures degrade to a plain error payload rather than
// stopping the loop.
func encodeToolResult(name string, exec ExecResult) string {
	payload := struct {
		Tool string `json:"tool"`
		ExecResult
	}{Tool: name, ExecResult: exec}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Sprintf(`{"tool":%q,"ok":false,"error":"unserializable tool output"}`, name)
	}
	return string(data)
}

func sumUsage(a, b llm.Usage) llm.Usage {
	if a == (llm.Usage{}) {
		return b
	}
	out := llm.Usage{
		InputTokens:  a.InputTokens + b.InputTokens,
		OutputTokens: a.OutputTokens + b.OutputTokens,
		TotalTokens:  a.TotalTokens + b.TotalTokens,
	}
	out.Normalized = a.Normalized && b.Normalized
	return out
}
