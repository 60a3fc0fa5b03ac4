package llm

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/perchboard/perch-agents/internal/events"
	"github.com/perchboard/perch-agents/internal/shared"
	"github.com/perchboard/perch-agents/internal/store"
)

const (
	defaultInvokeTimeout = 30 * time.Second

	FinishReasonStop  = "stop"
	FinishReasonError = "error"
)

// Options bound one invocation.
type Options struct {
	Retries   int // extra tries per provider beyond the first
	TimeoutMs int
}

// Attempt records one provider try for metrics and audit.
type Attempt struct {
	ProviderID string     `json:"provider_id"`
	ModelID    string     `json:"model_id"`
	Fallback   bool       `json:"fallback,omitempty"`
	ErrorClass ErrorClass `json:"error_class,omitempty"`
	Error      string     `json:"error,omitempty"`
	DurationMs int64      `json:"duration_ms"`
}

// CallError is the structured provider error surfaced on total failure.
type CallError struct {
	Class    ErrorClass `json:"class"`
	Provider string     `json:"provider"`
	Message  string     `json:"message"`
}

func (e *CallError) Error() string {
	return fmt.Sprintf("llm %s (%s): %s", e.Provider, e.Class, e.Message)
}

// Result is always well-formed: on total failure Text is empty, FinishReason
// is "error" and Err carries the last structured provider error.
type Result struct {
	Text         string     `json:"text"`
	FinishReason string     `json:"finish_reason"`
	ToolCalls    []ToolCall `json:"tool_calls,omitempty"`
	Usage        Usage      `json:"usage"`
	UsedFallback bool       `json:"used_fallback"`
	Attempts     []Attempt  `json:"attempts"`
	Err          *CallError `json:"error,omitempty"`
}

// Invoker resolves a route for each task type and drives providers through
// the timeout race and the single fallback hop.
type Invoker struct {
	registry  *Registry
	providers map[string]Provider
	breakers  *BreakerSet
	logger    *slog.Logger
	recorder  *events.Recorder
}

// NewInvoker builds an invoker. breakers and recorder may be nil.
func NewInvoker(registry *Registry, providers map[string]Provider, breakers *BreakerSet, logger *slog.Logger, recorder *events.Recorder) *Invoker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Invoker{
		registry:  registry,
		providers: providers,
		breakers:  breakers,
		logger:    logger,
		recorder:  recorder,
	}
}

// Invoke resolves the route for taskType and calls the primary provider,
// racing the call against the timeout. On failure, timeout or an error
// finish reason it falls back to the secondary once. When every candidate
// fails the fail-safe empty result is returned; Invoke never returns a Go
// error because callers must always get a usable value.
func (inv *Invoker) Invoke(ctx context.Context, taskType, entityID string, req Request, opts Options) Result {
	timeout := defaultInvokeTimeout
	if opts.TimeoutMs > 0 {
		timeout = time.Duration(opts.TimeoutMs) * time.Millisecond
	}
	tries := 1 + max(opts.Retries, 0)

	route := inv.registry.Resolve(taskType)
	candidates := []ModelRef{route.Primary}
	if route.Secondary != nil {
		candidates = append(candidates, *route.Secondary)
	}

	result := Result{FinishReason: FinishReasonError}
	var lastErr *CallError
	overflow := false

	for idx, ref := range candidates {
		if overflow {
			break
		}
		fallback := idx > 0
		provider, ok := inv.providers[ref.ProviderID]
		if !ok {
			lastErr = &CallError{
				Class:    ErrorClassUnknown,
				Provider: ref.ProviderID,
				Message:  fmt.Sprintf("provider %q not registered", ref.ProviderID),
			}
			result.Attempts = append(result.Attempts, Attempt{
				ProviderID: ref.ProviderID,
				ModelID:    ref.ModelID,
				Fallback:   fallback,
				ErrorClass: ErrorClassUnknown,
				Error:      lastErr.Message,
			})
			continue
		}
		if inv.breakers.IsTripped(ref.ProviderID) {
			inv.logger.Info("skipping provider with open circuit", "provider", ref.ProviderID, "task_type", taskType)
			result.Attempts = append(result.Attempts, Attempt{
				ProviderID: ref.ProviderID,
				ModelID:    ref.ModelID,
				Fallback:   fallback,
				ErrorClass: ErrorClassUnknown,
				Error:      "circuit open",
			})
			continue
		}

		for try := 0; try < tries; try++ {
			start := time.Now()
			resp, err := inv.callWithTimeout(ctx, provider, ref.ModelID, req, timeout)
			attempt := Attempt{
				ProviderID: ref.ProviderID,
				ModelID:    ref.ModelID,
				Fallback:   fallback,
				DurationMs: time.Since(start).Milliseconds(),
			}
			if err == nil && resp.FinishReason != FinishReasonError {
				result.Attempts = append(result.Attempts, attempt)
				inv.breakers.RecordSuccess(ref.ProviderID)
				result.Text = resp.Text
				result.FinishReason = resp.FinishReason
				if result.FinishReason == "" {
					result.FinishReason = FinishReasonStop
				}
				result.ToolCalls = resp.ToolCalls
				result.Usage = normalizeUsage(resp.Usage)
				result.UsedFallback = fallback
				result.Err = nil
				if fallback {
					inv.recorder.Record(ctx, store.RuntimeEvent{
						Layer:      "llm",
						Operation:  "invoke",
						ReasonCode: "LLM_FALLBACK_USED",
						EntityID:   entityID,
						Metadata:   fmt.Sprintf(`{"task_type":%q,"provider":%q}`, taskType, ref.ProviderID),
					})
				}
				return result
			}

			if err == nil {
				err = fmt.Errorf("provider returned finish reason %q", resp.FinishReason)
			}
			class := ClassifyError(err)
			attempt.ErrorClass = class
			attempt.Error = shared.Redact(err.Error())
			result.Attempts = append(result.Attempts, attempt)
			lastErr = &CallError{Class: class, Provider: ref.ProviderID, Message: attempt.Error}
			if inv.breakers.RecordFailure(ref.ProviderID) {
				inv.recorder.Record(ctx, store.RuntimeEvent{
					Layer:      "llm",
					Operation:  "circuit",
					ReasonCode: "CIRCUIT_TRIPPED",
					EntityID:   ref.ProviderID,
				})
			}
			inv.logger.Warn("provider call failed",
				"provider", ref.ProviderID,
				"model", ref.ModelID,
				"task_type", taskType,
				"error_class", string(class),
				"error", attempt.Error)

			// The prompt is the same everywhere; overflow will not improve
			// on another try or another provider.
			if class == ErrorClassContextOverflow {
				overflow = true
				break
			}
		}
	}

	result.Text = ""
	result.FinishReason = FinishReasonError
	result.Usage = normalizeUsage(Usage{})
	result.Err = lastErr
	if result.Err == nil {
		result.Err = &CallError{Class: ErrorClassUnknown, Provider: "", Message: "no provider candidates"}
	}
	inv.recorder.Record(ctx, store.RuntimeEvent{
		Layer:      "llm",
		Operation:  "invoke",
		ReasonCode: "LLM_ALL_PROVIDERS_FAILED",
		EntityID:   entityID,
		Metadata:   fmt.Sprintf(`{"task_type":%q}`, taskType),
	})
	return result
}

// callWithTimeout races the provider call against a timer. The provider's
// own internal timeout is not trusted.
func (inv *Invoker) callWithTimeout(ctx context.Context, provider Provider, modelID string, req Request, timeout time.Duration) (Response, error) {
	type outcome struct {
		resp Response
		err  error
	}
	callCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	ch := make(chan outcome, 1)
	go func() {
		resp, err := provider.Generate(callCtx, modelID, req)
		ch <- outcome{resp: resp, err: err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case out := <-ch:
		return out.resp, out.err
	case <-timer.C:
		return Response{}, fmt.Errorf("provider %s timed out after %s", provider.Name(), timeout)
	case <-ctx.Done():
		return Response{}, ctx.Err()
	}
}

func normalizeUsage(u Usage) Usage {
	if u.InputTokens == 0 && u.OutputTokens == 0 && u.TotalTokens == 0 {
		u.Normalized = true
		return u
	}
	if u.TotalTokens == 0 {
		u.TotalTokens = u.InputTokens + u.OutputTokens
	}
	return u
}
