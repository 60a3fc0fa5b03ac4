// Package worker claims queue tasks under a lease and drives them through
// the generation pipeline: policy resolve, model invocation with an optional
// tool loop, safety gate, then atomic completion, skip or escalation.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/perchboard/perch-agents/internal/llm"
	"github.com/perchboard/perch-agents/internal/policy"
	"github.com/perchboard/perch-agents/internal/safety"
	"github.com/perchboard/perch-agents/internal/store"
	"github.com/perchboard/perch-agents/internal/toolcall"
)

// OutcomeKind is how a processed task should be finalized.
type OutcomeKind string

const (
	OutcomeComplete OutcomeKind = "COMPLETE"
	OutcomeSkip     OutcomeKind = "SKIP"
	OutcomeEscalate OutcomeKind = "ESCALATE"
)

// Outcome is the processor's verdict for one task. The engine applies it
// under the task's lease.
type Outcome struct {
	Kind            OutcomeKind
	Text            string
	IdempotencyKey  string
	ParentCommentID string
	ReasonCode      string // skip and escalate
	RiskLevel       string // escalate only
}

// Processor turns one claimed task into an outcome. A returned error sends
// the task through retry handling instead.
type Processor interface {
	Process(ctx context.Context, task store.QueueTask) (Outcome, error)
}

type taskPayload struct {
	IntentID    string `json:"intent_id"`
	IntentType  string `json:"intent_type"`
	SourceTable string `json:"source_table"`
	SourceID    string `json:"source_id"`
	Intent      struct {
		TargetPostID    string `json:"target_post_id"`
		Board           string `json:"board"`
		AuthorID        string `json:"author_id"`
		ParentCommentID string `json:"parent_comment_id"`
		Title           string `json:"title"`
		Excerpt         string `json:"excerpt"`
	} `json:"intent"`
}

// ReplyProcessor generates a forum reply for one task.
type ReplyProcessor struct {
	store    *store.Store
	policies *policy.Provider
	invoker  *llm.Invoker
	loop     *toolcall.Loop
	gate     safety.Gate
	logger   *slog.Logger
}

// NewReplyProcessor builds the reply pipeline. loop may be nil to disable
// tool calling regardless of policy.
func NewReplyProcessor(st *store.Store, policies *policy.Provider, invoker *llm.Invoker, loop *toolcall.Loop, gate safety.Gate, logger *slog.Logger) *ReplyProcessor {
	if gate == nil {
		gate = safety.NewRuleGate()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ReplyProcessor{
		store:    st,
		policies: policies,
		invoker:  invoker,
		loop:     loop,
		gate:     gate,
		logger:   logger,
	}
}

func (p *ReplyProcessor) Process(ctx context.Context, task store.QueueTask) (Outcome, error) {
	var payload taskPayload
	if err := json.Unmarshal([]byte(task.Payload), &payload); err != nil {
		return Outcome{}, fmt.Errorf("decode task payload: %w", err)
	}
	if payload.Intent.TargetPostID == "" {
		return Outcome{Kind: OutcomeSkip, ReasonCode: "TARGET_MISSING"}, nil
	}

	pol, version := p.policies.GetReplyPolicy(ctx, policy.Scope{
		Capability: "reply",
		PersonaID:  task.PersonaID,
		Board:      payload.Intent.Board,
	})
	// The version a retry attempt runs under may differ from the previous
	// attempt; each attempt pins its own.
	if err := p.store.PinPolicyVersion(ctx, task.ID, task.LeaseOwner, version); err != nil {
		return Outcome{}, err
	}
	if !pol.ReplyEnabled {
		return Outcome{Kind: OutcomeSkip, ReasonCode: "POLICY_DISABLED"}, nil
	}

	persona, err := p.store.GetPersona(ctx, task.PersonaID)
	if err != nil {
		return Outcome{}, err
	}
	if persona == nil || persona.Status != store.PersonaStatusActive {
		return Outcome{Kind: OutcomeSkip, ReasonCode: "PERSONA_NOT_ACTIVE"}, nil
	}

	req := buildRequest(*persona, payload)
	gen := p.generate(ctx, task, pol, req)
	if gen.Err != nil {
		return Outcome{}, fmt.Errorf("generation failed: %s", gen.Err.Error())
	}
	text := strings.TrimSpace(gen.Text)

	recent, err := p.store.RecentPersonaReplies(ctx, task.PersonaID, 10)
	if err != nil {
		return Outcome{}, err
	}
	verdict := p.gate.Check(text, safety.Context{
		PersonaID:           task.PersonaID,
		RecentReplies:       recent,
		MaxLength:           pol.MaxReplyLength,
		SimilarityThreshold: pol.SimilarityThreshold,
	})
	if !verdict.Allowed {
		// Similarity is a judgment call; a human decides. The mechanical
		// rejections are plain skips.
		if verdict.ReasonCode == safety.ReasonSimilarToRecent {
			return Outcome{
				Kind:            OutcomeEscalate,
				Text:            text,
				ParentCommentID: payload.Intent.ParentCommentID,
				ReasonCode:      verdict.ReasonCode,
				RiskLevel:       "medium",
			}, nil
		}
		return Outcome{Kind: OutcomeSkip, ReasonCode: verdict.ReasonCode}, nil
	}

	return Outcome{
		Kind:            OutcomeComplete,
		Text:            text,
		IdempotencyKey:  "reply:" + task.ID,
		ParentCommentID: payload.Intent.ParentCommentID,
	}, nil
}

// generate runs either a bare invocation or the tool loop, per policy.
func (p *ReplyProcessor) generate(ctx context.Context, task store.QueueTask, pol policy.ReplyPolicy, req llm.Request) llm.Result {
	opts := llm.Options{Retries: pol.LLMRetries, TimeoutMs: pol.LLMTimeoutMs}
	if p.loop == nil || !pol.ToolCallsEnabled {
		return p.invoker.Invoke(ctx, task.TaskType, task.ID, req, opts)
	}
	model := func(ctx context.Context, turn llm.Request) llm.Result {
		return p.invoker.Invoke(ctx, task.TaskType, task.ID, turn, opts)
	}
	loopRes := p.loop.Run(ctx, model, req, toolcall.LoopOptions{
		MaxIterations: pol.MaxToolIterations,
		TimeoutMs:     pol.ToolTimeoutMs,
	})
	if loopRes.HitMaxIterations || loopRes.TimedOut {
		p.logger.Warn("tool loop stopped on budget",
			"task_id", task.ID,
			"iterations", loopRes.Iterations,
			"timed_out", loopRes.TimedOut)
	}
	return llm.Result{
		Text:         loopRes.Text,
		FinishReason: loopRes.FinishReason,
		Usage:        loopRes.Usage,
		UsedFallback: loopRes.UsedFallback,
		Err:          loopRes.Err,
	}
}

func buildRequest(persona store.Persona, payload taskPayload) llm.Request {
	var b strings.Builder
	fmt.Fprintf(&b, "You are %s, a regular on this forum. Write a short reply in your own voice.\n", persona.DisplayName)
	b.WriteString("Stay on topic, be concrete and do not repeat yourself.")

	var prompt strings.Builder
	if payload.Intent.Title != "" {
		fmt.Fprintf(&prompt, "Post title: %s\n", payload.Intent.Title)
	}
	if payload.Intent.Excerpt != "" {
		fmt.Fprintf(&prompt, "Post excerpt: %s\n", payload.Intent.Excerpt)
	}
	if payload.Intent.ParentCommentID != "" {
		prompt.WriteString("You are replying to a comment in this thread.\n")
	}
	prompt.WriteString("Write your reply now.")

	return llm.Request{System: b.String(), Prompt: prompt.String()}
}
