// Package dispatch matches NEW intents to personas under policy and creates
// queue tasks. Every intent gets exactly one ordered decision with reason
// codes, whether or not a task was created.
package dispatch

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/perchboard/perch-agents/internal/bus"
	"github.com/perchboard/perch-agents/internal/events"
	"github.com/perchboard/perch-agents/internal/intent"
	"github.com/perchboard/perch-agents/internal/policy"
	"github.com/perchboard/perch-agents/internal/store"
)

// Decision reason codes, appended in rule order.
const (
	ReasonIntentTypeBlocked      = "INTENT_TYPE_BLOCKED"
	ReasonPolicyDisabled         = "POLICY_DISABLED"
	ReasonNoActivePersona        = "NO_ACTIVE_PERSONA"
	ReasonSelectedDefault        = "SELECTED_DEFAULT"
	ReasonQueueSaturated         = "QUEUE_SATURATED"
	ReasonEligibilityCheckFailed = "ELIGIBILITY_CHECK_FAILED"
	ReasonDispatchError          = "DISPATCH_ERROR"
)

const defaultMaxQueueDepth = 500

// Decision is the audited outcome for one intent.
type Decision struct {
	IntentID   string   `json:"intent_id"`
	Dispatched bool     `json:"dispatched"`
	Reasons    []string `json:"reasons"`
	TaskID     string   `json:"task_id,omitempty"`
	PersonaID  string   `json:"persona_id,omitempty"`
}

// SelectionStrategy picks a persona for an intent, or nil when none fits.
// The ranking logic is deliberately pluggable.
type SelectionStrategy interface {
	Select(it store.TaskIntent, personas []store.Persona) *store.Persona
}

// FirstActive selects the first persona with active status, a deterministic
// placeholder ranking.
type FirstActive struct{}

func (FirstActive) Select(it store.TaskIntent, personas []store.Persona) *store.Persona {
	for i := range personas {
		if personas[i].Status == store.PersonaStatusActive {
			return &personas[i]
		}
	}
	return nil
}

// PrecheckFunc runs eligibility and similarity-to-memory checks before a task
// is created. Reasons are meaningful only when ok is false.
type PrecheckFunc func(ctx context.Context, it store.TaskIntent, persona store.Persona) (ok bool, reasons []string, err error)

// taskPayload carries intent provenance into the queue task.
type taskPayload struct {
	IntentID    string          `json:"intent_id"`
	IntentType  string          `json:"intent_type"`
	SourceTable string          `json:"source_table"`
	SourceID    string          `json:"source_id"`
	Intent      json.RawMessage `json:"intent"`
}

// Dispatcher evaluates NEW intents against policy and active personas.
type Dispatcher struct {
	store         *store.Store
	policies      *policy.Provider
	strategy      SelectionStrategy
	precheck      PrecheckFunc
	maxQueueDepth int
	logger        *slog.Logger
	recorder      *events.Recorder
}

func NewDispatcher(st *store.Store, policies *policy.Provider, strategy SelectionStrategy, precheck PrecheckFunc, maxQueueDepth int, logger *slog.Logger, recorder *events.Recorder) *Dispatcher {
	if strategy == nil {
		strategy = FirstActive{}
	}
	if maxQueueDepth <= 0 {
		maxQueueDepth = defaultMaxQueueDepth
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		store:         st,
		policies:      policies,
		strategy:      strategy,
		precheck:      precheck,
		maxQueueDepth: maxQueueDepth,
		logger:        logger,
		recorder:      recorder,
	}
}

// Run loads NEW intents and dispatches one batch. When the pending queue is
// at or over the depth limit the batch is deferred: intents stay NEW and
// every decision reads QUEUE_SATURATED.
func (d *Dispatcher) Run(ctx context.Context, now time.Time) ([]Decision, error) {
	pol, version := d.policies.GetReplyPolicy(ctx, policy.Scope{Capability: "reply"})

	intents, err := d.store.ListNewIntents(ctx, pol.MaxRepliesPerRun)
	if err != nil {
		return nil, err
	}
	if len(intents) == 0 {
		return nil, nil
	}

	depth, err := d.store.PendingDepth(ctx)
	if err != nil {
		return nil, err
	}
	if depth >= d.maxQueueDepth {
		d.logger.Warn("dispatch deferred, queue saturated", "depth", depth, "limit", d.maxQueueDepth)
		decisions := make([]Decision, 0, len(intents))
		for _, it := range intents {
			dec := Decision{IntentID: it.ID, Reasons: []string{ReasonQueueSaturated}}
			decisions = append(decisions, dec)
			d.recorder.Publish(bus.TopicDispatchDecision, dec)
		}
		d.recorder.Record(ctx, store.RuntimeEvent{
			Layer:      "dispatch",
			Operation:  "run",
			ReasonCode: ReasonQueueSaturated,
			Metadata:   encodeMeta(map[string]any{"depth": depth, "deferred": len(intents)}),
		})
		return decisions, nil
	}

	personas, err := d.store.ListPersonas(ctx, store.PersonaStatusActive)
	if err != nil {
		return nil, err
	}

	decisions := d.DispatchIntents(ctx, intents, personas, pol, now)
	for _, dec := range decisions {
		d.recorder.Record(ctx, store.RuntimeEvent{
			Layer:      "dispatch",
			Operation:  "decide",
			ReasonCode: firstReason(dec.Reasons),
			EntityID:   dec.IntentID,
			TaskID:     dec.TaskID,
			Metadata:   encodeMeta(map[string]any{"dispatched": dec.Dispatched, "policy_version": version}),
		})
		d.recorder.Publish(bus.TopicDispatchDecision, dec)
	}
	return decisions, nil
}

// DispatchIntents evaluates each intent independently, in order. The returned
// slice always has one decision per input intent in input order.
func (d *Dispatcher) DispatchIntents(ctx context.Context, intents []store.TaskIntent, personas []store.Persona, pol policy.ReplyPolicy, now time.Time) []Decision {
	decisions := make([]Decision, 0, len(intents))
	for _, it := range intents {
		decisions = append(decisions, d.dispatchOne(ctx, it, personas, pol, now))
	}
	return decisions
}

func (d *Dispatcher) dispatchOne(ctx context.Context, it store.TaskIntent, personas []store.Persona, pol policy.ReplyPolicy, now time.Time) Decision {
	dec := Decision{IntentID: it.ID}

	if it.Type != intent.IntentTypeReply {
		dec.Reasons = []string{ReasonIntentTypeBlocked}
		d.skipIntent(ctx, it.ID, dec.Reasons)
		return dec
	}
	if !pol.ReplyEnabled {
		dec.Reasons = []string{ReasonPolicyDisabled}
		d.skipIntent(ctx, it.ID, dec.Reasons)
		return dec
	}

	persona := d.strategy.Select(it, personas)
	if persona == nil {
		dec.Reasons = []string{ReasonNoActivePersona}
		d.skipIntent(ctx, it.ID, dec.Reasons)
		return dec
	}
	dec.PersonaID = persona.PersonaID

	if d.precheck != nil {
		ok, reasons, err := d.precheck(ctx, it, *persona)
		if err != nil {
			// Unexpected probe failure blocks by default.
			dec.Reasons = []string{ReasonEligibilityCheckFailed}
			d.skipIntent(ctx, it.ID, dec.Reasons)
			return dec
		}
		if !ok {
			if len(reasons) == 0 {
				reasons = []string{ReasonEligibilityCheckFailed}
			}
			dec.Reasons = reasons
			d.skipIntent(ctx, it.ID, dec.Reasons)
			return dec
		}
	}

	payload, err := json.Marshal(taskPayload{
		IntentID:    it.ID,
		IntentType:  it.Type,
		SourceTable: it.SourceTable,
		SourceID:    it.SourceID,
		Intent:      json.RawMessage(it.Payload),
	})
	if err != nil {
		dec.Reasons = []string{ReasonDispatchError}
		return dec
	}

	taskID, err := d.store.CreateTask(ctx, persona.PersonaID, it.Type, string(payload), pol.TaskMaxRetries)
	if err != nil {
		// The intent stays NEW so the next run can retry.
		d.logger.Error("task create failed", "intent_id", it.ID, "error", err)
		dec.Reasons = []string{ReasonDispatchError}
		return dec
	}
	dec.Dispatched = true
	dec.TaskID = taskID
	dec.Reasons = []string{ReasonSelectedDefault}

	if _, err := d.store.MarkIntentDispatched(ctx, it.ID, persona.PersonaID, encodeReasons(dec.Reasons)); err != nil {
		d.logger.Warn("mark intent dispatched failed", "intent_id", it.ID, "error", err)
	}
	return dec
}

func (d *Dispatcher) skipIntent(ctx context.Context, intentID string, reasons []string) {
	if _, err := d.store.MarkIntentSkipped(ctx, intentID, encodeReasons(reasons)); err != nil {
		d.logger.Warn("mark intent skipped failed", "intent_id", intentID, "error", err)
	}
}

func encodeReasons(reasons []string) string {
	data, err := json.Marshal(reasons)
	if err != nil {
		return "[]"
	}
	return string(data)
}

func encodeMeta(meta map[string]any) string {
	data, err := json.Marshal(meta)
	if err != nil {
		return "{}"
	}
	return string(data)
}

func firstReason(reasons []string) string {
	if len(reasons) == 0 {
		return ""
	}
	return reasons[0]
}
