// Package debate implements the multi-model debate orchestrator.
//
// One invocation runs a durable, multi-stage workflow: isolated threads are
// created per participating model, every model answers the prompt in
// parallel (round 1), every model then reviews its peers' answers and
// defends or revises its own (round 2), and finally the master model
// synthesizes one merged answer while a cheap utility model produces a
// structured cross-model summary. Stages are strict barriers; within a
// stage, per-model work is concurrent and per-model failures degrade to
// inline error text instead of aborting siblings.
package debate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/quorumlabs/quorum/internal/ledger"
	"github.com/quorumlabs/quorum/internal/model"
	"github.com/quorumlabs/quorum/internal/modelclient"
	"github.com/quorumlabs/quorum/internal/ratelimit"
	"github.com/quorumlabs/quorum/internal/storage"
	"github.com/quorumlabs/quorum/internal/telemetry"
	"github.com/quorumlabs/quorum/internal/workflow"
)

// Admission errors, surfaced synchronously from Start before any model work.
var (
	ErrUnsupportedAttachment = errors.New("debate: model does not support file attachments")
	ErrRateLimited           = errors.New("debate: model call rate limit exhausted")
)

// WorkflowKind tags debate workflows in the step log.
const WorkflowKind = "debate"

// GlobalLimitKey is the shared rate-limit bucket consulted before every
// model call, across all users.
const GlobalLimitKey = "global:model-calls"

// Store is the persistence surface the orchestrator needs.
// *storage.DB implements it.
type Store interface {
	CreateThread(ctx context.Context, thread model.Thread) (model.Thread, error)
	DeleteThread(ctx context.Context, id uuid.UUID) error
	SaveMessage(ctx context.Context, msg model.Message) (model.Message, error)
	ListMessages(ctx context.Context, threadID uuid.UUID, visibleOnly bool) ([]model.Message, error)
	AddActiveGenerations(ctx context.Context, threadID uuid.UUID, delta int) error
	CreateRun(ctx context.Context, run model.DebateRun) (model.DebateRun, error)
	GetRunByMasterMessage(ctx context.Context, masterMessageID uuid.UUID) (model.DebateRun, error)
	GetLatestRunByThread(ctx context.Context, masterThreadID uuid.UUID) (model.DebateRun, error)
	UpdateRunStatus(ctx context.Context, masterMessageID, threadID uuid.UUID, update storage.StatusUpdate) error
	AttachSummary(ctx context.Context, masterThreadID uuid.UUID, summary model.StructuredSummary) error
	ListPendingWorkflows(ctx context.Context) ([]storage.PendingWorkflow, error)
}

// BudgetGate is the slice of the usage ledger the orchestrator consumes.
// *ledger.Ledger implements it.
type BudgetGate interface {
	Authorize(ctx context.Context, userID uuid.UUID) error
	Release(ctx context.Context, userID uuid.UUID) error
	RecordEvent(ctx context.Context, userID uuid.UUID, modelID model.ModelID, usage ledger.Usage) (model.UsageEvent, error)
}

// Orchestrator coordinates debate runs. Safe for concurrent use.
type Orchestrator struct {
	store   Store
	wlog    workflow.Log
	gate    BudgetGate
	client  modelclient.Client
	limiter ratelimit.Limiter
	logger  *slog.Logger

	started       metric.Int64Counter
	completed     metric.Int64Counter
	modelFailures metric.Int64Counter
}

// New creates an Orchestrator.
func New(store Store, wlog workflow.Log, gate BudgetGate, client modelclient.Client, limiter ratelimit.Limiter, logger *slog.Logger) *Orchestrator {
	meter := telemetry.Meter("quorum/debate")
	started, _ := meter.Int64Counter("quorum.debate.started",
		metric.WithDescription("Debate runs started"))
	completed, _ := meter.Int64Counter("quorum.debate.completed",
		metric.WithDescription("Debate runs completed"))
	failures, _ := meter.Int64Counter("quorum.debate.model_failures",
		metric.WithDescription("Per-model generation failures"))
	return &Orchestrator{
		store:         store,
		wlog:          wlog,
		gate:          gate,
		client:        client,
		limiter:       limiter,
		logger:        logger,
		started:       started,
		completed:     completed,
		modelFailures: failures,
	}
}

// runPayload is the persisted workflow input. The run id is allocated at
// start so a resumed workflow registers the same run.
type runPayload struct {
	Request model.StartDebateRequest `json:"request"`
	RunID   uuid.UUID                `json:"run_id"`
}

// roundAnswer is one model's contribution to a round. Failed answers carry
// synthesized error text; downstream stages consume it as ordinary text.
type roundAnswer struct {
	ModelID  model.ModelID `json:"model_id"`
	ThreadID uuid.UUID     `json:"thread_id"`
	Text     string        `json:"text"`
	Failed   bool          `json:"failed"`
}

// Start admits and launches a debate run. Admission (validation, attachment
// capability, budget reservation) happens synchronously; on success the run
// executes in the background and the returned ids identify it.
func (o *Orchestrator) Start(ctx context.Context, req model.StartDebateRequest) (model.StartDebateResponse, error) {
	if err := req.Validate(); err != nil {
		return model.StartDebateResponse{}, err
	}
	if len(req.FileIDs) > 0 {
		for _, id := range req.Participants() {
			if !model.MustLookup(id).SupportsFiles {
				return model.StartDebateResponse{}, fmt.Errorf("%w: %s", ErrUnsupportedAttachment, id)
			}
		}
	}
	if err := o.gate.Authorize(ctx, req.UserID); err != nil {
		return model.StartDebateResponse{}, err
	}

	payload := runPayload{Request: req, RunID: uuid.New()}
	workflowID := uuid.New()
	exec, err := workflow.Start(ctx, o.wlog, o.logger, workflowID, WorkflowKind, payload)
	if err != nil {
		if rerr := o.gate.Release(ctx, req.UserID); rerr != nil {
			o.logger.Warn("debate: release after failed start", "error", rerr)
		}
		return model.StartDebateResponse{}, err
	}

	if err := o.store.AddActiveGenerations(ctx, req.MasterThreadID, 1); err != nil {
		o.logger.Warn("debate: bump active generations", "error", err)
	}
	o.started.Add(ctx, 1)

	go o.run(context.WithoutCancel(ctx), exec, payload)
	return model.StartDebateResponse{WorkflowID: workflowID, RunID: payload.RunID}, nil
}

// ResumePending replays workflows interrupted by a crash or deploy.
// Called once at boot.
func (o *Orchestrator) ResumePending(ctx context.Context) error {
	pending, err := o.store.ListPendingWorkflows(ctx)
	if err != nil {
		return err
	}
	for _, p := range pending {
		if p.Kind != WorkflowKind {
			continue
		}
		var payload runPayload
		if err := json.Unmarshal(p.Payload, &payload); err != nil {
			o.logger.Error("debate: corrupt workflow payload", "workflow_id", p.ID, "error", err)
			continue
		}
		exec, err := workflow.Resume(ctx, o.wlog, o.logger, p.ID)
		if err != nil {
			o.logger.Error("debate: resume workflow", "workflow_id", p.ID, "error", err)
			continue
		}
		o.logger.Info("debate: resuming interrupted run",
			"workflow_id", p.ID, "run_id", payload.RunID)
		go o.run(context.WithoutCancel(ctx), exec, payload)
	}
	return nil
}

// GetRun returns the run created for a master message.
func (o *Orchestrator) GetRun(ctx context.Context, masterMessageID uuid.UUID) (model.DebateRun, error) {
	return o.store.GetRunByMasterMessage(ctx, masterMessageID)
}

// GetLatestRunForThread returns the most recent run for a master thread.
func (o *Orchestrator) GetLatestRunForThread(ctx context.Context, masterThreadID uuid.UUID) (model.DebateRun, error) {
	return o.store.GetLatestRunByThread(ctx, masterThreadID)
}

// run drives one workflow to completion. The reservation release and the
// active-generation decrement are unconditional: the budget window closes and
// client loading indicators clear no matter how the run ends. A run whose
// model calls all failed records no usage events, so the release is the only
// thing returning its reservation.
func (o *Orchestrator) run(ctx context.Context, exec *workflow.Execution, p runPayload) {
	defer func() {
		if err := o.gate.Release(ctx, p.Request.UserID); err != nil {
			o.logger.Warn("debate: release reservation", "error", err)
		}
		if err := o.store.AddActiveGenerations(ctx, p.Request.MasterThreadID, -1); err != nil {
			o.logger.Warn("debate: clear active generations", "error", err)
		}
	}()

	if err := o.execute(ctx, exec, p); err != nil {
		o.logger.Error("debate: run failed",
			"workflow_id", exec.ID, "run_id", p.RunID, "error", err)
		return
	}
	if err := exec.Complete(ctx); err != nil {
		o.logger.Warn("debate: mark workflow complete", "workflow_id", exec.ID, "error", err)
	}
	o.completed.Add(ctx, 1)
}

func (o *Orchestrator) execute(ctx context.Context, exec *workflow.Execution, p runPayload) error {
	req := p.Request
	participants := req.Participants()

	// Stage 1: thread fan-out. Any failure here is fatal to the run.
	threads, err := workflow.Do(ctx, exec, "threads", func(ctx context.Context) (map[model.ModelID]uuid.UUID, error) {
		var mu sync.Mutex
		out := make(map[model.ModelID]uuid.UUID, len(participants))
		g, gctx := errgroup.WithContext(ctx)
		for _, id := range participants {
			g.Go(func() error {
				mid := id
				t, err := o.store.CreateThread(gctx, model.Thread{
					UserID:  req.UserID,
					ModelID: &mid,
					Title:   model.MustLookup(id).DisplayName,
				})
				if err != nil {
					return err
				}
				mu.Lock()
				out[id] = t.ID
				mu.Unlock()
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
		return out, nil
	})
	if err != nil {
		return fmt.Errorf("debate: thread fan-out: %w", err)
	}

	// Stage 2: run registration. A replayed registration finds the existing run.
	_, err = workflow.Do(ctx, exec, "register", func(ctx context.Context) (model.DebateRun, error) {
		run := model.DebateRun{
			ID:              p.RunID,
			UserID:          req.UserID,
			MasterMessageID: req.MasterMessageID,
			MasterThreadID:  req.MasterThreadID,
			MasterModelID:   req.MasterModelID,
		}
		for i, id := range participants {
			run.AllRuns = append(run.AllRuns, model.ModelRun{
				ModelID:  id,
				ThreadID: threads[id],
				IsMaster: i == 0,
				Status:   model.ModelRunInitial,
			})
		}
		created, err := o.store.CreateRun(ctx, run)
		if errors.Is(err, storage.ErrRunExists) {
			return o.store.GetRunByMasterMessage(ctx, req.MasterMessageID)
		}
		return created, err
	})
	if err != nil {
		return fmt.Errorf("debate: register run: %w", err)
	}

	// Stage 3: round 1, parallel initial generation. Model failures degrade
	// to error text; only storage failures abort.
	round1, err := o.fanOut(ctx, exec, "round1", participants, func(ctx context.Context, id model.ModelID) (roundAnswer, error) {
		return o.roundOne(ctx, req, id, threads[id])
	})
	if err != nil {
		return fmt.Errorf("debate: round 1: %w", err)
	}

	// Stage 4: round 2, parallel peer review. Barrier: requires every
	// model's round-1 answer.
	round2, err := o.fanOut(ctx, exec, "round2", participants, func(ctx context.Context, id model.ModelID) (roundAnswer, error) {
		return o.roundTwo(ctx, req, id, threads[id], round1)
	})
	if err != nil {
		return fmt.Errorf("debate: round 2: %w", err)
	}

	// Stage 5: synthesis and summary, parallel and independent. Neither
	// failure fails the run.
	var g errgroup.Group
	g.Go(func() error {
		_, err := workflow.Do(ctx, exec, "synthesis", func(ctx context.Context) (string, error) {
			return o.synthesize(ctx, req, round2), nil
		})
		return err
	})
	g.Go(func() error {
		_, err := workflow.Do(ctx, exec, "summary", func(ctx context.Context) (bool, error) {
			return o.summarize(ctx, req, round1, round2), nil
		})
		return err
	})
	if err := g.Wait(); err != nil {
		return fmt.Errorf("debate: finalize: %w", err)
	}
	return nil
}

// fanOut runs fn for every participant concurrently, each under its own
// durable step, and returns answers in participant order.
func (o *Orchestrator) fanOut(ctx context.Context, exec *workflow.Execution, stage string, participants []model.ModelID, fn func(ctx context.Context, id model.ModelID) (roundAnswer, error)) ([]roundAnswer, error) {
	answers := make([]roundAnswer, len(participants))
	g, gctx := errgroup.WithContext(ctx)
	for i, id := range participants {
		g.Go(func() error {
			a, err := workflow.Do(gctx, exec, stage+":"+string(id), func(ctx context.Context) (roundAnswer, error) {
				return fn(ctx, id)
			})
			if err != nil {
				return err
			}
			answers[i] = a
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return answers, nil
}

// roundOne saves the user's prompt into the model's private thread and asks
// for its independent answer.
func (o *Orchestrator) roundOne(ctx context.Context, req model.StartDebateRequest, id model.ModelID, threadID uuid.UUID) (roundAnswer, error) {
	info := model.MustLookup(id)
	ans := roundAnswer{ModelID: id, ThreadID: threadID}

	if err := o.acquireToken(ctx); err != nil {
		return o.failModel(ctx, req.MasterMessageID, ans, info, err)
	}

	var fileParts []model.FilePart
	for _, fid := range req.FileIDs {
		fileParts = append(fileParts, model.FilePart{FileID: fid})
	}
	prompt, err := o.store.SaveMessage(ctx, model.Message{
		ThreadID:  threadID,
		Role:      model.RoleUser,
		Content:   req.Prompt,
		FileParts: fileParts,
	})
	if err != nil {
		return roundAnswer{}, err
	}
	if err := o.store.UpdateRunStatus(ctx, req.MasterMessageID, threadID, storage.StatusUpdate{
		Status:                 model.ModelRunInitial,
		InitialPromptMessageID: &prompt.ID,
	}); err != nil {
		return roundAnswer{}, err
	}

	resp, err := o.client.Generate(ctx, modelclient.Request{
		ModelID:  id,
		Messages: []model.Message{prompt},
	})
	if err != nil {
		return o.failModel(ctx, req.MasterMessageID, ans, info, err)
	}

	if _, err := o.store.SaveMessage(ctx, model.Message{
		ThreadID: threadID,
		Role:     model.RoleAssistant,
		Content:  resp.Text,
	}); err != nil {
		return roundAnswer{}, err
	}
	o.recordUsage(ctx, req.UserID, id, resp.Usage)

	if err := o.store.UpdateRunStatus(ctx, req.MasterMessageID, threadID, storage.StatusUpdate{
		Status: model.ModelRunDebate,
	}); err != nil {
		return roundAnswer{}, err
	}
	ans.Text = resp.Text
	return ans, nil
}

// roundTwo sends the peer-review prompt and collects the model's revised
// answer. A model that already failed round 1 still participates; its error
// text stands in as its position and the status guard keeps it at error.
func (o *Orchestrator) roundTwo(ctx context.Context, req model.StartDebateRequest, id model.ModelID, threadID uuid.UUID, round1 []roundAnswer) (roundAnswer, error) {
	info := model.MustLookup(id)
	ans := roundAnswer{ModelID: id, ThreadID: threadID}

	if err := o.acquireToken(ctx); err != nil {
		return o.failModel(ctx, req.MasterMessageID, ans, info, err)
	}

	prompt, err := o.store.SaveMessage(ctx, model.Message{
		ThreadID: threadID,
		Role:     model.RoleUser,
		Content:  buildDebatePrompt(id, req.Prompt, round1),
	})
	if err != nil {
		return roundAnswer{}, err
	}
	if err := o.store.UpdateRunStatus(ctx, req.MasterMessageID, threadID, storage.StatusUpdate{
		Status:                model.ModelRunDebate,
		DebatePromptMessageID: &prompt.ID,
	}); err != nil {
		return roundAnswer{}, err
	}

	history, err := o.store.ListMessages(ctx, threadID, false)
	if err != nil {
		return roundAnswer{}, err
	}
	resp, err := o.client.Generate(ctx, modelclient.Request{
		ModelID:  id,
		Messages: history,
	})
	if err != nil {
		return o.failModel(ctx, req.MasterMessageID, ans, info, err)
	}

	if _, err := o.store.SaveMessage(ctx, model.Message{
		ThreadID: threadID,
		Role:     model.RoleAssistant,
		Content:  resp.Text,
	}); err != nil {
		return roundAnswer{}, err
	}
	o.recordUsage(ctx, req.UserID, id, resp.Usage)

	if err := o.store.UpdateRunStatus(ctx, req.MasterMessageID, threadID, storage.StatusUpdate{
		Status: model.ModelRunComplete,
	}); err != nil {
		return roundAnswer{}, err
	}
	ans.Text = resp.Text
	return ans, nil
}

// synthesize asks the master model for the merged answer and writes it into
// the master thread. On failure it writes an apologetic assistant message
// instead; synthesis never fails the run.
func (o *Orchestrator) synthesize(ctx context.Context, req model.StartDebateRequest, round2 []roundAnswer) string {
	text, err := o.trySynthesize(ctx, req, round2)
	if err == nil {
		return text
	}
	o.logger.Error("debate: synthesis failed",
		"run_master_message", req.MasterMessageID, "error", err)
	o.modelFailures.Add(ctx, 1)

	if _, serr := o.store.SaveMessage(ctx, model.Message{
		ThreadID: req.MasterThreadID,
		Role:     model.RoleAssistant,
		Content:  "I'm sorry — I wasn't able to combine the models' answers this time. Their individual answers are still available in their panels.",
	}); serr != nil {
		o.logger.Error("debate: write synthesis apology", "error", serr)
	}
	return ""
}

func (o *Orchestrator) trySynthesize(ctx context.Context, req model.StartDebateRequest, round2 []roundAnswer) (string, error) {
	if err := o.acquireToken(ctx); err != nil {
		return "", err
	}

	instruction, err := o.store.SaveMessage(ctx, model.Message{
		ThreadID: req.MasterThreadID,
		Role:     model.RoleUser,
		Content:  buildSynthesisPrompt(req.Prompt, round2),
		Hidden:   true,
	})
	if err != nil {
		return "", err
	}

	resp, err := o.client.Generate(ctx, modelclient.Request{
		ModelID:  req.MasterModelID,
		Messages: []model.Message{instruction},
	})
	if err != nil {
		return "", err
	}
	o.recordUsage(ctx, req.UserID, req.MasterModelID, resp.Usage)

	if _, err := o.store.SaveMessage(ctx, model.Message{
		ThreadID: req.MasterThreadID,
		Role:     model.RoleAssistant,
		Content:  resp.Text,
	}); err != nil {
		return "", err
	}
	return resp.Text, nil
}

// summarize produces the structured summary in an ephemeral thread that is
// deleted afterwards regardless of outcome. Failures only omit the artifact.
func (o *Orchestrator) summarize(ctx context.Context, req model.StartDebateRequest, round1, round2 []roundAnswer) bool {
	if err := o.trySummarize(ctx, req, round1, round2); err != nil {
		o.logger.Error("debate: summary failed",
			"run_master_message", req.MasterMessageID, "error", err)
		return false
	}
	return true
}

func (o *Orchestrator) trySummarize(ctx context.Context, req model.StartDebateRequest, round1, round2 []roundAnswer) error {
	if err := o.acquireToken(ctx); err != nil {
		return err
	}

	mid := model.SummaryModel
	scratch, err := o.store.CreateThread(ctx, model.Thread{
		UserID:    req.UserID,
		ModelID:   &mid,
		Title:     "debate summary",
		Ephemeral: true,
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := o.store.DeleteThread(ctx, scratch.ID); err != nil {
			o.logger.Warn("debate: delete summary thread", "thread_id", scratch.ID, "error", err)
		}
	}()

	prompt, err := o.store.SaveMessage(ctx, model.Message{
		ThreadID: scratch.ID,
		Role:     model.RoleUser,
		Content:  buildSummaryPrompt(req.Prompt, round1, round2),
	})
	if err != nil {
		return err
	}
	resp, err := o.client.Generate(ctx, modelclient.Request{
		ModelID:    model.SummaryModel,
		Messages:   []model.Message{prompt},
		SchemaName: "debate_summary",
		Schema:     summarySchema,
	})
	if err != nil {
		return err
	}
	o.recordUsage(ctx, req.UserID, model.SummaryModel, resp.Usage)

	var summary model.StructuredSummary
	if err := json.Unmarshal([]byte(resp.Text), &summary); err != nil {
		return fmt.Errorf("debate: parse summary: %w", err)
	}
	return o.store.AttachSummary(ctx, req.MasterThreadID, summary)
}

// failModel records a per-model failure on the registry and converts it into
// error text for the surviving stages. Registry write failures stay fatal.
func (o *Orchestrator) failModel(ctx context.Context, masterMessageID uuid.UUID, ans roundAnswer, info model.ModelInfo, cause error) (roundAnswer, error) {
	o.modelFailures.Add(ctx, 1)
	o.logger.Warn("debate: model failed",
		"model", ans.ModelID, "thread_id", ans.ThreadID, "error", cause)

	msg := cause.Error()
	if err := o.store.UpdateRunStatus(ctx, masterMessageID, ans.ThreadID, storage.StatusUpdate{
		Status:       model.ModelRunError,
		ErrorMessage: &msg,
	}); err != nil {
		return roundAnswer{}, err
	}
	ans.Text = errorAnswer(info.DisplayName, cause)
	ans.Failed = true
	return ans, nil
}

// acquireToken consults the shared model-call limiter. Limiter malfunctions
// fail open.
func (o *Orchestrator) acquireToken(ctx context.Context) error {
	ok, err := o.limiter.Allow(ctx, GlobalLimitKey)
	if err != nil {
		o.logger.Warn("debate: rate limiter error, failing open", "error", err)
		return nil
	}
	if !ok {
		return ErrRateLimited
	}
	return nil
}

// recordUsage feeds one invocation's token usage to the ledger. Accounting
// failures are logged, not fatal: the answer already exists.
func (o *Orchestrator) recordUsage(ctx context.Context, userID uuid.UUID, id model.ModelID, usage modelclient.Usage) {
	if _, err := o.gate.RecordEvent(ctx, userID, id, ledger.Usage{
		PromptTokens:     usage.PromptTokens,
		CompletionTokens: usage.CompletionTokens,
		ReasoningTokens:  usage.ReasoningTokens,
	}); err != nil {
		o.logger.Error("debate: record usage", "model", id, "error", err)
	}
}
