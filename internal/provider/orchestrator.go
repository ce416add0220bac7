package provider

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-sound-tracker/internal/httpclient"
	"github.com/JakeFAU/realtime-sound-tracker/internal/tracker"
)

// RunStatus is the orchestrator's view of a submitted run.
type RunStatus string

// Statuses an orchestrator reports right after submission.
const (
	RunQueued  RunStatus = "queued"
	RunRunning RunStatus = "running"
)

// OrchestratorConfig locates the job orchestration service.
type OrchestratorConfig struct {
	BaseURL string
	Token   string
	// Actors maps a platform to the orchestrator task that indexes its sounds.
	Actors map[tracker.Platform]string
}

// RunRequest describes one asynchronous indexing job.
type RunRequest struct {
	Platform   tracker.Platform
	StartURLs  []string
	MaxItems   int
	WebhookURL string
}

// Run is the orchestrator's acknowledgement of a submission.
type Run struct {
	Handle string
	Status RunStatus
}

var (
	runIDPaths     = enveloped([]string{"id", "runId", "run_id", "run.id"})
	runStatusPaths = enveloped([]string{"status", "state", "run.status"})
)

// Orchestrator submits long-running indexing runs.
type Orchestrator struct {
	doer   Doer
	cfg    OrchestratorConfig
	fields *Fields
	logger *zap.Logger
}

// NewOrchestrator wires an orchestrator client.
func NewOrchestrator(doer Doer, cfg OrchestratorConfig, logger *zap.Logger) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{doer: doer, cfg: cfg, fields: NewFields(), logger: logger.Named("orchestrator")}
}

// StartRun submits a run and returns its correlation handle without waiting for it.
func (o *Orchestrator) StartRun(ctx context.Context, in RunRequest) (Run, error) {
	actor, ok := o.cfg.Actors[in.Platform]
	if !ok || actor == "" {
		return Run{}, fmt.Errorf("start run: no orchestrator task for %s", in.Platform)
	}
	payload := map[string]any{
		"startUrls": in.StartURLs,
		"maxItems":  in.MaxItems,
	}
	if in.WebhookURL != "" {
		payload["webhookUrl"] = in.WebhookURL
	}
	endpoint := strings.TrimRight(o.cfg.BaseURL, "/") + "/v2/acts/" + url.PathEscape(actor) + "/runs"
	req, err := httpclient.NewJSONRequest("start_run", http.MethodPost, endpoint, payload)
	if err != nil {
		return Run{}, err
	}
	if o.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+o.cfg.Token)
	}

	resp, err := o.doer.Do(ctx, req)
	if err != nil {
		return Run{}, fmt.Errorf("start run: %w", err)
	}
	doc, err := Decode(resp.Body)
	if err != nil {
		return Run{}, fmt.Errorf("start run: %w", err)
	}
	run := Run{
		Handle: o.fields.String(doc, runIDPaths...),
		Status: normalizeRunStatus(o.fields.String(doc, runStatusPaths...)),
	}
	if run.Handle == "" {
		return Run{}, fmt.Errorf("start run: response carried no run id")
	}
	o.logger.Info("orchestrator run started",
		zap.String("platform", string(in.Platform)),
		zap.String("run_handle", run.Handle),
		zap.String("status", string(run.Status)),
	)
	return run, nil
}

func normalizeRunStatus(raw string) RunStatus {
	switch strings.ToLower(raw) {
	case "running", "started", "in_progress":
		return RunRunning
	default:
		return RunQueued
	}
}
