// Package webhook applies orchestrator completion callbacks to tracked items.
package webhook

import (
	"fmt"
	"strings"

	"github.com/JakeFAU/realtime-sound-tracker/internal/provider"
)

// RunResult is the normalized terminal signal of a callback.
type RunResult string

// Callback results.
const (
	ResultSucceeded RunResult = "succeeded"
	ResultFailed    RunResult = "failed"
	ResultPending   RunResult = "pending"
)

// Callback is one parsed orchestrator delivery.
type Callback struct {
	Handle        string
	Result        RunResult
	RawStatus     string
	FailureReason string
	Items         []any
	Raw           []byte
}

var (
	handlePaths = []string{
		"correlationHandle", "correlation_handle", "runId", "run_id",
		"resource.id", "eventData.actorRunId", "data.runId", "run.id",
	}
	statusPaths = []string{"status", "resource.status", "eventType", "data.status", "run.status", "state"}
	reasonPaths = []string{
		"failureReason", "failure_reason", "error.message", "error",
		"resource.statusMessage", "statusMessage", "message",
	}
	itemPaths = []string{"items", "data.items", "resource.items", "dataset", "results"}
)

// Parse decodes body into a Callback.
func Parse(fields *provider.Fields, body []byte) (Callback, error) {
	if fields == nil {
		fields = provider.NewFields()
	}
	doc, err := provider.Decode(body)
	if err != nil {
		return Callback{}, fmt.Errorf("parse callback: %w", err)
	}
	if _, ok := doc.(map[string]any); !ok {
		return Callback{}, fmt.Errorf("parse callback: expected a JSON object")
	}
	raw := fields.String(doc, statusPaths...)
	cb := Callback{
		Handle:        fields.String(doc, handlePaths...),
		RawStatus:     raw,
		Result:        normalizeResult(raw),
		FailureReason: fields.String(doc, reasonPaths...),
		Items:         fields.List(doc, itemPaths...),
		Raw:           body,
	}
	return cb, nil
}

func normalizeResult(raw string) RunResult {
	s := strings.ToLower(raw)
	s = strings.TrimPrefix(s, "actor.run.")
	switch s {
	case "succeeded", "success", "successful", "completed", "complete", "done", "finished":
		return ResultSucceeded
	case "failed", "failure", "error", "errored", "aborted", "timed-out", "timed_out", "timeout", "cancelled", "canceled":
		return ResultFailed
	default:
		return ResultPending
	}
}
