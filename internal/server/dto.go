package server

import (
	"safeline/internal/audit"
	"safeline/internal/db"
	"safeline/internal/domain"
	"safeline/internal/gates"
	"safeline/internal/orchestrator"
)

// Request payloads

type RunOperationRequest struct {
	OperationID   string         `json:"operation_id,omitempty"`
	Service       string         `json:"service" minLength:"1"`
	OperationType string         `json:"operation_type" minLength:"1"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

type ResumeRequest struct {
	ApprovalID string `json:"approval_id,omitempty"`
}

type ReasonRequest struct {
	Reason string `json:"reason,omitempty"`
}

type GateCheckRequest struct {
	Service       string         `json:"service" minLength:"1"`
	OperationType string         `json:"operation_type" minLength:"1"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// Response payloads

type paginatedOperations struct {
	Items      []domain.Operation `json:"items"`
	NextCursor string             `json:"next_cursor,omitempty"`
}

type paginatedEvents struct {
	Items      []domain.Event `json:"items"`
	NextCursor string         `json:"next_cursor,omitempty"`
}

type EscalationResponse struct {
	Escalated []string `json:"escalated"`
}

type GateResult struct {
	Gate    string         `json:"gate_type"`
	Passed  bool           `json:"passed"`
	Reason  string         `json:"reason"`
	Details map[string]any `json:"details,omitempty"`
}

type GateOutcome struct {
	AllPassed bool         `json:"all_passed"`
	Results   []GateResult `json:"results"`
}

type ExecutionReport struct {
	Output  string `json:"output,omitempty"`
	Applied bool   `json:"applied"`
}

// OperationResult is the outcome of a lifecycle action.
type OperationResult struct {
	OperationID   string              `json:"operation_id"`
	Service       string              `json:"service"`
	OperationType string              `json:"operation_type"`
	State         string              `json:"current_state"`
	Metadata      map[string]any      `json:"metadata"`
	History       []domain.Transition `json:"history"`
	Gates         *GateOutcome        `json:"gates,omitempty"`
	Execution     *ExecutionReport    `json:"execution,omitempty"`
	Error         string              `json:"error,omitempty"`
}

type ChainReport struct {
	Checked  int    `json:"checked"`
	Valid    bool   `json:"valid"`
	BrokenAt int64  `json:"broken_at,omitempty"`
	Reason   string `json:"reason,omitempty"`
	Head     string `json:"head,omitempty"`
}

func toOperationResult(res orchestrator.Result) OperationResult {
	out := OperationResult{
		OperationID:   res.Operation.ID,
		Service:       res.Service,
		OperationType: res.Type,
		State:         string(res.Operation.State),
		Metadata:      res.Operation.Metadata,
		History:       make([]domain.Transition, 0, len(res.Operation.History)),
		Error:         res.Error,
	}
	for i, t := range res.Operation.History {
		out.History = append(out.History, domain.Transition{
			Seq:       i + 1,
			FromState: string(t.From),
			ToState:   string(t.To),
			Trigger:   t.Trigger,
			ActorID:   t.Actor,
			TS:        db.FormatTime(t.At),
		})
	}
	if res.Gates != nil {
		g := toGateOutcome(*res.Gates)
		out.Gates = &g
	}
	if res.Execution != nil {
		out.Execution = &ExecutionReport{Output: res.Execution.Output, Applied: res.Execution.Applied}
	}
	return out
}

func toGateOutcome(o gates.Outcome) GateOutcome {
	out := GateOutcome{AllPassed: o.AllPassed, Results: make([]GateResult, 0, len(o.Results))}
	for _, r := range o.Results {
		out.Results = append(out.Results, GateResult{
			Gate:    string(r.Gate),
			Passed:  r.Passed,
			Reason:  r.Reason,
			Details: r.Details,
		})
	}
	return out
}

func toChainReport(r audit.Report) ChainReport {
	return ChainReport{Checked: r.Checked, Valid: r.Valid, BrokenAt: r.BrokenAt, Reason: r.Reason, Head: r.Head}
}
