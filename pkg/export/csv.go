package export

import (
	"bytes"
	"encoding/csv"
	"sort"

	"github.com/valdrix-ai/ecp/pkg/approval"
	"github.com/valdrix-ai/ecp/pkg/decisionledger"
	"github.com/valdrix-ai/ecp/pkg/reservation"
)

var decisionsHeader = []string{
	"decision_id", "tenant_id", "source", "action", "environment", "status",
	"reason_code", "policy_version", "policy_document_sha256",
	"computed_context_version", "computed_context_generated_at",
	"month_start", "month_end", "data_source_mode",
	"estimated_monthly_delta_usd", "estimated_hourly_delta_usd",
	"resource_ref", "idempotency_key", "approval_request_id", "created_at",
}

// decisionsCSV renders decisions.csv deterministically: rows sorted by
// (created_at, decision_id) so two runs over the same data produce
// byte-identical output (§4.K, §8 property 6).
func decisionsCSV(decisions []decisionledger.Decision) ([]byte, error) {
	sorted := make([]decisionledger.Decision, len(decisions))
	copy(sorted, decisions)
	sort.Slice(sorted, func(i, j int) bool {
		if !sorted[i].CreatedAt.Equal(sorted[j].CreatedAt) {
			return sorted[i].CreatedAt.Before(sorted[j].CreatedAt)
		}
		return sorted[i].ID < sorted[j].ID
	})

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(decisionsHeader); err != nil {
		return nil, err
	}
	for _, d := range sorted {
		row := []string{
			d.ID, d.TenantID, string(d.Source), d.Action, d.Environment, string(d.Status),
			d.ReasonCode, itoa(d.PolicyVersion), d.PolicyDocumentSHA256,
			stringField(d.ComputedContext, "context_version"),
			timeField(d.ComputedContext, "generated_at"),
			timeField(d.ComputedContext, "month_start"),
			timeField(d.ComputedContext, "month_end"),
			stringField(d.ComputedContext, "data_source_mode"),
			d.EstimatedMonthlyDeltaUSD.String(), d.EstimatedHourlyDeltaUSD.String(),
			d.ResourceRef, d.IdempotencyKey, d.ApprovalRequestID, rfc3339(d.CreatedAt),
		}
		if err := w.Write(row); err != nil {
			return nil, err
		}
	}
	w.Flush()
	return buf.Bytes(), w.Error()
}

var approvalsHeader = []string{
	"id", "decision_id", "tenant_id", "project_id", "environment", "source",
	"requester_id", "status", "reviewer_id", "reviewed_at", "expires_at",
	"quorum_required", "quorum_count", "created_at",
}

func approvalsCSV(requests []approval.Request) ([]byte, error) {
	sorted := make([]approval.Request, len(requests))
	copy(sorted, requests)
	sort.Slice(sorted, func(i, j int) bool {
		if !sorted[i].CreatedAt.Equal(sorted[j].CreatedAt) {
			return sorted[i].CreatedAt.Before(sorted[j].CreatedAt)
		}
		return sorted[i].ID < sorted[j].ID
	})

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(approvalsHeader); err != nil {
		return nil, err
	}
	for _, r := range sorted {
		reviewedAt := ""
		if r.ReviewedAt != nil {
			reviewedAt = rfc3339(*r.ReviewedAt)
		}
		row := []string{
			r.ID, r.DecisionID, r.TenantID, r.ProjectID, r.Environment, r.Source,
			r.RequesterID, string(r.Status), r.ReviewerID, reviewedAt, rfc3339(r.ExpiresAt),
			itoa(r.QuorumRequired), itoa(r.QuorumCount), rfc3339(r.CreatedAt),
		}
		if err := w.Write(row); err != nil {
			return nil, err
		}
	}
	w.Flush()
	return buf.Bytes(), w.Error()
}

var reservationsHeader = []string{
	"decision_id", "tenant_id", "grant_id", "pool_type", "amount_usd",
	"state", "expires_at", "created_at",
}

func reservationsCSV(allocations []reservation.Allocation) ([]byte, error) {
	sorted := make([]reservation.Allocation, len(allocations))
	copy(sorted, allocations)
	sort.Slice(sorted, func(i, j int) bool {
		if !sorted[i].CreatedAt.Equal(sorted[j].CreatedAt) {
			return sorted[i].CreatedAt.Before(sorted[j].CreatedAt)
		}
		if sorted[i].DecisionID != sorted[j].DecisionID {
			return sorted[i].DecisionID < sorted[j].DecisionID
		}
		return sorted[i].GrantID < sorted[j].GrantID
	})

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(reservationsHeader); err != nil {
		return nil, err
	}
	for _, a := range sorted {
		row := []string{
			a.DecisionID, a.TenantID, a.GrantID, string(a.PoolType), a.AmountUSD.String(),
			string(a.State), rfc3339(a.ExpiresAt), rfc3339(a.CreatedAt),
		}
		if err := w.Write(row); err != nil {
			return nil, err
		}
	}
	w.Flush()
	return buf.Bytes(), w.Error()
}

var ledgerHeader = []string{
	"sequence", "event_type", "decision_id", "tenant_id", "content_hash",
	"prev_hash", "timestamp",
}

func ledgerCSV(rows []decisionledger.Row) ([]byte, error) {
	sorted := make([]decisionledger.Row, len(rows))
	copy(sorted, rows)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Sequence < sorted[j].Sequence })

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(ledgerHeader); err != nil {
		return nil, err
	}
	for _, r := range sorted {
		row := []string{
			uitoa(r.Sequence), string(r.EventType), r.DecisionID, r.TenantID,
			r.ContentHash, r.PrevHash, rfc3339(r.Timestamp),
		}
		if err := w.Write(row); err != nil {
			return nil, err
		}
	}
	w.Flush()
	return buf.Bytes(), w.Error()
}
