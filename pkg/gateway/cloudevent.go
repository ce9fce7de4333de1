package gateway

import (
	"encoding/json"
	"net/http"

	"github.com/valdrix-ai/ecp/pkg/apierr"
	"github.com/valdrix-ai/ecp/pkg/decisionledger"
	"github.com/valdrix-ai/ecp/pkg/engine"
	"github.com/valdrix-ai/ecp/pkg/money"
)

// CloudEvent is the CloudEvents v1.0 envelope consumed at `/gate/cloud-event`
// (§4.J): only the fields the gate needs out of the full spec.
type CloudEvent struct {
	ID          string          `json:"id"`
	Source      string          `json:"source"`
	SpecVersion string          `json:"specversion"`
	Type        string          `json:"type"`
	Data        json.RawMessage `json:"data"`
}

// cloudEventGateData is the shape this adapter expects inside a
// CloudEvent's data payload.
type cloudEventGateData struct {
	TenantID                 string       `json:"tenant_id"`
	Action                   string       `json:"action"`
	ProjectID                string       `json:"project_id"`
	Environment              string       `json:"environment"`
	ResourceRef              string       `json:"resource_ref"`
	EstimatedMonthlyDeltaUSD money.Amount `json:"estimated_cost_delta_usd_monthly"`
	EstimatedHourlyDeltaUSD  money.Amount `json:"estimated_cost_delta_usd_hourly"`
}

func (h *Handler) handleCloudEvent(w http.ResponseWriter, r *http.Request) {
	var event CloudEvent
	if err := json.NewDecoder(r.Body).Decode(&event); err != nil {
		apierr.WriteError(w, r, apierr.New(apierr.InvalidRequest, "malformed_json", "request body is not a valid CloudEvent"))
		return
	}
	if event.ID == "" {
		apierr.WriteError(w, r, apierr.New(apierr.InvalidRequest, "missing_field", "CloudEvent id is required"))
		return
	}

	var data cloudEventGateData
	if len(event.Data) > 0 {
		if err := json.Unmarshal(event.Data, &data); err != nil {
			apierr.WriteError(w, r, apierr.New(apierr.InvalidRequest, "malformed_data", "CloudEvent data is not valid JSON"))
			return
		}
	}
	if data.TenantID == "" || data.Environment == "" {
		apierr.WriteError(w, r, apierr.New(apierr.InvalidRequest, "missing_field", "data.tenant_id and data.environment are required"))
		return
	}

	fingerprint, err := computeFingerprint(data.ResourceRef, data.Action, data.EstimatedMonthlyDeltaUSD, data.EstimatedHourlyDeltaUSD)
	if err != nil {
		apierr.WriteInternal(w, r, err)
		return
	}

	in := engine.GateInput{
		TenantID:                 data.TenantID,
		Source:                   decisionledger.SourceCloudEvent,
		Action:                   data.Action,
		ProjectID:                data.ProjectID,
		Environment:              data.Environment,
		ResourceRef:              data.ResourceRef,
		IdempotencyKey:           "cloudevent:" + event.ID,
		RequestFingerprint:       fingerprint,
		EstimatedMonthlyDeltaUSD: data.EstimatedMonthlyDeltaUSD,
		EstimatedHourlyDeltaUSD:  data.EstimatedHourlyDeltaUSD,
	}

	decision, err := h.evaluate(r.Context(), in, requesterID(r))
	if err != nil {
		writeEvaluateError(w, r, err)
		return
	}

	resp := newGateDecisionResponse(decision)
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Cloud-Event-Data-SHA256", sha256Hex(event.Data))
	_ = json.NewEncoder(w).Encode(struct {
		GateDecisionResponse
		CloudEventDataSHA256 string `json:"cloud_event_data_sha256"`
	}{GateDecisionResponse: resp, CloudEventDataSHA256: sha256Hex(event.Data)})
}
