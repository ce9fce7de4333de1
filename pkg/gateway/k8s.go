package gateway

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/valdrix-ai/ecp/pkg/apierr"
	"github.com/valdrix-ai/ecp/pkg/decisionledger"
	"github.com/valdrix-ai/ecp/pkg/engine"
	"github.com/valdrix-ai/ecp/pkg/money"
	"github.com/valdrix-ai/ecp/pkg/throttle"
)

// Annotation keys the K8s adapter reads cost estimates from (§4.J).
const (
	annotationMonthlyCost = "valdrix.io/cost-monthly-usd"
	annotationHourlyCost  = "valdrix.io/cost-hourly-usd"
	annotationTenantID    = "valdrix.io/tenant-id"
)

// AdmissionReview is the verbatim Kubernetes admission webhook contract
// (§4.J, §6): response.uid echoes request.uid, status.code is HTTP-style,
// warnings is always an array.
type AdmissionReview struct {
	APIVersion string             `json:"apiVersion"`
	Kind       string             `json:"kind"`
	Request    *AdmissionRequest  `json:"request,omitempty"`
	Response   *AdmissionResponse `json:"response,omitempty"`
}

type AdmissionRequest struct {
	UID       string          `json:"uid"`
	Operation string          `json:"operation"`
	Resource  AdmissionGVR    `json:"resource"`
	Namespace string          `json:"namespace"`
	Name      string          `json:"name"`
	Object    json.RawMessage `json:"object"`
}

type AdmissionGVR struct {
	Group    string `json:"group"`
	Version  string `json:"version"`
	Resource string `json:"resource"`
}

type AdmissionResponse struct {
	UID              string            `json:"uid"`
	Allowed          bool              `json:"allowed"`
	Status           *AdmissionStatus  `json:"status,omitempty"`
	Warnings         []string          `json:"warnings"`
	AuditAnnotations map[string]string `json:"auditAnnotations,omitempty"`
}

type AdmissionStatus struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// k8sObjectMeta is the subset of a Kubernetes object this adapter reads:
// namespace/name for project_id resolution, and the cost annotations.
type k8sObjectMeta struct {
	Metadata struct {
		Namespace   string            `json:"namespace"`
		Name        string            `json:"name"`
		Annotations map[string]string `json:"annotations"`
	} `json:"metadata"`
}

func (h *Handler) handleK8sAdmissionReview(w http.ResponseWriter, r *http.Request) {
	var review AdmissionReview
	if err := json.NewDecoder(r.Body).Decode(&review); err != nil || review.Request == nil {
		apierr.WriteError(w, r, apierr.New(apierr.InvalidRequest, "malformed_admission_review", "request body is not a valid AdmissionReview"))
		return
	}
	req := review.Request

	var obj k8sObjectMeta
	if len(req.Object) > 0 {
		if err := json.Unmarshal(req.Object, &obj); err != nil {
			writeAdmissionDeny(w, req.UID, http.StatusUnprocessableEntity, "request.object is not valid JSON", nil)
			return
		}
	}

	monthly, hourly, warnings, err := parseCostAnnotations(obj.Metadata.Annotations)
	if err != nil {
		writeAdmissionDeny(w, req.UID, http.StatusUnprocessableEntity, err.Error(), nil)
		return
	}

	tenantID := obj.Metadata.Annotations[annotationTenantID]
	projectID := req.Namespace
	if projectID == "" {
		projectID = obj.Metadata.Namespace
	}
	if tenantID == "" || projectID == "" {
		writeAdmissionDeny(w, req.UID, http.StatusUnprocessableEntity, "tenant_id annotation and namespace are required", nil)
		return
	}

	resourceRef := req.Resource.Resource + "/" + obj.Metadata.Namespace + "/" + obj.Metadata.Name
	fingerprint, ferr := computeFingerprint(resourceRef, req.Operation, monthly, hourly)
	if ferr != nil {
		apierr.WriteInternal(w, r, ferr)
		return
	}

	in := engine.GateInput{
		TenantID:                 tenantID,
		Source:                   decisionledger.SourceK8sAdmission,
		Action:                   req.Operation,
		ProjectID:                projectID,
		Environment:              environmentForNamespace(obj.Metadata.Namespace),
		ResourceRef:              resourceRef,
		RequestFingerprint:       fingerprint,
		EstimatedMonthlyDeltaUSD: monthly,
		EstimatedHourlyDeltaUSD:  hourly,
	}

	decision, err := h.evaluate(r.Context(), in, requesterID(r))
	if err != nil {
		var thr *throttle.ErrThrottled
		switch {
		case errors.Is(err, engine.ErrIdempotencyConflict):
			writeAdmissionDeny(w, req.UID, http.StatusConflict, err.Error(), nil)
		case errors.As(err, &thr):
			writeAdmissionDeny(w, req.UID, http.StatusTooManyRequests, err.Error(), nil)
		default:
			writeAdmissionDeny(w, req.UID, http.StatusInternalServerError, "internal error evaluating the gate", nil)
		}
		return
	}

	allowed := decision.Status == decisionledger.StatusAllow || decision.Status == decisionledger.StatusAllowWithCredits || decision.Status == decisionledger.StatusFailSafeAllow
	resp := AdmissionReview{
		APIVersion: review.APIVersion,
		Kind:       review.Kind,
		Response: &AdmissionResponse{
			UID:     req.UID,
			Allowed: allowed,
			Status: &AdmissionStatus{
				Code:    admissionStatusCode(allowed, decision.Status),
				Message: decision.ReasonCode,
			},
			Warnings:         warnings,
			AuditAnnotations: map[string]string{"reason_code": decision.ReasonCode},
		},
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

// handleK8sLegacy is the legacy `/gate/k8s/admission` endpoint (§6): same
// semantics as the native AdmissionReview adapter, retained for callers
// that haven't migrated to the v1 webhook contract. It wraps the request
// in a minimal AdmissionReview envelope and reuses the native handler.
func (h *Handler) handleK8sLegacy(w http.ResponseWriter, r *http.Request) {
	var req AdmissionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apierr.WriteError(w, r, apierr.New(apierr.InvalidRequest, "malformed_json", "request body is not valid JSON"))
		return
	}
	body, err := json.Marshal(AdmissionReview{APIVersion: "admission.k8s.io/v1", Kind: "AdmissionReview", Request: &req})
	if err != nil {
		apierr.WriteInternal(w, r, err)
		return
	}
	r2 := r.Clone(r.Context())
	r2.Body = io.NopCloser(bytes.NewReader(body))
	h.handleK8sAdmissionReview(w, r2)
}

func admissionStatusCode(allowed bool, status decisionledger.Status) int {
	if allowed {
		return http.StatusOK
	}
	if status == decisionledger.StatusRequireApproval || status == decisionledger.StatusFailSafeRequireApprove {
		return http.StatusAccepted
	}
	return http.StatusForbidden
}

func writeAdmissionDeny(w http.ResponseWriter, uid string, code int, message string, warnings []string) {
	if warnings == nil {
		warnings = []string{}
	}
	resp := AdmissionReview{
		APIVersion: "admission.k8s.io/v1",
		Kind:       "AdmissionReview",
		Response: &AdmissionResponse{
			UID:      uid,
			Allowed:  false,
			Status:   &AdmissionStatus{Code: code, Message: message},
			Warnings: warnings,
		},
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(resp)
}

// parseCostAnnotations parses the two cost annotations as decimals,
// returning an InvalidRequest-class error on any malformed value per
// §4.J: "Invalid decimal annotation -> 422 / unprocessable."
func parseCostAnnotations(annotations map[string]string) (monthly, hourly money.Amount, warnings []string, err error) {
	monthly = money.Zero()
	hourly = money.Zero()
	warnings = []string{}
	if v, ok := annotations[annotationMonthlyCost]; ok && v != "" {
		monthly, err = money.Parse(v)
		if err != nil {
			return money.Amount{}, money.Amount{}, nil, errors.New("invalid decimal in " + annotationMonthlyCost)
		}
	} else {
		warnings = append(warnings, "no "+annotationMonthlyCost+" annotation; treated as zero cost")
	}
	if v, ok := annotations[annotationHourlyCost]; ok && v != "" {
		hourly, err = money.Parse(v)
		if err != nil {
			return money.Amount{}, money.Amount{}, nil, errors.New("invalid decimal in " + annotationHourlyCost)
		}
	}
	return monthly, hourly, warnings, nil
}

// environmentForNamespace maps a K8s namespace to an environment the
// fail-safe mode matrix understands, following the common convention of a
// "prod-" / "nonprod" namespace prefix (§4.J: "namespace -> project_id or
// label lookup").
func environmentForNamespace(namespace string) string {
	if len(namespace) >= 5 && namespace[:5] == "prod-" {
		return "prod"
	}
	if namespace == "prod" {
		return "prod"
	}
	return "nonprod"
}
