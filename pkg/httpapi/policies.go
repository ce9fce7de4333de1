package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/valdrix-ai/ecp/pkg/apierr"
	"github.com/valdrix-ai/ecp/pkg/policy"
)

// handlePoliciesPut publishes a new policy version for a tenant (§4.A put):
// the request body is a policy.Document, tenant_id taken from the query
// string so the body itself stays a pure policy payload.
func (h *Handler) handlePoliciesPut(w http.ResponseWriter, r *http.Request) {
	tenantID := r.URL.Query().Get("tenant_id")
	if tenantID == "" {
		apierr.WriteError(w, r, apierr.New(apierr.InvalidRequest, "missing_field", "tenant_id is required"))
		return
	}

	var doc policy.Document
	if err := json.NewDecoder(r.Body).Decode(&doc); err != nil {
		apierr.WriteError(w, r, apierr.New(apierr.InvalidRequest, "malformed_json", "request body is not valid JSON"))
		return
	}

	version, hash, err := h.policies.Put(requestContext(r), tenantID, &doc)
	if err != nil {
		apierr.WriteError(w, r, apierr.Wrap(apierr.InvalidRequest, "policy_rejected", err.Error(), err))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"policy_version": version,
		"sha256_hash":    hash,
	})
}

// handlePoliciesGet returns the active policy document, or a specific
// historical version when `version` is present in the query string.
func (h *Handler) handlePoliciesGet(w http.ResponseWriter, r *http.Request) {
	tenantID := r.URL.Query().Get("tenant_id")
	if tenantID == "" {
		apierr.WriteError(w, r, apierr.New(apierr.InvalidRequest, "missing_field", "tenant_id is required"))
		return
	}

	var doc *policy.Document
	var err error
	if v := r.URL.Query().Get("version"); v != "" {
		version, convErr := strconv.Atoi(v)
		if convErr != nil {
			apierr.WriteError(w, r, apierr.New(apierr.InvalidRequest, "invalid_version", "version must be an integer"))
			return
		}
		doc, err = h.policies.GetVersion(requestContext(r), tenantID, version)
	} else {
		doc, err = h.policies.GetActive(requestContext(r), tenantID)
	}

	if err != nil {
		if errors.Is(err, policy.ErrNotFound) {
			apierr.WriteError(w, r, apierr.Wrap(apierr.InvalidRequest, "not_found", "no matching policy document", err))
			return
		}
		apierr.WriteInternal(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(doc)
}
