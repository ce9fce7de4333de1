package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/valdrix-ai/ecp/pkg/apierr"
	"github.com/valdrix-ai/ecp/pkg/budget"
)

// handleBudgetsPut configures (or replaces) the monthly cap for one
// (tenant, project) scope key.
func (h *Handler) handleBudgetsPut(w http.ResponseWriter, r *http.Request) {
	var alloc budget.Allocation
	if err := json.NewDecoder(r.Body).Decode(&alloc); err != nil {
		apierr.WriteError(w, r, apierr.New(apierr.InvalidRequest, "malformed_json", "request body is not valid JSON"))
		return
	}
	if alloc.TenantID == "" || alloc.ProjectID == "" {
		apierr.WriteError(w, r, apierr.New(apierr.InvalidRequest, "missing_field", "tenant_id and project_id are required"))
		return
	}

	if err := h.allocations.Put(requestContext(r), alloc); err != nil {
		apierr.WriteInternal(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(alloc)
}

// handleBudgetsGet returns a single allocation when project_id is given,
// or every allocation for a tenant otherwise.
func (h *Handler) handleBudgetsGet(w http.ResponseWriter, r *http.Request) {
	tenantID := r.URL.Query().Get("tenant_id")
	if tenantID == "" {
		apierr.WriteError(w, r, apierr.New(apierr.InvalidRequest, "missing_field", "tenant_id is required"))
		return
	}

	projectID := r.URL.Query().Get("project_id")
	if projectID != "" {
		alloc, err := h.allocations.Get(requestContext(r), tenantID, projectID)
		if err != nil {
			apierr.WriteInternal(w, r, err)
			return
		}
		if alloc == nil {
			apierr.WriteError(w, r, apierr.New(apierr.InvalidRequest, "not_found", "no budget configured for this project"))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(alloc)
		return
	}

	allocs, err := h.allocations.ListForTenant(requestContext(r), tenantID)
	if err != nil {
		apierr.WriteInternal(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"allocations": allocs})
}
