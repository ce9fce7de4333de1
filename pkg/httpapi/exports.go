package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/valdrix-ai/ecp/pkg/apierr"
	"github.com/valdrix-ai/ecp/pkg/export"
)

// handleExportParity builds an Export Parity bundle (§4.K) for a tenant and
// window, returning it inline as JSON for ad-hoc inspection and CI parity
// checks — no Sink write.
func (h *Handler) handleExportParity(w http.ResponseWriter, r *http.Request) {
	bundle, err := h.buildExportBundle(r)
	if err != nil {
		apierr.WriteError(w, r, apierr.New(apierr.InvalidRequest, "invalid_window", err.Error()))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"manifest":           bundle.Manifest,
		"manifest_sha256":    bundle.ManifestSHA256,
		"manifest_signature": bundle.ManifestSignature,
		"manifest_key_id":    bundle.ManifestKeyID,
		"entries":            bundle.Entries(),
	})
}

// handleExportArchive builds the same bundle and publishes it to the
// configured Sink (§4.K), returning the object-key prefix it was written
// under rather than the payload itself.
func (h *Handler) handleExportArchive(w http.ResponseWriter, r *http.Request) {
	bundle, err := h.buildExportBundle(r)
	if err != nil {
		apierr.WriteError(w, r, apierr.New(apierr.InvalidRequest, "invalid_window", err.Error()))
		return
	}

	if err := export.Publish(requestContext(r), h.sink, bundle); err != nil {
		apierr.WriteInternal(w, r, err)
		return
	}

	prefix := bundle.TenantID + "/" + bundle.WindowFrom.UTC().Format(time.RFC3339Nano) + "_" + bundle.WindowTo.UTC().Format(time.RFC3339Nano) + "/"
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"published_prefix":   prefix,
		"manifest_sha256":    bundle.ManifestSHA256,
		"manifest_signature": bundle.ManifestSignature,
	})
}

// buildExportBundle parses tenant_id/from/to from the query string and
// assembles the bundle via export.Build.
func (h *Handler) buildExportBundle(r *http.Request) (*export.Bundle, error) {
	q := r.URL.Query()
	tenantID := q.Get("tenant_id")
	if tenantID == "" {
		return nil, errMissingTenantID
	}

	from, err := parseTimeOrDefault(q.Get("from"), time.Unix(0, 0).UTC())
	if err != nil {
		return nil, err
	}
	to, err := parseTimeOrDefault(q.Get("to"), h.clock())
	if err != nil {
		return nil, err
	}

	return export.Build(requestContext(r), tenantID, from, to, h.decisions, h.approvalStore, h.credits, h.ledger, h.signer, h.clock())
}

type missingFieldError struct{ field string }

func (e *missingFieldError) Error() string { return e.field + " is required" }

var errMissingTenantID = &missingFieldError{field: "tenant_id"}
