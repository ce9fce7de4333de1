package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/valdrix-ai/ecp/pkg/apierr"
)

// handleLedger inspects the append-only Decision Ledger (§4.G): either the
// full transition history of one decision_id, or every row for a tenant
// within a [from, to) window, for ad-hoc audit and the Export Parity
// bundle's manual counterpart.
func (h *Handler) handleLedger(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	if decisionID := q.Get("decision_id"); decisionID != "" {
		rows, err := h.ledger.History(requestContext(r), decisionID)
		if err != nil {
			apierr.WriteInternal(w, r, err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"rows": rows})
		return
	}

	tenantID := q.Get("tenant_id")
	if tenantID == "" {
		apierr.WriteError(w, r, apierr.New(apierr.InvalidRequest, "missing_field", "decision_id or tenant_id is required"))
		return
	}

	from, err := parseTimeOrDefault(q.Get("from"), time.Unix(0, 0).UTC())
	if err != nil {
		apierr.WriteError(w, r, apierr.New(apierr.InvalidRequest, "invalid_from", "from must be RFC3339"))
		return
	}
	to, err := parseTimeOrDefault(q.Get("to"), h.clock())
	if err != nil {
		apierr.WriteError(w, r, apierr.New(apierr.InvalidRequest, "invalid_to", "to must be RFC3339"))
		return
	}

	rows, err := h.ledger.RowsForTenant(requestContext(r), tenantID, from, to)
	if err != nil {
		apierr.WriteInternal(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"rows": rows})
}

func parseTimeOrDefault(s string, def time.Time) (time.Time, error) {
	if s == "" {
		return def, nil
	}
	return time.Parse(time.RFC3339, s)
}
