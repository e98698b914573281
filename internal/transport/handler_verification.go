package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/medlar/approvals/model"
)

type resolveVerificationRequest struct {
	Decision      string   `json:"decision"`
	VerifiedValue *float64 `json:"verified_value,omitempty"`
	Reason        string   `json:"reason,omitempty"`
}

// HandleResolveVerification handles POST /v1/verifications/{recordId}/resolve.
func (h *Handlers) HandleResolveVerification(w http.ResponseWriter, r *http.Request) {
	actor := model.MustActorContext(r.Context())
	recordID := chi.URLParam(r, "recordId")

	var req resolveVerificationRequest
	if err := decodeBody(w, r, &req); err != nil {
		WriteError(w, err)
		return
	}
	if req.Decision == "" {
		WriteValidationError(w, []model.FieldError{{
			Field: "decision", Code: "REQUIRED",
			Message: "decision is required (approve or reject)",
		}})
		return
	}

	rec, err := h.gate.Resolve(
		r.Context(), recordID, actor, req.Decision, req.VerifiedValue, req.Reason,
	)
	if err != nil {
		WriteError(w, err)
		return
	}

	if h.metrics != nil {
		h.metrics.RecordVerificationResolved(req.Decision)
	}
	WriteJSON(w, http.StatusOK, rec)
}

// HandleGetVerification handles GET /v1/verifications/{recordId}.
func (h *Handlers) HandleGetVerification(w http.ResponseWriter, r *http.Request) {
	recordID := chi.URLParam(r, "recordId")

	rec, err := h.gate.Get(r.Context(), recordID)
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, rec)
}
