package transport

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"splinter/internal/admin/service"
	"splinter/internal/circuit"
	"splinter/internal/wire"
)

// HTTPIngress is the minimal local HTTP surface spec.md §6 says sits in
// front of submit_circuit_change ("offered via a REST layer that is out of
// scope" — the endpoint exists for local tooling and tests, not as a
// specified external contract).
type HTTPIngress struct {
	svc    *service.Service
	logger *slog.Logger
}

// NewHTTPIngress builds a chi.Router exposing POST /circuits/submit.
func NewHTTPIngress(svc *service.Service, logger *slog.Logger) chi.Router {
	if logger == nil {
		logger = slog.Default()
	}
	h := &HTTPIngress{svc: svc, logger: logger}
	r := chi.NewRouter()
	r.Post("/circuits/submit", h.submit)
	return r
}

func (h *HTTPIngress) submit(w http.ResponseWriter, r *http.Request) {
	var payload wire.CircuitManagementPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := h.svc.SubmitCircuitChange(r.Context(), payload); err != nil {
		writeError(w, statusForError(err), err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]bool{"ok": true})
}

func statusForError(err error) int {
	var se *circuit.SplinterError
	if !errors.As(err, &se) {
		return http.StatusInternalServerError
	}
	switch se.Kind {
	case circuit.ErrInvalidPayload:
		return http.StatusBadRequest
	case circuit.ErrInvalidState:
		return http.StatusConflict
	case circuit.ErrUnauthorized:
		return http.StatusForbidden
	case circuit.ErrProtocolMismatch:
		return http.StatusUpgradeRequired
	case circuit.ErrConsensusTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}
