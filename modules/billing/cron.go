package billing

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/dmitrymomot/tokenbill/pkg/logger"
	billingsvc "github.com/dmitrymomot/tokenbill/svc/billing"
)

// cronAuth admits requests carrying "Authorization: Bearer <CronSecret>".
func (h *Handler) cronAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		scheme, token, _ := strings.Cut(r.Header.Get("Authorization"), " ")
		if h.cronSecret == "" ||
			!strings.EqualFold(scheme, "Bearer") ||
			subtle.ConstantTimeCompare([]byte(strings.TrimSpace(token)), []byte(h.cronSecret)) != 1 {
			writeError(w, http.StatusUnauthorized, "unauthorized", "")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) runSweep(w http.ResponseWriter, r *http.Request) {
	job := chi.URLParam(r, "job")
	report, err := h.sweeps.Run(r.Context(), job)
	if err != nil {
		if errors.Is(err, billingsvc.ErrUnknownJob) {
			writeError(w, http.StatusNotFound, "unknown_job", job)
			return
		}
		h.log.ErrorContext(r.Context(), "sweep failed", logger.Job(job), logger.Error(err))
		writeError(w, http.StatusInternalServerError, "sweep_failed", job)
		return
	}
	writeJSON(w, http.StatusOK, report)
}
