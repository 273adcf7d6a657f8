package billing

import (
	"errors"
	"io"
	"net/http"

	"github.com/dmitrymomot/tokenbill/pkg/gateway"
	"github.com/dmitrymomot/tokenbill/pkg/logger"
)

func writeCode(w http.ResponseWriter, status int, code gateway.Code) {
	writeJSON(w, status, gateway.Response{Code: code})
}

// gatewayWebhook verifies, parses and dispatches one notification. The
// signature is checked on the raw bytes before anything reads them, and the
// payload itself is never logged.
func (h *Handler) gatewayWebhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	rawKind := r.URL.Query().Get("type")
	log := h.log.With(logger.EventKind(rawKind))

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBody))
	if err != nil {
		log.WarnContext(ctx, "webhook body unreadable", logger.Error(err))
		writeCode(w, http.StatusBadRequest, gateway.CodeRejected)
		return
	}

	if err := gateway.Verify(h.webhookSecret, body, r.Header.Get(gateway.SignatureHeader)); err != nil {
		if errors.Is(err, gateway.ErrMissingSecret) {
			log.ErrorContext(ctx, "webhook secret is not configured")
		} else {
			log.WarnContext(ctx, "webhook signature rejected")
		}
		writeCode(w, http.StatusUnauthorized, gateway.CodeRejected)
		return
	}

	kind, err := gateway.ParseKind(rawKind)
	if err != nil {
		log.WarnContext(ctx, "webhook kind rejected", logger.Error(err))
		writeCode(w, http.StatusOK, gateway.CodeRejected)
		return
	}
	fields, err := gateway.Normalize(r.Header.Get("Content-Type"), body)
	if err != nil {
		log.WarnContext(ctx, "webhook payload rejected", logger.Error(err))
		writeCode(w, http.StatusOK, gateway.CodeRejected)
		return
	}
	ev, err := gateway.Parse(kind, fields)
	if err != nil {
		log.WarnContext(ctx, "webhook payload rejected", logger.Error(err))
		writeCode(w, http.StatusOK, gateway.CodeRejected)
		return
	}

	out, err := h.webhooks.Handle(ctx, ev)
	if err != nil {
		// 5xx makes the gateway redeliver; idempotency makes that safe.
		writeError(w, http.StatusInternalServerError, "internal_error", "")
		return
	}
	writeCode(w, http.StatusOK, out.Code)
}
