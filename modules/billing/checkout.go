package billing

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/text/language"

	"github.com/dmitrymomot/tokenbill/pkg/clientip"
	"github.com/dmitrymomot/tokenbill/pkg/jwt"
	"github.com/dmitrymomot/tokenbill/pkg/logger"
	billingsvc "github.com/dmitrymomot/tokenbill/svc/billing"
)

type createIntentRequest struct {
	PlanName string `json:"planName"`
	Trial    bool   `json:"trial"`
	Currency string `json:"currency,omitempty"`
}

func (h *Handler) createIntent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := jwt.UserIDFromContext(ctx)

	var req createIntentRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "request body must be JSON")
		return
	}
	req.PlanName = strings.TrimSpace(req.PlanName)
	if req.PlanName == "" {
		writeError(w, http.StatusBadRequest, "invalid_body", "planName is required")
		return
	}

	created, err := h.intents.Create(ctx, billingsvc.CreateIntentRequest{
		UserID:    userID,
		PlanName:  req.PlanName,
		Trial:     req.Trial,
		Currency:  req.Currency,
		ClientIP:  clientip.GetIPFromContext(ctx),
		UserAgent: r.UserAgent(),
		Locale:    preferredLocale(r),
	})
	if err != nil {
		h.fail(w, r, err, "create intent failed", logger.UserID(userID), logger.Plan(req.PlanName))
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (h *Handler) intentStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := jwt.UserIDFromContext(ctx)
	sessionID := chi.URLParam(r, "sessionId")

	view, err := h.intents.Status(ctx, sessionID, userID)
	if err != nil {
		h.fail(w, r, err, "intent status failed", logger.UserID(userID), logger.SessionID(sessionID))
		return
	}
	writeJSON(w, http.StatusOK, view)
}

type balanceResponse struct {
	Balance int64 `json:"balance"`
}

func (h *Handler) balance(w http.ResponseWriter, r *http.Request) {
	userID := jwt.UserIDFromContext(r.Context())
	balance, err := h.ledger.Balance(r.Context(), userID)
	if err != nil {
		h.fail(w, r, err, "balance lookup failed", logger.UserID(userID))
		return
	}
	writeJSON(w, http.StatusOK, balanceResponse{Balance: balance})
}

type ledgerEntryView struct {
	ID            string         `json:"id"`
	Type          string         `json:"type"`
	Amount        int64          `json:"amount"`
	BalanceAfter  int64          `json:"balanceAfter"`
	ReferenceType string         `json:"referenceType,omitempty"`
	ReferenceID   string         `json:"referenceId,omitempty"`
	Description   string         `json:"description,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	CreatedAt     time.Time      `json:"createdAt"`
}

const (
	defaultLedgerLimit = 50
	maxLedgerLimit     = 500
)

func (h *Handler) ledgerHistory(w http.ResponseWriter, r *http.Request) {
	userID := jwt.UserIDFromContext(r.Context())

	limit := defaultLedgerLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "invalid_limit", "limit must be a positive integer")
			return
		}
		limit = min(n, maxLedgerLimit)
	}

	entries, err := h.ledger.History(r.Context(), userID, limit)
	if err != nil {
		h.fail(w, r, err, "ledger history failed", logger.UserID(userID))
		return
	}
	out := make([]ledgerEntryView, 0, len(entries))
	for _, e := range entries {
		out = append(out, ledgerEntryView{
			ID:            e.ID,
			Type:          string(e.Type),
			Amount:        e.Amount,
			BalanceAfter:  e.BalanceAfter,
			ReferenceType: e.ReferenceType,
			ReferenceID:   e.ReferenceID,
			Description:   e.Description,
			Metadata:      e.Metadata,
			CreatedAt:     e.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": out})
}

// fail writes the mapped error and logs internal ones.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error, msg string, attrs ...any) {
	status, code, message := serviceError(err)
	if status >= http.StatusInternalServerError {
		h.log.ErrorContext(r.Context(), msg, append(attrs, logger.Error(err))...)
	}
	writeError(w, status, code, message)
}

// preferredLocale picks the first Accept-Language tag; "" lets the service
// fall back to its default.
func preferredLocale(r *http.Request) string {
	tags, _, err := language.ParseAcceptLanguage(r.Header.Get("Accept-Language"))
	if err != nil || len(tags) == 0 {
		return ""
	}
	return tags[0].String()
}
