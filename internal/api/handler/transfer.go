package handler

import (
	"net/http"
	"strings"

	"github.com/ayo6706/sharded-wallet/internal/service"
	"github.com/shopspring/decimal"
)

type TransferHandler struct {
	svc *service.TransferService
}

func NewTransferHandler(svc *service.TransferService) *TransferHandler {
	return &TransferHandler{svc: svc}
}

type transferRequest struct {
	RecipientUsername string          `json:"recipient_username"`
	Amount            decimal.Decimal `json:"amount"`
}

// Transfer moves money to another user, in the same region or across
// regions. The Idempotency-Key header, when present, is recorded on the
// sender's ledger entry.
func (h *TransferHandler) Transfer(w http.ResponseWriter, r *http.Request) {
	actor, err := requestActor(r)
	if err != nil {
		RespondError(w, r, http.StatusUnauthorized, "auth/unauthorized", "Unauthorized")
		return
	}
	var req transferRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondServiceError(w, r, err)
		return
	}

	res, err := h.svc.Transfer(r.Context(), service.TransferRequest{
		Actor:             actor,
		RecipientUsername: req.RecipientUsername,
		Amount:            req.Amount,
		IdempotencyKey:    strings.TrimSpace(r.Header.Get("Idempotency-Key")),
	})
	if err != nil {
		respondServiceError(w, r, err)
		return
	}

	status := http.StatusCreated
	if res.Replayed {
		status = http.StatusOK
	}
	RespondJSON(w, status, res)
}
