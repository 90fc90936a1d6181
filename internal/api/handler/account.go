package handler

import (
	"context"
	"net/http"
	"strconv"

	"github.com/ayo6706/sharded-wallet/internal/models"
	"github.com/ayo6706/sharded-wallet/internal/service"
	"github.com/shopspring/decimal"
)

// AccountHandler serves single-account operations on the caller's home
// shard.
type AccountHandler struct {
	svc *service.WalletService
}

func NewAccountHandler(svc *service.WalletService) *AccountHandler {
	return &AccountHandler{svc: svc}
}

type amountRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

type accountResponse struct {
	UserID   string          `json:"user_id"`
	Username string          `json:"username"`
	RegionID int32           `json:"region_id"`
	Balance  decimal.Decimal `json:"balance"`
	IsActive bool            `json:"is_active"`
}

type historyResponse struct {
	Items  []models.Transaction `json:"items"`
	Count  int                  `json:"count"`
	Offset int                  `json:"offset"`
}

func (h *AccountHandler) TopUp(w http.ResponseWriter, r *http.Request) {
	h.mutate(w, r, h.svc.TopUp)
}

func (h *AccountHandler) Withdraw(w http.ResponseWriter, r *http.Request) {
	h.mutate(w, r, h.svc.Withdraw)
}

func (h *AccountHandler) mutate(w http.ResponseWriter, r *http.Request, op func(ctx context.Context, actor service.Actor, amount decimal.Decimal) (service.BalanceChange, error)) {
	actor, err := requestActor(r)
	if err != nil {
		RespondError(w, r, http.StatusUnauthorized, "auth/unauthorized", "Unauthorized")
		return
	}
	var req amountRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondServiceError(w, r, err)
		return
	}
	change, err := op(r.Context(), actor, req.Amount)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	RespondJSON(w, http.StatusOK, change)
}

func (h *AccountHandler) Me(w http.ResponseWriter, r *http.Request) {
	actor, err := requestActor(r)
	if err != nil {
		RespondError(w, r, http.StatusUnauthorized, "auth/unauthorized", "Unauthorized")
		return
	}
	account, err := h.svc.Balance(r.Context(), actor)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	RespondJSON(w, http.StatusOK, accountResponse{
		UserID:   actor.UserID.String(),
		Username: actor.Username,
		RegionID: actor.RegionID,
		Balance:  account.Balance,
		IsActive: account.IsActive,
	})
}

func (h *AccountHandler) History(w http.ResponseWriter, r *http.Request) {
	actor, err := requestActor(r)
	if err != nil {
		RespondError(w, r, http.StatusUnauthorized, "auth/unauthorized", "Unauthorized")
		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	if offset < 0 {
		offset = 0
	}

	items, err := h.svc.History(r.Context(), actor, limit, offset)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	if items == nil {
		items = []models.Transaction{}
	}
	RespondJSON(w, http.StatusOK, historyResponse{Items: items, Count: len(items), Offset: offset})
}
