package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/taskhive/backend/internal/services"
)

type WalletHandler struct {
	ledger *services.WalletLedgerService
}

func NewWalletHandler(ledger *services.WalletLedgerService) *WalletHandler {
	return &WalletHandler{ledger: ledger}
}

// GetWallet returns an account's balance and recent journal
// @Summary Get wallet
// @Description Fetch an account's available balance and its most recent wallet transactions
// @Tags wallets
// @Produce json
// @Security BearerAuth
// @Param accountId path string true "Account ID"
// @Param limit query int false "Number of transactions to return (default: 20, max: 100)"
// @Success 200 {object} object{account_id=string,available_balance=float64,trust_score=int,transactions=[]models.WalletTransaction}
// @Failure 404 {object} services.ErrorResponse
// @Router /wallets/{accountId} [get]
func (h *WalletHandler) GetWallet(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "accountId")

	account, err := h.ledger.GetAccount(accountID)
	if err != nil {
		if errors.Is(err, services.ErrNotFound) {
			services.SendErrorResponse(w, "Account not found", http.StatusNotFound, nil)
		} else {
			services.SendErrorResponse(w, "Failed to fetch wallet", http.StatusServiceUnavailable, nil)
		}
		return
	}

	limit := 20
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 && l <= 100 {
			limit = l
		}
	}

	transactions, err := h.ledger.RecentTransactions(accountID, limit)
	if err != nil {
		services.SendErrorResponse(w, "Failed to fetch wallet transactions", http.StatusServiceUnavailable, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"account_id":        account.ID,
		"available_balance": float64(account.AvailableBalance) / 100,
		"trust_score":       account.TrustScore,
		"reliability_score": account.ReliabilityScore,
		"transactions":      transactions,
	})
}
