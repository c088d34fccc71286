package account_http

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"ledger/internal/domain"
)

const (
	maxBodyBytes   = 1 << 20
	maxAmountBytes = 32
)

type AccountHandler struct {
	services Services
	logger   *zap.Logger
}

func NewAccountHandler(s Services, l *zap.Logger) *AccountHandler {
	return &AccountHandler{services: s, logger: l}
}

type TransferRequest struct {
	To     string          `json:"to"`
	Amount json.RawMessage `json:"amount"`
}

type ProvisionAccountRequest struct {
	UserID         string          `json:"user_id"`
	InitialBalance json.RawMessage `json:"initial_balance"`
}

type BalanceResponse struct {
	Balance json.Number `json:"balance"`
}

type AccountResponse struct {
	ID        string      `json:"id"`
	UserID    string      `json:"user_id"`
	Balance   json.Number `json:"balance"`
	CreatedAt string      `json:"created_at"`
	UpdatedAt string      `json:"updated_at"`
}

func (h *AccountHandler) GetBalanceHandler(w http.ResponseWriter, r *http.Request) {
	ownerID, _ := IdentityFromContext(r.Context())

	balance, err := h.services.Balances.GetBalance(r.Context(), ownerID)
	if err != nil {
		if errors.Is(err, domain.ErrAccountNotFound) {
			writeMessage(w, http.StatusNotFound, "Account not found.")
			return
		}
		h.logger.Error("Failed to get balance", zap.String("owner_id", ownerID), zap.Error(err))
		writeMessage(w, http.StatusInternalServerError, "An internal server error occurred while fetching the balance.")
		return
	}

	writeJSON(w, http.StatusOK, BalanceResponse{Balance: json.Number(domain.FormatMoney(balance))})
}

func (h *AccountHandler) TransferHandler(w http.ResponseWriter, r *http.Request) {
	ownerID, _ := IdentityFromContext(r.Context())

	var req TransferRequest
	if err := decodeBody(w, r, &req); err != nil {
		h.logger.Warn("Invalid transfer request body", zap.Error(err))
		writeJSON(w, http.StatusBadRequest, validationResponse{
			Message: "Invalid transfer request",
			Errors:  []fieldError{{Field: "body", Message: "Request body must be a JSON object."}},
		})
		return
	}

	var problems []fieldError
	to := strings.TrimSpace(req.To)
	if to == "" {
		problems = append(problems, fieldError{Field: "to", Message: "Recipient ID is required and cannot be empty."})
	}
	amount, ok := parseAmount(req.Amount)
	if !ok || domain.ValidateTransferAmount(amount) != nil {
		problems = append(problems, fieldError{Field: "amount", Message: "Transfer amount must be a positive number with at most two decimal places."})
	}
	if len(problems) > 0 {
		writeJSON(w, http.StatusBadRequest, validationResponse{Message: "Invalid transfer request", Errors: problems})
		return
	}

	_, err := h.services.Transfers.Transfer(r.Context(), ownerID, to, amount)
	if err != nil {
		code, message := transferErrorResponse(err)
		writeMessage(w, code, message)
		return
	}

	writeMessage(w, http.StatusOK, "Transaction Successful.")
}

func transferErrorResponse(err error) (int, string) {
	switch {
	case errors.Is(err, domain.ErrInsufficientFunds):
		return http.StatusBadRequest, "Insufficient balance."
	case errors.Is(err, domain.ErrRecipientNotFound):
		return http.StatusBadRequest, "Recipient account not found."
	case errors.Is(err, domain.ErrAccountNotFound):
		return http.StatusBadRequest, "Sender account not found."
	case errors.Is(err, domain.ErrSameAccount):
		return http.StatusBadRequest, "Cannot transfer to your own account."
	case errors.Is(err, domain.ErrInvalidAmount), errors.Is(err, domain.ErrValidation):
		return http.StatusBadRequest, "Invalid transfer request"
	case errors.Is(err, domain.ErrTransferAborted):
		return http.StatusInternalServerError, "The transfer could not be completed, please try again."
	case errors.Is(err, domain.ErrStorageUnavailable):
		return http.StatusInternalServerError, "The ledger is temporarily unavailable."
	default:
		return http.StatusInternalServerError, "Error processing transaction."
	}
}

func (h *AccountHandler) ProvisionAccountHandler(w http.ResponseWriter, r *http.Request) {
	var req ProvisionAccountRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeMessage(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	var problems []fieldError
	if strings.TrimSpace(req.UserID) == "" {
		problems = append(problems, fieldError{Field: "user_id", Message: "User ID is required."})
	}
	balance := decimal.Zero
	if len(req.InitialBalance) > 0 {
		var ok bool
		balance, ok = parseAmount(req.InitialBalance)
		if !ok || domain.ValidateInitialBalance(balance) != nil {
			problems = append(problems, fieldError{Field: "initial_balance", Message: "Initial balance must be a non-negative number with at most two decimal places."})
		}
	}
	if len(problems) > 0 {
		writeJSON(w, http.StatusBadRequest, validationResponse{Message: "Invalid account request", Errors: problems})
		return
	}

	account, err := h.services.Provisioner.Provision(r.Context(), strings.TrimSpace(req.UserID), balance)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrAccountAlreadyExists):
			writeMessage(w, http.StatusConflict, "Account already exists for this user")
		case errors.Is(err, domain.ErrValidation), errors.Is(err, domain.ErrInvalidAmount):
			writeMessage(w, http.StatusBadRequest, "Invalid account request")
		default:
			h.logger.Error("Failed to provision account", zap.String("user_id", req.UserID), zap.Error(err))
			writeMessage(w, http.StatusInternalServerError, "Internal server error")
		}
		return
	}

	writeJSON(w, http.StatusCreated, AccountResponse{
		ID:        account.ID,
		UserID:    account.OwnerID,
		Balance:   json.Number(domain.FormatMoney(account.Balance)),
		CreatedAt: account.CreatedAt.Format(time.RFC3339),
		UpdatedAt: account.UpdatedAt.Format(time.RFC3339),
	})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	return dec.Decode(v)
}

// parseAmount accepts only a JSON number of at most maxAmountBytes. Strings, null and
// other types are rejected. Range checks are left to the domain validators.
func parseAmount(raw json.RawMessage) (decimal.Decimal, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || len(raw) > maxAmountBytes {
		return decimal.Zero, false
	}
	if c := raw[0]; c != '-' && (c < '0' || c > '9') {
		return decimal.Zero, false
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return decimal.Zero, false
	}
	d, err := decimal.NewFromString(n.String())
	if err != nil {
		return decimal.Zero, false
	}
	return d, true
}
