package handlers

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/battleforge/backend/internal/middleware"
	"github.com/battleforge/backend/internal/services"
)

type EconomyHandler struct {
	economy   *services.EconomyService
	validator *services.ValidationHelper
}

func NewEconomyHandler(economy *services.EconomyService) *EconomyHandler {
	return &EconomyHandler{
		economy:   economy,
		validator: services.NewValidationHelper(),
	}
}

// GetWallet returns the caller's wallet with recent transactions
// @Summary Get wallet
// @Description Get the authenticated player's balance and recent transaction log
// @Tags Economy
// @Produce json
// @Security BearerAuth
// @Success 200 {object} models.WalletView
// @Failure 401 {object} services.ErrorResponse
// @Failure 404 {object} services.ErrorResponse
// @Router /economy/wallet [get]
func (h *EconomyHandler) GetWallet(w http.ResponseWriter, r *http.Request) {
	identity, ok := middleware.IdentityFromContext(r.Context())
	if !ok {
		services.SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	wallet, err := h.economy.GetWallet(r.Context(), identity.UserID)
	if err != nil {
		services.SendServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(wallet)
}

// GetInventory returns the caller's inventory
// @Summary Get inventory
// @Description Get the authenticated player's inventory slots
// @Tags Economy
// @Produce json
// @Security BearerAuth
// @Success 200 {object} models.Inventory
// @Failure 401 {object} services.ErrorResponse
// @Failure 404 {object} services.ErrorResponse
// @Router /economy/inventory [get]
func (h *EconomyHandler) GetInventory(w http.ResponseWriter, r *http.Request) {
	identity, ok := middleware.IdentityFromContext(r.Context())
	if !ok {
		services.SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	inventory, err := h.economy.GetInventory(r.Context(), identity.UserID)
	if err != nil {
		services.SendServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(inventory)
}

// GetMarket lists purchasable items
// @Summary List market items
// @Description List in-stock catalog items ordered by ascending current price
// @Tags Economy
// @Produce json
// @Security BearerAuth
// @Success 200 {array} models.Item
// @Failure 401 {object} services.ErrorResponse
// @Router /economy/market [get]
func (h *EconomyHandler) GetMarket(w http.ResponseWriter, r *http.Request) {
	items, err := h.economy.ListMarketItems(r.Context())
	if err != nil {
		services.SendServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(items)
}

// Transfer moves currency to another player
// @Summary Transfer currency
// @Description Transfer currency from the authenticated player's wallet to another wallet
// @Tags Economy
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body object{toUserId=string,amount=int64,description=string} true "Transfer request"
// @Success 200 {object} object{success=bool}
// @Failure 400 {object} services.ErrorResponse
// @Failure 401 {object} services.ErrorResponse
// @Failure 404 {object} services.ErrorResponse
// @Router /economy/transfer [post]
func (h *EconomyHandler) Transfer(w http.ResponseWriter, r *http.Request) {
	identity, ok := middleware.IdentityFromContext(r.Context())
	if !ok {
		services.SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	var req struct {
		ToUserID    string `json:"toUserId" validate:"required"`
		Amount      int64  `json:"amount" validate:"required,gt=0"`
		Description string `json:"description" validate:"max=200"`
	}

	if !decodeJSONBody(w, r, &req) {
		return
	}
	if err := h.validator.ValidateStruct(&req); err != nil {
		services.SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	success, err := h.economy.TransferCurrency(r.Context(), identity.UserID, req.ToUserID, req.Amount, req.Description)
	if err != nil {
		services.SendServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"success": success})
}

// Purchase buys catalog items
// @Summary Purchase item
// @Description Purchase a quantity of a catalog item into the authenticated player's inventory
// @Tags Economy
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body object{itemId=string,quantity=int} true "Purchase request"
// @Success 200 {object} object{success=bool}
// @Failure 400 {object} services.ErrorResponse
// @Failure 401 {object} services.ErrorResponse
// @Failure 404 {object} services.ErrorResponse
// @Failure 409 {object} services.ErrorResponse
// @Router /economy/purchase [post]
func (h *EconomyHandler) Purchase(w http.ResponseWriter, r *http.Request) {
	identity, ok := middleware.IdentityFromContext(r.Context())
	if !ok {
		services.SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	var req struct {
		ItemID   string `json:"itemId" validate:"required"`
		Quantity int    `json:"quantity" validate:"required,gt=0"`
	}

	if !decodeJSONBody(w, r, &req) {
		return
	}
	if err := h.validator.ValidateStruct(&req); err != nil {
		services.SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	success, err := h.economy.PurchaseItem(r.Context(), identity.UserID, req.ItemID, req.Quantity)
	if err != nil {
		services.SendServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"success": success})
}

func decodeJSONBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1_048_576)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(dst); err != nil {
		services.SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return false
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		services.SendErrorResponse(w, "Request body must only contain a single JSON object", http.StatusBadRequest, nil)
		return false
	}
	return true
}
