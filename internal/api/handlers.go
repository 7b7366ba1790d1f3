package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"github.com/xtrntr/custody/internal/auth"
	"github.com/xtrntr/custody/internal/exchange"
	"github.com/xtrntr/custody/internal/ledger"
	"github.com/xtrntr/custody/internal/models"
	"github.com/xtrntr/custody/internal/money"
	"github.com/xtrntr/custody/internal/orders"
	"go.uber.org/zap"
)

type ctxKey string

const userIDKey ctxKey = "user_id"

// Matcher schedules a match attempt for a freshly placed order
type Matcher interface {
	Enqueue(orderID int) bool
}

// Handler contains dependencies for HTTP handlers
type Handler struct {
	Ledger      ledger.Ledger
	Orders      *orders.Service
	Exchange    *exchange.Exchange
	AuthService *auth.AuthService
	Matcher     Matcher
	Log         *zap.Logger
}

// NewHandler creates a new handler. matcher may be nil, in which case new
// orders wait for the next sweep.
func NewHandler(l ledger.Ledger, svc *orders.Service, ex *exchange.Exchange, authService *auth.AuthService, matcher Matcher, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{Ledger: l, Orders: svc, Exchange: ex, AuthService: authService, Matcher: matcher, Log: log}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// fail maps service errors onto status codes
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, auth.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, ledger.ErrNotFound):
		writeError(w, http.StatusNotFound, "Not found")
	case errors.Is(err, ledger.ErrConflict):
		writeError(w, http.StatusConflict, "Already exists")
	case errors.Is(err, orders.ErrInsufficientBalance),
		errors.Is(err, orders.ErrInsufficientAsset),
		errors.Is(err, orders.ErrOrderNotCancellable):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	default:
		h.Log.Error("request failed", zap.String("path", r.URL.Path), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Internal server error")
	}
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return header[7:]
	}
	return header
}

func userID(r *http.Request) (int, bool) {
	id, ok := r.Context().Value(userIDKey).(int)
	return id, ok
}

// Register handles user registration
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if req.Username == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "Username and password required")
		return
	}

	user, err := h.AuthService.Register(r.Context(), req.Username, req.Password)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"id":       user.ID,
		"username": user.Username,
	})
}

// Login handles user login
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	token, err := h.AuthService.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "Invalid credentials")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

// JWTAuthMiddleware verifies JWT tokens
func (h *Handler) JWTAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenString := bearerToken(r)
		if tokenString == "" {
			writeError(w, http.StatusUnauthorized, "Authorization header required")
			return
		}

		id, err := h.AuthService.GetUserFromToken(tokenString)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "Invalid or expired token")
			return
		}

		ctx := context.WithValue(r.Context(), userIDKey, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// InternalJobMiddleware admits callers presenting the internal job secret
func (h *Handler) InternalJobMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		err := h.AuthService.CheckJobSecret(bearerToken(r))
		switch {
		case errors.Is(err, auth.ErrSecretNotSet):
			writeError(w, http.StatusInternalServerError, "Internal job secret not configured")
			return
		case err != nil:
			h.Log.Warn("rejected internal job call", zap.String("remote", r.RemoteAddr))
			writeError(w, http.StatusUnauthorized, "Invalid or missing internal job secret")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Profile returns the caller's balance and holdings
func (h *Handler) Profile(w http.ResponseWriter, r *http.Request) {
	id, ok := userID(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	user, err := h.Ledger.GetUser(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	assets, err := h.Ledger.GetUserAssets(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	type holding struct {
		Symbol       models.Symbol   `json:"symbol"`
		Amount       decimal.Decimal `json:"amount"`
		LockedAmount decimal.Decimal `json:"locked_amount"`
		Available    decimal.Decimal `json:"available"`
	}
	holdings := make([]holding, 0, len(assets))
	for _, a := range assets {
		holdings = append(holdings, holding{
			Symbol:       a.Symbol,
			Amount:       a.Amount,
			LockedAmount: a.LockedAmount,
			Available:    a.Available(),
		})
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"id":       user.ID,
		"username": user.Username,
		"balance":  user.Balance,
		"assets":   holdings,
	})
}

// PlaceOrder reserves funds for a new limit order and queues it for matching
func (h *Handler) PlaceOrder(w http.ResponseWriter, r *http.Request) {
	id, ok := userID(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	var req struct {
		Symbol string          `json:"symbol"`
		Side   string          `json:"side"`
		Price  decimal.Decimal `json:"price"`
		Amount decimal.Decimal `json:"amount"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	// Validate input
	symbol := models.Symbol(strings.ToUpper(req.Symbol))
	if !symbol.Valid() {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("Unsupported symbol %q", req.Symbol))
		return
	}
	side := models.Side(req.Side)
	if !side.Valid() {
		writeError(w, http.StatusBadRequest, "Side must be 'buy' or 'sell'")
		return
	}
	if err := money.Check(req.Price); err != nil {
		writeError(w, http.StatusBadRequest, "Price: "+err.Error())
		return
	}
	if err := money.Check(req.Amount); err != nil {
		writeError(w, http.StatusBadRequest, "Amount: "+err.Error())
		return
	}

	order, err := h.Orders.OpenOrder(r.Context(), id, symbol, side, req.Price, req.Amount)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	if h.Matcher != nil {
		h.Matcher.Enqueue(order.ID)
	}

	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"message":  "Order placed",
		"order_id": order.ID,
		"order":    order,
	})
}

// CancelOrder cancels one of the caller's open orders
func (h *Handler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	id, ok := userID(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	// Get order ID from URL
	orderID, err := strconv.Atoi(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid order ID")
		return
	}

	existing, err := h.Ledger.GetOrder(r.Context(), orderID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if existing.UserID != id {
		writeError(w, http.StatusForbidden, "Order belongs to another user")
		return
	}

	order, err := h.Orders.CancelOrder(r.Context(), orderID)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message": "Order canceled",
		"order":   order,
	})
}

// GetUserOrders retrieves a user's orders
func (h *Handler) GetUserOrders(w http.ResponseWriter, r *http.Request) {
	id, ok := userID(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	list, err := h.Ledger.GetUserOrders(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if list == nil {
		list = []models.Order{}
	}

	writeJSON(w, http.StatusOK, list)
}

// GetOrderBook lists the open orders of one symbol in matching priority
func (h *Handler) GetOrderBook(w http.ResponseWriter, r *http.Request) {
	symbol := models.Symbol(strings.ToUpper(r.URL.Query().Get("symbol")))
	if !symbol.Valid() {
		writeError(w, http.StatusBadRequest, "Query parameter symbol must be one of BTC, ETH")
		return
	}

	buys, sells, err := h.Ledger.GetOrderBook(r.Context(), symbol)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if buys == nil {
		buys = []models.Order{}
	}
	if sells == nil {
		sells = []models.Order{}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"symbol":      symbol,
		"buy_orders":  buys,
		"sell_orders": sells,
	})
}

// GetUserTrades retrieves a user's trade history
func (h *Handler) GetUserTrades(w http.ResponseWriter, r *http.Request) {
	id, ok := userID(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	trades, err := h.Ledger.GetUserTrades(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if trades == nil {
		trades = []models.Trade{}
	}

	writeJSON(w, http.StatusOK, trades)
}

// RunMatching sweeps every open order. A partially failed sweep still
// reports what it matched.
func (h *Handler) RunMatching(w http.ResponseWriter, r *http.Request) {
	result, err := h.Exchange.Sweep(r.Context())
	if result == nil {
		h.fail(w, r, err)
		return
	}

	message := "No matching orders found"
	if result.Matches > 0 {
		message = fmt.Sprintf("Successfully matched %d order(s)", result.Matches)
	}
	body := map[string]interface{}{
		"message": message,
		"matches": result.Matches,
	}
	if err != nil {
		body["error"] = "Some match attempts failed"
	}
	writeJSON(w, http.StatusOK, body)
}
