// Package handler содержит HTTP-обработчики API сервиса заявок.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/mmeshcher/servicedesk/internal/auth"
	"github.com/mmeshcher/servicedesk/internal/middleware"
	"github.com/mmeshcher/servicedesk/internal/model"
	"github.com/mmeshcher/servicedesk/internal/repository"
	"github.com/mmeshcher/servicedesk/internal/service"
	"github.com/mmeshcher/servicedesk/internal/validation"
)

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	RegisterUser(ctx context.Context, email, password string, role model.Role) (int64, error)
	AuthenticateUser(ctx context.Context, email, password string) (*model.User, error)
	GetUserByID(ctx context.Context, id int64) (*model.User, error)
	ListUsersByRole(ctx context.Context, role model.Role) ([]model.User, error)

	SubmitTestOrder(ctx context.Context, p model.OrderPayload) (*model.Order, error)
	ListNewOrders(ctx context.Context) ([]model.Order, error)
	ListProcessingOrders(ctx context.Context) ([]model.Order, error)
	PromoteOrder(ctx context.Context, operator *model.User, testOrderID int64, p model.OrderPayload) (*model.Order, error)
	AssignMaster(ctx context.Context, curator *model.User, orderID, masterID int64) (*model.Order, error)
	ListAssignedOrders(ctx context.Context, caller *model.User) ([]model.Order, error)
	StartOrder(ctx context.Context, master *model.User, orderID int64) (*model.Order, error)
	CompleteOrder(ctx context.Context, master *model.User, orderID int64, finalCost, expenses *float64) (*model.Order, error)
	DeleteOrder(ctx context.Context, orderID int64) error
	UpdateOrder(ctx context.Context, orderID int64, p model.OrderPatch) (*model.Order, error)

	RecordBalanceAction(ctx context.Context, userID int64, action string, amount float64) error
	GetBalance(ctx context.Context, userID int64) (*model.Balance, error)
	ListBalanceLog(ctx context.Context, userID int64) ([]model.BalanceEntry, error)
	GetProfitDistribution(ctx context.Context) (*model.ProfitDistribution, error)
}

// Handler реализует HTTP-обработчики API сервиса заявок.
type Handler struct {
	service Service
	logger  *zap.Logger
	tokens  *auth.TokenManager
	auth    *middleware.AuthMiddleware
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
func NewHandler(s Service, logger *zap.Logger, tokens *auth.TokenManager, authMW *middleware.AuthMiddleware) *Handler {
	return &Handler{
		service: s,
		logger:  logger,
		tokens:  tokens,
		auth:    authMW,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// respondError переводит ошибку операции в HTTP-статус согласно таксономии:
// не найдено (включая «не тот статус») — 404, неверная ссылка — 400,
// ошибки валидации — 400 с разбивкой по полям, чужое представление — 403.
func (h *Handler) respondError(w http.ResponseWriter, err error, op string) {
	var fe validation.FieldErrors
	switch {
	case errors.As(err, &fe):
		writeJSON(w, http.StatusBadRequest, fe)
	case errors.Is(err, repository.ErrOrderNotFound), errors.Is(err, repository.ErrUserNotFound):
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	case errors.Is(err, service.ErrNotMaster), errors.Is(err, service.ErrInvalidRole):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, service.ErrForbidden):
		http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
	case errors.Is(err, repository.ErrUserExists):
		http.Error(w, http.StatusText(http.StatusConflict), http.StatusConflict)
	case errors.Is(err, service.ErrInvalidCredentials):
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
	default:
		h.logger.Error(op+" error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
	}
}

func idParam(r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

func callerFromContext(w http.ResponseWriter, r *http.Request) (*model.User, bool) {
	user, ok := middleware.GetUserFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return nil, false
	}
	return user, true
}

type userResponse struct {
	ID    int64  `json:"id"`
	Email string `json:"email"`
	Role  string `json:"role"`
}

func toUserResponse(u *model.User) userResponse {
	return userResponse{ID: u.ID, Email: u.Email, Role: string(u.Role)}
}

type orderResponse struct {
	ID               int64    `json:"id"`
	ClientName       string   `json:"client_name"`
	ClientPhone      string   `json:"client_phone"`
	Description      string   `json:"description"`
	Address          string   `json:"address,omitempty"`
	Status           string   `json:"status"`
	IsTest           bool     `json:"is_test"`
	OperatorID       *int64   `json:"operator_id,omitempty"`
	CuratorID        *int64   `json:"curator_id,omitempty"`
	AssignedMasterID *int64   `json:"assigned_master_id,omitempty"`
	EstimatedCost    *float64 `json:"estimated_cost,omitempty"`
	FinalCost        *float64 `json:"final_cost,omitempty"`
	Expenses         *float64 `json:"expenses,omitempty"`
	CreatedAt        string   `json:"created_at"`
}

func toOrderResponse(o *model.Order) orderResponse {
	return orderResponse{
		ID:               o.ID,
		ClientName:       o.ClientName,
		ClientPhone:      o.ClientPhone,
		Description:      o.Description,
		Address:          o.Address,
		Status:           string(o.Status),
		IsTest:           o.IsTest,
		OperatorID:       o.OperatorID,
		CuratorID:        o.CuratorID,
		AssignedMasterID: o.AssignedMasterID,
		EstimatedCost:    o.EstimatedCost,
		FinalCost:        o.FinalCost,
		Expenses:         o.Expenses,
		CreatedAt:        o.CreatedAt.Format(time.RFC3339),
	}
}

func (h *Handler) writeOrderList(w http.ResponseWriter, orders []model.Order) {
	if len(orders) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := make([]orderResponse, 0, len(orders))
	for i := range orders {
		resp = append(resp, toOrderResponse(&orders[i]))
	}
	writeJSON(w, http.StatusOK, resp)
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token string       `json:"token"`
	User  userResponse `json:"user"`
}

// Login выполняет аутентификацию по email и паролю и выпускает токен доступа.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}
	if req.Email == "" || req.Password == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	user, err := h.service.AuthenticateUser(r.Context(), req.Email, req.Password)
	if err != nil {
		h.respondError(w, err, "login")
		return
	}

	token, err := h.tokens.GenerateToken(user.ID)
	if err != nil {
		h.logger.Error("generate token error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, loginResponse{Token: token, User: toUserResponse(user)})
}

type registerRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Role     string `json:"role"`
}

// RegisterUser создаёт пользователя с указанной ролью. Доступно только администратору.
func (h *Handler) RegisterUser(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}
	if req.Email == "" || req.Password == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	id, err := h.service.RegisterUser(r.Context(), req.Email, req.Password, model.Role(req.Role))
	if err != nil {
		h.respondError(w, err, "register user")
		return
	}

	writeJSON(w, http.StatusCreated, map[string]int64{"id": id})
}

// SubmitTestOrder принимает публичную заявку клиента и сохраняет её как тестовую.
func (h *Handler) SubmitTestOrder(w http.ResponseWriter, r *http.Request) {
	var p model.OrderPayload
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	order, err := h.service.SubmitTestOrder(r.Context(), p)
	if err != nil {
		h.respondError(w, err, "submit test order")
		return
	}

	writeJSON(w, http.StatusCreated, toOrderResponse(order))
}

// ListNewOrders возвращает новые тестовые заявки для разбора оператором.
func (h *Handler) ListNewOrders(w http.ResponseWriter, r *http.Request) {
	orders, err := h.service.ListNewOrders(r.Context())
	if err != nil {
		h.respondError(w, err, "list new orders")
		return
	}
	h.writeOrderList(w, orders)
}

// ListProcessingOrders возвращает заявки, взятые операторами в работу.
func (h *Handler) ListProcessingOrders(w http.ResponseWriter, r *http.Request) {
	orders, err := h.service.ListProcessingOrders(r.Context())
	if err != nil {
		h.respondError(w, err, "list processing orders")
		return
	}
	h.writeOrderList(w, orders)
}

// PromoteOrder превращает тестовую заявку в боевую от имени оператора.
func (h *Handler) PromoteOrder(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerFromContext(w, r)
	if !ok {
		return
	}

	id, ok := idParam(r)
	if !ok {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	var p model.OrderPayload
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	order, err := h.service.PromoteOrder(r.Context(), caller, id, p)
	if err != nil {
		h.respondError(w, err, "promote order")
		return
	}

	writeJSON(w, http.StatusCreated, toOrderResponse(order))
}

type assignRequest struct {
	MasterID int64 `json:"master_id"`
}

// AssignMaster назначает мастера на заявку от имени куратора.
func (h *Handler) AssignMaster(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerFromContext(w, r)
	if !ok {
		return
	}

	id, ok := idParam(r)
	if !ok {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	var req assignRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}
	if req.MasterID <= 0 {
		http.Error(w, "master_id is required", http.StatusBadRequest)
		return
	}

	order, err := h.service.AssignMaster(r.Context(), caller, id, req.MasterID)
	if err != nil {
		h.respondError(w, err, "assign master")
		return
	}

	writeJSON(w, http.StatusOK, toOrderResponse(order))
}

// ListAssignedOrders возвращает назначенные заявки: мастеру — его собственные,
// куратору — все в статусе ASSIGNED.
func (h *Handler) ListAssignedOrders(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerFromContext(w, r)
	if !ok {
		return
	}

	orders, err := h.service.ListAssignedOrders(r.Context(), caller)
	if err != nil {
		h.respondError(w, err, "list assigned orders")
		return
	}
	h.writeOrderList(w, orders)
}

// StartOrder переводит назначенную мастеру заявку в работу.
func (h *Handler) StartOrder(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerFromContext(w, r)
	if !ok {
		return
	}

	id, ok := idParam(r)
	if !ok {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	order, err := h.service.StartOrder(r.Context(), caller, id)
	if err != nil {
		h.respondError(w, err, "start order")
		return
	}

	writeJSON(w, http.StatusOK, toOrderResponse(order))
}

type completeRequest struct {
	FinalCost *float64 `json:"final_cost,omitempty"`
	Expenses  *float64 `json:"expenses,omitempty"`
}

// CompleteOrder завершает заявку мастера и фиксирует итоговые суммы.
func (h *Handler) CompleteOrder(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerFromContext(w, r)
	if !ok {
		return
	}

	id, ok := idParam(r)
	if !ok {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	var req completeRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
			return
		}
	}

	order, err := h.service.CompleteOrder(r.Context(), caller, id, req.FinalCost, req.Expenses)
	if err != nil {
		h.respondError(w, err, "complete order")
		return
	}

	writeJSON(w, http.StatusOK, toOrderResponse(order))
}

// DeleteOrder безвозвратно удаляет заявку. Доступно только куратору.
func (h *Handler) DeleteOrder(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(r)
	if !ok {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if err := h.service.DeleteOrder(r.Context(), id); err != nil {
		h.respondError(w, err, "delete order")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// UpdateOrder выполняет частичное обновление заявки куратором.
func (h *Handler) UpdateOrder(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(r)
	if !ok {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	var p model.OrderPatch
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	order, err := h.service.UpdateOrder(r.Context(), id, p)
	if err != nil {
		h.respondError(w, err, "update order")
		return
	}

	writeJSON(w, http.StatusOK, toOrderResponse(order))
}

// GetUser возвращает публичные поля пользователя.
func (h *Handler) GetUser(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(r)
	if !ok {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	user, err := h.service.GetUserByID(r.Context(), id)
	if err != nil {
		h.respondError(w, err, "get user")
		return
	}

	writeJSON(w, http.StatusOK, toUserResponse(user))
}

// ListUsersByRole возвращает обработчик списка пользователей с фиксированной ролью.
func (h *Handler) ListUsersByRole(role model.Role) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		users, err := h.service.ListUsersByRole(r.Context(), role)
		if err != nil {
			h.respondError(w, err, "list users by role")
			return
		}

		resp := make([]userResponse, 0, len(users))
		for i := range users {
			resp = append(resp, toUserResponse(&users[i]))
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

// Profile возвращает id, email и роль текущего пользователя.
func (h *Handler) Profile(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerFromContext(w, r)
	if !ok {
		return
	}

	writeJSON(w, http.StatusOK, toUserResponse(caller))
}

// GetBalance возвращает текущий баланс вызывающего пользователя.
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerFromContext(w, r)
	if !ok {
		return
	}

	balance, err := h.service.GetBalance(r.Context(), caller.ID)
	if err != nil {
		h.respondError(w, err, "get balance")
		return
	}

	writeJSON(w, http.StatusOK, balance)
}

type balanceEntryResponse struct {
	Action    string  `json:"action"`
	Amount    float64 `json:"amount"`
	CreatedAt string  `json:"created_at"`
}

// ListBalanceLog возвращает журнал операций по балансу вызывающего пользователя.
func (h *Handler) ListBalanceLog(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerFromContext(w, r)
	if !ok {
		return
	}

	entries, err := h.service.ListBalanceLog(r.Context(), caller.ID)
	if err != nil {
		h.respondError(w, err, "list balance log")
		return
	}

	if len(entries) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := make([]balanceEntryResponse, 0, len(entries))
	for _, e := range entries {
		resp = append(resp, balanceEntryResponse{
			Action:    e.Action,
			Amount:    e.Amount,
			CreatedAt: e.CreatedAt.Format(time.RFC3339),
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

type balanceActionRequest struct {
	Action string  `json:"action"`
	Amount float64 `json:"amount"`
}

// RecordBalanceAction добавляет запись в журнал баланса пользователя.
// Доступно только администратору.
func (h *Handler) RecordBalanceAction(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(r)
	if !ok {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	var req balanceActionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if err := h.service.RecordBalanceAction(r.Context(), id, req.Action, req.Amount); err != nil {
		h.respondError(w, err, "record balance action")
		return
	}

	w.WriteHeader(http.StatusOK)
}

// GetProfitDistribution возвращает настройку распределения прибыли.
func (h *Handler) GetProfitDistribution(w http.ResponseWriter, r *http.Request) {
	d, err := h.service.GetProfitDistribution(r.Context())
	if err != nil {
		h.respondError(w, err, "get profit distribution")
		return
	}

	writeJSON(w, http.StatusOK, d)
}
