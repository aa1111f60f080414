// Package service реализует рабочий процесс заявок и связанные с ним
// проверки ролей. Операции повторяют таблицу доступа: каждая объявляет
// требуемую роль на маршруте, а состояние заявки проверяется здесь и в
// хранилище атомарно с самим переходом.
package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/mmeshcher/servicedesk/internal/model"
	"github.com/mmeshcher/servicedesk/internal/repository"
	"github.com/mmeshcher/servicedesk/internal/validation"
	"golang.org/x/crypto/bcrypt"
)

// ErrInvalidCredentials возвращается при неверной паре email/пароль.
var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrNotMaster возвращается, если назначаемый пользователь не существует
	// или его роль отлична от master.
	ErrNotMaster = errors.New("assignee is not a master")
	// ErrForbidden возвращается, когда роль вызывающего не даёт представления
	// для запрошенной операции.
	ErrForbidden = errors.New("forbidden for caller role")
	// ErrInvalidRole возвращается при попытке создать пользователя с ролью вне перечня.
	ErrInvalidRole = errors.New("invalid role")
)

// Repository описывает контракт доступа к данным, используемый сервисом.
type Repository interface {
	Close() error

	CreateUser(ctx context.Context, email string, passwordHash []byte, role model.Role) (int64, error)
	GetUserByEmail(ctx context.Context, email string) (*model.User, error)
	GetUserByID(ctx context.Context, id int64) (*model.User, error)
	ListUsersByRole(ctx context.Context, role model.Role) ([]model.User, error)

	CreateTestOrder(ctx context.Context, p model.OrderPayload) (*model.Order, error)
	GetOrderByID(ctx context.Context, id int64) (*model.Order, error)
	ListOrdersByStatus(ctx context.Context, status model.OrderStatus) ([]model.Order, error)
	ListOrdersByMaster(ctx context.Context, masterID int64) ([]model.Order, error)
	PromoteOrder(ctx context.Context, testOrderID, operatorID int64, p model.OrderPayload) (*model.Order, error)
	AssignMaster(ctx context.Context, orderID, masterID, curatorID int64) (*model.Order, error)
	StartOrder(ctx context.Context, orderID, masterID int64) (*model.Order, error)
	CompleteOrder(ctx context.Context, orderID, masterID int64, finalCost, expenses *float64) (*model.Order, error)
	DeleteOrder(ctx context.Context, id int64) error
	UpdateOrder(ctx context.Context, id int64, p model.OrderPatch) (*model.Order, error)

	AppendBalanceEntry(ctx context.Context, userID int64, action string, amountCents int64) error
	GetBalance(ctx context.Context, userID int64) (int64, error)
	ListBalanceLog(ctx context.Context, userID int64) ([]model.BalanceEntry, error)
	GetProfitDistribution(ctx context.Context) (*model.ProfitDistribution, error)
}

// Service содержит бизнес-логику сервиса заявок.
type Service struct {
	repo Repository
}

// NewService создаёт новый сервис с указанным репозиторием.
func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

// Close закрывает ресурсы сервиса.
func (s *Service) Close() error {
	if s.repo != nil {
		return s.repo.Close()
	}
	return nil
}

// RegisterUser создаёт пользователя с указанной ролью. Email нормализуется
// к нижнему регистру, пароль хранится только в виде bcrypt-хэша.
func (s *Service) RegisterUser(ctx context.Context, email, password string, role model.Role) (int64, error) {
	if !role.IsValid() {
		return 0, fmt.Errorf("%w: %s", ErrInvalidRole, role)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return 0, fmt.Errorf("hash password: %w", err)
	}

	return s.repo.CreateUser(ctx, NormalizeEmail(email), hash, role)
}

// AuthenticateUser проверяет email и пароль и возвращает пользователя.
func (s *Service) AuthenticateUser(ctx context.Context, email, password string) (*model.User, error) {
	u, err := s.repo.GetUserByEmail(ctx, NormalizeEmail(email))
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}

	if err := bcrypt.CompareHashAndPassword(u.PasswordHash, []byte(password)); err != nil {
		return nil, ErrInvalidCredentials
	}

	return u, nil
}

// NormalizeEmail приводит email к канонической форме для поиска и хранения.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// GetUserByID возвращает пользователя по идентификатору.
func (s *Service) GetUserByID(ctx context.Context, id int64) (*model.User, error) {
	return s.repo.GetUserByID(ctx, id)
}

// ListUsersByRole возвращает пользователей с указанной ролью.
func (s *Service) ListUsersByRole(ctx context.Context, role model.Role) ([]model.User, error) {
	if !role.IsValid() {
		return nil, fmt.Errorf("%w: %s", ErrInvalidRole, role)
	}
	return s.repo.ListUsersByRole(ctx, role)
}

// SubmitTestOrder принимает публичную заявку и сохраняет её как тестовую в статусе NEW.
func (s *Service) SubmitTestOrder(ctx context.Context, p model.OrderPayload) (*model.Order, error) {
	if fe := validation.ValidateOrderPayload(p); fe != nil {
		return nil, fe
	}
	return s.repo.CreateTestOrder(ctx, p)
}

// ListNewOrders возвращает все тестовые заявки в статусе NEW.
func (s *Service) ListNewOrders(ctx context.Context) ([]model.Order, error) {
	return s.repo.ListOrdersByStatus(ctx, model.OrderStatusNew)
}

// ListProcessingOrders возвращает заявки в работе у операторов.
func (s *Service) ListProcessingOrders(ctx context.Context) ([]model.Order, error) {
	return s.repo.ListOrdersByStatus(ctx, model.OrderStatusProcessing)
}

// PromoteOrder превращает тестовую заявку в боевую: оператор перепроверяет
// данные клиента и подаёт их заново, публичная запись удаляется. Доверяются
// данные оператора, а не публичной формы.
func (s *Service) PromoteOrder(ctx context.Context, operator *model.User, testOrderID int64, p model.OrderPayload) (*model.Order, error) {
	if fe := validation.ValidateOrderPayload(p); fe != nil {
		return nil, fe
	}
	return s.repo.PromoteOrder(ctx, testOrderID, operator.ID, p)
}

// AssignMaster назначает мастера на заявку в статусе PROCESSING от имени куратора.
// Пользователь с ролью, отличной от master, назначен быть не может.
func (s *Service) AssignMaster(ctx context.Context, curator *model.User, orderID, masterID int64) (*model.Order, error) {
	master, err := s.repo.GetUserByID(ctx, masterID)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			return nil, fmt.Errorf("%w: id %d", ErrNotMaster, masterID)
		}
		return nil, err
	}
	if !master.HasRole(model.RoleMaster) {
		return nil, fmt.Errorf("%w: id %d has role %s", ErrNotMaster, masterID, master.Role)
	}

	return s.repo.AssignMaster(ctx, orderID, masterID, curator.ID)
}

// ListAssignedOrders возвращает назначенные заявки в представлении,
// зависящем от роли: мастер видит только свои, куратор — все в статусе ASSIGNED.
func (s *Service) ListAssignedOrders(ctx context.Context, caller *model.User) ([]model.Order, error) {
	switch {
	case caller.HasRole(model.RoleMaster):
		return s.repo.ListOrdersByMaster(ctx, caller.ID)
	case caller.HasRole(model.RoleCurator):
		return s.repo.ListOrdersByStatus(ctx, model.OrderStatusAssigned)
	default:
		return nil, fmt.Errorf("%w: %s", ErrForbidden, caller.Role)
	}
}

// StartOrder переводит назначенную мастеру заявку в статус IN_PROGRESS.
func (s *Service) StartOrder(ctx context.Context, master *model.User, orderID int64) (*model.Order, error) {
	return s.repo.StartOrder(ctx, orderID, master.ID)
}

// CompleteOrder завершает заявку мастера и фиксирует итоговую стоимость и расходы.
// Начисления по балансу здесь не выполняются: журнал баланса ведётся отдельно.
func (s *Service) CompleteOrder(ctx context.Context, master *model.User, orderID int64, finalCost, expenses *float64) (*model.Order, error) {
	fe := validation.FieldErrors{}
	if finalCost != nil && *finalCost < 0 {
		fe["final_cost"] = "must be non-negative"
	}
	if expenses != nil && *expenses < 0 {
		fe["expenses"] = "must be non-negative"
	}
	if len(fe) > 0 {
		return nil, fe
	}

	return s.repo.CompleteOrder(ctx, orderID, master.ID, finalCost, expenses)
}

// DeleteOrder безвозвратно удаляет заявку.
func (s *Service) DeleteOrder(ctx context.Context, orderID int64) error {
	return s.repo.DeleteOrder(ctx, orderID)
}

// UpdateOrder выполняет частичное обновление заявки: непереданные поля не меняются.
func (s *Service) UpdateOrder(ctx context.Context, orderID int64, p model.OrderPatch) (*model.Order, error) {
	if fe := validation.ValidateOrderPatch(p); fe != nil {
		return nil, fe
	}
	return s.repo.UpdateOrder(ctx, orderID, p)
}

// RecordBalanceAction добавляет запись в журнал баланса пользователя.
// Сумма со знаком: пополнение положительное, списание отрицательное.
func (s *Service) RecordBalanceAction(ctx context.Context, userID int64, action string, amount float64) error {
	fe := validation.FieldErrors{}
	if strings.TrimSpace(action) == "" {
		fe["action"] = "required"
	}
	if amount == 0 {
		fe["amount"] = "must not be zero"
	}
	if len(fe) > 0 {
		return fe
	}

	return s.repo.AppendBalanceEntry(ctx, userID, action, int64(math.Round(amount*100)))
}

// GetBalance возвращает текущий баланс пользователя.
func (s *Service) GetBalance(ctx context.Context, userID int64) (*model.Balance, error) {
	cents, err := s.repo.GetBalance(ctx, userID)
	if err != nil {
		return nil, err
	}
	return &model.Balance{Current: float64(cents) / 100}, nil
}

// ListBalanceLog возвращает журнал операций по балансу пользователя.
func (s *Service) ListBalanceLog(ctx context.Context, userID int64) ([]model.BalanceEntry, error) {
	return s.repo.ListBalanceLog(ctx, userID)
}

// GetProfitDistribution возвращает настройку распределения прибыли.
func (s *Service) GetProfitDistribution(ctx context.Context) (*model.ProfitDistribution, error) {
	d, err := s.repo.GetProfitDistribution(ctx)
	if err != nil {
		return nil, err
	}
	if !d.Validate() {
		return nil, fmt.Errorf("profit distribution percents must sum to 100, got %d/%d/%d",
			d.MasterPercent, d.CuratorPercent, d.OperatorPercent)
	}
	return d, nil
}

// ProfitSplit содержит доли прибыли по ролям.
type ProfitSplit struct {
	Master   float64 `json:"master"`
	Curator  float64 `json:"curator"`
	Operator float64 `json:"operator"`
}

// SplitProfit делит прибыль по настроенным процентам. Чистая функция:
// автоматических проводок по журналу баланса при завершении заявки нет,
// решение о выплатах остаётся за вызывающей стороной.
func SplitProfit(d model.ProfitDistribution, profit float64) ProfitSplit {
	return ProfitSplit{
		Master:   profit * float64(d.MasterPercent) / 100,
		Curator:  profit * float64(d.CuratorPercent) / 100,
		Operator: profit * float64(d.OperatorPercent) / 100,
	}
}
