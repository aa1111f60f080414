// Package model содержит доменные сущности сервиса заявок на ремонт.
package model

import "time"

// Role описывает роль пользователя в системе.
type Role string

const (
	RoleAdmin          Role = "admin"
	RoleOperator       Role = "operator"
	RoleCurator        Role = "curator"
	RoleMaster         Role = "master"
	RoleWarrantyMaster Role = "warranty_master"
)

// ValidRoles содержит полный перечень допустимых ролей.
var ValidRoles = []Role{RoleAdmin, RoleOperator, RoleCurator, RoleMaster, RoleWarrantyMaster}

// IsValid сообщает, входит ли роль в закрытый перечень ролей системы.
func (r Role) IsValid() bool {
	for _, v := range ValidRoles {
		if r == v {
			return true
		}
	}
	return false
}

// User представляет сотрудника или администратора системы.
type User struct {
	ID           int64
	Email        string
	PasswordHash []byte
	Role         Role
	IsActive     bool
	IsStaff      bool
	CreatedAt    time.Time
}

// HasRole сообщает, совпадает ли роль пользователя с требуемой.
// Роль проверяется строго: админ не получает чужие права неявно.
func (u *User) HasRole(required Role) bool {
	return u != nil && u.Role == required
}

// OrderStatus описывает статус заявки в рабочем процессе.
type OrderStatus string

const (
	OrderStatusNew        OrderStatus = "NEW"
	OrderStatusProcessing OrderStatus = "PROCESSING"
	OrderStatusAssigned   OrderStatus = "ASSIGNED"
	OrderStatusInProgress OrderStatus = "IN_PROGRESS"
	OrderStatusCompleted  OrderStatus = "COMPLETED"
)

// statusRank задаёт порядок статусов рабочего процесса.
// Переходы допустимы только вперёд и только на соседний статус.
var statusRank = map[OrderStatus]int{
	OrderStatusNew:        0,
	OrderStatusProcessing: 1,
	OrderStatusAssigned:   2,
	OrderStatusInProgress: 3,
	OrderStatusCompleted:  4,
}

// IsValid сообщает, является ли значение допустимым статусом.
func (s OrderStatus) IsValid() bool {
	_, ok := statusRank[s]
	return ok
}

// CanTransitionTo сообщает, допустим ли переход из текущего статуса в next.
// Единственное исключение из пошагового порядка — продвижение тестовой
// заявки: оно создаёт новую заявку сразу в статусе PROCESSING, а не
// переводит существующую.
func (s OrderStatus) CanTransitionTo(next OrderStatus) bool {
	from, ok := statusRank[s]
	if !ok {
		return false
	}
	to, ok := statusRank[next]
	if !ok {
		return false
	}
	return to == from+1
}

// Order представляет заявку клиента на ремонт.
type Order struct {
	ID               int64
	ClientName       string
	ClientPhone      string
	Description      string
	Address          string
	Status           OrderStatus
	IsTest           bool
	OperatorID       *int64
	CuratorID        *int64
	AssignedMasterID *int64
	EstimatedCost    *float64
	FinalCost        *float64
	Expenses         *float64
	CreatedAt        time.Time
}

// BalanceEntry описывает одну запись журнала операций по балансу.
// Журнал только пополняется: записи не изменяются и не удаляются.
type BalanceEntry struct {
	ID        int64
	UserID    int64
	Action    string
	Amount    float64
	CreatedAt time.Time
}

// Balance содержит текущий баланс пользователя.
// Значение всегда воспроизводимо суммированием журнала с нуля.
type Balance struct {
	Current float64 `json:"current"`
}

// ProfitDistribution задаёт проценты распределения прибыли по ролям.
type ProfitDistribution struct {
	MasterPercent   int `json:"master_percent"`
	CuratorPercent  int `json:"curator_percent"`
	OperatorPercent int `json:"operator_percent"`
}

// Validate проверяет, что проценты в сумме дают ровно 100.
func (d ProfitDistribution) Validate() bool {
	return d.MasterPercent >= 0 && d.CuratorPercent >= 0 && d.OperatorPercent >= 0 &&
		d.MasterPercent+d.CuratorPercent+d.OperatorPercent == 100
}
