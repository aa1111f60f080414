// Package repository содержит реализацию доступа к данным в PostgreSQL.
package repository

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/mmeshcher/servicedesk/internal/model"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrUserExists возвращается при попытке создать пользователя с занятым email.
var (
	ErrUserExists = errors.New("user already exists")
	// ErrUserNotFound возвращается, если пользователь не найден.
	ErrUserNotFound = errors.New("user not found")
	// ErrOrderNotFound возвращается, если заявка не найдена или не находится
	// в статусе, требуемом операцией. Эти случаи намеренно не различаются.
	ErrOrderNotFound = errors.New("order not found")
)

// PostgresRepository предоставляет доступ к хранилищу данных в PostgreSQL.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository создаёт новый репозиторий и инициализирует схему БД через миграции.
func NewPostgresRepository(dsn string) (*PostgresRepository, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	r := &PostgresRepository{pool: pool}

	if err := r.runMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return r, nil
}

func (r *PostgresRepository) runMigrations(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(r.pool)
	defer db.Close()

	goose.SetBaseFS(migrationsFS)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

func (r *PostgresRepository) withRetry(ctx context.Context, fn func() error) error {
	var err error
	delays := []time.Duration{1 * time.Second, 3 * time.Second, 5 * time.Second}

	for i := 0; i <= len(delays); i++ {
		err = fn()
		if err == nil {
			return nil
		}

		// Ошибки контекста не ретраим.
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			if pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected {
				if i < len(delays) {
					time.Sleep(delays[i])
					continue
				}
			}
		}

		if isConnectionError(err) {
			if i < len(delays) {
				time.Sleep(delays[i])
				continue
			}
		}

		break
	}
	return err
}

func isConnectionError(err error) bool {
	return strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "broken pipe") ||
		strings.Contains(err.Error(), "connection reset by peer")
}

// Close закрывает пул соединений с БД.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

// CreateUser создаёт нового пользователя с указанной ролью.
func (r *PostgresRepository) CreateUser(ctx context.Context, email string, passwordHash []byte, role model.Role) (int64, error) {
	var id int64
	err := r.pool.QueryRow(ctx,
		`INSERT INTO users (email, password_hash, role) VALUES ($1, $2, $3) RETURNING id`,
		email, passwordHash, string(role),
	).Scan(&id)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return 0, fmt.Errorf("%w: %s", ErrUserExists, email)
		}
		return 0, fmt.Errorf("create user: %w", err)
	}
	return id, nil
}

const userColumns = `id, email, password_hash, role, is_active, is_staff, created_at`

func scanUser(row pgx.Row) (*model.User, error) {
	var u model.User
	var role string
	err := row.Scan(&u.ID, &u.Email, &u.PasswordHash, &role, &u.IsActive, &u.IsStaff, &u.CreatedAt)
	if err != nil {
		return nil, err
	}
	u.Role = model.Role(role)
	return &u, nil
}

// GetUserByEmail возвращает пользователя по email.
func (r *PostgresRepository) GetUserByEmail(ctx context.Context, email string) (*model.User, error) {
	u, err := scanUser(r.pool.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE email = $1`, email,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("get user by email: %w", err)
	}
	return u, nil
}

// GetUserByID возвращает пользователя по идентификатору.
func (r *PostgresRepository) GetUserByID(ctx context.Context, id int64) (*model.User, error) {
	u, err := scanUser(r.pool.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE id = $1`, id,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("get user by id: %w", err)
	}
	return u, nil
}

// ListUsersByRole возвращает пользователей с указанной ролью.
func (r *PostgresRepository) ListUsersByRole(ctx context.Context, role model.Role) ([]model.User, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+userColumns+` FROM users WHERE role = $1 ORDER BY email`, string(role),
	)
	if err != nil {
		return nil, fmt.Errorf("select users by role: %w", err)
	}
	defer rows.Close()

	var users []model.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		users = append(users, *u)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return users, nil
}

const orderColumns = `id, client_name, client_phone, description, address, status, is_test,
	operator_id, curator_id, assigned_master_id, estimated_cost, final_cost, expenses, created_at`

func scanOrder(row pgx.Row) (*model.Order, error) {
	var (
		o      model.Order
		status string
		est    *int64
		fin    *int64
		exp    *int64
	)
	err := row.Scan(&o.ID, &o.ClientName, &o.ClientPhone, &o.Description, &o.Address,
		&status, &o.IsTest, &o.OperatorID, &o.CuratorID, &o.AssignedMasterID,
		&est, &fin, &exp, &o.CreatedAt)
	if err != nil {
		return nil, err
	}
	o.Status = model.OrderStatus(status)
	o.EstimatedCost = rubFromCents(est)
	o.FinalCost = rubFromCents(fin)
	o.Expenses = rubFromCents(exp)
	return &o, nil
}

// Денежные суммы хранятся в копейках, наружу отдаются в рублях.
func rubFromCents(v *int64) *float64 {
	if v == nil {
		return nil
	}
	r := float64(*v) / 100
	return &r
}

func centsFromRub(v *float64) *int64 {
	if v == nil {
		return nil
	}
	c := int64(math.Round(*v * 100))
	return &c
}

// CreateTestOrder сохраняет публично поданную тестовую заявку в статусе NEW.
func (r *PostgresRepository) CreateTestOrder(ctx context.Context, p model.OrderPayload) (*model.Order, error) {
	o, err := scanOrder(r.pool.QueryRow(ctx,
		`INSERT INTO orders (client_name, client_phone, description, address, status, is_test, estimated_cost)
		 VALUES ($1, $2, $3, $4, $5, TRUE, $6)
		 RETURNING `+orderColumns,
		p.ClientName, p.ClientPhone, p.Description, p.Address,
		string(model.OrderStatusNew), centsFromRub(p.EstimatedCost),
	))
	if err != nil {
		return nil, fmt.Errorf("insert test order: %w", err)
	}
	return o, nil
}

// GetOrderByID возвращает заявку по идентификатору.
func (r *PostgresRepository) GetOrderByID(ctx context.Context, id int64) (*model.Order, error) {
	o, err := scanOrder(r.pool.QueryRow(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE id = $1`, id,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrOrderNotFound
		}
		return nil, fmt.Errorf("get order: %w", err)
	}
	return o, nil
}

func (r *PostgresRepository) listOrders(ctx context.Context, query string, args ...any) ([]model.Order, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("select orders: %w", err)
	}
	defer rows.Close()

	var orders []model.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		orders = append(orders, *o)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return orders, nil
}

// ListOrdersByStatus возвращает заявки в указанном статусе.
func (r *PostgresRepository) ListOrdersByStatus(ctx context.Context, status model.OrderStatus) ([]model.Order, error) {
	return r.listOrders(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE status = $1 ORDER BY created_at DESC`,
		string(status),
	)
}

// ListOrdersByMaster возвращает заявки, назначенные указанному мастеру.
func (r *PostgresRepository) ListOrdersByMaster(ctx context.Context, masterID int64) ([]model.Order, error) {
	return r.listOrders(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE assigned_master_id = $1 ORDER BY created_at DESC`,
		masterID,
	)
}

// PromoteOrder заменяет тестовую заявку новой боевой: в одной транзакции
// удаляет тестовую запись и создаёт заявку в статусе PROCESSING с оператором.
// Если тестовая заявка отсутствует или уже не тестовая — ErrOrderNotFound.
func (r *PostgresRepository) PromoteOrder(ctx context.Context, testOrderID, operatorID int64, p model.OrderPayload) (*model.Order, error) {
	var promoted *model.Order

	err := r.withRetry(ctx, func() error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		cmdTag, err := tx.Exec(ctx,
			`DELETE FROM orders WHERE id = $1 AND is_test = TRUE`, testOrderID,
		)
		if err != nil {
			return fmt.Errorf("delete test order: %w", err)
		}
		if cmdTag.RowsAffected() == 0 {
			return ErrOrderNotFound
		}

		promoted, err = scanOrder(tx.QueryRow(ctx,
			`INSERT INTO orders (client_name, client_phone, description, address, status, is_test, operator_id, estimated_cost)
			 VALUES ($1, $2, $3, $4, $5, FALSE, $6, $7)
			 RETURNING `+orderColumns,
			p.ClientName, p.ClientPhone, p.Description, p.Address,
			string(model.OrderStatusProcessing), operatorID, centsFromRub(p.EstimatedCost),
		))
		if err != nil {
			return fmt.Errorf("insert promoted order: %w", err)
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return promoted, nil
}

// AssignMaster назначает мастера на заявку в статусе PROCESSING.
// Проверка статуса и переход выполняются одним условным UPDATE, поэтому из
// двух конкурентных назначений выигрывает ровно одно; проигравшее получает
// ErrOrderNotFound.
func (r *PostgresRepository) AssignMaster(ctx context.Context, orderID, masterID, curatorID int64) (*model.Order, error) {
	var assigned *model.Order

	err := r.withRetry(ctx, func() error {
		o, err := scanOrder(r.pool.QueryRow(ctx,
			`UPDATE orders
			 SET status = $2, assigned_master_id = $3, curator_id = $4
			 WHERE id = $1 AND status = $5
			 RETURNING `+orderColumns,
			orderID, string(model.OrderStatusAssigned), masterID, curatorID,
			string(model.OrderStatusProcessing),
		))
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrOrderNotFound
			}
			return fmt.Errorf("assign master: %w", err)
		}
		assigned = o
		return nil
	})
	if err != nil {
		return nil, err
	}

	return assigned, nil
}

// StartOrder переводит заявку мастера из ASSIGNED в IN_PROGRESS.
func (r *PostgresRepository) StartOrder(ctx context.Context, orderID, masterID int64) (*model.Order, error) {
	o, err := scanOrder(r.pool.QueryRow(ctx,
		`UPDATE orders
		 SET status = $3
		 WHERE id = $1 AND assigned_master_id = $2 AND status = $4
		 RETURNING `+orderColumns,
		orderID, masterID,
		string(model.OrderStatusInProgress), string(model.OrderStatusAssigned),
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrOrderNotFound
		}
		return nil, fmt.Errorf("start order: %w", err)
	}
	return o, nil
}

// CompleteOrder переводит заявку мастера из IN_PROGRESS в COMPLETED и
// фиксирует итоговую стоимость и расходы.
func (r *PostgresRepository) CompleteOrder(ctx context.Context, orderID, masterID int64, finalCost, expenses *float64) (*model.Order, error) {
	o, err := scanOrder(r.pool.QueryRow(ctx,
		`UPDATE orders
		 SET status = $3,
		     final_cost = COALESCE($5, final_cost),
		     expenses = COALESCE($6, expenses)
		 WHERE id = $1 AND assigned_master_id = $2 AND status = $4
		 RETURNING `+orderColumns,
		orderID, masterID,
		string(model.OrderStatusCompleted), string(model.OrderStatusInProgress),
		centsFromRub(finalCost), centsFromRub(expenses),
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrOrderNotFound
		}
		return nil, fmt.Errorf("complete order: %w", err)
	}
	return o, nil
}

// DeleteOrder безвозвратно удаляет заявку.
func (r *PostgresRepository) DeleteOrder(ctx context.Context, id int64) error {
	cmdTag, err := r.pool.Exec(ctx, `DELETE FROM orders WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete order: %w", err)
	}
	if cmdTag.RowsAffected() == 0 {
		return ErrOrderNotFound
	}
	return nil
}

// UpdateOrder выполняет частичное обновление заявки одним UPDATE:
// непереданные поля остаются нетронутыми за счёт COALESCE.
func (r *PostgresRepository) UpdateOrder(ctx context.Context, id int64, p model.OrderPatch) (*model.Order, error) {
	o, err := scanOrder(r.pool.QueryRow(ctx,
		`UPDATE orders
		 SET client_name = COALESCE($2, client_name),
		     client_phone = COALESCE($3, client_phone),
		     description = COALESCE($4, description),
		     address = COALESCE($5, address),
		     estimated_cost = COALESCE($6, estimated_cost),
		     final_cost = COALESCE($7, final_cost),
		     expenses = COALESCE($8, expenses)
		 WHERE id = $1
		 RETURNING `+orderColumns,
		id, p.ClientName, p.ClientPhone, p.Description, p.Address,
		centsFromRub(p.EstimatedCost), centsFromRub(p.FinalCost), centsFromRub(p.Expenses),
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrOrderNotFound
		}
		return nil, fmt.Errorf("update order: %w", err)
	}
	return o, nil
}

// AppendBalanceEntry добавляет запись в журнал баланса. Сумма в копейках, со знаком.
func (r *PostgresRepository) AppendBalanceEntry(ctx context.Context, userID int64, action string, amountCents int64) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO balance_log (user_id, action, amount) VALUES ($1, $2, $3)`,
		userID, action, amountCents,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.ForeignKeyViolation {
			return fmt.Errorf("%w: id %d", ErrUserNotFound, userID)
		}
		return fmt.Errorf("insert balance entry: %w", err)
	}
	return nil
}

// GetBalance возвращает текущий баланс пользователя в копейках.
// Источник истины — журнал: баланс всегда равен сумме его записей.
func (r *PostgresRepository) GetBalance(ctx context.Context, userID int64) (int64, error) {
	var total int64
	err := r.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(amount), 0) FROM balance_log WHERE user_id = $1`,
		userID,
	).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("sum balance log: %w", err)
	}
	return total, nil
}

// ListBalanceLog возвращает записи журнала баланса пользователя.
func (r *PostgresRepository) ListBalanceLog(ctx context.Context, userID int64) ([]model.BalanceEntry, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, user_id, action, amount, created_at
		 FROM balance_log
		 WHERE user_id = $1
		 ORDER BY created_at DESC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("select balance log: %w", err)
	}
	defer rows.Close()

	var entries []model.BalanceEntry
	for rows.Next() {
		var (
			e           model.BalanceEntry
			amountCents int64
		)
		if err := rows.Scan(&e.ID, &e.UserID, &e.Action, &amountCents, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan balance entry: %w", err)
		}
		e.Amount = float64(amountCents) / 100
		entries = append(entries, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return entries, nil
}

// GetProfitDistribution возвращает настройку распределения прибыли.
func (r *PostgresRepository) GetProfitDistribution(ctx context.Context) (*model.ProfitDistribution, error) {
	var d model.ProfitDistribution
	err := r.pool.QueryRow(ctx,
		`SELECT master_percent, curator_percent, operator_percent FROM profit_distribution WHERE id = 1`,
	).Scan(&d.MasterPercent, &d.CuratorPercent, &d.OperatorPercent)
	if err != nil {
		return nil, fmt.Errorf("get profit distribution: %w", err)
	}
	return &d, nil
}
