package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/servicedesk/internal/auth"
	"github.com/mmeshcher/servicedesk/internal/middleware"
	"github.com/mmeshcher/servicedesk/internal/model"
	"github.com/mmeshcher/servicedesk/internal/repository"
	"github.com/mmeshcher/servicedesk/internal/service"
	"github.com/mmeshcher/servicedesk/internal/validation"
)

type stubService struct {
	registerID  int64
	registerErr error

	authUser *model.User
	authErr  error

	userResp *model.User
	userErr  error

	usersResp []model.User
	usersErr  error

	orderResp *model.Order
	orderErr  error

	ordersResp []model.Order
	ordersErr  error

	deleteErr error

	assignOrderID  int64
	assignMasterID int64
	assignCurator  *model.User

	balanceResp *model.Balance
	balanceErr  error

	entriesResp []model.BalanceEntry
	entriesErr  error

	recordErr    error
	recordUserID int64
	recordAction string
	recordAmount float64

	distResp *model.ProfitDistribution
	distErr  error
}

func (s *stubService) RegisterUser(ctx context.Context, email, password string, role model.Role) (int64, error) {
	return s.registerID, s.registerErr
}

func (s *stubService) AuthenticateUser(ctx context.Context, email, password string) (*model.User, error) {
	return s.authUser, s.authErr
}

func (s *stubService) GetUserByID(ctx context.Context, id int64) (*model.User, error) {
	return s.userResp, s.userErr
}

func (s *stubService) ListUsersByRole(ctx context.Context, role model.Role) ([]model.User, error) {
	return s.usersResp, s.usersErr
}

func (s *stubService) SubmitTestOrder(ctx context.Context, p model.OrderPayload) (*model.Order, error) {
	return s.orderResp, s.orderErr
}

func (s *stubService) ListNewOrders(ctx context.Context) ([]model.Order, error) {
	return s.ordersResp, s.ordersErr
}

func (s *stubService) ListProcessingOrders(ctx context.Context) ([]model.Order, error) {
	return s.ordersResp, s.ordersErr
}

func (s *stubService) PromoteOrder(ctx context.Context, operator *model.User, testOrderID int64, p model.OrderPayload) (*model.Order, error) {
	return s.orderResp, s.orderErr
}

func (s *stubService) AssignMaster(ctx context.Context, curator *model.User, orderID, masterID int64) (*model.Order, error) {
	s.assignCurator = curator
	s.assignOrderID = orderID
	s.assignMasterID = masterID
	return s.orderResp, s.orderErr
}

func (s *stubService) ListAssignedOrders(ctx context.Context, caller *model.User) ([]model.Order, error) {
	return s.ordersResp, s.ordersErr
}

func (s *stubService) StartOrder(ctx context.Context, master *model.User, orderID int64) (*model.Order, error) {
	return s.orderResp, s.orderErr
}

func (s *stubService) CompleteOrder(ctx context.Context, master *model.User, orderID int64, finalCost, expenses *float64) (*model.Order, error) {
	return s.orderResp, s.orderErr
}

func (s *stubService) DeleteOrder(ctx context.Context, orderID int64) error {
	return s.deleteErr
}

func (s *stubService) UpdateOrder(ctx context.Context, orderID int64, p model.OrderPatch) (*model.Order, error) {
	return s.orderResp, s.orderErr
}

func (s *stubService) RecordBalanceAction(ctx context.Context, userID int64, action string, amount float64) error {
	s.recordUserID = userID
	s.recordAction = action
	s.recordAmount = amount
	return s.recordErr
}

func (s *stubService) GetBalance(ctx context.Context, userID int64) (*model.Balance, error) {
	return s.balanceResp, s.balanceErr
}

func (s *stubService) ListBalanceLog(ctx context.Context, userID int64) ([]model.BalanceEntry, error) {
	return s.entriesResp, s.entriesErr
}

func (s *stubService) GetProfitDistribution(ctx context.Context) (*model.ProfitDistribution, error) {
	return s.distResp, s.distErr
}

type stubUserSource struct {
	user *model.User
}

func (s *stubUserSource) GetUserByID(ctx context.Context, id int64) (*model.User, error) {
	if s.user != nil && s.user.ID == id {
		return s.user, nil
	}
	return nil, repository.ErrUserNotFound
}

// newTestHandler собирает обработчик с заглушкой сервиса и, если caller задан,
// возвращает для него действующий Bearer-токен.
func newTestHandler(t *testing.T, svc Service, caller *model.User) (*Handler, string) {
	t.Helper()

	logger, err := zap.NewDevelopment()
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}

	tokens := auth.NewTokenManager("test-secret")
	authMW := middleware.NewAuthMiddleware(tokens, &stubUserSource{user: caller})
	h := NewHandler(svc, logger, tokens, authMW)

	var token string
	if caller != nil {
		token, err = tokens.GenerateToken(caller.ID)
		if err != nil {
			t.Fatalf("generate token: %v", err)
		}
	}

	return h, token
}

func testOrder() *model.Order {
	return &model.Order{
		ID:          7,
		ClientName:  "Иванова",
		ClientPhone: "+79001234567",
		Description: "течь под раковиной",
		Status:      model.OrderStatusNew,
		IsTest:      true,
		CreatedAt:   time.Now().UTC(),
	}
}

func TestSubmitTestOrder_Created(t *testing.T) {
	svc := &stubService{orderResp: testOrder()}
	h, _ := newTestHandler(t, svc, nil)

	body, _ := json.Marshal(model.OrderPayload{
		ClientName:  "Иванова",
		ClientPhone: "+79001234567",
		Description: "течь под раковиной",
	})

	req := httptest.NewRequest(http.MethodPost, "/api/orders/test", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	h.SubmitTestOrder(rec, req)

	res := rec.Result()
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusCreated)
	}

	var got orderResponse
	if err := json.NewDecoder(res.Body).Decode(&got); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if got.ID != 7 || got.Status != "NEW" || !got.IsTest {
		t.Fatalf("order = %+v, want id 7, status NEW, is_test", got)
	}
}

func TestSubmitTestOrder_ValidationErrors(t *testing.T) {
	svc := &stubService{
		orderErr: validation.FieldErrors{
			"client_name":  "required",
			"client_phone": "invalid phone number",
		},
	}
	h, _ := newTestHandler(t, svc, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/orders/test", bytes.NewReader([]byte(`{}`)))
	rec := httptest.NewRecorder()

	h.SubmitTestOrder(rec, req)

	res := rec.Result()
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusBadRequest)
	}

	var fields map[string]string
	if err := json.NewDecoder(res.Body).Decode(&fields); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if fields["client_name"] != "required" {
		t.Fatalf("client_name = %q, want %q", fields["client_name"], "required")
	}
}

func TestLogin_Success(t *testing.T) {
	svc := &stubService{
		authUser: &model.User{ID: 3, Email: "operator@example.com", Role: model.RoleOperator},
	}
	h, _ := newTestHandler(t, svc, nil)

	body, _ := json.Marshal(loginRequest{Email: "operator@example.com", Password: "pass"})
	req := httptest.NewRequest(http.MethodPost, "/api/login", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	h.Login(rec, req)

	res := rec.Result()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusOK)
	}

	var got loginResponse
	if err := json.NewDecoder(res.Body).Decode(&got); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if got.Token == "" {
		t.Fatal("token is empty")
	}
	if got.User.ID != 3 || got.User.Role != "operator" {
		t.Fatalf("user = %+v, want id 3, role operator", got.User)
	}
}

func TestLogin_InvalidCredentials(t *testing.T) {
	svc := &stubService{authErr: service.ErrInvalidCredentials}
	h, _ := newTestHandler(t, svc, nil)

	body, _ := json.Marshal(loginRequest{Email: "operator@example.com", Password: "wrong"})
	req := httptest.NewRequest(http.MethodPost, "/api/login", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	h.Login(rec, req)

	res := rec.Result()
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusUnauthorized)
	}
}

func TestPromoteOrder_NotFound(t *testing.T) {
	operator := &model.User{ID: 3, Email: "operator@example.com", Role: model.RoleOperator, IsActive: true}
	svc := &stubService{orderErr: repository.ErrOrderNotFound}
	h, token := newTestHandler(t, svc, operator)

	body, _ := json.Marshal(model.OrderPayload{
		ClientName:  "Иванова",
		ClientPhone: "+79001234567",
		Description: "течь под раковиной",
	})

	req := httptest.NewRequest(http.MethodPost, "/api/orders/99/promote", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()

	h.SetupRouter().ServeHTTP(rec, req)

	res := rec.Result()
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusNotFound)
	}
}

func TestAssignMaster_NotAMaster(t *testing.T) {
	curator := &model.User{ID: 5, Email: "curator@example.com", Role: model.RoleCurator, IsActive: true}
	svc := &stubService{orderErr: service.ErrNotMaster}
	h, token := newTestHandler(t, svc, curator)

	body, _ := json.Marshal(assignRequest{MasterID: 11})
	req := httptest.NewRequest(http.MethodPost, "/api/orders/7/assign", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()

	h.SetupRouter().ServeHTTP(rec, req)

	res := rec.Result()
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusBadRequest)
	}
}

func TestAssignMaster_Success(t *testing.T) {
	curator := &model.User{ID: 5, Email: "curator@example.com", Role: model.RoleCurator, IsActive: true}
	order := testOrder()
	order.Status = model.OrderStatusAssigned
	svc := &stubService{orderResp: order}
	h, token := newTestHandler(t, svc, curator)

	body, _ := json.Marshal(assignRequest{MasterID: 11})
	req := httptest.NewRequest(http.MethodPost, "/api/orders/7/assign", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()

	h.SetupRouter().ServeHTTP(rec, req)

	res := rec.Result()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusOK)
	}
	if svc.assignOrderID != 7 || svc.assignMasterID != 11 {
		t.Fatalf("assign(%d, %d), want (7, 11)", svc.assignOrderID, svc.assignMasterID)
	}
	if svc.assignCurator == nil || svc.assignCurator.ID != 5 {
		t.Fatalf("assign curator = %+v, want id 5", svc.assignCurator)
	}
}

func TestListNewOrders_ForbiddenForMaster(t *testing.T) {
	master := &model.User{ID: 11, Email: "master@example.com", Role: model.RoleMaster, IsActive: true}
	svc := &stubService{}
	h, token := newTestHandler(t, svc, master)

	req := httptest.NewRequest(http.MethodGet, "/api/orders/new", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()

	h.SetupRouter().ServeHTTP(rec, req)

	res := rec.Result()
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusForbidden)
	}
}

func TestListNewOrders_NoContent(t *testing.T) {
	operator := &model.User{ID: 3, Email: "operator@example.com", Role: model.RoleOperator, IsActive: true}
	svc := &stubService{ordersResp: []model.Order{}}
	h, token := newTestHandler(t, svc, operator)

	req := httptest.NewRequest(http.MethodGet, "/api/orders/new", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()

	h.SetupRouter().ServeHTTP(rec, req)

	res := rec.Result()
	if res.StatusCode != http.StatusNoContent {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusNoContent)
	}
}

func TestListProcessingOrders_Unauthorized(t *testing.T) {
	svc := &stubService{}
	h, _ := newTestHandler(t, svc, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/orders/processing", nil)
	rec := httptest.NewRecorder()

	h.SetupRouter().ServeHTTP(rec, req)

	res := rec.Result()
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusUnauthorized)
	}
}

func TestProfile_JSONResponse(t *testing.T) {
	curator := &model.User{ID: 5, Email: "curator@example.com", Role: model.RoleCurator, IsActive: true}
	svc := &stubService{}
	h, token := newTestHandler(t, svc, curator)

	req := httptest.NewRequest(http.MethodGet, "/api/profile", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()

	h.SetupRouter().ServeHTTP(rec, req)

	res := rec.Result()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusOK)
	}
	if ct := res.Header.Get("Content-Type"); ct != "application/json" {
		t.Fatalf("content-type = %q, want application/json", ct)
	}

	var got userResponse
	if err := json.NewDecoder(res.Body).Decode(&got); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if got.ID != 5 || got.Email != "curator@example.com" || got.Role != "curator" {
		t.Fatalf("profile = %+v", got)
	}
}

func TestDeleteOrder_NoContent(t *testing.T) {
	curator := &model.User{ID: 5, Email: "curator@example.com", Role: model.RoleCurator, IsActive: true}
	svc := &stubService{}
	h, token := newTestHandler(t, svc, curator)

	req := httptest.NewRequest(http.MethodDelete, "/api/orders/7", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()

	h.SetupRouter().ServeHTTP(rec, req)

	res := rec.Result()
	if res.StatusCode != http.StatusNoContent {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusNoContent)
	}
}

func TestGetBalance_JSONResponse(t *testing.T) {
	master := &model.User{ID: 11, Email: "master@example.com", Role: model.RoleMaster, IsActive: true}
	svc := &stubService{balanceResp: &model.Balance{Current: 2500.75}}
	h, token := newTestHandler(t, svc, master)

	req := httptest.NewRequest(http.MethodGet, "/api/balance", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()

	h.SetupRouter().ServeHTTP(rec, req)

	res := rec.Result()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusOK)
	}

	var got model.Balance
	if err := json.NewDecoder(res.Body).Decode(&got); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if got.Current != 2500.75 {
		t.Fatalf("current = %v, want 2500.75", got.Current)
	}
}

func TestRecordBalanceAction_AdminOnly(t *testing.T) {
	admin := &model.User{ID: 1, Email: "admin@example.com", Role: model.RoleAdmin, IsActive: true}
	svc := &stubService{}
	h, token := newTestHandler(t, svc, admin)

	body, _ := json.Marshal(balanceActionRequest{Action: "выплата за заявку 7", Amount: -123.45})
	req := httptest.NewRequest(http.MethodPost, "/api/users/11/balance", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()

	h.SetupRouter().ServeHTTP(rec, req)

	res := rec.Result()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusOK)
	}
	if svc.recordUserID != 11 || svc.recordAmount != -123.45 {
		t.Fatalf("record(%d, %v), want (11, -123.45)", svc.recordUserID, svc.recordAmount)
	}
}

func TestRegisterUser_Conflict(t *testing.T) {
	admin := &model.User{ID: 1, Email: "admin@example.com", Role: model.RoleAdmin, IsActive: true}
	svc := &stubService{registerErr: repository.ErrUserExists}
	h, token := newTestHandler(t, svc, admin)

	body, _ := json.Marshal(registerRequest{Email: "operator@example.com", Password: "pass", Role: "operator"})
	req := httptest.NewRequest(http.MethodPost, "/api/users", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()

	h.SetupRouter().ServeHTTP(rec, req)

	res := rec.Result()
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusConflict)
	}
}
