package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	custommiddleware "github.com/mmeshcher/servicedesk/internal/middleware"
	"github.com/mmeshcher/servicedesk/internal/model"
)

// SetupRouter настраивает HTTP-маршруты и middleware сервиса заявок.
// Требуемая роль каждой операции задаётся явно на маршруте, без общего
// реестра прав: маршрут и есть таблица доступа.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(custommiddleware.GzipMiddleware)
	r.Use(custommiddleware.Logger(h.logger))

	r.Route("/api", func(r chi.Router) {
		// публичные маршруты
		r.Post("/login", h.Login)
		r.Post("/orders/test", h.SubmitTestOrder)

		r.Group(func(r chi.Router) {
			r.Use(h.auth.Middleware)

			r.Get("/profile", h.Profile)
			r.Get("/orders/processing", h.ListProcessingOrders)
			r.Get("/orders/assigned", h.ListAssignedOrders)
			r.Get("/users/{id}", h.GetUser)
			r.Get("/balance", h.GetBalance)
			r.Get("/balance/log", h.ListBalanceLog)

			r.Group(func(r chi.Router) {
				r.Use(custommiddleware.RequireRole(model.RoleOperator))

				r.Get("/orders/new", h.ListNewOrders)
				r.Post("/orders/{id}/promote", h.PromoteOrder)
			})

			r.Group(func(r chi.Router) {
				r.Use(custommiddleware.RequireRole(model.RoleCurator))

				r.Post("/orders/{id}/assign", h.AssignMaster)
				r.Delete("/orders/{id}", h.DeleteOrder)
				r.Patch("/orders/{id}", h.UpdateOrder)
				r.Get("/users/masters", h.ListUsersByRole(model.RoleMaster))
				r.Get("/users/operators", h.ListUsersByRole(model.RoleOperator))
				r.Get("/users/curators", h.ListUsersByRole(model.RoleCurator))
			})

			r.Group(func(r chi.Router) {
				r.Use(custommiddleware.RequireRole(model.RoleMaster))

				r.Post("/orders/{id}/start", h.StartOrder)
				r.Post("/orders/{id}/complete", h.CompleteOrder)
			})

			r.Group(func(r chi.Router) {
				r.Use(custommiddleware.RequireRole(model.RoleAdmin))

				r.Post("/users", h.RegisterUser)
				r.Post("/users/{id}/balance", h.RecordBalanceAction)
				r.Get("/profit-distribution", h.GetProfitDistribution)
			})
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	})

	return r
}
