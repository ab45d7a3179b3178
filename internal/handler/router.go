package handler

import (
	"net/http"

	"github.com/gorilla/mux"

	"moneypolicy/internal/domain"
	"moneypolicy/internal/middleware"
	"moneypolicy/pkg/logger"
)

// Routes holds everything NewRouter mounts. RateLimiter, Idempotency and
// Metrics are optional.
type Routes struct {
	Policy *PolicyHandler
	Admin  *AdminHandler
	Stream *RateStreamHandler
	System *SystemHandler

	Auth        *middleware.AuthMiddleware
	RateLimiter *middleware.RateLimiter
	Idempotency *middleware.IdempotencyMiddleware
	Metrics     http.Handler
	MetricsPath string

	AllowedOrigins []string
	MaxBodyBytes   int64
	Logger         logger.Logger
}

// NewRouter builds the API router with the middleware chain in front of it.
func NewRouter(rt Routes) *mux.Router {
	r := mux.NewRouter()

	r.Use(middleware.CORS(rt.AllowedOrigins))
	r.Use(middleware.SecurityHeaders)
	r.Use(middleware.Recovery(rt.Logger))
	r.Use(middleware.CorrelationID)
	r.Use(middleware.NewLoggingMiddleware(rt.Logger).Log)
	maxBody := rt.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = maxRequestBody
	}
	r.Use(middleware.BodyLimit(maxBody))

	r.HandleFunc("/health", rt.System.Health).Methods("GET")
	r.HandleFunc("/ready", rt.System.Ready).Methods("GET")
	if rt.Metrics != nil {
		path := rt.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		r.Handle(path, rt.Metrics).Methods("GET")
	}

	api := r.PathPrefix("/api/v1").Subrouter()
	api.Use(rt.Auth.Authenticate)
	if rt.RateLimiter != nil {
		api.Use(rt.RateLimiter.Limit)
	}

	api.HandleFunc("/rates/stream", rt.Stream.Stream).Methods("GET")
	api.HandleFunc("/quotes/exchange", rt.Policy.QuoteExchange).Methods("POST")
	api.HandleFunc("/quotes/transfer", rt.Policy.QuoteTransfer).Methods("POST")
	api.HandleFunc("/accounts/{id}/usage", rt.Policy.Usage).Methods("GET")

	// Money-moving routes replay completed responses for a repeated Idempotency-Key.
	moves := api.NewRoute().Subrouter()
	if rt.Idempotency != nil {
		moves.Use(rt.Idempotency.Require)
	}
	moves.HandleFunc("/transfers", rt.Policy.ExecuteTransfer).Methods("POST")
	moves.HandleFunc("/exchanges", rt.Policy.ExecuteExchange).Methods("POST")

	cardNetwork := moves.NewRoute().Subrouter()
	cardNetwork.Use(middleware.RequireUserType(
		string(domain.UserTypeMerchant), string(domain.UserTypeAdmin), string(domain.UserTypeSuperAdmin),
	))
	cardNetwork.HandleFunc("/cards/authorizations/{reference}/settle", rt.Policy.SettleCard).Methods("POST")
	cardNetwork.HandleFunc("/cards/{id}/authorizations", rt.Policy.AuthorizeCard).Methods("POST")

	admin := api.PathPrefix("/admin").Subrouter()
	admin.Use(middleware.RequireUserType(string(domain.UserTypeAdmin), string(domain.UserTypeSuperAdmin)))

	admin.HandleFunc("/rates", rt.Admin.SetRate).Methods("PUT")
	admin.HandleFunc("/rates", rt.Admin.ListRates).Methods("GET")
	admin.HandleFunc("/rates/{from}/{to}", rt.Admin.DeactivateRate).Methods("DELETE")
	admin.HandleFunc("/rates/{from}/{to}/history", rt.Admin.RateHistory).Methods("GET")
	admin.HandleFunc("/fees", rt.Admin.SetFee).Methods("PUT")
	admin.HandleFunc("/fees", rt.Admin.ListFees).Methods("GET")
	admin.HandleFunc("/limits", rt.Admin.SetLimit).Methods("PUT")
	admin.HandleFunc("/limits", rt.Admin.ListLimits).Methods("GET")
	admin.HandleFunc("/permissions", rt.Admin.SetPermission).Methods("PUT")
	admin.HandleFunc("/permissions", rt.Admin.ListPermissions).Methods("GET")
	admin.HandleFunc("/card-programs", rt.Admin.SetProgram).Methods("PUT")
	admin.HandleFunc("/card-programs", rt.Admin.ListPrograms).Methods("GET")
	admin.HandleFunc("/card-programs/{id}", rt.Admin.GetProgram).Methods("GET")
	admin.HandleFunc("/cards", rt.Admin.IssueCard).Methods("POST")
	admin.HandleFunc("/cards/{id}", rt.Admin.GetCard).Methods("GET")
	admin.HandleFunc("/cards/{id}/reapply", rt.Admin.ReapplyCard).Methods("POST")
	admin.HandleFunc("/accounts", rt.Admin.OpenAccount).Methods("POST")
	admin.HandleFunc("/accounts/{id}", rt.Admin.GetAccount).Methods("GET")

	return r
}
