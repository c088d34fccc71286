package account_http

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"ledger/internal/app/ledger"
)

type Services struct {
	Transfers   ledger.TransferEngine
	Balances    ledger.BalanceQueryService
	Provisioner ledger.AccountProvisioner
}

type RouterConfig struct {
	IdentityHeader string
	AllowedOrigins []string
	RequestTimeout time.Duration
	// InternalToken enables /internal/accounts. Left empty, the route is not mounted.
	InternalToken string
}

// NewRouter returns the service's full HTTP handler with the standard middleware chain.
func NewRouter(cfg RouterConfig, s Services, l *zap.Logger) http.Handler {
	if cfg.IdentityHeader == "" {
		cfg.IdentityHeader = DefaultIdentityHeader
	}
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(RequestLogger(l.With(zap.String("component", "HTTPAccessLog"))))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(timeout))

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", cfg.IdentityHeader},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	RegisterRoutes(r, s, cfg.IdentityHeader, l)
	if cfg.InternalToken != "" {
		RegisterInternalRoutes(r, s, cfg.InternalToken, l)
	}
	return r
}

// RegisterRoutes mounts the account API at /account and, for existing clients, /api/v1/account.
func RegisterRoutes(r chi.Router, s Services, identityHeader string, l *zap.Logger) {
	handler := NewAccountHandler(s, l.With(zap.String("component", "AccountHTTPHandler")))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeMessage(w, http.StatusOK, "Ledger service is healthy!")
	})

	account := chi.NewRouter()
	account.Use(RequireIdentity(identityHeader, l))
	account.Get("/balance", handler.GetBalanceHandler)
	account.Post("/transfer", handler.TransferHandler)

	r.Mount("/account", account)
	r.Mount("/api/v1/account", account)
}

// RegisterInternalRoutes mounts the provisioning endpoint for trusted services holding token.
func RegisterInternalRoutes(r chi.Router, s Services, token string, l *zap.Logger) {
	handler := NewAccountHandler(s, l.With(zap.String("component", "AccountHTTPHandler")))

	r.Route("/internal/accounts", func(r chi.Router) {
		r.Use(RequireInternalToken(token, l))
		r.Post("/", handler.ProvisionAccountHandler)
	})
}
