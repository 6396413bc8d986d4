package server

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/xela07ax/agentpay-core/internal/console/handler"
	"github.com/xela07ax/agentpay-core/internal/engine"
	"github.com/xela07ax/agentpay-core/internal/infra/auth"
)

// Pinger — проверка зависимостей для /health (база, Redis)
type Pinger interface {
	Ping(ctx context.Context) error
}

type ConsoleServer struct {
	router *chi.Mux
	logger *zap.Logger

	// Интерфейс для проверки токенов (RS256)
	authValidator auth.TokenValidator
	health        Pinger
	gatherer      prometheus.Gatherer

	// Обработчики
	inspectHandler *handler.InspectHandler // /v1/escrows, /v1/jobs, /v1/swarms ...
	policyHandler  *handler.PolicyHandler  // /v1/policies
	agentHandler   *handler.AgentHandler   // /v1/agents/... (kill-switch)
}

// NewConsoleServer инициализирует сервер консоли со всеми зависимостями.
// gatherer == nil отключает /metrics на этом роутере.
func NewConsoleServer(
	logger *zap.Logger,
	validator auth.TokenValidator,
	health Pinger,
	gatherer prometheus.Gatherer,
	inspectH *handler.InspectHandler,
	policyH *handler.PolicyHandler,
	agentH *handler.AgentHandler,
) *ConsoleServer {
	s := &ConsoleServer{
		router:         chi.NewRouter(),
		logger:         logger.Named("console-api"),
		authValidator:  validator,
		health:         health,
		gatherer:       gatherer,
		inspectHandler: inspectH,
		policyHandler:  policyH,
		agentHandler:   agentH,
	}

	s.routes()
	return s
}

func (s *ConsoleServer) routes() {
	r := s.router

	// --- 1. Глобальные инфраструктурные Middleware (для всех) ---
	r.Use(middleware.RequestID)
	r.Use(engine.TracingMiddleware)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	// --- 2. ПУБЛИЧНЫЕ РОУТЫ ---
	r.Group(func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		if s.gatherer != nil {
			r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
		}
	})

	// --- 3. ЗАЩИЩЕННЫЙ ПЕРИМЕТР (Требуют RS256 токен) ---
	r.Group(func(r chi.Router) {
		r.Use(auth.NewMiddleware(s.authValidator, s.logger))

		r.Get("/v1/dashboard", s.inspectHandler.GetDashboard)
		r.Get("/v1/transfers/{id}", s.inspectHandler.GetTransfer)

		r.Route("/v1/escrows", func(r chi.Router) {
			r.Get("/", s.inspectHandler.ListEscrows)
			r.Get("/{id}", s.inspectHandler.GetEscrow)
		})

		r.Route("/v1/jobs", func(r chi.Router) {
			r.Get("/", s.inspectHandler.ListJobs)
			r.Get("/{id}", s.inspectHandler.GetJob)
			r.Get("/{id}/memos", s.inspectHandler.ListMemos)
		})

		r.Route("/v1/swarms/{id}", func(r chi.Router) {
			r.Get("/", s.inspectHandler.GetSwarm)
			r.Get("/members", s.inspectHandler.ListMembers)
		})
		r.Get("/v1/tasks/{id}", s.inspectHandler.GetTask)

		r.Route("/v1/agents", func(r chi.Router) {
			r.Get("/{id}/reputation", s.inspectHandler.GetReputation)
			// Kill-switch: только администратор платформы
			r.Group(func(r chi.Router) {
				r.Use(auth.RequireScope(auth.ScopeAdmin))
				r.Get("/suspended", s.agentHandler.ListSuspended)
				r.Put("/{id}/suspension", s.agentHandler.Suspend)
				r.Delete("/{id}/suspension", s.agentHandler.Resume)
			})
		})

		// Аудит (Observability)
		r.Get("/v1/audit/{entity}/{id}", s.inspectHandler.GetAuditTrail)

		// Политики: чтение всем операторам, изменение только со scope admin
		r.Route("/v1/policies", func(r chi.Router) {
			r.Get("/", s.policyHandler.List)
			r.Get("/{id}", s.policyHandler.Get)
			r.With(auth.RequireScope(auth.ScopeAdmin)).Put("/{id}", s.policyHandler.Put)
			r.With(auth.RequireScope(auth.ScopeAdmin)).Delete("/{id}", s.policyHandler.Delete)
		})
	})
}

func (s *ConsoleServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.health.Ping(ctx); err != nil {
			s.logger.Warn("health check failed", zap.Error(err))
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
}

// ServeHTTP позволяет использовать ConsoleServer как стандартный http.Handler
func (s *ConsoleServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
