package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"retailcore/backend/internal/domain"
	"retailcore/backend/internal/service"
	"retailcore/backend/internal/store"
)

// SaleService is the part of *service.SaleOrchestrator the handlers use.
type SaleService interface {
	Commit(ctx context.Context, tenantID string, req domain.SaleRequest) (domain.CommitResult, error)
	GetSale(ctx context.Context, tenantID string, saleID string) (domain.Sale, error)
	LookupByIdempotency(ctx context.Context, tenantID string, key string) (domain.SaleLookupResponse, error)
	ListMovements(ctx context.Context, tenantID string, query domain.MovementQuery) ([]domain.InventoryMovement, error)
	Reconcile(ctx context.Context, tenantID string, operatorID string, req domain.ReconcileRequest) (domain.ReconcileResult, error)
	GetJournalEntry(ctx context.Context, tenantID string, journalEntryID string) (domain.JournalEntry, error)
}

type API struct {
	service       SaleService
	auth          *AuthManager
	logger        *logrus.Logger
	allowedOrigin string
	authLimiter   *attemptLimiter
}

func New(svc SaleService, auth *AuthManager, logger *logrus.Logger, allowedOrigin string) *API {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &API{
		service:       svc,
		auth:          auth,
		logger:        logger,
		allowedOrigin: allowedOrigin,
		authLimiter:   newAttemptLimiter(10, time.Minute),
	}
}

func (a *API) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(a.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(securityHeaders)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: strings.Split(a.allowedOrigin, ","),
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "Idempotency-Key"},
		MaxAge:         300,
	}))
	r.Use(limitJSONBody)

	r.Get("/healthz", a.handleHealth)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(a.authenticate)

		r.Group(func(r chi.Router) {
			r.Use(requireRole(RoleCashier, RoleAdmin))
			r.Post("/sales", a.handleCommitSale)
			r.Get("/sales/{id}", a.handleGetSale)
			r.Get("/sales/idempotency/{key}", a.handleSaleLookup)
			r.Get("/inventory/movements", a.handleListMovements)
		})

		r.Group(func(r chi.Router) {
			r.Use(requireRole(RoleAdmin))
			r.Post("/inventory/reconcile", a.handleReconcile)
			r.Get("/journal-entries/{id}", a.handleGetJournalEntry)
		})
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeMethodNotAllowed(w)
	})
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not_found", errors.New("route not found"))
	})

	return otelhttp.NewHandler(r, "retailcore.http",
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + r.URL.Path
		}))
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ok": true,
		"at": time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *API) handleCommitSale(w http.ResponseWriter, r *http.Request) {
	actor, _ := service.ActorFromContext(r.Context())

	var req domain.SaleRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "validation_error", err)
		return
	}

	headerKey := strings.TrimSpace(r.Header.Get("Idempotency-Key"))
	bodyKey := strings.TrimSpace(req.IdempotencyKey)
	switch {
	case headerKey != "" && bodyKey != "" && headerKey != bodyKey:
		writeError(w, http.StatusBadRequest, "validation_error", errors.New("Idempotency-Key header and idempotency_key field disagree"))
		return
	case headerKey != "":
		req.IdempotencyKey = headerKey
	}
	if strings.TrimSpace(req.OperatorID) == "" {
		req.OperatorID = actor.OperatorID
	}

	result, err := a.service.Commit(r.Context(), actor.TenantID, req)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}

	status := http.StatusCreated
	if result.Duplicate {
		status = http.StatusOK
	}
	writeJSON(w, status, result)
}

func (a *API) handleGetSale(w http.ResponseWriter, r *http.Request) {
	actor, _ := service.ActorFromContext(r.Context())
	sale, err := a.service.GetSale(r.Context(), actor.TenantID, chi.URLParam(r, "id"))
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sale)
}

func (a *API) handleSaleLookup(w http.ResponseWriter, r *http.Request) {
	actor, _ := service.ActorFromContext(r.Context())
	resp, err := a.service.LookupByIdempotency(r.Context(), actor.TenantID, chi.URLParam(r, "key"))
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleListMovements(w http.ResponseWriter, r *http.Request) {
	actor, _ := service.ActorFromContext(r.Context())
	q := r.URL.Query()
	movements, err := a.service.ListMovements(r.Context(), actor.TenantID, domain.MovementQuery{
		ProductID:   strings.TrimSpace(q.Get("product_id")),
		WarehouseID: strings.TrimSpace(q.Get("warehouse_id")),
		Limit:       parsePositiveLimit(q.Get("limit"), 50, 500),
	})
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": movements})
}

func (a *API) handleReconcile(w http.ResponseWriter, r *http.Request) {
	actor, _ := service.ActorFromContext(r.Context())

	var req domain.ReconcileRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "validation_error", err)
		return
	}

	result, err := a.service.Reconcile(r.Context(), actor.TenantID, actor.OperatorID, req)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (a *API) handleGetJournalEntry(w http.ResponseWriter, r *http.Request) {
	actor, _ := service.ActorFromContext(r.Context())
	entry, err := a.service.GetJournalEntry(r.Context(), actor.TenantID, chi.URLParam(r, "id"))
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

// writeServiceError maps the store error kinds onto HTTP statuses. Anything it
// does not recognise is an internal error and its message is not exposed.
func (a *API) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var stockErr *store.InsufficientStockError
	switch {
	case errors.Is(err, store.ErrValidation):
		writeError(w, http.StatusBadRequest, "validation_error", err)
	case errors.As(err, &stockErr):
		writeJSON(w, http.StatusConflict, map[string]any{
			"error":      "insufficient_stock",
			"message":    err.Error(),
			"product_id": stockErr.ProductID,
		})
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err)
	case errors.Is(err, store.ErrTransient):
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusServiceUnavailable, "transient_store_error", errors.New("store temporarily unavailable, retry with the same idempotency key"))
	default:
		a.logger.WithFields(logrus.Fields{
			"module":     "httpapi",
			"func":       "writeServiceError",
			"path":       r.URL.Path,
			"request_id": middleware.GetReqID(r.Context()),
		}).WithError(err).Error("internal error")
		writeError(w, http.StatusInternalServerError, "internal_error", errors.New("internal server error"))
	}
}

func (a *API) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		startedAt := time.Now()
		next.ServeHTTP(ww, r)

		fields := logrus.Fields{
			"module":      "httpapi",
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      ww.Status(),
			"bytes":       ww.BytesWritten(),
			"duration_ms": time.Since(startedAt).Milliseconds(),
			"request_id":  middleware.GetReqID(r.Context()),
		}
		if actor, ok := service.ActorFromContext(r.Context()); ok {
			fields["tenant_id"] = actor.TenantID
		}
		a.logger.WithFields(fields).Info("request")
	})
}

func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		w.Header().Set("Cross-Origin-Opener-Policy", "same-origin")
		next.ServeHTTP(w, r)
	})
}

func limitJSONBody(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost || r.Method == http.MethodPatch || r.Method == http.MethodPut {
			r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
		}
		next.ServeHTTP(w, r)
	})
}

func decodeJSON(r *http.Request, dest any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dest); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return errors.New("request body too large")
		}
		return err
	}
	return nil
}

func parsePositiveLimit(raw string, fallback int, max int) int {
	limit := fallback
	trimmed := strings.TrimSpace(raw)
	if trimmed != "" {
		if parsed, err := strconv.Atoi(trimmed); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	if max > 0 && limit > max {
		return max
	}
	return limit
}

func writeMethodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", errors.New("method not allowed"))
}

func writeError(w http.ResponseWriter, status int, code string, err error) {
	writeJSON(w, status, map[string]any{
		"error":   code,
		"message": err.Error(),
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
