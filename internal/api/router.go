// Package api exposes ingestion, rule management, triage and conversion over
// HTTP.
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"fjacquet/sms-ledger/internal/conversion"
	"fjacquet/sms-ledger/internal/engine"
	"fjacquet/sms-ledger/internal/logging"
	"fjacquet/sms-ledger/internal/merchant"
	"fjacquet/sms-ledger/internal/pipeline"
	"fjacquet/sms-ledger/internal/rates"
	"fjacquet/sms-ledger/internal/rules"
	"fjacquet/sms-ledger/internal/store"
	"fjacquet/sms-ledger/internal/unrecognized"
)

// Services are the components the handlers delegate to.
type Services struct {
	Pipeline  *pipeline.Pipeline
	Engine    *engine.Engine
	Rules     *rules.Store
	Queue     *unrecognized.Queue
	Mappings  *merchant.Store
	Converter *conversion.Service
	Rates     *rates.Cache
	Repos     store.Store
}

// NewRouter builds the HTTP routes.
func NewRouter(svc Services, logger logging.Logger) *chi.Mux {
	logger = logging.OrDiscard(logger)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(logger))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})

	r.Route("/api", func(r chi.Router) {
		// Ingestion
		r.Post("/messages", IngestMessage(svc, logger))
		r.Post("/messages/batch", IngestBatch(svc, logger))

		// Rules
		r.Get("/rules", ListRules(svc, logger))
		r.Post("/rules", CreateRule(svc, logger))
		r.Post("/rules/reset", ResetRules(svc, logger))
		r.Post("/rules/test", DryRunRules(svc, logger))
		r.Get("/rules/{rule_id}", GetRule(svc, logger))
		r.Put("/rules/{rule_id}", UpdateRule(svc, logger))
		r.Delete("/rules/{rule_id}", DeleteRule(svc, logger))
		r.Post("/rules/{rule_id}/enable", SetRuleEnabled(svc, true, logger))
		r.Post("/rules/{rule_id}/disable", SetRuleEnabled(svc, false, logger))

		// Triage
		r.Get("/unrecognized", ListUnrecognized(svc, logger))
		r.Get("/unrecognized/{entry_id}", GetUnrecognized(svc, logger))
		r.Post("/unrecognized/{entry_id}/resolve", ResolveUnrecognized(svc, logger))
		r.Post("/unrecognized/{entry_id}/ignore", IgnoreUnrecognized(svc, logger))

		// Transactions and mappings
		r.Get("/transactions", ListTransactions(svc, logger))
		r.Get("/transactions/{transaction_id}", GetTransaction(svc, logger))
		r.Put("/transactions/{transaction_id}/category", RecategorizeTransaction(svc, logger))
		r.Get("/mappings", ListMappings(svc, logger))

		// Currency
		r.Get("/convert", Convert(svc, logger))
		r.Get("/rates", ListRates(svc, logger))
		r.Post("/rates/refresh", RefreshRates(svc, logger))
	})

	return r
}

func requestLogger(logger logging.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			logger.Debug("HTTP request",
				logging.F("method", r.Method),
				logging.F("path", r.URL.Path),
				logging.F(logging.FieldStatus, ww.Status()),
				logging.F("request_id", middleware.GetReqID(r.Context())),
				logging.F(logging.FieldDuration, time.Since(start).Milliseconds()))
		})
	}
}
