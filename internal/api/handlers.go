package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"fjacquet/sms-ledger/internal/logging"
	"fjacquet/sms-ledger/internal/models"
	"fjacquet/sms-ledger/internal/pipeline"
	"fjacquet/sms-ledger/internal/store"
	"fjacquet/sms-ledger/internal/unrecognized"
)

func IngestMessage(svc Services, logger logging.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var msg models.Message
		if err := decode(w, r, &msg); err != nil {
			badRequest(w, logger, "invalid message", err)
			return
		}
		if strings.TrimSpace(msg.Sender) == "" || strings.TrimSpace(msg.Body) == "" {
			badRequest(w, logger, "invalid message", errors.New("sender and body are required"))
			return
		}
		outcome, err := svc.Pipeline.Ingest(r.Context(), msg)
		if err != nil {
			writeError(w, logger, "Failed to ingest message", err)
			return
		}
		status := http.StatusCreated
		if outcome.Kind == pipeline.KindSkippedDuplicate {
			status = http.StatusOK
		}
		writeJSON(w, status, outcome)
	}
}

func IngestBatch(svc Services, logger logging.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var msgs []models.Message
		if err := decode(w, r, &msgs); err != nil {
			badRequest(w, logger, "invalid batch", err)
			return
		}
		writeJSON(w, http.StatusOK, svc.Pipeline.IngestBatch(r.Context(), msgs))
	}
}

func ListRules(svc Services, logger logging.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		list, err := svc.Rules.List(r.Context())
		if err != nil {
			writeError(w, logger, "Failed to list rules", err)
			return
		}
		writeJSON(w, http.StatusOK, list)
	}
}

func GetRule(svc Services, logger logging.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rule, err := svc.Rules.Get(r.Context(), chi.URLParam(r, "rule_id"))
		if err != nil {
			writeError(w, logger, "Failed to get rule", err)
			return
		}
		writeJSON(w, http.StatusOK, rule)
	}
}

func CreateRule(svc Services, logger logging.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var rule models.Rule
		if err := decode(w, r, &rule); err != nil {
			badRequest(w, logger, "invalid rule", err)
			return
		}
		created, err := svc.Rules.Create(r.Context(), rule)
		if err != nil {
			writeError(w, logger, "Failed to create rule", err)
			return
		}
		writeJSON(w, http.StatusCreated, created)
	}
}

func UpdateRule(svc Services, logger logging.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var rule models.Rule
		if err := decode(w, r, &rule); err != nil {
			badRequest(w, logger, "invalid rule", err)
			return
		}
		rule.ID = chi.URLParam(r, "rule_id")
		updated, err := svc.Rules.Update(r.Context(), rule)
		if err != nil {
			writeError(w, logger, "Failed to update rule", err)
			return
		}
		writeJSON(w, http.StatusOK, updated)
	}
}

func DeleteRule(svc Services, logger logging.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := svc.Rules.Delete(r.Context(), chi.URLParam(r, "rule_id")); err != nil {
			writeError(w, logger, "Failed to delete rule", err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func SetRuleEnabled(svc Services, enabled bool, logger logging.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rule, err := svc.Rules.SetEnabled(r.Context(), chi.URLParam(r, "rule_id"), enabled)
		if err != nil {
			writeError(w, logger, "Failed to toggle rule", err)
			return
		}
		writeJSON(w, http.StatusOK, rule)
	}
}

func ResetRules(svc Services, logger logging.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Confirm bool `json:"confirm"`
		}
		if err := decode(w, r, &req); err != nil {
			badRequest(w, logger, "invalid reset request", err)
			return
		}
		report, err := svc.Rules.Reset(r.Context(), req.Confirm)
		if err != nil {
			writeError(w, logger, "Failed to reset rules", err)
			return
		}
		writeJSON(w, http.StatusOK, report)
	}
}

// DryRunRules is a dry run: nothing is recorded.
func DryRunRules(svc Services, logger logging.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var msg models.Message
		if err := decode(w, r, &msg); err != nil {
			badRequest(w, logger, "invalid message", err)
			return
		}
		result, err := svc.Engine.Match(r.Context(), msg)
		if err != nil {
			writeError(w, logger, "Failed to test rules", err)
			return
		}
		writeJSON(w, http.StatusOK, result)
	}
}

func ListUnrecognized(svc Services, logger logging.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		state := models.ResolutionState(r.URL.Query().Get("state"))
		if state == "" {
			state = models.StatePending
		} else if state == "all" {
			state = ""
		}
		entries, err := svc.Queue.List(r.Context(), state)
		if err != nil {
			badRequest(w, logger, "invalid state", err)
			return
		}
		writeJSON(w, http.StatusOK, entries)
	}
}

func GetUnrecognized(svc Services, logger logging.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		entry, err := svc.Queue.Get(r.Context(), chi.URLParam(r, "entry_id"))
		if err != nil {
			writeError(w, logger, "Failed to get unrecognized message", err)
			return
		}
		writeJSON(w, http.StatusOK, entry)
	}
}

func ResolveUnrecognized(svc Services, logger logging.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var res unrecognized.Resolution
		if err := decode(w, r, &res); err != nil {
			badRequest(w, logger, "invalid resolution", err)
			return
		}
		resolved, err := svc.Queue.ResolveWith(r.Context(), chi.URLParam(r, "entry_id"), res)
		if err != nil {
			writeError(w, logger, "Failed to resolve unrecognized message", err)
			return
		}
		writeJSON(w, http.StatusOK, resolved)
	}
}

func IgnoreUnrecognized(svc Services, logger logging.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		entry, err := svc.Queue.Ignore(r.Context(), chi.URLParam(r, "entry_id"))
		if err != nil {
			writeError(w, logger, "Failed to ignore unrecognized message", err)
			return
		}
		writeJSON(w, http.StatusOK, entry)
	}
}

func ListTransactions(svc Services, logger logging.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		filter := store.TransactionFilter{Category: r.URL.Query().Get("category")}
		if raw := r.URL.Query().Get("limit"); raw != "" {
			limit, err := strconv.Atoi(raw)
			if err != nil || limit < 0 {
				badRequest(w, logger, "invalid limit", fmt.Errorf("%q is not a positive number", raw))
				return
			}
			filter.Limit = limit
		}
		txns, err := svc.Repos.Transactions().List(r.Context(), filter)
		if err != nil {
			writeError(w, logger, "Failed to list transactions", err)
			return
		}
		writeJSON(w, http.StatusOK, txns)
	}
}

func GetTransaction(svc Services, logger logging.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		txn, err := svc.Repos.Transactions().Get(r.Context(), chi.URLParam(r, "transaction_id"))
		if err != nil {
			writeError(w, logger, "Failed to get transaction", err)
			return
		}
		writeJSON(w, http.StatusOK, txn)
	}
}

func RecategorizeTransaction(svc Services, logger logging.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Category    string `json:"category"`
			Subcategory string `json:"subcategory"`
		}
		if err := decode(w, r, &req); err != nil {
			badRequest(w, logger, "invalid request", err)
			return
		}
		txn, err := svc.Pipeline.Recategorize(r.Context(), chi.URLParam(r, "transaction_id"), req.Category, req.Subcategory)
		if err != nil {
			writeError(w, logger, "Failed to recategorize transaction", err)
			return
		}
		writeJSON(w, http.StatusOK, txn)
	}
}

func ListMappings(svc Services, logger logging.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		mappings, err := svc.Mappings.List(r.Context())
		if err != nil {
			writeError(w, logger, "Failed to list merchant mappings", err)
			return
		}
		writeJSON(w, http.StatusOK, mappings)
	}
}

func Convert(svc Services, logger logging.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		amount, err := decimal.NewFromString(q.Get("amount"))
		if err != nil {
			badRequest(w, logger, "invalid amount", err)
			return
		}
		from := strings.ToUpper(strings.TrimSpace(q.Get("from")))
		to := strings.ToUpper(strings.TrimSpace(q.Get("to")))
		if to == "" {
			to = svc.Converter.Base()
		}
		if from == "" {
			badRequest(w, logger, "invalid currency", errors.New("from is required"))
			return
		}
		conv, err := svc.Converter.Convert(r.Context(), amount, from, to)
		if err != nil {
			writeError(w, logger, "Failed to convert amount", err)
			return
		}
		writeJSON(w, http.StatusOK, conv)
	}
}

func ListRates(svc Services, logger logging.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, svc.Rates.Entries())
	}
}

func RefreshRates(svc Services, logger logging.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := svc.Rates.RefreshAll(r.Context()); err != nil {
			logger.WithError(err).Warn("Failed to refresh exchange rates")
			writeJSON(w, http.StatusBadGateway, errorResponse{Error: err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, svc.Rates.Entries())
	}
}
