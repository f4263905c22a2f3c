package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fjacquet/sms-ledger/internal/conversion"
	"fjacquet/sms-ledger/internal/engine"
	"fjacquet/sms-ledger/internal/merchant"
	"fjacquet/sms-ledger/internal/models"
	"fjacquet/sms-ledger/internal/pipeline"
	"fjacquet/sms-ledger/internal/rates"
	"fjacquet/sms-ledger/internal/rules"
	"fjacquet/sms-ledger/internal/store/memory"
	"fjacquet/sms-ledger/internal/unrecognized"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	repos := memory.New()

	ruleStore := rules.NewStore(repos, nil, nil, nil)
	_, err := ruleStore.Seed(context.Background(), false)
	require.NoError(t, err)
	mappings, err := merchant.NewStore(repos, 100, nil, nil)
	require.NoError(t, err)
	t.Cleanup(mappings.Close)

	static, err := rates.NewStaticProvider()
	require.NoError(t, err)
	cache := rates.NewCache(nil, static, repos.Rates(), rates.Options{}, nil, nil)
	converter := conversion.NewService(cache, "INR", nil)
	eng := engine.New(ruleStore, mappings, repos.Applications(), ruleStore.Patterns(), engine.Options{DefaultCurrency: "INR"}, nil)
	queue := unrecognized.NewQueue(repos, ruleStore, mappings, converter, "INR", nil, nil)

	svc := Services{
		Pipeline:  pipeline.New(repos, eng, queue, converter, mappings, pipeline.Options{}, nil, nil),
		Engine:    eng,
		Rules:     ruleStore,
		Queue:     queue,
		Mappings:  mappings,
		Converter: converter,
		Rates:     cache,
		Repos:     repos,
	}
	srv := httptest.NewServer(NewRouter(svc, nil))
	t.Cleanup(srv.Close)
	return srv
}

func do(t *testing.T, srv *httptest.Server, method, path string, body any, out any) int {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, srv.URL+path, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil && resp.StatusCode < 300 && resp.StatusCode != http.StatusNoContent {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

var swiggy = map[string]string{
	"sender":     "HDFCBANK",
	"body":       "Rs.450.00 debited for SWIGGY on 12-01",
	"receivedAt": "2025-01-12T10:30:00Z",
}

var ola = map[string]string{
	"sender":     "AX-ICICIB",
	"body":       "Rs 250.00 debited for OLA CABS on 12-01. Ref 998877",
	"receivedAt": "2025-01-12T11:00:00Z",
}

func TestHealth(t *testing.T) {
	srv := newTestServer(t)
	resp, err := srv.Client().Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestIngestMessage(t *testing.T) {
	srv := newTestServer(t)

	var out pipeline.Outcome
	require.Equal(t, http.StatusCreated, do(t, srv, http.MethodPost, "/api/messages", swiggy, &out))
	assert.Equal(t, pipeline.KindTransactionCreated, out.Kind)
	assert.Equal(t, "tpl-food-swiggy", out.RuleID)

	var again pipeline.Outcome
	require.Equal(t, http.StatusOK, do(t, srv, http.MethodPost, "/api/messages", swiggy, &again))
	assert.Equal(t, pipeline.KindSkippedDuplicate, again.Kind)

	var txn models.Transaction
	require.Equal(t, http.StatusOK, do(t, srv, http.MethodGet, "/api/transactions/"+out.TransactionID, nil, &txn))
	assert.Equal(t, models.CategoryFood, txn.Category)
}

func TestIngestMessage_Invalid(t *testing.T) {
	srv := newTestServer(t)
	assert.Equal(t, http.StatusBadRequest, do(t, srv, http.MethodPost, "/api/messages", map[string]string{"sender": "X"}, nil))
	assert.Equal(t, http.StatusBadRequest, do(t, srv, http.MethodPost, "/api/messages", map[string]string{"from": "X"}, nil))
}

func TestIngestBatch(t *testing.T) {
	srv := newTestServer(t)
	var report pipeline.BatchReport
	require.Equal(t, http.StatusOK, do(t, srv, http.MethodPost, "/api/messages/batch", []map[string]string{swiggy, swiggy, ola}, &report))
	assert.Equal(t, 1, report.Created)
	assert.Equal(t, 1, report.Duplicate)
	assert.Equal(t, 1, report.Queued)
}

func TestRules(t *testing.T) {
	srv := newTestServer(t)

	var list []models.Rule
	require.Equal(t, http.StatusOK, do(t, srv, http.MethodGet, "/api/rules", nil, &list))
	require.NotEmpty(t, list)

	assert.Equal(t, http.StatusForbidden, do(t, srv, http.MethodDelete, "/api/rules/tpl-food-swiggy", nil, nil))

	var disabled models.Rule
	require.Equal(t, http.StatusOK, do(t, srv, http.MethodPost, "/api/rules/tpl-food-swiggy/disable", nil, &disabled))
	assert.False(t, disabled.IsEnabled)

	rule := models.Rule{
		Name:       "Ola rides",
		Priority:   10,
		Conditions: []models.Condition{{Field: models.FieldBodyContains, Operator: models.OperatorContains, Value: "OLA"}},
		Actions:    models.Actions{SetCategory: models.CategoryTransport},
	}
	var created models.Rule
	require.Equal(t, http.StatusCreated, do(t, srv, http.MethodPost, "/api/rules", rule, &created))
	assert.NotEmpty(t, created.ID)
	assert.True(t, created.IsEnabled)

	var result engine.MatchResult
	require.Equal(t, http.StatusOK, do(t, srv, http.MethodPost, "/api/rules/test", ola, &result))
	assert.True(t, result.Matched())
	assert.Equal(t, created.ID, result.RuleID)

	created.Name = "Ola cabs"
	var updated models.Rule
	require.Equal(t, http.StatusOK, do(t, srv, http.MethodPut, "/api/rules/"+created.ID, created, &updated))
	assert.Equal(t, "Ola cabs", updated.Name)

	assert.Equal(t, http.StatusBadRequest, do(t, srv, http.MethodPost, "/api/rules", models.Rule{Name: "empty"}, nil))
	assert.Equal(t, http.StatusNoContent, do(t, srv, http.MethodDelete, "/api/rules/"+created.ID, nil, nil))
	assert.Equal(t, http.StatusNotFound, do(t, srv, http.MethodGet, "/api/rules/"+created.ID, nil, nil))
}

func TestResetRules(t *testing.T) {
	srv := newTestServer(t)
	assert.Equal(t, http.StatusBadRequest, do(t, srv, http.MethodPost, "/api/rules/reset", map[string]bool{"confirm": false}, nil))

	var report rules.SeedReport
	require.Equal(t, http.StatusOK, do(t, srv, http.MethodPost, "/api/rules/reset", map[string]bool{"confirm": true}, &report))
	assert.Positive(t, report.Installed)
	assert.Equal(t, rules.TemplateVersion(), report.Version)
}

func TestTriage(t *testing.T) {
	srv := newTestServer(t)

	var out pipeline.Outcome
	require.Equal(t, http.StatusCreated, do(t, srv, http.MethodPost, "/api/messages", ola, &out))
	require.Equal(t, pipeline.KindQueuedUnrecognized, out.Kind)

	var pending []models.UnrecognizedMessage
	require.Equal(t, http.StatusOK, do(t, srv, http.MethodGet, "/api/unrecognized", nil, &pending))
	require.Len(t, pending, 1)
	assert.Equal(t, out.EntryID, pending[0].ID)

	assert.Equal(t, http.StatusBadRequest, do(t, srv, http.MethodGet, "/api/unrecognized?state=archived", nil, nil))

	var resolved unrecognized.Resolved
	res := unrecognized.Resolution{Category: models.CategoryTransport, Subcategory: "Cab", CreateRule: true}
	require.Equal(t, http.StatusOK, do(t, srv, http.MethodPost, "/api/unrecognized/"+out.EntryID+"/resolve", res, &resolved))
	assert.Equal(t, models.StateResolved, resolved.Entry.State)
	require.NotNil(t, resolved.Rule)

	assert.Equal(t, http.StatusConflict, do(t, srv, http.MethodPost, "/api/unrecognized/"+out.EntryID+"/ignore", nil, nil))
	assert.Equal(t, http.StatusNotFound, do(t, srv, http.MethodPost, "/api/unrecognized/missing/ignore", nil, nil))

	var all []models.UnrecognizedMessage
	require.Equal(t, http.StatusOK, do(t, srv, http.MethodGet, "/api/unrecognized?state=all", nil, &all))
	assert.Len(t, all, 1)
}

func TestRecategorize(t *testing.T) {
	srv := newTestServer(t)
	var out pipeline.Outcome
	require.Equal(t, http.StatusCreated, do(t, srv, http.MethodPost, "/api/messages", swiggy, &out))

	body := map[string]string{"category": models.CategoryGroceries}
	var txn models.Transaction
	require.Equal(t, http.StatusOK, do(t, srv, http.MethodPut, "/api/transactions/"+out.TransactionID+"/category", body, &txn))
	assert.Equal(t, models.CategoryGroceries, txn.Category)

	var mappings []models.MerchantMapping
	require.Equal(t, http.StatusOK, do(t, srv, http.MethodGet, "/api/mappings", nil, &mappings))
	require.Len(t, mappings, 1)
	assert.Equal(t, models.OriginUserConfirmed, mappings[0].Origin)

	assert.Equal(t, http.StatusNotFound, do(t, srv, http.MethodPut, "/api/transactions/missing/category", body, nil))

	var txns []models.Transaction
	require.Equal(t, http.StatusOK, do(t, srv, http.MethodGet, "/api/transactions?category=Groceries&limit=5", nil, &txns))
	assert.Len(t, txns, 1)
	assert.Equal(t, http.StatusBadRequest, do(t, srv, http.MethodGet, "/api/transactions?limit=many", nil, nil))
}

func TestConvert(t *testing.T) {
	srv := newTestServer(t)

	var identity conversion.Conversion
	require.Equal(t, http.StatusOK, do(t, srv, http.MethodGet, "/api/convert?amount=450&from=INR", nil, &identity))
	assert.True(t, identity.Amount.Equal(decimal.NewFromInt(450)))
	assert.True(t, identity.Rate.Equal(decimal.NewFromInt(1)))

	var usd conversion.Conversion
	require.Equal(t, http.StatusOK, do(t, srv, http.MethodGet, "/api/convert?amount=10&from=usd&to=INR", nil, &usd))
	assert.True(t, usd.Amount.Equal(decimal.RequireFromString("857.40")), usd.Amount.String())
	assert.True(t, usd.Stale, "the static table is never fresh")

	assert.Equal(t, http.StatusBadRequest, do(t, srv, http.MethodGet, "/api/convert?amount=ten&from=USD", nil, nil))
	assert.Equal(t, http.StatusServiceUnavailable, do(t, srv, http.MethodGet, "/api/convert?amount=1&from=USD&to=XAU", nil, nil))

	var entries []models.ExchangeRateEntry
	require.Equal(t, http.StatusOK, do(t, srv, http.MethodGet, "/api/rates", nil, &entries))
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusInternalServerError, statusFor(assert.AnError))
	assert.Equal(t, http.StatusServiceUnavailable, statusFor(context.DeadlineExceeded))
}
