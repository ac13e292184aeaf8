package gateway

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/kausnet/settlecore/internal/audit"
	"github.com/kausnet/settlecore/internal/auth"
	"github.com/kausnet/settlecore/internal/distribution"
	"github.com/kausnet/settlecore/internal/ledgerstore"
	"github.com/kausnet/settlecore/internal/settlement"
)

const (
	testJWTSecret       = "test-jwt-secret"
	testSchedulerSecret = "test-scheduler-secret"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newTestGateway(t *testing.T) (*Gateway, *ledgerstore.MemoryBalanceStore) {
	t.Helper()

	balances := ledgerstore.NewMemoryBalanceStore()
	txs := ledgerstore.NewMemoryTransactionStore()
	dists := ledgerstore.NewMemoryDistributionStore()
	store := ledgerstore.NewFallbackEntryStore(
		ledgerstore.NewMemoryEntryStore(), ledgerstore.NewMemoryEntryStore(), zap.NewNop(), nil)
	ledger := audit.NewLedger(store, zap.NewNop(), nil)

	settle := settlement.NewEngine(balances, txs, ledger, nil, nil, zap.NewNop(), settlement.DefaultConfig())
	dist := distribution.NewEngine(balances, dists, ledger, nil, nil, nil, zap.NewNop(),
		distribution.DefaultConfig(), []distribution.SourceShare{{
			Source: &distribution.StaticRevenueSource{SourceName: "static", Amount: decimal.NewFromInt(1_000_000)},
			Share:  decimal.NewFromInt(1),
		}})

	authSvc := auth.NewService(testJWTSecret, testSchedulerSecret)
	gw := New(Config{RateLimitMax: 1000, RateLimitWindow: time.Minute},
		settle, dist, ledger, authSvc, nil, zap.NewNop())
	return gw, balances
}

func doJSON(gw *Gateway, method, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	gw.Handler().ServeHTTP(w, req)
	return w
}

func TestHealth(t *testing.T) {
	gw, _ := newTestGateway(t)

	w := doJSON(gw, http.MethodGet, "/health", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "healthy", resp["status"])
	assert.Equal(t, settlement.ModeLive, resp["mode"])
}

func TestCreateSettlement(t *testing.T) {
	gw, balances := newTestGateway(t)
	balances.Seed(ledgerstore.Balance{
		UserID: "user-1",
		KRW:    decimal.NewFromInt(5_000_000),
		KAUS:   decimal.Zero,
	})

	w := doJSON(gw, http.MethodPost, "/api/v1/settlement", SettlementRequest{
		UserID:       "user-1",
		FromCurrency: "KRW",
		ToCurrency:   "KAUS",
		Amount:       "2000000",
	}, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp struct {
		Success     bool `json:"success"`
		Transaction struct {
			ToAmount decimal.Decimal `json:"to_amount"`
			Status   string          `json:"status"`
		} `json:"transaction"`
		Mode string `json:"mode"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	assert.Equal(t, settlement.ModeLive, resp.Mode)
	assert.Equal(t, ledgerstore.TxCompleted, resp.Transaction.Status)
	assert.True(t, resp.Transaction.ToAmount.Equal(decimal.NewFromInt(2000)))
}

func TestCreateSettlementValidationMapsTo400(t *testing.T) {
	gw, balances := newTestGateway(t)
	balances.Seed(ledgerstore.Balance{
		UserID: "user-1",
		KRW:    decimal.NewFromInt(1000),
		KAUS:   decimal.Zero,
	})

	w := doJSON(gw, http.MethodPost, "/api/v1/settlement", SettlementRequest{
		UserID:       "user-1",
		FromCurrency: "KRW",
		ToCurrency:   "KAUS",
		Amount:       "2000000",
	}, nil)
	require.Equal(t, http.StatusBadRequest, w.Code)

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, false, resp["success"])
	// Even failures carry a transaction id for support correlation.
	assert.NotEmpty(t, resp["transaction_id"])
}

func TestCreateSettlementBadBody(t *testing.T) {
	gw, _ := newTestGateway(t)

	w := doJSON(gw, http.MethodPost, "/api/v1/settlement",
		map[string]string{"user_id": "user-1"}, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doJSON(gw, http.MethodPost, "/api/v1/settlement", SettlementRequest{
		UserID:       "user-1",
		FromCurrency: "KRW",
		ToCurrency:   "KAUS",
		Amount:       "not-a-number",
	}, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestQuote(t *testing.T) {
	gw, _ := newTestGateway(t)

	w := doJSON(gw, http.MethodGet, "/api/v1/settlement/quote?from=KRW&to=KAUS&amount=150000", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)

	var q settlement.Quote
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &q))
	assert.True(t, q.Rate.Equal(decimal.NewFromInt(1000)))
	assert.True(t, q.ToAmount.Equal(decimal.NewFromInt(150)))

	w = doJSON(gw, http.MethodGet, "/api/v1/settlement/quote?from=KRW&to=KRW", nil, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRunDistributionRequiresSchedulerSecret(t *testing.T) {
	gw, balances := newTestGateway(t)
	balances.Seed(ledgerstore.Balance{UserID: "alice", KRW: decimal.Zero, KAUS: decimal.NewFromInt(100)})

	w := doJSON(gw, http.MethodPost, "/api/v1/distribution/run", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = doJSON(gw, http.MethodPost, "/api/v1/distribution/run", nil,
		map[string]string{"Authorization": "Bearer wrong-secret"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = doJSON(gw, http.MethodPost, "/api/v1/distribution/run", nil,
		map[string]string{"Authorization": "Bearer " + testSchedulerSecret})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, true, resp["success"])
	assert.NotEmpty(t, resp["distribution_id"])
}

func TestDistributionHistory(t *testing.T) {
	gw, balances := newTestGateway(t)
	balances.Seed(ledgerstore.Balance{UserID: "alice", KRW: decimal.Zero, KAUS: decimal.NewFromInt(100)})

	w := doJSON(gw, http.MethodPost, "/api/v1/distribution/run", nil,
		map[string]string{"X-Scheduler-Token": testSchedulerSecret})
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(gw, http.MethodGet, "/api/v1/distribution/history", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Runs []json.RawMessage `json:"runs"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Len(t, resp.Runs, 1)
}

func TestAuditRequiresAdminToken(t *testing.T) {
	gw, _ := newTestGateway(t)

	w := doJSON(gw, http.MethodGet, "/api/v1/audit", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	// A valid token with a non-admin role is rejected too.
	userToken, err := auth.NewService(testJWTSecret, testSchedulerSecret).
		IssueToken("user-1", "user", time.Hour)
	require.NoError(t, err)
	w = doJSON(gw, http.MethodGet, "/api/v1/audit", nil,
		map[string]string{"Authorization": "Bearer " + userToken})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAuditAndIntegrityWithAdminToken(t *testing.T) {
	gw, balances := newTestGateway(t)
	balances.Seed(ledgerstore.Balance{
		UserID: "user-1",
		KRW:    decimal.NewFromInt(5_000_000),
		KAUS:   decimal.Zero,
	})

	// Generate one audit entry through a settlement.
	w := doJSON(gw, http.MethodPost, "/api/v1/settlement", SettlementRequest{
		UserID:       "user-1",
		FromCurrency: "KRW",
		ToCurrency:   "KAUS",
		Amount:       "100000",
	}, nil)
	require.Equal(t, http.StatusOK, w.Code)

	adminToken, err := auth.NewService(testJWTSecret, testSchedulerSecret).
		IssueToken("admin-1", auth.RoleAdmin, time.Hour)
	require.NoError(t, err)
	authHeader := map[string]string{"Authorization": "Bearer " + adminToken}

	w = doJSON(gw, http.MethodGet, "/api/v1/audit?actor_id=user-1", nil, authHeader)
	require.Equal(t, http.StatusOK, w.Code)

	var auditResp struct {
		Entries  []json.RawMessage `json:"entries"`
		Degraded bool              `json:"degraded"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &auditResp))
	assert.Len(t, auditResp.Entries, 1)
	assert.False(t, auditResp.Degraded)

	w = doJSON(gw, http.MethodGet, "/api/v1/audit/integrity", nil, authHeader)
	require.Equal(t, http.StatusOK, w.Code)

	var report audit.IntegrityReport
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &report))
	assert.True(t, report.Valid)
	assert.Equal(t, 1, report.VerifiedCount)
}

func TestRateLimit(t *testing.T) {
	gw, _ := newTestGateway(t)
	gw.rateLimiter = newRateLimiter(2, time.Minute)

	for i := 0; i < 2; i++ {
		w := doJSON(gw, http.MethodGet, "/health", nil, nil)
		require.Equal(t, http.StatusOK, w.Code)
	}
	w := doJSON(gw, http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
}

func TestCorrelationIDEchoed(t *testing.T) {
	gw, _ := newTestGateway(t)

	w := doJSON(gw, http.MethodGet, "/health", nil,
		map[string]string{"X-Correlation-ID": "req-123"})
	assert.Equal(t, "req-123", w.Header().Get("X-Correlation-ID"))

	w = doJSON(gw, http.MethodGet, "/health", nil, nil)
	assert.NotEmpty(t, w.Header().Get("X-Correlation-ID"))
}
