// Package gateway is the HTTP boundary of the settlement core. External
// layers (dashboards, onboarding flows, the scheduler) interact with the
// core only through these routes: submit settlements and read balances,
// or query the ledger for history and integrity status.
package gateway

import (
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/nats-io/nats.go"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/kausnet/settlecore/internal/audit"
	"github.com/kausnet/settlecore/internal/auth"
	"github.com/kausnet/settlecore/internal/distribution"
	"github.com/kausnet/settlecore/internal/ledgerstore"
	"github.com/kausnet/settlecore/internal/settlement"
	"github.com/kausnet/settlecore/pkg/messaging"
	"github.com/kausnet/settlecore/pkg/money"
)

// maxAuditPageSize bounds audit query pages.
const maxAuditPageSize = 200

// Config holds gateway configuration.
type Config struct {
	RateLimitMax    int
	RateLimitWindow time.Duration
}

// Gateway wires the engines to HTTP routes.
type Gateway struct {
	router      *gin.Engine
	settle      *settlement.Engine
	dist        *distribution.Engine
	ledger      *audit.Ledger
	auth        *auth.Service
	msg         *messaging.Client
	log         *zap.Logger
	rateLimiter *rateLimiter

	wsMu      sync.RWMutex
	wsClients map[uuid.UUID]chan []byte
}

// New creates the gateway and registers all routes.
func New(cfg Config, settle *settlement.Engine, dist *distribution.Engine,
	ledger *audit.Ledger, authSvc *auth.Service, msg *messaging.Client, log *zap.Logger) *Gateway {
	g := &Gateway{
		router:      gin.New(),
		settle:      settle,
		dist:        dist,
		ledger:      ledger,
		auth:        authSvc,
		msg:         msg,
		log:         log,
		rateLimiter: newRateLimiter(cfg.RateLimitMax, cfg.RateLimitWindow),
		wsClients:   make(map[uuid.UUID]chan []byte),
	}

	g.router.Use(gin.Recovery())
	g.router.Use(g.requestLogger())
	g.router.Use(g.tracing())
	g.router.Use(g.rateLimit())

	g.router.GET("/health", g.health)

	v1 := g.router.Group("/api/v1")
	{
		v1.POST("/settlement", g.createSettlement)
		v1.GET("/settlement/quote", g.quote)

		v1.POST("/distribution/run", g.schedulerAuth(), g.runDistribution)
		v1.GET("/distribution/history", g.distributionHistory)

		v1.GET("/audit", g.adminAuth(), g.queryAudit)
		v1.GET("/audit/integrity", g.adminAuth(), g.checkIntegrity)
		v1.GET("/audit/stream", g.adminAuth(), g.streamAudit)
	}

	return g
}

// Handler exposes the router for http.Server and tests.
func (g *Gateway) Handler() http.Handler {
	return g.router
}

// StartStream relays ledger entry events from the bus to connected
// websocket clients. Call once after construction when a bus exists.
func (g *Gateway) StartStream() error {
	return g.msg.Subscribe(messaging.SubjectLedgerEntry, func(msg *nats.Msg) {
		g.wsMu.RLock()
		defer g.wsMu.RUnlock()
		for _, send := range g.wsClients {
			select {
			case send <- msg.Data:
			default:
				// Slow consumer; drop rather than block the relay.
			}
		}
	})
}

// Middleware

func (g *Gateway) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		started := time.Now()
		c.Next()
		g.log.Info("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("elapsed", time.Since(started)),
		)
	}
}

func (g *Gateway) tracing() gin.HandlerFunc {
	return func(c *gin.Context) {
		correlationID := c.GetHeader("X-Correlation-ID")
		if correlationID == "" {
			correlationID = uuid.New().String()
		}
		c.Set("correlation_id", correlationID)
		c.Header("X-Correlation-ID", correlationID)
		c.Next()
	}
}

func (g *Gateway) rateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !g.rateLimiter.Allow(c.ClientIP()) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			return
		}
		c.Next()
	}
}

func (g *Gateway) adminAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := c.GetHeader("Authorization")
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing authorization"})
			return
		}
		claims, err := g.auth.VerifyAdmin(token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}
		c.Set("user_id", claims.UserID)
		c.Next()
	}
}

func (g *Gateway) schedulerAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := c.GetHeader("Authorization")
		if token == "" {
			token = c.GetHeader("X-Scheduler-Token")
		}
		if err := g.auth.VerifyScheduler(token); err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid scheduler credentials"})
			return
		}
		c.Next()
	}
}

// Handlers

func (g *Gateway) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":          "healthy",
		"mode":            g.settle.Mode(),
		"ledger_degraded": g.ledger.Degraded(),
	})
}

// SettlementRequest is the API shape of one exchange. Amounts travel as
// strings so decimal precision survives JSON.
type SettlementRequest struct {
	UserID       string `json:"user_id" binding:"required"`
	FromCurrency string `json:"from_currency" binding:"required"`
	ToCurrency   string `json:"to_currency" binding:"required"`
	Amount       string `json:"amount" binding:"required"`
	Rate         string `json:"rate"`
}

func (g *Gateway) createSettlement(c *gin.Context) {
	var req SettlementRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "invalid request body"})
		return
	}

	amount, err := money.Parse(req.Amount)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "invalid amount"})
		return
	}
	rate := decimal.Zero
	if req.Rate != "" {
		if rate, err = money.Parse(req.Rate); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "invalid rate"})
			return
		}
	}

	result, err := g.settle.Exchange(c.Request.Context(), settlement.Request{
		UserID:        req.UserID,
		FromCurrency:  req.FromCurrency,
		ToCurrency:    req.ToCurrency,
		Amount:        amount,
		Rate:          rate,
		SourceAddress: c.ClientIP(),
		ClientContext: c.Request.UserAgent(),
	})
	if err != nil {
		status := http.StatusInternalServerError
		if settlement.IsValidationError(err) {
			status = http.StatusBadRequest
		}
		c.JSON(status, gin.H{
			"success":        false,
			"error":          err.Error(),
			"transaction_id": result.TransactionID,
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":     true,
		"transaction": result.Transaction,
		"balances":    result.Balances,
		"mode":        result.Mode,
	})
}

func (g *Gateway) quote(c *gin.Context) {
	from := c.Query("from")
	to := c.Query("to")

	amount := decimal.Zero
	if raw := c.Query("amount"); raw != "" {
		var err error
		if amount, err = money.Parse(raw); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid amount"})
			return
		}
	}

	q, err := g.settle.PreviewQuote(from, to, amount)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, q)
}

func (g *Gateway) runDistribution(c *gin.Context) {
	result, err := g.dist.Run(c.Request.Context())
	if err != nil {
		if errors.Is(err, distribution.ErrRunInProgress) {
			c.JSON(http.StatusConflict, gin.H{"success": false, "error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": err.Error()})
		return
	}

	resp := gin.H{
		"success":         true,
		"distribution_id": result.DistributionID,
		"results": gin.H{
			"skipped":                    result.Skipped,
			"skip_reason":                result.SkipReason,
			"users_processed":            result.UsersProcessed,
			"total_dividend_distributed": result.TotalDistributed,
			"revenue_breakdown":          result.RevenueBySource,
			"circulating_supply":         result.CirculatingSupply,
		},
	}
	if len(result.Errors) > 0 {
		resp["errors"] = result.Errors
	}
	c.JSON(http.StatusOK, resp)
}

func (g *Gateway) distributionHistory(c *gin.Context) {
	limit := parseIntDefault(c.Query("limit"), 10)
	if limit > 100 {
		limit = 100
	}

	runs, err := g.dist.History(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"runs": runs})
}

func (g *Gateway) queryAudit(c *gin.Context) {
	filter := ledgerstore.EntryFilter{
		ActorID:   c.Query("actor_id"),
		EventType: c.Query("event_type"),
		Status:    c.Query("status"),
		Limit:     parseIntDefault(c.Query("limit"), 50),
		Offset:    parseIntDefault(c.Query("offset"), 0),
	}
	if filter.Limit > maxAuditPageSize {
		filter.Limit = maxAuditPageSize
	}

	if raw := c.Query("from"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid from timestamp"})
			return
		}
		filter.From = t
	}
	if raw := c.Query("to"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid to timestamp"})
			return
		}
		filter.To = t
	}

	entries, err := g.ledger.Query(c.Request.Context(), filter)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"entries":  entries,
		"degraded": g.ledger.Degraded(),
	})
}

func (g *Gateway) checkIntegrity(c *gin.Context) {
	window := parseIntDefault(c.Query("window"), audit.DefaultVerifyWindow)

	report, err := g.ledger.VerifyIntegrity(c.Request.Context(), window)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, report)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

func (g *Gateway) streamAudit(c *gin.Context) {
	if !g.msg.IsConnected() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "event stream unavailable"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}

	id := uuid.New()
	send := make(chan []byte, 64)

	g.wsMu.Lock()
	g.wsClients[id] = send
	g.wsMu.Unlock()

	defer func() {
		g.wsMu.Lock()
		delete(g.wsClients, id)
		g.wsMu.Unlock()
		conn.Close()
	}()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case payload := <-send:
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

func parseIntDefault(raw string, def int) int {
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return def
	}
	return n
}
