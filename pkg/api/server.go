// Package api exposes session keys, sponsored payments and escrow tasks
// over HTTP with gin.
package api

import (
	"context"
	"log/slog"
	"math"
	"math/big"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	agentpay "github.com/x402-foundation/agentpay"
	"github.com/x402-foundation/agentpay/escrow"
	"github.com/x402-foundation/agentpay/session"
	"github.com/x402-foundation/agentpay/sponsor"
)

const (
	// CallerHeader carries the address the request acts for. The daemon
	// sits behind an authenticating proxy that sets it.
	CallerHeader = "X-Caller-Address"
	// IdempotencyHeader may replace idempotencyKey in a payment body.
	IdempotencyHeader = "Idempotency-Key"
	// RequestIDHeader is echoed on every response.
	RequestIDHeader = "X-Request-Id"

	callerKey = "agentpay.caller"

	defaultListLimit = 50
	maxListLimit     = 500
)

// Sessions is the session key surface the API needs.
type Sessions interface {
	Authorize(ctx context.Context, owner string, spendLimit *big.Int, duration time.Duration, label string) (*session.SessionKey, error)
	Lookup(ctx context.Context, id string) (*session.SessionKey, error)
	Revoke(ctx context.Context, id string) error
	ListByOwner(ctx context.Context, owner string) ([]*session.SessionKey, error)
}

// Payments is the sponsored transfer surface the API needs.
type Payments interface {
	EstimateFee(ctx context.Context) (agentpay.FeeQuote, error)
	SponsoredTransfer(ctx context.Context, req sponsor.TransferRequest) (*sponsor.Payment, error)
	Get(ctx context.Context, id string) (*sponsor.Payment, error)
	Confirm(ctx context.Context, id string) (*sponsor.Payment, error)
}

// Escrows is the escrow surface the API needs.
type Escrows interface {
	Custodian() string
	LockFunds(ctx context.Context, req escrow.LockRequest) (*escrow.Task, error)
	Get(ctx context.Context, id string) (*escrow.Task, error)
	ListByParty(ctx context.Context, addr string, limit int) ([]*escrow.Task, error)
	ReleaseWithProof(ctx context.Context, taskID string, att agentpay.Attestation) (*escrow.Task, error)
	Refund(ctx context.Context, taskID, caller string) (*escrow.Task, error)
	Dispute(ctx context.Context, taskID, caller, reason string) (*escrow.Task, error)
	ResolveDispute(ctx context.Context, taskID, caller string, releaseToProvider bool) (*escrow.Task, error)
}

// Server routes HTTP requests to the components.
type Server struct {
	sessions Sessions
	payments Payments
	escrows  Escrows
	decimals int
	logger   *slog.Logger
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the request logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewServer creates a Server. decimals is the token precision used to
// parse and render amounts.
func NewServer(sessions Sessions, payments Payments, escrows Escrows, decimals int, opts ...Option) *Server {
	s := &Server{
		sessions: sessions,
		payments: payments,
		escrows:  escrows,
		decimals: decimals,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler builds the gin engine.
func (s *Server) Handler() http.Handler {
	r := gin.New()
	r.Use(requestID(), s.accessLog(), gin.CustomRecovery(s.recover))

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	v1 := r.Group("/v1", requireCaller())
	v1.POST("/sessions", s.createSession)
	v1.GET("/sessions", s.listSessions)
	v1.GET("/sessions/:id", s.getSession)
	v1.POST("/sessions/:id/revoke", s.revokeSession)

	v1.GET("/fees/estimate", s.estimateFee)
	v1.POST("/payments", s.createPayment)
	v1.GET("/payments/:id", s.getPayment)
	v1.POST("/payments/:id/confirm", s.confirmPayment)

	v1.POST("/escrows", s.lockFunds)
	v1.GET("/escrows", s.listEscrows)
	v1.GET("/escrows/:id", s.getEscrow)
	v1.POST("/escrows/:id/release", s.releaseEscrow)
	v1.POST("/escrows/:id/refund", s.refundEscrow)
	v1.POST("/escrows/:id/dispute", s.disputeEscrow)
	v1.POST("/escrows/:id/resolve", s.resolveEscrow)
	return r
}

func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(RequestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		c.Header(RequestIDHeader, id)
		c.Next()
	}
}

func (s *Server) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		status := c.Writer.Status()
		attrs := []any{
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", status,
			"duration", time.Since(start),
			"requestId", c.Writer.Header().Get(RequestIDHeader),
		}
		switch {
		case status >= 500:
			s.logger.Error("request", attrs...)
		case status >= 400:
			s.logger.Warn("request", attrs...)
		default:
			s.logger.Info("request", attrs...)
		}
	}
}

func (s *Server) recover(c *gin.Context, recovered any) {
	s.logger.Error("panic in handler", "path", c.FullPath(), "panic", recovered)
	c.AbortWithStatusJSON(http.StatusInternalServerError, agentpay.NewError(agentpay.CodeOperationFailed, "internal error", nil))
}

func requireCaller() gin.HandlerFunc {
	return func(c *gin.Context) {
		caller, err := agentpay.NormalizeAddress(c.GetHeader(CallerHeader))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"code":    "unauthenticated",
				"message": CallerHeader + " header must carry a valid address",
			})
			return
		}
		c.Set(callerKey, caller)
		c.Next()
	}
}

func caller(c *gin.Context) string {
	return c.GetString(callerKey)
}

// StatusFor maps an error to an HTTP status by its code and category.
func StatusFor(err error) int {
	e, ok := agentpay.AsError(err)
	if !ok {
		return http.StatusInternalServerError
	}
	switch e.Code {
	case agentpay.CodeTaskNotFound, agentpay.CodeSessionNotFound, agentpay.CodePaymentNotFound:
		return http.StatusNotFound
	}
	switch e.Category() {
	case agentpay.CategoryAuthorization:
		return http.StatusForbidden
	case agentpay.CategoryResourceState:
		return http.StatusConflict
	case agentpay.CategoryPrecondition:
		return http.StatusUnprocessableEntity
	}
	return http.StatusServiceUnavailable
}

func (s *Server) fail(c *gin.Context, err error) {
	status := StatusFor(err)
	if e, ok := agentpay.AsError(err); ok {
		c.AbortWithStatusJSON(status, e)
		return
	}
	s.logger.Error("unclassified error", "path", c.FullPath(), "error", err)
	c.AbortWithStatusJSON(status, agentpay.NewError(agentpay.CodeOperationFailed, "internal error", nil))
}

func badRequest(c *gin.Context, message string) {
	c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"code": "bad_request", "message": message})
}

func listLimit(c *gin.Context) (int, bool) {
	raw := c.Query("limit")
	if raw == "" {
		return defaultListLimit, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		badRequest(c, "limit must be a positive integer")
		return 0, false
	}
	if n > maxListLimit {
		n = maxListLimit
	}
	return n, true
}

// Sessions

// maxDurationSeconds is the longest duration a time.Duration can hold.
const maxDurationSeconds = math.MaxInt64 / int64(time.Second)

type createSessionRequest struct {
	SpendLimit      string `json:"spendLimit" binding:"required"`
	DurationSeconds int64  `json:"durationSeconds" binding:"required"`
	Label           string `json:"label"`
}

func (s *Server) createSession(c *gin.Context) {
	var req createSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	limit, err := agentpay.ParseAmount(req.SpendLimit, s.decimals)
	if err != nil {
		badRequest(c, "spendLimit: "+err.Error())
		return
	}
	if req.DurationSeconds <= 0 {
		badRequest(c, "durationSeconds must be positive")
		return
	}
	if req.DurationSeconds > maxDurationSeconds {
		badRequest(c, "durationSeconds is too large")
		return
	}
	key, err := s.sessions.Authorize(c.Request.Context(), caller(c), limit, time.Duration(req.DurationSeconds)*time.Second, req.Label)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, NewSessionView(key, s.decimals))
}

func (s *Server) listSessions(c *gin.Context) {
	owner := caller(c)
	if q := c.Query("owner"); q != "" && !agentpay.SameAddress(q, owner) {
		s.fail(c, agentpay.NotAuthorized(owner, "sessions can only be listed by their owner"))
		return
	}
	keys, err := s.sessions.ListByOwner(c.Request.Context(), owner)
	if err != nil {
		s.fail(c, err)
		return
	}
	views := make([]SessionView, 0, len(keys))
	for _, k := range keys {
		views = append(views, NewSessionView(k, s.decimals))
	}
	c.JSON(http.StatusOK, gin.H{"sessions": views})
}

// ownedSession loads a session the caller owns, writing the error
// response otherwise.
func (s *Server) ownedSession(c *gin.Context, id string) (*session.SessionKey, bool) {
	key, err := s.sessions.Lookup(c.Request.Context(), id)
	if err != nil {
		s.fail(c, err)
		return nil, false
	}
	if !agentpay.SameAddress(key.Owner, caller(c)) {
		s.fail(c, agentpay.NotAuthorized(caller(c), "caller does not own this session key"))
		return nil, false
	}
	return key, true
}

func (s *Server) getSession(c *gin.Context) {
	key, ok := s.ownedSession(c, c.Param("id"))
	if !ok {
		return
	}
	c.JSON(http.StatusOK, NewSessionView(key, s.decimals))
}

func (s *Server) revokeSession(c *gin.Context) {
	id := c.Param("id")
	if _, ok := s.ownedSession(c, id); !ok {
		return
	}
	if err := s.sessions.Revoke(c.Request.Context(), id); err != nil {
		s.fail(c, err)
		return
	}
	key, err := s.sessions.Lookup(c.Request.Context(), id)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, NewSessionView(key, s.decimals))
}

// Payments

func (s *Server) estimateFee(c *gin.Context) {
	quote, err := s.payments.EstimateFee(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, NewFeeView(quote, s.decimals))
}

type createPaymentRequest struct {
	SessionKeyID   string `json:"sessionKeyId" binding:"required"`
	Recipient      string `json:"recipient" binding:"required"`
	Amount         string `json:"amount" binding:"required"`
	MaxFee         string `json:"maxFee" binding:"required"`
	IdempotencyKey string `json:"idempotencyKey"`
}

func (s *Server) createPayment(c *gin.Context) {
	var req createPaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	amount, err := agentpay.ParseAmount(req.Amount, s.decimals)
	if err != nil {
		badRequest(c, "amount: "+err.Error())
		return
	}
	maxFee, err := agentpay.ParseAmount(req.MaxFee, s.decimals)
	if err != nil {
		badRequest(c, "maxFee: "+err.Error())
		return
	}
	key, err := s.sessions.Lookup(c.Request.Context(), req.SessionKeyID)
	if err != nil {
		s.fail(c, err)
		return
	}
	if !agentpay.SameAddress(key.Owner, caller(c)) && !agentpay.SameAddress(key.Address, caller(c)) {
		s.fail(c, agentpay.NotAuthorized(caller(c), "caller is neither the session owner nor the session key"))
		return
	}
	idem := req.IdempotencyKey
	if idem == "" {
		idem = c.GetHeader(IdempotencyHeader)
	}
	payment, err := s.payments.SponsoredTransfer(c.Request.Context(), sponsor.TransferRequest{
		SessionKeyID:   req.SessionKeyID,
		Recipient:      req.Recipient,
		Amount:         amount,
		MaxFee:         maxFee,
		IdempotencyKey: idem,
	})
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, NewPaymentView(payment, s.decimals))
}

func (s *Server) visiblePayment(c *gin.Context, p *sponsor.Payment) bool {
	if agentpay.SameAddress(p.Owner, caller(c)) {
		return true
	}
	key, err := s.sessions.Lookup(c.Request.Context(), p.SessionKeyID)
	return err == nil && agentpay.SameAddress(key.Address, caller(c))
}

func (s *Server) getPayment(c *gin.Context) {
	payment, err := s.payments.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	if !s.visiblePayment(c, payment) {
		s.fail(c, agentpay.PaymentNotFound(c.Param("id")))
		return
	}
	c.JSON(http.StatusOK, NewPaymentView(payment, s.decimals))
}

func (s *Server) confirmPayment(c *gin.Context) {
	payment, err := s.payments.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	if !s.visiblePayment(c, payment) {
		s.fail(c, agentpay.PaymentNotFound(c.Param("id")))
		return
	}
	payment, err = s.payments.Confirm(c.Request.Context(), payment.ID)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, NewPaymentView(payment, s.decimals))
}

// Escrows

type lockFundsRequest struct {
	Provider    string    `json:"provider" binding:"required"`
	Amount      string    `json:"amount" binding:"required"`
	Deadline    time.Time `json:"deadline" binding:"required"`
	Description string    `json:"description"`
	AutoRefund  bool      `json:"autoRefund"`
}

func (s *Server) lockFunds(c *gin.Context) {
	var req lockFundsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	amount, err := agentpay.ParseAmount(req.Amount, s.decimals)
	if err != nil {
		badRequest(c, "amount: "+err.Error())
		return
	}
	task, err := s.escrows.LockFunds(c.Request.Context(), escrow.LockRequest{
		Funder:      caller(c),
		Provider:    req.Provider,
		Amount:      amount,
		Deadline:    req.Deadline,
		Description: req.Description,
		AutoRefund:  req.AutoRefund,
	})
	if err != nil {
		s.fail(c, err)
		return
	}
	c.Header("Location", "/v1/escrows/"+task.ID)
	c.JSON(http.StatusCreated, gin.H{"task": NewTaskView(task, s.decimals), "custodian": s.escrows.Custodian()})
}

func (s *Server) listEscrows(c *gin.Context) {
	party := caller(c)
	if q := c.Query("party"); q != "" {
		party = q
	}
	limit, ok := listLimit(c)
	if !ok {
		return
	}
	tasks, err := s.escrows.ListByParty(c.Request.Context(), party, limit)
	if err != nil {
		s.fail(c, err)
		return
	}
	views := make([]TaskView, 0, len(tasks))
	for _, t := range tasks {
		views = append(views, NewTaskView(t, s.decimals))
	}
	c.JSON(http.StatusOK, gin.H{"tasks": views})
}

func (s *Server) getEscrow(c *gin.Context) {
	task, err := s.escrows.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, NewTaskView(task, s.decimals))
}

type releaseRequest struct {
	AttestationID string `json:"attestationId"`
	Signature     string `json:"signature"`
}

func (s *Server) releaseEscrow(c *gin.Context) {
	var req releaseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	task, err := s.escrows.ReleaseWithProof(c.Request.Context(), c.Param("id"), agentpay.Attestation{
		ID:        req.AttestationID,
		Signature: req.Signature,
	})
	s.respondTask(c, task, err)
}

func (s *Server) refundEscrow(c *gin.Context) {
	task, err := s.escrows.Refund(c.Request.Context(), c.Param("id"), caller(c))
	s.respondTask(c, task, err)
}

type disputeRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) disputeEscrow(c *gin.Context) {
	var req disputeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	task, err := s.escrows.Dispute(c.Request.Context(), c.Param("id"), caller(c), req.Reason)
	s.respondTask(c, task, err)
}

type resolveRequest struct {
	ReleaseToProvider *bool `json:"releaseToProvider" binding:"required"`
}

func (s *Server) resolveEscrow(c *gin.Context) {
	var req resolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	task, err := s.escrows.ResolveDispute(c.Request.Context(), c.Param("id"), caller(c), *req.ReleaseToProvider)
	s.respondTask(c, task, err)
}

// respondTask writes a task result. A payout failure after the status
// change arrives as operation_failed whose details carry the new status.
func (s *Server) respondTask(c *gin.Context, task *escrow.Task, err error) {
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, NewTaskView(task, s.decimals))
}
