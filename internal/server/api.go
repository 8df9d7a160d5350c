package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/Gustavcastform/castform-platform/internal/billing"
	"github.com/Gustavcastform/castform-platform/internal/cache"
	"github.com/Gustavcastform/castform-platform/internal/config"
	"github.com/Gustavcastform/castform-platform/internal/dispatch"
	apierrors "github.com/Gustavcastform/castform-platform/internal/errors"
	"github.com/Gustavcastform/castform-platform/internal/logging"
	"github.com/Gustavcastform/castform-platform/internal/middleware"
	"github.com/Gustavcastform/castform-platform/internal/models"
	"github.com/Gustavcastform/castform-platform/internal/monitoring"
	"github.com/Gustavcastform/castform-platform/internal/vapi"
	"github.com/Gustavcastform/castform-platform/internal/webhook"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// APIServer represents the main API server
type APIServer struct {
	config           *config.Config
	router           *gin.Engine
	db               *pgxpool.Pool
	jwtAuthenticator *middleware.JWTAuthenticator
	dispatcher       *dispatch.Dispatcher
	gate             *billing.Gate
	biller           *billing.Biller
	dashboard        *billing.DashboardService
	stripeReconciler *webhook.StripeReconciler
	vapiReconciler   *webhook.VapiReconciler
}

// NewAPIServer creates a new API server instance
func NewAPIServer(cfg *config.Config, db *pgxpool.Pool, redis *cache.Redis) *APIServer {
	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()

	// Add middleware in order
	router.Use(gin.Recovery())
	router.Use(middleware.RequestID())
	router.Use(middleware.CORS(cfg.CORS.AllowedOrigins))
	router.Use(monitoring.MetricsMiddleware())
	router.Use(logging.RequestLogger())

	ledger := billing.NewLedger(db)
	gate := billing.NewGate(db, ledger, cfg.Billing.UsageThresholdCents)
	invoicer := billing.NewStripeInvoicer(cfg.Stripe.SecretKey)
	biller := billing.NewBiller(db, invoicer, cfg.Billing.UsageThresholdCents)
	dashboard := billing.NewDashboardService(db, ledger, cfg.Billing.UsageThresholdCents)

	caller := vapi.NewClient(&cfg.Vapi)
	dispatcher := dispatch.NewDispatcher(dispatch.NewPGStore(db), caller, gate)

	srv := &APIServer{
		config:           cfg,
		router:           router,
		db:               db,
		jwtAuthenticator: middleware.NewJWTAuthenticator(&cfg.JWT),
		dispatcher:       dispatcher,
		gate:             gate,
		biller:           biller,
		dashboard:        dashboard,
		stripeReconciler: webhook.NewStripeReconciler(db, redis, cfg.Stripe.WebhookSecret),
		vapiReconciler:   webhook.NewVapiReconciler(db, biller, cfg.Vapi.WebhookSecret),
	}

	srv.setupRoutes()
	return srv
}

// Router returns the gin router
func (s *APIServer) Router() http.Handler {
	return s.router
}

// setupRoutes configures all API routes
func (s *APIServer) setupRoutes() {
	// Health check
	s.router.GET("/health", s.healthCheck)

	v1 := s.router.Group("/api/v1")
	{
		// Call routes (protected)
		calls := v1.Group("/calls")
		calls.Use(s.jwtAuthenticator.JWTAuth())
		{
			calls.POST("", s.handleCreateCall)
			calls.POST("/batch", s.handleBatchCall)
		}

		// Billing routes (protected)
		billingGroup := v1.Group("/billing")
		billingGroup.Use(s.jwtAuthenticator.JWTAuth())
		{
			billingGroup.GET("/eligibility", s.handleGetEligibility)
			billingGroup.GET("/dashboard", s.handleGetDashboard)
			billingGroup.POST("/retry", s.handlePaymentRetry)
		}

		// Webhook routes (public, verified by signature/secret)
		webhooks := v1.Group("/webhooks")
		{
			webhooks.POST("/stripe", s.handleStripeWebhook)
			webhooks.POST("/vapi", s.handleVapiWebhook)
		}
	}
}

// Health check handler
func (s *APIServer) healthCheck(c *gin.Context) {
	if s.db != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if err := s.db.Ping(ctx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status":  "unhealthy",
				"service": "api",
			})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"status":  "healthy",
		"service": "api",
	})
}

// CreateCallRequest is the single-call dispatch payload.
type CreateCallRequest struct {
	AgentID       uuid.UUID      `json:"agentId" binding:"required"`
	PhoneNumberID string         `json:"phoneNumberId" binding:"required"`
	Contact       models.Contact `json:"contact" binding:"required"`
}

// handleCreateCall places a single outbound call
func (s *APIServer) handleCreateCall(c *gin.Context) {
	userID := middleware.GetUserIDFromContext(c)
	if userID == uuid.Nil {
		respondError(c, apierrors.ErrUnauthorizedError)
		return
	}

	var req CreateCallRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apierrors.NewValidationError(err.Error()))
		return
	}

	call, err := s.dispatcher.DispatchSingle(c.Request.Context(), userID, req.AgentID, req.PhoneNumberID, req.Contact)
	if err != nil {
		s.respondDispatchError(c, err)
		return
	}

	c.JSON(http.StatusCreated, call)
}

// handleBatchCall dispatches calls to a list of contacts
func (s *APIServer) handleBatchCall(c *gin.Context) {
	userID := middleware.GetUserIDFromContext(c)
	if userID == uuid.Nil {
		respondError(c, apierrors.ErrUnauthorizedError)
		return
	}

	var req dispatch.BatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apierrors.NewValidationError(err.Error()))
		return
	}
	if req.AgentID == uuid.Nil || req.PhoneNumberID == "" {
		respondError(c, apierrors.NewInvalidRequestError("Missing required fields"))
		return
	}

	result, err := s.dispatcher.DispatchBatch(c.Request.Context(), userID, &req)
	if err != nil {
		s.respondDispatchError(c, err)
		return
	}

	c.JSON(http.StatusOK, result)
}

// respondDispatchError maps dispatcher errors to API errors. An eligibility
// denial carries the gate's full decision in the details field.
func (s *APIServer) respondDispatchError(c *gin.Context, err error) {
	var eligErr *dispatch.EligibilityError
	if errors.As(err, &eligErr) {
		respondError(c, apierrors.NewEligibilityError(eligErr.Eligibility.Reason, eligErr.Eligibility))
		return
	}

	switch {
	case errors.Is(err, dispatch.ErrEmptyBatch):
		respondError(c, &apierrors.APIError{
			Code:       apierrors.ErrEmptyBatch,
			Message:    "Contact list is empty",
			HTTPStatus: http.StatusBadRequest,
		})
	case errors.Is(err, dispatch.ErrBatchTooLarge):
		respondError(c, &apierrors.APIError{
			Code:       apierrors.ErrBatchTooLarge,
			Message:    "Maximum 100 contacts allowed per batch call",
			HTTPStatus: http.StatusBadRequest,
		})
	case errors.Is(err, dispatch.ErrAgentNotFound):
		respondError(c, apierrors.ErrAgentNotFoundError)
	case errors.Is(err, vapi.ErrCircuitOpen), errors.Is(err, vapi.ErrProviderUnavailable):
		respondError(c, &apierrors.APIError{
			Code:       apierrors.ErrUpstreamUnavailable,
			Message:    "Voice provider unavailable",
			HTTPStatus: http.StatusServiceUnavailable,
		})
	default:
		logging.LogError(err, c.GetString("request_id"), "server", "dispatch")
		respondError(c, apierrors.ErrInternalServerError)
	}
}

// handleGetEligibility returns the gate's current decision for the user
func (s *APIServer) handleGetEligibility(c *gin.Context) {
	userID := middleware.GetUserIDFromContext(c)
	if userID == uuid.Nil {
		respondError(c, apierrors.ErrUnauthorizedError)
		return
	}

	eligibility, err := s.gate.CheckEligibility(c.Request.Context(), userID)
	if err != nil {
		logging.LogError(err, c.GetString("request_id"), "server", "eligibility")
		respondError(c, apierrors.ErrInternalServerError)
		return
	}

	c.JSON(http.StatusOK, eligibility)
}

// handleGetDashboard returns the billing overview
func (s *APIServer) handleGetDashboard(c *gin.Context) {
	userID := middleware.GetUserIDFromContext(c)
	if userID == uuid.Nil {
		respondError(c, apierrors.ErrUnauthorizedError)
		return
	}

	dash, err := s.dashboard.GetDashboard(c.Request.Context(), userID)
	if err != nil {
		if errors.Is(err, billing.ErrUserNotFound) {
			respondError(c, apierrors.ErrUserNotFoundError)
			return
		}
		logging.LogError(err, c.GetString("request_id"), "server", "dashboard")
		respondError(c, apierrors.ErrInternalServerError)
		return
	}

	c.JSON(http.StatusOK, dash)
}

// handlePaymentRetry creates a checkout session for a blocked user
func (s *APIServer) handlePaymentRetry(c *gin.Context) {
	userID := middleware.GetUserIDFromContext(c)
	if userID == uuid.Nil {
		respondError(c, apierrors.ErrUnauthorizedError)
		return
	}

	session, err := s.biller.CreatePaymentRetrySession(c.Request.Context(), userID, s.config.Server.URL, s.config.Stripe.PriceID)
	if err != nil {
		switch {
		case errors.Is(err, billing.ErrUserNotFound):
			respondError(c, apierrors.ErrUserNotFoundError)
		case errors.Is(err, billing.ErrNoStripeCustomer):
			respondError(c, apierrors.NewInvalidRequestError("User does not have a billing account"))
		default:
			logging.LogError(err, c.GetString("request_id"), "server", "payment_retry")
			respondError(c, apierrors.ErrInternalServerError)
		}
		return
	}

	c.JSON(http.StatusOK, session)
}

// handleStripeWebhook verifies and applies a Stripe event
func (s *APIServer) handleStripeWebhook(c *gin.Context) {
	payload, err := io.ReadAll(c.Request.Body)
	if err != nil {
		respondError(c, apierrors.NewInvalidRequestError("Failed to read request body"))
		return
	}

	signature := c.GetHeader("Stripe-Signature")
	if signature == "" {
		respondError(c, apierrors.NewInvalidRequestError("Missing stripe-signature header"))
		return
	}

	if err := s.stripeReconciler.Handle(c.Request.Context(), payload, signature); err != nil {
		if errors.Is(err, webhook.ErrInvalidSignature) {
			respondError(c, apierrors.NewInvalidRequestError("Webhook signature verification failed"))
			return
		}
		logging.LogError(err, c.GetString("request_id"), "server", "stripe_webhook")
		respondError(c, apierrors.ErrInternalServerError)
		return
	}

	c.JSON(http.StatusOK, gin.H{"received": true})
}

// handleVapiWebhook applies an end-of-call event from the voice provider
func (s *APIServer) handleVapiWebhook(c *gin.Context) {
	if !s.vapiReconciler.VerifySecret(c.GetHeader("X-Vapi-Secret")) {
		respondError(c, apierrors.ErrUnauthorizedError)
		return
	}

	payload, err := io.ReadAll(c.Request.Body)
	if err != nil {
		respondError(c, apierrors.NewInvalidRequestError("Failed to read request body"))
		return
	}

	if err := s.vapiReconciler.Handle(c.Request.Context(), payload); err != nil {
		if errors.Is(err, webhook.ErrInvalidPayload) {
			respondError(c, apierrors.NewInvalidRequestError("Invalid webhook payload"))
			return
		}
		if errors.Is(err, webhook.ErrCallNotFound) {
			respondError(c, apierrors.ErrCallNotFoundError)
			return
		}
		logging.LogError(err, c.GetString("request_id"), "server", "vapi_webhook")
		respondError(c, apierrors.ErrInternalServerError)
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true})
}

// respondError sends a standardized error response
func respondError(c *gin.Context, err *apierrors.APIError) {
	requestID := c.GetString("request_id")
	resp := apierrors.NewErrorResponse(err, requestID, c.GetHeader("X-Correlation-ID"), c.Request.URL.Path, c.Request.Method)
	c.JSON(err.HTTPStatus, resp)
}
