package main

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"

	"github.com/yourorg/travel-checkout/internal/adapter"
	"github.com/yourorg/travel-checkout/internal/booking"
	"github.com/yourorg/travel-checkout/internal/checkout"
	"github.com/yourorg/travel-checkout/internal/monitor"
	"github.com/yourorg/travel-checkout/internal/orchestrator"
	"github.com/yourorg/travel-checkout/internal/pricing"
	"github.com/yourorg/travel-checkout/internal/session"
	"github.com/yourorg/travel-checkout/internal/store"
)

type beginRequest struct {
	Items    booking.SelectedItems `json:"items"`
	Currency string                `json:"currency"`
}

type passengersRequest struct {
	Passengers []booking.Passenger `json:"passengers"`
}

type handlers struct {
	*app
}

func setupRouter(a *app) *gin.Engine {
	h := &handlers{app: a}
	r := gin.New()
	r.Use(gin.Recovery(), otelgin.Middleware("travel-checkout"), h.accessLog())

	r.GET("/healthz", h.health)
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{})))

	api := r.Group("/")
	api.Use(newRateLimiter(a.cfg.Server.RatePerMinute, a.cfg.Server.RateBurst).Limit())

	api.POST("/checkout", h.contract(monitor.ContractBeginCheckout), h.begin)
	api.GET("/checkout/:ref", h.get)
	api.GET("/checkout/:ref/summary", h.summary)
	api.POST("/checkout/:ref/contact", h.contract(monitor.ContractContact), h.submitContact)
	api.POST("/checkout/:ref/passengers", h.contract(monitor.ContractPassengers), h.submitPassengers)
	api.POST("/checkout/:ref/back", h.back)
	api.POST("/checkout/:ref/payment", h.submitPayment)
	api.GET("/checkout/:ref/payment", h.awaitPayment)
	api.POST("/checkout/:ref/payment/cancel", h.cancelPayment)
	api.POST("/checkout/:ref/reconcile", h.reconcile)

	api.GET("/reports/attempts", h.attemptReport)
	api.GET("/reconciliation/conflicts", h.conflicts)
	return r
}

func (h *handlers) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		h.logger.Debug("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
		)
	}
}

// contract checks the raw body against a JSON schema and keeps it for binding.
func (h *handlers) contract(name string) gin.HandlerFunc {
	return func(c *gin.Context) {
		body, err := c.GetRawData()
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "Invalid request format: " + err.Error()})
			return
		}
		ok, violations, err := h.contracts.Validate(name, body)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "Invalid request format: " + err.Error()})
			return
		}
		if !ok {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": monitor.FormatErrors(violations), "violations": violations})
			return
		}
		c.Set(gin.BodyBytesKey, body)
		c.Next()
	}
}

func bind(c *gin.Context, obj any) bool {
	if err := c.ShouldBindBodyWith(obj, binding.JSON); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request format: " + err.Error()})
		return false
	}
	return true
}

func (h *handlers) health(c *gin.Context) {
	circuits := h.router.ProviderStatus()
	providers := make([]gin.H, 0, len(circuits))
	for _, name := range h.router.Available() {
		providers = append(providers, gin.H{
			"name":    name,
			"mode":    h.modes[name],
			"circuit": circuits[name],
		})
	}
	status := "ok"
	if len(providers) == 0 {
		status = "degraded"
	}
	c.JSON(http.StatusOK, gin.H{"status": status, "devMode": h.cfg.DevMode(), "providers": providers})
}

func (h *handlers) begin(c *gin.Context) {
	var req beginRequest
	if !bind(c, &req) {
		return
	}
	d, err := h.service.Begin(c.Request.Context(), req.Items, req.Currency)
	if err != nil {
		h.writeError(c, err, nil)
		return
	}
	c.JSON(http.StatusCreated, d)
}

func (h *handlers) get(c *gin.Context) {
	d, err := h.service.Get(c.Request.Context(), c.Param("ref"))
	if err != nil {
		h.writeError(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, d)
}

func (h *handlers) summary(c *gin.Context) {
	s, err := h.service.Summary(c.Request.Context(), c.Param("ref"))
	if err != nil {
		h.writeError(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, s)
}

func (h *handlers) submitContact(c *gin.Context) {
	var info booking.ContactInfo
	if !bind(c, &info) {
		return
	}
	d, err := h.service.SubmitContact(c.Request.Context(), c.Param("ref"), info)
	h.writeDraft(c, d, err)
}

func (h *handlers) submitPassengers(c *gin.Context) {
	var req passengersRequest
	if !bind(c, &req) {
		return
	}
	d, err := h.service.SubmitPassengers(c.Request.Context(), c.Param("ref"), req.Passengers)
	h.writeDraft(c, d, err)
}

func (h *handlers) back(c *gin.Context) {
	d, err := h.service.Back(c.Request.Context(), c.Param("ref"))
	h.writeDraft(c, d, err)
}

func (h *handlers) submitPayment(c *gin.Context) {
	res, err := h.service.SubmitPayment(c.Request.Context(), c.Param("ref"))
	h.writePayment(c, res, err)
}

func (h *handlers) awaitPayment(c *gin.Context) {
	res, err := h.service.AwaitPayment(c.Request.Context(), c.Param("ref"))
	h.writePayment(c, res, err)
}

func (h *handlers) cancelPayment(c *gin.Context) {
	d, err := h.service.CancelPayment(c.Request.Context(), c.Param("ref"))
	h.writeDraft(c, d, err)
}

func (h *handlers) reconcile(c *gin.Context) {
	conflicts, err := h.service.Reconcile(c.Request.Context(), c.Param("ref"))
	if err != nil {
		h.writeError(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, gin.H{"conflicts": nonNil(conflicts)})
}

func (h *handlers) attemptReport(c *gin.Context) {
	from, err := parseTime(c.Query("from"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "from must be RFC 3339"})
		return
	}
	to, err := parseTime(c.Query("to"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "to must be RFC 3339"})
		return
	}
	if !from.IsZero() && !to.IsZero() && !from.Before(to) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "from must be before to"})
		return
	}
	report, err := h.reporter.GenerateRetrospective(c.Request.Context(), from, to)
	if err != nil {
		h.writeError(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, gin.H{"report": report, "successRate": report.SuccessRate()})
}

func (h *handlers) conflicts(c *gin.Context) {
	conflicts, err := h.store.ListConflicts(c.Request.Context())
	if err != nil {
		h.writeError(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, gin.H{"conflicts": nonNil(conflicts)})
}

func parseTime(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, v)
}

func nonNil(conflicts []store.Conflict) []store.Conflict {
	if conflicts == nil {
		return []store.Conflict{}
	}
	return conflicts
}

func (h *handlers) writeDraft(c *gin.Context, d *booking.Draft, err error) {
	if err != nil {
		h.writeError(c, err, d)
		return
	}
	c.JSON(http.StatusOK, d)
}

func (h *handlers) writePayment(c *gin.Context, res checkout.PaymentResult, err error) {
	var timeout *orchestrator.PaymentTimeoutError
	switch {
	case err == nil:
		c.JSON(http.StatusOK, res)
	case errors.As(err, &timeout):
		c.JSON(http.StatusAccepted, gin.H{
			"draft":   res.Draft,
			"payment": res.Handle,
			"retry":   true,
			"error":   err.Error(),
		})
	default:
		h.writeError(c, err, res.Draft)
	}
}

// writeError maps checkout errors onto HTTP statuses. A non-nil draft is
// echoed so the client sees the step it is still on.
func (h *handlers) writeError(c *gin.Context, err error, d *booking.Draft) {
	status, body := errorResponse(err)
	if d != nil {
		body["draft"] = d
	}
	if status >= http.StatusInternalServerError && status != http.StatusServiceUnavailable {
		h.logger.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
	}
	c.JSON(status, body)
}

func errorResponse(err error) (int, gin.H) {
	body := gin.H{"error": err.Error()}

	var (
		verr     *checkout.ValidationError
		conflict *orchestrator.ReconciliationConflict
		failed   *orchestrator.PaymentFailedError
		rejected *adapter.ProviderError
		initErr  *adapter.InitiationError
	)
	switch {
	case errors.As(err, &verr):
		body["fields"] = verr.Fields
		return http.StatusUnprocessableEntity, body
	case errors.Is(err, session.ErrNotFound):
		return http.StatusNotFound, body
	case errors.As(err, &conflict):
		body["conflict"] = conflict.Conflict
		return http.StatusConflict, body
	case errors.As(err, &failed):
		body["status"] = failed.Status
		body["reason"] = failed.Reason
		return http.StatusPaymentRequired, body
	case errors.As(err, &rejected):
		return http.StatusPaymentRequired, body
	case errors.Is(err, orchestrator.ErrNoPaymentProviders):
		return http.StatusServiceUnavailable, body
	case errors.As(err, &initErr):
		return http.StatusBadGateway, body
	case errors.Is(err, orchestrator.ErrAttemptLimit):
		return http.StatusTooManyRequests, body
	case errors.Is(err, checkout.ErrInvalidTransition),
		errors.Is(err, checkout.ErrPaymentInProgress),
		errors.Is(err, checkout.ErrNoActivePayment),
		errors.Is(err, orchestrator.ErrPaymentCancelled),
		errors.Is(err, store.ErrBookingAlreadyPaid),
		errors.Is(err, store.ErrDuplicateActiveAttempt):
		return http.StatusConflict, body
	case errors.Is(err, booking.ErrNoFlight), errors.Is(err, booking.ErrInvalidCurrency), errors.Is(err, pricing.ErrInvalidItem):
		return http.StatusUnprocessableEntity, body
	}
	return http.StatusInternalServerError, gin.H{"error": "internal error"}
}
