package api

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"pharmacy-service/internal/auth"
	"pharmacy-service/internal/files"
	"pharmacy-service/internal/models"
	"pharmacy-service/internal/pharmacy"
	"pharmacy-service/internal/util"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const principalKey = "principal"

// Handler contains HTTP handlers
type Handler struct {
	engine                *pharmacy.Engine
	resolver              *auth.Resolver
	uploader              files.Uploader
	defaultShippingMethod string
}

// NewHandler creates a new HTTP handler
func NewHandler(engine *pharmacy.Engine, resolver *auth.Resolver, uploader files.Uploader, defaultShippingMethod string) *Handler {
	return &Handler{
		engine:                engine,
		resolver:              resolver,
		uploader:              uploader,
		defaultShippingMethod: defaultShippingMethod,
	}
}

// SetupRoutes sets up HTTP routes
func (h *Handler) SetupRoutes(router *gin.Engine) {
	router.Use(gin.Recovery())
	router.Use(prometheusMiddleware())
	router.Use(gin.Logger())

	router.GET("/health", h.healthCheck)
	router.GET("/ready", h.readinessCheck)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1")
	{
		v1.POST("/auth/login", h.login)
		v1.POST("/auth/logout", h.logout)

		authed := v1.Group("")
		authed.Use(h.authRequired())
		{
			authed.POST("/prescriptions", h.uploadPrescription)
			authed.POST("/prescriptions/doctor", h.submitDoctorPrescription)
			authed.GET("/prescriptions", h.listPrescriptions)
			authed.GET("/prescriptions/:id", h.getPrescription)
			authed.POST("/prescriptions/:id/review", h.reviewPrescription)
			authed.POST("/prescriptions/:id/fill", h.fillPrescription)
			authed.POST("/prescriptions/:id/refill-request", h.requestRefill)
			authed.POST("/prescriptions/:id/refill", h.processRefill)
			authed.POST("/prescriptions/:id/order", h.createOrder)
			authed.POST("/refill-requests/:id/decision", h.decideRefillRequest)
			authed.GET("/orders/:id", h.getOrder)
		}
	}
}

// authRequired resolves the request's credentials into a principal.
func (h *Handler) authRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		principal, err := h.resolver.Resolve(c.Request.Context(), extractCredentials(c))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
			return
		}
		c.Set(principalKey, principal)
		c.Next()
	}
}

func extractCredentials(c *gin.Context) auth.Credentials {
	creds := auth.Credentials{}
	if cookie, err := c.Cookie("pharmacy_session"); err == nil {
		creds.CookieToken = cookie
	}
	if header := c.GetHeader("Authorization"); len(header) > 7 && header[:7] == "Bearer " {
		creds.BearerToken = header[7:]
	}
	if token := c.GetHeader("X-Session-Token"); token != "" {
		creds.SessionToken = token
	} else if cookie, err := c.Cookie("pharmacy_token"); err == nil {
		creds.SessionToken = cookie
	}
	return creds
}

func principalFrom(c *gin.Context) models.Principal {
	p, _ := c.Get(principalKey)
	principal, _ := p.(models.Principal)
	return principal
}

// respondError maps the engine's error taxonomy to HTTP status codes without
// leaking internals.
func respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, pharmacy.ErrUnauthorized):
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
	case errors.Is(err, pharmacy.ErrForbidden):
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
	case errors.Is(err, pharmacy.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	case errors.Is(err, pharmacy.ErrRefillsExhausted):
		var exhausted *pharmacy.RefillsExhaustedError
		resp := gin.H{"error": "refills exhausted"}
		if errors.As(err, &exhausted) {
			resp["refills_used"] = exhausted.RefillsUsed
			resp["refill_limit"] = exhausted.RefillLimit
		}
		c.JSON(http.StatusConflict, resp)
	case errors.Is(err, pharmacy.ErrConflict):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, pharmacy.ErrValidation):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		util.GetLogger().Error("Internal error: " + err.Error())
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

func pathID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return 0, false
	}
	return id, true
}

// healthCheck handles health check requests
func (h *Handler) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

// readinessCheck handles readiness check requests
func (h *Handler) readinessCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ready",
		"time":   time.Now().Unix(),
	})
}

type loginRequest struct {
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required"`
}

func (h *Handler) login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body", "details": err.Error()})
		return
	}

	result, err := h.resolver.Login(c.Request.Context(), req.Email, req.Password)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *Handler) logout(c *gin.Context) {
	creds := extractCredentials(c)
	if err := h.resolver.Logout(c.Request.Context(), creds.SessionToken); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "logged out"})
}

// uploadPrescription handles a patient's multipart prescription upload. The
// scanned file is stored in the blob store; only its URL reaches the engine.
func (h *Handler) uploadPrescription(c *gin.Context) {
	principal := principalFrom(c)

	var in pharmacy.SubmitInput
	fileHeader, err := c.FormFile("file")
	if err == nil {
		f, err := fileHeader.Open()
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable file"})
			return
		}
		defer f.Close()
		data, err := io.ReadAll(f)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable file"})
			return
		}
		url, err := h.uploader.Upload(c.Request.Context(), data, fileHeader.Header.Get("Content-Type"))
		if err != nil {
			respondError(c, err)
			return
		}
		in.FileURL = url
		in.IsRefillable = c.PostForm("is_refillable") == "true"
		in.RefillLimit, _ = strconv.Atoi(c.DefaultPostForm("refill_limit", "0"))
	} else {
		if err := c.ShouldBindJSON(&in); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body", "details": err.Error()})
			return
		}
	}

	p, err := h.engine.SubmitPatientPrescription(c.Request.Context(), principal, &in)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, p)
}

func (h *Handler) submitDoctorPrescription(c *gin.Context) {
	var in pharmacy.SubmitInput
	if err := c.ShouldBindJSON(&in); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body", "details": err.Error()})
		return
	}

	p, err := h.engine.SubmitDoctorPrescription(c.Request.Context(), principalFrom(c), &in)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, p)
}

func (h *Handler) listPrescriptions(c *gin.Context) {
	prescriptions, err := h.engine.ListPrescriptions(c.Request.Context(), c.Query("status"), principalFrom(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"prescriptions": prescriptions})
}

func (h *Handler) getPrescription(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	p, items, err := h.engine.GetPrescription(c.Request.Context(), id, principalFrom(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"prescription": p, "items": items})
}

type reviewRequest struct {
	Decision string `json:"decision" binding:"required"`
	Notes    string `json:"notes"`
}

func (h *Handler) reviewPrescription(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var req reviewRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body", "details": err.Error()})
		return
	}

	p, err := h.engine.Review(c.Request.Context(), id, req.Decision, req.Notes, principalFrom(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

type fillRequest struct {
	Items []pharmacy.ItemFill `json:"items" binding:"required,min=1"`
}

func (h *Handler) fillPrescription(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var req fillRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body", "details": err.Error()})
		return
	}

	p, err := h.engine.Fill(c.Request.Context(), id, req.Items, principalFrom(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

func (h *Handler) requestRefill(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	rr, err := h.engine.RequestRefill(c.Request.Context(), id, principalFrom(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, rr)
}

type refillDecisionRequest struct {
	Decision string `json:"decision" binding:"required"`
	Notes    string `json:"notes"`
}

func (h *Handler) decideRefillRequest(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var req refillDecisionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body", "details": err.Error()})
		return
	}

	rr, err := h.engine.DecideRefillRequest(c.Request.Context(), id, req.Decision, req.Notes, principalFrom(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, rr)
}

type processRefillRequest struct {
	Quantities map[int64]int `json:"quantities"`
}

func (h *Handler) processRefill(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var req processRefillRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body", "details": err.Error()})
		return
	}

	p, err := h.engine.ProcessRefill(c.Request.Context(), id, req.Quantities, principalFrom(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

type createOrderRequest struct {
	ShippingMethod string `json:"shipping_method"`
}

func (h *Handler) createOrder(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var req createOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil && err != io.EOF {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body", "details": err.Error()})
		return
	}
	if req.ShippingMethod == "" {
		req.ShippingMethod = h.defaultShippingMethod
	}

	order, err := h.engine.CreateOrderFromPrescription(c.Request.Context(), id, req.ShippingMethod, principalFrom(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, order)
}

func (h *Handler) getOrder(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	order, items, err := h.engine.GetOrder(c.Request.Context(), id, principalFrom(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"order": order, "items": items})
}

// prometheusMiddleware collects HTTP metrics
func prometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())

		util.HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Observe(duration)

		util.HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Inc()
	}
}
