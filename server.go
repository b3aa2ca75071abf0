package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/oknaservice/dispatch_backend/config"
	"github.com/oknaservice/dispatch_backend/crm"
	"github.com/oknaservice/dispatch_backend/legacyorders"
	"github.com/oknaservice/dispatch_backend/middlewares"
	"github.com/oknaservice/dispatch_backend/models"
	"github.com/oknaservice/dispatch_backend/models/reports"
	"github.com/oknaservice/dispatch_backend/utils"
	"github.com/oknaservice/dispatch_backend/workflow"
)

const defaultPort = "8080"

// Define a struct to represent the rate limiter.
type RateLimiter struct {
	client *redis.Client
	limit  int64
	window time.Duration
}

func getRedisClient(redisAddress string) *redis.Client {
	client := redis.NewClient(&redis.Options{
		Addr: redisAddress,
	})
	return client
}

// requireUser extracts the acting user from the session context.
func requireUser(c *gin.Context) (int, string, bool) {
	userId, ok := utils.GetUserIdFromContext(c.Request.Context())
	if !ok || userId == 0 {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return 0, "", false
	}
	role, _ := utils.GetUserRoleFromContext(c.Request.Context())
	return userId, role, true
}

// requireConfirmRole additionally checks that the acting user may confirm,
// override or cancel assignments.
func requireConfirmRole(c *gin.Context) (int, bool) {
	userId, role, ok := requireUser(c)
	if !ok {
		return 0, false
	}
	if !models.UserRole(role).CanConfirm() {
		c.JSON(http.StatusForbidden, gin.H{"error": "admin or supervisor role required"})
		return 0, false
	}
	return userId, true
}

func rejectionStatus(err error) int {
	switch {
	case errors.Is(err, utils.ErrorRecordNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrAlreadyConfirmed),
		errors.Is(err, models.ErrNoProposal),
		errors.Is(err, models.ErrTerminalStatus),
		errors.Is(err, models.ErrDealerNameTaken),
		errors.Is(err, models.ErrDuplicateLead):
		return http.StatusConflict
	case errors.Is(err, models.ErrCursorBusy):
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadRequest
	}
}

// crmWebhookHandler ingests CRM lead-status events. The CRM posts
// form-encoded bodies like leads[status][0][id]=123; a JSON body with
// lead_id/status_id is accepted too. The endpoint always answers 200 so the
// CRM never enters a retry storm; failures are logged and the lead can be
// re-sent manually.
func crmWebhookHandler() gin.HandlerFunc {
	type jsonEvent struct {
		LeadId   int64 `json:"lead_id"`
		StatusId int64 `json:"status_id"`
	}
	return func(c *gin.Context) {
		logger := config.GetLogger()

		var leadId, statusId int64

		contentType := c.ContentType()
		if strings.Contains(contentType, "json") {
			var ev jsonEvent
			if err := c.ShouldBindJSON(&ev); err != nil {
				config.LogError(logger, "server.go", "crmWebhookHandler", "bad json payload", nil, err)
				c.Status(http.StatusOK)
				return
			}
			leadId = ev.LeadId
			statusId = ev.StatusId
		} else {
			if err := c.Request.ParseForm(); err != nil {
				config.LogError(logger, "server.go", "crmWebhookHandler", "bad form payload", nil, err)
				c.Status(http.StatusOK)
				return
			}
			for _, section := range []string{"status", "add"} {
				if raw := c.Request.PostForm.Get(fmt.Sprintf("leads[%s][0][id]", section)); raw != "" {
					leadId, _ = strconv.ParseInt(raw, 10, 64)
					statusId, _ = strconv.ParseInt(c.Request.PostForm.Get(fmt.Sprintf("leads[%s][0][status_id]", section)), 10, 64)
					break
				}
			}
		}

		if leadId == 0 {
			c.Status(http.StatusOK)
			return
		}

		if _, err := workflow.ProcessLeadEvent(c.Request.Context(), leadId, statusId); err != nil {
			config.LogError(logger, "server.go", "crmWebhookHandler", "lead event processing failed", leadId, err)
		}
		c.Status(http.StatusOK)
	}
}

func loginHandler() gin.HandlerFunc {
	type loginRequest struct {
		Username string `json:"username" binding:"required"`
		Password string `json:"password" binding:"required"`
	}
	return func(c *gin.Context) {
		var req loginRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}

		user, err := models.GetUserByUsername(c.Request.Context(), req.Username)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
			return
		}
		if err := models.CheckUserPassword(user, req.Password); err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
			return
		}
		if user.IsActive == nil || !*user.IsActive {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "user is not active"})
			return
		}

		token := uuid.NewString()
		session := middlewares.Session{
			UserId:   user.ID,
			UserName: user.Name,
			Role:     string(user.Role),
		}
		if err := config.SetRedisObject("Token:"+token, &session, 24*time.Hour); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "session store unavailable"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"token": token, "user_id": user.ID, "role": user.Role})
	}
}

type confirmRequest struct {
	WorkerId int `json:"worker_id"`
}

func confirmMeasurementHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		userId, ok := requireConfirmRole(c)
		if !ok {
			return
		}
		id, err := strconv.Atoi(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid measurement id"})
			return
		}

		m, err := workflow.ConfirmProposal(c.Request.Context(), id, userId)
		if err != nil {
			c.JSON(rejectionStatus(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, m)
	}
}

func overrideMeasurementHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		userId, ok := requireConfirmRole(c)
		if !ok {
			return
		}
		id, err := strconv.Atoi(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid measurement id"})
			return
		}
		var req confirmRequest
		if err := c.ShouldBindJSON(&req); err != nil || req.WorkerId <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "worker_id is required"})
			return
		}

		m, err := workflow.OverrideProposal(c.Request.Context(), id, req.WorkerId, userId)
		if err != nil {
			c.JSON(rejectionStatus(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, m)
	}
}

func reassignMeasurementHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		userId, ok := requireConfirmRole(c)
		if !ok {
			return
		}
		id, err := strconv.Atoi(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid measurement id"})
			return
		}
		var req confirmRequest
		if err := c.ShouldBindJSON(&req); err != nil || req.WorkerId <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "worker_id is required"})
			return
		}

		m, err := workflow.ReassignMeasurer(c.Request.Context(), id, req.WorkerId, userId)
		if err != nil {
			c.JSON(rejectionStatus(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, m)
	}
}

func completeMeasurementHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, _, ok := requireUser(c); !ok {
			return
		}
		id, err := strconv.Atoi(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid measurement id"})
			return
		}

		m, err := workflow.CompleteMeasurement(c.Request.Context(), id)
		if err != nil {
			c.JSON(rejectionStatus(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, m)
	}
}

func cancelMeasurementHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		userId, ok := requireConfirmRole(c)
		if !ok {
			return
		}
		id, err := strconv.Atoi(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid measurement id"})
			return
		}

		m, err := workflow.CancelMeasurement(c.Request.Context(), id, userId)
		if err != nil {
			c.JSON(rejectionStatus(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, m)
	}
}

func createMeasurementHandler() gin.HandlerFunc {
	type manualRequest struct {
		models.NewMeasurement
		WorkerId int `json:"worker_id" binding:"required"`
	}
	return func(c *gin.Context) {
		userId, ok := requireConfirmRole(c)
		if !ok {
			return
		}
		var req manualRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		m, err := models.CreateMeasurementAssigned(c.Request.Context(), &req.NewMeasurement, req.WorkerId, userId)
		if err != nil {
			c.JSON(rejectionStatus(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusCreated, m)
	}
}

func listMeasurementsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, _, ok := requireUser(c); !ok {
			return
		}
		var status *string
		if v := c.Query("status"); v != "" {
			status = &v
		}
		var workerId *int
		if v := c.Query("worker_id"); v != "" {
			if id, err := strconv.Atoi(v); err == nil {
				workerId = &id
			}
		}

		results, err := models.GetMeasurements(c.Request.Context(), status, workerId)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, results)
	}
}

func getMeasurementHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, _, ok := requireUser(c); !ok {
			return
		}
		id, err := strconv.Atoi(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid measurement id"})
			return
		}
		m, err := models.GetMeasurement(c.Request.Context(), id)
		if err != nil {
			c.JSON(rejectionStatus(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, m)
	}
}

func exportMeasurementsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, _, ok := requireUser(c); !ok {
			return
		}
		var from, to *time.Time
		if v := c.Query("from"); v != "" {
			if t, err := time.Parse("2006-01-02", v); err == nil {
				from = &t
			}
		}
		if v := c.Query("to"); v != "" {
			if t, err := time.Parse("2006-01-02", v); err == nil {
				to = &t
			}
		}

		f, err := reports.ExportMeasurementRegister(c.Request.Context(), from, to)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.Header("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
		c.Header("Content-Disposition", "attachment; filename=measurements.xlsx")
		if err := f.Write(c.Writer); err != nil {
			config.LogError(config.GetLogger(), "server.go", "exportMeasurementsHandler", "could not stream workbook", nil, err)
		}
	}
}

func redeemInviteHandler() gin.HandlerFunc {
	type redeemRequest struct {
		Token  string `json:"token" binding:"required"`
		ChatId int64  `json:"chat_id"`
		Name   string `json:"name"`
	}
	return func(c *gin.Context) {
		var req redeemRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		user, err := models.RedeemInviteLink(c.Request.Context(), req.Token, req.ChatId, req.Name)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusCreated, user)
	}
}

func registerDirectoryRoutes(r *gin.Engine) {

	// workers
	r.POST("/internal/workers", func(c *gin.Context) {
		if _, ok := requireConfirmRole(c); !ok {
			return
		}
		var input models.NewUser
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		user, err := models.CreateUser(c.Request.Context(), &input)
		if err != nil {
			c.JSON(rejectionStatus(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusCreated, user)
	})
	r.GET("/internal/workers", func(c *gin.Context) {
		if _, _, ok := requireUser(c); !ok {
			return
		}
		var role *string
		if v := c.Query("role"); v != "" {
			role = &v
		}
		users, err := models.GetUsers(c.Request.Context(), role)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, users)
	})
	r.PUT("/internal/workers/:id", func(c *gin.Context) {
		if _, ok := requireConfirmRole(c); !ok {
			return
		}
		id, err := strconv.Atoi(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid worker id"})
			return
		}
		var input models.NewUser
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		user, err := models.UpdateUser(c.Request.Context(), id, &input)
		if err != nil {
			c.JSON(rejectionStatus(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, user)
	})
	r.POST("/internal/workers/:id/toggle-active", func(c *gin.Context) {
		if _, ok := requireConfirmRole(c); !ok {
			return
		}
		id, err := strconv.Atoi(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid worker id"})
			return
		}
		var req struct {
			IsActive bool `json:"is_active"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		user, err := models.ToggleActiveUser(c.Request.Context(), id, req.IsActive)
		if err != nil {
			c.JSON(rejectionStatus(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, user)
	})

	// zones
	r.POST("/internal/zones", func(c *gin.Context) {
		if _, ok := requireConfirmRole(c); !ok {
			return
		}
		var input models.NewDeliveryZone
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		zone, err := models.CreateDeliveryZone(c.Request.Context(), &input)
		if err != nil {
			c.JSON(rejectionStatus(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusCreated, zone)
	})
	r.GET("/internal/zones", func(c *gin.Context) {
		if _, _, ok := requireUser(c); !ok {
			return
		}
		zones, err := models.GetDeliveryZones(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, zones)
	})
	r.DELETE("/internal/zones/:id", func(c *gin.Context) {
		if _, ok := requireConfirmRole(c); !ok {
			return
		}
		id, err := strconv.Atoi(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid zone id"})
			return
		}
		zone, err := models.DeleteDeliveryZone(c.Request.Context(), id)
		if err != nil {
			c.JSON(rejectionStatus(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, zone)
	})
	r.POST("/internal/zones/bind", func(c *gin.Context) {
		if _, ok := requireConfirmRole(c); !ok {
			return
		}
		var req struct {
			UserId int `json:"user_id" binding:"required"`
			ZoneId int `json:"zone_id" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		binding, err := models.BindWorkerZone(c.Request.Context(), req.UserId, req.ZoneId)
		if err != nil {
			c.JSON(rejectionStatus(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusCreated, binding)
	})
	r.POST("/internal/zones/unbind", func(c *gin.Context) {
		if _, ok := requireConfirmRole(c); !ok {
			return
		}
		var req struct {
			UserId int `json:"user_id" binding:"required"`
			ZoneId int `json:"zone_id" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if err := models.UnbindWorkerZone(c.Request.Context(), req.UserId, req.ZoneId); err != nil {
			c.JSON(rejectionStatus(err), gin.H{"error": err.Error()})
			return
		}
		c.Status(http.StatusNoContent)
	})

	// dealer names
	r.POST("/internal/dealer-names", func(c *gin.Context) {
		if _, ok := requireConfirmRole(c); !ok {
			return
		}
		var req struct {
			Name string `json:"name" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		dealerName, err := models.CreateDealerName(c.Request.Context(), req.Name)
		if err != nil {
			c.JSON(rejectionStatus(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusCreated, dealerName)
	})
	r.GET("/internal/dealer-names", func(c *gin.Context) {
		if _, _, ok := requireUser(c); !ok {
			return
		}
		names, err := models.GetDealerNames(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, names)
	})
	r.DELETE("/internal/dealer-names/:id", func(c *gin.Context) {
		if _, ok := requireConfirmRole(c); !ok {
			return
		}
		id, err := strconv.Atoi(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid dealer name id"})
			return
		}
		dealerName, err := models.DeleteDealerName(c.Request.Context(), id)
		if err != nil {
			c.JSON(rejectionStatus(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, dealerName)
	})
	r.POST("/internal/dealer-names/bind", func(c *gin.Context) {
		if _, ok := requireConfirmRole(c); !ok {
			return
		}
		var req struct {
			DealerNameId int `json:"dealer_name_id" binding:"required"`
			UserId       int `json:"user_id" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		assignment, err := models.BindDealerName(c.Request.Context(), req.DealerNameId, req.UserId)
		if err != nil {
			c.JSON(rejectionStatus(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusCreated, assignment)
	})
	r.POST("/internal/dealer-names/unbind", func(c *gin.Context) {
		if _, ok := requireConfirmRole(c); !ok {
			return
		}
		var req struct {
			DealerNameId int `json:"dealer_name_id" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if err := models.UnbindDealerName(c.Request.Context(), req.DealerNameId); err != nil {
			c.JSON(rejectionStatus(err), gin.H{"error": err.Error()})
			return
		}
		c.Status(http.StatusNoContent)
	})

	// invite links
	r.POST("/internal/invite-links", func(c *gin.Context) {
		userId, ok := requireConfirmRole(c)
		if !ok {
			return
		}
		var req struct {
			Role string `json:"role" binding:"required"`
			Name string `json:"name"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		invite, err := models.CreateInviteLink(c.Request.Context(), req.Role, req.Name, userId)
		if err != nil {
			c.JSON(rejectionStatus(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusCreated, invite)
	})
	r.GET("/internal/invite-links", func(c *gin.Context) {
		if _, ok := requireConfirmRole(c); !ok {
			return
		}
		invites, err := models.GetInviteLinks(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, invites)
	})
	r.DELETE("/internal/invite-links/:id", func(c *gin.Context) {
		if _, ok := requireConfirmRole(c); !ok {
			return
		}
		id, err := strconv.Atoi(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid invite link id"})
			return
		}
		if err := models.RevokeInviteLink(c.Request.Context(), id); err != nil {
			c.JSON(rejectionStatus(err), gin.H{"error": err.Error()})
			return
		}
		c.Status(http.StatusNoContent)
	})
}

func customNotFoundHandler(c *gin.Context) {
	c.JSON(http.StatusNotFound, gin.H{"error": "route not found"})
}

func main() {
	port := os.Getenv("API_PORT")
	if port == "" {
		// Cloud Run standard env var.
		port = os.Getenv("PORT")
	}
	if port == "" {
		port = defaultPort
	}

	logger := config.GetLogger()

	// Shutdown coordination.
	// Cloud Run sends SIGTERM on revision shutdown; handle it for graceful drain.
	sigCtx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	// Start the HTTP server ASAP so Cloud Run considers the revision healthy.
	// Until DB/Redis are ready, we return 503 for app endpoints.
	r := gin.New()
	// Correlation IDs: generate once per request and attach to context.
	r.Use(func(c *gin.Context) {
		cid := c.GetHeader("x-correlation-id")
		if cid == "" {
			cid = uuid.NewString()
		}
		c.Request = c.Request.WithContext(utils.SetCorrelationIdInContext(c.Request.Context(), cid))
		c.Next()
	})
	r.Use(func(c *gin.Context) {
		// Always allow Cloud Run startup probe.
		if c.Request.URL.Path == "/healthz" {
			c.Status(http.StatusNoContent)
			c.Abort()
			return
		}
		// Gate critical endpoints on dependency readiness.
		if config.GetDB() == nil || config.GetRedisDB() == nil {
			c.AbortWithStatus(http.StatusServiceUnavailable)
			return
		}
		c.Next()
	})

	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	corsConfig := cors.DefaultConfig()
	// Production-safe CORS:
	// - In production, require explicit allowlist via CORS_ALLOWED_ORIGINS (comma-separated).
	// - In non-production, allow all (developer convenience).
	allowedOrigins := strings.TrimSpace(os.Getenv("CORS_ALLOWED_ORIGINS"))
	if strings.EqualFold(strings.TrimSpace(os.Getenv("GO_ENV")), "production") {
		if allowedOrigins == "" {
			// Safer default: deny all if not configured in production.
			corsConfig.AllowOrigins = []string{}
		} else {
			corsConfig.AllowOrigins = splitAndTrim(allowedOrigins)
		}
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AddAllowMethods("GET", "POST", "PUT", "DELETE", "OPTIONS")
	corsConfig.AddAllowHeaders("token", "Origin", "Content-Type", "Authorization")
	corsConfig.AddExposeHeaders("Content-Length")
	corsConfig.AllowCredentials = true

	r.Use(cors.New(corsConfig))

	// Optional rate limiting (recommended for production).
	// Env:
	// - RATE_LIMIT_ENABLED=true
	// - RATE_LIMIT_WINDOW_SECONDS=60
	// - RATE_LIMIT_MAX_REQUESTS=600
	if strings.EqualFold(strings.TrimSpace(os.Getenv("RATE_LIMIT_ENABLED")), "true") {
		client := getRedisClient(os.Getenv("REDIS_ADDRESS"))
		limit := int64(600)
		if v := strings.TrimSpace(os.Getenv("RATE_LIMIT_MAX_REQUESTS")); v != "" {
			if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
				limit = n
			}
		}
		windowSec := int64(60)
		if v := strings.TrimSpace(os.Getenv("RATE_LIMIT_WINDOW_SECONDS")); v != "" {
			if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
				windowSec = n
			}
		}
		rateLimiter := NewRateLimiter(client, limit, time.Duration(windowSec)*time.Second)
		r.Use(rateLimiter.RateLimitMiddleware)
	}

	r.Use(middlewares.SessionMiddleware())
	r.Use(customErrorLogger(logger))
	r.Use(gin.Recovery())

	r.POST("/webhook/crm", crmWebhookHandler())
	r.POST("/login", loginHandler())
	r.POST("/invite/redeem", redeemInviteHandler())

	r.POST("/internal/measurements", createMeasurementHandler())
	r.GET("/internal/measurements", listMeasurementsHandler())
	r.GET("/internal/measurements/export", exportMeasurementsHandler())
	r.GET("/internal/measurements/:id", getMeasurementHandler())
	r.POST("/internal/measurements/:id/confirm", confirmMeasurementHandler())
	r.POST("/internal/measurements/:id/override", overrideMeasurementHandler())
	r.POST("/internal/measurements/:id/reassign", reassignMeasurementHandler())
	r.POST("/internal/measurements/:id/complete", completeMeasurementHandler())
	r.POST("/internal/measurements/:id/cancel", cancelMeasurementHandler())
	registerDirectoryRoutes(r)
	r.NoRoute(customNotFoundHandler)

	// Start listening immediately (Cloud Run startup probe is TCP based).
	srv := &http.Server{
		Addr:    ":" + port,
		Handler: r,
	}
	serverErrCh := make(chan error, 1)
	go func() {
		// ListenAndServe returns http.ErrServerClosed on graceful shutdown.
		serverErrCh <- srv.ListenAndServe()
	}()

	// Connect dependencies after the port is open.
	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry()

	// Now DB is ready; run migrations.
	db := config.GetDB()
	sqlDB, _ := db.DB()
	defer func() {
		if sqlDB != nil {
			_ = sqlDB.Close()
		}
	}()
	// IMPORTANT: AutoMigrate can run DDL that blocks tables and causes 504/502 timeouts.
	// Allow disabling migrations on startup (run them as a separate job instead).
	if !strings.EqualFold(strings.TrimSpace(os.Getenv("SKIP_MIGRATIONS")), "true") {
		models.MigrateTable()
	} else {
		logger.WithFields(logrus.Fields{"field": "migrations"}).Warn("SKIP_MIGRATIONS=true; skipping AutoMigrate on startup")
	}

	// Wire the external collaborators once dependencies are up.
	workflow.SetLookups(crm.NewClient(), legacyorders.NewClient())

	// Set the session isolation level to READ COMMITTED
	for attempt := 1; ; attempt++ {
		err := db.Exec("SET SESSION TRANSACTION ISOLATION LEVEL READ COMMITTED").Error
		if err == nil {
			break
		}
		sleep := time.Second * time.Duration(1<<min(attempt, 5))
		if sleep > 30*time.Second {
			sleep = 30 * time.Second
		}
		logger.WithFields(logrus.Fields{
			"field":   "database",
			"attempt": attempt,
		}).Warn("failed to set isolation level; retrying in " + sleep.String() + ": " + err.Error())
		time.Sleep(sleep)
	}

	logger.WithFields(logrus.Fields{
		"info": "Connection Established",
	}).Info("dispatch backend listening on port ", port)
	log.Println("Server started successfully")

	// Block until shutdown or server error.
	select {
	case <-sigCtx.Done():
		// graceful shutdown below
	case err := <-serverErrCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithFields(logrus.Fields{"field": "http"}).Error("server stopped unexpectedly: " + err.Error())
		}
	}

	// Drain HTTP requests.
	shutdownTimeout := 30 * time.Second
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithFields(logrus.Fields{"field": "http"}).Error("graceful shutdown failed: " + err.Error())
	}

	// Close Redis (best-effort).
	if rdb := config.GetRedisDB(); rdb != nil {
		_ = rdb.Close()
	}
}

// customErrorLogger is a custom Gin middleware that logs only errors
func customErrorLogger(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		// Only log when there are errors
		if len(c.Errors) > 0 {
			logger.Error(c.Errors.String())
		}
	}
}

// Initialize a new RateLimiter instance.
func NewRateLimiter(client *redis.Client, limit int64, window time.Duration) *RateLimiter {
	return &RateLimiter{
		client: client,
		limit:  limit,
		window: window,
	}
}

// Middleware function to check rate limits.
func (rl *RateLimiter) RateLimitMiddleware(c *gin.Context) {
	// Get the IP address or user identifier from the request.
	key := c.ClientIP() // Assuming IP-based rate limiting

	// Check if the key exists in Redis.
	exists, err := rl.client.Exists(c.Request.Context(), key).Result()
	if err != nil {
		c.AbortWithError(http.StatusInternalServerError, err)
		return
	}

	// If the key doesn't exist, create it and set expiry.
	if exists == 0 {
		err := rl.client.Set(c.Request.Context(), key, 1, rl.window).Err()
		if err != nil {
			c.AbortWithError(http.StatusInternalServerError, err)
			return
		}
		c.Next()
		return
	}

	// If the key exists, get the current count.
	count, err := rl.client.Incr(c.Request.Context(), key).Result()
	if err != nil {
		c.AbortWithError(http.StatusInternalServerError, err)
		return
	}

	// If the count exceeds the limit, return an error response.
	if count > rl.limit {
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"error": fmt.Sprintf("Rate limit exceeded. Try again in %d seconds", int(rl.window.Seconds())),
		})
		return
	}

	c.Next()
}

func splitAndTrim(csv string) []string {
	if strings.TrimSpace(csv) == "" {
		return nil
	}
	parts := strings.Split(csv, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
