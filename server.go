package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"bitbucket.org/mmdatafocus/forms_backend/config"
	"bitbucket.org/mmdatafocus/forms_backend/middlewares"
	"bitbucket.org/mmdatafocus/forms_backend/models"
	"bitbucket.org/mmdatafocus/forms_backend/models/reports"
	"bitbucket.org/mmdatafocus/forms_backend/utils"
	"bitbucket.org/mmdatafocus/forms_backend/workflow"
	"github.com/bsm/redislock"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const defaultPort = "8080"

var tracer = otel.Tracer("forms-backend")

// httpStatusFor maps expected business failures to client statuses.
// Anything unmapped is an internal failure.
func httpStatusFor(err error) int {
	switch {
	case errors.Is(err, utils.ErrorUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, utils.ErrorForbidden):
		return http.StatusForbidden
	case errors.Is(err, utils.ErrorEntryNotFound), errors.Is(err, utils.ErrorRecordNotFound), errors.Is(err, utils.ErrorItemNotFound):
		return http.StatusNotFound
	case errors.Is(err, utils.ErrorCodeMissing), errors.Is(err, utils.ErrorQuantityInvalid), errors.Is(err, utils.ErrorNegativeNotAllowed):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func respondError(c *gin.Context, logger *logrus.Logger, funcName string, err error) {
	status := httpStatusFor(err)
	if status == http.StatusInternalServerError {
		config.LogError(logger, "server.go", funcName, "request failed", c.Request.URL.Path, err)
		c.JSON(status, gin.H{"error": "internal error"})
		return
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func requireUser(c *gin.Context) (int, bool) {
	userId, ok := utils.GetUserIdFromContext(c.Request.Context())
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": utils.ErrorUnauthorized.Error()})
		return 0, false
	}
	return userId, true
}

func loginHandler(logger *logrus.Logger) gin.HandlerFunc {
	type loginInput struct {
		Username string `json:"username" binding:"required"`
		Password string `json:"password" binding:"required"`
	}
	return func(c *gin.Context) {
		var input loginInput
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"errors": utils.FormatValidationErrors(err)})
			return
		}
		info, err := models.Login(c.Request.Context(), input.Username, input.Password)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, info)
	}
}

func createEntryHandler(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := requireUser(c); !ok {
			return
		}
		var input models.NewEntry
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"errors": utils.FormatValidationErrors(err)})
			return
		}
		entry, err := workflow.CreateEntry(c.Request.Context(), config.GetDB(), logger, &input)
		if err != nil {
			respondError(c, logger, "createEntryHandler", err)
			return
		}
		c.JSON(http.StatusCreated, entry)
	}
}

// withEntryLock obtains a best-effort redis lock for the entry before running
// fn. If Redis is unavailable or contended we proceed anyway; the DB row locks
// and the movement unique key serialize safely on their own.
func withEntryLock(c *gin.Context, logger *logrus.Logger, entryId int, fn func()) {
	redisLock := config.GetRedisLock()
	var lock *redislock.Lock
	if redisLock == nil {
		logger.WithFields(logrus.Fields{
			"field":    "withEntryLock",
			"entry_id": entryId,
		}).Warn("redis lock not ready; proceeding without redis lock")
	} else {
		var err error
		lock, err = redisLock.Obtain(c.Request.Context(), fmt.Sprintf("lock:entry:%d", entryId), 30*time.Second, nil)
		if err == redislock.ErrNotObtained {
			logger.WithFields(logrus.Fields{
				"field":    "withEntryLock",
				"entry_id": entryId,
			}).Warn("could not obtain redis lock; proceeding without redis lock")
			lock = nil
		} else if err != nil {
			logger.WithFields(logrus.Fields{
				"field":    "withEntryLock",
				"entry_id": entryId,
			}).Warn("error obtaining redis lock; proceeding without redis lock: " + err.Error())
			lock = nil
		}
	}
	defer func() {
		if lock == nil {
			return
		}
		if releaseErr := lock.Release(c.Request.Context()); releaseErr != nil {
			logger.WithFields(logrus.Fields{
				"field":    "withEntryLock",
				"entry_id": entryId,
			}).Warn("failed to release redis lock: " + releaseErr.Error())
		}
	}()

	fn()
}

func signEntryHandler(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := requireUser(c); !ok {
			return
		}
		entryId, err := strconv.Atoi(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid entry id"})
			return
		}

		ctx, span := tracer.Start(c.Request.Context(), "SignConfirmation",
			trace.WithAttributes(attribute.Int("entry.id", entryId)))
		defer span.End()
		c.Request = c.Request.WithContext(ctx)

		withEntryLock(c, logger, entryId, func() {
			result, err := workflow.SignConfirmation(c.Request.Context(), config.GetDB(), logger, entryId)
			if err != nil {
				respondError(c, logger, "signEntryHandler", err)
				return
			}
			c.JSON(http.StatusOK, result)
		})
	}
}

// applyEntryHandler is the admin retry path: safe to call any number of times
// thanks to the engine's idempotency.
func applyEntryHandler(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := requireUser(c); !ok {
			return
		}
		if isAdmin, ok := utils.GetIsAdminFromContext(c.Request.Context()); !ok || !isAdmin {
			c.JSON(http.StatusForbidden, gin.H{"error": utils.ErrorForbidden.Error()})
			return
		}
		entryId, err := strconv.Atoi(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid entry id"})
			return
		}

		withEntryLock(c, logger, entryId, func() {
			result, err := workflow.ApplyEntryLedger(c.Request.Context(), config.GetDB(), logger, entryId)
			if err != nil {
				respondError(c, logger, "applyEntryHandler", err)
				return
			}
			c.JSON(http.StatusOK, result)
		})
	}
}

func pendingSummaryHandler(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := requireUser(c); !ok {
			return
		}
		summary, err := workflow.PendingCounts(c.Request.Context(), config.GetDB())
		if err != nil {
			respondError(c, logger, "pendingSummaryHandler", err)
			return
		}
		c.JSON(http.StatusOK, summary)
	}
}

func pendingListHandler(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := requireUser(c); !ok {
			return
		}
		list, err := workflow.PendingList(c.Request.Context(), config.GetDB())
		if err != nil {
			respondError(c, logger, "pendingListHandler", err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"pending": list})
	}
}

func exportMovementsHandler(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := requireUser(c); !ok {
			return
		}
		itemCode := strings.TrimSpace(c.Query("item_code"))
		f, err := reports.ExportLedgerMovementExcel(c.Request.Context(), itemCode)
		if err != nil {
			respondError(c, logger, "exportMovementsHandler", err)
			return
		}
		c.Header("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
		c.Header("Content-Disposition", `attachment; filename="ledger-movements.xlsx"`)
		if err := f.Write(c.Writer); err != nil {
			config.LogError(logger, "server.go", "exportMovementsHandler", "write workbook", itemCode, err)
		}
	}
}

func splitAndTrim(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if v := strings.TrimSpace(p); v != "" {
			out = append(out, v)
		}
	}
	return out
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
	r.Use(middlewares.AuthMiddleware())
	r.Use(gin.Recovery())

	r.POST("/login", loginHandler(logger))
	r.POST("/entries", createEntryHandler(logger))
	r.POST("/entries/:id/sign", signEntryHandler(logger))
	r.POST("/entries/:id/apply", applyEntryHandler(logger))
	r.GET("/pending/summary", pendingSummaryHandler(logger))
	r.GET("/pending", pendingListHandler(logger))
	r.GET("/reports/ledger-movements/export", exportMovementsHandler(logger))

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

	// Start outbox dispatcher (publishes AFTER commit).
	dispatcherCtx, cancelDispatcher := context.WithCancel(context.Background())
	defer cancelDispatcher()
	go workflow.NewOutboxDispatcher(db, logger).Run(dispatcherCtx)

	// Set the session isolation level to READ COMMITTED
	for attempt := 1; ; attempt++ {
		err := db.Exec("SET SESSION TRANSACTION ISOLATION LEVEL READ COMMITTED").Error
		if err == nil {
			break
		}
		sleep := time.Second * time.Duration(1<<minInt(attempt, 5))
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
	}).Info("listening on http://localhost:", port)

	// Block until shutdown or server error.
	select {
	case <-sigCtx.Done():
		// graceful shutdown below
	case err := <-serverErrCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithFields(logrus.Fields{"field": "http"}).Error("server stopped unexpectedly: " + err.Error())
		}
	}

	// Stop background workers first so they don't start new work while we're draining.
	cancelDispatcher()

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

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
