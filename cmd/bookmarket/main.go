package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"bookmarket/pkg/apperr"
	"bookmarket/pkg/circuitbreaker"
	"bookmarket/pkg/config"
	"bookmarket/pkg/database"
	"bookmarket/pkg/drops"
	"bookmarket/pkg/inventory"
	"bookmarket/pkg/ledger"
	"bookmarket/pkg/lifecycle"
	"bookmarket/pkg/lock"
	"bookmarket/pkg/models"
	"bookmarket/pkg/notify"
	"bookmarket/pkg/outbox"
	"bookmarket/pkg/rentals"
	"bookmarket/pkg/returns"
	"bookmarket/pkg/store"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
)

const userHeader = "X-User-Email"

var (
	records    store.Store
	logger     *slog.Logger
	rentalRepo *rentals.Repository
	checkout   *rentals.Checkout
	emitter    *notify.Emitter
	recorder   *ledger.Recorder
	returnFlow *returns.Workflow
	dropFlow   *drops.Workflow
	deferred   *outbox.Outbox
	engine     *lifecycle.Engine
	scheduler  *lifecycle.Scheduler
)

func main() {
	logger = slog.New(slog.NewJSONHandler(os.Stdout, nil)).With("service", "bookmarket")
	logger.Info("starting bookmarket service")

	cfg, err := config.Load("8080")
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	s, err := openStore(cfg)
	if err != nil {
		logger.Error("failed to open record store", "backend", cfg.StoreBackend, "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var locker lifecycle.Locker
	if cfg.RedisAddr != "" {
		l, err := lock.Dial(ctx, cfg.RedisAddr)
		if err != nil {
			logger.Warn("redis unavailable, evaluating without a cluster lock", "error", err)
		} else {
			defer l.Close()
			locker = l
		}
	}

	wire(s, cfg, locker)
	go scheduler.Run(ctx)
	go deferred.Run(ctx, cfg.OutboxInterval)

	server := &http.Server{Addr: ":" + cfg.Port, Handler: setupRouter()}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown failed", "error", err)
		}
	}()

	logger.Info("bookmarket listening", "port", cfg.Port, "backend", cfg.StoreBackend)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}
	logger.Info("bookmarket stopped")
}

func openStore(cfg config.Config) (store.Store, error) {
	if cfg.StoreBackend == config.BackendHTTP {
		breaker := circuitbreaker.New(cfg.BreakerMaxFailures, cfg.BreakerTimeout,
			circuitbreaker.WithFailureFilter(store.IsTransient))
		return store.NewHTTPStore(cfg.StoreURL, cfg.StoreTimeout,
			store.WithAuthToken(cfg.StoreAuthToken),
			store.WithBreaker(breaker),
		), nil
	}
	db, err := database.Open(cfg, logger)
	if err != nil {
		return nil, err
	}
	return store.NewGormStore(db), nil
}

// wire builds every component on top of s.
func wire(s store.Store, cfg config.Config, locker lifecycle.Locker) {
	records = s
	validate := validator.New()

	deferred = outbox.New(outbox.WithMaxRetries(cfg.OutboxMaxRetries), outbox.WithLogger(logger))
	rentalRepo = rentals.NewRepository(s, rentals.WithLogger(logger))
	emitter = notify.New(s, notify.WithLogger(logger))
	recorder = ledger.New(s, ledger.WithLogger(logger))
	stock := inventory.New(s)

	checkout = rentals.NewCheckout(s, rentalRepo, stock, recorder, validate, logger)
	returnFlow = returns.New(rentalRepo, emitter, stock, recorder,
		returns.WithOutbox(deferred), returns.WithLogger(logger))
	dropFlow = drops.New(s, stock, emitter, recorder, validate,
		drops.WithOutbox(deferred), drops.WithLogger(logger))

	loc := cfg.LifecycleLocation
	if loc == nil {
		loc = time.Local
	}
	engine = lifecycle.New(s, rentalRepo, emitter,
		lifecycle.WithLocation(loc), lifecycle.WithOutbox(deferred), lifecycle.WithLogger(logger))
	opts := []lifecycle.SchedulerOption{lifecycle.WithSchedulerLogger(logger)}
	if locker != nil {
		opts = append(opts, lifecycle.WithLocker(locker))
	}
	interval := cfg.LifecycleInterval
	if interval <= 0 {
		interval = time.Hour
	}
	scheduler = lifecycle.NewScheduler(engine, interval, opts...)
}

func setupRouter() *gin.Engine {
	server := gin.Default()

	api := server.Group("/api/v1")
	api.POST("/checkout", placeOrder)
	api.GET("/rentals", getRentals)
	api.POST("/rentals/:rentalId/return", requestReturn)
	api.POST("/drop-requests", createDropRequest)
	api.GET("/drop-requests", getDropRequests)
	api.GET("/notifications", getNotifications)
	api.POST("/notifications/read-all", markAllNotificationsRead)
	api.POST("/notifications/:notificationId/read", markNotificationRead)
	api.GET("/transactions", getTransactions)

	admin := api.Group("/admin")
	admin.GET("/returns", getPendingReturns)
	admin.POST("/returns/:rentalId/accept", acceptReturn)
	admin.POST("/returns/:rentalId/reject", rejectReturn)
	admin.GET("/drop-requests", getAllDropRequests)
	admin.POST("/drop-requests/:requestId/accept", acceptDropRequest)
	admin.POST("/drop-requests/:requestId/reject", rejectDropRequest)
	admin.GET("/transactions", getAllTransactions)
	admin.POST("/lifecycle/evaluate", evaluateRentals)
	admin.GET("/outbox", getOutbox)

	server.GET("/manage/health", healthCheck)
	return server
}

func requireUser(c *gin.Context) (string, bool) {
	email := c.GetHeader(userHeader)
	if email == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": userHeader + " header is required"})
		return "", false
	}
	return email, true
}

// bindOptional binds a JSON body when one was sent.
func bindOptional(c *gin.Context, dst any) bool {
	if c.Request.ContentLength == 0 {
		return true
	}
	if err := c.ShouldBindJSON(dst); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request",
			"details": err.Error(),
		})
		return false
	}
	return true
}

func respondError(c *gin.Context, err error) {
	kind := apperr.Kind(err)
	status := apperr.HTTPStatus(kind)
	if status >= http.StatusInternalServerError {
		logger.Error("request failed", "path", c.FullPath(), "error", err, "kind", kind)
	}
	c.JSON(status, gin.H{"error": err.Error(), "kind": kind})
}

func respondResult(c *gin.Context, res apperr.Result) {
	c.JSON(apperr.HTTPStatus(res.Kind), res)
}

// withID renders a record whose id is kept outside its body.
func withID(id string, record any) gin.H {
	doc, err := store.ToDoc(record)
	if err != nil || doc == nil {
		doc = store.Doc{}
	}
	doc["id"] = id
	return gin.H(doc)
}

func withIDs[T any](items []T, id func(T) string) []gin.H {
	out := make([]gin.H, len(items))
	for i, item := range items {
		out[i] = withID(id(item), item)
	}
	return out
}

func placeOrder(c *gin.Context) {
	email, ok := requireUser(c)
	if !ok {
		return
	}
	var request struct {
		Items []rentals.Item `json:"items" binding:"required"`
	}
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request",
			"details": err.Error(),
		})
		return
	}
	results, err := checkout.Place(c.Request.Context(), email, request.Items)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"results": results})
}

func getRentals(c *gin.Context) {
	email, ok := requireUser(c)
	if !ok {
		return
	}
	list, err := rentalRepo.ForUser(c.Request.Context(), email)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, withIDs(list, func(r models.Rental) string { return r.ID }))
}

func requestReturn(c *gin.Context) {
	email, ok := requireUser(c)
	if !ok {
		return
	}
	respondResult(c, returnFlow.RequestReturn(c.Request.Context(), c.Param("rentalId"), email))
}

func getPendingReturns(c *gin.Context) {
	tickets, err := returnFlow.Pending(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, withIDs(tickets, func(t models.AdminNotification) string { return t.ID }))
}

func acceptReturn(c *gin.Context) {
	var request struct {
		NotificationID string `json:"notificationId"`
	}
	if !bindOptional(c, &request) {
		return
	}
	respondResult(c, returnFlow.AcceptReturn(c.Request.Context(), c.Param("rentalId"), request.NotificationID))
}

func rejectReturn(c *gin.Context) {
	var request struct {
		NotificationID string `json:"notificationId"`
		Reason         string `json:"reason"`
	}
	if !bindOptional(c, &request) {
		return
	}
	respondResult(c, returnFlow.RejectReturn(c.Request.Context(), c.Param("rentalId"), request.NotificationID, request.Reason))
}

func createDropRequest(c *gin.Context) {
	email, ok := requireUser(c)
	if !ok {
		return
	}
	var request models.DropRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request",
			"details": err.Error(),
		})
		return
	}
	request.UserEmail = email
	created, err := dropFlow.CreateDropRequest(c.Request.Context(), request)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, withID(created.ID, created))
}

func getDropRequests(c *gin.Context) {
	email, ok := requireUser(c)
	if !ok {
		return
	}
	list, err := dropFlow.ForUser(c.Request.Context(), email)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, withIDs(list, func(r models.DropRequest) string { return r.ID }))
}

func getAllDropRequests(c *gin.Context) {
	list, err := dropFlow.List(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, withIDs(list, func(r models.DropRequest) string { return r.ID }))
}

func acceptDropRequest(c *gin.Context) {
	var request struct {
		models.DropBook
		UserEmail string `json:"userEmail"`
	}
	if !bindOptional(c, &request) {
		return
	}
	respondResult(c, dropFlow.AcceptDropRequest(c.Request.Context(), c.Param("requestId"), request.DropBook, request.UserEmail))
}

func rejectDropRequest(c *gin.Context) {
	var request struct {
		UserEmail string `json:"userEmail"`
		BookName  string `json:"bookName"`
		ImageURL  string `json:"imageUrl"`
	}
	if !bindOptional(c, &request) {
		return
	}
	respondResult(c, dropFlow.RejectDropRequest(c.Request.Context(), c.Param("requestId"), request.UserEmail, request.BookName, request.ImageURL))
}

func getNotifications(c *gin.Context) {
	email, ok := requireUser(c)
	if !ok {
		return
	}
	inbox, err := emitter.ForUser(c.Request.Context(), email)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, withIDs(inbox, func(n models.Notification) string { return n.ID }))
}

func markNotificationRead(c *gin.Context) {
	if _, ok := requireUser(c); !ok {
		return
	}
	if err := emitter.MarkRead(c.Request.Context(), c.Param("notificationId")); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func markAllNotificationsRead(c *gin.Context) {
	email, ok := requireUser(c)
	if !ok {
		return
	}
	updated, err := emitter.MarkAllRead(c.Request.Context(), email)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "updated": updated})
}

func getTransactions(c *gin.Context) {
	email, ok := requireUser(c)
	if !ok {
		return
	}
	txs, err := recorder.ForUser(c.Request.Context(), email)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, withIDs(txs, func(t models.Transaction) string { return t.ID }))
}

func getAllTransactions(c *gin.Context) {
	txs, err := recorder.All(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, withIDs(txs, func(t models.Transaction) string { return t.ID }))
}

func evaluateRentals(c *gin.Context) {
	scheduler.Kick()
	c.JSON(http.StatusAccepted, gin.H{"status": "scheduled"})
}

func taskView(t *outbox.Task) gin.H {
	return gin.H{
		"id":         t.ID,
		"name":       t.Name,
		"retryAt":    models.Stamp(t.RetryAt),
		"retryCount": t.RetryCount,
		"maxRetries": t.MaxRetries,
		"lastError":  t.LastError,
	}
}

func getOutbox(c *gin.Context) {
	pending := make([]gin.H, 0)
	for _, t := range deferred.Queue().Pending() {
		pending = append(pending, taskView(t))
	}
	dead := make([]gin.H, 0)
	for _, t := range deferred.Queue().Dead() {
		dead = append(dead, taskView(t))
	}
	c.JSON(http.StatusOK, gin.H{"pending": pending, "dead": dead})
}

func healthCheck(c *gin.Context) {
	pinger, ok := records.(interface{ Ping(context.Context) error })
	if ok {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if err := pinger.Ping(ctx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status":  "DOWN",
				"details": "Record store unreachable",
				"error":   err.Error(),
			})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"status":  "UP",
		"details": "Bookmarket service is active",
	})
}
