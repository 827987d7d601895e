// Package httpapi exposes the credits ledger to the mobile app over HTTP.
// Session cookies are validated at the edge; the validated identity is also
// attached to the request context so the service re-checks it before any
// store call.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/pawmorph/credits/internal/auth"
	"github.com/pawmorph/credits/pkg/credits"
	"github.com/tyemirov/tauth/pkg/sessionvalidator"
	"go.uber.org/zap"
)

const (
	scanStatusOK        = "ok"
	scanStatusNoCredits = "no_credits"

	errorCodeUnauthorized     = "unauthorized"
	errorCodeForbidden        = "forbidden"
	errorCodeInvalidPayload   = "invalid_payload"
	errorCodeConcurrentUpdate = "concurrent_update"
	errorCodeLedger           = "ledger_error"
)

// Server wires the router and its dependencies.
type Server struct {
	logger  *zap.Logger
	service *credits.Service
	cfg     Config
}

// NewRouter builds the gin engine with session middleware and routes.
func NewRouter(cfg Config, service *credits.Service, logger *zap.Logger) (*gin.Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	validator, err := sessionvalidator.New(sessionvalidator.Config{
		SigningKey: []byte(cfg.SessionSigningKey),
		Issuer:     cfg.SessionIssuer,
		CookieName: cfg.SessionCookieName,
	})
	if err != nil {
		return nil, fmt.Errorf("session validator: %w", err)
	}

	server := &Server{logger: logger, service: service, cfg: cfg}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Origin", "Accept"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := router.Group("/api")
	api.Use(validator.GinMiddleware(contextClaimsKey))
	api.Use(sessionContextMiddleware)

	api.GET("/balance", server.handleBalance)
	api.POST("/scans", server.handleScan)
	api.POST("/purchases", server.handlePurchase)
	api.GET("/purchases", server.handlePurchaseHistory)

	return router, nil
}

// Run boots the HTTP server and blocks until the context is cancelled.
func Run(ctx context.Context, cfg Config, service *credits.Service, logger *zap.Logger) error {
	router, err := NewRouter(cfg, service, logger)
	if err != nil {
		return err
	}
	server := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: router,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("credits api listening", zap.String("addr", cfg.ListenAddr))
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeoutSeconds*time.Second)
		defer cancel()
		if shutdownErr := server.Shutdown(shutdownCtx); shutdownErr != nil {
			logger.Warn("server shutdown error", zap.Error(shutdownErr))
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// sessionContextMiddleware copies the validated claims into the request
// context where the service's SessionProvider finds them.
func sessionContextMiddleware(ctx *gin.Context) {
	claims := getClaims(ctx)
	if claims != nil {
		session := credits.Session{UserID: claims.GetUserID(), Valid: true}
		ctx.Request = ctx.Request.WithContext(auth.WithSession(ctx.Request.Context(), session))
	}
	ctx.Next()
}

func (server *Server) handleBalance(ctx *gin.Context) {
	userID, ok := server.currentUserID(ctx)
	if !ok {
		return
	}
	record, err := server.service.Ensure(ctx.Request.Context(), userID)
	if err != nil {
		server.respondError(ctx, "ensure failed", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"balance": balancePayloadFrom(record)})
}

func (server *Server) handleScan(ctx *gin.Context) {
	userID, ok := server.currentUserID(ctx)
	if !ok {
		return
	}
	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), server.cfg.SpendTimeout)
	defer cancel()

	record, err := server.service.SpendOne(requestCtx, userID)
	if errors.Is(err, credits.ErrNoCredits) {
		current, ensureErr := server.service.Ensure(ctx.Request.Context(), userID)
		if ensureErr != nil {
			server.respondError(ctx, "balance reread failed", ensureErr)
			return
		}
		ctx.JSON(http.StatusOK, gin.H{
			"status":  scanStatusNoCredits,
			"balance": balancePayloadFrom(current),
		})
		return
	}
	if err != nil {
		server.respondError(ctx, "spend failed", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"status":  scanStatusOK,
		"balance": balancePayloadFrom(record),
	})
}

func (server *Server) handlePurchase(ctx *gin.Context) {
	userID, ok := server.currentUserID(ctx)
	if !ok {
		return
	}
	var request purchaseRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse(errorCodeInvalidPayload, "expected JSON body"))
		return
	}
	productID, err := credits.NewProductID(request.ProductID)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse(errorCodeInvalidPayload, "product_id is required"))
		return
	}
	amount, err := credits.NewCreditAmount(request.Amount)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse(errorCodeInvalidPayload, "amount must be a positive integer"))
		return
	}
	metadata, err := credits.NewMetadataJSON(marshalMetadata(request.Metadata))
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse(errorCodeInvalidPayload, "metadata must be a JSON object"))
		return
	}

	record, err := server.service.IncrementCredits(ctx.Request.Context(), userID, productID, amount, metadata)
	if err != nil {
		server.respondError(ctx, "purchase failed", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"balance": balancePayloadFrom(record)})
}

func (server *Server) handlePurchaseHistory(ctx *gin.Context) {
	userID, ok := server.currentUserID(ctx)
	if !ok {
		return
	}
	receipts, err := server.service.PurchaseHistory(ctx.Request.Context(), userID, server.cfg.HistoryLimit)
	if err != nil {
		server.respondError(ctx, "purchase history failed", err)
		return
	}
	payloads := make([]receiptPayload, 0, len(receipts))
	for _, receipt := range receipts {
		payloads = append(payloads, receiptPayload{
			ReceiptID:      receipt.ReceiptID,
			ProductID:      receipt.ProductID.String(),
			Amount:         receipt.Amount,
			Metadata:       json.RawMessage(receipt.Metadata.String()),
			CreatedUnixUTC: receipt.CreatedAt.Unix(),
		})
	}
	ctx.JSON(http.StatusOK, gin.H{"purchases": payloads})
}

func (server *Server) currentUserID(ctx *gin.Context) (credits.UserID, bool) {
	claims := getClaims(ctx)
	if claims == nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse(errorCodeUnauthorized, "missing session"))
		return credits.UserID{}, false
	}
	userID, err := credits.NewUserID(claims.GetUserID())
	if err != nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse(errorCodeUnauthorized, "invalid session subject"))
		return credits.UserID{}, false
	}
	return userID, true
}

func (server *Server) respondError(ctx *gin.Context, message string, err error) {
	status, code := mapError(err)
	if status >= http.StatusInternalServerError {
		server.logger.Error(message, zap.Error(err))
	}
	ctx.JSON(status, errorResponse(code, message))
}

func mapError(err error) (int, string) {
	switch {
	case errors.Is(err, credits.ErrUnauthenticated):
		return http.StatusUnauthorized, errorCodeUnauthorized
	case errors.Is(err, credits.ErrForbidden):
		return http.StatusForbidden, errorCodeForbidden
	case errors.Is(err, credits.ErrInvalidArgument):
		return http.StatusBadRequest, errorCodeInvalidPayload
	case errors.Is(err, credits.ErrConcurrentUpdate):
		return http.StatusConflict, errorCodeConcurrentUpdate
	default:
		return http.StatusBadGateway, errorCodeLedger
	}
}

func getClaims(ctx *gin.Context) *sessionvalidator.Claims {
	claimsValue, ok := ctx.Get(contextClaimsKey)
	if !ok {
		return nil
	}
	claims, _ := claimsValue.(*sessionvalidator.Claims)
	return claims
}

func marshalMetadata(metadata map[string]any) string {
	if metadata == nil {
		return "{}"
	}
	raw, err := json.Marshal(metadata)
	if err != nil {
		return "{}"
	}
	return string(raw)
}

func errorResponse(code string, message string) gin.H {
	return gin.H{
		"error": gin.H{
			"code":    code,
			"message": message,
		},
	}
}

type purchaseRequest struct {
	ProductID string         `json:"product_id"`
	Amount    int64          `json:"amount"`
	Metadata  map[string]any `json:"metadata"`
}

type balancePayload struct {
	PictureCredits     int64  `json:"picture_credits"`
	BonusCredits       int64  `json:"bonus_credits"`
	DailyScansUsed     int64  `json:"daily_scans_used"`
	FreeScansRemaining int64  `json:"free_scans_remaining"`
	LastScanDate       string `json:"last_scan_date"`
	LastPurchasedPack  string `json:"last_purchased_pack,omitempty"`
	CanScan            bool   `json:"can_scan"`
	UpdatedUnixUTC     int64  `json:"updated_unix_utc"`
}

type receiptPayload struct {
	ReceiptID      string          `json:"receipt_id"`
	ProductID      string          `json:"product_id"`
	Amount         int64           `json:"amount"`
	Metadata       json.RawMessage `json:"metadata"`
	CreatedUnixUTC int64           `json:"created_unix_utc"`
}

func balancePayloadFrom(record credits.BalanceRecord) balancePayload {
	today := credits.ScanDateOf(time.Now().UTC())
	remaining := int64(credits.FreeDailyQuota) - record.DailyScansOn(today)
	if remaining < 0 {
		remaining = 0
	}
	return balancePayload{
		PictureCredits:     record.PictureCredits,
		BonusCredits:       record.BonusCredits,
		DailyScansUsed:     record.DailyScansOn(today),
		FreeScansRemaining: remaining,
		LastScanDate:       record.LastScanDate.String(),
		LastPurchasedPack:  record.LastPurchasedPack,
		CanScan:            record.CanScan(today),
		UpdatedUnixUTC:     record.UpdatedAt.Unix(),
	}
}
