package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"log/slog"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/perkstack/loyalty-core/internal/qr"
	"github.com/perkstack/loyalty-core/internal/qrcrypto"
	"github.com/perkstack/loyalty-core/internal/rate"
	"github.com/perkstack/loyalty-core/internal/sanitize"
	"github.com/perkstack/loyalty-core/internal/security"
	"github.com/perkstack/loyalty-core/internal/storage"
	"github.com/perkstack/loyalty-core/libs/auth"
	"github.com/perkstack/loyalty-core/libs/httpmiddleware"
	"github.com/perkstack/loyalty-core/libs/metrics"
	"github.com/shopspring/decimal"
)

type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

type CodeStore interface {
	InsertQRCode(ctx context.Context, code *storage.QRCode) (uuid.UUID, error)
	GetQRCode(ctx context.Context, id uuid.UUID) (*storage.QRCode, error)
	RedeemQRCode(ctx context.Context, id uuid.UUID, actor string, details map[string]any) error
}

// NonceRegistry marks nonces as seen. Implemented by the redis cache.
type NonceRegistry interface {
	Once(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

type QRHandler struct {
	Generator *qr.Generator
	Crypto    *qrcrypto.Service
	Limiter   *rate.Limiter
	Security  *security.Logger
	Store     CodeStore
	Nonces    NonceRegistry
	NonceTTL  time.Duration
	Logger    *slog.Logger
	Clock     Clock
}

func NewQRHandler(gen *qr.Generator, crypto *qrcrypto.Service, limiter *rate.Limiter,
	sec *security.Logger, store CodeStore, nonces NonceRegistry, nonceTTL time.Duration,
	logger *slog.Logger) *QRHandler {
	if nonceTTL <= 0 {
		nonceTTL = 24 * time.Hour
	}
	return &QRHandler{
		Generator: gen,
		Crypto:    crypto,
		Limiter:   limiter,
		Security:  sec,
		Store:     store,
		Nonces:    nonces,
		NonceTTL:  nonceTTL,
		Logger:    logger,
		Clock:     systemClock{},
	}
}

// RegisterRoutes mounts the public QR endpoints. Auth is optional: a valid
// bearer token adds the user dimension to rate limiting, anonymous scans
// still work.
func (h *QRHandler) RegisterRoutes(r *gin.Engine, jwtSecret []byte) {
	g := r.Group("/v1/qr", auth.OptionalMiddleware(jwtSecret))
	g.POST("", h.Generate)
	g.POST("/scan", h.Scan)
	g.POST("/preview", h.Preview)
	g.POST("/image", h.Image)
}

type generateRequest struct {
	Type             string         `json:"type"`
	BusinessID       string         `json:"business_id"`
	CustomerID       string         `json:"customer_id"`
	Data             map[string]any `json:"data"`
	Encrypt          bool           `json:"encrypt"`
	ExpiresInSeconds int64          `json:"expires_in_seconds"`
	MaxUses          int            `json:"max_uses"`
}

type generateResponse struct {
	ID      string `json:"id"`
	Payload string `json:"payload"`
}

func (h *QRHandler) Generate(c *gin.Context) {
	var req generateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid payload")
		return
	}

	if errs := sanitize.ValidateGenerateRequest(req.Type, req.BusinessID, req.Data); len(errs) > 0 {
		h.Security.Record(security.Event{
			Type:       "validation_generate_rejected",
			IP:         c.ClientIP(),
			BusinessID: req.BusinessID,
			Details:    map[string]any{"field_count": len(errs)},
		})
		c.JSON(http.StatusBadRequest, gin.H{
			"code":       "INVALID_REQUEST",
			"message":    "invalid payload",
			"fields":     errs,
			"request_id": httpmiddleware.GetRequestID(c),
		})
		return
	}

	data := make(map[string]any, len(req.Data)+3)
	for k, v := range req.Data {
		if s, ok := v.(string); ok {
			v = sanitize.CleanString(s)
		}
		data[k] = v
	}
	data["type"] = sanitize.CleanString(req.Type)
	data["businessId"] = sanitize.CleanString(req.BusinessID)
	if req.CustomerID != "" {
		data["customerId"] = sanitize.CleanString(req.CustomerID)
	}

	if req.Encrypt {
		encrypted, err := h.Crypto.Encrypt(data)
		if err != nil {
			h.Logger.Error("qr encrypt failed", "error", err)
			respondError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "internal error")
			return
		}
		// The signed envelope wraps the encrypted form, so tampering with
		// the ciphertext blob still fails signature verification.
		encrypted["businessId"] = data["businessId"]
		data = encrypted
	}

	payload, err := h.Generator.Generate(data, qr.Options{
		ExpiresIn: time.Duration(req.ExpiresInSeconds) * time.Second,
	})
	if err != nil {
		var genErr *qr.GenerationError
		if errors.As(err, &genErr) {
			respondError(c, http.StatusBadRequest, "INVALID_REQUEST", genErr.Reason)
			return
		}
		h.Logger.Error("qr generate failed", "error", err)
		respondError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "internal error")
		return
	}

	row := &storage.QRCode{
		Code:       payload,
		Kind:       req.Type,
		BusinessID: req.BusinessID,
		CustomerID: req.CustomerID,
		MaxUses:    req.MaxUses,
	}
	if req.ExpiresInSeconds > 0 {
		expiresAt := h.Clock.Now().Add(time.Duration(req.ExpiresInSeconds) * time.Second)
		row.ExpiresAt = &expiresAt
	}
	if points, ok := req.Data["points"].(string); ok {
		if d, err := decimal.NewFromString(points); err == nil {
			row.PointsValue = decimal.NewNullDecimal(d)
		}
	}

	id, err := h.Store.InsertQRCode(c.Request.Context(), row)
	if err != nil {
		h.Logger.Error("qr code insert failed", "error", err)
		respondError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "internal error")
		return
	}

	metrics.QRGenerated.WithLabelValues(req.Type).Inc()
	c.JSON(http.StatusCreated, generateResponse{ID: id.String(), Payload: payload})
}

type scanRequest struct {
	Payload     string `json:"payload"`
	CodeID      string `json:"code_id"`
	ScanType    string `json:"scan_type"`
	BusinessID  string `json:"business_id"`
	Fingerprint string `json:"fingerprint"`
}

func (h *QRHandler) Scan(c *gin.Context) {
	var req scanRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Payload == "" {
		respondError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid payload")
		return
	}

	params := rate.Params{
		ScanType:    req.ScanType,
		BusinessID:  req.BusinessID,
		IP:          c.ClientIP(),
		Fingerprint: req.Fingerprint,
		UserID:      auth.UserID(c),
	}

	if err := h.Limiter.Enforce(c.Request.Context(), params); err != nil {
		var rlErr *rate.RateLimitError
		if errors.As(err, &rlErr) {
			h.Security.Record(security.Event{
				Type:        "rate_limit_exceeded",
				IP:          params.IP,
				UserAgent:   c.Request.UserAgent(),
				Fingerprint: params.Fingerprint,
				ScanType:    params.ScanType,
				BusinessID:  params.BusinessID,
				UserID:      params.UserID,
				Details:     map[string]any{"dimension": string(rlErr.Dimension), "bucket": rlErr.Key},
			})
			retryAfter := int(time.Until(rlErr.ResetAt).Seconds())
			if retryAfter < 1 {
				retryAfter = 1
			}
			c.Header("Retry-After", strconv.Itoa(retryAfter))
			respondError(c, http.StatusTooManyRequests, "RATE_LIMITED", "too many requests")
			return
		}
		h.Logger.Error("rate limit enforce failed", "error", err)
		respondError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "internal error")
		return
	}

	result := h.Generator.Verify(req.Payload)
	if !result.IsValid {
		reason := "unknown"
		if len(result.Errors) > 0 {
			reason = result.Errors[0]
		}
		metrics.QRVerifyFailures.WithLabelValues(reason).Inc()

		eventType := "validation_qr_rejected"
		if tampered(result.Errors) {
			eventType = "tamper_qr_signature"
		}
		h.Security.Record(security.Event{
			Type:        eventType,
			IP:          params.IP,
			UserAgent:   c.Request.UserAgent(),
			Fingerprint: params.Fingerprint,
			ScanType:    params.ScanType,
			BusinessID:  params.BusinessID,
			Details:     map[string]any{"errors": result.Errors},
		})
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"code":       "INVALID_QR",
			"message":    "qr code rejected",
			"errors":     result.Errors,
			"request_id": httpmiddleware.GetRequestID(c),
		})
		return
	}

	if nonce, ok := result.Data["nonce"].(string); ok && h.Nonces != nil {
		fresh, err := h.Nonces.Once(c.Request.Context(), "nonce:"+nonce, h.NonceTTL)
		if err != nil {
			// Replay protection degrades when redis is down; scans continue.
			h.Logger.Warn("nonce registry unavailable", "error", err)
		} else if !fresh {
			h.Security.Record(security.Event{
				Type:       "replay_nonce_reused",
				IP:         params.IP,
				ScanType:   params.ScanType,
				BusinessID: params.BusinessID,
				Details:    map[string]any{"nonce": nonce},
			})
			respondError(c, http.StatusConflict, "REPLAY_DETECTED", "qr code already used")
			return
		}
	}

	data := h.Crypto.DecryptForDisplay(result.Data)

	if req.CodeID != "" {
		id, err := uuid.Parse(req.CodeID)
		if err != nil {
			respondError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid code_id")
			return
		}
		actor := params.UserID
		if actor == "" {
			actor = params.IP
		}
		err = h.Store.RedeemQRCode(c.Request.Context(), id, actor, map[string]any{
			"scan_type":   params.ScanType,
			"business_id": params.BusinessID,
		})
		switch {
		case errors.Is(err, storage.ErrCodeNotFound):
			respondError(c, http.StatusNotFound, "NOT_FOUND", "qr code not found")
			return
		case errors.Is(err, storage.ErrCodeExhausted), errors.Is(err, storage.ErrCodeInactive):
			respondError(c, http.StatusGone, "CODE_UNUSABLE", "qr code no longer usable")
			return
		case err != nil:
			h.Logger.Error("qr redeem failed", "error", err)
			respondError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "internal error")
			return
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"data":     data,
		"warnings": result.Warnings,
	})
}

type previewRequest struct {
	Payload string `json:"payload"`
}

// Preview returns the payload as a third-party scanner would see it, with
// the ciphertext blob blanked.
func (h *QRHandler) Preview(c *gin.Context) {
	var req previewRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Payload == "" {
		respondError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid payload")
		return
	}

	var payload map[string]any
	if err := json.Unmarshal([]byte(req.Payload), &payload); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_REQUEST", "payload is not valid JSON")
		return
	}

	c.JSON(http.StatusOK, gin.H{"preview": qrcrypto.PublicPreview(payload)})
}

type imageRequest struct {
	Payload string `json:"payload"`
	Size    int    `json:"size"`
}

func (h *QRHandler) Image(c *gin.Context) {
	var req imageRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Payload == "" {
		respondError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid payload")
		return
	}

	png, err := qr.RenderPNG(req.Payload, req.Size)
	if err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_REQUEST", "payload not renderable")
		return
	}
	c.Data(http.StatusOK, "image/png", png)
}

func tampered(errs []string) bool {
	for _, e := range errs {
		if e == "integrity check failed" || e == "signature check failed" {
			return true
		}
	}
	return false
}

func respondError(c *gin.Context, status int, code, message string) {
	c.JSON(status, gin.H{
		"code":       code,
		"message":    message,
		"request_id": httpmiddleware.GetRequestID(c),
	})
}
