package http

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	qrcode "github.com/skip2/go-qrcode"
	"github.com/wenwu/saas-platform/voucher-service/internal/apperr"
	"github.com/wenwu/saas-platform/voucher-service/internal/models"
	"github.com/wenwu/saas-platform/voucher-service/internal/ratelimit"
	"github.com/wenwu/saas-platform/voucher-service/internal/service"
)

// AuditReader serves the admin audit history.
type AuditReader interface {
	ListByTarget(ctx context.Context, targetType, targetID string, limit int) ([]*models.AuditEvent, error)
}

// Rules are the per-use-case quotas enforced by the handlers.
type Rules struct {
	RedeemIP     ratelimit.Rule
	RedeemIPCode ratelimit.Rule
	CoinCreateIP ratelimit.Rule
	Admin        ratelimit.Rule
}

// deviceKeyHeader carries a device's own API key.
const deviceKeyHeader = "X-API-Key"

type Handler struct {
	voucherService *service.VoucherService
	coinService    *service.CoinService
	deviceService  *service.DeviceService
	sweeper        *service.Sweeper
	audit          AuditReader
	guard          *ratelimit.Guard
	rules          Rules
}

func NewHandler(
	voucherService *service.VoucherService,
	coinService *service.CoinService,
	deviceService *service.DeviceService,
	sweeper *service.Sweeper,
	audit AuditReader,
	guard *ratelimit.Guard,
	rules Rules,
) *Handler {
	return &Handler{
		voucherService: voucherService,
		coinService:    coinService,
		deviceService:  deviceService,
		sweeper:        sweeper,
		audit:          audit,
		guard:          guard,
		rules:          rules,
	}
}

// ==================== Public API Handlers ====================

// RedeemVoucher activates a voucher for the captive portal
func (h *Handler) RedeemVoucher(c *gin.Context) {
	var req models.RedeemVoucherRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		bindError(c, err)
		return
	}

	// malformed codes never reach the limiter, so they cannot mint keys
	code, err := service.ParseVoucherCode(req.Code)
	if err != nil {
		respondError(c, err)
		return
	}

	ctx := c.Request.Context()
	ip := c.ClientIP()
	if err := h.guard.Check(ctx, h.rules.RedeemIP, ip); err != nil {
		respondError(c, err)
		return
	}
	if err := h.guard.Check(ctx, h.rules.RedeemIPCode, ip, code); err != nil {
		respondError(c, err)
		return
	}

	v, plan, err := h.voucherService.Redeem(ctx, code, req.MAC)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, models.RedeemVoucherResponse{
		Voucher: models.NewVoucherInfo(v),
		Plan:    models.NewPlanInfo(plan),
	})
}

// GetVoucher returns a voucher and its plan by code
func (h *Handler) GetVoucher(c *gin.Context) {
	v, plan, err := h.voucherService.Lookup(c.Request.Context(), c.Param("code"))
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, models.RedeemVoucherResponse{
		Voucher: models.NewVoucherInfo(v),
		Plan:    models.NewPlanInfo(plan),
	})
}

// CreateCoinSession opens a coin session for a portal client
func (h *Handler) CreateCoinSession(c *gin.Context) {
	if err := h.guard.Check(c.Request.Context(), h.rules.CoinCreateIP, c.ClientIP()); err != nil {
		respondError(c, err)
		return
	}

	s, err := h.coinService.Create(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, models.NewCoinSessionInfo(s))
}

// GetCoinSession is polled by the portal until the session completes
func (h *Handler) GetCoinSession(c *gin.Context) {
	s, err := h.coinService.Get(c.Request.Context(), c.Param("code"))
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, models.NewCoinSessionInfo(s))
}

// CoinSessionQR renders the request code as a PNG for the machine's scanner
func (h *Handler) CoinSessionQR(c *gin.Context) {
	s, err := h.coinService.Get(c.Request.Context(), c.Param("code"))
	if err != nil {
		respondError(c, err)
		return
	}
	if !s.IsOpen() {
		respondError(c, apperr.InvalidState("coin session is closed", s.Status))
		return
	}

	size := 256
	if v, err := strconv.Atoi(c.Query("size")); err == nil && v >= 64 && v <= 1024 {
		size = v
	}

	png, err := qrcode.Encode(s.RequestCode, qrcode.Medium, size)
	if err != nil {
		respondError(c, err)
		return
	}

	c.Header("Cache-Control", "no-store")
	c.Data(http.StatusOK, "image/png", png)
}

// CancelCoinSession abandons an unclaimed session
func (h *Handler) CancelCoinSession(c *gin.Context) {
	s, err := h.coinService.Cancel(c.Request.Context(), c.Param("code"))
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, models.NewCoinSessionInfo(s))
}

// ==================== Machine API Handlers ====================

// ClaimCoinSession binds a coin machine to a session
func (h *Handler) ClaimCoinSession(c *gin.Context) {
	var req models.ClaimCoinSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		bindError(c, err)
		return
	}

	s, err := h.coinService.Claim(c.Request.Context(), req.RequestCode, req.MachineID)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, models.NewCoinSessionInfo(s))
}

// Deposit records inserted coins
func (h *Handler) Deposit(c *gin.Context) {
	var req models.DepositRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		bindError(c, err)
		return
	}

	s, v, err := h.coinService.Deposit(c.Request.Context(), req.RequestCode, req.AmountCents, req.PlanID)
	if err != nil {
		respondError(c, err)
		return
	}

	resp := models.DepositResponse{Session: models.NewCoinSessionInfo(s)}
	if v != nil {
		info := models.NewVoucherInfo(v)
		resp.Voucher = &info
	}
	c.JSON(http.StatusOK, resp)
}

// RecordUsage adds consumed data to an active voucher
func (h *Handler) RecordUsage(c *gin.Context) {
	var req models.UsageIncrementRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		bindError(c, err)
		return
	}

	v, res, err := h.voucherService.RecordUsage(c.Request.Context(), req.Code, req.MB)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, models.UsageResponse{
		Code:       v.Code,
		DataUsedMB: v.DataUsedMB,
		Status:     res.Status,
		Changed:    res.Changed,
	})
}

// ==================== Device API Handlers ====================

// DeviceHeartbeat records that a device is online
func (h *Handler) DeviceHeartbeat(c *gin.Context) {
	d, err := h.deviceService.Heartbeat(c.Request.Context(), c.Param("id"), c.GetHeader(deviceKeyHeader))
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"ok": true, "lastSeenAt": d.LastSeenAt})
}

// DeviceCredit issues a voucher for cash collected by a device
func (h *Handler) DeviceCredit(c *gin.Context) {
	var req models.DeviceCreditRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		bindError(c, err)
		return
	}

	v, plan, err := h.deviceService.Credit(c.Request.Context(), c.Param("id"), c.GetHeader(deviceKeyHeader), req.AmountCents)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, models.RedeemVoucherResponse{
		Voucher: models.NewVoucherInfo(v),
		Plan:    models.NewPlanInfo(plan),
	})
}

// ==================== Admin API Handlers ====================

// GenerateVouchers creates a batch of vouchers
func (h *Handler) GenerateVouchers(c *gin.Context) {
	var req models.GenerateVouchersRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		bindError(c, err)
		return
	}

	vouchers, err := h.voucherService.BulkCreate(c.Request.Context(), c.GetString("userID"), req.PlanID, req.Quantity, req.CodeLength)
	if err != nil {
		respondError(c, err)
		return
	}

	resp := models.GenerateVouchersResponse{
		Count:    len(vouchers),
		Vouchers: make([]models.VoucherInfo, 0, len(vouchers)),
	}
	for _, v := range vouchers {
		resp.Vouchers = append(resp.Vouchers, models.NewVoucherInfo(v))
	}
	c.JSON(http.StatusCreated, resp)
}

// ListVouchers lists vouchers with optional status/planId filters
func (h *Handler) ListVouchers(c *gin.Context) {
	filter := models.VoucherFilter{
		Status: c.Query("status"),
		PlanID: c.Query("planId"),
	}
	if raw := c.Query("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 1 {
			respondError(c, apperr.Validation("limit must be a positive integer"))
			return
		}
		filter.Limit = limit
	}

	vouchers, err := h.voucherService.List(c.Request.Context(), filter)
	if err != nil {
		respondError(c, err)
		return
	}

	items := make([]models.VoucherInfo, 0, len(vouchers))
	for _, v := range vouchers {
		items = append(items, models.NewVoucherInfo(v))
	}
	c.JSON(http.StatusOK, gin.H{"vouchers": items, "count": len(items)})
}

// RevokeVoucher revokes a voucher by code
func (h *Handler) RevokeVoucher(c *gin.Context) {
	var req models.RevokeVoucherRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		bindError(c, err)
		return
	}

	v, err := h.voucherService.Revoke(c.Request.Context(), c.GetString("userID"), req.Code)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, models.NewVoucherInfo(v))
}

// ExpireSweep bulk-expires active vouchers past their expiry
func (h *Handler) ExpireSweep(c *gin.Context) {
	n, err := h.sweeper.ExpireBulk(c.Request.Context(), c.GetString("userID"))
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"expired": n})
}

// Sweep runs the voucher and coin-session sweeps now, ignoring the throttle
func (h *Handler) Sweep(c *gin.Context) {
	report, err := h.sweeper.Run(c.Request.Context(), c.GetString("userID"))
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, report)
}

// RegisterDevice creates a vending device and returns its API key once
func (h *Handler) RegisterDevice(c *gin.Context) {
	var req models.RegisterDeviceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		bindError(c, err)
		return
	}

	d, key, err := h.deviceService.Register(c.Request.Context(), c.GetString("userID"), req.Name, req.Location)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, models.DeviceKeyResponse{Device: models.NewDeviceInfo(d), APIKey: key})
}

// ListDevices lists registered devices, newest first
func (h *Handler) ListDevices(c *gin.Context) {
	devices, err := h.deviceService.List(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}

	items := make([]models.DeviceInfo, 0, len(devices))
	for _, d := range devices {
		items = append(items, models.NewDeviceInfo(d))
	}
	c.JSON(http.StatusOK, gin.H{"devices": items})
}

// RotateDeviceKey issues a new API key for a device
func (h *Handler) RotateDeviceKey(c *gin.Context) {
	d, key, err := h.deviceService.RotateKey(c.Request.Context(), c.GetString("userID"), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, models.DeviceKeyResponse{Device: models.NewDeviceInfo(d), APIKey: key})
}

// DeactivateDevice disables a device
func (h *Handler) DeactivateDevice(c *gin.Context) {
	d, err := h.deviceService.Deactivate(c.Request.Context(), c.GetString("userID"), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, models.NewDeviceInfo(d))
}

// AuditHistory lists recent audit entries for one voucher, plan, coin session or device
func (h *Handler) AuditHistory(c *gin.Context) {
	targetType := c.Param("targetType")
	switch targetType {
	case models.AuditTargetVoucher, models.AuditTargetPlan, models.AuditTargetCoinSession,
		models.AuditTargetBulk, models.AuditTargetDevice:
	default:
		respondError(c, apperr.Validation("unknown target type %q", targetType))
		return
	}

	limit := 50
	if v, err := strconv.Atoi(c.Query("limit")); err == nil && v > 0 && v <= 500 {
		limit = v
	}

	events, err := h.audit.ListByTarget(c.Request.Context(), targetType, c.Param("targetId"), limit)
	if err != nil {
		respondError(c, err)
		return
	}

	items := make([]models.AuditEventInfo, 0, len(events))
	for _, ev := range events {
		items = append(items, models.NewAuditEventInfo(ev))
	}
	c.JSON(http.StatusOK, gin.H{"events": items})
}
