package http

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/wenwu/saas-platform/voucher-service/internal/config"
	"github.com/wenwu/saas-platform/voucher-service/internal/models"
	"github.com/wenwu/saas-platform/voucher-service/internal/ratelimit"
	"github.com/wenwu/saas-platform/voucher-service/internal/repository/memstore"
	"github.com/wenwu/saas-platform/voucher-service/internal/service"
	"golang.org/x/crypto/bcrypt"
)

const (
	testJWTSecret      = "test-jwt-secret-0123456789abcdef0123"
	testInternalSecret = "test-internal-secret-0123456789abcdef"
)

func intPtr(v int) *int { return &v }
func int64Ptr(v int64) *int64 { return &v }

func testConfig() *config.Config {
	minute := time.Minute
	return &config.Config{
		Server:         config.ServerConfig{Mode: gin.TestMode},
		Database:       config.DatabaseConfig{Driver: config.StoreDriverMemory},
		JWT:            config.JWTConfig{SecretKey: testJWTSecret},
		InternalSecret: testInternalSecret,
		Voucher:        config.VoucherConfig{DefaultCodeLength: 10, MaxBatch: 500},
		Coin:           config.CoinConfig{ClaimWindow: 2 * minute, RequestCodeLength: 6},
		Sweep:          config.SweepConfig{Interval: minute, Throttle: minute, BatchSize: 100},
		Device:         config.DeviceConfig{BcryptCost: bcrypt.MinCost},
		RateLimit: config.RateLimitConfig{
			RedeemIP:     config.RuleConfig{Window: minute, Max: 30},
			RedeemIPCode: config.RuleConfig{Window: minute, Max: 2},
			CoinCreateIP: config.RuleConfig{Window: minute, Max: 10},
			Admin:        config.RuleConfig{Window: minute, Max: 60},
		},
	}
}

func newTestServer(t *testing.T, throttle *ratelimit.TokenBuckets) (*Server, *memstore.Store) {
	t.Helper()
	cfg := testConfig()
	store := memstore.New()
	store.PutPlan(&models.Plan{ID: "p30", Name: "30 minutes", PriceCents: 0, DurationMinutes: intPtr(30)})
	store.PutPlan(&models.Plan{ID: "p500", Name: "1 hour / 100MB", PriceCents: 500, DurationMinutes: intPtr(60), DataCapMB: int64Ptr(100)})

	sweeper := service.NewSweeper(cfg, store.Plans(), store.Vouchers(), store.CoinSessions(), store.Audit(), nil)
	vouchers := service.NewVoucherService(cfg, store.Plans(), store.Vouchers(), sweeper, store.Audit(), nil)
	coins := service.NewCoinService(cfg, store.Plans(), store.CoinSessions(), store.Audit(), nil)
	devices := service.NewDeviceService(cfg, store.Plans(), store.Devices(), vouchers, store.Audit(), nil)
	guard := ratelimit.NewGuard(ratelimit.NewMemoryLimiter(nil), nil)

	h := NewHandler(vouchers, coins, devices, sweeper, store.Audit(), guard, RulesFromConfig(cfg))
	return NewServer(cfg, h, throttle), store
}

func adminToken(t *testing.T, role string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":  "admin-1",
		"role": role,
		"exp":  time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte(testJWTSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func do(t *testing.T, s *Server, method, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, out interface{}) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), out); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
}

func admin(t *testing.T) map[string]string {
	return map[string]string{"Authorization": "Bearer " + adminToken(t, "admin")}
}

var machine = map[string]string{"X-Internal-Secret": testInternalSecret}

type errorBody struct {
	Error  string `json:"error"`
	Code   string `json:"code"`
	Status string `json:"status"`
}

func generate(t *testing.T, s *Server, planID string, quantity int) []models.VoucherInfo {
	t.Helper()
	rec := do(t, s, http.MethodPost, "/api/admin/vouchers", gin.H{"planId": planID, "quantity": quantity}, admin(t))
	if rec.Code != http.StatusCreated {
		t.Fatalf("generate: %d %s", rec.Code, rec.Body.String())
	}
	var resp models.GenerateVouchersResponse
	decode(t, rec, &resp)
	return resp.Vouchers
}

func TestHealth(t *testing.T) {
	s, _ := newTestServer(t, nil)
	rec := do(t, s, http.MethodGet, "/health", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("health: %d", rec.Code)
	}
}

func TestAdminAuth(t *testing.T) {
	s, _ := newTestServer(t, nil)
	body := gin.H{"planId": "p30", "quantity": 1}

	if rec := do(t, s, http.MethodPost, "/api/admin/vouchers", body, nil); rec.Code != http.StatusUnauthorized {
		t.Fatalf("missing token: %d", rec.Code)
	}
	if rec := do(t, s, http.MethodPost, "/api/admin/vouchers", body, map[string]string{"Authorization": "Bearer garbage"}); rec.Code != http.StatusUnauthorized {
		t.Fatalf("bad token: %d", rec.Code)
	}
	user := map[string]string{"Authorization": "Bearer " + adminToken(t, "user")}
	if rec := do(t, s, http.MethodPost, "/api/admin/vouchers", body, user); rec.Code != http.StatusForbidden {
		t.Fatalf("non-admin: %d", rec.Code)
	}
	if rec := do(t, s, http.MethodPost, "/api/admin/vouchers", body, admin(t)); rec.Code != http.StatusCreated {
		t.Fatalf("admin: %d %s", rec.Code, rec.Body.String())
	}
}

func TestVoucherEndpoints(t *testing.T) {
	s, _ := newTestServer(t, nil)
	vouchers := generate(t, s, "p30", 2)
	if len(vouchers) != 2 || vouchers[0].Status != models.VoucherStatusUnused {
		t.Fatalf("unexpected batch: %+v", vouchers)
	}
	first, second := vouchers[0], vouchers[1]

	rec := do(t, s, http.MethodPost, "/api/v1/vouchers/redeem", gin.H{"code": first.Code}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("redeem: %d %s", rec.Code, rec.Body.String())
	}
	var redeemed models.RedeemVoucherResponse
	decode(t, rec, &redeemed)
	if redeemed.Voucher.Status != models.VoucherStatusActive || redeemed.Plan.ID != "p30" || redeemed.Voucher.ExpiresAt == nil {
		t.Fatalf("unexpected redeem response: %+v", redeemed)
	}

	rec = do(t, s, http.MethodPost, "/api/v1/vouchers/redeem", gin.H{"code": first.Code}, nil)
	var eb errorBody
	decode(t, rec, &eb)
	if rec.Code != http.StatusConflict || eb.Code != "invalid_state" || eb.Status != models.VoucherStatusActive {
		t.Fatalf("second redeem: %d %+v", rec.Code, eb)
	}

	rec = do(t, s, http.MethodPost, "/api/v1/vouchers/redeem", gin.H{"code": "ZZZZ333333"}, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown code: %d", rec.Code)
	}

	rec = do(t, s, http.MethodPost, "/api/v1/vouchers/redeem", gin.H{}, nil)
	decode(t, rec, &eb)
	if rec.Code != http.StatusBadRequest || eb.Code != "validation" {
		t.Fatalf("empty body: %d %+v", rec.Code, eb)
	}

	rec = do(t, s, http.MethodGet, "/api/v1/vouchers/"+first.Code, nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("lookup: %d", rec.Code)
	}

	rec = do(t, s, http.MethodPost, "/api/admin/vouchers/revoke", gin.H{"code": second.Code}, admin(t))
	if rec.Code != http.StatusOK {
		t.Fatalf("revoke: %d %s", rec.Code, rec.Body.String())
	}
	rec = do(t, s, http.MethodPost, "/api/v1/vouchers/redeem", gin.H{"code": second.Code}, nil)
	decode(t, rec, &eb)
	if rec.Code != http.StatusConflict || eb.Status != models.VoucherStatusRevoked {
		t.Fatalf("redeem revoked: %d %+v", rec.Code, eb)
	}

	rec = do(t, s, http.MethodGet, "/api/admin/vouchers?status=revoked", nil, admin(t))
	var list struct {
		Count    int                  `json:"count"`
		Vouchers []models.VoucherInfo `json:"vouchers"`
	}
	decode(t, rec, &list)
	if rec.Code != http.StatusOK || list.Count != 1 || list.Vouchers[0].Code != second.Code {
		t.Fatalf("list: %d %+v", rec.Code, list)
	}
	if rec := do(t, s, http.MethodGet, "/api/admin/vouchers?limit=abc", nil, admin(t)); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad limit: %d", rec.Code)
	}

	rec = do(t, s, http.MethodPost, "/api/admin/vouchers/expire-sweep", nil, admin(t))
	if rec.Code != http.StatusOK {
		t.Fatalf("expire-sweep: %d", rec.Code)
	}
	rec = do(t, s, http.MethodPost, "/api/admin/sweep", nil, admin(t))
	var report models.SweepReport
	decode(t, rec, &report)
	if rec.Code != http.StatusOK || report.Vouchers.Expired != 0 {
		t.Fatalf("sweep: %d %+v", rec.Code, report)
	}

	rec = do(t, s, http.MethodGet, "/api/admin/audit/voucher/"+first.ID, nil, admin(t))
	var history struct {
		Events []models.AuditEventInfo `json:"events"`
	}
	decode(t, rec, &history)
	if rec.Code != http.StatusOK || len(history.Events) != 1 || history.Events[0].Action != models.AuditVoucherRedeem {
		t.Fatalf("audit history: %d %+v", rec.Code, history)
	}
	if rec := do(t, s, http.MethodGet, "/api/admin/audit/nope/x", nil, admin(t)); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad target type: %d", rec.Code)
	}
}

func TestRedeemRateLimit(t *testing.T) {
	s, _ := newTestServer(t, nil)
	body := gin.H{"code": "ZZZZ222222"}

	for i := 0; i < 2; i++ {
		if rec := do(t, s, http.MethodPost, "/api/v1/vouchers/redeem", body, nil); rec.Code != http.StatusNotFound {
			t.Fatalf("attempt %d: %d", i, rec.Code)
		}
	}
	rec := do(t, s, http.MethodPost, "/api/v1/vouchers/redeem", body, nil)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Fatalf("missing Retry-After header")
	}

	// a different code from the same client still has quota
	if rec := do(t, s, http.MethodPost, "/api/v1/vouchers/redeem", gin.H{"code": "YYYY222222"}, nil); rec.Code != http.StatusNotFound {
		t.Fatalf("other code: %d", rec.Code)
	}
}

func TestRedeemMalformedCodeSkipsLimiter(t *testing.T) {
	s, _ := newTestServer(t, nil)

	for _, code := range []string{"   ", "ABCD0EFGH1", strings.Repeat("Z", 40)} {
		for i := 0; i < 3; i++ {
			rec := do(t, s, http.MethodPost, "/api/v1/vouchers/redeem", gin.H{"code": code}, nil)
			var eb errorBody
			decode(t, rec, &eb)
			if rec.Code != http.StatusBadRequest || eb.Code != "validation" {
				t.Fatalf("code %q attempt %d: %d %+v", code, i, rec.Code, eb)
			}
		}
	}

	// the per-code quota of a well-formed code is untouched
	for i := 0; i < 2; i++ {
		if rec := do(t, s, http.MethodPost, "/api/v1/vouchers/redeem", gin.H{"code": "ZZZZ555555"}, nil); rec.Code != http.StatusNotFound {
			t.Fatalf("well-formed attempt %d: %d", i, rec.Code)
		}
	}
	if rec := do(t, s, http.MethodPost, "/api/v1/vouchers/redeem", gin.H{"code": "ZZZZ555555"}, nil); rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 after per-code quota, got %d", rec.Code)
	}
}

func TestCoinSessionEndpoints(t *testing.T) {
	s, _ := newTestServer(t, nil)

	rec := do(t, s, http.MethodPost, "/api/v1/coin/sessions", nil, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: %d %s", rec.Code, rec.Body.String())
	}
	var session models.CoinSessionInfo
	decode(t, rec, &session)
	code := session.RequestCode

	rec = do(t, s, http.MethodGet, "/api/v1/coin/sessions/"+code+"/qr", nil, nil)
	if rec.Code != http.StatusOK || rec.Header().Get("Content-Type") != "image/png" || rec.Body.Len() == 0 {
		t.Fatalf("qr: %d %s", rec.Code, rec.Header().Get("Content-Type"))
	}

	claim := gin.H{"requestCode": code, "machineId": "M1"}
	if rec := do(t, s, http.MethodPost, "/api/machine/coin/claim", claim, nil); rec.Code != http.StatusUnauthorized {
		t.Fatalf("claim without secret: %d", rec.Code)
	}
	rec = do(t, s, http.MethodPost, "/api/machine/coin/claim", claim, machine)
	decode(t, rec, &session)
	if rec.Code != http.StatusOK || session.Status != models.CoinStatusClaimed {
		t.Fatalf("claim: %d %+v", rec.Code, session)
	}

	rec = do(t, s, http.MethodPost, "/api/machine/coin/deposit", gin.H{"requestCode": code, "amountCents": 300, "planId": "p500"}, machine)
	var dep models.DepositResponse
	decode(t, rec, &dep)
	if rec.Code != http.StatusOK || dep.Session.Status != models.CoinStatusDepositing || dep.Voucher != nil {
		t.Fatalf("first deposit: %d %+v", rec.Code, dep)
	}

	rec = do(t, s, http.MethodPost, "/api/machine/coin/deposit", gin.H{"requestCode": code, "amountCents": 250}, machine)
	decode(t, rec, &dep)
	if rec.Code != http.StatusOK || dep.Session.Status != models.CoinStatusCompleted || dep.Session.AmountInsertedCents != 550 {
		t.Fatalf("second deposit: %d %+v", rec.Code, dep)
	}
	if dep.Voucher == nil || dep.Voucher.Status != models.VoucherStatusActive {
		t.Fatalf("voucher not issued: %+v", dep.Voucher)
	}

	rec = do(t, s, http.MethodGet, "/api/v1/coin/sessions/"+code, nil, nil)
	decode(t, rec, &session)
	if rec.Code != http.StatusOK || session.Status != models.CoinStatusCompleted {
		t.Fatalf("get: %d %+v", rec.Code, session)
	}
	if rec := do(t, s, http.MethodGet, "/api/v1/coin/sessions/"+code+"/qr", nil, nil); rec.Code != http.StatusConflict {
		t.Fatalf("qr for closed session: %d", rec.Code)
	}

	rec = do(t, s, http.MethodPost, "/api/machine/usage", gin.H{"code": dep.Voucher.Code, "mb": 100}, machine)
	var usage models.UsageResponse
	decode(t, rec, &usage)
	if rec.Code != http.StatusOK || !usage.Changed || usage.Status != models.VoucherStatusDepleted || usage.DataUsedMB != 100 {
		t.Fatalf("usage: %d %+v", rec.Code, usage)
	}
}

func TestCancelCoinSession(t *testing.T) {
	s, _ := newTestServer(t, nil)

	rec := do(t, s, http.MethodPost, "/api/v1/coin/sessions", nil, nil)
	var session models.CoinSessionInfo
	decode(t, rec, &session)

	rec = do(t, s, http.MethodPost, "/api/v1/coin/sessions/"+session.RequestCode+"/cancel", nil, nil)
	decode(t, rec, &session)
	if rec.Code != http.StatusOK || session.Status != models.CoinStatusCanceled {
		t.Fatalf("cancel: %d %+v", rec.Code, session)
	}

	rec = do(t, s, http.MethodPost, "/api/v1/coin/sessions/"+session.RequestCode+"/cancel", nil, nil)
	var eb errorBody
	decode(t, rec, &eb)
	if rec.Code != http.StatusConflict || eb.Status != models.CoinStatusCanceled {
		t.Fatalf("second cancel: %d %+v", rec.Code, eb)
	}

	if rec := do(t, s, http.MethodGet, "/api/v1/coin/sessions/NOPE42", nil, nil); rec.Code != http.StatusNotFound {
		t.Fatalf("unknown session: %d", rec.Code)
	}
}

func TestThrottleMiddleware(t *testing.T) {
	s, _ := newTestServer(t, ratelimit.NewTokenBuckets(0.001, 1, time.Minute))

	if rec := do(t, s, http.MethodGet, "/api/v1/coin/sessions/NOPE42", nil, nil); rec.Code != http.StatusNotFound {
		t.Fatalf("first request: %d", rec.Code)
	}
	if rec := do(t, s, http.MethodGet, "/api/v1/coin/sessions/NOPE42", nil, nil); rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second request: %d", rec.Code)
	}
	// health is not throttled
	if rec := do(t, s, http.MethodGet, "/health", nil, nil); rec.Code != http.StatusOK {
		t.Fatalf("health: %d", rec.Code)
	}
}

func TestRespondErrorHidesInternalErrors(t *testing.T) {
	gin.SetMode(gin.TestMode)
	rec := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(rec)
	c.Request = httptest.NewRequest(http.MethodGet, "/x", nil)

	respondError(c, errors.New("pq: connection refused"))

	var eb errorBody
	decode(t, rec, &eb)
	if rec.Code != http.StatusInternalServerError || eb.Error != "internal error" {
		t.Fatalf("unexpected: %d %+v", rec.Code, eb)
	}
}

func TestDeviceCreditFlow(t *testing.T) {
	s, store := newTestServer(t, nil)

	rec := do(t, s, http.MethodPost, "/api/admin/devices", gin.H{"name": "lobby"}, admin(t))
	if rec.Code != http.StatusCreated {
		t.Fatalf("register: %d %s", rec.Code, rec.Body.String())
	}
	var reg models.DeviceKeyResponse
	decode(t, rec, &reg)
	if reg.APIKey == "" || !reg.Device.Active {
		t.Fatalf("unexpected registration: %+v", reg)
	}
	if strings.Contains(rec.Body.String(), "apiKeyHash") {
		t.Fatalf("key hash leaked: %s", rec.Body.String())
	}

	if rec := do(t, s, http.MethodPost, "/api/admin/devices", gin.H{"name": "lobby"}, admin(t)); rec.Code != http.StatusConflict {
		t.Fatalf("duplicate name: %d", rec.Code)
	}

	creditPath := "/api/devices/" + reg.Device.ID + "/credit"
	key := map[string]string{"X-API-Key": reg.APIKey}

	if rec := do(t, s, http.MethodPost, creditPath, gin.H{"amountCents": 600}, nil); rec.Code != http.StatusUnauthorized {
		t.Fatalf("missing key: %d", rec.Code)
	}
	if rec := do(t, s, http.MethodPost, creditPath, gin.H{"amountCents": 600}, map[string]string{"X-API-Key": "wrong"}); rec.Code != http.StatusUnauthorized {
		t.Fatalf("wrong key: %d", rec.Code)
	}

	rec = do(t, s, http.MethodPost, creditPath, gin.H{"amountCents": 600}, key)
	if rec.Code != http.StatusCreated {
		t.Fatalf("credit: %d %s", rec.Code, rec.Body.String())
	}
	var credit models.RedeemVoucherResponse
	decode(t, rec, &credit)
	if credit.Plan.ID != "p500" || credit.Voucher.Status != models.VoucherStatusUnused {
		t.Fatalf("unexpected credit: %+v", credit)
	}

	// the issued voucher redeems like any other
	rec = do(t, s, http.MethodPost, "/api/v1/vouchers/redeem", gin.H{"code": credit.Voucher.Code}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("redeem credited voucher: %d %s", rec.Code, rec.Body.String())
	}

	if rec := do(t, s, http.MethodPost, "/api/devices/"+reg.Device.ID+"/heartbeat", nil, key); rec.Code != http.StatusOK {
		t.Fatalf("heartbeat: %d", rec.Code)
	}

	rec = do(t, s, http.MethodGet, "/api/admin/audit/device/"+reg.Device.ID, nil, admin(t))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), models.AuditDeviceRegister) {
		t.Fatalf("device audit: %d %s", rec.Code, rec.Body.String())
	}

	if rec := do(t, s, http.MethodPost, "/api/admin/devices/"+reg.Device.ID+"/deactivate", nil, admin(t)); rec.Code != http.StatusOK {
		t.Fatalf("deactivate: %d", rec.Code)
	}
	if rec := do(t, s, http.MethodPost, creditPath, gin.H{"amountCents": 600}, key); rec.Code != http.StatusNotFound {
		t.Fatalf("inactive device: %d", rec.Code)
	}

	n := 0
	for _, a := range store.Audit().Actions() {
		if a == models.AuditVoucherDeviceCredit {
			n++
		}
	}
	if n != 1 {
		t.Fatalf("expected one device credit audit event, got %d", n)
	}
}
