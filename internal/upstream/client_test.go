package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"pharmwatch/internal/config"
	"pharmwatch/internal/errs"
	"pharmwatch/internal/pkg/metrics"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestClient(t *testing.T, serverURL string) (*Client, *TokenBroker) {
	t.Helper()
	metrics.InitMetrics(1)

	cfg := &config.UpstreamConfig{
		BaseURL:        serverURL,
		Phone:          "13800000000",
		Password:       "secret",
		TokenCachePath: filepath.Join(t.TempDir(), "token_cache.json"),
		CallTimeout:    5 * time.Second,
	}
	broker := NewTokenBroker(cfg, testLogger())
	return NewClient(cfg, broker, nil, testLogger()), broker
}

func loginOK(w http.ResponseWriter, token string) {
	_ = json.NewEncoder(w).Encode(map[string]any{
		"code": "0", "message": "ok",
		"data": map[string]any{"token": token},
	})
}

func TestSearchAggregateEnvelope(t *testing.T) {
	var loginCalls, searchCalls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case loginPath:
			loginCalls.Add(1)
			loginOK(w, "tok-1")
		case pathSearchAggregate:
			searchCalls.Add(1)
			if r.Header.Get("Token") != "tok-1" {
				t.Errorf("missing token header")
			}
			_ = json.NewEncoder(w).Encode(map[string]any{
				"code": 0, "message": "成功",
				"data": []map[string]any{
					{"drug": map[string]any{
						"drugName": "阿莫西林胶囊", "minprice": "12.50", "maxprice": 15.8,
						"specification": "500mg*20粒", "factory": "华北制药", "drugId": 101, "wholesaleNum": 8,
					}},
				},
			})
		default:
			http.NotFound(w, r)
		}
	}))
	defer server.Close()

	client, _ := newTestClient(t, server.URL)
	aggs, err := client.SearchAggregate(context.Background(), "阿莫西林", 1, 60)
	if err != nil {
		t.Fatal(err)
	}
	if len(aggs) != 1 {
		t.Fatalf("aggs = %d, want 1", len(aggs))
	}
	agg := aggs[0]
	if agg.MinPriceCents != 1250 || agg.MaxPriceCents != 1580 {
		t.Errorf("prices = %d/%d, want 1250/1580", agg.MinPriceCents, agg.MaxPriceCents)
	}
	if agg.SupplierCount != 8 || agg.Name != "阿莫西林胶囊" {
		t.Errorf("unexpected agg: %+v", agg)
	}
	if loginCalls.Load() != 1 {
		t.Errorf("login calls = %d, want 1", loginCalls.Load())
	}
}

func TestInputValidation(t *testing.T) {
	client, _ := newTestClient(t, "http://127.0.0.1:0")

	if _, err := client.SearchAggregate(context.Background(), "", 1, 60); !IsInvalidInput(err) {
		t.Errorf("empty keyword: %v", err)
	}
	if _, err := client.SearchAggregate(context.Background(), "感冒", 0, 60); !IsInvalidInput(err) {
		t.Errorf("page 0: %v", err)
	}
	if _, err := client.SearchAggregate(context.Background(), "感冒", 1, 300); !IsInvalidInput(err) {
		t.Errorf("pageSize 300: %v", err)
	}
	if _, err := client.SupplierHotList(context.Background(), 0, 1, 60); !IsInvalidInput(err) {
		t.Errorf("supplier 0: %v", err)
	}
}

// 首次调用 401，刷新一次后重放成功。恰好一次刷新、两次尝试。
func TestAuthRefreshReplay(t *testing.T) {
	var loginCalls, searchCalls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case loginPath:
			n := loginCalls.Add(1)
			loginOK(w, map[int32]string{1: "stale", 2: "fresh"}[n])
		case pathFacetSuppliers:
			n := searchCalls.Add(1)
			if n == 1 {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			if r.Header.Get("Token") != "fresh" {
				t.Errorf("replay must carry refreshed token, got %q", r.Header.Get("Token"))
			}
			_ = json.NewEncoder(w).Encode(map[string]any{
				"code": "0", "message": "ok",
				"data": map[string]any{"providers": []map[string]any{{"pid": 7, "abbreviation": "仁和药房"}}},
			})
		default:
			http.NotFound(w, r)
		}
	}))
	defer server.Close()

	client, _ := newTestClient(t, server.URL)
	suppliers, err := client.FacetSuppliers(context.Background(), "感冒灵")
	if err != nil {
		t.Fatal(err)
	}
	if len(suppliers) != 1 || suppliers[0].Name != "仁和药房" {
		t.Fatalf("suppliers = %+v", suppliers)
	}
	if searchCalls.Load() != 2 {
		t.Errorf("attempts = %d, want exactly 2", searchCalls.Load())
	}
	if loginCalls.Load() != 2 { // 初始登录 + 刷新
		t.Errorf("login calls = %d, want 2", loginCalls.Load())
	}
}

// 信封码 40020（Token 过期）同样触发一次刷新重放。
func TestEnvelopeTokenExpiredTriggersRefresh(t *testing.T) {
	var searchCalls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case loginPath:
			loginOK(w, "tok")
		case pathSearchAggregate:
			if searchCalls.Add(1) == 1 {
				_ = json.NewEncoder(w).Encode(map[string]any{"code": "40020", "message": "请登录"})
				return
			}
			_ = json.NewEncoder(w).Encode(map[string]any{"code": "40001", "message": "成功", "data": []any{}})
		default:
			http.NotFound(w, r)
		}
	}))
	defer server.Close()

	client, _ := newTestClient(t, server.URL)
	if _, err := client.SearchAggregate(context.Background(), "感冒", 1, 10); err != nil {
		t.Fatal(err)
	}
	if searchCalls.Load() != 2 {
		t.Errorf("attempts = %d, want 2", searchCalls.Load())
	}
}

// 持续 401：刷新后仍失败 → AuthError。
func TestPersistentAuthFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == loginPath {
			loginOK(w, "tok")
			return
		}
		w.WriteHeader(http.StatusForbidden)
	}))
	defer server.Close()

	client, _ := newTestClient(t, server.URL)
	_, err := client.FacetSuppliers(context.Background(), "感冒")
	if !errs.IsAuth(err) {
		t.Fatalf("expected AuthError, got %v", err)
	}
}

// 5xx 重试后成功。
func TestRetryOn5xx(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == loginPath {
			loginOK(w, "tok")
			return
		}
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"code": "0", "data": []any{}})
	}))
	defer server.Close()

	client, _ := newTestClient(t, server.URL)
	if _, err := client.SearchAggregate(context.Background(), "感冒", 1, 10); err != nil {
		t.Fatal(err)
	}
	if calls.Load() != 3 {
		t.Errorf("calls = %d, want 3", calls.Load())
	}
}

// 4xx 不重试，直接暴露 UpstreamClientError。
func TestNoRetryOn4xx(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == loginPath {
			loginOK(w, "tok")
			return
		}
		calls.Add(1)
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte("bad keyword"))
	}))
	defer server.Close()

	client, _ := newTestClient(t, server.URL)
	_, err := client.SearchAggregate(context.Background(), "感冒", 1, 10)
	var ce *errs.UpstreamClientError
	if !errors.As(err, &ce) {
		t.Fatalf("expected UpstreamClientError, got %v", err)
	}
	if ce.Status != http.StatusUnprocessableEntity || ce.BodyExcerpt != "bad keyword" {
		t.Errorf("unexpected error payload: %+v", ce)
	}
	if calls.Load() != 1 {
		t.Errorf("calls = %d, want 1 (no retry)", calls.Load())
	}
}

// 429 → RateLimited，携带 Retry-After。
func TestRateLimited(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == loginPath {
			loginOK(w, "tok")
			return
		}
		w.Header().Set("Retry-After", "17")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	client, _ := newTestClient(t, server.URL)
	_, err := client.SearchAggregate(context.Background(), "感冒", 1, 10)
	var rl *errs.RateLimited
	if !errors.As(err, &rl) {
		t.Fatalf("expected RateLimited, got %v", err)
	}
	if rl.RetryAfter != 17*time.Second {
		t.Errorf("retry after = %s", rl.RetryAfter)
	}
}

// 非成功信封码 → UpstreamProtocolError。
func TestProtocolError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == loginPath {
			loginOK(w, "tok")
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"code": "50001", "message": "系统繁忙"})
	}))
	defer server.Close()

	client, _ := newTestClient(t, server.URL)
	_, err := client.SearchAggregate(context.Background(), "感冒", 1, 10)
	var pe *errs.UpstreamProtocolError
	if !errors.As(err, &pe) {
		t.Fatalf("expected UpstreamProtocolError, got %v", err)
	}
	if pe.Code != "50001" || pe.Message != "系统繁忙" {
		t.Errorf("unexpected payload: %+v", pe)
	}
}

func TestSupplierHotListDecoding(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == loginPath {
			loginOK(w, "tok")
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"code": "0",
			"data": []map[string]any{
				{"drugname": "阿莫西林胶囊", "price": "¥12.50", "specification": "500mg*20粒", "manufacturer": "华北制药", "wholesaleid": 555},
				{"drugname": "", "price": 10}, // 名称缺失，跳过
			},
		})
	}))
	defer server.Close()

	client, _ := newTestClient(t, server.URL)
	offers, err := client.SupplierHotList(context.Background(), 7, 1, 200)
	if err != nil {
		t.Fatal(err)
	}
	if len(offers) != 1 {
		t.Fatalf("offers = %d, want 1", len(offers))
	}
	offer := offers[0]
	if offer.PriceCents != 1250 {
		t.Errorf("price = %d, want 1250", offer.PriceCents)
	}
	if offer.SupplierID == nil || *offer.SupplierID != 7 {
		t.Errorf("supplier id = %v", offer.SupplierID)
	}
	if offer.Origin != OriginEndpoint {
		t.Errorf("origin = %s", offer.Origin)
	}
	if offer.SourceURL == "" {
		t.Error("expected source url built from wholesaleid")
	}
}

// 限流开销按请求体量折算，并有上限。
func TestCostForPageSize(t *testing.T) {
	cases := map[int]int{
		1:    1,
		60:   1,
		200:  2,
		400:  3,
		1000: 5, // 封顶
		5000: 5,
	}
	for pageSize, want := range cases {
		if got := costForPageSize(pageSize); got != want {
			t.Errorf("costForPageSize(%d) = %d, want %d", pageSize, got, want)
		}
	}
}

func TestTokenCachePersistedAtomically(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		loginOK(w, "persisted-token")
	}))
	defer server.Close()

	client, broker := newTestClient(t, server.URL)
	_ = client

	token, expires, err := broker.Get(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if token != "persisted-token" || !expires.After(time.Now()) {
		t.Fatalf("token=%q expires=%s", token, expires)
	}

	// 缓存文件完整可读，无临时残留
	raw, err := os.ReadFile(broker.cfg.TokenCachePath)
	if err != nil {
		t.Fatal(err)
	}
	var cache tokenCache
	if err := json.Unmarshal(raw, &cache); err != nil {
		t.Fatalf("cache file corrupt: %v", err)
	}
	if cache.Token != "persisted-token" {
		t.Errorf("cached token = %q", cache.Token)
	}

	entries, err := os.ReadDir(filepath.Dir(broker.cfg.TokenCachePath))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Errorf("expected only the cache file, found %d entries", len(entries))
	}
}

func TestInvalidateForcesRelogin(t *testing.T) {
	var loginCalls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := loginCalls.Add(1)
		loginOK(w, map[bool]string{true: "first", false: "second"}[n == 1])
	}))
	defer server.Close()

	_, broker := newTestClient(t, server.URL)

	tok1, _, err := broker.Get(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	tok2, _, err := broker.Get(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if tok1 != tok2 || loginCalls.Load() != 1 {
		t.Fatalf("cached Get must not re-login: %q/%q calls=%d", tok1, tok2, loginCalls.Load())
	}

	broker.Invalidate()
	tok3, _, err := broker.Get(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if tok3 != "second" || loginCalls.Load() != 2 {
		t.Fatalf("invalidate must force refresh: %q calls=%d", tok3, loginCalls.Load())
	}
}

func TestLoginRejectedIsAuthError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"code": "40003", "message": "账号或密码错误"})
	}))
	defer server.Close()

	_, broker := newTestClient(t, server.URL)
	_, _, err := broker.Get(context.Background())
	if !errs.IsAuth(err) {
		t.Fatalf("expected AuthError, got %v", err)
	}
}
