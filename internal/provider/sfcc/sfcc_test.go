package sfcc

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"porter/internal/config"
	"porter/internal/model"
	"porter/internal/pool"
	"porter/internal/provider"
)

type staticSession struct {
	cookies []model.Cookie
	token   string
}

func (s *staticSession) Cookies() []model.Cookie { return s.cookies }
func (s *staticSession) AuthToken() string       { return s.token }

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	sess := &staticSession{
		cookies: []model.Cookie{{Name: "auth", Value: "sess-1"}},
		token:   "bearer-1",
	}
	return New(config.ShopConfig{
		BaseURL:   srv.URL,
		TimeoutMs: 2000,
		UserAgent: "porter-test",
	}, sess)
}

func TestCheckStockPatterns(t *testing.T) {
	cases := []struct {
		name      string
		body      string
		available bool
		status    string
	}{
		{"orderable", `{"availability":{"orderable":true,"status":"IN_STOCK"}}`, true, "IN_STOCK"},
		{"orderable false", `{"availability":{"orderable":false}}`, false, "UNKNOWN"},
		{"inventory status", `{"inventoryStatus":"IN_STOCK"}`, true, "IN_STOCK"},
		{"out of stock", `{"inventoryStatus":"OUT_OF_STOCK"}`, false, "OUT_OF_STOCK"},
		{"top-level bool", `{"available":true}`, true, "UNKNOWN"},
		{"nested product", `{"product":{"inStock":true}}`, true, "UNKNOWN"},
		{"quantity", `{"quantity":3}`, true, "UNKNOWN"},
		{"zero quantity", `{"quantity":0}`, false, "UNKNOWN"},
		{"availability bool", `{"availability":true}`, true, "UNKNOWN"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != "/api/product/SKU-1/availability" {
					t.Errorf("path = %s", r.URL.Path)
				}
				w.Header().Set("Content-Type", "application/json")
				w.Write([]byte(tc.body))
			}))

			res, err := c.CheckStock(context.Background(), "SKU-1", pool.Lease{})
			if err != nil {
				t.Fatalf("CheckStock: %v", err)
			}
			if res.Available != tc.available {
				t.Fatalf("available = %v, 期望 %v", res.Available, tc.available)
			}
			if res.Status != tc.status {
				t.Fatalf("status = %q, 期望 %q", res.Status, tc.status)
			}
		})
	}
}

func TestCheckStockSendsSession(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ck, err := r.Cookie("auth"); err != nil || ck.Value != "sess-1" {
			t.Error("缺少会话 cookie")
		}
		if r.Header.Get("Authorization") != "Bearer bearer-1" {
			t.Errorf("Authorization = %q", r.Header.Get("Authorization"))
		}
		if r.Header.Get("User-Agent") != "porter-test" {
			t.Errorf("User-Agent = %q", r.Header.Get("User-Agent"))
		}
		w.Write([]byte(`{"available":false}`))
	}))

	if _, err := c.CheckStock(context.Background(), "SKU-1", pool.Lease{}); err != nil {
		t.Fatalf("CheckStock: %v", err)
	}
}

func TestCheckStockRateLimited(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "7")
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"message":"slow down"}`))
	}))

	_, err := c.CheckStock(context.Background(), "SKU-1", pool.Lease{})
	f, ok := provider.AsFault(err)
	if !ok || f.Kind != provider.FaultRateLimited {
		t.Fatalf("err = %v", err)
	}
	if f.RetryAfter != 7*time.Second {
		t.Fatalf("retryAfter = %v", f.RetryAfter)
	}
}

func TestCheckStockChallengeBeatsStatusMapping(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"captcha":true,"challengeUrl":"https://shop.example/ch"}`))
	}))

	_, err := c.CheckStock(context.Background(), "SKU-1", pool.Lease{})
	ch, ok := provider.AsChallenge(err)
	if !ok {
		t.Fatalf("期望挑战错误，得到 %v", err)
	}
	if ch.Locator != "https://shop.example/ch" {
		t.Fatalf("locator = %q", ch.Locator)
	}
}

func TestCheckStockCloudflareChallenge(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("cf-ray", "8a1b2c3d4e5f-SJC")
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte(`<html>Checking your browser: challenge in progress</html>`))
	}))

	_, err := c.CheckStock(context.Background(), "SKU-1", pool.Lease{})
	ch, ok := provider.AsChallenge(err)
	if !ok {
		t.Fatalf("期望挑战错误，得到 %v", err)
	}
	// 响应里没有定位符时退回请求 URL。
	if ch.Locator == "" {
		t.Fatal("locator 不能为空")
	}
}

func TestCheckStockAuthExpired(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))

	_, err := c.CheckStock(context.Background(), "SKU-1", pool.Lease{})
	if f, ok := provider.AsFault(err); !ok || f.Kind != provider.FaultAuthExpired {
		t.Fatalf("err = %v", err)
	}
}

func TestCheckStockNonJSONBody(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<html>WAF interstitial</html>`))
	}))

	_, err := c.CheckStock(context.Background(), "SKU-1", pool.Lease{})
	if f, ok := provider.AsFault(err); !ok || f.Kind != provider.FaultTransient {
		t.Fatalf("err = %v", err)
	}
}

func TestReserve(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/cart/add" || r.Method != http.MethodPost {
			t.Errorf("%s %s", r.Method, r.URL.Path)
		}
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"basketId":"bsk_42"}`))
	}))

	res, err := c.Reserve(context.Background(), "SKU-1", "9.5", pool.Lease{})
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if res.Ref != "bsk_42" {
		t.Fatalf("ref = %q", res.Ref)
	}
}

func TestReserveRejected(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"error":true,"message":"size unavailable"}`))
	}))

	_, err := c.Reserve(context.Background(), "SKU-1", "9.5", pool.Lease{})
	if f, ok := provider.AsFault(err); !ok || f.Kind != provider.FaultPermanent {
		t.Fatalf("err = %v", err)
	}
}

func TestReserveEmptyBodyFallsBackToItemRef(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
	}))

	res, err := c.Reserve(context.Background(), "SKU-1", "", pool.Lease{})
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if res.Ref != "cart:SKU-1" {
		t.Fatalf("ref = %q", res.Ref)
	}
}

func testProfile() *model.Profile {
	return &model.Profile{
		Name: "main", Email: "jane@example.com",
		FirstName: "Jane", LastName: "Doe",
		Address1: "1 Main St", City: "Springfield", State: "IL",
		ZipCode: "62701", Country: "US", Phone: "+13125550100",
		CardNumber: "4111111111111111", CardExp: "12/27", CardCVV: "123",
	}
}

func TestSubmitRunsStepsInOrder(t *testing.T) {
	var steps []string
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		steps = append(steps, r.URL.Path)
		if r.URL.Path == "/api/checkout/submit" {
			w.Write([]byte(`{"orderId":"ORD-777"}`))
			return
		}
		w.Write([]byte(`{"error":false}`))
	}))

	res, err := c.Submit(context.Background(), testProfile(), "bsk_42", pool.Lease{})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if res.OrderID != "ORD-777" {
		t.Fatalf("orderID = %q", res.OrderID)
	}
	want := []string{"/api/checkout/shipping", "/api/checkout/payment", "/api/checkout/submit"}
	if len(steps) != len(want) {
		t.Fatalf("steps = %v", steps)
	}
	for i := range want {
		if steps[i] != want[i] {
			t.Fatalf("steps = %v", steps)
		}
	}
}

func TestSubmitStepRejectedStopsSequence(t *testing.T) {
	var calls int
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Write([]byte(`{"error":true,"message":"invalid address"}`))
	}))

	_, err := c.Submit(context.Background(), testProfile(), "bsk_42", pool.Lease{})
	f, ok := provider.AsFault(err)
	if !ok || f.Kind != provider.FaultPermanent {
		t.Fatalf("err = %v", err)
	}
	if calls != 1 {
		t.Fatalf("calls = %d，shipping 被拒后不该继续", calls)
	}
}

func TestSubmitAcceptsAlternateOrderFields(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/checkout/submit" {
			w.Write([]byte(`{"confirmationNumber":"CNF-1"}`))
			return
		}
		w.Write([]byte(`{}`))
	}))

	res, err := c.Submit(context.Background(), testProfile(), "bsk_42", pool.Lease{})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if res.OrderID != "CNF-1" {
		t.Fatalf("orderID = %q", res.OrderID)
	}
}

func TestSubmitMissingOrderID(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	}))

	_, err := c.Submit(context.Background(), testProfile(), "bsk_42", pool.Lease{})
	if f, ok := provider.AsFault(err); !ok || f.Kind != provider.FaultPermanent {
		t.Fatalf("err = %v", err)
	}
}

func TestTransportErrorIsTransient(t *testing.T) {
	sess := &staticSession{}
	c := New(config.ShopConfig{
		BaseURL:   "http://127.0.0.1:1", // 无人监听
		TimeoutMs: 200,
	}, sess)

	_, err := c.CheckStock(context.Background(), "SKU-1", pool.Lease{})
	f, ok := provider.AsFault(err)
	if !ok || f.Kind != provider.FaultTransient {
		t.Fatalf("err = %v", err)
	}
	var ch *provider.ChallengeError
	if errors.As(err, &ch) {
		t.Fatal("传输错误不该被当成挑战")
	}
}
