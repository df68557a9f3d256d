package commands

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

// mockShop 本地联调用的假商城，端点形状和真实执行器对得上：
// 库存查询前 N 次返回无货之后翻转有货，可按需注入一次挑战。
type mockShop struct {
	mu           sync.Mutex
	polls        map[string]int
	flipAfter    int
	captchaAfter int
	served       int
}

func newMockCommand() *cobra.Command {
	var (
		addr         string
		flipAfter    int
		captchaAfter int
	)

	cmd := &cobra.Command{
		Use:   "mock",
		Short: "启动本地假商城，用于端到端联调",
		RunE: func(cmd *cobra.Command, _ []string) error {
			shop := &mockShop{
				polls:        make(map[string]int),
				flipAfter:    flipAfter,
				captchaAfter: captchaAfter,
			}

			mux := http.NewServeMux()
			mux.HandleFunc("/", shop.handleRoot)
			mux.HandleFunc("/api/product/", shop.handleStock)
			mux.HandleFunc("/api/cart/add", shop.handleCartAdd)
			mux.HandleFunc("/api/checkout/shipping", shop.handleAck)
			mux.HandleFunc("/api/checkout/payment", shop.handleAck)
			mux.HandleFunc("/api/checkout/submit", shop.handleSubmit)
			mux.HandleFunc("/api/auth/refresh", shop.handleRefresh)

			server := &http.Server{
				Addr:              addr,
				Handler:           mux,
				ReadHeaderTimeout: 10 * time.Second,
			}
			go func() {
				<-cmd.Context().Done()
				_ = server.Close()
			}()

			log.Info().Str("addr", addr).Int("flipAfter", flipAfter).Msg("假商城已启动")
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return err
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&addr, "addr", ":8091", "监听地址")
	cmd.Flags().IntVar(&flipAfter, "flip-after", 5, "第几次查询后翻转为有货")
	cmd.Flags().IntVar(&captchaAfter, "captcha-after", 0, "第几个请求注入一次挑战（0 不注入）")
	return cmd
}

func (s *mockShop) handleRoot(w http.ResponseWriter, _ *http.Request) {
	writeMockJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// maybeChallenge 到达注入点时返回一次挑战响应。
func (s *mockShop) maybeChallenge(w http.ResponseWriter) bool {
	s.mu.Lock()
	s.served++
	hit := s.captchaAfter > 0 && s.served == s.captchaAfter
	s.mu.Unlock()
	if !hit {
		return false
	}
	writeMockJSON(w, http.StatusTooManyRequests, map[string]any{
		"captcha":      true,
		"challengeUrl": "http://localhost:8091/challenge",
	})
	return true
}

func (s *mockShop) handleStock(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.maybeChallenge(w) {
		return
	}

	// /api/product/{id}/availability
	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(parts) != 4 || parts[3] != "availability" {
		http.NotFound(w, r)
		return
	}
	itemID := parts[2]

	s.mu.Lock()
	s.polls[itemID]++
	available := s.polls[itemID] > s.flipAfter
	s.mu.Unlock()

	status := "OUT_OF_STOCK"
	if available {
		status = "IN_STOCK"
	}
	writeMockJSON(w, http.StatusOK, map[string]any{
		"inventoryStatus": status,
		"availability":    map[string]any{"orderable": available},
	})
}

func (s *mockShop) handleCartAdd(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.maybeChallenge(w) {
		return
	}
	writeMockJSON(w, http.StatusCreated, map[string]any{
		"basketId": "basket_" + uuid.NewString()[:8],
	})
}

func (s *mockShop) handleAck(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.maybeChallenge(w) {
		return
	}
	writeMockJSON(w, http.StatusOK, map[string]any{"error": false})
}

func (s *mockShop) handleSubmit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.maybeChallenge(w) {
		return
	}
	writeMockJSON(w, http.StatusOK, map[string]any{
		"orderId": "MOCK-" + strings.ToUpper(uuid.NewString()[:12]),
	})
}

func (s *mockShop) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	http.SetCookie(w, &http.Cookie{Name: "auth", Value: mockAuthCookie(), Path: "/"})
	writeMockJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func mockAuthCookie() string {
	payload, _ := json.Marshal(map[string]any{
		"access_token": "mock_" + uuid.NewString(),
		"token_type":   "bearer",
		"expires_in":   604799,
	})
	return string(payload)
}

func writeMockJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
