package auth

import (
	"context"
	"net/http"
	"net/url"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-contrib/sessions"
	sessionsredis "github.com/gin-contrib/sessions/redis"
	"github.com/gin-gonic/gin"
	goredis "github.com/redis/go-redis/v9"
	"golang.org/x/crypto/bcrypt"

	"github.com/yourusername/todo-forge/internal/session"
)

const testSessionKeyPrefix = "sess:"

// newRedisAuthRouter は本物のセッションストアとレジストリを miniredis 上に組みます。
// スタブでは見えない「sess:<id> キーの削除で他端末が落ちる」経路を通すために使います。
func newRedisAuthRouter(t *testing.T, users *stubUserStore) (*gin.Engine, *goredis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	registry := session.NewRegistry(rdb, testSessionKeyPrefix, time.Hour)
	m := NewManager(users, registry, bcrypt.MinCost)

	store, err := sessionsredis.NewStore(10, "tcp", mr.Addr(), "", "", []byte("test-secret"))
	if err != nil {
		t.Fatalf("failed to create session store: %v", err)
	}
	if err := sessionsredis.SetKeyPrefix(store, testSessionKeyPrefix); err != nil {
		t.Fatalf("failed to set session key prefix: %v", err)
	}

	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(sessions.Sessions(SessionCookieName, store))
	router.POST("/login", m.Login)

	protected := router.Group("")
	protected.Use(m.RequireLogin())
	protected.POST("/logout_from_all_devices", m.LogoutAllDevices)
	protected.GET("/me", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"username": c.GetString(ContextUserKey)})
	})
	return router, rdb
}

// 片方の端末からの全端末ログアウトで、もう片方の端末のセッションも無効になる。
func TestLogoutAllDevicesKillsConcurrentSessions(t *testing.T) {
	users := newStubUserStore()
	seedUser(t, users, "alice@example.com", "alice", "secret1")
	router, rdb := newRedisAuthRouter(t, users)

	login := func(label string) []*http.Cookie {
		w := postForm(router, "/login", url.Values{
			"loginId":  {"alice"},
			"password": {"secret1"},
		}, nil)
		if w.Code != http.StatusSeeOther {
			t.Fatalf("%s: login status = %d body=%s", label, w.Code, w.Body.String())
		}
		return w.Result().Cookies()
	}
	first := login("first device")
	second := login("second device")

	for _, cookies := range [][]*http.Cookie{first, second} {
		if w := getPath(router, "/me", cookies); w.Code != http.StatusOK {
			t.Fatalf("authenticated request failed before logout-all: %d", w.Code)
		}
	}

	ctx := context.Background()
	keys, err := rdb.Keys(ctx, testSessionKeyPrefix+"*").Result()
	if err != nil || len(keys) != 2 {
		t.Fatalf("session keys before logout-all = (%v, %v), want 2 keys", keys, err)
	}

	if w := postForm(router, "/logout_from_all_devices", nil, first); w.Code != http.StatusSeeOther {
		t.Fatalf("logout-all status = %d body=%s", w.Code, w.Body.String())
	}

	keys, err = rdb.Keys(ctx, testSessionKeyPrefix+"*").Result()
	if err != nil || len(keys) != 0 {
		t.Fatalf("session keys after logout-all = (%v, %v), want none", keys, err)
	}

	// もう片方の端末は未ログイン扱いに戻る
	if w := getPath(router, "/me", second); w.Code != http.StatusSeeOther {
		t.Fatalf("concurrent session survived logout-all: %d", w.Code)
	}
}
