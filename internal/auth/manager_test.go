package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/memstore"
	"github.com/gin-gonic/gin"
	"golang.org/x/crypto/bcrypt"

	"github.com/yourusername/todo-forge/internal/user"
)

type stubUserStore struct {
	byEmail map[string]*user.User
	byName  map[string]*user.User
	created []*user.User
	findErr error
	saveErr error
}

func newStubUserStore() *stubUserStore {
	return &stubUserStore{
		byEmail: make(map[string]*user.User),
		byName:  make(map[string]*user.User),
	}
}

func (s *stubUserStore) Create(ctx context.Context, u *user.User) error {
	if s.saveErr != nil {
		return s.saveErr
	}
	s.created = append(s.created, u)
	s.byEmail[u.Email] = u
	s.byName[u.Username] = u
	return nil
}

func (s *stubUserStore) FindByEmail(ctx context.Context, email string) (*user.User, error) {
	if s.findErr != nil {
		return nil, s.findErr
	}
	return s.byEmail[email], nil
}

func (s *stubUserStore) FindByUsername(ctx context.Context, username string) (*user.User, error) {
	if s.findErr != nil {
		return nil, s.findErr
	}
	return s.byName[username], nil
}

type stubRegistry struct {
	added     []string
	removed   []string
	destroyed []string
	err       error
}

func (r *stubRegistry) Add(ctx context.Context, username, sessionID string) error {
	if r.err != nil {
		return r.err
	}
	r.added = append(r.added, username)
	return nil
}

func (r *stubRegistry) Remove(ctx context.Context, username, sessionID string) error {
	r.removed = append(r.removed, username)
	return r.err
}

func (r *stubRegistry) DestroyAll(ctx context.Context, username string) (int64, error) {
	if r.err != nil {
		return 0, r.err
	}
	r.destroyed = append(r.destroyed, username)
	return int64(len(r.added)), nil
}

func newAuthRouter(m *Manager) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	store := memstore.NewStore([]byte("test-secret"))
	router.Use(sessions.Sessions(SessionCookieName, store))

	router.POST("/register", m.Register)
	router.POST("/login", m.Login)

	protected := router.Group("")
	protected.Use(m.RequireLogin())
	protected.POST("/logout", m.Logout)
	protected.POST("/logout_from_all_devices", m.LogoutAllDevices)
	protected.GET("/me", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"username": c.GetString(ContextUserKey)})
	})
	return router
}

func postForm(router http.Handler, path string, form url.Values, cookies []*http.Cookie) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	for _, ck := range cookies {
		req.AddCookie(ck)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func getPath(router http.Handler, path string, cookies []*http.Cookie) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	for _, ck := range cookies {
		req.AddCookie(ck)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func responseCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Code string `json:"code"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to decode error body %q: %v", w.Body.String(), err)
	}
	return body.Code
}

func seedUser(t *testing.T, store *stubUserStore, email, username, password string) *user.User {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("failed to hash password: %v", err)
	}
	u := &user.User{
		ID:           "user-" + username,
		Name:         username,
		Email:        email,
		Username:     username,
		PasswordHash: string(hash),
	}
	store.byEmail[email] = u
	store.byName[username] = u
	return u
}

func registerForm(name, email, username, password string) url.Values {
	return url.Values{
		"name":     {name},
		"email":    {email},
		"username": {username},
		"password": {password},
	}
}

func TestRegisterRedirectsAndHashesPassword(t *testing.T) {
	users := newStubUserStore()
	router := newAuthRouter(NewManager(users, &stubRegistry{}, bcrypt.MinCost))

	w := postForm(router, "/register", registerForm("Alice", "alice@example.com", "alice", "secret1"), nil)
	if w.Code != http.StatusSeeOther {
		t.Fatalf("unexpected status: %d body=%s", w.Code, w.Body.String())
	}
	if loc := w.Header().Get("Location"); loc != "/login" {
		t.Fatalf("unexpected redirect target: %q", loc)
	}

	if len(users.created) != 1 {
		t.Fatalf("expected one stored user, got %d", len(users.created))
	}
	stored := users.created[0]
	if stored.PasswordHash == "secret1" {
		t.Fatal("password stored in plaintext")
	}
	if err := bcrypt.CompareHashAndPassword([]byte(stored.PasswordHash), []byte("secret1")); err != nil {
		t.Fatalf("stored hash does not match password: %v", err)
	}
}

func TestRegisterPasswordBounds(t *testing.T) {
	users := newStubUserStore()
	router := newAuthRouter(NewManager(users, &stubRegistry{}, bcrypt.MinCost))

	cases := []struct {
		password string
		want     int
	}{
		{"ab", http.StatusBadRequest},
		{strings.Repeat("p", 21), http.StatusBadRequest},
		{"abc", http.StatusSeeOther},
		{strings.Repeat("p", 20), http.StatusSeeOther},
	}
	for i, tc := range cases {
		email := "user" + strings.Repeat("x", i+1) + "@example.com"
		username := "user" + strings.Repeat("x", i+1)
		w := postForm(router, "/register", registerForm("U", email, username, tc.password), nil)
		if w.Code != tc.want {
			t.Fatalf("password %q: status = %d, want %d (body=%s)", tc.password, w.Code, tc.want, w.Body.String())
		}
		if tc.want == http.StatusBadRequest && responseCode(t, w) != "INVALID_INPUT" {
			t.Fatalf("password %q: unexpected code %s", tc.password, responseCode(t, w))
		}
	}
}

func TestRegisterDuplicateEmail(t *testing.T) {
	users := newStubUserStore()
	seedUser(t, users, "alice@example.com", "alice", "secret1")
	router := newAuthRouter(NewManager(users, &stubRegistry{}, bcrypt.MinCost))

	w := postForm(router, "/register", registerForm("Bob", "alice@example.com", "bob", "secret1"), nil)
	if w.Code != http.StatusConflict {
		t.Fatalf("unexpected status: %d", w.Code)
	}
	if code := responseCode(t, w); code != "DUPLICATE_EMAIL" {
		t.Fatalf("unexpected code: %s", code)
	}
}

func TestRegisterDuplicateUsername(t *testing.T) {
	users := newStubUserStore()
	seedUser(t, users, "alice@example.com", "alice", "secret1")
	router := newAuthRouter(NewManager(users, &stubRegistry{}, bcrypt.MinCost))

	w := postForm(router, "/register", registerForm("Bob", "bob@example.com", "alice", "secret1"), nil)
	if w.Code != http.StatusConflict {
		t.Fatalf("unexpected status: %d", w.Code)
	}
	if code := responseCode(t, w); code != "DUPLICATE_USERNAME" {
		t.Fatalf("unexpected code: %s", code)
	}
}

// 挿入時にインデックスキーの競合で弾かれた場合も重複エラーとして返る。
func TestRegisterDuplicateRaceFromStore(t *testing.T) {
	users := newStubUserStore()
	users.saveErr = user.ErrDuplicateEmail
	router := newAuthRouter(NewManager(users, &stubRegistry{}, bcrypt.MinCost))

	w := postForm(router, "/register", registerForm("Alice", "alice@example.com", "alice", "secret1"), nil)
	if w.Code != http.StatusConflict {
		t.Fatalf("unexpected status: %d", w.Code)
	}
	if code := responseCode(t, w); code != "DUPLICATE_EMAIL" {
		t.Fatalf("unexpected code: %s", code)
	}
}

func TestLoginWithEmailAndWithUsername(t *testing.T) {
	users := newStubUserStore()
	seedUser(t, users, "alice@example.com", "alice", "secret1")
	registry := &stubRegistry{}
	router := newAuthRouter(NewManager(users, registry, bcrypt.MinCost))

	for _, loginID := range []string{"alice@example.com", "alice"} {
		w := postForm(router, "/login", url.Values{
			"loginId":  {loginID},
			"password": {"secret1"},
		}, nil)
		if w.Code != http.StatusSeeOther {
			t.Fatalf("loginId %q: unexpected status %d body=%s", loginID, w.Code, w.Body.String())
		}
		if loc := w.Header().Get("Location"); loc != "/dashboard" {
			t.Fatalf("loginId %q: unexpected redirect %q", loginID, loc)
		}
		if len(w.Result().Cookies()) == 0 {
			t.Fatalf("loginId %q: session cookie not set", loginID)
		}
	}

	if len(registry.added) != 2 || registry.added[0] != "alice" {
		t.Fatalf("registry not updated on login: %#v", registry.added)
	}
}

func TestLoginUserNotFound(t *testing.T) {
	router := newAuthRouter(NewManager(newStubUserStore(), &stubRegistry{}, bcrypt.MinCost))

	w := postForm(router, "/login", url.Values{
		"loginId":  {"ghost"},
		"password": {"secret1"},
	}, nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("unexpected status: %d", w.Code)
	}
	if code := responseCode(t, w); code != "USER_NOT_FOUND" {
		t.Fatalf("unexpected code: %s", code)
	}
}

func TestLoginIncorrectPassword(t *testing.T) {
	users := newStubUserStore()
	seedUser(t, users, "alice@example.com", "alice", "secret1")
	router := newAuthRouter(NewManager(users, &stubRegistry{}, bcrypt.MinCost))

	w := postForm(router, "/login", url.Values{
		"loginId":  {"alice"},
		"password": {"wrong"},
	}, nil)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("unexpected status: %d", w.Code)
	}
	if code := responseCode(t, w); code != "INCORRECT_PASSWORD" {
		t.Fatalf("unexpected code: %s", code)
	}
}

func TestRequireLoginRedirectsAnonymous(t *testing.T) {
	router := newAuthRouter(NewManager(newStubUserStore(), &stubRegistry{}, bcrypt.MinCost))

	w := getPath(router, "/me", nil)
	if w.Code != http.StatusSeeOther {
		t.Fatalf("unexpected status: %d", w.Code)
	}
	if loc := w.Header().Get("Location"); loc != "/login" {
		t.Fatalf("unexpected redirect target: %q", loc)
	}
}

func TestLoginThenAuthenticatedRequest(t *testing.T) {
	users := newStubUserStore()
	seedUser(t, users, "alice@example.com", "alice", "secret1")
	router := newAuthRouter(NewManager(users, &stubRegistry{}, bcrypt.MinCost))

	login := postForm(router, "/login", url.Values{
		"loginId":  {"alice"},
		"password": {"secret1"},
	}, nil)
	cookies := login.Result().Cookies()

	w := getPath(router, "/me", cookies)
	if w.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d body=%s", w.Code, w.Body.String())
	}
	if !strings.Contains(w.Body.String(), "alice") {
		t.Fatalf("unexpected body: %s", w.Body.String())
	}
}

func TestLogoutDestroysSession(t *testing.T) {
	users := newStubUserStore()
	seedUser(t, users, "alice@example.com", "alice", "secret1")
	registry := &stubRegistry{}
	router := newAuthRouter(NewManager(users, registry, bcrypt.MinCost))

	login := postForm(router, "/login", url.Values{
		"loginId":  {"alice"},
		"password": {"secret1"},
	}, nil)
	cookies := login.Result().Cookies()

	w := postForm(router, "/logout", nil, cookies)
	if w.Code != http.StatusSeeOther {
		t.Fatalf("unexpected status: %d body=%s", w.Code, w.Body.String())
	}
	if loc := w.Header().Get("Location"); loc != "/login" {
		t.Fatalf("unexpected redirect target: %q", loc)
	}

	// 同じクッキーでの認証付きリクエストは未ログイン扱いになる
	again := getPath(router, "/me", cookies)
	if again.Code != http.StatusSeeOther {
		t.Fatalf("session survived logout: %d body=%s", again.Code, again.Body.String())
	}
	if len(registry.removed) != 1 || registry.removed[0] != "alice" {
		t.Fatalf("registry not cleaned on logout: %#v", registry.removed)
	}
}

func TestLogoutAllDevices(t *testing.T) {
	users := newStubUserStore()
	seedUser(t, users, "alice@example.com", "alice", "secret1")
	registry := &stubRegistry{}
	router := newAuthRouter(NewManager(users, registry, bcrypt.MinCost))

	login := postForm(router, "/login", url.Values{
		"loginId":  {"alice"},
		"password": {"secret1"},
	}, nil)
	cookies := login.Result().Cookies()

	w := postForm(router, "/logout_from_all_devices", nil, cookies)
	if w.Code != http.StatusSeeOther {
		t.Fatalf("unexpected status: %d body=%s", w.Code, w.Body.String())
	}
	if len(registry.destroyed) != 1 || registry.destroyed[0] != "alice" {
		t.Fatalf("DestroyAll not invoked for username: %#v", registry.destroyed)
	}

	again := getPath(router, "/me", cookies)
	if again.Code != http.StatusSeeOther {
		t.Fatalf("caller session survived logout-all: %d", again.Code)
	}
}

// 逆引きへの登録に失敗したログインは、認証済みセッションを残さない。
// 残すと全端末ログアウトで見つけられないセッションができてしまう。
func TestLoginRegistryFailureDestroysSession(t *testing.T) {
	users := newStubUserStore()
	seedUser(t, users, "alice@example.com", "alice", "secret1")
	registry := &stubRegistry{err: context.DeadlineExceeded}
	router := newAuthRouter(NewManager(users, registry, bcrypt.MinCost))

	w := postForm(router, "/login", url.Values{
		"loginId":  {"alice"},
		"password": {"secret1"},
	}, nil)
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("unexpected status: %d", w.Code)
	}
	if code := responseCode(t, w); code != "STORE_ERROR" {
		t.Fatalf("unexpected code: %s", code)
	}

	// 返ってきたクッキーでは認証済みリクエストが通らない
	again := getPath(router, "/me", w.Result().Cookies())
	if again.Code != http.StatusSeeOther {
		t.Fatalf("session survived failed login: %d", again.Code)
	}
}

func TestLoginStoreErrorReported(t *testing.T) {
	users := newStubUserStore()
	users.findErr = context.DeadlineExceeded
	router := newAuthRouter(NewManager(users, &stubRegistry{}, bcrypt.MinCost))

	w := postForm(router, "/login", url.Values{
		"loginId":  {"alice"},
		"password": {"secret1"},
	}, nil)
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("unexpected status: %d", w.Code)
	}
	if code := responseCode(t, w); code != "STORE_ERROR" {
		t.Fatalf("unexpected code: %s", code)
	}
}
