// Package auth は登録・ログイン・セッション管理を提供します。
package auth

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/yourusername/todo-forge/internal/user"
)

const (
	SessionCookieName  = "tf_session"
	sessionKeyIsAuth   = "is_auth"
	sessionKeyUserID   = "user_id"
	sessionKeyEmail    = "email"
	sessionKeyUsername = "username"
)

// ContextUserKey は、ハンドラー間でログイン済みユーザー名を共有するためのキーです。
const ContextUserKey = "auth.user"

// ContextUserIDKey は、ログイン済みユーザーIDを共有するためのキーです。
const ContextUserIDKey = "auth.user_id"

// UserStore はユーザーの検索と保存を提供します。
type UserStore interface {
	Create(ctx context.Context, u *user.User) error
	FindByEmail(ctx context.Context, email string) (*user.User, error)
	FindByUsername(ctx context.Context, username string) (*user.User, error)
}

// SessionRegistry はユーザー名とセッションIDの対応を管理します。
type SessionRegistry interface {
	Add(ctx context.Context, username, sessionID string) error
	Remove(ctx context.Context, username, sessionID string) error
	DestroyAll(ctx context.Context, username string) (int64, error)
}

// Manager は認証処理をまとめた構造体です。
type Manager struct {
	users      UserStore
	registry   SessionRegistry
	bcryptCost int
}

// NewManager は認証マネージャーを作成します。
func NewManager(users UserStore, registry SessionRegistry, bcryptCost int) *Manager {
	if bcryptCost < bcrypt.MinCost || bcryptCost > bcrypt.MaxCost {
		bcryptCost = bcrypt.DefaultCost
	}
	return &Manager{
		users:      users,
		registry:   registry,
		bcryptCost: bcryptCost,
	}
}

type registerRequest struct {
	Name     string `form:"name" json:"name"`
	Email    string `form:"email" json:"email"`
	Username string `form:"username" json:"username"`
	Password string `form:"password" json:"password"`
}

// Register は POST /register のハンドラーです。
// 成功してもログイン状態にはせず、ログイン画面へリダイレクトします。
func (m *Manager) Register(c *gin.Context) {
	var req registerRequest
	if err := c.ShouldBind(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":    "INVALID_INPUT",
			"message": "リクエストボディを読み取れませんでした",
		})
		return
	}

	if err := ValidateRegistration(req.Name, req.Email, req.Username, req.Password); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":    "INVALID_INPUT",
			"message": err.Error(),
		})
		return
	}

	ctx := c.Request.Context()

	// 登録前の重複確認。挿入側のインデックスキーでも保証されるため、
	// ここでの確認はエラー内容を分けるためのもの
	existing, err := m.users.FindByEmail(ctx, req.Email)
	if err != nil {
		respondStoreError(c)
		return
	}
	if existing != nil {
		c.JSON(http.StatusConflict, gin.H{
			"code":    "DUPLICATE_EMAIL",
			"message": "このメールアドレスは既に登録されています",
		})
		return
	}

	existing, err = m.users.FindByUsername(ctx, req.Username)
	if err != nil {
		respondStoreError(c)
		return
	}
	if existing != nil {
		c.JSON(http.StatusConflict, gin.H{
			"code":    "DUPLICATE_USERNAME",
			"message": "このユーザー名は既に使われています",
		})
		return
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), m.bcryptCost)
	if err != nil {
		respondStoreError(c)
		return
	}

	newUser := &user.User{
		ID:           uuid.NewString(),
		Name:         req.Name,
		Email:        req.Email,
		Username:     req.Username,
		PasswordHash: string(hash),
		CreatedAt:    time.Now().UTC(),
	}

	if err := m.users.Create(ctx, newUser); err != nil {
		switch {
		case errors.Is(err, user.ErrDuplicateEmail):
			c.JSON(http.StatusConflict, gin.H{
				"code":    "DUPLICATE_EMAIL",
				"message": "このメールアドレスは既に登録されています",
			})
		case errors.Is(err, user.ErrDuplicateUsername):
			c.JSON(http.StatusConflict, gin.H{
				"code":    "DUPLICATE_USERNAME",
				"message": "このユーザー名は既に使われています",
			})
		default:
			respondStoreError(c)
		}
		return
	}

	c.Redirect(http.StatusSeeOther, "/login")
}

type loginRequest struct {
	LoginID  string `form:"loginId" json:"loginId"`
	Password string `form:"password" json:"password"`
}

// Login は POST /login のハンドラーです。
// loginId はメールアドレスまたはユーザー名のどちらでも受け付けます。
func (m *Manager) Login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBind(&req); err != nil || req.LoginID == "" || req.Password == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":    "INVALID_INPUT",
			"message": "loginId と password を指定してください",
		})
		return
	}

	ctx := c.Request.Context()

	var (
		found *user.User
		err   error
	)
	if IsEmail(req.LoginID) {
		found, err = m.users.FindByEmail(ctx, req.LoginID)
	} else {
		found, err = m.users.FindByUsername(ctx, req.LoginID)
	}
	if err != nil {
		respondStoreError(c)
		return
	}
	if found == nil {
		c.JSON(http.StatusNotFound, gin.H{
			"code":    "USER_NOT_FOUND",
			"message": "ユーザーが見つかりません。先に登録してください",
		})
		return
	}

	if bcrypt.CompareHashAndPassword([]byte(found.PasswordHash), []byte(req.Password)) != nil {
		c.JSON(http.StatusUnauthorized, gin.H{
			"code":    "INCORRECT_PASSWORD",
			"message": "パスワードが正しくありません",
		})
		return
	}

	session := sessions.Default(c)
	session.Set(sessionKeyIsAuth, true)
	session.Set(sessionKeyUserID, found.ID)
	session.Set(sessionKeyEmail, found.Email)
	session.Set(sessionKeyUsername, found.Username)

	if err := session.Save(); err != nil {
		respondStoreError(c)
		return
	}

	// 全端末ログアウトのためにセッションIDを逆引きに登録する。
	// 逆引きに載らないセッションは全端末ログアウトから漏れるため、
	// 登録できなかったら保存済みのセッションごと破棄する
	if err := m.registry.Add(ctx, found.Username, session.ID()); err != nil {
		session.Clear()
		session.Options(sessions.Options{Path: "/", MaxAge: -1})
		_ = session.Save()
		respondStoreError(c)
		return
	}

	c.Redirect(http.StatusSeeOther, "/dashboard")
}

// Logout は POST /logout のハンドラーです。現在のセッションだけを破棄します。
func (m *Manager) Logout(c *gin.Context) {
	session := sessions.Default(c)
	username, _ := session.Get(sessionKeyUsername).(string)
	sessionID := session.ID()

	session.Clear()
	session.Options(sessions.Options{Path: "/", MaxAge: -1})
	if err := session.Save(); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":    "LOGOUT_FAILED",
			"message": "ログアウトに失敗しました",
		})
		return
	}

	// 逆引きの掃除は失敗しても実害がない（定期タスクが間引く）
	if username != "" && sessionID != "" {
		_ = m.registry.Remove(c.Request.Context(), username, sessionID)
	}

	c.Redirect(http.StatusSeeOther, "/login")
}

// LogoutAllDevices は POST /logout_from_all_devices のハンドラーです。
// 同じユーザー名の全セッションを破棄します。該当0件でも成功扱いです。
func (m *Manager) LogoutAllDevices(c *gin.Context) {
	session := sessions.Default(c)
	username, _ := session.Get(sessionKeyUsername).(string)

	if _, err := m.registry.DestroyAll(c.Request.Context(), username); err != nil {
		respondStoreError(c)
		return
	}

	// ストア側の記録は消えているので、あとはクッキーを無効化するだけ
	session.Clear()
	session.Options(sessions.Options{Path: "/", MaxAge: -1})
	_ = session.Save()

	c.Redirect(http.StatusSeeOther, "/login")
}

func respondStoreError(c *gin.Context) {
	c.JSON(http.StatusInternalServerError, gin.H{
		"code":    "STORE_ERROR",
		"message": "ストアへのアクセスに失敗しました",
	})
}
