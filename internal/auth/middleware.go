package auth

import (
	"net/http"

	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
)

// RequireLogin はセッションを検証するミドルウェアを返します。
// 未ログインの場合はエラーを返さず、ログイン画面へリダイレクトします。
func (m *Manager) RequireLogin() gin.HandlerFunc {
	return func(c *gin.Context) {
		session := sessions.Default(c)

		isAuth, _ := session.Get(sessionKeyIsAuth).(bool)
		username, _ := session.Get(sessionKeyUsername).(string)
		if !isAuth || username == "" {
			c.Redirect(http.StatusSeeOther, "/login")
			c.Abort()
			return
		}

		c.Set(ContextUserKey, username)
		if userID, ok := session.Get(sessionKeyUserID).(string); ok {
			c.Set(ContextUserIDKey, userID)
		}
		c.Next()
	}
}
