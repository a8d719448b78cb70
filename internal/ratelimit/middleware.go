package ratelimit

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
)

// Middleware はレート制限ミドルウェアを返します。
// 認証ミドルウェアの後に配置し、保存済みセッションのIDをキーとして使います。
func Middleware(gate Gate) gin.HandlerFunc {
	return func(c *gin.Context) {
		sessionID := sessions.Default(c).ID()
		if sessionID == "" {
			// ログイン時にセッションは保存済みのはずなので、ここに来るのは配線ミス
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
				"code":    "STORE_ERROR",
				"message": "セッションIDを取得できませんでした",
			})
			return
		}

		decision, err := gate.Acquire(c.Request.Context(), sessionID, time.Now())
		if err != nil {
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
				"code":    "STORE_ERROR",
				"message": "アクセス記録の保存に失敗しました",
			})
			return
		}

		if !decision.Allowed {
			retryAfter := int64(decision.RetryAfter.Seconds())
			if retryAfter < 1 {
				retryAfter = 1
			}
			c.Header("Retry-After", strconv.FormatInt(retryAfter, 10))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"code":    "RATE_LIMITED",
				"message": "リクエストが多すぎます。しばらく待ってから再度お試しください",
			})
			return
		}

		c.Next()
	}
}
