package auth

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
)

// RequireKey はAPIキーを検証するミドルウェアを返します。検証に成功すると
// 所有者IDを contextKey で gin のコンテキストに格納します。
// 失敗の続くIPは一定時間ロックします。
func (m *Manager) RequireKey(contextKey string) gin.HandlerFunc {
	return func(c *gin.Context) {
		ip := c.ClientIP()
		if retryAfter := m.checkLock(ip); retryAfter > 0 {
			c.Header("Retry-After", strconv.FormatInt(int64(retryAfter.Seconds()), 10))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"code":    "TOO_MANY_ATTEMPTS",
				"message": "一定時間後に再度お試しください",
			})
			return
		}

		token := tokenFromRequest(c)
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"code":    "UNAUTHORIZED",
				"message": "APIキーが必要です",
			})
			return
		}

		ownerID, err := m.Verify(c.Request.Context(), token)
		if err != nil {
			if errors.Is(err, ErrInvalidKey) {
				m.recordFailure(ip)
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
					"code":    "INVALID_API_KEY",
					"message": "APIキーが正しくありません",
				})
				return
			}
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
				"code":    "INTERNAL_ERROR",
				"message": "認証処理に失敗しました",
			})
			return
		}

		m.resetAttempts(ip)
		c.Set(contextKey, ownerID)
		c.Next()
	}
}

// RequireAdmin は管理キーを検証するミドルウェアを返します。
func (m *Manager) RequireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		if m.adminKey == "" {
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{
				"code":    "SERVER_MISCONFIGURATION",
				"message": "管理キーが設定されていません",
			})
			return
		}
		if err := m.VerifyAdmin(c.GetHeader(HeaderAdminKey)); err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"code":    "UNAUTHORIZED",
				"message": "管理キーが正しくありません",
			})
			return
		}
		c.Next()
	}
}

// tokenFromRequest は X-API-Key ヘッダー、なければ Authorization: Bearer
// からトークンを取り出します。
func tokenFromRequest(c *gin.Context) string {
	if token := c.GetHeader(HeaderAPIKey); token != "" {
		return token
	}
	authz := c.GetHeader("Authorization")
	if rest, ok := strings.CutPrefix(authz, "Bearer "); ok {
		return rest
	}
	return ""
}
