package auth

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/yourusername/doc-forge/internal/records"
)

// RegisterKeyRoutes はAPIキー管理のルートを登録します。呼び出し側で
// RequireAdmin を挟んでください。
func RegisterKeyRoutes(group *gin.RouterGroup, m *Manager) {
	group.POST("/keys", IssueKeyHandler(m))
	group.GET("/keys", ListKeysHandler(m))
	group.DELETE("/keys/:id", RevokeKeyHandler(m))
}

type issueKeyRequest struct {
	OwnerID string `json:"ownerId" binding:"required"`
	Name    string `json:"name"`
}

type keyView struct {
	ID         string     `json:"id"`
	OwnerID    string     `json:"ownerId"`
	Name       string     `json:"name,omitempty"`
	IsActive   bool       `json:"isActive"`
	CreatedAt  time.Time  `json:"createdAt"`
	LastUsedAt *time.Time `json:"lastUsedAt,omitempty"`
}

func viewOf(k *records.APIKey) keyView {
	v := keyView{
		ID:        k.ID,
		OwnerID:   k.OwnerID,
		Name:      k.Name,
		IsActive:  k.IsActive,
		CreatedAt: k.CreatedAt,
	}
	if !k.LastUsedAt.IsZero() {
		lastUsed := k.LastUsedAt
		v.LastUsedAt = &lastUsed
	}
	return v
}

// IssueKeyHandler は POST /admin/keys のハンドラーを返します。
// 応答の apiKey はこの一度しか返しません。
func IssueKeyHandler(m *Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req issueKeyRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    "INVALID_INPUT",
				"message": "ownerId を JSON で送ってください",
			})
			return
		}

		token, key, err := m.IssueKey(c.Request.Context(), req.OwnerID, req.Name)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{
				"code":    "INTERNAL_ERROR",
				"message": "APIキーの発行に失敗しました",
			})
			return
		}

		c.JSON(http.StatusCreated, gin.H{
			"apiKey": token,
			"key":    viewOf(key),
		})
	}
}

// ListKeysHandler は GET /admin/keys?owner_id= のハンドラーを返します。
func ListKeysHandler(m *Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		ownerID := c.Query("owner_id")
		if ownerID == "" {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    "INVALID_INPUT",
				"message": "owner_id を指定してください",
			})
			return
		}

		keys, err := m.keys.ListByOwner(c.Request.Context(), ownerID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{
				"code":    "INTERNAL_ERROR",
				"message": "APIキー一覧の取得に失敗しました",
			})
			return
		}

		views := make([]keyView, 0, len(keys))
		for _, k := range keys {
			views = append(views, viewOf(k))
		}
		c.JSON(http.StatusOK, gin.H{"keys": views})
	}
}

// RevokeKeyHandler は DELETE /admin/keys/:id のハンドラーを返します。
func RevokeKeyHandler(m *Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		ok, err := m.RevokeKey(c.Request.Context(), c.Param("id"))
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{
				"code":    "INTERNAL_ERROR",
				"message": "APIキーの無効化に失敗しました",
			})
			return
		}
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{
				"code":    "NOT_FOUND",
				"message": "APIキーが見つかりません",
			})
			return
		}
		c.Status(http.StatusNoContent)
	}
}
