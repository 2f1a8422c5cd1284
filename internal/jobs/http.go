package jobs

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/yourusername/doc-forge/internal/convert"
	"github.com/yourusername/doc-forge/internal/source"
)

// OwnerIDKey は認証ミドルウェアが所有者IDを格納する gin コンテキストキーです。
const OwnerIDKey = "ownerId"

// RegisterRoutes は変換ジョブAPIのルートを登録します。
func RegisterRoutes(group *gin.RouterGroup, svc *Service) {
	group.POST("/convert", SubmitHandler(svc))
	group.GET("/jobs", ListJobsHandler(svc))
	group.GET("/jobs/:id", StatusHandler(svc))
	group.GET("/jobs/:id/result", ResultHandler(svc))
	group.GET("/jobs/:id/pages", PagesHandler(svc))
	group.GET("/jobs/:id/pages/:page", PageResultHandler(svc))
	group.POST("/jobs/:id/pages/:page/retry", RetryPageHandler(svc))
	group.DELETE("/jobs/:id", DeleteJobHandler(svc))
	group.GET("/search", SearchHandler(svc))
}

// SubmitHandler は POST /api/convert のハンドラーを返します。
// source_type=file ならmultipartのファイル、source_type=url なら source
// フィールドのURLを変換対象にします。
func SubmitHandler(svc *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		sourceType := source.Type(c.DefaultPostForm("source_type", "file"))

		req := &SubmitRequest{
			OwnerID:     ownerFrom(c),
			SourceType:  sourceType,
			CallbackURL: c.PostForm("callback_url"),
			Options: convert.Options{
				EnableOCR:      c.PostForm("enable_ocr") == "true",
				TableStructure: c.PostForm("table_structure") != "false",
			},
		}

		switch sourceType {
		case source.TypeFile:
			fileHeader, err := c.FormFile("file")
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{
					"code":    "VALIDATION",
					"message": "multipart/form-data でファイルを送信してください。",
				})
				return
			}
			file, err := fileHeader.Open()
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{
					"code":    "VALIDATION",
					"message": "アップロードされたファイルを読み取れません。",
				})
				return
			}
			defer file.Close()
			req.Filename = fileHeader.Filename
			req.File = file

			created, err := svc.SubmitConversion(c.Request.Context(), req)
			if err != nil {
				respondWithError(c, err)
				return
			}
			c.JSON(http.StatusAccepted, gin.H{
				"jobId":  created.ID,
				"status": created.Status,
			})
		case source.TypeURL:
			req.URL = c.PostForm("source")
			created, err := svc.SubmitConversion(c.Request.Context(), req)
			if err != nil {
				respondWithError(c, err)
				return
			}
			c.JSON(http.StatusAccepted, gin.H{
				"jobId":  created.ID,
				"status": created.Status,
			})
		default:
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    "VALIDATION",
				"message": "source_type は file または url を指定してください。",
			})
		}
	}
}

// StatusHandler は GET /api/jobs/:id のハンドラーを返します。
func StatusHandler(svc *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		view, err := svc.GetStatus(c.Request.Context(), c.Param("id"), ownerFrom(c))
		if err != nil {
			respondWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, view)
	}
}

// ResultHandler は GET /api/jobs/:id/result のハンドラーを返します。
func ResultHandler(svc *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		view, err := svc.GetResult(c.Request.Context(), c.Param("id"), ownerFrom(c))
		if err != nil {
			respondWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, view)
	}
}

// PagesHandler は GET /api/jobs/:id/pages のハンドラーを返します。
func PagesHandler(svc *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		pages, err := svc.ListPages(c.Request.Context(), c.Param("id"), ownerFrom(c))
		if err != nil {
			respondWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"pages": pages})
	}
}

// PageResultHandler は GET /api/jobs/:id/pages/:page のハンドラーを返します。
func PageResultHandler(svc *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		pageNumber, ok := pageParam(c)
		if !ok {
			return
		}
		markdown, err := svc.GetPageResult(c.Request.Context(), c.Param("id"), ownerFrom(c), pageNumber)
		if err != nil {
			respondWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"jobId":      c.Param("id"),
			"pageNumber": pageNumber,
			"markdown":   markdown,
		})
	}
}

// RetryPageHandler は POST /api/jobs/:id/pages/:page/retry のハンドラーを返します。
func RetryPageHandler(svc *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		pageNumber, ok := pageParam(c)
		if !ok {
			return
		}
		pageJobID, err := svc.RetryPage(c.Request.Context(), c.Param("id"), ownerFrom(c), pageNumber)
		if err != nil {
			respondWithError(c, err)
			return
		}
		c.JSON(http.StatusAccepted, gin.H{
			"jobId":      c.Param("id"),
			"pageNumber": pageNumber,
			"pageJobId":  pageJobID,
		})
	}
}

// DeleteJobHandler は DELETE /api/jobs/:id のハンドラーを返します。
func DeleteJobHandler(svc *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := svc.DeleteJob(c.Request.Context(), c.Param("id"), ownerFrom(c)); err != nil {
			respondWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"deleted": true})
	}
}

// ListJobsHandler は GET /api/jobs のハンドラーを返します。
func ListJobsHandler(svc *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
		offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
		list, err := svc.ListJobs(c.Request.Context(), ownerFrom(c), limit, offset)
		if err != nil {
			respondWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"jobs": list})
	}
}

// SearchHandler は GET /api/search のハンドラーを返します。
func SearchHandler(svc *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		limit, _ := strconv.Atoi(c.DefaultQuery("limit", "10"))
		hits, err := svc.SearchJobs(c.Request.Context(), ownerFrom(c), c.Query("q"), limit)
		if err != nil {
			respondWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"results": hits})
	}
}

func ownerFrom(c *gin.Context) string {
	return c.GetString(OwnerIDKey)
}

func pageParam(c *gin.Context) (int, bool) {
	pageNumber, err := strconv.Atoi(c.Param("page"))
	if err != nil || pageNumber < 1 {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":    "VALIDATION",
			"message": "ページ番号は1以上の整数を指定してください。",
		})
		return 0, false
	}
	return pageNumber, true
}

func respondWithError(c *gin.Context, err error) {
	var apiErr *Error
	switch {
	case errors.As(err, &apiErr):
		status := http.StatusBadRequest
		switch apiErr.Code {
		case "NOT_FOUND":
			status = http.StatusNotFound
		case "PRECONDITION", "NOT_READY":
			status = http.StatusConflict
		case "LIMIT_EXCEEDED":
			status = http.StatusRequestEntityTooLarge
		case "INTERNAL_ERROR":
			status = http.StatusInternalServerError
		}
		c.JSON(status, gin.H{
			"code":    apiErr.Code,
			"message": apiErr.Message,
		})
	case errors.Is(err, context.Canceled):
		c.JSON(http.StatusRequestTimeout, gin.H{
			"code":    "REQUEST_CANCELED",
			"message": "リクエストがキャンセルされました。",
		})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":    "INTERNAL_ERROR",
			"message": "サーバー内部でエラーが発生しました。",
		})
	}
}
