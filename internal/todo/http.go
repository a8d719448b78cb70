package todo

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"unicode/utf8"

	"github.com/gabriel-vasile/mimetype"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/yourusername/todo-forge/internal/auth"
)

const (
	textMinLength = 3
	textMaxLength = 500
)

// Repository は TODO の検索と保存を提供します。
type Repository interface {
	Create(ctx context.Context, t *Todo) error
	Get(ctx context.Context, id string) (*Todo, error)
	ListByUsername(ctx context.Context, username string) ([]*Todo, error)
	Update(ctx context.Context, t *Todo) error
	Delete(ctx context.Context, t *Todo) error
}

// HandlerOptions はTODOハンドラーの設定です。
type HandlerOptions struct {
	MaxImageBytes int64 // 添付画像の最大サイズ（バイト）
}

// CreateHandler は POST /create-item のハンドラーを返します。
// テキストと画像の少なくとも一方が必要です。
func CreateHandler(repo Repository, opts HandlerOptions) gin.HandlerFunc {
	return func(c *gin.Context) {
		username := c.GetString(auth.ContextUserKey)

		text := strings.TrimSpace(c.PostForm("todo"))

		image, err := extractImage(c, opts.MaxImageBytes)
		if err != nil {
			respondWithError(c, err)
			return
		}

		if text == "" && image == nil {
			respondWithError(c, newError("INVALID_INPUT",
				"todo テキストか画像のどちらかを指定してください", nil))
			return
		}
		if text != "" {
			if err := validateText(text); err != nil {
				respondWithError(c, err)
				return
			}
		}

		item := &Todo{
			ID:       uuid.NewString(),
			Text:     text,
			Username: username,
			Image:    image,
		}
		if err := repo.Create(c.Request.Context(), item); err != nil {
			respondWithError(c, err)
			return
		}

		c.JSON(http.StatusCreated, gin.H{
			"id":       item.ID,
			"todo":     item.Text,
			"hasImage": item.HasImage(),
		})
	}
}

// ListHandler は GET /read-item のハンドラーを返します。
// 該当がない場合も成功として空のリストを返します。
func ListHandler(repo Repository) gin.HandlerFunc {
	return func(c *gin.Context) {
		username := c.GetString(auth.ContextUserKey)

		todos, err := repo.ListByUsername(c.Request.Context(), username)
		if err != nil {
			respondWithError(c, err)
			return
		}

		items := make([]gin.H, 0, len(todos))
		for _, t := range todos {
			item := gin.H{
				"id":       t.ID,
				"todo":     t.Text,
				"hasImage": t.HasImage(),
			}
			if t.HasImage() {
				item["imageUrl"] = "/download-image/" + t.ID
			}
			items = append(items, item)
		}

		c.JSON(http.StatusOK, gin.H{"data": items})
	}
}

// DownloadImageHandler は GET /download-image/:id のハンドラーを返します。
func DownloadImageHandler(repo Repository) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := strings.TrimSpace(c.Param("id"))
		if id == "" {
			respondWithError(c, newError("INVALID_INPUT", "id を指定してください", nil))
			return
		}

		item, err := repo.Get(c.Request.Context(), id)
		if err != nil {
			respondWithError(c, err)
			return
		}
		if item == nil || !item.HasImage() {
			respondWithError(c, newError("TODO_NOT_FOUND",
				"指定されたTODOに画像がありません", nil))
			return
		}

		filename := "todo-" + item.ID + mimetype.Detect(item.Image.Data).Extension()
		c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
		c.Header("Cache-Control", "no-store")
		c.Data(http.StatusOK, item.Image.ContentType, item.Image.Data)
	}
}

type editRequest struct {
	ID      string `form:"id" json:"id"`
	NewData string `form:"newData" json:"newData"`
}

// EditHandler は POST /edit-item のハンドラーを返します。
// 所有者のみがテキストを差し替えられます。
func EditHandler(repo Repository) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req editRequest
		if err := c.ShouldBind(&req); err != nil || req.ID == "" {
			respondWithError(c, newError("INVALID_INPUT", "id と newData を指定してください", nil))
			return
		}

		newText := strings.TrimSpace(req.NewData)
		if err := validateText(newText); err != nil {
			respondWithError(c, err)
			return
		}

		item, ok := loadOwnedTodo(c, repo, req.ID)
		if !ok {
			return
		}

		item.Text = newText
		if err := repo.Update(c.Request.Context(), item); err != nil {
			respondWithError(c, err)
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"id":       item.ID,
			"todo":     item.Text,
			"hasImage": item.HasImage(),
		})
	}
}

type deleteRequest struct {
	ID string `form:"id" json:"id"`
}

// DeleteHandler は POST /delete-item のハンドラーを返します。
func DeleteHandler(repo Repository) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req deleteRequest
		if err := c.ShouldBind(&req); err != nil || req.ID == "" {
			respondWithError(c, newError("INVALID_INPUT", "id を指定してください", nil))
			return
		}

		item, ok := loadOwnedTodo(c, repo, req.ID)
		if !ok {
			return
		}

		if err := repo.Delete(c.Request.Context(), item); err != nil {
			respondWithError(c, err)
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"id":      item.ID,
			"message": "TODOを削除しました",
		})
	}
}

// loadOwnedTodo は所有権の確認込みで TODO を読み込みます。
// 失敗時はレスポンスを書き込んだ上で ok=false を返します。
func loadOwnedTodo(c *gin.Context, repo Repository, id string) (*Todo, bool) {
	item, err := repo.Get(c.Request.Context(), id)
	if err != nil {
		respondWithError(c, err)
		return nil, false
	}
	if item == nil {
		respondWithError(c, newError("TODO_NOT_FOUND", "TODOが見つかりません", nil))
		return nil, false
	}
	if item.Username != c.GetString(auth.ContextUserKey) {
		respondWithError(c, newError("FORBIDDEN", "このTODOを操作する権限がありません", nil))
		return nil, false
	}
	return item, true
}

func validateText(text string) error {
	length := utf8.RuneCountInString(text)
	if length < textMinLength || length > textMaxLength {
		return newError("INVALID_INPUT", "todo テキストは3〜500文字で指定してください", nil)
	}
	return nil
}

// extractImage はマルチパートの image フィールドを読み取ります。
// フィールドがない場合は (nil, nil) を返します。
func extractImage(c *gin.Context, maxBytes int64) (*Image, error) {
	fileHeader, err := c.FormFile("image")
	if err != nil {
		// 画像なしは正常系
		return nil, nil
	}

	if maxBytes > 0 && fileHeader.Size > maxBytes {
		return nil, newError("IMAGE_TOO_LARGE",
			fmt.Sprintf("画像サイズの上限は %d バイトです", maxBytes), nil)
	}

	file, err := fileHeader.Open()
	if err != nil {
		return nil, fmt.Errorf("アップロードファイルを開けませんでした: %w", err)
	}
	defer file.Close()

	reader := io.Reader(file)
	if maxBytes > 0 {
		reader = io.LimitReader(file, maxBytes+1)
	}
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("アップロードファイルの読み込みに失敗しました: %w", err)
	}
	if maxBytes > 0 && int64(len(data)) > maxBytes {
		return nil, newError("IMAGE_TOO_LARGE",
			fmt.Sprintf("画像サイズの上限は %d バイトです", maxBytes), nil)
	}

	contentType := fileHeader.Header.Get("Content-Type")
	if contentType == "" || contentType == "application/octet-stream" {
		contentType = mimetype.Detect(data).String()
	}

	return &Image{Data: data, ContentType: contentType}, nil
}
