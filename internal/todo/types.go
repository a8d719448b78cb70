package todo

import "time"

// Image は TODO に添付された画像です。バイト列はそのまま保存し、変換は行いません。
type Image struct {
	Data        []byte `json:"data"`
	ContentType string `json:"contentType"`
}

// Todo は1件のTODOを表します。
// 所有者は作成時のユーザー名で決まり、以後変更されません。
type Todo struct {
	ID        string    `json:"id"`
	Text      string    `json:"todo"`
	Username  string    `json:"username"`
	Image     *Image    `json:"image,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// HasImage は画像が添付されているかを返します。
func (t *Todo) HasImage() bool {
	return t.Image != nil && len(t.Image.Data) > 0
}
