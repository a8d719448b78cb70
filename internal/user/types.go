package user

import "time"

// User は登録済みユーザーを表します。
// パスワードは bcrypt ハッシュのみを保持し、平文は保存しません。
type User struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Email        string    `json:"email"`
	Username     string    `json:"username"`
	PasswordHash string    `json:"passwordHash"`
	CreatedAt    time.Time `json:"createdAt"`
}
