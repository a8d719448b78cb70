package auth

import (
	"errors"
	"net/mail"
	"unicode/utf8"
)

const (
	usernameMinLength = 3
	usernameMaxLength = 20
	passwordMinLength = 3
	passwordMaxLength = 20
)

// ValidateRegistration は登録入力の形式を検証する純粋関数です。
// ルールは固定順（必須 → ユーザー名長 → パスワード長 → メール形式）で評価し、
// 最初に失敗したルールのエラーを返します。
func ValidateRegistration(name, email, username, password string) error {
	if name == "" || email == "" || username == "" || password == "" {
		return errors.New("名前・メールアドレス・ユーザー名・パスワードは全て必須です")
	}
	if n := utf8.RuneCountInString(username); n < usernameMinLength || n > usernameMaxLength {
		return errors.New("ユーザー名は3〜20文字で指定してください")
	}
	if n := utf8.RuneCountInString(password); n < passwordMinLength || n > passwordMaxLength {
		return errors.New("パスワードは3〜20文字で指定してください")
	}
	if !IsEmail(email) {
		return errors.New("メールアドレスの形式が正しくありません")
	}
	return nil
}

// IsEmail はメールアドレス形式かどうかを判定します。
// ログインIDの振り分け（メール or ユーザー名）にも使います。
func IsEmail(s string) bool {
	addr, err := mail.ParseAddress(s)
	if err != nil {
		return false
	}
	// 表示名付き（"name <a@b>"）は不可とし、アドレス単体のみ許可する
	return addr.Address == s
}
