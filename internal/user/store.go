// Package user はユーザーの永続化を提供します。
package user

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	userKeyPrefix    = "user:id:"
	emailIndexPrefix = "user:email:"
	nameIndexPrefix  = "user:name:"
)

var (
	// ErrDuplicateEmail は同じメールアドレスが登録済みの場合に返されます。
	ErrDuplicateEmail = errors.New("email already registered")
	// ErrDuplicateUsername は同じユーザー名が登録済みの場合に返されます。
	ErrDuplicateUsername = errors.New("username already registered")
)

// Store はユーザー情報を Redis に保存します。
// email と username の一意性はインデックスキーの SETNX で保証します。
type Store struct {
	rdb *redis.Client
}

// NewStore は Store を作成します。
func NewStore(rdb *redis.Client) *Store {
	return &Store{rdb: rdb}
}

// Create はユーザーを新規保存します。
// email または username が既に使われている場合は ErrDuplicate* を返します。
func (s *Store) Create(ctx context.Context, u *User) error {
	if u == nil {
		return fmt.Errorf("user is nil")
	}
	if u.ID == "" {
		return fmt.Errorf("user.ID is required")
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}

	payload, err := json.Marshal(u)
	if err != nil {
		return err
	}

	// インデックスキーを先に押さえる。競合した登録はここで弾かれる
	claimed, err := s.rdb.SetNX(ctx, emailIndexPrefix+u.Email, u.ID, 0).Result()
	if err != nil {
		return err
	}
	if !claimed {
		return ErrDuplicateEmail
	}

	claimed, err = s.rdb.SetNX(ctx, nameIndexPrefix+u.Username, u.ID, 0).Result()
	if err != nil {
		s.rdb.Del(context.WithoutCancel(ctx), emailIndexPrefix+u.Email)
		return err
	}
	if !claimed {
		s.rdb.Del(context.WithoutCancel(ctx), emailIndexPrefix+u.Email)
		return ErrDuplicateUsername
	}

	if err := s.rdb.Set(ctx, userKeyPrefix+u.ID, payload, 0).Err(); err != nil {
		// 本体が書けなかったら押さえたインデックスを返上する。
		// 残ると誰も使っていない email/username が重複扱いになり続ける
		s.rdb.Del(context.WithoutCancel(ctx), emailIndexPrefix+u.Email, nameIndexPrefix+u.Username)
		return err
	}
	return nil
}

// FindByEmail はメールアドレスでユーザーを検索します。見つからない場合は nil を返します。
func (s *Store) FindByEmail(ctx context.Context, email string) (*User, error) {
	return s.findByIndex(ctx, emailIndexPrefix+email)
}

// FindByUsername はユーザー名でユーザーを検索します。見つからない場合は nil を返します。
func (s *Store) FindByUsername(ctx context.Context, username string) (*User, error) {
	return s.findByIndex(ctx, nameIndexPrefix+username)
}

func (s *Store) findByIndex(ctx context.Context, indexKey string) (*User, error) {
	id, err := s.rdb.Get(ctx, indexKey).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, err
	}

	data, err := s.rdb.Get(ctx, userKeyPrefix+id).Bytes()
	if err != nil {
		if err == redis.Nil {
			// インデックスだけ残っている状態。存在しない扱いにする
			return nil, nil
		}
		return nil, err
	}

	var u User
	if err := json.Unmarshal(data, &u); err != nil {
		return nil, err
	}
	return &u, nil
}
