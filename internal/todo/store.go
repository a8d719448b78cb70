// Package todo はTODOの永続化とHTTPハンドラーを提供します。
package todo

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	todoKeyPrefix  = "todo:"
	indexKeyPrefix = "todos:user:"
	indexScanCount = 100
)

// Store は TODO を Redis に保存します。
// 本体は todoKeyPrefix 配下の JSON ドキュメント、ユーザーごとのID集合を
// indexKeyPrefix 配下に持ちます。
type Store struct {
	rdb *redis.Client
}

// NewStore は Store を作成します。
func NewStore(rdb *redis.Client) *Store {
	return &Store{rdb: rdb}
}

// Create は TODO を新規保存し、所有者のインデックスに登録します。
func (s *Store) Create(ctx context.Context, t *Todo) error {
	if t == nil {
		return fmt.Errorf("todo is nil")
	}
	if t.ID == "" || t.Username == "" {
		return fmt.Errorf("todo.ID and todo.Username are required")
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}

	payload, err := json.Marshal(t)
	if err != nil {
		return err
	}

	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, todoKey(t.ID), payload, 0)
	pipe.SAdd(ctx, indexKey(t.Username), t.ID)
	_, err = pipe.Exec(ctx)
	return err
}

// Get は ID で TODO を取得します。見つからない場合は nil を返します。
func (s *Store) Get(ctx context.Context, id string) (*Todo, error) {
	if id == "" {
		return nil, fmt.Errorf("id is required")
	}
	data, err := s.rdb.Get(ctx, todoKey(id)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, err
	}
	var t Todo
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// ListByUsername はユーザーの全TODOを返します。該当なしの場合は空スライスです。
func (s *Store) ListByUsername(ctx context.Context, username string) ([]*Todo, error) {
	ids, err := s.rdb.SMembers(ctx, indexKey(username)).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return []*Todo{}, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = todoKey(id)
	}
	values, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}

	todos := make([]*Todo, 0, len(values))
	for _, v := range values {
		raw, ok := v.(string)
		if !ok {
			// インデックスだけ残ったIDは読み飛ばす（掃除タスクが間引く）
			continue
		}
		var t Todo
		if err := json.Unmarshal([]byte(raw), &t); err != nil {
			return nil, err
		}
		todos = append(todos, &t)
	}
	return todos, nil
}

// Update は既存TODOのドキュメントを差し替えます。
func (s *Store) Update(ctx context.Context, t *Todo) error {
	if t == nil || t.ID == "" {
		return fmt.Errorf("todo.ID is required")
	}
	payload, err := json.Marshal(t)
	if err != nil {
		return err
	}
	return s.rdb.Set(ctx, todoKey(t.ID), payload, 0).Err()
}

// Delete は TODO を削除し、所有者のインデックスからも取り除きます。
func (s *Store) Delete(ctx context.Context, t *Todo) error {
	if t == nil || t.ID == "" {
		return fmt.Errorf("todo.ID is required")
	}
	pipe := s.rdb.TxPipeline()
	pipe.Del(ctx, todoKey(t.ID))
	pipe.SRem(ctx, indexKey(t.Username), t.ID)
	_, err := pipe.Exec(ctx)
	return err
}

// Prune はドキュメントが消えたIDをインデックスから取り除きます。
// メンテナンスタスクから定期的に呼ばれます。戻り値は取り除いたID数です。
func (s *Store) Prune(ctx context.Context) (int64, error) {
	var removed int64
	iter := s.rdb.Scan(ctx, 0, indexKeyPrefix+"*", indexScanCount).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		ids, err := s.rdb.SMembers(ctx, key).Result()
		if err != nil {
			return removed, err
		}
		for _, id := range ids {
			exists, err := s.rdb.Exists(ctx, todoKey(id)).Result()
			if err != nil {
				return removed, err
			}
			if exists == 0 {
				if err := s.rdb.SRem(ctx, key, id).Err(); err != nil {
					return removed, err
				}
				removed++
			}
		}
	}
	if err := iter.Err(); err != nil {
		return removed, err
	}
	return removed, nil
}

func todoKey(id string) string {
	return todoKeyPrefix + id
}

func indexKey(username string) string {
	return indexKeyPrefix + username
}
