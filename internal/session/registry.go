// Package session はユーザー名と有効なセッションIDの対応を管理します。
//
// セッション本体は gin-contrib/sessions の Redis ストアが保持するため、
// 「このユーザーのセッションを全て破棄する」操作のためにここで逆引きを持ちます。
package session

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const registryKeyPrefix = "sessions:user:"

// Registry はユーザー名ごとのセッションID集合を Redis に保存します。
type Registry struct {
	rdb       *redis.Client
	keyPrefix string // セッションストアが使うキープレフィックス（例: "sess:"）
	ttl       time.Duration
}

// NewRegistry は Registry を作成します。
// keyPrefix にはセッションストア側のキープレフィックスを渡します。
func NewRegistry(rdb *redis.Client, keyPrefix string, ttl time.Duration) *Registry {
	return &Registry{
		rdb:       rdb,
		keyPrefix: keyPrefix,
		ttl:       ttl,
	}
}

// Add はログイン成功時にセッションIDを記録します。
func (r *Registry) Add(ctx context.Context, username, sessionID string) error {
	if username == "" || sessionID == "" {
		return fmt.Errorf("username and sessionID are required")
	}
	key := registryKey(username)
	pipe := r.rdb.TxPipeline()
	pipe.SAdd(ctx, key, sessionID)
	// 集合自体はセッションより長く持たせ、期限切れIDは掃除タスクが間引く
	pipe.Expire(ctx, key, r.ttl*2)
	_, err := pipe.Exec(ctx)
	return err
}

// Remove は単一セッションのログアウト時にIDを取り除きます。
func (r *Registry) Remove(ctx context.Context, username, sessionID string) error {
	return r.rdb.SRem(ctx, registryKey(username), sessionID).Err()
}

// DestroyAll はユーザー名に紐づく全セッションをストアから削除します。
// 該当が0件でもエラーにはしません。戻り値は削除したセッション数です。
func (r *Registry) DestroyAll(ctx context.Context, username string) (int64, error) {
	key := registryKey(username)
	ids, err := r.rdb.SMembers(ctx, key).Result()
	if err != nil {
		return 0, err
	}

	pipe := r.rdb.TxPipeline()
	for _, id := range ids {
		pipe.Del(ctx, r.keyPrefix+id)
	}
	pipe.Del(ctx, key)
	cmds, err := pipe.Exec(ctx)
	if err != nil {
		return 0, err
	}

	var deleted int64
	for i, cmd := range cmds {
		if i >= len(ids) {
			break // 最後のコマンドは集合自体の削除
		}
		if del, ok := cmd.(*redis.IntCmd); ok {
			deleted += del.Val()
		}
	}
	return deleted, nil
}

// Prune は期限切れセッションのIDを集合から取り除きます。
// メンテナンスタスクから定期的に呼ばれます。戻り値は取り除いたID数です。
func (r *Registry) Prune(ctx context.Context) (int64, error) {
	var removed int64
	iter := r.rdb.Scan(ctx, 0, registryKeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		ids, err := r.rdb.SMembers(ctx, key).Result()
		if err != nil {
			return removed, err
		}
		for _, id := range ids {
			exists, err := r.rdb.Exists(ctx, r.keyPrefix+id).Result()
			if err != nil {
				return removed, err
			}
			if exists == 0 {
				if err := r.rdb.SRem(ctx, key, id).Err(); err != nil {
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

func registryKey(username string) string {
	return registryKeyPrefix + username
}
