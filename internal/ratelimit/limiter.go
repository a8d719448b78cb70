// Package ratelimit はセッション単位のクールダウンによるレート制限を提供します。
//
// 最後に受理したリクエストの時刻をアクセス記録として Redis に保持し、
// クールダウン期間内の再リクエストを拒否します。拒否時は記録を更新しません。
package ratelimit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

const accessKeyPrefix = "access:"

// Decision は1リクエストに対する判定結果です。
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration // 拒否時に次のリクエストまで待つべき時間
}

// Gate はレート制限の判定を行います。
type Gate interface {
	Acquire(ctx context.Context, sessionID string, now time.Time) (*Decision, error)
}

// Store はアクセス記録を Redis に保存する Gate 実装です。
type Store struct {
	rdb      *redis.Client
	cooldown time.Duration
	ttl      time.Duration
}

// NewStore は Store を作成します。
// ttl はアクセス記録の保持期間で、期限切れの掃除はストアに任せます。
func NewStore(rdb *redis.Client, cooldown, ttl time.Duration) *Store {
	return &Store{
		rdb:      rdb,
		cooldown: cooldown,
		ttl:      ttl,
	}
}

// Acquire はセッションIDに対するリクエストの受理可否を判定します。
// 判定と記録の更新は WATCH/MULTI で単一の不可分な操作として行い、
// 同一セッションからの同時リクエストが両方「初回」扱いになる競合を防ぎます。
func (s *Store) Acquire(ctx context.Context, sessionID string, now time.Time) (*Decision, error) {
	key := accessKeyPrefix + sessionID

	for {
		var decision *Decision
		err := s.rdb.Watch(ctx, func(tx *redis.Tx) error {
			lastMillis, err := tx.Get(ctx, key).Int64()
			if err != nil && err != redis.Nil {
				return err
			}
			if err == nil {
				// 2回目以降: クールダウンが明けるまで拒否し、記録は触らない
				if wait := remainingCooldown(time.UnixMilli(lastMillis), now, s.cooldown); wait > 0 {
					decision = &Decision{Allowed: false, RetryAfter: wait}
					return nil
				}
			}

			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, now.UnixMilli(), s.ttl)
				return nil
			})
			if err != nil {
				return err
			}
			decision = &Decision{Allowed: true}
			return nil
		}, key)

		if err == redis.TxFailedErr {
			continue
		}
		if err != nil {
			return nil, err
		}
		return decision, nil
	}
}

// remainingCooldown は前回受理時刻からの残りクールダウンを返します。
// 0以下なら受理してよい状態です。
func remainingCooldown(last, now time.Time, cooldown time.Duration) time.Duration {
	return cooldown - now.Sub(last)
}
