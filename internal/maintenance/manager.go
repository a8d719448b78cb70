// Package maintenance はストア内の不要データを定期的に間引くワーカーを提供します。
//
// セッションレジストリやTODOインデックスには、本体が先に消えた参照が残り得ます。
// リクエスト処理はそれらを読み飛ばすだけなので、削除はここでまとめて行います。
package maintenance

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/hibiken/asynq"
)

const (
	taskTypePrune = "maintenance:prune"
	queueName     = "maintenance"
)

// Pruner は不要になった参照を間引ける対象が実装します。
type Pruner interface {
	Prune(ctx context.Context) (int64, error)
}

// Manager は掃除タスクのスケジュールと実行を担います。
type Manager struct {
	client    *asynq.Client
	server    *asynq.Server
	scheduler *asynq.Scheduler
	mux       *asynq.ServeMux
	pruners   map[string]Pruner
	logger    *log.Logger
}

// NewManager は Manager を初期化します。
// pruners は掃除対象の名前（ログ用）と実装の対応です。
func NewManager(redisURL string, interval time.Duration, pruners map[string]Pruner, logger *log.Logger) (*Manager, error) {
	if len(pruners) == 0 {
		return nil, errors.New("at least one pruner is required")
	}
	if interval <= 0 {
		return nil, fmt.Errorf("interval must be positive (got %s)", interval)
	}

	opt, err := asynq.ParseRedisURI(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}

	client := asynq.NewClient(opt)
	server := asynq.NewServer(
		opt,
		asynq.Config{
			Concurrency: 1,
			Queues: map[string]int{
				queueName: 1,
			},
		},
	)
	scheduler := asynq.NewScheduler(opt, nil)

	mux := asynq.NewServeMux()
	manager := &Manager{
		client:    client,
		server:    server,
		scheduler: scheduler,
		mux:       mux,
		pruners:   pruners,
		logger:    logger,
	}
	mux.HandleFunc(taskTypePrune, manager.handlePruneTask)

	task := asynq.NewTask(taskTypePrune, nil, asynq.Queue(queueName), asynq.MaxRetry(0))
	if _, err := scheduler.Register(fmt.Sprintf("@every %s", interval), task); err != nil {
		return nil, fmt.Errorf("failed to register prune schedule: %w", err)
	}

	return manager, nil
}

// Start はワーカーとスケジューラーをバックグラウンドで起動します。
func (m *Manager) Start() error {
	go func() {
		if err := m.server.Run(m.mux); err != nil && err != asynq.ErrServerClosed {
			m.logf("asynq server stopped with error: %v", err)
		}
	}()
	return m.scheduler.Start()
}

// Shutdown はスケジューラー・サーバー・クライアントを閉じます。
func (m *Manager) Shutdown(ctx context.Context) error {
	m.scheduler.Shutdown()
	m.server.Shutdown()
	return m.client.Close()
}

// RunNow は次のスケジュールを待たずに掃除タスクを投入します。起動直後に使います。
func (m *Manager) RunNow(ctx context.Context) error {
	task := asynq.NewTask(taskTypePrune, nil, asynq.Queue(queueName), asynq.MaxRetry(0))
	_, err := m.client.EnqueueContext(ctx, task)
	return err
}

func (m *Manager) handlePruneTask(ctx context.Context, _ *asynq.Task) error {
	for name, pruner := range m.pruners {
		removed, err := pruner.Prune(ctx)
		if err != nil {
			// 掃除はベストエフォート。次回のスケジュールでやり直す
			m.logf("prune %s failed after removing %d entries: %v", name, removed, err)
			continue
		}
		if removed > 0 {
			m.logf("prune %s removed %d stale entries", name, removed)
		}
	}
	return nil
}

func (m *Manager) logf(format string, args ...any) {
	if m.logger != nil {
		m.logger.Printf(format, args...)
		return
	}
	log.Printf(format, args...)
}
