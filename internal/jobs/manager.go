package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"

	"github.com/yourusername/doc-forge/internal/config"
)

// Manager はタスクの投入とワーカーの実行を担います。
type Manager struct {
	cfg       *config.Config
	client    *asynq.Client
	server    *asynq.Server
	mux       *asynq.ServeMux
	processor *Processor
	logger    zerolog.Logger
}

// NewManager は Manager を初期化します。processor のハンドラを mux に登録し、
// 自身を Dispatcher として processor に渡せるよう二段階で組み立てます。
func NewManager(cfg *config.Config, logger zerolog.Logger) (*Manager, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}
	opt, err := asynq.ParseRedisURI(cfg.QueueRedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse queue redis url: %w", err)
	}

	client := asynq.NewClient(opt)
	server := asynq.NewServer(
		opt,
		asynq.Config{
			Concurrency: cfg.WorkerConcurrency,
			Queues: map[string]int{
				queueConvert: 1,
			},
			RetryDelayFunc: retryDelay,
		},
	)

	manager := &Manager{
		cfg:    cfg,
		client: client,
		server: server,
		mux:    asynq.NewServeMux(),
		logger: logger.With().Str("component", "queue").Logger(),
	}
	return manager, nil
}

// Register は Processor のハンドラをタスク種別に結び付けます。
func (m *Manager) Register(processor *Processor) {
	m.processor = processor
	m.mux.HandleFunc(taskTypeMain, m.handleMainTask)
	m.mux.HandleFunc(taskTypeSplit, m.handleSplitTask)
	m.mux.HandleFunc(taskTypePage, m.handlePageTask)
	m.mux.HandleFunc(taskTypeRetryPage, m.handleRetryPageTask)
	m.mux.HandleFunc(taskTypeMerge, m.handleMergeTask)
}

// StartWorkers は Asynq サーバーをバックグラウンドで起動します。
func (m *Manager) StartWorkers() {
	go func() {
		if err := m.server.Run(m.mux); err != nil && !errors.Is(err, asynq.ErrServerClosed) {
			m.logger.Error().Err(err).Msg("asynq server stopped with error")
		}
	}()
}

// Shutdown はサーバーとクライアントを閉じます。
func (m *Manager) Shutdown(ctx context.Context) error {
	m.server.Shutdown()
	return m.client.Close()
}

// DispatchMain は MAIN タスクを投入します。
func (m *Manager) DispatchMain(ctx context.Context, p *MainPayload) error {
	return m.enqueue(ctx, taskTypeMain, p)
}

// DispatchSplit は SPLIT タスクを投入します。
func (m *Manager) DispatchSplit(ctx context.Context, p *SplitPayload) error {
	return m.enqueue(ctx, taskTypeSplit, p)
}

// DispatchPage は PAGE タスクを投入します。
func (m *Manager) DispatchPage(ctx context.Context, p *PagePayload) error {
	return m.enqueue(ctx, taskTypePage, p)
}

// DispatchRetryPage はページ手動再試行タスクを投入します。
func (m *Manager) DispatchRetryPage(ctx context.Context, p *RetryPagePayload) error {
	return m.enqueue(ctx, taskTypeRetryPage, p)
}

// DispatchMerge は MERGE タスクを投入します。
func (m *Manager) DispatchMerge(ctx context.Context, p *MergePayload) error {
	return m.enqueue(ctx, taskTypeMerge, p)
}

func (m *Manager) enqueue(ctx context.Context, taskType string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	task := asynq.NewTask(taskType, body, asynq.Queue(queueConvert))
	info, err := m.client.EnqueueContext(ctx, task,
		asynq.MaxRetry(maxRetryFor(taskType)),
		asynq.Timeout(m.cfg.TaskTimeout),
	)
	if err != nil {
		return fmt.Errorf("failed to enqueue %s: %w", taskType, err)
	}
	m.logger.Debug().Str("type", taskType).Str("taskId", info.ID).Msg("task enqueued")
	return nil
}

func (m *Manager) handleMainTask(ctx context.Context, task *asynq.Task) error {
	var payload MainPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return skipRetry(err)
	}
	return m.processor.HandleMain(ctx, &payload)
}

func (m *Manager) handleSplitTask(ctx context.Context, task *asynq.Task) error {
	var payload SplitPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return skipRetry(err)
	}
	return m.processor.HandleSplit(ctx, &payload)
}

func (m *Manager) handlePageTask(ctx context.Context, task *asynq.Task) error {
	var payload PagePayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return skipRetry(err)
	}
	return m.processor.HandlePage(ctx, &payload)
}

func (m *Manager) handleRetryPageTask(ctx context.Context, task *asynq.Task) error {
	var payload RetryPagePayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return skipRetry(err)
	}
	return m.processor.HandleRetryPage(ctx, &payload)
}

func (m *Manager) handleMergeTask(ctx context.Context, task *asynq.Task) error {
	var payload MergePayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return skipRetry(err)
	}
	return m.processor.HandleMerge(ctx, &payload)
}
