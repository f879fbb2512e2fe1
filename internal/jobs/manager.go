package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"github.com/fengjnw/10-health-33915059-sub000/internal/mailer"
	"github.com/fengjnw/10-health-33915059-sub000/internal/metrics"
)

// Manager はジョブの投入・実行・定期実行を担います。
type Manager struct {
	client    *asynq.Client
	server    *asynq.Server
	scheduler *asynq.Scheduler
	mux       *asynq.ServeMux
	mailer    mailer.Mailer
	purger    Purger
	retention time.Duration
	metrics   *metrics.Metrics
	logger    *zap.Logger
}

var _ Dispatcher = (*Manager)(nil)

// Options は Manager の依存関係です。
type Options struct {
	RedisURL  string
	Mailer    mailer.Mailer
	Purger    Purger
	Retention time.Duration
	Metrics   *metrics.Metrics
	Logger    *zap.Logger
}

// NewManager は Manager を初期化します。
func NewManager(opts Options) (*Manager, error) {
	if opts.Mailer == nil {
		return nil, errors.New("mailer is nil")
	}
	if opts.Purger == nil {
		return nil, errors.New("purger is nil")
	}
	redisOpt, err := asynq.ParseRedisURI(opts.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("jobs")
	sugar := log.Sugar()

	server := asynq.NewServer(
		redisOpt,
		asynq.Config{
			Concurrency: 4,
			Queues: map[string]int{
				queueMail:        3,
				queueMaintenance: 1,
			},
			Logger: sugar,
		},
	)
	scheduler := asynq.NewScheduler(redisOpt, &asynq.SchedulerOpts{
		Location: time.Local,
		Logger:   sugar,
	})

	m := &Manager{
		client:    asynq.NewClient(redisOpt),
		server:    server,
		scheduler: scheduler,
		mailer:    opts.Mailer,
		purger:    opts.Purger,
		retention: opts.Retention,
		metrics:   opts.Metrics,
		logger:    log,
	}
	m.mux = m.newMux()
	return m, nil
}

func (m *Manager) newMux() *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.HandleFunc(TypeMailSend, m.handleMail)
	mux.HandleFunc(TypeAuditPurge, m.handlePurge)
	return mux
}

// Start はワーカーとスケジューラーを起動します。
func (m *Manager) Start() error {
	if err := m.server.Start(m.mux); err != nil {
		return fmt.Errorf("start asynq server: %w", err)
	}
	task, err := newPurgeTask(m.retention)
	if err != nil {
		return err
	}
	if _, err := m.scheduler.Register(PurgeSchedule, task, asynq.Queue(queueMaintenance)); err != nil {
		return fmt.Errorf("register purge schedule: %w", err)
	}
	if err := m.scheduler.Start(); err != nil {
		return fmt.Errorf("start asynq scheduler: %w", err)
	}
	m.logger.Info("job workers started", zap.String("purge_schedule", PurgeSchedule))
	return nil
}

// Shutdown はスケジューラー・サーバー・クライアントを閉じます。
func (m *Manager) Shutdown() {
	m.scheduler.Shutdown()
	m.server.Shutdown()
	if err := m.client.Close(); err != nil {
		m.logger.Warn("asynq client close failed", zap.Error(err))
	}
}

// SendMail はメール送信タスクをキューに投入します。
func (m *Manager) SendMail(ctx context.Context, msg mailer.Message) error {
	task, err := newMailTask(msg)
	if err != nil {
		return err
	}
	info, err := m.client.EnqueueContext(ctx, task,
		asynq.Queue(queueMail),
		asynq.MaxRetry(5),
		asynq.Timeout(30*time.Second),
	)
	if err != nil {
		return fmt.Errorf("enqueue mail: %w", err)
	}
	m.logger.Debug("mail enqueued", zap.String("task_id", info.ID), zap.String("purpose", msg.Purpose))
	return nil
}

// EnqueuePurge は監査ログ削除をすぐに実行するタスクを投入します。
func (m *Manager) EnqueuePurge(ctx context.Context, olderThan time.Duration) (string, error) {
	task, err := newPurgeTask(olderThan)
	if err != nil {
		return "", err
	}
	info, err := m.client.EnqueueContext(ctx, task, asynq.Queue(queueMaintenance), asynq.MaxRetry(1))
	if err != nil {
		return "", fmt.Errorf("enqueue purge: %w", err)
	}
	return info.ID, nil
}

func newMailTask(msg mailer.Message) (*asynq.Task, error) {
	if msg.To == "" {
		return nil, errors.New("mail recipient is required")
	}
	id := uuid.NewString()
	body, err := json.Marshal(MailPayload{ID: id, Message: msg})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TypeMailSend, body, asynq.TaskID(id)), nil
}

func newPurgeTask(olderThan time.Duration) (*asynq.Task, error) {
	days := int(olderThan / (24 * time.Hour))
	if days < 1 {
		return nil, fmt.Errorf("retention must be at least one day, got %s", olderThan)
	}
	body, err := json.Marshal(PurgePayload{OlderThanDays: days})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TypeAuditPurge, body), nil
}
