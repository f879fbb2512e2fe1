// Package jobs は非同期ジョブ（メール送信・監査ログの定期削除）を扱います。
//
// キューが設定されていれば Asynq 経由で実行し、なければ Inline が同期的に処理します。
package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"github.com/fengjnw/10-health-33915059-sub000/internal/mailer"
	"github.com/fengjnw/10-health-33915059-sub000/internal/metrics"
)

func (m *Manager) handleMail(ctx context.Context, task *asynq.Task) error {
	var payload MailPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("decode mail payload: %v: %w", err, asynq.SkipRetry)
	}
	if payload.Message.To == "" {
		return fmt.Errorf("missing recipient in payload: %w", asynq.SkipRetry)
	}
	return deliver(ctx, m.mailer, m.metrics, m.logger, payload.Message)
}

func (m *Manager) handlePurge(ctx context.Context, task *asynq.Task) error {
	var payload PurgePayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("decode purge payload: %v: %w", err, asynq.SkipRetry)
	}
	if payload.OlderThanDays < 1 {
		return fmt.Errorf("invalid olderThanDays %d: %w", payload.OlderThanDays, asynq.SkipRetry)
	}
	return purge(ctx, m.purger, m.logger, time.Duration(payload.OlderThanDays)*24*time.Hour)
}

func deliver(ctx context.Context, mm mailer.Mailer, met *metrics.Metrics, log *zap.Logger, msg mailer.Message) error {
	err := mm.Send(ctx, msg)
	met.MailSent(msg.Purpose, err)
	if err != nil {
		log.Warn("mail delivery failed", zap.String("purpose", msg.Purpose), zap.Error(err))
		return err
	}
	log.Info("mail delivered", zap.String("purpose", msg.Purpose))
	return nil
}

func purge(ctx context.Context, p Purger, log *zap.Logger, olderThan time.Duration) error {
	n, err := p.Purge(ctx, olderThan)
	if err != nil {
		log.Error("audit purge failed", zap.Error(err))
		return err
	}
	log.Info("audit logs purged", zap.Int64("deleted", n), zap.Duration("older_than", olderThan))
	return nil
}

// Inline はキューを使わずにその場でメールを送る Dispatcher です。
type Inline struct {
	mailer  mailer.Mailer
	purger  Purger
	metrics *metrics.Metrics
	logger  *zap.Logger
	done    chan struct{}
}

var _ Dispatcher = (*Inline)(nil)

// NewInline は Inline を作成します。purger が nil の場合は定期削除を行いません。
func NewInline(mm mailer.Mailer, p Purger, met *metrics.Metrics, log *zap.Logger) *Inline {
	if log == nil {
		log = zap.NewNop()
	}
	return &Inline{mailer: mm, purger: p, metrics: met, logger: log.Named("jobs"), done: make(chan struct{})}
}

func (i *Inline) SendMail(ctx context.Context, msg mailer.Message) error {
	return deliver(ctx, i.mailer, i.metrics, i.logger, msg)
}

// StartPurge は every ごとに監査ログを削除します。ctx がキャンセルされると停止します。
func (i *Inline) StartPurge(ctx context.Context, every, retention time.Duration) {
	if i.purger == nil || every <= 0 || retention <= 0 {
		close(i.done)
		return
	}
	go func() {
		defer close(i.done)
		ticker := time.NewTicker(every)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				_ = purge(ctx, i.purger, i.logger, retention)
			}
		}
	}()
}

// Wait は StartPurge のゴルーチンが終わるまで待ちます。StartPurge の後に呼びます。
func (i *Inline) Wait() {
	<-i.done
}
