package jobs

import (
	"context"
	"time"

	"github.com/fengjnw/10-health-33915059-sub000/internal/mailer"
)

const (
	TypeMailSend   = "mail:send"
	TypeAuditPurge = "audit:purge"

	queueMail        = "mail"
	queueMaintenance = "maintenance"

	// PurgeSchedule は監査ログ削除の実行時刻（毎日 03:00）です。
	PurgeSchedule = "0 3 * * *"
)

// Dispatcher はアカウント系フローがメール送信を依頼するための抽象です。
type Dispatcher interface {
	SendMail(ctx context.Context, msg mailer.Message) error
}

// Purger は保持期間を過ぎた監査ログを削除します。audit.Logger が満たします。
type Purger interface {
	Purge(ctx context.Context, olderThan time.Duration) (int64, error)
}

// MailPayload は mail:send タスクのペイロードです。
type MailPayload struct {
	ID      string         `json:"id"`
	Message mailer.Message `json:"message"`
}

// PurgePayload は audit:purge タスクのペイロードです。
type PurgePayload struct {
	OlderThanDays int `json:"olderThanDays"`
}
