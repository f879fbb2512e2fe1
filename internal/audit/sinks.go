package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/fengjnw/10-health-33915059-sub000/internal/models"
)

// FileSink は監査ログを JSON Lines 形式でファイルへ追記します。
type FileSink struct {
	logger *zap.Logger
}

// NewFileSink は path に追記する FileSink を生成します。
func NewFileSink(path string) (*FileSink, error) {
	cfg := zap.NewProductionConfig()
	cfg.OutputPaths = []string{path}
	cfg.ErrorOutputPaths = []string{"stderr"}
	cfg.Sampling = nil
	cfg.DisableCaller = true
	cfg.DisableStacktrace = true
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	l, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("open audit file %s: %w", path, err)
	}
	return &FileSink{logger: l}, nil
}

// newFileSinkWithLogger はテスト用に出力先を差し替えます。
func newFileSinkWithLogger(l *zap.Logger) *FileSink {
	return &FileSink{logger: l}
}

func (s *FileSink) Name() string { return "file" }

func (s *FileSink) Write(_ context.Context, e models.AuditEntry) error {
	fields := []zap.Field{
		zap.String("event_type", e.EventType),
		zap.String("username", e.Username),
		zap.String("ip_address", e.IPAddress),
		zap.String("user_agent", e.UserAgent),
		zap.String("request_path", e.RequestPath),
		zap.String("request_method", e.RequestMethod),
		zap.Time("created_at", e.CreatedAt),
	}
	if e.UserID != nil {
		fields = append(fields, zap.Int64("user_id", *e.UserID))
	}
	if e.ResourceType != "" {
		fields = append(fields, zap.String("resource_type", e.ResourceType), zap.String("resource_id", e.ResourceID))
	}
	if len(e.Changes) > 0 {
		fields = append(fields, zap.Any("changes", e.Changes))
	}
	s.logger.Info("audit", fields...)
	return nil
}

func (s *FileSink) Close() error {
	// stdout/stderr への Sync は環境によって EINVAL を返すため無視する
	_ = s.logger.Sync()
	return nil
}

// MessageWriter は kafka.Writer のうち KafkaSink が使う部分です。
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink は監査ログを Kafka トピックへ送信します。キーはユーザーIDです。
type KafkaSink struct {
	writer MessageWriter
}

// NewKafkaSink は brokers と topic から KafkaSink を生成します。
func NewKafkaSink(brokers []string, topic string) *KafkaSink {
	w := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		BatchSize:              1, // 1件ずつ即時に送る
		BatchTimeout:           10 * time.Millisecond,
		RequiredAcks:           kafka.RequireOne,
		AllowAutoTopicCreation: true,
	}
	return &KafkaSink{writer: w}
}

// NewKafkaSinkWithWriter は任意の writer を使う KafkaSink を生成します。
func NewKafkaSinkWithWriter(w MessageWriter) *KafkaSink {
	return &KafkaSink{writer: w}
}

func (s *KafkaSink) Name() string { return "kafka" }

func (s *KafkaSink) Write(ctx context.Context, e models.AuditEntry) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal audit entry: %w", err)
	}
	key := "anonymous"
	if e.UserID != nil {
		key = strconv.FormatInt(*e.UserID, 10)
	}
	return s.writer.WriteMessages(ctx, kafka.Message{
		Key:     []byte(key),
		Value:   payload,
		Headers: []kafka.Header{{Key: "event_type", Value: []byte(e.EventType)}},
		Time:    e.CreatedAt,
	})
}

func (s *KafkaSink) Close() error {
	return s.writer.Close()
}
