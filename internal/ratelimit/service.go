// Package ratelimit はログイン・登録など認証系エンドポイントの失敗回数をクライアントIPごとに制限します。
//
// カウントはリクエスト数ではなく処理結果で進みます。ハンドラーは失敗時に Fail、成功時に Succeed を呼び、
// 閾値に達したクライアントは次のリクエストから 429 になります。
package ratelimit

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fengjnw/10-health-33915059-sub000/internal/audit"
	"github.com/fengjnw/10-health-33915059-sub000/internal/logger"
	"github.com/fengjnw/10-health-33915059-sub000/internal/metrics"
)

const (
	PolicyLogin    = "login"
	PolicyRegister = "register"
	PolicyCode     = "code"  // 確認コードの入力
	PolicyIssue    = "issue" // 確認コードの発行（メール送信）

	defaultSweepEvery = 5 * time.Minute
	storeTimeout      = 2 * time.Second
)

// Policy は1種類の制限です。Window 内に Max 回失敗すると拒否されます。
type Policy struct {
	Name   string
	Max    int
	Window time.Duration
	// KeepOnSuccess が true の場合、成功してもカウンターを戻さず Window の経過だけで解除します。
	KeepOnSuccess bool
}

// LoginPolicy は 15 分間に 5 回です。
func LoginPolicy() Policy {
	return Policy{Name: PolicyLogin, Max: 5, Window: 15 * time.Minute}
}

// RegisterPolicy は 1 時間に 3 回です。
func RegisterPolicy() Policy {
	return Policy{Name: PolicyRegister, Max: 3, Window: time.Hour}
}

// CodePolicy は確認コードの入力で、15 分間に 5 回です。
// 正しいコードを入力しても失敗回数は残ります。
func CodePolicy() Policy {
	return Policy{Name: PolicyCode, Max: 5, Window: 15 * time.Minute, KeepOnSuccess: true}
}

// IssuePolicy は確認コードの発行で、1 時間に 5 回です。発行のたびに数えます。
func IssuePolicy() Policy {
	return Policy{Name: PolicyIssue, Max: 5, Window: time.Hour, KeepOnSuccess: true}
}

type Options struct {
	Store      Store
	Policies   []Policy
	SweepEvery time.Duration
	Logger     *zap.Logger
	Metrics    *metrics.Metrics
	Audit      *audit.Logger
}

// Service はポリシーごとの失敗回数を管理します。起動時に1つだけ生成して共有します。
type Service struct {
	store      Store
	policies   map[string]Policy
	sweepEvery time.Duration
	logger     *zap.Logger
	metrics    *metrics.Metrics
	audit      *audit.Logger
	now        func() time.Time

	mu        sync.Mutex
	throttles []*throttle
	cancel    context.CancelFunc
	done      chan struct{}
}

func NewService(opts Options) *Service {
	if opts.Store == nil {
		opts.Store = NewMemoryStore()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.SweepEvery <= 0 {
		opts.SweepEvery = defaultSweepEvery
	}
	policies := make(map[string]Policy, len(opts.Policies))
	for _, p := range opts.Policies {
		policies[p.Name] = p
	}
	return &Service{
		store:      opts.Store,
		policies:   policies,
		sweepEvery: opts.SweepEvery,
		logger:     opts.Logger.Named("ratelimit"),
		metrics:    opts.Metrics,
		audit:      opts.Audit,
		now:        time.Now,
	}
}

// Policy は名前からポリシーを返します。
func (s *Service) Policy(name string) (Policy, bool) {
	p, ok := s.policies[name]
	return p, ok
}

func (s *Service) mustPolicy(name string) Policy {
	p, ok := s.policies[name]
	if !ok {
		panic("ratelimit: unknown policy " + name)
	}
	return p
}

func key(policy, ip string) string {
	return policy + ":" + ip
}

// Check は ip が policy の閾値に達していないかを確認します。
// ストアのエラー時は許可します。
func (s *Service) Check(ctx context.Context, policy, ip string) (bool, time.Duration) {
	p := s.mustPolicy(policy)
	ctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()

	c, err := s.store.Get(ctx, key(p.Name, ip))
	if err != nil {
		s.logger.Warn("rate limit lookup failed, allowing request",
			zap.String("policy", p.Name), logger.Err(err))
		return true, 0
	}
	if c.Count < p.Max {
		return true, 0
	}
	retry := c.ResetAt.Sub(s.now())
	if retry < time.Second {
		retry = time.Second
	}
	return false, retry
}

// RecordIncrement は失敗を1回記録します。
func (s *Service) RecordIncrement(ctx context.Context, policy, ip string) {
	p := s.mustPolicy(policy)
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), storeTimeout)
	defer cancel()

	c, err := s.store.Increment(ctx, key(p.Name, ip), p.Window)
	if err != nil {
		s.logger.Warn("rate limit increment failed", zap.String("policy", p.Name), logger.Err(err))
		return
	}
	if c.Count == p.Max {
		s.logger.Info("rate limit threshold reached",
			zap.String("policy", p.Name), zap.String("ip", ip), zap.Time("reset_at", c.ResetAt))
	}
}

// RecordSuccess はカウンターをリセットします。KeepOnSuccess のポリシーでは何もしません。
func (s *Service) RecordSuccess(ctx context.Context, policy, ip string) {
	p := s.mustPolicy(policy)
	if p.KeepOnSuccess {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), storeTimeout)
	defer cancel()

	if err := s.store.Reset(ctx, key(p.Name, ip)); err != nil {
		s.logger.Warn("rate limit reset failed", zap.String("policy", p.Name), logger.Err(err))
	}
}

// Start は定期的な掃除を開始します。Close で停止します。
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	go s.sweepLoop(ctx, s.done)
}

func (s *Service) sweepLoop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(s.sweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep は期限切れのカウンターと使われていないスロットルを削除します。
func (s *Service) Sweep(ctx context.Context) {
	now := s.now()
	n, err := s.store.Sweep(ctx, now)
	if err != nil {
		s.logger.Warn("rate limit sweep failed", logger.Err(err))
	} else if n > 0 {
		s.logger.Debug("rate limit counters swept", zap.Int("removed", n))
	}

	s.mu.Lock()
	throttles := append([]*throttle(nil), s.throttles...)
	s.mu.Unlock()
	for _, t := range throttles {
		t.sweep(now, s.sweepEvery)
	}
}

// Close は掃除を停止し、終了を待ちます。
func (s *Service) Close() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}
