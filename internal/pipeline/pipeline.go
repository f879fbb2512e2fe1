// Package pipeline はリクエストを順番に検査するステージの列を表します。
// 各ステージは処理を続けるか打ち切るかを明示的に返し、
// 打ち切った場合は応答を書き込んだステージがそのまま最後になります。
package pipeline

import (
	"github.com/gin-gonic/gin"
)

// Result はステージの判定結果です。
type Result int

const (
	// Continue は次のステージ（最後はハンドラー）へ進みます。
	Continue Result = iota
	// Halt はここで打ち切ります。ステージ自身が応答を書き込んでいる必要があります。
	Halt
)

// Stage はリクエストを1段階検査します。
type Stage interface {
	Handle(c *gin.Context) Result
}

// Finisher を実装したステージは、ハンドラー実行後に逆順で呼び出されます。
// 打ち切られたリクエストでも、それまでに Continue を返したステージの Finish は呼ばれます。
type Finisher interface {
	Finish(c *gin.Context)
}

// StageFunc は関数をステージとして扱うためのアダプターです。
type StageFunc func(c *gin.Context) Result

func (f StageFunc) Handle(c *gin.Context) Result { return f(c) }

// Pipeline はステージの並びです。値は不変で、Append は新しい Pipeline を返します。
type Pipeline struct {
	stages []Stage
}

func New(stages ...Stage) Pipeline {
	return Pipeline{stages: append([]Stage(nil), stages...)}
}

// Append は末尾にステージを追加した Pipeline を返します。
func (p Pipeline) Append(stages ...Stage) Pipeline {
	next := make([]Stage, 0, len(p.stages)+len(stages))
	next = append(next, p.stages...)
	next = append(next, stages...)
	return Pipeline{stages: next}
}

// Len はステージ数を返します。
func (p Pipeline) Len() int { return len(p.stages) }

// Then はステージを通過した場合に handler を実行する gin のハンドラーを返します。
func (p Pipeline) Then(handler gin.HandlerFunc) gin.HandlerFunc {
	return func(c *gin.Context) {
		p.run(c, func() { handler(c) })
	}
}

// Middleware はステージを通過したら後続の gin ハンドラーへ進むミドルウェアを返します。
func (p Pipeline) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		p.run(c, c.Next)
	}
}

func (p Pipeline) run(c *gin.Context, next func()) {
	passed := make([]Finisher, 0, len(p.stages))
	defer func() {
		for i := len(passed) - 1; i >= 0; i-- {
			passed[i].Finish(c)
		}
	}()

	for _, s := range p.stages {
		if s.Handle(c) == Halt {
			if !c.IsAborted() {
				c.Abort()
			}
			return
		}
		if f, ok := s.(Finisher); ok {
			passed = append(passed, f)
		}
	}
	next()
}
