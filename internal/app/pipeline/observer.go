package pipeline

import (
	"context"
	"log/slog"
	"time"

	"github.com/John-Robertt/bilictx/internal/domain"
	"github.com/John-Robertt/bilictx/internal/logx"
)

// Observer 用于把“请求进度/阶段/结果”从核心流程中解耦出来。
//
// 约束：
// - pipeline 包只负责发事件，不做任何输出
// - Observer 的实现必须并发安全：多个请求可能同时发事件
type Observer interface {
	// OnStart 在 BV 号提取成功后调用。
	OnStart(reqID string, id domain.BVID)
	// OnPhaseDone 在阶段结束时调用（metadata / sources / summary）。
	OnPhaseDone(reqID, name string, fields map[string]any, dur time.Duration)
	// OnDone 在请求结束时调用；成功时 res 非 nil，失败时 err 非 nil。
	OnDone(reqID string, res *domain.VideoContext, err error, dur time.Duration)
}

// Observers 把事件依次转发给多个 Observer（跳过 nil）。
type Observers []Observer

func (obs Observers) OnStart(reqID string, id domain.BVID) {
	for _, o := range obs {
		if o != nil {
			o.OnStart(reqID, id)
		}
	}
}

func (obs Observers) OnPhaseDone(reqID, name string, fields map[string]any, dur time.Duration) {
	for _, o := range obs {
		if o != nil {
			o.OnPhaseDone(reqID, name, fields, dur)
		}
	}
}

func (obs Observers) OnDone(reqID string, res *domain.VideoContext, err error, dur time.Duration) {
	for _, o := range obs {
		if o != nil {
			o.OnDone(reqID, res, err, dur)
		}
	}
}

// LogObserver 把事件写成结构化日志。
type LogObserver struct {
	Logger *slog.Logger
}

func (o LogObserver) OnStart(reqID string, id domain.BVID) {
	logx.OrDiscard(o.Logger).Info("video context start", "request_id", reqID, "bvid", string(id))
}

func (o LogObserver) OnPhaseDone(reqID, name string, fields map[string]any, dur time.Duration) {
	args := make([]any, 0, 6+2*len(fields))
	args = append(args, "request_id", reqID, "phase", name, "dur_ms", dur.Milliseconds())
	for k, v := range fields {
		args = append(args, k, v)
	}
	logx.OrDiscard(o.Logger).Debug("phase done", args...)
}

func (o LogObserver) OnDone(reqID string, res *domain.VideoContext, err error, dur time.Duration) {
	if err != nil {
		logx.OrDiscard(o.Logger).Warn("video context failed", "request_id", reqID, "dur_ms", dur.Milliseconds(), "err", err)
		return
	}
	logx.OrDiscard(o.Logger).Info("video context done",
		"request_id", reqID,
		"bvid", string(res.Source.BVID),
		"llm_used", res.Source.LLMUsed,
		"chapters", len(res.Chapters),
		"dur_ms", dur.Milliseconds(),
	)
}

type requestIDKey struct{}

// WithRequestID 把请求 ID 放进 ctx（事件与日志都会带上）。
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestID 从 ctx 取请求 ID；没有时返回空串。
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}
