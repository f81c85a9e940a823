package frame

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/John-Robertt/bilictx/internal/infra/httpx"
	"github.com/John-Robertt/bilictx/internal/infra/imgx"
	"github.com/John-Robertt/bilictx/internal/llm"
	"github.com/John-Robertt/bilictx/internal/logx"
)

const (
	// MsgInsufficient：没有可用结果（含无标题可供文本回退）。
	MsgInsufficient = "当前画面信息不足，请尝试在光线充足或主体清晰的片段暂停"
	// MsgUnstable：任何意外（传输失败、未配置、panic）。
	MsgUnstable = "服务连接不稳定，请稍后重试"

	// VisionMaxCompletionTokens 是识别请求的输出上限（过小会出现 finish_reason=length 且内容为空）。
	VisionMaxCompletionTokens = 2048

	imageUnsupportedMarker = "not support image params"
	imagePrefix            = "data:image/"
)

// MsgBusy 返回非成功状态码对应的提示。
func MsgBusy(status int) string {
	return fmt.Sprintf("识别服务繁忙 (%d)，正在重试...", status)
}

// ValidImage 判断输入是否为 data:image/ 开头的图片 data URL。
func ValidImage(s string) bool {
	return strings.HasPrefix(s, imagePrefix)
}

// Kind 是单个阶段的结果类别。
type Kind int

const (
	// KindSuccess：拿到非空内容。
	KindSuccess Kind = iota
	// KindSoft：请求成功但内容为空。
	KindSoft
	// KindUnsupported：模型不支持图片输入（400 + 标记）。
	KindUnsupported
	// KindHard：其它非成功状态码。
	KindHard
	// KindBroken：无状态码的失败（传输层/未配置/panic）。
	KindBroken
)

func (k Kind) String() string {
	switch k {
	case KindSuccess:
		return "success"
	case KindSoft:
		return "soft"
	case KindUnsupported:
		return "unsupported"
	case KindHard:
		return "hard"
	case KindBroken:
		return "broken"
	default:
		return "unknown"
	}
}

// Step 记录状态机中的一步（用于日志与测试）。
type Step struct {
	Stage   string // "vision" / "text"
	Kind    Kind
	Status  int
	Content string
	Err     error
}

// Analyzer 实现“识别 -> 文本回退 -> 通用提示”的线性状态机。
//
// 约束：
// - 识别请求最多一次，不重试
// - 文本回退最多一次，且只在 contextText 非空白时进行
// - 永不返回错误：所有失败都映射为面向用户的提示
type Analyzer struct {
	Client      llm.ChatClient
	Model       string
	VisionModel string // 为空时复用 Model
	// MaxEdge>0 时，识别前把长边超过 MaxEdge 的截帧等比缩小。
	MaxEdge int
	Logger  *slog.Logger
}

// Analyze 返回识别结果或面向用户的提示文本。
func (a *Analyzer) Analyze(ctx context.Context, image, contextText string) string {
	msg, _ := a.AnalyzeTrace(ctx, image, contextText)
	return msg
}

// AnalyzeTrace 与 Analyze 相同，但额外返回经过的阶段。
func (a *Analyzer) AnalyzeTrace(ctx context.Context, image, contextText string) (msg string, steps []Step) {
	logger := logx.Discard()
	if a != nil {
		logger = logx.OrDiscard(a.Logger)
	}
	defer func() {
		if r := recover(); r != nil {
			logger.Error("frame analysis panic", "panic", r)
			msg = MsgUnstable
			steps = append(steps, Step{Stage: "panic", Kind: KindBroken, Err: fmt.Errorf("panic: %v", r)})
		}
	}()

	if a == nil || a.Client == nil {
		logger.Warn("frame analysis skipped", "err", llm.ErrNotConfigured)
		return MsgUnstable, []Step{{Stage: "vision", Kind: KindBroken, Err: llm.ErrNotConfigured}}
	}

	v := a.vision(ctx, image, contextText)
	steps = append(steps, v)
	switch v.Kind {
	case KindSuccess:
		return v.Content, steps
	case KindHard:
		logger.Warn("vision request failed", "status", v.Status, "err", v.Err)
		return MsgBusy(v.Status), steps
	case KindBroken:
		logger.Error("vision request broken", "err", v.Err)
		return MsgUnstable, steps
	case KindUnsupported:
		logger.Warn("model does not support image input; falling back to text", "model", a.visionModel())
	case KindSoft:
		logger.Warn("vision returned empty content", "model", a.visionModel())
	}

	if strings.TrimSpace(contextText) == "" {
		return MsgInsufficient, steps
	}

	tx := a.text(ctx, contextText)
	steps = append(steps, tx)
	if tx.Kind == KindSuccess {
		return tx.Content, steps
	}
	logger.Warn("text fallback failed", "kind", tx.Kind.String(), "status", tx.Status, "err", tx.Err)
	return MsgInsufficient, steps
}

func (a *Analyzer) visionModel() string {
	if a.VisionModel != "" {
		return a.VisionModel
	}
	return a.Model
}

func (a *Analyzer) vision(ctx context.Context, image, contextText string) Step {
	url := image
	if a.MaxEdge > 0 {
		if fitted, err := imgx.FitDataURL(image, a.MaxEdge); err == nil {
			url = fitted
		} else {
			logx.OrDiscard(a.Logger).Debug("frame preprocessing skipped", "err", err)
		}
	}

	ctx, raw := httpx.WithErrorBody(ctx)
	resp, err := a.Client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:               a.visionModel(),
		MaxCompletionTokens: VisionMaxCompletionTokens,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: VisionPrompt},
			{
				Role: openai.ChatMessageRoleUser,
				MultiContent: []openai.ChatMessagePart{
					{Type: openai.ChatMessagePartTypeText, Text: visionUserText(contextText)},
					{Type: openai.ChatMessagePartTypeImageURL, ImageURL: &openai.ChatMessageImageURL{URL: url}},
				},
			},
		},
	})
	return classify("vision", resp, err, raw.String())
}

func (a *Analyzer) text(ctx context.Context, contextText string) Step {
	ctx, raw := httpx.WithErrorBody(ctx)
	resp, err := a.Client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: a.Model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: TextPrompt},
			{Role: openai.ChatMessageRoleUser, Content: textUserText(contextText)},
		},
	})
	return classify("text", resp, err, raw.String())
}

// classify 把一次模型调用映射为阶段结果。
//
// 约束：不支持图片的标记在 SDK 错误字段与原始响应体 rawBody 中任一处出现即可。
func classify(stage string, resp openai.ChatCompletionResponse, err error, rawBody string) Step {
	if err != nil {
		status := llm.StatusOf(err)
		switch {
		case status == 0:
			return Step{Stage: stage, Kind: KindBroken, Err: err}
		case status == 400 && imageUnsupported(err, rawBody):
			return Step{Stage: stage, Kind: KindUnsupported, Status: status, Err: err}
		default:
			return Step{Stage: stage, Kind: KindHard, Status: status, Err: err}
		}
	}
	content := llm.FirstContent(resp)
	if content == "" {
		return Step{Stage: stage, Kind: KindSoft}
	}
	return Step{Stage: stage, Kind: KindSuccess, Content: content}
}

func imageUnsupported(err error, rawBody string) bool {
	return strings.Contains(rawBody, imageUnsupportedMarker) ||
		strings.Contains(llm.ErrorText(err), imageUnsupportedMarker)
}
