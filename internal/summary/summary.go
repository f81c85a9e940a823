package summary

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"regexp"
	"strconv"
	"strings"

	openai "github.com/sashabaranov/go-openai"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/John-Robertt/bilictx/internal/chapter"
	"github.com/John-Robertt/bilictx/internal/domain"
	"github.com/John-Robertt/bilictx/internal/llm"
	"github.com/John-Robertt/bilictx/internal/logx"
)

const (
	// Temperature 是摘要请求的采样温度。
	Temperature = 0.2
	// MaxSamples 是提示词中弹幕样本的上限（去重后）。
	MaxSamples = 30

	fallbackSuffix = "：基于视频元数据与弹幕样本的回退摘要。建议补充可用模型配置以获取更精准章节。"
)

// ErrInvalidResponse 表示模型返回无法解析为 {context: string, chapters: array}。
var ErrInvalidResponse = errors.New("LLM 返回格式不合法")

var fenceRE = regexp.MustCompile("(?i)```(?:json)?\\s*([\\s\\S]*?)\\s*```")

// Input 是一次摘要所需的全部素材。
type Input struct {
	VideoURL    string
	PlayURL     string // 为空表示未知
	Title       string
	Description string
	Duration    int
	Comments    []domain.Comment
}

// Result 是模型路径的产出。
type Result struct {
	Context  string
	Chapters []domain.Chapter
}

// Outcome 是 Run 的产出：模型成功或回退二选一。
type Outcome struct {
	Context  string
	Chapters []domain.Chapter
	LLMUsed  bool
	// Err 记录触发回退的原因（LLMUsed=true 时为 nil）。
	Err error
}

// Summarizer 负责“模型摘要 + 严格回退”。
type Summarizer struct {
	Client llm.ChatClient
	Model  string
	Logger *slog.Logger
}

// Summarize 只走模型路径：请求、解析、规范化；任何一步失败都返回错误。
func (s *Summarizer) Summarize(ctx context.Context, in Input) (Result, error) {
	if s == nil || s.Client == nil {
		return Result{}, llm.ErrNotConfigured
	}
	payload, err := BuildPayload(in)
	if err != nil {
		return Result{}, err
	}

	resp, err := s.Client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       s.Model,
		Temperature: Temperature,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: SystemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: UserPrefix + payload},
		},
	})
	if err != nil {
		return Result{}, fmt.Errorf("LLM API failed: %w", err)
	}
	return ParseResponse(llm.FirstContent(resp), in.Duration)
}

// Run 永不失败：模型路径失败时回退到按时间窗切分的章节与固定模板摘要。
func (s *Summarizer) Run(ctx context.Context, in Input) Outcome {
	res, err := s.Summarize(ctx, in)
	if err == nil {
		return Outcome{Context: res.Context, Chapters: res.Chapters, LLMUsed: true}
	}

	var logger *slog.Logger
	if s != nil {
		logger = s.Logger
	}
	logx.OrDiscard(logger).Warn("summary fallback", "title", in.Title, "err", err)

	return Outcome{
		Context:  FallbackContext(in.Title),
		Chapters: chapter.Build(float64(in.Duration), in.Comments),
		LLMUsed:  false,
		Err:      err,
	}
}

// FallbackContext 返回回退摘要文本。
func FallbackContext(title string) string { return title + fallbackSuffix }

// BuildPayload 构造 user 消息中的 JSON 载荷（字段顺序固定）。
func BuildPayload(in Input) (string, error) {
	var (
		out = "{}"
		err error
	)
	set := func(path string, v any) {
		if err != nil {
			return
		}
		out, err = sjson.Set(out, path, v)
	}
	set("videoUrl", in.VideoURL)
	if in.PlayURL == "" {
		if err == nil {
			out, err = sjson.SetRaw(out, "directVideoUrl", "null")
		}
	} else {
		set("directVideoUrl", in.PlayURL)
	}
	set("title", in.Title)
	set("description", in.Description)
	set("durationSec", in.Duration)
	set("danmakuSamples", chapter.UniqueTexts(in.Comments, MaxSamples))
	if err != nil {
		return "", err
	}
	return out, nil
}

// ParseResponse 把模型文本解析为规范化结果（纯函数）。
//
// 规则：
// - 优先取第一个 ``` 或 ```json 围栏内的内容，否则整体解析
// - 必须是 context 为字符串且 chapters 为数组的 JSON 对象
// - 章节数值按 JSON -> number 规则转换后交给 chapter.Normalize
func ParseResponse(text string, duration int) (Result, error) {
	raw := strings.TrimSpace(text)
	if raw == "" {
		return Result{}, ErrInvalidResponse
	}
	candidate := raw
	if m := fenceRE.FindStringSubmatch(raw); m != nil {
		candidate = m[1]
	}
	if !gjson.Valid(candidate) {
		return Result{}, ErrInvalidResponse
	}

	root := gjson.Parse(candidate)
	if !root.IsObject() {
		return Result{}, ErrInvalidResponse
	}
	ctxv := root.Get("context")
	chs := root.Get("chapters")
	if ctxv.Type != gjson.String || !chs.IsArray() {
		return Result{}, ErrInvalidResponse
	}

	var drafts []chapter.Draft
	chs.ForEach(func(_, it gjson.Result) bool {
		if !it.IsObject() {
			// 非对象元素：所有字段视为缺失。
			drafts = append(drafts, chapter.Draft{Start: math.NaN(), End: math.NaN()})
			return true
		}
		d := chapter.Draft{
			Start: toNumber(it.Get("startSec")),
			End:   toNumber(it.Get("endSec")),
		}
		if t := it.Get("title"); t.Type == gjson.String {
			d.Title, d.HasTitle = t.String(), true
		}
		if sm := it.Get("summary"); sm.Type == gjson.String {
			d.Summary, d.HasSummary = sm.String(), true
		}
		drafts = append(drafts, d)
		return true
	})

	return Result{
		Context:  strings.TrimSpace(ctxv.String()),
		Chapters: chapter.Normalize(drafts, chapter.SafeDuration(float64(duration))),
	}, nil
}

// toNumber 按 JSON -> number 规则转换；缺失/对象/数组/无法解析的字符串返回 NaN。
func toNumber(r gjson.Result) float64 {
	if !r.Exists() {
		return math.NaN()
	}
	switch r.Type {
	case gjson.Null, gjson.False:
		return 0
	case gjson.True:
		return 1
	case gjson.Number:
		return r.Float()
	case gjson.String:
		s := strings.TrimSpace(r.String())
		if s == "" {
			return 0
		}
		if v, ok := prefixedInt(s); ok {
			return v
		}
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return math.NaN()
		}
		return v
	default:
		return math.NaN()
	}
}

// prefixedInt 解析 0x/0o/0b 前缀的无符号整数串（不允许符号与下划线）。
func prefixedInt(s string) (float64, bool) {
	if len(s) < 3 || s[0] != '0' {
		return 0, false
	}
	var base int
	switch s[1] {
	case 'x', 'X':
		base = 16
	case 'o', 'O':
		base = 8
	case 'b', 'B':
		base = 2
	default:
		return 0, false
	}
	n, err := strconv.ParseUint(s[2:], base, 64)
	if err != nil {
		return math.NaN(), true
	}
	return float64(n), true
}
