package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/John-Robertt/bilictx/internal/code"
	"github.com/John-Robertt/bilictx/internal/config"
	"github.com/John-Robertt/bilictx/internal/danmaku"
	"github.com/John-Robertt/bilictx/internal/domain"
	"github.com/John-Robertt/bilictx/internal/frame"
	"github.com/John-Robertt/bilictx/internal/infra/httpx"
	"github.com/John-Robertt/bilictx/internal/llm"
	"github.com/John-Robertt/bilictx/internal/logx"
	"github.com/John-Robertt/bilictx/internal/provider"
	"github.com/John-Robertt/bilictx/internal/provider/api"
	"github.com/John-Robertt/bilictx/internal/provider/page"
	"github.com/John-Robertt/bilictx/internal/summary"
)

const (
	// KindInvalidInput：输入中找不到合法 BV 号。
	KindInvalidInput = "invalid_input"
	// KindMetadataFailed：所有 provider 都拿不到元数据，或 cid 无法补齐。
	KindMetadataFailed = "metadata_failed"
)

// Error 是 VideoContext 唯一会返回的错误类型。
type Error struct {
	Kind string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Msg != "" {
		return e.Msg
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return e.Kind
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf 从 error 中提取 Kind；若不是 *Error 则返回空串。
func KindOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// Service 串起“提取 -> 元数据 -> 弹幕/播放地址 -> 摘要”。
//
// 约束：
// - 每次调用只使用本次构造的数据，不跨请求缓存
// - 弹幕与播放地址失败只降级（空列表 / null），不终止请求
// - 只有提取失败与元数据失败会返回错误
type Service struct {
	Registry   provider.Registry
	Provider   string
	MetaClient *http.Client
	Upstream   config.UpstreamConfig

	Summarizer *summary.Summarizer
	Analyzer   *frame.Analyzer

	Observer Observer
	Logger   *slog.Logger
	Now      func() time.Time
}

// New 按最终配置装配 Service。
//
// 模型配置不完整不是错误：记录告警，摘要走回退、截帧识别返回通用提示。
func New(eff config.EffectiveConfig, logger *slog.Logger) (*Service, error) {
	logger = logx.OrDiscard(logger)

	metaClient, err := httpx.NewMetaClient(httpx.Options{
		ProxyURL: eff.ProxyURL,
		Timeout:  eff.RequestTimeout,
		RetryMax: eff.RetryMax,
	})
	if err != nil {
		return nil, err
	}
	reg, err := provider.NewRegistry(
		api.Provider{BaseURL: eff.Upstream.APIBaseURL},
		page.Provider{BaseURL: eff.Upstream.WebBaseURL},
	)
	if err != nil {
		return nil, err
	}

	var chat llm.ChatClient
	modelHTTP, err := httpx.NewModelClient(eff.ProxyURL, eff.Model.Timeout)
	if err != nil {
		return nil, err
	}
	if cli, err := llm.NewClient(eff.Model, modelHTTP); err == nil {
		chat = cli
	} else {
		logger.Warn("model not configured; summaries use the fallback segmenter", "missing", strings.Join(eff.Model.Missing(), ","))
	}

	return &Service{
		Registry:   reg,
		Provider:   eff.Provider,
		MetaClient: metaClient,
		Upstream:   eff.Upstream,
		Summarizer: &summary.Summarizer{Client: chat, Model: eff.Model.ModelID, Logger: logger},
		Analyzer: &frame.Analyzer{
			Client:      chat,
			Model:       eff.Model.ModelID,
			VisionModel: eff.Model.VisionModelID,
			MaxEdge:     eff.FrameMaxEdge,
			Logger:      logger,
		},
		Observer: LogObserver{Logger: logger},
		Logger:   logger,
	}, nil
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *Service) logger() *slog.Logger { return logx.OrDiscard(s.Logger) }

func (s *Service) observer() Observer {
	if s.Observer == nil {
		return Observers(nil)
	}
	return s.Observer
}

// VideoContext 返回视频的全局摘要与章节。
func (s *Service) VideoContext(ctx context.Context, videoURL string) (domain.VideoContext, error) {
	started := s.now()
	reqID := RequestID(ctx)
	obs := s.observer()

	fail := func(err *Error) (domain.VideoContext, error) {
		obs.OnDone(reqID, nil, err, s.now().Sub(started))
		return domain.VideoContext{}, err
	}

	id, err := code.Extract(videoURL)
	if err != nil {
		return fail(&Error{Kind: KindInvalidInput, Msg: err.Error(), Err: err})
	}
	obs.OnStart(reqID, id)

	// 1) metadata
	t0 := s.now()
	meta, used, attempts, err := provider.FetchParseTrace(ctx, s.Registry, s.Provider, id, s.MetaClient)
	if err != nil {
		return fail(&Error{Kind: KindMetadataFailed, Msg: describeMetaError(err), Err: err})
	}
	cid := meta.CID
	if cid == 0 {
		pages, err := api.Pagelist(ctx, s.MetaClient, s.Upstream.APIBaseURL, id)
		if err != nil {
			return fail(&Error{Kind: KindMetadataFailed, Msg: describeMetaError(&provider.Error{Provider: "pagelist", Stage: "fetch", Err: err}), Err: err})
		}
		cid = pages[0].CID
	}
	obs.OnPhaseDone(reqID, "metadata", map[string]any{
		"provider": used,
		"attempts": len(attempts),
		"cid":      cid,
		"duration": meta.Duration,
	}, s.now().Sub(t0))

	// 2) sources：弹幕与播放地址互不依赖，并发获取；失败只降级。
	t1 := s.now()
	var (
		comments []domain.Comment
		playURL  string
	)
	if cid != 0 {
		var g errgroup.Group
		g.Go(func() error {
			cs, err := danmaku.Fetch(ctx, s.MetaClient, s.Upstream.CommentBaseURL, cid)
			if err != nil {
				s.logger().Warn("danmaku unavailable", "request_id", reqID, "cid", cid, "err", err)
				return nil
			}
			comments = cs
			return nil
		})
		g.Go(func() error {
			u, err := api.PlayURL(ctx, s.MetaClient, s.Upstream.APIBaseURL, id, cid)
			if err != nil {
				s.logger().Warn("play url unavailable", "request_id", reqID, "cid", cid, "err", err)
				return nil
			}
			playURL = u
			return nil
		})
		_ = g.Wait()
	}
	obs.OnPhaseDone(reqID, "sources", map[string]any{
		"comments": len(comments),
		"play_url": playURL != "",
	}, s.now().Sub(t1))

	// 3) summary
	t2 := s.now()
	out := s.Summarizer.Run(ctx, summary.Input{
		VideoURL:    videoURL,
		PlayURL:     playURL,
		Title:       meta.Title,
		Description: meta.Desc,
		Duration:    meta.Duration,
		Comments:    comments,
	})
	obs.OnPhaseDone(reqID, "summary", map[string]any{
		"llm_used": out.LLMUsed,
		"chapters": len(out.Chapters),
	}, s.now().Sub(t2))

	chapters := out.Chapters
	if chapters == nil {
		chapters = []domain.Chapter{}
	}
	res := domain.VideoContext{
		Source: domain.Source{
			Platform:  domain.PlatformBilibili,
			BVID:      id,
			CID:       optInt64(cid),
			Duration:  meta.Duration,
			Title:     meta.Title,
			Owner:     meta.Owner,
			VideoURL:  videoURL,
			PlayURL:   optString(playURL),
			FetchedAt: s.now().UTC().Truncate(time.Millisecond),
			LLMUsed:   out.LLMUsed,
		},
		Context:  out.Context,
		Chapters: chapters,
	}
	obs.OnDone(reqID, &res, nil, s.now().Sub(started))
	return res, nil
}

// AnalyzeFrame 返回截帧识别结果或面向用户的提示文本（永不失败）。
func (s *Service) AnalyzeFrame(ctx context.Context, image, contextText string) string {
	started := s.now()
	msg, steps := s.Analyzer.AnalyzeTrace(ctx, image, contextText)
	path := make([]string, 0, len(steps))
	for _, st := range steps {
		path = append(path, st.Stage+":"+st.Kind.String())
	}
	s.logger().Info("frame analyzed",
		"request_id", RequestID(ctx),
		"path", strings.Join(path, ">"),
		"dur_ms", s.now().Sub(started).Milliseconds(),
	)
	return msg
}

func optInt64(v int64) *int64 {
	if v == 0 {
		return nil
	}
	return &v
}

func optString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// describeMetaError 把 provider 链路的最终错误转为可操作的提示。
func describeMetaError(err error) string {
	name := "bilibili"
	var pe *provider.Error
	if errors.As(err, &pe) {
		name = pe.Provider
		if pe.Stage == "parse" {
			var ae *provider.APIError
			if errors.As(pe.Err, &ae) {
				return ae.Error()
			}
			var be *provider.BlockedError
			if !errors.As(pe.Err, &be) {
				return fmt.Sprintf("%s 解析失败（接口结构可能变化或返回了非预期内容）：%v", name, pe.Err)
			}
		}
		err = pe.Err
	}

	var ae *provider.APIError
	if errors.As(err, &ae) {
		return ae.Error()
	}
	var be *provider.BlockedError
	if errors.As(err, &be) {
		return fmt.Sprintf("%s 被站点风控拦截（%s）。当前不支持绕过；建议配置 proxy.url 或稍后重试。", name, be.Reason)
	}
	var hs *provider.HTTPStatusError
	if errors.As(err, &hs) {
		switch hs.StatusCode {
		case 403, 412, 429:
			return fmt.Sprintf("%s 返回 HTTP %d（可能触发风控/限流）。建议配置 proxy.url 或稍后重试。", name, hs.StatusCode)
		case 404:
			return fmt.Sprintf("%s 返回 HTTP 404（视频可能不存在或已下架）。", name)
		default:
			return fmt.Sprintf("Fetch failed: %s 返回 HTTP %d。", name, hs.StatusCode)
		}
	}

	low := strings.ToLower(err.Error())
	if errors.Is(err, context.DeadlineExceeded) || strings.Contains(low, "timeout") {
		return fmt.Sprintf("%s 请求超时。建议检查网络/代理后重试。", name)
	}
	return fmt.Sprintf("%s 元数据获取失败：%v", name, err)
}
