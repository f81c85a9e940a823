package provider

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/John-Robertt/bilictx/internal/domain"
)

const (
	// NameAPI 是 JSON 接口 provider（web-interface/view）。
	NameAPI = "api"
	// NamePage 是视频详情页抓取 provider。
	NamePage = "page"
)

// Attempt 记录一次 provider 尝试（用于解释 fallback/降级原因）。
type Attempt struct {
	Provider string // provider name（小写）
	Stage    string // "fetch" / "parse" / "ok"
	Err      error  // nil when Stage=="ok"
}

// FetchParseTrace 按“requested -> fallback”顺序抓取并解析视频元数据，同时返回 provider 的尝试链路。
//
// 注册表里缺失的 fallback provider 直接跳过（只注册一个 provider 时即为“无降级”）；
// 全部失败时返回最后一个错误。
func FetchParseTrace(ctx context.Context, reg Registry, providerRequested string, id domain.BVID, c *http.Client) (meta domain.VideoMeta, providerUsed string, attempts []Attempt, err error) {
	providerRequested = strings.ToLower(strings.TrimSpace(providerRequested))
	if providerRequested == "" {
		return domain.VideoMeta{}, "", nil, fmt.Errorf("provider_requested 不能为空")
	}
	if id == "" {
		return domain.VideoMeta{}, "", nil, fmt.Errorf("bvid 不能为空")
	}

	order, err := FallbackOrder(providerRequested)
	if err != nil {
		return domain.VideoMeta{}, "", nil, err
	}

	var lastErr error
	for i, name := range order {
		p, ok := reg.Get(name)
		if !ok {
			if i == 0 {
				lastErr = fmt.Errorf("provider 未注册：%q", name)
				attempts = append(attempts, Attempt{Provider: name, Stage: "fetch", Err: lastErr})
			}
			continue
		}

		body, pageURL, ferr := p.Fetch(ctx, id, c)
		if ferr != nil {
			lastErr = &Error{Provider: name, Stage: "fetch", Err: ferr}
			attempts = append(attempts, Attempt{Provider: name, Stage: "fetch", Err: ferr})
			continue
		}

		m, perr := p.Parse(id, body, pageURL)
		if perr != nil {
			lastErr = &Error{Provider: name, Stage: "parse", Err: perr}
			attempts = append(attempts, Attempt{Provider: name, Stage: "parse", Err: perr})
			continue
		}

		m.BVID = id
		attempts = append(attempts, Attempt{Provider: name, Stage: "ok", Err: nil})
		return m, name, attempts, nil
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("无可用 provider")
	}
	return domain.VideoMeta{}, "", attempts, lastErr
}

// Error 是 provider 阶段的可追溯错误。
type Error struct {
	Provider string // provider name（小写）
	Stage    string // "fetch" 或 "parse"
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("provider=%s stage=%s: %v", e.Provider, e.Stage, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// FallbackOrder 返回 requested 对应的尝试顺序。
func FallbackOrder(requested string) ([]string, error) {
	switch strings.ToLower(strings.TrimSpace(requested)) {
	case NameAPI:
		return []string{NameAPI, NamePage}, nil
	case NamePage:
		return []string{NamePage, NameAPI}, nil
	default:
		return nil, fmt.Errorf("未知 provider：%q", requested)
	}
}
