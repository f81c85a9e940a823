package provider

import (
	"fmt"
	"strings"
)

// HTTPStatusError 表示上游返回了非 2xx 的 HTTP 状态码。
type HTTPStatusError struct {
	URL        string
	StatusCode int
	Location   string
}

func (e *HTTPStatusError) Error() string {
	if e == nil {
		return "HTTP status error"
	}
	loc := strings.TrimSpace(e.Location)
	if loc == "" {
		return fmt.Sprintf("HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("HTTP %d location=%s", e.StatusCode, loc)
}

// APIError 表示上游 JSON 信封返回了 code != 0（或缺少 data）。
type APIError struct {
	Endpoint string
	Code     int
	Message  string
}

func (e *APIError) Error() string {
	if e == nil {
		return "Bilibili API error"
	}
	msg := strings.TrimSpace(e.Message)
	if msg == "" {
		msg = fmt.Sprintf("%d", e.Code)
	}
	return fmt.Sprintf("Bilibili %s API error: %s", e.Endpoint, msg)
}

// BlockedError 表示请求被引导到了风控/验证页面。
// 产品约束：不尝试绕过，直接视为 fetch 失败，让上层走 provider 降级或提示用户配置代理。
type BlockedError struct {
	URL    string
	Reason string // 例如 "risk-control" / "captcha"
}

func (e *BlockedError) Error() string {
	if e == nil {
		return "blocked"
	}
	if strings.TrimSpace(e.Reason) == "" {
		return "blocked"
	}
	return "blocked: " + strings.TrimSpace(e.Reason)
}
