package httpx

import (
	"errors"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

const (
	DefaultTimeout      = 20 * time.Second
	DefaultModelTimeout = 90 * time.Second

	// DefaultReferer 让 B 站接口把请求视为来自主站页面。
	DefaultReferer = "https://www.bilibili.com/"
)

// Options 描述出站 HTTP client 的网络策略。
type Options struct {
	// ProxyURL 非空时所有请求走代理，且每请求新连接。
	ProxyURL string
	// Timeout 为单次请求的总超时；<=0 时使用 DefaultTimeout。
	Timeout time.Duration
	// RetryMax 表示传输层失败时的最大重试次数（不含首次尝试）；默认 0。
	RetryMax int
	// Referer 为空时不注入。
	Referer string
}

// Transport 把“UA 池 + Referer + 代理 + keep-alive 策略 + 有界重试”固化为统一策略。
//
// provider 只负责“定位接口/页面 + 解析响应”，不关心网络策略细节。
type Transport struct {
	Base *http.Transport

	// ua 为 nil 时不注入 User-Agent。
	ua *uaPool

	Referer string

	// RetryMax 表示最大重试次数（不含首次尝试）。例如 2 表示最多 3 次尝试。
	RetryMax int

	// DisableKeepAlives 决定是否对 Request 设置 Close=true（额外保险）。
	// 真正禁用 keep-alive 依赖 Base.DisableKeepAlives。
	DisableKeepAlives bool
}

func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req == nil {
		return nil, errors.New("nil request")
	}
	if t.Base == nil {
		return nil, errors.New("nil base transport")
	}

	// 只对“可重放”的请求做重试：GET/HEAD 且无 body。
	canRetry := (req.Method == http.MethodGet || req.Method == http.MethodHead) && (req.Body == nil || req.Body == http.NoBody)
	max := t.RetryMax
	if max < 0 {
		max = 0
	}
	if !canRetry {
		max = 0
	}

	var lastErr error
	for attempt := 0; attempt <= max; attempt++ {
		r := req.Clone(req.Context())
		if t.ua != nil && r.Header.Get("User-Agent") == "" {
			r.Header.Set("User-Agent", t.ua.random())
		}
		if t.Referer != "" && r.Header.Get("Referer") == "" {
			r.Header.Set("Referer", t.Referer)
		}
		if t.DisableKeepAlives {
			r.Close = true
		}

		resp, err := t.Base.RoundTrip(r)
		if err == nil {
			captureErrorBody(req.Context(), resp)
			return resp, nil
		}
		lastErr = err
		if req.Context().Err() != nil {
			// ctx 已取消：不再重试，直接返回最后错误。
			return nil, lastErr
		}
	}
	return nil, lastErr
}

// NewMetaClient 构造用于 B 站接口/页面/弹幕抓取的 HTTP client。
//
// 规则：
// - ProxyURL 非空：必须走代理，且禁用 keep-alive（每请求新连接）
// - 内置 UA 池：每个请求随机 UA；默认注入主站 Referer
// - 有界重试 + 总超时
func NewMetaClient(opts Options) (*http.Client, error) {
	if strings.TrimSpace(opts.Referer) == "" {
		opts.Referer = DefaultReferer
	}
	return newClient(opts, globalUA)
}

// NewModelClient 构造用于模型服务的 HTTP client。
//
// 规则：
// - 不注入 UA/Referer（由 SDK 自行设置）
// - POST 请求不重试（Transport 只重放 GET/HEAD）
// - 超时默认 DefaultModelTimeout
// - ctx 经 WithErrorBody 包装时，非 2xx 原始响应体可供调用方匹配
func NewModelClient(proxyURL string, timeout time.Duration) (*http.Client, error) {
	if timeout <= 0 {
		timeout = DefaultModelTimeout
	}
	return newClient(Options{ProxyURL: proxyURL, Timeout: timeout}, nil)
}

func newClient(opts Options, ua *uaPool) (*http.Client, error) {
	base := &http.Transport{
		Proxy:                 nil,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 15 * time.Second,
		MaxIdleConnsPerHost:   8,
		IdleConnTimeout:       90 * time.Second,
	}
	disableKeepAlives := false

	proxyURL := strings.TrimSpace(opts.ProxyURL)
	if proxyURL != "" {
		u, err := url.Parse(proxyURL)
		if err != nil {
			return nil, err
		}
		if u.Scheme == "" || u.Host == "" {
			return nil, errors.New("proxy.url 缺少 scheme 或 host")
		}
		base.Proxy = http.ProxyURL(u)
		// proxy 模式强制每请求新连接（代理池轮换依赖该行为）。
		base.DisableKeepAlives = true
		disableKeepAlives = true
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if timeout > base.ResponseHeaderTimeout && ua == nil {
		// 模型服务首包可能很慢，仅由总超时约束。
		base.ResponseHeaderTimeout = 0
	}

	tr := &Transport{
		Base:              base,
		ua:                ua,
		Referer:           strings.TrimSpace(opts.Referer),
		RetryMax:          opts.RetryMax,
		DisableKeepAlives: disableKeepAlives,
	}
	return &http.Client{
		Transport: tr,
		Timeout:   timeout,
	}, nil
}

type uaPool struct {
	mu  sync.Mutex
	rnd *rand.Rand
	uas []string
}

func (p *uaPool) random() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.uas[p.rnd.Intn(len(p.uas))]
}

var globalUA = newUAPool()

func newUAPool() *uaPool {
	uas := []string{
		"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0.0.0 Safari/537.36",
		"Mozilla/5.0 (Macintosh; Intel Mac OS X 14_5) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.5 Safari/605.1.15",
		"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0.0.0 Safari/537.36",
	}
	return &uaPool{
		rnd: rand.New(rand.NewSource(time.Now().UnixNano())),
		uas: uas,
	}
}
