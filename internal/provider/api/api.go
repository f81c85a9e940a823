package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/John-Robertt/bilictx/internal/domain"
	providerx "github.com/John-Robertt/bilictx/internal/provider"
)

// DefaultBaseURL 是 B 站 JSON 接口的默认域名。
const DefaultBaseURL = "https://api.bilibili.com"

const maxBodyBytes = 8 << 20

// 风控相关的信封 code：出现时视为被拦截，而不是普通的接口错误。
var blockedCodes = map[int64]string{
	-352: "risk-control",
	-412: "request-intercepted",
}

// Provider 通过 web-interface/view 接口获取视频元数据。
//
// 约束：
// - Fetch/Parse 不做缓存/重试/限速（由上层统一控制）
// - Parse 必须是纯函数（只依赖输入 body）
type Provider struct {
	// BaseURL 为空时使用 DefaultBaseURL；测试与自建反代时可覆盖。
	BaseURL string
}

func (Provider) Name() string { return providerx.NameAPI }

func (p Provider) baseURL() string { return trimBase(p.BaseURL) }

func trimBase(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return DefaultBaseURL
	}
	return strings.TrimRight(s, "/")
}

// Fetch 请求 /x/web-interface/view?bvid=<id>，返回原始 JSON。
func (p Provider) Fetch(ctx context.Context, id domain.BVID, c *http.Client) ([]byte, string, error) {
	if c == nil {
		return nil, "", errors.New("http client 不能为空")
	}
	if id == "" {
		return nil, "", errors.New("bvid 不能为空")
	}
	u := p.baseURL() + "/x/web-interface/view?bvid=" + url.QueryEscape(string(id))
	b, err := fetchJSON(ctx, c, u)
	return b, u, err
}

// Parse 校验信封并映射 data 字段。
//
// 规则：
// - code != 0 或缺少 data：APIError（风控 code 映射为 BlockedError）
// - duration 缺失时为 0；cid 缺失时为 0（交给上层 pagelist 补齐）
func (Provider) Parse(id domain.BVID, body []byte, pageURL string) (domain.VideoMeta, error) {
	data, err := envelopeData("view", pageURL, body)
	if err != nil {
		return domain.VideoMeta{}, err
	}
	if !data.IsObject() {
		return domain.VideoMeta{}, &providerx.APIError{Endpoint: "view", Code: 0, Message: "data 不是对象"}
	}
	return domain.VideoMeta{
		BVID:     id,
		CID:      data.Get("cid").Int(),
		Duration: int(data.Get("duration").Int()),
		Title:    data.Get("title").String(),
		Desc:     data.Get("desc").String(),
		Owner:    data.Get("owner.name").String(),
	}, nil
}

// Page 是 pagelist 返回的单个分 P。
type Page struct {
	CID      int64
	Page     int
	Part     string
	Duration int
}

// Pagelist 请求 /x/player/pagelist?bvid=<id>；空列表视为错误。
func Pagelist(ctx context.Context, c *http.Client, baseURL string, id domain.BVID) ([]Page, error) {
	if c == nil {
		return nil, errors.New("http client 不能为空")
	}
	u := trimBase(baseURL) + "/x/player/pagelist?bvid=" + url.QueryEscape(string(id))
	b, err := fetchJSON(ctx, c, u)
	if err != nil {
		return nil, err
	}
	return parsePagelist(b, u)
}

func parsePagelist(body []byte, src string) ([]Page, error) {
	data, err := envelopeData("pagelist", src, body)
	if err != nil {
		return nil, err
	}
	arr := data.Array()
	if !data.IsArray() || len(arr) == 0 {
		return nil, &providerx.APIError{Endpoint: "pagelist", Code: int(gjson.GetBytes(body, "code").Int()), Message: gjson.GetBytes(body, "message").String()}
	}
	out := make([]Page, 0, len(arr))
	for _, it := range arr {
		out = append(out, Page{
			CID:      it.Get("cid").Int(),
			Page:     int(it.Get("page").Int()),
			Part:     it.Get("part").String(),
			Duration: int(it.Get("duration").Int()),
		})
	}
	return out, nil
}

// PlayURL 请求 /x/player/playurl，返回可直接播放的地址。
//
// 规则：
// - 优先 dash.video[0].baseUrl（或 base_url），其次 durl[0].url
// - 信封失败（code != 0 或无 data）返回 ""，不视为错误
// - 传输失败/非 2xx 返回错误，由调用方决定是否吞掉
func PlayURL(ctx context.Context, c *http.Client, baseURL string, id domain.BVID, cid int64) (string, error) {
	if c == nil {
		return "", errors.New("http client 不能为空")
	}
	q := url.Values{}
	q.Set("bvid", string(id))
	q.Set("cid", strconv.FormatInt(cid, 10))
	q.Set("qn", "64")
	q.Set("fnver", "0")
	q.Set("fnval", "16")
	q.Set("fourk", "1")
	q.Set("platform", "html5")
	u := trimBase(baseURL) + "/x/player/playurl?" + q.Encode()
	b, err := fetchJSON(ctx, c, u)
	if err != nil {
		return "", err
	}
	return parsePlayURL(b), nil
}

func parsePlayURL(body []byte) string {
	if !gjson.ValidBytes(body) {
		return ""
	}
	root := gjson.ParseBytes(body)
	data := root.Get("data")
	if root.Get("code").Int() != 0 || !root.Get("code").Exists() || !data.Exists() || data.Type == gjson.Null {
		return ""
	}
	for _, path := range []string{"dash.video.0.baseUrl", "dash.video.0.base_url", "durl.0.url"} {
		if s := strings.TrimSpace(data.Get(path).String()); s != "" {
			return s
		}
	}
	return ""
}

// envelopeData 校验 {code,message,data} 信封并返回 data。
func envelopeData(endpoint, src string, body []byte) (gjson.Result, error) {
	if !gjson.ValidBytes(body) {
		return gjson.Result{}, fmt.Errorf("%s 响应不是合法 JSON", endpoint)
	}
	root := gjson.ParseBytes(body)
	code := root.Get("code")
	data := root.Get("data")
	if code.Exists() && code.Int() == 0 && data.Exists() && data.Type != gjson.Null {
		return data, nil
	}
	if reason, ok := blockedCodes[code.Int()]; ok {
		return gjson.Result{}, &providerx.BlockedError{URL: src, Reason: reason}
	}
	return gjson.Result{}, &providerx.APIError{Endpoint: endpoint, Code: int(code.Int()), Message: root.Get("message").String()}
}

func fetchJSON(ctx context.Context, c *http.Client, u string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		return nil, &providerx.HTTPStatusError{URL: u, StatusCode: resp.StatusCode, Location: resp.Header.Get("Location")}
	}
	b, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, err
	}
	if len(b) == 0 {
		return nil, errors.New("empty response body")
	}
	return b, nil
}
