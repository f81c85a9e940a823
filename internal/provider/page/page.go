package page

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/tidwall/gjson"

	"github.com/John-Robertt/bilictx/internal/domain"
	providerx "github.com/John-Robertt/bilictx/internal/provider"
)

const (
	stateMarker = "window.__INITIAL_STATE__="
	titleSuffix = "_哔哩哔哩_bilibili"
)

// Provider 抓取视频详情页并解析元数据。
//
// 约束：
// - 只读页面内嵌数据，不执行 JS
// - 遇到风控/验证页直接返回 BlockedError，不尝试绕过
// - Parse 必须是纯函数（依赖输入 html + pageURL）
type Provider struct {
	// BaseURL 为空时使用 https://www.bilibili.com。
	BaseURL string
}

func (Provider) Name() string { return providerx.NamePage }

// Fetch 请求 <base>/video/<bvid>/。
func (p Provider) Fetch(ctx context.Context, id domain.BVID, c *http.Client) ([]byte, string, error) {
	if c == nil {
		return nil, "", errors.New("http client 不能为空")
	}
	if id == "" {
		return nil, "", errors.New("bvid 不能为空")
	}
	pageURL := id.PageURL(p.BaseURL)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, "", err
	}
	resp, err := c.Do(req)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, "", err
	}
	if resp.StatusCode == http.StatusPreconditionFailed {
		return nil, "", &providerx.BlockedError{URL: pageURL, Reason: "risk-control"}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, "", &providerx.HTTPStatusError{URL: pageURL, StatusCode: resp.StatusCode, Location: resp.Header.Get("Location")}
	}
	if len(b) == 0 {
		return nil, "", errors.New("empty response body")
	}
	return b, pageURL, nil
}

// Parse 把详情页 HTML 解析为 VideoMeta。
//
// 规则：
// - 优先读 __INITIAL_STATE__.videoData（字段最全）
// - 缺失时回退到 meta 标签（无 cid/duration，交给上层 pagelist 补齐）
// - 两者都拿不到标题时视为解析失败
func (Provider) Parse(id domain.BVID, html []byte, pageURL string) (domain.VideoMeta, error) {
	if id == "" {
		return domain.VideoMeta{}, errors.New("bvid 不能为空")
	}
	if len(html) == 0 {
		return domain.VideoMeta{}, errors.New("html 为空")
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(html))
	if err != nil {
		return domain.VideoMeta{}, err
	}

	meta := domain.VideoMeta{BVID: id}

	vd, ok := initialState(doc)
	if !ok && looksBlocked(doc, html) {
		return domain.VideoMeta{}, &providerx.BlockedError{URL: strings.TrimSpace(pageURL), Reason: "captcha"}
	}
	if ok {
		meta.CID = vd.Get("cid").Int()
		meta.Duration = int(vd.Get("duration").Int())
		meta.Title = strings.TrimSpace(vd.Get("title").String())
		meta.Desc = vd.Get("desc").String()
		meta.Owner = strings.TrimSpace(vd.Get("owner.name").String())
	}

	if meta.Title == "" {
		meta.Title = metaContent(doc, "meta[itemprop='name']", "meta[property='og:title']")
		if meta.Title == "" {
			meta.Title = strings.TrimSpace(doc.Find("title").First().Text())
		}
		meta.Title = strings.TrimSpace(strings.TrimSuffix(meta.Title, titleSuffix))
	}
	if meta.Desc == "" {
		meta.Desc = metaContent(doc, "meta[itemprop='description']", "meta[name='description']")
	}
	if meta.Owner == "" {
		meta.Owner = metaContent(doc, "meta[itemprop='author']", "meta[name='author']")
	}
	if meta.Duration == 0 {
		meta.Duration = isoDurationSeconds(metaContent(doc, "meta[itemprop='duration']"))
	}

	if meta.Title == "" {
		return domain.VideoMeta{}, errors.New("页面中未找到视频标题")
	}
	return meta, nil
}

// initialState 在 <script> 中定位 window.__INITIAL_STATE__ 并返回 videoData。
func initialState(doc *goquery.Document) (gjson.Result, bool) {
	var (
		vd gjson.Result
		ok bool
	)
	doc.Find("script").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		txt := s.Text()
		i := strings.Index(txt, stateMarker)
		if i < 0 {
			return true
		}
		raw := txt[i+len(stateMarker):]
		if j := strings.Index(raw, ";(function"); j >= 0 {
			raw = raw[:j]
		}
		raw = strings.TrimSuffix(strings.TrimSpace(raw), ";")
		r := gjson.Get(raw, "videoData")
		if r.IsObject() {
			vd, ok = r, true
		}
		return false
	})
	return vd, ok
}

func metaContent(doc *goquery.Document, selectors ...string) string {
	for _, sel := range selectors {
		if v, ok := doc.Find(sel).First().Attr("content"); ok {
			if v = strings.TrimSpace(v); v != "" {
				return v
			}
		}
	}
	return ""
}

func looksBlocked(doc *goquery.Document, html []byte) bool {
	if bytes.Contains(html, []byte("geetest")) || bytes.Contains(html, []byte("risk-captcha")) {
		return true
	}
	title := doc.Find("title").First().Text()
	return strings.Contains(title, "验证码") || strings.Contains(title, "安全验证")
}

// isoDurationSeconds 解析 "PT5M30S" 形式的时长；无法解析时返回 0。
func isoDurationSeconds(s string) int {
	s = strings.ToUpper(strings.TrimSpace(s))
	if !strings.HasPrefix(s, "PT") {
		return 0
	}
	s = s[2:]
	total := 0
	num := ""
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
			num += string(r)
		case r == 'H' || r == 'M' || r == 'S':
			n, err := strconv.Atoi(num)
			if err != nil {
				return 0
			}
			switch r {
			case 'H':
				total += n * 3600
			case 'M':
				total += n * 60
			default:
				total += n
			}
			num = ""
		default:
			return 0
		}
	}
	if num != "" {
		return 0
	}
	return total
}
