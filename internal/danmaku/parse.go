// Package danmaku 负责弹幕 XML 的拉取与解析。
package danmaku

import (
	"bytes"
	"math"
	"regexp"
	"strconv"
	"strings"

	"golang.org/x/net/html"

	"github.com/John-Robertt/bilictx/internal/domain"
)

// 只解码这五种实体；其余实体（包括 &nbsp; 与其它数字引用）原样保留。
// 单遍替换：&amp;lt; 解码为 &lt;，不会继续解码成 <。
var entityReplacer = strings.NewReplacer(
	"&amp;", "&",
	"&lt;", "<",
	"&gt;", ">",
	"&quot;", `"`,
	"&#39;", "'",
)

// DecodeEntities 解码弹幕正文中的五种标准 HTML 实体。
func DecodeEntities(s string) string {
	return entityReplacer.Replace(s)
}

// Parse 把弹幕文档解析为按文档顺序排列的 Comment 列表。
//
// 形如 <d p="12.5,1,25,...">TEXT</d> 的元素产出一条记录：
// - p 按逗号切分，第一段是秒偏移（前缀浮点解析）；非有限值或负值视为畸形
// - 正文取原始字节（标签内嵌内容也保留），只做五种实体解码 + trim
// - 缺少 p、自闭合、未闭合的元素静默跳过，不报错
func Parse(raw []byte) []domain.Comment {
	out := make([]domain.Comment, 0, 64)
	if len(raw) == 0 {
		return out
	}

	z := html.NewTokenizer(bytes.NewReader(raw))

	var (
		open bool
		attr string
		body bytes.Buffer
	)
	for {
		tt := z.Next()
		if tt == html.ErrorToken {
			// io.EOF 或截断：仍处于 open 状态的 <d> 直接丢弃。
			return out
		}

		switch tt {
		case html.StartTagToken, html.SelfClosingTagToken:
			// TagName 会就地改写大小写，先保留原始字节。
			saved := append([]byte(nil), z.Raw()...)
			name, hasAttr := z.TagName()
			if string(name) == "d" {
				// 新的 <d> 打断上一个未闭合的 <d>（上一个作废）。
				open = tt == html.StartTagToken
				attr = ""
				body.Reset()
				if open && hasAttr {
					attr = readP(z)
				}
				continue
			}
			if open {
				body.Write(saved)
			}
		case html.EndTagToken:
			saved := append([]byte(nil), z.Raw()...)
			name, _ := z.TagName()
			if string(name) == "d" {
				if open {
					if c, ok := newComment(attr, body.String()); ok {
						out = append(out, c)
					}
				}
				open = false
				continue
			}
			if open {
				body.Write(saved)
			}
		default:
			if open {
				body.Write(z.Raw())
			}
		}
	}
}

func readP(z *html.Tokenizer) string {
	for {
		k, v, more := z.TagAttr()
		if string(k) == "p" {
			return string(v)
		}
		if !more {
			return ""
		}
	}
}

func newComment(p, rawText string) (domain.Comment, bool) {
	if p == "" {
		return domain.Comment{}, false
	}
	first, _, _ := strings.Cut(p, ",")
	sec, ok := parseLeadingFloat(first)
	if !ok || sec < 0 {
		return domain.Comment{}, false
	}
	return domain.Comment{
		Second: sec,
		Text:   strings.TrimSpace(DecodeEntities(rawText)),
	}, true
}

var leadingFloatRE = regexp.MustCompile(`^[+-]?(?:[0-9]+\.?[0-9]*|\.[0-9]+)(?:[eE][+-]?[0-9]+)?`)

// parseLeadingFloat 解析字符串开头的十进制浮点数（"12.5abc" -> 12.5）。
func parseLeadingFloat(s string) (float64, bool) {
	m := leadingFloatRE.FindString(strings.TrimSpace(s))
	if m == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(m, 64)
	if err != nil || math.IsInf(v, 0) || math.IsNaN(v) {
		return 0, false
	}
	return v, true
}
