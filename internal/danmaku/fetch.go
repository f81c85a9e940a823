package danmaku

import (
	"bufio"
	"compress/flate"
	"compress/gzip"
	"compress/zlib"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/John-Robertt/bilictx/internal/domain"
	"github.com/John-Robertt/bilictx/internal/provider"
)

// DefaultBaseURL 是弹幕 XML 的公开地址前缀：<base>/<cid>.xml。
const DefaultBaseURL = "https://comment.bilibili.com"

const maxXMLBytes = 32 << 20

// Fetch 拉取 cid 对应的弹幕文档并解析。
//
// 该站点常以 raw DEFLATE 返回（Content-Encoding: deflate），net/http 不会自动解压，这里显式处理。
func Fetch(ctx context.Context, c *http.Client, baseURL string, cid int64) ([]domain.Comment, error) {
	if c == nil {
		return nil, errors.New("http client 不能为空")
	}
	if cid <= 0 {
		return nil, fmt.Errorf("cid 无效：%d", cid)
	}

	base := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if base == "" {
		base = DefaultBaseURL
	}
	u := base + "/" + strconv.FormatInt(cid, 10) + ".xml"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &provider.HTTPStatusError{URL: u, StatusCode: resp.StatusCode}
	}

	r, err := decodeBody(resp.Body, resp.Header.Get("Content-Encoding"))
	if err != nil {
		return nil, err
	}
	b, err := io.ReadAll(io.LimitReader(r, maxXMLBytes))
	if err != nil {
		return nil, fmt.Errorf("读取弹幕失败：%w", err)
	}
	return Parse(b), nil
}

func decodeBody(r io.Reader, encoding string) (io.Reader, error) {
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "", "identity":
		return r, nil
	case "gzip":
		return gzip.NewReader(r)
	case "deflate":
		// 规范上 deflate 指 zlib 包装，但实际多为 raw DEFLATE；按头部字节区分。
		br := bufio.NewReader(r)
		if h, err := br.Peek(2); err == nil && isZlibHeader(h) {
			return zlib.NewReader(br)
		}
		return flate.NewReader(br), nil
	default:
		return nil, fmt.Errorf("不支持的 Content-Encoding：%q", encoding)
	}
}

func isZlibHeader(h []byte) bool {
	if len(h) < 2 {
		return false
	}
	return h[0]&0x0f == 8 && (uint16(h[0])<<8|uint16(h[1]))%31 == 0
}
