package httpx

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"sync"
)

// maxCapturedBody 是错误响应体的捕获上限。
const maxCapturedBody = 64 << 10

type captureKey struct{}

// ErrorBody 持有一次请求的非 2xx 原始响应体。
//
// SDK 解析错误时只保留部分字段（例如只有 message），
// 调用方需要在原始报文里匹配标记时，通过 WithErrorBody 挂到 ctx 上。
type ErrorBody struct {
	mu     sync.Mutex
	status int
	body   []byte
}

// WithErrorBody 返回携带捕获器的 ctx。
func WithErrorBody(ctx context.Context) (context.Context, *ErrorBody) {
	eb := &ErrorBody{}
	return context.WithValue(ctx, captureKey{}, eb), eb
}

// Status 返回被捕获响应的状态码；未捕获时为 0。
func (e *ErrorBody) Status() int {
	if e == nil {
		return 0
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

// String 返回被捕获的原始响应体（最多 maxCapturedBody 字节）。
func (e *ErrorBody) String() string {
	if e == nil {
		return ""
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return string(e.body)
}

type replayBody struct {
	io.Reader
	io.Closer
}

// captureErrorBody 在 ctx 携带捕获器且响应为 4xx/5xx 时缓存响应体前缀，并把 body 还原给后续读取者。
func captureErrorBody(ctx context.Context, resp *http.Response) {
	eb, _ := ctx.Value(captureKey{}).(*ErrorBody)
	if eb == nil || resp == nil || resp.StatusCode < 400 || resp.Body == nil {
		return
	}
	head, err := io.ReadAll(io.LimitReader(resp.Body, maxCapturedBody))
	resp.Body = replayBody{
		Reader: io.MultiReader(bytes.NewReader(head), readErr{err}, resp.Body),
		Closer: resp.Body,
	}

	eb.mu.Lock()
	eb.status = resp.StatusCode
	eb.body = head
	eb.mu.Unlock()
}

// readErr 在捕获阶段读失败时把原错误交还给后续读取者。
type readErr struct{ err error }

func (r readErr) Read([]byte) (int, error) {
	if r.err != nil {
		return 0, r.err
	}
	return 0, io.EOF
}
