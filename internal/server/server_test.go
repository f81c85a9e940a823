package server

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/John-Robertt/bilictx/internal/app/pipeline"
	"github.com/John-Robertt/bilictx/internal/domain"
)

type stubBackend struct {
	calls  atomic.Int32
	gate   chan struct{}
	err    error
	frames []string
	mu     sync.Mutex
	lastID string
	// frameCtxErr 记录 AnalyzeFrame 收到的 ctx 状态。
	frameCtxErr error
}

func (b *stubBackend) VideoContext(ctx context.Context, videoURL string) (domain.VideoContext, error) {
	b.calls.Add(1)
	b.mu.Lock()
	b.lastID = pipeline.RequestID(ctx)
	b.mu.Unlock()
	if b.gate != nil {
		<-b.gate
	}
	if b.err != nil {
		return domain.VideoContext{}, b.err
	}
	return domain.VideoContext{
		Source:   domain.Source{Platform: domain.PlatformBilibili, BVID: "BV1Y8ZWBAEYh", VideoURL: videoURL},
		Context:  "c",
		Chapters: []domain.Chapter{},
	}, nil
}

func (b *stubBackend) AnalyzeFrame(ctx context.Context, image, contextText string) string {
	b.mu.Lock()
	b.frames = append(b.frames, contextText)
	b.frameCtxErr = ctx.Err()
	b.mu.Unlock()
	return "识别：" + contextText
}

type envelope struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data"`
	Error string          `json:"error"`
}

func newTestServer(t *testing.T, b Backend, maxBody int64) *Server {
	t.Helper()
	s, err := New(Options{Backend: b, MaxBodyBytes: maxBody})
	if err != nil {
		t.Fatalf("构造 Server 失败：%v", err)
	}
	return s
}

func do(t *testing.T, s *Server, method, path, body string) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	var env envelope
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatalf("响应不是合法 JSON：%q", rec.Body.String())
	}
	return rec, env
}

func TestHealth(t *testing.T) {
	s := newTestServer(t, &stubBackend{}, 0)
	rec, env := do(t, s, http.MethodGet, "/health", "")
	if rec.Code != http.StatusOK || !env.OK {
		t.Fatalf("health 不符合预期：%d %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), `"service":"video-context-api"`) {
		t.Fatalf("缺少 service 字段：%s", rec.Body.String())
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Fatalf("缺少 CORS 头")
	}
	if rec.Header().Get(HeaderRequestID) == "" {
		t.Fatalf("缺少 %s", HeaderRequestID)
	}
}

func TestOptionsAndNotFound(t *testing.T) {
	s := newTestServer(t, &stubBackend{}, 0)

	rec, env := do(t, s, http.MethodOptions, "/api/video-context", "")
	if rec.Code != http.StatusOK || !env.OK {
		t.Fatalf("OPTIONS 应返回 200 {ok:true}：%d %s", rec.Code, rec.Body.String())
	}
	if got := rec.Header().Get("Access-Control-Allow-Methods"); got != "GET,POST,OPTIONS" {
		t.Fatalf("Allow-Methods 不符合预期：%q", got)
	}

	rec, env = do(t, s, http.MethodGet, "/nope", "")
	if rec.Code != http.StatusNotFound || env.OK || env.Error != "Not found" {
		t.Fatalf("未知路由应 404：%d %s", rec.Code, rec.Body.String())
	}
	rec, _ = do(t, s, http.MethodGet, "/api/video-context", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("GET /api/video-context 应 404，实际 %d", rec.Code)
	}
}

func TestVideoContext_Validation(t *testing.T) {
	b := &stubBackend{}
	s := newTestServer(t, b, 0)

	for _, body := range []string{"", "{}", `{"videoUrl":"  "}`, `{"videoUrl":42}`} {
		rec, env := do(t, s, http.MethodPost, "/api/video-context", body)
		if rec.Code != http.StatusBadRequest || env.Error != "videoUrl is required" {
			t.Fatalf("body=%q 期望 400 videoUrl is required，实际 %d %s", body, rec.Code, rec.Body.String())
		}
	}
	rec, env := do(t, s, http.MethodPost, "/api/video-context", "{oops")
	if rec.Code != http.StatusBadRequest || env.OK {
		t.Fatalf("非法 JSON 应 400：%d %s", rec.Code, rec.Body.String())
	}
	if b.calls.Load() != 0 {
		t.Fatalf("校验失败不应调用业务层")
	}
}

func TestVideoContext_SuccessAndError(t *testing.T) {
	b := &stubBackend{}
	s := newTestServer(t, b, 0)

	req := httptest.NewRequest(http.MethodPost, "/api/video-context", strings.NewReader(`{"videoUrl":"BV1Y8ZWBAEYh"}`))
	req.Header.Set(HeaderRequestID, "rid-1")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("期望 200，实际 %d %s", rec.Code, rec.Body.String())
	}
	var env envelope
	_ = json.Unmarshal(rec.Body.Bytes(), &env)
	var vc domain.VideoContext
	if err := json.Unmarshal(env.Data, &vc); err != nil || vc.Source.BVID != "BV1Y8ZWBAEYh" {
		t.Fatalf("data 不符合预期：%s", env.Data)
	}
	if rec.Header().Get(HeaderRequestID) != "rid-1" || b.lastID != "rid-1" {
		t.Fatalf("请求 ID 未透传：header=%q ctx=%q", rec.Header().Get(HeaderRequestID), b.lastID)
	}

	b2 := &stubBackend{err: &pipeline.Error{Kind: pipeline.KindInvalidInput, Msg: "Invalid Bilibili URL or BV id not found."}}
	s2 := newTestServer(t, b2, 0)
	rec, env = do(t, s2, http.MethodPost, "/api/video-context", `{"videoUrl":"https://example.com"}`)
	if rec.Code != http.StatusInternalServerError || env.Error != "Invalid Bilibili URL or BV id not found." {
		t.Fatalf("业务错误应 500 + 原文：%d %s", rec.Code, rec.Body.String())
	}
}

func TestVideoContext_SameVideoSharesOneRun(t *testing.T) {
	b := &stubBackend{gate: make(chan struct{})}
	s := newTestServer(t, b, 0)

	urls := []string{
		"https://www.bilibili.com/video/BV1Y8ZWBAEYh/?p=1",
		"https://www.bilibili.com/video/BV1Y8ZWBAEYh/?spm=x",
	}
	var wg sync.WaitGroup
	got := make([]domain.VideoContext, len(urls))
	for i, u := range urls {
		wg.Add(1)
		go func(i int, u string) {
			defer wg.Done()
			req := httptest.NewRequest(http.MethodPost, "/api/video-context", strings.NewReader(`{"videoUrl":"`+u+`"}`))
			rec := httptest.NewRecorder()
			s.Handler().ServeHTTP(rec, req)
			var env envelope
			if json.Unmarshal(rec.Body.Bytes(), &env) == nil {
				_ = json.Unmarshal(env.Data, &got[i])
			}
		}(i, u)
	}

	// 等两个请求都进入 singleflight 后再放行。
	deadline := time.Now().Add(2 * time.Second)
	for b.calls.Load() < 1 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	time.Sleep(50 * time.Millisecond)
	close(b.gate)
	wg.Wait()

	if n := b.calls.Load(); n != 1 {
		t.Fatalf("同一 BV 的并发请求应只执行一次，实际 %d", n)
	}
	for i, u := range urls {
		if got[i].Source.VideoURL != u {
			t.Fatalf("videoUrl 应为各自请求的输入：got=%q want=%q", got[i].Source.VideoURL, u)
		}
	}
}

func TestVideoContext_BodyTooLarge(t *testing.T) {
	s := newTestServer(t, &stubBackend{}, 32)
	rec, env := do(t, s, http.MethodPost, "/api/video-context", `{"videoUrl":"`+strings.Repeat("x", 100)+`"}`)
	if rec.Code != http.StatusRequestEntityTooLarge || env.OK {
		t.Fatalf("超限应 413：%d %s", rec.Code, rec.Body.String())
	}
}

func TestAnalyzeFrame(t *testing.T) {
	b := &stubBackend{}
	s := newTestServer(t, b, 0)

	for _, body := range []string{"", `{"image":"abc"}`, `{"image":123}`} {
		rec, env := do(t, s, http.MethodPost, "/api/analyze-frame", body)
		if rec.Code != http.StatusBadRequest || env.Error != "Valid image base64 string is required" {
			t.Fatalf("body=%q 期望 400，实际 %d %s", body, rec.Code, rec.Body.String())
		}
	}

	rec, env := do(t, s, http.MethodPost, "/api/analyze-frame", `{"image":"data:image/png;base64,AAAA","contextText":"英歌舞"}`)
	if rec.Code != http.StatusOK || !env.OK {
		t.Fatalf("期望 200：%d %s", rec.Code, rec.Body.String())
	}
	var msg string
	_ = json.Unmarshal(env.Data, &msg)
	if msg != "识别：英歌舞" {
		t.Fatalf("data 不符合预期：%q", msg)
	}

	// contextText 非字符串时按空串处理。
	_, env = do(t, s, http.MethodPost, "/api/analyze-frame", `{"image":"data:image/png;base64,AAAA","contextText":5}`)
	_ = json.Unmarshal(env.Data, &msg)
	if msg != "识别：" {
		t.Fatalf("非字符串 contextText 应视为空：%q", msg)
	}
}

func TestNew_RequiresBackend(t *testing.T) {
	if _, err := New(Options{}); err == nil {
		t.Fatalf("backend 为空应报错")
	}
}

func TestServe_ShutsDownOnCancel(t *testing.T) {
	s := newTestServer(t, &stubBackend{}, 0)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("监听失败：%v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, ln, time.Second) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/health")
	if err != nil {
		t.Fatalf("请求失败：%v", err)
	}
	resp.Body.Close()

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("优雅退出不应报错：%v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("Serve 未在取消后退出")
	}
}

func TestAnalyzeFrame_ClientGoneDoesNotCancel(t *testing.T) {
	b := &stubBackend{}
	s := newTestServer(t, b, 0)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req := httptest.NewRequest(http.MethodPost, "/api/analyze-frame", strings.NewReader(`{"image":"data:image/png;base64,AAAA","contextText":"英歌舞"}`)).WithContext(ctx)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("期望 200，实际 %d：%s", rec.Code, rec.Body.String())
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.frames) != 1 {
		t.Fatalf("期望识别被调用一次，实际 %d", len(b.frames))
	}
	if b.frameCtxErr != nil {
		t.Fatalf("客户端断开不应取消识别 ctx，实际 %v", b.frameCtxErr)
	}
}
