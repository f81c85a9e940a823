package server

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/John-Robertt/bilictx/internal/app/pipeline"
	"github.com/John-Robertt/bilictx/internal/code"
	"github.com/John-Robertt/bilictx/internal/domain"
	"github.com/John-Robertt/bilictx/internal/frame"
	"github.com/John-Robertt/bilictx/internal/logx"
)

// ServiceName 出现在 /health 响应中。
const ServiceName = "video-context-api"

// HeaderRequestID 是请求 ID 的响应头（也接受客户端传入）。
const HeaderRequestID = "X-Request-Id"

// Backend 是 HTTP 层依赖的最小业务接口（*pipeline.Service 满足该接口）。
type Backend interface {
	VideoContext(ctx context.Context, videoURL string) (domain.VideoContext, error)
	AnalyzeFrame(ctx context.Context, image, contextText string) string
}

// Options 描述 HTTP 层的装配参数。
type Options struct {
	Backend      Backend
	Hub          *Hub
	Logger       *slog.Logger
	MaxBodyBytes int64
}

// Server 是 gin 外壳：参数校验、请求合并与统一的 {ok,data|error} 响应。
type Server struct {
	backend Backend
	hub     *Hub
	logger  *slog.Logger
	maxBody int64

	inflight singleflight.Group
	engine   *gin.Engine
}

// New 构造 Server 并注册路由。
func New(opts Options) (*Server, error) {
	if opts.Backend == nil {
		return nil, errors.New("backend 不能为空")
	}
	if opts.Hub == nil {
		opts.Hub = NewHub(nil)
	}
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		backend: opts.Backend,
		hub:     opts.Hub,
		logger:  logx.OrDiscard(opts.Logger),
		maxBody: opts.MaxBodyBytes,
	}

	r := gin.New()
	r.Use(s.requestID(), s.accessLog(), gin.CustomRecovery(s.recovered), cors(), s.bodyLimit())
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true, "service": ServiceName})
	})
	api := r.Group("/api")
	api.POST("/video-context", s.handleVideoContext)
	api.POST("/analyze-frame", s.handleAnalyzeFrame)
	api.GET("/events", s.hub.handle)
	r.NoRoute(func(c *gin.Context) {
		fail(c, http.StatusNotFound, "Not found")
	})

	s.engine = r
	return s, nil
}

// Handler 返回可直接挂到 http.Server 的 handler。
func (s *Server) Handler() http.Handler { return s.engine }

// Serve 在 ln 上提供服务，ctx 结束后优雅退出（最多等待 grace）。
func (s *Server) Serve(ctx context.Context, ln net.Listener, grace time.Duration) error {
	hs := &http.Server{
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          slog.NewLogLogger(s.logger.Handler(), slog.LevelWarn),
	}

	errCh := make(chan error, 1)
	go func() { errCh <- hs.Serve(ln) }()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	s.logger.Info("shutting down", "grace", grace.String(), "event_subscribers", s.hub.Subscribers())
	sctx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	s.hub.Close()
	if err := hs.Shutdown(sctx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

type videoContextRequest struct {
	VideoURL any `json:"videoUrl"`
}

type analyzeFrameRequest struct {
	Image       any `json:"image"`
	ContextText any `json:"contextText"`
}

func (s *Server) handleVideoContext(c *gin.Context) {
	var req videoContextRequest
	if !s.bind(c, &req) {
		return
	}
	videoURL, _ := req.VideoURL.(string)
	if strings.TrimSpace(videoURL) == "" {
		fail(c, http.StatusBadRequest, "videoUrl is required")
		return
	}

	// 同一视频的并发请求共享一次流水线；客户端断开不取消共享的那次执行。
	key := videoURL
	if id, err := code.Extract(videoURL); err == nil {
		key = string(id)
	}
	ctx := context.WithoutCancel(c.Request.Context())
	v, err, shared := s.inflight.Do(key, func() (any, error) {
		return s.backend.VideoContext(ctx, videoURL)
	})
	if err != nil {
		fail(c, http.StatusInternalServerError, err.Error())
		return
	}
	res := v.(domain.VideoContext)
	if shared {
		res.Source.VideoURL = videoURL
		s.logger.Debug("video context shared", "request_id", pipeline.RequestID(c.Request.Context()), "key", key)
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "data": res})
}

func (s *Server) handleAnalyzeFrame(c *gin.Context) {
	var req analyzeFrameRequest
	if !s.bind(c, &req) {
		return
	}
	image, _ := req.Image.(string)
	if !frame.ValidImage(image) {
		fail(c, http.StatusBadRequest, "Valid image base64 string is required")
		return
	}
	contextText, _ := req.ContextText.(string)

	s.logger.Info("frame analysis request",
		"request_id", pipeline.RequestID(c.Request.Context()),
		"image_chars", len(image),
		"context_chars", len([]rune(contextText)),
	)
	// 客户端断开不中断识别，与 video-context 一致。
	msg := s.backend.AnalyzeFrame(context.WithoutCancel(c.Request.Context()), image, contextText)
	c.JSON(http.StatusOK, gin.H{"ok": true, "data": msg})
}

// bind 解析 JSON 请求体；空 body 视为 {}。失败时已写出响应并返回 false。
func (s *Server) bind(c *gin.Context, dst any) bool {
	err := c.ShouldBindJSON(dst)
	if err == nil || errors.Is(err, io.EOF) {
		return true
	}
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		fail(c, http.StatusRequestEntityTooLarge, "Request body too large")
		return false
	}
	fail(c, http.StatusBadRequest, "Invalid JSON body")
	return false
}

func fail(c *gin.Context, status int, msg string) {
	c.AbortWithStatusJSON(status, gin.H{"ok": false, "error": msg})
}

func (s *Server) recovered(c *gin.Context, rec any) {
	s.logger.Error("handler panic", "request_id", pipeline.RequestID(c.Request.Context()), "panic", rec)
	fail(c, http.StatusInternalServerError, "internal error")
}

func (s *Server) requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := strings.TrimSpace(c.GetHeader(HeaderRequestID))
		if id == "" || len(id) > 128 {
			id = uuid.NewString()
		}
		c.Header(HeaderRequestID, id)
		c.Request = c.Request.WithContext(pipeline.WithRequestID(c.Request.Context(), id))
		c.Next()
	}
}

func (s *Server) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Info("http",
			"request_id", pipeline.RequestID(c.Request.Context()),
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"dur_ms", time.Since(start).Milliseconds(),
		)
	}
}

func cors() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
		c.Header("Access-Control-Allow-Headers", "content-type")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatusJSON(http.StatusOK, gin.H{"ok": true})
			return
		}
		c.Next()
	}
}

func (s *Server) bodyLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.maxBody > 0 && c.Request.Body != nil {
			c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, s.maxBody)
		}
		c.Next()
	}
}
