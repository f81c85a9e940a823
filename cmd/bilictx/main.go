package main

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/term"

	"github.com/John-Robertt/bilictx/internal/app/pipeline"
	"github.com/John-Robertt/bilictx/internal/config"
	"github.com/John-Robertt/bilictx/internal/export"
	"github.com/John-Robertt/bilictx/internal/frame"
	"github.com/John-Robertt/bilictx/internal/infra/fsx"
	"github.com/John-Robertt/bilictx/internal/logx"
	"github.com/John-Robertt/bilictx/internal/provider"
	"github.com/John-Robertt/bilictx/internal/server"
)

// shutdownGrace 是 serve 收到信号后等待在途请求的上限。
const shutdownGrace = 15 * time.Second

// maxImageFileBytes 限制 frame 命令读取的本地图片大小。
const maxImageFileBytes = 20 << 20

func main() {
	args := os.Args[1:]
	if len(args) == 0 || isHelp(args[0]) {
		printUsage(os.Stdout)
		return
	}

	var code int
	switch args[0] {
	case "serve":
		code = serveCmd(args[1:])
	case "context":
		code = contextCmd(args[1:])
	case "frame":
		code = frameCmd(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "未知命令：%q\n\n", args[0])
		printUsage(os.Stderr)
		code = 2
	}
	if code != 0 {
		os.Exit(code)
	}
}

func serveCmd(args []string) int {
	if wantsHelp(args) {
		printServeUsage()
		return 0
	}
	ca, err := parseArgs("serve", args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "参数错误：%v\n\n", err)
		printServeUsage()
		return 2
	}
	eff, code := loadConfig(ca)
	if code != 0 {
		return code
	}

	logger := logx.Configure()
	svc, err := pipeline.New(eff, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "初始化失败：%v\n", err)
		return 1
	}
	hub := server.NewHub(logger)
	svc.Observer = pipeline.Observers{svc.Observer, hub}

	srv, err := server.New(server.Options{
		Backend:      svc,
		Hub:          hub,
		Logger:       logger,
		MaxBodyBytes: eff.MaxBodyBytes,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "初始化失败：%v\n", err)
		return 1
	}

	ln, err := net.Listen("tcp", eff.Listen)
	if err != nil {
		fmt.Fprintf(os.Stderr, "监听 %s 失败：%v\n", eff.Listen, err)
		return 1
	}
	logger.Info("listening",
		"service", server.ServiceName,
		"addr", "http://"+ln.Addr().String(),
		"provider", providerChain(eff.Provider),
		"model", modelState(eff.Model),
		"proxy", formatProxy(eff.ProxyURL),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := srv.Serve(ctx, ln, shutdownGrace); err != nil {
		logger.Error("server stopped", "err", err)
		return 1
	}
	return 0
}

func contextCmd(args []string) int {
	if wantsHelp(args) {
		printContextUsage()
		return 0
	}
	ca, err := parseArgs("context", args)
	if err == nil && strings.TrimSpace(ca.Positional) == "" {
		err = errors.New("缺少视频链接或 BV 号")
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "参数错误：%v\n\n", err)
		printContextUsage()
		return 2
	}
	eff, code := loadConfig(ca)
	if code != 0 {
		return code
	}

	progressW, interactive := pickProgressWriter()
	logger := cliLogger(interactive)
	svc, err := pipeline.New(eff, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "初始化失败：%v\n", err)
		return 1
	}
	if interactive {
		svc.Observer = pipeline.Observers{svc.Observer, newProgressUI(progressW)}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	vc, err := svc.VideoContext(ctx, ca.Positional)
	if err != nil {
		kind := pipeline.KindOf(err)
		if kind == "" {
			kind = "error"
		}
		fmt.Fprintf(os.Stderr, "失败（%s）：%v\n", kind, err)
		return 1
	}

	if ca.Out != "" {
		b, err := export.Render(ca.Format, vc)
		if err != nil {
			fmt.Fprintf(os.Stderr, "导出失败：%v\n", err)
			return 1
		}
		if err := fsx.WriteFile(ca.Out, b, ca.Force); err != nil {
			if errors.Is(err, os.ErrExist) {
				fmt.Fprintf(os.Stderr, "%s 已存在（使用 --force 覆盖）\n", ca.Out)
			} else {
				fmt.Fprintf(os.Stderr, "写入 %s 失败：%v\n", ca.Out, err)
			}
			return 1
		}
		fmt.Fprintf(os.Stderr, "已写入：%s\n", ca.Out)
		return 0
	}

	// stdout 是终端且未指定格式：渲染表格；否则 stdout 只输出导出内容。
	if ca.Format == "" && isTTY(os.Stdout) {
		fmt.Fprint(os.Stdout, renderContext(vc, terminalWidth(os.Stdout)))
		return 0
	}
	b, err := export.Render(ca.Format, vc)
	if err != nil {
		fmt.Fprintf(os.Stderr, "导出失败：%v\n", err)
		return 1
	}
	_, _ = os.Stdout.Write(b)
	return 0
}

func frameCmd(args []string) int {
	if wantsHelp(args) {
		printFrameUsage()
		return 0
	}
	ca, err := parseArgs("frame", args)
	if err == nil && strings.TrimSpace(ca.Positional) == "" {
		err = errors.New("缺少图片文件或 data URL")
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "参数错误：%v\n\n", err)
		printFrameUsage()
		return 2
	}
	image, err := loadImage(ca.Positional)
	if err != nil {
		fmt.Fprintf(os.Stderr, "读取图片失败：%v\n", err)
		return 2
	}
	eff, code := loadConfig(ca)
	if code != 0 {
		return code
	}

	svc, err := pipeline.New(eff, cliLogger(isTTY(os.Stderr)))
	if err != nil {
		fmt.Fprintf(os.Stderr, "初始化失败：%v\n", err)
		return 1
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fmt.Fprintln(os.Stdout, svc.AnalyzeFrame(ctx, image, ca.Title))
	return 0
}

// loadImage 接受 data URL 原文或本地图片路径（后者按内容探测 MIME）。
func loadImage(arg string) (string, error) {
	if frame.ValidImage(arg) {
		return arg, nil
	}
	f, err := os.Open(arg)
	if err != nil {
		return "", err
	}
	defer f.Close()
	b, err := io.ReadAll(io.LimitReader(f, maxImageFileBytes+1))
	if err != nil {
		return "", err
	}
	if len(b) > maxImageFileBytes {
		return "", fmt.Errorf("图片超过 %d 字节", maxImageFileBytes)
	}
	mt := http.DetectContentType(b)
	if !strings.HasPrefix(mt, "image/") {
		return "", fmt.Errorf("不是图片文件（%s）", mt)
	}
	return "data:" + mt + ";base64," + base64.StdEncoding.EncodeToString(b), nil
}

func loadConfig(ca cliArgs) (config.EffectiveConfig, int) {
	cwd, err := os.Getwd()
	if err != nil {
		fmt.Fprintf(os.Stderr, "读取当前目录失败：%v\n", err)
		return config.EffectiveConfig{}, 1
	}
	eff, err := config.LoadEffective(cwd, config.CLIArgs{
		ConfigPath:  ca.ConfigPath,
		EnvPath:     ca.EnvPath,
		Listen:      ca.Listen,
		ListenSet:   ca.ListenSet,
		Provider:    ca.Provider,
		ProviderSet: ca.ProviderSet,
		ProxyURL:    ca.Proxy,
		ProxySet:    ca.ProxySet,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "配置错误（%s）：%v\n", config.Code(err), err)
		return config.EffectiveConfig{}, 1
	}
	return eff, 0
}

// cliLogger：交互终端下默认只输出 warn 以上，避免与进度行交错。
func cliLogger(interactive bool) *slog.Logger {
	level := os.Getenv(logx.EnvLevel)
	if level == "" && interactive {
		level = "warn"
	}
	l := logx.New(os.Stderr, level, os.Getenv(logx.EnvFormat))
	slog.SetDefault(l)
	return l
}

type cliArgs struct {
	Positional string

	ConfigPath string
	EnvPath    string

	Listen    string
	ListenSet bool

	Provider    string
	ProviderSet bool

	Proxy    string
	ProxySet bool

	Format string
	Out    string
	Force  bool
	Title  string
}

// commandFlags 列出每个子命令接受的参数（公共参数之外）。
var commandFlags = map[string][]string{
	"serve":   {"--listen"},
	"context": {"--format", "--out", "--force"},
	"frame":   {"--title"},
}

var commonFlags = []string{"--config", "--env", "--provider", "--proxy"}

func parseArgs(cmd string, args []string) (cliArgs, error) {
	ca := cliArgs{}
	allowed := map[string]bool{}
	for _, f := range append(append([]string{}, commonFlags...), commandFlags[cmd]...) {
		allowed[f] = true
	}

	for i := 0; i < len(args); i++ {
		a := args[i]
		if !strings.HasPrefix(a, "-") || a == "-" {
			if cmd == "serve" {
				return cliArgs{}, fmt.Errorf("serve 不接受位置参数：%q", a)
			}
			if ca.Positional != "" {
				return cliArgs{}, fmt.Errorf("重复的位置参数：%q 与 %q", ca.Positional, a)
			}
			ca.Positional = a
			continue
		}

		name, val, hasVal := strings.Cut(a, "=")
		if !allowed[name] {
			return cliArgs{}, fmt.Errorf("未知参数 %q", a)
		}
		if name == "--force" {
			if hasVal {
				switch val {
				case "true":
					ca.Force = true
				case "false":
					ca.Force = false
				default:
					return cliArgs{}, fmt.Errorf("--force 只能是 true 或 false，实际是 %q", val)
				}
			} else {
				ca.Force = true
			}
			continue
		}
		if !hasVal {
			if i+1 >= len(args) {
				return cliArgs{}, fmt.Errorf("%s 需要一个值", name)
			}
			i++
			val = args[i]
		}

		switch name {
		case "--config":
			ca.ConfigPath = val
		case "--env":
			ca.EnvPath = val
		case "--listen":
			ca.Listen, ca.ListenSet = val, true
		case "--provider":
			ca.Provider, ca.ProviderSet = val, true
		case "--proxy":
			ca.Proxy, ca.ProxySet = val, true
		case "--format":
			ca.Format = strings.ToLower(strings.TrimSpace(val))
		case "--out":
			ca.Out = val
		case "--title":
			ca.Title = val
		}
	}

	if ca.ProviderSet {
		if _, err := provider.FallbackOrder(ca.Provider); err != nil {
			return cliArgs{}, fmt.Errorf("--provider 只能是 api 或 page，实际是 %q", ca.Provider)
		}
	}
	if ca.Format != "" {
		ok := false
		for _, f := range export.Formats() {
			ok = ok || f == ca.Format
		}
		if !ok {
			return cliArgs{}, fmt.Errorf("--format 只能是 %s，实际是 %q", strings.Join(export.Formats(), "|"), ca.Format)
		}
	}
	if ca.Force && ca.Out == "" {
		return cliArgs{}, errors.New("--force 需要与 --out 一起使用")
	}
	return ca, nil
}

func isHelp(s string) bool {
	return s == "-h" || s == "--help" || s == "help"
}

func wantsHelp(args []string) bool {
	for _, a := range args {
		if isHelp(a) {
			return true
		}
	}
	return false
}

func printUsage(w io.Writer) {
	fmt.Fprint(w, `用法：
  bilictx serve   [--listen addr] [公共参数]
  bilictx context <url|BV号> [--format json|mkv|vtt] [--out file [--force]] [公共参数]
  bilictx frame   <图片文件|data URL> [--title 文本] [公共参数]

命令：
  serve    启动 HTTP 服务（/health、/api/video-context、/api/analyze-frame、/api/events）
  context  获取视频摘要与章节
  frame    识别一张截帧

公共参数：
  --config   YAML 配置文件（默认读取 ./bilictx.yaml，若存在）
  --env      .env 文件（默认读取 ./.env，若存在）
  --provider 首选元数据来源：api|page（默认 api）
  --proxy    HTTP/SOCKS5 代理 URL

使用 "bilictx <命令> --help" 查看详细说明。
`)
}

func printServeUsage() {
	fmt.Fprint(os.Stdout, `用法：
  bilictx serve [--listen addr] [--config file] [--env file] [--provider api|page] [--proxy url]

参数：
  --listen  监听地址（优先级：--listen > PORT > 配置文件 > 127.0.0.1:8787）
  -h, --help  显示帮助
`)
}

func printContextUsage() {
	fmt.Fprint(os.Stdout, `用法：
  bilictx context <url|BV号> [--format json|mkv|vtt] [--out file] [--force]

参数：
  --format  输出格式：json（默认）、mkv（Matroska 章节 XML）、vtt（WebVTT 章节）
  --out     写入文件（原子写入）；默认输出到 stdout
  --force   --out 目标已存在时覆盖
  -h, --help  显示帮助

stdout 为终端且未指定 --format 时输出章节表格；否则只输出所选格式的内容。
`)
}

func printFrameUsage() {
	fmt.Fprint(os.Stdout, `用法：
  bilictx frame <图片文件|data URL> [--title 文本]

参数：
  --title   视频标题/上下文（视觉识别不可用时用于纯文本兜底）
  -h, --help  显示帮助
`)
}

func isTTY(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}

func terminalWidth(f *os.File) int {
	w, _, err := term.GetSize(int(f.Fd()))
	if err != nil || w <= 0 {
		return 100
	}
	return w
}

func pickProgressWriter() (io.Writer, bool) {
	// 进度输出只在交互终端启用；默认走 stderr（不污染 stdout）。
	if isTTY(os.Stderr) {
		return os.Stderr, true
	}
	return nil, false
}
