package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	// ErrCodeNotFound 表示显式指定的配置文件（--config/--env）不存在。
	ErrCodeNotFound = "config_not_found"
	// ErrCodeInvalid 表示配置文件无法读取/解析，或字段不合法。
	ErrCodeInvalid = "config_invalid"
)

const (
	// FileName 是 cwd 下自动发现的 YAML 配置文件名（可选）。
	FileName = "bilictx.yaml"
	// EnvFileName 是 cwd 下自动发现的 .env 文件名（可选）。
	EnvFileName = ".env"

	DefaultListen         = "127.0.0.1:8787"
	DefaultProvider       = "api"
	DefaultRequestTimeout = 20 * time.Second
	DefaultModelTimeout   = 90 * time.Second
	DefaultMaxBodyBytes   = 10_000_000
	DefaultFrameMaxEdge   = 1280

	maxRetry = 5
)

// 模型相关的环境变量名（.env 与进程环境共用）。
const (
	EnvAPIKey      = "OPENAI_API_KEY"
	EnvBaseURL     = "OPENAI_BASE_URL"
	EnvModelName   = "MODEL_NAME"
	EnvVisionModel = "VISION_MODEL_NAME"
	EnvPort        = "PORT"
)

// CLIArgs 只包含 CLI 暴露的入口，并保留“是否显式指定”的信息。
type CLIArgs struct {
	// ConfigPath 非空时必须存在；为空时尝试 <cwd>/bilictx.yaml（可选）。
	ConfigPath string
	// EnvPath 非空时必须存在；为空时尝试 <cwd>/.env（可选）。
	EnvPath string

	Listen    string
	ListenSet bool

	Provider    string
	ProviderSet bool

	ProxyURL string
	ProxySet bool
}

// FileConfig 对应 bilictx.yaml 的解析结构（未知字段忽略）。
type FileConfig struct {
	Listen         string          `yaml:"listen"`
	Provider       string          `yaml:"provider"`
	Proxy          *ProxyConfig    `yaml:"proxy"`
	RequestTimeout string          `yaml:"request_timeout"`
	RetryMax       *int            `yaml:"retry_max"`
	MaxBodyBytes   int64           `yaml:"max_body_bytes"`
	Frame          FrameConfig     `yaml:"frame"`
	Upstream       UpstreamConfig  `yaml:"upstream"`
	Model          ModelFileConfig `yaml:"model"`
}

type ProxyConfig struct {
	URL string `yaml:"url"`
}

type FrameConfig struct {
	MaxEdge *int `yaml:"max_edge"`
}

type UpstreamConfig struct {
	APIBaseURL     string `yaml:"api_base_url"`
	WebBaseURL     string `yaml:"web_base_url"`
	CommentBaseURL string `yaml:"comment_base_url"`
}

type ModelFileConfig struct {
	APIKey        string `yaml:"api_key"`
	BaseURL       string `yaml:"base_url"`
	ModelID       string `yaml:"model_id"`
	VisionModelID string `yaml:"vision_model_id"`
	Timeout       string `yaml:"timeout"`
}

// Model 是模型服务的最终配置。
type Model struct {
	APIKey        string
	BaseURL       string
	ModelID       string
	VisionModelID string
	Timeout       time.Duration
}

// Ready 表示三项必填（key/base/model）是否齐全。
func (m Model) Ready() bool {
	return m.APIKey != "" && m.BaseURL != "" && m.ModelID != ""
}

// VisionModel 返回截帧识别使用的模型（未单独配置时复用 ModelID）。
func (m Model) VisionModel() string {
	if m.VisionModelID != "" {
		return m.VisionModelID
	}
	return m.ModelID
}

// Missing 返回缺失的必填环境变量名（用于告警）。
func (m Model) Missing() []string {
	var out []string
	if m.APIKey == "" {
		out = append(out, EnvAPIKey)
	}
	if m.BaseURL == "" {
		out = append(out, EnvBaseURL)
	}
	if m.ModelID == "" {
		out = append(out, EnvModelName)
	}
	return out
}

// EffectiveConfig 是合并并做最小规范化后的最终配置（实现层直接消费，不再做二次默认/优先级判断）。
type EffectiveConfig struct {
	// ConfigPath/EnvPath 为实际读取到的文件（未读取时为空）。
	ConfigPath string
	EnvPath    string

	Listen   string
	Provider string
	ProxyURL string

	RequestTimeout time.Duration
	RetryMax       int
	MaxBodyBytes   int64
	FrameMaxEdge   int

	Upstream UpstreamConfig
	Model    Model
}

// Error 是配置阶段的结构化错误（带 error_code）。
type Error struct {
	Code string
	Path string
	Err  error
}

func (e *Error) Error() string {
	switch e.Code {
	case ErrCodeNotFound:
		return fmt.Sprintf("%s：未找到配置文件 %q", e.Code, e.Path)
	case ErrCodeInvalid:
		if e.Err != nil {
			return fmt.Sprintf("%s：配置 %q 无效：%v", e.Code, e.Path, e.Err)
		}
		return fmt.Sprintf("%s：配置 %q 无效", e.Code, e.Path)
	default:
		if e.Err != nil {
			return fmt.Sprintf("%s：%v", e.Code, e.Err)
		}
		return e.Code
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Code 从 error 中提取 error_code；若不是 *Error 则返回空串。
func Code(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// LoadEffective 发现并读取 YAML/.env，然后与进程环境、CLI 参数合并为最终配置。
//
// 覆盖优先级（固定）：
// - CLI > .env > 进程环境 > YAML > 默认
// - 模型配置缺失不是错误：Model.Ready()=false，由上层告警并走降级
func LoadEffective(cwd string, cli CLIArgs) (EffectiveConfig, error) {
	return loadEffective(cwd, cli, os.Getenv)
}

func loadEffective(cwd string, cli CLIArgs, getenv func(string) string) (EffectiveConfig, error) {
	cwdAbs, err := filepath.Abs(cwd)
	if err != nil {
		return EffectiveConfig{}, &Error{Code: ErrCodeInvalid, Path: cwd, Err: err}
	}

	cfgPath, required := filepath.Join(cwdAbs, FileName), false
	if strings.TrimSpace(cli.ConfigPath) != "" {
		cfgPath, required = absCleanFrom(cwdAbs, cli.ConfigPath), true
	}
	fc, cfgExists, err := readFileConfig(cfgPath)
	if err != nil {
		return EffectiveConfig{}, &Error{Code: ErrCodeInvalid, Path: cfgPath, Err: err}
	}
	if required && !cfgExists {
		return EffectiveConfig{}, &Error{Code: ErrCodeNotFound, Path: cfgPath, Err: os.ErrNotExist}
	}

	envPath, required := filepath.Join(cwdAbs, EnvFileName), false
	if strings.TrimSpace(cli.EnvPath) != "" {
		envPath, required = absCleanFrom(cwdAbs, cli.EnvPath), true
	}
	dotenv, envExists, err := readDotEnv(envPath)
	if err != nil {
		return EffectiveConfig{}, &Error{Code: ErrCodeInvalid, Path: envPath, Err: err}
	}
	if required && !envExists {
		return EffectiveConfig{}, &Error{Code: ErrCodeNotFound, Path: envPath, Err: os.ErrNotExist}
	}

	lookup := func(key string) string {
		if v := strings.TrimSpace(dotenv[key]); v != "" {
			return v
		}
		return strings.TrimSpace(getenv(key))
	}

	eff, err := merge(cli, fc, lookup)
	if err != nil {
		return EffectiveConfig{}, &Error{Code: ErrCodeInvalid, Path: cfgPath, Err: err}
	}
	if cfgExists {
		eff.ConfigPath = cfgPath
	}
	if envExists {
		eff.EnvPath = envPath
	}
	return eff, nil
}

func merge(cli CLIArgs, fc FileConfig, lookup func(string) string) (EffectiveConfig, error) {
	// provider：CLI > config > 默认
	provider := DefaultProvider
	if cli.ProviderSet {
		provider = cli.Provider
	} else if strings.TrimSpace(fc.Provider) != "" {
		provider = fc.Provider
	}
	provider = strings.ToLower(strings.TrimSpace(provider))
	if err := validateProvider(provider); err != nil {
		return EffectiveConfig{}, err
	}

	// listen：CLI > PORT > config > 默认
	listen := DefaultListen
	if strings.TrimSpace(fc.Listen) != "" {
		listen = strings.TrimSpace(fc.Listen)
	}
	if port := lookup(EnvPort); port != "" {
		host, _, err := net.SplitHostPort(listen)
		if err != nil {
			return EffectiveConfig{}, fmt.Errorf("listen 不合法：%q", listen)
		}
		listen = net.JoinHostPort(host, port)
	}
	if cli.ListenSet {
		listen = strings.TrimSpace(cli.Listen)
	}
	if _, _, err := net.SplitHostPort(listen); err != nil {
		return EffectiveConfig{}, fmt.Errorf("listen 不合法：%q", listen)
	}

	proxyURL := ""
	if fc.Proxy != nil {
		proxyURL = strings.TrimSpace(fc.Proxy.URL)
	}
	if cli.ProxySet {
		proxyURL = strings.TrimSpace(cli.ProxyURL)
	}
	if proxyURL != "" {
		if err := validateAbsURL("proxy.url", proxyURL); err != nil {
			return EffectiveConfig{}, err
		}
	}

	reqTimeout, err := parseDuration("request_timeout", fc.RequestTimeout, DefaultRequestTimeout)
	if err != nil {
		return EffectiveConfig{}, err
	}
	modelTimeout, err := parseDuration("model.timeout", fc.Model.Timeout, DefaultModelTimeout)
	if err != nil {
		return EffectiveConfig{}, err
	}

	// retry_max：默认 0（不自动重试）；范围 [0, 5]，超出截断。
	retryMax := 0
	if fc.RetryMax != nil {
		retryMax = *fc.RetryMax
	}
	if retryMax < 0 {
		retryMax = 0
	}
	if retryMax > maxRetry {
		retryMax = maxRetry
	}

	maxBody := fc.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = DefaultMaxBodyBytes
	}

	maxEdge := DefaultFrameMaxEdge
	if fc.Frame.MaxEdge != nil {
		maxEdge = *fc.Frame.MaxEdge
	}
	if maxEdge < 0 {
		return EffectiveConfig{}, fmt.Errorf("frame.max_edge 不能为负数：%d", maxEdge)
	}

	up := UpstreamConfig{
		APIBaseURL:     strings.TrimRight(strings.TrimSpace(fc.Upstream.APIBaseURL), "/"),
		WebBaseURL:     strings.TrimRight(strings.TrimSpace(fc.Upstream.WebBaseURL), "/"),
		CommentBaseURL: strings.TrimRight(strings.TrimSpace(fc.Upstream.CommentBaseURL), "/"),
	}
	for name, v := range map[string]string{
		"upstream.api_base_url":     up.APIBaseURL,
		"upstream.web_base_url":     up.WebBaseURL,
		"upstream.comment_base_url": up.CommentBaseURL,
	} {
		if v == "" {
			continue
		}
		if err := validateAbsURL(name, v); err != nil {
			return EffectiveConfig{}, err
		}
	}

	// 模型：.env > 进程环境 > config
	pick := func(envKey, fileVal string) string {
		if v := lookup(envKey); v != "" {
			return v
		}
		return strings.TrimSpace(fileVal)
	}
	model := Model{
		APIKey:        pick(EnvAPIKey, fc.Model.APIKey),
		BaseURL:       strings.TrimSuffix(pick(EnvBaseURL, fc.Model.BaseURL), "/"),
		ModelID:       pick(EnvModelName, fc.Model.ModelID),
		VisionModelID: pick(EnvVisionModel, fc.Model.VisionModelID),
		Timeout:       modelTimeout,
	}
	if model.BaseURL != "" {
		if err := validateAbsURL("model.base_url", model.BaseURL); err != nil {
			return EffectiveConfig{}, err
		}
	}

	return EffectiveConfig{
		Listen:         listen,
		Provider:       provider,
		ProxyURL:       proxyURL,
		RequestTimeout: reqTimeout,
		RetryMax:       retryMax,
		MaxBodyBytes:   maxBody,
		FrameMaxEdge:   maxEdge,
		Upstream:       up,
		Model:          model,
	}, nil
}

func validateProvider(p string) error {
	switch p {
	case "api", "page":
		return nil
	default:
		return fmt.Errorf("provider 不合法：%q（只允许 api/page）", p)
	}
}

func validateAbsURL(name, raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s 不合法：%w", name, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("%s 缺少 scheme 或 host：%q", name, raw)
	}
	return nil
}

func parseDuration(name, raw string, def time.Duration) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return def, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%s 不合法：%w", name, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s 必须为正数：%q", name, raw)
	}
	return d, nil
}

func readFileConfig(path string) (FileConfig, bool, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return FileConfig{}, false, nil
		}
		return FileConfig{}, false, err
	}
	var fc FileConfig
	if err := yaml.Unmarshal(b, &fc); err != nil {
		return FileConfig{}, true, err
	}
	return fc, true, nil
}

// readDotEnv 只读取 .env 为 map，不修改进程环境。
func readDotEnv(path string) (map[string]string, bool, error) {
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, false, nil
		}
		return nil, false, err
	}
	m, err := godotenv.Read(path)
	if err != nil {
		return nil, true, err
	}
	return m, true, nil
}

func absCleanFrom(cwdAbs, p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return ""
	}
	if filepath.IsAbs(p) {
		return filepath.Clean(p)
	}
	return filepath.Clean(filepath.Join(cwdAbs, p))
}
