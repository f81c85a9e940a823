package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/John-Robertt/bilictx/internal/config"
)

// ErrNotConfigured 表示模型三项必填配置（key/base/model）不完整。
var ErrNotConfigured = errors.New("模型未配置：请检查 OPENAI_API_KEY / OPENAI_BASE_URL / MODEL_NAME")

// ChatClient 是摘要与截帧识别所需的最小模型接口（*openai.Client 满足该接口）。
type ChatClient interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// NewClient 按模型配置构造 OpenAI 兼容客户端。
//
// 约束：
// - 配置不完整时返回 ErrNotConfigured（调用方应走降级，而不是发请求）
// - httpClient 为 nil 时使用 SDK 默认 client
func NewClient(m config.Model, httpClient *http.Client) (*openai.Client, error) {
	if !m.Ready() {
		return nil, ErrNotConfigured
	}
	cc := openai.DefaultConfig(m.APIKey)
	cc.BaseURL = strings.TrimSuffix(m.BaseURL, "/")
	if httpClient != nil {
		cc.HTTPClient = httpClient
	}
	return openai.NewClientWithConfig(cc), nil
}

// FirstContent 返回第一条 choice 的文本内容；没有 choice 时返回空串。
func FirstContent(resp openai.ChatCompletionResponse) string {
	if len(resp.Choices) == 0 {
		return ""
	}
	return resp.Choices[0].Message.Content
}

// StatusOf 返回模型调用错误携带的 HTTP 状态码；传输层错误等无状态码时返回 0。
func StatusOf(err error) int {
	var ae *openai.APIError
	if errors.As(err, &ae) {
		return ae.HTTPStatusCode
	}
	var re *openai.RequestError
	if errors.As(err, &re) {
		return re.HTTPStatusCode
	}
	return 0
}

// ErrorText 汇总模型错误里所有可读的文本字段，供标记匹配使用。
//
// 规则：
// - APIError：message/code/param/type 均参与（部分服务把原因放在 code 里）
// - RequestError：带上 SDK 保留的原始响应体
// - 最后附上 err.Error()
func ErrorText(err error) string {
	if err == nil {
		return ""
	}
	var parts []string
	var ae *openai.APIError
	if errors.As(err, &ae) {
		parts = append(parts, ae.Message, ae.Type)
		if ae.Code != nil {
			parts = append(parts, fmt.Sprint(ae.Code))
		}
		if ae.Param != nil {
			parts = append(parts, *ae.Param)
		}
	}
	var re *openai.RequestError
	if errors.As(err, &re) {
		parts = append(parts, string(re.Body))
	}
	parts = append(parts, err.Error())
	return strings.Join(parts, "\n")
}
