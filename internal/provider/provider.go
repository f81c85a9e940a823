package provider

import (
	"context"
	"net/http"

	"github.com/John-Robertt/bilictx/internal/domain"
)

// Provider 把“上游接口/页面变化”限制在 provider 包内部；核心流程只依赖统一接口与稳定的 VideoMeta。
//
// 约束：
// - Fetch 不做缓存、不做重试、不做限速（这些由 httpx 层统一实现）
// - Parse 必须是纯函数：相同输入 => 相同输出
// - pageURL 是本次抓取的来源地址（用于日志与排障）
type Provider interface {
	Name() string
	Fetch(ctx context.Context, id domain.BVID, c *http.Client) (body []byte, pageURL string, err error)
	Parse(id domain.BVID, body []byte, pageURL string) (domain.VideoMeta, error)
}
