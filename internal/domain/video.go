package domain

import "time"

// PlatformBilibili 是 Source.Platform 的唯一取值。
const PlatformBilibili = "bilibili"

// VideoMeta 是 provider 解析得到的视频基础元数据（最小可用集）。
//
// CID 为 0 表示未知（上层会尝试 pagelist 补齐）。
type VideoMeta struct {
	BVID     BVID
	CID      int64
	Duration int
	Title    string
	Desc     string
	Owner    string
}

// Source 记录一次结果的来源信息。
type Source struct {
	Platform  string    `json:"platform"`
	BVID      BVID      `json:"bvid"`
	CID       *int64    `json:"cid"`
	Duration  int       `json:"duration"`
	Title     string    `json:"title"`
	Owner     string    `json:"owner"`
	VideoURL  string    `json:"videoUrl"`
	PlayURL   *string   `json:"playUrl"`
	FetchedAt time.Time `json:"fetchedAt"`
	LLMUsed   bool      `json:"llmUsed"`
}

// VideoContext 是一次请求的完整结果：来源 + 全局摘要 + 章节。
// 只在单次请求/响应周期内存在，构造后不再修改。
type VideoContext struct {
	Source   Source    `json:"source"`
	Context  string    `json:"context"`
	Chapters []Chapter `json:"chapters"`
}
