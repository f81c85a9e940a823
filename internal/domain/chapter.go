package domain

// Chapter 是视频时间轴上的一个带标题的窗口。
//
// 约束：EndSec > StartSec；ID 在单次响应内稳定（sec_1, sec_2, ...）。
type Chapter struct {
	ID       string `json:"id"`
	Title    string `json:"title"`
	StartSec int    `json:"startSec"`
	EndSec   int    `json:"endSec"`
	Summary  string `json:"summary"`
}

// Span 返回章节时长（秒）。
func (c Chapter) Span() int { return c.EndSec - c.StartSec }
