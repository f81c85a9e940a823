// Package chapter 负责章节的确定性切分（回退路径）与模型章节的规范化。
package chapter

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/John-Robertt/bilictx/internal/domain"
)

const (
	// TargetWindowSec 是回退切分的目标窗口长度（秒）。
	TargetWindowSec = 90
	MinChapters     = 3
	MaxChapters     = 6

	// SummarySamples 是回退章节摘要最多拼接的弹幕条数。
	SummarySamples = 3
	// SummarySep 是回退章节摘要的分隔符（全角分号）。
	SummarySep = "；"
	// PlaceholderSummary 表示该窗口内没有可用弹幕。
	PlaceholderSummary = "该章节暂无高置信摘要"

	// DefaultSpanSec 是模型章节缺少 endSec 时的默认跨度。
	DefaultSpanSec = 60
)

// Title 返回第 n 个（1-based）章节的通用标题。
func Title(n int) string { return fmt.Sprintf("章节 %d", n) }

// ID 返回第 n 个（1-based）章节的稳定 ID。
func ID(n int) string { return fmt.Sprintf("sec_%d", n) }

// SafeDuration 把任意时长规范为 >= 1 的整数秒（非有限值视为 0）。
func SafeDuration(duration float64) int {
	if math.IsNaN(duration) || math.IsInf(duration, 0) {
		return 1
	}
	d := math.Floor(duration)
	if d < 1 {
		return 1
	}
	if d > math.MaxInt32 {
		return math.MaxInt32
	}
	return int(d)
}

// Build 按时长把视频切成连续窗口，并用窗口内的弹幕拼出摘要。
//
// 规则（固定）：
// - count = clamp(round(safe/90), 3, 6)，step = ceil(safe/count)
// - 第 i 个窗口 [i*step, min(safe, (i+1)*step))，最后一个窗口的 end 固定为 safe
// - 若按 step 切分会出现空窗口（例如 safe=4），改用按比例取整的边界，保证 end > start
// - safe < 3 时无法切出 3 个整数秒窗口，章节数退化为 safe
//
// 不做任何外部调用，永远成功。
func Build(duration float64, comments []domain.Comment) []domain.Chapter {
	safe := SafeDuration(duration)

	count := int(math.Round(float64(safe) / TargetWindowSec))
	if count < MinChapters {
		count = MinChapters
	}
	if count > MaxChapters {
		count = MaxChapters
	}
	if count > safe {
		count = safe
	}

	bounds := stepBounds(safe, count)
	if !strictlyIncreasing(bounds) {
		bounds = proportionalBounds(safe, count)
	}

	out := make([]domain.Chapter, 0, count)
	for i := 0; i < count; i++ {
		start, end := bounds[i], bounds[i+1]

		inWindow := make([]domain.Comment, 0, 8)
		for _, c := range comments {
			if c.Second >= float64(start) && c.Second < float64(end) {
				inWindow = append(inWindow, c)
			}
		}
		summary := strings.Join(UniqueTexts(inWindow, SummarySamples), SummarySep)
		if summary == "" {
			summary = PlaceholderSummary
		}

		out = append(out, domain.Chapter{
			ID:       ID(i + 1),
			Title:    Title(i + 1),
			StartSec: start,
			EndSec:   end,
			Summary:  summary,
		})
	}
	return out
}

// stepBounds 返回 count+1 个边界：[0, step, 2*step, ..., safe]。
func stepBounds(safe, count int) []int {
	step := (safe + count - 1) / count
	b := make([]int, count+1)
	for i := 0; i < count; i++ {
		b[i] = i * step
	}
	b[count] = safe
	for i := 1; i < count; i++ {
		if b[i] > safe {
			b[i] = safe
		}
	}
	return b
}

func proportionalBounds(safe, count int) []int {
	b := make([]int, count+1)
	for i := 0; i <= count; i++ {
		b[i] = i * safe / count
	}
	return b
}

func strictlyIncreasing(b []int) bool {
	for i := 1; i < len(b); i++ {
		if b[i] <= b[i-1] {
			return false
		}
	}
	return true
}

// UniqueTexts 按首次出现顺序去重（精确匹配），跳过空文本，最多返回 limit 条。
func UniqueTexts(comments []domain.Comment, limit int) []string {
	out := make([]string, 0, limit)
	if limit <= 0 {
		return out
	}
	seen := make(map[string]struct{}, limit)
	for _, c := range comments {
		if c.Text == "" {
			continue
		}
		if _, ok := seen[c.Text]; ok {
			continue
		}
		seen[c.Text] = struct{}{}
		out = append(out, c.Text)
		if len(out) >= limit {
			break
		}
	}
	return out
}

// Draft 是模型返回的原始章节（数值已按 JSON -> number 规则转换；NaN 表示缺失或非有限）。
type Draft struct {
	Title      string
	HasTitle   bool
	Summary    string
	HasSummary bool
	Start      float64
	End        float64
}

// Normalize 把模型章节规范化为合法 ChapterSet。
//
// 规则：
// - start = max(0, floor(start))；缺失视为 0
// - end 存在时 end = max(start+1, floor(end))；缺失时 end = min(duration, start+60)
// - end = min(duration, end)；end <= start 的章节丢弃
// - 标题 trim，空则 "章节 N"（N 为模型数组中的位置）；摘要 trim，缺失为空串
// - 按 start 稳定排序后重新编号 sec_1..sec_n
//
// duration 由调用方传入已规范的整数秒（见 SafeDuration）。
func Normalize(drafts []Draft, duration int) []domain.Chapter {
	if duration < 1 {
		duration = 1
	}
	dur := float64(duration)

	out := make([]domain.Chapter, 0, len(drafts))
	for i, d := range drafts {
		start := 0.0
		if isFinite(d.Start) {
			start = math.Max(0, math.Floor(d.Start))
		}

		var end float64
		if isFinite(d.End) {
			end = math.Max(start+1, math.Floor(d.End))
		} else {
			end = math.Min(dur, start+DefaultSpanSec)
		}
		end = math.Min(dur, end)
		if end <= start {
			continue
		}

		title := ""
		if d.HasTitle {
			title = strings.TrimSpace(d.Title)
		}
		if title == "" {
			title = Title(i + 1)
		}
		summary := ""
		if d.HasSummary {
			summary = strings.TrimSpace(d.Summary)
		}

		out = append(out, domain.Chapter{
			Title:    title,
			StartSec: int(start),
			EndSec:   int(end),
			Summary:  summary,
		})
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].StartSec < out[j].StartSec })
	for i := range out {
		out[i].ID = ID(i + 1)
	}
	return out
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
