package main

import (
	"fmt"
	"io"
	"net/url"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/John-Robertt/bilictx/internal/app/pipeline"
	"github.com/John-Robertt/bilictx/internal/config"
	"github.com/John-Robertt/bilictx/internal/domain"
)

var _ pipeline.Observer = (*progressUI)(nil)

var (
	phaseStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("6"))
	okStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("10"))
	warnStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	errorStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true)
	faintStyle = lipgloss.NewStyle().Faint(true)

	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("63"))
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("8")).Padding(0, 1)
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)
)

// progressUI 是交互终端下的阶段进度输出（写 stderr，不影响 stdout 内容）。
type progressUI struct {
	w io.Writer

	mu        sync.Mutex
	startedAt time.Time
}

func newProgressUI(w io.Writer) *progressUI {
	return &progressUI{w: w}
}

func (p *progressUI) OnStart(reqID string, id domain.BVID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.startedAt = time.Now()
	fmt.Fprintf(p.w, "[%s] %s %s\n", p.startedAt.Format("15:04:05"), phaseStyle.Render("bilictx"), string(id))
}

func (p *progressUI) OnPhaseDone(reqID, name string, fields map[string]any, dur time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch name {
	case "metadata":
		fmt.Fprintf(p.w, "%s provider=%v cid=%v duration=%ds %s\n",
			phaseStyle.Render("元数据"), fields["provider"], fields["cid"], intField(fields, "duration"),
			faintStyle.Render(formatShortDuration(dur)),
		)
	case "sources":
		play := warnStyle.Render("无")
		if b, _ := fields["play_url"].(bool); b {
			play = "有"
		}
		fmt.Fprintf(p.w, "%s 弹幕=%d 播放地址=%s %s\n",
			phaseStyle.Render("素材"), intField(fields, "comments"), play,
			faintStyle.Render(formatShortDuration(dur)),
		)
	case "summary":
		mode := okStyle.Render("模型")
		if b, _ := fields["llm_used"].(bool); !b {
			mode = warnStyle.Render("回退")
		}
		fmt.Fprintf(p.w, "%s %s chapters=%d %s\n",
			phaseStyle.Render("摘要"), mode, intField(fields, "chapters"),
			faintStyle.Render(formatShortDuration(dur)),
		)
	default:
		fmt.Fprintf(p.w, "%s %s\n", name, faintStyle.Render(formatShortDuration(dur)))
	}
}

func (p *progressUI) OnDone(reqID string, res *domain.VideoContext, err error, dur time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err != nil {
		fmt.Fprintf(p.w, "%s %s %s\n", errorStyle.Render("失败"), truncate(err.Error(), 200), faintStyle.Render(formatShortDuration(dur)))
		return
	}
	fmt.Fprintf(p.w, "%s %s\n\n", okStyle.Render("完成"), faintStyle.Render(formatShortDuration(dur)))
}

// renderContext 把结果渲染为标题 + 摘要 + 章节表格（仅用于终端）。
func renderContext(vc domain.VideoContext, width int) string {
	var b strings.Builder

	src := vc.Source
	b.WriteString(titleStyle.Render(src.Title))
	b.WriteString("\n")
	meta := fmt.Sprintf("%s  UP: %s  时长: %s", src.BVID, src.Owner, clock(src.Duration))
	if !src.LLMUsed {
		meta += "  " + warnStyle.Render("（回退摘要）")
	}
	b.WriteString(faintStyle.Render(meta))
	b.WriteString("\n\n")
	b.WriteString(lipgloss.NewStyle().Width(clampWidth(width)).Render(vc.Context))
	b.WriteString("\n\n")

	rows := make([][]string, 0, len(vc.Chapters))
	for _, c := range vc.Chapters {
		rows = append(rows, []string{c.ID, clock(c.StartSec) + "-" + clock(c.EndSec), c.Title, c.Summary})
	}
	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(faintStyle).
		Headers("ID", "时间", "标题", "摘要").
		Rows(rows...).
		Width(clampWidth(width)).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return cellStyle
		})
	b.WriteString(t.Render())
	b.WriteString("\n")
	return b.String()
}

func clampWidth(w int) int {
	switch {
	case w < 40:
		return 40
	case w > 160:
		return 160
	default:
		return w
	}
}

func providerChain(requested string) string {
	switch strings.ToLower(strings.TrimSpace(requested)) {
	case "page":
		return "page -> api"
	default:
		return "api -> page"
	}
}

func modelState(m config.Model) string {
	if !m.Ready() {
		return "off (missing " + strings.Join(m.Missing(), ",") + ")"
	}
	return m.ModelID + " / vision " + m.VisionModel()
}

func formatProxy(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "off"
	}
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "on (" + truncate(raw, 120) + ")"
	}
	auth := "off"
	if u.User != nil {
		auth = "on"
	}
	return fmt.Sprintf("on (%s://%s, auth=%s)", u.Scheme, u.Host, auth)
}

// truncate 按字符截断，超出时以 "..." 结尾。
func truncate(s string, max int) string {
	s = strings.TrimSpace(s)
	if max <= 0 || utf8.RuneCountInString(s) <= max {
		return s
	}
	r := []rune(s)
	if max <= 3 {
		return string(r[:max])
	}
	return string(r[:max-3]) + "..."
}

func clock(sec int) string {
	if sec < 0 {
		sec = 0
	}
	if sec >= 3600 {
		return fmt.Sprintf("%d:%02d:%02d", sec/3600, sec%3600/60, sec%60)
	}
	return fmt.Sprintf("%02d:%02d", sec/60, sec%60)
}

func formatShortDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	return fmt.Sprintf("%.1fs", d.Seconds())
}

func intField(fields map[string]any, key string) int {
	if fields == nil {
		return 0
	}
	switch x := fields[key].(type) {
	case int:
		return x
	case int32:
		return int(x)
	case int64:
		return int(x)
	case uint:
		return int(x)
	case uint32:
		return int(x)
	case uint64:
		return int(x)
	default:
		return 0
	}
}
