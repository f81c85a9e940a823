package export

import (
	"bytes"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"strings"

	"github.com/John-Robertt/bilictx/internal/chapter"
	"github.com/John-Robertt/bilictx/internal/domain"
)

const (
	FormatJSON = "json"
	FormatMKV  = "mkv"
	FormatVTT  = "vtt"
)

// DefaultLanguage 是 Matroska 章节的 ISO 639-2 语言码。
const DefaultLanguage = "chi"

// Formats 返回支持的导出格式（CLI --format 的合法取值）。
func Formats() []string { return []string{FormatJSON, FormatMKV, FormatVTT} }

// Render 按格式导出一次结果。
func Render(format string, vc domain.VideoContext) ([]byte, error) {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", FormatJSON:
		b, err := json.MarshalIndent(vc, "", "  ")
		if err != nil {
			return nil, err
		}
		return append(b, '\n'), nil
	case FormatMKV:
		return MatroskaXML(vc)
	case FormatVTT:
		return WebVTT(vc.Chapters), nil
	default:
		return nil, fmt.Errorf("不支持的导出格式：%q（可选：%s）", format, strings.Join(Formats(), "|"))
	}
}

type chapters struct {
	XMLName xml.Name `xml:"Chapters"`
	Edition edition  `xml:"EditionEntry"`
}

type edition struct {
	FlagDefault int    `xml:"EditionFlagDefault"`
	Atoms       []atom `xml:"ChapterAtom"`
}

type atom struct {
	UID       int     `xml:"ChapterUID"`
	TimeStart string  `xml:"ChapterTimeStart"`
	TimeEnd   string  `xml:"ChapterTimeEnd"`
	Display   display `xml:"ChapterDisplay"`
}

type display struct {
	String   string `xml:"ChapterString"`
	Language string `xml:"ChapterLanguage"`
}

// MatroskaXML 把章节转成 mkvmerge --chapters 可读取的 XML。
//
// 规则：
// - ChapterUID 按输出顺序从 1 递增
// - 标题为空时回退到通用章节标题（避免生成空 ChapterString）
func MatroskaXML(vc domain.VideoContext) ([]byte, error) {
	doc := chapters{Edition: edition{FlagDefault: 1}}
	doc.Edition.Atoms = make([]atom, 0, len(vc.Chapters))
	for i, c := range vc.Chapters {
		doc.Edition.Atoms = append(doc.Edition.Atoms, atom{
			UID:       i + 1,
			TimeStart: mkvTime(c.StartSec),
			TimeEnd:   mkvTime(c.EndSec),
			Display:   display{String: titleOf(c, i), Language: DefaultLanguage},
		})
	}

	b, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, err
	}
	const header = `<?xml version="1.0" encoding="UTF-8"?>` + "\n" +
		`<!DOCTYPE Chapters SYSTEM "matroskachapters.dtd">` + "\n"
	out := append([]byte(header), b...)
	return append(out, '\n'), nil
}

// WebVTT 把章节转成 WebVTT chapters 轨道（<track kind="chapters">）。
//
// cue 标识为章节 id；cue 文本为标题，摘要非空时追加一行。
func WebVTT(chs []domain.Chapter) []byte {
	var buf bytes.Buffer
	buf.WriteString("WEBVTT\n")
	for i, c := range chs {
		buf.WriteString("\n")
		if id := cueText(c.ID); id != "" {
			buf.WriteString(id)
			buf.WriteString("\n")
		}
		fmt.Fprintf(&buf, "%s --> %s\n", vttTime(c.StartSec), vttTime(c.EndSec))
		buf.WriteString(cueText(titleOf(c, i)))
		buf.WriteString("\n")
		if s := cueText(c.Summary); s != "" {
			buf.WriteString(s)
			buf.WriteString("\n")
		}
	}
	return buf.Bytes()
}

func titleOf(c domain.Chapter, i int) string {
	if t := strings.TrimSpace(c.Title); t != "" {
		return t
	}
	return chapter.Title(i + 1)
}

var cueEscaper = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;")

// cueText 压平换行并转义 & < >，保证文本不会被解析成标签或新的 cue。
func cueText(s string) string {
	return cueEscaper.Replace(strings.Join(strings.Fields(s), " "))
}

func mkvTime(sec int) string {
	h, m, s := hms(sec)
	return fmt.Sprintf("%02d:%02d:%02d.000000000", h, m, s)
}

func vttTime(sec int) string {
	h, m, s := hms(sec)
	return fmt.Sprintf("%02d:%02d:%02d.000", h, m, s)
}

func hms(sec int) (int, int, int) {
	if sec < 0 {
		sec = 0
	}
	return sec / 3600, sec % 3600 / 60, sec % 60
}
