package export

import (
	"encoding/json"
	"encoding/xml"
	"strings"
	"testing"

	"github.com/John-Robertt/bilictx/internal/domain"
)

func sample() domain.VideoContext {
	return domain.VideoContext{
		Source:  domain.Source{Platform: domain.PlatformBilibili, BVID: "BV1Y8ZWBAEYh", Title: "潮汕英歌舞"},
		Context: "c",
		Chapters: []domain.Chapter{
			{ID: "sec_1", Title: "出场 <锣鼓>", StartSec: 0, EndSec: 75, Summary: "第一行\n第二行"},
			{ID: "sec_2", Title: " ", StartSec: 75, EndSec: 3725, Summary: "a --> b"},
		},
	}
}

func TestMatroskaXML(t *testing.T) {
	b, err := MatroskaXML(sample())
	if err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	s := string(b)
	if !strings.HasPrefix(s, `<?xml version="1.0" encoding="UTF-8"?>`) || !strings.Contains(s, "matroskachapters.dtd") {
		t.Fatalf("缺少 XML 头：%s", s)
	}
	for _, want := range []string{
		"<ChapterTimeStart>00:00:00.000000000</ChapterTimeStart>",
		"<ChapterTimeEnd>00:01:15.000000000</ChapterTimeEnd>",
		"<ChapterTimeEnd>01:02:05.000000000</ChapterTimeEnd>",
		"<ChapterString>出场 &lt;锣鼓&gt;</ChapterString>",
		"<ChapterString>章节 2</ChapterString>",
		"<ChapterLanguage>chi</ChapterLanguage>",
		"<ChapterUID>2</ChapterUID>",
	} {
		if !strings.Contains(s, want) {
			t.Fatalf("缺少 %q：\n%s", want, s)
		}
	}

	// 去掉 DOCTYPE 后应能被重新解析。
	body := s[strings.Index(s, "<Chapters>"):]
	var doc chapters
	if err := xml.Unmarshal([]byte(body), &doc); err != nil {
		t.Fatalf("输出不是合法 XML：%v", err)
	}
	if len(doc.Edition.Atoms) != 2 || doc.Edition.FlagDefault != 1 {
		t.Fatalf("解析结果不符合预期：%+v", doc)
	}
}

func TestWebVTT(t *testing.T) {
	got := string(WebVTT(sample().Chapters))
	want := "WEBVTT\n" +
		"\nsec_1\n00:00:00.000 --> 00:01:15.000\n出场 &lt;锣鼓&gt;\n第一行 第二行\n" +
		"\nsec_2\n00:01:15.000 --> 01:02:05.000\n章节 2\na --&gt; b\n"
	if got != want {
		t.Fatalf("WebVTT 不符合预期：\n%q\nwant\n%q", got, want)
	}

	if got := string(WebVTT(nil)); got != "WEBVTT\n" {
		t.Fatalf("空章节应只输出头：%q", got)
	}
}

func TestRender(t *testing.T) {
	vc := sample()

	b, err := Render("", vc)
	if err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	var back domain.VideoContext
	if err := json.Unmarshal(b, &back); err != nil || back.Source.BVID != vc.Source.BVID {
		t.Fatalf("JSON 导出不符合预期：%s", b)
	}

	if b, err := Render("MKV", vc); err != nil || !strings.Contains(string(b), "<Chapters>") {
		t.Fatalf("mkv 导出不符合预期：%v %s", err, b)
	}
	if b, err := Render("vtt", vc); err != nil || !strings.HasPrefix(string(b), "WEBVTT") {
		t.Fatalf("vtt 导出不符合预期：%v %s", err, b)
	}
	if _, err := Render("srt", vc); err == nil {
		t.Fatalf("未知格式应报错")
	}
}
