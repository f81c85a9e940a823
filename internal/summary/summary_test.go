package summary

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"testing"

	openai "github.com/sashabaranov/go-openai"
	"github.com/tidwall/gjson"

	"github.com/John-Robertt/bilictx/internal/chapter"
	"github.com/John-Robertt/bilictx/internal/config"
	"github.com/John-Robertt/bilictx/internal/domain"
	"github.com/John-Robertt/bilictx/internal/llm"
)

type stubClient struct {
	content string
	err     error

	calls int
	last  openai.ChatCompletionRequest
}

func (c *stubClient) CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	c.calls++
	c.last = req
	if c.err != nil {
		return openai.ChatCompletionResponse{}, c.err
	}
	return openai.ChatCompletionResponse{
		Choices: []openai.ChatCompletionChoice{{Message: openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: c.content}}},
	}, nil
}

func sampleComments() []domain.Comment {
	return []domain.Comment{
		{Second: 5, Text: "开场"},
		{Second: 100, Text: "英歌舞"},
		{Second: 200, Text: "牛肉丸"},
	}
}

func TestParseResponse_FencedAndNormalized(t *testing.T) {
	text := "好的，结果如下：\n```json\n" + `{
  "context": "  潮汕英歌舞纪录  ",
  "chapters": [
    {"title": "尾声", "startSec": 300, "endSec": 999, "summary": " 【片尾】 "},
    {"title": " ", "startSec": "10.9", "endSec": 5},
    {"title": "开场", "startSec": -3, "summary": "【片头】"},
    {"title": "越界", "startSec": 400, "endSec": 500},
    "garbage"
  ]
}` + "\n```\n以上。"

	res, err := ParseResponse(text, 360)
	if err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	if res.Context != "潮汕英歌舞纪录" {
		t.Fatalf("context 应 trim，实际 %q", res.Context)
	}

	want := []domain.Chapter{
		{ID: "sec_1", Title: "开场", StartSec: 0, EndSec: 60, Summary: "【片头】"},
		{ID: "sec_2", Title: "章节 5", StartSec: 0, EndSec: 60, Summary: ""},
		{ID: "sec_3", Title: "章节 2", StartSec: 10, EndSec: 11, Summary: ""},
		{ID: "sec_4", Title: "尾声", StartSec: 300, EndSec: 360, Summary: "【片尾】"},
	}
	if !reflect.DeepEqual(res.Chapters, want) {
		t.Fatalf("chapters 不符合预期：\nwant=%+v\ngot =%+v", want, res.Chapters)
	}
}

func TestParseResponse_BareFenceAndPlain(t *testing.T) {
	for _, text := range []string{
		"```\n{\"context\":\"c\",\"chapters\":[]}\n```",
		"```JSON {\"context\":\"c\",\"chapters\":[]}```",
		"{\"context\":\"c\",\"chapters\":[]}",
	} {
		res, err := ParseResponse(text, 100)
		if err != nil {
			t.Fatalf("不期望错误：%v（text=%q）", err, text)
		}
		if res.Context != "c" || len(res.Chapters) != 0 {
			t.Fatalf("结果不符合预期：%+v", res)
		}
	}
}

func TestParseResponse_Invalid(t *testing.T) {
	cases := []string{
		"",
		"   ",
		"我无法完成这个请求",
		"```json\n{broken\n```",
		`{"context": 1, "chapters": []}`,
		`{"context": "c", "chapters": {}}`,
		`{"context": "c"}`,
		`[{"context": "c", "chapters": []}]`,
	}
	for _, text := range cases {
		if _, err := ParseResponse(text, 100); !errors.Is(err, ErrInvalidResponse) {
			t.Fatalf("期望 ErrInvalidResponse，实际 %v（text=%q）", err, text)
		}
	}
}

func TestParseResponse_NumberCoercion(t *testing.T) {
	text := `{"context":"c","chapters":[
		{"startSec": null, "endSec": true},
		{"startSec": false, "endSec": "  "},
		{"startSec": "abc", "endSec": 30},
		{"startSec": {}, "endSec": [1]}
	]}`
	res, err := ParseResponse(text, 100)
	if err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	// null->0, true->1；false->0, "  "->0 => end=max(1,0)=1；"abc"->缺失=>0；对象/数组=>缺失。
	want := [][2]int{{0, 1}, {0, 1}, {0, 30}, {0, 60}}
	if len(res.Chapters) != len(want) {
		t.Fatalf("期望 %d 个章节，实际 %d：%+v", len(want), len(res.Chapters), res.Chapters)
	}
	for i, w := range want {
		c := res.Chapters[i]
		if c.StartSec != w[0] || c.EndSec != w[1] {
			t.Fatalf("chapter[%d] 期望 %v，实际 [%d %d]", i, w, c.StartSec, c.EndSec)
		}
	}
}

func TestParseResponse_PrefixedNumberStrings(t *testing.T) {
	text := `{"context":"c","chapters":[
		{"startSec": "0x10", "endSec": "0o40"},
		{"startSec": "0B101", "endSec": "-0x10"},
		{"startSec": "0x", "endSec": "0b2"}
	]}`
	res, err := ParseResponse(text, 100)
	if err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	// "0x10"->16, "0o40"->32；"0B101"->5, "-0x10"->缺失 => 5+60；"0x"/"0b2"->缺失 => 0..60。
	want := [][2]int{{0, 60}, {5, 65}, {16, 32}}
	if len(res.Chapters) != len(want) {
		t.Fatalf("期望 %d 个章节，实际 %d：%+v", len(want), len(res.Chapters), res.Chapters)
	}
	for i, w := range want {
		c := res.Chapters[i]
		if c.StartSec != w[0] || c.EndSec != w[1] {
			t.Fatalf("chapter[%d] 期望 %v，实际 [%d %d]", i, w, c.StartSec, c.EndSec)
		}
	}
}

func TestBuildPayload_OrderAndNull(t *testing.T) {
	comments := make([]domain.Comment, 0, 50)
	for i := 0; i < 40; i++ {
		comments = append(comments, domain.Comment{Second: float64(i), Text: fmt.Sprintf("弹幕%d", i%35)})
	}
	p, err := BuildPayload(Input{VideoURL: "https://b23.tv/x", Title: "t", Description: "d", Duration: 90, Comments: comments})
	if err != nil {
		t.Fatalf("不期望错误：%v", err)
	}

	var keys []string
	gjson.Parse(p).ForEach(func(k, _ gjson.Result) bool {
		keys = append(keys, k.String())
		return true
	})
	wantKeys := []string{"videoUrl", "directVideoUrl", "title", "description", "durationSec", "danmakuSamples"}
	if !reflect.DeepEqual(keys, wantKeys) {
		t.Fatalf("字段顺序不符合预期：%v", keys)
	}
	if gjson.Get(p, "directVideoUrl").Type != gjson.Null {
		t.Fatalf("playURL 为空时 directVideoUrl 应为 null：%s", p)
	}
	if n := len(gjson.Get(p, "danmakuSamples").Array()); n != MaxSamples {
		t.Fatalf("期望 %d 条弹幕样本，实际 %d", MaxSamples, n)
	}
	if gjson.Get(p, "durationSec").Int() != 90 {
		t.Fatalf("durationSec 不符合预期：%s", p)
	}

	p2, _ := BuildPayload(Input{PlayURL: "https://cdn/1.mp4"})
	if gjson.Get(p2, "directVideoUrl").String() != "https://cdn/1.mp4" {
		t.Fatalf("directVideoUrl 不符合预期：%s", p2)
	}
	if !gjson.Get(p2, "danmakuSamples").IsArray() {
		t.Fatalf("无弹幕时 danmakuSamples 应为空数组：%s", p2)
	}
}

func TestSummarize_RequestShape(t *testing.T) {
	c := &stubClient{content: `{"context":"c","chapters":[{"title":"a","startSec":0,"endSec":10,"summary":"s"}]}`}
	s := &Summarizer{Client: c, Model: "glm"}

	res, err := s.Summarize(context.Background(), Input{VideoURL: "u", Title: "t", Duration: 100})
	if err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	if len(res.Chapters) != 1 || res.Chapters[0].ID != "sec_1" {
		t.Fatalf("结果不符合预期：%+v", res)
	}
	if c.last.Model != "glm" || c.last.Temperature != float32(Temperature) {
		t.Fatalf("请求参数不符合预期：model=%q temperature=%v", c.last.Model, c.last.Temperature)
	}
	if len(c.last.Messages) != 2 || c.last.Messages[0].Role != openai.ChatMessageRoleSystem || c.last.Messages[1].Role != openai.ChatMessageRoleUser {
		t.Fatalf("消息结构不符合预期：%+v", c.last.Messages)
	}
	if !strings.HasPrefix(c.last.Messages[1].Content, UserPrefix+"{") {
		t.Fatalf("user 消息前缀不符合预期：%q", c.last.Messages[1].Content)
	}
}

func TestRun_NonJSONFallsBack(t *testing.T) {
	c := &stubClient{content: "这是一段普通文字，不是 JSON。"}
	s := &Summarizer{Client: c, Model: "m"}
	in := Input{Title: "工夫茶", Duration: 360, Comments: sampleComments()}

	out := s.Run(context.Background(), in)
	if out.LLMUsed {
		t.Fatalf("非 JSON 返回应回退，LLMUsed 应为 false")
	}
	if !errors.Is(out.Err, ErrInvalidResponse) {
		t.Fatalf("回退原因应为 ErrInvalidResponse，实际 %v", out.Err)
	}
	if out.Context != "工夫茶"+fallbackSuffix {
		t.Fatalf("回退摘要不符合预期：%q", out.Context)
	}
	if !reflect.DeepEqual(out.Chapters, chapter.Build(360, in.Comments)) {
		t.Fatalf("回退章节应与 chapter.Build 一致：%+v", out.Chapters)
	}
	if first, last := out.Chapters[0], out.Chapters[len(out.Chapters)-1]; first.StartSec != 0 || last.EndSec != 360 {
		t.Fatalf("回退章节应覆盖全时长：%+v", out.Chapters)
	}
}

func TestRun_ErrorsFallBack(t *testing.T) {
	in := Input{Title: "t", Duration: 90}

	out := (&Summarizer{Client: &stubClient{err: errors.New("boom")}}).Run(context.Background(), in)
	if out.LLMUsed || out.Err == nil {
		t.Fatalf("调用失败应回退：%+v", out)
	}

	var nilSummarizer *Summarizer
	out = nilSummarizer.Run(context.Background(), in)
	if out.LLMUsed || !errors.Is(out.Err, llm.ErrNotConfigured) {
		t.Fatalf("未配置模型应回退：%+v", out)
	}
	if len(out.Chapters) != 3 {
		t.Fatalf("90 秒回退应得到 3 个章节，实际 %d", len(out.Chapters))
	}
}

func TestRun_Success(t *testing.T) {
	c := &stubClient{content: "```json\n{\"context\":\"ok\",\"chapters\":[{\"title\":\"a\",\"startSec\":0,\"endSec\":50}]}\n```"}
	out := (&Summarizer{Client: c}).Run(context.Background(), Input{Duration: 100})
	if !out.LLMUsed || out.Err != nil || out.Context != "ok" || len(out.Chapters) != 1 {
		t.Fatalf("模型成功路径不符合预期：%+v", out)
	}
}

func TestSummarize_ThroughOpenAIClient(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(b, &got)
		if r.URL.Path != "/chat/completions" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		content, _ := json.Marshal("```json\n{\"context\":\"c\",\"chapters\":[{\"title\":\"a\",\"startSec\":1,\"endSec\":2}]}\n```")
		_, _ = w.Write([]byte(`{"choices":[{"index":0,"message":{"role":"assistant","content":` + string(content) + `}}]}`))
	}))
	defer srv.Close()

	cli, err := llm.NewClient(config.Model{APIKey: "k", BaseURL: srv.URL, ModelID: "m"}, srv.Client())
	if err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	out := (&Summarizer{Client: cli, Model: "m"}).Run(context.Background(), Input{Title: "t", Duration: 10})
	if !out.LLMUsed || len(out.Chapters) != 1 || out.Chapters[0].StartSec != 1 {
		t.Fatalf("结果不符合预期：%+v", out)
	}
	if got["model"] != "m" {
		t.Fatalf("请求 model 不符合预期：%v", got["model"])
	}
	if temp, _ := got["temperature"].(float64); temp < 0.19 || temp > 0.21 {
		t.Fatalf("请求 temperature 不符合预期：%v", got["temperature"])
	}
}

func TestRun_HTTPErrorFallsBack(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":{"message":"upstream down"}}`))
	}))
	defer srv.Close()

	cli, _ := llm.NewClient(config.Model{APIKey: "k", BaseURL: srv.URL, ModelID: "m"}, srv.Client())
	out := (&Summarizer{Client: cli, Model: "m"}).Run(context.Background(), Input{Title: "t", Duration: 200})
	if out.LLMUsed {
		t.Fatalf("HTTP 500 应回退")
	}
	if llm.StatusOf(out.Err) != http.StatusInternalServerError {
		t.Fatalf("回退原因应携带 500，实际 %v", out.Err)
	}
}
