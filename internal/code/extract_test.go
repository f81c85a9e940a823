package code

import (
	"errors"
	"testing"
)

func TestExtract_FromVideoURL(t *testing.T) {
	got, err := Extract("https://www.bilibili.com/video/BV1Y8ZWBAEYh/?spm_id_from=333.1007")
	if err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	if got != "BV1Y8ZWBAEYh" {
		t.Fatalf("期望 BV1Y8ZWBAEYh，实际 %q", got)
	}
}

func TestExtract_DirectMatchIgnoresURLShape(t *testing.T) {
	cases := []string{
		"https://x.com/video/BV1Y8ZWBAEYh/?a=1",
		"BV1Y8ZWBAEYh",
		"  看这个 BV1Y8ZWBAEYh 很好看  ",
		"not a url at all ::BV1Y8ZWBAEYh::",
		"https://www.bilibili.com/video/BV1Y8ZWBAEYh?bvid=BV1aaaaaaaaa",
	}
	for _, in := range cases {
		got, err := Extract(in)
		if err != nil {
			t.Fatalf("输入 %q 不期望错误：%v", in, err)
		}
		if got != "BV1Y8ZWBAEYh" {
			t.Fatalf("输入 %q 期望 BV1Y8ZWBAEYh，实际 %q", in, got)
		}
	}
}

func TestExtract_CaseSensitivePrefix(t *testing.T) {
	_, err := Extract("https://www.bilibili.com/video/bv1Y8ZWBAEYh/")
	var nf *NotFoundError
	if !errors.As(err, &nf) {
		t.Fatalf("小写 bv 不应命中，实际 err=%v", err)
	}
}

func TestExtract_NotFound(t *testing.T) {
	cases := []string{
		"",
		"   \t\n",
		"hello",
		"https://www.bilibili.com/video/av170001",
		"https://www.bilibili.com/video/BV123",
		"https://example.com/?bvid=",
		"https://example.com/?bvid=BV12",
		"://bad url",
	}
	for _, in := range cases {
		got, err := Extract(in)
		var nf *NotFoundError
		if !errors.As(err, &nf) {
			t.Fatalf("输入 %q 期望 NotFoundError，实际 id=%q err=%v", in, got, err)
		}
		if got != "" {
			t.Fatalf("输入 %q 期望空 id，实际 %q", in, got)
		}
	}
}

func TestExtract_FromEncodedQueryParam(t *testing.T) {
	// 只有查询参数经过百分号编码时，直接匹配才会落空，需要走 URL 解析分支。
	got, err := Extract("https://player.bilibili.com/player.html?bvid=%42V1Y8ZWBAEYh&page=1")
	if err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	if got != "BV1Y8ZWBAEYh" {
		t.Fatalf("期望 BV1Y8ZWBAEYh，实际 %q", got)
	}
}
