package code

import (
	"net/url"
	"regexp"
	"strings"

	"github.com/John-Robertt/bilictx/internal/domain"
)

// 直接匹配：字符串任意位置出现 BV + 10 位字母数字即可（不要求是合法 URL）。
var candidateRE = regexp.MustCompile(`BV[0-9A-Za-z]{10}`)

// NotFoundError 表示输入中找不到 BVID。
type NotFoundError struct {
	Input string
}

func (e *NotFoundError) Error() string {
	return "Invalid Bilibili URL or BV id not found."
}

// Extract 从任意字符串（完整 URL / 裸 BVID / 粘贴文本）中提取 BVID。
//
// 顺序（固定）：
// 1) 直接正则匹配，命中即返回（即使字符串不是合法 URL）
// 2) 作为 URL 解析并读取 bvid 查询参数，参数本身必须完整匹配 BVID 格式
// 3) 其余情况返回 *NotFoundError
func Extract(input string) (domain.BVID, error) {
	s := strings.TrimSpace(input)
	if s == "" {
		return "", &NotFoundError{Input: input}
	}

	if m := candidateRE.FindString(s); m != "" {
		return domain.BVID(m), nil
	}

	u, err := url.Parse(s)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", &NotFoundError{Input: input}
	}
	if id, ok := domain.ParseBVID(u.Query().Get("bvid")); ok {
		return id, nil
	}
	return "", &NotFoundError{Input: input}
}
