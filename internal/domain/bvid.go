package domain

import (
	"regexp"
	"strings"
)

// BVID 是 B 站视频的稳定标识（形如 BV1Y8ZWBAEYh）。
//
// 约束：大小写敏感；一旦提取成功即不可变（不做任何大小写/空白规范化之外的改写）。
type BVID string

var bvidRE = regexp.MustCompile(`^BV[0-9A-Za-z]{10}$`)

// ParseBVID 校验完整字符串是否为合法 BVID。
func ParseBVID(s string) (BVID, bool) {
	s = strings.TrimSpace(s)
	if !bvidRE.MatchString(s) {
		return "", false
	}
	return BVID(s), true
}

// PageURL 返回该视频在主站的详情页地址。
func (id BVID) PageURL(webBase string) string {
	base := strings.TrimRight(strings.TrimSpace(webBase), "/")
	if base == "" {
		base = "https://www.bilibili.com"
	}
	return base + "/video/" + string(id) + "/"
}
