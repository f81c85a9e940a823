package domain

// Comment 是一条弹幕（时间锚点 + 文本）。
//
// 注意：文档中的顺序不保证按 Second 递增；需要时由调用方显式排序。
type Comment struct {
	Second float64 `json:"second"`
	Text   string  `json:"text"`
}
