package imgx

import (
	"bytes"
	"encoding/base64"
	"errors"
	"image"
	"image/jpeg"
	_ "image/png" // 注册 PNG 解码器（截帧通常是 png 或 jpeg）
	"strings"

	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp" // 注册 WebP 解码器（浏览器 canvas 可导出 webp）
)

const dataURLPrefix = "data:image/"

// DataURL 是拆解后的 data:image/...;base64,... 字符串。
type DataURL struct {
	MediaType string // 例如 image/png
	Data      []byte
}

// ParseDataURL 拆解 base64 图片 data URL。
//
// 约束：只接受 data:image/<subtype>;base64,<payload>；payload 必须是合法 base64。
func ParseDataURL(s string) (DataURL, error) {
	if !strings.HasPrefix(s, dataURLPrefix) {
		return DataURL{}, errors.New("不是 data:image/ URL")
	}
	head, payload, ok := strings.Cut(s, ",")
	if !ok {
		return DataURL{}, errors.New("data URL 缺少逗号分隔符")
	}
	head = strings.TrimPrefix(head, "data:")
	mediaType, params, _ := strings.Cut(head, ";")
	if !strings.Contains(";"+params+";", ";base64;") {
		return DataURL{}, errors.New("data URL 不是 base64 编码")
	}
	b, err := base64.StdEncoding.DecodeString(strings.TrimSpace(payload))
	if err != nil {
		return DataURL{}, err
	}
	return DataURL{MediaType: mediaType, Data: b}, nil
}

// FitDataURL 把超出 maxEdge 的截帧等比缩小并重新编码为 JPEG data URL。
//
// 规则：
// - maxEdge<=0 或长边不超过 maxEdge：原样返回输入（不解码、不重编码）
// - 缩放使用 CatmullRom；输出固定为 image/jpeg（质量 90）
// - 无法解码时返回错误，调用方可决定是否用原图继续
func FitDataURL(dataURL string, maxEdge int) (string, error) {
	if maxEdge <= 0 {
		return dataURL, nil
	}
	du, err := ParseDataURL(dataURL)
	if err != nil {
		return "", err
	}

	cfg, _, err := image.DecodeConfig(bytes.NewReader(du.Data))
	if err != nil {
		return "", err
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return "", errors.New("图片尺寸无效")
	}
	if cfg.Width <= maxEdge && cfg.Height <= maxEdge {
		return dataURL, nil
	}

	img, _, err := image.Decode(bytes.NewReader(du.Data))
	if err != nil {
		return "", err
	}
	out, err := downscaleJPEG(img, maxEdge)
	if err != nil {
		return "", err
	}
	return "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(out), nil
}

func downscaleJPEG(img image.Image, maxEdge int) ([]byte, error) {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	nw, nh := maxEdge, maxEdge
	if w >= h {
		nh = h * maxEdge / w
	} else {
		nw = w * maxEdge / h
	}
	if nw < 1 {
		nw = 1
	}
	if nh < 1 {
		nh = 1
	}

	dst := image.NewRGBA(image.Rect(0, 0, nw, nh))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, b, draw.Src, nil)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, dst, &jpeg.Options{Quality: 90}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
