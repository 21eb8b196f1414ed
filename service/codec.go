package service

import (
	"encoding/base64"
	"fmt"

	"github.com/TIANLI0/MaskKit/model"
	"gocv.io/x/gocv"
)

// EncodePNG 将 Mat 编码为 PNG 字节
func EncodePNG(mat gocv.Mat) ([]byte, error) {
	data, err := gocv.IMEncode(".png", mat)
	if err != nil {
		return nil, fmt.Errorf("failed to encode png: %w", err)
	}
	defer data.Close()

	buf := data.GetBytes()
	out := make([]byte, len(buf))
	copy(out, buf)
	return out, nil
}

// encodeMask 将掩码编码为 Base64 PNG 字符串
func encodeMask(m *model.Mask) (string, error) {
	mat, err := maskToMat(m)
	if err != nil {
		return "", err
	}
	defer mat.Close()

	data, err := EncodePNG(mat)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// decodeGray 解码 Base64 PNG 为单通道 Mat
func decodeGray(encoded string) (gocv.Mat, error) {
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return gocv.NewMat(), fmt.Errorf("invalid base64 mask: %w", err)
	}
	mat, err := gocv.IMDecode(data, gocv.IMReadGrayScale)
	if err != nil {
		return gocv.NewMat(), fmt.Errorf("failed to decode mask: %w", err)
	}
	if mat.Empty() {
		mat.Close()
		return gocv.NewMat(), fmt.Errorf("failed to decode mask: empty image")
	}
	return mat, nil
}

// decodeMask 解码 Base64 PNG 为二值掩码，非零即选中
func decodeMask(encoded string) (*model.Mask, error) {
	mat, err := decodeGray(encoded)
	if err != nil {
		return nil, err
	}
	defer mat.Close()
	return matToMask(&mat)
}

// decodeRawMask 解码 Base64 PNG 为概率掩码，灰度值 / 255 即概率
func decodeRawMask(encoded string) (*model.RawMask, error) {
	mat, err := decodeGray(encoded)
	if err != nil {
		return nil, err
	}
	defer mat.Close()

	raw := model.NewRawMask(mat.Cols(), mat.Rows())
	for i, v := range mat.ToBytes() {
		raw.Data[i] = float32(v) / 255
	}
	return raw, nil
}
