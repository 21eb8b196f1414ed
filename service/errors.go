package service

import "errors"

var (
	// ErrDecode 图片无法解码
	ErrDecode = errors.New("image decode failed")
	// ErrInvalidPoint 点击坐标超出图片范围
	ErrInvalidPoint = errors.New("point out of image bounds")
	// ErrShapeMismatch 掩码与图片尺寸不一致，属于内部逻辑错误
	ErrShapeMismatch = errors.New("mask shape mismatch")
	// ErrInference 分割模型调用失败，可重试
	ErrInference = errors.New("segmentation inference failed")
	// ErrNothingToUndo 没有可撤销的操作
	ErrNothingToUndo = errors.New("nothing to undo")
	// ErrNoImageLoaded 尚未上传图片
	ErrNoImageLoaded = errors.New("no image loaded")
	// ErrSuperseded 本次上传已被更新的上传取代
	ErrSuperseded = errors.New("upload superseded by a newer one")
	// ErrModeUnsupported 当前会话模式不支持该操作
	ErrModeUnsupported = errors.New("operation not supported in current selection mode")
	// ErrQueueTimeout 等待推理队列超时
	ErrQueueTimeout = errors.New("inference queue timeout")
	// ErrRender 修改已生效但预览渲染失败
	ErrRender = errors.New("preview render failed")
)
