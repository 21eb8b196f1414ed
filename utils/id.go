package utils

import (
	"github.com/google/uuid"
)

// GenerateID 生成随机ID，用于会话与请求追踪
func GenerateID() string {
	return uuid.NewString()
}
