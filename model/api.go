package model

// BBox 边界框
type BBox struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

// SessionInfo 会话快照，供前端与日志使用
type SessionInfo struct {
	SessionID     string        `json:"session_id"`
	State         SessionState  `json:"state"`
	Mode          SelectionMode `json:"mode"`
	Width         int           `json:"width"`
	Height        int           `json:"height"`
	WorkingWidth  int           `json:"working_width"`
	WorkingHeight int           `json:"working_height"`
	Regions       int           `json:"regions"`
	Prompts       []Prompt      `json:"prompts,omitempty"`
	History       int           `json:"history"`
	Selected      int           `json:"selected"`
	Selection     BBox          `json:"selection"`
	Revision      uint64        `json:"revision"`
}

// ClickRequest 点击请求：区域模式使用 mode，提示点模式使用 label
type ClickRequest struct {
	X     *int   `json:"x" binding:"required"`
	Y     *int   `json:"y" binding:"required"`
	Mode  string `json:"mode"`
	Label string `json:"label"`
}

// RenderData 预览渲染结果
type RenderData struct {
	ResultImage string       `json:"result_image"`
	State       *SessionInfo `json:"state"`
}

// UploadResponse 上传响应
type UploadResponse struct {
	Success bool         `json:"success"`
	Message string       `json:"message"`
	Data    *SessionInfo `json:"data,omitempty"`
}

// RenderResponse 点击/撤销响应
type RenderResponse struct {
	Success bool        `json:"success"`
	Message string      `json:"message"`
	Data    *RenderData `json:"data,omitempty"`
}

// ErrorResponse 错误响应
type ErrorResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Error   string `json:"error,omitempty"`
}
