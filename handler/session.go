package handler

import (
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/TIANLI0/MaskKit/config"
	"github.com/TIANLI0/MaskKit/model"
	"github.com/TIANLI0/MaskKit/service"
	"github.com/TIANLI0/MaskKit/utils"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type SessionHandler struct {
	cfg     *config.Config
	manager *service.SessionManager
}

func NewSessionHandler(cfg *config.Config, manager *service.SessionManager) *SessionHandler {
	return &SessionHandler{
		cfg:     cfg,
		manager: manager,
	}
}

// Register 注册会话相关路由
func (h *SessionHandler) Register(r gin.IRouter) {
	r.POST("/upload", h.Upload)
	r.POST("/click", h.Click)
	r.POST("/undo", h.Undo)
	r.GET("/preview", h.Preview)
	r.POST("/download", h.Download)
	r.GET("/state", h.State)
}

// Upload 处理图片上传并重置会话
func (h *SessionHandler) Upload(c *gin.Context) {
	file, err := c.FormFile("image")
	if err != nil {
		utils.Logger.Error("failed to get uploaded file", zap.Error(err))
		c.JSON(http.StatusBadRequest, model.ErrorResponse{
			Success: false,
			Message: "请上传图片文件",
			Error:   err.Error(),
		})
		return
	}

	// 验证文件大小
	if file.Size > h.cfg.Upload.MaxSize {
		c.JSON(http.StatusBadRequest, model.ErrorResponse{
			Success: false,
			Message: fmt.Sprintf("文件大小超过限制 (%d MB)", h.cfg.Upload.MaxSize/(1024*1024)),
		})
		return
	}

	// 验证文件类型
	contentType := file.Header.Get("Content-Type")
	if !h.isAllowedType(contentType) {
		c.JSON(http.StatusBadRequest, model.ErrorResponse{
			Success: false,
			Message: "不支持的文件类型，仅支持 JPEG/PNG",
		})
		return
	}

	f, err := file.Open()
	if err != nil {
		h.fail(c, err)
		return
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		h.fail(c, err)
		return
	}

	utils.Logger.Info("file uploaded",
		zap.String("filename", file.Filename),
		zap.String("md5", utils.BytesMD5(data)),
		zap.Int64("size", file.Size))

	info, err := h.manager.Reset(c.Request.Context(), data)
	if err != nil {
		h.fail(c, err)
		return
	}

	c.JSON(http.StatusOK, model.UploadResponse{
		Success: true,
		Message: "上传成功",
		Data:    info,
	})
}

// Click 处理一次点击
func (h *SessionHandler) Click(c *gin.Context) {
	var req model.ClickRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, model.ErrorResponse{
			Success: false,
			Message: "请求参数错误",
			Error:   err.Error(),
		})
		return
	}

	mode, err := model.ParseSelectMode(req.Mode)
	if err != nil {
		c.JSON(http.StatusBadRequest, model.ErrorResponse{Success: false, Message: "请求参数错误", Error: err.Error()})
		return
	}
	label, err := model.ParseLabel(req.Label)
	if err != nil {
		c.JSON(http.StatusBadRequest, model.ErrorResponse{Success: false, Message: "请求参数错误", Error: err.Error()})
		return
	}

	result, err := h.manager.Click(c.Request.Context(), service.ClickInput{
		Point: model.Point{X: *req.X, Y: *req.Y},
		Mode:  mode,
		Label: label,
	})
	if err != nil {
		h.fail(c, err)
		return
	}

	message := "处理成功"
	if !result.Matched {
		message = "该位置没有可选区域"
	}
	h.writeRender(c, message, result)
}

// Undo 撤销最近一次修改
func (h *SessionHandler) Undo(c *gin.Context) {
	result, err := h.manager.Undo(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	h.writeRender(c, "撤销成功", result)
}

// Preview 返回当前预览图
func (h *SessionHandler) Preview(c *gin.Context) {
	data, err := h.manager.Preview()
	if err != nil {
		h.fail(c, err)
		return
	}
	c.Data(http.StatusOK, "image/png", data)
}

// Download 导出透明背景 PNG，选区为空时拒绝
func (h *SessionHandler) Download(c *gin.Context) {
	info := h.manager.Info()
	if info.State == model.StateEmpty {
		h.fail(c, service.ErrNoImageLoaded)
		return
	}
	if info.Selected == 0 {
		c.JSON(http.StatusBadRequest, model.ErrorResponse{
			Success: false,
			Message: "请先选择区域",
			Error:   "No segmentation available. Please select some segments first.",
		})
		return
	}

	data, err := h.manager.Export()
	if err != nil {
		h.fail(c, err)
		return
	}
	c.Header("Content-Disposition", `attachment; filename="segmented_image.png"`)
	c.Data(http.StatusOK, "image/png", data)
}

// State 返回会话快照
func (h *SessionHandler) State(c *gin.Context) {
	c.JSON(http.StatusOK, h.manager.Info())
}

func (h *SessionHandler) writeRender(c *gin.Context, message string, result *service.ClickResult) {
	c.JSON(http.StatusOK, model.RenderResponse{
		Success: true,
		Message: message,
		Data: &model.RenderData{
			ResultImage: base64.StdEncoding.EncodeToString(result.Preview),
			State:       result.Info,
		},
	})
}

// fail 将服务层错误映射为 HTTP 状态码
func (h *SessionHandler) fail(c *gin.Context, err error) {
	status, message := classify(err)
	if status >= http.StatusInternalServerError {
		utils.Logger.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
	} else {
		utils.Logger.Warn("request rejected", zap.String("path", c.FullPath()), zap.Error(err))
	}
	c.JSON(status, model.ErrorResponse{
		Success: false,
		Message: message,
		Error:   err.Error(),
	})
}

func classify(err error) (int, string) {
	switch {
	case errors.Is(err, service.ErrDecode):
		return http.StatusBadRequest, "图片解析失败"
	case errors.Is(err, service.ErrInvalidPoint):
		return http.StatusBadRequest, "点击位置超出图片范围"
	case errors.Is(err, service.ErrNothingToUndo):
		return http.StatusBadRequest, "没有可撤销的操作"
	case errors.Is(err, service.ErrModeUnsupported):
		return http.StatusBadRequest, "当前模式不支持该操作"
	case errors.Is(err, service.ErrNoImageLoaded):
		return http.StatusConflict, "请先上传图片"
	case errors.Is(err, service.ErrSuperseded):
		return http.StatusConflict, "已有更新的上传"
	case errors.Is(err, service.ErrQueueTimeout):
		return http.StatusServiceUnavailable, "处理队列已满，请稍后重试"
	case errors.Is(err, service.ErrInference):
		return http.StatusBadGateway, "分割模型调用失败"
	case errors.Is(err, service.ErrRender):
		return http.StatusInternalServerError, "操作已生效，预览渲染失败，请刷新预览"
	}
	return http.StatusInternalServerError, "处理失败"
}

func (h *SessionHandler) isAllowedType(contentType string) bool {
	for _, allowed := range h.cfg.Upload.AllowedTypes {
		if strings.EqualFold(contentType, allowed) {
			return true
		}
	}
	return false
}
