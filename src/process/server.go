package process

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"

	"github.com/erinskieasy/AIdriversLICENSEocr/src/configs"
	"github.com/erinskieasy/AIdriversLICENSEocr/src/core/analyzer"
	"github.com/erinskieasy/AIdriversLICENSEocr/src/core/auth"
	"github.com/erinskieasy/AIdriversLICENSEocr/src/core/image"
	"github.com/erinskieasy/AIdriversLICENSEocr/src/core/utils"

	"github.com/gin-gonic/gin"
)

// ImageAnalyzer 编排一次完整的远端分析调用
type ImageAnalyzer interface {
	Analyze(ctx context.Context, apiKey, assistantID string, images []analyzer.ImagePayload) analyzer.Result
}

// DefaultProcessService 图片处理HTTP服务
type DefaultProcessService struct {
	logger    *utils.Logger
	config    *configs.Config
	analyzer  ImageAnalyzer
	validator *image.ImageSecurityValidator
	authToken *auth.AuthToken // 可选的访问令牌校验
}

// NewDefaultProcessService 构造函数
func NewDefaultProcessService(config *configs.Config, logger *utils.Logger) (*DefaultProcessService, error) {
	service := &DefaultProcessService{
		logger:    logger,
		config:    config,
		analyzer:  analyzer.NewAnalyzer(config, logger),
		validator: image.NewImageSecurityValidator(&config.Security, logger),
	}

	if config.Server.Auth.Enabled {
		if config.Server.Auth.Token == "" {
			return nil, fmt.Errorf("启用了认证但未配置token")
		}
		service.authToken = auth.NewAuthToken(config.Server.Auth.Token)
	}

	return service, nil
}

// Start 实现 ProcessService 接口，注册所有相关路由
func (s *DefaultProcessService) Start(ctx context.Context, engine *gin.Engine, apiGroup *gin.RouterGroup) error {
	// 主接口（GET用于状态检查，POST用于图片分析）
	apiGroup.GET("/process-images", s.handleGet)
	apiGroup.POST("/process-images", s.handlePost)
	apiGroup.OPTIONS("/process-images", s.handleOptions)

	s.logger.Info("图片处理HTTP服务路由注册完成")
	return nil
}

// handleOptions 处理OPTIONS请求（CORS）
func (s *DefaultProcessService) handleOptions(c *gin.Context) {
	s.addCORSHeaders(c)
	c.Status(http.StatusOK)
}

// handleGet 处理GET请求（状态检查）
func (s *DefaultProcessService) handleGet(c *gin.Context) {
	s.addCORSHeaders(c)
	c.String(http.StatusOK, "image processing interface is running")
}

// handlePost 处理POST请求（图片分析）。请求形态错误返回400；
// 编排层的任何结果（包括编排级错误）都以200返回。
func (s *DefaultProcessService) handlePost(c *gin.Context) {
	s.addCORSHeaders(c)

	if s.authToken != nil {
		if err := s.verifyAuth(c); err != nil {
			s.logger.Warn(fmt.Sprintf("认证失败: %v", err))
			c.JSON(http.StatusUnauthorized, ErrorResponse{Error: err.Error()})
			return
		}
	}

	apiKey, assistantID, images, err := s.parseMultipartRequest(c)
	if err != nil {
		s.logger.Warn(fmt.Sprintf("请求解析失败: %v", err))
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}

	result := s.analyzer.Analyze(c.Request.Context(), apiKey, assistantID, images)
	c.JSON(http.StatusOK, result)
}

// verifyAuth 校验Bearer访问令牌
func (s *DefaultProcessService) verifyAuth(c *gin.Context) error {
	authHeader := c.GetHeader("Authorization")
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return fmt.Errorf("missing or malformed authorization header")
	}

	token := authHeader[7:] // 移除"Bearer "前缀
	isValid, _, err := s.authToken.VerifyToken(token)
	if err != nil || !isValid {
		return fmt.Errorf("invalid or expired access token")
	}
	return nil
}

// parseMultipartRequest 解析multipart表单请求。凭证缺失、文件缺失、
// 媒体类型不符或超限都在这里拒绝，不会触达远端服务。
func (s *DefaultProcessService) parseMultipartRequest(c *gin.Context) (string, string, []analyzer.ImagePayload, error) {
	if err := c.Request.ParseMultipartForm(s.config.Upload.MaxFileSize); err != nil {
		return "", "", nil, fmt.Errorf("failed to parse multipart form: %v", err)
	}

	apiKey := strings.TrimSpace(c.Request.FormValue("apiKey"))
	assistantID := strings.TrimSpace(c.Request.FormValue("assistantId"))
	if apiKey == "" || assistantID == "" {
		return "", "", nil, fmt.Errorf("%s", analyzer.MsgMissingCredentials)
	}

	form := c.Request.MultipartForm
	if form == nil || len(form.File["files"]) == 0 {
		return "", "", nil, fmt.Errorf("%s", analyzer.MsgNoFiles)
	}

	headers := form.File["files"]
	if len(headers) > s.config.Upload.MaxFiles {
		return "", "", nil, fmt.Errorf("too many files: %d, at most %d allowed", len(headers), s.config.Upload.MaxFiles)
	}

	images := make([]analyzer.ImagePayload, 0, len(headers))
	for _, header := range headers {
		contentType := header.Header.Get("Content-Type")
		if !strings.HasPrefix(contentType, "image/") {
			return "", "", nil, fmt.Errorf("file %q is not an image", header.Filename)
		}
		if header.Size > s.config.Upload.MaxFileSize {
			return "", "", nil, fmt.Errorf("file %q exceeds the maximum size of %d bytes", header.Filename, s.config.Upload.MaxFileSize)
		}

		file, err := header.Open()
		if err != nil {
			return "", "", nil, fmt.Errorf("failed to open file %q: %v", header.Filename, err)
		}
		data, err := io.ReadAll(file)
		file.Close()
		if err != nil {
			return "", "", nil, fmt.Errorf("failed to read file %q: %v", header.Filename, err)
		}

		// 深度校验图片内容，防止伪装成图片的载荷触达远端
		validation := s.validator.ValidateImageBytes(data, declaredFormat(contentType))
		if !validation.IsValid {
			return "", "", nil, fmt.Errorf("file %q is not a valid image: %v", header.Filename, validation.Error)
		}

		images = append(images, analyzer.ImagePayload{
			Name:     header.Filename,
			MimeType: contentType,
			Size:     header.Size,
			Data:     data,
		})
	}

	return apiKey, assistantID, images, nil
}

// declaredFormat 从媒体类型推出声明的图片格式，如image/jpeg → jpeg
func declaredFormat(contentType string) string {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mediaType = contentType
	}
	return strings.TrimPrefix(mediaType, "image/")
}

// addCORSHeaders 添加CORS头
func (s *DefaultProcessService) addCORSHeaders(c *gin.Context) {
	c.Header("Access-Control-Allow-Headers", "content-type, authorization")
	c.Header("Access-Control-Allow-Credentials", "true")
	c.Header("Access-Control-Allow-Origin", "*")
	c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
}
