package process

import (
	"context"

	"github.com/gin-gonic/gin"
)

// ProcessService 定义图片处理服务接口
type ProcessService interface {
	// 将服务的路由注册到 engine 与 apiGroup
	Start(ctx context.Context, engine *gin.Engine, apiGroup *gin.RouterGroup) error
}
