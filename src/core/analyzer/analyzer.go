package analyzer

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/erinskieasy/AIdriversLICENSEocr/src/configs"
	"github.com/erinskieasy/AIdriversLICENSEocr/src/core/assistant"
	"github.com/erinskieasy/AIdriversLICENSEocr/src/core/utils"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// analysisPrompt 随图片一起发送的固定提示语
const analysisPrompt = "Please analyze the attached driver's license image(s). Extract all legible fields, " +
	"including full name, license number, date of birth, issue date, expiration date, address, sex, height, " +
	"eye color, class, endorsements and restrictions. Respond with a single JSON object containing the " +
	"extracted fields, using null for any field that cannot be read."

// runInstructions 启动run时附带的次级指令
const runInstructions = "Return a single valid JSON object and nothing else. Do not wrap the JSON in markdown."

// ImagePayload 一份待分析的内存图片
type ImagePayload struct {
	Name     string // 原始文件名
	MimeType string // 声明的媒体类型
	Size     int64  // 声明的字节数
	Data     []byte // 图片内容
}

// Result 编排结果，data与error恰好有一个被填充
type Result struct {
	Data  string `json:"data,omitempty"`
	Error string `json:"error,omitempty"`
}

// Client 远端助手服务能力对象
type Client interface {
	UploadFile(ctx context.Context, filename string, data []byte) (string, error)
	CreateThread(ctx context.Context) (string, error)
	CreateMessage(ctx context.Context, threadID string, segments []assistant.ContentSegment) error
	CreateRun(ctx context.Context, threadID, assistantID, instructions string) (string, error)
	GetRun(ctx context.Context, threadID, runID string) (*assistant.Run, error)
	ListMessages(ctx context.Context, threadID string) ([]assistant.Message, error)
	DeleteFile(ctx context.Context, fileID string) error
}

// ClientFactory 按请求凭证构造客户端
type ClientFactory func(apiKey string) Client

// Analyzer 图片分析编排器。一次Analyze调用驱动完整的远端工作流：
// 上传 → 线程 → 消息 → run → 轮询 → 提取 → 清理。
// 各调用之间无共享可变状态，可任意并发。
type Analyzer struct {
	logger         *utils.Logger
	newClient      ClientFactory
	maxFileSize    int64
	pollInterval   time.Duration
	pollTimeout    time.Duration // 0表示不限制
	cleanupTimeout time.Duration
}

// NewAnalyzer 创建编排器
func NewAnalyzer(config *configs.Config, logger *utils.Logger) *Analyzer {
	clientConfig := assistant.Config{
		BaseURL:        config.Assistant.BaseURL,
		RequestTimeout: time.Duration(config.Assistant.RequestTimeout) * time.Second,
	}
	return &Analyzer{
		logger: logger,
		newClient: func(apiKey string) Client {
			return assistant.NewClient(apiKey, clientConfig)
		},
		maxFileSize:    config.Upload.MaxFileSize,
		pollInterval:   time.Duration(config.Assistant.PollInterval) * time.Millisecond,
		pollTimeout:    time.Duration(config.Assistant.PollTimeout) * time.Second,
		cleanupTimeout: time.Duration(config.Assistant.CleanupTimeout) * time.Second,
	}
}

// Analyze 执行一次完整的分析编排。所有失败路径都被捕获并转换为Result.Error，
// 不向调用方抛出错误。
func (a *Analyzer) Analyze(ctx context.Context, apiKey, assistantID string, images []ImagePayload) Result {
	// 每次调用的关联标识，贯穿全部日志
	log := a.logger.WithTag("analyze-" + uuid.New().String()[:8])

	// 传输层已校验过，这里防御性地再校验一次
	if err := a.validate(apiKey, assistantID, images); err != nil {
		log.Warn(fmt.Sprintf("输入校验失败: %v", err))
		return Result{Error: err.Error()}
	}

	client := a.newClient(apiKey)
	log.Info(fmt.Sprintf("开始分析编排, 图片数量: %d", len(images)))

	// 阶段1：并发上传全部图片，首个失败会取消组内其余上传。
	// fileIDs按输入顺序记录句柄，未完成的上传留空。
	fileIDs := make([]string, len(images))
	g, gctx := errgroup.WithContext(ctx)
	for i := range images {
		i := i
		g.Go(func() error {
			id, err := client.UploadFile(gctx, images[i].Name, images[i].Data)
			if err != nil {
				return &RemoteCallError{Phase: "upload", Err: err}
			}
			fileIDs[i] = id
			return nil
		})
	}
	uploadErr := g.Wait()

	// 阶段6：无论后续哪个阶段失败，已获得的句柄都要清理
	defer a.cleanup(log, client, fileIDs)

	if uploadErr != nil {
		log.Warn(fmt.Sprintf("上传阶段失败: %v", uploadErr))
		return Result{Error: uploadErr.Error()}
	}
	log.Debug(fmt.Sprintf("全部图片上传完成: %v", fileIDs))

	// 阶段2：创建线程并追加消息，固定提示语在前，图片引用按输入顺序在后
	threadID, err := client.CreateThread(ctx)
	if err != nil {
		wrapped := &RemoteCallError{Phase: "thread", Err: err}
		log.Warn(wrapped.Error())
		return Result{Error: wrapped.Error()}
	}

	segments := make([]assistant.ContentSegment, 0, len(fileIDs)+1)
	segments = append(segments, assistant.TextSegment(analysisPrompt))
	for _, fileID := range fileIDs {
		segments = append(segments, assistant.ImageSegment(fileID))
	}
	if err := client.CreateMessage(ctx, threadID, segments); err != nil {
		wrapped := &RemoteCallError{Phase: "message", Err: err}
		log.Warn(wrapped.Error())
		return Result{Error: wrapped.Error()}
	}

	// 阶段3：启动run
	runID, err := client.CreateRun(ctx, threadID, assistantID, runInstructions)
	if err != nil {
		wrapped := &RemoteCallError{Phase: "run", Err: err}
		log.Warn(wrapped.Error())
		return Result{Error: wrapped.Error()}
	}
	log.Debug(fmt.Sprintf("run已启动: thread=%s run=%s", threadID, runID))

	// 阶段4：轮询run状态直到终态
	if err := a.waitForRun(ctx, log, client, threadID, runID); err != nil {
		log.Warn(fmt.Sprintf("run未能完成: %v", err))
		return Result{Error: err.Error()}
	}

	// 阶段5：提取最新一条助手消息的首个文本片段，原样透传
	text, err := a.extractAnswer(ctx, client, threadID)
	if err != nil {
		log.Warn(fmt.Sprintf("提取阶段失败: %v", err))
		return Result{Error: err.Error()}
	}

	log.Info("分析编排完成")
	return Result{Data: text}
}

// validate 校验凭证与图片载荷，违规时在任何远端调用之前拒绝
func (a *Analyzer) validate(apiKey, assistantID string, images []ImagePayload) error {
	if strings.TrimSpace(apiKey) == "" || strings.TrimSpace(assistantID) == "" {
		return &ValidationError{Message: MsgMissingCredentials}
	}
	if len(images) == 0 {
		return &ValidationError{Message: MsgNoFiles}
	}
	for _, img := range images {
		if !strings.HasPrefix(img.MimeType, "image/") {
			return &ValidationError{Message: fmt.Sprintf("file %q is not an image", img.Name)}
		}
		size := img.Size
		if int64(len(img.Data)) > size {
			size = int64(len(img.Data))
		}
		if a.maxFileSize > 0 && size > a.maxFileSize {
			return &ValidationError{Message: fmt.Sprintf("file %q exceeds the maximum size of %d bytes", img.Name, a.maxFileSize)}
		}
	}
	return nil
}

// waitForRun 以固定间隔轮询run状态。requires_action视为不支持的工作流，
// 立即终止。超过配置的最大轮询时长也会终止（对原行为的加固，见DESIGN.md）。
func (a *Analyzer) waitForRun(ctx context.Context, log *utils.TaggedLogger, client Client, threadID, runID string) error {
	var timeoutCh <-chan time.Time
	if a.pollTimeout > 0 {
		timer := time.NewTimer(a.pollTimeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	interval := a.pollInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		run, err := client.GetRun(ctx, threadID, runID)
		if err != nil {
			return &RemoteCallError{Phase: "poll", Err: err}
		}

		switch run.Status {
		case assistant.RunStatusCompleted:
			return nil
		case assistant.RunStatusFailed:
			if run.LastError != nil && run.LastError.Message != "" {
				return fmt.Errorf("%s", run.LastError.Message)
			}
			return fmt.Errorf("%s", MsgRunFailed)
		case assistant.RunStatusCancelled:
			return fmt.Errorf("assistant run was cancelled")
		case assistant.RunStatusExpired:
			return fmt.Errorf("assistant run expired")
		case assistant.RunStatusRequiresAction:
			return &UnsupportedWorkflowError{}
		default:
			// queued / in_progress，继续等待
			log.Debug(fmt.Sprintf("run状态: %s", run.Status))
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("request cancelled while waiting for the assistant: %v", ctx.Err())
		case <-timeoutCh:
			return fmt.Errorf("timed out waiting for the assistant to finish")
		case <-ticker.C:
		}
	}
}

// extractAnswer 取最新一条助手消息的首个文本片段。远端按最新在前返回，
// 遇到的第一条assistant消息即为本次run的回复，不做进一步排序或解析。
func (a *Analyzer) extractAnswer(ctx context.Context, client Client, threadID string) (string, error) {
	messages, err := client.ListMessages(ctx, threadID)
	if err != nil {
		return "", &RemoteCallError{Phase: "extract", Err: err}
	}

	for _, message := range messages {
		if message.Role != "assistant" {
			continue
		}
		for _, content := range message.Content {
			if content.Type == "text" && content.Text != nil && content.Text.Value != "" {
				return content.Text.Value, nil
			}
		}
	}

	return "", &ExtractionError{}
}

// cleanup 尽力删除本次调用创建的全部远端文件。使用独立上下文，
// 调用方取消后仍尝试执行；单个删除失败只记录日志，不影响结果。
func (a *Analyzer) cleanup(log *utils.TaggedLogger, client Client, fileIDs []string) {
	timeout := a.cleanupTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	for _, fileID := range fileIDs {
		if fileID == "" {
			continue
		}
		if err := client.DeleteFile(ctx, fileID); err != nil {
			log.Warn(fmt.Sprintf("删除远端文件失败: %s: %v", fileID, err))
		} else {
			log.Debug(fmt.Sprintf("远端文件已删除: %s", fileID))
		}
	}
}
