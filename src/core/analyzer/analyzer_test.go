package analyzer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/erinskieasy/AIdriversLICENSEocr/src/configs"
	"github.com/erinskieasy/AIdriversLICENSEocr/src/core/assistant"
	"github.com/erinskieasy/AIdriversLICENSEocr/src/core/utils"
)

func testLogger(t *testing.T) *utils.Logger {
	t.Helper()
	cfg := &configs.Config{}
	cfg.Log.LogLevel = "info"
	cfg.Log.LogDir = t.TempDir()
	cfg.Log.LogFile = "test.log"
	logger, err := utils.NewLogger(cfg)
	if err != nil {
		t.Fatalf("创建测试日志记录器失败: %v", err)
	}
	t.Cleanup(func() { logger.Close() })
	return logger
}

// fakeClient 可编程的远端客户端替身，记录全部调用
type fakeClient struct {
	mu           sync.Mutex
	uploaded     []string
	deleted      []string
	segments     []assistant.ContentSegment
	runAssistant string
	remoteCalls  int
	getRunCalls  int

	uploadFunc        func(ctx context.Context, filename string, data []byte) (string, error)
	createThreadFunc  func(ctx context.Context) (string, error)
	createMessageFunc func(ctx context.Context, threadID string, segments []assistant.ContentSegment) error
	createRunFunc     func(ctx context.Context, threadID, assistantID, instructions string) (string, error)
	getRunFunc        func(ctx context.Context, threadID, runID string) (*assistant.Run, error)
	listMessagesFunc  func(ctx context.Context, threadID string) ([]assistant.Message, error)
	deleteFileFunc    func(ctx context.Context, fileID string) error
}

func newFakeClient() *fakeClient {
	f := &fakeClient{}
	f.uploadFunc = func(ctx context.Context, filename string, data []byte) (string, error) {
		return "file-" + filename, nil
	}
	f.createThreadFunc = func(ctx context.Context) (string, error) {
		return "thread-1", nil
	}
	f.createMessageFunc = func(ctx context.Context, threadID string, segments []assistant.ContentSegment) error {
		return nil
	}
	f.createRunFunc = func(ctx context.Context, threadID, assistantID, instructions string) (string, error) {
		return "run-1", nil
	}
	f.getRunFunc = func(ctx context.Context, threadID, runID string) (*assistant.Run, error) {
		return &assistant.Run{ID: runID, Status: assistant.RunStatusCompleted}, nil
	}
	f.listMessagesFunc = func(ctx context.Context, threadID string) ([]assistant.Message, error) {
		return []assistant.Message{
			{
				ID:   "msg-1",
				Role: "assistant",
				Content: []assistant.MessageContent{
					{Type: "text", Text: &assistant.MessageText{Value: `{"full_name":"JOHN DOE"}`}},
				},
			},
		}, nil
	}
	f.deleteFileFunc = func(ctx context.Context, fileID string) error {
		return nil
	}
	return f
}

func (f *fakeClient) UploadFile(ctx context.Context, filename string, data []byte) (string, error) {
	f.mu.Lock()
	f.remoteCalls++
	f.mu.Unlock()
	id, err := f.uploadFunc(ctx, filename, data)
	if err == nil {
		f.mu.Lock()
		f.uploaded = append(f.uploaded, id)
		f.mu.Unlock()
	}
	return id, err
}

func (f *fakeClient) CreateThread(ctx context.Context) (string, error) {
	f.mu.Lock()
	f.remoteCalls++
	f.mu.Unlock()
	return f.createThreadFunc(ctx)
}

func (f *fakeClient) CreateMessage(ctx context.Context, threadID string, segments []assistant.ContentSegment) error {
	f.mu.Lock()
	f.remoteCalls++
	f.segments = segments
	f.mu.Unlock()
	return f.createMessageFunc(ctx, threadID, segments)
}

func (f *fakeClient) CreateRun(ctx context.Context, threadID, assistantID, instructions string) (string, error) {
	f.mu.Lock()
	f.remoteCalls++
	f.runAssistant = assistantID
	f.mu.Unlock()
	return f.createRunFunc(ctx, threadID, assistantID, instructions)
}

func (f *fakeClient) GetRun(ctx context.Context, threadID, runID string) (*assistant.Run, error) {
	f.mu.Lock()
	f.remoteCalls++
	f.getRunCalls++
	f.mu.Unlock()
	return f.getRunFunc(ctx, threadID, runID)
}

func (f *fakeClient) ListMessages(ctx context.Context, threadID string) ([]assistant.Message, error) {
	f.mu.Lock()
	f.remoteCalls++
	f.mu.Unlock()
	return f.listMessagesFunc(ctx, threadID)
}

func (f *fakeClient) DeleteFile(ctx context.Context, fileID string) error {
	f.mu.Lock()
	f.deleted = append(f.deleted, fileID)
	f.mu.Unlock()
	return f.deleteFileFunc(ctx, fileID)
}

func newTestAnalyzer(t *testing.T, client Client) *Analyzer {
	t.Helper()
	return &Analyzer{
		logger:         testLogger(t),
		newClient:      func(apiKey string) Client { return client },
		maxFileSize:    10 * 1024 * 1024,
		pollInterval:   time.Millisecond,
		pollTimeout:    5 * time.Second,
		cleanupTimeout: 5 * time.Second,
	}
}

func testImages(names ...string) []ImagePayload {
	images := make([]ImagePayload, 0, len(names))
	for _, name := range names {
		images = append(images, ImagePayload{
			Name:     name,
			MimeType: "image/jpeg",
			Size:     3,
			Data:     []byte{0xFF, 0xD8, 0x01},
		})
	}
	return images
}

// assertExactlyOne 校验结果恰好填充data与error之一
func assertExactlyOne(t *testing.T, result Result) {
	t.Helper()
	if (result.Data == "") == (result.Error == "") {
		t.Fatalf("结果必须恰好填充data或error之一: %+v", result)
	}
}

func TestAnalyzeSuccessSingleImage(t *testing.T) {
	client := newFakeClient()
	a := newTestAnalyzer(t, client)

	result := a.Analyze(context.Background(), "sk-test", "asst-1", testImages("front.jpg"))

	assertExactlyOne(t, result)
	if result.Error != "" {
		t.Fatalf("期望成功, 得到错误: %s", result.Error)
	}
	if result.Data != `{"full_name":"JOHN DOE"}` {
		t.Errorf("data应原样透传助手文本, 得到: %q", result.Data)
	}
	if client.runAssistant != "asst-1" {
		t.Errorf("run应绑定给定助手, 得到: %q", client.runAssistant)
	}
	if len(client.deleted) != 1 || client.deleted[0] != "file-front.jpg" {
		t.Errorf("应恰好删除1个文件句柄, 得到: %v", client.deleted)
	}
}

func TestAnalyzeSegmentOrder(t *testing.T) {
	client := newFakeClient()
	a := newTestAnalyzer(t, client)

	result := a.Analyze(context.Background(), "sk-test", "asst-1", testImages("a.jpg", "b.jpg", "c.jpg"))
	if result.Error != "" {
		t.Fatalf("期望成功, 得到错误: %s", result.Error)
	}

	if len(client.segments) != 4 {
		t.Fatalf("消息应包含1个文本片段和3个图片片段, 得到%d个", len(client.segments))
	}
	if client.segments[0].Type != "text" || client.segments[0].Text == "" {
		t.Errorf("首个片段应为固定提示语, 得到: %+v", client.segments[0])
	}
	for i, name := range []string{"a.jpg", "b.jpg", "c.jpg"} {
		segment := client.segments[i+1]
		if segment.Type != "image_file" || segment.ImageFile == nil || segment.ImageFile.FileID != "file-"+name {
			t.Errorf("图片片段%d应按输入顺序引用句柄, 得到: %+v", i, segment)
		}
	}
}

func TestAnalyzeValidation(t *testing.T) {
	oversized := ImagePayload{Name: "big.jpg", MimeType: "image/jpeg", Size: 20 * 1024 * 1024}
	notImage := ImagePayload{Name: "doc.pdf", MimeType: "application/pdf", Size: 3}

	tests := []struct {
		name        string
		apiKey      string
		assistantID string
		images      []ImagePayload
		wantError   string
	}{
		{
			name:        "缺少API key",
			apiKey:      "",
			assistantID: "asst-1",
			images:      testImages("a.jpg"),
			wantError:   MsgMissingCredentials,
		},
		{
			name:        "缺少助手ID",
			apiKey:      "sk-test",
			assistantID: "  ",
			images:      testImages("a.jpg"),
			wantError:   MsgMissingCredentials,
		},
		{
			name:        "没有图片",
			apiKey:      "sk-test",
			assistantID: "asst-1",
			images:      nil,
			wantError:   MsgNoFiles,
		},
		{
			name:        "文件超限",
			apiKey:      "sk-test",
			assistantID: "asst-1",
			images:      []ImagePayload{oversized},
			wantError:   "exceeds the maximum size",
		},
		{
			name:        "非图片媒体类型",
			apiKey:      "sk-test",
			assistantID: "asst-1",
			images:      []ImagePayload{notImage},
			wantError:   "is not an image",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := newFakeClient()
			a := newTestAnalyzer(t, client)

			result := a.Analyze(context.Background(), tt.apiKey, tt.assistantID, tt.images)

			assertExactlyOne(t, result)
			if !strings.Contains(result.Error, tt.wantError) {
				t.Errorf("错误应包含%q, 得到: %q", tt.wantError, result.Error)
			}
			if client.remoteCalls != 0 {
				t.Errorf("校验失败前不应发起任何远端调用, 发起了%d次", client.remoteCalls)
			}
		})
	}
}

func TestAnalyzeUploadFailurePartialCleanup(t *testing.T) {
	client := newFakeClient()
	client.uploadFunc = func(ctx context.Context, filename string, data []byte) (string, error) {
		switch filename {
		case "a.jpg":
			return "file-a.jpg", nil
		case "b.jpg":
			return "", errors.New("rate limit exceeded")
		default:
			// 组上下文被取消后才返回，模拟尚未开始的上传被中止
			<-ctx.Done()
			return "", ctx.Err()
		}
	}
	a := newTestAnalyzer(t, client)

	result := a.Analyze(context.Background(), "sk-test", "asst-1", testImages("a.jpg", "b.jpg", "c.jpg"))

	assertExactlyOne(t, result)
	if !strings.Contains(result.Error, "failed to upload image") {
		t.Errorf("应报告上传失败, 得到: %q", result.Error)
	}
	if len(client.deleted) != 1 || client.deleted[0] != "file-a.jpg" {
		t.Errorf("应只删除已获得的句柄, 得到: %v", client.deleted)
	}
	if client.getRunCalls != 0 || client.runAssistant != "" {
		t.Error("上传失败后不应创建线程或run")
	}
}

func TestAnalyzeThreadFailureCleansAllUploads(t *testing.T) {
	client := newFakeClient()
	client.createThreadFunc = func(ctx context.Context) (string, error) {
		return "", errors.New("boom")
	}
	a := newTestAnalyzer(t, client)

	result := a.Analyze(context.Background(), "sk-test", "asst-1", testImages("a.jpg", "b.jpg"))

	if !strings.Contains(result.Error, "failed to create thread") {
		t.Errorf("应报告线程创建失败, 得到: %q", result.Error)
	}
	if len(client.deleted) != 2 {
		t.Errorf("两个已上传句柄都应被删除, 得到: %v", client.deleted)
	}
}

func TestAnalyzeRunFailed(t *testing.T) {
	tests := []struct {
		name      string
		lastError *assistant.RunError
		wantError string
	}{
		{
			name:      "带远端原因",
			lastError: &assistant.RunError{Code: "server_error", Message: "the model produced invalid output"},
			wantError: "the model produced invalid output",
		},
		{
			name:      "无远端原因",
			lastError: nil,
			wantError: MsgRunFailed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := newFakeClient()
			client.getRunFunc = func(ctx context.Context, threadID, runID string) (*assistant.Run, error) {
				return &assistant.Run{ID: runID, Status: assistant.RunStatusFailed, LastError: tt.lastError}, nil
			}
			a := newTestAnalyzer(t, client)

			result := a.Analyze(context.Background(), "sk-test", "asst-1", testImages("a.jpg"))

			assertExactlyOne(t, result)
			if result.Error != tt.wantError {
				t.Errorf("期望错误%q, 得到: %q", tt.wantError, result.Error)
			}
			if len(client.deleted) != 1 {
				t.Errorf("run失败后仍应清理文件句柄, 得到: %v", client.deleted)
			}
		})
	}
}

func TestAnalyzeRequiresActionAbortsImmediately(t *testing.T) {
	client := newFakeClient()
	client.getRunFunc = func(ctx context.Context, threadID, runID string) (*assistant.Run, error) {
		return &assistant.Run{ID: runID, Status: assistant.RunStatusRequiresAction}, nil
	}
	a := newTestAnalyzer(t, client)

	result := a.Analyze(context.Background(), "sk-test", "asst-1", testImages("a.jpg"))

	if result.Error != MsgRequiresAction {
		t.Errorf("期望固定错误文案%q, 得到: %q", MsgRequiresAction, result.Error)
	}
	if client.getRunCalls != 1 {
		t.Errorf("requires_action后不应继续轮询, 轮询了%d次", client.getRunCalls)
	}
}

func TestAnalyzePollUntilCompleted(t *testing.T) {
	client := newFakeClient()
	statuses := []string{assistant.RunStatusQueued, assistant.RunStatusInProgress, assistant.RunStatusCompleted}
	client.getRunFunc = func(ctx context.Context, threadID, runID string) (*assistant.Run, error) {
		client.mu.Lock()
		calls := client.getRunCalls
		client.mu.Unlock()
		status := statuses[len(statuses)-1]
		if calls <= len(statuses) {
			status = statuses[calls-1]
		}
		return &assistant.Run{ID: runID, Status: status}, nil
	}
	a := newTestAnalyzer(t, client)

	result := a.Analyze(context.Background(), "sk-test", "asst-1", testImages("a.jpg"))

	if result.Error != "" {
		t.Fatalf("期望成功, 得到错误: %s", result.Error)
	}
	if client.getRunCalls != 3 {
		t.Errorf("应轮询到completed为止, 轮询了%d次", client.getRunCalls)
	}
}

func TestAnalyzePollTimeout(t *testing.T) {
	client := newFakeClient()
	client.getRunFunc = func(ctx context.Context, threadID, runID string) (*assistant.Run, error) {
		return &assistant.Run{ID: runID, Status: assistant.RunStatusInProgress}, nil
	}
	a := newTestAnalyzer(t, client)
	a.pollInterval = 5 * time.Millisecond
	a.pollTimeout = 25 * time.Millisecond

	result := a.Analyze(context.Background(), "sk-test", "asst-1", testImages("a.jpg"))

	assertExactlyOne(t, result)
	if !strings.Contains(result.Error, "timed out") {
		t.Errorf("应报告轮询超时, 得到: %q", result.Error)
	}
	if len(client.deleted) != 1 {
		t.Errorf("超时后仍应清理文件句柄, 得到: %v", client.deleted)
	}
}

func TestAnalyzeExtraction(t *testing.T) {
	tests := []struct {
		name     string
		messages []assistant.Message
		wantData string
		wantErr  string
	}{
		{
			name:     "没有助手消息",
			messages: []assistant.Message{{ID: "msg-1", Role: "user"}},
			wantErr:  MsgNoResponse,
		},
		{
			name: "助手消息没有文本片段",
			messages: []assistant.Message{
				{ID: "msg-1", Role: "assistant", Content: []assistant.MessageContent{{Type: "image_file"}}},
			},
			wantErr: MsgNoResponse,
		},
		{
			name: "取最新的助手消息",
			messages: []assistant.Message{
				{ID: "msg-3", Role: "assistant", Content: []assistant.MessageContent{
					{Type: "text", Text: &assistant.MessageText{Value: "newest"}},
				}},
				{ID: "msg-2", Role: "user"},
				{ID: "msg-1", Role: "assistant", Content: []assistant.MessageContent{
					{Type: "text", Text: &assistant.MessageText{Value: "older"}},
				}},
			},
			wantData: "newest",
		},
		{
			name: "文本原样透传不做解析",
			messages: []assistant.Message{
				{ID: "msg-1", Role: "assistant", Content: []assistant.MessageContent{
					{Type: "text", Text: &assistant.MessageText{Value: "```json\n{\"a\":1}\n```"}},
				}},
			},
			wantData: "```json\n{\"a\":1}\n```",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := newFakeClient()
			client.listMessagesFunc = func(ctx context.Context, threadID string) ([]assistant.Message, error) {
				return tt.messages, nil
			}
			a := newTestAnalyzer(t, client)

			result := a.Analyze(context.Background(), "sk-test", "asst-1", testImages("a.jpg"))

			assertExactlyOne(t, result)
			if tt.wantErr != "" && result.Error != tt.wantErr {
				t.Errorf("期望错误%q, 得到: %q", tt.wantErr, result.Error)
			}
			if tt.wantData != "" && result.Data != tt.wantData {
				t.Errorf("期望data %q, 得到: %q", tt.wantData, result.Data)
			}
		})
	}
}

func TestAnalyzeCleanupFailureDoesNotMaskResult(t *testing.T) {
	client := newFakeClient()
	client.deleteFileFunc = func(ctx context.Context, fileID string) error {
		return fmt.Errorf("quota service unavailable")
	}
	a := newTestAnalyzer(t, client)

	result := a.Analyze(context.Background(), "sk-test", "asst-1", testImages("a.jpg"))

	if result.Error != "" {
		t.Fatalf("清理失败不应影响主结果, 得到错误: %s", result.Error)
	}
	if result.Data == "" {
		t.Error("主结果应保留助手文本")
	}
}

func TestAnalyzeCancelledContextStillCleansUp(t *testing.T) {
	client := newFakeClient()
	ctx, cancel := context.WithCancel(context.Background())
	client.getRunFunc = func(ctx context.Context, threadID, runID string) (*assistant.Run, error) {
		cancel() // 轮询期间调用方断开
		return &assistant.Run{ID: runID, Status: assistant.RunStatusInProgress}, nil
	}
	a := newTestAnalyzer(t, client)

	result := a.Analyze(ctx, "sk-test", "asst-1", testImages("a.jpg"))

	assertExactlyOne(t, result)
	if !strings.Contains(result.Error, "cancelled") {
		t.Errorf("应报告请求被取消, 得到: %q", result.Error)
	}
	if len(client.deleted) != 1 {
		t.Errorf("取消后仍应尽力清理文件句柄, 得到: %v", client.deleted)
	}
}
