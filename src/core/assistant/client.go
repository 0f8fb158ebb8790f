package assistant

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"
)

const defaultBaseURL = "https://api.openai.com/v1"

// Config 客户端配置
type Config struct {
	BaseURL        string
	RequestTimeout time.Duration
}

// Client OpenAI Assistants v2 客户端。SDK的线程消息不支持image_file内容片段，
// 因此直接按REST接口实现（见DESIGN.md）。
type Client struct {
	apiKey  string
	baseURL string
	client  *http.Client
}

// NewClient 创建新的助手服务客户端，凭证的生命周期为一次请求
func NewClient(apiKey string, config Config) *Client {
	baseURL := config.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	timeout := config.RequestTimeout
	if timeout == 0 {
		timeout = 60 * time.Second
	}
	return &Client{
		apiKey:  apiKey,
		baseURL: strings.TrimSuffix(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

// newRequest 构造带认证头的请求
func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader, contentType string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("OpenAI-Beta", "assistants=v2")
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	return req, nil
}

// do 发送请求，非200时解析远端错误信封
func (c *Client) do(req *http.Request, out interface{}) error {
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		// 优先透出远端提供的错误信息
		var envelope apiErrorEnvelope
		if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error.Message != "" {
			return fmt.Errorf("%s", envelope.Error.Message)
		}
		return fmt.Errorf("API error (status %d): %s", resp.StatusCode, string(body))
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}

// postJSON 发送JSON请求体
func (c *Client) postJSON(ctx context.Context, path string, reqBody interface{}, out interface{}) error {
	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return fmt.Errorf("failed to marshal request body: %w", err)
	}
	req, err := c.newRequest(ctx, http.MethodPost, path, bytes.NewBuffer(jsonData), "application/json")
	if err != nil {
		return err
	}
	return c.do(req, out)
}

// UploadFile 上传图片文件，purpose固定为vision，返回文件句柄
func (c *Client) UploadFile(ctx context.Context, filename string, data []byte) (string, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	part, err := writer.CreateFormFile("file", filename)
	if err != nil {
		return "", fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err = part.Write(data); err != nil {
		return "", fmt.Errorf("failed to copy file data: %w", err)
	}
	if err = writer.WriteField("purpose", "vision"); err != nil {
		return "", fmt.Errorf("failed to write purpose field: %w", err)
	}
	writer.Close()

	req, err := c.newRequest(ctx, http.MethodPost, "/files", &buf, writer.FormDataContentType())
	if err != nil {
		return "", err
	}

	var fileResp fileUploadResponse
	if err := c.do(req, &fileResp); err != nil {
		return "", err
	}
	return fileResp.ID, nil
}

// CreateThread 创建一个新的空线程
func (c *Client) CreateThread(ctx context.Context) (string, error) {
	reqBody := map[string]interface{}{
		"messages": []interface{}{},
	}

	var threadResp threadResponse
	if err := c.postJSON(ctx, "/threads", reqBody, &threadResp); err != nil {
		return "", err
	}
	return threadResp.ID, nil
}

// CreateMessage 向线程追加一条用户消息，内容片段按调用方给定顺序发送
func (c *Client) CreateMessage(ctx context.Context, threadID string, segments []ContentSegment) error {
	reqBody := map[string]interface{}{
		"role":    "user",
		"content": segments,
	}
	return c.postJSON(ctx, "/threads/"+threadID+"/messages", reqBody, nil)
}

// CreateRun 以指定助手启动run，要求JSON对象输出
func (c *Client) CreateRun(ctx context.Context, threadID, assistantID, instructions string) (string, error) {
	reqBody := map[string]interface{}{
		"assistant_id": assistantID,
		"response_format": map[string]interface{}{
			"type": "json_object",
		},
	}
	if instructions != "" {
		reqBody["instructions"] = instructions
	}

	var runResp Run
	if err := c.postJSON(ctx, "/threads/"+threadID+"/runs", reqBody, &runResp); err != nil {
		return "", err
	}
	return runResp.ID, nil
}

// GetRun 获取run当前状态
func (c *Client) GetRun(ctx context.Context, threadID, runID string) (*Run, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/threads/"+threadID+"/runs/"+runID, nil, "")
	if err != nil {
		return nil, err
	}

	var runResp Run
	if err := c.do(req, &runResp); err != nil {
		return nil, err
	}
	return &runResp, nil
}

// ListMessages 列出线程消息，远端保证最新在前
func (c *Client) ListMessages(ctx context.Context, threadID string) ([]Message, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/threads/"+threadID+"/messages", nil, "")
	if err != nil {
		return nil, err
	}

	var listResp messageListResponse
	if err := c.do(req, &listResp); err != nil {
		return nil, err
	}
	return listResp.Data, nil
}

// DeleteFile 删除已上传的文件，调用方可忽略失败
func (c *Client) DeleteFile(ctx context.Context, fileID string) error {
	req, err := c.newRequest(ctx, http.MethodDelete, "/files/"+fileID, nil, "")
	if err != nil {
		return err
	}
	return c.do(req, nil)
}
