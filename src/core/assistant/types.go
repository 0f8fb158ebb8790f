package assistant

// ContentSegment 线程消息的内容片段，text与image_file二选一
type ContentSegment struct {
	Type      string        `json:"type"`
	Text      string        `json:"text,omitempty"`
	ImageFile *ImageFileRef `json:"image_file,omitempty"`
}

// ImageFileRef 指向已上传文件的图片引用
type ImageFileRef struct {
	FileID string `json:"file_id"`
}

// TextSegment 构造文本片段
func TextSegment(text string) ContentSegment {
	return ContentSegment{Type: "text", Text: text}
}

// ImageSegment 构造图片引用片段
func ImageSegment(fileID string) ContentSegment {
	return ContentSegment{Type: "image_file", ImageFile: &ImageFileRef{FileID: fileID}}
}

// Run状态，由远端上报
const (
	RunStatusQueued         = "queued"
	RunStatusInProgress     = "in_progress"
	RunStatusCompleted      = "completed"
	RunStatusFailed         = "failed"
	RunStatusCancelled      = "cancelled"
	RunStatusExpired        = "expired"
	RunStatusRequiresAction = "requires_action"
)

// RunError run失败时远端上报的原因
type RunError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Run run当前状态快照
type Run struct {
	ID        string    `json:"id"`
	ThreadID  string    `json:"thread_id"`
	Status    string    `json:"status"`
	LastError *RunError `json:"last_error,omitempty"`
}

// MessageText 消息文本内容
type MessageText struct {
	Value string `json:"value"`
}

// MessageContent 消息内容片段（远端返回形态）
type MessageContent struct {
	Type string       `json:"type"`
	Text *MessageText `json:"text,omitempty"`
}

// Message 线程中的一条消息
type Message struct {
	ID      string           `json:"id"`
	Role    string           `json:"role"`
	Content []MessageContent `json:"content"`
}

// fileUploadResponse 文件上传响应
type fileUploadResponse struct {
	ID       string `json:"id"`
	Bytes    int    `json:"bytes"`
	Filename string `json:"filename"`
	Purpose  string `json:"purpose"`
}

// threadResponse 创建线程响应
type threadResponse struct {
	ID string `json:"id"`
}

// messageListResponse 消息列表响应，远端按最新在前排序
type messageListResponse struct {
	Data    []Message `json:"data"`
	FirstID string    `json:"first_id"`
	LastID  string    `json:"last_id"`
	HasMore bool      `json:"has_more"`
}

// apiErrorEnvelope 远端错误信封
type apiErrorEnvelope struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	} `json:"error"`
}
