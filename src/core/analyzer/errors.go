package analyzer

import "fmt"

// 固定的错误文案，对外契约的一部分
const (
	MsgMissingCredentials = "API key and Assistant ID are required"
	MsgNoFiles            = "No image files were uploaded"
	MsgRunFailed          = "assistant failed to process the images"
	MsgRequiresAction     = "assistant requested a tool action, which is not supported"
	MsgNoResponse         = "no response received from assistant"
)

// ValidationError 输入校验错误，在任何远端调用之前被拒绝
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

// RemoteCallError 某个阶段的远端调用失败
type RemoteCallError struct {
	Phase string // upload / thread / message / run / poll / extract
	Err   error
}

func (e *RemoteCallError) Error() string {
	return fmt.Sprintf("%s: %v", phaseMessage(e.Phase), e.Err)
}

func (e *RemoteCallError) Unwrap() error {
	return e.Err
}

// phaseMessage 每个阶段的固定前缀
func phaseMessage(phase string) string {
	switch phase {
	case "upload":
		return "failed to upload image"
	case "thread":
		return "failed to create thread"
	case "message":
		return "failed to add message to thread"
	case "run":
		return "failed to start assistant run"
	case "poll":
		return "failed to check run status"
	case "extract":
		return "failed to fetch assistant messages"
	default:
		return "remote call failed"
	}
}

// UnsupportedWorkflowError run进入requires_action，该编排不注册工具，视为致命
type UnsupportedWorkflowError struct{}

func (e *UnsupportedWorkflowError) Error() string {
	return MsgRequiresAction
}

// ExtractionError 没有可提取的助手回复
type ExtractionError struct{}

func (e *ExtractionError) Error() string {
	return MsgNoResponse
}
