package process

// ErrorResponse 请求形态错误的响应体
type ErrorResponse struct {
	Error string `json:"error"`
}
