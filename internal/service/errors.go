// Package service 包含了应用的业务逻辑层。
package service

import "errors"

// 业务层哨兵错误。handler 据此映射 HTTP 状态码。
var (
	// ErrInvalidInput 表示请求缺少必要的消息文本或携带未知模式，
	// 在任何外部调用发生之前被拒绝。
	ErrInvalidInput = errors.New("user message is required")

	// ErrChatNotFound 表示给定的聊天 ID 无法解析，
	// 在任何消息持久化之前中止。
	ErrChatNotFound = errors.New("chat not found")

	// ErrUsernameTaken 表示注册时用户名已被占用。
	ErrUsernameTaken = errors.New("username already exists")

	// ErrInvalidCredentials 表示登录凭证无效。
	ErrInvalidCredentials = errors.New("invalid credentials")
)
