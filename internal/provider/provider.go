package provider

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"genledger/internal/model"
)

// Status 供应商任务状态，已经从各家的字符串归一化
type Status string

const (
	StatusQueued    Status = "QUEUED"
	StatusRunning   Status = "RUNNING"
	StatusSucceeded Status = "SUCCEEDED"
	StatusFailed    Status = "FAILED"
)

func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed
}

var (
	// ErrMalformedPayload 报文不是 JSON，或缺少任务ID
	ErrMalformedPayload = errors.New("provider: malformed payload")
)

// StatusError 供应商返回了非 2xx
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("provider: unexpected status %d: %s", e.Code, e.Body)
}

// Result 一次查询或回调归一化后的结果
type Result struct {
	Status       Status
	ResultURL    string // 仅 SUCCEEDED 时尝试提取，提取不到为空
	ErrorMessage string // 仅 FAILED 时有值
}

// Callback 回调报文解析结果
type Callback struct {
	ProviderJobID string
	Result
}

// Client 供应商客户端
//
// 状态机只通过这个接口和供应商交互，各家报文字段不一致的问题都封装在实现里。
type Client interface {
	Name() string
	Submit(ctx context.Context, spec *model.JobSpec) (providerJobID string, err error)
	GetStatus(ctx context.Context, providerJobID string) (*Result, error)
	ParseCallback(body []byte) (*Callback, error)
}

// Sign 计算回调签名：hex(HMAC-SHA256(secret, body))
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature 校验回调签名，兼容 "sha256=" 前缀
func VerifySignature(secret string, body []byte, signature string) bool {
	signature = strings.TrimPrefix(strings.TrimSpace(signature), "sha256=")
	got, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	want, _ := hex.DecodeString(Sign(secret, body))
	return hmac.Equal(got, want)
}
