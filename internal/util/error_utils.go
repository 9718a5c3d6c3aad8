package util

import (
	"strings"
	"sync"
)

// 瓦片缺失原因
const (
	ReasonAbsent  = "absent"
	ReasonFetch   = "fetch"
	ReasonTimeout = "timeout"
	ReasonDecode  = "decode"
	ReasonWrite   = "write"
)

// ErrorStats 错误统计，按缺失原因和简化后的错误信息计数
type ErrorStats struct {
	mu      sync.RWMutex
	reasons map[string]int
	errors  map[string]int
}

// NewErrorStats 创建错误统计
func NewErrorStats() *ErrorStats {
	return &ErrorStats{
		reasons: make(map[string]int),
		errors:  make(map[string]int),
	}
}

// RecordFailure 记录一次失败，err 可以为nil（如瓦片不存在）
func (es *ErrorStats) RecordFailure(reason string, err error) {
	es.mu.Lock()
	defer es.mu.Unlock()

	es.reasons[reason]++
	if err != nil {
		es.errors[simplifyError(err)]++
	}
}

// simplifyError 简化错误信息，提取关键部分
func simplifyError(err error) string {
	errStr := err.Error()
	switch {
	case strings.Contains(errStr, "context deadline exceeded"):
		return "timeout"
	case strings.Contains(errStr, "connection refused"):
		return "connection refused"
	case strings.Contains(errStr, "no such host"):
		return "dns lookup failed"
	case strings.Contains(errStr, "i/o timeout"):
		return "i/o timeout"
	case strings.Contains(errStr, "proxyconnect"):
		return "proxy connection failed"
	case strings.Contains(errStr, "tls handshake"):
		return "tls handshake failed"
	case strings.Contains(errStr, "HTTP 403"):
		return "HTTP 403 forbidden"
	case strings.Contains(errStr, "HTTP 429"):
		return "HTTP 429 too many requests"
	case strings.Contains(errStr, "HTTP 5"):
		return "HTTP 5xx server error"
	}
	// 只取错误信息的前50个字符
	if len(errStr) > 50 {
		return errStr[:50] + "..."
	}
	return errStr
}

// ReasonCounts 获取按原因统计的副本
func (es *ErrorStats) ReasonCounts() map[string]int {
	es.mu.RLock()
	defer es.mu.RUnlock()
	return copyCounts(es.reasons)
}

// GetErrorStats 获取错误统计
func (es *ErrorStats) GetErrorStats() map[string]int {
	es.mu.RLock()
	defer es.mu.RUnlock()
	return copyCounts(es.errors)
}

// Total 失败总数
func (es *ErrorStats) Total() int {
	es.mu.RLock()
	defer es.mu.RUnlock()
	total := 0
	for _, n := range es.reasons {
		total += n
	}
	return total
}

// HasErrors 检查是否有错误
func (es *ErrorStats) HasErrors() bool {
	es.mu.RLock()
	defer es.mu.RUnlock()
	return len(es.reasons) > 0
}

func copyCounts(m map[string]int) map[string]int {
	c := make(map[string]int, len(m))
	for k, v := range m {
		c[k] = v
	}
	return c
}
