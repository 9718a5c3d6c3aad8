// Package client 提供下载瓦片使用的HTTP客户端
package client

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/http2"
)

const (
	// MaxIdleConns 最大空闲连接数
	MaxIdleConns = 200
	// MaxIdleConnsPerHost 每个主机的最大空闲连接数
	MaxIdleConnsPerHost = 50
	// MaxConnsPerHost 每个主机的最大连接数
	MaxConnsPerHost = 50
	// IdleConnTimeout 空闲连接超时时间
	IdleConnTimeout = 30 * time.Second
)

// HTTPClient HTTP客户端封装，附带瓦片服务所需的请求头
type HTTPClient struct {
	client *http.Client
	config *Config
	logger *zap.Logger
}

// Config HTTP客户端配置
// Timeout 为0表示客户端不设超时，单个瓦片的超时由调用方的context控制
type Config struct {
	Timeout   time.Duration
	ProxyURL  string
	UseHTTP2  bool
	KeepAlive bool
	UserAgent string
	Referer   string
}

// NewHTTPClient 创建新的HTTP客户端，仅在代理地址格式错误时失败
func NewHTTPClient(config *Config, logger *zap.Logger) (*HTTPClient, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("client")
	hc, err := createHTTPClient(config, logger)
	if err != nil {
		return nil, err
	}
	return &HTTPClient{client: hc, config: config, logger: logger}, nil
}

// createHTTPClient 创建HTTP客户端
func createHTTPClient(config *Config, logger *zap.Logger) (*http.Client, error) {
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2:     config.UseHTTP2,
		MaxIdleConns:          MaxIdleConns,
		MaxIdleConnsPerHost:   MaxIdleConnsPerHost,
		MaxConnsPerHost:       MaxConnsPerHost,
		IdleConnTimeout:       IdleConnTimeout,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 5 * time.Second,
		DisableCompression:    true,
		DisableKeepAlives:     !config.KeepAlive,
		TLSClientConfig: &tls.Config{
			MinVersion: tls.VersionTLS12,
		},
	}

	// 设置代理
	if config.ProxyURL != "" {
		proxyURL, err := url.Parse(config.ProxyURL)
		if err != nil {
			return nil, fmt.Errorf("parse proxy url: %w", err)
		}
		transport.Proxy = http.ProxyURL(proxyURL)
		logger.Info("using proxy", zap.String("host", proxyURL.Host))
	}

	if config.UseHTTP2 {
		if err := http2.ConfigureTransport(transport); err != nil {
			return nil, fmt.Errorf("configure http2: %w", err)
		}
	}

	return &http.Client{
		Transport: transport,
		Timeout:   config.Timeout,
	}, nil
}

// Get 使用配置的请求头发起GET请求
func (c *HTTPClient) Get(ctx context.Context, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	if c.config.UserAgent != "" {
		req.Header.Set("User-Agent", c.config.UserAgent)
	}
	if c.config.Referer != "" {
		req.Header.Set("Referer", c.config.Referer)
	}
	return c.client.Do(req)
}

// TestProxyConnection 测试代理连接，未配置代理时直接返回
func (c *HTTPClient) TestProxyConnection(ctx context.Context, testURL string) error {
	if c.config.ProxyURL == "" {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	resp, err := c.Get(ctx, testURL)
	if err != nil {
		return err
	}
	defer SafeCloseResponse(resp)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	return nil
}

// GetClient 获取HTTP客户端
func (c *HTTPClient) GetClient() *http.Client {
	return c.client
}

// SafeCloseResponse 安全关闭响应体，读完剩余内容以便复用连接
func SafeCloseResponse(resp *http.Response) {
	if resp != nil && resp.Body != nil {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}
}
