// Package validator 直接拉取订阅链接并确认其包含可用节点
package validator

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"subrefresh/internal/httpx"
	"subrefresh/internal/logger"
	"subrefresh/pkg/model"
)

// Config 校验器构建参数
type Config struct {
	Client  *http.Client
	Timeout time.Duration
	Logger  logger.Logger
}

// Validator 订阅校验器
type Validator struct {
	client  *http.Client
	timeout time.Duration
	log     logger.Logger
}

// New 创建校验器
func New(cfg Config) *Validator {
	l := cfg.Logger
	if l == nil {
		l = logger.NewNop()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = httpx.DefaultTimeout
	}
	c := cfg.Client
	if c == nil {
		c = httpx.NewClient(timeout)
	}
	return &Validator{client: c, timeout: timeout, log: l}
}

// Validate 拉取并解析订阅，仅当解析成功且节点数大于 0 时有效
func (v *Validator) Validate(ctx context.Context, url string) model.ValidationResult {
	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return invalid(fmt.Sprintf("build request: %v", err))
	}
	req.Header.Set("User-Agent", httpx.UserAgent)

	resp, err := v.client.Do(req)
	if err != nil {
		v.log.Warn("订阅拉取失败", "error", err)
		return invalid(fmt.Sprintf("fetch: %v", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return invalid(fmt.Sprintf("http status %d", resp.StatusCode))
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, httpx.MaxBodySize))
	if err != nil {
		return invalid(fmt.Sprintf("read body: %v", err))
	}

	res := Inspect(data)
	v.log.Info("订阅校验完成", "valid", res.Valid, "nodes", res.NodeCount)
	return res
}

// Inspect 解析订阅内容并统计节点
func Inspect(data []byte) model.ValidationResult {
	doc, err := ParseSubscription(data)
	if err != nil {
		return invalid(err.Error())
	}
	n := CountNodes(doc)
	if n == 0 {
		return model.ValidationResult{NodeCount: 0, Error: "subscription has no nodes", ParsedConfig: doc}
	}
	return model.ValidationResult{Valid: true, NodeCount: n, ParsedConfig: doc}
}

// QuickValidate 仅用 HEAD 探测订阅是否仍可访问；提交新解析结果前仍需 Validate
func (v *Validator) QuickValidate(ctx context.Context, url string) bool {
	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return false
	}
	req.Header.Set("User-Agent", httpx.UserAgent)
	resp, err := v.client.Do(req)
	if err != nil {
		v.log.Debug("订阅探测失败", "error", err)
		return false
	}
	resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

func invalid(msg string) model.ValidationResult {
	return model.ValidationResult{Error: msg}
}
