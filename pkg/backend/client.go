// Package backend 是聊天后端 REST 接口的客户端：会话持久化、用量查询与附件上传。
package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"pai-smart-chat/internal/model"

	"github.com/go-resty/resty/v2"
)

// ErrNotConfigured 表示没有配置后端地址。
var ErrNotConfigured = errors.New("backend: client is not configured")

// envelope 是后端统一的响应结构。
type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// APIError 是后端返回的非 2xx 响应。
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("backend: %d %s", e.Status, e.Message)
}

// Usage 是 /api/v1/usage 的返回数据。
type Usage struct {
	Channel    string  `json:"channel"`
	Used       int64   `json:"used"`
	Quota      int64   `json:"quota"`
	Percentage float64 `json:"percentage"`
}

// Client 通过 Bearer token 访问后端。
type Client struct {
	http *resty.Client
}

// NewClient 创建客户端。baseURL 为空时返回 nil。
func NewClient(baseURL, token string, timeout time.Duration) *Client {
	baseURL = strings.TrimRight(baseURL, "/")
	if baseURL == "" {
		return nil
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	httpClient := resty.New().
		SetBaseURL(baseURL).
		SetHeader("User-Agent", "pai-smart-chat/1.0").
		SetTimeout(timeout)
	if token != "" {
		httpClient.SetAuthToken(token)
	}
	return &Client{http: httpClient}
}

// IsEnabled 报告客户端是否可用。
func (c *Client) IsEnabled() bool {
	return c != nil && c.http != nil
}

// Save 以 upsert 语义保存整条会话。
func (c *Client) Save(ctx context.Context, conv *model.Conversation) error {
	if !c.IsEnabled() {
		return ErrNotConfigured
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(conv).
		Put("/api/v1/conversations/" + url.PathEscape(conv.ID))
	if err != nil {
		return fmt.Errorf("backend: save conversation %s: %w", conv.ID, err)
	}
	_, err = decode(resp)
	return err
}

// Load 读取会话，不存在时返回 (nil, nil)。
func (c *Client) Load(ctx context.Context, id string) (*model.Conversation, error) {
	if !c.IsEnabled() {
		return nil, ErrNotConfigured
	}
	resp, err := c.http.R().
		SetContext(ctx).
		Get("/api/v1/conversations/" + url.PathEscape(id))
	if err != nil {
		return nil, fmt.Errorf("backend: load conversation %s: %w", id, err)
	}
	if resp.StatusCode() == http.StatusNotFound {
		return nil, nil
	}
	data, err := decode(resp)
	if err != nil {
		return nil, err
	}
	var conv model.Conversation
	if err := json.Unmarshal(data, &conv); err != nil {
		return nil, fmt.Errorf("backend: decode conversation: %w", err)
	}
	return &conv, nil
}

// ListConversations 返回当前用户的会话摘要，按更新时间倒序。
func (c *Client) ListConversations(ctx context.Context) ([]model.ConversationSummary, error) {
	if !c.IsEnabled() {
		return nil, ErrNotConfigured
	}
	resp, err := c.http.R().SetContext(ctx).Get("/api/v1/conversations")
	if err != nil {
		return nil, fmt.Errorf("backend: list conversations: %w", err)
	}
	data, err := decode(resp)
	if err != nil {
		return nil, err
	}
	var list []model.ConversationSummary
	if err := json.Unmarshal(data, &list); err != nil {
		return nil, fmt.Errorf("backend: decode conversations: %w", err)
	}
	return list, nil
}

// Usage 查询当前用户在某渠道的当日用量。
func (c *Client) Usage(ctx context.Context, channel string) (*Usage, error) {
	if !c.IsEnabled() {
		return nil, ErrNotConfigured
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("channel", channel).
		Get("/api/v1/usage")
	if err != nil {
		return nil, fmt.Errorf("backend: usage: %w", err)
	}
	data, err := decode(resp)
	if err != nil {
		return nil, err
	}
	var u Usage
	if err := json.Unmarshal(data, &u); err != nil {
		return nil, fmt.Errorf("backend: decode usage: %w", err)
	}
	return &u, nil
}

// UsagePercentage 实现 usage.Source。
func (c *Client) UsagePercentage(ctx context.Context, channel string) (float64, error) {
	u, err := c.Usage(ctx, channel)
	if err != nil {
		return 0, err
	}
	return u.Percentage, nil
}

// UploadAttachment 上传本地文件并返回可以附加到消息上的 Attachment。
func (c *Client) UploadAttachment(ctx context.Context, path string) (*model.Attachment, error) {
	if !c.IsEnabled() {
		return nil, ErrNotConfigured
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetFile("file", path).
		Post("/api/v1/attachments")
	if err != nil {
		return nil, fmt.Errorf("backend: upload %s: %w", path, err)
	}
	data, err := decode(resp)
	if err != nil {
		return nil, err
	}
	var att model.Attachment
	if err := json.Unmarshal(data, &att); err != nil {
		return nil, fmt.Errorf("backend: decode attachment: %w", err)
	}
	return &att, nil
}

func decode(resp *resty.Response) (json.RawMessage, error) {
	var env envelope
	if len(resp.Body()) > 0 {
		if err := json.Unmarshal(resp.Body(), &env); err != nil && !resp.IsError() {
			return nil, fmt.Errorf("backend: decode response: %w", err)
		}
	}
	if resp.IsError() {
		msg := env.Message
		if msg == "" {
			msg = strings.TrimSpace(resp.String())
		}
		return nil, &APIError{Status: resp.StatusCode(), Message: msg}
	}
	return env.Data, nil
}
