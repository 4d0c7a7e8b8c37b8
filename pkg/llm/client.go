// Package llm provides a client for interacting with Large Language Models.
package llm

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"pai-smart-chat/internal/config"

	"github.com/go-resty/resty/v2"
)

// ChunkWriter 接收模型输出的增量文本。返回错误会终止流式读取。
type ChunkWriter func(delta string) error

// Client defines the interface for an LLM client.
type Client interface {
	// StreamChatMessages 以 role-based 消息与可选生成参数调用聊天接口，并把每个增量交给 write。
	StreamChatMessages(ctx context.Context, messages []Message, gen *GenerationParams, write ChunkWriter) error
}

type openAIClient struct {
	cfg  config.LLMConfig
	http *resty.Client
}

// NewClient 创建兼容 OpenAI chat/completions 流式接口的客户端（DeepSeek 等）。
func NewClient(cfg config.LLMConfig) Client {
	return &openAIClient{
		cfg: cfg,
		http: resty.New().
			SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
			SetAuthToken(cfg.APIKey).
			// 流式响应的总时长由调用方的 ctx 控制
			SetTimeout(10 * time.Minute),
	}
}

// Message 表示一条角色消息
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Stream      bool      `json:"stream"`
	Temperature *float64  `json:"temperature,omitempty"`
	TopP        *float64  `json:"top_p,omitempty"`
	MaxTokens   *int      `json:"max_tokens,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
}

// GenerationParams 控制生成行为
type GenerationParams struct {
	Temperature *float64
	TopP        *float64
	MaxTokens   *int
}

func (c *openAIClient) StreamChatMessages(ctx context.Context, messages []Message, gen *GenerationParams, write ChunkWriter) error {
	reqBody := chatRequest{
		Model:    c.cfg.Model,
		Messages: messages,
		Stream:   true,
	}
	// 传参优先，其次是全局配置中的非零值
	if gen != nil {
		reqBody.Temperature = gen.Temperature
		reqBody.TopP = gen.TopP
		reqBody.MaxTokens = gen.MaxTokens
	} else {
		if c.cfg.Generation.Temperature != 0 {
			t := c.cfg.Generation.Temperature
			reqBody.Temperature = &t
		}
		if c.cfg.Generation.TopP != 0 {
			p := c.cfg.Generation.TopP
			reqBody.TopP = &p
		}
		if c.cfg.Generation.MaxTokens != 0 {
			m := c.cfg.Generation.MaxTokens
			reqBody.MaxTokens = &m
		}
	}

	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "text/event-stream").
		SetBody(reqBody).
		SetDoNotParseResponse(true).
		Post("/chat/completions")
	if err != nil {
		return fmt.Errorf("failed to call chat api: %w", err)
	}
	body := resp.RawBody()
	defer body.Close()

	if resp.IsError() {
		bodyBytes, _ := io.ReadAll(body)
		return fmt.Errorf("chat api returned non-200 status: %s, body: %s", resp.Status(), string(bodyBytes))
	}
	return readStream(body, write)
}

// readStream 解析 SSE 数据行，直到 [DONE] 或 EOF。
func readStream(r io.Reader, write ChunkWriter) error {
	reader := bufio.NewReader(r)
	for {
		line, err := reader.ReadString('\n')
		if err != nil && err != io.EOF {
			return fmt.Errorf("failed to read from stream: %w", err)
		}

		if strings.HasPrefix(line, "data: ") {
			data := strings.TrimSpace(strings.TrimPrefix(line, "data: "))
			if data == "[DONE]" {
				return nil
			}
			var chunk chatResponse
			if jsonErr := json.Unmarshal([]byte(data), &chunk); jsonErr == nil && len(chunk.Choices) > 0 {
				if content := chunk.Choices[0].Delta.Content; content != "" {
					if werr := write(content); werr != nil {
						return fmt.Errorf("failed to write chunk: %w", werr)
					}
				}
			}
		}
		if err == io.EOF {
			return nil
		}
	}
}
