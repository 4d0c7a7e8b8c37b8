package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"

	"pai-smart-chat/internal/chat"
	"pai-smart-chat/internal/config"
	"pai-smart-chat/internal/model"
	"pai-smart-chat/internal/repository"
	"pai-smart-chat/internal/session"
	"pai-smart-chat/internal/stream"
	"pai-smart-chat/internal/transport"
	"pai-smart-chat/pkg/backend"
	"pai-smart-chat/pkg/database"
	"pai-smart-chat/pkg/log"
	"pai-smart-chat/pkg/token"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

const helpText = `commands:
  /new            start a new conversation
  /switch <id>    switch to a saved conversation
  /attach <path>  upload a file and attach it to the next message
  /list           list saved conversations
  /usage          refresh and show usage for the current channel
  /quit           exit
`

func newChatCmd() *cobra.Command {
	var (
		configPath     string
		conversationID string
		channel        string
		verbose        bool
	)

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Start an interactive chat session",
		Long:  "Connects to the chat backend and streams replies into the terminal. Lines starting with / are commands, see /help.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChat(cmd, configPath, conversationID, channel, verbose)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "./configs/config.yaml", "path to config file")
	cmd.Flags().StringVar(&conversationID, "conversation", "", "conversation ID to open (default: resume the last one)")
	cmd.Flags().StringVar(&channel, "channel", "", "channel tag, overrides client.channel")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "write logs to stdout")
	return cmd
}

func runChat(cmd *cobra.Command, configPath, conversationID, channel string, verbose bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if verbose {
		log.Init(cfg.Log.Level, "console", cfg.Log.OutputPath)
		defer log.Sync()
	}

	cc := cfg.Client
	if channel != "" {
		cc.Channel = channel
	}
	if cc.Token == "" {
		return errors.New("client.token is not configured (set PAI_CLIENT_TOKEN or run `pai-chat token`)")
	}
	claims, err := token.PeekClaims(cc.Token)
	if err != nil {
		return err
	}
	if cc.SessionID == "" {
		cc.SessionID = uuid.NewString()
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	local, err := newLocalStore(ctx, cfg, cc.SessionID)
	if err != nil {
		return err
	}

	out := &syncWriter{w: cmd.OutOrStdout()}
	opts := chat.Options{
		Session: session.SessionContext{SessionID: cc.SessionID, UserID: claims.UserID, Channel: cc.Channel},
		Local:   local,
		Transport: transport.Config{
			URL:              cc.WebsocketURL,
			HandshakeTimeout: cc.HandshakeTimeout,
		},
		Tokens:        transport.StaticToken(cc.Token),
		IdleTimeout:   cc.IdleTimeout,
		UsageInterval: cc.UsageInterval,
		Listener:      &terminalListener{out: out},
	}
	var api backendAPI
	if be := backend.NewClient(cc.ServerURL, cc.Token, cc.RequestTimeout); be != nil {
		opts.Durable = be
		opts.Usage = be
		api = be
	}

	client := chat.New(opts)
	defer client.Close()

	id, err := client.Open(ctx, conversationID)
	if err != nil {
		fmt.Fprintf(out, "[无法加载会话 %s: %v]\n", id, err)
	}
	fmt.Fprintf(out, "user %s, channel %s. Type /help for commands.\n", claims.Username, cc.Channel)

	r := &repl{client: client, api: api, out: out}
	return r.run(ctx, cmd.InOrStdin())
}

// newLocalStore 按 client.local_store 选择本地会话槽的实现。
func newLocalStore(ctx context.Context, cfg config.Config, sessionID string) (repository.LocalStore, error) {
	if cfg.Client.LocalStore != "redis" {
		return repository.NewMemoryLocalStore(), nil
	}
	rc := cfg.Database.Redis
	rdb, err := database.NewRedis(ctx, rc.Addr, rc.Password, rc.DB)
	if err != nil {
		return nil, err
	}
	return repository.NewRedisLocalStore(rdb, sessionID), nil
}

// chatClient 是 REPL 用到的 chat.Client 方法。
type chatClient interface {
	Submit(ctx context.Context, draft string, attachments ...model.Attachment) error
	StartNew(ctx context.Context) string
	SwitchTo(ctx context.Context, id string) error
	RefreshUsage(ctx context.Context)
	State() chat.State
}

// backendAPI 是 REPL 直接调用的后端接口。
type backendAPI interface {
	UploadAttachment(ctx context.Context, path string) (*model.Attachment, error)
	ListConversations(ctx context.Context) ([]model.ConversationSummary, error)
}

type command struct {
	name string
	arg  string
}

// parseCommand 解析以 / 开头的输入行，普通消息返回 false。
func parseCommand(line string) (command, bool) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "/") {
		return command{}, false
	}
	name, arg, _ := strings.Cut(line[1:], " ")
	return command{name: strings.ToLower(name), arg: strings.TrimSpace(arg)}, true
}

type repl struct {
	client  chatClient
	api     backendAPI
	out     io.Writer
	pending []model.Attachment
}

// run 逐行读取输入直到 EOF、/quit 或 ctx 取消。
func (r *repl) run(ctx context.Context, in io.Reader) error {
	lines := make(chan string)
	done := make(chan struct{})
	defer close(done)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-done:
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if quit := r.handle(ctx, line); quit {
				return nil
			}
		}
	}
}

func (r *repl) handle(ctx context.Context, line string) bool {
	cmd, ok := parseCommand(line)
	if !ok {
		r.submit(ctx, line)
		return false
	}
	switch cmd.name {
	case "quit", "exit":
		return true
	case "help":
		fmt.Fprint(r.out, helpText)
	case "new":
		r.pending = nil
		r.client.StartNew(ctx)
	case "switch":
		if cmd.arg == "" {
			fmt.Fprintln(r.out, "usage: /switch <id>")
			return false
		}
		if err := r.client.SwitchTo(ctx, cmd.arg); err != nil {
			fmt.Fprintf(r.out, "[切换失败: %v]\n", err)
		}
	case "attach":
		r.attach(ctx, cmd.arg)
	case "list":
		r.list(ctx)
	case "usage":
		r.client.RefreshUsage(ctx)
		fmt.Fprintf(r.out, "usage: %.1f%%\n", r.client.State().UsagePercentage)
	default:
		fmt.Fprintf(r.out, "unknown command /%s, see /help\n", cmd.name)
	}
	return false
}

func (r *repl) submit(ctx context.Context, line string) {
	if strings.TrimSpace(line) == "" && len(r.pending) == 0 {
		return
	}
	if r.client.State().Loading {
		fmt.Fprintln(r.out, "[上一条回复尚未完成]")
		return
	}
	if err := r.client.Submit(ctx, line, r.pending...); err != nil {
		fmt.Fprintf(r.out, "[发送失败: %v]\n", err)
		return
	}
	r.pending = nil
}

func (r *repl) attach(ctx context.Context, path string) {
	if path == "" {
		fmt.Fprintln(r.out, "usage: /attach <path>")
		return
	}
	if r.api == nil {
		fmt.Fprintln(r.out, "[未配置 client.server_url，无法上传附件]")
		return
	}
	att, err := r.api.UploadAttachment(ctx, path)
	if err != nil {
		fmt.Fprintf(r.out, "[上传失败: %v]\n", err)
		return
	}
	r.pending = append(r.pending, *att)
	fmt.Fprintf(r.out, "attached %s (%d bytes)\n", att.Name, att.Size)
}

func (r *repl) list(ctx context.Context) {
	if r.api == nil {
		fmt.Fprintln(r.out, "[未配置 client.server_url]")
		return
	}
	list, err := r.api.ListConversations(ctx)
	if err != nil {
		fmt.Fprintf(r.out, "[获取会话列表失败: %v]\n", err)
		return
	}
	current := r.client.State().ConversationID
	for _, c := range list {
		marker := " "
		if c.ID == current {
			marker = "*"
		}
		fmt.Fprintf(r.out, "%s %s  %s (%d)\n", marker, c.ID, c.Title, c.TurnCount)
	}
}

// terminalListener 把会话通知渲染到终端。
type terminalListener struct {
	session.NopListener
	out io.Writer
}

func (l *terminalListener) OnStreamChunk(delta, _ string) {
	fmt.Fprint(l.out, delta)
}

func (l *terminalListener) OnStreamFinished(kind stream.OutcomeKind, truncated bool) {
	switch {
	case kind == stream.OutcomeEmpty:
		fmt.Fprintln(l.out, "[空回复]")
	case truncated:
		fmt.Fprintln(l.out, "\n[回复中断，内容可能不完整]")
	default:
		fmt.Fprintln(l.out)
	}
}

func (l *terminalListener) OnConversationChanged(id string) {
	fmt.Fprintf(l.out, "[会话 %s]\n", id)
}

func (l *terminalListener) OnError(kind session.ErrorKind, err error) {
	if kind == session.ErrorConnection {
		fmt.Fprintf(l.out, "\n[连接错误: %v]\n", err)
		return
	}
	fmt.Fprintf(l.out, "\n[错误: %v]\n", err)
}

// syncWriter 串行化事件泵与输入循环的输出。
type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *syncWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(p)
}
