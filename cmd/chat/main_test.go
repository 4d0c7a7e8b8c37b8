package main

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"pai-smart-chat/internal/chat"
	"pai-smart-chat/internal/model"
	"pai-smart-chat/internal/session"
	"pai-smart-chat/internal/stream"
	"pai-smart-chat/pkg/token"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestVersionCmd(t *testing.T) {
	cmd := newRootCmd()
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetArgs([]string{"version"})

	require.NoError(t, cmd.Execute())
	assert.Contains(t, buf.String(), "pai-chat dev")
}

func TestTokenCmd(t *testing.T) {
	path := writeConfig(t, "jwt:\n  secret: \"s3cret\"\n  access_token_expire_hours: 2\n")

	cmd := newRootCmd()
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetArgs([]string{"token", "-c", path, "--user", "u1", "--name", "alice"})
	require.NoError(t, cmd.Execute())

	claims, err := token.NewJWTManager("s3cret", 2).VerifyToken(strings.TrimSpace(buf.String()))
	require.NoError(t, err)
	assert.Equal(t, "u1", claims.UserID)
	assert.Equal(t, "alice", claims.Username)
}

func TestTokenCmd_RequiresUser(t *testing.T) {
	path := writeConfig(t, "jwt:\n  secret: \"s3cret\"\n")

	cmd := newRootCmd()
	cmd.SetOut(new(bytes.Buffer))
	cmd.SetErr(new(bytes.Buffer))
	cmd.SetArgs([]string{"token", "-c", path})
	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--user")
}

func TestChatCmd_RequiresToken(t *testing.T) {
	t.Setenv("PAI_CLIENT_TOKEN", "")
	path := writeConfig(t, "client:\n  server_url: \"\"\n")

	cmd := newRootCmd()
	cmd.SetOut(new(bytes.Buffer))
	cmd.SetErr(new(bytes.Buffer))
	cmd.SetArgs([]string{"chat", "-c", path})
	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "client.token")
}

func TestParseCommand(t *testing.T) {
	tests := []struct {
		line  string
		want  command
		isCmd bool
	}{
		{line: "hello", isCmd: false},
		{line: "  /new ", want: command{name: "new"}, isCmd: true},
		{line: "/switch  abc-123", want: command{name: "switch", arg: "abc-123"}, isCmd: true},
		{line: "/Attach /tmp/a file.txt", want: command{name: "attach", arg: "/tmp/a file.txt"}, isCmd: true},
	}
	for _, tt := range tests {
		got, ok := parseCommand(tt.line)
		assert.Equal(t, tt.isCmd, ok, tt.line)
		assert.Equal(t, tt.want, got, tt.line)
	}
}

// ---- repl ----

type fakeClient struct {
	submitted []string
	attached  [][]model.Attachment
	switched  []string
	newCount  int
	loading   bool
	submitErr error
}

func (f *fakeClient) Submit(_ context.Context, draft string, attachments ...model.Attachment) error {
	if f.submitErr != nil {
		return f.submitErr
	}
	f.submitted = append(f.submitted, draft)
	f.attached = append(f.attached, attachments)
	return nil
}

func (f *fakeClient) StartNew(context.Context) string {
	f.newCount++
	return "new-id"
}

func (f *fakeClient) SwitchTo(_ context.Context, id string) error {
	f.switched = append(f.switched, id)
	return nil
}

func (f *fakeClient) RefreshUsage(context.Context) {}

func (f *fakeClient) State() chat.State {
	return chat.State{
		State:           session.State{ConversationID: "c1", Loading: f.loading},
		UsagePercentage: 42.5,
	}
}

type fakeAPI struct{}

func (fakeAPI) UploadAttachment(_ context.Context, path string) (*model.Attachment, error) {
	if path == "missing.txt" {
		return nil, errors.New("no such file")
	}
	return &model.Attachment{Name: filepath.Base(path), ObjectKey: "attachments/u1/x/" + filepath.Base(path), Size: 5}, nil
}

func (fakeAPI) ListConversations(context.Context) ([]model.ConversationSummary, error) {
	return []model.ConversationSummary{{ID: "c1", Title: "Hello", TurnCount: 2}, {ID: "c2", Title: "Other", TurnCount: 4}}, nil
}

func TestREPL_Session(t *testing.T) {
	fc := &fakeClient{}
	out := new(bytes.Buffer)
	r := &repl{client: fc, api: fakeAPI{}, out: out}

	input := strings.Join([]string{
		"Hello",
		"",
		"/attach notes.txt",
		"/attach missing.txt",
		"see attached",
		"/switch c2",
		"/new",
		"/list",
		"/usage",
		"/bogus",
		"/quit",
		"never sent",
	}, "\n")
	require.NoError(t, r.run(context.Background(), strings.NewReader(input)))

	assert.Equal(t, []string{"Hello", "see attached"}, fc.submitted)
	assert.Empty(t, fc.attached[0])
	require.Len(t, fc.attached[1], 1)
	assert.Equal(t, "notes.txt", fc.attached[1][0].Name)
	assert.Empty(t, r.pending)
	assert.Equal(t, []string{"c2"}, fc.switched)
	assert.Equal(t, 1, fc.newCount)

	text := out.String()
	assert.Contains(t, text, "attached notes.txt (5 bytes)")
	assert.Contains(t, text, "上传失败: no such file")
	assert.Contains(t, text, "* c1  Hello (2)")
	assert.Contains(t, text, "  c2  Other (4)")
	assert.Contains(t, text, "usage: 42.5%")
	assert.Contains(t, text, "unknown command /bogus")
}

func TestREPL_BusyAndFailedSubmit(t *testing.T) {
	fc := &fakeClient{loading: true}
	out := new(bytes.Buffer)
	r := &repl{client: fc, out: out}

	r.handle(context.Background(), "Hello")
	assert.Empty(t, fc.submitted)
	assert.Contains(t, out.String(), "上一条回复尚未完成")

	fc.loading = false
	fc.submitErr = errors.New("submit failed: connect: refused")
	r.pending = []model.Attachment{{Name: "a.txt"}}
	r.handle(context.Background(), "Hello")
	assert.Contains(t, out.String(), "发送失败")
	// 发送失败时保留附件，下次重试一并发送
	assert.Len(t, r.pending, 1)

	r.handle(context.Background(), "/attach a.txt")
	assert.Contains(t, out.String(), "无法上传附件")
}

func TestTerminalListener(t *testing.T) {
	out := new(bytes.Buffer)
	l := &terminalListener{out: out}

	l.OnConversationChanged("c1")
	l.OnStreamChunk("Hi", "Hi")
	l.OnStreamChunk(" there", "Hi there")
	l.OnStreamFinished(stream.OutcomeFinalized, false)
	l.OnStreamChunk("Part", "Part")
	l.OnStreamFinished(stream.OutcomeFinalized, true)
	l.OnError(session.ErrorConnection, session.ErrConnectionLost)
	l.OnError(session.ErrorStream, &session.StreamError{Message: "boom"})

	text := out.String()
	assert.True(t, strings.HasPrefix(text, "[会话 c1]\nHi there\n"))
	assert.Contains(t, text, "Part\n[回复中断，内容可能不完整]")
	assert.Contains(t, text, "[连接错误: connection lost]")
	assert.Contains(t, text, "boom")
}
