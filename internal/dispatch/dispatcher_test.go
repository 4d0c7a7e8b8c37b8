package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"pai-smart-chat/internal/model"
	"pai-smart-chat/internal/repository"
	"pai-smart-chat/internal/session"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeConn 记录调用顺序，并在发送时检查用户消息已经追加。
type fakeConn struct {
	mu          sync.Mutex
	sess        *session.Session
	connectErr  error
	sendErr     error
	connects    int
	sent        []model.ChatRequest
	turnsAtSend []int
}

func (c *fakeConn) EnsureConnected(context.Context, string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connects++
	return c.connectErr
}

func (c *fakeConn) Send(v interface{}) error {
	turns := len(c.sess.Snapshot().Messages)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.turnsAtSend = append(c.turnsAtSend, turns)
	if c.sendErr != nil {
		return c.sendErr
	}
	c.sent = append(c.sent, v.(model.ChatRequest))
	return nil
}

type nopDurable struct {
	mu    sync.Mutex
	saves int
}

func (d *nopDurable) Save(context.Context, *model.Conversation) error {
	d.mu.Lock()
	d.saves++
	d.mu.Unlock()
	return nil
}

func (d *nopDurable) Load(context.Context, string) (*model.Conversation, error) { return nil, nil }

// gatedDurable 的 Load 会阻塞到 gate 关闭。
type gatedDurable struct {
	nopDurable
	gate    chan struct{}
	entered chan struct{}
}

func (d *gatedDurable) Load(context.Context, string) (*model.Conversation, error) {
	d.entered <- struct{}{}
	<-d.gate
	return nil, nil
}

type errListener struct {
	session.NopListener
	mu    sync.Mutex
	kinds []session.ErrorKind
}

func (l *errListener) OnError(kind session.ErrorKind, _ error) {
	l.mu.Lock()
	l.kinds = append(l.kinds, kind)
	l.mu.Unlock()
}

func setup(t *testing.T) (*Dispatcher, *session.Session, *fakeConn, *nopDurable, *errListener) {
	t.Helper()
	durable := &nopDurable{}
	listener := &errListener{}
	sess := session.New(session.SessionContext{SessionID: "s", UserID: "u", Channel: "deepseek"},
		repository.NewMemoryLocalStore(), durable, session.Options{IdleTimeout: time.Hour, Listener: listener})
	sess.StartNew(context.Background())
	conn := &fakeConn{sess: sess}
	d := New(sess, conn)
	return d, sess, conn, durable, listener
}

func respond(sess *session.Session, chunks ...string) {
	sess.HandleEvent(model.Event{Type: model.EventStart})
	for _, c := range chunks {
		sess.HandleEvent(model.Event{Type: model.EventChunk, Content: c})
	}
	sess.HandleEvent(model.Event{Type: model.EventEnd})
}

func TestSubmit_HelloScenario(t *testing.T) {
	d, sess, conn, durable, _ := setup(t)
	sess.UpdateDraft("Hello")

	require.NoError(t, d.Submit(context.Background(), "Hello"))
	assert.Empty(t, sess.Draft())
	assert.Equal(t, []int{1}, conn.turnsAtSend, "user turn appended before send")
	require.Len(t, conn.sent, 1)
	assert.Equal(t, "Hello", conn.sent[0].Message)
	assert.NotEmpty(t, conn.sent[0].IdempotencyKey)
	assert.Equal(t, sess.ConversationID(), conn.sent[0].ConversationID)

	respond(sess, "Hi", " there")

	msgs := sess.Snapshot().Messages
	require.Len(t, msgs, 2)
	assert.Equal(t, model.RoleUser, msgs[0].Role)
	assert.Equal(t, "Hello", msgs[0].Content)
	assert.Equal(t, model.RoleAssistant, msgs[1].Role)
	assert.Equal(t, "Hi there", msgs[1].Content)
	assert.Equal(t, 1, durable.saves)
}

func TestSubmit_RejectsBlankDrafts(t *testing.T) {
	d, sess, conn, _, _ := setup(t)
	for _, draft := range []string{"", "   ", "\n\t"} {
		require.NoError(t, d.Submit(context.Background(), draft))
	}
	assert.Empty(t, sess.Snapshot().Messages)
	assert.Zero(t, conn.connects)
	assert.Empty(t, conn.sent)
}

func TestSubmit_AttachmentOnly(t *testing.T) {
	d, sess, conn, _, _ := setup(t)
	att := model.Attachment{Name: "scan.png", ObjectKey: "u/scan.png"}
	require.NoError(t, d.Submit(context.Background(), "  ", att))

	msgs := sess.Snapshot().Messages
	require.Len(t, msgs, 1)
	assert.Empty(t, msgs[0].Content)
	assert.Equal(t, "scan.png", sess.Snapshot().Title)
	require.Len(t, conn.sent, 1)
	assert.Equal(t, []model.Attachment{att}, conn.sent[0].Attachments)
}

func TestSubmit_BusyIsNoOp(t *testing.T) {
	d, sess, conn, _, _ := setup(t)
	require.NoError(t, d.Submit(context.Background(), "A"))
	respond(sess, "first answer")
	require.Len(t, sess.Snapshot().Messages, 2)

	// 模拟第二次提交后仍在接收回复
	require.NoError(t, d.Submit(context.Background(), "B"))
	sess.HandleEvent(model.Event{Type: model.EventChunk, Content: "streaming"})
	before := sess.Snapshot()

	require.NoError(t, d.Submit(context.Background(), "C"))
	after := sess.Snapshot()
	assert.Equal(t, len(before.Messages), len(after.Messages))
	assert.Equal(t, "streaming", after.StreamingText)
	assert.Len(t, conn.sent, 2)
}

func TestSubmit_BusyAfterFirstExchange(t *testing.T) {
	d, sess, conn, _, _ := setup(t)
	require.NoError(t, d.Submit(context.Background(), "A"))
	sess.HandleEvent(model.Event{Type: model.EventChunk, Content: "still going"})

	require.NoError(t, d.Submit(context.Background(), "B"))
	assert.Len(t, sess.Snapshot().Messages, 1)
	assert.Len(t, conn.sent, 1, "no second send attempted")
}

func TestSubmit_ConnectFailure(t *testing.T) {
	d, sess, conn, durable, listener := setup(t)
	conn.connectErr = errors.New("dial refused")

	err := d.Submit(context.Background(), "Hello")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSubmitFailed)
	assert.Empty(t, conn.sent)

	st := sess.Snapshot()
	assert.False(t, st.Loading)
	assert.Empty(t, st.Messages, "unsent user turn is rolled back")
	assert.Equal(t, "Hello", st.Draft)
	assert.Contains(t, st.ConnectionError, "dial refused")
	assert.Equal(t, []session.ErrorKind{session.ErrorConnection}, listener.kinds)

	// 连接恢复后可以再次提交
	conn.connectErr = nil
	require.NoError(t, d.Submit(context.Background(), "Retry"))
	require.Len(t, conn.sent, 1)
	assert.Empty(t, conn.sent[0].ConversationHistory)
	assert.Empty(t, sess.Snapshot().ConnectionError)
	assert.Equal(t, 0, durable.saves)

	respond(sess, "Hi")
	msgs := sess.Snapshot().Messages
	require.Len(t, msgs, 2)
	assert.Equal(t, "Retry", msgs[0].Content)
	assert.Equal(t, "Hi", msgs[1].Content)
	assert.Equal(t, 1, durable.saves)
}

func TestSubmit_SendFailure(t *testing.T) {
	d, sess, conn, durable, _ := setup(t)
	conn.sendErr = errors.New("broken pipe")

	err := d.Submit(context.Background(), "Hello")
	assert.ErrorIs(t, err, ErrSubmitFailed)
	assert.Equal(t, session.PhaseIdle, sess.Phase())
	assert.Empty(t, sess.Snapshot().Messages)
	assert.Equal(t, 0, durable.saves)
}

func TestSubmit_IgnoredWhileConversationLoads(t *testing.T) {
	d, sess, conn, _, _ := setup(t)
	gated := &gatedDurable{gate: make(chan struct{}), entered: make(chan struct{}, 1)}
	sess = session.New(session.SessionContext{SessionID: "s", UserID: "u", Channel: "deepseek"},
		repository.NewMemoryLocalStore(), gated, session.Options{IdleTimeout: time.Hour})
	conn.sess = sess
	d = New(sess, conn)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = sess.SwitchTo(context.Background(), "c1")
	}()
	<-gated.entered

	require.NoError(t, d.Submit(context.Background(), "too early"))
	assert.Empty(t, conn.sent)
	assert.Empty(t, sess.Snapshot().Messages)

	close(gated.gate)
	<-done
	require.NoError(t, d.Submit(context.Background(), "now"))
	assert.Len(t, conn.sent, 1)
}

func TestSubmit_FreshIdempotencyKeyPerSubmission(t *testing.T) {
	d, sess, conn, _, _ := setup(t)
	require.NoError(t, d.Submit(context.Background(), "one"))
	respond(sess, "1")
	require.NoError(t, d.Submit(context.Background(), "two"))
	require.Len(t, conn.sent, 2)
	assert.NotEqual(t, conn.sent[0].IdempotencyKey, conn.sent[1].IdempotencyKey)
}
