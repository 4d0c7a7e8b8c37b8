package stream

import (
	"sync"
	"testing"
	"time"

	"pai-smart-chat/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func chunk(s string) model.Event { return model.Event{Type: model.EventChunk, Content: s} }

var (
	start = model.Event{Type: model.EventStart}
	end   = model.Event{Type: model.EventEnd}
)

func TestReassembler_ConcatenatesChunksInOrder(t *testing.T) {
	r := New(time.Hour, nil)
	r.Begin()

	parts := []string{"Hi", " there", ", ", "世界", ""}
	assert.Equal(t, OutcomeStarted, r.Handle(start).Kind)
	for _, p := range parts {
		out := r.Handle(chunk(p))
		assert.Equal(t, OutcomeAppended, out.Kind)
		assert.Equal(t, p, out.Content)
	}
	out := r.Handle(end)
	assert.Equal(t, OutcomeFinalized, out.Kind)
	assert.Equal(t, "Hi there, 世界", out.Content)
	assert.False(t, out.Truncated)
	assert.False(t, r.Active())
	assert.Empty(t, r.Partial())
}

func TestReassembler_StartDiscardsBufferedContent(t *testing.T) {
	r := New(time.Hour, nil)
	r.Handle(chunk("stale"))
	r.Handle(start)
	r.Handle(chunk("fresh"))
	assert.Equal(t, "fresh", r.Handle(end).Content)
}

func TestReassembler_ChunkWithoutStartIsImplicitStart(t *testing.T) {
	r := New(time.Hour, nil)
	out := r.Handle(chunk("a"))
	assert.Equal(t, OutcomeAppended, out.Kind)
	assert.True(t, r.Active())
	assert.Equal(t, "a", r.Handle(end).Content)
}

func TestReassembler_StrayEndIgnored(t *testing.T) {
	r := New(time.Hour, nil)
	assert.Equal(t, OutcomeNone, r.Handle(end).Kind)
}

func TestReassembler_EndWithoutContentIsEmpty(t *testing.T) {
	r := New(time.Hour, nil)
	r.Begin()
	r.Handle(start)
	out := r.Handle(end)
	assert.Equal(t, OutcomeEmpty, out.Kind)
	assert.False(t, r.Active())
}

func TestReassembler_ErrorAbortsWithoutContent(t *testing.T) {
	r := New(time.Hour, nil)
	r.Handle(start)
	r.Handle(chunk("partial"))
	out := r.Handle(model.Event{Type: model.EventError, Message: "upstream failed"})
	assert.Equal(t, OutcomeAborted, out.Kind)
	assert.Equal(t, "upstream failed", out.Err)
	assert.Empty(t, out.Content)
	assert.False(t, r.Active())
	assert.Empty(t, r.Partial())
}

// idleHarness 把计时器回调串行地交还给 Reassembler，模拟 Session 的用法。
type idleHarness struct {
	mu   sync.Mutex
	r    *Reassembler
	outs chan Outcome
}

func newIdleHarness(idle time.Duration) *idleHarness {
	h := &idleHarness{outs: make(chan Outcome, 4)}
	h.r = New(idle, func(gen uint64) {
		h.mu.Lock()
		out := h.r.Expire(gen)
		h.mu.Unlock()
		if out.Kind != OutcomeNone {
			h.outs <- out
		}
	})
	return h
}

func (h *idleHarness) handle(ev model.Event) Outcome {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.r.Handle(ev)
}

func TestReassembler_IdleTimeoutFinalizesAccumulated(t *testing.T) {
	h := newIdleHarness(30 * time.Millisecond)
	h.handle(start)
	h.handle(chunk("Par"))
	h.handle(chunk("tial"))

	select {
	case out := <-h.outs:
		assert.Equal(t, OutcomeFinalized, out.Kind)
		assert.Equal(t, "Partial", out.Content)
		assert.True(t, out.Truncated)
	case <-time.After(2 * time.Second):
		t.Fatal("idle timeout never fired")
	}
	h.mu.Lock()
	assert.False(t, h.r.Active())
	h.mu.Unlock()
}

func TestReassembler_IdleTimeoutWithNoChunksIsEmpty(t *testing.T) {
	h := newIdleHarness(20 * time.Millisecond)
	h.handle(start)

	select {
	case out := <-h.outs:
		assert.Equal(t, OutcomeEmpty, out.Kind)
		assert.True(t, out.Truncated)
	case <-time.After(2 * time.Second):
		t.Fatal("idle timeout never fired")
	}
}

func TestReassembler_ChunkResetsIdleTimer(t *testing.T) {
	h := newIdleHarness(80 * time.Millisecond)
	h.handle(start)
	for i := 0; i < 4; i++ {
		h.handle(chunk("x"))
		time.Sleep(30 * time.Millisecond)
	}
	select {
	case out := <-h.outs:
		t.Fatalf("timer fired early: %+v", out)
	default:
	}
	out := h.handle(end)
	require.Equal(t, OutcomeFinalized, out.Kind)
	assert.Equal(t, "xxxx", out.Content)

	time.Sleep(120 * time.Millisecond)
	assert.Empty(t, h.outs, "timer must not fire after end")
}

func TestReassembler_StaleGenerationIgnored(t *testing.T) {
	r := New(time.Hour, nil)
	r.Handle(start)
	r.Handle(chunk("a"))
	staleGen := r.gen - 1
	assert.Equal(t, OutcomeNone, r.Expire(staleGen).Kind)
	assert.True(t, r.Active())

	out := r.Expire(r.gen)
	assert.Equal(t, OutcomeFinalized, out.Kind)
	assert.Equal(t, "a", out.Content)
}

func TestReassembler_ResetDiscards(t *testing.T) {
	r := New(time.Hour, nil)
	r.Handle(start)
	r.Handle(chunk("a"))
	gen := r.gen
	r.Reset()
	assert.False(t, r.Active())
	assert.Equal(t, OutcomeNone, r.Expire(gen).Kind)
}

func TestNew_DefaultIdle(t *testing.T) {
	assert.Equal(t, DefaultIdleTimeout, New(0, nil).IdleTimeout())
}
