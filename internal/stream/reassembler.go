// Package stream 把服务端推送的 start/chunk/end/error 事件折叠成一条完整的助手回复。
package stream

import (
	"strings"
	"time"

	"pai-smart-chat/internal/model"
	"pai-smart-chat/pkg/log"
)

// DefaultIdleTimeout 是两个 chunk 之间允许的最长静默时间。
const DefaultIdleTimeout = 5 * time.Second

// OutcomeKind 描述一次事件处理的结果。
type OutcomeKind int

const (
	OutcomeNone      OutcomeKind = iota // 无需上层处理
	OutcomeStarted                      // 新的回复开始
	OutcomeAppended                     // 追加了一个分块
	OutcomeFinalized                    // 回复完成，Content 为完整内容
	OutcomeEmpty                        // 回复结束但没有任何内容，不生成 Turn
	OutcomeAborted                      // 后端报错，Err 为错误信息
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeStarted:
		return "started"
	case OutcomeAppended:
		return "appended"
	case OutcomeFinalized:
		return "finalized"
	case OutcomeEmpty:
		return "empty"
	case OutcomeAborted:
		return "aborted"
	default:
		return "none"
	}
}

// Outcome 是 Handle/Expire 的返回值。
type Outcome struct {
	Kind    OutcomeKind
	Content string // Finalized: 完整内容；Appended: 本次分块
	Partial string // Appended: 目前累积的内容
	Err     string
	// Truncated 为 true 表示由空闲超时而非 end 事件完成。
	Truncated bool
}

// Reassembler 持有唯一的 StreamingState。它不是并发安全的，调用方需要串行化所有调用
// （Conversation Session 在自己的互斥锁内调用它）。
type Reassembler struct {
	idle   time.Duration
	onIdle func(gen uint64)

	buf    strings.Builder
	active bool
	chunks int
	gen    uint64
	timer  *time.Timer
}

// New 创建 Reassembler。onIdle 在空闲计时器触发时于计时器 goroutine 中被调用，
// 调用方应获取自己的锁后再把 gen 交还给 Expire。
func New(idle time.Duration, onIdle func(gen uint64)) *Reassembler {
	if idle <= 0 {
		idle = DefaultIdleTimeout
	}
	return &Reassembler{idle: idle, onIdle: onIdle}
}

// IdleTimeout 返回配置的空闲超时。
func (r *Reassembler) IdleTimeout() time.Duration { return r.idle }

// Begin 在提交用户消息时把 StreamingState 置为空且活跃。此时不启动计时器，
// 计时从第一个 start/chunk 事件开始。
func (r *Reassembler) Begin() {
	r.clear()
	r.active = true
}

// Active 报告是否有进行中的回复。
func (r *Reassembler) Active() bool { return r.active }

// Partial 返回目前累积的内容。
func (r *Reassembler) Partial() string { return r.buf.String() }

// Handle 按到达顺序处理一个事件。
func (r *Reassembler) Handle(ev model.Event) Outcome {
	switch ev.Type {
	case model.EventStart:
		if r.buf.Len() > 0 {
			log.Warnw("收到 start 时仍有未完成的回复，已丢弃", "discardedBytes", r.buf.Len())
		}
		r.clear()
		r.active = true
		r.arm()
		return Outcome{Kind: OutcomeStarted}

	case model.EventChunk:
		if !r.active {
			// 后端省略了 start，视为隐式开始
			r.active = true
		}
		r.buf.WriteString(ev.Content)
		r.chunks++
		r.arm()
		return Outcome{Kind: OutcomeAppended, Content: ev.Content, Partial: r.buf.String()}

	case model.EventEnd:
		if !r.active {
			log.Debugf("忽略没有对应回复的 end 事件")
			return Outcome{Kind: OutcomeNone}
		}
		return r.finalize(false)

	case model.EventError:
		r.clear()
		msg := ev.Message
		if msg == "" {
			msg = ev.Content
		}
		return Outcome{Kind: OutcomeAborted, Err: msg}
	}
	return Outcome{Kind: OutcomeNone}
}

// Expire 处理一次计时器触发。gen 过期（期间又收到了分块或回复已结束）时什么也不做。
func (r *Reassembler) Expire(gen uint64) Outcome {
	if gen != r.gen || !r.active {
		return Outcome{Kind: OutcomeNone}
	}
	log.Warnw("流式回复空闲超时，按已接收内容完成", "chunks", r.chunks, "idle", r.idle.String())
	return r.finalize(true)
}

// Reset 丢弃进行中的回复而不生成 Turn，例如切换或新建会话时。
func (r *Reassembler) Reset() {
	r.clear()
}

func (r *Reassembler) finalize(truncated bool) Outcome {
	content := r.buf.String()
	chunks := r.chunks
	r.clear()
	if content == "" {
		log.Warnw("回复结束但没有收到任何内容", "chunks", chunks, "timeout", truncated)
		return Outcome{Kind: OutcomeEmpty, Truncated: truncated}
	}
	return Outcome{Kind: OutcomeFinalized, Content: content, Truncated: truncated}
}

func (r *Reassembler) arm() {
	r.stop()
	r.gen++
	gen := r.gen
	if r.onIdle == nil {
		return
	}
	cb := r.onIdle
	r.timer = time.AfterFunc(r.idle, func() { cb(gen) })
}

func (r *Reassembler) stop() {
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
}

func (r *Reassembler) clear() {
	r.stop()
	// 让已经在路上的计时器回调失效
	r.gen++
	r.buf.Reset()
	r.active = false
	r.chunks = 0
}
