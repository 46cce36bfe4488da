package session

import (
	"sync"
	"time"

	"tandem-backend/internal/model"

	"github.com/cloudwego/eino/schema"
)

// History 按时间顺序追加的发言记录
type History struct {
	mu    sync.RWMutex
	turns []model.ChatTurn
}

func NewHistory(turns []model.ChatTurn) *History {
	h := &History{}
	for _, t := range turns {
		h.Append(t)
	}
	return h
}

// Append 返回新发言的下标；时间戳早于上一条时会被抬到上一条的时间
func (h *History) Append(turn model.ChatTurn) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	if turn.Timestamp.IsZero() {
		turn.Timestamp = time.Now()
	}
	if n := len(h.turns); n > 0 && turn.Timestamp.Before(h.turns[n-1].Timestamp) {
		turn.Timestamp = h.turns[n-1].Timestamp
	}
	h.turns = append(h.turns, turn)
	return len(h.turns) - 1
}

func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.turns)
}

func (h *History) At(index int) (model.ChatTurn, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if index < 0 || index >= len(h.turns) {
		return model.ChatTurn{}, false
	}
	return h.turns[index], true
}

func (h *History) Turns() []model.ChatTurn {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]model.ChatTurn, len(h.turns))
	copy(out, h.turns)
	return out
}

// Messages 转成 eino 消息，供改写链使用
func (h *History) Messages() []*schema.Message {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return toMessages(h.turns)
}

func (h *History) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.turns = nil
}

func toMessages(turns []model.ChatTurn) []*schema.Message {
	msgs := make([]*schema.Message, 0, len(turns))
	for _, t := range turns {
		if t.Role == model.RoleAssistant {
			msgs = append(msgs, schema.AssistantMessage(t.Content, nil))
			continue
		}
		msgs = append(msgs, schema.UserMessage(t.Content))
	}
	return msgs
}
