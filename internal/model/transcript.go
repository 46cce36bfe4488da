package model

import "time"

// Transcript 一个话题会话的持久化记录；列表接口返回的 Transcript 不含 Turns
type Transcript struct {
	ID            string     `json:"id"`
	Topic         string     `json:"topic"`
	CharacterList string     `json:"character_list"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
	Turns         []ChatTurn `json:"turns,omitempty"`
}

// Clone 深拷贝，存储层对外只返回副本
func (t *Transcript) Clone() *Transcript {
	c := *t
	if t.Turns != nil {
		c.Turns = make([]ChatTurn, len(t.Turns))
		copy(c.Turns, t.Turns)
	}
	return &c
}
