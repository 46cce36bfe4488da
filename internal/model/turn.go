package model

import (
	"strings"
	"time"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ChatTurn 一次发言；Content 对助手而言是转换链的原始输出（三段式）
type ChatTurn struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Author    string    `json:"author"`
	Timestamp time.Time `json:"timestamp"`
}

// ResponseDelimiter 转换链输出的三段分隔符
const ResponseDelimiter = "---"

// FormattedResponse 繁体 / 拼音 / 英文 三段，顺序固定
type FormattedResponse struct {
	Traditional string `json:"traditional"`
	Pinyin      string `json:"pinyin"`
	English     string `json:"english"`
}

// ParseFormattedResponse 按 "---" 切分，多余的段落忽略，缺失的段落为空串，从不报错
func ParseFormattedResponse(msg string) FormattedResponse {
	parts := strings.SplitN(msg, ResponseDelimiter, 4)

	var r FormattedResponse
	if len(parts) > 0 {
		r.Traditional = strings.TrimSpace(parts[0])
	}
	if len(parts) > 1 {
		r.Pinyin = strings.TrimSpace(parts[1])
	}
	if len(parts) > 2 {
		r.English = strings.TrimSpace(parts[2])
	}
	return r
}

// Fields 返回非空字段个数
func (r FormattedResponse) Fields() int {
	n := 0
	for _, s := range []string{r.Traditional, r.Pinyin, r.English} {
		if s != "" {
			n++
		}
	}
	return n
}

func (r FormattedResponse) String() string {
	return strings.Join([]string{r.Traditional, r.Pinyin, r.English}, "\n"+ResponseDelimiter+"\n")
}
