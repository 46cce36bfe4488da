package model

import "time"

type MessageForm struct {
	Message string `form:"message"`
}

type TopicQuery struct {
	Topic string `form:"topic"`
}

type AudioQuery struct {
	Topic string `form:"topic"`
	Index *int   `form:"index"`
}

// SessionResponse GET /chat 的返回
type SessionResponse struct {
	SessionID     string     `json:"session_id"`
	Topic         string     `json:"topic"`
	CharacterList string     `json:"character_list"`
	Awaiting      bool       `json:"awaiting"`
	History       []ChatTurn `json:"history"`
}

// MessageResponse POST /chat/message 的返回
type MessageResponse struct {
	Name      string `json:"name"`
	Message   string `json:"message"`
	Index     int    `json:"index"`
	Time      string `json:"time"`
	Topic     string `json:"topic"`
	SessionID string `json:"session_id"`
}

// ReplyResponse GET /chat/response 的返回
type ReplyResponse struct {
	Name           string            `json:"name"`
	Index          int               `json:"index"`
	Contextualized string            `json:"contextualized_message,omitempty"`
	Message        FormattedResponse `json:"message"`
	Raw            string            `json:"raw"`
	Time           string            `json:"time"`
}

type ErrorResponse struct {
	Error      string `json:"error"`
	Type       string `json:"type"`
	Timestamp  int64  `json:"timestamp"`
	Suggestion string `json:"suggestion,omitempty"`
}

func NewErrorResponse(err error, errType, suggestion string) ErrorResponse {
	return ErrorResponse{
		Error:      err.Error(),
		Type:       errType,
		Timestamp:  time.Now().Unix(),
		Suggestion: suggestion,
	}
}
