package handler

import (
	"context"
	"errors"
	"net/http"
	"time"

	"tandem-backend/internal/model"
	"tandem-backend/internal/retrieval"
	"tandem-backend/internal/service"
	"tandem-backend/internal/session"
	"tandem-backend/internal/speech"
	"tandem-backend/internal/utils"
	"tandem-backend/pkg/logger"

	"github.com/gin-gonic/gin"
)

const timeLayout = "15:04:05"

// ChatHandler heartbeat 为 SSE 心跳间隔，maxWait 为 SSE 最长等待时间
type ChatHandler struct {
	chatService *service.ChatService
	heartbeat   time.Duration
	maxWait     time.Duration
}

func NewChatHandler(chatService *service.ChatService) *ChatHandler {
	return &ChatHandler{
		chatService: chatService,
		heartbeat:   15 * time.Second,
		maxWait:     5 * time.Minute,
	}
}

func toReplyResponse(r *session.Reply) model.ReplyResponse {
	return model.ReplyResponse{
		Name:           r.Author,
		Index:          r.Index,
		Contextualized: r.Contextualized,
		Message:        r.Message,
		Raw:            r.Raw,
		Time:           r.Timestamp.Format(timeLayout),
	}
}

// errorStatus 把业务错误映射为状态码
func errorStatus(err error) (int, string, string) {
	switch {
	case errors.Is(err, session.ErrResponsePending):
		return http.StatusConflict, "response_pending", "wait for the current reply before sending another message"
	case errors.Is(err, retrieval.ErrIndexNotFound):
		return http.StatusServiceUnavailable, "index_not_found", "build the character index with `tandem index`"
	case errors.Is(err, service.ErrNoSession):
		return http.StatusNotFound, "session_not_found", "open the topic with GET /chat first"
	case errors.Is(err, speech.ErrIndexOutOfRange):
		return http.StatusNotFound, "index_out_of_range", ""
	case errors.Is(err, speech.ErrNothingToSpeak):
		return http.StatusUnprocessableEntity, "nothing_to_speak", ""
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "timeout", ""
	default:
		return http.StatusInternalServerError, "internal_error", ""
	}
}

func abortWithError(c *gin.Context, err error) {
	status, errType, suggestion := errorStatus(err)
	if status >= http.StatusInternalServerError {
		logger.Errorf("%s %s: %v", c.Request.Method, c.Request.URL.Path, err)
	}
	c.AbortWithStatusJSON(status, model.NewErrorResponse(err, errType, suggestion))
}

// Index 入口页
func (h *ChatHandler) Index(c *gin.Context) {
	c.Data(http.StatusOK, "text/html; charset=utf-8", []byte(indexHTML))
}

// GetSession GET /chat?topic= 建立或恢复会话
func (h *ChatHandler) GetSession(c *gin.Context) {
	var q model.TopicQuery
	if err := c.ShouldBindQuery(&q); err != nil || q.Topic == "" {
		c.Status(http.StatusNoContent)
		return
	}

	sess, err := h.chatService.OpenSession(c.Request.Context(), q.Topic)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, h.chatService.SessionInfo(sess))
}

// PostMessage POST /chat/message?topic= 表单字段 message
func (h *ChatHandler) PostMessage(c *gin.Context) {
	var q model.TopicQuery
	var form model.MessageForm
	if err := c.ShouldBindQuery(&q); err != nil || q.Topic == "" {
		c.Status(http.StatusNoContent)
		return
	}
	if err := c.ShouldBind(&form); err != nil || form.Message == "" {
		c.Status(http.StatusNoContent)
		return
	}

	sess, p, err := h.chatService.SendMessage(c.Request.Context(), q.Topic, form.Message)
	if err != nil {
		if errors.Is(err, service.ErrMissingMessage) {
			c.Status(http.StatusNoContent)
			return
		}
		abortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, model.MessageResponse{
		Name:      p.UserTurn.Author,
		Message:   p.UserTurn.Content,
		Index:     p.UserIndex,
		Time:      p.UserTurn.Timestamp.Format(timeLayout),
		Topic:     sess.Topic(),
		SessionID: sess.ID(),
	})
}

// GetResponse GET /chat/response?topic= 有回复时 200，否则 204；生成失败时返回一次 500
func (h *ChatHandler) GetResponse(c *gin.Context) {
	var q model.TopicQuery
	if err := c.ShouldBindQuery(&q); err != nil || q.Topic == "" {
		c.Status(http.StatusNoContent)
		return
	}

	reply, err := h.chatService.PollResponse(q.Topic)
	if err != nil {
		if errors.Is(err, service.ErrNoSession) {
			c.Status(http.StatusNoContent)
			return
		}
		c.JSON(http.StatusInternalServerError, model.NewErrorResponse(err, "generation_failed", "send the message again"))
		return
	}
	if reply == nil {
		c.Status(http.StatusNoContent)
		return
	}
	c.JSON(http.StatusOK, toReplyResponse(reply))
}

// Events GET /chat/events?topic= 等待当前回复并通过 SSE 推送
func (h *ChatHandler) Events(c *gin.Context) {
	var q model.TopicQuery
	if err := c.ShouldBindQuery(&q); err != nil || q.Topic == "" {
		c.Status(http.StatusNoContent)
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), h.maxWait)
	defer cancel()

	sseWriter := utils.NewSSEWriter(c.Writer)
	c.Status(http.StatusOK)

	type result struct {
		reply *session.Reply
		err   error
	}
	done := make(chan result, 1)
	go func() {
		r, err := h.chatService.WaitResponse(ctx, q.Topic)
		done <- result{reply: r, err: err}
	}()

	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-heartbeat.C:
			if err := sseWriter.Comment("heartbeat"); err != nil {
				logger.Warnf("心跳发送失败: %v", err)
				return
			}
		case res := <-done:
			switch {
			case res.err != nil:
				status, errType, suggestion := errorStatus(res.err)
				if status >= http.StatusInternalServerError {
					errType = "generation_failed"
				}
				_ = sseWriter.WriteJSON("error", model.NewErrorResponse(res.err, errType, suggestion))
			case res.reply != nil:
				_ = sseWriter.WriteJSON("reply", toReplyResponse(res.reply))
			}
			_ = sseWriter.Close()
			return
		}
	}
}

// Audio GET /chat/audio?topic=&index= 返回历史中某条发言的语音
func (h *ChatHandler) Audio(c *gin.Context) {
	var q model.AudioQuery
	if err := c.ShouldBindQuery(&q); err != nil || q.Topic == "" || q.Index == nil {
		c.Status(http.StatusNoContent)
		return
	}

	path, err := h.chatService.Audio(c.Request.Context(), q.Topic, *q.Index)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.Header("Content-Type", "audio/mpeg")
	c.File(path)
}

// ResetSession POST /chat/reset?topic= 清空历史
func (h *ChatHandler) ResetSession(c *gin.Context) {
	var q model.TopicQuery
	if err := c.ShouldBindQuery(&q); err != nil || q.Topic == "" {
		c.Status(http.StatusNoContent)
		return
	}
	if err := h.chatService.ResetSession(q.Topic); err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "History cleared"})
}

// DeleteSession DELETE /chat?topic= 从注册表移除会话
func (h *ChatHandler) DeleteSession(c *gin.Context) {
	var q model.TopicQuery
	if err := c.ShouldBindQuery(&q); err != nil || q.Topic == "" {
		c.Status(http.StatusNoContent)
		return
	}
	evicted, err := h.chatService.CloseSession(q.Topic)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"evicted": evicted})
}

// ListTranscripts GET /chat/transcripts
func (h *ChatHandler) ListTranscripts(c *gin.Context) {
	list, err := h.chatService.ListTranscripts()
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transcripts": list})
}
