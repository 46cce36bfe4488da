package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"tandem-backend/internal/model"
	"tandem-backend/internal/session"
	"tandem-backend/internal/speech"
	"tandem-backend/internal/storage"
	"tandem-backend/pkg/logger"
)

var (
	ErrMissingTopic   = errors.New("topic is required")
	ErrMissingMessage = errors.New("message is required")
	ErrNoSession      = errors.New("no session for topic")
)

// ChatService 前端共用的对话入口，HTTP 和 CLI 都通过它访问会话
type ChatService struct {
	registry    *session.Registry
	speaker     *speech.Speaker
	storage     storage.Storage
	studentName string
}

func NewChatService(registry *session.Registry, speaker *speech.Speaker, store storage.Storage, studentName string) *ChatService {
	if studentName == "" {
		studentName = "Student"
	}
	return &ChatService{
		registry:    registry,
		speaker:     speaker,
		storage:     store,
		studentName: studentName,
	}
}

func (s *ChatService) StudentName() string {
	return s.studentName
}

func normalizeTopic(topic string) string {
	return strings.TrimSpace(topic)
}

// OpenSession 建立或恢复话题会话
func (s *ChatService) OpenSession(ctx context.Context, topic string) (*session.Session, error) {
	topic = normalizeTopic(topic)
	if topic == "" {
		return nil, ErrMissingTopic
	}
	sess, err := s.registry.GetOrCreate(ctx, topic)
	if err != nil {
		return nil, fmt.Errorf("open session %q: %w", topic, err)
	}
	return sess, nil
}

// SessionInfo GET /chat 返回的会话概要
func (s *ChatService) SessionInfo(sess *session.Session) model.SessionResponse {
	return model.SessionResponse{
		SessionID:     sess.ID(),
		Topic:         sess.Topic(),
		CharacterList: sess.CharacterList(),
		Awaiting:      sess.Awaiting(),
		History:       sess.History().Turns(),
	}
}

// SendMessage 记录用户发言并开始生成
func (s *ChatService) SendMessage(ctx context.Context, topic, message string) (*session.Session, *session.Pending, error) {
	message = strings.TrimSpace(message)
	if message == "" {
		return nil, nil, ErrMissingMessage
	}
	sess, err := s.OpenSession(ctx, topic)
	if err != nil {
		return nil, nil, err
	}
	p, err := sess.Invoke(ctx, s.studentName, message)
	if err != nil {
		return sess, nil, err
	}
	logger.WithFields(logger.Fields{"topic": sess.Topic(), "index": p.UserIndex}).Debugf("message accepted")
	return sess, p, nil
}

// lookup 只查找已存在的会话，不会触发创建
func (s *ChatService) lookup(topic string) (*session.Session, error) {
	topic = normalizeTopic(topic)
	if topic == "" {
		return nil, ErrMissingTopic
	}
	sess, ok := s.registry.Get(topic)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNoSession, topic)
	}
	return sess, nil
}

// PollResponse 非阻塞获取回复，没有时返回 nil, nil
func (s *ChatService) PollResponse(topic string) (*session.Reply, error) {
	sess, err := s.lookup(topic)
	if err != nil {
		return nil, err
	}
	return sess.Poll()
}

// WaitResponse 等待当前生成结束后取走回复；没有等待中的生成时等同于 PollResponse
func (s *ChatService) WaitResponse(ctx context.Context, topic string) (*session.Reply, error) {
	sess, err := s.lookup(topic)
	if err != nil {
		return nil, err
	}
	if p := sess.Pending(); p != nil {
		select {
		case <-p.Done():
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return sess.Poll()
}

// Audio 返回历史第 index 条发言的音频文件路径，首次请求时合成
func (s *ChatService) Audio(ctx context.Context, topic string, index int) (string, error) {
	if s.speaker == nil {
		return "", errors.New("speech is not configured")
	}
	sess, err := s.lookup(topic)
	if err != nil {
		return "", err
	}
	path := s.speaker.Path(sess.ID(), index)
	if err := s.speaker.Speak(ctx, sess.History().Turns(), index, path); err != nil {
		return "", err
	}
	return path, nil
}

// ResetSession 清空话题的历史
func (s *ChatService) ResetSession(topic string) error {
	sess, err := s.lookup(topic)
	if err != nil {
		return err
	}
	err = sess.Reset()
	if errors.Is(err, session.ErrResponsePending) {
		return err
	}
	s.clearAudio(sess.ID())
	return err
}

// clearAudio 下标从 0 重新开始，旧音频必须删除
func (s *ChatService) clearAudio(sessionID string) {
	if s.speaker == nil {
		return
	}
	if err := s.speaker.Clear(sessionID); err != nil {
		logger.Warnf("Failed to clear audio for session %s: %v", sessionID, err)
	}
}

// CloseSession 从注册表移除会话，记录保留以便之后恢复；等待回复时返回 session.ErrResponsePending
func (s *ChatService) CloseSession(topic string) (bool, error) {
	return s.registry.Evict(normalizeTopic(topic))
}

func (s *ChatService) ListTranscripts() ([]*model.Transcript, error) {
	if s.storage == nil {
		return nil, nil
	}
	list, err := s.storage.ListTranscripts()
	if err != nil {
		return nil, fmt.Errorf("failed to list transcripts: %w", err)
	}
	return list, nil
}

// CleanupTranscripts 删除超过 ttl 未更新、且当前没有活动会话的记录
func (s *ChatService) CleanupTranscripts(ttl time.Duration) int {
	if s.storage == nil || ttl <= 0 {
		return 0
	}
	list, err := s.storage.ListTranscripts()
	if err != nil {
		logger.Errorf("Failed to list transcripts for cleanup: %v", err)
		return 0
	}

	cutoff := time.Now().Add(-ttl)
	deleted := 0
	for _, t := range list {
		if !t.UpdatedAt.Before(cutoff) {
			continue
		}
		if _, active := s.registry.Get(t.Topic); active {
			continue
		}
		if err := s.storage.DeleteTranscript(t.ID); err != nil {
			logger.Errorf("Failed to delete expired transcript %s: %v", t.ID, err)
			continue
		}
		s.clearAudio(t.ID)
		deleted++
		logger.Infof("Cleaned up expired transcript: %s (%s)", t.ID, t.Topic)
	}
	return deleted
}

// Backup 备份持久化的对话记录，服务关闭时调用
func (s *ChatService) Backup() error {
	if s.storage == nil {
		return nil
	}
	if err := s.storage.Backup(); err != nil {
		return fmt.Errorf("backup transcripts: %w", err)
	}
	return nil
}

// RunCleanup 定期清理过期会话和记录，直到 ctx 取消
func (s *ChatService) RunCleanup(ctx context.Context, ttl, interval time.Duration) {
	if ttl <= 0 || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.registry.Cleanup(now)
			s.CleanupTranscripts(ttl)
		}
	}
}
