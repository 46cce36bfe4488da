// Package session 管理按话题划分的对话：历史、后台生成和轮询
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"tandem-backend/internal/model"
	"tandem-backend/internal/pipeline"
	"tandem-backend/internal/storage"
	"tandem-backend/pkg/logger"

	"github.com/cloudwego/eino/schema"
	"github.com/google/uuid"
)

var (
	// ErrResponsePending 上一条消息的回复尚未生成完
	ErrResponsePending = errors.New("a response is already pending")
	ErrEmptyMessage    = errors.New("message is empty")
)

// Contextualizer 结合历史改写输入，通常是 chain.Chain
type Contextualizer interface {
	InvokeWithHistory(ctx context.Context, history []*schema.Message, input string) (string, error)
}

// Reply 一次生成完成的回复
type Reply struct {
	Index          int
	Author         string
	Input          string
	Contextualized string
	Raw            string
	Message        model.FormattedResponse
	Timestamp      time.Time
}

// Pending 后台生成的句柄
type Pending struct {
	UserTurn  model.ChatTurn
	UserIndex int

	done  chan struct{}
	reply *Reply
	err   error
}

func (p *Pending) Done() <-chan struct{} {
	return p.done
}

// Wait 阻塞到生成结束或 ctx 取消
func (p *Pending) Wait(ctx context.Context) (*Reply, error) {
	select {
	case <-p.done:
		return p.reply, p.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type Options struct {
	ID             string
	Topic          string
	PartnerName    string
	CharacterList  string
	Pipeline       pipeline.Stage
	Contextualizer Contextualizer
	Store          storage.Storage
	History        []model.ChatTurn
	// Timeout 单次后台生成的超时，0 表示不限
	Timeout time.Duration
	OnReply func(s *Session, r *Reply, err error)
}

// Session 一个话题的对话，状态为 空闲 -> 等待回复 -> 空闲
type Session struct {
	id            string
	topic         string
	partnerName   string
	characterList string

	pipeline       pipeline.Stage
	contextualizer Contextualizer
	store          storage.Storage
	timeout        time.Duration
	onReply        func(*Session, *Reply, error)

	history *History

	mu         sync.Mutex
	pending    *Pending
	ready      *Reply
	readyErr   error
	lastActive time.Time
}

// SessionID 由话题确定，重启后不变
func SessionID(topic string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte("tandem:"+topic)).String()
}

func New(opts Options) *Session {
	if opts.ID == "" {
		opts.ID = SessionID(opts.Topic)
	}
	if opts.PartnerName == "" {
		opts.PartnerName = "Lang"
	}
	return &Session{
		id:             opts.ID,
		topic:          opts.Topic,
		partnerName:    opts.PartnerName,
		characterList:  opts.CharacterList,
		pipeline:       opts.Pipeline,
		contextualizer: opts.Contextualizer,
		store:          opts.Store,
		timeout:        opts.Timeout,
		onReply:        opts.OnReply,
		history:        NewHistory(opts.History),
		lastActive:     time.Now(),
	}
}

func (s *Session) ID() string            { return s.id }
func (s *Session) Topic() string         { return s.topic }
func (s *Session) PartnerName() string   { return s.partnerName }
func (s *Session) CharacterList() string { return s.characterList }
func (s *Session) History() *History     { return s.history }

func (s *Session) Awaiting() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending != nil
}

// Pending 当前的后台生成，没有时返回 nil
func (s *Session) Pending() *Pending {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending
}

func (s *Session) LastActive() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActive
}

// Invoke 记录用户发言并在后台生成回复。等待回复期间再次调用返回 ErrResponsePending。
func (s *Session) Invoke(ctx context.Context, author, message string) (*Pending, error) {
	if message == "" {
		return nil, ErrEmptyMessage
	}

	s.mu.Lock()
	if s.pending != nil {
		s.mu.Unlock()
		return nil, ErrResponsePending
	}

	prior := s.history.Messages()
	turn := model.ChatTurn{
		ID:        uuid.New().String(),
		Role:      model.RoleUser,
		Content:   message,
		Author:    author,
		Timestamp: time.Now(),
	}
	index := s.history.Append(turn)
	turn, _ = s.history.At(index)

	p := &Pending{UserTurn: turn, UserIndex: index, done: make(chan struct{})}
	s.pending = p
	s.ready, s.readyErr = nil, nil
	s.lastActive = time.Now()
	s.mu.Unlock()

	// pending 已占住会话，解锁后写盘不会与其他写入交错
	s.persist(turn)

	// 请求结束后生成仍继续
	genCtx := context.WithoutCancel(ctx)
	go s.generate(genCtx, p, prior, message)

	return p, nil
}

func (s *Session) generate(ctx context.Context, p *Pending, prior []*schema.Message, message string) {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	reply, err := s.run(ctx, prior, message)

	if err == nil {
		s.mu.Lock()
		turn := model.ChatTurn{
			ID:        uuid.New().String(),
			Role:      model.RoleAssistant,
			Content:   reply.Raw,
			Author:    s.partnerName,
			Timestamp: time.Now(),
		}
		reply.Index = s.history.Append(turn)
		turn, _ = s.history.At(reply.Index)
		reply.Timestamp = turn.Timestamp
		s.mu.Unlock()

		s.persist(turn)
	}

	s.mu.Lock()
	if err != nil {
		logger.WithFields(logger.Fields{"topic": s.topic, "session": s.id}).Errorf("generate reply: %v", err)
		p.err = err
		s.readyErr = err
	} else {
		p.reply = reply
		s.ready = reply
	}
	s.pending = nil
	s.lastActive = time.Now()
	close(p.done)
	onReply := s.onReply
	s.mu.Unlock()

	if onReply != nil {
		onReply(s, p.reply, p.err)
	}
}

func (s *Session) run(ctx context.Context, prior []*schema.Message, message string) (*Reply, error) {
	if s.pipeline == nil {
		return nil, errors.New("session has no pipeline")
	}

	reply := &Reply{Author: s.partnerName, Input: message}
	input := message
	if len(prior) > 0 && s.contextualizer != nil {
		rewritten, err := s.contextualizer.InvokeWithHistory(ctx, prior, message)
		if err != nil {
			return nil, fmt.Errorf("contextualize: %w", err)
		}
		if rewritten != "" && rewritten != message {
			input = rewritten
			reply.Contextualized = rewritten
		}
	}

	raw, err := s.pipeline.Invoke(ctx, input)
	if err != nil {
		return nil, err
	}
	reply.Raw = raw
	reply.Message = model.ParseFormattedResponse(raw)
	return reply, nil
}

// 持久化失败只记日志，不影响对话
func (s *Session) persist(turn model.ChatTurn) {
	if s.store == nil {
		return
	}
	if err := s.store.AppendTurn(s.id, turn); err != nil {
		logger.Warnf("persist turn for session %s: %v", s.id, err)
	}
}

// Poll 非阻塞地取走最近一次完成的回复；没有时返回 nil, nil，生成失败时返回一次错误
func (s *Session) Poll() (*Reply, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.readyErr != nil {
		err := s.readyErr
		s.readyErr = nil
		return nil, err
	}
	r := s.ready
	s.ready = nil
	if r != nil {
		s.lastActive = time.Now()
	}
	return r, nil
}

// Reset 清空历史，等待回复时不允许
func (s *Session) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pending != nil {
		return ErrResponsePending
	}
	s.history.Reset()
	s.ready, s.readyErr = nil, nil
	s.lastActive = time.Now()

	if s.store != nil {
		if err := s.store.ClearTurns(s.id); err != nil && !errors.Is(err, storage.ErrTranscriptNotFound) {
			return fmt.Errorf("clear stored turns: %w", err)
		}
	}
	return nil
}
