package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"tandem-backend/internal/chain"
	"tandem-backend/internal/model"
	"tandem-backend/internal/pipeline"
	"tandem-backend/internal/storage"
	"tandem-backend/pkg/logger"
)

const ModeStory = "story"

// CharacterLister 按话题挑选练习用字，通常是 retrieval.Helper
type CharacterLister interface {
	CharacterList(ctx context.Context, topic string) (string, error)
}

// Builder 组装会话需要的链
type Builder interface {
	PartnerName() string
	Pipeline(ctx context.Context, mode, contextText string) (pipeline.Stage, error)
	Contextualizer(ctx context.Context) (Contextualizer, error)
}

type chainBuilder struct {
	b *chain.Builder
}

// ChainBuilder 把 chain.Builder 适配为 Builder
func ChainBuilder(b *chain.Builder) Builder {
	return chainBuilder{b: b}
}

func (c chainBuilder) PartnerName() string { return c.b.PartnerName() }

func (c chainBuilder) Pipeline(ctx context.Context, mode, contextText string) (pipeline.Stage, error) {
	return c.b.Partner(ctx, mode, contextText)
}

func (c chainBuilder) Contextualizer(ctx context.Context) (Contextualizer, error) {
	ch, err := c.b.Contextualizer(ctx)
	if err != nil {
		return nil, err
	}
	return ch, nil
}

type FactoryConfig struct {
	Mode    string
	Stories string
	Timeout time.Duration
	OnReply func(s *Session, r *Reply, err error)
}

// NewFactory 创建会话：已有记录时恢复历史和字表，否则检索字表并新建记录
func NewFactory(builder Builder, lister CharacterLister, store storage.Storage, cfg FactoryConfig) Factory {
	return func(ctx context.Context, topic string) (*Session, error) {
		id := SessionID(topic)

		var (
			history       []model.ChatTurn
			characterList string
			resumed       bool
		)
		if store != nil {
			t, err := store.GetTranscript(id)
			switch {
			case err == nil:
				history, characterList, resumed = t.Turns, t.CharacterList, true
			case !errors.Is(err, storage.ErrTranscriptNotFound):
				return nil, fmt.Errorf("load transcript: %w", err)
			}
		}

		contextText := cfg.Stories
		if cfg.Mode != ModeStory {
			if characterList == "" {
				list, err := lister.CharacterList(ctx, topic)
				if err != nil {
					return nil, err
				}
				characterList = list
			}
			contextText = characterList
		}

		stage, err := builder.Pipeline(ctx, cfg.Mode, contextText)
		if err != nil {
			return nil, fmt.Errorf("build pipeline: %w", err)
		}
		contextualizer, err := builder.Contextualizer(ctx)
		if err != nil {
			return nil, fmt.Errorf("build contextualizer: %w", err)
		}

		if store != nil {
			if err := saveTranscript(store, id, topic, characterList, resumed); err != nil {
				logger.Warnf("save transcript %s: %v", id, err)
			}
		}
		if resumed {
			logger.Infof("Resumed topic %q with %d turns", topic, len(history))
		}

		return New(Options{
			ID:             id,
			Topic:          topic,
			PartnerName:    builder.PartnerName(),
			CharacterList:  characterList,
			Pipeline:       stage,
			Contextualizer: contextualizer,
			Store:          store,
			History:        history,
			Timeout:        cfg.Timeout,
			OnReply:        cfg.OnReply,
		}), nil
	}
}

func saveTranscript(store storage.Storage, id, topic, characterList string, resumed bool) error {
	if resumed {
		return store.UpdateTranscript(&model.Transcript{ID: id, Topic: topic, CharacterList: characterList})
	}
	now := time.Now()
	return store.CreateTranscript(&model.Transcript{
		ID:            id,
		Topic:         topic,
		CharacterList: characterList,
		CreatedAt:     now,
		UpdatedAt:     now,
	})
}
