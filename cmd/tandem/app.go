package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"tandem-backend/internal/chain"
	"tandem-backend/internal/config"
	"tandem-backend/internal/model"
	"tandem-backend/internal/retrieval"
	"tandem-backend/internal/service"
	"tandem-backend/internal/session"
	"tandem-backend/internal/speech"
	"tandem-backend/internal/storage"
	"tandem-backend/pkg/logger"

	einoModel "github.com/cloudwego/eino/components/model"
)

// app 持有运行期依赖
type app struct {
	cfg         *config.Config
	store       storage.Storage
	index       *retrieval.Store
	chatService *service.ChatService
}

type listerFunc func(ctx context.Context, topic string) (string, error)

func (f listerFunc) CharacterList(ctx context.Context, topic string) (string, error) {
	return f(ctx, topic)
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	store, err := storage.New(cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("init storage: %w", err)
	}
	a := &app{cfg: cfg, store: store}

	client := model.NewOpenAIClient(cfg.OpenAI)
	builder := chain.NewBuilder(func(ctx context.Context, c config.ChainConfig) (einoModel.BaseChatModel, error) {
		return model.NewChatModel(ctx, cfg, c)
	}, cfg.Chains, cfg.Tandem.PartnerName)

	var (
		lister  session.CharacterLister
		stories string
	)
	if cfg.Tandem.Mode == session.ModeStory {
		data, err := os.ReadFile(cfg.Tandem.StoriesFile)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("read stories: %w", err)
		}
		stories = string(data)
	} else {
		lister, err = a.characterLister(ctx, builder, model.NewOpenAIEmbedder(client, cfg.OpenAI.EmbeddingModel))
		if err != nil {
			a.Close()
			return nil, err
		}
	}

	factory := session.NewFactory(session.ChainBuilder(builder), lister, store, session.FactoryConfig{
		Mode:    cfg.Tandem.Mode,
		Stories: stories,
		Timeout: cfg.Session.GenerationTimeout,
	})
	registry := session.NewRegistry(factory, cfg.Session.TTL)
	speaker := speech.NewSpeaker(speech.NewOpenAISynthesizer(client, cfg.Speech), cfg.Speech.CacheDir, cfg.Speech.Format)

	a.chatService = service.NewChatService(registry, speaker, store, cfg.Tandem.StudentName)
	return a, nil
}

// characterLister 索引缺失时不阻止启动，创建会话时返回 ErrIndexNotFound
func (a *app) characterLister(ctx context.Context, builder *chain.Builder, embedder *model.OpenAIEmbedder) (session.CharacterLister, error) {
	index, err := retrieval.OpenStore(a.cfg.Retrieval.DBPath, false)
	if err != nil {
		if errors.Is(err, retrieval.ErrIndexNotFound) {
			logger.Warnf("Character index unavailable, run `tandem index` first: %v", err)
			return listerFunc(func(context.Context, string) (string, error) { return "", err }), nil
		}
		return nil, err
	}
	a.index = index

	selector, err := builder.Selector(ctx)
	if err != nil {
		return nil, err
	}
	r := retrieval.NewRetriever(index, embedder, a.cfg.Retrieval.Collection, a.cfg.Retrieval.TopK)
	return retrieval.NewHelper(r, selector), nil
}

func (a *app) Close() {
	if a.index != nil {
		if err := a.index.Close(); err != nil {
			logger.Errorf("close index: %v", err)
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			logger.Errorf("close storage: %v", err)
		}
	}
}
