package storage

import (
	"fmt"

	"tandem-backend/internal/config"
	"tandem-backend/internal/model"
)

type Storage interface {
	// 会话记录
	CreateTranscript(t *model.Transcript) error
	GetTranscript(id string) (*model.Transcript, error)
	UpdateTranscript(t *model.Transcript) error
	DeleteTranscript(id string) error
	ListTranscripts() ([]*model.Transcript, error)

	// 发言
	AppendTurn(id string, turn model.ChatTurn) error
	GetTurns(id string) ([]model.ChatTurn, error)
	ClearTurns(id string) error

	// 存储管理
	Init() error
	Close() error
	Backup() error
}

// New 按配置创建并初始化存储
func New(c config.StorageConfig) (Storage, error) {
	var s Storage
	switch c.Type {
	case "memory", "":
		s = NewMemoryStorage()
	case "disk":
		s = NewDiskStorage(c.DataDir, c.CacheSize)
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", c.Type)
	}
	if err := s.Init(); err != nil {
		return nil, err
	}
	return s, nil
}
