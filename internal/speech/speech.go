// Package speech 把助手回复的繁体部分合成为语音并缓存到磁盘
package speech

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"tandem-backend/internal/config"
	"tandem-backend/internal/model"
	"tandem-backend/pkg/logger"

	openai "github.com/sashabaranov/go-openai"
)

var (
	ErrIndexOutOfRange = errors.New("history index out of range")
	ErrNothingToSpeak  = errors.New("turn has no chinese text")
)

// Synthesizer 把文本合成为音频流
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) (io.ReadCloser, error)
}

type OpenAISynthesizer struct {
	client *openai.Client
	model  string
	voice  string
	format string
}

func NewOpenAISynthesizer(client *openai.Client, c config.SpeechConfig) *OpenAISynthesizer {
	return &OpenAISynthesizer{client: client, model: c.Model, voice: c.Voice, format: c.Format}
}

func (s *OpenAISynthesizer) Synthesize(ctx context.Context, text string) (io.ReadCloser, error) {
	resp, err := s.client.CreateSpeech(ctx, openai.CreateSpeechRequest{
		Model:          openai.SpeechModel(s.model),
		Input:          text,
		Voice:          openai.SpeechVoice(s.voice),
		ResponseFormat: openai.SpeechResponseFormat(s.format),
	})
	if err != nil {
		return nil, fmt.Errorf("openai speech: %w", err)
	}
	return resp, nil
}

// Speaker 按路径缓存合成结果，文件已存在时不再调用合成
type Speaker struct {
	synth    Synthesizer
	cacheDir string
	format   string

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewSpeaker(synth Synthesizer, cacheDir, format string) *Speaker {
	if format == "" {
		format = "mp3"
	}
	return &Speaker{synth: synth, cacheDir: cacheDir, format: format, locks: make(map[string]*sync.Mutex)}
}

// Path 音频缓存位置：<cache_dir>/<session id>/<index>.<format>
func (s *Speaker) Path(sessionID string, index int) string {
	return filepath.Join(s.cacheDir, sessionID, strconv.Itoa(index)+"."+s.format)
}

// Clear 删除会话的全部缓存音频，历史清空或记录删除后调用
func (s *Speaker) Clear(sessionID string) error {
	if sessionID == "" {
		return nil
	}
	dir := filepath.Join(s.cacheDir, sessionID)
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("remove audio cache %s: %w", dir, err)
	}
	return nil
}

func (s *Speaker) pathLock(path string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[path]
	if !ok {
		l = &sync.Mutex{}
		s.locks[path] = l
	}
	return l
}

// Speak 合成 turns[index] 的繁体部分并写入 path；path 已存在时直接返回
func (s *Speaker) Speak(ctx context.Context, turns []model.ChatTurn, index int, path string) error {
	if index < 0 || index >= len(turns) {
		return fmt.Errorf("%w: %d", ErrIndexOutOfRange, index)
	}

	l := s.pathLock(path)
	l.Lock()
	defer l.Unlock()

	if _, err := os.Stat(path); err == nil {
		return nil
	}

	text := model.ParseFormattedResponse(turns[index].Content).Traditional
	if text == "" {
		return ErrNothingToSpeak
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create audio directory: %w", err)
	}

	audio, err := s.synth.Synthesize(ctx, text)
	if err != nil {
		return err
	}
	defer audio.Close()

	tempPath := path + ".tmp"
	f, err := os.Create(tempPath)
	if err != nil {
		return fmt.Errorf("create audio file: %w", err)
	}
	if _, err := io.Copy(f, audio); err != nil {
		f.Close()
		os.Remove(tempPath)
		return fmt.Errorf("write audio: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("close audio file: %w", err)
	}
	if err := os.Rename(tempPath, path); err != nil {
		return fmt.Errorf("move audio file: %w", err)
	}

	logger.Debugf("synthesized %d characters to %s", len([]rune(text)), path)
	return nil
}
