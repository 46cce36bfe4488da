package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Model     ModelConfig     `mapstructure:"model"`
	OpenAI    OpenAIConfig    `mapstructure:"openai"`
	Doubao    DoubaoConfig    `mapstructure:"doubao"`
	Qwen      QwenConfig      `mapstructure:"qwen"`
	Chains    ChainsConfig    `mapstructure:"chains"`
	Tandem    TandemConfig    `mapstructure:"tandem"`
	Retrieval RetrievalConfig `mapstructure:"retrieval"`
	Speech    SpeechConfig    `mapstructure:"speech"`
	CORS      CORSConfig      `mapstructure:"cors"`
	Log       LogConfig       `mapstructure:"log"`
	Session   SessionConfig   `mapstructure:"session"`
	Storage   StorageConfig   `mapstructure:"storage"`
}

type ServerConfig struct {
	Port           int           `mapstructure:"port"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	MaxHeaderBytes int           `mapstructure:"max_header_bytes"`
}

// ModelConfig 选择对话模型的提供方：openai | doubao | qwen
type ModelConfig struct {
	Provider string `mapstructure:"provider"`
}

type OpenAIConfig struct {
	APIKey         string        `mapstructure:"api_key"`
	BaseURL        string        `mapstructure:"base_url"`
	EmbeddingModel string        `mapstructure:"embedding_model"`
	Timeout        time.Duration `mapstructure:"timeout"`
}

type DoubaoConfig struct {
	APIKey    string        `mapstructure:"api_key"`
	BaseURL   string        `mapstructure:"base_url"`
	MaxTokens int           `mapstructure:"max_tokens"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

type QwenConfig struct {
	APIKey       string        `mapstructure:"api_key"`
	BaseURL      string        `mapstructure:"base_url"`
	MaxTokens    int           `mapstructure:"max_tokens"`
	TopP         float32       `mapstructure:"top_p"`
	Timeout      time.Duration `mapstructure:"timeout"`
	DebugRequest bool          `mapstructure:"debug_request"`
}

// ChainConfig 单条提示链使用的模型名与温度
type ChainConfig struct {
	Model       string  `mapstructure:"model"`
	Temperature float32 `mapstructure:"temperature"`
}

type ChainsConfig struct {
	Contextualizer ChainConfig `mapstructure:"contextualizer"`
	Tandem         ChainConfig `mapstructure:"tandem"`
	Converter      ChainConfig `mapstructure:"converter"`
	Selector       ChainConfig `mapstructure:"selector"`
}

type TandemConfig struct {
	PartnerName  string `mapstructure:"partner_name"`
	StudentName  string `mapstructure:"student_name"`
	Mode         string `mapstructure:"mode"` // characters | story
	StoriesFile  string `mapstructure:"stories_file"`
	DefaultTopic string `mapstructure:"default_topic"`
}

type RetrievalConfig struct {
	DBPath     string `mapstructure:"db_path"`
	Collection string `mapstructure:"collection"`
	TopK       int    `mapstructure:"top_k"`
	BatchSize  int    `mapstructure:"batch_size"`
}

type SpeechConfig struct {
	Model    string `mapstructure:"model"`
	Voice    string `mapstructure:"voice"`
	Format   string `mapstructure:"format"`
	CacheDir string `mapstructure:"cache_dir"`
}

type CORSConfig struct {
	AllowedOrigins   []string `mapstructure:"allowed_origins"`
	AllowedMethods   []string `mapstructure:"allowed_methods"`
	AllowedHeaders   []string `mapstructure:"allowed_headers"`
	ExposedHeaders   []string `mapstructure:"exposed_headers"`
	AllowCredentials bool     `mapstructure:"allow_credentials"`
	MaxAge           int      `mapstructure:"max_age"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// SessionConfig TTL 为 0 时会话不过期
type SessionConfig struct {
	TTL               time.Duration `mapstructure:"ttl"`
	CleanupInterval   time.Duration `mapstructure:"cleanup_interval"`
	GenerationTimeout time.Duration `mapstructure:"generation_timeout"`
}

type StorageConfig struct {
	Type      string `mapstructure:"type"`
	DataDir   string `mapstructure:"data_dir"`
	CacheSize int    `mapstructure:"cache_size"`
}

var ErrMissingAPIKey = errors.New("missing api key")

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 5*time.Minute)
	v.SetDefault("server.max_header_bytes", 1<<20)

	v.SetDefault("model.provider", "openai")
	v.SetDefault("openai.api_key", "")
	v.SetDefault("openai.base_url", "")
	v.SetDefault("doubao.api_key", "")
	v.SetDefault("qwen.api_key", "")
	v.SetDefault("openai.embedding_model", "text-embedding-3-small")
	v.SetDefault("openai.timeout", 2*time.Minute)
	v.SetDefault("doubao.timeout", 2*time.Minute)
	v.SetDefault("qwen.base_url", "https://dashscope.aliyuncs.com/compatible-mode/v1")
	v.SetDefault("qwen.timeout", 2*time.Minute)

	v.SetDefault("chains.contextualizer.model", "gpt-3.5-turbo")
	v.SetDefault("chains.contextualizer.temperature", 0)
	v.SetDefault("chains.tandem.model", "gpt-4o-mini")
	v.SetDefault("chains.tandem.temperature", 0.7)
	v.SetDefault("chains.converter.model", "gpt-4o-mini")
	v.SetDefault("chains.converter.temperature", 0)
	v.SetDefault("chains.selector.model", "gpt-4o-mini")
	v.SetDefault("chains.selector.temperature", 0.5)

	v.SetDefault("tandem.partner_name", "Lang")
	v.SetDefault("tandem.student_name", "Student")
	v.SetDefault("tandem.mode", "characters")
	v.SetDefault("tandem.default_topic", "household chores")

	v.SetDefault("retrieval.db_path", "./data/chroma.db")
	v.SetDefault("retrieval.collection", "3000-traditional-hanzi")
	v.SetDefault("retrieval.top_k", 10)
	v.SetDefault("retrieval.batch_size", 100)

	v.SetDefault("speech.model", "tts-1")
	v.SetDefault("speech.voice", "nova")
	v.SetDefault("speech.format", "mp3")
	v.SetDefault("speech.cache_dir", "./data/audio")

	v.SetDefault("cors.allowed_origins", []string{"*"})
	v.SetDefault("cors.allowed_methods", []string{"GET", "POST", "DELETE", "OPTIONS"})
	v.SetDefault("cors.allowed_headers", []string{"Origin", "Content-Type"})
	v.SetDefault("cors.max_age", 600)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	v.SetDefault("session.cleanup_interval", 10*time.Minute)
	v.SetDefault("session.generation_timeout", 3*time.Minute)

	v.SetDefault("storage.type", "memory")
	v.SetDefault("storage.data_dir", "./data/sessions")
	v.SetDefault("storage.cache_size", 100)
}

// Load 读取配置文件；configPath 为空或文件不存在时只使用默认值和环境变量
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("TANDEM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("read config %s: %w", configPath, err)
			}
		}
	}

	c := &Config{}
	if err := v.Unmarshal(c); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// 配置文件优先，未设置时回退到各提供方的惯用环境变量
	if c.OpenAI.APIKey == "" {
		c.OpenAI.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if c.Doubao.APIKey == "" {
		if apiKey := os.Getenv("DOUBAO_API_KEY"); apiKey != "" {
			c.Doubao.APIKey = apiKey
		}
		if apiKey := os.Getenv("ARK_API_KEY"); apiKey != "" {
			c.Doubao.APIKey = apiKey
		}
	}
	if c.Qwen.APIKey == "" {
		c.Qwen.APIKey = os.Getenv("DASHSCOPE_API_KEY")
	}

	return c, nil
}

// Validate 检查启动所需的凭据；缺失时调用方应直接退出
func (c *Config) Validate() error {
	switch c.Model.Provider {
	case "openai":
		if c.OpenAI.APIKey == "" {
			return fmt.Errorf("%w: openai (set OPENAI_API_KEY)", ErrMissingAPIKey)
		}
	case "doubao":
		if c.Doubao.APIKey == "" {
			return fmt.Errorf("%w: doubao (set ARK_API_KEY)", ErrMissingAPIKey)
		}
	case "qwen":
		if c.Qwen.APIKey == "" {
			return fmt.Errorf("%w: qwen (set DASHSCOPE_API_KEY)", ErrMissingAPIKey)
		}
	default:
		return fmt.Errorf("unsupported model provider: %s", c.Model.Provider)
	}

	// 向量检索和语音合成总是走 OpenAI
	if c.OpenAI.APIKey == "" {
		return fmt.Errorf("%w: openai embeddings/speech (set OPENAI_API_KEY)", ErrMissingAPIKey)
	}

	if c.Tandem.Mode == "story" && c.Tandem.StoriesFile == "" {
		return errors.New("tandem.mode=story requires tandem.stories_file")
	}
	return nil
}
