package main

import (
	"fmt"
	"os"

	"tandem-backend/internal/config"
	"tandem-backend/pkg/logger"

	"github.com/spf13/cobra"
)

var (
	configPath string
	logLevel   string
	version    = "dev"
)

var rootCmd = &cobra.Command{
	Use:   "tandem",
	Short: "Practice Chinese with an AI tandem partner",
	Long: `Tandem pairs you with Lang, an AI tandem partner who answers in Chinese.

Every reply comes in traditional characters, Pinyin and an English
translation. A conversation topic selects the characters Lang tries to
work into the conversation.

Quick Start:
  tandem index --input data/3000-traditional-hanzi.tsv   # build the character index
  tandem chat --topic "household chores"                 # talk in the terminal
  tandem serve                                           # start the HTTP server`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute 运行根命令
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "./configs/config.yaml", "配置文件路径")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "覆盖配置中的日志级别")
	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	rootCmd.AddCommand(serveCmd, chatCmd, indexCmd)
}

// loadConfig 读取配置并初始化日志，validate 为 true 时缺少凭据直接报错
func loadConfig(validate bool) (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if err := logger.Init(cfg.Log.Level, cfg.Log.Format); err != nil {
		return nil, fmt.Errorf("failed to init logger: %w", err)
	}
	if validate {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}
