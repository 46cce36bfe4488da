package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"tandem-backend/internal/handler"
	"tandem-backend/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP server",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 0, "监听端口，默认使用配置")
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(true)
	if err != nil {
		return err
	}
	if servePort > 0 {
		cfg.Server.Port = servePort
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	cleanupDone := make(chan struct{})
	go func() {
		defer close(cleanupDone)
		a.chatService.RunCleanup(ctx, cfg.Session.TTL, cfg.Session.CleanupInterval)
	}()

	gin.SetMode(gin.ReleaseMode)
	router := handler.NewRouter(cfg, handler.NewChatHandler(a.chatService))

	server := &http.Server{
		Addr:           fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:        router,
		ReadTimeout:    cfg.Server.ReadTimeout,
		WriteTimeout:   cfg.Server.WriteTimeout,
		MaxHeaderBytes: cfg.Server.MaxHeaderBytes,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Infof("服务器启动在端口 %d", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		stop()
		<-cleanupDone
		return fmt.Errorf("服务器启动失败: %w", err)
	case <-ctx.Done():
	}

	logger.Info("服务器正在关闭...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("服务器关闭失败: %v", err)
	}

	<-cleanupDone
	if err := a.chatService.Backup(); err != nil {
		logger.Errorf("备份对话记录失败: %v", err)
	}
	logger.Info("服务器已关闭")
	return nil
}
