package handler

import (
	"net/http"
	"time"

	"tandem-backend/internal/config"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
)

func NewRouter(cfg *config.Config, chatHandler *ChatHandler) *gin.Engine {
	router := gin.New()

	// 中间件
	router.Use(gin.Logger())
	router.Use(gin.Recovery())

	corsConfig := cors.Config{
		AllowOrigins:     cfg.CORS.AllowedOrigins,
		AllowMethods:     cfg.CORS.AllowedMethods,
		AllowHeaders:     cfg.CORS.AllowedHeaders,
		ExposeHeaders:    cfg.CORS.ExposedHeaders,
		AllowCredentials: cfg.CORS.AllowCredentials,
		MaxAge:           time.Duration(cfg.CORS.MaxAge) * time.Second,
	}
	router.Use(cors.New(corsConfig))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":    "ok",
			"timestamp": time.Now().Unix(),
		})
	})

	router.GET("/", chatHandler.Index)

	chat := router.Group("/chat")
	{
		chat.GET("", chatHandler.GetSession)
		chat.DELETE("", chatHandler.DeleteSession)
		chat.POST("/message", chatHandler.PostMessage)
		chat.GET("/response", chatHandler.GetResponse)
		chat.GET("/events", chatHandler.Events)
		chat.GET("/audio", chatHandler.Audio)
		chat.POST("/reset", chatHandler.ResetSession)
		chat.GET("/transcripts", chatHandler.ListTranscripts)
	}

	return router
}
