package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/terminal-bench/solarwatch/internal/card"
	"github.com/terminal-bench/solarwatch/internal/config"
	"github.com/terminal-bench/solarwatch/internal/hub"
	"github.com/terminal-bench/solarwatch/internal/logging"
	"github.com/terminal-bench/solarwatch/internal/registry"
	"github.com/terminal-bench/solarwatch/pkg/messaging"
)

func main() {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8090"
	}
	hubURL := os.Getenv("HUB_URL")
	hubToken := os.Getenv("HUB_TOKEN")
	if hubURL == "" || hubToken == "" {
		log.Fatal("HUB_URL and HUB_TOKEN are required")
	}
	cardPath := os.Getenv("CARD_CONFIG")
	if cardPath == "" {
		cardPath = "card.toml"
	}
	natsURL := os.Getenv("NATS_URL")

	logger := logging.New(os.Getenv("LOG_LEVEL"))

	cfg, err := config.Load(cardPath)
	if err != nil {
		log.Fatalf("Failed to load card config: %v", err)
	}

	hubClient, err := hub.NewClient(hub.Config{URL: hubURL, Token: hubToken}, logger)
	if err != nil {
		log.Fatalf("Failed to create hub client: %v", err)
	}

	var natsClient *messaging.Client
	if natsURL != "" {
		natsClient, err = messaging.NewClient(messaging.Config{
			URL:           natsURL,
			Name:          "solarwatch",
			ReconnectWait: time.Second,
			MaxReconnects: 5,
		})
		if err != nil {
			log.Fatalf("Failed to connect to NATS: %v", err)
		}
		defer natsClient.Close()
	}

	regs := registry.NewCache(hubClient, logger)

	// The card is bound after construction, so the change callback reads it
	// through this variable.
	var solarCard *card.Card
	onChanged := func() {
		if natsClient == nil || solarCard == nil {
			return
		}
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			payload := gin.H{
				"yield_today": solarCard.TodayYield(),
				"grid_today":  solarCard.TodayGridConsumption(),
				"top_devices": solarCard.TopDevices(solarCard.Config().TopDevicesMax),
			}
			if err := natsClient.PublishEvent(ctx, messaging.SubjectCardUpdated, payload); err != nil {
				logger.Warn("publish card update failed", "error", err)
			}
			if solarCard.Config().ShowTopDevices {
				devices := gin.H{"devices": solarCard.TopDevices(solarCard.Config().TopDevicesMax)}
				if err := natsClient.PublishEvent(ctx, messaging.SubjectDevicesUpdated, devices); err != nil {
					logger.Warn("publish devices update failed", "error", err)
				}
			}
		}()
	}

	solarCard = card.New(cfg, regs, hubClient, hubClient, hubClient, logger, onChanged, nil, nil)
	hubClient.OnSnapshot(solarCard.HandleSnapshot)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		if err := hubClient.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error("hub connection loop exited", "error", err)
		}
	}()

	solarCard.Start()

	r := gin.Default()

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "healthy"})
	})

	r.GET("/api/v1/card", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"production":  solarCard.CurrentProduction(),
			"consumption": solarCard.CurrentConsumption(),
			"yield_today": solarCard.TodayYield(),
			"grid_today":  solarCard.TodayGridConsumption(),
			"top_devices": solarCard.TopDevices(solarCard.Config().TopDevicesMax),
		})
	})

	r.GET("/api/v1/devices/top", func(c *gin.Context) {
		max := clampMax(c.DefaultQuery("max", ""), solarCard.Config().TopDevicesMax)
		c.JSON(http.StatusOK, gin.H{"devices": solarCard.TopDevices(max)})
	})

	r.GET("/api/v1/devices/top/statistics", func(c *gin.Context) {
		max := clampMax(c.DefaultQuery("max", ""), solarCard.Config().TopDevicesMax)
		devices, err := solarCard.Aggregator().TopDevicesByStatistics(c.Request.Context(), max)
		if err != nil {
			c.JSON(http.StatusBadGateway, gin.H{"error": "statistics unavailable"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"devices": devices})
	})

	r.GET("/api/v1/metrics/today/:entity", func(c *gin.Context) {
		value, known := solarCard.TodayDelta(c.Param("entity"))
		c.JSON(http.StatusOK, gin.H{"entity": c.Param("entity"), "value": value, "known": known})
	})

	srv := &http.Server{
		Addr:    ":" + port,
		Handler: r,
	}

	go func() {
		logger.Info("solarwatch listening", "port", port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")
	cancel()
	solarCard.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown failed", "error", err)
	}
}

func clampMax(raw string, def int) int {
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return def
	}
	if n > 8 {
		return 8
	}
	return n
}
