package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/careops/medstock-auth/internal/config"
	"github.com/careops/medstock-auth/internal/notify"
	"github.com/careops/medstock-auth/libs/kafka"
	"github.com/careops/medstock-auth/libs/logging"
)

// notifierd drains the notification topic and delivers emails over SMTP.
// Delivery failures are retried by leaving the offset unmarked.
func main() {
	cfg, err := config.Load(os.Getenv("MEDSTOCK_CONFIG"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}

	logger := logging.NewLogger(cfg.LogLevel, "medstock-notifier", cfg.Env)

	if !cfg.Kafka.Enabled {
		logger.Error("kafka is disabled, nothing to consume")
		os.Exit(1)
	}

	consumer, err := kafka.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.ConsumerGroup, logger)
	if err != nil {
		logger.Error("consumer init failed", "error", err)
		os.Exit(1)
	}
	defer func() {
		_ = consumer.Close()
	}()

	dispatcher := notify.NewSMTPDispatcher(notify.SMTPConfig{
		Host:     cfg.SMTP.Host,
		Port:     cfg.SMTP.Port,
		User:     cfg.SMTP.User,
		Password: cfg.SMTP.Password,
		From:     cfg.SMTP.From,
		AppName:  cfg.SMTP.AppName,
	})
	handler := notify.NewEmailEventHandler(dispatcher, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		stop := make(chan os.Signal, 1)
		signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
		<-stop
		logger.Info("shutdown started")
		cancel()
	}()

	logger.Info("notifier starting", "topic", cfg.Kafka.NotificationsTopic, "group", cfg.Kafka.ConsumerGroup)
	if err := consumer.Consume(ctx, []string{cfg.Kafka.NotificationsTopic}, handler); err != nil && err != context.Canceled {
		logger.Error("consumer stopped", "error", err)
		os.Exit(1)
	}
	logger.Info("shutdown complete")
}
