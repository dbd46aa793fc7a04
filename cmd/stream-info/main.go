package main

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/dc-dime/beiwe-backend/internal/config"
	"github.com/dc-dime/beiwe-backend/internal/logging"
	"github.com/dc-dime/beiwe-backend/internal/queue"
)

// Prints the dispatch stream's configuration and state.
func main() {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		panic(err)
	}

	logger, err := logging.New(logging.Config{Level: cfg.LogLevel, Env: cfg.Env})
	if err != nil {
		panic(err)
	}
	defer func() { _ = logger.Sync() }()

	q, err := queue.New(context.Background(), queue.Config{
		NATSURL:      cfg.NATSURL,
		StreamName:   cfg.NATSStreamName,
		ConsumerName: "stream-info",
	})
	if err != nil {
		logger.Fatal("nats connection failed", zap.Error(err))
	}
	defer q.Close()

	info, err := q.JetStream().StreamInfo(cfg.NATSStreamName)
	if err != nil {
		logger.Fatal("StreamInfo failed", zap.Error(err))
	}

	fmt.Println("STREAM:", info.Config.Name)
	fmt.Println("SUBJECTS:")
	for _, s := range info.Config.Subjects {
		fmt.Println(" -", s)
	}
	fmt.Println("STATE:", "msgs=", info.State.Msgs, "bytes=", info.State.Bytes)
}
