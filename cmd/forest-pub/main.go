package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"time"

	"github.com/dc-dime/beiwe-backend/internal/config"
	"github.com/dc-dime/beiwe-backend/internal/queue"
)

// Manual dispatch tool: publishes a task id straight to the execution
// backend, the operator path for re-running a task after a pipeline error.
func main() {
	var (
		taskID = flag.String("task-id", "", "Task UUID to publish")
		expiry = flag.Duration("expiry", 5*time.Minute, "Dispatch expiry window")
		count  = flag.Int("count", 1, "How many times to publish the same message")
	)
	flag.Parse()

	if *taskID == "" {
		panic("missing --task-id")
	}
	if *count <= 0 {
		panic("--count must be > 0")
	}

	cfg := config.Load()

	q, err := queue.New(context.Background(), queue.Config{
		NATSURL:      cfg.NATSURL,
		StreamName:   cfg.NATSStreamName,
		ConsumerName: cfg.NATSConsumerName,
	})
	if err != nil {
		panic(err)
	}
	defer q.Close()

	msg := queue.TaskMessage{
		TaskID:    *taskID,
		ExpiresAt: time.Now().UTC().Add(*expiry),
	}

	b, _ := json.Marshal(msg)
	fmt.Printf("publishing %d time(s) to %s: %s\n", *count, queue.SubjectTasks, string(b))

	for i := 0; i < *count; i++ {
		if err := q.PublishTask(context.Background(), msg); err != nil {
			panic(err)
		}
	}

	fmt.Println("done")
}
