// Package queue wraps hibiken/asynq with this service's task-type and
// queue-priority conventions.
package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog/log"
)

// Task types the reconciliation server enqueues.
const (
	TypeProcessSyncBatch = "sync:process_batch"
)

// Queue priority constants.
const (
	QueueCritical = "critical"
	QueueDefault  = "default"
	QueueLow      = "low"
)

var QueueConfig = map[string]int{
	QueueCritical: 6,
	QueueDefault:  3,
	QueueLow:      1,
}

// Client wraps asynq.Client with logging.
type Client struct {
	*asynq.Client
}

func NewClient(redisURL string) (*Client, error) {
	opt, err := asynq.ParseRedisURI(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := asynq.NewClient(opt)
	log.Info().Msg("asynq client connected")
	return &Client{Client: client}, nil
}

func (c *Client) EnqueueTask(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	info, err := c.Enqueue(task, opts...)
	if err != nil {
		return nil, fmt.Errorf("enqueue task %s: %w", task.Type(), err)
	}
	log.Debug().Str("task_id", info.ID).Str("task_type", task.Type()).Str("queue", info.Queue).Msg("task enqueued")
	return info, nil
}

// Server wraps asynq.Server with a ServeMux behind a
// HandleFunc/Run/Shutdown surface.
type Server struct {
	*asynq.Server
	mux *asynq.ServeMux
}

type ServerConfig struct {
	RedisURL    string
	Concurrency int
	LogLevel    asynq.LogLevel
}

func NewServer(cfg ServerConfig) (*Server, error) {
	opt, err := asynq.ParseRedisURI(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	if cfg.Concurrency == 0 {
		cfg.Concurrency = 10
	}

	server := asynq.NewServer(opt, asynq.Config{
		Concurrency: cfg.Concurrency,
		Queues:      QueueConfig,
		LogLevel:    cfg.LogLevel,
		ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
			retried, _ := asynq.GetRetryCount(ctx)
			maxRetry, _ := asynq.GetMaxRetry(ctx)
			log.Error().Err(err).Str("task_type", task.Type()).Int("retried", retried).Int("max_retry", maxRetry).Msg("task failed")
		}),
		RetryDelayFunc: func(n int, err error, task *asynq.Task) time.Duration {
			return time.Duration(10*(1<<uint(n))) * time.Second
		},
	})

	mux := asynq.NewServeMux()
	mux.Use(loggingMiddleware)

	log.Info().Int("concurrency", cfg.Concurrency).Msg("asynq server initialized")
	return &Server{Server: server, mux: mux}, nil
}

func (s *Server) HandleFunc(taskType string, handler func(context.Context, *asynq.Task) error) {
	s.mux.HandleFunc(taskType, handler)
	log.Debug().Str("task_type", taskType).Msg("handler function registered")
}

func (s *Server) Run() error {
	log.Info().Msg("starting asynq server")
	return s.Server.Run(s.mux)
}

func (s *Server) Shutdown() {
	log.Info().Msg("shutting down asynq server")
	s.Server.Shutdown()
}

func loggingMiddleware(h asynq.Handler) asynq.Handler {
	return asynq.HandlerFunc(func(ctx context.Context, t *asynq.Task) error {
		start := time.Now()
		taskID, _ := asynq.GetTaskID(ctx)
		log.Debug().Str("task_id", taskID).Str("task_type", t.Type()).Msg("processing task")

		err := h.ProcessTask(ctx, t)

		duration := time.Since(start)
		if err != nil {
			log.Error().Err(err).Str("task_id", taskID).Str("task_type", t.Type()).Dur("duration", duration).Msg("task failed")
			return err
		}
		log.Debug().Str("task_id", taskID).Str("task_type", t.Type()).Dur("duration", duration).Msg("task processed")
		return nil
	})
}
