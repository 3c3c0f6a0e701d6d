package reconciliation

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog/log"

	"github.com/festivals-labs/offline-core/internal/domain/model"
	"github.com/festivals-labs/offline-core/internal/infrastructure/queue"
)

// ProcessSyncBatchPayload is the asynq task payload for a batch that
// exceeded the handler's synchronous-processing threshold.
type ProcessSyncBatchPayload struct {
	DeviceID     string           `json:"deviceId"`
	Transactions []model.WireForm `json:"transactions"`
}

// SyncWorker processes large offline-transaction batches off the
// request path.
type SyncWorker struct {
	service *Service
}

func NewSyncWorker(service *Service) *SyncWorker {
	return &SyncWorker{service: service}
}

// RegisterHandlers registers the worker's task handlers on server.
func (w *SyncWorker) RegisterHandlers(server *queue.Server) {
	server.HandleFunc(queue.TypeProcessSyncBatch, w.HandleProcessSyncBatch)
}

// HandleProcessSyncBatch applies a deferred batch exactly the way the
// synchronous handler would, logging per-outcome counts.
func (w *SyncWorker) HandleProcessSyncBatch(ctx context.Context, task *asynq.Task) error {
	var payload ProcessSyncBatchPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("unmarshal process-sync-batch payload: %w", err)
	}

	taskID, _ := asynq.GetTaskID(ctx)
	retryCount, _ := asynq.GetRetryCount(ctx)

	log.Info().
		Str("task_id", taskID).
		Str("device_id", payload.DeviceID).
		Int("transaction_count", len(payload.Transactions)).
		Int("retry", retryCount).
		Msg("processing deferred sync batch")

	start := time.Now()
	result, err := w.service.processSync(ctx, BatchUploadRequest{DeviceID: payload.DeviceID, Transactions: payload.Transactions})
	if err != nil {
		return fmt.Errorf("process deferred batch: %w", err)
	}

	accepted, rejected, duplicate := 0, 0, 0
	for _, r := range result.Results {
		switch r.Outcome {
		case model.OutcomeAccepted:
			accepted++
		case model.OutcomeRejected:
			rejected++
		case model.OutcomeDuplicate:
			duplicate++
		}
	}

	log.Info().
		Str("task_id", taskID).
		Str("device_id", payload.DeviceID).
		Int("accepted", accepted).
		Int("rejected", rejected).
		Int("duplicate", duplicate).
		Dur("duration", time.Since(start)).
		Msg("deferred sync batch processed")

	return nil
}

// EnqueueBatch builds the enqueue function Service.SetAsyncEnqueuer
// expects, backed by an asynq client.
func EnqueueBatch(client *queue.Client) func(ctx context.Context, deviceID string, txs []model.WireForm) error {
	return func(ctx context.Context, deviceID string, txs []model.WireForm) error {
		payload, err := json.Marshal(ProcessSyncBatchPayload{DeviceID: deviceID, Transactions: txs})
		if err != nil {
			return fmt.Errorf("marshal process-sync-batch payload: %w", err)
		}
		task := asynq.NewTask(queue.TypeProcessSyncBatch, payload)
		_, err = client.EnqueueTask(ctx, task, asynq.Queue(queue.QueueDefault))
		return err
	}
}
