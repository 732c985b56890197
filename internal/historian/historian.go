// Package historian drains closed-session records from the Redis history queue and persists
// them in batches.
package historian

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/jason-s-yu/matchmaker/internal/models"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// popTimeout bounds each BLPOP so cancellation and the flush ticker are noticed. Redis takes
// whole seconds here.
const popTimeout = time.Second

// Writer persists a batch of records atomically.
type Writer interface {
	WriteResults(ctx context.Context, recs []models.SessionResult) error
}

// Settings tune batching.
type Settings struct {
	Queue      string
	BatchSize  int
	FlushDelay time.Duration
}

// Service is the historian loop. One or more may run against the same queue.
type Service struct {
	rdb      redis.UniversalClient
	writer   Writer
	settings Settings
	log      logrus.FieldLogger

	batchMu sync.Mutex
	batch   []models.SessionResult
}

func New(rdb redis.UniversalClient, writer Writer, settings Settings, log logrus.FieldLogger) *Service {
	if settings.BatchSize <= 0 {
		settings.BatchSize = 20
	}
	if settings.FlushDelay <= 0 {
		settings.FlushDelay = 500 * time.Millisecond
	}
	return &Service{
		rdb:      rdb,
		writer:   writer,
		settings: settings,
		log:      log,
		batch:    make([]models.SessionResult, 0, settings.BatchSize),
	}
}

// Run pops records until ctx is cancelled, flushing whenever the batch fills or the flush
// delay passes. Records still unwritten at shutdown are pushed back onto the queue.
func (s *Service) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.settings.FlushDelay)
	defer ticker.Stop()

	s.log.WithField("queue", s.settings.Queue).Info("Historian started")
	defer s.shutdown()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.flush(ctx)
		default:
		}

		res, err := s.rdb.BLPop(ctx, popTimeout, s.settings.Queue).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) || ctx.Err() != nil {
				continue
			}
			s.log.WithError(err).Error("BLPop failed")
			select {
			case <-ctx.Done():
			case <-time.After(s.settings.FlushDelay):
			}
			continue
		}
		// res[0] is the queue name and res[1] the payload.
		if len(res) < 2 {
			continue
		}
		var rec models.SessionResult
		if err := json.Unmarshal([]byte(res[1]), &rec); err != nil || rec.SessionID == "" {
			s.log.WithError(err).Warn("Dropping invalid session result")
			continue
		}
		if s.append(rec) {
			s.flush(ctx)
		}
	}
}

// append adds rec and reports whether the batch is full.
func (s *Service) append(rec models.SessionResult) bool {
	s.batchMu.Lock()
	defer s.batchMu.Unlock()
	s.batch = append(s.batch, rec)
	return len(s.batch) >= s.settings.BatchSize
}

// flush writes the pending batch. A failed batch is kept for the next flush.
func (s *Service) flush(ctx context.Context) bool {
	s.batchMu.Lock()
	defer s.batchMu.Unlock()

	if len(s.batch) == 0 {
		return true
	}
	if err := s.writer.WriteResults(ctx, s.batch); err != nil {
		s.log.WithError(err).WithField("records", len(s.batch)).Error("Failed to flush session results")
		return false
	}
	s.log.WithField("records", len(s.batch)).Debug("Flushed session results")
	s.batch = s.batch[:0]
	return true
}

func (s *Service) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if s.flush(ctx) {
		s.log.Info("Historian stopped")
		return
	}

	s.batchMu.Lock()
	defer s.batchMu.Unlock()
	values := make([]any, 0, len(s.batch))
	for _, rec := range s.batch {
		data, err := json.Marshal(rec)
		if err != nil {
			continue
		}
		values = append(values, data)
	}
	if err := s.rdb.LPush(ctx, s.settings.Queue, values...).Err(); err != nil {
		s.log.WithError(err).WithField("records", len(values)).Error("Lost unflushed session results")
		return
	}
	s.log.WithField("records", len(values)).Warn("Returned unflushed session results to the queue")
	s.batch = s.batch[:0]
}
