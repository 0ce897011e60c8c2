package notify

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/kasuganosora/relationd/server/model"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Dispatcher persists user notifications asynchronously in batches.
type Dispatcher struct {
	db     *gorm.DB
	ch     chan *model.Notification
	stopCh chan struct{}
	wg     sync.WaitGroup
	logger *zap.Logger
}

// New creates a Dispatcher and starts its background worker.
func New(db *gorm.DB, logger *zap.Logger) *Dispatcher {
	d := &Dispatcher{
		db:     db,
		ch:     make(chan *model.Notification, 1024),
		stopCh: make(chan struct{}),
		logger: logger,
	}
	d.wg.Add(1)
	go d.worker()
	return d
}

// Dispatch enqueues a notification for async DB write.
func (d *Dispatcher) Dispatch(userID, kind string, payload map[string]interface{}) {
	payloadJSON, _ := json.Marshal(payload)
	record := &model.Notification{
		UserID:  userID,
		Kind:    kind,
		Payload: datatypes.JSON(payloadJSON),
	}
	select {
	case d.ch <- record:
	default:
		d.logger.Warn("notification channel full, dropping entry",
			zap.String("kind", kind),
			zap.String("user_id", userID))
	}
}

// Stop flushes remaining notifications and shuts down the worker.
// It blocks until the worker goroutine has finished.
func (d *Dispatcher) Stop(_ context.Context) {
	select {
	case <-d.stopCh:
	default:
		close(d.stopCh)
	}
	d.wg.Wait()
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	batch := make([]*model.Notification, 0, 100)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := d.db.Create(&batch).Error; err != nil {
			d.logger.Error("notification batch write failed", zap.Error(err))
		}
		batch = batch[:0]
	}

	for {
		select {
		case record := <-d.ch:
			batch = append(batch, record)
			if len(batch) >= 100 {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-d.stopCh:
			// Drain remaining entries.
			for {
				select {
				case record := <-d.ch:
					batch = append(batch, record)
				default:
					flush()
					return
				}
			}
		}
	}
}
