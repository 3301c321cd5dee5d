package repo

import (
	"context"
	"time"

	"github.com/richardliu001/custody-ledger/internal/model"
	"gorm.io/gorm"
)

// CreateOutboxEvent writes event.
func (r *Repository) CreateOutboxEvent(ctx context.Context, tx *gorm.DB, evt *model.OutboxEvent) error {
	return tx.WithContext(ctx).Create(evt).Error
}

// PollOutbox pulls unprocessed events created before olderThan. The grace
// period leaves room for the submission path to publish and mark its own
// event before the relay picks it up.
func (r *Repository) PollOutbox(ctx context.Context, limit int, olderThan time.Time) ([]model.OutboxEvent, error) {
	var evts []model.OutboxEvent
	err := r.db.WithContext(ctx).
		Where("processed = ? AND created_at < ?", false, olderThan).
		Order("created_at").
		Limit(limit).
		Find(&evts).Error
	return evts, err
}

// MarkOutboxProcessed sets processed flag.
func (r *Repository) MarkOutboxProcessed(ctx context.Context, id uint64) error {
	now := time.Now()
	return r.db.WithContext(ctx).Model(&model.OutboxEvent{}).Where("id = ?", id).
		Updates(map[string]interface{}{"processed": true, "processed_at": &now}).Error
}
