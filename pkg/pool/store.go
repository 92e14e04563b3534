package pool

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"gorm.io/gorm"

	"github.com/choraleia/chromepool/pkg/browser"
	"github.com/choraleia/chromepool/pkg/models"
	"github.com/choraleia/chromepool/pkg/utils"
)

// DefaultTouchInterval throttles last-activity writes per instance.
const DefaultTouchInterval = time.Second

// Store records instance lifecycles. A nil *Store is a no-op, so the
// manager runs the same way with persistence disabled.
type Store struct {
	db            *gorm.DB
	logger        *slog.Logger
	touchInterval time.Duration

	mu        sync.Mutex
	lastTouch map[string]time.Time
}

// NewStore wraps a migrated database.
func NewStore(db *gorm.DB) *Store {
	return &Store{
		db:            db,
		logger:        utils.GetLogger(),
		touchInterval: DefaultTouchInterval,
		lastTouch:     make(map[string]time.Time),
	}
}

// Save upserts the record for snap.
func (s *Store) Save(snap browser.Snapshot) {
	if s == nil {
		return
	}
	rec := &models.BrowserInstanceRecord{
		ID:             snap.ID,
		Fingerprint:    snap.Fingerprint,
		Executable:     snap.Config.Executable,
		Headless:       snap.Config.Headless,
		Debug:          snap.Config.Debug,
		Args:           models.StringList(snap.Config.Args),
		DevToolsAddr:   snap.Endpoint.HTTPAddr,
		DevToolsURL:    snap.Endpoint.WebSocketURL,
		Status:         models.BrowserInstanceStatus(snap.Status),
		CreatedAt:      snap.CreatedAt,
		LastActivityAt: snap.LastActivityAt,
	}
	if err := s.db.Save(rec).Error; err != nil {
		s.logger.Warn("Failed to save browser instance record", "browserID", snap.ID, "error", err)
	}
}

// Touch updates last_activity_at, at most once per touch interval.
func (s *Store) Touch(id string, at time.Time) {
	if s == nil {
		return
	}
	s.mu.Lock()
	if last, ok := s.lastTouch[id]; ok && at.Sub(last) < s.touchInterval {
		s.mu.Unlock()
		return
	}
	s.lastTouch[id] = at
	s.mu.Unlock()

	if err := s.db.Model(&models.BrowserInstanceRecord{}).
		Where("id = ?", id).
		Update("last_activity_at", at).Error; err != nil {
		s.logger.Warn("Failed to update browser activity", "browserID", id, "error", err)
	}
}

// PageOpened increments the page counter of an instance.
func (s *Store) PageOpened(id string) {
	if s == nil {
		return
	}
	if err := s.db.Model(&models.BrowserInstanceRecord{}).
		Where("id = ?", id).
		Update("pages_opened", gorm.Expr("pages_opened + 1")).Error; err != nil {
		s.logger.Warn("Failed to count page", "browserID", id, "error", err)
	}
}

// MarkClosed records the end of an instance's life.
func (s *Store) MarkClosed(id, reason string, at time.Time) {
	if s == nil {
		return
	}
	s.mu.Lock()
	delete(s.lastTouch, id)
	s.mu.Unlock()

	if err := s.db.Model(&models.BrowserInstanceRecord{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":       models.BrowserInstanceStatusClosed,
			"close_reason": reason,
			"closed_at":    at,
		}).Error; err != nil {
		s.logger.Warn("Failed to mark browser closed", "browserID", id, "error", err)
	}
}

// MarkStale closes every record a previous process left open. Those
// browsers died with their parent and cannot be reattached.
func (s *Store) MarkStale(at time.Time) (int64, error) {
	if s == nil {
		return 0, nil
	}
	res := s.db.Model(&models.BrowserInstanceRecord{}).
		Where("status <> ?", models.BrowserInstanceStatusClosed).
		Updates(map[string]interface{}{
			"status":       models.BrowserInstanceStatusClosed,
			"close_reason": models.CloseReasonStale,
			"closed_at":    at,
		})
	if res.Error != nil {
		return 0, fmt.Errorf("mark stale instances: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// History returns the most recent records, newest first. limit <= 0
// returns up to 100.
func (s *Store) History(limit int) ([]models.BrowserInstanceRecord, error) {
	if s == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	var records []models.BrowserInstanceRecord
	if err := s.db.Order("created_at DESC").Limit(limit).Find(&records).Error; err != nil {
		return nil, fmt.Errorf("list browser history: %w", err)
	}
	return records, nil
}

// Get returns one record.
func (s *Store) Get(id string) (*models.BrowserInstanceRecord, error) {
	if s == nil {
		return nil, ErrNotFound
	}
	var rec models.BrowserInstanceRecord
	if err := s.db.First(&rec, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &rec, nil
}
