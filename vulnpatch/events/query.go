package events

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/SiriusScan/vulnpatch-api/vulnpatch/postgres"
)

var ErrNotFound = errors.New("event not found")

// Filters narrows an event query.
type Filters struct {
	Limit      int
	Offset     int
	OwnerID    string
	Severity   string
	EventType  string
	EntityType string
	EntityID   string
	StartTime  *time.Time
	EndTime    *time.Time
}

// Stats aggregates stored events.
type Stats struct {
	TotalEvents  int              `json:"total_events"`
	BySeverity   map[string]int   `json:"by_severity"`
	ByType       map[string]int   `json:"by_type"`
	RecentEvents []postgres.Event `json:"recent_events"`
}

// Query reads stored events.
type Query struct {
	db *gorm.DB
}

func NewQuery(db *gorm.DB) *Query {
	return &Query{db: db}
}

func (q *Query) filtered(ctx context.Context, f Filters) *gorm.DB {
	query := q.db.WithContext(ctx).Model(&postgres.Event{})
	if f.OwnerID != "" {
		query = query.Where("owner_id = ?", f.OwnerID)
	}
	if f.Severity != "" {
		query = query.Where("severity = ?", f.Severity)
	}
	if f.EventType != "" {
		query = query.Where("event_type = ?", f.EventType)
	}
	if f.EntityType != "" {
		query = query.Where("entity_type = ?", f.EntityType)
	}
	if f.EntityID != "" {
		query = query.Where("entity_id = ?", f.EntityID)
	}
	if f.StartTime != nil {
		query = query.Where("timestamp >= ?", *f.StartTime)
	}
	if f.EndTime != nil {
		query = query.Where("timestamp <= ?", *f.EndTime)
	}
	return query
}

// List returns a page of matching events, newest first, and the total count.
func (q *Query) List(ctx context.Context, f Filters) ([]postgres.Event, int, error) {
	var total int64
	if err := q.filtered(ctx, f).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to count events: %w", err)
	}

	if f.Limit <= 0 {
		f.Limit = 50
	}
	if f.Limit > 500 {
		f.Limit = 500
	}
	if f.Offset < 0 {
		f.Offset = 0
	}

	var events []postgres.Event
	err := q.filtered(ctx, f).
		Order("timestamp DESC").
		Limit(f.Limit).
		Offset(f.Offset).
		Find(&events).Error
	if err != nil {
		return nil, 0, fmt.Errorf("failed to query events: %w", err)
	}
	return events, int(total), nil
}

func (q *Query) Get(ctx context.Context, eventID string) (*postgres.Event, error) {
	var ev postgres.Event
	if err := q.db.WithContext(ctx).Where("event_id = ?", eventID).First(&ev).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%s: %w", eventID, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get event: %w", err)
	}
	return &ev, nil
}

// Statistics summarizes the events visible to owner, or all when owner is empty.
func (q *Query) Statistics(ctx context.Context, owner string) (*Stats, error) {
	f := Filters{OwnerID: owner}
	stats := &Stats{
		BySeverity: make(map[string]int),
		ByType:     make(map[string]int),
	}

	var total int64
	if err := q.filtered(ctx, f).Count(&total).Error; err != nil {
		return nil, fmt.Errorf("failed to count events: %w", err)
	}
	stats.TotalEvents = int(total)

	var bySeverity []struct {
		Severity string
		Count    int
	}
	if err := q.filtered(ctx, f).Select("severity, COUNT(*) as count").Group("severity").Scan(&bySeverity).Error; err != nil {
		return nil, fmt.Errorf("failed to count by severity: %w", err)
	}
	for _, row := range bySeverity {
		stats.BySeverity[row.Severity] = row.Count
	}

	var byType []struct {
		EventType string
		Count     int
	}
	if err := q.filtered(ctx, f).Select("event_type, COUNT(*) as count").Group("event_type").Scan(&byType).Error; err != nil {
		return nil, fmt.Errorf("failed to count by type: %w", err)
	}
	for _, row := range byType {
		stats.ByType[row.EventType] = row.Count
	}

	if err := q.filtered(ctx, f).Order("timestamp DESC").Limit(10).Find(&stats.RecentEvents).Error; err != nil {
		return nil, fmt.Errorf("failed to get recent events: %w", err)
	}
	return stats, nil
}

// DeleteOlderThan removes events older than age.
func (q *Query) DeleteOlderThan(ctx context.Context, age time.Duration) (int64, error) {
	cutoff := time.Now().Add(-age)
	res := q.db.WithContext(ctx).Where("timestamp < ?", cutoff).Delete(&postgres.Event{})
	if res.Error != nil {
		return 0, fmt.Errorf("failed to delete old events: %w", res.Error)
	}
	return res.RowsAffected, nil
}
