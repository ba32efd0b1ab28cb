package storage

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
)

// ArchiveEventsBefore copies events older than cutoff into archived_events
// and deletes the originals. Returns the number archived.
func (c *Client) ArchiveEventsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	filter := bson.M{"date_time": bson.M{"$lt": cutoff}}

	cur, err := c.col(ColEvents).Find(ctx, filter)
	if err != nil {
		return 0, fmt.Errorf("storage: find old events: %w", err)
	}
	var docs []any
	for cur.Next(ctx) {
		var raw bson.M
		if err := cur.Decode(&raw); err != nil {
			_ = cur.Close(ctx)
			return 0, fmt.Errorf("storage: decode event: %w", err)
		}
		raw["archived_at"] = time.Now().UTC()
		docs = append(docs, raw)
	}
	if err := cur.Err(); err != nil {
		_ = cur.Close(ctx)
		return 0, fmt.Errorf("storage: iterate old events: %w", err)
	}
	_ = cur.Close(ctx)

	if len(docs) == 0 {
		return 0, nil
	}

	// Copy first, delete after: a failure between the two leaves duplicates
	// in archived_events, never lost events.
	if _, err := c.col(ColArchivedEvents).InsertMany(ctx, docs); err != nil {
		return 0, fmt.Errorf("storage: insert archived events: %w", err)
	}
	res, err := c.col(ColEvents).DeleteMany(ctx, filter)
	if err != nil {
		return 0, fmt.Errorf("storage: delete archived events: %w", err)
	}
	return res.DeletedCount, nil
}

// ExpireSubscriptionsDue flips active subscriptions past their end date to
// expired and returns the affected records for notification.
func (c *Client) ExpireSubscriptionsDue(ctx context.Context, now time.Time) ([]Subscription, error) {
	filter := bson.M{"status": "active", "end_date": bson.M{"$lt": now}}

	cur, err := c.col(ColSubscriptions).Find(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("storage: find due subscriptions: %w", err)
	}
	var due []Subscription
	if err := cur.All(ctx, &due); err != nil {
		return nil, fmt.Errorf("storage: decode due subscriptions: %w", err)
	}
	if len(due) == 0 {
		return nil, nil
	}

	_, err = c.col(ColSubscriptions).UpdateMany(ctx, filter, bson.M{
		"$set": bson.M{"status": "expired"},
	})
	if err != nil {
		return nil, fmt.Errorf("storage: expire subscriptions: %w", err)
	}
	return due, nil
}

// AppendHealthReport persists a probe run (append-only).
func (c *Client) AppendHealthReport(ctx context.Context, r HealthReport) error {
	_, err := c.col(ColHealthLogs).InsertOne(ctx, r)
	if err != nil {
		return fmt.Errorf("storage: append health report: %w", err)
	}
	return nil
}

// AppendMaintenanceLog persists a job run record (append-only).
func (c *Client) AppendMaintenanceLog(ctx context.Context, e MaintenanceLogEntry) error {
	_, err := c.col(ColMaintenanceLogs).InsertOne(ctx, e)
	if err != nil {
		return fmt.Errorf("storage: append maintenance log: %w", err)
	}
	return nil
}

// PutBackupArtifact registers a produced archive.
func (c *Client) PutBackupArtifact(ctx context.Context, a BackupArtifact) error {
	_, err := c.col(ColBackupArtifacts).InsertOne(ctx, a)
	if err != nil {
		return fmt.Errorf("storage: put backup artifact: %w", err)
	}
	return nil
}

// ExpiredBackupArtifacts lists artifacts whose retention has lapsed.
func (c *Client) ExpiredBackupArtifacts(ctx context.Context, now time.Time) ([]BackupArtifact, error) {
	cur, err := c.col(ColBackupArtifacts).Find(ctx, bson.M{
		"retention_expiry": bson.M{"$lt": now},
	})
	if err != nil {
		return nil, fmt.Errorf("storage: find expired artifacts: %w", err)
	}
	var out []BackupArtifact
	if err := cur.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("storage: decode expired artifacts: %w", err)
	}
	return out, nil
}

// DeleteBackupArtifact removes a registry entry.
func (c *Client) DeleteBackupArtifact(ctx context.Context, path string) error {
	_, err := c.col(ColBackupArtifacts).DeleteOne(ctx, bson.M{"_id": path})
	if err != nil {
		return fmt.Errorf("storage: delete backup artifact: %w", err)
	}
	return nil
}
