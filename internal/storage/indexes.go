package storage

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// EnsureIndexes creates the collection indexes. CreateMany is idempotent,
// so this runs at startup and again from the scheduled index job.
func (c *Client) EnsureIndexes(ctx context.Context) error {
	type spec struct {
		col    string
		models []mongo.IndexModel
	}

	asc := func(keys ...string) bson.D {
		d := make(bson.D, 0, len(keys))
		for _, k := range keys {
			d = append(d, bson.E{Key: k, Value: 1})
		}
		return d
	}

	specs := []spec{
		{ColUsers, []mongo.IndexModel{
			{Keys: asc("telegram_id"), Options: options.Index().SetUnique(true)},
			{Keys: asc("ogs_username")},
			{Keys: asc("rank")},
			{Keys: asc("is_mentor")},
			{Keys: asc("last_activity")},
		}},
		{ColEvents, []mongo.IndexModel{
			{Keys: asc("date_time")},
			{Keys: asc("created_by")},
		}},
		{ColMatches, []mongo.IndexModel{
			{Keys: asc("date")},
			{Keys: asc("player1_id")},
			{Keys: asc("player2_id")},
		}},
		{ColSubscriptions, []mongo.IndexModel{
			{Keys: asc("mentor_id")},
			{Keys: asc("mentee_id")},
			{Keys: asc("status", "end_date")},
		}},
		{ColBlockedUsers, []mongo.IndexModel{
			{Keys: asc("expiry")},
		}},
		{ColSecurityEvents, []mongo.IndexModel{
			{Keys: asc("user_id", "type", "at")},
		}},
		{ColHealthLogs, []mongo.IndexModel{
			{Keys: asc("timestamp")},
		}},
		{ColMaintenanceLogs, []mongo.IndexModel{
			{Keys: asc("timestamp")},
		}},
		{ColBackupArtifacts, []mongo.IndexModel{
			{Keys: asc("retention_expiry")},
		}},
	}

	for _, s := range specs {
		if _, err := c.col(s.col).Indexes().CreateMany(ctx, s.models); err != nil {
			return fmt.Errorf("storage: ensure indexes on %s: %w", s.col, err)
		}
	}
	return nil
}
