package storage

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// TouchActivity updates a user's last_activity. Creating the document for
// unknown users is intentional: activity tracking precedes registration.
func (c *Client) TouchActivity(ctx context.Context, userID int64, at time.Time) error {
	_, err := c.col(ColUsers).UpdateOne(ctx,
		bson.M{"telegram_id": userID},
		bson.M{"$set": bson.M{"last_activity": at}, "$setOnInsert": bson.M{"telegram_id": userID}},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("storage: touch activity: %w", err)
	}
	return nil
}

// CountInactiveUsers counts users whose last activity is before cutoff.
func (c *Client) CountInactiveUsers(ctx context.Context, cutoff time.Time) (int64, error) {
	n, err := c.col(ColUsers).CountDocuments(ctx, bson.M{
		"last_activity": bson.M{"$lt": cutoff},
	})
	if err != nil {
		return 0, fmt.Errorf("storage: count inactive users: %w", err)
	}
	return n, nil
}

// UpcomingEvents returns events scheduled within the window starting at now.
func (c *Client) UpcomingEvents(ctx context.Context, now time.Time, window time.Duration) ([]ClubEvent, error) {
	cur, err := c.col(ColEvents).Find(ctx, bson.M{
		"date_time": bson.M{"$gte": now, "$lt": now.Add(window)},
	})
	if err != nil {
		return nil, fmt.Errorf("storage: find upcoming events: %w", err)
	}
	var out []ClubEvent
	if err := cur.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("storage: decode upcoming events: %w", err)
	}
	return out, nil
}
