package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// CounterKey builds the rate-limit document id.
func CounterKey(userID int64, action string) string {
	return fmt.Sprintf("%d:%s", userID, action)
}

// GetCounter fetches the counter for (userID, action).
// Returns (zero counter, false, nil) when none exists.
func (c *Client) GetCounter(ctx context.Context, userID int64, action string) (ActivityCounter, bool, error) {
	var cnt ActivityCounter
	err := c.col(ColRateLimits).FindOne(ctx, bson.M{"_id": CounterKey(userID, action)}).Decode(&cnt)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return ActivityCounter{}, false, nil
	}
	if err != nil {
		return ActivityCounter{}, false, fmt.Errorf("storage: get counter: %w", err)
	}
	return cnt, true, nil
}

// SaveCounter upserts the counter.
func (c *Client) SaveCounter(ctx context.Context, cnt ActivityCounter) error {
	_, err := c.col(ColRateLimits).ReplaceOne(ctx,
		bson.M{"_id": cnt.Key},
		cnt,
		options.Replace().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("storage: save counter: %w", err)
	}
	return nil
}

// GetBlock returns the block record for a user, if any.
func (c *Client) GetBlock(ctx context.Context, userID int64) (BlockRecord, bool, error) {
	var b BlockRecord
	err := c.col(ColBlockedUsers).FindOne(ctx, bson.M{"_id": userID}).Decode(&b)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return BlockRecord{}, false, nil
	}
	if err != nil {
		return BlockRecord{}, false, fmt.Errorf("storage: get block: %w", err)
	}
	return b, true, nil
}

// PutBlock upserts the block record. A user has at most one block.
func (c *Client) PutBlock(ctx context.Context, b BlockRecord) error {
	_, err := c.col(ColBlockedUsers).ReplaceOne(ctx,
		bson.M{"_id": b.UserID},
		b,
		options.Replace().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("storage: put block: %w", err)
	}
	return nil
}

// DeleteBlock removes the block record regardless of expiry.
// Returns whether a record existed.
func (c *Client) DeleteBlock(ctx context.Context, userID int64) (bool, error) {
	res, err := c.col(ColBlockedUsers).DeleteOne(ctx, bson.M{"_id": userID})
	if err != nil {
		return false, fmt.Errorf("storage: delete block: %w", err)
	}
	return res.DeletedCount > 0, nil
}

// DeleteExpiredBlocks removes temporary blocks whose expiry has passed.
func (c *Client) DeleteExpiredBlocks(ctx context.Context, now time.Time) (int64, error) {
	res, err := c.col(ColBlockedUsers).DeleteMany(ctx, bson.M{
		"expiry": bson.M{"$ne": nil, "$lt": now},
	})
	if err != nil {
		return 0, fmt.Errorf("storage: delete expired blocks: %w", err)
	}
	return res.DeletedCount, nil
}

// CountBlocks returns the number of block records.
func (c *Client) CountBlocks(ctx context.Context) (int64, error) {
	n, err := c.col(ColBlockedUsers).CountDocuments(ctx, bson.M{})
	if err != nil {
		return 0, fmt.Errorf("storage: count blocks: %w", err)
	}
	return n, nil
}

// AppendSecurityEvent records an audit event.
func (c *Client) AppendSecurityEvent(ctx context.Context, ev SecurityEvent) error {
	_, err := c.col(ColSecurityEvents).InsertOne(ctx, ev)
	if err != nil {
		return fmt.Errorf("storage: append security event: %w", err)
	}
	return nil
}

// CountSecurityEvents counts events of a type for a user since a time.
// userID 0 counts across all users.
func (c *Client) CountSecurityEvents(ctx context.Context, userID int64, typ string, since time.Time) (int64, error) {
	filter := bson.M{"type": typ, "at": bson.M{"$gte": since}}
	if userID != 0 {
		filter["user_id"] = userID
	}
	n, err := c.col(ColSecurityEvents).CountDocuments(ctx, filter)
	if err != nil {
		return 0, fmt.Errorf("storage: count security events: %w", err)
	}
	return n, nil
}
