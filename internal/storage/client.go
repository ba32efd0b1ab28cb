package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	logx "clubkeeper/pkg/logx"
)

type Config struct {
	URI            string
	Database       string
	ConnectTimeout time.Duration // 0 means 10s
}

// Client wraps the mongo client with the collection layout.
type Client struct {
	mc  *mongo.Client
	db  *mongo.Database
	log logx.Logger
}

// Open connects and verifies the connection with a ping.
func Open(ctx context.Context, cfg Config, log logx.Logger) (*Client, error) {
	if strings.TrimSpace(cfg.URI) == "" {
		return nil, fmt.Errorf("storage: uri is required")
	}
	if strings.TrimSpace(cfg.Database) == "" {
		return nil, fmt.Errorf("storage: database is required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	mc, err := mongo.Connect(cctx, options.Client().ApplyURI(cfg.URI))
	if err != nil {
		return nil, fmt.Errorf("storage: connect: %w", err)
	}
	if err := mc.Ping(cctx, nil); err != nil {
		_ = mc.Disconnect(context.Background())
		return nil, fmt.Errorf("storage: ping: %w", err)
	}

	log.Info("storage connected", logx.String("database", cfg.Database))
	return &Client{mc: mc, db: mc.Database(cfg.Database), log: log}, nil
}

func (c *Client) Close(ctx context.Context) error {
	return c.mc.Disconnect(ctx)
}

// Ping verifies the server is reachable. Used by the health prober.
func (c *Client) Ping(ctx context.Context) error {
	return c.mc.Ping(ctx, nil)
}

func (c *Client) col(name string) *mongo.Collection { return c.db.Collection(name) }
