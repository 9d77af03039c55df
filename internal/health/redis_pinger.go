package health

import (
	"context"

	"github.com/redis/go-redis/v9"
)

// RedisPinger adapts a *redis.Client to the Pinger contract. The graph-store
// dependency in this service (see internal/tools/graph) is fronted by Redis
// as a stand-in for the production graph database, which this service only
// ever reaches through an opaque Ping handle.
type RedisPinger struct {
	name   string
	client *redis.Client
}

// NewRedisPinger wraps client under the given dependency name.
func NewRedisPinger(name string, client *redis.Client) *RedisPinger {
	return &RedisPinger{name: name, client: client}
}

func (p *RedisPinger) Name() string { return p.name }

func (p *RedisPinger) Ping(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}
