package health

import (
	"context"

	"go.mongodb.org/mongo-driver/v2/mongo"
)

// MongoPinger adapts a *mongo.Client to the Pinger contract, used for the
// optional docstore dependency backing internal/tools/docs.
type MongoPinger struct {
	name   string
	client *mongo.Client
}

// NewMongoPinger wraps client under the given dependency name.
func NewMongoPinger(name string, client *mongo.Client) *MongoPinger {
	return &MongoPinger{name: name, client: client}
}

func (p *MongoPinger) Name() string { return p.name }

func (p *MongoPinger) Ping(ctx context.Context) error {
	return p.client.Ping(ctx, nil)
}
