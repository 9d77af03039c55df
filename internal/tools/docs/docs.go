// Package docs implements lookup_symbol_docs, the one tool backed by the
// secondary documentation store. It demonstrates the health probe tracking
// a second configured dependency (dependencies.docstore) alongside the
// graph store, grounded on the teacher's registry/store/mongo.go collection
// wrapper.
package docs

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"

	"github.com/codegraphrag/codegraphrag-server/internal/envelope"
	"github.com/codegraphrag/codegraphrag-server/internal/registry"
)

// symbolDoc is the document shape stored per symbol in the docstore.
type symbolDoc struct {
	Symbol  string `bson:"_id"`
	Summary string `bson:"summary"`
	Doc     string `bson:"doc"`
}

// Client adapts a MongoDB collection to the lookup_symbol_docs handler.
type Client struct {
	collection *mongo.Collection
}

// New wraps an existing *mongo.Collection. The caller owns the underlying
// client's connection lifecycle (including the Ping health probe
// registered separately).
func New(collection *mongo.Collection) *Client {
	return &Client{collection: collection}
}

// Register adds lookup_symbol_docs to reg. reg must not yet be frozen.
func (c *Client) Register(reg *registry.Registry) error {
	return reg.Register("lookup_symbol_docs", "Looks up stored documentation for a symbol.", map[string]any{
		"type": "object",
		"properties": map[string]any{
			"symbol": map[string]any{"type": "string", "description": "fully qualified symbol name"},
		},
		"required": []any{"symbol"},
	}, c.lookupSymbolDocs)
}

func (c *Client) lookupSymbolDocs(ctx context.Context, arguments map[string]any) (any, error) {
	symbol, ok := arguments["symbol"].(string)
	if !ok || symbol == "" {
		return nil, envelope.NewInvalidArgumentsError("#/symbol: must be a non-empty string")
	}

	var doc symbolDoc
	err := c.collection.FindOne(ctx, bson.M{"_id": symbol}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, envelope.NewExecutionError(fmt.Sprintf("no documentation recorded for symbol: %s", symbol))
		}
		return nil, envelope.NewExecutionError("docstore rejected the lookup")
	}
	return map[string]any{"symbol": doc.Symbol, "summary": doc.Summary, "doc": doc.Doc}, nil
}
