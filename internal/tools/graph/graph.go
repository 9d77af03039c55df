// Package graph implements the four structural-query tools
// (query_callers, query_dependencies, query_inheritance, raw_query) as
// trivial Redis-backed lookups standing in for the out-of-scope
// Cypher-equivalent queries against the real graph store. Only the
// dispatch contract -- argument schema, deterministic JSON result, typed
// errors -- matters here; the query bodies are intentionally simple.
package graph

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/codegraphrag/codegraphrag-server/internal/envelope"
	"github.com/codegraphrag/codegraphrag-server/internal/registry"
)

// Client adapts a graph-store connection (stood in for by a Redis client,
// per the spec's note that the real graph store is only ever reached
// through an opaque handle) to the four structural-query handlers.
type Client struct {
	rdb *redis.Client
}

// New wraps an existing *redis.Client. The caller owns the client's
// lifecycle (including the Ping health probe registered separately).
func New(rdb *redis.Client) *Client {
	return &Client{rdb: rdb}
}

func symbolSchema(description string) map[string]any {
	return map[string]any{
		"type":        "object",
		"description": description,
		"properties": map[string]any{
			"symbol": map[string]any{
				"type":        "string",
				"description": "fully qualified symbol name to look up",
			},
		},
		"required": []any{"symbol"},
	}
}

// Register adds the four structural-query tools to reg. reg must not yet
// be frozen.
func (c *Client) Register(reg *registry.Registry) error {
	if err := reg.Register("query_callers", "Lists the callers of a symbol in the code graph.",
		symbolSchema("finds every symbol that calls the given symbol"), c.queryCallers); err != nil {
		return err
	}
	if err := reg.Register("query_dependencies", "Lists the symbols a given symbol depends on.",
		symbolSchema("finds every symbol the given symbol depends on"), c.queryDependencies); err != nil {
		return err
	}
	if err := reg.Register("query_inheritance", "Walks the inheritance chain of a symbol.",
		symbolSchema("finds the ancestor types of the given symbol"), c.queryInheritance); err != nil {
		return err
	}
	if err := reg.Register("raw_query", "Runs an opaque graph-store query.", map[string]any{
		"type":       "object",
		"properties": map[string]any{"query": map[string]any{"type": "string", "description": "opaque graph-store query string"}},
		"required":   []any{"query"},
	}, c.rawQuery); err != nil {
		return err
	}
	return nil
}

func stringArg(arguments map[string]any, name string) (string, error) {
	raw, ok := arguments[name]
	if !ok {
		return "", envelope.NewInvalidArgumentsError(fmt.Sprintf("#/%s: required", name))
	}
	value, ok := raw.(string)
	if !ok || value == "" {
		return "", envelope.NewInvalidArgumentsError(fmt.Sprintf("#/%s: must be a non-empty string", name))
	}
	return value, nil
}

func (c *Client) edgeLookup(ctx context.Context, edgeSet, symbol string) (any, error) {
	members, err := c.rdb.SMembers(ctx, fmt.Sprintf("graph:%s:%s", edgeSet, symbol)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, envelope.NewExecutionError("graph store rejected the query")
	}
	if members == nil {
		members = []string{}
	}
	return map[string]any{"symbol": symbol, "results": members}, nil
}

func (c *Client) queryCallers(ctx context.Context, arguments map[string]any) (any, error) {
	symbol, err := stringArg(arguments, "symbol")
	if err != nil {
		return nil, err
	}
	return c.edgeLookup(ctx, "callers", symbol)
}

func (c *Client) queryDependencies(ctx context.Context, arguments map[string]any) (any, error) {
	symbol, err := stringArg(arguments, "symbol")
	if err != nil {
		return nil, err
	}
	return c.edgeLookup(ctx, "dependencies", symbol)
}

func (c *Client) queryInheritance(ctx context.Context, arguments map[string]any) (any, error) {
	symbol, err := stringArg(arguments, "symbol")
	if err != nil {
		return nil, err
	}
	return c.edgeLookup(ctx, "inherits", symbol)
}

func (c *Client) rawQuery(ctx context.Context, arguments map[string]any) (any, error) {
	query, err := stringArg(arguments, "query")
	if err != nil {
		return nil, err
	}
	keys, err := c.rdb.Keys(ctx, query).Result()
	if err != nil {
		return nil, envelope.NewExecutionError("graph store rejected the raw query")
	}
	return map[string]any{"matched_keys": keys}, nil
}
