package stdiorpc_test

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codegraphrag/codegraphrag-server/internal/envelope"
	"github.com/codegraphrag/codegraphrag-server/internal/registry"
	"github.com/codegraphrag/codegraphrag-server/internal/stdiorpc"
)

func newTestRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	reg := registry.New()
	require.NoError(t, reg.Register("query_callers", "finds callers",
		map[string]any{"type": "object", "properties": map[string]any{"symbol": map[string]any{"type": "string"}}, "required": []any{"symbol"}},
		func(ctx context.Context, args map[string]any) (any, error) {
			return map[string]any{"callers": []string{"main"}}, nil
		}))
	require.NoError(t, reg.Register("slow_tool", "never returns in time",
		map[string]any{"type": "object", "properties": map[string]any{}},
		func(ctx context.Context, args map[string]any) (any, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		}))
	require.NoError(t, reg.Register("failing_tool", "always fails",
		map[string]any{"type": "object", "properties": map[string]any{}},
		func(ctx context.Context, args map[string]any) (any, error) {
			return nil, envelope.NewExecutionError("dependency rejected the query")
		}))
	reg.Freeze()
	return reg
}

func runLines(t *testing.T, s *stdiorpc.Server, lines ...string) []stdiorpc.Response {
	t.Helper()
	in := strings.NewReader(strings.Join(lines, "\n") + "\n")
	var out bytes.Buffer
	require.NoError(t, s.Serve(context.Background(), in, &out))

	var responses []stdiorpc.Response
	dec := json.NewDecoder(&out)
	for dec.More() {
		var resp stdiorpc.Response
		require.NoError(t, dec.Decode(&resp))
		responses = append(responses, resp)
	}
	return responses
}

func TestDispatch_NotReadyReturnsServiceUnavailable(t *testing.T) {
	s := stdiorpc.New(newTestRegistry(t), nil, time.Second)

	resp := runLines(t, s, `{"id":"1","method":"query_callers","params":{"symbol":"main"}}`)

	require.Len(t, resp, 1)
	require.NotNil(t, resp[0].Error)
	assert.Equal(t, -32001, resp[0].Error.Code)
}

func TestDispatch_Success(t *testing.T) {
	s := stdiorpc.New(newTestRegistry(t), nil, time.Second)
	s.Ready()

	resp := runLines(t, s, `{"id":"abc","method":"query_callers","params":{"symbol":"main"}}`)

	require.Len(t, resp, 1)
	assert.Equal(t, "abc", resp[0].ID)
	assert.Nil(t, resp[0].Error)
	assert.NotNil(t, resp[0].Result)
}

func TestDispatch_UnknownMethodNotFound(t *testing.T) {
	s := stdiorpc.New(newTestRegistry(t), nil, time.Second)
	s.Ready()

	resp := runLines(t, s, `{"id":"1","method":"does_not_exist","params":{}}`)

	require.Len(t, resp, 1)
	require.NotNil(t, resp[0].Error)
	assert.Equal(t, -32601, resp[0].Error.Code)
}

func TestDispatch_InvalidArgumentsInvalidParams(t *testing.T) {
	s := stdiorpc.New(newTestRegistry(t), nil, time.Second)
	s.Ready()

	resp := runLines(t, s, `{"id":"1","method":"query_callers","params":{}}`)

	require.Len(t, resp, 1)
	require.NotNil(t, resp[0].Error)
	assert.Equal(t, -32602, resp[0].Error.Code)
}

func TestDispatch_MalformedParamsInvalidParams(t *testing.T) {
	s := stdiorpc.New(newTestRegistry(t), nil, time.Second)
	s.Ready()

	resp := runLines(t, s, `{"id":"1","method":"query_callers","params":"not-an-object"}`)

	require.Len(t, resp, 1)
	require.NotNil(t, resp[0].Error)
	assert.Equal(t, -32602, resp[0].Error.Code)
}

func TestDispatch_TimeoutMapsToServerError(t *testing.T) {
	s := stdiorpc.New(newTestRegistry(t), nil, 20*time.Millisecond)
	s.Ready()

	resp := runLines(t, s, `{"id":"1","method":"slow_tool","params":{}}`)

	require.Len(t, resp, 1)
	require.NotNil(t, resp[0].Error)
	assert.Equal(t, -32000, resp[0].Error.Code)
}

func TestDispatch_HandlerErrorMapsToServerError(t *testing.T) {
	s := stdiorpc.New(newTestRegistry(t), nil, time.Second)
	s.Ready()

	resp := runLines(t, s, `{"id":"1","method":"failing_tool","params":{}}`)

	require.Len(t, resp, 1)
	require.NotNil(t, resp[0].Error)
	assert.Equal(t, -32002, resp[0].Error.Code)
	assert.Equal(t, "dependency rejected the query", resp[0].Error.Message)
}

func TestDispatch_MalformedLineIsParseErrorNotFatal(t *testing.T) {
	s := stdiorpc.New(newTestRegistry(t), nil, time.Second)
	s.Ready()

	resp := runLines(t, s, `not json at all`, `{"id":"2","method":"query_callers","params":{"symbol":"main"}}`)

	require.Len(t, resp, 2)
	require.NotNil(t, resp[0].Error)
	assert.Equal(t, -32700, resp[0].Error.Code)
	assert.Nil(t, resp[1].Error)
}

func TestDispatch_MissingRequestIDIsGenerated(t *testing.T) {
	s := stdiorpc.New(newTestRegistry(t), nil, time.Second)
	s.Ready()

	resp := runLines(t, s, `{"method":"query_callers","params":{"symbol":"main"}}`)

	require.Len(t, resp, 1)
	assert.NotEmpty(t, resp[0].ID)
}
