package registry

import (
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"mcpchat-go/internal/config"
)

func loadedRegistry(t *testing.T) *Registry {
	t.Helper()
	r := New(zap.NewNop().Sugar())
	r.Load(config.DefaultConfig().Servers)
	return r
}

func TestLoadAndList(t *testing.T) {
	r := loadedRegistry(t)

	entries := r.List()
	require.Len(t, entries, 2)
	assert.Equal(t, "filesystem", entries[0].ID)
	assert.Equal(t, "web-search", entries[1].ID)

	fs, ok := r.Get("filesystem")
	require.True(t, ok)
	assert.Len(t, fs.Tools, 2)
	assert.Equal(t, "list_files", fs.Tools[0].Name)

	_, ok = r.Get("missing")
	assert.False(t, ok)
}

func TestEnabledIDs(t *testing.T) {
	servers := config.DefaultConfig().Servers
	servers[1].Enabled = false

	r := New(zap.NewNop().Sugar())
	r.Load(servers)

	assert.Equal(t, []string{"filesystem"}, r.EnabledIDs())
}

func TestFindTools(t *testing.T) {
	r := loadedRegistry(t)
	all := []string{"filesystem", "web-search"}

	t.Run("keyword match", func(t *testing.T) {
		matches := r.FindTools("please list the files in this directory", all, 2)
		require.NotEmpty(t, matches)
		assert.Equal(t, "list_files", matches[0].Tool.Name)
		assert.Equal(t, "filesystem", matches[0].ServerID)
	})

	t.Run("zero servers means zero matches", func(t *testing.T) {
		assert.Empty(t, r.FindTools("list files", nil, 2))
	})

	t.Run("no keyword overlap", func(t *testing.T) {
		assert.Empty(t, r.FindTools("tell me a joke", all, 2))
	})

	t.Run("limit respected", func(t *testing.T) {
		matches := r.FindTools("search and list files on the web", all, 1)
		assert.Len(t, matches, 1)
	})

	t.Run("selection narrows providers", func(t *testing.T) {
		matches := r.FindTools("search the web", []string{"filesystem"}, 2)
		for _, m := range matches {
			assert.Equal(t, "filesystem", m.ServerID)
		}
	})
}

func TestDefaultArguments(t *testing.T) {
	tool := mcp.Tool{
		Name: "demo",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"path":    map[string]interface{}{"type": "string", "default": "."},
				"query":   map[string]interface{}{"type": "string"},
				"limit":   map[string]interface{}{"type": "integer"},
				"mode":    map[string]interface{}{"type": "string", "enum": []interface{}{"fast", "slow"}},
				"skipped": map[string]interface{}{"type": "string"},
			},
			Required: []string{"path", "query", "limit", "mode"},
		},
	}

	args := DefaultArguments(tool)
	assert.Equal(t, ".", args["path"])
	assert.Equal(t, "example", args["query"])
	assert.Equal(t, 0, args["limit"])
	assert.Equal(t, "fast", args["mode"])
	_, present := args["skipped"]
	assert.False(t, present, "optional properties are not synthesized")
}

func TestDefaultArgumentsNoSchema(t *testing.T) {
	args := DefaultArguments(mcp.Tool{Name: "bare"})
	assert.Empty(t, args)
}
