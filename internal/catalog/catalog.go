// Package catalog loads the static tool catalog (C9): MCP-facing tool
// definitions plus the mapping from MCP name to bridge-facing command
// name. The catalog is data, loaded once at startup and immutable for
// the process lifetime — the schemas themselves are not design content.
package catalog

import (
	"embed"
	"encoding/json"
	"fmt"
)

//go:embed catalog.json
var catalogFS embed.FS

// Entry is one MCP tool definition, grounded on the Unity-side tool name
// mapping table (a given bridgeName may be the empty string for tools the
// dispatcher handles entirely locally, such as the batch executor).
type Entry struct {
	MCPName     string          `json:"mcpName"`
	BridgeName  string          `json:"bridgeName"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"inputSchema"`
}

// Catalog is the loaded, queryable tool set.
type Catalog struct {
	entries []Entry
	byName  map[string]Entry
}

// Load reads and parses the embedded catalog.json. Called once at
// startup; a parse failure is a startup error, not a runtime condition.
func Load() (*Catalog, error) {
	data, err := catalogFS.ReadFile("catalog.json")
	if err != nil {
		return nil, fmt.Errorf("catalog: read embedded catalog: %w", err)
	}

	var entries []Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("catalog: parse embedded catalog: %w", err)
	}

	byName := make(map[string]Entry, len(entries))
	for _, e := range entries {
		byName[e.MCPName] = e
	}

	return &Catalog{entries: entries, byName: byName}, nil
}

// List returns the tool catalog verbatim. Safe to call repeatedly and
// concurrently; does not depend on bridge connectivity (§4.7.3).
func (c *Catalog) List() []Entry {
	out := make([]Entry, len(c.entries))
	copy(out, c.entries)
	return out
}

// Lookup resolves an MCP-facing tool name to its catalog entry.
func (c *Catalog) Lookup(mcpName string) (Entry, bool) {
	e, ok := c.byName[mcpName]
	return e, ok
}

// ResolveBridgeName translates an MCP-facing name to the bridge-facing
// name via the static mapping table (identity if already a known bridge
// name is never attempted here — callers use Lookup instead).
func (c *Catalog) ResolveBridgeName(mcpName string) (string, bool) {
	e, ok := c.byName[mcpName]
	if !ok {
		return "", false
	}
	return e.BridgeName, true
}
