package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
)

// Schema is the structured description of the target database.
type Schema struct {
	Tables        []Table        `json:"tables"`
	Relationships []Relationship `json:"relationships,omitempty"`
}

// Table describes one table of the target database.
type Table struct {
	Name    string   `json:"name"`
	Columns []Column `json:"columns"`
}

// Column describes one column of a table.
type Column struct {
	Name       string `json:"name"`
	Type       string `json:"type"`
	PrimaryKey bool   `json:"primary_key,omitempty"`
}

// Relationship links two columns, e.g. "orders.product_id" -> "products.id".
type Relationship struct {
	From string `json:"from"`
	To   string `json:"to"`
	Type string `json:"type"`
}

// Text renders the schema as prompt text.
func (s *Schema) Text() string {
	var sb strings.Builder
	sb.WriteString("Database Schema:\n\n")

	for _, t := range s.Tables {
		sb.WriteString("Table: " + t.Name + "\n")
		sb.WriteString("Columns:\n")
		for _, c := range t.Columns {
			colLine := "  - " + c.Name + " (" + c.Type + ")"
			if c.PrimaryKey {
				colLine += " [PRIMARY KEY]"
			}
			sb.WriteString(colLine + "\n")
		}
		sb.WriteString("\n")
	}

	if len(s.Relationships) > 0 {
		sb.WriteString("Relationships:\n")
		for _, r := range s.Relationships {
			fmt.Fprintf(&sb, "  - %s -> %s (%s)\n", r.From, r.To, r.Type)
		}
	}

	return sb.String()
}

// ParseSchema decodes a schema document.
func ParseSchema(data []byte) (*Schema, error) {
	var s Schema
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to decode schema: %w", err)
	}
	if len(s.Tables) == 0 {
		return nil, errors.New("schema has no tables")
	}
	return &s, nil
}

// SchemaSource loads a schema from its origin. It is called at most once per
// successful load by CachedSchemaProvider.
type SchemaSource interface {
	FetchSchema(ctx context.Context) (*Schema, error)
}

// FileSchemaSource reads a schema document from the local filesystem.
type FileSchemaSource struct {
	Path string
}

// FetchSchema reads and decodes the schema file.
func (f *FileSchemaSource) FetchSchema(ctx context.Context) (*Schema, error) {
	data, err := os.ReadFile(f.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to read schema file: %w", err)
	}
	return ParseSchema(data)
}

// CachedSchemaProvider implements SchemaProvider on top of a SchemaSource.
// The first successful load is cached for the life of the provider; failed
// loads are not cached.
type CachedSchemaProvider struct {
	source SchemaSource

	mu     sync.Mutex
	schema *Schema
	text   string
}

// NewCachedSchemaProvider creates a new CachedSchemaProvider.
func NewCachedSchemaProvider(source SchemaSource) *CachedSchemaProvider {
	return &CachedSchemaProvider{source: source}
}

// LoadSchema returns the cached schema, loading it on first use.
func (p *CachedSchemaProvider) LoadSchema(ctx context.Context) (*Schema, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.schema != nil {
		return p.schema, nil
	}

	schema, err := p.source.FetchSchema(ctx)
	if err != nil {
		return nil, err
	}
	p.schema = schema
	p.text = schema.Text()
	return schema, nil
}

// SchemaAsText returns the cached schema rendered for prompts.
func (p *CachedSchemaProvider) SchemaAsText(ctx context.Context) (string, error) {
	if _, err := p.LoadSchema(ctx); err != nil {
		return "", err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.text, nil
}

// Invalidate drops the cached schema so the next call reloads it.
func (p *CachedSchemaProvider) Invalidate() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.schema = nil
	p.text = ""
}
