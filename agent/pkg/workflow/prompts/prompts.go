package prompts

import (
	"embed"
	"fmt"
	"strings"
)

//go:embed *.md
var PromptsFS embed.FS

// DefaultDialect is the SQL dialect named in prompts when none is configured.
const DefaultDialect = "SQLite"

// Prompts contains all workflow prompts loaded from embedded files.
type Prompts struct {
	SQLContext     string // Shared SQL rules, composed into the system prompts
	SystemGenerate string // System prompt for SQL generation
	SystemCorrect  string // System prompt for error correction
	Intent         string // Intent classification template
	Generate       string // SQL generation template
	Correct        string // Error correction template
	Insight        string // Result insight template
	Format         string // Full LLM formatting template
}

// Load loads all prompts from the embedded filesystem for the given SQL dialect.
func Load(dialect string) (*Prompts, error) {
	if dialect == "" {
		dialect = DefaultDialect
	}

	p := &Prompts{}
	var err error

	if p.SQLContext, err = loadPrompt("SQL_CONTEXT.md"); err != nil {
		return nil, fmt.Errorf("failed to load SQL_CONTEXT: %w", err)
	}
	p.SQLContext = strings.ReplaceAll(p.SQLContext, "{{DIALECT}}", dialect)

	rawSystemGenerate, err := loadPrompt("SYSTEM_GENERATE.md")
	if err != nil {
		return nil, fmt.Errorf("failed to load SYSTEM_GENERATE: %w", err)
	}
	p.SystemGenerate = strings.ReplaceAll(rawSystemGenerate, "{{SQL_CONTEXT}}", p.SQLContext)

	rawSystemCorrect, err := loadPrompt("SYSTEM_CORRECT.md")
	if err != nil {
		return nil, fmt.Errorf("failed to load SYSTEM_CORRECT: %w", err)
	}
	p.SystemCorrect = strings.ReplaceAll(rawSystemCorrect, "{{SQL_CONTEXT}}", p.SQLContext)

	for name, dst := range map[string]*string{
		"INTENT.md":   &p.Intent,
		"GENERATE.md": &p.Generate,
		"CORRECT.md":  &p.Correct,
		"INSIGHT.md":  &p.Insight,
		"FORMAT.md":   &p.Format,
	} {
		if *dst, err = loadPrompt(name); err != nil {
			return nil, fmt.Errorf("failed to load %s: %w", strings.TrimSuffix(name, ".md"), err)
		}
	}

	return p, nil
}

func loadPrompt(path string) (string, error) {
	data, err := PromptsFS.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", path, err)
	}
	return strings.TrimSpace(string(data)), nil
}

// Render replaces {{KEY}} placeholders in tmpl with the given values.
// Unknown placeholders are left as is.
func Render(tmpl string, vars map[string]string) string {
	pairs := make([]string, 0, len(vars)*2)
	for k, v := range vars {
		pairs = append(pairs, "{{"+k+"}}", v)
	}
	return strings.NewReplacer(pairs...).Replace(tmpl)
}
