// Package feature holds the immutable catalog of code templates and the
// injector that appends them to located source files.
package feature

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"apkforge/internal/logging"
)

// Template is a named, static code fragment.
type Template struct {
	Name string `yaml:"name" json:"name"`
	Body string `yaml:"body" json:"body"`
}

// Catalog maps feature names to templates. It is never modified after
// construction, so concurrent reads need no locking.
type Catalog struct {
	byName map[string]Template
	names  []string
}

// NewCatalog builds a catalog. Later templates replace earlier ones with the
// same name.
func NewCatalog(templates ...Template) (*Catalog, error) {
	c := &Catalog{byName: make(map[string]Template, len(templates))}
	for _, t := range templates {
		t.Name = strings.TrimSpace(t.Name)
		if t.Name == "" {
			return nil, fmt.Errorf("feature template without a name")
		}
		if strings.TrimSpace(t.Body) == "" {
			return nil, fmt.Errorf("feature %q has an empty body", t.Name)
		}
		c.byName[t.Name] = t
	}
	c.names = make([]string, 0, len(c.byName))
	for name := range c.byName {
		c.names = append(c.names, name)
	}
	sort.Strings(c.names)
	return c, nil
}

// DefaultCatalog returns the built-in templates.
func DefaultCatalog() *Catalog {
	c, err := NewCatalog(builtins...)
	if err != nil {
		panic(err)
	}
	return c
}

// catalogFile is the on-disk shape of an extra template file.
type catalogFile struct {
	Features []Template `yaml:"features"`
}

// LoadCatalog returns the built-ins merged with the templates in path. An
// empty path yields the built-ins alone.
func LoadCatalog(path string) (*Catalog, error) {
	if path == "" {
		return DefaultCatalog(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read feature catalog: %w", err)
	}

	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse feature catalog: %w", err)
	}

	all := make([]Template, 0, len(builtins)+len(file.Features))
	all = append(all, builtins...)
	all = append(all, file.Features...)
	c, err := NewCatalog(all...)
	if err != nil {
		return nil, fmt.Errorf("feature catalog %s: %w", path, err)
	}

	logging.Feature("Loaded %d feature templates (%d from %s)", c.Len(), len(file.Features), path)
	return c, nil
}

// Lookup returns the template for name.
func (c *Catalog) Lookup(name string) (Template, bool) {
	t, ok := c.byName[name]
	return t, ok
}

// Names returns every feature name in sorted order.
func (c *Catalog) Names() []string {
	return append([]string(nil), c.names...)
}

// Len returns the number of templates.
func (c *Catalog) Len() int {
	return len(c.names)
}
