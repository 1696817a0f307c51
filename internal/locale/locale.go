// Package locale provides the localized titles, bodies and action labels used
// to build notifications.
package locale

import (
	_ "embed"
	"fmt"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

//go:embed catalog.yaml
var builtin []byte

// Kind selects a template.
type Kind string

const (
	KindPersonal       Kind = "personal"
	KindPartner        Kind = "partner"
	KindWarning        Kind = "warning"
	KindOverdueSummary Kind = "overdue_summary"
)

// Action identifiers understood by the clients.
const (
	ActionComplete = "complete"
	ActionSnooze   = "snooze"
	ActionView     = "view"
)

// Template is an unrendered title/body pair. Placeholders are written as
// {name}; see Render.
type Template struct {
	Title string `koanf:"title"`
	Body  string `koanf:"body"`
}

type language struct {
	Phrases   map[string]string   `koanf:"phrases"`
	Actions   map[string]string   `koanf:"actions"`
	Templates map[string]Template `koanf:"templates"`
}

type catalogFile struct {
	Default   string              `koanf:"default"`
	Languages map[string]language `koanf:"languages"`
}

// Catalog is immutable after Load and safe for concurrent use.
type Catalog struct {
	def   string
	langs map[string]language
}

// Load reads the built-in catalog and, when path is non-empty, overlays the
// YAML file at path on top of it. defaultLang overrides the catalog's own
// default when set.
func Load(path, defaultLang string) (*Catalog, error) {
	k := koanf.New(".")

	base, err := yaml.Parser().Unmarshal(builtin)
	if err != nil {
		return nil, fmt.Errorf("parse built-in catalog: %w", err)
	}
	if err := k.Load(confmap.Provider(base, "."), nil); err != nil {
		return nil, fmt.Errorf("load built-in catalog: %w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load catalog %s: %w", path, err)
		}
	}

	var cf catalogFile
	if err := k.Unmarshal("", &cf); err != nil {
		return nil, fmt.Errorf("decode catalog: %w", err)
	}

	if defaultLang != "" {
		cf.Default = defaultLang
	}
	if _, ok := cf.Languages[cf.Default]; !ok {
		return nil, fmt.Errorf("default language %q not in catalog", cf.Default)
	}

	return &Catalog{def: cf.Default, langs: cf.Languages}, nil
}

// MustDefault returns the built-in catalog and panics if it is broken.
func MustDefault() *Catalog {
	c, err := Load("", "")
	if err != nil {
		panic(err)
	}
	return c
}

// Default returns the fallback language.
func (c *Catalog) Default() string { return c.def }

// Resolve returns the first of candidates the catalog supports, matching
// "es-MX" to "es" when needed, or the default language.
func (c *Catalog) Resolve(candidates ...string) string {
	for _, cand := range candidates {
		cand = strings.ToLower(strings.TrimSpace(cand))
		if cand == "" {
			continue
		}
		if _, ok := c.langs[cand]; ok {
			return cand
		}
		if base, _, ok := strings.Cut(cand, "-"); ok {
			if _, ok := c.langs[base]; ok {
				return base
			}
		}
	}
	return c.def
}

// Template returns the template for kind in lang, falling back to the
// default language when lang lacks it.
func (c *Catalog) Template(kind Kind, lang string) Template {
	if t, ok := c.langs[lang].Templates[string(kind)]; ok {
		return t
	}
	return c.langs[c.def].Templates[string(kind)]
}

// ActionLabel returns the localized label for an action id, or the id itself.
func (c *Catalog) ActionLabel(action, lang string) string {
	if l, ok := c.langs[lang].Actions[action]; ok {
		return l
	}
	if l, ok := c.langs[c.def].Actions[action]; ok {
		return l
	}
	return action
}

// Phrase returns a short localized phrase such as "partner", or key itself.
func (c *Catalog) Phrase(key, lang string) string {
	if p, ok := c.langs[lang].Phrases[key]; ok {
		return p
	}
	if p, ok := c.langs[c.def].Phrases[key]; ok {
		return p
	}
	return key
}

// Render substitutes {name} placeholders in one pass, so values containing
// braces are emitted verbatim.
func Render(s string, args map[string]string) string {
	if len(args) == 0 {
		return s
	}
	pairs := make([]string, 0, len(args)*2)
	for k, v := range args {
		pairs = append(pairs, "{"+k+"}", v)
	}
	return strings.NewReplacer(pairs...).Replace(s)
}
