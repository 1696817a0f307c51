package locale

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoad_Builtin(t *testing.T) {
	c, err := Load("", "")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c.Default() != "en" {
		t.Errorf("default = %q, want en", c.Default())
	}

	for _, kind := range []Kind{KindPersonal, KindPartner, KindWarning, KindOverdueSummary} {
		for _, lang := range []string{"en", "es"} {
			tpl := c.Template(kind, lang)
			if tpl.Title == "" || tpl.Body == "" {
				t.Errorf("%s/%s: empty template %+v", lang, kind, tpl)
			}
		}
	}
}

func TestLoad_UnknownDefault(t *testing.T) {
	if _, err := Load("", "fr"); err == nil {
		t.Error("expected error for default language missing from catalog")
	}
}

func TestLoad_FileOverlay(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "catalog.yaml")
	overlay := `
languages:
  fr:
    actions:
      view: Voir
    templates:
      personal:
        title: "{title}"
        body: "C'est l'heure."
`
	if err := os.WriteFile(path, []byte(overlay), 0o600); err != nil {
		t.Fatal(err)
	}

	c, err := Load(path, "")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := c.Template(KindPersonal, "fr").Body; got != "C'est l'heure." {
		t.Errorf("fr personal body = %q", got)
	}
	// Missing kinds fall back to the default language.
	if got := c.Template(KindPartner, "fr"); got != c.Template(KindPartner, "en") {
		t.Errorf("fr partner should fall back to en, got %+v", got)
	}
	if got := c.ActionLabel(ActionSnooze, "fr"); got != "Snooze" {
		t.Errorf("fr snooze label = %q, want fallback Snooze", got)
	}
	// Built-in languages survive the overlay.
	if got := c.ActionLabel(ActionView, "es"); got != "Ver" {
		t.Errorf("es view label = %q", got)
	}
}

func TestResolve(t *testing.T) {
	c := MustDefault()
	tests := []struct {
		in   []string
		want string
	}{
		{[]string{"es"}, "es"},
		{[]string{"ES-mx"}, "es"},
		{[]string{"", "es"}, "es"},
		{[]string{"fr", "es"}, "es"},
		{[]string{"fr"}, "en"},
		{nil, "en"},
	}
	for _, tt := range tests {
		if got := c.Resolve(tt.in...); got != tt.want {
			t.Errorf("Resolve(%v) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestRender(t *testing.T) {
	got := Render("{creator}: {title}", map[string]string{
		"creator": "Sam",
		"title":   "Pay rent {creator}",
	})
	if want := "Sam: Pay rent {creator}"; got != want {
		t.Errorf("Render = %q, want %q", got, want)
	}

	if got := Render("{count} overdue", nil); got != "{count} overdue" {
		t.Errorf("Render without args = %q", got)
	}
}

func TestPhrase(t *testing.T) {
	c := MustDefault()
	if got := c.Phrase("partner", "es"); got != "Tu pareja" {
		t.Errorf("es partner = %q", got)
	}
	if got := c.Phrase("partner", "fr"); got != "Your partner" {
		t.Errorf("fr partner = %q, want english fallback", got)
	}
	if got := c.Phrase("missing", "en"); got != "missing" {
		t.Errorf("missing phrase = %q", got)
	}
}
