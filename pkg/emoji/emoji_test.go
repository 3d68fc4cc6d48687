package emoji

import (
	"os"
	"path/filepath"
	"testing"
)

func TestPlatformToUnicode_BaseTable(t *testing.T) {
	c := NewConverter("")

	got := c.PlatformToUnicode("thumbsup")
	if got == "thumbsup" {
		t.Errorf("expected unicode for thumbsup, got name back")
	}
}

func TestPlatformToUnicode_UnknownPassesThrough(t *testing.T) {
	c := NewConverter("")

	if got := c.PlatformToUnicode("definitely_not_an_emoji"); got != "definitely_not_an_emoji" {
		t.Errorf("unknown name should pass through, got %q", got)
	}
}

func TestRoundTrip(t *testing.T) {
	c := NewConverter("")

	u := c.PlatformToUnicode(":heart:")
	if u == ":heart:" {
		t.Fatal("expected unicode for :heart:")
	}
	name := c.UnicodeToPlatform(u)
	if name == "" || name == u {
		t.Errorf("UnicodeToPlatform(%q) = %q, want a name", u, name)
	}
}

func TestOverlay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mappings.csv")
	csv := "platform_specific_name,standard_name\n+1,thumbsup\n"
	if err := os.WriteFile(path, []byte(csv), 0o644); err != nil {
		t.Fatal(err)
	}

	c := NewConverter(path)

	direct := NewConverter("").PlatformToUnicode("thumbsup")
	if got := c.PlatformToUnicode("+1"); got != direct {
		t.Errorf("overlay lookup = %q, want %q", got, direct)
	}
	if got := c.UnicodeToPlatform(direct); got != "+1" {
		t.Errorf("reverse overlay = %q, want +1", got)
	}
}

func TestStandardName(t *testing.T) {
	c := NewConverter("")

	if got := c.StandardName(":Thumbs-Up:"); got != "thumbs_up" {
		t.Errorf("StandardName = %q, want thumbs_up", got)
	}
}
