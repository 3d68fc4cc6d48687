package platform

import (
	"errors"
	"testing"
)

func TestDiscordConversationID(t *testing.T) {
	if got := discordConversationID("g1", "c1"); got != "g1/c1" {
		t.Errorf("guild channel id = %q", got)
	}
	if got := discordConversationID("", "c1"); got != "c1" {
		t.Errorf("dm id = %q", got)
	}

	g, ch := splitDiscordConversationID("g1/c1")
	if g != "g1" || ch != "c1" {
		t.Errorf("split = %q %q", g, ch)
	}
	g, ch = splitDiscordConversationID("c1")
	if g != "" || ch != "c1" {
		t.Errorf("dm split = %q %q", g, ch)
	}
}

func TestMsToSnowflake(t *testing.T) {
	// 2015-01-01T00:00:01Z is one second past the Discord epoch.
	if got := msToSnowflake(discordEpochMS + 1000); got != "4194304000" {
		t.Errorf("snowflake = %s", got)
	}
	if got := msToSnowflake(0); got != "0" {
		t.Errorf("pre-epoch snowflake = %s", got)
	}
}

func TestExtensionOf(t *testing.T) {
	cases := map[string]string{
		"photo.JPG":      "jpg",
		"archive.tar.gz": "gz",
		"noext":          "",
		"trailing.":      "",
	}
	for in, want := range cases {
		if got := extensionOf(in); got != want {
			t.Errorf("extensionOf(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestErrorTaxonomy(t *testing.T) {
	err := Unsupportedf("pin_message", "no pin api")
	var perm *PermanentError
	if !errors.As(err, &perm) {
		t.Fatal("Unsupportedf should yield PermanentError")
	}
	if IsTransient(err) {
		t.Error("unsupported must not look transient")
	}

	terr := &TransientError{Op: "send_message", Err: errors.New("503")}
	if !IsTransient(terr) {
		t.Error("TransientError should be transient")
	}

	verr := Validationf("missing text")
	if !IsValidation(verr) {
		t.Error("Validationf should yield ValidationError")
	}
}

func TestRegistryHasBuiltins(t *testing.T) {
	names := Registered()
	want := map[string]bool{"discord": false, "telegram": false}
	for _, n := range names {
		if _, ok := want[n]; ok {
			want[n] = true
		}
	}
	for n, seen := range want {
		if !seen {
			t.Errorf("adapter type %q not registered", n)
		}
	}
}
