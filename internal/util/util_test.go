package util

import (
	"os"
	"path/filepath"
	"testing"
)

func TestHideToken(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name  string
		input string
		want  string
	}{
		{name: "long", input: "sk-abcdefghijklmnop", want: "sk-a...mnop"},
		{name: "medium", input: "abcdef", want: "ab...ef"},
		{name: "short", input: "abc", want: "a...c"},
		{name: "tiny", input: "ab", want: "ab"},
		{name: "empty", input: "", want: ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := HideToken(tc.input); got != tc.want {
				t.Fatalf("HideToken(%q) = %q, want %q", tc.input, got, tc.want)
			}
		})
	}
}

func TestMaskAuthorizationHeader(t *testing.T) {
	t.Parallel()

	got := MaskAuthorizationHeader("Bearer eyJhbGciOiJSUzI1NiJ9.payload.sig")
	if got == "Bearer eyJhbGciOiJSUzI1NiJ9.payload.sig" {
		t.Fatalf("authorization value was not masked: %q", got)
	}
	if got[:7] != "Bearer " {
		t.Fatalf("scheme prefix lost: %q", got)
	}
}

func TestMaskSensitiveHeaderValue(t *testing.T) {
	t.Parallel()

	if got := MaskSensitiveHeaderValue("Cookie", "session=abc123"); got != "[REDACTED]" {
		t.Fatalf("cookie not redacted: %q", got)
	}
	if got := MaskSensitiveHeaderValue("Authorization", "Bearer secret-token-value"); got == "Bearer secret-token-value" {
		t.Fatalf("authorization not masked: %q", got)
	}
	if got := MaskSensitiveHeaderValue("Content-Type", "application/json"); got != "application/json" {
		t.Fatalf("plain header altered: %q", got)
	}
}

func TestResolveAuthDir(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skipf("no home dir: %v", err)
	}

	got, err := ResolveAuthDir("~/.codexmux")
	if err != nil {
		t.Fatalf("ResolveAuthDir returned error: %v", err)
	}
	want := filepath.Join(home, ".codexmux")
	if got != want {
		t.Fatalf("ResolveAuthDir(~/.codexmux) = %q, want %q", got, want)
	}

	got, err = ResolveAuthDir("/var/lib/codexmux")
	if err != nil {
		t.Fatalf("ResolveAuthDir returned error: %v", err)
	}
	if got != filepath.Clean("/var/lib/codexmux") {
		t.Fatalf("absolute path altered: %q", got)
	}

	got, err = ResolveAuthDir("")
	if err != nil || got != "" {
		t.Fatalf("empty path: got %q, %v", got, err)
	}
}
