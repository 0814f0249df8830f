package cmd

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/viper"
)

func withPrefix(t *testing.T, prefix string) {
	t.Helper()
	orig := viper.GetString("prefix")
	viper.Set("prefix", prefix)
	t.Cleanup(func() { viper.Set("prefix", orig) })
}

func TestGetTimeoutReportsNegativeOneWhenAbsent(t *testing.T) {
	dir := t.TempDir()
	withPrefix(t, dir)

	var buf bytes.Buffer
	getTimeoutCmd.SetOut(&buf)
	if err := runGetTimeout(getTimeoutCmd, nil); err != nil {
		t.Fatal(err)
	}
	if got := strings.TrimSpace(buf.String()); got != "-1" {
		t.Errorf("got %q, want -1", got)
	}
}

func TestSetTimeoutThenGetTimeoutRoundTrips(t *testing.T) {
	dir := t.TempDir()
	withPrefix(t, dir)

	if err := runSetTimeout(setTimeoutCmd, []string{"5"}); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(filepath.Join(dir, timeoutConfRelPath))
	if err != nil {
		t.Fatal(err)
	}
	if strings.TrimSpace(string(data)) != "5" {
		t.Errorf("file content = %q, want 5", data)
	}

	var buf bytes.Buffer
	getTimeoutCmd.SetOut(&buf)
	if err := runGetTimeout(getTimeoutCmd, nil); err != nil {
		t.Fatal(err)
	}
	if got := strings.TrimSpace(buf.String()); got != "5" {
		t.Errorf("got %q, want 5", got)
	}
}

func TestSetTimeoutRejectsNegativeAndNonInteger(t *testing.T) {
	dir := t.TempDir()
	withPrefix(t, dir)

	if err := runSetTimeout(setTimeoutCmd, []string{"-1"}); err == nil {
		t.Error("expected error for negative timeout")
	}
	if err := runSetTimeout(setTimeoutCmd, []string{"soon"}); err == nil {
		t.Error("expected error for non-integer timeout")
	}
}

func TestGetTimeoutReportsNegativeOneForGarbageContent(t *testing.T) {
	dir := t.TempDir()
	withPrefix(t, dir)

	path := filepath.Join(dir, timeoutConfRelPath)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte("not-a-number\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	getTimeoutCmd.SetOut(&buf)
	if err := runGetTimeout(getTimeoutCmd, nil); err != nil {
		t.Fatal(err)
	}
	if got := strings.TrimSpace(buf.String()); got != "-1" {
		t.Errorf("got %q, want -1", got)
	}
}
