package env

import (
	"testing"
	"time"
)

func TestStringDefault(t *testing.T) {
	if got := String("VERITIDE_TEST_UNSET", "fallback"); got != "fallback" {
		t.Fatalf("expected fallback, got %q", got)
	}
	t.Setenv("VERITIDE_TEST_SET", "value")
	if got := String("VERITIDE_TEST_SET", "fallback"); got != "value" {
		t.Fatalf("expected value, got %q", got)
	}
}

func TestDuration(t *testing.T) {
	d, err := Duration("VERITIDE_TEST_UNSET", 5*time.Second)
	if err != nil || d != 5*time.Second {
		t.Fatalf("expected default, got %v err=%v", d, err)
	}
	t.Setenv("VERITIDE_TEST_DUR", "90s")
	d, err = Duration("VERITIDE_TEST_DUR", time.Second)
	if err != nil || d != 90*time.Second {
		t.Fatalf("expected 90s, got %v err=%v", d, err)
	}
	t.Setenv("VERITIDE_TEST_DUR_BAD", "ninety")
	if _, err := Duration("VERITIDE_TEST_DUR_BAD", time.Second); err == nil {
		t.Fatalf("expected parse error")
	}
}

func TestIntBoolFloat(t *testing.T) {
	t.Setenv("VERITIDE_TEST_INT", "42")
	i, err := Int("VERITIDE_TEST_INT", 1)
	if err != nil || i != 42 {
		t.Fatalf("expected 42, got %d err=%v", i, err)
	}
	t.Setenv("VERITIDE_TEST_BOOL", "true")
	b, err := Bool("VERITIDE_TEST_BOOL", false)
	if err != nil || !b {
		t.Fatalf("expected true, got %v err=%v", b, err)
	}
	t.Setenv("VERITIDE_TEST_FLOAT", "2.5")
	f, err := Float64("VERITIDE_TEST_FLOAT", 1.0)
	if err != nil || f != 2.5 {
		t.Fatalf("expected 2.5, got %v err=%v", f, err)
	}
	t.Setenv("VERITIDE_TEST_INT_BAD", "x")
	if _, err := Int("VERITIDE_TEST_INT_BAD", 1); err == nil {
		t.Fatalf("expected parse error")
	}
}
