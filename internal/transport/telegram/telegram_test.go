package telegram

import (
	"strings"
	"testing"

	logx "commagent/pkg/logx"
)

func TestSplitText(t *testing.T) {
	t.Parallel()
	if got := splitText("short", 10); len(got) != 1 || got[0] != "short" {
		t.Fatalf("short = %v", got)
	}

	s := strings.Repeat("a", 8) + "\n" + strings.Repeat("b", 8)
	got := splitText(s, 10)
	if len(got) != 2 || got[0] != strings.Repeat("a", 8) || got[1] != strings.Repeat("b", 8) {
		t.Fatalf("newline split = %q", got)
	}

	long := strings.Repeat("x", 25)
	got = splitText(long, 10)
	if len(got) != 3 || len(got[2]) != 5 {
		t.Fatalf("hard split = %q", got)
	}
}

func TestNewRejectsEmptyToken(t *testing.T) {
	t.Parallel()
	if _, err := New(Config{}, logx.Nop()); err == nil {
		t.Fatal("expected error")
	}
}
