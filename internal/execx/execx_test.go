package execx

import (
	"bytes"
	"context"
	"strings"
	"testing"
)

func TestOSRunner_CapturesStdout(t *testing.T) {
	var out bytes.Buffer
	r := NewOSRunner(&out)
	if err := r.Run(context.Background(), "sh", "-c", "echo hello"); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if strings.TrimSpace(out.String()) != "hello" {
		t.Fatalf("out=%q", out.String())
	}
}

func TestOSRunner_ErrorIncludesStderr(t *testing.T) {
	r := NewOSRunner(&bytes.Buffer{})
	err := r.Run(context.Background(), "sh", "-c", "echo broken >&2; exit 3")
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "broken") {
		t.Fatalf("err=%v", err)
	}
}
