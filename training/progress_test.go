package training

import (
	"bytes"
	"strings"
	"testing"
	"time"
)

func TestProgressBarLine(t *testing.T) {
	var buf bytes.Buffer
	pb := NewProgressBar(&buf, "Epoch 1", 4)
	pb.current = 2
	pb.metrics["loss"] = 0.5

	line := pb.line(10 * time.Second)
	for _, want := range []string{"Epoch 1     :", " 50%|", "| 2/4 ", "[00:10<00:10", "0.20batch/s", "loss=0.5000]"} {
		if !strings.Contains(line, want) {
			t.Errorf("line %q missing %q", line, want)
		}
	}
}

func TestProgressBarWideDescription(t *testing.T) {
	var buf bytes.Buffer
	pb := NewProgressBar(&buf, "学習エポック番号", 1)
	if !strings.HasPrefix(pb.description, "学習エポ") {
		t.Errorf("description = %q", pb.description)
	}
	pb.Finish()
	out := buf.String()
	if !strings.HasPrefix(out, "\r") || !strings.HasSuffix(out, "]\n") {
		t.Errorf("unexpected output %q", out)
	}
	if !strings.Contains(out, "100%") {
		t.Errorf("finished bar should be full: %q", out)
	}
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want string
	}{
		{0, "00:00"},
		{75 * time.Second, "01:15"},
		{-time.Second, "00:00"},
	}
	for _, tt := range tests {
		if got := formatDuration(tt.d); got != tt.want {
			t.Errorf("formatDuration(%v) = %s, expected %s", tt.d, got, tt.want)
		}
	}
}
