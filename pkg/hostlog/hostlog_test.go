package hostlog

import (
	"bytes"
	"log"
	"strings"
	"testing"
)

func newTestLogger(verbose bool) (*Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	return New(log.New(&buf, "", 0), verbose), &buf
}

func TestDebugfSuppressedWhenNotVerbose(t *testing.T) {
	lg, buf := newTestLogger(false)
	lg.Debugf("hidden %d", 1)
	if buf.Len() != 0 {
		t.Fatalf("Debugf wrote output while not verbose: %q", buf.String())
	}
}

func TestDebugfEmittedWhenVerbose(t *testing.T) {
	lg, buf := newTestLogger(true)
	lg.Debugf("shown %d", 1)
	if !strings.Contains(buf.String(), "[DEBU] shown 1") {
		t.Fatalf("Debugf output = %q, want it to contain tagged message", buf.String())
	}
}

func TestSeverityTags(t *testing.T) {
	lg, buf := newTestLogger(false)

	cases := []struct {
		log  func(string, ...any)
		want string
	}{
		{lg.Infof, "[INFO]"},
		{lg.Donef, "[DONE]"},
		{lg.Warningf, "[WARN]"},
		{lg.Errorf, "[ERRO]"},
	}
	for _, c := range cases {
		buf.Reset()
		c.log("msg")
		if !strings.Contains(buf.String(), c.want) {
			t.Fatalf("output = %q, want tag %s", buf.String(), c.want)
		}
	}
}
