// ABOUTME: Tests for the prowzi CLI help display covering content and env detection.
// ABOUTME: Every registered subcommand must be documented in the help text.
package main

import (
	"bytes"
	"strings"
	"testing"
)

func TestPrintHelpContainsVersion(t *testing.T) {
	var buf bytes.Buffer
	printHelp(&buf, "1.2.3")
	if !strings.Contains(buf.String(), "prowzi 1.2.3") {
		t.Errorf("help missing version:\n%s", buf.String())
	}
}

func TestPrintHelpListsEveryCommand(t *testing.T) {
	var buf bytes.Buffer
	printHelp(&buf, "dev")
	out := buf.String()
	for name := range commands() {
		if !strings.Contains(out, "  "+name+" ") {
			t.Errorf("help does not document %q", name)
		}
	}
}

func TestPrintHelpShowsEnvStatus(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-test")
	var buf bytes.Buffer
	printHelp(&buf, "dev")
	out := buf.String()
	if !strings.Contains(out, "OPENAI_API_KEY") || !strings.Contains(out, "[set]") {
		t.Errorf("help missing env status:\n%s", out)
	}
}

func TestEnvStatus(t *testing.T) {
	t.Setenv("TEST_PROWZI_STATUS", "")
	if got := envStatus("TEST_PROWZI_STATUS"); got != "[not set]" {
		t.Errorf("envStatus = %q", got)
	}
	t.Setenv("TEST_PROWZI_STATUS", "x")
	if got := envStatus("TEST_PROWZI_STATUS"); got != "[set]" {
		t.Errorf("envStatus = %q", got)
	}
}
