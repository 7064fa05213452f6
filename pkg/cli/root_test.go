package cli

import (
	"testing"
)

func TestNewRootCommand(t *testing.T) {
	cmd := NewRootCommand()

	if cmd.Use != "llmrund" {
		t.Errorf("Use = %q, want %q", cmd.Use, "llmrund")
	}
	if !cmd.SilenceUsage {
		t.Error("SilenceUsage should be true")
	}

	expectedSubcommands := map[string]bool{
		"serve":   false,
		"health":  false,
		"live":    false,
		"ready":   false,
		"status":  false,
		"infer":   false,
		"models":  false,
		"bench":   false,
		"version": false,
	}

	for _, sub := range cmd.Commands() {
		if _, expected := expectedSubcommands[sub.Name()]; expected {
			expectedSubcommands[sub.Name()] = true
		}
	}

	for name, found := range expectedSubcommands {
		if !found {
			t.Errorf("missing subcommand %q", name)
		}
	}
}

func TestNewRootCommand_PersistentFlags(t *testing.T) {
	cmd := NewRootCommand()
	for _, name := range []string{"socket", "token", "timeout-ms"} {
		if cmd.PersistentFlags().Lookup(name) == nil {
			t.Errorf("missing persistent flag %q", name)
		}
	}
}
