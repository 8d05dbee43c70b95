package main

import "testing"

func TestBuildRootCmdSubcommands(t *testing.T) {
	root := buildRootCmd()
	want := map[string]bool{"serve": false, "checkpoint": false, "session": false}
	for _, cmd := range root.Commands() {
		if _, ok := want[cmd.Name()]; ok {
			want[cmd.Name()] = true
		}
	}
	for name, found := range want {
		if !found {
			t.Errorf("expected subcommand %q to be registered", name)
		}
	}
}

func TestResolveConfigPath(t *testing.T) {
	if got := resolveConfigPath("custom.yaml"); got != "custom.yaml" {
		t.Fatalf("expected explicit path to win, got %s", got)
	}
	t.Setenv("AGENTRT_CONFIG", "")
	if got := resolveConfigPath(""); got != "agentrt.yaml" {
		t.Fatalf("expected default config path, got %s", got)
	}
	t.Setenv("AGENTRT_CONFIG", "/etc/agentrt/config.yaml")
	if got := resolveConfigPath(""); got != "/etc/agentrt/config.yaml" {
		t.Fatalf("expected env override, got %s", got)
	}
}
