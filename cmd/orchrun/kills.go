package main

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/orchlab/orchestrate-go/orch"
)

// killEntry is one pre-registered skip mark in the kill file.
type killEntry struct {
	JID  string `yaml:"jid"`
	Step string `yaml:"step"`
}

func killFilePath(cfg config) string {
	if cfg.KillFile != "" {
		return cfg.KillFile
	}
	return filepath.Join(cfg.WorkflowRoot, ".orchrun-kills.yaml")
}

func readKills(path string) ([]killEntry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var entries []killEntry
	if err := yaml.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("parse kill file %s: %w", path, err)
	}
	return entries, nil
}

// preloadKills copies the kill file's marks into the registry so a run
// picks up skips registered before it started.
func preloadKills(reg *orch.SoftKillRegistry, path string) error {
	entries, err := readKills(path)
	if err != nil {
		return err
	}
	for _, e := range entries {
		reg.Mark(e.JID, e.Step)
	}
	return nil
}

func appendKill(path, jid, step string) error {
	entries, err := readKills(path)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.JID == jid && e.Step == step {
			return nil
		}
	}
	entries = append(entries, killEntry{JID: jid, Step: step})
	data, err := yaml.Marshal(entries)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
