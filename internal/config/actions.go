package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"actionrunner/internal/core"
)

// ActionSpec is an action template as written in the seed file.
type ActionSpec struct {
	Name      string `yaml:"name"`
	Slug      string `yaml:"slug"`
	APIKey    string `yaml:"api_key"`
	TaskURL   string `yaml:"task_url"`
	Interval  string `yaml:"interval"`
	ChannelID string `yaml:"channel_id"`
}

type actionsFile struct {
	Actions []ActionSpec `yaml:"actions"`
}

// LoadActions reads action templates from a YAML file. Values of the form
// ${VAR} are expanded from the environment so API keys can stay out of the file.
func LoadActions(path string) ([]*core.Action, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read actions file: %w", err)
	}
	var file actionsFile
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &file); err != nil {
		return nil, fmt.Errorf("parse actions file: %w", err)
	}

	seen := make(map[string]bool, len(file.Actions))
	actions := make([]*core.Action, 0, len(file.Actions))
	for i, entry := range file.Actions {
		action, err := entry.toAction()
		if err != nil {
			return nil, fmt.Errorf("actions[%d]: %w", i, err)
		}
		if seen[action.Name] {
			return nil, fmt.Errorf("actions[%d]: duplicate name %q", i, action.Name)
		}
		seen[action.Name] = true
		actions = append(actions, action)
	}
	return actions, nil
}

func (s ActionSpec) toAction() (*core.Action, error) {
	action := &core.Action{
		Name:   strings.TrimSpace(s.Name),
		Slug:   strings.TrimSpace(s.Slug),
		APIKey: strings.TrimSpace(s.APIKey),
	}
	if v := strings.TrimSpace(s.TaskURL); v != "" {
		action.TaskURL = &v
	}
	if v := strings.TrimSpace(s.ChannelID); v != "" {
		action.ChannelID = &v
	}
	if v := strings.TrimSpace(s.Interval); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("interval: %w", err)
		}
		if d < time.Millisecond {
			return nil, fmt.Errorf("interval must be at least 1ms, got %s", d)
		}
		action.Interval = &d
	}
	if err := action.Validate(); err != nil {
		return nil, err
	}
	return action, nil
}
