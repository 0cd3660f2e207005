package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/bardlex/zmqnotify/internal/notify"
	"github.com/bardlex/zmqnotify/pkg/errors"
)

// FileBinding is one entry of the YAML bindings file
type FileBinding struct {
	Topic   string `yaml:"topic"`
	Address string `yaml:"address"`
	HWM     int    `yaml:"hwm,omitempty"`
}

// File is the layout of ZMQ_CONFIG_FILE
type File struct {
	Bindings []FileBinding `yaml:"bindings"`
}

// ParseBindings parses comma-separated topic=address directives. An empty
// string yields no bindings.
func ParseBindings(directives string) ([]notify.Binding, error) {
	var out []notify.Binding
	seen := make(map[notify.Topic]bool)

	for _, raw := range strings.Split(directives, ",") {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}

		name, address, ok := strings.Cut(raw, "=")
		if !ok {
			return nil, errors.New(errors.ErrorTypeConfig, "parse_bindings",
				fmt.Sprintf("directive %q is not topic=address", raw))
		}

		topic, err := notify.ParseTopic(strings.TrimSpace(name))
		if err != nil {
			return nil, err
		}
		if seen[topic] {
			return nil, errors.New(errors.ErrorTypeConfig, "parse_bindings",
				fmt.Sprintf("duplicate topic %s", topic))
		}
		seen[topic] = true

		address = strings.TrimSpace(address)
		if err := notify.ValidateAddress(address); err != nil {
			return nil, err
		}

		out = append(out, notify.Binding{Topic: topic, Address: address})
	}

	return out, nil
}

// ParseFile decodes a YAML bindings document
func ParseFile(data []byte) ([]notify.Binding, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "parse_config_file",
			"invalid YAML")
	}

	out := make([]notify.Binding, 0, len(f.Bindings))
	for i, fb := range f.Bindings {
		topic, err := notify.ParseTopic(fb.Topic)
		if err != nil {
			return nil, err
		}
		if fb.HWM < 0 {
			return nil, errors.New(errors.ErrorTypeConfig, "parse_config_file",
				fmt.Sprintf("binding %d: negative hwm %d", i, fb.HWM))
		}
		out = append(out, notify.Binding{Topic: topic, Address: fb.Address, HighWaterMark: fb.HWM})
	}

	if err := notify.ValidateBindings(out); err != nil {
		return nil, err
	}
	return out, nil
}

// LoadBindings merges the bindings file with env directives and resolves
// each binding's high-water mark. A directive replaces a file entry for the
// same topic. The high-water mark comes from, in order: the per-topic
// override, the file entry, then defaultHWM.
func LoadBindings(path, directives string, defaultHWM int, overrides map[notify.Topic]int) ([]notify.Binding, error) {
	var merged []notify.Binding
	index := make(map[notify.Topic]int)

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeConfig, "load_config_file",
				"failed to read bindings file").
				WithContext("path", path)
		}
		fromFile, err := ParseFile(data)
		if err != nil {
			return nil, err
		}
		for _, b := range fromFile {
			index[b.Topic] = len(merged)
			merged = append(merged, b)
		}
	}

	fromEnv, err := ParseBindings(directives)
	if err != nil {
		return nil, err
	}
	for _, b := range fromEnv {
		if i, ok := index[b.Topic]; ok {
			merged[i] = b
			continue
		}
		index[b.Topic] = len(merged)
		merged = append(merged, b)
	}

	for i := range merged {
		b := &merged[i]
		if hwm, ok := overrides[b.Topic]; ok {
			b.HighWaterMark = hwm
		} else if b.HighWaterMark == 0 {
			b.HighWaterMark = defaultHWM
		}
	}

	if err := notify.ValidateBindings(merged); err != nil {
		return nil, err
	}
	return merged, nil
}

// ParseTopics parses a comma-separated topic list. Empty means every topic.
func ParseTopics(list string) ([]notify.Topic, error) {
	var out []notify.Topic
	for _, name := range strings.Split(list, ",") {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		topic, err := notify.ParseTopic(name)
		if err != nil {
			return nil, err
		}
		out = append(out, topic)
	}
	if len(out) == 0 {
		return notify.Topics(), nil
	}
	return out, nil
}
