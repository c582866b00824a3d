package backend

import (
	"encoding/json"
	"fmt"
)

const (
	ConfigPrefix = "config"
	NodeIDPrefix = "nodeid"
)

// ConfigPrefixKey returns the directory holding the config of every service.
func ConfigPrefixKey(path string) string {
	return fmt.Sprintf("%s/%s/", path, ConfigPrefix)
}

// ServiceConfigKey returns the directory holding the config of one service.
func ServiceConfigKey(path, service string) string {
	return fmt.Sprintf("%s/%s/%s/", path, ConfigPrefix, service)
}

// NodeIDKey returns the counter key used to allocate node IDs of a service.
func NodeIDKey(path, service string) string {
	return fmt.Sprintf("%s/%s/%s", path, NodeIDPrefix, service)
}

// ConfigItem is the value stored for every config field.
type ConfigItem struct {
	Type     string `json:"type"`
	HintType string `json:"hint_type"`
	Value    string `json:"value"`
	Comment  string `json:"comment"`
}

func (c ConfigItem) String() string {
	v, _ := json.Marshal(c)
	return string(v)
}

// ParseConfigItem decodes a stored config item.
func ParseConfigItem(raw string) (*ConfigItem, error) {
	var item ConfigItem
	if err := json.Unmarshal([]byte(raw), &item); err != nil {
		return nil, fmt.Errorf("decode config item: %w", err)
	}
	return &item, nil
}

// ConfigItems maps a field path (Parent/Child) to its item.
type ConfigItems map[string]*ConfigItem

// Add merges items into c.
func (c ConfigItems) Add(items ConfigItems) {
	for k, v := range items {
		c[k] = v
	}
}

// KVs returns the backend keys and encoded values of c under servicePath.
func (c ConfigItems) KVs(servicePath string) map[string]string {
	kvs := make(map[string]string, len(c))
	for key, item := range c {
		kvs[servicePath+key] = item.String()
	}
	return kvs
}
