package backend

import (
	"encoding/json"
	"fmt"
	"strings"
)

const (
	ServicePrefix = "service"

	DefaultTrafficWeight = 1
)

// ServiceDiscoveryPrefixKey returns the directory holding every registered node.
func ServiceDiscoveryPrefixKey(path string) string {
	return fmt.Sprintf("%s/%s/", path, ServicePrefix)
}

// ServiceDiscoveryKey returns the key of one node of a service.
func ServiceDiscoveryKey(path, service, node string) string {
	return fmt.Sprintf("%s/%s/%s/%s", path, ServicePrefix, service, node)
}

// ServiceFromDiscoveryKey extracts the service name from a node key.
func ServiceFromDiscoveryKey(path, key string) string {
	rest := strings.TrimPrefix(key, ServiceDiscoveryPrefixKey(path))
	service, _, _ := strings.Cut(rest, "/")
	return service
}

// ServiceNode is the value stored for every registered node.
type ServiceNode struct {
	Service  string `json:"service"`
	NodeAddr string `json:"node_addr"`
	Weight   int    `json:"weight"`
}

func (n ServiceNode) String() string {
	v, _ := json.Marshal(n)
	return string(v)
}

// ParseServiceNode decodes a stored node.
func ParseServiceNode(raw string) (*ServiceNode, error) {
	var n ServiceNode
	if err := json.Unmarshal([]byte(raw), &n); err != nil {
		return nil, fmt.Errorf("decode service node: %w", err)
	}
	if n.Weight <= 0 {
		n.Weight = DefaultTrafficWeight
	}
	return &n, nil
}

// ServiceNodes maps a node address to its traffic weight.
type ServiceNodes map[string]int
