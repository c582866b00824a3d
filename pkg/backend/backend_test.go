package backend

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyLayout(t *testing.T) {
	assert.Equal(t, "/grc/config/", ConfigPrefixKey("/grc"))
	assert.Equal(t, "/grc/config/order/", ServiceConfigKey("/grc", "order"))
	assert.Equal(t, "/grc/nodeid/order", NodeIDKey("/grc", "order"))
	assert.Equal(t, "/grc/service/", ServiceDiscoveryPrefixKey("/grc"))
	assert.Equal(t, "/grc/service/order/10.0.0.1:80", ServiceDiscoveryKey("/grc", "order", "10.0.0.1:80"))
	assert.Equal(t, "order", ServiceFromDiscoveryKey("/grc", "/grc/service/order/10.0.0.1:80"))
}

func TestConfigItemsKVs(t *testing.T) {
	items := ConfigItems{"A": {Type: "int", Value: "1"}}
	items.Add(ConfigItems{"B/C": {Type: "string", Value: "x", Comment: "nested"}})

	kvs := items.KVs("/grc/config/svc/")
	require.Len(t, kvs, 2)

	item, err := ParseConfigItem(kvs["/grc/config/svc/B/C"])
	require.NoError(t, err)
	assert.Equal(t, "x", item.Value)
	assert.Equal(t, "nested", item.Comment)
}

func TestParseConfigItemRejectsGarbage(t *testing.T) {
	_, err := ParseConfigItem("{")
	assert.Error(t, err)
}

func TestParseServiceNodeDefaultsWeight(t *testing.T) {
	n, err := ParseServiceNode(ServiceNode{Service: "svc", NodeAddr: "a:1"}.String())
	require.NoError(t, err)
	assert.Equal(t, DefaultTrafficWeight, n.Weight)
	assert.Equal(t, "a:1", n.NodeAddr)
}
