package redis

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKeyNamespacing(t *testing.T) {
	c := &Client{prefix: "iotmart:"}
	assert.Equal(t, "iotmart:listings:snapshot", c.key("listings", "snapshot"))
	assert.Equal(t, "iotmart:lock:verify:0xab", c.key("lock", "verify:0xab"))
	assert.Equal(t, "iotmart:ch:stats", c.key("ch:stats"))

	bare := &Client{}
	assert.Equal(t, "ratelimit:1.2.3.4", bare.key("ratelimit", "1.2.3.4"))
}

func TestSlidingWindowScriptEmbedded(t *testing.T) {
	assert.Contains(t, slidingWindowLua, "ZREMRANGEBYSCORE")
}
