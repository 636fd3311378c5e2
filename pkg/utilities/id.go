package utilities

import (
	"os"
	"strconv"
	"sync"

	"github.com/bwmarrin/snowflake"
	"github.com/segmentio/ksuid"
)

var (
	nodeOnce sync.Once
	node     *snowflake.Node
)

// NewKSUID generates a new globally unique KSUID string.
func NewKSUID() string {
	return ksuid.New().String()
}

// NextID returns a snowflake id from the process-wide node. The node id is
// read once from SNOWFLAKE_NODE and falls back to 1 when unset or invalid.
func NextID() int64 {
	nodeOnce.Do(func() {
		n, err := snowflake.NewNode(nodeIDFromEnv())
		if err != nil {
			n, _ = snowflake.NewNode(1)
		}
		node = n
	})
	return node.Generate().Int64()
}

func nodeIDFromEnv() int64 {
	v := os.Getenv("SNOWFLAKE_NODE")
	if v == "" {
		return 1
	}
	id, err := strconv.ParseInt(v, 10, 64)
	if err != nil || id < 0 || id > 1023 {
		return 1
	}
	return id
}
