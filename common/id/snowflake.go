package id

import (
	"strconv"
	"sync"

	"github.com/bwmarrin/snowflake"
)

var (
	node *snowflake.Node
	once sync.Once
)

// Init initializes the Snowflake node with the given node ID.
// The server and worker must use different node IDs.
func Init(nodeID int64) error {
	var err error
	once.Do(func() {
		node, err = snowflake.NewNode(nodeID)
	})
	return err
}

// New generates a time-ordered int64 ID.
func New() int64 {
	return node.Generate().Int64()
}

// NewString returns a new ID in base 10, used for reply message ids
// which share a column with caller-supplied string ids.
func NewString() string {
	return strconv.FormatInt(New(), 10)
}
