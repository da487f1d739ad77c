package utilities

import (
	"sync"

	"github.com/bwmarrin/snowflake"
	"github.com/segmentio/ksuid"
)

// LocalIDPrefix marks ids minted on this side before the server assigned one.
const LocalIDPrefix = "local-"

var (
	nodeMu sync.Mutex
	node   *snowflake.Node
)

// NewKSUID generates a new globally unique KSUID string.
func NewKSUID() string {
	return ksuid.New().String()
}

// NewLocalID returns a placeholder id for an optimistic insert.
func NewLocalID() string {
	return LocalIDPrefix + NewKSUID()
}

// SetSnowflakeNode configures the node used by NewSnowflakeID. Ids minted by
// separate processes only stay unique when each runs with its own node id.
func SetSnowflakeNode(nodeID int64) error {
	n, err := snowflake.NewNode(nodeID)
	if err != nil {
		return err
	}
	nodeMu.Lock()
	node = n
	nodeMu.Unlock()
	return nil
}

// NewSnowflakeID generates a snowflake ID string. If no node was configured
// node 1 is used; if that cannot be initialized it falls back to a KSUID.
func NewSnowflakeID() string {
	nodeMu.Lock()
	if node == nil {
		n, err := snowflake.NewNode(1)
		if err != nil {
			nodeMu.Unlock()
			return NewKSUID()
		}
		node = n
	}
	n := node
	nodeMu.Unlock()
	return n.Generate().String()
}
