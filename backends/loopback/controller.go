package loopback

import (
	"github.com/gomlx/collectives/comms"
	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
)

// controller implements comms.Controller over one loopback group.
type controller struct {
	group      *group
	globalRank int

	// rank within the group, or -1 if the owning process is not a member.
	rank int

	initialized bool
}

// Compile-time check that the loopback controller implements comms.Controller.
var _ comms.Controller = &controller{}

// GetSize implements comms.Controller.
func (c *controller) GetSize() int {
	return c.group.size
}

// Rank implements comms.Controller. It panics if the owning process is not a
// member of the group.
func (c *controller) Rank() int {
	if c.rank < 0 {
		exceptions.Panicf("process with global rank %d is not a member of this group", c.globalRank)
	}
	return c.rank
}

// IsInitialized implements comms.Controller.
func (c *controller) IsInitialized() bool {
	return c.initialized
}

// Initialize implements comms.Controller.
func (c *controller) Initialize() error {
	if c.rank < 0 {
		return errors.Errorf("cannot initialize controller: process with global rank %d is not a member of the group", c.globalRank)
	}
	c.initialized = true
	return nil
}

// AllgatherInt implements comms.Controller.
func (c *controller) AllgatherInt(v int32) ([]int32, error) {
	if !c.initialized {
		return nil, errors.New("controller has not been initialized")
	}
	contribs := c.group.exchange(c.rank, []int32{v})
	gathered := make([]int32, len(contribs))
	for rank, contrib := range contribs {
		gathered[rank] = contrib[0]
	}
	return gathered, nil
}
