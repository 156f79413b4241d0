package worker

import (
	"github.com/yanet-platform/tgen/common/go/numa"
	"github.com/yanet-platform/tgen/dataplane/mbuf"
	"github.com/yanet-platform/tgen/dataplane/node"
)

// Config is the worker configuration.
type Config struct {
	// ID is the worker index, used in logs and metrics.
	ID int `yaml:"id"`
	// CPU the worker thread is pinned to; negative disables pinning.
	CPU int `yaml:"cpu"`
	// Socket is the NUMA socket buffers are allocated from.
	Socket numa.SocketID `yaml:"socket"`
	// Nodes is the node pool capacity.
	Nodes int `yaml:"nodes"`
	// Mailbox is the number of commands that can wait for the worker.
	Mailbox int `yaml:"mailbox"`
	// Events is the size of the event channel.
	Events int `yaml:"events"`
	// Policy is applied when a node cannot get a buffer.
	Policy node.AllocPolicy `yaml:"alloc_policy"`
	// ExitIdle makes Run return once no port runs and the queue is empty.
	ExitIdle bool `yaml:"exit_idle"`
	// Buffers configures the worker's packet buffer pool.
	Buffers mbuf.Config `yaml:"buffers"`
}

// DefaultConfig returns the default worker configuration.
func DefaultConfig() Config {
	return Config{
		CPU:     -1,
		Nodes:   4096,
		Mailbox: 64,
		Events:  64,
		Policy:  node.FailFast,
		Buffers: mbuf.DefaultConfig(),
	}
}
