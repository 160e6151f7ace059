package batch

import (
	"sync"

	"github.com/prometheus/procfs"
)

// CPUSampler reads /proc/stat deltas to report whole-machine CPU
// utilization in [0,1]. The first sample after construction reports the
// utilization since boot, every later sample the utilization since the
// previous call.
type CPUSampler struct {
	fs procfs.FS

	mu        sync.Mutex
	prevIdle  float64
	prevTotal float64
}

// NewCPUSampler builds a sampler over the default procfs mount.
func NewCPUSampler() (*CPUSampler, error) {
	fs, err := procfs.NewDefaultFS()
	if err != nil {
		return nil, err
	}
	return &CPUSampler{fs: fs}, nil
}

// Sample implements LoadSampler.
func (c *CPUSampler) Sample() (float64, error) {
	stat, err := c.fs.Stat()
	if err != nil {
		return 0, err
	}
	t := stat.CPUTotal
	idle := t.Idle + t.Iowait
	total := t.User + t.Nice + t.System + t.Idle + t.Iowait + t.IRQ + t.SoftIRQ + t.Steal

	c.mu.Lock()
	defer c.mu.Unlock()
	dIdle := idle - c.prevIdle
	dTotal := total - c.prevTotal
	c.prevIdle = idle
	c.prevTotal = total
	if dTotal <= 0 {
		return 0, nil
	}
	util := 1 - dIdle/dTotal
	if util < 0 {
		util = 0
	}
	if util > 1 {
		util = 1
	}
	return util, nil
}
