// Package dram models the off-chip memory controller: per-channel read and
// write queues, open-row tracking with row-buffer hit/miss timing, and data
// bus congestion accounting.
package dram

import (
	"github.com/sarchlab/o3sim/timing/mem"
)

// Config holds the controller geometry and timing in controller cycles.
type Config struct {
	Channels int `json:"channels"`
	Banks    int `json:"banks"`

	RQSize int `json:"rq_size"`
	WQSize int `json:"wq_size"`

	// Row-buffer timing: a hit pays TCAS; a miss pays TRP+TRCD+TCAS.
	TRP  uint64 `json:"trp"`
	TRCD uint64 `json:"trcd"`
	TCAS uint64 `json:"tcas"`

	// RowBits is the shift from a block address to its row index.
	RowBits uint `json:"row_bits"`

	// CapacityBytes is the modeled DRAM size, reported at startup.
	CapacityBytes uint64 `json:"capacity_bytes"`
}

// DefaultConfig returns a single-channel DDR-like configuration.
func DefaultConfig() Config {
	return Config{
		Channels:      1,
		Banks:         8,
		RQSize:        48,
		WQSize:        48,
		TRP:           24,
		TRCD:          24,
		TCAS:          24,
		RowBits:       16,
		CapacityBytes: 8 << 30,
	}
}

// ChannelStats counts per-channel row-buffer and congestion events.
type ChannelStats struct {
	RQRowBufferHit  uint64
	RQRowBufferMiss uint64
	WQRowBufferHit  uint64
	WQRowBufferMiss uint64
	WQFull          uint64

	DbusCycleCongested uint64
	DbusCountCongested uint64
}

type channel struct {
	rq, wq   *mem.Queue
	openRow  []uint64
	rowValid []bool

	// One request occupies the data bus until busyUntil.
	busyUntil uint64

	pending []mem.Packet

	stats ChannelStats
}

// Controller is the memory controller terminating the cache hierarchy.
type Controller struct {
	cfg      Config
	cycle    uint64
	channels []*channel
}

// New creates a DRAM controller.
func New(cfg Config) *Controller {
	d := &Controller{cfg: cfg}
	for i := 0; i < cfg.Channels; i++ {
		d.channels = append(d.channels, &channel{
			rq:       mem.NewQueue("DRAM_RQ", cfg.RQSize, 1),
			wq:       mem.NewQueue("DRAM_WQ", cfg.WQSize, 1),
			openRow:  make([]uint64, cfg.Banks),
			rowValid: make([]bool, cfg.Banks),
		})
	}
	return d
}

// Config returns the controller configuration.
func (d *Controller) Config() Config { return d.cfg }

// ChannelStats returns the counters of one channel.
func (d *Controller) ChannelStats(ch int) *ChannelStats { return &d.channels[ch].stats }

// CurrentCycle returns the controller's local cycle count.
func (d *Controller) CurrentCycle() uint64 { return d.cycle }

// FillLevel implements mem.Consumer.
func (d *Controller) FillLevel() int { return mem.FillDRAM }

// MaxRead implements mem.Consumer.
func (d *Controller) MaxRead() int { return d.cfg.Channels }

// ResetStats clears per-phase counters.
func (d *Controller) ResetStats() {
	for _, ch := range d.channels {
		ch.stats = ChannelStats{}
	}
}

func (d *Controller) channelOf(addr uint64) *channel {
	return d.channels[int(addr>>mem.LogBlockSize)%d.cfg.Channels]
}

func (d *Controller) bankOf(addr uint64) int {
	return int(addr>>mem.LogBlockSize>>1) % d.cfg.Banks
}

func (d *Controller) rowOf(addr uint64) uint64 {
	return addr >> mem.LogBlockSize >> d.cfg.RowBits
}

// AddRQ implements mem.Consumer.
func (d *Controller) AddRQ(pkt *mem.Packet) int {
	ch := d.channelOf(pkt.Address)
	if dup := ch.rq.FindBlock(pkt.Address, mem.LogBlockSize); dup != nil {
		dup.ToReturn = append(dup.ToReturn, pkt.ToReturn...)
		return 0
	}
	if ch.rq.Full() {
		return mem.Refused
	}
	ch.rq.Push(pkt, d.cycle)
	return ch.rq.Occupancy() - 1
}

// AddWQ implements mem.Consumer.
func (d *Controller) AddWQ(pkt *mem.Packet) int {
	ch := d.channelOf(pkt.Address)
	if ch.wq.Full() {
		ch.stats.WQFull++
		return mem.Refused
	}
	ch.wq.Push(pkt, d.cycle)
	return ch.wq.Occupancy() - 1
}

// AddPQ implements mem.Consumer. Prefetches reaching DRAM are plain reads.
func (d *Controller) AddPQ(pkt *mem.Packet) int { return d.AddRQ(pkt) }

// Occupancy implements mem.Consumer.
func (d *Controller) Occupancy(q mem.QueueType, addr uint64) int {
	ch := d.channelOf(addr)
	switch q {
	case mem.QueueRQ:
		return ch.rq.Occupancy()
	case mem.QueueWQ:
		return ch.wq.Occupancy()
	}
	return 0
}

// Size implements mem.Consumer.
func (d *Controller) Size(q mem.QueueType, addr uint64) int {
	switch q {
	case mem.QueueRQ:
		return d.cfg.RQSize
	case mem.QueueWQ:
		return d.cfg.WQSize
	}
	return 0
}

// Operate advances the controller by one cycle.
func (d *Controller) Operate() {
	d.cycle++
	for _, ch := range d.channels {
		d.operateChannel(ch)
	}
}

func (d *Controller) operateChannel(ch *channel) {
	d.completePending(ch)

	rqReady := ch.rq.HasReady(d.cycle)
	wqReady := ch.wq.HasReady(d.cycle)

	if ch.busyUntil > d.cycle {
		if rqReady || wqReady {
			ch.stats.DbusCycleCongested++
			ch.stats.DbusCountCongested++
		}
		return
	}

	// Writes drain only when no read is waiting; reads are latency-critical.
	switch {
	case rqReady:
		pkt := ch.rq.Pop()
		latency := d.accessLatency(ch, pkt.Address, true)
		pkt.EventCycle = d.cycle + latency
		ch.pending = append(ch.pending, pkt)
		ch.busyUntil = d.cycle + latency
	case wqReady:
		pkt := ch.wq.Pop()
		ch.busyUntil = d.cycle + d.accessLatency(ch, pkt.Address, false)
	}
}

func (d *Controller) accessLatency(ch *channel, addr uint64, isRead bool) uint64 {
	bank := d.bankOf(addr)
	row := d.rowOf(addr)

	hit := ch.rowValid[bank] && ch.openRow[bank] == row
	ch.openRow[bank] = row
	ch.rowValid[bank] = true

	if hit {
		if isRead {
			ch.stats.RQRowBufferHit++
		} else {
			ch.stats.WQRowBufferHit++
		}
		return d.cfg.TCAS
	}

	if isRead {
		ch.stats.RQRowBufferMiss++
	} else {
		ch.stats.WQRowBufferMiss++
	}
	return d.cfg.TRP + d.cfg.TRCD + d.cfg.TCAS
}

func (d *Controller) completePending(ch *channel) {
	kept := ch.pending[:0]
	for i := range ch.pending {
		pkt := &ch.pending[i]
		if pkt.EventCycle <= d.cycle {
			for _, ret := range pkt.ToReturn {
				ret.ReturnData(pkt)
			}
			continue
		}
		kept = append(kept, *pkt)
	}
	ch.pending = kept
}
