// Package mem defines the request/response plumbing shared by every level of
// the memory hierarchy: packets, bounded latency queues, the consumer/producer
// interfaces, and the cache bus the core polls for returned data.
package mem

import (
	"math"

	"github.com/sarchlab/o3sim/insts"
)

// Address geometry shared across the hierarchy.
const (
	LogPageSize  = 12
	PageSize     = 1 << LogPageSize
	LogBlockSize = 6
	BlockSize    = 1 << LogBlockSize
)

// EventCycleMax marks a queue entry that is waiting on an external response
// rather than on the local clock.
const EventCycleMax = math.MaxUint64

// Refused is the return code of AddRQ/AddWQ/AddPQ when the target queue has no
// room. The producer must retry next cycle without consuming its source slot.
const Refused = -2

// AccessType is the kind of memory request a packet carries.
type AccessType uint8

const (
	Load AccessType = iota
	RFO
	Prefetch
	Writeback
	Translation
	NumAccessTypes
)

func (t AccessType) String() string {
	switch t {
	case Load:
		return "LOAD"
	case RFO:
		return "RFO"
	case Prefetch:
		return "PREFETCH"
	case Writeback:
		return "WRITEBACK"
	case Translation:
		return "TRANSLATION"
	}
	return "UNKNOWN"
}

// Fill levels tag where a returned line should be populated.
const (
	FillL1   = 1
	FillL2   = 2
	FillLLC  = 4
	FillDRC  = 8
	FillDRAM = 16
)

// QueueType selects a queue in Occupancy/Size queries.
type QueueType uint8

const (
	QueueMSHR QueueType = iota
	QueueRQ
	QueueWQ
	QueuePQ
)

// LSQRef is a stable handle to an LQ or SQ slot. Slots are reused, so a
// returned packet's handle is only honored when the slot still carries the
// same instruction id.
type LSQRef struct {
	Index int
	ID    uint64
}

// Packet is one in-flight memory request.
//
// Queues hold packets by value; EventCycle doubles as the readiness stamp of
// whatever queue currently owns the packet.
type Packet struct {
	Address  uint64
	VAddress uint64
	Type     AccessType

	InstrID uint64
	IP      uint64
	CPU     int
	ASID    [2]uint8

	FillLevel            int
	TranslationLevel     int
	InitTranslationLevel int

	// Data carries the payload of a response. For translations it is the
	// resolved physical address >> LogPageSize.
	Data uint64

	CycleEnqueued uint64
	EventCycle    uint64

	ToReturn        []Producer
	InstrDependOnMe []*insts.Instruction
	LQDependOnMe    []LSQRef
	SQDependOnMe    []LSQRef
}

// Consumer is a memory element that accepts requests: a cache, the page-table
// walker, or the DRAM controller.
type Consumer interface {
	AddRQ(pkt *Packet) int
	AddWQ(pkt *Packet) int
	AddPQ(pkt *Packet) int
	Occupancy(q QueueType, addr uint64) int
	Size(q QueueType, addr uint64) int
	FillLevel() int
	MaxRead() int
}

// Producer receives completed requests back from a lower level.
type Producer interface {
	ReturnData(pkt *Packet)
}

// SpliceBits combines the upper bits of upper with the low `bits` bits of
// lower.
func SpliceBits(upper, lower uint64, bits uint) uint64 {
	mask := (uint64(1) << bits) - 1
	return (upper &^ mask) | (lower & mask)
}
