// Copyright (c) 2015-2022, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package rstripepkg

import (
	"container/list"
	"sync"
	"sync/atomic"

	"github.com/google/btree"

	"github.com/NVIDIA/stripecache/rlayout"
)

type reqOpType uint32

const (
	reqOpRead reqOpType = iota
	reqOpWrite
	reqOpDiscard
)

// requestStruct tracks one caller request across every stripe fragment it
// was split into. remaining counts fragments not yet finally completed;
// failed latches any fragment failure so done() reports it exactly once.
//
type requestStruct struct {
	op            reqOpType
	logicalSector uint64
	buf           []byte
	sectorCount   uint64 // discard only
	reqFlags      uint32 // admission-time write mode; batch members must match
	remaining     int64  // atomic
	failed        uint32 // atomic: != 0 once any fragment failed
	done          func(err error)
}

func (request *requestStruct) completeFragment(fragmentErr error) {
	if nil != fragmentErr {
		atomic.StoreUint32(&request.failed, 1)
	}
	if 0 == atomic.AddInt64(&request.remaining, -1) {
		if 0 != atomic.LoadUint32(&request.failed) {
			request.done(EIOError)
		} else {
			request.done(nil)
		}
	}
}

// pendingRequestStruct is one fragment of a requestStruct hanging off a
// stripe's disk entry, chained in strictly ascending sector order. A
// zero-length fragment is a discard marker.
//
type pendingRequestStruct struct {
	request *requestStruct
	sector  uint64 // logical array sector of the fragment (ordering key)
	bufOff  int    // offset into request.buf
	unitOff int    // byte offset within the disk's stripe unit
	length  int    // bytes; 0 for a discard marker
	next    *pendingRequestStruct
}

func (pendingRequest *pendingRequestStruct) overlaps(unitOff int, length int) (hit bool) {
	if (0 == length) || (0 == pendingRequest.length) {
		// discard markers cover the whole unit
		hit = true
		return
	}
	hit = (unitOff < pendingRequest.unitOff+pendingRequest.length) && (pendingRequest.unitOff < unitOff+length)
	return
}

type diskEntryFlagsStruct struct {
	locked      bool // an async I/O or compute owns buf
	upToDate    bool // buf holds the on-disk (or newer drained) contents
	wantRead    bool // reconciler decided a member read is needed
	wantWrite   bool // reconciler decided a member write is needed
	wantCompute bool // buf is to be produced by the compute collaborator
	written     bool // drained write data present in buf, not yet durable
	overlap     bool // an admitter is waiting for this slot's chain to drain
	inJournal   bool // journal holds this unit's pre-image
	readError   bool // last member read failed; rewrite-then-reread pending
}

type diskEntryStruct struct {
	buf     []byte
	origBuf []byte // prexor shadow when the journal needs pre-images; else nil
	flags   diskEntryFlagsStruct
	toRead  *pendingRequestStruct
	toWrite *pendingRequestStruct
	written *pendingRequestStruct
}

// Reconstruct (write pipeline) sub-state. Each Run state covers one async
// stage; completions requeue the stripe, which advances to the next stage.
const (
	reconstructStateIdle       = uint32(iota)
	reconstructStatePrexorRun  // prexor of old contents into parity in flight
	reconstructStateComputeRun // parity/syndrome (re)compute in flight
	reconstructStateWriteRun   // member writes in flight
)

// Check/repair sub-state.
const (
	checkStateIdle       = uint32(iota)
	checkStateRun        // syndrome validation in flight
	checkStateComputeRun // repair recompute in flight
	checkStateWriteRun   // repair writes in flight
)

type stripeFlagsStruct struct {
	handling       bool // a handleStripe() pass is active (mutual exclusion)
	handlePending  bool // a pass was requested while one was active
	onHandleList   bool
	onFreeList     bool
	needsHandle    bool // route to the handle queue at last release
	delayed        bool // strategy could not proceed; re-plug in sector order
	fresh          bool // initialized this acquire; batch-merge candidate
	discarding     bool // discard in progress; reinitialize when drained
	expanding      bool // reshape destination; never returns to the free pool
	expandSource   bool // reshape source; data is being copied out
	syncRequested  bool // fill everything and validate (resync)
	checkRequested bool
	repairWanted   bool // a checkRequested mismatch is to be rewritten
	inBatch        bool
	aborted        bool // redundancy exhausted; all I/O on this stripe fails
}

// stripeStruct is one stripe descriptor: a row across all member disks at
// per-disk sector `sector` under geometry epoch `generation`. All mutable
// descriptor state (refCount, hash membership, flags, chains) is guarded by
// the owning cache shard's lock; a disk entry's buf is owned by whichever
// async operation holds its locked flag.
//
type stripeStruct struct {
	overlapCond *sync.Cond // Locker == owning shard; broadcast when an overlap flag clears

	sector     uint64
	generation uint64

	shard    *cacheShardStruct
	refCount uint64

	pdIdx int32
	qdIdx int32 // -1 below raid6

	disks []diskEntryStruct

	flags            stripeFlagsStruct
	reconstructState uint32
	checkState       uint32
	checkMismatch    uint32
	checkDone        []func(mismatchMask uint32, err error)

	overwriteBitmap uint64 // bit per member: pending writes fully cover unit
	readRetryCount  uint32
	opsPending      uint32 // async compute/disk ops outstanding this stripe

	prexorUsed bool // write pipeline ran the prexor flavor

	copyDone func() // expandSource: invoked once all data entries fill

	batchHead    *stripeStruct   // inBatch: the head (== itself for the head)
	batchMembers []*stripeStruct // head only

	freeElement *list.Element // position on shard free list; nil otherwise
}

// Less orders stripes by (sector, generation) for the delayed tree.
//
func (stripe *stripeStruct) Less(than btree.Item) (less bool) {
	var (
		other *stripeStruct
	)

	other = than.(*stripeStruct)
	if stripe.sector != other.sector {
		less = stripe.sector < other.sector
	} else {
		less = stripe.generation < other.generation
	}
	return
}

func newStripe() (stripe *stripeStruct) {
	var (
		diskCount uint32
		diskIndex int
	)

	globals.Lock()
	diskCount = globals.config.DiskCount
	globals.Unlock()

	stripe = &stripeStruct{
		disks: make([]diskEntryStruct, diskCount),
	}
	for diskIndex = range stripe.disks {
		stripe.disks[diskIndex].buf = make([]byte, globals.config.StripeUnitBytes)
	}
	return
}

// initStripe prepares a free descriptor for (sector, generation). Caller
// holds the owning shard's lock; the descriptor is unhashed and unreferenced.
//
func initStripe(stripe *stripeStruct, sector uint64, generation uint64) {
	var (
		diskIndex int
		geometry  rlayout.GeometryStruct
	)

	geometry = geometryForGeneration(generation)

	if len(stripe.disks) != int(geometry.DiskCount) {
		// descriptor predates a reshape to a different member count
		stripe.disks = make([]diskEntryStruct, geometry.DiskCount)
		for diskIndex = range stripe.disks {
			stripe.disks[diskIndex].buf = make([]byte, globals.config.StripeUnitBytes)
		}
	}

	stripe.overlapCond = sync.NewCond(&stripe.shard.Mutex)

	stripe.sector = sector
	stripe.generation = generation

	_, _, stripe.pdIdx, stripe.qdIdx = geometry.ComputeSector(firstLogicalSectorOfStripe(sector, &geometry))

	for diskIndex = range stripe.disks {
		stripe.disks[diskIndex].flags = diskEntryFlagsStruct{}
		stripe.disks[diskIndex].origBuf = nil
		stripe.disks[diskIndex].toRead = nil
		stripe.disks[diskIndex].toWrite = nil
		stripe.disks[diskIndex].written = nil
	}

	stripe.flags = stripeFlagsStruct{fresh: true}
	stripe.reconstructState = reconstructStateIdle
	stripe.checkState = checkStateIdle
	stripe.checkMismatch = 0
	stripe.checkDone = nil
	stripe.overwriteBitmap = 0
	stripe.readRetryCount = 0
	stripe.opsPending = 0
	stripe.prexorUsed = false
	stripe.copyDone = nil
	stripe.batchHead = nil
	stripe.batchMembers = nil
	stripe.freeElement = nil
}

// firstLogicalSectorOfStripe inverts the per-disk stripe sector to the
// logical sector its first data unit holds; pd/qd depend only on the row so
// any data member serves.
//
func firstLogicalSectorOfStripe(stripeSector uint64, geometry *rlayout.GeometryStruct) (logicalSector uint64) {
	var (
		chunkOffset uint64
		dataDisks   uint64
		stripeRow   uint64
	)

	dataDisks = uint64(geometry.DataDisks())
	stripeRow = stripeSector / geometry.ChunkSectors
	chunkOffset = stripeSector % geometry.ChunkSectors

	logicalSector = (stripeRow*dataDisks)*geometry.ChunkSectors + chunkOffset
	return
}

// geometryForGeneration resolves the geometry a descriptor generation maps
// through: during a reshape the destination generation uses the new
// geometry; descriptors of an already-superseded generation keep mapping
// through the previous one until they age out of the cache. Returned by
// value so the caller's mapping survives a concurrent reshape commit.
//
func geometryForGeneration(generation uint64) (geometry rlayout.GeometryStruct) {
	globals.Lock()
	if (nil != globals.reshape) && (generation > globals.generation) {
		geometry = globals.reshape.newGeometry
	} else if generation < globals.generation {
		geometry = globals.prevGeometry
	} else {
		geometry = globals.geometry
	}
	globals.Unlock()
	return
}

// dataDiskIndices lists the stripe's non-redundancy members.
//
func (stripe *stripeStruct) dataDiskIndices() (dataDisks []int32) {
	var (
		diskIndex int32
	)

	dataDisks = make([]int32, 0, len(stripe.disks)-1)
	for diskIndex = 0; diskIndex < int32(len(stripe.disks)); diskIndex++ {
		if (diskIndex != stripe.pdIdx) && (diskIndex != stripe.qdIdx) {
			dataDisks = append(dataDisks, diskIndex)
		}
	}
	return
}

// fullOverwrite reports whether pending writes fully cover every data unit.
//
func (stripe *stripeStruct) fullOverwrite() (full bool) {
	var (
		diskIndex int32
	)

	for _, diskIndex = range stripe.dataDiskIndices() {
		if 0 == (stripe.overwriteBitmap & (uint64(1) << uint(diskIndex))) {
			full = false
			return
		}
	}
	full = true
	return
}

// chainInsert adds pendingRequest to *chain keeping ascending sector order.
//
func chainInsert(chain **pendingRequestStruct, pendingRequest *pendingRequestStruct) {
	var (
		cursor **pendingRequestStruct
	)

	cursor = chain
	for (nil != *cursor) && ((*cursor).sector <= pendingRequest.sector) {
		cursor = &(*cursor).next
	}
	pendingRequest.next = *cursor
	*cursor = pendingRequest
}

// chainOverlaps reports whether any fragment on chain overlaps the byte
// range [unitOff, unitOff+length) of the unit.
//
func chainOverlaps(chain *pendingRequestStruct, unitOff int, length int) (hit bool) {
	var (
		cursor *pendingRequestStruct
	)

	for cursor = chain; nil != cursor; cursor = cursor.next {
		if cursor.overlaps(unitOff, length) {
			hit = true
			return
		}
	}
	hit = false
	return
}

// chainTake detaches and returns the whole chain.
//
func chainTake(chain **pendingRequestStruct) (head *pendingRequestStruct) {
	head = *chain
	*chain = nil
	return
}

// failChain completes every fragment on chain with EIOError.
//
func failChain(chain *pendingRequestStruct) {
	var (
		cursor *pendingRequestStruct
	)

	for cursor = chain; nil != cursor; cursor = cursor.next {
		cursor.request.completeFragment(EIOError)
	}
}
