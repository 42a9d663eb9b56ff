// Copyright (c) 2015-2022, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package rstripepkg

import (
	"github.com/NVIDIA/stripecache/rlayout"
)

// stripeStateViewStruct is one pass's snapshot of member health.
//
type stripeStateViewStruct struct {
	faulty      []bool
	failed      uint32
	maxDegraded uint32
	raid6       bool
	journalUp   bool
}

func snapshotStripeState() (view *stripeStateViewStruct) {
	var (
		diskIndex int
	)

	view = &stripeStateViewStruct{
		raid6: rlayout.RAIDLevel6 == globals.config.RAIDLevel,
	}

	globals.Lock()
	view.maxDegraded = globals.geometry.MaxDegraded()
	view.faulty = make([]bool, len(globals.members))
	for diskIndex = range globals.members {
		if globals.members[diskIndex].faulty {
			view.faulty[diskIndex] = true
			view.failed++
		}
	}
	globals.Unlock()

	view.journalUp = globals.journal.IsPresent() && !globals.journal.Failed()
	return
}

// costSaturated sentinel: one more than any possible read count on this
// stripe's geometry.
func (stripe *stripeStruct) costSaturated() (cost uint32) {
	cost = uint32(len(stripe.disks)) + 1
	return
}

// rmwReadCost counts the member reads a read-modify-write would need: the
// old contents of every dirty data disk plus old parity. Unreadable members
// saturate the cost.
//
func (stripe *stripeStruct) rmwReadCost(view *stripeStateViewStruct) (cost uint32) {
	var (
		diskIndex int32
		entry     *diskEntryStruct
	)

	cost = 0
	for diskIndex = 0; diskIndex < int32(len(stripe.disks)); diskIndex++ {
		entry = &stripe.disks[diskIndex]
		if (nil == entry.toWrite) && (diskIndex != stripe.pdIdx) {
			continue
		}
		if entry.flags.upToDate {
			continue
		}
		if view.faulty[diskIndex] || entry.flags.readError {
			cost = stripe.costSaturated()
			return
		}
		cost++
	}
	return
}

// rcwReadCost counts the member reads a reconstruct-write would need: the
// old contents of every data disk not fully covered by pending writes.
//
func (stripe *stripeStruct) rcwReadCost(view *stripeStateViewStruct) (cost uint32) {
	var (
		diskIndex int32
		entry     *diskEntryStruct
	)

	cost = 0
	for _, diskIndex = range stripe.dataDiskIndices() {
		entry = &stripe.disks[diskIndex]
		if 0 != (stripe.overwriteBitmap & (uint64(1) << uint(diskIndex))) {
			continue
		}
		if entry.flags.upToDate {
			continue
		}
		if view.faulty[diskIndex] || entry.flags.readError {
			cost = stripe.costSaturated()
			return
		}
		cost++
	}
	return
}

// handleStripeDirtying runs the write-strategy selector for a stripe with
// pending writes: pick read-modify-write or reconstruct-write, request the
// member reads the choice needs, and start the parity pipeline once every
// prerequisite buffer is current. Caller holds the shard lock with
// opsPending == 0 and both pipelines idle.
//
func handleStripeDirtying(stripe *stripeStruct, view *stripeStateViewStruct, actions *[]func()) {
	var (
		diskIndex int32
		entry     *diskEntryStruct
		forceRCW  bool
		ready     bool
		rcwCost   uint32
		rmwCost   uint32
		useRMW    bool
	)

	if stripe.flags.expandSource {
		// writes landed on a stripe being relocated; wait out the copy
		stripe.flags.delayed = true
		return
	}

	if stripe.allDirtyAreDiscards() && stripe.fullOverwrite() {
		startDiscardPipeline(stripe, actions)
		return
	}

	forceRCW = view.raid6 || (0 != view.failed) || stripe.flags.syncRequested

	if forceRCW {
		useRMW = false
	} else {
		rmwCost = stripe.rmwReadCost(view)
		rcwCost = stripe.rcwReadCost(view)
		if rmwCost == rcwCost {
			useRMW = globals.config.PreferRMW
		} else {
			useRMW = rmwCost < rcwCost
		}
		if rmwCost >= stripe.costSaturated() && rcwCost >= stripe.costSaturated() {
			// neither strategy can read what it needs; recovery fills run first
			useRMW = false
		}
	}

	if useRMW {
		// prerequisites: old parity and old contents of each dirty data disk
		ready = true
		for diskIndex = 0; diskIndex < int32(len(stripe.disks)); diskIndex++ {
			entry = &stripe.disks[diskIndex]
			if (nil == entry.toWrite) && (diskIndex != stripe.pdIdx) {
				continue
			}
			if entry.flags.upToDate {
				continue
			}
			ready = false
			if view.faulty[diskIndex] || entry.flags.readError {
				entry.flags.wantCompute = true
			} else {
				entry.flags.wantRead = true
			}
		}
		if ready {
			startRMWPipeline(stripe, actions)
		}
		return
	}

	// reconstruct-write: every data disk must be current or fully overwritten
	ready = true
	for _, diskIndex = range stripe.dataDiskIndices() {
		entry = &stripe.disks[diskIndex]
		if 0 != (stripe.overwriteBitmap & (uint64(1) << uint(diskIndex))) {
			continue
		}
		if entry.flags.upToDate {
			continue
		}
		ready = false
		if view.faulty[diskIndex] || entry.flags.readError {
			entry.flags.wantCompute = true
		} else {
			entry.flags.wantRead = true
		}
	}
	if ready {
		startRCWPipeline(stripe, view, actions)
	}
}

func (stripe *stripeStruct) allDirtyAreDiscards() (allDiscards bool) {
	var (
		cursor    *pendingRequestStruct
		diskIndex int
		sawDirty  bool
	)

	sawDirty = false
	for diskIndex = range stripe.disks {
		for cursor = stripe.disks[diskIndex].toWrite; nil != cursor; cursor = cursor.next {
			sawDirty = true
			if 0 != cursor.length {
				allDiscards = false
				return
			}
		}
	}
	allDiscards = sawDirty
	return
}

// drainEntry copies the entry's pending write fragments into buf (capturing
// the pre-image first when the journal needs it) and moves the chain to
// written. Caller holds the shard lock.
//
func drainEntry(stripe *stripeStruct, diskIndex int32) {
	var (
		cursor    *pendingRequestStruct
		entry     *diskEntryStruct
		journaled bool
	)

	entry = &stripe.disks[diskIndex]

	journaled = false
	for cursor = entry.toWrite; nil != cursor; cursor = cursor.next {
		if 0 != (cursor.request.reqFlags & reqFlagJournaled) {
			journaled = true
		}
	}
	if journaled && (nil == entry.origBuf) {
		entry.origBuf = append([]byte(nil), entry.buf...)
		entry.flags.inJournal = true
	}

	for cursor = entry.toWrite; nil != cursor; cursor = cursor.next {
		if 0 == cursor.length {
			zeroFill(entry.buf)
		} else {
			copy(entry.buf[cursor.unitOff:cursor.unitOff+cursor.length], cursor.request.buf[cursor.bufOff:cursor.bufOff+cursor.length])
		}
	}

	for cursor = entry.toWrite; nil != cursor; {
		next := cursor.next
		cursor.next = nil
		chainInsert(&entry.written, cursor)
		cursor = next
	}
	entry.toWrite = nil

	entry.flags.written = true
	entry.flags.upToDate = true
	entry.flags.wantRead = false
	entry.flags.wantCompute = false
}

// startRMWPipeline schedules the prexor of the old dirty contents and old
// parity; the drain and xor-add follow when it completes.
//
func startRMWPipeline(stripe *stripeStruct, actions *[]func()) {
	var (
		diskIndex int32
		oldBufs   [][]byte
		pBuf      []byte
	)

	globals.stats.RMWSelected.Add(1)

	stripe.prexorUsed = true
	stripe.reconstructState = reconstructStatePrexorRun

	pBuf = stripe.disks[stripe.pdIdx].buf
	stripe.disks[stripe.pdIdx].flags.locked = true

	oldBufs = make([][]byte, 0, len(stripe.disks))
	for diskIndex = 0; diskIndex < int32(len(stripe.disks)); diskIndex++ {
		if nil != stripe.disks[diskIndex].toWrite {
			oldBufs = append(oldBufs, stripe.disks[diskIndex].buf)
			stripe.disks[diskIndex].flags.locked = true
		}
	}

	stripe.addOpLocked()

	*actions = append(*actions, func() {
		globals.compute.XORInto(pBuf, oldBufs, func(err error) {
			stripe.shard.Lock()
			if nil != err {
				logErrorf("prexor failed (sector %d): %v", stripe.sector, err)
				stripe.flags.aborted = true
			}
			stripe.shard.Unlock()
			stripeOpDone(stripe)
		})
	})
}

// continueRMWPipeline drains the dirty chains now that the prexor retired
// and schedules the xor-add of the new contents into parity.
//
func continueRMWPipeline(stripe *stripeStruct, actions *[]func()) {
	var (
		diskIndex int32
		newBufs   [][]byte
		pBuf      []byte
	)

	stripe.reconstructState = reconstructStateComputeRun

	newBufs = make([][]byte, 0, len(stripe.disks))
	for diskIndex = 0; diskIndex < int32(len(stripe.disks)); diskIndex++ {
		if nil != stripe.disks[diskIndex].toWrite {
			drainEntry(stripe, diskIndex)
			newBufs = append(newBufs, stripe.disks[diskIndex].buf)
		}
	}

	pBuf = stripe.disks[stripe.pdIdx].buf

	stripe.addOpLocked()

	*actions = append(*actions, func() {
		globals.compute.XORInto(pBuf, newBufs, func(err error) {
			stripe.shard.Lock()
			if nil != err {
				logErrorf("xor-add failed (sector %d): %v", stripe.sector, err)
				stripe.flags.aborted = true
			}
			stripe.shard.Unlock()
			stripeOpDone(stripe)
		})
	})
}

// startRCWPipeline drains the dirty chains and schedules the full parity
// (raid4/5) or syndrome (raid6) recompute.
//
func startRCWPipeline(stripe *stripeStruct, view *stripeStateViewStruct, actions *[]func()) {
	var (
		dataBufs  [][]byte
		diskIndex int32
		sources   [][]byte
	)

	globals.stats.RCWSelected.Add(1)
	if stripe.fullOverwrite() {
		globals.stats.FullStripeWrites.Add(1)
	}

	stripe.reconstructState = reconstructStateComputeRun

	for diskIndex = 0; diskIndex < int32(len(stripe.disks)); diskIndex++ {
		if nil != stripe.disks[diskIndex].toWrite {
			drainEntry(stripe, diskIndex)
		}
	}

	for _, diskIndex = range stripe.dataDiskIndices() {
		stripe.disks[diskIndex].flags.locked = true
	}
	stripe.disks[stripe.pdIdx].flags.locked = true

	stripe.addOpLocked()

	if view.raid6 {
		stripe.disks[stripe.qdIdx].flags.locked = true
		sources = stripe.syndromeSources(nil)
		*actions = append(*actions, func() {
			globals.compute.GenSyndrome(sources, func(err error) {
				stripe.computeStageDone(err)
			})
		})
	} else {
		dataBufs = make([][]byte, 0, len(stripe.disks)-1)
		for _, diskIndex = range stripe.dataDiskIndices() {
			dataBufs = append(dataBufs, stripe.disks[diskIndex].buf)
		}
		pBuf := stripe.disks[stripe.pdIdx].buf
		*actions = append(*actions, func() {
			globals.compute.XOR(pBuf, dataBufs, func(err error) {
				stripe.computeStageDone(err)
			})
		})
	}
}

// startDiscardPipeline zero-fills the stripe and issues member discards on
// every slot, parity included.
//
func startDiscardPipeline(stripe *stripeStruct, actions *[]func()) {
	var (
		diskIndex int32
	)

	stripe.flags.discarding = true
	stripe.reconstructState = reconstructStateWriteRun

	for diskIndex = 0; diskIndex < int32(len(stripe.disks)); diskIndex++ {
		if nil != stripe.disks[diskIndex].toWrite {
			drainEntry(stripe, diskIndex)
		} else {
			zeroFill(stripe.disks[diskIndex].buf)
			stripe.disks[diskIndex].flags.upToDate = true
		}
		stripe.disks[diskIndex].flags.locked = true
	}

	for diskIndex = 0; diskIndex < int32(len(stripe.disks)); diskIndex++ {
		issueMemberWrite(stripe, diskIndex, DiskOpDiscard, actions)
	}
}

func (stripe *stripeStruct) computeStageDone(err error) {
	stripe.shard.Lock()
	if nil != err {
		logErrorf("parity compute failed (sector %d): %v", stripe.sector, err)
		stripe.flags.aborted = true
	}
	stripe.shard.Unlock()
	stripeOpDone(stripe)
}
