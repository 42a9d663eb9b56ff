// Copyright (c) 2015-2022, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package rstripepkg

import (
	"sync"

	"github.com/NVIDIA/stripecache/rlayout"
	"github.com/NVIDIA/stripecache/rparity"
)

// unitBufPool recycles stripe-unit-sized scratch buffers (raid4/5 syndrome
// calls need a placeholder Q slot; reread verification needs a landing buf).
var unitBufPool sync.Pool

func getUnitBuf() (buf []byte) {
	var (
		cached interface{}
	)

	cached = unitBufPool.Get()
	if nil != cached {
		buf = cached.([]byte)
		if uint64(len(buf)) == globals.config.StripeUnitBytes {
			return
		}
	}
	buf = make([]byte, globals.config.StripeUnitBytes)
	return
}

func putUnitBuf(buf []byte) {
	unitBufPool.Put(buf)
}

func zeroFill(dst []byte) {
	var (
		i int
	)

	for i = range dst {
		dst[i] = 0
	}
}

// addOpLocked accounts one async operation; the transition from zero takes
// a descriptor reference on the pipeline's behalf (dropped by the final
// stripeOpDone). Caller holds the shard lock.
//
func (stripe *stripeStruct) addOpLocked() {
	if 0 == stripe.opsPending {
		stripe.refCount++
	}
	stripe.opsPending++
}

func (stripe *stripeStruct) syndromeOrder() (order []int32) {
	var (
		geometry rlayout.GeometryStruct
	)

	geometry = geometryForGeneration(stripe.generation)
	order = geometry.SyndromeDataOrder(stripe.pdIdx, stripe.qdIdx)
	return
}

// syndromeSources builds the compute source vector: data bufs in canonical
// slot order, then P, then Q (qScratch stands in below raid6).
//
func (stripe *stripeStruct) syndromeSources(qScratch []byte) (sources [][]byte) {
	var (
		diskIndex int32
		order     []int32
	)

	order = stripe.syndromeOrder()

	sources = make([][]byte, 0, len(order)+2)
	for _, diskIndex = range order {
		sources = append(sources, stripe.disks[diskIndex].buf)
	}
	sources = append(sources, stripe.disks[stripe.pdIdx].buf)
	if stripe.qdIdx >= 0 {
		sources = append(sources, stripe.disks[stripe.qdIdx].buf)
	} else {
		sources = append(sources, qScratch)
	}
	return
}

// slotOfDisk maps a member index to its syndrome source slot.
//
func (stripe *stripeStruct) slotOfDisk(diskIndex int32) (slot int) {
	var (
		order    []int32
		orderIdx int
	)

	order = stripe.syndromeOrder()

	if diskIndex == stripe.pdIdx {
		slot = len(order)
		return
	}
	if diskIndex == stripe.qdIdx {
		slot = len(order) + 1
		return
	}
	for orderIdx = range order {
		if order[orderIdx] == diskIndex {
			slot = orderIdx
			return
		}
	}
	logFatalf("slotOfDisk(%d) not in syndrome order (sector %d)", diskIndex, stripe.sector)
	return
}

// handleStripe runs reconciliation passes over one descriptor until no
// further pass was requested while one was running. Only one goroutine
// handles a given stripe at a time.
//
func handleStripe(stripe *stripeStruct) {
	var (
		action  func()
		actions []func()
	)

	stripe.shard.Lock()
	if stripe.flags.handling {
		stripe.flags.handlePending = true
		stripe.shard.Unlock()
		return
	}
	stripe.flags.handling = true
	stripe.flags.fresh = false

	for {
		actions = handleStripePass(stripe)

		stripe.shard.Unlock()
		for _, action = range actions {
			action()
		}
		stripe.shard.Lock()

		if !stripe.flags.handlePending {
			break
		}
		stripe.flags.handlePending = false
	}

	stripe.flags.handling = false
	stripe.shard.Unlock()
}

// handleStripePass inspects the descriptor's aggregate state and decides
// every action it can make progress on. It runs under the shard lock and
// returns the async issue/completion work to perform after unlock.
//
func handleStripePass(stripe *stripeStruct) (actions []func()) {
	var (
		view *stripeStateViewStruct
	)

	actions = make([]func(), 0, 4)

	if stripe.flags.inBatch && (stripe.batchHead != stripe) {
		// a batch head drives this member
		return
	}

	view = snapshotStripeState()

	if stripe.flags.aborted ||
		(view.failed > view.maxDegraded) ||
		(globals.journal.IsPresent() && globals.journal.Failed() && stripe.anyInJournal()) {
		abortStripe(stripe, &actions)
		return
	}

	if 0 != stripe.opsPending {
		return
	}

	globals.stats.HandleStripePasses.Add(1)

	switch stripe.reconstructState {
	case reconstructStatePrexorRun:
		continueRMWPipeline(stripe, &actions)
	case reconstructStateComputeRun:
		issueDirtyWrites(stripe, view, &actions)
	case reconstructStateWriteRun:
		retireDirtyWrites(stripe, &actions)
	}

	switch stripe.checkState {
	case checkStateRun:
		finishValidate(stripe, view, &actions)
	case checkStateComputeRun:
		issueRepairWrites(stripe, view, &actions)
	case checkStateWriteRun:
		finishCheck(stripe, &actions)
	}

	serveReads(stripe, &actions)

	wantReadFills(stripe, view)

	fillForCopyOut(stripe, view, &actions)

	if (nil != stripe.anyToWrite()) && (reconstructStateIdle == stripe.reconstructState) && (checkStateIdle == stripe.checkState) {
		handleStripeDirtying(stripe, view, &actions)
	}

	maybeStartCheck(stripe, view, &actions)

	scheduleRecovery(stripe, view, &actions)

	issueWantedReads(stripe, view, &actions)

	scheduleRewrites(stripe, view, &actions)

	return
}

func (stripe *stripeStruct) anyInJournal() (journaled bool) {
	var (
		diskIndex int
	)

	for diskIndex = range stripe.disks {
		if stripe.disks[diskIndex].flags.inJournal {
			journaled = true
			return
		}
	}
	journaled = false
	return
}

func (stripe *stripeStruct) anyToWrite() (chain *pendingRequestStruct) {
	var (
		diskIndex int
	)

	for diskIndex = range stripe.disks {
		if nil != stripe.disks[diskIndex].toWrite {
			chain = stripe.disks[diskIndex].toWrite
			return
		}
	}
	chain = nil
	return
}

// abortStripe fails every pending fragment and check on a stripe whose
// redundancy (or journal) is gone.
//
func abortStripe(stripe *stripeStruct, actions *[]func()) {
	var (
		checkDone []func(mismatchMask uint32, err error)
		chains    []*pendingRequestStruct
		diskIndex int
		entry     *diskEntryStruct
	)

	if !stripe.flags.aborted {
		stripe.flags.aborted = true
		globals.stats.StripesAborted.Add(1)
		logErrorf("aborting stripe (sector %d generation %d): redundancy exhausted", stripe.sector, stripe.generation)
	}

	chains = make([]*pendingRequestStruct, 0, 3*len(stripe.disks))
	for diskIndex = range stripe.disks {
		entry = &stripe.disks[diskIndex]
		if nil != entry.toRead {
			chains = append(chains, chainTake(&entry.toRead))
		}
		if nil != entry.toWrite {
			chains = append(chains, chainTake(&entry.toWrite))
		}
		if nil != entry.written {
			chains = append(chains, chainTake(&entry.written))
		}
		entry.flags.wantRead = false
		entry.flags.wantWrite = false
		entry.flags.wantCompute = false
		entry.flags.written = false
		entry.origBuf = nil
	}

	if nil != stripe.copyDone {
		// unblock a reshape coordinator waiting on the fill
		copyDone := stripe.copyDone
		stripe.copyDone = nil
		*actions = append(*actions, copyDone)
	}

	checkDone = stripe.checkDone
	stripe.checkDone = nil
	stripe.checkState = checkStateIdle
	stripe.reconstructState = reconstructStateIdle
	stripe.overwriteBitmap = 0
	stripe.flags.delayed = false
	stripe.flags.needsHandle = false
	stripe.flags.discarding = false
	stripe.flags.expanding = false
	stripe.flags.syncRequested = false
	stripe.flags.checkRequested = false
	stripe.flags.repairWanted = false

	stripe.overlapCond.Broadcast()

	if (0 != len(chains)) || (0 != len(checkDone)) {
		*actions = append(*actions, func() {
			var (
				chain *pendingRequestStruct
				done  func(mismatchMask uint32, err error)
			)
			for _, chain = range chains {
				failChain(chain)
			}
			for _, done = range checkDone {
				done(0, EArrayFailed)
			}
		})
	}

	if stripe.flags.inBatch && (stripe.batchHead == stripe) {
		dissolveBatch(stripe, actions)
	}
}

// issueMemberWrite queues one member write (or discard) of the entry's
// current buf. Caller holds the shard lock and has set the entry's locked
// flag or does so here.
//
func issueMemberWrite(stripe *stripeStruct, diskIndex int32, op DiskOpType, actions *[]func()) {
	var (
		buf    []byte
		entry  *diskEntryStruct
		sector uint64
	)

	entry = &stripe.disks[diskIndex]
	entry.flags.locked = true

	if DiskOpDiscard != op {
		buf = entry.buf
	}
	sector = stripe.sector

	stripe.addOpLocked()

	*actions = append(*actions, func() {
		globals.diskArray.SubmitDiskOp(uint32(diskIndex), sector, buf, op, func(err error, recordBadBlock bool) {
			if nil != err {
				if recordBadBlock {
					_ = globals.diskArray.RecordBadBlockRange(uint32(diskIndex), sector, globals.unitSectors)
				} else {
					_ = markMemberFaulty(uint32(diskIndex))
				}
			}
			stripe.shard.Lock()
			entry.flags.locked = false
			stripe.shard.Unlock()
			stripeOpDone(stripe)
		})
	})
}

// issueDirtyWrites moves the write pipeline from compute to member I/O:
// drained data entries plus the recomputed parity (and syndrome) go out.
//
func issueDirtyWrites(stripe *stripeStruct, view *stripeStateViewStruct, actions *[]func()) {
	var (
		diskIndex int32
	)

	stripe.reconstructState = reconstructStateWriteRun

	for diskIndex = 0; diskIndex < int32(len(stripe.disks)); diskIndex++ {
		if stripe.disks[diskIndex].flags.written && !view.faulty[diskIndex] {
			issueMemberWrite(stripe, diskIndex, DiskOpWrite, actions)
		}
	}
	if !view.faulty[stripe.pdIdx] {
		issueMemberWrite(stripe, stripe.pdIdx, DiskOpWrite, actions)
	}
	if (stripe.qdIdx >= 0) && !stripe.prexorUsed && !view.faulty[stripe.qdIdx] {
		issueMemberWrite(stripe, stripe.qdIdx, DiskOpWrite, actions)
	}

	if 0 == stripe.opsPending {
		// every target member is gone; the next pass aborts or retires
		retireDirtyWrites(stripe, actions)
	}
}

// retireDirtyWrites completes the drained fragments now that data and parity
// are durable.
//
func retireDirtyWrites(stripe *stripeStruct, actions *[]func()) {
	var (
		chains    []*pendingRequestStruct
		diskIndex int32
		entry     *diskEntryStruct
	)

	chains = make([]*pendingRequestStruct, 0, len(stripe.disks))

	for diskIndex = 0; diskIndex < int32(len(stripe.disks)); diskIndex++ {
		entry = &stripe.disks[diskIndex]
		if entry.flags.written {
			chains = append(chains, chainTake(&entry.written))
			entry.flags.written = false
			entry.flags.inJournal = false
			entry.origBuf = nil
			stripe.overwriteBitmap &^= uint64(1) << uint(diskIndex)
		}
		entry.flags.locked = false
		if entry.flags.overlap {
			entry.flags.overlap = false
		}
	}

	stripe.reconstructState = reconstructStateIdle
	stripe.prexorUsed = false
	stripe.flags.expanding = false

	if stripe.flags.discarding {
		stripe.flags.discarding = false
		globals.stats.DiscardStripes.Add(1)
	}

	stripe.overlapCond.Broadcast()

	if 0 != len(chains) {
		*actions = append(*actions, func() {
			var (
				chain  *pendingRequestStruct
				cursor *pendingRequestStruct
			)
			for _, chain = range chains {
				for cursor = chain; nil != cursor; cursor = cursor.next {
					cursor.request.completeFragment(nil)
				}
			}
		})
	}

	if stripe.flags.inBatch && (stripe.batchHead == stripe) {
		dissolveBatch(stripe, actions)
	}
}

// serveReads copies current data to read fragments and completes them.
//
func serveReads(stripe *stripeStruct, actions *[]func()) {
	var (
		chains    []*pendingRequestStruct
		cursor    *pendingRequestStruct
		diskIndex int
		entry     *diskEntryStruct
	)

	chains = nil

	for diskIndex = range stripe.disks {
		entry = &stripe.disks[diskIndex]
		if (nil == entry.toRead) || !entry.flags.upToDate || entry.flags.locked {
			continue
		}
		for cursor = entry.toRead; nil != cursor; cursor = cursor.next {
			copy(cursor.request.buf[cursor.bufOff:cursor.bufOff+cursor.length], entry.buf[cursor.unitOff:cursor.unitOff+cursor.length])
		}
		chains = append(chains, chainTake(&entry.toRead))
	}

	if 0 != len(chains) {
		*actions = append(*actions, func() {
			var (
				chain  *pendingRequestStruct
				cursor *pendingRequestStruct
			)
			for _, chain = range chains {
				for cursor = chain; nil != cursor; cursor = cursor.next {
					cursor.request.completeFragment(nil)
				}
			}
		})
	}
}

// wantReadFills requests the member data that pending read fragments need.
//
func wantReadFills(stripe *stripeStruct, view *stripeStateViewStruct) {
	var (
		diskIndex int
		entry     *diskEntryStruct
	)

	for diskIndex = range stripe.disks {
		entry = &stripe.disks[diskIndex]
		if (nil == entry.toRead) || entry.flags.upToDate || entry.flags.locked {
			continue
		}
		if view.faulty[diskIndex] || entry.flags.readError {
			entry.flags.wantCompute = true
		} else {
			entry.flags.wantRead = true
		}
	}
}

// fillForCopyOut fills every data entry of a reshape source stripe and fires
// the coordinator's callback once all are current.
//
func fillForCopyOut(stripe *stripeStruct, view *stripeStateViewStruct, actions *[]func()) {
	var (
		allCurrent bool
		copyDone   func()
		diskIndex  int32
		entry      *diskEntryStruct
	)

	if !stripe.flags.expandSource || (nil == stripe.copyDone) {
		return
	}

	allCurrent = true
	for _, diskIndex = range stripe.dataDiskIndices() {
		entry = &stripe.disks[diskIndex]
		if entry.flags.upToDate {
			continue
		}
		allCurrent = false
		if view.faulty[diskIndex] || entry.flags.readError {
			entry.flags.wantCompute = true
		} else {
			entry.flags.wantRead = true
		}
	}

	if allCurrent {
		copyDone = stripe.copyDone
		stripe.copyDone = nil
		*actions = append(*actions, copyDone)
	}
}

// maybeStartCheck launches syndrome validation once the stripe is quiescent
// and fully populated.
//
func maybeStartCheck(stripe *stripeStruct, view *stripeStateViewStruct, actions *[]func()) {
	var (
		checkDone []func(mismatchMask uint32, err error)
		diskIndex int32
		entry     *diskEntryStruct
		qScratch  []byte
		ready     bool
		sources   [][]byte
	)

	if !stripe.flags.checkRequested && !stripe.flags.syncRequested {
		return
	}
	if (checkStateIdle != stripe.checkState) || (reconstructStateIdle != stripe.reconstructState) {
		return
	}
	if nil != stripe.anyToWrite() {
		return
	}

	if 0 != view.failed {
		// cannot validate parity of a degraded stripe
		checkDone = stripe.checkDone
		stripe.checkDone = nil
		stripe.flags.checkRequested = false
		stripe.flags.repairWanted = false
		stripe.flags.syncRequested = false
		if 0 != len(checkDone) {
			*actions = append(*actions, func() {
				var (
					done func(mismatchMask uint32, err error)
				)
				for _, done = range checkDone {
					done(0, EIOError)
				}
			})
		}
		return
	}

	ready = true
	for diskIndex = 0; diskIndex < int32(len(stripe.disks)); diskIndex++ {
		entry = &stripe.disks[diskIndex]
		if entry.flags.upToDate || entry.flags.locked {
			continue
		}
		ready = false
		if entry.flags.readError {
			entry.flags.wantCompute = true
		} else {
			entry.flags.wantRead = true
		}
	}
	if !ready {
		return
	}

	stripe.checkState = checkStateRun
	stripe.checkMismatch = 0

	for diskIndex = 0; diskIndex < int32(len(stripe.disks)); diskIndex++ {
		stripe.disks[diskIndex].flags.locked = true
	}

	if stripe.qdIdx < 0 {
		qScratch = getUnitBuf()
	}
	sources = stripe.syndromeSources(qScratch)

	stripe.addOpLocked()

	*actions = append(*actions, func() {
		globals.compute.ValidateSyndrome(sources, func(mismatchMask uint32, err error) {
			if nil != qScratch {
				putUnitBuf(qScratch)
				mismatchMask &= rparity.MismatchP
			}
			stripe.shard.Lock()
			if nil != err {
				stripe.flags.aborted = true
			} else {
				stripe.checkMismatch = mismatchMask
			}
			unlockAllEntries(stripe)
			stripe.shard.Unlock()
			stripeOpDone(stripe)
		})
	})
}

func unlockAllEntries(stripe *stripeStruct) {
	var (
		diskIndex int
	)

	for diskIndex = range stripe.disks {
		stripe.disks[diskIndex].flags.locked = false
	}
}

// finishValidate consumes the validation verdict: report, or recompute the
// redundancy when a repair was requested.
//
func finishValidate(stripe *stripeStruct, view *stripeStateViewStruct, actions *[]func()) {
	var (
		dataBufs  [][]byte
		diskIndex int32
		pBuf      []byte
		sources   [][]byte
	)

	if 0 != stripe.checkMismatch {
		globals.stats.ParityMismatches.Add(1)
		logWarnf("parity mismatch (sector %d generation %d mask %#x)", stripe.sector, stripe.generation, stripe.checkMismatch)
	}

	if (0 == stripe.checkMismatch) || (!stripe.flags.repairWanted && !stripe.flags.syncRequested) {
		finishCheck(stripe, actions)
		return
	}

	// recompute redundancy from data
	stripe.checkState = checkStateComputeRun

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
		pBuf = stripe.disks[stripe.pdIdx].buf
		*actions = append(*actions, func() {
			globals.compute.XOR(pBuf, dataBufs, func(err error) {
				stripe.computeStageDone(err)
			})
		})
	}
}

// issueRepairWrites writes back the recomputed redundancy.
//
func issueRepairWrites(stripe *stripeStruct, view *stripeStateViewStruct, actions *[]func()) {
	stripe.checkState = checkStateWriteRun

	if !view.faulty[stripe.pdIdx] {
		issueMemberWrite(stripe, stripe.pdIdx, DiskOpWrite, actions)
	}
	if (stripe.qdIdx >= 0) && !view.faulty[stripe.qdIdx] {
		issueMemberWrite(stripe, stripe.qdIdx, DiskOpWrite, actions)
	}

	if 0 == stripe.opsPending {
		finishCheck(stripe, actions)
	}
}

// finishCheck reports the pre-repair mismatch mask and disarms the check.
//
func finishCheck(stripe *stripeStruct, actions *[]func()) {
	var (
		checkDone    []func(mismatchMask uint32, err error)
		mismatchMask uint32
	)

	checkDone = stripe.checkDone
	mismatchMask = stripe.checkMismatch

	stripe.checkDone = nil
	stripe.checkState = checkStateIdle
	stripe.flags.checkRequested = false
	stripe.flags.repairWanted = false
	stripe.flags.syncRequested = false
	unlockAllEntries(stripe)

	if 0 != len(checkDone) {
		*actions = append(*actions, func() {
			var (
				done func(mismatchMask uint32, err error)
			)
			for _, done = range checkDone {
				done(mismatchMask, nil)
			}
		})
	}
}

// scheduleRecovery reconstructs wanted-but-unreadable entries from the
// surviving members once every surviving source is current.
//
func scheduleRecovery(stripe *stripeStruct, view *stripeStateViewStruct, actions *[]func()) {
	var (
		diskIndex    int32
		entry        *diskEntryStruct
		missing      []int32
		missingSlots []int
		qScratch     []byte
		ready        bool
		sources      [][]byte
	)

	missing = nil
	for diskIndex = 0; diskIndex < int32(len(stripe.disks)); diskIndex++ {
		entry = &stripe.disks[diskIndex]
		if entry.flags.wantCompute && !entry.flags.locked {
			missing = append(missing, diskIndex)
		}
	}
	if 0 == len(missing) {
		return
	}
	if uint32(len(missing)) > view.maxDegraded {
		abortStripe(stripe, actions)
		return
	}

	// every surviving slot must be current before recovery can run
	ready = true
	for diskIndex = 0; diskIndex < int32(len(stripe.disks)); diskIndex++ {
		entry = &stripe.disks[diskIndex]
		if sliceContains(missing, diskIndex) {
			continue
		}
		if entry.flags.upToDate {
			continue
		}
		if entry.flags.locked {
			ready = false
			continue
		}
		if view.faulty[diskIndex] || entry.flags.readError {
			// another member just became unreadable; fold it in next pass
			entry.flags.wantCompute = true
			ready = false
			continue
		}
		entry.flags.wantRead = true
		ready = false
	}
	if !ready {
		return
	}

	missingSlots = make([]int, 0, len(missing))
	for _, diskIndex = range missing {
		missingSlots = append(missingSlots, stripe.slotOfDisk(diskIndex))
	}
	for diskIndex = 0; diskIndex < int32(len(stripe.disks)); diskIndex++ {
		stripe.disks[diskIndex].flags.locked = true
	}

	if stripe.qdIdx < 0 {
		qScratch = getUnitBuf()
	}
	sources = stripe.syndromeSources(qScratch)

	recovered := missing

	stripe.addOpLocked()

	*actions = append(*actions, func() {
		globals.compute.Recover(sources, missingSlots, func(err error) {
			if nil != qScratch {
				putUnitBuf(qScratch)
			}
			stripe.shard.Lock()
			if nil != err {
				logErrorf("recovery failed (sector %d slots %v): %v", stripe.sector, missingSlots, err)
				stripe.flags.aborted = true
			} else {
				for _, d := range recovered {
					stripe.disks[d].flags.upToDate = true
					stripe.disks[d].flags.wantCompute = false
				}
			}
			unlockAllEntries(stripe)
			stripe.shard.Unlock()
			stripeOpDone(stripe)
		})
	})
}

func sliceContains(s []int32, v int32) (found bool) {
	var (
		e int32
	)

	for _, e = range s {
		if e == v {
			found = true
			return
		}
	}
	found = false
	return
}

// issueWantedReads launches the member reads the pass requested.
//
func issueWantedReads(stripe *stripeStruct, view *stripeStateViewStruct, actions *[]func()) {
	var (
		diskIndex int32
		entry     *diskEntryStruct
		sector    uint64
	)

	sector = stripe.sector

	for diskIndex = 0; diskIndex < int32(len(stripe.disks)); diskIndex++ {
		entry = &stripe.disks[diskIndex]
		if !entry.flags.wantRead || entry.flags.locked || view.faulty[diskIndex] {
			continue
		}
		entry.flags.locked = true
		stripe.addOpLocked()

		d := diskIndex
		e := entry
		*actions = append(*actions, func() {
			globals.diskArray.SubmitDiskOp(uint32(d), sector, e.buf, DiskOpRead, func(err error, recordBadBlock bool) {
				var (
					faultMember bool
				)
				_ = recordBadBlock
				stripe.shard.Lock()
				e.flags.locked = false
				e.flags.wantRead = false
				if nil == err {
					e.flags.upToDate = true
					e.flags.readError = false
				} else {
					globals.stats.ReadErrorRetries.Add(1)
					e.flags.readError = true
					e.flags.wantCompute = true
					stripe.readRetryCount++
					faultMember = stripe.readRetryCount > globals.config.ReadErrorRetryLimit
				}
				stripe.shard.Unlock()
				if faultMember {
					_ = markMemberFaulty(uint32(d))
				}
				stripeOpDone(stripe)
			})
		})
	}
}

// scheduleRewrites heals a member read error in place: write the recovered
// contents back, then read them again to confirm the range took.
//
func scheduleRewrites(stripe *stripeStruct, view *stripeStateViewStruct, actions *[]func()) {
	var (
		diskIndex int32
		entry     *diskEntryStruct
		sector    uint64
	)

	sector = stripe.sector

	for diskIndex = 0; diskIndex < int32(len(stripe.disks)); diskIndex++ {
		entry = &stripe.disks[diskIndex]
		if !entry.flags.readError || !entry.flags.upToDate || entry.flags.locked || view.faulty[diskIndex] {
			continue
		}
		entry.flags.locked = true
		stripe.addOpLocked()

		d := diskIndex
		e := entry
		*actions = append(*actions, func() {
			globals.diskArray.SubmitDiskOp(uint32(d), sector, e.buf, DiskOpWrite, func(err error, recordBadBlock bool) {
				if nil != err {
					if recordBadBlock {
						_ = globals.diskArray.RecordBadBlockRange(uint32(d), sector, globals.unitSectors)
					} else {
						_ = markMemberFaulty(uint32(d))
					}
					stripe.shard.Lock()
					e.flags.locked = false
					stripe.shard.Unlock()
					stripeOpDone(stripe)
					return
				}
				// verify the rewrite took
				scratch := getUnitBuf()
				globals.diskArray.SubmitDiskOp(uint32(d), sector, scratch, DiskOpRead, func(rereadErr error, _ bool) {
					var (
						faultMember bool
					)
					putUnitBuf(scratch)
					stripe.shard.Lock()
					e.flags.locked = false
					if nil == rereadErr {
						e.flags.readError = false
						globals.stats.ReadErrorRewrites.Add(1)
					} else {
						stripe.readRetryCount++
						faultMember = stripe.readRetryCount > globals.config.ReadErrorRetryLimit
					}
					stripe.shard.Unlock()
					if nil == rereadErr {
						memberReadErrorsReset(uint32(d))
					} else if faultMember {
						_ = markMemberFaulty(uint32(d))
					}
					stripeOpDone(stripe)
				})
			})
		})
	}
}

func memberReadErrorsReset(diskIndex uint32) {
	globals.Lock()
	globals.members[diskIndex].readErrors = 0
	globals.Unlock()
}
