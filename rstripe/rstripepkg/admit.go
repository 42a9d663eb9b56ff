// Copyright (c) 2015-2022, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package rstripepkg

import (
	"github.com/NVIDIA/stripecache/rlayout"
)

// reqFlags values; batch merging requires members to match.
const (
	reqFlagJournaled = uint32(1 << iota)
)

// fragmentPlanStruct is one unit-contained piece of a request after the
// geometry mapping phase and before dispatch.
//
type fragmentPlanStruct struct {
	logicalSector uint64
	sectorCount   uint64
	bufOff        int
	stripeSector  uint64 // per-disk sector of the fragment start
	unitAligned   uint64 // descriptor key: stripeSector &^ (unitSectors-1)
	unitOff       int    // byte offset within the stripe unit
	ddIdx         int32
	generation    uint64
	expanding     bool // destination of a reshape relocation
}

// admitRequest validates, maps, and dispatches one caller request. Reads on
// a clean un-cached stripe bypass the descriptor machinery entirely; all
// other fragments chain onto their stripe descriptor and schedule a
// reconciliation pass.
//
func admitRequest(op reqOpType, logicalSector uint64, buf []byte, sectorCount uint64, done func(err error)) (err error) {
	var (
		fragment       *fragmentPlanStruct
		fragments      []*fragmentPlanStruct
		request        *requestStruct
		stripesSpanned uint64
	)

	if !globals.started {
		err = ENotStarted
		return
	}
	if nil == done {
		err = EBadRequest.Here().WithMessagef("done callback is required")
		return
	}

	switch op {
	case reqOpRead, reqOpWrite:
		if (0 == len(buf)) || (0 != (len(buf) % 512)) {
			err = EBadRequest.Here().WithMessagef("len(buf) (%d) must be a non-zero multiple of 512", len(buf))
			return
		}
		sectorCount = uint64(len(buf)) >> 9
	case reqOpDiscard:
		if (0 == sectorCount) || (0 != (logicalSector % globals.unitSectors)) || (0 != (sectorCount % globals.unitSectors)) {
			err = EBadRequest.Here().WithMessagef("discard [%d,+%d) must align to stripe-unit boundaries", logicalSector, sectorCount)
			return
		}
	default:
		err = EBadRequest.Here().WithMessagef("unknown op (%d)", op)
		return
	}

	if (logicalSector + sectorCount) > currentCapacitySectors() {
		err = EBadRequest.Here().WithMessagef("[%d,+%d) exceeds array capacity (%d sectors)", logicalSector, sectorCount, currentCapacitySectors())
		return
	}

	if arrayFailed() {
		err = EArrayFailed
		return
	}

	admissionEnterGate()
	defer admissionLeaveGate()

	fragments, stripesSpanned, err = planFragments(logicalSector, sectorCount)
	if nil != err {
		return
	}
	if stripesSpanned > globals.config.MaxRequestStripes {
		err = ERequestTooLarge.Here().WithMessagef("request spans %d stripes (max %d)", stripesSpanned, globals.config.MaxRequestStripes)
		return
	}

	request = &requestStruct{
		op:            op,
		logicalSector: logicalSector,
		buf:           buf,
		sectorCount:   sectorCount,
		remaining:     int64(len(fragments)),
		done:          done,
	}
	if (reqOpWrite == op) && globals.journal.IsPresent() {
		request.reqFlags |= reqFlagJournaled
	}

	for _, fragment = range fragments {
		if (reqOpRead == op) && tryBypassReadFragment(request, fragment) {
			continue
		}
		admitCachedFragment(request, fragment)
	}

	err = nil
	return
}

// planFragments splits [logicalSector,+sectorCount) at stripe-unit
// boundaries and maps each piece through the live geometry. Fragment
// boundaries coincide in logical and per-disk space because ChunkSectors is
// a multiple of unitSectors.
//
func planFragments(logicalSector uint64, sectorCount uint64) (fragments []*fragmentPlanStruct, stripesSpanned uint64, err error) {
	var (
		busy       bool
		fragment   *fragmentPlanStruct
		generation uint64
		geometry   rlayout.GeometryStruct
		n          uint64
		remaining  uint64
		s          uint64
		seen       map[uint64]struct{}
		unitRemain uint64
	)

	fragments = make([]*fragmentPlanStruct, 0, sectorCount/globals.unitSectors+2)
	seen = make(map[uint64]struct{})

	s = logicalSector
	remaining = sectorCount

	for 0 != remaining {
		unitRemain = globals.unitSectors - (s & (globals.unitSectors - 1))
		n = remaining
		if n > unitRemain {
			n = unitRemain
		}

		geometry, generation, busy = mappingForLogicalSector(s)
		if busy {
			err = ETryAgain.Here().WithMessagef("sector %d is being relocated", s)
			return
		}

		fragment = &fragmentPlanStruct{
			logicalSector: s,
			sectorCount:   n,
			bufOff:        int(s-logicalSector) << 9,
			generation:    generation,
		}
		fragment.stripeSector, fragment.ddIdx, _, _ = geometry.ComputeSector(s)
		fragment.unitAligned = fragment.stripeSector &^ (globals.unitSectors - 1)
		fragment.unitOff = int(fragment.stripeSector-fragment.unitAligned) << 9

		fragments = append(fragments, fragment)
		seen[fragment.unitAligned] = struct{}{}

		s += n
		remaining -= n
	}

	stripesSpanned = uint64(len(seen))
	err = nil
	return
}

// mappingForLogicalSector resolves which geometry epoch a logical sector
// lives under. During a reshape, sectors below the relocation boundary have
// moved to the new geometry; sectors inside the in-flight copy window are
// busy and the caller must retry. The geometry is returned by value so the
// caller's mapping survives a concurrent reshape commit.
//
func mappingForLogicalSector(s uint64) (geometry rlayout.GeometryStruct, generation uint64, busy bool) {
	globals.Lock()
	if nil == globals.reshape {
		geometry = globals.geometry
		generation = globals.generation
		busy = false
		globals.Unlock()
		return
	}
	if s < globals.reshape.mappedBoundary {
		geometry = globals.reshape.newGeometry
		generation = globals.generation + 1
		busy = false
	} else if s < globals.reshape.windowEnd {
		busy = true
	} else {
		geometry = globals.prevGeometry
		generation = globals.generation
		busy = false
	}
	globals.Unlock()
	return
}

// tryBypassReadFragment serves a read fragment straight off the member disk
// when the array is clean, no reshape is active, the journal holds nothing
// for the stripe, and no descriptor is cached for it. Returns false when the
// fragment must take the descriptor path.
//
func tryBypassReadFragment(request *requestStruct, fragment *fragmentPlanStruct) (bypassed bool) {
	var (
		diskIndex uint32
		hashed    bool
		shard     *cacheShardStruct
	)

	globals.Lock()
	if (nil != globals.reshape) || (0 != failedMemberCountLocked()) {
		globals.Unlock()
		bypassed = false
		return
	}
	globals.Unlock()

	if globals.journal.StripeIsJournaled(fragment.unitAligned, fragment.generation) {
		bypassed = false
		return
	}

	shard = shardForSector(fragment.unitAligned)
	shard.Lock()
	_, hashed = shard.hashTable[stripeKeyStruct{sector: fragment.unitAligned, generation: fragment.generation}]
	if hashed {
		shard.Unlock()
		bypassed = false
		return
	}
	globals.quiesceLock.Lock()
	globals.bypassReads++
	globals.quiesceLock.Unlock()
	shard.Unlock()

	globals.stats.BypassReads.Add(1)

	diskIndex = uint32(fragment.ddIdx)
	globals.diskArray.SubmitDiskOp(diskIndex, fragment.stripeSector,
		request.buf[fragment.bufOff:fragment.bufOff+int(fragment.sectorCount<<9)],
		DiskOpRead,
		func(err error, recordBadBlock bool) {
			_ = recordBadBlock
			if nil == err {
				request.completeFragment(nil)
			} else {
				// recover through the descriptor path
				logWarnf("bypass read failed on member %d sector %d; rerouting: %v", diskIndex, fragment.stripeSector, err)
				globals.stats.ReadErrorRetries.Add(1)
				admitCachedFragment(request, fragment)
			}
			bypassReadRetired()
		})

	bypassed = true
	return
}

func bypassReadRetired() {
	globals.quiesceLock.Lock()
	globals.bypassReads--
	if 0 == globals.bypassReads {
		globals.quiesceCond.Broadcast()
	}
	globals.quiesceLock.Unlock()
}

// admissionEnterGate holds the caller while quiesced and counts it in-flight
// so a quiesce verdict reached before its fragments are chained still waits
// for it.
//
func admissionEnterGate() {
	globals.quiesceLock.Lock()
	for globals.quiesced {
		globals.quiesceCond.Wait()
	}
	globals.admissionsInFlight++
	globals.quiesceLock.Unlock()
}

func admissionLeaveGate() {
	globals.quiesceLock.Lock()
	globals.admissionsInFlight--
	if 0 == globals.admissionsInFlight {
		globals.quiesceCond.Broadcast()
	}
	globals.quiesceLock.Unlock()
}

// admitCachedFragment chains one fragment onto its stripe descriptor,
// waiting out any overlapping pending fragment on the same disk slot, and
// schedules a reconciliation pass.
//
func admitCachedFragment(request *requestStruct, fragment *fragmentPlanStruct) {
	var (
		entry          *diskEntryStruct
		length         int
		pendingRequest *pendingRequestStruct
		stripe         *stripeStruct
	)

	stripe, _ = acquireStripe(fragment.unitAligned, fragment.generation, false)

	length = int(fragment.sectorCount) << 9

	pendingRequest = &pendingRequestStruct{
		request: request,
		sector:  fragment.logicalSector,
		bufOff:  fragment.bufOff,
		unitOff: fragment.unitOff,
	}
	if reqOpDiscard != request.op {
		pendingRequest.length = length
	}

	stripe.shard.Lock()

	if fragment.expanding {
		stripe.flags.expanding = true
	}

	entry = &stripe.disks[fragment.ddIdx]

	for chainOverlaps(entry.toWrite, pendingRequest.unitOff, pendingRequest.length) ||
		chainOverlaps(entry.written, pendingRequest.unitOff, pendingRequest.length) {
		entry.flags.overlap = true
		globals.stats.OverlapWaits.Add(1)
		stripe.overlapCond.Wait()
	}

	switch request.op {
	case reqOpRead:
		chainInsert(&entry.toRead, pendingRequest)
	case reqOpWrite:
		chainInsert(&entry.toWrite, pendingRequest)
		if (0 == fragment.unitOff) && (uint64(length) == globals.config.StripeUnitBytes) {
			stripe.overwriteBitmap |= uint64(1) << uint(fragment.ddIdx)
		}
	case reqOpDiscard:
		chainInsert(&entry.toWrite, pendingRequest)
		stripe.overwriteBitmap |= uint64(1) << uint(fragment.ddIdx)
	}

	stripe.refCount++ // donated to the handle queue
	stripe.shard.Unlock()

	if reqOpWrite == request.op {
		tryBatchMerge(stripe)
	}

	queueStripeForHandle(stripe)

	releaseStripe(stripe)
}

// requestStripeCheck arms a parity validation (and optional repair) pass on
// the stripe holding logicalSector.
//
func requestStripeCheck(logicalSector uint64, repair bool, done func(mismatchMask uint32, err error)) (err error) {
	err = armStripeValidation(logicalSector, repair, false, done)
	return
}

// requestStripeSync arms a resync pass: every member is filled, the
// redundancy validated, and a mismatch rewritten from data. Writes admitted
// while the resync is armed take the reconstruct path.
//
func requestStripeSync(logicalSector uint64, done func(err error)) (err error) {
	err = armStripeValidation(logicalSector, false, true, func(mismatchMask uint32, doneErr error) {
		done(doneErr)
	})
	return
}

func armStripeValidation(logicalSector uint64, repair bool, sync bool, done func(mismatchMask uint32, err error)) (err error) {
	var (
		busy         bool
		generation   uint64
		geometry     rlayout.GeometryStruct
		stripe       *stripeStruct
		stripeSector uint64
		unitAligned  uint64
	)

	if !globals.started {
		err = ENotStarted
		return
	}
	if nil == done {
		err = EBadRequest.Here().WithMessagef("done callback is required")
		return
	}
	if logicalSector >= currentCapacitySectors() {
		err = EBadRequest.Here().WithMessagef("sector %d exceeds array capacity (%d sectors)", logicalSector, currentCapacitySectors())
		return
	}
	if arrayFailed() {
		err = EArrayFailed
		return
	}

	admissionEnterGate()
	defer admissionLeaveGate()

	geometry, generation, busy = mappingForLogicalSector(logicalSector)
	if busy {
		err = ETryAgain.Here().WithMessagef("sector %d is being relocated", logicalSector)
		return
	}

	stripeSector, _, _, _ = geometry.ComputeSector(logicalSector)
	unitAligned = stripeSector &^ (globals.unitSectors - 1)

	stripe, _ = acquireStripe(unitAligned, generation, false)

	stripe.shard.Lock()
	if sync {
		stripe.flags.syncRequested = true
	} else {
		stripe.flags.checkRequested = true
		if repair {
			stripe.flags.repairWanted = true
		}
	}
	stripe.checkDone = append(stripe.checkDone, done)
	stripe.refCount++
	stripe.shard.Unlock()

	queueStripeForHandle(stripe)

	releaseStripe(stripe)

	err = nil
	return
}
