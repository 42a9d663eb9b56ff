// Copyright (c) 2015-2022, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package rstripepkg

import (
	"bytes"
	"io/ioutil"
	"time"

	"github.com/natefinch/atomic"

	"github.com/NVIDIA/stripecache/rlayout"
)

// reshapeCursorStruct tracks one online reshape. Logical sectors below
// mappedBoundary live in the new geometry; [mappedBoundary, windowEnd) is
// the in-flight copy window and admission into it returns ETryAgain;
// everything above still maps through the previous geometry. The boundary
// only advances, so on a growing array a destination write never lands on
// source data that has not been copied out yet.
//
type reshapeCursorStruct struct {
	newGeometry    rlayout.GeometryStruct
	mappedBoundary uint64 // guarded by globals.Mutex
	windowEnd      uint64 // guarded by globals.Mutex
	safeSector     uint64
	lastCheckPoint time.Time
	done           func(err error)
}

// unitRefStruct names one logical stripe unit inside a source descriptor.
type unitRefStruct struct {
	logicalSector uint64
	ddIdx         int32
}

func startReshape(newGeometry rlayout.GeometryStruct, done func(err error)) (err error) {
	var (
		cursor       *reshapeCursorStruct
		liveGeometry rlayout.GeometryStruct
	)

	if !globals.started {
		err = ENotStarted
		return
	}
	if nil == done {
		err = EBadRequest.Here().WithMessagef("done callback is required")
		return
	}

	err = newGeometry.Validate()
	if nil != err {
		return
	}
	if newGeometry.RAIDLevel != globals.config.RAIDLevel {
		err = EBadRequest.Here().WithMessagef("reshape cannot change RAID level (%d -> %d)", globals.config.RAIDLevel, newGeometry.RAIDLevel)
		return
	}
	if 0 != (newGeometry.ChunkSectors % globals.unitSectors) {
		err = EBadRequest.Here().WithMessagef("new ChunkSectors (%d) must be a multiple of the stripe unit (%d sectors)", newGeometry.ChunkSectors, globals.unitSectors)
		return
	}
	globals.Lock()
	liveGeometry = globals.geometry
	globals.Unlock()
	if newGeometry.DataDisks() < liveGeometry.DataDisks() {
		err = EBadRequest.Here().WithMessagef("shrinking reshape (%d -> %d data disks) is not supported", liveGeometry.DataDisks(), newGeometry.DataDisks())
		return
	}
	if newGeometry.DiskCount > 64 {
		err = EBadRequest.Here().WithMessagef("DiskCount (%d) must be <= 64", newGeometry.DiskCount)
		return
	}
	if arrayFailed() {
		err = EArrayFailed
		return
	}

	cursor = &reshapeCursorStruct{
		newGeometry: newGeometry,
		done:        done,
	}

	globals.Lock()
	if nil != globals.reshape {
		globals.Unlock()
		err = EReshapeInProgress
		return
	}
	globals.prevGeometry = globals.geometry
	for uint32(len(globals.members)) < newGeometry.DiskCount {
		globals.members = append(globals.members, memberStateStruct{})
	}
	cursor.mappedBoundary = resumeSectorFromCheckPoint(&globals.geometry, &newGeometry)
	cursor.windowEnd = cursor.mappedBoundary
	cursor.safeSector = cursor.mappedBoundary
	globals.reshape = cursor
	globals.Unlock()

	logInfof("reshape starting: %d -> %d members, chunkSectors %d -> %d, resuming at sector %d",
		liveGeometry.DiskCount, newGeometry.DiskCount,
		liveGeometry.ChunkSectors, newGeometry.ChunkSectors, cursor.mappedBoundary)

	go reshapeRunner(cursor)

	err = nil
	return
}

// resumeSectorFromCheckPoint returns the confirmed-copied boundary of a
// matching prior checkpoint, or zero for a fresh reshape.
//
func resumeSectorFromCheckPoint(prevGeometry *rlayout.GeometryStruct, newGeometry *rlayout.GeometryStruct) (safeSector uint64) {
	var (
		checkPoint    *rlayout.ReshapeCheckPointV1Struct
		checkPointBuf []byte
		err           error
	)

	safeSector = 0

	if "" == globals.config.ReshapeCheckPointPath {
		return
	}

	checkPointBuf, err = ioutil.ReadFile(globals.config.ReshapeCheckPointPath)
	if nil != err {
		return
	}
	checkPoint, err = rlayout.UnmarshalReshapeCheckPointV1(checkPointBuf)
	if nil != err {
		logWarnf("ignoring unreadable reshape checkpoint: %v", err)
		return
	}

	if (checkPoint.PrevDiskCount != prevGeometry.DiskCount) ||
		(checkPoint.PrevChunkSectors != prevGeometry.ChunkSectors) ||
		(checkPoint.PrevLayout != prevGeometry.Layout) ||
		(checkPoint.NewDiskCount != newGeometry.DiskCount) ||
		(checkPoint.NewChunkSectors != newGeometry.ChunkSectors) ||
		(checkPoint.NewLayout != newGeometry.Layout) ||
		(checkPoint.Generation != globals.generation+1) {
		logWarnf("ignoring reshape checkpoint for a different reshape")
		return
	}

	safeSector = checkPoint.SafeSector
	return
}

func writeReshapeCheckPoint(cursor *reshapeCursorStruct) {
	var (
		checkPoint    *rlayout.ReshapeCheckPointV1Struct
		checkPointBuf []byte
		err           error
	)

	if "" == globals.config.ReshapeCheckPointPath {
		return
	}

	globals.Lock()
	checkPoint = &rlayout.ReshapeCheckPointV1Struct{
		Generation:       globals.generation + 1,
		ProgressSector:   cursor.mappedBoundary,
		SafeSector:       cursor.mappedBoundary,
		PrevDiskCount:    globals.prevGeometry.DiskCount,
		PrevChunkSectors: globals.prevGeometry.ChunkSectors,
		PrevLayout:       globals.prevGeometry.Layout,
		NewDiskCount:     cursor.newGeometry.DiskCount,
		NewChunkSectors:  cursor.newGeometry.ChunkSectors,
		NewLayout:        cursor.newGeometry.Layout,
	}
	globals.Unlock()

	checkPointBuf, err = checkPoint.MarshalReshapeCheckPointV1()
	if nil != err {
		logErrorf("reshape checkpoint marshal failed: %v", err)
		return
	}

	err = atomic.WriteFile(globals.config.ReshapeCheckPointPath, bytes.NewReader(checkPointBuf))
	if nil != err {
		logErrorf("reshape checkpoint write failed: %v", err)
		return
	}

	cursor.safeSector = checkPoint.SafeSector
	cursor.lastCheckPoint = time.Now()
	globals.stats.ReshapeCheckPointsWritten.Add(1)
}

// reshapeRunner copies the array window by window from the previous
// geometry to the new one and then commits the new geometry.
//
func reshapeRunner(cursor *reshapeCursorStruct) {
	var (
		copyLimit     uint64
		err           error
		prevGeometry  rlayout.GeometryStruct
		windowSectors uint64
		windowStart   uint64
		windowEnd     uint64
	)

	globals.Lock()
	prevGeometry = globals.prevGeometry
	globals.Unlock()

	copyLimit = uint64(prevGeometry.DataDisks()) * globals.config.MemberSectors
	windowSectors = uint64(cursor.newGeometry.DataDisks()) * cursor.newGeometry.ChunkSectors

	cursor.lastCheckPoint = time.Now()

	for {
		globals.Lock()
		windowStart = cursor.mappedBoundary
		if windowStart >= copyLimit {
			globals.Unlock()
			break
		}
		windowEnd = windowStart + windowSectors
		if windowEnd > copyLimit {
			windowEnd = copyLimit
		}
		cursor.windowEnd = windowEnd
		globals.Unlock()

		err = reshapeCopyWindow(cursor, &prevGeometry, windowStart, windowEnd)
		if nil != err {
			reshapeAbort(cursor, err)
			return
		}

		globals.Lock()
		cursor.mappedBoundary = windowEnd
		globals.Unlock()

		globals.stats.ReshapeStepsTaken.Add(1)

		if time.Since(cursor.lastCheckPoint) >= globals.config.ReshapeCheckPointInterval {
			writeReshapeCheckPoint(cursor)
		}

		unplugDelayedStripes()
	}

	reshapeFinish(cursor)
}

// reshapeCopyWindow relocates the logical range [windowStart, windowEnd):
// drain and read every source stripe through the cache (so degraded members
// recover), then write the range back through new-geometry descriptors.
//
func reshapeCopyWindow(cursor *reshapeCursorStruct, prevGeometry *rlayout.GeometryStruct, windowStart uint64, windowEnd uint64) (err error) {
	var (
		copied       map[uint64][]byte
		ddIdx        int32
		generation   uint64
		off          uint64
		refs         map[uint64][]unitRefStruct
		s            uint64
		stripeSector uint64
		windowBuf    []byte
	)

	globals.Lock()
	generation = globals.generation
	globals.Unlock()

	// group the window's logical units by source descriptor
	refs = make(map[uint64][]unitRefStruct)
	for s = windowStart; s < windowEnd; s += globals.unitSectors {
		stripeSector, ddIdx, _, _ = prevGeometry.ComputeSector(s)
		refs[stripeSector] = append(refs[stripeSector], unitRefStruct{logicalSector: s, ddIdx: ddIdx})
	}

	copied = make(map[uint64][]byte)
	for stripeSector = range refs {
		err = copyOutSourceStripe(stripeSector, generation, refs[stripeSector], copied)
		if nil != err {
			return
		}
	}

	windowBuf = make([]byte, (windowEnd-windowStart)<<9)
	for s = windowStart; s < windowEnd; s += globals.unitSectors {
		off = (s - windowStart) << 9
		copy(windowBuf[off:off+globals.config.StripeUnitBytes], copied[s])
	}

	err = writeRelocatedWindow(windowStart, windowBuf, &cursor.newGeometry, generation+1)
	return
}

// copyOutSourceStripe drains one source descriptor, fills its data entries
// through the reconciler, and snapshots the referenced units. Writes that
// slip in behind the fill are let through and the copy is redone.
//
func copyOutSourceStripe(stripeSector uint64, generation uint64, refs []unitRefStruct, copied map[uint64][]byte) (err error) {
	var (
		aborted   bool
		filled    chan struct{}
		lateWrite bool
		ref       unitRefStruct
		stripe    *stripeStruct
	)

	for {
		stripe, err = acquireStripe(stripeSector, generation, false)
		if nil != err {
			return
		}

		// wait out any in-flight dirtying before fencing the stripe
		stripe.shard.Lock()
		for {
			if stripe.flags.aborted {
				stripe.shard.Unlock()
				releaseStripe(stripe)
				err = EIOError.Here().WithMessagef("source stripe %d aborted during reshape", stripeSector)
				return
			}
			if (nil == stripe.anyToWrite()) && (reconstructStateIdle == stripe.reconstructState) && (0 == stripe.opsPending) {
				break
			}
			stripe.overlapCond.Wait()
		}

		// shard lock still held
		filled = make(chan struct{}, 1)
		stripe.flags.expandSource = true
		stripe.copyDone = func() {
			filled <- struct{}{}
		}
		stripe.refCount++ // donated to the handle queue
		stripe.shard.Unlock()

		queueStripeForHandle(stripe)
		<-filled

		stripe.shard.Lock()
		aborted = stripe.flags.aborted
		if !aborted {
			for _, ref = range refs {
				copied[ref.logicalSector] = append([]byte(nil), stripe.disks[ref.ddIdx].buf...)
			}
		}
		lateWrite = nil != stripe.anyToWrite()
		stripe.flags.expandSource = false
		stripe.shard.Unlock()

		if aborted {
			releaseStripe(stripe)
			err = EIOError.Here().WithMessagef("source stripe %d aborted during reshape", stripeSector)
			return
		}

		if !lateWrite {
			releaseStripe(stripe)
			err = nil
			return
		}

		// a write was admitted behind the fill; let it land and copy again
		stripe.shard.Lock()
		stripe.flags.delayed = false
		stripe.refCount++ // donated to the handle queue
		stripe.shard.Unlock()
		queueStripeForHandle(stripe)
		releaseStripe(stripe)
	}
}

// writeRelocatedWindow writes windowBuf at windowStart through descriptors
// of the destination geometry and waits for data and parity to be durable.
//
func writeRelocatedWindow(windowStart uint64, windowBuf []byte, newGeometry *rlayout.GeometryStruct, generation uint64) (err error) {
	var (
		fragment  *fragmentPlanStruct
		fragments []*fragmentPlanStruct
		off       uint64
		request   *requestStruct
		result    chan error
		s         uint64
	)

	fragments = make([]*fragmentPlanStruct, 0, uint64(len(windowBuf))>>9/globals.unitSectors)
	for off = 0; off < uint64(len(windowBuf))>>9; off += globals.unitSectors {
		s = windowStart + off
		fragment = &fragmentPlanStruct{
			logicalSector: s,
			sectorCount:   globals.unitSectors,
			bufOff:        int(off) << 9,
			generation:    generation,
			expanding:     true,
		}
		fragment.stripeSector, fragment.ddIdx, _, _ = newGeometry.ComputeSector(s)
		fragment.unitAligned = fragment.stripeSector
		fragment.unitOff = 0
		fragments = append(fragments, fragment)
	}

	result = make(chan error, 1)
	request = &requestStruct{
		op:            reqOpWrite,
		logicalSector: windowStart,
		buf:           windowBuf,
		remaining:     int64(len(fragments)),
		done: func(doneErr error) {
			result <- doneErr
		},
	}

	for _, fragment = range fragments {
		admitCachedFragment(request, fragment)
	}

	err = <-result
	return
}

func reshapeAbort(cursor *reshapeCursorStruct, err error) {
	globals.Lock()
	globals.reshape = nil
	globals.Unlock()

	logErrorf("reshape aborted at sector %d: %v", cursor.mappedBoundary, err)

	unplugDelayedStripes()

	cursor.done(err)
}

// reshapeFinish commits the destination geometry as the live one and bumps
// the generation; the previous generation's descriptors age out of the
// cache naturally.
//
func reshapeFinish(cursor *reshapeCursorStruct) {
	writeReshapeCheckPoint(cursor)

	globals.Lock()
	globals.geometry = cursor.newGeometry
	globals.generation++
	globals.config.DiskCount = cursor.newGeometry.DiskCount
	globals.config.ChunkSectors = cursor.newGeometry.ChunkSectors
	globals.config.Layout = cursor.newGeometry.Layout
	globals.capacitySectors = uint64(cursor.newGeometry.DataDisks()) * globals.config.MemberSectors
	globals.reshape = nil
	globals.Unlock()

	logInfof("reshape complete: %d members, chunkSectors %d, generation %d",
		cursor.newGeometry.DiskCount, cursor.newGeometry.ChunkSectors, globals.generation)

	unplugDelayedStripes()

	cursor.done(nil)
}
