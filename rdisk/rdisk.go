// Copyright (c) 2015-2022, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

// Package rdisk provides a file-backed member-disk array implementing
// rstripepkg.DiskArrayInterface: one backing file per member, O_DIRECT when
// available (with aligned bounce buffers), hole punching for discards, and a
// per-member bad-block list so reads of known-bad ranges fail the way a real
// medium would.
//
package rdisk

import (
	"fmt"
	"os"
	"sync"

	"github.com/NVIDIA/sortedmap"
	"github.com/ansel1/merry"
	"github.com/ncw/directio"
	"golang.org/x/sys/unix"

	"github.com/NVIDIA/stripecache/rstripe/rstripepkg"
)

var (
	EMemberFaulty  = merry.New("member disk is faulty")
	EBadBlockRange = merry.New("read range intersects a recorded bad block")
	EShortTransfer = merry.New("short transfer")
)

type diskStruct struct {
	sync.Mutex
	index     uint32
	file      *os.File
	direct    bool
	faulty    bool
	badBlocks sortedmap.LLRBTree // start sector -> sector count
}

// DiskArrayStruct is a file-backed member array. All I/O is issued on
// dedicated goroutines; SubmitDiskOp never blocks the caller.
//
type DiskArrayStruct struct {
	memberSectors uint64
	unitBytes     uint64
	disks         []*diskStruct
}

// NewDiskArray opens (creating and sizing as needed) one backing file per
// path. Files are opened O_DIRECT where the platform allows, falling back
// to buffered I/O.
//
func NewDiskArray(paths []string, memberSectors uint64, unitBytes uint64) (diskArray *DiskArrayStruct, err error) {
	var (
		disk      *diskStruct
		diskIndex int
		path      string
	)

	diskArray = &DiskArrayStruct{
		memberSectors: memberSectors,
		unitBytes:     unitBytes,
		disks:         make([]*diskStruct, len(paths)),
	}

	for diskIndex, path = range paths {
		disk = &diskStruct{
			index:  uint32(diskIndex),
			direct: true,
		}
		disk.badBlocks = sortedmap.NewLLRBTree(sortedmap.CompareUint64, &badBlockCallbacksStruct{})
		disk.file, err = directio.OpenFile(path, os.O_CREATE|os.O_RDWR, 0666)
		if nil != err {
			disk.direct = false
			disk.file, err = os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0666)
			if nil != err {
				diskArray.closeOpened()
				diskArray = nil
				return
			}
		}
		err = disk.file.Truncate(int64(memberSectors) << 9)
		if nil != err {
			diskArray.closeOpened()
			diskArray = nil
			return
		}
		diskArray.disks[diskIndex] = disk
	}

	err = nil
	return
}

func (diskArray *DiskArrayStruct) closeOpened() {
	var (
		disk *diskStruct
	)

	for _, disk = range diskArray.disks {
		if (nil != disk) && (nil != disk.file) {
			_ = disk.file.Close()
		}
	}
}

// Close closes every backing file.
//
func (diskArray *DiskArrayStruct) Close() (err error) {
	var (
		disk     *diskStruct
		firstErr error
	)

	for _, disk = range diskArray.disks {
		err = disk.file.Close()
		if (nil != err) && (nil == firstErr) {
			firstErr = err
		}
	}

	err = firstErr
	return
}

// MarkFaulty makes every subsequent operation on the member fail.
//
func (diskArray *DiskArrayStruct) MarkFaulty(diskIndex uint32) {
	var (
		disk *diskStruct
	)

	disk = diskArray.disks[diskIndex]
	disk.Lock()
	disk.faulty = true
	disk.Unlock()
}

// SubmitDiskOp queues one member operation and invokes completion exactly
// once on a dedicated goroutine.
//
func (diskArray *DiskArrayStruct) SubmitDiskOp(diskIndex uint32, sector uint64, buf []byte, op rstripepkg.DiskOpType, completion func(err error, recordBadBlock bool)) {
	go func() {
		var (
			err            error
			recordBadBlock bool
		)

		recordBadBlock, err = diskArray.performDiskOp(diskIndex, sector, buf, op)
		completion(err, recordBadBlock)
	}()
}

func (diskArray *DiskArrayStruct) performDiskOp(diskIndex uint32, sector uint64, buf []byte, op rstripepkg.DiskOpType) (recordBadBlock bool, err error) {
	var (
		disk *diskStruct
	)

	recordBadBlock = false

	if diskIndex >= uint32(len(diskArray.disks)) {
		err = EMemberFaulty.Here().WithMessagef("diskIndex (%d) out of range", diskIndex)
		return
	}

	disk = diskArray.disks[diskIndex]

	disk.Lock()
	defer disk.Unlock()

	if disk.faulty {
		err = EMemberFaulty.Here()
		return
	}

	switch op {
	case rstripepkg.DiskOpRead:
		err = disk.readLocked(sector, buf)
	case rstripepkg.DiskOpWrite:
		err = disk.writeLocked(sector, buf)
		if nil != err {
			// the member survives; the engine remembers the range bad
			recordBadBlock = true
		}
	case rstripepkg.DiskOpDiscard:
		err = disk.discardLocked(sector, diskArray.unitBytes)
	default:
		err = EMemberFaulty.Here().WithMessagef("unknown op (%d)", op)
	}

	return
}

func (disk *diskStruct) readLocked(sector uint64, buf []byte) (err error) {
	var (
		bounce []byte
		n      int
	)

	err = disk.badBlocksIntersectLocked(sector, uint64(len(buf))>>9)
	if nil != err {
		return
	}

	if disk.direct {
		bounce = directio.AlignedBlock(len(buf))
		n, err = disk.file.ReadAt(bounce, int64(sector)<<9)
		if nil == err {
			copy(buf, bounce)
		}
	} else {
		n, err = disk.file.ReadAt(buf, int64(sector)<<9)
	}
	if nil != err {
		return
	}
	if n != len(buf) {
		err = EShortTransfer.Here().WithMessagef("read %d of %d bytes at sector %d", n, len(buf), sector)
		return
	}

	err = nil
	return
}

func (disk *diskStruct) writeLocked(sector uint64, buf []byte) (err error) {
	var (
		bounce []byte
		n      int
	)

	if disk.direct {
		bounce = directio.AlignedBlock(len(buf))
		copy(bounce, buf)
		n, err = disk.file.WriteAt(bounce, int64(sector)<<9)
	} else {
		n, err = disk.file.WriteAt(buf, int64(sector)<<9)
	}
	if nil != err {
		return
	}
	if n != len(buf) {
		err = EShortTransfer.Here().WithMessagef("wrote %d of %d bytes at sector %d", n, len(buf), sector)
		return
	}

	// a successful write heals any recorded bad blocks it covers
	disk.clearBadBlocksLocked(sector, uint64(len(buf))>>9)

	err = nil
	return
}

func (disk *diskStruct) discardLocked(sector uint64, unitBytes uint64) (err error) {
	var (
		zeros []byte
	)

	err = unix.Fallocate(int(disk.file.Fd()), unix.FALLOC_FL_PUNCH_HOLE|unix.FALLOC_FL_KEEP_SIZE, int64(sector)<<9, int64(unitBytes))
	if nil != err {
		// filesystem without hole punching; write zeros instead
		zeros = make([]byte, unitBytes)
		_, err = disk.file.WriteAt(zeros, int64(sector)<<9)
		if nil != err {
			return
		}
	}

	disk.clearBadBlocksLocked(sector, unitBytes>>9)

	err = nil
	return
}

// RecordBadBlockRange remembers [sector, sector+sectorCount) unreadable on
// the member until a write covers it.
//
func (diskArray *DiskArrayStruct) RecordBadBlockRange(diskIndex uint32, sector uint64, sectorCount uint64) (err error) {
	var (
		disk *diskStruct
		ok   bool
	)

	if diskIndex >= uint32(len(diskArray.disks)) {
		err = EMemberFaulty.Here().WithMessagef("diskIndex (%d) out of range", diskIndex)
		return
	}

	disk = diskArray.disks[diskIndex]

	disk.Lock()
	ok, err = disk.badBlocks.Put(sector, sectorCount)
	if (nil == err) && !ok {
		// range already present; widen it if the new one is larger
		var (
			existing    sortedmap.Value
			existingLen uint64
		)
		existing, ok, err = disk.badBlocks.GetByKey(sector)
		if (nil == err) && ok {
			existingLen = existing.(uint64)
			if sectorCount > existingLen {
				_, err = disk.badBlocks.PatchByKey(sector, sectorCount)
			}
		}
	}
	disk.Unlock()

	return
}

func (disk *diskStruct) badBlocksIntersectLocked(sector uint64, sectorCount uint64) (err error) {
	var (
		i          int
		key        sortedmap.Key
		numEntries int
		ok         bool
		start      uint64
		value      sortedmap.Value
	)

	numEntries, err = disk.badBlocks.Len()
	if nil != err {
		return
	}

	for i = 0; i < numEntries; i++ {
		key, value, ok, err = disk.badBlocks.GetByIndex(i)
		if nil != err {
			return
		}
		if !ok {
			break
		}
		start = key.(uint64)
		if (sector < start+value.(uint64)) && (start < sector+sectorCount) {
			err = EBadBlockRange.Here().WithMessagef("member %d sectors [%d,+%d)", disk.index, sector, sectorCount)
			return
		}
	}

	err = nil
	return
}

func (disk *diskStruct) clearBadBlocksLocked(sector uint64, sectorCount uint64) {
	var (
		err        error
		i          int
		key        sortedmap.Key
		numEntries int
		ok         bool
		start      uint64
		value      sortedmap.Value
	)

	numEntries, err = disk.badBlocks.Len()
	if nil != err {
		return
	}

	// collect then delete; ranges fully covered by the write go away
	toDelete := make([]uint64, 0, 1)
	for i = 0; i < numEntries; i++ {
		key, value, ok, err = disk.badBlocks.GetByIndex(i)
		if (nil != err) || !ok {
			break
		}
		start = key.(uint64)
		if (start >= sector) && (start+value.(uint64) <= sector+sectorCount) {
			toDelete = append(toDelete, start)
		}
	}
	for _, start = range toDelete {
		_, _ = disk.badBlocks.DeleteByKey(start)
	}
}

type badBlockCallbacksStruct struct{}

func (*badBlockCallbacksStruct) DumpKey(key sortedmap.Key) (keyAsString string, err error) {
	var (
		keyAsUint64 uint64
		ok          bool
	)

	keyAsUint64, ok = key.(uint64)
	if ok {
		keyAsString = fmt.Sprintf("%d", keyAsUint64)
		err = nil
	} else {
		err = fmt.Errorf("badBlocks' DumpKey(%v) called for non-uint64", key)
	}

	return
}

func (*badBlockCallbacksStruct) DumpValue(value sortedmap.Value) (valueAsString string, err error) {
	var (
		ok            bool
		valueAsUint64 uint64
	)

	valueAsUint64, ok = value.(uint64)
	if ok {
		valueAsString = fmt.Sprintf("%d", valueAsUint64)
		err = nil
	} else {
		err = fmt.Errorf("badBlocks' DumpValue(%v) called for non-uint64", value)
	}

	return
}
