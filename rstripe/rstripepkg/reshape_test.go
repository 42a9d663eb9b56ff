// Copyright (c) 2015-2022, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package rstripepkg

import (
	"bytes"
	"io/ioutil"
	"os"
	"testing"
	"time"

	"github.com/ansel1/merry"
	"github.com/google/go-cmp/cmp"

	"github.com/NVIDIA/stripecache/rlayout"
)

const testReshapeMemberSectors = uint64(512)

// testChunkedWrite and testChunkedRead stay under MaxRequestStripes.
func testChunkedWrite(t *testing.T, logicalSector uint64, buf []byte) {
	var (
		chunkBytes int
		off        int
	)

	chunkBytes = 8 * testRowBytes
	for off = 0; off < len(buf); off += chunkBytes {
		if off+chunkBytes > len(buf) {
			chunkBytes = len(buf) - off
		}
		testMustWrite(t, logicalSector+uint64(off)>>9, buf[off:off+chunkBytes])
	}
}

func testChunkedRead(t *testing.T, logicalSector uint64, length int) (buf []byte) {
	var (
		chunkBytes int
		off        int
	)

	buf = make([]byte, length)
	chunkBytes = 8 * testRowBytes
	for off = 0; off < length; off += chunkBytes {
		if off+chunkBytes > length {
			chunkBytes = length - off
		}
		copy(buf[off:], testMustRead(t, logicalSector+uint64(off)>>9, chunkBytes))
	}
	return
}

func TestRelocationWriteFreesDescriptorClean(t *testing.T) {
	var (
		doneChan chan error
		fragment *fragmentPlanStruct
		hashed   bool
		request  *requestStruct
		reqErr   error
		shard    *cacheShardStruct
		stripe   *stripeStruct
	)

	testSetup(t, []string{"RSTRIPE.Workers=0"})
	defer testTeardown(t)

	doneChan = make(chan error, 1)

	fragment = &fragmentPlanStruct{
		logicalSector: 0,
		sectorCount:   globals.unitSectors,
		generation:    globals.generation,
		expanding:     true,
	}
	fragment.stripeSector, fragment.ddIdx, _, _ = globals.geometry.ComputeSector(0)
	fragment.unitAligned = fragment.stripeSector

	request = &requestStruct{
		op:        reqOpWrite,
		buf:       testPattern(0x5A, int(globals.config.StripeUnitBytes)),
		remaining: 1,
		done: func(doneErr error) {
			doneChan <- doneErr
		},
	}

	admitCachedFragment(request, fragment)

	shard = shardForSector(fragment.unitAligned)
	shard.Lock()
	stripe, hashed = shard.hashTable[stripeKeyStruct{sector: fragment.unitAligned, generation: fragment.generation}]
	if !hashed {
		shard.Unlock()
		t.Fatalf("expected a cached descriptor for the relocation write")
	}
	if !stripe.flags.expanding {
		shard.Unlock()
		t.Fatalf("expected the destination descriptor to be marked expanding")
	}
	shard.Unlock()

	testRunHandleQueue(t, func() (done bool) {
		select {
		case reqErr = <-doneChan:
			done = true
		default:
			done = false
		}
		return
	})
	if nil != reqErr {
		t.Fatalf("relocation write failed: %v", reqErr)
	}

	testDrain(t)

	shard.Lock()
	if stripe.flags.expanding {
		shard.Unlock()
		t.Fatalf("expanding still set after the relocation write retired")
	}
	if !stripe.flags.onFreeList {
		shard.Unlock()
		t.Fatalf("descriptor not routed to the free pool after the relocation write retired")
	}
	shard.Unlock()
}

func TestReshapeValidation(t *testing.T) {
	var (
		err error
	)

	testSetup(t, nil)
	defer testTeardown(t)

	err = StartReshape(rlayout.GeometryStruct{RAIDLevel: 6, DiskCount: 6, ChunkSectors: 8, Layout: 2}, func(error) {})
	if !merry.Is(err, EBadRequest) {
		t.Fatalf("expected EBadRequest changing the RAID level, got %v", err)
	}

	err = StartReshape(rlayout.GeometryStruct{RAIDLevel: 5, DiskCount: 3, ChunkSectors: 8, Layout: 2}, func(error) {})
	if !merry.Is(err, EBadRequest) {
		t.Fatalf("expected EBadRequest shrinking the array, got %v", err)
	}

	err = StartReshape(rlayout.GeometryStruct{RAIDLevel: 5, DiskCount: 5, ChunkSectors: 8, Layout: 2}, nil)
	if !merry.Is(err, EBadRequest) {
		t.Fatalf("expected EBadRequest for a nil done callback, got %v", err)
	}
}

func TestReshapeGrow(t *testing.T) {
	var (
		checkPoint     *rlayout.ReshapeCheckPointV1Struct
		checkPointBuf  []byte
		checkPointPath string
		doneChan       chan error
		err            error
		got            []byte
		grown          []byte
		oldCapacity    uint64
		readerDone     chan struct{}
		readerStop     chan struct{}
		tempDir        string
		want           []byte
	)

	tempDir, err = ioutil.TempDir("", "rstripepkg_reshape")
	if nil != err {
		t.Fatalf("ioutil.TempDir() failed: %v", err)
	}
	defer func() { _ = os.RemoveAll(tempDir) }()

	checkPointPath = tempDir + "/reshape.ckpt"

	testSetup(t, []string{
		"RSTRIPE.MemberSectors=512",
		"RSTRIPE.ReshapeCheckPointPath=" + checkPointPath,
		"RSTRIPE.ReshapeCheckPointInterval=50ms",
	})
	defer testTeardown(t)

	oldCapacity = 3 * testReshapeMemberSectors
	if oldCapacity != globals.capacitySectors {
		t.Fatalf("expected capacity %d, got %d", oldCapacity, globals.capacitySectors)
	}

	want = testPattern(0x07, int(oldCapacity)<<9)
	testChunkedWrite(t, 0, want)
	testDrain(t)

	// reads racing the relocation either succeed or bounce off the busy
	// window with ETryAgain; the loop runs until after the commit so reads
	// overlap the geometry swap as well
	readerDone = make(chan struct{})
	readerStop = make(chan struct{})
	go func() {
		var (
			readBuf  []byte
			readChan chan error
			readErr  error
			stopping bool
		)
		defer close(readerDone)
		for !stopping {
			select {
			case <-readerStop:
				stopping = true
			default:
			}
			readBuf = make([]byte, testRowBytes)
			readChan = make(chan error, 1)
			readErr = Read(0, readBuf, func(doneErr error) { readChan <- doneErr })
			if nil != readErr {
				if !merry.Is(readErr, ETryAgain) {
					t.Errorf("read during reshape failed admission: %v", readErr)
					return
				}
				time.Sleep(time.Millisecond)
				continue
			}
			readErr = <-readChan
			if nil != readErr {
				t.Errorf("read during reshape failed: %v", readErr)
				return
			}
			if !bytes.Equal(readBuf, want[:len(readBuf)]) {
				t.Errorf("read during reshape returned different data")
				return
			}
		}
	}()

	doneChan = make(chan error, 1)
	err = StartReshape(rlayout.GeometryStruct{RAIDLevel: 5, DiskCount: 5, ChunkSectors: 8, Layout: 2},
		func(doneErr error) { doneChan <- doneErr })
	if nil != err {
		t.Fatalf("StartReshape() failed: %v", err)
	}

	select {
	case err = <-doneChan:
	case <-time.After(60 * time.Second):
		t.Fatalf("reshape did not complete within 60s")
	}
	if nil != err {
		t.Fatalf("reshape failed: %v", err)
	}
	close(readerStop)
	<-readerDone

	if 5 != globals.geometry.DiskCount {
		t.Fatalf("reshape did not commit the new geometry")
	}
	if 2 != globals.generation {
		t.Fatalf("expected generation 2 after reshape, got %d", globals.generation)
	}
	if 4*testReshapeMemberSectors != globals.capacitySectors {
		t.Fatalf("expected capacity %d after reshape, got %d", 4*testReshapeMemberSectors, globals.capacitySectors)
	}
	if 48 != globals.stats.ReshapeStepsTaken.TotalGet() {
		t.Fatalf("expected 48 reshape windows, got %d", globals.stats.ReshapeStepsTaken.TotalGet())
	}

	// every pre-reshape byte survived the relocation
	got = testChunkedRead(t, 0, len(want))
	if "" != cmp.Diff(want, got) {
		t.Fatalf("data differs after reshape:\n%s", cmp.Diff(want, got))
	}

	// the checkpoint records the completed copy
	checkPointBuf, err = ioutil.ReadFile(checkPointPath)
	if nil != err {
		t.Fatalf("reading the reshape checkpoint failed: %v", err)
	}
	checkPoint, err = rlayout.UnmarshalReshapeCheckPointV1(checkPointBuf)
	if nil != err {
		t.Fatalf("unmarshaling the reshape checkpoint failed: %v", err)
	}
	if (oldCapacity != checkPoint.SafeSector) || (5 != checkPoint.NewDiskCount) || (2 != checkPoint.Generation) {
		t.Fatalf("unexpected checkpoint contents: %+v", checkPoint)
	}

	// the grown region is writable
	grown = testPattern(0x77, 4*int(testStripeUnitBytes))
	testMustWrite(t, oldCapacity, grown)
	testDrain(t)
	got = testMustRead(t, oldCapacity, len(grown))
	if "" != cmp.Diff(grown, got) {
		t.Fatalf("grown region differs after write:\n%s", cmp.Diff(grown, got))
	}

	testCheckRowParity(t, 0)
}
