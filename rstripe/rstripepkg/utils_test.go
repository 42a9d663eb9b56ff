// Copyright (c) 2015-2022, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package rstripepkg

import (
	"container/list"
	"errors"
	"io/ioutil"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/NVIDIA/stripecache/conf"
)

const (
	testChunkSectors    = uint64(8)
	testDiskCount       = uint32(4)
	testMemberSectors   = uint64(4096)
	testStripeUnitBytes = uint64(4096)
	testUnitSectors     = testStripeUnitBytes >> 9
)

var (
	errTestBadRange = errors.New("recorded bad block range")
	errTestInjected = errors.New("injected member error")
)

type testDiskOpKeyStruct struct {
	diskIndex uint32
	sector    uint64
}

type testBadRangeStruct struct {
	diskIndex   uint32
	sector      uint64
	sectorCount uint64
}

// testDiskArrayStruct is an in-memory DiskArrayInterface. Members materialize
// on first touch so a reshape may address disks beyond the initial DiskCount.
// Errors injected per (diskIndex, sector) fail reads or writes there until a
// successful write (or discard) covers the sector again.
//
type testDiskArrayStruct struct {
	sync.Mutex
	memberBytes uint64
	unitBytes   uint64
	members     map[uint32][]byte
	readErrors  map[testDiskOpKeyStruct]error
	writeErrors map[testDiskOpKeyStruct]error
	readOps     uint64
	writeOps    uint64
	discardOps  uint64
	recorded    []testBadRangeStruct
}

func newTestDiskArray(memberBytes uint64, unitBytes uint64) (tda *testDiskArrayStruct) {
	tda = &testDiskArrayStruct{
		memberBytes: memberBytes,
		unitBytes:   unitBytes,
		members:     make(map[uint32][]byte),
		readErrors:  make(map[testDiskOpKeyStruct]error),
		writeErrors: make(map[testDiskOpKeyStruct]error),
	}
	return
}

func (tda *testDiskArrayStruct) memberLocked(diskIndex uint32) (member []byte) {
	var (
		ok bool
	)

	member, ok = tda.members[diskIndex]
	if !ok {
		member = make([]byte, tda.memberBytes)
		tda.members[diskIndex] = member
	}
	return
}

func (tda *testDiskArrayStruct) healLocked(diskIndex uint32, sector uint64, sectorCount uint64) {
	var (
		kept []testBadRangeStruct
		r    testBadRangeStruct
		s    uint64
	)

	for s = sector; s < sector+sectorCount; s++ {
		delete(tda.readErrors, testDiskOpKeyStruct{diskIndex: diskIndex, sector: s})
		delete(tda.writeErrors, testDiskOpKeyStruct{diskIndex: diskIndex, sector: s})
	}

	kept = nil
	for _, r = range tda.recorded {
		if (r.diskIndex == diskIndex) && (r.sector < sector+sectorCount) && (sector < r.sector+r.sectorCount) {
			continue
		}
		kept = append(kept, r)
	}
	tda.recorded = kept
}

// badRangeLocked reports whether [sector,+sectorCount) of diskIndex touches a
// recorded bad block range; reads there fail like a real member's would.
//
func (tda *testDiskArrayStruct) badRangeLocked(diskIndex uint32, sector uint64, sectorCount uint64) (bad bool) {
	var (
		r testBadRangeStruct
	)

	for _, r = range tda.recorded {
		if (r.diskIndex == diskIndex) && (r.sector < sector+sectorCount) && (sector < r.sector+r.sectorCount) {
			bad = true
			return
		}
	}
	bad = false
	return
}

func (tda *testDiskArrayStruct) SubmitDiskOp(diskIndex uint32, sector uint64, buf []byte, op DiskOpType, completion func(err error, recordBadBlock bool)) {
	go func() {
		var (
			err            error
			member         []byte
			recordBadBlock bool
		)

		tda.Lock()

		member = tda.memberLocked(diskIndex)

		switch op {
		case DiskOpRead:
			tda.readOps++
			err = tda.readErrors[testDiskOpKeyStruct{diskIndex: diskIndex, sector: sector}]
			if (nil == err) && tda.badRangeLocked(diskIndex, sector, uint64(len(buf))>>9) {
				err = errTestBadRange
			}
			if nil == err {
				copy(buf, member[sector<<9:(sector<<9)+uint64(len(buf))])
			}
		case DiskOpWrite:
			tda.writeOps++
			err = tda.writeErrors[testDiskOpKeyStruct{diskIndex: diskIndex, sector: sector}]
			if nil == err {
				copy(member[sector<<9:], buf)
				tda.healLocked(diskIndex, sector, uint64(len(buf))>>9)
			} else {
				recordBadBlock = true
			}
		case DiskOpDiscard:
			tda.discardOps++
			zeroFill(member[sector<<9 : (sector<<9)+tda.unitBytes])
			tda.healLocked(diskIndex, sector, tda.unitBytes>>9)
		}

		tda.Unlock()

		completion(err, recordBadBlock)
	}()
}

func (tda *testDiskArrayStruct) RecordBadBlockRange(diskIndex uint32, sector uint64, sectorCount uint64) (err error) {
	tda.Lock()
	tda.recorded = append(tda.recorded, testBadRangeStruct{diskIndex: diskIndex, sector: sector, sectorCount: sectorCount})
	tda.Unlock()
	err = nil
	return
}

func (tda *testDiskArrayStruct) injectReadError(diskIndex uint32, sector uint64, injectedErr error) {
	tda.Lock()
	tda.readErrors[testDiskOpKeyStruct{diskIndex: diskIndex, sector: sector}] = injectedErr
	tda.Unlock()
}

func (tda *testDiskArrayStruct) injectWriteError(diskIndex uint32, sector uint64, injectedErr error) {
	tda.Lock()
	tda.writeErrors[testDiskOpKeyStruct{diskIndex: diskIndex, sector: sector}] = injectedErr
	tda.Unlock()
}

func (tda *testDiskArrayStruct) clearInjectedErrors() {
	tda.Lock()
	tda.readErrors = make(map[testDiskOpKeyStruct]error)
	tda.writeErrors = make(map[testDiskOpKeyStruct]error)
	tda.Unlock()
}

func (tda *testDiskArrayStruct) recordedRanges() (ranges []testBadRangeStruct) {
	tda.Lock()
	ranges = append([]testBadRangeStruct(nil), tda.recorded...)
	tda.Unlock()
	return
}

func (tda *testDiskArrayStruct) memberSlice(diskIndex uint32, sector uint64, length int) (slice []byte) {
	tda.Lock()
	slice = append([]byte(nil), tda.memberLocked(diskIndex)[sector<<9:(sector<<9)+uint64(length)]...)
	tda.Unlock()
	return
}

func (tda *testDiskArrayStruct) corruptByte(diskIndex uint32, sector uint64, byteOff uint64) {
	tda.Lock()
	tda.memberLocked(diskIndex)[(sector<<9)+byteOff] ^= 0xFF
	tda.Unlock()
}

func (tda *testDiskArrayStruct) opCounts() (readOps uint64, writeOps uint64, discardOps uint64) {
	tda.Lock()
	readOps = tda.readOps
	writeOps = tda.writeOps
	discardOps = tda.discardOps
	tda.Unlock()
	return
}

func (tda *testDiskArrayStruct) resetOpCounts() {
	tda.Lock()
	tda.readOps = 0
	tda.writeOps = 0
	tda.discardOps = 0
	tda.Unlock()
}

type testGlobalsStruct struct {
	tempDir string
	confMap conf.ConfMap
	fake    *testDiskArrayStruct
}

var testGlobals *testGlobalsStruct

func testSetup(t *testing.T, confOverrides []string) {
	testSetupWithCollaborators(t, confOverrides, nil, nil)
}

func testSetupWithCollaborators(t *testing.T, confOverrides []string, compute ComputeInterface, journal JournalInterface) {
	var (
		confStrings     []string
		err             error
		memberSectors   uint64
		stripeUnitBytes uint64
		tempDir         string
	)

	tempDir, err = ioutil.TempDir("", "rstripepkg_test")
	if nil != err {
		t.Fatalf("ioutil.TempDir(\"\", \"rstripepkg_test\") failed: %v", err)
	}

	confStrings = []string{
		"RSTRIPE.RAIDLevel=5",
		"RSTRIPE.Layout=2",
		"RSTRIPE.DiskCount=4",
		"RSTRIPE.MemberSectors=4096",
		"RSTRIPE.ChunkSectors=8",
		"RSTRIPE.StripeUnitBytes=4096",
		"RSTRIPE.PoolStripeCount=64",
		"RSTRIPE.ShardCount=4",
		"RSTRIPE.Workers=2",
		"RSTRIPE.MaxRequestStripes=16",
		"RSTRIPE.ReadErrorRetryLimit=2",
		"RSTRIPE.PreferRMW=true",
		"RSTRIPE.ReshapeCheckPointInterval=10s",
		"RSTRIPE.ReshapeCheckPointPath=",
		"RSTRIPE.LogFilePath=",
		"RSTRIPE.LogToConsole=false",
		"RSTRIPE.TraceEnabled=false",
	}
	confStrings = append(confStrings, confOverrides...)

	testGlobals = &testGlobalsStruct{
		tempDir: tempDir,
	}

	testGlobals.confMap, err = conf.MakeConfMapFromStrings(confStrings)
	if nil != err {
		t.Fatalf("conf.MakeConfMapFromStrings() failed: %v", err)
	}

	memberSectors, err = testGlobals.confMap.FetchOptionValueUint64("RSTRIPE", "MemberSectors")
	if nil != err {
		t.Fatalf("fetching MemberSectors failed: %v", err)
	}
	stripeUnitBytes, err = testGlobals.confMap.FetchOptionValueUint64("RSTRIPE", "StripeUnitBytes")
	if nil != err {
		t.Fatalf("fetching StripeUnitBytes failed: %v", err)
	}

	testGlobals.fake = newTestDiskArray(memberSectors<<9, stripeUnitBytes)

	err = Start(testGlobals.confMap, testGlobals.fake, compute, journal)
	if nil != err {
		t.Fatalf("Start() failed: %v", err)
	}
}

// testJournalStruct is a stub JournalInterface; present selects the journaled
// write mode, failed simulates journal loss.
//
type testJournalStruct struct {
	sync.Mutex
	present bool
	failed  bool
}

func (journal *testJournalStruct) IsPresent() (present bool) {
	journal.Lock()
	present = journal.present
	journal.Unlock()
	return
}

func (journal *testJournalStruct) Failed() (failed bool) {
	journal.Lock()
	failed = journal.failed
	journal.Unlock()
	return
}

func (journal *testJournalStruct) StripeIsJournaled(sector uint64, generation uint64) (journaled bool) {
	journaled = false
	return
}

func (journal *testJournalStruct) RequestFlush(sectors []uint64, done func(err error)) {
	go done(nil)
}

func (journal *testJournalStruct) InvalidateCaches() (err error) {
	err = nil
	return
}

func testTeardown(t *testing.T) {
	var (
		err error
	)

	err = Stop()
	if nil != err {
		t.Fatalf("Stop() failed: %v", err)
	}

	err = os.RemoveAll(testGlobals.tempDir)
	if nil != err {
		t.Fatalf("os.RemoveAll() failed: %v", err)
	}

	testGlobals = nil
}

func testAwait(t *testing.T, what string, errChan chan error) (err error) {
	select {
	case err = <-errChan:
	case <-time.After(10 * time.Second):
		t.Fatalf("%s did not complete within 10s", what)
	}
	return
}

func testMustWrite(t *testing.T, logicalSector uint64, buf []byte) {
	var (
		err     error
		errChan chan error
	)

	errChan = make(chan error, 1)
	err = Write(logicalSector, buf, func(doneErr error) { errChan <- doneErr })
	if nil != err {
		t.Fatalf("Write(%d) admission failed: %v", logicalSector, err)
	}
	err = testAwait(t, "Write()", errChan)
	if nil != err {
		t.Fatalf("Write(%d) failed: %v", logicalSector, err)
	}
}

func testMustRead(t *testing.T, logicalSector uint64, length int) (buf []byte) {
	var (
		err     error
		errChan chan error
	)

	buf = make([]byte, length)
	errChan = make(chan error, 1)
	err = Read(logicalSector, buf, func(doneErr error) { errChan <- doneErr })
	if nil != err {
		t.Fatalf("Read(%d) admission failed: %v", logicalSector, err)
	}
	err = testAwait(t, "Read()", errChan)
	if nil != err {
		t.Fatalf("Read(%d) failed: %v", logicalSector, err)
	}
	return
}

func testMustDiscard(t *testing.T, logicalSector uint64, sectorCount uint64) {
	var (
		err     error
		errChan chan error
	)

	errChan = make(chan error, 1)
	err = Discard(logicalSector, sectorCount, func(doneErr error) { errChan <- doneErr })
	if nil != err {
		t.Fatalf("Discard(%d,+%d) admission failed: %v", logicalSector, sectorCount, err)
	}
	err = testAwait(t, "Discard()", errChan)
	if nil != err {
		t.Fatalf("Discard(%d,+%d) failed: %v", logicalSector, sectorCount, err)
	}
}

// testDrain waits for every cached descriptor and bypass read to retire so
// member-disk contents may be inspected directly.
//
func testDrain(t *testing.T) {
	var (
		err error
	)

	err = Quiesce()
	if nil != err {
		t.Fatalf("Quiesce() failed: %v", err)
	}
	err = Resume()
	if nil != err {
		t.Fatalf("Resume() failed: %v", err)
	}
}

func testPattern(seed byte, length int) (buf []byte) {
	var (
		i int
	)

	buf = make([]byte, length)
	for i = 0; i < length; i++ {
		buf[i] = seed + byte(i*7)
	}
	return
}

// testRunHandleQueue drives the handle queue from the test goroutine; used
// with Workers=0 so reconciliation passes run at deterministic points. It
// returns once the queue is empty and stop() reports true.
//
func testRunHandleQueue(t *testing.T, stop func() (done bool)) {
	var (
		deadline time.Time
		element  *list.Element
		stripe   *stripeStruct
	)

	deadline = time.Now().Add(10 * time.Second)

	for {
		globals.handleLock.Lock()
		if 0 != globals.handleList.Len() {
			element = globals.handleList.Front()
			globals.handleList.Remove(element)
			stripe = element.Value.(*stripeStruct)
			stripe.flags.onHandleList = false
			globals.handleLock.Unlock()

			handleStripe(stripe)
			releaseStripe(stripe)
			continue
		}
		globals.handleLock.Unlock()

		if stop() {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("handle queue did not drain within 10s")
		}
		time.Sleep(time.Millisecond)
	}
}
