// Copyright (c) 2015-2022, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package rstripepkg

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/NVIDIA/stripecache/rparity"
)

func testRaid6Conf() (confOverrides []string) {
	confOverrides = []string{
		"RSTRIPE.RAIDLevel=6",
		"RSTRIPE.DiskCount=5",
	}
	return
}

// testValidateRaid6Row runs an independent syndrome validation over the fake
// members of the row holding logicalBase and fails on any P or Q mismatch.
//
func testValidateRaid6Row(t *testing.T, logicalBase uint64) {
	var (
		diskIndex  int32
		engine     *rparity.EngineStruct
		mask       uint32
		pdIdx      int32
		qdIdx      int32
		resultChan chan uint32
		rowSector  uint64
		sources    [][]byte
	)

	rowSector, _, pdIdx, qdIdx = globals.geometry.ComputeSector(logicalBase)

	sources = make([][]byte, 0, globals.geometry.DiskCount)
	for _, diskIndex = range globals.geometry.SyndromeDataOrder(pdIdx, qdIdx) {
		sources = append(sources, testGlobals.fake.memberSlice(uint32(diskIndex), rowSector, int(testStripeUnitBytes)))
	}
	sources = append(sources, testGlobals.fake.memberSlice(uint32(pdIdx), rowSector, int(testStripeUnitBytes)))
	sources = append(sources, testGlobals.fake.memberSlice(uint32(qdIdx), rowSector, int(testStripeUnitBytes)))

	engine = rparity.NewEngine(int(globals.geometry.DiskCount), int(testStripeUnitBytes))

	resultChan = make(chan uint32, 1)
	engine.ValidateSyndrome(sources, func(mismatchMask uint32, err error) {
		if nil != err {
			t.Errorf("ValidateSyndrome() failed: %v", err)
		}
		resultChan <- mismatchMask
	})

	select {
	case mask = <-resultChan:
	case <-time.After(10 * time.Second):
		t.Fatalf("ValidateSyndrome() did not complete within 10s")
	}
	if 0 != mask {
		t.Fatalf("row %d syndrome mismatch mask %#x", rowSector, mask)
	}
}

func TestRaid6WriteSyndrome(t *testing.T) {
	var (
		got  []byte
		want []byte
	)

	testSetup(t, testRaid6Conf())
	defer testTeardown(t)

	want = testPattern(0x09, 2*testRowBytes)
	testMustWrite(t, 0, want)
	testDrain(t)

	got = testMustRead(t, 0, len(want))
	if "" != cmp.Diff(want, got) {
		t.Fatalf("read after write returned different data:\n%s", cmp.Diff(want, got))
	}

	testValidateRaid6Row(t, 0)
	testValidateRaid6Row(t, 24)
}

func TestRaid6AlwaysReconstructs(t *testing.T) {
	testSetup(t, testRaid6Conf())
	defer testTeardown(t)

	testMustWrite(t, 0, testPattern(0x19, testRowBytes))
	testDrain(t)

	// even the smallest write updates Q, so raid6 never takes the
	// read-modify-write path
	testMustWrite(t, 3, testPattern(0x29, 512))
	testDrain(t)

	if 0 != globals.stats.RMWSelected.TotalGet() {
		t.Fatalf("raid6 selected read-modify-write %d times", globals.stats.RMWSelected.TotalGet())
	}
	if 0 == globals.stats.RCWSelected.TotalGet() {
		t.Fatalf("expected raid6 to select reconstruct-write")
	}

	testValidateRaid6Row(t, 0)
}

func TestRaid6TwoMemberRecovery(t *testing.T) {
	var (
		err  error
		got  []byte
		want []byte
	)

	testSetup(t, testRaid6Conf())
	defer testTeardown(t)

	want = testPattern(0x39, 3*testRowBytes)
	testMustWrite(t, 0, want)
	testDrain(t)

	err = MarkMemberFaulty(0)
	if nil != err {
		t.Fatalf("MarkMemberFaulty(0) failed: %v", err)
	}
	err = MarkMemberFaulty(1)
	if nil != err {
		t.Fatalf("MarkMemberFaulty(1) failed: %v", err)
	}

	got = testMustRead(t, 0, len(want))
	if "" != cmp.Diff(want, got) {
		t.Fatalf("doubly-degraded read returned different data:\n%s", cmp.Diff(want, got))
	}
}
