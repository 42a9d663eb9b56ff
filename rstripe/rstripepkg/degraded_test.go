// Copyright (c) 2015-2022, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package rstripepkg

import (
	"testing"

	"github.com/ansel1/merry"
	"github.com/google/go-cmp/cmp"
)

func TestDegradedReadRecovery(t *testing.T) {
	var (
		err  error
		got  []byte
		want []byte
	)

	testSetup(t, nil)
	defer testTeardown(t)

	want = testPattern(0x05, 2*testRowBytes)
	testMustWrite(t, 0, want)
	testDrain(t)

	err = MarkMemberFaulty(0)
	if nil != err {
		t.Fatalf("MarkMemberFaulty(0) failed: %v", err)
	}
	if 1 != globals.stats.MembersFailed.TotalGet() {
		t.Fatalf("expected 1 failed member, got %d", globals.stats.MembersFailed.TotalGet())
	}

	// logical [0,8) and [32,40) lived on the failed member and must be
	// reconstructed from the survivors
	got = testMustRead(t, 0, len(want))
	if "" != cmp.Diff(want, got) {
		t.Fatalf("degraded read returned different data:\n%s", cmp.Diff(want, got))
	}
}

func TestDegradedWrite(t *testing.T) {
	var (
		err  error
		got  []byte
		want []byte
	)

	testSetup(t, nil)
	defer testTeardown(t)

	want = testPattern(0x15, testRowBytes)
	testMustWrite(t, 0, want)
	testDrain(t)

	err = MarkMemberFaulty(0)
	if nil != err {
		t.Fatalf("MarkMemberFaulty(0) failed: %v", err)
	}

	// a partial write landing on the failed member: its old contents are
	// reconstructed, merged, and re-expressed through parity
	testMustWrite(t, 2, testPattern(0xC5, 3*512))
	copy(want[2*512:], testPattern(0xC5, 3*512))
	testDrain(t)

	got = testMustRead(t, 0, len(want))
	if "" != cmp.Diff(want, got) {
		t.Fatalf("read after degraded write returned different data:\n%s", cmp.Diff(want, got))
	}
}

func TestWriteErrorRecordsBadBlock(t *testing.T) {
	var (
		found bool
		got   []byte
		r     testBadRangeStruct
		want  []byte
	)

	testSetup(t, nil)
	defer testTeardown(t)

	// logical [8,16) lives on member 1 sector 0 in row 0
	testGlobals.fake.injectWriteError(1, 0, errTestInjected)

	want = testPattern(0x25, testRowBytes)
	testMustWrite(t, 0, want)
	testDrain(t)

	found = false
	for _, r = range testGlobals.fake.recordedRanges() {
		if (1 == r.diskIndex) && (0 == r.sector) && (testUnitSectors == r.sectorCount) {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected the failed member write to record a bad block range")
	}
	if 0 != globals.stats.MembersFailed.TotalGet() {
		t.Fatalf("a recorded bad block must not fail the member")
	}

	// let rewrites of the range succeed from here on
	testGlobals.fake.clearInjectedErrors()

	// the bad range fails the member read; the data comes back through
	// parity and the range is rewritten in place
	got = testMustRead(t, 0, len(want))
	if "" != cmp.Diff(want, got) {
		t.Fatalf("read over a bad block range returned different data:\n%s", cmp.Diff(want, got))
	}
	testDrain(t)

	if 0 == globals.stats.ReadErrorRewrites.TotalGet() {
		t.Fatalf("expected the recovered range to be rewritten in place")
	}
	if 0 != len(testGlobals.fake.recordedRanges()) {
		t.Fatalf("expected the rewrite to clear the recorded bad range")
	}

	// the healed member now serves the data directly
	got = testMustRead(t, 8, int(testStripeUnitBytes))
	if "" != cmp.Diff(want[testStripeUnitBytes:2*testStripeUnitBytes], got) {
		t.Fatalf("read after rewrite returned different data")
	}
}

func TestArrayFailed(t *testing.T) {
	var (
		err error
	)

	testSetup(t, nil)
	defer testTeardown(t)

	testMustWrite(t, 0, testPattern(0x35, testRowBytes))
	testDrain(t)

	err = MarkMemberFaulty(0)
	if nil != err {
		t.Fatalf("MarkMemberFaulty(0) failed: %v", err)
	}
	err = MarkMemberFaulty(2)
	if nil != err {
		t.Fatalf("MarkMemberFaulty(2) failed: %v", err)
	}

	err = Write(0, make([]byte, 512), func(error) {})
	if !merry.Is(err, EArrayFailed) {
		t.Fatalf("expected EArrayFailed for a write beyond redundancy, got %v", err)
	}
	err = Read(0, make([]byte, 512), func(error) {})
	if !merry.Is(err, EArrayFailed) {
		t.Fatalf("expected EArrayFailed for a read beyond redundancy, got %v", err)
	}
	err = CheckStripe(0, false, func(uint32, error) {})
	if !merry.Is(err, EArrayFailed) {
		t.Fatalf("expected EArrayFailed for a check beyond redundancy, got %v", err)
	}

	err = MarkMemberFaulty(uint32(testDiskCount))
	if !merry.Is(err, EBadRequest) {
		t.Fatalf("expected EBadRequest for an out-of-range member, got %v", err)
	}
}
