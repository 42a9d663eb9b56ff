// Copyright (c) 2015-2022, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package rparity

import (
	"math/rand"
	"testing"

	"github.com/google/go-cmp/cmp"
)

const (
	testDataSlots = 4
	testUnitSize  = 512
)

func testMakeStripe(t *testing.T, engine *EngineStruct) (sources [][]byte, golden [][]byte) {
	var (
		b        int
		err      error
		errChan  chan error
		slot     int
		testRand *rand.Rand
	)

	testRand = rand.New(rand.NewSource(0x5717ECA0))

	sources = make([][]byte, testDataSlots+2)
	golden = make([][]byte, testDataSlots+2)
	for slot = 0; slot < testDataSlots+2; slot++ {
		sources[slot] = make([]byte, testUnitSize)
		golden[slot] = make([]byte, testUnitSize)
	}
	for slot = 0; slot < testDataSlots; slot++ {
		for b = 0; b < testUnitSize; b++ {
			sources[slot][b] = byte(testRand.Intn(256))
		}
	}

	errChan = make(chan error, 1)
	engine.GenSyndrome(sources, func(err error) { errChan <- err })
	err = <-errChan
	if nil != err {
		t.Fatalf("engine.GenSyndrome() failed: %v", err)
	}

	for slot = 0; slot < testDataSlots+2; slot++ {
		copy(golden[slot], sources[slot])
	}

	return
}

func TestValidateCleanStripe(t *testing.T) {
	var (
		engine       *EngineStruct
		err          error
		mismatchChan chan uint32
		errChan      chan error
		mismatchMask uint32
		sources      [][]byte
	)

	engine = NewEngine(testDataSlots+2, testUnitSize)

	sources, _ = testMakeStripe(t, engine)

	mismatchChan = make(chan uint32, 1)
	errChan = make(chan error, 1)
	engine.ValidateSyndrome(sources, func(mismatchMask uint32, err error) {
		mismatchChan <- mismatchMask
		errChan <- err
	})
	mismatchMask = <-mismatchChan
	err = <-errChan
	if nil != err {
		t.Fatalf("engine.ValidateSyndrome() failed: %v", err)
	}
	if 0 != mismatchMask {
		t.Fatalf("mismatchMask (%b) should have been 0", mismatchMask)
	}

	sources[1][17] ^= 0x40

	engine.ValidateSyndrome(sources, func(mismatchMask uint32, err error) {
		mismatchChan <- mismatchMask
		errChan <- err
	})
	mismatchMask = <-mismatchChan
	err = <-errChan
	if nil != err {
		t.Fatalf("engine.ValidateSyndrome() failed: %v", err)
	}
	if (MismatchP | MismatchQ) != mismatchMask {
		t.Fatalf("mismatchMask (%b) should have been P|Q", mismatchMask)
	}
}

func TestRecoverEveryCase(t *testing.T) {
	var (
		engine       *EngineStruct
		err          error
		errChan      chan error
		golden       [][]byte
		missingSlots []int
		slot         int
		sources      [][]byte
	)

	engine = NewEngine(testDataSlots+2, testUnitSize)

	for _, missingSlots = range [][]int{
		{testDataSlots},                    // {P}
		{testDataSlots + 1},                // {Q}
		{2},                                // {D} via P
		{1, testDataSlots},                 // {D, P} via Q
		{3, testDataSlots + 1},             // {D, Q} via P
		{0, 2},                             // {D, D} via P+Q
		{0, testDataSlots - 1},             // {D, D} adjacent extremes
		{testDataSlots, testDataSlots + 1}, // {P, Q}
	} {
		sources, golden = testMakeStripe(t, engine)

		for _, slot = range missingSlots {
			for b := range sources[slot] {
				sources[slot][b] = 0xA5 // trash the "lost" buffer
			}
		}

		errChan = make(chan error, 1)
		engine.Recover(sources, missingSlots, func(err error) { errChan <- err })
		err = <-errChan
		if nil != err {
			t.Fatalf("engine.Recover(missingSlots: %v) failed: %v", missingSlots, err)
		}

		for slot = 0; slot < testDataSlots+2; slot++ {
			if "" != cmp.Diff(golden[slot], sources[slot]) {
				t.Fatalf("engine.Recover(missingSlots: %v) corrupted slot %d:\n%s", missingSlots, slot, cmp.Diff(golden[slot], sources[slot]))
			}
		}
	}
}

func TestRecoverRejectsBadSlots(t *testing.T) {
	var (
		engine  *EngineStruct
		err     error
		errChan chan error
		sources [][]byte
	)

	engine = NewEngine(testDataSlots+2, testUnitSize)

	sources, _ = testMakeStripe(t, engine)

	errChan = make(chan error, 1)

	engine.Recover(sources, []int{0, 1, 2}, func(err error) { errChan <- err })
	err = <-errChan
	if nil == err {
		t.Fatalf("engine.Recover() of 3 slots unexpectedly succeeded")
	}

	engine.Recover(sources, []int{1, 1}, func(err error) { errChan <- err })
	err = <-errChan
	if nil == err {
		t.Fatalf("engine.Recover() of duplicate slots unexpectedly succeeded")
	}

	engine.Recover(sources, []int{testDataSlots + 2}, func(err error) { errChan <- err })
	err = <-errChan
	if nil == err {
		t.Fatalf("engine.Recover() of out-of-range slot unexpectedly succeeded")
	}
}

func TestPrexorMatchesRecompute(t *testing.T) {
	var (
		b        int
		engine   *EngineStruct
		err      error
		errChan  chan error
		newData  []byte
		oldData  []byte
		parity   []byte
		reParity []byte
		sources  [][]byte
		slot     int
	)

	engine = NewEngine(testDataSlots+2, testUnitSize)

	sources, _ = testMakeStripe(t, engine)

	oldData = make([]byte, testUnitSize)
	copy(oldData, sources[1])
	newData = make([]byte, testUnitSize)
	for b = 0; b < testUnitSize; b++ {
		newData[b] = byte(b * 7)
	}

	// read-modify-write path: parity ^= oldData (prexor), then ^= newData

	parity = make([]byte, testUnitSize)
	zeroBlock(parity)
	for slot = 0; slot < testDataSlots; slot++ {
		xorBlocksInto(parity, [][]byte{sources[slot]})
	}

	errChan = make(chan error, 1)
	engine.XORInto(parity, [][]byte{oldData}, func(err error) { errChan <- err })
	err = <-errChan
	if nil != err {
		t.Fatalf("engine.XORInto(prexor) failed: %v", err)
	}
	engine.XORInto(parity, [][]byte{newData}, func(err error) { errChan <- err })
	err = <-errChan
	if nil != err {
		t.Fatalf("engine.XORInto(xor) failed: %v", err)
	}

	// reconstruct-write path: recompute from all data

	copy(sources[1], newData)
	reParity = make([]byte, testUnitSize)
	engine.XOR(reParity, sources[:testDataSlots], func(err error) { errChan <- err })
	err = <-errChan
	if nil != err {
		t.Fatalf("engine.XOR() failed: %v", err)
	}

	if "" != cmp.Diff(reParity, parity) {
		t.Fatalf("RMW and RCW parity disagree:\n%s", cmp.Diff(reParity, parity))
	}
}
