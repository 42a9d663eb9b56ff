// Copyright (c) 2015-2022, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

// Package rparity implements the parity/syndrome compute engine for the
// stripe cache: bytewise XOR parity, incremental prexor for read-modify-write,
// and the two-failure Reed-Solomon syndrome over GF(2^8) (generator 0x02,
// polynomial 0x11D) together with validation and every one- and two-slot
// recovery case.
//
// Syndrome calls take a source vector of dataDisks+2 equal-length buffers:
// data in canonical slot order (rlayout.SyndromeDataOrder), then P, then Q.
// All operations are asynchronous: they are issued against caller-owned
// buffers and signal completion via callback, possibly on another goroutine.
// The caller must not touch the buffers between issue and completion.
//
package rparity

import (
	"fmt"
	"sync"
)

var (
	gfExp [510]byte // g^i, doubled to avoid mod-255 in hot paths
	gfLog [256]int
)

func init() {
	var (
		i int
		x int
	)

	x = 1
	for i = 0; i < 255; i++ {
		gfExp[i] = byte(x)
		gfExp[i+255] = byte(x)
		gfLog[x] = i
		x <<= 1
		if 0 != (x & 0x100) {
			x ^= 0x11D
		}
	}
	gfLog[0] = -1
}

func gfMul(a byte, b byte) (p byte) {
	if (0 == a) || (0 == b) {
		p = 0
	} else {
		p = gfExp[gfLog[a]+gfLog[b]]
	}
	return
}

// gfMulExp multiplies a by g^e (e taken mod 255; e may be negative).
func gfMulExp(a byte, e int) (p byte) {
	if 0 == a {
		p = 0
	} else {
		e = e % 255
		if e < 0 {
			e += 255
		}
		p = gfExp[gfLog[a]+e]
	}
	return
}

func gfInv(a byte) (inv byte) {
	inv = gfExp[255-gfLog[a]]
	return
}

// EngineStruct is the default Compute collaborator. One engine serves one
// array; scratch buffers are pooled and sized by the array's disk count and
// stripe unit size.
//
type EngineStruct struct {
	diskCount   int
	unitSize    int
	scratchPool sync.Pool // of [][]byte, 2 buffers of unitSize
}

// NewEngine returns an EngineStruct for an array of diskCount members whose
// stripe unit is unitSize bytes.
//
func NewEngine(diskCount int, unitSize int) (engine *EngineStruct) {
	engine = &EngineStruct{
		diskCount: diskCount,
		unitSize:  unitSize,
	}
	engine.scratchPool.New = func() interface{} {
		var (
			scratch [][]byte
		)
		scratch = make([][]byte, 2)
		scratch[0] = make([]byte, unitSize)
		scratch[1] = make([]byte, unitSize)
		return scratch
	}
	return
}

func (engine *EngineStruct) checkBufs(bufs [][]byte) (err error) {
	var (
		buf []byte
	)

	for _, buf = range bufs {
		if (nil != buf) && (len(buf) != engine.unitSize) {
			err = fmt.Errorf("buffer length %d != stripe unit size %d", len(buf), engine.unitSize)
			return
		}
	}

	err = nil
	return
}

func xorBlocksInto(dst []byte, srcs [][]byte) {
	var (
		i   int
		src []byte
	)

	for _, src = range srcs {
		for i = range dst {
			dst[i] ^= src[i]
		}
	}
}

func zeroBlock(dst []byte) {
	var (
		i int
	)

	for i = range dst {
		dst[i] = 0
	}
}

// XOR asynchronously computes dst = srcs[0] ^ srcs[1] ^ ... from scratch.
//
func (engine *EngineStruct) XOR(dst []byte, srcs [][]byte, done func(err error)) {
	var (
		err error
	)

	err = engine.checkBufs(append([][]byte{dst}, srcs...))
	if nil != err {
		go done(err)
		return
	}

	go func() {
		zeroBlock(dst)
		xorBlocksInto(dst, srcs)
		done(nil)
	}()
}

// XORInto asynchronously folds srcs into dst (dst ^= each src). It serves
// both the prexor (subtract old data from parity) and xor-add halves of a
// read-modify-write, XOR being its own inverse.
//
func (engine *EngineStruct) XORInto(dst []byte, srcs [][]byte, done func(err error)) {
	var (
		err error
	)

	err = engine.checkBufs(append([][]byte{dst}, srcs...))
	if nil != err {
		go done(err)
		return
	}

	go func() {
		xorBlocksInto(dst, srcs)
		done(nil)
	}()
}

// genSyndromeInto computes P into pDst and Q into qDst from the dataSlots.
// Slot i of dataSlots carries weight g^i in Q.
//
func genSyndromeInto(pDst []byte, qDst []byte, dataSlots [][]byte) {
	var (
		b    int
		d    byte
		slot int
	)

	zeroBlock(pDst)
	zeroBlock(qDst)

	for slot = len(dataSlots) - 1; slot >= 0; slot-- {
		// Horner's rule: Q = ((D_{k-1}·g ^ D_{k-2})·g ^ ...)·g ^ D_0
		for b = 0; b < len(pDst); b++ {
			d = dataSlots[slot][b]
			pDst[b] ^= d
			if slot == len(dataSlots)-1 {
				qDst[b] = d
			} else {
				qDst[b] = gfMul(qDst[b], 2) ^ d
			}
		}
	}
}

// GenSyndrome asynchronously computes P (sources[k]) and Q (sources[k+1])
// from the k data slots sources[0..k-1].
//
func (engine *EngineStruct) GenSyndrome(sources [][]byte, done func(err error)) {
	var (
		err error
		k   int
	)

	err = engine.checkBufs(sources)
	if nil == err && len(sources) < 3 {
		err = fmt.Errorf("syndrome requires >= 3 source slots (got %d)", len(sources))
	}
	if nil != err {
		go done(err)
		return
	}

	k = len(sources) - 2

	go func() {
		genSyndromeInto(sources[k], sources[k+1], sources[:k])
		done(nil)
	}()
}

// Validate mismatch mask bits.
const (
	MismatchP = uint32(1 << 0)
	MismatchQ = uint32(1 << 1)
)

// ValidateSyndrome asynchronously recomputes P and Q from the data slots and
// reports which planes disagree with sources[k] / sources[k+1].
//
func (engine *EngineStruct) ValidateSyndrome(sources [][]byte, done func(mismatchMask uint32, err error)) {
	var (
		err error
		k   int
	)

	err = engine.checkBufs(sources)
	if nil == err && len(sources) < 3 {
		err = fmt.Errorf("syndrome requires >= 3 source slots (got %d)", len(sources))
	}
	if nil != err {
		go done(0, err)
		return
	}

	k = len(sources) - 2

	go func() {
		var (
			b            int
			mismatchMask uint32
			scratch      [][]byte
		)

		scratch = engine.scratchPool.Get().([][]byte)

		genSyndromeInto(scratch[0], scratch[1], sources[:k])

		mismatchMask = 0
		for b = 0; b < engine.unitSize; b++ {
			if scratch[0][b] != sources[k][b] {
				mismatchMask |= MismatchP
				break
			}
		}
		for b = 0; b < engine.unitSize; b++ {
			if scratch[1][b] != sources[k+1][b] {
				mismatchMask |= MismatchQ
				break
			}
		}

		engine.scratchPool.Put(scratch)

		done(mismatchMask, nil)
	}()
}

// Recover asynchronously reconstructs the buffers at missingSlots (1 or 2 of
// them; data slots 0..k-1, P at k, Q at k+1) in place from the remaining
// sources. The missing buffers' prior contents are ignored.
//
func (engine *EngineStruct) Recover(sources [][]byte, missingSlots []int, done func(err error)) {
	var (
		err  error
		k    int
		slot int
	)

	err = engine.checkBufs(sources)
	if nil == err && len(sources) < 3 {
		err = fmt.Errorf("syndrome requires >= 3 source slots (got %d)", len(sources))
	}
	if (nil == err) && ((0 == len(missingSlots)) || (len(missingSlots) > 2)) {
		err = fmt.Errorf("can recover 1 or 2 slots (got %d)", len(missingSlots))
	}
	if (nil == err) && (2 == len(missingSlots)) && (missingSlots[0] == missingSlots[1]) {
		err = fmt.Errorf("missing slots must be distinct (got %v)", missingSlots)
	}
	if nil == err {
		for _, slot = range missingSlots {
			if (slot < 0) || (slot >= len(sources)) {
				err = fmt.Errorf("missing slot %d out of range", slot)
			}
		}
	}
	if nil != err {
		go done(err)
		return
	}

	k = len(sources) - 2

	go func() {
		done(engine.recover(sources, missingSlots, k))
	}()
}

func (engine *EngineStruct) recover(sources [][]byte, missingSlots []int, k int) (err error) {
	var (
		b       int
		dataX   int
		dataY   int
		denom   byte
		missP   bool
		missQ   bool
		pxy     []byte
		qxy     []byte
		scratch [][]byte
		slot    int
		slots   []int
	)

	slots = make([]int, 0, 2)
	missP = false
	missQ = false
	for _, slot = range missingSlots {
		switch {
		case slot == k:
			missP = true
		case slot == k+1:
			missQ = true
		default:
			slots = append(slots, slot)
		}
	}

	switch {
	case (0 == len(slots)) && missP && missQ:
		// {P, Q}: regenerate both from data
		genSyndromeInto(sources[k], sources[k+1], sources[:k])

	case (0 == len(slots)) && missP:
		// {P}: XOR of data
		zeroBlock(sources[k])
		xorBlocksInto(sources[k], sources[:k])

	case (0 == len(slots)) && missQ:
		// {Q}: syndrome of data
		scratch = engine.scratchPool.Get().([][]byte)
		genSyndromeInto(scratch[0], sources[k+1], sources[:k])
		engine.scratchPool.Put(scratch)

	case (1 == len(slots)) && !missP && !missQ:
		// {D}: from P
		dataX = slots[0]
		zeroBlock(sources[dataX])
		for slot = 0; slot < k; slot++ {
			if slot != dataX {
				xorBlocksInto(sources[dataX], [][]byte{sources[slot]})
			}
		}
		xorBlocksInto(sources[dataX], [][]byte{sources[k]})

	case (1 == len(slots)) && missP:
		// {D, P}: D from Q, then P from data
		dataX = slots[0]
		scratch = engine.scratchPool.Get().([][]byte)
		zeroBlock(sources[dataX])
		genSyndromeInto(scratch[0], scratch[1], sources[:k])
		for b = 0; b < engine.unitSize; b++ {
			// Qx = Q ^ Q'(with Dx=0) = g^x·Dx
			sources[dataX][b] = gfMulExp(scratch[1][b]^sources[k+1][b], -dataX)
		}
		engine.scratchPool.Put(scratch)
		zeroBlock(sources[k])
		xorBlocksInto(sources[k], sources[:k])

	case (1 == len(slots)) && missQ:
		// {D, Q}: D from P, then Q from data
		dataX = slots[0]
		zeroBlock(sources[dataX])
		for slot = 0; slot < k; slot++ {
			if slot != dataX {
				xorBlocksInto(sources[dataX], [][]byte{sources[slot]})
			}
		}
		xorBlocksInto(sources[dataX], [][]byte{sources[k]})
		scratch = engine.scratchPool.Get().([][]byte)
		genSyndromeInto(scratch[0], sources[k+1], sources[:k])
		engine.scratchPool.Put(scratch)

	case 2 == len(slots):
		// {D, D}: solve the two-unknown system from P and Q
		dataX = slots[0]
		dataY = slots[1]
		if dataX > dataY {
			dataX, dataY = dataY, dataX
		}
		scratch = engine.scratchPool.Get().([][]byte)
		zeroBlock(sources[dataX])
		zeroBlock(sources[dataY])
		genSyndromeInto(scratch[0], scratch[1], sources[:k])
		pxy = scratch[0]
		qxy = scratch[1]
		for b = 0; b < engine.unitSize; b++ {
			pxy[b] ^= sources[k][b]
			qxy[b] ^= sources[k+1][b]
		}
		// Pxy = Dx ^ Dy; Qxy = g^x·Dx ^ g^y·Dy
		// => Dx = (Qxy ^ g^y·Pxy) / (g^x ^ g^y); Dy = Pxy ^ Dx
		denom = gfExp[dataX] ^ gfExp[dataY]
		for b = 0; b < engine.unitSize; b++ {
			sources[dataX][b] = gfMul(qxy[b]^gfMulExp(pxy[b], dataY), gfInv(denom))
			sources[dataY][b] = pxy[b] ^ sources[dataX][b]
		}
		engine.scratchPool.Put(scratch)

	default:
		err = fmt.Errorf("unsupported recovery combination %v", missingSlots)
		return
	}

	err = nil
	return
}
