// Copyright (c) 2015-2022, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package rlayout

import (
	"fmt"
	"hash/crc32"
)

// ReshapeCheckPointVersionV1 is the only CheckPointVersion currently defined.
const ReshapeCheckPointVersionV1 = uint64(1)

// ReshapeCheckPointV1Struct records reshape progress durably enough that an
// interrupted reshape resumes without re-copying confirmed regions. All
// sectors are logical array sectors under the *previous* geometry except
// ProgressSector, which is a destination-geometry sector.
//
//	Version          uint64 == ReshapeCheckPointVersionV1
//	Generation       uint64 geometry epoch being reshaped *to*
//	ProgressSector   uint64 next destination sector to claim
//	SafeSector       uint64 all source data below here is confirmed copied
//	PrevDiskCount    uint32
//	PrevChunkSectors uint64
//	PrevLayout       uint32
//	NewDiskCount     uint32
//	NewChunkSectors  uint64
//	NewLayout        uint32
//	CheckSum         uint32 CRC-32C of all preceding bytes
//
type ReshapeCheckPointV1Struct struct {
	Generation       uint64
	ProgressSector   uint64
	SafeSector       uint64
	PrevDiskCount    uint32
	PrevChunkSectors uint64
	PrevLayout       uint32
	NewDiskCount     uint32
	NewChunkSectors  uint64
	NewLayout        uint32
}

const reshapeCheckPointV1MarshaledLen = 8 + 8 + 8 + 8 + 4 + 8 + 4 + 4 + 8 + 4 + 4

var crc32CTable = crc32.MakeTable(crc32.Castagnoli)

// MarshalReshapeCheckPointV1 serializes the record little-endian with a
// trailing CRC-32C.
//
func (reshapeCheckPointV1 *ReshapeCheckPointV1Struct) MarshalReshapeCheckPointV1() (reshapeCheckPointV1Buf []byte, err error) {
	var (
		curPos int
	)

	reshapeCheckPointV1Buf = make([]byte, reshapeCheckPointV1MarshaledLen)

	curPos = 0

	curPos, err = PutLEUint64ToBuf(reshapeCheckPointV1Buf, curPos, ReshapeCheckPointVersionV1)
	if nil != err {
		return
	}
	curPos, err = PutLEUint64ToBuf(reshapeCheckPointV1Buf, curPos, reshapeCheckPointV1.Generation)
	if nil != err {
		return
	}
	curPos, err = PutLEUint64ToBuf(reshapeCheckPointV1Buf, curPos, reshapeCheckPointV1.ProgressSector)
	if nil != err {
		return
	}
	curPos, err = PutLEUint64ToBuf(reshapeCheckPointV1Buf, curPos, reshapeCheckPointV1.SafeSector)
	if nil != err {
		return
	}
	curPos, err = PutLEUint32ToBuf(reshapeCheckPointV1Buf, curPos, reshapeCheckPointV1.PrevDiskCount)
	if nil != err {
		return
	}
	curPos, err = PutLEUint64ToBuf(reshapeCheckPointV1Buf, curPos, reshapeCheckPointV1.PrevChunkSectors)
	if nil != err {
		return
	}
	curPos, err = PutLEUint32ToBuf(reshapeCheckPointV1Buf, curPos, reshapeCheckPointV1.PrevLayout)
	if nil != err {
		return
	}
	curPos, err = PutLEUint32ToBuf(reshapeCheckPointV1Buf, curPos, reshapeCheckPointV1.NewDiskCount)
	if nil != err {
		return
	}
	curPos, err = PutLEUint64ToBuf(reshapeCheckPointV1Buf, curPos, reshapeCheckPointV1.NewChunkSectors)
	if nil != err {
		return
	}
	curPos, err = PutLEUint32ToBuf(reshapeCheckPointV1Buf, curPos, reshapeCheckPointV1.NewLayout)
	if nil != err {
		return
	}
	_, err = PutLEUint32ToBuf(reshapeCheckPointV1Buf, curPos, crc32.Checksum(reshapeCheckPointV1Buf[:curPos], crc32CTable))
	if nil != err {
		return
	}

	err = nil
	return
}

// UnmarshalReshapeCheckPointV1 deserializes a MarshalReshapeCheckPointV1()
// produced record, verifying version and checksum.
//
func UnmarshalReshapeCheckPointV1(reshapeCheckPointV1Buf []byte) (reshapeCheckPointV1 *ReshapeCheckPointV1Struct, err error) {
	var (
		checkSum uint32
		curPos   int
		version  uint64
	)

	if reshapeCheckPointV1MarshaledLen != len(reshapeCheckPointV1Buf) {
		err = fmt.Errorf("bad ReshapeCheckPointV1 length: %d (expected %d)", len(reshapeCheckPointV1Buf), reshapeCheckPointV1MarshaledLen)
		return
	}

	reshapeCheckPointV1 = &ReshapeCheckPointV1Struct{}

	curPos = 0

	version, curPos, err = GetLEUint64FromBuf(reshapeCheckPointV1Buf, curPos)
	if nil != err {
		return
	}
	if ReshapeCheckPointVersionV1 != version {
		err = fmt.Errorf("bad ReshapeCheckPointV1 version: %d (expected %d)", version, ReshapeCheckPointVersionV1)
		return
	}
	reshapeCheckPointV1.Generation, curPos, err = GetLEUint64FromBuf(reshapeCheckPointV1Buf, curPos)
	if nil != err {
		return
	}
	reshapeCheckPointV1.ProgressSector, curPos, err = GetLEUint64FromBuf(reshapeCheckPointV1Buf, curPos)
	if nil != err {
		return
	}
	reshapeCheckPointV1.SafeSector, curPos, err = GetLEUint64FromBuf(reshapeCheckPointV1Buf, curPos)
	if nil != err {
		return
	}
	reshapeCheckPointV1.PrevDiskCount, curPos, err = GetLEUint32FromBuf(reshapeCheckPointV1Buf, curPos)
	if nil != err {
		return
	}
	reshapeCheckPointV1.PrevChunkSectors, curPos, err = GetLEUint64FromBuf(reshapeCheckPointV1Buf, curPos)
	if nil != err {
		return
	}
	reshapeCheckPointV1.PrevLayout, curPos, err = GetLEUint32FromBuf(reshapeCheckPointV1Buf, curPos)
	if nil != err {
		return
	}
	reshapeCheckPointV1.NewDiskCount, curPos, err = GetLEUint32FromBuf(reshapeCheckPointV1Buf, curPos)
	if nil != err {
		return
	}
	reshapeCheckPointV1.NewChunkSectors, curPos, err = GetLEUint64FromBuf(reshapeCheckPointV1Buf, curPos)
	if nil != err {
		return
	}
	reshapeCheckPointV1.NewLayout, curPos, err = GetLEUint32FromBuf(reshapeCheckPointV1Buf, curPos)
	if nil != err {
		return
	}
	checkSum, _, err = GetLEUint32FromBuf(reshapeCheckPointV1Buf, curPos)
	if nil != err {
		return
	}
	if checkSum != crc32.Checksum(reshapeCheckPointV1Buf[:curPos], crc32CTable) {
		err = fmt.Errorf("bad ReshapeCheckPointV1 checksum")
		return
	}

	err = nil
	return
}

// GetLEUint32FromBuf fetches a little-endian uint32 from buf at curPos.
//
func GetLEUint32FromBuf(buf []byte, curPos int) (u32 uint32, nextPos int, err error) {
	nextPos = curPos + 4

	if nextPos > len(buf) {
		err = fmt.Errorf("insufficient buf space to fetch uint32 at curPos %d", curPos)
		return
	}

	u32 = uint32(buf[curPos]) | (uint32(buf[curPos+1]) << 8) | (uint32(buf[curPos+2]) << 16) | (uint32(buf[curPos+3]) << 24)

	err = nil
	return
}

// PutLEUint32ToBuf stores a little-endian uint32 into buf at curPos.
//
func PutLEUint32ToBuf(buf []byte, curPos int, u32 uint32) (nextPos int, err error) {
	nextPos = curPos + 4

	if nextPos > len(buf) {
		err = fmt.Errorf("insufficient buf space to store uint32 at curPos %d", curPos)
		return
	}

	buf[curPos] = byte(u32 & 0xFF)
	buf[curPos+1] = byte((u32 >> 8) & 0xFF)
	buf[curPos+2] = byte((u32 >> 16) & 0xFF)
	buf[curPos+3] = byte((u32 >> 24) & 0xFF)

	err = nil
	return
}

// GetLEUint64FromBuf fetches a little-endian uint64 from buf at curPos.
//
func GetLEUint64FromBuf(buf []byte, curPos int) (u64 uint64, nextPos int, err error) {
	var (
		i int
	)

	nextPos = curPos + 8

	if nextPos > len(buf) {
		err = fmt.Errorf("insufficient buf space to fetch uint64 at curPos %d", curPos)
		return
	}

	u64 = 0
	for i = 7; i >= 0; i-- {
		u64 = (u64 << 8) | uint64(buf[curPos+i])
	}

	err = nil
	return
}

// PutLEUint64ToBuf stores a little-endian uint64 into buf at curPos.
//
func PutLEUint64ToBuf(buf []byte, curPos int, u64 uint64) (nextPos int, err error) {
	var (
		i int
	)

	nextPos = curPos + 8

	if nextPos > len(buf) {
		err = fmt.Errorf("insufficient buf space to store uint64 at curPos %d", curPos)
		return
	}

	for i = 0; i < 8; i++ {
		buf[curPos+i] = byte((u64 >> uint(8*i)) & 0xFF)
	}

	err = nil
	return
}
