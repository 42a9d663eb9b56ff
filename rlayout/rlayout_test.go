// Copyright (c) 2015-2022, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package rlayout

import (
	"testing"
)

func TestComputeSectorRoundTrip(t *testing.T) {
	var (
		ddIdx         int32
		err           error
		geometry      *GeometryStruct
		geometries    []*GeometryStruct
		layout        uint32
		logicalSector uint64
		pdIdx         int32
		qdIdx         int32
		roundTrip     uint64
		stripeSector  uint64
	)

	geometries = make([]*GeometryStruct, 0)

	geometries = append(geometries, &GeometryStruct{RAIDLevel: RAIDLevel4, DiskCount: 4, ChunkSectors: 8, Layout: 0})
	for _, layout = range []uint32{LayoutLeftAsymmetric, LayoutRightAsymmetric, LayoutLeftSymmetric, LayoutRightSymmetric, LayoutParity0, LayoutParityN} {
		geometries = append(geometries, &GeometryStruct{RAIDLevel: RAIDLevel5, DiskCount: 4, ChunkSectors: 8, Layout: layout})
		geometries = append(geometries, &GeometryStruct{RAIDLevel: RAIDLevel6, DiskCount: 6, ChunkSectors: 8, Layout: layout})
	}
	for _, layout = range []uint32{LayoutRotatingZeroRestart, LayoutRotatingNRestart, LayoutRotatingNContinue} {
		geometries = append(geometries, &GeometryStruct{RAIDLevel: RAIDLevel6, DiskCount: 5, ChunkSectors: 8, Layout: layout})
	}

	for _, geometry = range geometries {
		err = geometry.Validate()
		if nil != err {
			t.Fatalf("geometry.Validate() [%+v] failed: %v", geometry, err)
		}

		for logicalSector = 0; logicalSector < 4096; logicalSector += 3 {
			stripeSector, ddIdx, pdIdx, qdIdx = geometry.ComputeSector(logicalSector)

			if ddIdx == pdIdx {
				t.Fatalf("geometry %+v logicalSector %d: ddIdx == pdIdx (%d)", geometry, logicalSector, ddIdx)
			}
			if (RAIDLevel6 == geometry.RAIDLevel) && (ddIdx == qdIdx) {
				t.Fatalf("geometry %+v logicalSector %d: ddIdx == qdIdx (%d)", geometry, logicalSector, ddIdx)
			}
			if (RAIDLevel6 == geometry.RAIDLevel) && (pdIdx == qdIdx) {
				t.Fatalf("geometry %+v logicalSector %d: pdIdx == qdIdx (%d)", geometry, logicalSector, pdIdx)
			}
			if uint32(ddIdx) >= geometry.DiskCount {
				t.Fatalf("geometry %+v logicalSector %d: ddIdx (%d) out of range", geometry, logicalSector, ddIdx)
			}

			roundTrip, err = geometry.ComputeBlocknr(stripeSector, ddIdx, pdIdx, qdIdx)
			if nil != err {
				t.Fatalf("geometry %+v logicalSector %d: ComputeBlocknr() failed: %v", geometry, logicalSector, err)
			}
			if roundTrip != logicalSector {
				t.Fatalf("geometry %+v logicalSector %d: round trip returned %d", geometry, logicalSector, roundTrip)
			}
		}
	}
}

func TestComputeSectorKnownRAID5(t *testing.T) {
	var (
		ddIdx        int32
		geometry     *GeometryStruct
		pdIdx        int32
		stripeSector uint64
	)

	// 4-disk raid5, left-symmetric (the md default), 8-sector chunks:
	// chunk 0 lands on disk 0 with parity on disk 3

	geometry = &GeometryStruct{RAIDLevel: RAIDLevel5, DiskCount: 4, ChunkSectors: 8, Layout: LayoutLeftSymmetric}

	stripeSector, ddIdx, pdIdx, _ = geometry.ComputeSector(0)
	if 0 != stripeSector {
		t.Fatalf("stripeSector (%d) should have been 0", stripeSector)
	}
	if 0 != ddIdx {
		t.Fatalf("ddIdx (%d) should have been 0", ddIdx)
	}
	if 3 != pdIdx {
		t.Fatalf("pdIdx (%d) should have been 3", pdIdx)
	}

	// second stripe row: parity rotates to disk 2

	stripeSector, _, pdIdx, _ = geometry.ComputeSector(3 * 8)
	if 8 != stripeSector {
		t.Fatalf("stripeSector (%d) should have been 8", stripeSector)
	}
	if 2 != pdIdx {
		t.Fatalf("pdIdx (%d) should have been 2", pdIdx)
	}
}

func TestSyndromeDataOrder(t *testing.T) {
	var (
		ddIdx    int32
		geometry *GeometryStruct
		order    []int32
		pdIdx    int32
		qdIdx    int32
		seen     map[int32]bool
	)

	geometry = &GeometryStruct{RAIDLevel: RAIDLevel6, DiskCount: 6, ChunkSectors: 8, Layout: LayoutLeftSymmetric}

	_, _, pdIdx, qdIdx = geometry.ComputeSector(0)

	order = geometry.SyndromeDataOrder(pdIdx, qdIdx)
	if int(geometry.DiskCount-2) != len(order) {
		t.Fatalf("len(order) (%d) should have been %d", len(order), geometry.DiskCount-2)
	}

	seen = make(map[int32]bool)
	for _, ddIdx = range order {
		if ddIdx == pdIdx {
			t.Fatalf("order contains pdIdx (%d)", pdIdx)
		}
		if ddIdx == qdIdx {
			t.Fatalf("order contains qdIdx (%d)", qdIdx)
		}
		if seen[ddIdx] {
			t.Fatalf("order contains ddIdx (%d) twice", ddIdx)
		}
		seen[ddIdx] = true
	}

	if order[0] != geometry.Raid6D0(pdIdx, qdIdx) {
		t.Fatalf("order[0] (%d) should have been Raid6D0() (%d)", order[0], geometry.Raid6D0(pdIdx, qdIdx))
	}
}

func TestReshapeCheckPointV1Marshal(t *testing.T) {
	var (
		err           error
		marshaledBuf  []byte
		reshapeBefore *ReshapeCheckPointV1Struct
		reshapeAfter  *ReshapeCheckPointV1Struct
	)

	reshapeBefore = &ReshapeCheckPointV1Struct{
		Generation:       2,
		ProgressSector:   0x123456789A,
		SafeSector:       0x1234567890,
		PrevDiskCount:    4,
		PrevChunkSectors: 128,
		PrevLayout:       LayoutLeftSymmetric,
		NewDiskCount:     5,
		NewChunkSectors:  128,
		NewLayout:        LayoutLeftSymmetric,
	}

	marshaledBuf, err = reshapeBefore.MarshalReshapeCheckPointV1()
	if nil != err {
		t.Fatalf("MarshalReshapeCheckPointV1() failed: %v", err)
	}

	reshapeAfter, err = UnmarshalReshapeCheckPointV1(marshaledBuf)
	if nil != err {
		t.Fatalf("UnmarshalReshapeCheckPointV1() failed: %v", err)
	}

	if *reshapeBefore != *reshapeAfter {
		t.Fatalf("round trip mismatch: %+v != %+v", reshapeBefore, reshapeAfter)
	}

	marshaledBuf[8] ^= 0xFF

	_, err = UnmarshalReshapeCheckPointV1(marshaledBuf)
	if nil == err {
		t.Fatalf("UnmarshalReshapeCheckPointV1() of corrupted buf unexpectedly succeeded")
	}
}
