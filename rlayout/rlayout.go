// Copyright (c) 2015-2022, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

// Package rlayout supplies the pure geometry of a parity-group array: the
// mapping from a logical array sector to the (member disk, per-disk sector,
// parity disk, syndrome disk) tuple for the supported RAID-4/5/6 rotation
// layouts, the inverse mapping, and the canonical raid6 syndrome source
// ordering shared by the compute, validate, and recover paths.
//
// Sectors are 512 bytes throughout. A "chunk" is ChunkSectors consecutive
// per-disk sectors; data chunks rotate across members per the Layout.
//
package rlayout

import "fmt"

// RAID levels supported by GeometryStruct.
const (
	RAIDLevel4 = uint32(4)
	RAIDLevel5 = uint32(5)
	RAIDLevel6 = uint32(6)
)

// Rotation layouts (values match the md on-disk layout numbers).
const (
	LayoutLeftAsymmetric  = uint32(0)
	LayoutRightAsymmetric = uint32(1)
	LayoutLeftSymmetric   = uint32(2)
	LayoutRightSymmetric  = uint32(3)
	LayoutParity0         = uint32(4)
	LayoutParityN         = uint32(5)

	// raid6-only DDF-compatible layouts
	LayoutRotatingZeroRestart = uint32(8)
	LayoutRotatingNRestart    = uint32(9)
	LayoutRotatingNContinue   = uint32(10)
)

// GeometryStruct describes one array geometry. During a reshape two of these
// (previous and current) are live at once.
//
type GeometryStruct struct {
	RAIDLevel    uint32
	DiskCount    uint32 // member disks including parity/syndrome
	ChunkSectors uint64 // 512-byte sectors per chunk (power of two)
	Layout       uint32
}

// Validate returns nil if the GeometryStruct is internally consistent.
//
func (geometry *GeometryStruct) Validate() (err error) {
	switch geometry.RAIDLevel {
	case RAIDLevel4:
		if geometry.DiskCount < 3 {
			err = fmt.Errorf("raid4 requires >= 3 disks (got %d)", geometry.DiskCount)
			return
		}
	case RAIDLevel5:
		if geometry.DiskCount < 3 {
			err = fmt.Errorf("raid5 requires >= 3 disks (got %d)", geometry.DiskCount)
			return
		}
		switch geometry.Layout {
		case LayoutLeftAsymmetric, LayoutRightAsymmetric, LayoutLeftSymmetric, LayoutRightSymmetric, LayoutParity0, LayoutParityN:
		default:
			err = fmt.Errorf("raid5 layout %d unsupported", geometry.Layout)
			return
		}
	case RAIDLevel6:
		if geometry.DiskCount < 4 {
			err = fmt.Errorf("raid6 requires >= 4 disks (got %d)", geometry.DiskCount)
			return
		}
		switch geometry.Layout {
		case LayoutLeftAsymmetric, LayoutRightAsymmetric, LayoutLeftSymmetric, LayoutRightSymmetric, LayoutParity0, LayoutParityN,
			LayoutRotatingZeroRestart, LayoutRotatingNRestart, LayoutRotatingNContinue:
		default:
			err = fmt.Errorf("raid6 layout %d unsupported", geometry.Layout)
			return
		}
	default:
		err = fmt.Errorf("RAID level %d unsupported", geometry.RAIDLevel)
		return
	}

	if (0 == geometry.ChunkSectors) || (0 != (geometry.ChunkSectors & (geometry.ChunkSectors - 1))) {
		err = fmt.Errorf("ChunkSectors (%d) must be a non-zero power of two", geometry.ChunkSectors)
		return
	}

	err = nil
	return
}

// MaxDegraded returns the number of member failures the geometry tolerates.
//
func (geometry *GeometryStruct) MaxDegraded() (maxDegraded uint32) {
	if RAIDLevel6 == geometry.RAIDLevel {
		maxDegraded = 2
	} else {
		maxDegraded = 1
	}
	return
}

// DataDisks returns the number of non-redundancy members.
//
func (geometry *GeometryStruct) DataDisks() (dataDisks uint32) {
	dataDisks = geometry.DiskCount - geometry.MaxDegraded()
	return
}

// DDFLayout reports whether the geometry's raid6 rotation follows the DDF
// convention (parity/syndrome slots participate in the rotation).
//
func (geometry *GeometryStruct) DDFLayout() (ddf bool) {
	if RAIDLevel6 != geometry.RAIDLevel {
		ddf = false
		return
	}
	switch geometry.Layout {
	case LayoutRotatingZeroRestart, LayoutRotatingNRestart, LayoutRotatingNContinue:
		ddf = true
	default:
		ddf = false
	}
	return
}

// ComputeSector maps logicalSector to its home within the array: the per-disk
// sector shared by every member of the parity group ("stripe sector"), the
// data member index holding the sector, and the stripe's parity and (raid6)
// syndrome member indices. qdIdx is -1 below RAID-6.
//
func (geometry *GeometryStruct) ComputeSector(logicalSector uint64) (stripeSector uint64, ddIdx int32, pdIdx int32, qdIdx int32) {
	var (
		chunkNumber uint64
		chunkOffset uint64
		dataDisks   uint64
		dd          uint64
		pd          uint64
		qd          uint64
		raidDisks   uint64
		stripe      uint64
	)

	raidDisks = uint64(geometry.DiskCount)
	dataDisks = uint64(geometry.DataDisks())

	chunkOffset = logicalSector & (geometry.ChunkSectors - 1)
	chunkNumber = logicalSector / geometry.ChunkSectors

	stripe = chunkNumber / dataDisks
	dd = chunkNumber % dataDisks

	switch geometry.RAIDLevel {
	case RAIDLevel4:
		pd = dataDisks
		qd = 0
	case RAIDLevel5:
		qd = 0
		switch geometry.Layout {
		case LayoutLeftAsymmetric:
			pd = dataDisks - stripe%raidDisks
			if dd >= pd {
				dd++
			}
		case LayoutRightAsymmetric:
			pd = stripe % raidDisks
			if dd >= pd {
				dd++
			}
		case LayoutLeftSymmetric:
			pd = dataDisks - stripe%raidDisks
			dd = (pd + 1 + dd) % raidDisks
		case LayoutRightSymmetric:
			pd = stripe % raidDisks
			dd = (pd + 1 + dd) % raidDisks
		case LayoutParity0:
			pd = 0
			dd++
		case LayoutParityN:
			pd = dataDisks
		}
	case RAIDLevel6:
		switch geometry.Layout {
		case LayoutLeftAsymmetric:
			pd = raidDisks - 1 - stripe%raidDisks
			qd = pd + 1
			if pd == raidDisks-1 {
				dd++
				qd = 0
			} else if dd >= pd {
				dd += 2
			}
		case LayoutRightAsymmetric:
			pd = stripe % raidDisks
			qd = pd + 1
			if pd == raidDisks-1 {
				dd++
				qd = 0
			} else if dd >= pd {
				dd += 2
			}
		case LayoutLeftSymmetric:
			pd = raidDisks - 1 - stripe%raidDisks
			qd = (pd + 1) % raidDisks
			dd = (pd + 2 + dd) % raidDisks
		case LayoutRightSymmetric:
			pd = stripe % raidDisks
			qd = (pd + 1) % raidDisks
			dd = (pd + 2 + dd) % raidDisks
		case LayoutParity0:
			pd = 0
			qd = 1
			dd += 2
		case LayoutParityN:
			pd = dataDisks
			qd = dataDisks + 1
		case LayoutRotatingZeroRestart:
			// DDF: identical rotation to RightAsymmetric
			pd = stripe % raidDisks
			qd = pd + 1
			if pd == raidDisks-1 {
				dd++
				qd = 0
			} else if dd >= pd {
				dd += 2
			}
		case LayoutRotatingNRestart:
			pd = raidDisks - 1 - (stripe+1)%raidDisks
			qd = pd + 1
			if pd == raidDisks-1 {
				dd++
				qd = 0
			} else if dd >= pd {
				dd += 2
			}
		case LayoutRotatingNContinue:
			pd = raidDisks - 1 - stripe%raidDisks
			qd = (pd + raidDisks - 1) % raidDisks
			dd = (pd + 1 + dd) % raidDisks
		}
	}

	stripeSector = stripe*geometry.ChunkSectors + chunkOffset
	ddIdx = int32(dd)
	pdIdx = int32(pd)
	if RAIDLevel6 == geometry.RAIDLevel {
		qdIdx = int32(qd)
	} else {
		qdIdx = -1
	}

	return
}

// ComputeBlocknr is the inverse of ComputeSector: given the per-disk sector
// and the data member index within a stripe whose parity/syndrome members are
// pdIdx/qdIdx, it returns the logical array sector stored there. err is
// non-nil if ddIdx names a parity/syndrome member or the mapping disagrees
// with ComputeSector (corrupted inputs).
//
func (geometry *GeometryStruct) ComputeBlocknr(stripeSector uint64, ddIdx int32, pdIdx int32, qdIdx int32) (logicalSector uint64, err error) {
	var (
		checkDdIdx  int32
		checkPdIdx  int32
		checkQdIdx  int32
		checkSector uint64
		chunkNumber uint64
		chunkOffset uint64
		dataDisks   int64
		i           int64
		raidDisks   int64
		stripe      uint64
	)

	raidDisks = int64(geometry.DiskCount)
	dataDisks = int64(geometry.DataDisks())

	if (ddIdx == pdIdx) || ((RAIDLevel6 == geometry.RAIDLevel) && (ddIdx == qdIdx)) {
		err = fmt.Errorf("ddIdx (%d) names a redundancy member", ddIdx)
		return
	}

	chunkOffset = stripeSector & (geometry.ChunkSectors - 1)
	stripe = stripeSector / geometry.ChunkSectors

	i = int64(ddIdx)

	switch geometry.RAIDLevel {
	case RAIDLevel4:
		// data members precede the parity member; i is already raw
	case RAIDLevel5:
		switch geometry.Layout {
		case LayoutLeftAsymmetric, LayoutRightAsymmetric:
			if i > int64(pdIdx) {
				i--
			}
		case LayoutLeftSymmetric, LayoutRightSymmetric:
			i -= int64(pdIdx) + 1
			if i < 0 {
				i += raidDisks
			}
		case LayoutParity0:
			i--
		case LayoutParityN:
		}
	case RAIDLevel6:
		switch geometry.Layout {
		case LayoutLeftAsymmetric, LayoutRightAsymmetric, LayoutRotatingZeroRestart, LayoutRotatingNRestart:
			if int64(pdIdx) == raidDisks-1 {
				i--
			} else if i > int64(pdIdx) {
				i -= 2
			}
		case LayoutLeftSymmetric, LayoutRightSymmetric:
			if int64(pdIdx) == raidDisks-1 {
				i--
			} else {
				if i < int64(pdIdx) {
					i += raidDisks
				}
				i -= int64(pdIdx) + 2
			}
		case LayoutParity0:
			i -= 2
		case LayoutParityN:
		case LayoutRotatingNContinue:
			if 0 == int64(pdIdx) {
				i--
			} else {
				if i < int64(pdIdx) {
					i += raidDisks
				}
				i -= int64(pdIdx) + 1
			}
		}
	}

	if (i < 0) || (i >= dataDisks) {
		err = fmt.Errorf("ddIdx (%d) inverts to data index %d outside [0,%d)", ddIdx, i, dataDisks)
		return
	}

	chunkNumber = stripe*uint64(dataDisks) + uint64(i)
	logicalSector = chunkNumber*geometry.ChunkSectors + chunkOffset

	checkSector, checkDdIdx, checkPdIdx, checkQdIdx = geometry.ComputeSector(logicalSector)
	if (checkSector != stripeSector) || (checkDdIdx != ddIdx) || (checkPdIdx != pdIdx) ||
		((RAIDLevel6 == geometry.RAIDLevel) && (checkQdIdx != qdIdx)) {
		err = fmt.Errorf("inverse mapping of stripeSector %d ddIdx %d failed self-check", stripeSector, ddIdx)
		return
	}

	err = nil
	return
}

// Raid6D0 returns the member index holding syndrome source slot 0 for a
// stripe whose parity/syndrome members are pdIdx/qdIdx.
//
func (geometry *GeometryStruct) Raid6D0(pdIdx int32, qdIdx int32) (d0Idx int32) {
	switch geometry.Layout {
	case LayoutRotatingZeroRestart:
		// slot 0 is always member 0
		d0Idx = 0
	case LayoutParity0:
		d0Idx = 2
	default:
		d0Idx = (qdIdx + 1) % int32(geometry.DiskCount)
	}
	return
}

// SyndromeDataOrder returns the member indices of a stripe's data disks in
// canonical syndrome source order: traversal begins at Raid6D0 and proceeds
// in ascending (wrapped) member order, skipping the parity and syndrome
// members. Slot i of every syndrome compute/validate/recover call refers to
// order[i]; P and Q occupy the two slots following the data slots.
//
// Slot numbering is dense for every layout, the DDF variants included: the
// parity and syndrome members are skipped outright rather than holding
// zero-filled gap slots, so the Galois-field coefficient of a data member
// is its position in order[], not its raw member index. Arrays written with
// a numbering that reserves gap slots at the parity positions will not
// validate against this ordering.
//
func (geometry *GeometryStruct) SyndromeDataOrder(pdIdx int32, qdIdx int32) (order []int32) {
	var (
		d0Idx     int32
		diskCount int32
		idx       int32
		slot      int32
	)

	diskCount = int32(geometry.DiskCount)
	d0Idx = geometry.Raid6D0(pdIdx, qdIdx)

	order = make([]int32, 0, diskCount-2)

	idx = d0Idx
	for slot = 0; slot < diskCount; slot++ {
		if (idx != pdIdx) && (idx != qdIdx) {
			order = append(order, idx)
		}
		idx = (idx + 1) % diskCount
	}

	return
}
