// Copyright (c) 2015-2022, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

// Package rstripepkg implements the parity-group stripe cache and
// reconciliation engine of a RAID-4/5/6 block-storage array: a sharded,
// reference-counted cache of stripe descriptors (one row across every member
// disk), a flag-driven reconciler ("handleStripe") that decides what member
// I/O and parity compute each stripe needs, a per-stripe write-strategy
// selector (read-modify-write vs reconstruct-write), request admission with
// overlap detection and full-stripe-write batching, and an online-reshape
// coordinator.
//
// The engine owns no transport: member disk I/O, parity/syndrome compute, and
// the optional write-back journal are collaborators supplied at Start() (see
// DiskArrayInterface, ComputeInterface, and JournalInterface). Package rdisk
// provides a file-backed DiskArrayInterface; package rparity provides the
// default ComputeInterface; a nil JournalInterface selects the built-in null
// journal.
//
// To configure an rstripepkg instance, Start() is called passing a package
// conf ConfMap. Here is a sample .conf file:
//
//
//	[RSTRIPE]
//	RAIDLevel:                 6         # one of 4|5|6
//	Layout:                    2         # rlayout.Layout* (md layout numbers)
//	DiskCount:                 6         # member disks including redundancy
//	MemberSectors:             2097152   # per-member capacity in 512B sectors
//	ChunkSectors:              128       # per-member sectors per chunk
//	StripeUnitBytes:           4096      # per-member bytes per stripe descriptor
//	PoolStripeCount:           256       # descriptors allocated at Start()
//	ShardCount:                8         # hash/lock shards (power of two)
//	Workers:                   4         # concurrent handleStripe() contexts
//	MaxRequestStripes:         64        # max descriptors one request may span
//	ReadErrorRetryLimit:       8         # rewrite-then-reread attempts per disk
//	PreferRMW:                 true      # tie-break on equal strategy cost
//	ReshapeCheckPointInterval: 10s
//	ReshapeCheckPointPath:     /var/lib/rstripe/reshape.ckpt
//	LogFilePath:                         # == "" means disabled
//	LogToConsole:              true
//	TraceEnabled:              false
package rstripepkg

import (
	"github.com/ansel1/merry"

	"github.com/NVIDIA/stripecache/conf"
	"github.com/NVIDIA/stripecache/rlayout"
)

// Errors returned (possibly wrapped) by the package API. Classify with
// merry.Is().
//
var (
	ENoBlockAvailable  = merry.New("no stripe descriptor available")         // acquire under no-block; caller should retry
	ETryAgain          = merry.New("resource temporarily unavailable")       // stripe deferred; caller should retry
	EIOError           = merry.New("I/O error")                              // request failed; redundancy exhausted for its stripes
	EArrayFailed       = merry.New("array has failed beyond redundancy")     // permanently inoperable
	ERequestTooLarge   = merry.New("request spans too many stripes")         // > MaxRequestStripes
	EBadRequest        = merry.New("request not sector-aligned or in range") //
	EReshapeInProgress = merry.New("reshape already in progress")            //
	ENotStarted        = merry.New("rstripepkg not started")                 //
)

// DiskOpType distinguishes member-disk operations.
//
type DiskOpType uint32

const (
	DiskOpRead DiskOpType = iota
	DiskOpWrite
	DiskOpDiscard
)

// DiskArrayInterface is the block-I/O transport collaborator. SubmitDiskOp
// must not block: it queues the operation and later invokes completion
// exactly once, possibly on another goroutine. For DiskOpDiscard, buf is nil
// and the operation covers one stripe unit starting at sector. A failing
// write reports recordBadBlock == true when the member remains usable but the
// range must be remembered bad.
//
type DiskArrayInterface interface {
	SubmitDiskOp(diskIndex uint32, sector uint64, buf []byte, op DiskOpType, completion func(err error, recordBadBlock bool))
	RecordBadBlockRange(diskIndex uint32, sector uint64, sectorCount uint64) (err error)
}

// ComputeInterface is the asynchronous XOR/syndrome collaborator. Buffer
// vectors for the syndrome calls are ordered per
// rlayout.GeometryStruct.SyndromeDataOrder() with P and Q in the final two
// slots. rparity.NewEngine() provides the canonical implementation.
//
type ComputeInterface interface {
	XOR(dst []byte, srcs [][]byte, done func(err error))
	XORInto(dst []byte, srcs [][]byte, done func(err error))
	GenSyndrome(sources [][]byte, done func(err error))
	ValidateSyndrome(sources [][]byte, done func(mismatchMask uint32, err error))
	Recover(sources [][]byte, missingSlots []int, done func(err error))
}

// JournalInterface is the optional write-back journal collaborator. The
// engine functions identically with the null journal (pass nil to Start())
// except that read-modify-write retains pre-images and journal failure with
// journaled stripes outstanding fails those stripes.
//
type JournalInterface interface {
	IsPresent() (present bool)
	Failed() (failed bool)
	StripeIsJournaled(sector uint64, generation uint64) (journaled bool)
	RequestFlush(sectors []uint64, done func(err error))
	InvalidateCaches() (err error)
}

// Start initializes the engine per confMap's [RSTRIPE] section and the
// supplied collaborators. compute == nil selects rparity; journal == nil
// selects the null journal.
//
func Start(confMap conf.ConfMap, diskArray DiskArrayInterface, compute ComputeInterface, journal JournalInterface) (err error) {
	err = start(confMap, diskArray, compute, journal)
	return
}

// Stop drains in-flight work and releases the stripe pool.
//
func Stop() (err error) {
	err = stop()
	return
}

// Read admits a read of len(buf) bytes at logicalSector (len(buf) must be a
// multiple of 512). done is invoked once with the request's final status;
// buf is owned by the engine until then.
//
func Read(logicalSector uint64, buf []byte, done func(err error)) (err error) {
	err = admitRequest(reqOpRead, logicalSector, buf, 0, done)
	return
}

// Write admits a write of len(buf) bytes at logicalSector (len(buf) must be
// a multiple of 512). done is invoked once after data and parity are durable
// or the request has failed; buf is owned by the engine until then.
//
func Write(logicalSector uint64, buf []byte, done func(err error)) (err error) {
	err = admitRequest(reqOpWrite, logicalSector, buf, 0, done)
	return
}

// Discard admits a discard of sectorCount sectors at logicalSector; both
// must align to stripe-unit boundaries.
//
func Discard(logicalSector uint64, sectorCount uint64, done func(err error)) (err error) {
	err = admitRequest(reqOpDiscard, logicalSector, nil, sectorCount, done)
	return
}

// CheckStripe requests a parity/syndrome validation pass over the stripe
// holding logicalSector; with repair set, a mismatch is rewritten from data.
// done receives the mismatch mask (rparity.MismatchP/Q bits) observed before
// any repair.
//
func CheckStripe(logicalSector uint64, repair bool, done func(mismatchMask uint32, err error)) (err error) {
	err = requestStripeCheck(logicalSector, repair, done)
	return
}

// SyncStripe requests a resync pass over the stripe holding logicalSector:
// every member is read (or reconstructed), the redundancy validated, and a
// mismatch rewritten from data. Writes admitted while the resync is armed
// take the reconstruct path. A caller sweeping SyncStripe across the array
// restores full redundancy after an unclean shutdown.
//
func SyncStripe(logicalSector uint64, done func(err error)) (err error) {
	err = requestStripeSync(logicalSector, done)
	return
}

// MarkMemberFaulty records the permanent failure of a member disk and
// recomputes array degradation. Stripes beyond the redundancy level fail
// their pending and future I/O.
//
func MarkMemberFaulty(diskIndex uint32) (err error) {
	err = markMemberFaulty(diskIndex)
	return
}

// GrowStripePool adds count descriptors to the free pool.
//
func GrowStripePool(count uint64) (err error) {
	err = growStripePool(count)
	return
}

// ShrinkStripePool removes up to count descriptors currently free, returning
// how many were actually removed.
//
func ShrinkStripePool(count uint64) (removed uint64, err error) {
	removed, err = shrinkStripePool(count)
	return
}

// Quiesce blocks admission and waits for every descriptor and bypass read to
// retire. Resume() reverses it.
//
func Quiesce() (err error) {
	err = quiesce()
	return
}

// Resume lifts a prior Quiesce().
//
func Resume() (err error) {
	err = resume()
	return
}

// StartReshape begins an online reshape to newGeometry, checkpointing to
// [RSTRIPE]ReshapeCheckPointPath. done is invoked when the reshape completes
// or aborts.
//
func StartReshape(newGeometry rlayout.GeometryStruct, done func(err error)) (err error) {
	err = startReshape(newGeometry, done)
	return
}
