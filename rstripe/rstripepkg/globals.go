// Copyright (c) 2015-2022, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package rstripepkg

import (
	"container/list"
	"sync"
	"time"

	"github.com/google/btree"

	"github.com/NVIDIA/stripecache/bucketstats"
	"github.com/NVIDIA/stripecache/conf"
	"github.com/NVIDIA/stripecache/rlayout"
	"github.com/NVIDIA/stripecache/rparity"
)

type configStruct struct {
	RAIDLevel                 uint32
	Layout                    uint32
	DiskCount                 uint32
	MemberSectors             uint64
	ChunkSectors              uint64
	StripeUnitBytes           uint64
	PoolStripeCount           uint64
	ShardCount                uint64 // power of two
	Workers                   uint64
	MaxRequestStripes         uint64
	ReadErrorRetryLimit       uint32
	PreferRMW                 bool
	ReshapeCheckPointInterval time.Duration
	ReshapeCheckPointPath     string
	LogFilePath               string // == "" means disabled
	LogToConsole              bool
	TraceEnabled              bool
}

type statsStruct struct {
	AcquireStripeUsecs        bucketstats.BucketLog2Round
	AcquireStripeWaits        bucketstats.Total
	HandleStripePasses        bucketstats.Total
	HandleStripeRequeues      bucketstats.Total
	RMWSelected               bucketstats.Total
	RCWSelected               bucketstats.Total
	FullStripeWrites          bucketstats.Total
	BatchMerges               bucketstats.Total
	BypassReads               bucketstats.Total
	OverlapWaits              bucketstats.Total
	ParityMismatches          bucketstats.Total
	ReadErrorRetries          bucketstats.Total
	ReadErrorRewrites         bucketstats.Total
	MembersFailed             bucketstats.Total
	StripesAborted            bucketstats.Total
	DiscardStripes            bucketstats.Total
	ReshapeStepsTaken         bucketstats.Total
	ReshapeCheckPointsWritten bucketstats.Total
}

type memberStateStruct struct {
	faulty     bool
	readErrors uint32 // consecutive; reset on successful rewrite-reread
}

type globalsStruct struct {
	sync.Mutex // protects members, generation, geometry swap, reshape pointer

	started bool

	config configStruct

	geometry     rlayout.GeometryStruct // current
	prevGeometry rlayout.GeometryStruct // valid while reshape != nil
	generation   uint64                 // bumped when a reshape completes

	diskArray DiskArrayInterface
	compute   ComputeInterface
	journal   JournalInterface

	members []memberStateStruct

	unitSectors     uint64 // config.StripeUnitBytes >> 9
	capacitySectors uint64

	shards []*cacheShardStruct

	handleLock sync.Mutex
	handleCond *sync.Cond // signaled when handleList gains an element or stopping
	handleList *list.List // of *stripeStruct holding one reference each

	delayedLock sync.Mutex
	delayedTree *btree.BTree // of *stripeStruct ordered by (sector, generation)

	quiesced           bool
	quiesceCond        *sync.Cond // tied to quiesceLock; signaled as activity drains
	quiesceLock        sync.Mutex
	bypassReads        uint64 // guarded by quiesceLock
	activeTotal        uint64 // non-free descriptors across shards; guarded by quiesceLock
	admissionsInFlight uint64 // past the quiesce gate, fragments not yet all chained; guarded by quiesceLock

	reshape *reshapeCursorStruct // nil when no reshape active

	stopping  bool
	workersWG sync.WaitGroup

	stats *statsStruct
}

var globals globalsStruct

func start(confMap conf.ConfMap, diskArray DiskArrayInterface, compute ComputeInterface, journal JournalInterface) (err error) {
	err = initializeGlobals(confMap, diskArray, compute, journal)
	if nil != err {
		return
	}

	err = initializeStripeCache()
	if nil != err {
		return
	}

	startStripeWorkers()

	globals.started = true

	err = nil
	return
}

func stop() (err error) {
	if !globals.started {
		err = ENotStarted
		return
	}

	err = quiesce()
	if nil != err {
		return
	}

	stopStripeWorkers()

	uninitializeStripeCache()

	uninitializeGlobals()

	err = nil
	return
}

func initializeGlobals(confMap conf.ConfMap, diskArray DiskArrayInterface, compute ComputeInterface, journal JournalInterface) (err error) {
	globals.config.LogFilePath = ""
	globals.config.LogToConsole = true

	globals.config.RAIDLevel, err = confMap.FetchOptionValueUint32("RSTRIPE", "RAIDLevel")
	if nil != err {
		return
	}
	globals.config.Layout, err = confMap.FetchOptionValueUint32("RSTRIPE", "Layout")
	if nil != err {
		return
	}
	globals.config.DiskCount, err = confMap.FetchOptionValueUint32("RSTRIPE", "DiskCount")
	if nil != err {
		return
	}
	globals.config.MemberSectors, err = confMap.FetchOptionValueUint64("RSTRIPE", "MemberSectors")
	if nil != err {
		return
	}
	globals.config.ChunkSectors, err = confMap.FetchOptionValueUint64("RSTRIPE", "ChunkSectors")
	if nil != err {
		return
	}
	globals.config.StripeUnitBytes, err = confMap.FetchOptionValueUint64("RSTRIPE", "StripeUnitBytes")
	if nil != err {
		return
	}
	globals.config.PoolStripeCount, err = confMap.FetchOptionValueUint64("RSTRIPE", "PoolStripeCount")
	if nil != err {
		return
	}
	globals.config.ShardCount, err = confMap.FetchOptionValueUint64("RSTRIPE", "ShardCount")
	if nil != err {
		return
	}
	globals.config.Workers, err = confMap.FetchOptionValueUint64("RSTRIPE", "Workers")
	if nil != err {
		return
	}
	globals.config.MaxRequestStripes, err = confMap.FetchOptionValueUint64("RSTRIPE", "MaxRequestStripes")
	if nil != err {
		return
	}
	globals.config.ReadErrorRetryLimit, err = confMap.FetchOptionValueUint32("RSTRIPE", "ReadErrorRetryLimit")
	if nil != err {
		return
	}
	globals.config.PreferRMW, err = confMap.FetchOptionValueBool("RSTRIPE", "PreferRMW")
	if nil != err {
		return
	}
	globals.config.ReshapeCheckPointInterval, err = confMap.FetchOptionValueDuration("RSTRIPE", "ReshapeCheckPointInterval")
	if nil != err {
		return
	}
	globals.config.ReshapeCheckPointPath, err = confMap.FetchOptionValueString("RSTRIPE", "ReshapeCheckPointPath")
	if nil != err {
		err = confMap.VerifyOptionValueIsEmpty("RSTRIPE", "ReshapeCheckPointPath")
		if nil != err {
			return
		}
		globals.config.ReshapeCheckPointPath = ""
	}
	globals.config.LogFilePath, err = confMap.FetchOptionValueString("RSTRIPE", "LogFilePath")
	if nil != err {
		err = confMap.VerifyOptionValueIsEmpty("RSTRIPE", "LogFilePath")
		if nil != err {
			return
		}
		globals.config.LogFilePath = ""
	}
	globals.config.LogToConsole, err = confMap.FetchOptionValueBool("RSTRIPE", "LogToConsole")
	if nil != err {
		return
	}
	globals.config.TraceEnabled, err = confMap.FetchOptionValueBool("RSTRIPE", "TraceEnabled")
	if nil != err {
		return
	}

	globals.geometry = rlayout.GeometryStruct{
		RAIDLevel:    globals.config.RAIDLevel,
		DiskCount:    globals.config.DiskCount,
		ChunkSectors: globals.config.ChunkSectors,
		Layout:       globals.config.Layout,
	}

	err = globals.geometry.Validate()
	if nil != err {
		return
	}

	if (0 == globals.config.ShardCount) || (0 != (globals.config.ShardCount & (globals.config.ShardCount - 1))) {
		err = EBadRequest.Here().WithMessagef("ShardCount (%d) must be a non-zero power of two", globals.config.ShardCount)
		return
	}
	if (globals.config.StripeUnitBytes < 512) || (0 != (globals.config.StripeUnitBytes & (globals.config.StripeUnitBytes - 1))) {
		err = EBadRequest.Here().WithMessagef("StripeUnitBytes (%d) must be a power of two >= 512", globals.config.StripeUnitBytes)
		return
	}
	globals.unitSectors = globals.config.StripeUnitBytes >> 9
	if 0 != (globals.config.ChunkSectors % globals.unitSectors) {
		err = EBadRequest.Here().WithMessagef("ChunkSectors (%d) must be a multiple of StripeUnitBytes/512 (%d)", globals.config.ChunkSectors, globals.unitSectors)
		return
	}
	if globals.config.DiskCount > 64 {
		err = EBadRequest.Here().WithMessagef("DiskCount (%d) must be <= 64", globals.config.DiskCount)
		return
	}

	globals.generation = 1
	globals.capacitySectors = uint64(globals.geometry.DataDisks()) * globals.config.MemberSectors

	globals.diskArray = diskArray
	if nil == compute {
		globals.compute = rparity.NewEngine(int(globals.config.DiskCount), int(globals.config.StripeUnitBytes))
	} else {
		globals.compute = compute
	}
	if nil == journal {
		globals.journal = &nullJournalStruct{}
	} else {
		globals.journal = journal
	}

	globals.members = make([]memberStateStruct, globals.config.DiskCount)
	for diskIndex := range globals.members {
		globals.members[diskIndex].faulty = false
		globals.members[diskIndex].readErrors = 0
	}

	globals.handleList = list.New()
	globals.handleCond = sync.NewCond(&globals.handleLock)
	globals.delayedTree = btree.New(2)
	globals.quiesceCond = sync.NewCond(&globals.quiesceLock)
	globals.quiesced = false
	globals.bypassReads = 0
	globals.activeTotal = 0
	globals.reshape = nil
	globals.stopping = false

	err = initializeLogger()
	if nil != err {
		return
	}

	globals.stats = &statsStruct{}

	bucketstats.Register("rstripepkg", "", globals.stats)

	logInfof("rstripepkg starting: level=%d layout=%d disks=%d chunkSectors=%d unitBytes=%d pool=%d shards=%d workers=%d",
		globals.config.RAIDLevel, globals.config.Layout, globals.config.DiskCount,
		globals.config.ChunkSectors, globals.config.StripeUnitBytes,
		globals.config.PoolStripeCount, globals.config.ShardCount, globals.config.Workers)

	err = nil
	return
}

func uninitializeGlobals() {
	bucketstats.UnRegister("rstripepkg", "")

	uninitializeLogger()

	globals.started = false
	globals.diskArray = nil
	globals.compute = nil
	globals.journal = nil
	globals.members = nil
	globals.shards = nil
	globals.handleList = nil
	globals.handleCond = nil
	globals.delayedTree = nil
	globals.quiesceCond = nil
	globals.reshape = nil
	globals.stats = nil
}

func markMemberFaulty(diskIndex uint32) (err error) {
	var (
		failedCount uint32
		maxDegraded uint32
	)

	if !globals.started {
		err = ENotStarted
		return
	}

	globals.Lock()
	if diskIndex >= uint32(len(globals.members)) {
		globals.Unlock()
		err = EBadRequest.Here().WithMessagef("diskIndex (%d) out of range", diskIndex)
		return
	}
	if !globals.members[diskIndex].faulty {
		globals.members[diskIndex].faulty = true
		globals.stats.MembersFailed.Add(1)
	}
	failedCount = failedMemberCountLocked()
	maxDegraded = globals.geometry.MaxDegraded()
	globals.Unlock()

	logWarnf("member %d marked faulty (failed members now %d of %d tolerated)",
		diskIndex, failedCount, maxDegraded)

	if failedCount > maxDegraded {
		logErrorf("array failed beyond redundancy; failing all I/O")
	}

	requeueAllDelayedStripes()

	err = nil
	return
}

// failedMemberCountLocked counts faulty members; caller holds globals.Lock.
func failedMemberCountLocked() (failedCount uint32) {
	var (
		diskIndex int
	)

	failedCount = 0
	for diskIndex = range globals.members {
		if globals.members[diskIndex].faulty {
			failedCount++
		}
	}
	return
}

func arrayFailed() (failed bool) {
	globals.Lock()
	failed = failedMemberCountLocked() > globals.geometry.MaxDegraded()
	globals.Unlock()
	return
}

// currentCapacitySectors reads the live capacity; a reshape commit may move
// it concurrently.
//
func currentCapacitySectors() (capacitySectors uint64) {
	globals.Lock()
	capacitySectors = globals.capacitySectors
	globals.Unlock()
	return
}
