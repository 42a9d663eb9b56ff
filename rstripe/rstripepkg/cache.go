// Copyright (c) 2015-2022, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package rstripepkg

import (
	"container/list"
	"sync"
	"time"

	"github.com/creachadair/cityhash"
)

type stripeKeyStruct struct {
	sector     uint64
	generation uint64
}

// cacheShardStruct is one lock shard of the stripe cache. Its Mutex guards
// the shard's hash table and free list plus every descriptor currently owned
// by the shard (see stripeStruct).
//
type cacheShardStruct struct {
	sync.Mutex
	cond      *sync.Cond // free-descriptor and handoff waiters
	index     uint64
	hashTable map[stripeKeyStruct]*stripeStruct
	freeList  *list.List // of *stripeStruct, unhashed
}

func initializeStripeCache() (err error) {
	var (
		shardIndex uint64
	)

	globals.shards = make([]*cacheShardStruct, globals.config.ShardCount)
	for shardIndex = 0; shardIndex < globals.config.ShardCount; shardIndex++ {
		globals.shards[shardIndex] = &cacheShardStruct{
			index:     shardIndex,
			hashTable: make(map[stripeKeyStruct]*stripeStruct),
			freeList:  list.New(),
		}
		globals.shards[shardIndex].cond = sync.NewCond(&globals.shards[shardIndex].Mutex)
	}

	err = growStripePool(globals.config.PoolStripeCount)
	return
}

func uninitializeStripeCache() {
	globals.shards = nil
}

// shardForSector hashes the 8-byte little-endian sector to a shard.
//
func shardForSector(sector uint64) (shard *cacheShardStruct) {
	var (
		i         int
		sectorBuf [8]byte
	)

	for i = 0; i < 8; i++ {
		sectorBuf[i] = byte(sector >> uint(8*i))
	}

	shard = globals.shards[cityhash.Hash64(sectorBuf[:])&(globals.config.ShardCount-1)]
	return
}

// lockAllShards acquires every shard lock in ascending index order; this is
// the only permitted multi-shard acquisition order.
//
func lockAllShards() {
	var (
		shardIndex int
	)

	for shardIndex = 0; shardIndex < len(globals.shards); shardIndex++ {
		globals.shards[shardIndex].Lock()
	}
}

func unlockAllShards() {
	var (
		shardIndex int
	)

	for shardIndex = len(globals.shards) - 1; shardIndex >= 0; shardIndex-- {
		globals.shards[shardIndex].Unlock()
	}
}

// activeTransition tracks the count of non-free descriptors for quiesce.
//
func activeTransition(delta int64) {
	globals.quiesceLock.Lock()
	if delta > 0 {
		globals.activeTotal += uint64(delta)
	} else {
		globals.activeTotal -= uint64(-delta)
		if 0 == globals.activeTotal {
			globals.quiesceCond.Broadcast()
		}
	}
	globals.quiesceLock.Unlock()
}

// acquireStripe returns the descriptor for (sector, generation) with its
// reference count incremented, initializing a free descriptor on a miss.
// With noBlock set it returns ENoBlockAvailable instead of waiting for a
// free descriptor. The caller receives the descriptor unlocked.
//
func acquireStripe(sector uint64, generation uint64, noBlock bool) (stripe *stripeStruct, err error) {
	var (
		freeElement *list.Element
		key         stripeKeyStruct
		ok          bool
		shard       *cacheShardStruct
		startTime   time.Time
	)

	startTime = time.Now()
	defer func() {
		globals.stats.AcquireStripeUsecs.Add(uint64(time.Since(startTime) / time.Microsecond))
	}()

	key = stripeKeyStruct{sector: sector, generation: generation}
	shard = shardForSector(sector)

	shard.Lock()

	for {
		stripe, ok = shard.hashTable[key]
		if ok {
			stripe.refCount++
			shard.Unlock()
			err = nil
			return
		}

		freeElement = shard.freeList.Front()
		if nil != freeElement {
			stripe = freeElement.Value.(*stripeStruct)
			shard.freeList.Remove(freeElement)
			stripe.shard = shard
			initStripe(stripe, sector, generation)
			stripe.refCount = 1
			shard.hashTable[key] = stripe
			activeTransition(+1)
			shard.Unlock()
			err = nil
			return
		}

		if noBlock {
			shard.Unlock()
			stripe = nil
			err = ENoBlockAvailable
			return
		}

		globals.stats.AcquireStripeWaits.Add(1)
		shard.cond.Wait()
	}
}

// releaseStripe drops one reference. At zero the descriptor is routed per
// its aggregate flags: back through the handle queue if reconciliation is
// still wanted, to the delayed queue if plugged, else unhashed and returned
// to the free pool. In-flight async stages hold their own reference (see
// stripeOpDone) so a descriptor mid-pipeline never reaches zero.
//
func releaseStripe(stripe *stripeStruct) {
	var (
		shard *cacheShardStruct
	)

	shard = stripe.shard

	shard.Lock()

	if 0 == stripe.refCount {
		logFatalf("releaseStripe() of unreferenced stripe (sector %d generation %d)", stripe.sector, stripe.generation)
	}

	stripe.refCount--
	if 0 != stripe.refCount {
		shard.Unlock()
		return
	}

	if stripe.flags.needsHandle {
		stripe.flags.needsHandle = false
		stripe.refCount = 1
		shard.Unlock()
		queueStripeForHandle(stripe)
		return
	}

	if stripe.flags.delayed {
		stripe.refCount = 1
		shard.Unlock()
		globals.delayedLock.Lock()
		globals.delayedTree.ReplaceOrInsert(stripe)
		globals.delayedLock.Unlock()
		return
	}

	if stripe.flags.expanding {
		logFatalf("releaseStripe() would free a relocation destination (sector %d generation %d)", stripe.sector, stripe.generation)
	}

	delete(shard.hashTable, stripeKeyStruct{sector: stripe.sector, generation: stripe.generation})
	stripe.freeElement = shard.freeList.PushBack(stripe)
	stripe.flags.onFreeList = true
	activeTransition(-1)
	shard.cond.Signal()
	shard.Unlock()
}

// queueStripeForHandle donates the caller's reference to the handle queue.
//
func queueStripeForHandle(stripe *stripeStruct) {
	globals.handleLock.Lock()
	if stripe.flags.onHandleList {
		// already queued; fold the donated reference back
		globals.handleLock.Unlock()
		releaseStripe(stripe)
		return
	}
	stripe.flags.onHandleList = true
	globals.handleList.PushBack(stripe)
	globals.handleCond.Signal()
	globals.handleLock.Unlock()
}

// unplugDelayedStripes moves every delayed descriptor to the handle queue in
// ascending sector order. Called whenever a completion may have unblocked a
// delayed stripe.
//
func unplugDelayedStripes() {
	var (
		item  interface{}
		moved []*stripeStruct
		s     *stripeStruct
	)

	globals.delayedLock.Lock()
	moved = make([]*stripeStruct, 0, globals.delayedTree.Len())
	for {
		item = globals.delayedTree.DeleteMin()
		if nil == item {
			break
		}
		moved = append(moved, item.(*stripeStruct))
	}
	globals.delayedLock.Unlock()

	for _, s = range moved {
		s.shard.Lock()
		s.flags.delayed = false
		s.flags.needsHandle = true
		s.shard.Unlock()
		queueStripeForHandle(s)
	}
}

func requeueAllDelayedStripes() {
	unplugDelayedStripes()
}

func growStripePool(count uint64) (err error) {
	var (
		i      uint64
		shard  *cacheShardStruct
		stripe *stripeStruct
	)

	if nil == globals.shards {
		err = ENotStarted
		return
	}

	for i = 0; i < count; i++ {
		stripe = newStripe()
		shard = globals.shards[i&(globals.config.ShardCount-1)]
		shard.Lock()
		stripe.shard = shard
		stripe.flags.onFreeList = true
		stripe.freeElement = shard.freeList.PushBack(stripe)
		shard.cond.Signal()
		shard.Unlock()
	}

	err = nil
	return
}

func shrinkStripePool(count uint64) (removed uint64, err error) {
	var (
		freeElement *list.Element
		shard       *cacheShardStruct
		shardIndex  int
	)

	if nil == globals.shards {
		err = ENotStarted
		return
	}

	removed = 0

	for removed < count {
		freeElement = nil
		for shardIndex = 0; shardIndex < len(globals.shards); shardIndex++ {
			shard = globals.shards[shardIndex]
			shard.Lock()
			freeElement = shard.freeList.Front()
			if nil != freeElement {
				shard.freeList.Remove(freeElement)
				removed++
				shard.Unlock()
				break
			}
			shard.Unlock()
		}
		if nil == freeElement {
			// nothing left on any free list
			break
		}
	}

	err = nil
	return
}

func quiesce() (err error) {
	var (
		idle bool
	)

	if nil == globals.shards {
		err = ENotStarted
		return
	}

	globals.quiesceLock.Lock()
	globals.quiesced = true
	globals.quiesceLock.Unlock()

	unplugDelayedStripes()

	for {
		// the idle verdict must be reached with every shard locked so no
		// concurrent admission can be mid-acquire
		lockAllShards()
		globals.quiesceLock.Lock()
		idle = (0 == globals.activeTotal) && (0 == globals.bypassReads) && (0 == globals.admissionsInFlight)
		globals.quiesceLock.Unlock()
		unlockAllShards()

		if idle {
			err = nil
			return
		}

		globals.quiesceLock.Lock()
		if (0 != globals.activeTotal) || (0 != globals.bypassReads) || (0 != globals.admissionsInFlight) {
			globals.quiesceCond.Wait()
		}
		globals.quiesceLock.Unlock()
	}
}

func resume() (err error) {
	globals.quiesceLock.Lock()
	globals.quiesced = false
	globals.quiesceCond.Broadcast()
	globals.quiesceLock.Unlock()
	err = nil
	return
}
