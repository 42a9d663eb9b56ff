// Copyright (c) 2015-2022, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package rstripepkg

// Full-stripe-write batching: a stripe whose pending writes fully cover
// every data unit may join the batch of the descriptor one stripe unit
// below it. Members idle until the head's pipeline retires; the head then
// releases them to run their own pipelines, keeping a large sequential
// write ordered and un-interleaved. Batching is disabled while a journal
// is present (pre-images pin per-stripe ordering to the journal).

// batchEligibleLocked reports whether the stripe may participate in a
// batch. Caller holds the stripe's shard lock.
//
func batchEligibleLocked(stripe *stripeStruct) (eligible bool) {
	eligible = !stripe.flags.aborted &&
		!stripe.flags.expandSource &&
		!stripe.flags.expanding &&
		(reconstructStateIdle == stripe.reconstructState) &&
		(checkStateIdle == stripe.checkState) &&
		(nil != stripe.anyToWrite()) &&
		!stripe.allDirtyAreDiscards() &&
		stripe.fullOverwrite()
	return
}

// tryBatchMerge links stripe behind the descriptor one stripe unit below it
// when both are eligible full-stripe writes. Shard locks are taken in
// ascending shard index order.
//
func tryBatchMerge(stripe *stripeStruct) {
	var (
		first          *cacheShardStruct
		neighbor       *stripeStruct
		neighborShard  *cacheShardStruct
		ok             bool
		second         *cacheShardStruct
		neighborSector uint64
	)

	if globals.journal.IsPresent() {
		return
	}
	if stripe.sector < globals.unitSectors {
		return
	}

	neighborSector = stripe.sector - globals.unitSectors
	neighborShard = shardForSector(neighborSector)

	if neighborShard == stripe.shard {
		first = stripe.shard
		second = nil
	} else if neighborShard.index < stripe.shard.index {
		first = neighborShard
		second = stripe.shard
	} else {
		first = stripe.shard
		second = neighborShard
	}

	first.Lock()
	if nil != second {
		second.Lock()
	}

	neighbor, ok = neighborShard.hashTable[stripeKeyStruct{sector: neighborSector, generation: stripe.generation}]
	if ok &&
		batchEligibleLocked(stripe) && !stripe.flags.inBatch &&
		batchEligibleLocked(neighbor) &&
		(!neighbor.flags.inBatch || (neighbor.batchHead == neighbor)) {
		stripe.flags.inBatch = true
		stripe.batchHead = neighbor
		stripe.refCount++ // held by the batch head
		neighbor.flags.inBatch = true
		neighbor.batchHead = neighbor
		neighbor.batchMembers = append(neighbor.batchMembers, stripe)
		globals.stats.BatchMerges.Add(1)
	}

	if nil != second {
		second.Unlock()
	}
	first.Unlock()
}

// dissolveBatch releases every member of a completed (or aborted) batch to
// run its own pipeline. Caller holds the head's shard lock.
//
func dissolveBatch(head *stripeStruct, actions *[]func()) {
	var (
		members []*stripeStruct
	)

	members = head.batchMembers
	head.batchMembers = nil
	head.batchHead = nil
	head.flags.inBatch = false

	if 0 == len(members) {
		return
	}

	*actions = append(*actions, func() {
		var (
			member *stripeStruct
		)

		for _, member = range members {
			member.shard.Lock()
			member.flags.inBatch = false
			member.batchHead = nil
			member.refCount++ // donated to the handle queue
			member.shard.Unlock()
			queueStripeForHandle(member)
			releaseStripe(member) // the batch head's hold
		}
	})
}
