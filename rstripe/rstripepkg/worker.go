// Copyright (c) 2015-2022, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package rstripepkg

import (
	"container/list"
)

func startStripeWorkers() {
	var (
		workerIndex uint64
	)

	for workerIndex = 0; workerIndex < globals.config.Workers; workerIndex++ {
		globals.workersWG.Add(1)
		go stripeWorker()
	}
}

func stopStripeWorkers() {
	globals.handleLock.Lock()
	globals.stopping = true
	globals.handleCond.Broadcast()
	globals.handleLock.Unlock()

	globals.workersWG.Wait()
}

// stripeWorker pops descriptors off the handle queue and runs one
// reconciliation pass each, dropping the reference the queue held.
//
func stripeWorker() {
	var (
		element *list.Element
		stripe  *stripeStruct
	)

	defer globals.workersWG.Done()

	for {
		globals.handleLock.Lock()
		for (0 == globals.handleList.Len()) && !globals.stopping {
			globals.handleCond.Wait()
		}
		if 0 == globals.handleList.Len() {
			globals.handleLock.Unlock()
			return
		}
		element = globals.handleList.Front()
		globals.handleList.Remove(element)
		stripe = element.Value.(*stripeStruct)
		stripe.flags.onHandleList = false
		globals.handleLock.Unlock()

		handleStripe(stripe)

		releaseStripe(stripe)
	}
}

// stripeOpDone retires one async disk or compute operation. A pass takes a
// descriptor reference when it raises opsPending from zero; the final
// completion donates that reference to the handle queue so the next pass
// runs. Every completion may also have unblocked a delayed stripe.
//
func stripeOpDone(stripe *stripeStruct) {
	var (
		requeue bool
	)

	stripe.shard.Lock()
	if 0 == stripe.opsPending {
		logFatalf("stripeOpDone() with no operations pending (sector %d generation %d)", stripe.sector, stripe.generation)
	}
	stripe.opsPending--
	requeue = (0 == stripe.opsPending)
	if requeue {
		stripe.overlapCond.Broadcast()
	}
	stripe.shard.Unlock()

	if requeue {
		globals.stats.HandleStripeRequeues.Add(1)
		queueStripeForHandle(stripe)
	}

	unplugDelayedStripes()
}
