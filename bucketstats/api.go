// Copyright (c) 2015-2022, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

// Package bucketstats provides cheap in-memory statistics. A caller declares a
// struct whose exported fields are bucketstats types (Total, Average,
// BucketLog2Round), Register()'s a pointer to it under a (pkgName,
// instanceName) pair, and thereafter Add()'s observed values. SprintStats()
// renders every registered statistic for informal inspection.
//
package bucketstats

import (
	"fmt"
	"math/bits"
	"reflect"
	"sort"
	"sync"
	"sync/atomic"
)

// Total is a simple monotonically increasing counter.
//
type Total struct {
	total uint64
}

// Add increments the counter by value.
//
func (stat *Total) Add(value uint64) {
	atomic.AddUint64(&stat.total, value)
}

// TotalGet returns the current counter value.
//
func (stat *Total) TotalGet() (total uint64) {
	total = atomic.LoadUint64(&stat.total)
	return
}

func (stat *Total) sprint(statName string) (statAsString string) {
	statAsString = fmt.Sprintf("%s total:%d\n", statName, stat.TotalGet())
	return
}

// Average tracks a running count, sum, and mean of observed values.
//
type Average struct {
	sync.Mutex
	count uint64
	sum   uint64
}

// Add records one observation of value.
//
func (stat *Average) Add(value uint64) {
	stat.Lock()
	stat.count++
	stat.sum += value
	stat.Unlock()
}

// AverageGet returns the mean of the values observed so far (0 if none).
//
func (stat *Average) AverageGet() (average uint64) {
	stat.Lock()
	if 0 == stat.count {
		average = 0
	} else {
		average = stat.sum / stat.count
	}
	stat.Unlock()
	return
}

func (stat *Average) sprint(statName string) (statAsString string) {
	stat.Lock()
	statAsString = fmt.Sprintf("%s count:%d sum:%d\n", statName, stat.count, stat.sum)
	stat.Unlock()
	return
}

const bucketLog2RoundBuckets = 66

// BucketLog2Round distributes observed values into power-of-two buckets,
// rounding to the nearest bucket boundary.
//
type BucketLog2Round struct {
	sync.Mutex
	count   uint64
	sum     uint64
	buckets [bucketLog2RoundBuckets]uint64
}

// Add records one observation of value.
//
func (stat *BucketLog2Round) Add(value uint64) {
	var (
		bucketIndex int
	)

	bucketIndex = bits.Len64(value)
	if (bucketIndex >= 2) && (value >= (uint64(3) << uint(bucketIndex-2))) {
		bucketIndex++
	}

	stat.Lock()
	stat.count++
	stat.sum += value
	stat.buckets[bucketIndex]++
	stat.Unlock()
}

func (stat *BucketLog2Round) sprint(statName string) (statAsString string) {
	stat.Lock()
	statAsString = fmt.Sprintf("%s count:%d sum:%d\n", statName, stat.count, stat.sum)
	stat.Unlock()
	return
}

type sprinter interface {
	sprint(statName string) (statAsString string)
}

type registrationStruct struct {
	pkgName      string
	instanceName string
	statsStruct  interface{}
}

var (
	registrationLock sync.Mutex
	registrationMap  = make(map[string]*registrationStruct)
)

func registrationKey(pkgName string, instanceName string) (key string) {
	key = pkgName + ":" + instanceName
	return
}

// Register associates statsStruct (a pointer to a struct of bucketstats
// fields) with the supplied (pkgName, instanceName) pair.
//
func Register(pkgName string, instanceName string, statsStruct interface{}) {
	registrationLock.Lock()
	registrationMap[registrationKey(pkgName, instanceName)] = &registrationStruct{
		pkgName:      pkgName,
		instanceName: instanceName,
		statsStruct:  statsStruct,
	}
	registrationLock.Unlock()
}

// UnRegister removes a prior Register()'d statsStruct.
//
func UnRegister(pkgName string, instanceName string) {
	registrationLock.Lock()
	delete(registrationMap, registrationKey(pkgName, instanceName))
	registrationLock.Unlock()
}

// SprintStats renders every statistic of every registered statsStruct.
//
func SprintStats() (statsAsString string) {
	var (
		fieldIndex        int
		key               string
		keys              []string
		registration      *registrationStruct
		statsStructAsType reflect.Type
		statsStructValue  reflect.Value
		statSprinter      sprinter
		ok                bool
	)

	registrationLock.Lock()
	defer registrationLock.Unlock()

	keys = make([]string, 0, len(registrationMap))
	for key = range registrationMap {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	for _, key = range keys {
		registration = registrationMap[key]
		statsStructValue = reflect.ValueOf(registration.statsStruct).Elem()
		statsStructAsType = statsStructValue.Type()
		for fieldIndex = 0; fieldIndex < statsStructValue.NumField(); fieldIndex++ {
			if !statsStructValue.Field(fieldIndex).CanAddr() {
				continue
			}
			statSprinter, ok = statsStructValue.Field(fieldIndex).Addr().Interface().(sprinter)
			if !ok {
				continue
			}
			statsAsString += statSprinter.sprint(key + "." + statsStructAsType.Field(fieldIndex).Name)
		}
	}

	return
}
