// Copyright (c) 2015-2022, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

// Package conf provides an INI-inspired configuration map. A ConfMap is built
// from a .conf file and/or a sequence of "Section.Option=Value1,Value2,..."
// strings and consulted via typed FetchOptionValue*() helpers.
//
// A .conf file consists of [Section] headers followed by "Option: Value" lines.
// Everything from a '#' to the end of the line is a comment. Values are comma
// separated; whitespace around values is discarded.
//
package conf

import (
	"fmt"
	"io/ioutil"
	"strconv"
	"strings"
	"time"
)

// ConfMap maps Section names to maps of Option names to value slices.
//
type ConfMap map[string]map[string][]string

// MakeConfMapFromStrings constructs a ConfMap from a slice of strings of the
// form "Section.Option=Value1,Value2,...".
//
func MakeConfMapFromStrings(confStrings []string) (confMap ConfMap, err error) {
	var (
		confString string
	)

	confMap = make(ConfMap)

	for _, confString = range confStrings {
		err = confMap.UpdateFromString(confString)
		if nil != err {
			return
		}
	}

	err = nil
	return
}

// MakeConfMapFromFile constructs a ConfMap from the indicated .conf file.
//
func MakeConfMapFromFile(confFilePath string) (confMap ConfMap, err error) {
	var (
		confFileBytes []byte
	)

	confFileBytes, err = ioutil.ReadFile(confFilePath)
	if nil != err {
		err = fmt.Errorf("unable to read confFilePath %s: %v", confFilePath, err)
		return
	}

	confMap = make(ConfMap)

	err = confMap.updateFromFileBytes(confFileBytes)

	return
}

// UpdateFromString applies a single "Section.Option=Value1,Value2,..." string
// to the ConfMap, replacing any prior value for that Section.Option.
//
func (confMap ConfMap) UpdateFromString(confString string) (err error) {
	var (
		equalsSplit  []string
		optionName   string
		optionValues []string
		periodSplit  []string
		section      map[string][]string
		sectionName  string
		ok           bool
	)

	equalsSplit = strings.SplitN(confString, "=", 2)
	if 2 != len(equalsSplit) {
		err = fmt.Errorf("confString %q lacks an '='", confString)
		return
	}

	periodSplit = strings.SplitN(strings.TrimSpace(equalsSplit[0]), ".", 2)
	if 2 != len(periodSplit) {
		err = fmt.Errorf("confString %q lacks a '.' preceding its '='", confString)
		return
	}

	sectionName = periodSplit[0]
	optionName = periodSplit[1]
	optionValues = splitOptionValues(equalsSplit[1])

	section, ok = confMap[sectionName]
	if !ok {
		section = make(map[string][]string)
		confMap[sectionName] = section
	}

	section[optionName] = optionValues

	err = nil
	return
}

// UpdateFromStrings applies each of the supplied confStrings in order.
//
func (confMap ConfMap) UpdateFromStrings(confStrings []string) (err error) {
	var (
		confString string
	)

	for _, confString = range confStrings {
		err = confMap.UpdateFromString(confString)
		if nil != err {
			return
		}
	}

	err = nil
	return
}

func (confMap ConfMap) updateFromFileBytes(confFileBytes []byte) (err error) {
	var (
		colonSplit         []string
		currentSectionName string
		line               string
		lineNumber         int
		section            map[string][]string
		ok                 bool
	)

	currentSectionName = ""

	for lineNumber, line = range strings.Split(string(confFileBytes[:]), "\n") {
		line = strings.TrimSpace(stripComment(line))
		if "" == line {
			continue
		}
		if strings.HasPrefix(line, "[") {
			if !strings.HasSuffix(line, "]") {
				err = fmt.Errorf("line %d: section header %q lacks trailing ']'", lineNumber+1, line)
				return
			}
			currentSectionName = strings.TrimSpace(line[1 : len(line)-1])
			if "" == currentSectionName {
				err = fmt.Errorf("line %d: empty section name", lineNumber+1)
				return
			}
			_, ok = confMap[currentSectionName]
			if !ok {
				confMap[currentSectionName] = make(map[string][]string)
			}
			continue
		}
		if "" == currentSectionName {
			err = fmt.Errorf("line %d: option line %q precedes any [Section] header", lineNumber+1, line)
			return
		}
		colonSplit = strings.SplitN(line, ":", 2)
		if 2 != len(colonSplit) {
			err = fmt.Errorf("line %d: option line %q lacks a ':'", lineNumber+1, line)
			return
		}
		section = confMap[currentSectionName]
		section[strings.TrimSpace(colonSplit[0])] = splitOptionValues(colonSplit[1])
	}

	err = nil
	return
}

func stripComment(line string) (strippedLine string) {
	var (
		hashIndex int
	)

	hashIndex = strings.IndexByte(line, '#')
	if -1 == hashIndex {
		strippedLine = line
	} else {
		strippedLine = line[:hashIndex]
	}

	return
}

func splitOptionValues(valuesString string) (optionValues []string) {
	var (
		value string
	)

	optionValues = make([]string, 0, 1)

	for _, value = range strings.Split(valuesString, ",") {
		value = strings.TrimSpace(value)
		if "" != value {
			optionValues = append(optionValues, value)
		}
	}

	return
}

func (confMap ConfMap) fetchOptionValueSlice(sectionName string, optionName string) (optionValues []string, err error) {
	var (
		section map[string][]string
		ok      bool
	)

	section, ok = confMap[sectionName]
	if !ok {
		err = fmt.Errorf("[%s] missing", sectionName)
		return
	}

	optionValues, ok = section[optionName]
	if !ok {
		err = fmt.Errorf("[%s]%s missing", sectionName, optionName)
		return
	}

	err = nil
	return
}

// VerifyOptionIsMissing returns nil if and only if Section.Option is absent.
//
func (confMap ConfMap) VerifyOptionIsMissing(sectionName string, optionName string) (err error) {
	var (
		section map[string][]string
		ok      bool
	)

	section, ok = confMap[sectionName]
	if !ok {
		err = nil
		return
	}

	_, ok = section[optionName]
	if ok {
		err = fmt.Errorf("[%s]%s present", sectionName, optionName)
		return
	}

	err = nil
	return
}

// VerifyOptionValueIsEmpty returns nil if and only if Section.Option is
// present with no values.
//
func (confMap ConfMap) VerifyOptionValueIsEmpty(sectionName string, optionName string) (err error) {
	var (
		optionValues []string
	)

	optionValues, err = confMap.fetchOptionValueSlice(sectionName, optionName)
	if nil != err {
		return
	}

	if 0 != len(optionValues) {
		err = fmt.Errorf("[%s]%s not empty", sectionName, optionName)
		return
	}

	err = nil
	return
}

// FetchOptionValueStringSlice returns Section.Option as the (possibly empty)
// slice of its comma-separated values.
//
func (confMap ConfMap) FetchOptionValueStringSlice(sectionName string, optionName string) (optionValue []string, err error) {
	optionValue, err = confMap.fetchOptionValueSlice(sectionName, optionName)
	return
}

// FetchOptionValueString returns Section.Option, requiring exactly one value.
//
func (confMap ConfMap) FetchOptionValueString(sectionName string, optionName string) (optionValue string, err error) {
	var (
		optionValues []string
	)

	optionValues, err = confMap.fetchOptionValueSlice(sectionName, optionName)
	if nil != err {
		return
	}

	if 1 != len(optionValues) {
		err = fmt.Errorf("[%s]%s must have a single value", sectionName, optionName)
		return
	}

	optionValue = optionValues[0]

	err = nil
	return
}

// FetchOptionValueBool returns Section.Option interpreted as a boolean
// ("true"/"yes"/"on"/"1" vs "false"/"no"/"off"/"0", case-insensitively).
//
func (confMap ConfMap) FetchOptionValueBool(sectionName string, optionName string) (optionValue bool, err error) {
	var (
		optionValueString string
	)

	optionValueString, err = confMap.FetchOptionValueString(sectionName, optionName)
	if nil != err {
		return
	}

	switch strings.ToLower(optionValueString) {
	case "true", "yes", "on", "1":
		optionValue = true
	case "false", "no", "off", "0":
		optionValue = false
	default:
		err = fmt.Errorf("[%s]%s (%q) not interpretable as a bool", sectionName, optionName, optionValueString)
		return
	}

	err = nil
	return
}

// FetchOptionValueUint16 returns Section.Option interpreted as a uint16.
//
func (confMap ConfMap) FetchOptionValueUint16(sectionName string, optionName string) (optionValue uint16, err error) {
	var (
		optionValueString string
		optionValueUint64 uint64
	)

	optionValueString, err = confMap.FetchOptionValueString(sectionName, optionName)
	if nil != err {
		return
	}

	optionValueUint64, err = strconv.ParseUint(optionValueString, 10, 16)
	if nil != err {
		err = fmt.Errorf("[%s]%s (%q) not interpretable as a uint16: %v", sectionName, optionName, optionValueString, err)
		return
	}

	optionValue = uint16(optionValueUint64)

	err = nil
	return
}

// FetchOptionValueUint32 returns Section.Option interpreted as a uint32.
//
func (confMap ConfMap) FetchOptionValueUint32(sectionName string, optionName string) (optionValue uint32, err error) {
	var (
		optionValueString string
		optionValueUint64 uint64
	)

	optionValueString, err = confMap.FetchOptionValueString(sectionName, optionName)
	if nil != err {
		return
	}

	optionValueUint64, err = strconv.ParseUint(optionValueString, 10, 32)
	if nil != err {
		err = fmt.Errorf("[%s]%s (%q) not interpretable as a uint32: %v", sectionName, optionName, optionValueString, err)
		return
	}

	optionValue = uint32(optionValueUint64)

	err = nil
	return
}

// FetchOptionValueUint64 returns Section.Option interpreted as a uint64.
//
func (confMap ConfMap) FetchOptionValueUint64(sectionName string, optionName string) (optionValue uint64, err error) {
	var (
		optionValueString string
	)

	optionValueString, err = confMap.FetchOptionValueString(sectionName, optionName)
	if nil != err {
		return
	}

	optionValue, err = strconv.ParseUint(optionValueString, 10, 64)
	if nil != err {
		err = fmt.Errorf("[%s]%s (%q) not interpretable as a uint64: %v", sectionName, optionName, optionValueString, err)
		return
	}

	err = nil
	return
}

// FetchOptionValueFloat64 returns Section.Option interpreted as a float64.
//
func (confMap ConfMap) FetchOptionValueFloat64(sectionName string, optionName string) (optionValue float64, err error) {
	var (
		optionValueString string
	)

	optionValueString, err = confMap.FetchOptionValueString(sectionName, optionName)
	if nil != err {
		return
	}

	optionValue, err = strconv.ParseFloat(optionValueString, 64)
	if nil != err {
		err = fmt.Errorf("[%s]%s (%q) not interpretable as a float64: %v", sectionName, optionName, optionValueString, err)
		return
	}

	err = nil
	return
}

// FetchOptionValueDuration returns Section.Option interpreted as a
// time.Duration (e.g. "100ms", "10s", "5m").
//
func (confMap ConfMap) FetchOptionValueDuration(sectionName string, optionName string) (optionValue time.Duration, err error) {
	var (
		optionValueString string
	)

	optionValueString, err = confMap.FetchOptionValueString(sectionName, optionName)
	if nil != err {
		return
	}

	optionValue, err = time.ParseDuration(optionValueString)
	if nil != err {
		err = fmt.Errorf("[%s]%s (%q) not interpretable as a time.Duration: %v", sectionName, optionName, optionValueString, err)
		return
	}

	err = nil
	return
}
