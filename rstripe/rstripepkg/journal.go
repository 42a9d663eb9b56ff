// Copyright (c) 2015-2022, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package rstripepkg

// nullJournalStruct satisfies JournalInterface when no write-back journal is
// configured. The engine must behave identically through this implementation
// save for the journal-specific paths it disables.
//
type nullJournalStruct struct{}

func (*nullJournalStruct) IsPresent() (present bool) {
	present = false
	return
}

func (*nullJournalStruct) Failed() (failed bool) {
	failed = false
	return
}

func (*nullJournalStruct) StripeIsJournaled(sector uint64, generation uint64) (journaled bool) {
	journaled = false
	return
}

func (*nullJournalStruct) RequestFlush(sectors []uint64, done func(err error)) {
	go done(nil)
}

func (*nullJournalStruct) InvalidateCaches() (err error) {
	err = nil
	return
}
