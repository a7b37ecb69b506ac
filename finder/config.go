/*Copyright (C) 2022 Mandiant, Inc. All Rights Reserved.*/

package finder

import "github.com/mandiant/UEReSym/offsets"

const (
	DefaultFlagsQuorum  = 0xA0
	DefaultFlagsSample  = 0x100
	DefaultNameBandLow  = 0x80
	DefaultMaxClassHops = 16
)

// Config holds the tunables of discovery. The zero value is the default configuration.
type Config struct {
	// Policy breaks ties in the generic offset searches.
	Policy offsets.Policy
	// FlagsQuorum is how many out of 0x100 sampled objects must carry the native flags at a
	// candidate offset.
	FlagsQuorum int
	// FlagsSample is how many objects from the start of the array the flags search looks at.
	FlagsSample int
	// NameBandLow and NameBandHigh bound the average comparison index a Name candidate may
	// show. NameBandHigh 0 means the name table's current size.
	NameBandLow  int
	NameBandHigh int
	MaxClassHops int
}

func (c Config) withDefaults() Config {
	if c.FlagsQuorum <= 0 {
		c.FlagsQuorum = DefaultFlagsQuorum
	}
	if c.FlagsSample <= 0 {
		c.FlagsSample = DefaultFlagsSample
	}
	if c.NameBandLow <= 0 {
		c.NameBandLow = DefaultNameBandLow
	}
	if c.MaxClassHops <= 0 {
		c.MaxClassHops = DefaultMaxClassHops
	}
	return c
}
