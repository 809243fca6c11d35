package rdt

import "time"

type segmentType uint16

const (
	typeData segmentType = 0x5555
	typeACK  segmentType = 0xAAAA
)

const (
	headerLength      = 8
	defaultMTU        = 1500
	defaultMSS        = defaultMTU - headerLength - 28
	defaultWindowSize = 4
)

const (
	defaultRTO         = 1 * time.Second
	minRTO             = 10 * time.Millisecond
	maxRTO             = 60 * time.Second
	defaultGBNTimeouts = 10
	defaultSRTimeouts  = 20
)

type position struct {
	Start int
	End   int
}

var sequenceNumberPosition = position{0, 4}
var checksumPosition = position{4, 6}
var typePosition = position{6, 8}
