// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package peripheral

// AnalogInput is one converter input, in sampling order
type AnalogInput uint8

const (
	AnalogPotA AnalogInput = iota
	AnalogPotB
	AnalogCurrentA
	AnalogCurrentB
	AnalogExtraA
	AnalogExtraB

	analogInputCount
)

// Every input is sampled 1<<AnalogIterationsShift times per average
const (
	AnalogIterationsShift = 2
	AnalogIterations      = 1 << AnalogIterationsShift
)

// AnalogAverages are the averaged readings of one channel
type AnalogAverages struct {
	Pot     int32
	Current int32
	Extra   int32
}

// Sampler cycles the converter over every input and accumulates the results
type Sampler struct {
	index   AnalogInput
	counter uint8
	acc     [analogInputCount]int32
}

// Input returns the input the converter should be sampling
func (s *Sampler) Input() AnalogInput {
	return s.index
}

// Accumulate adds a conversion result for the current input and selects the
// next one. It reports whether another conversion should be started.
func (s *Sampler) Accumulate(value uint16) bool {
	s.acc[s.index] += int32(value)
	if s.index == AnalogExtraB {
		s.counter++
	}
	s.index = (s.index + 1) % analogInputCount
	return s.counter < AnalogIterations
}

// Ready reports whether every input has been sampled AnalogIterations times
func (s *Sampler) Ready() bool {
	return s.counter >= AnalogIterations
}

// Collect returns the averages for both channels and starts a new round
func (s *Sampler) Collect() [2]AnalogAverages {
	var out [2]AnalogAverages
	for ch := 0; ch < 2; ch++ {
		out[ch] = AnalogAverages{
			Pot:     s.acc[AnalogPotA+AnalogInput(ch)] >> AnalogIterationsShift,
			Current: s.acc[AnalogCurrentA+AnalogInput(ch)] >> AnalogIterationsShift,
			Extra:   s.acc[AnalogExtraA+AnalogInput(ch)] >> AnalogIterationsShift,
		}
	}
	s.acc = [analogInputCount]int32{}
	s.counter = 0
	return out
}
