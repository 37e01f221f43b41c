/*
Copyright 2023 Mailgun Technologies Inc

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package audio holds the PCM representation, effects chain and codecs used
// to render narration.
package audio

import (
	"encoding/binary"
	"math"
	"time"

	"github.com/pkg/errors"
)

// DefaultSampleRate is the rate narration is decoded to before effects run.
const DefaultSampleRate = 44100

// PCM is mono audio as float samples in [-1, 1].
type PCM struct {
	Samples    []float32
	SampleRate int
}

// Duration returns the playing time of the samples.
func (p PCM) Duration() time.Duration {
	if p.SampleRate <= 0 {
		return 0
	}
	return time.Duration(len(p.Samples)) * time.Second / time.Duration(p.SampleRate)
}

// Silence returns d worth of zero samples at rate.
func Silence(d time.Duration, rate int) PCM {
	n := int(int64(d) * int64(rate) / int64(time.Second))
	return PCM{Samples: make([]float32, n), SampleRate: rate}
}

// FromS16LE decodes signed 16-bit little-endian mono samples.
func FromS16LE(b []byte, rate int) (PCM, error) {
	if len(b)%2 != 0 {
		return PCM{}, errors.Errorf("odd PCM length %d", len(b))
	}
	samples := make([]float32, len(b)/2)
	for i := range samples {
		v := int16(binary.LittleEndian.Uint16(b[i*2:]))
		samples[i] = float32(v) / 32768
	}
	return PCM{Samples: samples, SampleRate: rate}, nil
}

// S16LE encodes the samples as signed 16-bit little-endian, clipping
// anything outside [-1, 1].
func (p PCM) S16LE() []byte {
	out := make([]byte, len(p.Samples)*2)
	for i, s := range p.Samples {
		v := math.Max(-1, math.Min(1, float64(s)))
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(math.Round(v*32767))))
	}
	return out
}

// Peak returns the largest absolute sample value.
func (p PCM) Peak() float32 {
	var peak float32
	for _, s := range p.Samples {
		if s < 0 {
			s = -s
		}
		if s > peak {
			peak = s
		}
	}
	return peak
}

func (p PCM) clone() PCM {
	return PCM{Samples: append([]float32(nil), p.Samples...), SampleRate: p.SampleRate}
}
