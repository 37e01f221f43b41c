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

package audio

import (
	"math"
	"time"

	"github.com/mailgun/holster/v4/setter"
)

// Effects describes the processing applied to raw narration before encoding.
type Effects struct {
	// Playback rate multiplier. Tempo and pitch change together.
	Speed float64

	// Scales the low-pass filter and bass overlay. Zero disables both.
	Depth float64

	FadeIn  time.Duration
	FadeOut time.Duration

	// Peak level after normalization, as a fraction of full scale.
	TargetPeak float32

	// Samples above the threshold are reduced by Ratio.
	CompressThreshold float32
	CompressRatio     float64

	// Leading and trailing samples quieter than this are trimmed.
	SilenceThreshold float32

	// Silence added before the narration starts.
	LeadingPad time.Duration
}

// SetDefaults fills every unset field.
func (e *Effects) SetDefaults() {
	setter.SetDefault(&e.Speed, 1.0)
	setter.SetDefault(&e.FadeIn, 50*time.Millisecond)
	setter.SetDefault(&e.FadeOut, 100*time.Millisecond)
	setter.SetDefault(&e.TargetPeak, float32(0.89))
	setter.SetDefault(&e.CompressThreshold, float32(0.5))
	setter.SetDefault(&e.CompressRatio, 4.0)
	setter.SetDefault(&e.SilenceThreshold, float32(0.01))
	setter.SetDefault(&e.LeadingPad, 400*time.Millisecond)
}

// Apply runs the whole chain and returns new samples; p is not modified.
func (e Effects) Apply(p PCM) PCM {
	e.SetDefaults()

	p = ChangeSpeed(p, e.Speed)
	if e.Depth > 0 {
		p = Deepen(p, e.Depth)
	}
	p = Fade(p, e.FadeIn, e.FadeOut)
	p = Normalize(p, e.TargetPeak)
	p = Compress(p, e.CompressThreshold, e.CompressRatio)
	p = TrimSilence(p, e.SilenceThreshold)
	return PadStart(p, e.LeadingPad)
}

// ChangeSpeed resamples by linear interpolation so the audio plays `speed`
// times faster at the same sample rate.
func ChangeSpeed(p PCM, speed float64) PCM {
	if speed <= 0 || speed == 1 || len(p.Samples) == 0 {
		return p.clone()
	}
	n := int(float64(len(p.Samples)) / speed)
	out := make([]float32, n)
	last := len(p.Samples) - 1
	for i := range out {
		pos := float64(i) * speed
		j := int(pos)
		if j >= last {
			out[i] = p.Samples[last]
			continue
		}
		frac := float32(pos - float64(j))
		out[i] = p.Samples[j]*(1-frac) + p.Samples[j+1]*frac
	}
	return PCM{Samples: out, SampleRate: p.SampleRate}
}

// LowPass applies a one-pole low-pass filter with the given cutoff.
func LowPass(p PCM, cutoffHz float64) PCM {
	out := p.clone()
	if len(out.Samples) == 0 || cutoffHz <= 0 || p.SampleRate <= 0 {
		return out
	}
	rc := 1 / (2 * math.Pi * cutoffHz)
	dt := 1 / float64(p.SampleRate)
	alpha := float32(dt / (rc + dt))

	prev := out.Samples[0]
	for i, s := range out.Samples {
		prev += alpha * (s - prev)
		out.Samples[i] = prev
	}
	return out
}

// Deepen darkens the voice: the signal is low-passed with a cutoff that
// falls as depth grows, then a heavily filtered bass copy is mixed back in.
func Deepen(p PCM, depth float64) PCM {
	if depth <= 0 {
		return p.clone()
	}
	filtered := LowPass(p, 4000/(1+depth))
	bass := LowPass(p, 150)
	gain := float32(0.25 * depth)
	for i := range filtered.Samples {
		filtered.Samples[i] += bass.Samples[i] * gain
	}
	return filtered
}

// Fade ramps the volume linearly up over in and down over out.
func Fade(p PCM, in, out time.Duration) PCM {
	res := p.clone()
	n := len(res.Samples)
	fadeIn := samplesFor(in, p.SampleRate, n)
	fadeOut := samplesFor(out, p.SampleRate, n)

	for i := 0; i < fadeIn; i++ {
		res.Samples[i] *= float32(i) / float32(fadeIn)
	}
	for i := 0; i < fadeOut; i++ {
		res.Samples[n-1-i] *= float32(i) / float32(fadeOut)
	}
	return res
}

// Normalize scales the samples so the peak sits at target.
func Normalize(p PCM, target float32) PCM {
	res := p.clone()
	peak := p.Peak()
	if peak == 0 || target <= 0 {
		return res
	}
	gain := target / peak
	for i := range res.Samples {
		res.Samples[i] *= gain
	}
	return res
}

// Compress reduces the part of each sample above threshold by ratio.
func Compress(p PCM, threshold float32, ratio float64) PCM {
	res := p.clone()
	if ratio <= 1 || threshold <= 0 {
		return res
	}
	for i, s := range res.Samples {
		mag := s
		if mag < 0 {
			mag = -mag
		}
		if mag <= threshold {
			continue
		}
		reduced := threshold + float32(float64(mag-threshold)/ratio)
		if s < 0 {
			reduced = -reduced
		}
		res.Samples[i] = reduced
	}
	return res
}

// TrimSilence drops leading and trailing samples quieter than threshold.
func TrimSilence(p PCM, threshold float32) PCM {
	loud := func(s float32) bool { return s > threshold || s < -threshold }

	start, end := 0, len(p.Samples)
	for start < end && !loud(p.Samples[start]) {
		start++
	}
	for end > start && !loud(p.Samples[end-1]) {
		end--
	}
	return PCM{Samples: append([]float32(nil), p.Samples[start:end]...), SampleRate: p.SampleRate}
}

// PadStart prepends d of silence.
func PadStart(p PCM, d time.Duration) PCM {
	pad := Silence(d, p.SampleRate)
	return PCM{Samples: append(pad.Samples, p.Samples...), SampleRate: p.SampleRate}
}

func samplesFor(d time.Duration, rate, max int) int {
	n := int(int64(d) * int64(rate) / int64(time.Second))
	if n > max {
		n = max
	}
	if n < 0 {
		n = 0
	}
	return n
}
