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
	"time"

	"github.com/pkg/errors"
)

// MPEG-1 Layer III constants for 192 kbps, 44.1 kHz mono without CRC.
const (
	mp3SamplesPerFrame = 1152
	mp3SampleRate      = 44100
	mp3Bitrate         = 192000
	mp3FrameLen        = 144 * mp3Bitrate / mp3SampleRate
)

var silentFrameHeader = [4]byte{0xFF, 0xFB, 0xB0, 0xC0}

// SilentMP3 returns at least d of silence as a 192 kbps CBR MP3 stream. A
// frame whose side information is all zero decodes to silence, so no encoder
// is needed.
func SilentMP3(d time.Duration) []byte {
	frameDur := time.Duration(mp3SamplesPerFrame) * time.Second / mp3SampleRate
	frames := int((d + frameDur - 1) / frameDur)

	out := make([]byte, frames*mp3FrameLen)
	for i := 0; i < frames; i++ {
		copy(out[i*mp3FrameLen:], silentFrameHeader[:])
	}
	return out
}

var mp3Bitrates = [16]int{0, 32, 40, 48, 56, 64, 80, 96, 112, 128, 160, 192, 224, 256, 320, 0}
var mp3SampleRates = [4]int{44100, 48000, 32000, 0}

// MP3Info is what a header walk of an MPEG-1 Layer III stream reveals.
type MP3Info struct {
	Frames     int
	Bitrates   map[int]int
	SampleRate int
	Duration   time.Duration
}

// ProbeMP3 walks the frame headers of an MPEG-1 Layer III stream. A leading
// ID3v2 tag is skipped.
func ProbeMP3(b []byte) (MP3Info, error) {
	info := MP3Info{Bitrates: map[int]int{}}
	if len(b) >= 10 && string(b[:3]) == "ID3" {
		size := int(b[6]&0x7f)<<21 | int(b[7]&0x7f)<<14 | int(b[8]&0x7f)<<7 | int(b[9]&0x7f)
		if 10+size > len(b) {
			return info, errors.New("truncated ID3 tag")
		}
		b = b[10+size:]
	}

	var samples int
	for len(b) >= 4 {
		if b[0] != 0xFF || b[1]&0xFE != 0xFA {
			return info, errors.Errorf("no MPEG-1 Layer III frame at frame %d", info.Frames)
		}
		br := mp3Bitrates[b[2]>>4] * 1000
		sr := mp3SampleRates[(b[2]>>2)&0x3]
		if br == 0 || sr == 0 {
			return info, errors.Errorf("unsupported header in frame %d", info.Frames)
		}
		pad := int(b[2]>>1) & 0x1
		n := 144*br/sr + pad
		if n > len(b) {
			break
		}

		info.Frames++
		info.Bitrates[br/1000]++
		info.SampleRate = sr
		samples += mp3SamplesPerFrame
		b = b[n:]
	}
	if info.Frames == 0 {
		return info, errors.New("no MP3 frames found")
	}
	info.Duration = time.Duration(samples) * time.Second / time.Duration(info.SampleRate)
	return info, nil
}
