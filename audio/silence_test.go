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

package audio_test

import (
	"testing"
	"time"

	"github.com/mailgun/herald/audio"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSilentMP3(t *testing.T) {
	b := audio.SilentMP3(3 * time.Second)

	info, err := audio.ProbeMP3(b)
	require.NoError(t, err)
	assert.Equal(t, 115, info.Frames)
	assert.Equal(t, 44100, info.SampleRate)
	assert.Equal(t, map[int]int{192: 115}, info.Bitrates)
	assert.InDelta(t, 3.0, info.Duration.Seconds(), 0.03)
}

func TestProbeMP3(t *testing.T) {
	t.Run("Skips ID3 tag", func(t *testing.T) {
		tag := []byte{'I', 'D', '3', 4, 0, 0, 0, 0, 0, 4, 'a', 'b', 'c', 'd'}
		info, err := audio.ProbeMP3(append(tag, audio.SilentMP3(time.Second)...))
		require.NoError(t, err)
		assert.InDelta(t, 1.0, info.Duration.Seconds(), 0.03)
	})

	t.Run("Rejects garbage", func(t *testing.T) {
		_, err := audio.ProbeMP3([]byte("not an mp3 stream"))
		assert.Error(t, err)
	})
}
