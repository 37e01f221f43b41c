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
	"bytes"
	"context"
	"os/exec"
	"strconv"
	"time"

	"github.com/mailgun/holster/v4/setter"
	"github.com/pkg/errors"
)

// Codec converts between encoded audio and PCM.
type Codec interface {
	// Decode converts any container the codec understands into mono PCM.
	Decode(ctx context.Context, encoded []byte) (PCM, error)

	// Encode renders PCM as MP3.
	Encode(ctx context.Context, p PCM) ([]byte, error)
}

type FFmpegConfig struct {
	// Path to the ffmpeg binary. Defaults to `ffmpeg` on $PATH.
	Path string

	// Rate narration is decoded to.
	SampleRate int

	// MP3 bitrate passed to -b:a.
	Bitrate string

	// Upper bound on a single ffmpeg run.
	Timeout time.Duration
}

var _ Codec = &FFmpeg{}

// FFmpeg runs ffmpeg as a subprocess with audio piped through stdin and stdout.
type FFmpeg struct {
	conf FFmpegConfig
}

func NewFFmpeg(conf FFmpegConfig) *FFmpeg {
	setter.SetDefault(&conf.Path, "ffmpeg")
	setter.SetDefault(&conf.SampleRate, DefaultSampleRate)
	setter.SetDefault(&conf.Bitrate, "192k")
	setter.SetDefault(&conf.Timeout, 30*time.Second)
	return &FFmpeg{conf: conf}
}

// Available reports whether the ffmpeg binary can be found.
func (f *FFmpeg) Available() bool {
	_, err := exec.LookPath(f.conf.Path)
	return err == nil
}

func (f *FFmpeg) Decode(ctx context.Context, encoded []byte) (PCM, error) {
	out, err := f.run(ctx, encoded,
		"-i", "pipe:0",
		"-f", "s16le",
		"-acodec", "pcm_s16le",
		"-ac", "1",
		"-ar", strconv.Itoa(f.conf.SampleRate),
		"pipe:1",
	)
	if err != nil {
		return PCM{}, errors.Wrap(err, "while decoding")
	}
	return FromS16LE(out, f.conf.SampleRate)
}

func (f *FFmpeg) Encode(ctx context.Context, p PCM) ([]byte, error) {
	out, err := f.run(ctx, p.S16LE(),
		"-f", "s16le",
		"-ar", strconv.Itoa(p.SampleRate),
		"-ac", "1",
		"-i", "pipe:0",
		"-codec:a", "libmp3lame",
		"-b:a", f.conf.Bitrate,
		"-f", "mp3",
		"pipe:1",
	)
	if err != nil {
		return nil, errors.Wrap(err, "while encoding")
	}
	return out, nil
}

// run pipes stdin through ffmpeg. Stdin is attached before the process
// starts so the child never races the writer.
func (f *FFmpeg) run(ctx context.Context, stdin []byte, args ...string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, f.conf.Timeout)
	defer cancel()

	args = append([]string{"-hide_banner", "-loglevel", "error", "-y"}, args...)
	cmd := exec.CommandContext(ctx, f.conf.Path, args...)
	cmd.Stdin = bytes.NewReader(stdin)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, errors.Wrap(ctx.Err(), "ffmpeg did not finish")
		}
		return nil, errors.Wrapf(err, "ffmpeg failed: %s", bytes.TrimSpace(stderr.Bytes()))
	}
	if stdout.Len() == 0 {
		return nil, errors.New("ffmpeg produced no output")
	}
	return stdout.Bytes(), nil
}
