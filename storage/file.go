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

package storage

import (
	"context"
	"io"
	"os"
	"path/filepath"

	"github.com/mailgun/holster/v4/setter"
	"github.com/pkg/errors"
)

type FileStoreConfig struct {
	// Directory the audio files are written to. Created when missing.
	Dir string

	// URL prefix the directory is served under.
	BaseURL string
}

var _ AudioStore = &FileStore{}

// FileStore keeps audio on the local filesystem.
type FileStore struct {
	conf FileStoreConfig
}

func NewFileStore(conf FileStoreConfig) (*FileStore, error) {
	setter.SetDefault(&conf.Dir, filepath.Join(os.TempDir(), "herald-audio"))
	setter.SetDefault(&conf.BaseURL, "/v1/audio")

	if err := os.MkdirAll(conf.Dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "while creating audio directory '%s'", conf.Dir)
	}
	return &FileStore{conf: conf}, nil
}

// Put writes to a temporary file first so readers never see a partial object.
func (s *FileStore) Put(_ context.Context, name string, data []byte) error {
	if err := validName(name); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(s.conf.Dir, ".partial-*")
	if err != nil {
		return errors.Wrap(err, "while creating temp file")
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return errors.Wrap(err, "while writing audio")
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, "while closing audio")
	}
	return errors.Wrap(os.Rename(tmp.Name(), filepath.Join(s.conf.Dir, name)), "while renaming audio")
}

func (s *FileStore) Exists(_ context.Context, name string) (bool, error) {
	if err := validName(name); err != nil {
		return false, err
	}
	_, err := os.Stat(filepath.Join(s.conf.Dir, name))
	if os.IsNotExist(err) {
		return false, nil
	}
	return err == nil, err
}

func (s *FileStore) Open(_ context.Context, name string) (io.ReadCloser, error) {
	if err := validName(name); err != nil {
		return nil, err
	}
	f, err := os.Open(filepath.Join(s.conf.Dir, name))
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	return f, err
}

func (s *FileStore) URL(name string) string {
	return joinURL(s.conf.BaseURL, name)
}

// Remove deletes the object. Removing a missing object is not an error.
func (s *FileStore) Remove(name string) error {
	if err := validName(name); err != nil {
		return err
	}
	err := os.Remove(filepath.Join(s.conf.Dir, name))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}
