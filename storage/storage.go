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

// Package storage persists rendered audio so cache entries can refer to it.
package storage

import (
	"context"
	"io"
	"strings"

	"github.com/pkg/errors"
)

// ErrNotFound is returned by Open for a name that was never stored or has
// been removed.
var ErrNotFound = errors.New("audio object not found")

// AudioStore holds rendered audio by name.
type AudioStore interface {
	// Put stores data under name, replacing any previous object.
	Put(ctx context.Context, name string, data []byte) error

	// Exists reports whether name is still present. Cache entries that point
	// at a missing object are stale.
	Exists(ctx context.Context, name string) (bool, error)

	// Open streams the object back.
	Open(ctx context.Context, name string) (io.ReadCloser, error)

	// URL returns where clients can fetch the object.
	URL(name string) string
}

// validName rejects names that could escape the store's namespace.
func validName(name string) error {
	if name == "" || strings.ContainsAny(name, `/\`) || strings.HasPrefix(name, ".") {
		return errors.Errorf("invalid audio object name '%s'", name)
	}
	return nil
}

func joinURL(base, name string) string {
	return strings.TrimRight(base, "/") + "/" + name
}
