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
	"bytes"
	"context"
	"io"
	"net/http"

	"github.com/mailgun/holster/v4/setter"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/pkg/errors"
)

type S3StoreConfig struct {
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	Bucket          string
	UseSSL          bool

	// URL prefix objects are served under. Defaults to the bucket's
	// path-style URL on the endpoint.
	BaseURL string
}

var _ AudioStore = &S3Store{}

// S3Store keeps audio in an S3 compatible bucket.
type S3Store struct {
	client *minio.Client
	conf   S3StoreConfig
}

func NewS3Store(ctx context.Context, conf S3StoreConfig) (*S3Store, error) {
	setter.SetDefault(&conf.Endpoint, "localhost:9000")
	setter.SetDefault(&conf.Bucket, "herald-audio")

	client, err := minio.New(conf.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(conf.AccessKeyID, conf.SecretAccessKey, ""),
		Secure: conf.UseSSL,
	})
	if err != nil {
		return nil, errors.Wrap(err, "while creating S3 client")
	}

	scheme := "http://"
	if conf.UseSSL {
		scheme = "https://"
	}
	setter.SetDefault(&conf.BaseURL, scheme+conf.Endpoint+"/"+conf.Bucket)

	exists, err := client.BucketExists(ctx, conf.Bucket)
	if err != nil {
		return nil, errors.Wrapf(err, "while checking bucket '%s'", conf.Bucket)
	}
	if !exists {
		if err := client.MakeBucket(ctx, conf.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, errors.Wrapf(err, "while creating bucket '%s'", conf.Bucket)
		}
	}
	return &S3Store{client: client, conf: conf}, nil
}

func (s *S3Store) Put(ctx context.Context, name string, data []byte) error {
	if err := validName(name); err != nil {
		return err
	}
	_, err := s.client.PutObject(ctx, s.conf.Bucket, name, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: "audio/mpeg"})
	return errors.Wrapf(err, "while uploading '%s'", name)
}

func (s *S3Store) Exists(ctx context.Context, name string) (bool, error) {
	if err := validName(name); err != nil {
		return false, err
	}
	_, err := s.client.StatObject(ctx, s.conf.Bucket, name, minio.StatObjectOptions{})
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, errors.Wrapf(err, "while checking '%s'", name)
	}
	return true, nil
}

func (s *S3Store) Open(ctx context.Context, name string) (io.ReadCloser, error) {
	if err := validName(name); err != nil {
		return nil, err
	}
	if ok, err := s.Exists(ctx, name); err != nil {
		return nil, err
	} else if !ok {
		return nil, ErrNotFound
	}
	obj, err := s.client.GetObject(ctx, s.conf.Bucket, name, minio.GetObjectOptions{})
	if err != nil {
		return nil, errors.Wrapf(err, "while downloading '%s'", name)
	}
	return obj, nil
}

func (s *S3Store) URL(name string) string {
	return joinURL(s.conf.BaseURL, name)
}

func isNotFound(err error) bool {
	resp := minio.ToErrorResponse(err)
	return resp.StatusCode == http.StatusNotFound || resp.Code == "NoSuchKey"
}
