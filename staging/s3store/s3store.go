// Copyright 2025 The Vaultsync Authors
// This file is part of Vaultsync.
//
// Vaultsync is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// Vaultsync is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with Vaultsync. If not, see <http://www.gnu.org/licenses/>.

// Package s3store implements staging.ObjectStore on S3. Writes go
// through the upload manager so large archives stream as bounded-memory
// multipart uploads; a multipart object is not visible until completed,
// which is what the manifest-last protocol relies on.
package s3store

import (
	"context"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/c2h5oh/datasize"
	"github.com/pkg/errors"
)

const contentType = "text/csv; charset=utf-8"

// DefaultPartSize for multipart uploads. Vendor archives run to tens of
// gigabytes; 16MB parts keep memory flat without drowning in part count.
const DefaultPartSize = 16 * datasize.MB

type S3Store struct {
	client   *s3.Client
	uploader *manager.Uploader
	bucket   string
	root     string
}

// New builds a store rooted at s3://<bucket>/<root>. partSize of zero
// falls back to DefaultPartSize.
func New(client *s3.Client, bucket, root string, partSize datasize.ByteSize) *S3Store {
	if partSize == 0 {
		partSize = DefaultPartSize
	}
	uploader := manager.NewUploader(client, func(u *manager.Uploader) {
		u.PartSize = int64(partSize.Bytes())
	})
	root = strings.Trim(root, "/")
	if root != "" {
		root += "/"
	}
	return &S3Store{client: client, uploader: uploader, bucket: bucket, root: root}
}

// ParseRoot splits an OBJECT_STORE_ROOT value of the form
// "s3://bucket/optional/root" into bucket and root prefix.
func ParseRoot(raw string) (bucket, root string, err error) {
	trimmed := strings.TrimPrefix(raw, "s3://")
	if trimmed == raw || trimmed == "" {
		return "", "", errors.Errorf("object store root %q: want s3://bucket[/prefix]", raw)
	}
	bucket, root, _ = strings.Cut(trimmed, "/")
	return bucket, root, nil
}

func (s *S3Store) Put(ctx context.Context, key string, r io.Reader) error {
	_, err := s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(s.root + key),
		Body:        r,
		ContentType: aws.String(contentType),
	})
	return errors.Wrapf(err, "upload %s", key)
}

func (s *S3Store) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.root + key),
	})
	if err != nil {
		return nil, errors.Wrapf(err, "get %s", key)
	}
	return out.Body, nil
}

func (s *S3Store) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	p := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(s.root + prefix),
	})
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, errors.Wrapf(err, "list %s", prefix)
		}
		for _, obj := range page.Contents {
			keys = append(keys, strings.TrimPrefix(aws.ToString(obj.Key), s.root))
		}
	}
	return keys, nil
}

// URI returns the fully-qualified s3:// location of a staged key. The
// warehouse COPY statements take these directly.
func (s *S3Store) URI(key string) string {
	return "s3://" + s.bucket + "/" + s.root + key
}
