// Copyright 2023 LiveKit, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package recorder

import (
	"bytes"
	"context"
	"errors"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials/stscreds"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
)

type S3Config struct {
	Region string
	Bucket string
	ACL    string
	Prefix string

	// optional role to assume; instance credentials are used when empty
	RoleARN string
}

var (
	ErrEmptyS3BucketName = errors.New("empty S3 bucket name")
	ErrEmptyS3ACL        = errors.New("empty S3 ACL")
)

type s3Sink struct {
	config S3Config
	client s3iface.S3API
}

func NewS3Sink(config S3Config) (Sink, error) {
	if config.Bucket == "" {
		return nil, ErrEmptyS3BucketName
	} else if config.ACL == "" {
		return nil, ErrEmptyS3ACL
	}

	sess, err := session.NewSession(&aws.Config{
		Region:                        aws.String(config.Region),
		CredentialsChainVerboseErrors: aws.Bool(true),
	})
	if err != nil {
		return nil, err
	}
	cfg := &aws.Config{}
	if config.RoleARN != "" {
		cfg.Credentials = stscreds.NewCredentials(sess, config.RoleARN)
	}
	return NewS3SinkWithClient(config, s3.New(sess, cfg)), nil
}

func NewS3SinkWithClient(config S3Config, client s3iface.S3API) Sink {
	return &s3Sink{config: config, client: client}
}

func (s *s3Sink) Persist(ctx context.Context, blob *Blob) error {
	uploader := s3manager.NewUploaderWithClient(s.client)
	_, err := uploader.UploadWithContext(ctx, &s3manager.UploadInput{
		Bucket:      aws.String(s.config.Bucket),
		ACL:         aws.String(s.config.ACL),
		Key:         aws.String(s.config.Prefix + blob.Name),
		Body:        bytes.NewReader(blob.Data),
		ContentType: aws.String(blob.MimeType),
	})
	return err
}
