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
	"context"
	"os"
	"path/filepath"
)

// Sink persists a finished recording under blob.Name.
type Sink interface {
	Persist(ctx context.Context, blob *Blob) error
}

type SinkFunc func(ctx context.Context, blob *Blob) error

func (f SinkFunc) Persist(ctx context.Context, blob *Blob) error {
	return f(ctx, blob)
}

type fileSink struct {
	dir string
}

// NewFileSink writes recordings into dir, creating it if needed.
func NewFileSink(dir string) (Sink, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &fileSink{dir: dir}, nil
}

func (s *fileSink) Persist(ctx context.Context, blob *Blob) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(s.dir, filepath.Base(blob.Name)), blob.Data, 0o600)
}
