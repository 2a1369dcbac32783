/*
 * Copyright 2025 SREDiag Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

//go:build unix

package flock

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTryAcquireExcludesSecondHolder(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "rx.reader.lock")

	first, err := TryAcquire(path)
	require.NoError(t, err)
	assert.Equal(t, path, first.Path())

	_, err = TryAcquire(path)
	assert.True(t, errors.Is(err, ErrWouldBlock))

	require.NoError(t, first.Close())
	require.NoError(t, first.Close())

	second, err := TryAcquire(path)
	require.NoError(t, err)
	require.NoError(t, second.Close())
}

func TestAcquireWithTimeoutWaitsForRelease(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tx.writer.lock")
	held, err := TryAcquire(path)
	require.NoError(t, err)

	time.AfterFunc(20*time.Millisecond, func() { _ = held.Close() })

	got, err := AcquireWithTimeout(path, 2*time.Second)
	require.NoError(t, err)
	require.NoError(t, got.Close())
}

func TestAcquireWithTimeoutExpires(t *testing.T) {
	path := filepath.Join(t.TempDir(), "busy.lock")
	held, err := TryAcquire(path)
	require.NoError(t, err)
	defer held.Close() //nolint:errcheck

	start := time.Now()
	_, err = AcquireWithTimeout(path, 30*time.Millisecond)
	assert.True(t, errors.Is(err, ErrWouldBlock))
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
}
