// Copyright (c) 2024 The Kq Authors. All rights reserved.
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

package logging

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalFileLogger(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kq.log")
	logger, flush, err := CreateLoggerAsLocalFile(path, WarnLevel)
	require.NoError(t, err)

	logger.Infof("queue %d created", 1)
	logger.Warnf("queue %d closed, %d detach failures", 1, 2)
	require.NoError(t, flush())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	out := string(data)
	assert.Contains(t, out, prefix+" ")
	assert.Contains(t, out, "queue 1 closed, 2 detach failures")
	assert.NotContains(t, out, "queue 1 created", "below the configured level")
}

func TestLocalFileLoggerNeedsPath(t *testing.T) {
	_, _, err := CreateLoggerAsLocalFile("", InfoLevel)
	assert.Error(t, err)
}

func TestDefaultLoggerReplacement(t *testing.T) {
	oldLogger, oldFlusher := GetDefaultLogger(), GetDefaultFlusher()
	t.Cleanup(func() { SetDefaultLoggerAndFlusher(oldLogger, oldFlusher) })

	path := filepath.Join(t.TempDir(), "default.log")
	logger, flush, err := CreateLoggerAsLocalFile(path, DebugLevel)
	require.NoError(t, err)
	SetDefaultLoggerAndFlusher(logger, flush)

	Debugf("probe %s", "debug")
	Error(nil)
	Errorf("probe %s", "error")
	Cleanup()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "probe debug")
	assert.Contains(t, string(data), "probe error")
	assert.NotEmpty(t, LogLevel())
}

func TestNop(t *testing.T) {
	assert.NotPanics(t, func() {
		Nop().Errorf("discarded %d", 1)
	})
}
