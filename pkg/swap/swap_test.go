// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package swap

import (
	"context"
	"testing"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteOutThenReadInRoundTrips(t *testing.T) {
	s, err := Open(logr.Discard(), "")
	require.NoError(t, err)
	defer s.Close()

	frame := []byte("page contents")
	id, st := s.WriteOut(context.Background(), frame)
	require.True(t, st.OK())

	got, st := s.ReadIn(context.Background(), id)
	require.True(t, st.OK())
	assert.Equal(t, frame, got)
}

func TestReleaseThenReadInNotFound(t *testing.T) {
	s, err := Open(logr.Discard(), "")
	require.NoError(t, err)
	defer s.Close()

	id, st := s.WriteOut(context.Background(), []byte("x"))
	require.True(t, st.OK())
	require.True(t, s.Release(context.Background(), id).OK())

	_, st = s.ReadIn(context.Background(), id)
	assert.False(t, st.OK())
}

func TestOperationsFailAfterClose(t *testing.T) {
	s, err := Open(logr.Discard(), "")
	require.NoError(t, err)
	require.NoError(t, s.Close())

	_, st := s.WriteOut(context.Background(), []byte("x"))
	assert.False(t, st.OK())
}
