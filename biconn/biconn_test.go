// Copyright 2024 The Erigon Authors
// This file is part of Erigon.
//
// Erigon is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// Erigon is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with Erigon. If not, see <http://www.gnu.org/licenses/>.

package biconn

import (
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var _ Stream = (*PipeStream)(nil)

func TestPipePairRoundTrip(t *testing.T) {
	client, server := NewPipePair(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		buf := make([]byte, 5)
		_, err := io.ReadFull(server, buf)
		assert.NoError(t, err)
		assert.Equal(t, "hello", string(buf))
	}()

	_, err := client.Write([]byte("hello"))
	require.NoError(t, err)
	<-done
	require.NoError(t, client.Close())
	require.NoError(t, server.Close())
}
