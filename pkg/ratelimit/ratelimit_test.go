/*
Copyright 2025 The Gough Authors.

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

package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLimits(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    []Limit
		wantErr bool
	}{
		{
			name: "empty falls back to defaults",
			in:   "",
			want: DefaultLimits,
		},
		{
			name: "minute and hour",
			in:   "100/minute;1000/hour",
			want: []Limit{{Requests: 100, Window: time.Minute}, {Requests: 1000, Window: time.Hour}},
		},
		{
			name: "single window with spaces",
			in:   " 5/second ",
			want: []Limit{{Requests: 5, Window: time.Second}},
		},
		{
			name:    "bad count",
			in:      "lots/minute",
			wantErr: true,
		},
		{
			name:    "bad window",
			in:      "10/fortnight",
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseLimits(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNoopLimiterAllows(t *testing.T) {
	ok, err := NoopLimiter{}.Allow(context.Background(), "203.0.113.1")
	require.NoError(t, err)
	assert.True(t, ok)
}
