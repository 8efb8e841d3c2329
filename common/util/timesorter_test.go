// Copyright (c) 2017-2020 The amber developers
package util

import (
	"reflect"
	"sort"
	"testing"
)

// TestTimeSorter ensures timestamps sort ascending.
func TestTimeSorter(t *testing.T) {
	tests := []struct {
		in   []int64
		want []int64
	}{
		{
			in:   []int64{1351228575, 1351228575 - 10, 1351228575 + 5},
			want: []int64{1351228575 - 10, 1351228575, 1351228575 + 5},
		},
		{
			in:   []int64{5, 3, 3, 1},
			want: []int64{1, 3, 3, 5},
		},
		{
			in:   []int64{},
			want: []int64{},
		},
	}

	for i, test := range tests {
		result := make([]int64, len(test.in))
		copy(result, test.in)
		sort.Sort(TimeSorter(result))
		if !reflect.DeepEqual(result, test.want) {
			t.Errorf("TimeSorter #%d: got %v, want %v", i, result,
				test.want)
		}
	}
}
