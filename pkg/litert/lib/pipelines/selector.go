// Copyright 2025 Antfly, Inc.
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

package pipelines

// SelectPrefill returns the variant with the smallest bucket that holds n
// tokens. Among equal buckets the first variant in the slice wins.
func SelectPrefill(variants []*GraphVariant, n int) (*GraphVariant, error) {
	var best *GraphVariant
	largest, smallest := -1, -1
	for _, v := range variants {
		if v.BucketSize > largest {
			largest = v.BucketSize
		}
		if smallest < 0 || v.BucketSize < smallest {
			smallest = v.BucketSize
		}
		if n <= v.BucketSize && (best == nil || v.BucketSize < best.BucketSize) {
			best = v
		}
	}
	if best == nil {
		return nil, &NoSuitableGraphError{Largest: largest, Smallest: smallest, Requested: n}
	}
	return best, nil
}
