// Copyright 2023-2025 Buf Technologies, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package refreshable

import (
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSubscribe(t *testing.T) {
	t.Parallel()

	ref := New(1)
	var seen []int
	unsubscribe := ref.Subscribe(func(v int) { seen = append(seen, v) })
	assert.Equal(t, 1, ref.Current())
	assert.Empty(t, seen)

	ref.Update(2)
	ref.Update(3)
	assert.Equal(t, []int{2, 3}, seen)
	assert.Equal(t, 3, ref.Current())

	unsubscribe()
	unsubscribe()
	ref.Update(4)
	assert.Equal(t, []int{2, 3}, seen)
	assert.Equal(t, 4, ref.Current())
}

func TestMap(t *testing.T) {
	t.Parallel()

	ref := New(7)
	mapped := Map(ref, strconv.Itoa)
	assert.Equal(t, "7", mapped.Current())

	var seen []string
	mapped.Subscribe(func(v string) { seen = append(seen, v) })
	ref.Update(8)
	assert.Equal(t, "8", mapped.Current())
	assert.Equal(t, []string{"8"}, seen)

	mapped.Close()
	ref.Update(9)
	assert.Equal(t, "8", mapped.Current())
	assert.Equal(t, []string{"8"}, seen)
}

func TestObserve(t *testing.T) {
	t.Parallel()

	ref := New("a")
	var seen []string
	unsubscribe := ref.Observe(func(v string) { seen = append(seen, v) })
	ref.Update("b")
	assert.Equal(t, []string{"a", "b"}, seen)

	unsubscribe()
	ref.Update("c")
	assert.Equal(t, []string{"a", "b"}, seen)
}

func TestOnSubscribersChanged(t *testing.T) {
	t.Parallel()

	ref := New(1)
	first := ref.Subscribe(func(int) {})
	var counts []int
	ref.OnSubscribersChanged(func(count int) { counts = append(counts, count) })
	assert.Equal(t, []int{1}, counts)

	mapped := Map(ref, strconv.Itoa)
	assert.Equal(t, []int{1, 2}, counts)
	first()
	first()
	assert.Equal(t, []int{1, 2, 1}, counts)
	mapped.Close()
	assert.Equal(t, []int{1, 2, 1, 0}, counts)
}
