// SPDX-License-Identifier: MPL-2.0

package container

import (
	"reflect"
	"testing"
)

func TestSortedKeysDeterministic(t *testing.T) {
	t.Parallel()

	m := map[string]string{"PATH": "/bin", "ALPHA": "1", "ZED": "26", "HOME": "/root"}
	want := []string{"ALPHA", "HOME", "PATH", "ZED"}

	// Map iteration order is random; flag order must not be.
	for i := 0; i < 10; i++ {
		if got := sortedKeys(m); !reflect.DeepEqual(got, want) {
			t.Fatalf("sortedKeys() = %v, want %v", got, want)
		}
	}
}

func TestSortedKeysEmpty(t *testing.T) {
	t.Parallel()

	if got := sortedKeys(nil); len(got) != 0 {
		t.Errorf("sortedKeys(nil) = %v, want empty", got)
	}
}
