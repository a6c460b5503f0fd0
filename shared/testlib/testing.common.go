package testlib

import (
	"reflect"
	"testing"
)

func AssertError(t testing.TB, e error) {
	if e != nil {
		t.Fatal("assertError:", e)
	}
}

func AssertTrue(t testing.TB, b bool, msg string) {
	if !b {
		t.Fatal("assertTrue:", msg)
	}
}

func AssertDeepEqual(t testing.TB, expected, actual any) {
	if !reflect.DeepEqual(expected, actual) {
		t.Fatalf("assertDeepEqual: expected %v, actual %v", expected, actual)
	}
}
