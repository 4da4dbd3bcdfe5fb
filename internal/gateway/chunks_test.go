package gateway

import (
	"reflect"
	"testing"
)

func TestChunkRegistryAnnounceAndRemove(t *testing.T) {
	reg := newChunkRegistry()
	reg.Announce("peer-1", []string{"chunk-a", "chunk-b"})

	got := reg.announced["peer-1"]
	want := []string{"chunk-a", "chunk-b"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("announced = %v, want %v", got, want)
	}

	reg.Remove("peer-1")
	if _, ok := reg.announced["peer-1"]; ok {
		t.Error("expected peer-1 entry removed")
	}
}

func TestChunkRegistryAnnounceOverwritesPreviousList(t *testing.T) {
	reg := newChunkRegistry()
	reg.Announce("peer-1", []string{"chunk-a"})
	reg.Announce("peer-1", []string{"chunk-c"})

	want := []string{"chunk-c"}
	if got := reg.announced["peer-1"]; !reflect.DeepEqual(got, want) {
		t.Errorf("announced = %v, want %v", got, want)
	}
}
