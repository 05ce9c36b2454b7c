package transform

import (
	"testing"
)

func TestDetectFindsDivergentFields(t *testing.T) {
	local := mustDoc(t, `{"resourceType":"Patient","id":"p1","gender":"female","birthDate":"1975-12-02"}`)
	remote := mustDoc(t, `{"resourceType":"Patient","id":"p1","gender":"male","birthDate":"1975-12-02","deceasedBoolean":false}`)

	conflicts := Detect(local, remote, Policy{})
	if len(conflicts) != 1 {
		t.Fatalf("conflicts = %d, want 1", len(conflicts))
	}
	c := conflicts[0]
	if c.FieldPath != "gender" || c.LocalValue != "female" || c.RemoteValue != "male" {
		t.Errorf("unexpected conflict %+v", c)
	}
}

func TestDetectSkipsFieldsOnlyOneSideDefines(t *testing.T) {
	local := mustDoc(t, `{"resourceType":"Patient","id":"p1","gender":"female"}`)
	remote := mustDoc(t, `{"resourceType":"Patient","id":"p1","birthDate":"1975-12-02"}`)

	if conflicts := Detect(local, remote, Policy{}); len(conflicts) != 0 {
		t.Errorf("one-sided fields are not conflicts, got %d", len(conflicts))
	}
}

func TestDetectSkipsSystemAndRemoteAuthoritativeFields(t *testing.T) {
	local := mustDoc(t, `{"resourceType":"Patient","id":"p1","gender":"female",
		"meta":{"lastUpdated":"2024-01-01T00:00:00Z"}}`)
	remote := mustDoc(t, `{"resourceType":"Patient","id":"p1","gender":"male",
		"meta":{"lastUpdated":"2024-06-01T00:00:00Z"}}`)

	conflicts := Detect(local, remote, Policy{RemoteAuthoritative: map[string]bool{"gender": true}})
	if len(conflicts) != 0 {
		t.Errorf("expected no conflicts, got %d", len(conflicts))
	}
}

func TestResolveOverrideBeatsNewestWins(t *testing.T) {
	local := mustDoc(t, `{"resourceType":"Patient","id":"p1","gender":"female","meta":{"lastUpdated":"2024-01-01T00:00:00Z"}}`)
	remote := mustDoc(t, `{"resourceType":"Patient","id":"p1","gender":"male","meta":{"lastUpdated":"2024-06-01T00:00:00Z"}}`)
	c := Detect(local, remote, Policy{})[0]

	policy := Policy{Overrides: map[string]string{"gender": ResolutionLocal}}
	resolution, value, auto := Resolve(c, local, remote, policy)
	if !auto || resolution != ResolutionLocal || value != "female" {
		t.Errorf("got %s %v auto=%v, want LOCAL female", resolution, value, auto)
	}
}

func TestResolveNewestWins(t *testing.T) {
	local := mustDoc(t, `{"resourceType":"Patient","id":"p1","gender":"female","meta":{"lastUpdated":"2024-01-01T00:00:00Z"}}`)
	remote := mustDoc(t, `{"resourceType":"Patient","id":"p1","gender":"male","meta":{"lastUpdated":"2024-06-01T00:00:00Z"}}`)
	c := Detect(local, remote, Policy{})[0]

	resolution, value, auto := Resolve(c, local, remote, Policy{})
	if !auto || resolution != ResolutionRemote || value != "male" {
		t.Errorf("newer remote should win, got %s %v auto=%v", resolution, value, auto)
	}

	// Flip the timestamps; the local side is now newer.
	resolution, value, auto = Resolve(c, remote, local, Policy{})
	if !auto || resolution != ResolutionLocal {
		t.Errorf("newer local should win, got %s %v auto=%v", resolution, value, auto)
	}
}

func TestResolveWithoutTimestampsIsManual(t *testing.T) {
	local := mustDoc(t, `{"resourceType":"Patient","id":"p1","gender":"female"}`)
	remote := mustDoc(t, `{"resourceType":"Patient","id":"p1","gender":"male"}`)
	c := Detect(local, remote, Policy{})[0]

	resolution, _, auto := Resolve(c, local, remote, Policy{})
	if auto || resolution != ResolutionManual {
		t.Errorf("got %s auto=%v, want MANUAL blocked", resolution, auto)
	}
}

func TestMergeUnionsArrays(t *testing.T) {
	merged := mergeValues(
		[]interface{}{"a", "b"},
		[]interface{}{"b", "c"},
	)
	arr, ok := merged.([]interface{})
	if !ok || len(arr) != 3 {
		t.Fatalf("merged = %v", merged)
	}
	if arr[0] != "a" || arr[1] != "b" || arr[2] != "c" {
		t.Errorf("merged = %v", arr)
	}
}
