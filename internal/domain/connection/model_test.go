package connection

import "testing"

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to string
		want     bool
	}{
		{StatusPendingAuth, StatusActive, true},
		{StatusPendingAuth, StatusRevoked, true},
		{StatusActive, StatusTokenExpired, true},
		{StatusActive, StatusRevoked, true},
		{StatusTokenExpired, StatusActive, true},
		{StatusError, StatusActive, true},
		{StatusRevoked, StatusActive, false},
		{StatusRevoked, StatusError, false},
		{StatusRevoked, StatusPendingAuth, false},
		{StatusActive, StatusPendingAuth, false},
	}
	for _, tc := range cases {
		if got := CanTransition(tc.from, tc.to); got != tc.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tc.from, tc.to, got, tc.want)
		}
	}
}

func TestIsSupportedVendor(t *testing.T) {
	for _, v := range SupportedVendors {
		if !IsSupportedVendor(v) {
			t.Errorf("IsSupportedVendor(%s) = false", v)
		}
	}
	for _, v := range []string{"", "EPIC", "vista", "practicefusion"} {
		if IsSupportedVendor(v) {
			t.Errorf("IsSupportedVendor(%s) = true", v)
		}
	}
}
