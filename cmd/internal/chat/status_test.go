package chat

import (
	"errors"
	"testing"
)

func TestTransition_Table(t *testing.T) {
	t.Parallel()

	all := []Status{StatusSending, StatusSent, StatusDelivered, StatusRead, StatusFailed}
	legal := map[[2]Status]bool{
		{StatusSending, StatusSent}:   true,
		{StatusSending, StatusFailed}: true,
		{StatusSent, StatusDelivered}: true,
		{StatusDelivered, StatusRead}: true,
	}

	for _, from := range all {
		for _, to := range all {
			want := legal[[2]Status{from, to}]
			got, err := Transition(from, to)
			if want {
				if err != nil || got != to {
					t.Fatalf("%s -> %s: expected legal, got=%s err=%v", from, to, got, err)
				}
				continue
			}
			if err == nil {
				t.Fatalf("%s -> %s: expected rejection", from, to)
			}
			if !IsValidation(err) || !errors.Is(err, ErrIllegalTransition) {
				t.Fatalf("%s -> %s: unexpected error kind: %v", from, to, err)
			}
			if got != from {
				t.Fatalf("%s -> %s: rejected transition must keep %s, got=%s", from, to, from, got)
			}
		}
	}
}

func TestMerge_NeverRegresses(t *testing.T) {
	t.Parallel()

	cases := []struct {
		local, remote, want Status
	}{
		{StatusSending, StatusSent, StatusSent},
		{StatusSent, StatusDelivered, StatusDelivered},
		{StatusDelivered, StatusSent, StatusDelivered},
		{StatusRead, StatusSent, StatusRead},
		{StatusRead, StatusDelivered, StatusRead},
		{StatusSent, StatusRead, StatusRead},
		{StatusDelivered, StatusDelivered, StatusDelivered},
		// A durable row for a failed send replaces the failure.
		{StatusFailed, StatusSent, StatusSent},
		{StatusRead, StatusUnknown, StatusRead},
	}
	for _, tc := range cases {
		if got := Merge(tc.local, tc.remote); got != tc.want {
			t.Fatalf("Merge(%s, %s): expected %s got=%s", tc.local, tc.remote, tc.want, got)
		}
	}
}

func TestParseStatus(t *testing.T) {
	t.Parallel()

	for _, s := range []Status{StatusSending, StatusSent, StatusDelivered, StatusRead, StatusFailed} {
		got, err := ParseStatus(s.String())
		if err != nil || got != s {
			t.Fatalf("ParseStatus(%q): got=%s err=%v", s.String(), got, err)
		}
	}
	if _, err := ParseStatus("seen"); err == nil {
		t.Fatalf("ParseStatus(seen): expected error")
	}
}
