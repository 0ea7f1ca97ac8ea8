package domain

import "testing"

func TestOperatorSetAllows(t *testing.T) {
	tests := []struct {
		name   string
		raw    []string
		user   int64
		want   bool
		broken int
	}{
		{name: "listed operator", raw: []string{"1,2"}, user: 2, want: true},
		{name: "unknown user", raw: []string{"1", "2"}, user: 3, want: false},
		{name: "wildcard", raw: []string{"*"}, user: 99, want: true},
		{name: "empty set", raw: nil, user: 1, want: false},
		{name: "invalid ids skipped", raw: []string{"1, abc"}, user: 1, want: true, broken: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			set, invalid := ParseOperatorSet(tt.raw)
			if got := set.Allows(tt.user); got != tt.want {
				t.Fatalf("Allows(%d) = %v, want %v", tt.user, got, tt.want)
			}
			if len(invalid) != tt.broken {
				t.Fatalf("ожидали %d некорректных значений, получили %v", tt.broken, invalid)
			}
		})
	}
}

func TestCheckpointExclusionsUnion(t *testing.T) {
	cp := Checkpoint{
		SummaryMessageIDs: []int{501, 502},
		PollMessageIDs:    []int{503},
		ControlMessageIDs: []int{504, 0},
	}
	got := cp.ProducedIDs()
	want := []int{501, 502, 503, 504}
	if len(got) != len(want) {
		t.Fatalf("ожидали %v, получили %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("ожидали %v, получили %v", want, got)
		}
	}
}

func TestRegenerationRecordAnchor(t *testing.T) {
	forward := 77
	rec := RegenerationRecord{SummaryMessageID: 10, Destination: PollDestinationDiscussion, DiscussionForwardMessageID: &forward}
	if rec.Anchor() != 77 {
		t.Fatalf("ожидали якорь 77, получили %d", rec.Anchor())
	}
	rec.Destination = PollDestinationChannel
	if rec.Anchor() != 10 {
		t.Fatalf("ожидали якорь 10, получили %d", rec.Anchor())
	}
}
