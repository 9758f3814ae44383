package snapshot

import "testing"

func TestSelectBadWhenNeitherReadable(t *testing.T) {
	outcome, err := Select(Candidate{}, Candidate{}, 0, 0)
	if outcome != OutcomeBad || err != ErrBad {
		t.Fatalf("got (%v, %v), want (OutcomeBad, ErrBad)", outcome, err)
	}
}

func TestSelectPicksTheOnlyReadableOne(t *testing.T) {
	outcome, err := Select(Candidate{Readable: true}, Candidate{Readable: false}, 0, 0)
	if outcome != OutcomeEven || err != nil {
		t.Fatalf("got (%v, %v), want OutcomeEven", outcome, err)
	}

	outcome, err = Select(Candidate{Readable: false}, Candidate{Readable: true}, 0, 0)
	if outcome != OutcomeOdd || err != nil {
		t.Fatalf("got (%v, %v), want OutcomeOdd", outcome, err)
	}
}

func TestSelectPrefersGreaterNumsync(t *testing.T) {
	even := Candidate{Readable: true, HasNumsync: true, Numsync: 5}
	odd := Candidate{Readable: true, HasNumsync: true, Numsync: 4}
	outcome, err := Select(even, odd, 0, 0)
	if outcome != OutcomeEven || err != nil {
		t.Fatalf("got (%v, %v), want OutcomeEven", outcome, err)
	}
}

func TestSelectSuspiciousWhenGapExceedsOne(t *testing.T) {
	even := Candidate{Readable: true, HasNumsync: true, Numsync: 10}
	odd := Candidate{Readable: true, HasNumsync: true, Numsync: 4}
	outcome, err := Select(even, odd, 0, 0)
	if outcome != OutcomeSuspicious || err != ErrSuspicious {
		t.Fatalf("got (%v, %v), want (OutcomeSuspicious, ErrSuspicious)", outcome, err)
	}
}

func TestSelectHandlesNumsyncWraparound(t *testing.T) {
	even := Candidate{Readable: true, HasNumsync: true, Numsync: 0}
	odd := Candidate{Readable: true, HasNumsync: true, Numsync: ^uint32(0)}
	outcome, err := Select(even, odd, 0, 0)
	if outcome != OutcomeEven || err != nil {
		t.Fatalf("got (%v, %v), want OutcomeEven (even newer by wraparound)", outcome, err)
	}
}

func TestSelectFallsBackToMTimeWithoutNumsync(t *testing.T) {
	even := Candidate{Readable: true}
	odd := Candidate{Readable: true}
	outcome, err := Select(even, odd, 100, 50)
	if outcome != OutcomeEven || err != nil {
		t.Fatalf("got (%v, %v), want OutcomeEven (newer mtime)", outcome, err)
	}
}

func TestSelectSameWhenTied(t *testing.T) {
	even := Candidate{Readable: true}
	odd := Candidate{Readable: true}
	outcome, err := Select(even, odd, 100, 100)
	if outcome != OutcomeSame || err != nil {
		t.Fatalf("got (%v, %v), want OutcomeSame", outcome, err)
	}
}
