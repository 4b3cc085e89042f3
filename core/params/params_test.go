package params

import "testing"

func TestScheduleAppliesForksInOrder(t *testing.T) {
	reward := uint64(7)
	later := uint64(3)
	outputs := 50
	sched, err := NewSchedule(Default(), []HardFork{
		{Name: "second", Height: 200, Overrides: Overrides{BlockReward: &later}},
		{Name: "first", Height: 100, Overrides: Overrides{BlockReward: &reward, MaxMultiOutputs: &outputs}},
	})
	if err != nil {
		t.Fatalf("new schedule: %v", err)
	}

	if got := sched.ForHeight(99).BlockReward; got != Default().BlockReward {
		t.Fatalf("unexpected reward before fork: %d", got)
	}
	p := sched.ForHeight(100)
	if p.BlockReward != 7 || p.MaxMultiOutputs != 50 {
		t.Fatalf("first fork not applied: %+v", p)
	}
	p = sched.ForHeight(250)
	if p.BlockReward != 3 || p.MaxMultiOutputs != 50 {
		t.Fatalf("second fork not layered: %+v", p)
	}
	if names := sched.ActiveForks(150); len(names) != 1 || names[0] != "first" {
		t.Fatalf("unexpected active forks: %v", names)
	}
}

func TestScheduleRejectsDuplicateHeights(t *testing.T) {
	_, err := NewSchedule(Default(), []HardFork{{Name: "a", Height: 5}, {Name: "b", Height: 5}})
	if err == nil {
		t.Fatalf("expected duplicate height error")
	}
}

func TestScheduleRejectsInvalidFork(t *testing.T) {
	zero := 0
	_, err := NewSchedule(Default(), []HardFork{{Name: "bad", Height: 1, Overrides: Overrides{MaxMultiOutputs: &zero}}})
	if err == nil {
		t.Fatalf("expected validation error for fork")
	}
}

func TestForHeightCopiesCoinbase(t *testing.T) {
	sched := DefaultSchedule()
	p := sched.ForHeight(0)
	p.CoinbaseAddress[0] = 0xAA
	if sched.ForHeight(0).CoinbaseAddress[0] != 0x11 {
		t.Fatalf("snapshot aliases the schedule coinbase address")
	}
	if Default().BitfieldSize() != 1024 {
		t.Fatalf("unexpected bitfield size %d", Default().BitfieldSize())
	}
}
