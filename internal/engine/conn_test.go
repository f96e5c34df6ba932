package engine

import "testing"

func TestConnSignalNotifiesOnTransitionOnly(t *testing.T) {
	c := NewConnSignal(true)

	var got []bool
	c.Subscribe(func(online bool) { got = append(got, online) })

	c.SetOnline(true) // no transition
	c.SetOnline(false)
	c.SetOnline(false) // no transition
	c.SetOnline(true)

	want := []bool{false, true}
	if len(got) != len(want) {
		t.Fatalf("expected %d notifications, got %d", len(want), len(got))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("notification %d: got %v, want %v", i, got[i], want[i])
		}
	}
	if !c.Online() {
		t.Error("final state should be online")
	}
}
