package supervisor

import (
	"testing"
	"time"
)

func TestBackoff(t *testing.T) {
	cases := []struct {
		quickDeaths int
		want        time.Duration
	}{
		{0, time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{5, 32 * time.Second},
		{6, 60 * time.Second},
		{10, 60 * time.Second},
		{-1, time.Second},
	}
	for _, tc := range cases {
		if got := Backoff(tc.quickDeaths); got != tc.want {
			t.Errorf("Backoff(%d) = %s, want %s", tc.quickDeaths, got, tc.want)
		}
	}
}

func TestBackoffAfterFiveQuickDeaths(t *testing.T) {
	// five consecutive sub-5s exits: the sixth restart waits at least 32s
	deaths := 0
	for i := 0; i < 5; i++ {
		deaths = NextQuickDeaths(time.Second, deaths)
	}
	if got := Backoff(deaths); got < 32*time.Second {
		t.Fatalf("delay after 5 quick deaths = %s, want >= 32s", got)
	}
}

func TestNextQuickDeaths(t *testing.T) {
	if got := NextQuickDeaths(10*time.Second, 4); got != 0 {
		t.Fatalf("long run should reset counter, got %d", got)
	}
	if got := NextQuickDeaths(time.Second, 4); got != 5 {
		t.Fatalf("quick death should increment, got %d", got)
	}
	if got := NextQuickDeaths(5*time.Second, 3); got != 0 {
		t.Fatalf("exactly 5s counts as a healthy run, got %d", got)
	}
}

func TestReadPID(t *testing.T) {
	dir := t.TempDir()
	s := New([]string{"true"}, dir+"/supervisor.pid", nil)
	if err := s.writePID(); err != nil {
		t.Fatalf("write pid: %v", err)
	}
	pid, err := ReadPID(dir + "/supervisor.pid")
	if err != nil {
		t.Fatalf("read pid: %v", err)
	}
	if pid <= 0 {
		t.Fatalf("pid = %d", pid)
	}
}
