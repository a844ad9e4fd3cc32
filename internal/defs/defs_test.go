package defs

import "testing"

func TestErrString(t *testing.T) {
	cases := []struct {
		err  Err_t
		want string
	}{
		{0, "ok"},
		{EBADENV, "bad environment id"},
		{EINVAL, "invalid argument"},
		{ENOMEM, "out of memory"},
		{ENOFREEENV, "no free environment slots"},
		{EIPCNOTRECV, "target not blocked in ipc_recv"},
	}
	for _, c := range cases {
		if got := c.err.Error(); got != c.want {
			t.Errorf("Err_t(%d).Error() = %q, want %q", c.err, got, c.want)
		}
	}
}

func TestEnvidRoundTrip(t *testing.T) {
	id := MkEnvid(7, 42)
	if id.Idx() != 7 {
		t.Fatalf("Idx() = %d, want 7", id.Idx())
	}
	if id.Gen() != 42 {
		t.Fatalf("Gen() = %d, want 42", id.Gen())
	}
}

func TestPageRounding(t *testing.T) {
	if got := PageRounddown(PGSIZE + 1); got != PGSIZE {
		t.Errorf("PageRounddown(PGSIZE+1) = 0x%x, want 0x%x", got, PGSIZE)
	}
	if got := PageRoundup(PGSIZE + 1); got != 2*PGSIZE {
		t.Errorf("PageRoundup(PGSIZE+1) = 0x%x, want 0x%x", got, 2*PGSIZE)
	}
	if got := PageRoundup(PGSIZE); got != PGSIZE {
		t.Errorf("PageRoundup(PGSIZE) = 0x%x, want 0x%x", got, PGSIZE)
	}
	if !PageAligned(0) || !PageAligned(PGSIZE) || PageAligned(PGSIZE+1) {
		t.Errorf("PageAligned disagreement")
	}
}

func TestPermString(t *testing.T) {
	p := PTE_P | PTE_U | PTE_W | PTE_COW | PTE_SHARE
	if got, want := p.String(), "PUWCS"; got != want {
		t.Errorf("Perm_t.String() = %q, want %q", got, want)
	}
}

func TestStatusString(t *testing.T) {
	cases := map[Status_t]string{
		ENV_FREE:         "FREE",
		ENV_RUNNABLE:     "RUNNABLE",
		ENV_NOT_RUNNABLE: "NOT_RUNNABLE",
		ENV_DYING:        "DYING",
	}
	for s, want := range cases {
		if got := s.String(); got != want {
			t.Errorf("Status_t(%d).String() = %q, want %q", s, got, want)
		}
	}
}
