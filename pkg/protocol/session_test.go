package protocol

import "testing"

func TestCanTransition(t *testing.T) {
	t.Parallel()

	legal := []struct{ from, to SessionStatus }{
		{StatusQueued, StatusActive},
		{StatusActive, StatusCompleted},
		{StatusActive, StatusFailed},
		{StatusCompleted, StatusQueued},
		{StatusFailed, StatusQueued},
	}
	for _, tc := range legal {
		if !CanTransition(tc.from, tc.to) {
			t.Errorf("CanTransition(%s, %s) = false, want true", tc.from, tc.to)
		}
	}

	illegal := []struct{ from, to SessionStatus }{
		{StatusQueued, StatusCompleted},
		{StatusQueued, StatusFailed},
		{StatusQueued, StatusQueued},
		{StatusActive, StatusActive},
		{StatusActive, StatusQueued},
		{StatusCompleted, StatusActive},
		{StatusCompleted, StatusCompleted},
		{StatusFailed, StatusActive},
		{StatusFailed, StatusFailed},
		{SessionStatus("bogus"), StatusActive},
	}
	for _, tc := range illegal {
		if CanTransition(tc.from, tc.to) {
			t.Errorf("CanTransition(%s, %s) = true, want false", tc.from, tc.to)
		}
	}
}

func TestContinuable(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name     string
		status   SessionStatus
		upstream string
		want     bool
	}{
		{"completed with upstream", StatusCompleted, "u1", true},
		{"completed without upstream", StatusCompleted, "", false},
		{"failed with upstream", StatusFailed, "u1", false},
		{"active with upstream", StatusActive, "u1", false},
	}
	for _, tc := range cases {
		s := &Session{Status: tc.status, UpstreamSessionID: tc.upstream}
		if got := s.Continuable(); got != tc.want {
			t.Errorf("%s: Continuable() = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestBoardVerbValid(t *testing.T) {
	t.Parallel()

	for _, v := range []BoardVerb{BoardOpenFile, BoardOpenURL, BoardNotify} {
		if !v.Valid() {
			t.Errorf("BoardVerb(%s).Valid() = false", v)
		}
	}
	if BoardVerb("rm_rf").Valid() {
		t.Error("unknown board verb must not validate")
	}
}

func TestRequestOpValid(t *testing.T) {
	t.Parallel()

	ops := []RequestOp{
		OpSessionCreate, OpSessionList, OpSessionKill, OpSessionDelete,
		OpSessionContinue, OpSessionLock, OpWorkerAdd, OpWorkerList,
		OpWorkerRemove,
	}
	for _, op := range ops {
		if !op.Valid() {
			t.Errorf("RequestOp(%s).Valid() = false", op)
		}
	}
	if RequestOp("session_explode").Valid() {
		t.Error("unknown op must not validate")
	}
}
