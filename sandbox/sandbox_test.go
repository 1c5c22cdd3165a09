package sandbox

import (
	"encoding/json"
	"testing"
)

func TestSeccompProfileIsValidJSON(t *testing.T) {
	var doc map[string]interface{}
	if err := json.Unmarshal([]byte(seccompProfile), &doc); err != nil {
		t.Fatalf("seccompProfile is not valid JSON: %v", err)
	}
	if doc["defaultAction"] != "SCMP_ACT_ALLOW" {
		t.Errorf("defaultAction = %v, want SCMP_ACT_ALLOW", doc["defaultAction"])
	}
}

func TestSeccompProfileDeniesRequiredSyscalls(t *testing.T) {
	var doc struct {
		Syscalls []struct {
			Names  []string `json:"names"`
			Action string   `json:"action"`
		} `json:"syscalls"`
	}
	if err := json.Unmarshal([]byte(seccompProfile), &doc); err != nil {
		t.Fatalf("decode: %v", err)
	}
	denied := map[string]bool{}
	for _, rule := range doc.Syscalls {
		if rule.Action != "SCMP_ACT_ERRNO" {
			continue
		}
		for _, n := range rule.Names {
			denied[n] = true
		}
	}
	for _, want := range []string{"mount", "ptrace", "kexec_load", "reboot", "bpf", "userfaultfd", "unshare", "pivot_root", "clock_settime"} {
		if !denied[want] {
			t.Errorf("seccompProfile does not deny required syscall %q", want)
		}
	}
}

func TestRunResultZeroValue(t *testing.T) {
	var r RunResult
	if r.ExitCode != 0 || r.TimedOut {
		t.Errorf("zero-value RunResult should read as a non-timed-out success: %+v", r)
	}
}
