package main

import "testing"

func TestDAPDeadlineFlagDefaults(t *testing.T) {
	f := newRootCmd().PersistentFlags()

	if got := f.Lookup("dap-timeout-seconds").DefValue; got != "30" {
		t.Errorf("dap-timeout-seconds default = %s, want 30", got)
	}
	if got := f.Lookup("dap-launch-timeout-seconds").DefValue; got != "60" {
		t.Errorf("dap-launch-timeout-seconds default = %s, want 60", got)
	}
}
