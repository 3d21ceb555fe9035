package main

import "testing"

func TestValidSQLIdent(t *testing.T) {
	for _, ok := range []string{"lookup", "team_names", "_private", "Lookup2"} {
		if !validSQLIdent(ok) {
			t.Fatalf("%q rejected", ok)
		}
	}
	for _, bad := range []string{"", "9start", "has space", "semi;colon", `quo"te`, "dash-ed"} {
		if validSQLIdent(bad) {
			t.Fatalf("%q accepted", bad)
		}
	}
}
