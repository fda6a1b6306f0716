package config

import "testing"

func TestValidateRoster(t *testing.T) {
	if err := ValidateRoster(sampleRoster()); err != nil {
		t.Fatalf("ValidateRoster: unexpected error: %v", err)
	}
}

func TestValidateRosterWrongSize(t *testing.T) {
	r := sampleRoster()
	delete(r, "5")
	if err := ValidateRoster(r); err == nil {
		t.Fatal("ValidateRoster: expected error for short roster")
	}
}

func TestValidateRosterBadID(t *testing.T) {
	r := sampleRoster()
	delete(r, "5")
	r["x"] = PeerAddr{IP: "127.0.0.1", Port: 9009}
	if err := ValidateRoster(r); err == nil {
		t.Fatal("ValidateRoster: expected error for non-numeric id")
	}
}

func TestValidateRosterBadPort(t *testing.T) {
	r := sampleRoster()
	r["1"] = PeerAddr{IP: "127.0.0.1", Port: 0}
	if err := ValidateRoster(r); err == nil {
		t.Fatal("ValidateRoster: expected error for invalid port")
	}
}

func TestValidSelf(t *testing.T) {
	r := sampleRoster()
	if err := ValidSelf(r, "2"); err != nil {
		t.Fatalf("ValidSelf: unexpected error: %v", err)
	}
	if err := ValidSelf(r, "9"); err == nil {
		t.Fatal("ValidSelf: expected error for unknown id")
	}
}
