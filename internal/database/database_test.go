package database

import "testing"

func TestRedact(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"postgres://flash:s3cret@db:5432/reports?sslmode=require", "postgres://flash:***@db:5432/reports?sslmode=require"},
		{"postgresql://flash@db/reports", "postgresql://flash@db/reports"},
		{"host=db user=flash dbname=reports password=s3cret sslmode=disable", "host=db user=flash dbname=reports password=*** sslmode=disable"},
		{"host=db user=flash", "host=db user=flash"},
	}
	for _, tt := range tests {
		if got := Redact(tt.in); got != tt.want {
			t.Errorf("Redact(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestValidID(t *testing.T) {
	if !validID("7f1c6b8e-2f4b-4a39-9d8e-2b7a4f0c1d23") {
		t.Error("expected uuid to be valid")
	}
	for _, id := range []string{"", "42", "E1", "7f1c6b8e"} {
		if validID(id) {
			t.Errorf("expected %q to be rejected", id)
		}
	}
}

func TestLimitArg(t *testing.T) {
	if arg := limitArg(0); arg.Valid {
		t.Error("zero limit should map to NULL")
	}
	if arg := limitArg(15); !arg.Valid || arg.Int64 != 15 {
		t.Errorf("unexpected limit arg %+v", arg)
	}
}
