package tzname

import "testing"

func TestNormalize(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"Europe/Amsterdam", "Europe/Amsterdam"},
		{"europe/berlin", "Europe/Berlin"},
		{"america/new_york", "America/New_York"},
		{"PST", "America/Los_Angeles"},
		{"utc", "UTC"},
		{"Amsterdam", "Europe/Amsterdam"},
		{"San Francisco", "America/Los_Angeles"},
		{"office in New York", "America/New_York"},
		{"America/Port_of_Spain", "America/Port_of_Spain"},
		{"Europe/Isle_of_Man", "Europe/Isle_of_Man"},
	}

	for _, tc := range tests {
		actual, err := Normalize(tc.input)
		if err != nil {
			t.Fatalf("expected timezone for %q, got error: %v", tc.input, err)
		}
		if actual != tc.expected {
			t.Fatalf("expected %s for input %q, got %s", tc.expected, tc.input, actual)
		}
	}
}

func TestNormalize_Unknown(t *testing.T) {
	if _, err := Normalize("Atlantis"); err == nil {
		t.Fatal("expected error for unknown timezone")
	}
	if _, err := Normalize("   "); err == nil {
		t.Fatal("expected error for empty timezone")
	}
}

func TestValidate(t *testing.T) {
	if err := Validate("Asia/Tokyo"); err != nil {
		t.Fatalf("expected Asia/Tokyo to be valid: %v", err)
	}
	if err := Validate("Asia/Nowhere"); err == nil {
		t.Fatal("expected Asia/Nowhere to be invalid")
	}
}

func TestDetectLocal_FromEnv(t *testing.T) {
	t.Setenv("TZ", "Europe/Oslo")
	tz, err := DetectLocal()
	if err != nil {
		t.Fatalf("DetectLocal() failed: %v", err)
	}
	if tz != "Europe/Oslo" {
		t.Fatalf("expected Europe/Oslo, got %s", tz)
	}
}
