package services

import "testing"

func TestGenerateResetCode(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		code, err := generateResetCode()
		if err != nil {
			t.Fatalf("generateResetCode: %v", err)
		}
		if len(code) != 4 {
			t.Fatalf("code = %q; want 4 digits", code)
		}
		for _, c := range code {
			if c < '0' || c > '9' {
				t.Fatalf("code = %q; want digits only", code)
			}
		}
		seen[code] = true
	}
	// 50 identical draws from a 10000-value space means the source is broken.
	if len(seen) < 2 {
		t.Error("expected varied codes across draws")
	}
}
