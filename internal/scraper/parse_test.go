package scraper

import "testing"

func TestParsePrice(t *testing.T) {
	tests := []struct {
		in   string
		want float64
		ok   bool
	}{
		{"$19.99", 19.99, true},
		{"€1,299.00", 1299.00, true},
		{"Price: 42", 42, true},
		{"1,234", 1234, true},
		{"no digits here", 0, false},
		{"", 0, false},
	}
	for _, tt := range tests {
		got := parsePrice(tt.in)
		if tt.ok {
			if got == nil {
				t.Errorf("parsePrice(%q) = nil, want %v", tt.in, tt.want)
				continue
			}
			if *got != tt.want {
				t.Errorf("parsePrice(%q) = %v, want %v", tt.in, *got, tt.want)
			}
		} else if got != nil {
			t.Errorf("parsePrice(%q) = %v, want nil", tt.in, *got)
		}
	}
}

func TestParseCurrency(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"$19.99", "USD"},
		{"€10", "EUR"},
		{"£5.50", "GBP"},
		{"¥1200", ""},
		{"19.99", ""},
	}
	for _, tt := range tests {
		if got := parseCurrency(tt.in); got != tt.want {
			t.Errorf("parseCurrency(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestParseStock(t *testing.T) {
	boolPtr := func(v bool) *bool { return &v }
	tests := []struct {
		in   string
		want *bool
	}{
		{"In Stock", boolPtr(true)},
		{"Available now", boolPtr(true)},
		{"Out of stock", boolPtr(false)},
		{"Currently unavailable", boolPtr(false)},
		{"ships tomorrow", nil},
	}
	for _, tt := range tests {
		got := parseStock(tt.in)
		switch {
		case tt.want == nil && got != nil:
			t.Errorf("parseStock(%q) = %v, want nil", tt.in, *got)
		case tt.want != nil && got == nil:
			t.Errorf("parseStock(%q) = nil, want %v", tt.in, *tt.want)
		case tt.want != nil && got != nil && *got != *tt.want:
			t.Errorf("parseStock(%q) = %v, want %v", tt.in, *got, *tt.want)
		}
	}
}

func TestParseRating(t *testing.T) {
	got := parseRating("4.5 stars")
	if got == nil || *got != 4.5 {
		t.Fatalf("parseRating = %v, want 4.5", got)
	}
	if parseRating("no rating") != nil {
		t.Fatal("expected nil for text without digits")
	}
}

func TestParseReviewCount(t *testing.T) {
	got := parseReviewCount("(123 reviews)")
	if got == nil || *got != 123 {
		t.Fatalf("parseReviewCount = %v, want 123", got)
	}
	if parseReviewCount("reviews") != nil {
		t.Fatal("expected nil for text without digits")
	}
}
