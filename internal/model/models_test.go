package model

import (
	"strings"
	"testing"
	"time"
)

func TestNormalizeCPF(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"123.456.789-00", "12345678900"},
		{"12345678900", "12345678900"},
		{" 123 456 789 00 ", "12345678900"},
		{"abc", ""},
	}
	for _, tc := range cases {
		if got := NormalizeCPF(tc.in); got != tc.want {
			t.Errorf("NormalizeCPF(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestValidCPF(t *testing.T) {
	valid := []string{"123.456.789-00", "12345678900"}
	for _, in := range valid {
		if !ValidCPF(in) {
			t.Errorf("ValidCPF(%q) = false, want true", in)
		}
	}
	invalid := []string{"", "123", "123.456.789-0", "1234567890a", "123456789000"}
	for _, in := range invalid {
		if ValidCPF(in) {
			t.Errorf("ValidCPF(%q) = true, want false", in)
		}
	}
}

func TestMaskCPF(t *testing.T) {
	if got := MaskCPF("123.456.789-00"); got != "***.***.789-00" {
		t.Errorf("MaskCPF = %q, want ***.***.789-00", got)
	}
	if got := MaskCPF("12345678900"); got != "***.***.789-00" {
		t.Errorf("MaskCPF plain = %q, want ***.***.789-00", got)
	}
}

func TestScrapeRequestValidate(t *testing.T) {
	cases := []struct {
		name    string
		req     ScrapeRequest
		wantErr bool
	}{
		{"empty is valid", ScrapeRequest{}, false},
		{"max products in range", ScrapeRequest{MaxProducts: 1000}, false},
		{"max products too high", ScrapeRequest{MaxProducts: 1001}, true},
		{"timeout in range", ScrapeRequest{Timeout: 5000}, false},
		{"timeout too low", ScrapeRequest{Timeout: 4999}, true},
		{"timeout too high", ScrapeRequest{Timeout: 300001}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.req.Validate()
			if (err != nil) != tc.wantErr {
				t.Fatalf("Validate() = %v, wantErr %v", err, tc.wantErr)
			}
		})
	}
}

func TestRecommendationRequestValidate(t *testing.T) {
	cases := []struct {
		name    string
		req     RecommendationRequest
		wantErr bool
	}{
		{"dotted cpf", RecommendationRequest{CPF: "123.456.789-00"}, false},
		{"plain cpf", RecommendationRequest{CPF: "12345678900"}, false},
		{"missing cpf", RecommendationRequest{}, true},
		{"short cpf", RecommendationRequest{CPF: "123"}, true},
		{"limit in range", RecommendationRequest{CPF: "12345678900", Limit: 100}, false},
		{"limit too high", RecommendationRequest{CPF: "12345678900", Limit: 101}, true},
		{"timeout too low", RecommendationRequest{CPF: "12345678900", Timeout: 1000}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.req.Validate()
			if (err != nil) != tc.wantErr {
				t.Fatalf("Validate() = %v, wantErr %v", err, tc.wantErr)
			}
		})
	}
}

func TestValidateBoundMessagesMentionZeroDefault(t *testing.T) {
	sr := ScrapeRequest{MaxProducts: 1001}
	if err := sr.Validate(); err == nil || !strings.Contains(err.Error(), "0 for the default") {
		t.Fatalf("maxProducts error should explain the 0 default, got %v", err)
	}

	rr := RecommendationRequest{CPF: "12345678900", Limit: 101}
	if err := rr.Validate(); err == nil || !strings.Contains(err.Error(), "0 for the default") {
		t.Fatalf("limit error should explain the 0 default, got %v", err)
	}
}

func TestFailureResult(t *testing.T) {
	start := time.Now().Add(-50 * time.Millisecond)
	res := Failure(errDummy("boom"), start)
	if res.Success {
		t.Fatal("Failure result marked success")
	}
	if len(res.Products) != 0 || res.TotalProducts != 0 {
		t.Fatalf("failed result carries products: %+v", res)
	}
	if !strings.Contains(res.Error, "boom") {
		t.Fatalf("error not preserved: %q", res.Error)
	}
	if res.Duration < 50 {
		t.Fatalf("duration = %d ms, want >= 50", res.Duration)
	}
}

type errDummy string

func (e errDummy) Error() string { return string(e) }
