package registry

import "testing"

func TestNormalize(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"GPT-4o-Mini", "gpt-4o-mini"},
		{"openai/gpt-4o-mini", "gpt-4o-mini"},
		{"google/gemini-2.0-flash", "gemini-2.0-flash"},
		{"accounts/fireworks/models/llama-v3p1-70b-instruct", "llama-3.1-70b-instruct"},
		{"meta-llama/llama-3.1-70b-instruct", "llama-3.1-70b-instruct"},
		{"anthropic.claude-3-haiku-20240307-v1:0", "claude-3-haiku-20240307-v1"},
		{"mistralai/mixtral-8x7b-instruct:free", "mixtral-8x7b-instruct"},
		{"publishers/google/models/gemini-1.5-pro", "gemini-1.5-pro"},
		{"llama_3_8b", "llama-3-8b"},
		{"", ""},
		{"  ", ""},
	}
	for _, tc := range cases {
		if got := Normalize(tc.in); got != tc.want {
			t.Errorf("Normalize(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestNormalizeKeepsDistinctModelsDistinct(t *testing.T) {
	a := Normalize("gpt-4o")
	b := Normalize("gpt-4o-mini")
	if a == b {
		t.Fatal("gpt-4o and gpt-4o-mini must stay distinct")
	}
}

func TestNormalizeVariantsCollapse(t *testing.T) {
	// The same logical model reached through different providers must land
	// on one canonical id.
	ids := []string{
		"meta-llama/llama-3.1-70b-instruct",
		"accounts/fireworks/models/llama-v3p1-70b-instruct",
		"llama-3.1-70b-instruct",
	}
	want := Normalize(ids[0])
	for _, id := range ids[1:] {
		if got := Normalize(id); got != want {
			t.Errorf("Normalize(%q) = %q, want %q", id, got, want)
		}
	}
}
