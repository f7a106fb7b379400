package auth

import "testing"

func TestGenerateAPIKey_RoundTrips(t *testing.T) {
	token, prefix, hash, err := GenerateAPIKey()
	if err != nil {
		t.Fatalf("GenerateAPIKey: %v", err)
	}

	if len(prefix) != lookupPrefixHexLen {
		t.Errorf("expected prefix length %d, got %d", lookupPrefixHexLen, len(prefix))
	}

	if !CompareSecretHash(hash, token) {
		t.Error("expected hash to verify against the generated token")
	}
}

func TestLookupPrefix_RejectsMalformedTokens(t *testing.T) {
	cases := []string{"", "nope", "qymkey_", "qymkey_abc"}

	for _, c := range cases {
		if _, err := LookupPrefix(c); err == nil {
			t.Errorf("LookupPrefix(%q): expected error, got nil", c)
		}
	}
}

func TestLookupPrefix_MatchesTokenSubstring(t *testing.T) {
	token, prefix, _, err := GenerateAPIKey()
	if err != nil {
		t.Fatalf("GenerateAPIKey: %v", err)
	}

	got, err := LookupPrefix(token)
	if err != nil {
		t.Fatalf("LookupPrefix: %v", err)
	}

	if got != prefix {
		t.Errorf("expected lookup prefix %q, got %q", prefix, got)
	}
}

func TestCompareSecretHash_RejectsWrongToken(t *testing.T) {
	token, _, hash, err := GenerateAPIKey()
	if err != nil {
		t.Fatalf("GenerateAPIKey: %v", err)
	}

	other, _, _, err := GenerateAPIKey()
	if err != nil {
		t.Fatalf("GenerateAPIKey: %v", err)
	}

	if token == other {
		t.Fatal("expected two distinct generated tokens")
	}

	if CompareSecretHash(hash, other) {
		t.Error("expected hash not to verify against an unrelated token")
	}
}

func TestMaskKey(t *testing.T) {
	token, prefix, _, err := GenerateAPIKey()
	if err != nil {
		t.Fatalf("GenerateAPIKey: %v", err)
	}

	masked := MaskKey(token)
	want := keyPrefix + prefix + "..."

	if masked != want {
		t.Errorf("expected masked key %q, got %q", want, masked)
	}

	if MaskKey("garbage") != "***" {
		t.Error("expected malformed token to mask to ***")
	}
}
