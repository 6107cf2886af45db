package generator

import (
	"regexp"
	"strings"
	"testing"
)

func TestUsernameShape(t *testing.T) {
	pattern := regexp.MustCompile(`^[a-z]+[0-9]{1,3}$`)
	for i := 0; i < 20; i++ {
		name, err := Username()
		if err != nil {
			t.Fatalf("failed to generate username: %v", err)
		}
		if !pattern.MatchString(name) {
			t.Errorf("unexpected username shape: %q", name)
		}
	}
}

func TestPasswordLength(t *testing.T) {
	for _, length := range []int{1, 12, 32} {
		pw, err := Password(length)
		if err != nil {
			t.Fatalf("failed to generate password: %v", err)
		}
		if len(pw) != length {
			t.Errorf("length %d requested, got %d", length, len(pw))
		}
		for _, ch := range pw {
			if !strings.ContainsRune(passwordChars, ch) {
				t.Errorf("character %q outside the pool", ch)
			}
		}
	}
}

func TestPasswordDefaultLength(t *testing.T) {
	pw, err := Password(0)
	if err != nil {
		t.Fatalf("failed to generate password: %v", err)
	}
	if len(pw) != DefaultPasswordLength {
		t.Errorf("expected default length %d, got %d", DefaultPasswordLength, len(pw))
	}
}

func TestEmailShape(t *testing.T) {
	email, err := Email()
	if err != nil {
		t.Fatalf("failed to generate email: %v", err)
	}
	at := strings.Index(email, "@")
	if at <= 0 {
		t.Fatalf("no local part: %q", email)
	}
	provider := email[at+1:]
	found := false
	for _, p := range emailProviders {
		if provider == p {
			found = true
		}
	}
	if !found {
		t.Errorf("unknown provider: %q", provider)
	}
}
