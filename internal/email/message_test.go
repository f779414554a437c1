package email

import "testing"

func TestSplitAddress(t *testing.T) {
	t.Parallel()

	tests := []struct {
		input      string
		wantLocal  string
		wantDomain string
	}{
		{"bob@example.com", "bob", "example.com"},
		{"\"a@b\"@example.com", "\"a@b\"", "example.com"},
		{"postmaster", "postmaster", ""},
		{"", "", ""},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.input, func(t *testing.T) {
			t.Parallel()
			local, domain := SplitAddress(tt.input)
			if local != tt.wantLocal {
				t.Errorf("local: got %q, want %q", local, tt.wantLocal)
			}
			if domain != tt.wantDomain {
				t.Errorf("domain: got %q, want %q", domain, tt.wantDomain)
			}
		})
	}
}

func TestNormalizeDomain(t *testing.T) {
	t.Parallel()

	tests := []struct {
		input string
		want  string
	}{
		{"Example.COM", "example.com"},
		{"example.com.", "example.com"},
		{" mail.test ", "mail.test"},
		{"bücher.example", "xn--bcher-kva.example"},
		{"", ""},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.input, func(t *testing.T) {
			t.Parallel()
			if got := NormalizeDomain(tt.input); got != tt.want {
				t.Errorf("NormalizeDomain(%q): got %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestNewMessage_CopiesRecipients(t *testing.T) {
	t.Parallel()

	to := []string{"a@example.com", "b@example.com"}
	msg := NewMessage("s@example.com", to, "hello\n")
	to[0] = "changed@example.com"

	if msg.To[0] != "a@example.com" {
		t.Errorf("recipients aliased the caller slice: got %q", msg.To[0])
	}
	if msg.Size() != 6 {
		t.Errorf("Size(): got %d, want 6", msg.Size())
	}
	if got := string(msg.CRLFContent()); got != "hello\r\n" {
		t.Errorf("CRLFContent(): got %q", got)
	}
	if msg.ReceivedAt.IsZero() {
		t.Error("ReceivedAt should be set")
	}
}
