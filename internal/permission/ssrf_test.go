package permission

import (
	"context"
	"testing"
)

func TestValidateURL_RejectsBadScheme(t *testing.T) {
	if err := ValidateURL(context.Background(), "ftp://example.com"); err == nil {
		t.Fatal("expected non-http(s) scheme to be rejected")
	}
}

func TestValidateURL_RejectsLoopbackLiteral(t *testing.T) {
	for _, addr := range []string{
		"http://127.0.0.1/",
		"http://10.0.0.5/",
		"http://192.168.1.1/",
		"http://169.254.169.254/latest/meta-data/",
		"http://[::1]/",
	} {
		if err := ValidateURL(context.Background(), addr); err == nil {
			t.Errorf("expected %s to be blocked by SSRF defense", addr)
		}
	}
}
