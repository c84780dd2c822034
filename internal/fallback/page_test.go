package fallback

import (
	"net/http"
	"strings"
	"testing"
)

func TestPageIsSelfContainedHTML(t *testing.T) {
	resp := Page("FormQRApp", "https://formqr.example.com/index.html")

	if resp.Status != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Status)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/html") {
		t.Fatalf("expected html content type, got %s", ct)
	}

	body := string(resp.Body)
	if !strings.Contains(body, "<style>") {
		t.Fatalf("styles must be inlined")
	}
	for _, external := range []string{"<link", "<script src", "@import", "url("} {
		if strings.Contains(body, external) {
			t.Fatalf("page must not reference external resources (%s)", external)
		}
	}
	if !strings.Contains(body, "Offline - FormQRApp") {
		t.Fatalf("title should mention the app name")
	}
}

func TestPageHasRetryControl(t *testing.T) {
	resp := Page("FormQRApp", "https://formqr.example.com/form.html?ref=qr")
	body := string(resp.Body)
	if !strings.Contains(body, `id="`+RetryControlID+`"`) {
		t.Fatalf("retry control missing: %s", body)
	}
	if !strings.Contains(body, `href="https://formqr.example.com/form.html?ref=qr"`) {
		t.Fatalf("retry control should re-issue the failed navigation: %s", body)
	}
	if !strings.Contains(body, "window.location.reload()") {
		t.Fatalf("retry control should reload the page")
	}
}

func TestPageEscapesAppName(t *testing.T) {
	body := string(Page(`<b>x</b>`, "").Body)
	if strings.Contains(body, "<b>x</b>") {
		t.Fatalf("app name must be escaped")
	}
}
