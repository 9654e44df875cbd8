package lti

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
)

// newFormRequest はform-encodedのPOSTリクエストを生成する。
func newFormRequest(target string, form url.Values) *http.Request {
	req := httptest.NewRequest(http.MethodPost, target, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return req
}

func minimalLaunchForm() url.Values {
	return url.Values{
		"lti_message_type":   {"basic-lti-launch-request"},
		"lti_version":        {"LTI-1p0"},
		"oauth_consumer_key": {"key-1"},
		"user_id":            {"student-1"},
		"resource_link_id":   {"link-1"},
	}
}

func TestParseLaunch_Valid(t *testing.T) {
	form := minimalLaunchForm()
	form.Set("oauth_signature", "should-be-dropped")
	form.Set("roles", "Learner")

	params, err := ParseLaunch(newFormRequest("http://tool.example.com/lti/launch", form))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if params["user_id"] != "student-1" {
		t.Errorf("user_id = %q, want %q", params["user_id"], "student-1")
	}
	if params["roles"] != "Learner" {
		t.Errorf("roles = %q, want %q", params["roles"], "Learner")
	}
	if _, ok := params["oauth_signature"]; ok {
		t.Error("oauth_signature should be removed from launch params")
	}
}

func TestParseLaunch_MissingRequiredParam(t *testing.T) {
	for _, missing := range []string{
		"lti_message_type", "lti_version", "oauth_consumer_key", "user_id", "resource_link_id",
	} {
		t.Run(missing, func(t *testing.T) {
			form := minimalLaunchForm()
			form.Del(missing)

			if _, err := ParseLaunch(newFormRequest("http://tool.example.com/lti/launch", form)); err == nil {
				t.Errorf("expected error when %s is missing", missing)
			}
		})
	}
}

func TestParseLaunch_WrongMessageType(t *testing.T) {
	form := minimalLaunchForm()
	form.Set("lti_message_type", "ContentItemSelectionRequest")

	if _, err := ParseLaunch(newFormRequest("http://tool.example.com/lti/launch", form)); err == nil {
		t.Error("expected error for non-basic launch message type")
	}
}

func TestLaunchURL(t *testing.T) {
	t.Run("平文リクエストはhttp", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "http://tool.example.com/lti/launch?question=q1", nil)
		if got := LaunchURL(req); got != "http://tool.example.com/lti/launch" {
			t.Errorf("LaunchURL = %q", got)
		}
	})

	t.Run("TLSリクエストはhttps", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "https://tool.example.com/lti/launch", nil)
		if got := LaunchURL(req); got != "https://tool.example.com/lti/launch" {
			t.Errorf("LaunchURL = %q", got)
		}
	})

	t.Run("X-Forwarded-Protoがhttpsならhttps", func(t *testing.T) {
		// プロトコル終端プロキシの背後: リクエスト自体はhttpで届く
		req := httptest.NewRequest(http.MethodPost, "http://tool.example.com/lti/launch", nil)
		req.Header.Set("X-Forwarded-Proto", "https")
		if got := LaunchURL(req); got != "https://tool.example.com/lti/launch" {
			t.Errorf("LaunchURL = %q", got)
		}
	})
}

func TestCollectSignedParams(t *testing.T) {
	form := url.Values{"body_param": {"b"}, "oauth_signature": {"sig"}}
	req := newFormRequest("http://tool.example.com/lti/launch?query_param=q", form)
	req.Header.Set("Authorization", `OAuth oauth_nonce="n1", oauth_signature="header-sig"`)
	if err := req.ParseForm(); err != nil {
		t.Fatalf("ParseForm: %v", err)
	}

	params := CollectSignedParams(req)

	if params.Get("body_param") != "b" {
		t.Errorf("body_param = %q, want %q", params.Get("body_param"), "b")
	}
	if params.Get("query_param") != "q" {
		t.Errorf("query_param = %q, want %q", params.Get("query_param"), "q")
	}
	if params.Get("oauth_nonce") != "n1" {
		t.Errorf("oauth_nonce = %q, want %q", params.Get("oauth_nonce"), "n1")
	}
	if _, ok := params["oauth_signature"]; ok {
		t.Error("oauth_signature should be excluded from signed params")
	}
}

func TestOAuthParam_HeaderTakesPrecedence(t *testing.T) {
	form := url.Values{"oauth_nonce": {"form-nonce"}}
	req := newFormRequest("http://tool.example.com/lti/launch", form)
	req.Header.Set("Authorization", `OAuth oauth_nonce="header-nonce"`)
	if err := req.ParseForm(); err != nil {
		t.Fatalf("ParseForm: %v", err)
	}

	if got := OAuthParam(req, "oauth_nonce"); got != "header-nonce" {
		t.Errorf("OAuthParam = %q, want %q", got, "header-nonce")
	}
}

func TestOAuthParam_FallsBackToForm(t *testing.T) {
	form := url.Values{"oauth_nonce": {"form-nonce"}}
	req := newFormRequest("http://tool.example.com/lti/launch", form)
	if err := req.ParseForm(); err != nil {
		t.Fatalf("ParseForm: %v", err)
	}

	if got := OAuthParam(req, "oauth_nonce"); got != "form-nonce" {
		t.Errorf("OAuthParam = %q, want %q", got, "form-nonce")
	}
}
