package fanout

import (
	"testing"
)

func TestAuthModeRoundTrip(t *testing.T) {
	tests := []struct {
		input string
		want  AuthMode
		ok    bool
	}{
		{"", AuthNone, true},
		{"none", AuthNone, true},
		{"app", AuthApp, true},
		{"user", AuthUser, true},
		{"admin", AuthNone, false},
	}

	for _, test := range tests {
		got, ok := ParseAuthMode(test.input)
		if got != test.want || ok != test.ok {
			t.Errorf("ParseAuthMode(%q) = %v, %v; want %v, %v", test.input, got, ok, test.want, test.ok)
		}
		if ok && test.input != "" && got.String() != test.input {
			t.Errorf("Expected %v.String()=%q, got %q", got, test.input, got.String())
		}
	}

	if AuthMode(42).String() != "unknown" {
		t.Errorf("Expected unknown, got %s", AuthMode(42).String())
	}
}

func TestEndpointMethodDefault(t *testing.T) {
	ep := &Endpoint{}
	if ep.method() != "GET" {
		t.Errorf("Expected GET, got %s", ep.method())
	}

	ep.Method = "POST"
	if ep.method() != "POST" {
		t.Errorf("Expected POST, got %s", ep.method())
	}
}

func TestResponseDecodeInvalidBody(t *testing.T) {
	resp := &Response{StatusCode: 200, Body: []byte(`{"id":"a1","title":"Skull"}`)}

	var artwork struct {
		ID    string `json:"id"`
		Title string `json:"title"`
	}
	if err := resp.Decode(&artwork); err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if artwork.ID != "a1" || artwork.Title != "Skull" {
		t.Errorf("Unexpected decode result %+v", artwork)
	}

	if err := (&Response{Body: []byte("not json")}).Decode(&artwork); err == nil {
		t.Error("Expected an error for an invalid body")
	}
}

func TestRequestContextAuthenticated(t *testing.T) {
	if (RequestContext{}).Authenticated() {
		t.Error("Expected an empty context to be anonymous")
	}
	if (RequestContext{UserID: "u1"}).Authenticated() {
		t.Error("Expected a user ID without a token to be anonymous")
	}
	if !(RequestContext{UserToken: "t"}).Authenticated() {
		t.Error("Expected a token to authenticate")
	}
}
