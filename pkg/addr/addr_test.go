package addr

import "testing"

func TestOriginAuthority(t *testing.T) {
	tests := []struct {
		name string
		o    Origin
		want string
	}{
		{"default https port", Origin{Scheme: "https", Host: "example.org", Port: 443}, "example.org"},
		{"non-default https port", Origin{Scheme: "https", Host: "example.org", Port: 8443}, "example.org:8443"},
		{"default http port", Origin{Scheme: "http", Host: "a.test", Port: 80}, "a.test"},
		{"non-default http port", Origin{Scheme: "http", Host: "a.test", Port: 8080}, "a.test:8080"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.o.Authority(); got != tt.want {
				t.Errorf("Authority() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestURLString(t *testing.T) {
	u := URL{Scheme: "http", Host: "a.test", Port: 80, Target: "/p"}
	if got, want := u.String(), "http://a.test/p"; got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
}

func TestHeadersGet(t *testing.T) {
	h := Headers{
		{Name: []byte("Content-Type"), Value: []byte("text/plain")},
	}
	v, ok := h.Get("content-type")
	if !ok || string(v) != "text/plain" {
		t.Fatalf("Get() = %q, %v", v, ok)
	}
	if h.Has("x-missing") {
		t.Fatal("Has() should be false for missing header")
	}
}
