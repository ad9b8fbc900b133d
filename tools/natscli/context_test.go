package main

import (
	"testing"
)

func TestParseContext(t *testing.T) {
	doc := []byte(`
url = "nats://broker:4222"
servers = ["nats://a:4222", "nats://b:4222"]
creds = "/etc/bus/user.creds"
user = "svc"
password = "hunter2"
`)
	parsed, err := parseContext(doc)
	if err != nil {
		t.Fatalf("parseContext: %v", err)
	}
	if parsed.URL != "nats://broker:4222" {
		t.Fatalf("url %q", parsed.URL)
	}
	if len(parsed.Servers) != 2 || parsed.Servers[1] != "nats://b:4222" {
		t.Fatalf("servers %v", parsed.Servers)
	}
	if parsed.Creds != "/etc/bus/user.creds" || parsed.User != "svc" || parsed.Password != "hunter2" {
		t.Fatalf("fields %+v", parsed)
	}
}

func TestParseContextRejectsMalformedTOML(t *testing.T) {
	if _, err := parseContext([]byte("url = [broken")); err == nil {
		t.Fatal("expected parse error")
	}
}
