package chaincfg

import (
	"strings"
	"testing"

	"github.com/lqvpl/proxychain/pkg/proxykind"
)

func TestDecodeValid(t *testing.T) {
	const doc = `{
		"id": "c1",
		"name": "example chain",
		"proxies": [
			{"address": "10.0.0.1", "port": 1080, "type": "SOCKS5", "username": "u", "password": "p"},
			{"address": "10.0.0.2", "port": 3128, "type": "https"}
		]
	}`
	chain, err := Decode(strings.NewReader(doc))
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if chain.ID != "c1" || len(chain.Proxies) != 2 {
		t.Fatalf("unexpected chain: %+v", chain)
	}
	if chain.Proxies[0].Kind != proxykind.SOCKS5 {
		t.Errorf("type matching should be case-insensitive, got %v", chain.Proxies[0].Kind)
	}
	if chain.Proxies[1].Kind != proxykind.HTTP {
		t.Errorf("https must alias to HTTP, got %v", chain.Proxies[1].Kind)
	}
}

func TestDecodeRejectsEmptyProxies(t *testing.T) {
	const doc = `{"id": "c1", "proxies": []}`
	if _, err := Decode(strings.NewReader(doc)); err == nil {
		t.Fatal("expected an error for a chain with no proxies")
	}
}

func TestDecodeRejectsUnknownType(t *testing.T) {
	const doc = `{"id": "c1", "proxies": [{"address": "a", "port": 1, "type": "ftp"}]}`
	if _, err := Decode(strings.NewReader(doc)); err == nil {
		t.Fatal("expected an error for an unrecognized proxy type")
	}
}

func TestDecodeRejectsBadPort(t *testing.T) {
	const doc = `{"id": "c1", "proxies": [{"address": "a", "port": 70000, "type": "socks4"}]}`
	if _, err := Decode(strings.NewReader(doc)); err == nil {
		t.Fatal("expected an error for an out-of-range port")
	}
}
