// Package chaincfg loads and validates a chain descriptor from its
// on-disk/on-the-wire JSON form (spec §6). Plain encoding/json is used
// here, not a schema/validation library, matching the hand-validated
// encoding/json struct used for analogous config in the retrieval pack —
// see DESIGN.md for this choice.
package chaincfg

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/lqvpl/proxychain/pkg/descriptor"
	proxyerr "github.com/lqvpl/proxychain/pkg/errors"
	"github.com/lqvpl/proxychain/pkg/proxykind"
)

type proxyJSON struct {
	Address  string `json:"address"`
	Port     int    `json:"port"`
	Type     string `json:"type"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
}

type chainJSON struct {
	ID      string      `json:"id"`
	Name    string      `json:"name"`
	Proxies []proxyJSON `json:"proxies"`
}

// Load reads and validates a chain descriptor from path.
func Load(path string) (descriptor.Chain, error) {
	f, err := os.Open(path)
	if err != nil {
		return descriptor.Chain{}, proxyerr.NewConfigError(fmt.Sprintf("opening chain descriptor: %v", err))
	}
	defer f.Close()
	return Decode(f)
}

// Decode parses and validates a chain descriptor from r.
func Decode(r io.Reader) (descriptor.Chain, error) {
	var raw chainJSON
	if err := json.NewDecoder(r).Decode(&raw); err != nil {
		return descriptor.Chain{}, proxyerr.NewConfigError(fmt.Sprintf("parsing chain descriptor: %v", err))
	}
	return fromJSON(raw)
}

func fromJSON(raw chainJSON) (descriptor.Chain, error) {
	if raw.ID == "" {
		return descriptor.Chain{}, proxyerr.NewConfigError("chain id must not be empty")
	}
	if len(raw.Proxies) == 0 {
		return descriptor.Chain{}, proxyerr.NewConfigError("chain must contain at least one proxy")
	}

	proxies := make([]descriptor.Proxy, 0, len(raw.Proxies))
	for i, p := range raw.Proxies {
		if p.Address == "" {
			return descriptor.Chain{}, proxyerr.NewConfigError(fmt.Sprintf("proxy %d: address must not be empty", i+1))
		}
		if p.Port < 1 || p.Port > 65535 {
			return descriptor.Chain{}, proxyerr.NewConfigError(fmt.Sprintf("proxy %d: port must be in range 1..65535", i+1))
		}
		kind := proxykind.Parse(p.Type)
		if kind == proxykind.Unknown {
			return descriptor.Chain{}, proxyerr.NewConfigError(fmt.Sprintf("proxy %d: unknown type %q", i+1, p.Type))
		}
		proxies = append(proxies, descriptor.Proxy{
			Address:  p.Address,
			Port:     p.Port,
			Kind:     kind,
			Username: p.Username,
			Password: p.Password,
		})
	}

	return descriptor.Chain{ID: raw.ID, Name: raw.Name, Proxies: proxies}, nil
}
