package signals

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Keywords are lowercase ISP/org fragments used when the intelligence
// provider does not flag an address itself
type Keywords struct {
	VPN     []string `yaml:"vpn"`
	Hosting []string `yaml:"hosting"`
}

// DefaultKeywords returns the built-in VPN and hosting provider lists
func DefaultKeywords() Keywords {
	return Keywords{
		VPN: []string{
			"vpn", "virtual private", "nordvpn", "expressvpn", "cyberghost",
			"private internet access", "mullvad", "protonvpn", "surfshark",
			"hidemyass", "ipvanish", "windscribe", "tunnelbear", "torguard",
		},
		Hosting: []string{
			"amazon", "aws", "google cloud", "microsoft azure", "digitalocean",
			"linode", "akamai connected cloud", "vultr", "choopa", "ovh",
			"hetzner", "leaseweb", "contabo", "m247", "datacamp", "hostinger",
			"hosting", "data center", "datacenter", "colocation", "dedicated server",
		},
	}
}

// LoadKeywordsFile reads keyword lists from a YAML file. Lists missing from
// the file keep their defaults.
func LoadKeywordsFile(path string) (Keywords, error) {
	kw := DefaultKeywords()
	if path == "" {
		return kw, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return kw, fmt.Errorf("failed to read keywords file: %w", err)
	}

	var fromFile Keywords
	if err := yaml.Unmarshal(data, &fromFile); err != nil {
		return kw, fmt.Errorf("failed to parse keywords file: %w", err)
	}

	if len(fromFile.VPN) > 0 {
		kw.VPN = lowerAll(fromFile.VPN)
	}
	if len(fromFile.Hosting) > 0 {
		kw.Hosting = lowerAll(fromFile.Hosting)
	}
	return kw, nil
}

func (k Keywords) matchVPN(names ...string) bool {
	return containsAny(k.VPN, names...)
}

func (k Keywords) matchHosting(names ...string) bool {
	return containsAny(k.Hosting, names...)
}

func containsAny(keywords []string, names ...string) bool {
	for _, name := range names {
		lower := strings.ToLower(name)
		if lower == "" {
			continue
		}
		for _, kw := range keywords {
			if strings.Contains(lower, kw) {
				return true
			}
		}
	}
	return false
}

func lowerAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.ToLower(strings.TrimSpace(s)); s != "" {
			out = append(out, s)
		}
	}
	return out
}
