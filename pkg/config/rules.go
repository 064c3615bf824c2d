package config

import (
	"encoding/json"
	"fmt"
	"os"

	fperrors "github.com/lieyan666/FireProxy/pkg/errors"
)

// Rule statuses and protocols
const (
	StatusActive   = "active"
	StatusInactive = "inactive"

	ProtocolTCP = "tcp"
	ProtocolUDP = "udp"
)

// Rule is one declarative forwarding entry from the rules file. A rule
// carries either a single localPort/targetPort pair or two equal-length
// inclusive port ranges. Rules are immutable after load.
type Rule struct {
	ID              int    `json:"id"`
	Name            string `json:"name,omitempty"`
	Status          string `json:"status"`
	Type            string `json:"type"`
	LocalHost       string `json:"localHost"`
	TargetHost      string `json:"targetHost"`
	LocalPort       int    `json:"localPort,omitempty"`
	TargetPort      int    `json:"targetPort,omitempty"`
	LocalPortRange  []int  `json:"localPortRange,omitempty"`
	TargetPortRange []int  `json:"targetPortRange,omitempty"`
}

// PortPair is one expanded (localPort, targetPort) mapping.
type PortPair struct {
	Local  int
	Target int
}

// Active reports whether the rule should be bound at startup.
func (r *Rule) Active() bool {
	return r.Status == StatusActive
}

// IsRange reports whether the rule uses the range form.
func (r *Rule) IsRange() bool {
	return len(r.LocalPortRange) > 0 || len(r.TargetPortRange) > 0
}

// Validate checks one rule. Failures wrap ErrInvalidRule so the binder
// can skip the rule without aborting startup.
func (r *Rule) Validate() error {
	if r.Type != ProtocolTCP && r.Type != ProtocolUDP {
		return fmt.Errorf("%w: rule %d has unknown type %q", fperrors.ErrInvalidRule, r.ID, r.Type)
	}
	if r.Status != StatusActive && r.Status != StatusInactive {
		return fmt.Errorf("%w: rule %d has unknown status %q", fperrors.ErrInvalidRule, r.ID, r.Status)
	}
	if r.TargetHost == "" {
		return fmt.Errorf("%w: rule %d has no target host", fperrors.ErrInvalidRule, r.ID)
	}

	if r.IsRange() {
		if len(r.LocalPortRange) != 2 || len(r.TargetPortRange) != 2 {
			return fmt.Errorf("%w: rule %d port ranges must have exactly two elements", fperrors.ErrInvalidRule, r.ID)
		}
		ls, le := r.LocalPortRange[0], r.LocalPortRange[1]
		ts, te := r.TargetPortRange[0], r.TargetPortRange[1]
		if ls > le || ts > te {
			return fmt.Errorf("%w: rule %d range start exceeds end", fperrors.ErrInvalidRule, r.ID)
		}
		if le-ls != te-ts {
			return fmt.Errorf("%w: rule %d local and target ranges differ in length", fperrors.ErrInvalidRule, r.ID)
		}
		if !validPort(ls) || !validPort(le) || !validPort(ts) || !validPort(te) {
			return fmt.Errorf("%w: rule %d port out of range", fperrors.ErrInvalidRule, r.ID)
		}
		return nil
	}

	if !validPort(r.LocalPort) || !validPort(r.TargetPort) {
		return fmt.Errorf("%w: rule %d port out of range", fperrors.ErrInvalidRule, r.ID)
	}
	return nil
}

// Pairs expands the rule into its (localPort, targetPort) mappings by
// parallel offset. A single-port rule yields one pair. Validate must
// have passed first.
func (r *Rule) Pairs() []PortPair {
	if !r.IsRange() {
		return []PortPair{{Local: r.LocalPort, Target: r.TargetPort}}
	}
	n := r.LocalPortRange[1] - r.LocalPortRange[0] + 1
	pairs := make([]PortPair, 0, n)
	for i := 0; i < n; i++ {
		pairs = append(pairs, PortPair{
			Local:  r.LocalPortRange[0] + i,
			Target: r.TargetPortRange[0] + i,
		})
	}
	return pairs
}

func validPort(p int) bool {
	return p >= 1 && p <= 65535
}

// LoadRules reads the JSON rules file. A missing file, malformed JSON,
// or a missing/non-array "forward" key are all fatal; per-rule
// validation is left to the binder so one bad rule cannot abort startup.
func LoadRules(path string) ([]Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", fperrors.ErrConfigNotFound, path)
		}
		return nil, fmt.Errorf("failed to read rules file: %w", err)
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", fperrors.ErrInvalidConfig, err)
	}

	forward, ok := raw["forward"]
	if !ok || string(forward) == "null" {
		return nil, fmt.Errorf("%w: missing \"forward\" array", fperrors.ErrInvalidConfig)
	}

	var rules []Rule
	if err := json.Unmarshal(forward, &rules); err != nil {
		return nil, fmt.Errorf("%w: \"forward\" is not an array of rules: %v", fperrors.ErrInvalidConfig, err)
	}

	seen := make(map[int]bool, len(rules))
	for _, r := range rules {
		if seen[r.ID] {
			return nil, fmt.Errorf("%w: duplicate rule id %d", fperrors.ErrInvalidConfig, r.ID)
		}
		seen[r.ID] = true
	}

	return rules, nil
}
