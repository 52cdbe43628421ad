package bus

import (
	"context"
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/alphadeskhq/alphadesk/internal/agent/fault"
	"github.com/alphadeskhq/alphadesk/internal/config"
)

// Capabilities a policy can grant.
const (
	CapabilityReadPortfolio = "read_portfolio"
	CapabilityTrade         = "trade"
)

// Policy declares what one sender may do on the bus.
type Policy struct {
	Name              string   `yaml:"name"`
	Capabilities      []string `yaml:"capabilities"`
	AllowedRecipients []string `yaml:"allowed_recipients"` // names or "broadcast"
}

// policyFile is the on-disk shape of the governance table.
type policyFile struct {
	Policies []Policy `yaml:"policies"`
}

// LoadPolicyFile reads a YAML policy table.
func LoadPolicyFile(path string) ([]Policy, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- operator-provided config path
	if err != nil {
		return nil, fmt.Errorf("failed to read policy file: %w", err)
	}
	var pf policyFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return nil, fmt.Errorf("failed to parse policy file: %w", err)
	}
	return pf.Policies, nil
}

// PoliciesFromConfig converts the inline config table into policies.
func PoliciesFromConfig(table map[string]config.AgentPolicyConfig) []Policy {
	out := make([]Policy, 0, len(table))
	for name, p := range table {
		out = append(out, Policy{
			Name:              name,
			Capabilities:      p.Capabilities,
			AllowedRecipients: p.AllowedRecipients,
		})
	}
	return out
}

// Governor wraps a Sender with the per-sender policy table. Unauthorized
// sends are dropped before they reach the bus. The table is immutable
// after construction.
type Governor struct {
	bus      Sender
	policies map[string]Policy
	exempt   map[string]bool // senders whose lifecycle traffic is always authorized
	log      zerolog.Logger
}

// NewGovernor builds a governor over bus with the given policy table.
func NewGovernor(bus Sender, policies []Policy) *Governor {
	table := make(map[string]Policy, len(policies))
	for _, p := range policies {
		table[p.Name] = p
	}
	return &Governor{
		bus:      bus,
		policies: table,
		exempt:   make(map[string]bool),
		log:      config.NewLogger("governance"),
	}
}

// Exempt marks a sender whose sends bypass the policy table. The
// orchestrator's lifecycle events are registered here at wiring time.
func (g *Governor) Exempt(sender string) *Governor {
	g.exempt[sender] = true
	return g
}

// IsAuthorized reports whether sender may perform action (a capability,
// or empty for plain sends) toward recipient (empty skips the recipient
// check). Senders without a policy are denied everything.
func (g *Governor) IsAuthorized(sender, action, recipient string) bool {
	if g.exempt[sender] {
		return true
	}
	p, ok := g.policies[sender]
	if !ok {
		return false
	}

	if action != "" {
		granted := false
		for _, c := range p.Capabilities {
			if c == action {
				granted = true
				break
			}
		}
		if !granted {
			return false
		}
	}

	if recipient != "" {
		allowed := false
		for _, r := range p.AllowedRecipients {
			if r == recipient {
				allowed = true
				break
			}
		}
		if !allowed {
			return false
		}
	}

	return true
}

// SecureDispatch forwards the message iff the sender's policy allows the
// recipient. Denied messages never reach the bus.
func (g *Governor) SecureDispatch(ctx context.Context, msg *Message) error {
	if !g.IsAuthorized(msg.Sender, "", msg.Recipient) {
		g.log.Error().
			Str("sender", msg.Sender).
			Str("recipient", msg.Recipient).
			Str("subject", msg.Subject).
			Msg("Send denied by governance policy")
		return fault.Wrap(fault.ErrGovernanceDenied, "sender %s may not reach %s", msg.Sender, msg.Recipient)
	}
	return g.bus.Send(ctx, msg)
}

// Send implements Sender so governed components can hold the governor as
// their bus port.
func (g *Governor) Send(ctx context.Context, msg *Message) error {
	return g.SecureDispatch(ctx, msg)
}

var _ Sender = (*Governor)(nil)
