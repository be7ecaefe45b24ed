package roomapi

import (
	"fmt"
	"strings"
)

// AccountID identifies a tenant account: a label scoped to an audience.
type AccountID struct {
	Label    string `json:"label"`
	Audience string `json:"audience"`
}

func (a AccountID) String() string {
	return a.Label + "." + a.Audience
}

// AgentID is the composite identifier an MQTT client authenticates as:
// "label.account_label.audience".
type AgentID struct {
	AccountID AccountID `json:"account_id"`
	Label     string    `json:"label"`
}

func (a AgentID) String() string {
	return a.Label + "." + a.AccountID.Label + "." + a.AccountID.Audience
}

// ParseAgentID parses the "label.account_label.audience" wire form.
func ParseAgentID(s string) (AgentID, error) {
	parts := strings.SplitN(s, ".", 3)
	if len(parts) != 3 {
		return AgentID{}, fmt.Errorf("roomapi: invalid agent id %q: expected label.account_label.audience", s)
	}
	return AgentID{
		Label: parts[0],
		AccountID: AccountID{
			Label:    parts[1],
			Audience: parts[2],
		},
	}, nil
}
