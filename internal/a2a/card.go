package a2a

import "fmt"

// ProtocolVersion is the A2A schema revision the card declares.
const ProtocolVersion = "0.3.0"

// ktpExtensionURI identifies the peer-protocol extension block.
const ktpExtensionURI = "urn:kizuna:ktp"

// AgentCard is the discovery document at /.well-known/agent-card.json.
type AgentCard struct {
	ProtocolVersion    string                `json:"protocolVersion"`
	Name               string                `json:"name"`
	Description        string                `json:"description"`
	URL                string                `json:"url"`
	PreferredTransport string                `json:"preferredTransport"`
	Version            string                `json:"version"`
	Capabilities       AgentCapabilities     `json:"capabilities"`
	DefaultInputModes  []string              `json:"defaultInputModes"`
	DefaultOutputModes []string              `json:"defaultOutputModes"`
	Skills             []AgentSkill          `json:"skills"`
	SecuritySchemes    map[string]any        `json:"securitySchemes,omitempty"`
	Security           []map[string][]string `json:"security,omitempty"`
}

// AgentCapabilities declares optional protocol features. This profile
// supports neither streaming nor push notifications.
type AgentCapabilities struct {
	Streaming         bool             `json:"streaming"`
	PushNotifications bool             `json:"pushNotifications"`
	Extensions        []AgentExtension `json:"extensions,omitempty"`
}

// AgentExtension is a declared protocol extension.
type AgentExtension struct {
	URI    string         `json:"uri"`
	Params map[string]any `json:"params,omitempty"`
}

// AgentSkill is one advertised capability.
type AgentSkill struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description"`
	InputModes  []string `json:"inputModes"`
	OutputModes []string `json:"outputModes"`
}

// buildCard assembles the agent card from the live manifest. The endpoint
// URL is derived from the request host, so the card is built per request.
func (g *Gateway) buildCard(baseURL string) AgentCard {
	m := g.Node.Manifest()

	skills := make([]AgentSkill, 0, len(m.Skills))
	for _, s := range m.Skills {
		skills = append(skills, AgentSkill{
			ID:          s,
			Name:        s,
			Description: fmt.Sprintf("%s capability", s),
			InputModes:  []string{"text/plain"},
			OutputModes: []string{"text/plain"},
		})
	}

	card := AgentCard{
		ProtocolVersion:    ProtocolVersion,
		Name:               m.AgentID,
		Description:        fmt.Sprintf("Kizuna bridge node %s (%s)", g.Node.ID.ShortID(), m.Role),
		URL:                baseURL + rpcPath,
		PreferredTransport: "JSONRPC",
		Version:            "1.0.0",
		Capabilities: AgentCapabilities{
			Streaming:         false,
			PushNotifications: false,
			Extensions: []AgentExtension{{
				URI: ktpExtensionURI,
				Params: map[string]any{
					"shortId":  g.Node.ID.ShortID(),
					"role":     m.Role,
					"protocol": "KTP/1.0",
				},
			}},
		},
		DefaultInputModes:  []string{"text/plain"},
		DefaultOutputModes: []string{"text/plain"},
		Skills:             skills,
	}

	if g.APIKey != "" {
		card.SecuritySchemes = map[string]any{
			"bearer": map[string]string{"type": "http", "scheme": "bearer"},
		}
		card.Security = []map[string][]string{{"bearer": {}}}
	}
	return card
}
