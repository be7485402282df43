package agentapi

// Agent is a marketplace listing item.
type Agent struct {
	Slug        string  `json:"slug"`
	Name        string  `json:"name"`
	Description string  `json:"description"`
	Version     string  `json:"version"`
	Price       float64 `json:"price"`
	Icon        string  `json:"icon"`
}

// Info is the descriptive block of an agent manifest.
type Info struct {
	Slug        string  `json:"slug"`
	Name        string  `json:"name"`
	Version     string  `json:"version"`
	Description string  `json:"description"`
	Price       float64 `json:"price"`
	Icon        string  `json:"icon"`
}

// Run describes how the agent server executes the agent.
type Run struct {
	Engine       string `json:"engine"`
	EntryPoint   string `json:"entry_point"`
	Dependencies string `json:"dependencies"`
}

// LLM is the model the agent runs on.
type LLM struct {
	Provider   string `json:"provider"`
	Model      string `json:"model"`
	Parameters struct {
		Temperature float64 `json:"temperature"`
		MaxTokens   int     `json:"max_tokens"`
	} `json:"parameters"`
}

// AuthRequirement is a third-party authorization the agent needs before a run.
type AuthRequirement struct {
	Provider    string   `json:"provider"`
	ServiceName string   `json:"service_name"`
	Scopes      []string `json:"scopes"`
}

// Resources lists what an agent consumes.
type Resources struct {
	LLM  LLM               `json:"llm"`
	Auth []AuthRequirement `json:"auth"`
}

// InputField is one declared input of an agent.
type InputField struct {
	Name        string   `json:"name"`
	Type        string   `json:"type"`
	Label       string   `json:"label"`
	Placeholder string   `json:"placeholder,omitempty"`
	Required    bool     `json:"required"`
	Examples    []string `json:"examples,omitempty"`
}

// Outputs describes how results are presented.
type Outputs struct {
	ViewType string `json:"view_type"`
}

// Detail is the full manifest of one agent.
type Detail struct {
	Slug      string       `json:"slug"`
	Info      Info         `json:"info"`
	Run       Run          `json:"run"`
	Resources Resources    `json:"resources"`
	Inputs    []InputField `json:"inputs"`
	Outputs   Outputs      `json:"outputs"`
	ModelCard string       `json:"modelcard"`
}

// InputField returns the name of the first declared input, or "".
func (d *Detail) InputField() string {
	if d == nil || len(d.Inputs) == 0 {
		return ""
	}
	return d.Inputs[0].Name
}

// RequiresAuth reports whether a run needs a third-party authorization code.
func (d *Detail) RequiresAuth() bool {
	return d != nil && len(d.Resources.Auth) > 0
}

// Scopes returns the union of requested authorization scopes, in declaration order.
func (d *Detail) Scopes() []string {
	if d == nil {
		return nil
	}
	seen := make(map[string]bool)
	var scopes []string
	for _, a := range d.Resources.Auth {
		for _, s := range a.Scopes {
			if !seen[s] {
				seen[s] = true
				scopes = append(scopes, s)
			}
		}
	}
	return scopes
}
