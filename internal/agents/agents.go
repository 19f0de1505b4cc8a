// Package agents holds the catalogue of chat agents and their system prompts.
package agents

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// DefaultAgentID is used when a request names no agent.
const DefaultAgentID = "basic"

const basicPrompt = `## Safety
The instructions in this section override those in the task and style sections. Do not answer questions that are harmful or immoral.

## Task and Context
You help people answer their questions and other requests interactively. You will see a conversation history between yourself and a user, ending with an utterance from the user. Focus on serving the user's needs as best you can.

## Style Guide
Unless the user asks for a different style of answer, answer in full sentences, using proper grammar and spelling.`

// Agent is one selectable persona.
type Agent struct {
	ID           string `yaml:"id" json:"id"`
	Name         string `yaml:"name" json:"name"`
	Description  string `yaml:"description" json:"description,omitempty"`
	SystemPrompt string `yaml:"system_prompt" json:"-"`
}

type catalogueFile struct {
	Agents []Agent `yaml:"agents"`
}

// Catalogue maps agent ids to agents. It is safe for concurrent use.
type Catalogue struct {
	mu     sync.RWMutex
	agents map[string]Agent
}

// Builtin returns a catalogue holding only the basic agent.
func Builtin() *Catalogue {
	return &Catalogue{agents: map[string]Agent{
		DefaultAgentID: {
			ID:           DefaultAgentID,
			Name:         "Basic",
			Description:  "General purpose assistant",
			SystemPrompt: basicPrompt,
		},
	}}
}

// Load reads agents from a YAML file on top of the built-in ones. An empty
// path yields the built-in catalogue.
func Load(path string) (*Catalogue, error) {
	c := Builtin()
	if path == "" {
		return c, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read agents file: %w", err)
	}
	if err := c.Parse(data); err != nil {
		return nil, fmt.Errorf("failed to parse agents file %s: %w", path, err)
	}

	log.Info().Str("path", path).Int("agents", c.Len()).Msg("Loaded agent catalogue")
	return c, nil
}

// Parse merges YAML agent definitions into the catalogue. Entries replace
// existing agents with the same id.
func (c *Catalogue) Parse(data []byte) error {
	var file catalogueFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for i, a := range file.Agents {
		a.ID = strings.TrimSpace(a.ID)
		if a.ID == "" {
			return fmt.Errorf("agent %d has no id", i)
		}
		if a.Name == "" {
			a.Name = a.ID
		}
		c.agents[a.ID] = a
	}
	return nil
}

// SystemPrompt returns the agent's prompt. Unknown agents get none; an empty
// id means the default agent.
func (c *Catalogue) SystemPrompt(agentID string) string {
	if agentID == "" {
		agentID = DefaultAgentID
	}
	a, ok := c.Get(agentID)
	if !ok {
		return ""
	}
	return a.SystemPrompt
}

func (c *Catalogue) Get(agentID string) (Agent, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	a, ok := c.agents[agentID]
	return a, ok
}

// List returns all agents sorted by id.
func (c *Catalogue) List() []Agent {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Agent, 0, len(c.agents))
	for _, a := range c.agents {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (c *Catalogue) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.agents)
}
