package mcp

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/agenshield/agenshield/pkg/store"
)

// PolicyListInput represents input for policy_list tool.
type PolicyListInput struct {
	EnabledOnly bool   `json:"enabled_only,omitempty"`
	Preset      string `json:"preset,omitempty"`
}

// PolicyListOutput represents output for policy_list tool.
type PolicyListOutput struct {
	Policies []PolicyInfo `json:"policies"`
}

// PolicyInfo is the wire form of a policy.
type PolicyInfo struct {
	ID            string   `json:"id"`
	Name          string   `json:"name"`
	Action        string   `json:"action"`
	Target        string   `json:"target"`
	Patterns      []string `json:"patterns"`
	Enabled       bool     `json:"enabled"`
	Priority      int      `json:"priority"`
	Operations    []string `json:"operations,omitempty"`
	Preset        string   `json:"preset,omitempty"`
	NetworkAccess string   `json:"network_access,omitempty"`
	Level         string   `json:"level"`
}

// SecretListInput represents input for secret_list tool.
type SecretListInput struct {
	PolicyID string `json:"policy_id,omitempty"`
}

// SecretListOutput represents output for secret_list tool.
type SecretListOutput struct {
	Secrets []SecretInfo `json:"secrets"`
}

// SecretInfo represents a secret without its value.
type SecretInfo struct {
	Name        string   `json:"name"`
	MaskedValue string   `json:"masked_value"`
	Scope       string   `json:"scope"`
	PolicyIDs   []string `json:"policy_ids"`
	Level       string   `json:"level"`
	CreatedAt   string   `json:"created_at"`
	UpdatedAt   string   `json:"updated_at"`
}

// SecretExistsInput represents input for secret_exists tool.
type SecretExistsInput struct {
	Name string `json:"name"`
}

// SecretExistsOutput represents output for secret_exists tool.
type SecretExistsOutput struct {
	Exists bool        `json:"exists"`
	Name   string      `json:"name"`
	Secret *SecretInfo `json:"secret,omitempty"`
}

// ConfigGetInput represents input for config_get tool.
type ConfigGetInput struct{}

// ConfigGetOutput represents output for config_get tool.
type ConfigGetOutput struct {
	Found              bool    `json:"found"`
	DaemonHost         *string `json:"daemon_host,omitempty"`
	DaemonPort         *int    `json:"daemon_port,omitempty"`
	LogLevel           *string `json:"log_level,omitempty"`
	EnableNetworkProxy *bool   `json:"enable_network_proxy,omitempty"`
	EnableSkillScan    *bool   `json:"enable_skill_scan,omitempty"`
	DefaultAction      *string `json:"default_action,omitempty"`
}

// PresetListInput represents input for preset_list tool.
type PresetListInput struct{}

// PresetListOutput represents output for preset_list tool.
type PresetListOutput struct {
	Presets []PresetInfo `json:"presets"`
}

// PresetInfo summarizes a preset bundle.
type PresetInfo struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Policies    int    `json:"policies"`
}

// levelOf names the scope level that owns a row.
func levelOf(targetID, username *string) string {
	switch {
	case targetID == nil:
		return "global"
	case username == nil:
		return "target"
	default:
		return "user"
	}
}

func policyInfo(p *store.Policy) PolicyInfo {
	info := PolicyInfo{
		ID:            p.ID,
		Name:          p.Name,
		Action:        string(p.Action),
		Target:        string(p.Target),
		Patterns:      p.Patterns,
		Enabled:       p.Enabled,
		Operations:    p.Operations,
		Preset:        p.Preset,
		NetworkAccess: string(p.NetworkAccess),
		Level:         levelOf(p.TargetID, p.UserUsername),
	}
	if p.Priority != nil {
		info.Priority = *p.Priority
	}
	return info
}

func secretInfo(s *store.Secret) SecretInfo {
	return SecretInfo{
		Name:        s.Name,
		MaskedValue: store.MaskedValue,
		Scope:       string(s.Scope),
		PolicyIDs:   s.PolicyIDs,
		Level:       levelOf(s.TargetID, s.UserUsername),
		CreatedAt:   s.CreatedAt.Format(time.RFC3339),
		UpdatedAt:   s.UpdatedAt.Format(time.RFC3339),
	}
}

// handlePolicyList handles the policy_list tool call.
func (s *Server) handlePolicyList(_ context.Context, _ *mcp.CallToolRequest, input PolicyListInput) (*mcp.CallToolResult, PolicyListOutput, error) {
	repo := s.store.Policies(s.scope)

	var policies []*store.Policy
	var err error
	switch {
	case input.Preset != "":
		policies, err = repo.GetByPreset(input.Preset)
	case input.EnabledOnly:
		policies, err = repo.GetEnabled()
	default:
		policies, err = repo.GetAll()
	}
	s.record("policy_list", err)
	if err != nil {
		return nil, PolicyListOutput{}, fmt.Errorf("failed to list policies: %w", err)
	}

	output := PolicyListOutput{Policies: make([]PolicyInfo, 0, len(policies))}
	for _, p := range policies {
		if input.EnabledOnly && !p.Enabled {
			continue
		}
		output.Policies = append(output.Policies, policyInfo(p))
	}
	return nil, output, nil
}

// handleSecretList handles the secret_list tool call.
func (s *Server) handleSecretList(_ context.Context, _ *mcp.CallToolRequest, input SecretListInput) (*mcp.CallToolResult, SecretListOutput, error) {
	secrets, err := s.store.Secrets(s.scope, nil).GetAllMasked()
	s.record("secret_list", err)
	if err != nil {
		return nil, SecretListOutput{}, fmt.Errorf("failed to list secrets: %w", err)
	}

	output := SecretListOutput{Secrets: make([]SecretInfo, 0, len(secrets))}
	for _, secret := range secrets {
		if input.PolicyID != "" && !contains(secret.PolicyIDs, input.PolicyID) {
			continue
		}
		output.Secrets = append(output.Secrets, secretInfo(secret))
	}
	return nil, output, nil
}

// handleSecretExists handles the secret_exists tool call.
func (s *Server) handleSecretExists(_ context.Context, _ *mcp.CallToolRequest, input SecretExistsInput) (*mcp.CallToolResult, SecretExistsOutput, error) {
	if input.Name == "" {
		return nil, SecretExistsOutput{}, errors.New("name is required")
	}

	secrets, err := s.store.Secrets(s.scope, nil).GetAllMasked()
	s.record("secret_exists", err)
	if err != nil {
		return nil, SecretExistsOutput{}, fmt.Errorf("failed to look up secret: %w", err)
	}
	for _, secret := range secrets {
		if secret.Name == input.Name {
			info := secretInfo(secret)
			return nil, SecretExistsOutput{Exists: true, Name: input.Name, Secret: &info}, nil
		}
	}
	return nil, SecretExistsOutput{Exists: false, Name: input.Name}, nil
}

// handleConfigGet handles the config_get tool call.
func (s *Server) handleConfigGet(_ context.Context, _ *mcp.CallToolRequest, _ ConfigGetInput) (*mcp.CallToolResult, ConfigGetOutput, error) {
	values, err := s.store.Config(s.scope).Get()
	s.record("config_get", err)
	if err != nil {
		return nil, ConfigGetOutput{}, fmt.Errorf("failed to read config: %w", err)
	}
	if values == nil {
		return nil, ConfigGetOutput{Found: false}, nil
	}
	var defaultAction *string
	if values.DefaultAction != nil {
		a := string(*values.DefaultAction)
		defaultAction = &a
	}
	return nil, ConfigGetOutput{
		Found:              true,
		DaemonHost:         values.DaemonHost,
		DaemonPort:         values.DaemonPort,
		LogLevel:           values.LogLevel,
		EnableNetworkProxy: values.EnableNetworkProxy,
		EnableSkillScan:    values.EnableSkillScan,
		DefaultAction:      defaultAction,
	}, nil
}

// handlePresetList handles the preset_list tool call.
func (s *Server) handlePresetList(_ context.Context, _ *mcp.CallToolRequest, _ PresetListInput) (*mcp.CallToolResult, PresetListOutput, error) {
	presets, err := store.Presets()
	if err != nil {
		return nil, PresetListOutput{}, fmt.Errorf("failed to load presets: %w", err)
	}
	output := PresetListOutput{Presets: make([]PresetInfo, 0, len(presets))}
	for _, p := range presets {
		output.Presets = append(output.Presets, PresetInfo{
			ID:          p.ID,
			Name:        p.Name,
			Description: p.Description,
			Policies:    len(p.Policies),
		})
	}
	return nil, output, nil
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
