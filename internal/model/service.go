package model

import (
	"encoding/json"
	"fmt"

	"github.com/go-playground/validator/v10"
)

type VolumeMount struct {
	HostPath      string `json:"host_path" validate:"required"`
	ContainerPath string `json:"container_path" validate:"required"`
}

// ServiceConfig holds the tool variables for one service resource.
type ServiceConfig struct {
	Provider      string            `json:"provider" validate:"required"`
	ContainerName string            `json:"container_name,omitempty"`
	Image         string            `json:"image,omitempty"`
	Ports         []string          `json:"ports,omitempty"`
	EnvVars       map[string]string `json:"env_vars,omitempty"`
	Command       []string          `json:"command,omitempty"`
	VolumeMounts  []VolumeMount     `json:"volume_mounts,omitempty" validate:"dive"`
	NetworkName   string            `json:"network_name" validate:"required"`
}

type NetworkConfig struct {
	Provider    string `json:"provider" validate:"required"`
	NetworkName string `json:"network_name" validate:"required"`
	Region      string `json:"region,omitempty"`
	Environment string `json:"environment,omitempty"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks any struct carrying validate tags.
func Validate(v any) error {
	if err := validate.Struct(v); err != nil {
		return fmt.Errorf("%w: %v", ErrMissingConfiguration, err)
	}
	return nil
}

type varsDocument[T any] struct {
	Instance *T `json:"instance"`
}

// DecodeServiceConfig accepts either {"instance": {...}} or a bare object
// and does not validate the result.
func DecodeServiceConfig(data []byte) (*ServiceConfig, error) {
	return parseVars[ServiceConfig](data)
}

// ParseServiceConfig decodes and validates a service document.
func ParseServiceConfig(data []byte) (*ServiceConfig, error) {
	cfg, err := DecodeServiceConfig(data)
	if err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func ParseNetworkConfig(data []byte) (*NetworkConfig, error) {
	cfg, err := parseVars[NetworkConfig](data)
	if err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ParseNetworkConfigFor parses a network document addressed to provider. An
// omitted provider is taken from the address; a different one is rejected.
func ParseNetworkConfigFor(data []byte, provider string) (*NetworkConfig, error) {
	cfg, err := parseVars[NetworkConfig](data)
	if err != nil {
		return nil, err
	}
	if cfg.Provider == "" {
		cfg.Provider = provider
	}
	if cfg.Provider != provider {
		return nil, fmt.Errorf("%w: provider %q does not match %q", ErrInvalidIdentifier, cfg.Provider, provider)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func parseVars[T any](data []byte) (*T, error) {
	var doc varsDocument[T]
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: parse config: %v", ErrMissingConfiguration, err)
	}
	if doc.Instance != nil {
		return doc.Instance, nil
	}
	var bare T
	if err := json.Unmarshal(data, &bare); err != nil {
		return nil, fmt.Errorf("%w: parse config: %v", ErrMissingConfiguration, err)
	}
	return &bare, nil
}

// MarshalVars wraps a config into the variables document the tool reads.
func MarshalVars(v any) ([]byte, error) {
	return json.MarshalIndent(map[string]any{"instance": v}, "", "  ")
}
