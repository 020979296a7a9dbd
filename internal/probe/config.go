package probe

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config describes the selector heuristics used by the default probes. The
// core treats probes as black boxes; everything application-specific lives
// in this file.
type Config struct {
	// Widget selectors are tried in order; the first element found wins.
	Widget struct {
		Selectors []string `yaml:"selectors"`
	} `yaml:"widget"`

	// Controls maps an action name to the ordered selectors locating the
	// on-screen control to click for it.
	Controls map[string][]string `yaml:"controls"`
}

// DefaultConfig targets the TradingView desktop data-window widget.
func DefaultConfig() *Config {
	cfg := &Config{Controls: map[string][]string{
		"refresh": {
			`[data-name="data-window"] button[aria-label="Refresh"]`,
			`#header-toolbar-symbol-search`,
		},
	}}
	cfg.Widget.Selectors = []string{
		`[data-name="data-window"]`,
		`.chart-data-window`,
		`.widgetbar-widget-datawindow`,
	}
	return cfg
}

// LoadConfig reads and validates a YAML probe config file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("probe config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("probe config: %w", err)
	}
	if len(cfg.Widget.Selectors) == 0 {
		return nil, fmt.Errorf("probe config: widget.selectors must not be empty")
	}
	for action, sels := range cfg.Controls {
		if len(sels) == 0 {
			return nil, fmt.Errorf("probe config: control %q has no selectors", action)
		}
	}
	return &cfg, nil
}
