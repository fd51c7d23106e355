package am

import (
	"os"
	"sort"
	"strings"
)

// ConfigSource represents where a configuration value came from
type ConfigSource string

const (
	SourceDefault     ConfigSource = "default"
	SourceSystem      ConfigSource = "system"      // /etc/slotpulse/am.toml
	SourceUser        ConfigSource = "user"        // ~/.slotpulse/am.toml
	SourceProject     ConfigSource = "project"     // nearest am.toml upward
	SourceEnvironment ConfigSource = "environment" // SLOTPULSE_* env vars
)

// SourceInfo records the layer and file (or env var) a key came from
type SourceInfo struct {
	Source ConfigSource
	Path   string
}

// SettingInfo is one effective setting with its origin
type SettingInfo struct {
	Key        string       `json:"key"`
	Value      interface{}  `json:"value"`
	Source     ConfigSource `json:"source"`
	SourcePath string       `json:"source_path,omitempty"`
}

// sources is filled by mergeConfigFiles
var sources map[string]SourceInfo

// Settings returns every effective setting, sorted by key, with the layer it
// came from. Environment overrides win over files.
func Settings() []SettingInfo {
	v := GetViper()

	mu.Lock()
	tracked := sources
	mu.Unlock()

	var out []SettingInfo
	flatten(v.AllSettings(), "", tracked, &out)
	return out
}

func flatten(settings map[string]interface{}, prefix string, tracked map[string]SourceInfo, out *[]SettingInfo) {
	keys := make([]string, 0, len(settings))
	for k := range settings {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		value := settings[key]
		fullKey := key
		if prefix != "" {
			fullKey = prefix + "." + key
		}

		if nested, ok := value.(map[string]interface{}); ok {
			flatten(nested, fullKey, tracked, out)
			continue
		}

		info := SourceInfo{Source: SourceDefault, Path: "built-in default"}
		if si, ok := tracked[fullKey]; ok {
			info = si
		}
		envKey := envPrefix + "_" + strings.ToUpper(strings.ReplaceAll(fullKey, ".", "_"))
		if os.Getenv(envKey) != "" {
			info = SourceInfo{Source: SourceEnvironment, Path: envKey}
		}

		*out = append(*out, SettingInfo{
			Key:        fullKey,
			Value:      value,
			Source:     info.Source,
			SourcePath: info.Path,
		})
	}
}
