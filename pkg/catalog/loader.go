package catalog

import (
	"fmt"

	"github.com/spf13/viper"
)

// LoadFile builds a catalog from a YAML file. Absent fields fall back
// to the built-in improv defaults.
func LoadFile(path string) (*Static, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	var cfg StaticConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal catalog: %w", err)
	}
	return NewStatic(cfg)
}
