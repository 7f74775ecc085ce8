package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Station is one entry of the boot-time station list.
type Station struct {
	Name string `yaml:"name"`
	URL  string `yaml:"url"`
	Icon string `yaml:"icon"`
}

type stationsFile struct {
	Stations []Station `yaml:"stations"`
}

// LoadStations reads a YAML station list. An empty path yields no stations.
func LoadStations(path string) ([]Station, error) {
	if path == "" {
		return nil, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read stations file %s: %w", path, err)
	}

	var f stationsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse stations file %s: %w", path, err)
	}

	for i, st := range f.Stations {
		if st.Name == "" || st.URL == "" {
			return nil, fmt.Errorf("stations file %s: entry %d needs name and url", path, i)
		}
	}
	return f.Stations, nil
}
