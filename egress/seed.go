package egress

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// seedFile is the YAML shape for pre-registering egress points:
//
//	points:
//	  - name: berlin-de
//	    location: de
//	    conf: |
//	      [Interface]
//	      ...
//	  - name: oslo-no
//	    location: "no"
//	    conf_file: /etc/gatecrash/oslo.conf
type seedFile struct {
	Points []seedPoint `yaml:"points"`
}

type seedPoint struct {
	Name     string `yaml:"name"`
	Location string `yaml:"location"`
	Conf     string `yaml:"conf"`
	ConfFile string `yaml:"conf_file"`
}

// Seed registers points from a YAML defaults file. Points whose name
// is already registered are skipped, so seeding is idempotent across
// restarts with a persisted work directory. Individual bad entries are
// logged and skipped; only an unreadable file is an error.
func (r *Registry) Seed(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("egress: read seed file: %w", err)
	}
	var sf seedFile
	if err := yaml.Unmarshal(raw, &sf); err != nil {
		return fmt.Errorf("egress: parse seed file: %w", err)
	}

	existing := make(map[string]bool)
	for _, p := range r.List() {
		existing[p.Name] = true
	}

	added := 0
	for i, sp := range sf.Points {
		if sp.Name == "" {
			slog.Warn("egress: seed entry missing name, skipped", "index", i)
			continue
		}
		if existing[sp.Name] {
			continue
		}
		conf := sp.Conf
		if conf == "" && sp.ConfFile != "" {
			raw, err := os.ReadFile(resolveSeedPath(path, sp.ConfFile))
			if err != nil {
				slog.Warn("egress: seed conf_file unreadable, skipped", "name", sp.Name, "error", err)
				continue
			}
			conf = string(raw)
		}
		if _, err := r.Add(sp.Name, sp.Location, conf); err != nil {
			slog.Warn("egress: seed entry rejected", "name", sp.Name, "error", err)
			continue
		}
		added++
	}
	if added > 0 {
		slog.Info("egress: seeded points", "added", added, "file", path)
	}
	return nil
}

// resolveSeedPath makes conf_file entries relative to the seed file's
// own directory.
func resolveSeedPath(seedPath, confFile string) string {
	if filepath.IsAbs(confFile) {
		return confFile
	}
	return filepath.Join(filepath.Dir(seedPath), confFile)
}
