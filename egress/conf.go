package egress

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/use-agent/gatecrash/models"
)

// confMeta is what we recover from a persisted config file on restart.
type confMeta struct {
	ID       string
	Name     string
	Location string
	Endpoint string
	Conf     string
}

// validateConf checks that a tunnel config blob carries the minimum
// required structure: an [Interface] section with a PrivateKey and a
// [Peer] section with an Endpoint. Returns the parsed endpoint.
func validateConf(conf string) (endpoint string, err error) {
	var (
		section      string
		hasInterface bool
		hasPrivKey   bool
		hasPeer      bool
	)

	sc := bufio.NewScanner(strings.NewReader(conf))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, ";") {
			continue
		}
		if strings.HasPrefix(line, "[") && strings.HasSuffix(line, "]") {
			section = strings.ToLower(strings.Trim(line, "[]"))
			switch section {
			case "interface":
				hasInterface = true
			case "peer":
				hasPeer = true
			}
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(strings.ToLower(key))
		value = strings.TrimSpace(value)
		switch {
		case section == "interface" && key == "privatekey" && value != "":
			hasPrivKey = true
		case section == "peer" && key == "endpoint" && value != "":
			endpoint = value
		}
	}

	switch {
	case !hasInterface:
		return "", models.NewScrapeError(models.ErrCodeEgressConfig, "config missing [Interface] section", nil)
	case !hasPrivKey:
		return "", models.NewScrapeError(models.ErrCodeEgressConfig, "config missing PrivateKey in [Interface]", nil)
	case !hasPeer:
		return "", models.NewScrapeError(models.ErrCodeEgressConfig, "config missing [Peer] section", nil)
	case endpoint == "":
		return "", models.NewScrapeError(models.ErrCodeEgressConfig, "config missing Endpoint in [Peer]", nil)
	}
	return endpoint, nil
}

// slugID derives an interface-name-safe id from a point name:
// lowercase alphanumerics and dashes, at most 15 chars (the kernel's
// IFNAMSIZ limit). Falls back to eg-<uuid8> when nothing usable remains.
func slugID(name string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(name) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '-' || r == '_' || r == ' ' || r == '.':
			if b.Len() > 0 && b.String()[b.Len()-1] != '-' {
				b.WriteByte('-')
			}
		}
		if b.Len() >= 15 {
			break
		}
	}
	slug := strings.Trim(b.String(), "-")
	if slug == "" {
		return fallbackID()
	}
	return slug
}

func fallbackID() string {
	return "eg-" + uuid.NewString()[:8]
}

// persistConf writes the config blob to <dir>/<id>.conf with a metadata
// comment header so the registry can rebuild its state after a restart.
// Config files carry private keys, hence 0600.
func persistConf(dir string, p *models.EgressPoint) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("egress: create work dir: %w", err)
	}
	path := filepath.Join(dir, p.ID+".conf")
	var b strings.Builder
	b.WriteString("# gatecrash egress point\n")
	b.WriteString("# id: " + p.ID + "\n")
	b.WriteString("# name: " + p.Name + "\n")
	b.WriteString("# location: " + p.Location + "\n")
	b.WriteString(p.Conf)
	if !strings.HasSuffix(p.Conf, "\n") {
		b.WriteString("\n")
	}
	if err := os.WriteFile(path, []byte(b.String()), 0o600); err != nil {
		return "", fmt.Errorf("egress: persist config: %w", err)
	}
	return path, nil
}

// loadPersisted scans dir for *.conf files and parses their metadata
// headers back into point records. Files that fail validation are
// skipped rather than aborting the restore.
func loadPersisted(dir string) ([]confMeta, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("egress: read work dir: %w", err)
	}

	var out []confMeta
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".conf") {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			continue
		}
		meta := parseMeta(string(raw))
		if meta.ID == "" {
			meta.ID = strings.TrimSuffix(e.Name(), ".conf")
		}
		endpoint, err := validateConf(meta.Conf)
		if err != nil {
			continue
		}
		meta.Endpoint = endpoint
		out = append(out, meta)
	}
	return out, nil
}

// parseMeta splits a persisted file into its comment header and the
// config body.
func parseMeta(raw string) confMeta {
	var meta confMeta
	var body []string
	for _, line := range strings.Split(raw, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "#") {
			kv := strings.TrimSpace(strings.TrimPrefix(trimmed, "#"))
			key, value, ok := strings.Cut(kv, ":")
			if !ok {
				continue
			}
			value = strings.TrimSpace(value)
			switch strings.TrimSpace(key) {
			case "id":
				meta.ID = value
			case "name":
				meta.Name = value
			case "location":
				meta.Location = value
			}
			continue
		}
		body = append(body, line)
	}
	meta.Conf = strings.TrimLeft(strings.Join(body, "\n"), "\n")
	return meta
}
