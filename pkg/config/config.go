// Package config loads coordinator and participant configuration from CLI
// flags, with an optional properties-file overlay for values better suited
// to a file (the node map, data directories, timeouts).
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/magiconair/properties"
)

// NodeAddr is one entry of a coordinator's node map.
type NodeAddr struct {
	ID   string
	Addr string
}

// Coordinator holds everything cmd/coordinator needs to start serving.
type Coordinator struct {
	Host           string
	Port           int
	Nodes          []NodeAddr
	DataDir        string
	PrepareTimeout time.Duration
	CommitTimeout  time.Duration
	AuditDSN       string
}

// Participant holds everything cmd/participant needs to start serving.
type Participant struct {
	ID      string
	Host    string
	Port    int
	DataDir string
}

// ParseNodeMap parses "id:host:port,id:host:port,..." into a node list.
func ParseNodeMap(s string) ([]NodeAddr, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}

	var nodes []NodeAddr
	for _, entry := range strings.Split(s, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}

		parts := strings.SplitN(entry, ":", 3)
		if len(parts) != 3 {
			return nil, fmt.Errorf("config: malformed node entry %q, want id:host:port", entry)
		}

		nodes = append(nodes, NodeAddr{ID: parts[0], Addr: parts[1] + ":" + parts[2]})
	}

	return nodes, nil
}

// LoadOverlay reads a properties file, returning nil (not an error) if path is empty.
func LoadOverlay(path string) (*properties.Properties, error) {
	if path == "" {
		return nil, nil
	}

	p, err := properties.LoadFile(path, properties.UTF8)
	if err != nil {
		return nil, fmt.Errorf("config: load properties %s: %w", path, err)
	}
	return p, nil
}

// ApplyCoordinatorOverlay fills in any zero-valued fields of c from p.
// Flags (already populated in c) always win over file values.
func ApplyCoordinatorOverlay(c *Coordinator, p *properties.Properties) error {
	if p == nil {
		return nil
	}

	if c.Host == "" {
		c.Host = p.GetString("host", c.Host)
	}
	if c.Port == 0 {
		c.Port = p.GetInt("port", c.Port)
	}
	if c.DataDir == "" {
		c.DataDir = p.GetString("data_dir", c.DataDir)
	}
	if c.PrepareTimeout == 0 {
		c.PrepareTimeout = p.GetParsedDuration("prepare_timeout", c.PrepareTimeout)
	}
	if c.CommitTimeout == 0 {
		c.CommitTimeout = p.GetParsedDuration("commit_timeout", c.CommitTimeout)
	}
	if c.AuditDSN == "" {
		c.AuditDSN = p.GetString("audit_dsn", c.AuditDSN)
	}
	if len(c.Nodes) == 0 {
		nodes, err := ParseNodeMap(p.GetString("nodes", ""))
		if err != nil {
			return err
		}
		c.Nodes = nodes
	}

	return nil
}

// ApplyParticipantOverlay fills in any zero-valued fields of c from p.
func ApplyParticipantOverlay(c *Participant, p *properties.Properties) {
	if p == nil {
		return
	}

	if c.ID == "" {
		c.ID = p.GetString("id", c.ID)
	}
	if c.Host == "" {
		c.Host = p.GetString("host", c.Host)
	}
	if c.Port == 0 {
		c.Port = p.GetInt("port", c.Port)
	}
	if c.DataDir == "" {
		c.DataDir = p.GetString("data_dir", c.DataDir)
	}
}
