package core

import (
	"fmt"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/vovakirdan/replica-server/internal/datanode"
)

// ServerData is the server-wide state saved to server.yaml.
type ServerData struct {
	Bans       []string       `yaml:"bans"`
	Admins     []string       `yaml:"admins"`
	MinAliases int            `yaml:"min_aliases"`
	MaxAliases int            `yaml:"max_aliases"`
	Data       *datanode.Node `yaml:"data,omitempty"`
}

func newServerData(minAliases, maxAliases int) *ServerData {
	return &ServerData{MinAliases: minAliases, MaxAliases: maxAliases, Data: datanode.New("")}
}

// Banned reports whether any of keys matches a ban keyword, case-insensitively.
func (s *ServerData) Banned(keys ...string) bool {
	for _, k := range keys {
		if k == "" {
			continue
		}
		if slices.ContainsFunc(s.Bans, func(b string) bool { return strings.EqualFold(b, k) }) {
			return true
		}
	}
	return false
}

// IsAdmin reports whether alias was granted admin rights.
func (s *ServerData) IsAdmin(alias string) bool { return slices.Contains(s.Admins, alias) }

// AddBan records keyword and reports whether it was new.
func (s *ServerData) AddBan(keyword string) bool {
	if keyword == "" || s.Banned(keyword) {
		return false
	}
	s.Bans = append(s.Bans, keyword)
	return true
}

// RemoveBan drops keyword and reports whether it was present.
func (s *ServerData) RemoveBan(keyword string) bool {
	n := len(s.Bans)
	s.Bans = slices.DeleteFunc(s.Bans, func(b string) bool { return strings.EqualFold(b, keyword) })
	return len(s.Bans) != n
}

// AddAdmin records alias and reports whether it was new.
func (s *ServerData) AddAdmin(alias string) bool {
	if alias == "" || s.IsAdmin(alias) {
		return false
	}
	s.Admins = append(s.Admins, alias)
	return true
}

// RemoveAdmin drops alias and reports whether it was present.
func (s *ServerData) RemoveAdmin(alias string) bool {
	n := len(s.Admins)
	s.Admins = slices.DeleteFunc(s.Admins, func(a string) bool { return a == alias })
	return len(s.Admins) != n
}

// SetAliasQuota validates and applies the alias bounds. A zero max means no
// upper bound.
func (s *ServerData) SetAliasQuota(minAliases, maxAliases int) error {
	if minAliases < 0 || maxAliases < 0 {
		return fmt.Errorf("alias quota must not be negative")
	}
	if maxAliases > 0 && minAliases > maxAliases {
		return fmt.Errorf("min aliases %d exceeds max %d", minAliases, maxAliases)
	}
	s.MinAliases, s.MaxAliases = minAliases, maxAliases
	return nil
}

func (s *ServerData) marshal() ([]byte, error) {
	return yaml.Marshal(s)
}

func unmarshalServerData(data []byte, fallback *ServerData) (*ServerData, error) {
	out := &ServerData{MinAliases: fallback.MinAliases, MaxAliases: fallback.MaxAliases}
	if err := yaml.Unmarshal(data, out); err != nil {
		return nil, fmt.Errorf("parse server data: %w", err)
	}
	if out.Data == nil {
		out.Data = datanode.New("")
	}
	return out, nil
}
