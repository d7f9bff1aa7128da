package config

import (
    "errors"
    "fmt"
    "os"
    "strings"

    "gopkg.in/yaml.v3"
)

// Node roles understood by the tooling. cluster_manager is accepted as an
// alias for master.
const (
    RoleMaster         = "master"
    RoleClusterManager = "cluster_manager"
    RoleData           = "data"
)

const (
    DefaultRaftAddr = "127.0.0.1:9520"
    DefaultHTTPAddr = "127.0.0.1:17946"
)

var (
    ErrNoDataPaths = errors.New("config: no data paths configured")
    ErrUnknownRole = errors.New("config: unknown node role")
)

// Settings is the node configuration shared by the live node and the offline
// recovery tooling. Only DataPaths and Roles matter to the recovery commands.
type Settings struct {
    Node struct {
        Name  string   `yaml:"name"`
        Roles []string `yaml:"roles"`
    } `yaml:"node"`
    Path struct {
        Data []string `yaml:"data"`
    } `yaml:"path"`
    Cluster struct {
        Name string `yaml:"name"`
    } `yaml:"cluster"`
    Raft struct {
        Addr      string `yaml:"addr"`
        Bootstrap bool   `yaml:"bootstrap"`
    } `yaml:"raft"`
    HTTP struct {
        Addr string `yaml:"addr"`
        TLS  TLS    `yaml:"tls"`
    } `yaml:"http"`
    Discovery struct {
        Seeds []string `yaml:"seeds"`
        // File lists seeds, one per line; re-read while the node waits to join.
        File string `yaml:"file"`
    } `yaml:"discovery"`
}

// TLS configures the management endpoint. With CA set, peers must present
// a certificate signed by it.
type TLS struct {
    Enabled    bool   `yaml:"enabled"`
    CA         string `yaml:"ca"`
    Cert       string `yaml:"cert"`
    Key        string `yaml:"key"`
    ServerName string `yaml:"server_name"`
    SkipVerify bool   `yaml:"skip_verify"`
}

// Default returns settings with every optional field populated.
func Default() Settings {
    var s Settings
    s.Node.Roles = []string{RoleMaster, RoleData}
    s.Cluster.Name = "clusternode"
    s.Raft.Addr = DefaultRaftAddr
    s.HTTP.Addr = DefaultHTTPAddr
    return s
}

// Load reads a YAML settings file on top of the defaults. An empty path
// yields the defaults.
func Load(path string) (Settings, error) {
    s := Default()
    if path == "" { return s, nil }
    data, err := os.ReadFile(path)
    if err != nil { return s, fmt.Errorf("config: read %s: %w", path, err) }
    if err := yaml.Unmarshal(data, &s); err != nil {
        return s, fmt.Errorf("config: parse %s: %w", path, err)
    }
    s.fillDefaults()
    return s, nil
}

func (s *Settings) fillDefaults() {
    d := Default()
    if len(s.Node.Roles) == 0 { s.Node.Roles = d.Node.Roles }
    if s.Cluster.Name == "" { s.Cluster.Name = d.Cluster.Name }
    if s.Raft.Addr == "" { s.Raft.Addr = d.Raft.Addr }
    if s.HTTP.Addr == "" { s.HTTP.Addr = d.HTTP.Addr }
}

// Validate checks the settings needed by every command.
func (s Settings) Validate() error {
    if len(s.Path.Data) == 0 { return ErrNoDataPaths }
    for _, p := range s.Path.Data {
        if strings.TrimSpace(p) == "" { return ErrNoDataPaths }
    }
    for _, r := range s.Node.Roles {
        switch normalizeRole(r) {
        case RoleMaster, RoleData:
        default:
            return fmt.Errorf("%w: %q", ErrUnknownRole, r)
        }
    }
    return nil
}

// MasterEligible reports whether the node may hold mastership.
func (s Settings) MasterEligible() bool {
    for _, r := range s.Node.Roles {
        if normalizeRole(r) == RoleMaster { return true }
    }
    return false
}

// ParseList splits a comma-separated flag value, dropping blanks.
func ParseList(csv string) []string {
    if csv == "" { return nil }
    parts := strings.Split(csv, ",")
    out := make([]string, 0, len(parts))
    for _, p := range parts {
        p = strings.TrimSpace(p)
        if p != "" { out = append(out, p) }
    }
    return out
}

func normalizeRole(r string) string {
    r = strings.ToLower(strings.TrimSpace(r))
    if r == RoleClusterManager { return RoleMaster }
    return r
}
