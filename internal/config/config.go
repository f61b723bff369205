// Package config holds the CLI flags, conf-file overlay, and PID-file
// lifecycle for the ouinet-client binary, kept in the teacher's
// Config/NewConfig/RegisterFlags shape (dht.go) and extended with the
// router-layer flags client_config.h defines.
package config

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"ouinet/internal/dhtnode"
)

// ConfFileName is the overlay file expected inside RepoRoot, client_config.h's
// ouinet-client.conf, parsed as YAML per the corpus's own conf-parsing idiom
// rather than a boost::program_options INI dialect.
const ConfFileName = "ouinet-client.conf"

// Config is the fully resolved configuration for one ouinet-client run.
type Config struct {
	// RepoRoot is the directory holding the conf file, PID file, and any
	// on-disk state. Required; client_config.h enforces it too.
	RepoRoot string
	// ListenOnTCP is the "IP:PORT" the HTTP proxy/front-end listens on.
	ListenOnTCP string
	// InjectorEndpoint is the injector's "IP:PORT".
	InjectorEndpoint string
	// InjectorIPNS names the injector's cache database, if any.
	InjectorIPNS string
	// MaxCachedAge discards cached content older than this. Non-positive
	// values fall back to cachecontrol.MaxCachedAge, the same default
	// client_config.h documents (one week) when the flag is left unset.
	MaxCachedAge time.Duration
	// OpenFileLimit, if non-zero, raises RLIMIT_NOFILE to this value.
	OpenFileLimit uint64

	// DHT holds the embedded DHT node's own configuration.
	DHT dhtnode.Config
}

// NewConfig returns a Config populated with the teacher-style defaults.
func NewConfig() *Config {
	return &Config{
		MaxCachedAge: 7 * 24 * time.Hour,
		DHT:          dhtnode.DefaultConfig(),
	}
}

// DefaultConfig mirrors the teacher's package-level DefaultConfig var.
var DefaultConfig = NewConfig()

// RegisterFlags registers c's fields onto fs as command line flags, the Go
// rendering of client_config.h's po::options_description. If c is nil,
// DefaultConfig is used; if fs is nil, flag.CommandLine is used.
func RegisterFlags(fs *flag.FlagSet, c *Config) {
	if c == nil {
		c = DefaultConfig
	}
	if fs == nil {
		fs = flag.CommandLine
	}
	fs.StringVar(&c.RepoRoot, "repo", c.RepoRoot,
		"Path to the repository root.")
	fs.StringVar(&c.ListenOnTCP, "listen-on-tcp", c.ListenOnTCP,
		"IP:PORT endpoint on which the proxy listens.")
	fs.StringVar(&c.InjectorEndpoint, "injector-ep", c.InjectorEndpoint,
		"Injector's IP:PORT endpoint.")
	fs.StringVar(&c.InjectorIPNS, "injector-ipns", c.InjectorIPNS,
		"IPNS of the injector's cache database.")
	fs.DurationVar(&c.MaxCachedAge, "max-cached-age", c.MaxCachedAge,
		"Discard cached content older than this (0 or negative: use the one-week default).")
	fs.Uint64Var(&c.OpenFileLimit, "open-file-limit", c.OpenFileLimit,
		"If set, raises the maximum number of open files to this value.")
	fs.StringVar(&c.DHT.Network, "dht-proto", c.DHT.Network,
		"Protocol for the DHT's UDP socket, udp4 or udp6.")
	fs.IntVar(&c.DHT.MaxNodes, "dht-max-nodes", c.DHT.MaxNodes,
		"Maximum number of nodes to store in the DHT routing table (stored in the DHT config; the routing table does not read it).")
}

// confFile is the YAML shape of ConfFileName, mirroring the same flag names
// client_config.h's config-file parsing accepts.
type confFile struct {
	ListenOnTCP      string `yaml:"listen-on-tcp"`
	InjectorEndpoint string `yaml:"injector-ep"`
	InjectorIPNS     string `yaml:"injector-ipns"`
	MaxCachedAge     *int   `yaml:"max-cached-age"`
	OpenFileLimit    uint64 `yaml:"open-file-limit"`
}

// Parse builds a Config from args the way client_config.h's
// ClientConfig(argc, argv) constructor does: flags first, then an overlay
// from RepoRoot/ConfFileName for any flag the caller left unset. Flags
// given explicitly on the command line always win over the conf file,
// mirroring boost::program_options's first-store-wins semantics.
func Parse(args []string) (*Config, error) {
	c := NewConfig()
	fs := flag.NewFlagSet("ouinet-client", flag.ContinueOnError)
	RegisterFlags(fs, c)
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	explicit := map[string]bool{}
	fs.Visit(func(f *flag.Flag) { explicit[f.Name] = true })

	if c.RepoRoot == "" {
		return nil, errors.New("config: the 'repo' argument is missing")
	}
	info, err := os.Stat(c.RepoRoot)
	if err != nil {
		return nil, errors.Wrapf(err, "config: repo root %q", c.RepoRoot)
	}
	if !info.IsDir() {
		return nil, errors.Errorf("config: %q is not a directory", c.RepoRoot)
	}

	if err := overlayConfFile(c, explicit); err != nil {
		return nil, err
	}

	if c.ListenOnTCP == "" {
		return nil, errors.New("config: the 'listen-on-tcp' argument is missing")
	}
	if c.InjectorEndpoint == "" {
		return nil, errors.New("config: the 'injector-ep' argument is missing")
	}

	return c, nil
}

// overlayConfFile fills in any flag the caller did not set explicitly from
// RepoRoot/ConfFileName, if present. A missing conf file is not an error:
// unlike client_config.h, a complete command line is enough on its own.
func overlayConfFile(c *Config, explicit map[string]bool) error {
	path := filepath.Join(c.RepoRoot, ConfFileName)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return errors.Wrapf(err, "config: reading %s", path)
	}

	var overlay confFile
	if err := yaml.Unmarshal(data, &overlay); err != nil {
		return errors.Wrapf(err, "config: parsing %s", path)
	}

	if !explicit["listen-on-tcp"] && overlay.ListenOnTCP != "" {
		c.ListenOnTCP = overlay.ListenOnTCP
	}
	if !explicit["injector-ep"] && overlay.InjectorEndpoint != "" {
		c.InjectorEndpoint = overlay.InjectorEndpoint
	}
	if !explicit["injector-ipns"] && overlay.InjectorIPNS != "" {
		c.InjectorIPNS = overlay.InjectorIPNS
	}
	if !explicit["max-cached-age"] && overlay.MaxCachedAge != nil {
		c.MaxCachedAge = time.Duration(*overlay.MaxCachedAge) * time.Second
	}
	if !explicit["open-file-limit"] && overlay.OpenFileLimit != 0 {
		c.OpenFileLimit = overlay.OpenFileLimit
	}
	return nil
}

// String renders c for startup banners/log lines, redacting nothing since
// none of these fields are secrets.
func (c *Config) String() string {
	return fmt.Sprintf("repo=%s listen=%s injector=%s max-cached-age=%s",
		c.RepoRoot, c.ListenOnTCP, c.InjectorEndpoint, c.MaxCachedAge)
}
