// Package config loads cmd/fanoutctl's own bootstrap settings: the
// listen address for its driver, where to find the default cluster
// metadata file, and log verbosity. It has nothing to do with per-cluster
// execution parameters (connection_lifetime, query_timeout, and the
// rest), which always come from a core/hostiface.Host at call time
// (spec.md §6) and are never read from this package.
package config

import (
	"fmt"
	"os"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config holds fanoutctl's bootstrap configuration.
type Config struct {
	// ListenAddr is read from listen_addr; fanoutctl's run and explain
	// subcommands only make outbound connections and never bind to it.
	ListenAddr string

	// ClusterFile points at the YAML/JSON file describing partition maps
	// and per-cluster config, read by the built-in file-backed Host.
	ClusterFile string

	// LogLevel is one of debug, info, warn, error.
	LogLevel string

	// DefaultQueryTimeoutSeconds seeds cluster.Config.QueryTimeout for
	// clusters the file-backed Host loads without an explicit override.
	DefaultQueryTimeoutSeconds int

	// DefaultConnectTimeoutSeconds seeds cluster.Config.ConnectTimeout
	// the same way.
	DefaultConnectTimeoutSeconds int

	// LocalEncoding and LocalVersion describe the proxying process's own
	// identity, compared against each partition's ParameterStatus values:
	// LocalVersion during login to decide same_ver, LocalEncoding once the
	// connection is Ready to decide whether a client_encoding tuning round
	// trip is needed (spec.md §4.1).
	LocalEncoding string
	LocalVersion  string
}

var v = viper.New()

func init() {
	v.SetDefault("listen_addr", "127.0.0.1:6432")
	v.SetDefault("cluster_file", "./clusters.yaml")
	v.SetDefault("log_level", "info")
	v.SetDefault("default_query_timeout_seconds", 30)
	v.SetDefault("default_connect_timeout_seconds", 5)
	v.SetDefault("local_encoding", "UTF8")
	v.SetDefault("local_version", "16.4")

	v.SetEnvPrefix("FANOUTCTL")
	v.AutomaticEnv()
}

// BindFlags wires a cobra command's flag set into viper so that explicit
// flags take precedence over the FANOUTCTL_* environment and the config
// file, which in turn take precedence over the defaults above.
func BindFlags(flags *pflag.FlagSet) {
	for _, name := range []string{
		"listen-addr", "cluster-file", "log-level",
		"default-query-timeout-seconds", "default-connect-timeout-seconds",
		"local-encoding", "local-version",
	} {
		if f := flags.Lookup(name); f != nil {
			v.BindPFlag(toKey(name), f)
		}
	}
}

func toKey(flagName string) string {
	out := make([]byte, 0, len(flagName))
	for i := 0; i < len(flagName); i++ {
		if flagName[i] == '-' {
			out = append(out, '_')
			continue
		}
		out = append(out, flagName[i])
	}
	return string(out)
}

// Load reads configFile if non-empty, otherwise searches ., ./configs,
// and /etc/fanoutctl for fanoutctl.{yaml,json,toml}, applying the
// flags>env>file>defaults precedence BindFlags set up.
func Load(configFile string) (*Config, error) {
	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("fanoutctl")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/fanoutctl")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			if _, ok := err.(*os.PathError); !ok {
				return nil, fmt.Errorf("config: %w", err)
			}
		}
	}

	cfg := &Config{
		ListenAddr:                   v.GetString("listen_addr"),
		ClusterFile:                  v.GetString("cluster_file"),
		LogLevel:                     v.GetString("log_level"),
		DefaultQueryTimeoutSeconds:   v.GetInt("default_query_timeout_seconds"),
		DefaultConnectTimeoutSeconds: v.GetInt("default_connect_timeout_seconds"),
		LocalEncoding:                v.GetString("local_encoding"),
		LocalVersion:                 v.GetString("local_version"),
	}

	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return nil, fmt.Errorf("config: invalid log_level %q", cfg.LogLevel)
	}

	return cfg, nil
}

// ConfigFileUsed reports which file Load actually read, if any.
func ConfigFileUsed() string {
	return v.ConfigFileUsed()
}
