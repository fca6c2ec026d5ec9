package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config holds application level configuration aggregated from env/config files and flags.
type Config struct {
	Server struct {
		Addr string
	}
	Database struct {
		Path string
	}
	Output struct {
		Root    string
		WorkDir string
		Ext     string
		// MinFreeBytes must remain free on the output filesystem after each write.
		MinFreeBytes uint64
	}
	Fetch struct {
		Source            string
		MaxAttempts       int
		Timeout           time.Duration
		RetryDelay        time.Duration
		Pace              time.Duration
		MaxConcurrentRuns int
		UserAgent         string
	}
	Datafind struct {
		Host        string
		Observatory string
		FrameType   string
		URLType     string
		OSDFBase    string
	}
	Helper struct {
		Path    string
		Args    []string
		TempDir string
	}
	Connectivity struct {
		ProbeAddress string
		PollInterval time.Duration
		LogPath      string
	}
	History struct {
		Path string
	}
	Omicron struct {
		Binary     string
		ParamFile  string
		CondaEnv   string
		UseWSL     bool
		WSLUser    string
		OutputFile string
	}
	Storage struct {
		Bucket    string
		KeyPrefix string
		Region    string
		Endpoint  string
	}
	AWS struct {
		Profile string
	}
	Auth struct {
		Username     string
		PasswordHash string
		JWTSecret    string
		TokenTTL     time.Duration
	}
	Log struct {
		Level string
	}
}

// DefaultOutputRoot is used when neither configuration nor history names an output root.
const DefaultOutputRoot = "GWFout"

const (
	SourceDatafind = "datafind"
	SourceCommand  = "command"
)

// flagKeys maps command line flags to configuration keys.
var flagKeys = map[string]string{
	"output-root": "output.root",
	"db":          "database.path",
	"addr":        "server.addr",
	"log-level":   "log.level",
	"source":      "fetch.source",
}

// RegisterFlags adds the flags Load understands to fs.
func RegisterFlags(fs *pflag.FlagSet) {
	fs.String("config", "", "path to a config file (yaml, toml or json)")
	fs.String("output-root", "", "directory holding one subdirectory per channel")
	fs.String("db", "", "run database path")
	fs.String("addr", "", "HTTP listen address")
	fs.String("log-level", "", "log level (debug, info, warn, error)")
	fs.String("source", "", "data source: datafind or command")
}

// Load reads configuration from environment variables, an optional config file and, when fs
// is not nil, the flags registered by RegisterFlags. Flags win over env, env over file.
func Load(fs *pflag.FlagSet) (Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return Config{}, err
	}

	v := viper.New()
	v.SetEnvPrefix("GWFETCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	configFile := ""
	if fs != nil {
		if f := fs.Lookup("config"); f != nil {
			configFile = f.Value.String()
		}
		for name, key := range flagKeys {
			if f := fs.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return Config{}, fmt.Errorf("bind flag %s: %w", name, err)
				}
			}
		}
	}

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		_ = v.ReadInConfig() // optional file
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// the last output root used is remembered unless one is configured explicitly
	if strings.TrimSpace(cfg.Output.Root) == "" {
		cfg.Output.Root = DefaultOutputRoot
		if h, err := LoadHistory(cfg.History.Path); err == nil && h.GWFoutPath != "" {
			cfg.Output.Root = h.GWFoutPath
		}
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", "0.0.0.0:8080")
	v.SetDefault("database.path", "data/gwfetch.db")

	// no default so an unset root can fall back to the history file
	_ = v.BindEnv("output.root")
	v.SetDefault("output.workdir", "")
	v.SetDefault("output.ext", "gwf")
	v.SetDefault("output.minfreebytes", 512*1024*1024)

	v.SetDefault("fetch.source", SourceDatafind)
	v.SetDefault("fetch.maxattempts", 5)
	v.SetDefault("fetch.timeout", "120s")
	v.SetDefault("fetch.retrydelay", "5s")
	v.SetDefault("fetch.pace", "2s")
	v.SetDefault("fetch.maxconcurrentruns", 1)
	v.SetDefault("fetch.useragent", "gwfetch/1.0")

	v.SetDefault("datafind.host", "https://datafind.gwosc.org")
	v.SetDefault("datafind.observatory", "")
	v.SetDefault("datafind.frametype", "")
	v.SetDefault("datafind.urltype", "osdf")
	v.SetDefault("datafind.osdfbase", "https://osdf-director.osg-htc.org")

	v.SetDefault("helper.path", "")
	v.SetDefault("helper.args", []string{"{channel}", "{start}", "{end}", "{output}"})
	v.SetDefault("helper.tempdir", "")

	v.SetDefault("connectivity.probeaddress", "google.com:443")
	v.SetDefault("connectivity.pollinterval", "600s")
	v.SetDefault("connectivity.logpath", "internet_disconnection_log.txt")

	v.SetDefault("history.path", "gravfetch_history.json")

	v.SetDefault("omicron.binary", "omicron")
	v.SetDefault("omicron.paramfile", "./config.txt")
	v.SetDefault("omicron.condaenv", "")
	v.SetDefault("omicron.usewsl", false)
	v.SetDefault("omicron.wsluser", "")
	v.SetDefault("omicron.outputfile", "omicron.out")

	v.SetDefault("storage.bucket", "")
	v.SetDefault("storage.keyprefix", "gwfetch")
	v.SetDefault("storage.region", "us-east-1")
	v.SetDefault("storage.endpoint", "")
	v.SetDefault("aws.profile", "")

	v.SetDefault("auth.username", "")
	v.SetDefault("auth.passwordhash", "")
	v.SetDefault("auth.jwtsecret", "")
	v.SetDefault("auth.tokenttl", "12h")

	v.SetDefault("log.level", "info")
}

// Validate rejects settings no component can work with.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Output.Root) == "" {
		return fmt.Errorf("output root is required")
	}
	switch c.Fetch.Source {
	case SourceDatafind:
	case SourceCommand:
		if strings.TrimSpace(c.Helper.Path) == "" {
			return fmt.Errorf("helper.path is required for the command source")
		}
	default:
		return fmt.Errorf("unknown fetch source %q", c.Fetch.Source)
	}
	if c.Fetch.MaxAttempts <= 0 {
		return fmt.Errorf("fetch.maxattempts must be positive")
	}
	return nil
}

// dotEnvPrefixes are the variables a .env file may provide: this program's own settings and
// the AWS credential chain used by the archive.
var dotEnvPrefixes = []string{"GWFETCH_", "AWS_"}

// loadDotEnv exports the entries of an optional .env file that carry one of dotEnvPrefixes and
// are not already set. Anything else in the file is ignored.
func loadDotEnv(path string) error {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("env")
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}

	for _, key := range v.AllKeys() {
		name := strings.ToUpper(key)
		if !hasAnyPrefix(name, dotEnvPrefixes) {
			continue
		}
		if _, set := os.LookupEnv(name); set {
			continue
		}
		if err := os.Setenv(name, v.GetString(key)); err != nil {
			return fmt.Errorf("export %s: %w", name, err)
		}
	}
	return nil
}

func hasAnyPrefix(s string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}
