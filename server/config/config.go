package config

import (
	"flag"
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/buildbuddy-io/contentcache/server/interfaces"
	"github.com/buildbuddy-io/contentcache/server/util/hash"
	"github.com/buildbuddy-io/contentcache/server/util/log"
	"github.com/buildbuddy-io/contentcache/server/util/status"
	"github.com/docker/go-units"
	"gopkg.in/yaml.v2"
)

// DisabledCleanInterval is the clean_interval value that turns cleaning off.
const DisabledCleanInterval = "disabled"

// When adding new fields, always be explicit about their yaml field name.
type generalConfig struct {
	App   appConfig   `yaml:"app"`
	Cache cacheConfig `yaml:"cache"`
}

type appConfig struct {
	LogLevel                string `yaml:"log_level" usage:"The desired log level. Logs with a level >= this level will be emitted. One of {'fatal', 'error', 'warn', 'info', 'debug'}"`
	EnableStructuredLogging bool   `yaml:"enable_structured_logging" usage:"If true, log messages will be json-formatted."`
	LogIncludeShortFileName bool   `yaml:"log_include_short_file_name" usage:"If true, log messages will include shortened originating file name."`
	LogErrorStackTraces     bool   `yaml:"log_error_stack_traces" usage:"If true, stack traces will be printed for errors that have them."`
}

type cacheConfig struct {
	File  FileCacheConfig  `yaml:"file"`
	Redis RedisCacheConfig `yaml:"redis"`
}

type FileCacheConfig struct {
	RootDirectory    string `yaml:"root_directory" usage:"The directory where cache entries are stored. Several processes may share it."`
	KeyHash          string `yaml:"key_hash" usage:"How keys are hashed into file names. One of {'md5', 'sha256'}"`
	CleanInterval    string `yaml:"clean_interval" usage:"Minimum time between two cleaning passes, e.g. '1h', or 'disabled'."`
	TargetSize       string `yaml:"target_size" usage:"Cleaning starts when the cache grows past this size, e.g. '2GB' or '512MiB'."`
	TargetInodeCount int64  `yaml:"target_inode_count" usage:"Cleaning starts when the cache holds more files and directories than this. 0 means unconstrained."`
	LockTimeout      string `yaml:"lock_timeout" usage:"Age after which another process's clean lock is considered abandoned."`
	AtimeEnabled     bool   `yaml:"atime_enabled" usage:"If true, cleaning evicts the least recently accessed entries first."`
}

type RedisCacheConfig struct {
	Target            string `yaml:"target" usage:"A Redis target, as host:port or a redis:// URI."`
	Timeout           string `yaml:"timeout" usage:"Socket timeout for connecting to and talking to Redis."`
	ReconnectionDelay string `yaml:"reconnection_delay" usage:"Minimum time between two attempts to connect to a Redis node."`
	Cluster           bool   `yaml:"cluster" usage:"If true, the target is a Redis Cluster node and keys are routed by slot."`
}

func defaultConfig() generalConfig {
	return generalConfig{
		Cache: cacheConfig{
			File: FileCacheConfig{
				KeyHash:       "md5",
				CleanInterval: "1h",
				TargetSize:    "1GiB",
				LockTimeout:   "1h",
				AtimeEnabled:  true,
			},
			Redis: RedisCacheConfig{
				Timeout:           "50ms",
				ReconnectionDelay: "1s",
			},
		},
	}
}

// boundFlag is a config field whose flag was already registered elsewhere,
// typically by the log or status packages.
type boundFlag struct {
	name  string
	field reflect.Value
}

type Configurator struct {
	gc         generalConfig
	flags      *flag.FlagSet
	configFile *string
	bound      []boundFlag
}

// NewConfigurator registers a flag for every config field on flags, plus
// --config_file. Field flags are named after their yaml path, for example
// --cache.file.root_directory.
func NewConfigurator(flags *flag.FlagSet) *Configurator {
	c := &Configurator{
		gc:    defaultConfig(),
		flags: flags,
	}
	c.configFile = flags.String("config_file", "", "The path to a YAML config file. Flags override values from the file.")
	c.defineFlagsForMembers(nil, reflect.ValueOf(&c.gc).Elem())
	return c
}

func (c *Configurator) defineFlagsForMembers(parentStructNames []string, T reflect.Value) {
	typeOfT := T.Type()
	for i := 0; i < T.NumField(); i++ {
		f := T.Field(i)
		fieldName := typeOfT.Field(i).Tag.Get("yaml")
		docString := typeOfT.Field(i).Tag.Get("usage")
		fqFieldName := strings.ToLower(strings.Join(append(parentStructNames, fieldName), "."))

		if f.Kind() == reflect.Struct {
			c.defineFlagsForMembers(append(parentStructNames, fieldName), f)
			continue
		}
		if c.flags.Lookup(fqFieldName) != nil {
			c.bound = append(c.bound, boundFlag{name: fqFieldName, field: f})
			continue
		}
		switch f.Kind() {
		case reflect.Bool:
			c.flags.BoolVar(f.Addr().Interface().(*bool), fqFieldName, f.Bool(), docString)
		case reflect.String:
			c.flags.StringVar(f.Addr().Interface().(*string), fqFieldName, f.String(), docString)
		case reflect.Int:
			c.flags.IntVar(f.Addr().Interface().(*int), fqFieldName, int(f.Int()), docString)
		case reflect.Int64:
			c.flags.Int64Var(f.Addr().Interface().(*int64), fqFieldName, f.Int(), docString)
		default:
			log.Warningf("Skipping flag: --%s, kind: %s", fqFieldName, f.Kind())
		}
	}
}

// Parse parses args, reads the config file named by --config_file if any,
// and parses args again so that flags override the file.
func (c *Configurator) Parse(args []string) error {
	if err := c.flags.Parse(args); err != nil {
		return status.InvalidArgumentError(err.Error())
	}
	if *c.configFile != "" {
		data, err := os.ReadFile(*c.configFile)
		if err != nil {
			if os.IsNotExist(err) {
				return status.NotFoundErrorf("Config file %s not found", *c.configFile)
			}
			return status.InternalErrorf("Error reading config file: %s", err)
		}
		log.Infof("Reading config from '%s'", *c.configFile)
		if err := c.LoadFromData(string(data)); err != nil {
			return err
		}
		if err := c.flags.Parse(args); err != nil {
			return status.InvalidArgumentError(err.Error())
		}
	}
	return c.Validate()
}

// LoadFromData applies a YAML document on top of the current values.
// Environment variables in the document are expanded.
func (c *Configurator) LoadFromData(data string) error {
	expanded := os.ExpandEnv(data)
	if err := yaml.UnmarshalStrict([]byte(expanded), &c.gc); err != nil {
		return status.InvalidArgumentErrorf("Error parsing config file: %s", err)
	}
	// Fields backed by someone else's flag only carry the YAML value; copy
	// it over so that the owning package sees it.
	for _, b := range c.bound {
		if b.field.IsZero() {
			continue
		}
		if err := c.flags.Set(b.name, fmt.Sprint(b.field.Interface())); err != nil {
			return status.InvalidArgumentErrorf("Invalid value for %s: %s", b.name, err)
		}
	}
	return nil
}

func (c *Configurator) Args() []string {
	return c.flags.Args()
}

// Validate checks that every value that needs parsing parses.
func (c *Configurator) Validate() error {
	if _, err := c.GetFileCacheHasher(); err != nil {
		return err
	}
	if _, err := c.GetFileCacheCleanInterval(); err != nil {
		return err
	}
	if _, err := c.GetFileCacheTargetSizeBytes(); err != nil {
		return err
	}
	if c.gc.Cache.File.TargetInodeCount < 0 {
		return status.InvalidArgumentErrorf("cache.file.target_inode_count must not be negative, got %d", c.gc.Cache.File.TargetInodeCount)
	}
	if _, err := c.GetFileCacheLockTimeout(); err != nil {
		return err
	}
	if _, err := c.GetRedisTimeout(); err != nil {
		return err
	}
	if _, err := c.GetRedisReconnectionDelay(); err != nil {
		return err
	}
	return nil
}

func parseDuration(name, value string) (time.Duration, error) {
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, status.InvalidArgumentErrorf("%s: invalid duration %q: %s", name, value, err)
	}
	if d < 0 {
		return 0, status.InvalidArgumentErrorf("%s must not be negative, got %s", name, value)
	}
	return d, nil
}

func (c *Configurator) GetAppLogLevel() string {
	return c.flags.Lookup("app.log_level").Value.String()
}

func (c *Configurator) GetFileCacheRootDirectory() string {
	return c.gc.Cache.File.RootDirectory
}

func (c *Configurator) GetFileCacheHasher() (interfaces.Hasher, error) {
	return hash.HasherByName(c.gc.Cache.File.KeyHash)
}

// GetFileCacheCleanInterval returns a negative duration when cleaning is
// disabled.
func (c *Configurator) GetFileCacheCleanInterval() (time.Duration, error) {
	v := c.gc.Cache.File.CleanInterval
	if strings.EqualFold(v, DisabledCleanInterval) {
		return -1, nil
	}
	d, err := parseDuration("cache.file.clean_interval", v)
	if err != nil {
		return 0, err
	}
	if d == 0 {
		return 0, status.InvalidArgumentErrorf("cache.file.clean_interval must be positive or %q", DisabledCleanInterval)
	}
	return d, nil
}

func (c *Configurator) GetFileCacheTargetSizeBytes() (int64, error) {
	v := c.gc.Cache.File.TargetSize
	n, err := units.RAMInBytes(v)
	if err != nil {
		return 0, status.InvalidArgumentErrorf("cache.file.target_size: invalid size %q: %s", v, err)
	}
	if n < 0 {
		return 0, status.InvalidArgumentErrorf("cache.file.target_size must not be negative, got %q", v)
	}
	return n, nil
}

func (c *Configurator) GetFileCacheTargetInodeCount() int64 {
	return c.gc.Cache.File.TargetInodeCount
}

func (c *Configurator) GetFileCacheLockTimeout() (time.Duration, error) {
	return parseDuration("cache.file.lock_timeout", c.gc.Cache.File.LockTimeout)
}

func (c *Configurator) GetFileCacheAtimeEnabled() bool {
	return c.gc.Cache.File.AtimeEnabled
}

func (c *Configurator) GetRedisTarget() string {
	return c.gc.Cache.Redis.Target
}

func (c *Configurator) GetRedisTimeout() (time.Duration, error) {
	return parseDuration("cache.redis.timeout", c.gc.Cache.Redis.Timeout)
}

func (c *Configurator) GetRedisReconnectionDelay() (time.Duration, error) {
	return parseDuration("cache.redis.reconnection_delay", c.gc.Cache.Redis.ReconnectionDelay)
}

func (c *Configurator) GetRedisCluster() bool {
	return c.gc.Cache.Redis.Cluster
}
