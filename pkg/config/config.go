// Copyright 2023 LiveKit, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	"gopkg.in/yaml.v3"

	"github.com/livekit/meshrelay/pkg/logger"
	"github.com/livekit/meshrelay/pkg/signalling"
)

const (
	generatedCLIFlagUsage = "generated"
	envPrefix             = "MESHRELAY_"

	// used when running with --dev and no secret
	DevSecret = "dev-secret"
)

var (
	ErrSecretFileIncorrectPermission = errors.New("secret file others permissions must be set to 0")
	ErrSecretNotSet                  = errors.New("one of secret-file or secret must be provided")
)

type Config struct {
	Port           uint32                 `yaml:"port,omitempty"`
	BindAddresses  []string               `yaml:"bind_addresses,omitempty"`
	PrometheusPort uint32                 `yaml:"prometheus_port,omitempty"`
	AllowedOrigins []string               `yaml:"allowed_origins,omitempty"`
	ServeClient    string                 `yaml:"serve_client,omitempty"`
	ICEServers     []signalling.ICEServer `yaml:"ice_servers,omitempty"`
	TURN           TURNConfig             `yaml:"turn,omitempty"`
	Auth           AuthConfig             `yaml:"auth,omitempty"`
	Redis          RedisConfig            `yaml:"redis,omitempty"`
	Signal         SignalConfig           `yaml:"signal,omitempty"`
	Stats          StatsConfig            `yaml:"stats,omitempty"`
	Logging        logger.Config          `yaml:"logging,omitempty"`

	Development bool `yaml:"development,omitempty"`
}

type AuthConfig struct {
	Secret     string        `yaml:"secret,omitempty"`
	SecretFile string        `yaml:"secret_file,omitempty"`
	TokenTTL   time.Duration `yaml:"token_ttl,omitempty"`
}

type RedisConfig struct {
	Address  string `yaml:"address,omitempty"`
	Username string `yaml:"username,omitempty"`
	Password string `yaml:"password,omitempty"`
	DB       int    `yaml:"db,omitempty"`
	UseTLS   bool   `yaml:"use_tls,omitempty"`
}

func (r RedisConfig) IsConfigured() bool {
	return r.Address != ""
}

type SignalConfig struct {
	PingInterval time.Duration `yaml:"ping_interval,omitempty"`
	PingTimeout  time.Duration `yaml:"ping_timeout,omitempty"`
	WriteTimeout time.Duration `yaml:"write_timeout,omitempty"`
	// inbound frames larger than this close the session
	MaxMessageSize int64 `yaml:"max_message_size,omitempty"`
	// messages queued per connection before new ones are dropped
	OutboundBuffer int `yaml:"outbound_buffer,omitempty"`
	// inbound messages per second, 0 disables limiting
	MessageRate  float64 `yaml:"message_rate,omitempty"`
	MessageBurst int     `yaml:"message_burst,omitempty"`
}

// TURNConfig enables short lived TURN credentials from Cloudflare Calls,
// handed out next to the static ICE servers.
type TURNConfig struct {
	CloudflareKeyID    string        `yaml:"cloudflare_key_id,omitempty"`
	CloudflareAPIToken string        `yaml:"cloudflare_api_token,omitempty"`
	TTL                time.Duration `yaml:"ttl,omitempty"`
}

func (t TURNConfig) IsConfigured() bool {
	return t.CloudflareKeyID != "" && t.CloudflareAPIToken != ""
}

type StatsConfig struct {
	Workers int `yaml:"workers,omitempty"`
	// per room when stored in redis, total when stored locally
	MaxRecords int `yaml:"max_records,omitempty"`
}

var DefaultConfig = Config{
	Port: 4000,
	ICEServers: []signalling.ICEServer{
		{URLs: []string{"stun:stun.l.google.com:19302"}},
	},
	Auth: AuthConfig{
		TokenTTL: time.Hour,
	},
	TURN: TURNConfig{
		TTL: time.Hour,
	},
	Signal: SignalConfig{
		PingInterval:   10 * time.Second,
		PingTimeout:    2 * time.Second,
		WriteTimeout:   5 * time.Second,
		MaxMessageSize: 64 * 1024,
		OutboundBuffer: 256,
		MessageBurst:   50,
	},
	Stats: StatsConfig{
		Workers:    2,
		MaxRecords: 1000,
	},
	Logging: logger.Config{
		PionLevel: "error",
	},
}

func NewConfig(confString string, strictMode bool, c *cli.Context, baseFlags []cli.Flag) (*Config, error) {
	// start with defaults
	marshalled, err := yaml.Marshal(&DefaultConfig)
	if err != nil {
		return nil, err
	}

	var conf Config
	err = yaml.Unmarshal(marshalled, &conf)
	if err != nil {
		return nil, err
	}

	if confString != "" {
		decoder := yaml.NewDecoder(strings.NewReader(confString))
		decoder.KnownFields(strictMode)
		if err := decoder.Decode(&conf); err != nil {
			return nil, fmt.Errorf("could not parse config: %v", err)
		}
	}

	if c != nil {
		if err := conf.updateFromCLI(c, baseFlags); err != nil {
			return nil, err
		}
	}

	// expand env vars in filenames
	file, err := homedir.Expand(os.ExpandEnv(conf.Auth.SecretFile))
	if err != nil {
		return nil, err
	}
	conf.Auth.SecretFile = file

	if conf.ServeClient != "" {
		dir, err := homedir.Expand(os.ExpandEnv(conf.ServeClient))
		if err != nil {
			return nil, err
		}
		conf.ServeClient = dir
	}

	if conf.Logging.Level == "" && conf.Development {
		conf.Logging.Level = "debug"
	}
	if conf.Auth.TokenTTL <= 0 {
		conf.Auth.TokenTTL = DefaultConfig.Auth.TokenTTL
	}

	return &conf, nil
}

// ValidateSecret loads the signing secret from the secret file when one is
// configured, and refuses to start without a secret outside development.
func (conf *Config) ValidateSecret() error {
	// prefer secret file if set
	if conf.Auth.SecretFile != "" {
		var otherFilter os.FileMode = 0o007
		if st, err := os.Stat(conf.Auth.SecretFile); err != nil {
			return err
		} else if st.Mode().Perm()&otherFilter != 0o000 {
			return ErrSecretFileIncorrectPermission
		}
		data, err := os.ReadFile(conf.Auth.SecretFile)
		if err != nil {
			return errors.Wrap(err, "could not read secret file")
		}
		conf.Auth.Secret = strings.TrimSpace(string(data))
	}

	if conf.Auth.Secret == "" {
		if !conf.Development {
			return ErrSecretNotSet
		}
		logger.Infow("no secret provided, using placeholder secret", "secret", DevSecret)
		conf.Auth.Secret = DevSecret
	}

	if !conf.Development && len(conf.Auth.Secret) < 32 {
		logger.Errorw("secret is too short, should be at least 32 characters for security", nil)
	}
	return nil
}

type configNode struct {
	TypeNode  reflect.Value
	TagPrefix string
}

func (conf *Config) ToCLIFlagNames(existingFlags []cli.Flag) map[string]reflect.Value {
	existingFlagNames := map[string]bool{}
	for _, flag := range existingFlags {
		for _, flagName := range flag.Names() {
			existingFlagNames[flagName] = true
		}
	}

	flagNames := map[string]reflect.Value{}
	var currNode configNode
	nodes := []configNode{{reflect.ValueOf(conf).Elem(), ""}}
	for len(nodes) > 0 {
		currNode, nodes = nodes[0], nodes[1:]
		for i := 0; i < currNode.TypeNode.NumField(); i++ {
			// inspect yaml tag from struct field to get path
			field := currNode.TypeNode.Type().Field(i)
			yamlTag := strings.SplitN(field.Tag.Get("yaml"), ",", 2)[0]
			if yamlTag == "" || yamlTag == "-" {
				continue
			}
			yamlPath := yamlTag
			if currNode.TagPrefix != "" {
				yamlPath = fmt.Sprintf("%s.%s", currNode.TagPrefix, yamlTag)
			}
			if existingFlagNames[yamlPath] {
				continue
			}

			// map flag name to value
			value := currNode.TypeNode.Field(i)
			if value.Kind() == reflect.Struct {
				nodes = append(nodes, configNode{value, yamlPath})
			} else {
				flagNames[yamlPath] = value
			}
		}
	}

	return flagNames
}

// GenerateCLIFlags exposes every scalar config path as a flag, e.g.
// --signal.ping_interval, with a matching MESHRELAY_ env var.
func GenerateCLIFlags(existingFlags []cli.Flag, hidden bool) ([]cli.Flag, error) {
	blankConfig := &Config{}
	flags := make([]cli.Flag, 0)
	for name, value := range blankConfig.ToCLIFlagNames(existingFlags) {
		kind := value.Kind()
		if kind == reflect.Ptr {
			kind = value.Type().Elem().Kind()
		}

		var flag cli.Flag
		envVar := envPrefix + strings.ToUpper(strings.ReplaceAll(name, ".", "_"))

		switch {
		case value.Type() == reflect.TypeOf(time.Duration(0)):
			flag = &cli.DurationFlag{
				Name:    name,
				EnvVars: []string{envVar},
				Usage:   generatedCLIFlagUsage,
				Hidden:  hidden,
			}
		case kind == reflect.Bool:
			flag = &cli.BoolFlag{
				Name:   name,
				Usage:  generatedCLIFlagUsage,
				Hidden: hidden,
			}
		case kind == reflect.String:
			flag = &cli.StringFlag{
				Name:    name,
				EnvVars: []string{envVar},
				Usage:   generatedCLIFlagUsage,
				Hidden:  hidden,
			}
		case kind == reflect.Int, kind == reflect.Int32, kind == reflect.Int64:
			flag = &cli.Int64Flag{
				Name:    name,
				EnvVars: []string{envVar},
				Usage:   generatedCLIFlagUsage,
				Hidden:  hidden,
			}
		case kind == reflect.Uint8, kind == reflect.Uint16, kind == reflect.Uint32, kind == reflect.Uint64:
			flag = &cli.Uint64Flag{
				Name:    name,
				EnvVars: []string{envVar},
				Usage:   generatedCLIFlagUsage,
				Hidden:  hidden,
			}
		case kind == reflect.Float32, kind == reflect.Float64:
			flag = &cli.Float64Flag{
				Name:    name,
				EnvVars: []string{envVar},
				Usage:   generatedCLIFlagUsage,
				Hidden:  hidden,
			}
		case kind == reflect.Slice, kind == reflect.Map:
			// lists come from the config file or their dedicated flags
			continue
		default:
			return flags, fmt.Errorf("cli flag generation unsupported for config type: %s is a %s", name, kind.String())
		}

		flags = append(flags, flag)
	}

	return flags, nil
}

func (conf *Config) updateFromCLI(c *cli.Context, baseFlags []cli.Flag) error {
	generatedFlagNames := conf.ToCLIFlagNames(baseFlags)
	for _, flag := range c.App.Flags {
		flagName := flag.Names()[0]

		// the `c.App.Name != "test"` check is needed because `c.IsSet(...)` is always false in unit tests
		if !c.IsSet(flagName) && c.App.Name != "test" {
			continue
		}

		configValue, ok := generatedFlagNames[flagName]
		if !ok {
			continue
		}

		kind := configValue.Kind()
		if configValue.Type() == reflect.TypeOf(time.Duration(0)) {
			configValue.SetInt(int64(c.Duration(flagName)))
			continue
		}

		switch kind {
		case reflect.Bool:
			configValue.SetBool(c.Bool(flagName))
		case reflect.String:
			configValue.SetString(c.String(flagName))
		case reflect.Int, reflect.Int32, reflect.Int64:
			configValue.SetInt(c.Int64(flagName))
		case reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
			configValue.SetUint(c.Uint64(flagName))
		case reflect.Float32, reflect.Float64:
			configValue.SetFloat(c.Float64(flagName))
		default:
			return fmt.Errorf("unsupported generated cli flag type for config: %s is a %s", flagName, kind.String())
		}
	}

	if c.IsSet("dev") {
		conf.Development = c.Bool("dev")
	}
	if c.IsSet("secret") {
		conf.Auth.Secret = c.String("secret")
	}
	if c.IsSet("secret-file") {
		conf.Auth.SecretFile = c.String("secret-file")
	}
	if c.IsSet("port") {
		conf.Port = uint32(c.Uint("port"))
	}
	if c.IsSet("redis-host") {
		conf.Redis.Address = c.String("redis-host")
	}
	if c.IsSet("redis-password") {
		conf.Redis.Password = c.String("redis-password")
	}
	if c.IsSet("allowed-origins") {
		conf.AllowedOrigins = splitList(c.String("allowed-origins"))
	}
	if c.IsSet("serve-client") {
		conf.ServeClient = c.String("serve-client")
	}
	if c.IsSet("ice-servers") {
		var servers []signalling.ICEServer
		// JSON is valid YAML
		if err := yaml.Unmarshal([]byte(c.String("ice-servers")), &servers); err != nil {
			return errors.Wrap(err, "could not parse ice servers")
		}
		conf.ICEServers = servers
	}
	if c.IsSet("turn-key-id") {
		conf.TURN.CloudflareKeyID = c.String("turn-key-id")
	}
	if c.IsSet("turn-api-token") {
		conf.TURN.CloudflareAPIToken = c.String("turn-api-token")
	}
	if c.IsSet("bind") {
		conf.BindAddresses = c.StringSlice("bind")
	}
	return nil
}

func splitList(value string) []string {
	var out []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func InitLoggerFromConfig(conf *Config) {
	if conf.Development {
		logger.InitDevelopment(conf.Logging)
	} else {
		logger.InitProduction(conf.Logging)
	}
}
