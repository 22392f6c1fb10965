package config

import (
	"fmt"
	"reflect"

	"github.com/mitchellh/mapstructure"
	"github.com/shopspring/decimal"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

var confPath string

func init() {
	pflag.StringVar(&confPath, "conf", "configs/", "default config path")
}

var (
	Server     server
	MySql      mysql
	Notify     notify
	Dgraph     dgraph
	EngineConf Engine
)

// Server 配置
type server struct {
	Env        string `yaml:"env"`
	Host       string `yaml:"host"`
	Port       string `yaml:"port"`
	DomainName string `yaml:"domain_name"`
	AdminToken string `yaml:"admin_token"`
}

type mysql struct {
	Host         string `yaml:"host"`
	User         string `yaml:"user"`
	Password     string `yaml:"password"`
	Database     string `yaml:"database"`
	Charset      string `yaml:"charset"`
	MaxIdleConns int    `yaml:"max_idle_conns"`
	MaxOpenConns int    `yaml:"max_open_conns"`
}

type notify struct {
	WebhookURL  string `yaml:"webhook_url"`
	SignSecret  string `yaml:"sign_secret"`
	BatchSize   int    `yaml:"batch_size"`
	MaxAttempts int    `yaml:"max_attempts"`
}

type dgraph struct {
	RPCAddr  string `yaml:"rpc_addr"`
	PageSize int    `yaml:"page_size"`
}

func Init() {
	pflag.Parse()
	unmarshal("server", &Server)
	unmarshal("mysql", &MySql)
	unmarshal("notify", &Notify)
	unmarshal("dgraph", &Dgraph)
	unmarshal("engine", &EngineConf)

	EngineConf.SetDefaults()
	if err := EngineConf.Validate(); err != nil {
		panic(fmt.Errorf("Fatal error engine config: %s \n", err))
	}
}

func unmarshal(name string, out interface{}) {
	v := viper.New()
	v.SetConfigName(name)
	v.AddConfigPath(confPath)
	err := v.ReadInConfig() // Find and read the config file
	if err != nil {         // Handle errors reading the config file
		panic(fmt.Errorf("Fatal error config file: %s \n", err))
	}

	err = v.Unmarshal(out, func(config *mapstructure.DecoderConfig) {
		config.TagName = "yaml"
		config.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			decimalHook,
			mapstructure.StringToSliceHookFunc(","),
		)
	})
	if err != nil {
		panic(fmt.Errorf("Fatal error unmarshal config file: %s \n", err))
	}
}

var decimalType = reflect.TypeOf(decimal.Decimal{})

// decimalHook lets yaml numbers and strings land in decimal.Decimal fields.
func decimalHook(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
	if to != decimalType {
		return data, nil
	}
	switch v := data.(type) {
	case string:
		return decimal.NewFromString(v)
	case float64:
		return decimal.NewFromFloat(v), nil
	case float32:
		return decimal.NewFromFloat32(v), nil
	case int:
		return decimal.NewFromInt(int64(v)), nil
	case int64:
		return decimal.NewFromInt(v), nil
	}
	return data, nil
}
