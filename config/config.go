package config

import (
	"reflect"
	"strings"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

type Config struct {
	Port              string        `mapstructure:"PORT"`
	BaseURL           string        `mapstructure:"BASE"`
	UpstreamBase      string        `mapstructure:"UPSTREAM_BASE"`
	AuthCookie        string        `mapstructure:"AUTH_COOKIE"`
	HeartbeatInterval time.Duration `mapstructure:"HEARTBEAT_INTERVAL"`
	StreamDeadline    time.Duration `mapstructure:"STREAM_DEADLINE"`
	RequestTimeout    time.Duration `mapstructure:"REQUEST_TIMEOUT"`
	IdleConnTimeout   time.Duration `mapstructure:"IDLE_CONN_TIMEOUT"`
	MaxFrameSize      int64         `mapstructure:"MAX_FRAME_SIZE"`
}

// stringToDurationHookFunc parses Go duration strings ("5s", "30m").
func stringToDurationHookFunc() mapstructure.DecodeHookFunc {
	return func(
		f reflect.Type,
		t reflect.Type,
		data interface{},
	) (interface{}, error) {
		if f.Kind() != reflect.String || t != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}
		return time.ParseDuration(data.(string))
	}
}

// stringToByteSizeHookFunc parses human-readable size strings ("64KB").
func stringToByteSizeHookFunc() mapstructure.DecodeHookFunc {
	return func(
		f reflect.Type,
		t reflect.Type,
		data interface{},
	) (interface{}, error) {
		if f.Kind() != reflect.String || t.Kind() != reflect.Int64 {
			return data, nil
		}

		var size datasize.ByteSize
		err := size.UnmarshalText([]byte(data.(string)))
		if err != nil {
			// Not a size string, let other parsers handle it.
			return data, nil
		}

		return int64(size.Bytes()), nil
	}
}

func Load() (*Config, error) {
	vp := viper.New()

	// Defaults are strings; the decode hooks turn them into durations
	// and byte counts.
	vp.SetDefault("PORT", "8080")
	vp.SetDefault("BASE", "")
	vp.SetDefault("UPSTREAM_BASE", "http://localhost:9090")
	vp.SetDefault("AUTH_COOKIE", "access_token")
	vp.SetDefault("HEARTBEAT_INTERVAL", "5s")
	vp.SetDefault("STREAM_DEADLINE", "30m")
	vp.SetDefault("REQUEST_TIMEOUT", "15s")
	vp.SetDefault("IDLE_CONN_TIMEOUT", "90s")
	vp.SetDefault("MAX_FRAME_SIZE", "64KB")

	vp.SetConfigName("genrelay_config")
	vp.SetConfigType("yaml")
	vp.AddConfigPath(".")
	vp.AddConfigPath("/etc/genrelay/")

	if err := vp.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	vp.SetEnvPrefix("GENRELAY")
	vp.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	vp.AutomaticEnv()

	var cfg Config
	err := vp.Unmarshal(&cfg, viper.DecodeHook(
		mapstructure.ComposeDecodeHookFunc(
			stringToDurationHookFunc(),
			stringToByteSizeHookFunc(),
		),
	))
	if err != nil {
		return nil, err
	}

	return &cfg, nil
}
