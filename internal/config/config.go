package config

import (
	"bytes"
	"strings"

	"github.com/amine-amaach/uasc/internal/component"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const envPrefix = "UASC"

type Cfg struct {
	Endpoint         component.Endpoint    `mapstructure:"endpoint"`
	Channel          component.Channel     `mapstructure:"channel"`
	Backoff          component.Backoff     `mapstructure:"backoff"`
	Certificate      component.Certificate `mapstructure:"certificate"`
	LoggerConfig     component.Logger      `mapstructure:"logger"`
	EnablePrometheus bool                  `mapstructure:"enable_prometheus"`
	MetricsAddr      string                `mapstructure:"metrics_addr"`
}

var defaultConfig = []byte(`
{
	"endpoint": {
		"url": "",
		"host": "0.0.0.0",
		"port": 4840,
		"application_name": "uasc",
		"application_uri": "urn:uasc:server",
		"max_connections": 100,
		"hello_timeout": "10s",
		"open_timeout": "10s"
	},

	"channel": {
		"receive_buffer_size": 65536,
		"send_buffer_size": 65536,
		"max_message_size": 16777216,
		"max_chunk_count": 4096,
		"token_lifetime": "1h",
		"transport_timeout": "60s",
		"security_policies": ["None"],
		"security_mode": "None"
	},

	"backoff": {
		"max_retry": 100,
		"initial_delay": "1s",
		"max_delay": "20s",
		"randomisation_factor": 0.1
	},

	"certificate": {
		"cert_file": "",
		"key_file": "",
		"pkcs12_file": "",
		"pkcs12_password": "",
		"additional_hosts": [],
		"additional_ips": []
	},

	"logger": {
		"level": "INFO",
		"format": "TEXT",
		"disable_timestamp": false
	},

	"enable_prometheus": true,
	"metrics_addr": ":8080"
}
`)

// GetConfigs reads config.json from ./configs/, ./internal/config/ or /configs/.
// The defaults apply to every key the file omits, and UASC_ environment
// variables override both, e.g. UASC_CHANNEL_SECURITY_MODE.
func GetConfigs(logger *zap.SugaredLogger) (Cfg, error) {
	return load(logger, "./configs/", "./internal/config/", "/configs/")
}

func load(logger *zap.SugaredLogger, paths ...string) (Cfg, error) {
	var configs Cfg
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("json")
	for _, p := range paths {
		v.AddConfigPath(p)
	}
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadConfig(bytes.NewReader(defaultConfig)); err != nil {
		return configs, errors.Wrap(err, "cannot read default configs")
	}

	if err := v.MergeInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			logger.Errorln("Config file was found but another error was produced ⛔")
			return configs, errors.Wrap(err, "cannot read config file")
		}
		logger.Warnln("⛔ Config file not found! using default configs ⛔")
	} else {
		logger.Infof("Config file %s found", v.ConfigFileUsed())
	}

	if err := v.Unmarshal(&configs); err != nil {
		logger.Errorln("Unable to unmarshal configs ⛔")
		return configs, errors.Wrap(err, "cannot unmarshal configs")
	}
	logger.Infoln("Configs parsed successfully ✅")
	return configs, nil
}
