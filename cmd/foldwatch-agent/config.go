package main

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/foldwatch/foldwatch/internal/account"
	"github.com/foldwatch/foldwatch/internal/api/http"
	"github.com/foldwatch/foldwatch/internal/relay"
)

type Config struct {
	Log      LogConfig
	Http     http.Config
	Relay    relay.Config
	Account  account.Config
	Identity IdentityConfig
	State    StateConfig
}

type IdentityConfig struct {
	// Base64 PKCS#8 DER private keys. Never logged; the config dump below
	// redacts them.
	AccountSecret string `mapstructure:"account_secret" json:"-"`
	MachineSecret string `mapstructure:"machine_secret" json:"-"`
}

type StateConfig struct {
	StaleAfter time.Duration `mapstructure:"stale_after"`
}

var config Config

func InitConfig() {
	_ = godotenv.Load()

	viper.SetConfigName("application")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./cmd/foldwatch-agent")
	viper.SetConfigType("yaml")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	_ = viper.BindEnv("identity.account_secret", "FOLDWATCH_ACCOUNT_SECRET")
	_ = viper.BindEnv("identity.machine_secret", "FOLDWATCH_MACHINE_SECRET")
	_ = viper.BindEnv("account.passphrase", "FOLDWATCH_PASSPHRASE")
	_ = viper.BindEnv("account.session_id", "FOLDWATCH_SESSION_ID")

	if err := viper.ReadInConfig(); err != nil {
		panic(err)
	}

	if err := viper.Unmarshal(&config); err != nil {
		panic(err)
	}

	initLogger(config.Log.Level)

	if strings.ToUpper(config.Log.Level) == LOG_LEVEL_DEBUG {
		redacted := config
		redacted.Account.Passphrase = ""
		redacted.Account.SessionID = ""
		configJSON, err := json.MarshalIndent(redacted, "", "  ")
		if err == nil {
			fmt.Println("Config loaded:")
			fmt.Println(string(configJSON))
		}
	}
}
