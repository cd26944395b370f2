package main

import (
	"fmt"
	"strings"

	"github.com/lernica/mongomirror"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

func init() {
	// Bind command-line flags
	pflag.String("config", "", "Path to the configuration file")
	pflag.String("data-folder", "./data", "Path to the data folder (key file and encrypted replication config)")
	pflag.String("audit-log", "", "Path to the replication audit log")
	pflag.String("admin-host", "127.0.0.1:8811", "Host and port for the admin API")
	pflag.String("primary-url", "mongodb://localhost:27017", "Connection string of the primary database")
	pflag.String("primary-db", "", "Name of the primary database")

	f := pflag.CommandLine
	normalizeFunc := f.GetNormalizeFunc()
	f.SetNormalizeFunc(func(fs *pflag.FlagSet, name string) pflag.NormalizedName {
		result := normalizeFunc(fs, name)
		name = strings.ReplaceAll(string(result), "-", "_")
		return pflag.NormalizedName(name)
	})
}

// LoadOptions merges flags, environment (MONGOMIRROR_*), and an optional
// config file into the stack options.
func LoadOptions() (mongomirror.Options, error) {
	viper.SetDefault("data_folder", "./data")
	viper.SetDefault("admin_host", "127.0.0.1:8811")
	viper.SetDefault("primary_url", "mongodb://localhost:27017")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.SetEnvPrefix("MONGOMIRROR")

	viper.BindPFlags(pflag.CommandLine)
	viper.AutomaticEnv()

	configFile := viper.GetString("config")
	if configFile != "" {
		viper.SetConfigFile(configFile)
	} else {
		viper.SetConfigName("mongomirror.conf")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		viper.AddConfigPath("/etc")
	}
	if err := viper.ReadInConfig(); err != nil {
		fmt.Printf("Using defaults and command line/environment options\n     (%v)\n", err)
	}

	var opts mongomirror.Options
	if err := viper.Unmarshal(&opts); err != nil {
		return opts, fmt.Errorf("unable to decode configuration: %v", err)
	}
	return opts, nil
}
