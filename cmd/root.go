package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
	homedir "github.com/mitchellh/go-homedir"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/hwgrade/hwgrade/internal/config"
	"github.com/hwgrade/hwgrade/internal/utils"
)

var cfgFile string

const (
	LOGO = `	 _                                _
	| |____      ____ _ _ __ __ _  __| | ___
	| '_ \ \ /\ / / _' | '__/ _' |/ _' |/ _ \
	| | | \ V  V / (_| | | | (_| | (_| |  __/
	|_| |_|\_/\_/ \__, |_|  \__,_|\__,_|\___|
	              |___/

`
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "hwgrade",
	Short: "Grades C++ homework submissions on a web grading grid.",
	Long: LOGO + `hwgrade walks the submission grid of a homework page, downloads each
student's .cpp attachment, asks an LLM for a score and writes it back.`,
	CompletionOptions: cobra.CompletionOptions{
		DisableDefaultCmd: true,
	},
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.hwgrade.yaml)")

	// Global flags
	rootCmd.PersistentFlags().StringP("loglevel", "l", "info", "Set log level. Available: debug, info, warn, error, fatal")
}

// initConfig reads in .env, the config file and ENV variables if set.
func initConfig() {
	// A missing .env is the normal case.
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		fmt.Printf("Error loading .env: %s\n", err)
	}

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := homedir.Dir()
		if err != nil {
			fmt.Println(err)
			os.Exit(1)
		}
		viper.AddConfigPath(home)
		viper.SetConfigName(".hwgrade")
		viper.SetConfigType("yaml")
	}

	config.SetDefaults(viper.GetViper())
	viper.AutomaticEnv()
	if err := config.BindEnv(viper.GetViper()); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}

	// If a config file is found, read it in.
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			// Config file not found; create it with defaults.
			home, _ := homedir.Dir()
			configPath := filepath.Join(home, ".hwgrade.yaml")
			if err := viper.SafeWriteConfigAs(configPath); err != nil {
				fmt.Printf("Error creating config file: %s\n", err)
			}
		} else {
			fmt.Printf("Error reading config file: %s\n", err)
		}
	}

	// Init log library
	levelString, _ := rootCmd.PersistentFlags().GetString("loglevel")
	utils.SetLogLevel(levelString)
}

// loadConfig builds the validated configuration for commands that score.
func loadConfig() (config.Config, error) {
	home, _ := homedir.Dir()
	return config.Load(viper.GetViper(), home)
}

// readConfig builds the configuration without validating it.
func readConfig() (config.Config, error) {
	home, _ := homedir.Dir()
	return config.Read(viper.GetViper(), home)
}
